// Copyright 2024-2026 Aiku AI

package connector

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"github.com/aiku/watg-bridge/pkg/bridge"
	"github.com/aiku/watg-bridge/pkg/commands"
	"github.com/aiku/watg-bridge/pkg/config"
	"github.com/aiku/watg-bridge/pkg/directory"
	"github.com/aiku/watg-bridge/pkg/media"
	"github.com/aiku/watg-bridge/pkg/metrics"
	"github.com/aiku/watg-bridge/pkg/session"
	"github.com/aiku/watg-bridge/pkg/store"
	"github.com/aiku/watg-bridge/pkg/tg"
	"github.com/aiku/watg-bridge/pkg/wa"
)

// connection is the WhatsApp lifecycle surface. *wa.Manager implements it.
type connection interface {
	Run(ctx context.Context) error
	State() wa.State
	Attempts() int
	Logout(ctx context.Context) error
	OnQR(fn wa.QRFunc)
	OnOpen(fn wa.OpenFunc)
	OnStateChange(fn wa.StateFunc)
}

// whatsApp is the part of *wa.Client used outside the pipeline.
type whatsApp interface {
	SetHandlers(h wa.Handlers)
	Contacts(ctx context.Context) ([]directory.Contact, error)
	AccountName() string
}

// telegram is the part of *tg.Client used outside the pipeline.
type telegram interface {
	commands.Replier
	Listen(ctx context.Context, handle tg.MessageHandler) error
	SendQR(ctx context.Context, payload string) error
	LogToChannel(ctx context.Context, title, message string) error
	NotifyOwner(ctx context.Context, text string) error
	SetCommands(ctx context.Context, cmds []tg.Command) error
	Username(ctx context.Context) (string, error)
}

// relay is the message pipeline. *bridge.Pipeline implements it.
type relay interface {
	Go(fn func(ctx context.Context)) error
	HandleWhatsApp(ctx context.Context, in *bridge.Inbound)
	HandleTelegram(ctx context.Context, msg *bridge.TelegramMessage)
	HandleContactUpdate(ctx context.Context, phone, name string)
	HandlePushName(ctx context.Context, participantID, name string)
	RefreshProfilePicture(ctx context.Context, conversationID string) error
	SendToConversation(ctx context.Context, conversationID, text string) (bridge.MessageKey, error)
	Shutdown(ctx context.Context) error
}

// sessions is the credential persistence used at runtime.
type sessions interface {
	RunSaver(ctx context.Context, interval time.Duration)
	Save(ctx context.Context) error
}

// Connector owns every component of a running bridge and the wiring between
// them.
type Connector struct {
	Config *config.Config
	Log    zerolog.Logger

	store    *store.Mongo
	sessions sessions
	conn     connection
	wa       whatsApp
	tg       telegram
	dir      *directory.Directory
	pipeline relay
	commands *commands.Registry
	metrics  *metrics.Metrics
	registry *prometheus.Registry
	admin    *http.Server

	syncs singleflight.Group
}

var _ commands.Bridge = (*Connector)(nil)

// Open connects to MongoDB, loads the directory and builds the bridge. It
// does not contact WhatsApp or Telegram; that happens in Run.
func Open(ctx context.Context, cfg *config.Config, log zerolog.Logger) (*Connector, error) {
	db, err := store.Connect(ctx, cfg.Database, log)
	if err != nil {
		return nil, err
	}
	c, err := build(ctx, cfg, db, log)
	if err != nil {
		_ = db.Close(context.WithoutCancel(ctx))
		return nil, err
	}
	return c, nil
}

func build(ctx context.Context, cfg *config.Config, db *store.Mongo, log zerolog.Logger) (*Connector, error) {
	if err := db.Initialize(ctx); err != nil {
		return nil, fmt.Errorf("failed to initialize store: %w", err)
	}
	sess := session.NewManager(db, cfg.Session.Dir, log)
	if cfg.Session.ClearOnStart {
		log.Warn().Msg("Clearing stored session as requested by config")
		if err := sess.Clear(ctx); err != nil {
			return nil, fmt.Errorf("failed to clear session: %w", err)
		}
	}

	tgc, err := tg.New(cfg.Telegram, log)
	if err != nil {
		return nil, err
	}
	transcoder, err := media.NewTranscoder(cfg.Media.ScratchDir, cfg.Media.MaxConcurrentTranscodes, log)
	if err != nil {
		return nil, err
	}
	if !transcoder.Available() {
		log.Warn().Msg("ffmpeg not found, video notes and stickers will be sent unconverted")
	}

	dir := directory.New(db, tgc, log, directory.Options{VerifyTTL: cfg.Directory.VerifyTTL})
	if err := dir.Load(ctx); err != nil {
		return nil, fmt.Errorf("failed to load directory: %w", err)
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	m := metrics.New(registry)

	waClient := wa.NewClient(cfg.Session.Dir, cfg.WhatsApp.DeviceName, log)
	pipeline := bridge.New(waClient, tgc, dir, transcoder, m, bridge.OptionsFromConfig(cfg), log)
	manager := newConnectionManager(cfg, waClient, sess, log)

	c := &Connector{
		Config:   cfg,
		Log:      log,
		store:    db,
		sessions: sess,
		conn:     manager,
		wa:       waClient,
		tg:       tgc,
		dir:      dir,
		pipeline: pipeline,
		metrics:  m,
		registry: registry,
	}
	if err := c.init(ctx); err != nil {
		return nil, err
	}
	return c, nil
}

func newConnectionManager(cfg *config.Config, dialer wa.Dialer, sess wa.Sessions, log zerolog.Logger) *wa.Manager {
	return wa.NewManager(dialer, sess, wa.Options{
		QRTimeout:            cfg.WhatsApp.QRTimeout,
		ReconnectDelay:       cfg.WhatsApp.ReconnectDelay,
		MaxReconnectAttempts: cfg.WhatsApp.MaxReconnectAttempts,
	}, log)
}

// init registers the command modules and connects the event hooks. The
// component fields must be set.
func (c *Connector) init(ctx context.Context) error {
	if c.registry == nil {
		c.registry = prometheus.NewRegistry()
	}
	if c.metrics == nil {
		c.metrics = metrics.New(c.registry)
	}
	metrics.RegisterDirectory(c.registry, func() (int, int, int) {
		counts := c.dir.Counts()
		return counts.Chats, counts.Users, counts.Contacts
	})

	c.commands = commands.NewRegistry(c.tg, c.Config.Telegram.IsAdmin, c.Log)
	if err := c.commands.Register(commands.NewBridgeModule(c)); err != nil {
		return fmt.Errorf("failed to register commands: %w", err)
	}
	if err := c.commands.Init(ctx); err != nil {
		return err
	}

	c.conn.OnQR(c.onQR)
	c.conn.OnOpen(c.onOpen)
	c.conn.OnStateChange(c.onStateChange)
	c.wa.SetHandlers(c.whatsAppHandlers())
	return nil
}

// Run starts the admin API, the Telegram listener, the session saver and the
// WhatsApp connection, and blocks until ctx is cancelled or the connection
// fails permanently. In-flight messages are drained before the connection is
// released.
func (c *Connector) Run(ctx context.Context) error {
	if name, err := c.tg.Username(ctx); err != nil {
		c.Log.Warn().Err(err).Msg("Failed to get bot username, accepting commands for any bot")
	} else {
		c.commands.SetBotUsername(name)
		c.Log.Info().Str("username", name).Msg("Telegram bot ready")
	}
	c.startAdminAPI()

	runCtx, stop := context.WithCancel(context.WithoutCancel(ctx))
	defer stop()
	g, gctx := errgroup.WithContext(runCtx)
	if c.sessions != nil {
		g.Go(func() error {
			c.sessions.RunSaver(gctx, c.Config.Session.SaveInterval)
			return nil
		})
	}
	g.Go(func() error {
		return c.tg.Listen(gctx, c.handleTelegram)
	})
	g.Go(func() error {
		c.WatchContacts(gctx, c.Config.Directory.ContactSyncInterval)
		return nil
	})
	g.Go(func() error {
		return c.conn.Run(gctx)
	})

	select {
	case <-ctx.Done():
		c.Log.Info().Msg("Shutting down bridge")
	case <-gctx.Done():
	}
	c.drain(ctx)
	stop()
	err := g.Wait()

	if c.sessions != nil && c.conn.State() != wa.StatePermanentlyClosed {
		saveCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 30*time.Second)
		defer cancel()
		if err := c.sessions.Save(saveCtx); err != nil {
			c.Log.Error().Err(err).Msg("Failed to save session on shutdown")
		}
	}
	return err
}

func (c *Connector) drain(ctx context.Context) {
	grace := c.Config.Bridge.ShutdownGrace
	if grace <= 0 {
		grace = 15 * time.Second
	}
	// Shutdown waits out the grace period itself; the extra time covers
	// the receipt flush.
	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), grace+10*time.Second)
	defer cancel()
	if err := c.pipeline.Shutdown(shutdownCtx); err != nil {
		c.Log.Warn().Err(err).Msg("Pipeline did not shut down cleanly")
	}
}

// Close releases what Open acquired. Call it after Run returns.
func (c *Connector) Close(ctx context.Context) error {
	var errs []error
	if c.commands != nil {
		errs = append(errs, c.commands.Destroy(ctx))
	}
	if c.admin != nil {
		if err := c.admin.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("failed to stop admin API: %w", err))
		}
	}
	if c.store != nil {
		errs = append(errs, c.store.Close(ctx))
	}
	return errors.Join(errs...)
}

// Connected reports whether the WhatsApp connection is open.
func (c *Connector) Connected() bool {
	return c.conn.State() == wa.StateOpen
}

func (c *Connector) AccountName() string {
	return c.wa.AccountName()
}

func (c *Connector) Counts() directory.Counts {
	return c.dir.Counts()
}

func (c *Connector) ListContacts() []directory.Contact {
	return c.dir.ListContacts()
}

func (c *Connector) SearchContacts(query string) []directory.Contact {
	return c.dir.SearchContacts(query)
}

// SendText posts text to a WhatsApp conversation as the account owner.
func (c *Connector) SendText(ctx context.Context, conversationID, text string) (bridge.MessageKey, error) {
	if !c.Connected() {
		return bridge.MessageKey{}, wa.ErrNotConnected
	}
	return c.pipeline.SendToConversation(ctx, conversationID, text)
}
