// Copyright 2024-2026 Aiku AI

// Package bridge relays messages between WhatsApp conversations and the
// Telegram forum threads the directory maps them to.
//
// Handlers never return errors to their caller. Every failure is logged,
// counted and, for messages written on Telegram, answered with a reaction.
package bridge

import (
	"context"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"github.com/patrickmn/go-cache"
	"github.com/rs/zerolog"

	"github.com/aiku/watg-bridge/pkg/config"
	"github.com/aiku/watg-bridge/pkg/directory"
	"github.com/aiku/watg-bridge/pkg/media"
	"github.com/aiku/watg-bridge/pkg/metrics"
)

type Options struct {
	Features config.Features
	// OwnerPhone is the bridged account's number. Group messages from it
	// are not prefixed with a sender label.
	OwnerPhone       string
	ReadReceiptDelay time.Duration
	ShutdownGrace    time.Duration
	CallDedupWindow  time.Duration
	StatusIndexTTL   time.Duration
	MediaTimeout     time.Duration
	TypingPause      time.Duration
}

// OptionsFromConfig collects the pipeline settings from the bridge config.
func OptionsFromConfig(cfg *config.Config) Options {
	return Options{
		Features:         cfg.Telegram.Features,
		OwnerPhone:       cfg.WhatsApp.Owner,
		ReadReceiptDelay: cfg.Bridge.ReadReceiptDelay,
		ShutdownGrace:    cfg.Bridge.ShutdownGrace,
		CallDedupWindow:  cfg.Bridge.CallDedupWindow,
		StatusIndexTTL:   cfg.Bridge.StatusIndexTTL,
		MediaTimeout:     cfg.Media.Timeout,
	}
}

func (o *Options) setDefaults() {
	if o.ReadReceiptDelay <= 0 {
		o.ReadReceiptDelay = 2 * time.Second
	}
	if o.ShutdownGrace <= 0 {
		o.ShutdownGrace = 15 * time.Second
	}
	if o.CallDedupWindow <= 0 {
		o.CallDedupWindow = 30 * time.Second
	}
	if o.StatusIndexTTL <= 0 {
		o.StatusIndexTTL = 24 * time.Hour
	}
	if o.MediaTimeout <= 0 {
		o.MediaTimeout = 60 * time.Second
	}
	if o.TypingPause <= 0 {
		o.TypingPause = 3 * time.Second
	}
}

// Pipeline owns both relay directions.
type Pipeline struct {
	wa      WhatsApp
	tg      Telegram
	dir     *directory.Directory
	media   *media.Transcoder
	metrics *metrics.Metrics
	opts    Options
	log     zerolog.Logger

	receipts *receiptBatcher
	presence *presence
	// statuses maps the Telegram message id of a relayed status post to
	// its WhatsApp key.
	statuses *cache.Cache
	calls    *cache.Cache

	ctx    context.Context
	cancel context.CancelFunc

	mu       sync.RWMutex
	closed   bool
	inflight sync.WaitGroup

	now func() time.Time
}

// New wires the pipeline and installs its thread-created hook on dir. It
// must be called before dir is shared.
func New(wa WhatsApp, tg Telegram, dir *directory.Directory, transcoder *media.Transcoder, m *metrics.Metrics, opts Options, log zerolog.Logger) *Pipeline {
	opts.setDefaults()
	log = log.With().Str("component", "pipeline").Logger()
	ctx, cancel := context.WithCancel(context.Background())
	p := &Pipeline{
		wa:       wa,
		tg:       tg,
		dir:      dir,
		media:    transcoder,
		metrics:  m,
		opts:     opts,
		log:      log,
		statuses: cache.New(opts.StatusIndexTTL, time.Hour),
		calls:    cache.New(opts.CallDedupWindow, 2*opts.CallDedupWindow),
		ctx:      ctx,
		cancel:   cancel,
		now:      time.Now,
	}
	p.receipts = newReceiptBatcher(opts.ReadReceiptDelay, wa.MarkRead, log)
	p.presence = newPresence(opts.TypingPause, wa.SetTyping, log)
	dir.SetThreadCreatedHook(p.onThreadCreated)
	return p
}

// Go runs fn on its own goroutine under the pipeline's handler context.
// It returns ErrShuttingDown once Shutdown has started.
func (p *Pipeline) Go(fn func(ctx context.Context)) error {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return ErrShuttingDown
	}
	p.inflight.Add(1)
	go func() {
		defer p.inflight.Done()
		defer p.recoverPanic("handler")
		fn(p.ctx)
	}()
	return nil
}

func (p *Pipeline) recoverPanic(where string) {
	if r := recover(); r != nil {
		p.log.Error().
			Str("where", where).
			Str("panic", fmt.Sprint(r)).
			Bytes("stack", debug.Stack()).
			Msg("Recovered from panic")
	}
}

// Shutdown stops accepting work, waits for running handlers up to the grace
// period, cancels the rest and flushes pending read receipts.
func (p *Pipeline) Shutdown(ctx context.Context) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	p.mu.Unlock()

	done := make(chan struct{})
	go func() {
		p.inflight.Wait()
		close(done)
	}()
	grace := time.NewTimer(p.opts.ShutdownGrace)
	defer grace.Stop()
	select {
	case <-done:
	case <-grace.C:
		p.log.Warn().Dur("grace", p.opts.ShutdownGrace).Msg("Handlers still running after grace period, cancelling")
		p.cancel()
		<-done
	case <-ctx.Done():
		p.cancel()
		<-done
	}
	p.cancel()
	p.presence.Stop()
	p.receipts.Close()
	if err := p.receipts.FlushAll(context.WithoutCancel(ctx)); err != nil {
		p.log.Warn().Err(err).Msg("Failed to flush read receipts")
	}
	p.log.Info().Msg("Pipeline stopped")
	return nil
}

// SendToConversation posts text to a WhatsApp conversation on behalf of
// the owner. Pending receipts for the conversation are flushed on success.
func (p *Pipeline) SendToConversation(ctx context.Context, conversationID, text string) (MessageKey, error) {
	key, err := p.wa.Send(ctx, conversationID, &Outbound{Kind: KindText, Text: text})
	if err != nil {
		p.metrics.RelayFailures.WithLabelValues(metrics.ToWhatsApp).Inc()
		return MessageKey{}, fmt.Errorf("failed to send to %s: %w", conversationID, err)
	}
	p.metrics.MessagesRelayed.WithLabelValues(metrics.ToWhatsApp, KindText.String()).Inc()
	if p.opts.Features.ReadReceipts {
		if err := p.receipts.Flush(ctx, conversationID); err != nil {
			p.log.Warn().Err(err).Str("conversation_id", conversationID).Msg("Failed to flush read receipts")
		}
	}
	return key, nil
}

// HandleContactUpdate stores an address book change and renames the
// contact's thread when the new name is usable.
func (p *Pipeline) HandleContactUpdate(ctx context.Context, phone, name string) {
	defer p.recoverPanic("contact")
	if err := p.dir.UpsertContact(ctx, phone, name); err != nil {
		p.log.Warn().Err(err).Str("phone", phone).Msg("Failed to store contact update")
		return
	}
	if !p.opts.Features.Topics {
		return
	}
	if _, err := p.dir.RenameThreadForContact(ctx, phone, name); err != nil {
		p.log.Warn().Err(err).Str("phone", phone).Msg("Failed to rename contact thread")
	}
}

// HandlePushName records a participant's self-chosen name.
func (p *Pipeline) HandlePushName(ctx context.Context, participantID, name string) {
	defer p.recoverPanic("push_name")
	if _, err := p.dir.UpsertUserProfile(ctx, participantID, directory.UserFields{DisplayName: name}); err != nil {
		p.log.Warn().Err(err).Str("participant_id", participantID).Msg("Failed to store push name")
	}
}
