// Copyright 2024-2026 Aiku AI

package wa

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"go.mau.fi/whatsmeow"
	"go.mau.fi/whatsmeow/store"
	"go.mau.fi/whatsmeow/store/sqlstore"
	"go.mau.fi/whatsmeow/types"
	"go.mau.fi/whatsmeow/types/events"
	waLog "go.mau.fi/whatsmeow/util/log"
	"google.golang.org/protobuf/proto"
	_ "modernc.org/sqlite"

	"github.com/aiku/watg-bridge/pkg/bridge"
	"github.com/aiku/watg-bridge/pkg/directory"
	"github.com/aiku/watg-bridge/pkg/session"
)

var ErrNotConnected = errors.New("WhatsApp is not connected")

const maxProfilePictureSize = 5 << 20

// Handlers receive content events from the live socket. They are called on
// the whatsmeow event goroutine and must not block.
type Handlers struct {
	Message  func(in *bridge.Inbound)
	Contact  func(phone, name string)
	PushName func(participantID, name string)
	Picture  func(conversationID string)
}

// Client adapts whatsmeow to the Dialer used by the Manager and to the
// WhatsApp surface used by the pipeline. At most one socket is live at a
// time.
type Client struct {
	dir  string
	log  zerolog.Logger
	http *http.Client

	mu       sync.RWMutex
	cli      *whatsmeow.Client
	handlers Handlers
}

var (
	_ Dialer          = (*Client)(nil)
	_ bridge.WhatsApp = (*Client)(nil)
)

// NewClient returns an adapter that keeps its device store in dir.
func NewClient(dir, deviceName string, log zerolog.Logger) *Client {
	if deviceName != "" {
		store.DeviceProps.Os = proto.String(deviceName)
	}
	return &Client{
		dir:  dir,
		log:  log.With().Str("component", "whatsmeow").Logger(),
		http: &http.Client{Timeout: 30 * time.Second},
	}
}

// SetHandlers replaces the content handlers. Events that arrive before the
// first call are dropped.
func (c *Client) SetHandlers(h Handlers) {
	c.mu.Lock()
	c.handlers = h
	c.mu.Unlock()
}

func (c *Client) currentHandlers() Handlers {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.handlers
}

func (c *Client) client() (*whatsmeow.Client, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.cli == nil || !c.cli.IsConnected() {
		return nil, ErrNotConnected
	}
	return c.cli, nil
}

func (c *Client) storeAddress() string {
	// The rollback journal keeps device.db self-contained for archiving.
	return fmt.Sprintf("file:%s?_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)",
		filepath.Join(c.dir, session.IdentityFile))
}

// Dial opens the device store and connects. A device without an identity
// starts a QR login whose codes arrive as EventQR.
func (c *Client) Dial(ctx context.Context) (Socket, error) {
	if err := os.MkdirAll(c.dir, 0o700); err != nil {
		return nil, fmt.Errorf("failed to create session directory: %w", err)
	}
	container, err := sqlstore.New(ctx, "sqlite", c.storeAddress(), waLog.Zerolog(c.log.With().Str("module", "store").Logger()))
	if err != nil {
		return nil, fmt.Errorf("%w: failed to open device store: %w", ErrDeviceStore, err)
	}
	device, err := container.GetFirstDevice(ctx)
	if err != nil {
		_ = container.Close()
		return nil, fmt.Errorf("%w: failed to load device: %w", ErrDeviceStore, err)
	}

	cli := whatsmeow.NewClient(device, waLog.Zerolog(c.log.With().Str("module", "client").Logger()))
	cli.EnableAutoReconnect = false
	sock := &socket{
		owner:     c,
		cli:       cli,
		container: container,
		events:    make(chan Event, 16),
		done:      make(chan struct{}),
	}
	cli.AddEventHandler(sock.handle)

	if device.ID == nil {
		qrChan, err := cli.GetQRChannel(ctx)
		if err != nil {
			sock.Close()
			return nil, fmt.Errorf("failed to start QR login: %w", err)
		}
		go sock.forwardQR(qrChan)
	}
	if err := cli.Connect(); err != nil {
		sock.Close()
		return nil, fmt.Errorf("failed to connect: %w", err)
	}

	c.mu.Lock()
	c.cli = cli
	c.mu.Unlock()
	return sock, nil
}

type socket struct {
	owner     *Client
	cli       *whatsmeow.Client
	container *sqlstore.Container

	events chan Event
	done   chan struct{}

	mu        sync.RWMutex
	closed    bool
	closeOnce sync.Once
}

func (s *socket) Events() <-chan Event { return s.events }

func (s *socket) Logout(ctx context.Context) error {
	return s.cli.Logout(ctx)
}

func (s *socket) Close() {
	s.closeOnce.Do(func() {
		close(s.done)
		s.cli.RemoveEventHandlers()
		s.cli.Disconnect()
		if err := s.container.Close(); err != nil {
			s.owner.log.Warn().Err(err).Msg("Failed to close device store")
		}

		s.owner.mu.Lock()
		if s.owner.cli == s.cli {
			s.owner.cli = nil
		}
		s.owner.mu.Unlock()

		s.mu.Lock()
		s.closed = true
		close(s.events)
		s.mu.Unlock()
	})
}

func (s *socket) emit(evt Event) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return
	}
	select {
	case s.events <- evt:
	case <-s.done:
	}
}

func (s *socket) forwardQR(ch <-chan whatsmeow.QRChannelItem) {
	for item := range ch {
		switch item.Event {
		case "code":
			s.emit(Event{Type: EventQR, QR: item.Code})
		case "timeout":
			s.emit(Event{Type: EventClosed, Reason: ReasonQRTimeout})
		case "success":
		default:
			s.emit(Event{Type: EventClosed, Reason: ReasonConnectionClosed, Err: item.Error})
		}
	}
}

func (s *socket) handle(rawEvt any) {
	if reason, err, ok := closeReason(rawEvt); ok {
		s.emit(Event{Type: EventClosed, Reason: reason, Err: err})
		return
	}
	handlers := s.owner.currentHandlers()
	switch evt := rawEvt.(type) {
	case *events.Connected:
		s.emit(Event{Type: EventOpen})
	case *events.PairSuccess:
		s.owner.log.Info().Str("jid", evt.ID.String()).Str("platform", evt.Platform).Msg("Paired with phone")
		s.emit(Event{Type: EventCredentials})
	case *events.Message:
		// Every decrypted message advances the signal ratchet in device.db.
		s.emit(Event{Type: EventCredentials})
		if handlers.Message != nil {
			handlers.Message(ConvertMessage(evt))
		}
	case *events.CallOffer:
		if handlers.Message != nil {
			handlers.Message(ConvertCall(evt))
		}
	case *events.Contact:
		s.emit(Event{Type: EventCredentials})
		if handlers.Contact != nil && evt.Action != nil {
			handlers.Contact(evt.JID.User, evt.Action.GetFullName())
		}
	case *events.PushName:
		if handlers.PushName != nil {
			handlers.PushName(evt.JID.ToNonAD().String(), evt.NewPushName)
		}
	case *events.Picture:
		if handlers.Picture != nil && !evt.Remove {
			handlers.Picture(evt.JID.ToNonAD().String())
		}
	}
}

// closeReason maps whatsmeow lifecycle events that end the socket.
func closeReason(rawEvt any) (DisconnectReason, error, bool) {
	switch evt := rawEvt.(type) {
	case *events.LoggedOut:
		return ReasonLoggedOut, fmt.Errorf("logged out: %s", evt.Reason), true
	case *events.StreamReplaced:
		return ReasonConnectionReplaced, nil, true
	case *events.Disconnected:
		return ReasonConnectionLost, nil, true
	case *events.KeepAliveTimeout:
		if evt.ErrorCount < 3 {
			return 0, nil, false
		}
		return ReasonTimedOut, fmt.Errorf("%d keepalive failures", evt.ErrorCount), true
	case *events.ConnectFailure:
		if evt.Reason.IsLoggedOut() {
			return ReasonLoggedOut, fmt.Errorf("connect failure: %s", evt.Reason), true
		}
		return ReasonConnectionClosed, fmt.Errorf("connect failure: %s", evt.Reason), true
	case *events.ClientOutdated:
		return ReasonRestartRequired, errors.New("client outdated"), true
	case *events.StreamError:
		return ReasonRestartRequired, fmt.Errorf("stream error %s", evt.Code), true
	case *events.TemporaryBan:
		return ReasonConnectionClosed, fmt.Errorf("temporary ban: %s", evt), true
	}
	return 0, nil, false
}

// OwnID returns the bridged account without a device suffix.
func (c *Client) OwnID() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.cli == nil || c.cli.Store.ID == nil {
		return ""
	}
	return c.cli.Store.ID.ToNonAD().String()
}

// AccountName is the push name of the bridged account.
func (c *Client) AccountName() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.cli == nil {
		return ""
	}
	return c.cli.Store.PushName
}

func (c *Client) Download(ctx context.Context, att *bridge.Attachment) ([]byte, error) {
	cli, err := c.client()
	if err != nil {
		return nil, err
	}
	msg, ok := att.Source.(whatsmeow.DownloadableMessage)
	if !ok {
		return nil, fmt.Errorf("attachment has no downloadable source")
	}
	data, err := cli.Download(ctx, msg)
	if err != nil {
		return nil, fmt.Errorf("failed to download media: %w", err)
	}
	return data, nil
}

func (c *Client) Send(ctx context.Context, to string, out *bridge.Outbound) (bridge.MessageKey, error) {
	cli, err := c.client()
	if err != nil {
		return bridge.MessageKey{}, err
	}
	jid, err := types.ParseJID(to)
	if err != nil {
		return bridge.MessageKey{}, fmt.Errorf("invalid recipient %q: %w", to, err)
	}
	msg, err := buildMessage(ctx, out, cli.Upload)
	if err != nil {
		return bridge.MessageKey{}, err
	}
	resp, err := cli.SendMessage(ctx, jid, msg)
	if err != nil {
		return bridge.MessageKey{}, fmt.Errorf("failed to send message: %w", err)
	}
	return bridge.MessageKey{Chat: jid.String(), ID: resp.ID, FromMe: true}, nil
}

// MarkRead sends one receipt per sender, since WhatsApp receipts carry a
// single participant.
func (c *Client) MarkRead(ctx context.Context, chat string, keys []bridge.MessageKey) error {
	cli, err := c.client()
	if err != nil {
		return err
	}
	chatJID, err := types.ParseJID(chat)
	if err != nil {
		return fmt.Errorf("invalid chat %q: %w", chat, err)
	}
	bySender := make(map[string][]types.MessageID)
	var order []string
	for _, k := range keys {
		if _, ok := bySender[k.Participant]; !ok {
			order = append(order, k.Participant)
		}
		bySender[k.Participant] = append(bySender[k.Participant], k.ID)
	}
	now := time.Now()
	var errs []error
	for _, participant := range order {
		var sender types.JID
		if participant != "" {
			if sender, err = types.ParseJID(participant); err != nil {
				errs = append(errs, err)
				continue
			}
		}
		if err := cli.MarkRead(ctx, bySender[participant], now, chatJID, sender); err != nil {
			errs = append(errs, err)
		}
	}
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("failed to mark messages read: %w", err)
	}
	return nil
}

func (c *Client) SetTyping(ctx context.Context, jid string, typing bool) error {
	cli, err := c.client()
	if err != nil {
		return err
	}
	target, err := types.ParseJID(jid)
	if err != nil {
		return err
	}
	state := types.ChatPresencePaused
	if typing {
		state = types.ChatPresenceComposing
	}
	return cli.SendChatPresence(ctx, target, state, types.ChatPresenceMediaText)
}

func (c *Client) GroupInfo(ctx context.Context, jid string) (*bridge.GroupInfo, error) {
	cli, err := c.client()
	if err != nil {
		return nil, err
	}
	target, err := types.ParseJID(jid)
	if err != nil {
		return nil, err
	}
	info, err := cli.GetGroupInfo(ctx, target)
	if err != nil {
		return nil, fmt.Errorf("failed to get group info: %w", err)
	}
	return &bridge.GroupInfo{
		Name:         info.GroupName.Name,
		Participants: len(info.Participants),
		Created:      info.GroupCreated,
	}, nil
}

// ProfilePicture returns nil without error when no picture is set or it is
// hidden from the bridged account.
func (c *Client) ProfilePicture(ctx context.Context, jid string) ([]byte, error) {
	cli, err := c.client()
	if err != nil {
		return nil, err
	}
	target, err := types.ParseJID(jid)
	if err != nil {
		return nil, err
	}
	info, err := cli.GetProfilePictureInfo(ctx, target, &whatsmeow.GetProfilePictureParams{})
	if errors.Is(err, whatsmeow.ErrProfilePictureNotSet) || errors.Is(err, whatsmeow.ErrProfilePictureUnauthorized) {
		return nil, nil
	} else if err != nil {
		return nil, fmt.Errorf("failed to get profile picture info: %w", err)
	} else if info == nil || info.URL == "" {
		return nil, nil
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, info.URL, nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to download profile picture: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("failed to download profile picture: HTTP %d", resp.StatusCode)
	}
	return io.ReadAll(io.LimitReader(resp.Body, maxProfilePictureSize))
}

// Contacts returns the address book of the bridged account.
func (c *Client) Contacts(ctx context.Context) ([]directory.Contact, error) {
	cli, err := c.client()
	if err != nil {
		return nil, err
	}
	all, err := cli.Store.Contacts.GetAllContacts(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to read contacts: %w", err)
	}
	out := make([]directory.Contact, 0, len(all))
	for jid, info := range all {
		if jid.Server != types.DefaultUserServer {
			continue
		}
		if name := contactName(info); name != "" {
			out = append(out, directory.Contact{Phone: jid.User, DisplayName: name})
		}
	}
	return out, nil
}

func contactName(info types.ContactInfo) string {
	switch {
	case info.FullName != "":
		return info.FullName
	case info.FirstName != "":
		return info.FirstName
	case info.BusinessName != "":
		return info.BusinessName
	default:
		return info.PushName
	}
}
