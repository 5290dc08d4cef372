// Copyright 2024-2026 Aiku AI

// Package wa owns the WhatsApp connection: login, QR issuance, disconnect
// classification and the reconnect policy.
package wa

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
)

var (
	ErrReconnectBudgetExceeded = errors.New("reconnect attempts exhausted")
	ErrLoggedOut               = errors.New("logged out from WhatsApp")
	ErrBadSession              = errors.New("stored WhatsApp session is invalid")
	ErrDial                    = errors.New("failed to dial WhatsApp")
	// ErrDeviceStore marks a Dial failure caused by unreadable local
	// credentials rather than the network.
	ErrDeviceStore = errors.New("device store is unreadable")
)

// Socket is one live connection. Close detaches all handlers and closes the
// transport, after which Events is closed.
type Socket interface {
	Events() <-chan Event
	Logout(ctx context.Context) error
	Close()
}

// Dialer opens sockets using the credentials currently on disk.
type Dialer interface {
	Dial(ctx context.Context) (Socket, error)
}

// Sessions persists credentials between runs.
type Sessions interface {
	Load(ctx context.Context) (bool, error)
	RequestSave()
	Clear(ctx context.Context) error
	HasIdentity() bool
}

type Options struct {
	QRTimeout            time.Duration
	ReconnectDelay       time.Duration
	MaxReconnectAttempts int
}

type (
	QRFunc    func(ctx context.Context, payload string)
	OpenFunc  func(ctx context.Context)
	StateFunc func(State)
)

// Manager drives a single reconnect task over an explicit state machine.
type Manager struct {
	dialer   Dialer
	sessions Sessions
	opts     Options
	log      zerolog.Logger

	state atomic.Int32

	mu       sync.Mutex
	sock     Socket
	loaded   bool
	onQR     []QRFunc
	onOpen   []OpenFunc
	onState  []StateFunc
	attempts int

	hooks sync.WaitGroup
}

func NewManager(dialer Dialer, sessions Sessions, opts Options, log zerolog.Logger) *Manager {
	if opts.QRTimeout <= 0 {
		opts.QRTimeout = 30 * time.Second
	}
	if opts.ReconnectDelay <= 0 {
		opts.ReconnectDelay = 5 * time.Second
	}
	if opts.MaxReconnectAttempts <= 0 {
		opts.MaxReconnectAttempts = 5
	}
	return &Manager{
		dialer:   dialer,
		sessions: sessions,
		opts:     opts,
		log:      log.With().Str("component", "whatsapp").Logger(),
	}
}

// OnQR registers a callback for every login QR payload.
func (m *Manager) OnQR(fn QRFunc) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onQR = append(m.onQR, fn)
}

// OnOpen registers a callback that runs each time the connection opens.
func (m *Manager) OnOpen(fn OpenFunc) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onOpen = append(m.onOpen, fn)
}

// OnStateChange registers a callback for state transitions.
func (m *Manager) OnStateChange(fn StateFunc) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onState = append(m.onState, fn)
}

func (m *Manager) State() State {
	return State(m.state.Load())
}

// Attempts is the number of consecutive failed connection attempts.
func (m *Manager) Attempts() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.attempts
}

func (m *Manager) setState(s State) {
	if State(m.state.Swap(int32(s))) == s {
		return
	}
	m.log.Debug().Str("state", s.String()).Msg("Connection state changed")
	m.mu.Lock()
	fns := append([]StateFunc(nil), m.onState...)
	m.mu.Unlock()
	for _, fn := range fns {
		fn(s)
	}
}

func (m *Manager) restore(ctx context.Context) error {
	m.mu.Lock()
	loaded := m.loaded
	m.mu.Unlock()
	if loaded {
		return nil
	}
	restored, err := m.sessions.Load(ctx)
	if err != nil {
		return fmt.Errorf("failed to restore session: %w", err)
	}
	m.log.Info().Bool("restored", restored).Msg("Session loaded")
	m.mu.Lock()
	m.loaded = true
	m.mu.Unlock()
	return nil
}

// Connect loads credentials on first use and dials a new socket. Without
// credentials the socket starts a QR login.
func (m *Manager) Connect(ctx context.Context) (Socket, error) {
	if err := m.restore(ctx); err != nil {
		return nil, err
	}
	m.setState(StateConnecting)
	sock, err := m.dialer.Dial(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrDial, err)
	}
	m.mu.Lock()
	m.sock = sock
	m.mu.Unlock()
	return sock, nil
}

func (m *Manager) release(sock Socket) {
	m.mu.Lock()
	if m.sock == sock {
		m.sock = nil
	}
	m.mu.Unlock()
	sock.Close()
}

// Run keeps the connection up until ctx is cancelled or a fatal condition
// is reached. It returns nil on cancellation.
func (m *Manager) Run(ctx context.Context) error {
	defer m.hooks.Wait()
	attempt := 0
	for {
		reason := ReasonConnectionLost
		opened := false
		sock, err := m.Connect(ctx)
		switch {
		case err == nil:
			reason, opened = m.supervise(ctx, sock)
			m.release(sock)
		case errors.Is(err, ErrDeviceStore):
			m.log.Warn().Err(err).Msg("Stored credentials cannot be opened")
			reason = ReasonBadSession
		case errors.Is(err, ErrDial):
			m.log.Warn().Err(err).Msg("Connection attempt failed")
		default:
			m.setState(StateDisconnected)
			return err
		}

		if ctx.Err() != nil {
			m.setState(StateDisconnected)
			m.log.Info().Msg("Connection manager stopped")
			return nil
		}
		if opened {
			attempt = 0
		}
		if !reason.Retryable() {
			m.setState(StatePermanentlyClosed)
			m.log.Error().Str("reason", reason.String()).Msg("Session rejected, clearing stored credentials")
			if err := m.sessions.Clear(context.WithoutCancel(ctx)); err != nil {
				m.log.Error().Err(err).Msg("Failed to clear session")
			}
			if reason == ReasonLoggedOut {
				return ErrLoggedOut
			}
			return ErrBadSession
		}

		delay := m.opts.ReconnectDelay
		// A QR that nobody scanned is not a connection failure.
		if reason != ReasonQRTimeout {
			attempt++
			if attempt > m.opts.MaxReconnectAttempts {
				m.setState(StatePermanentlyClosed)
				m.log.Error().
					Int("attempts", attempt-1).
					Str("last_reason", reason.String()).
					Msg("Giving up on WhatsApp connection")
				return fmt.Errorf("%w: %d attempts, last reason %s", ErrReconnectBudgetExceeded, attempt-1, reason)
			}
			delay *= time.Duration(attempt)
		}
		m.mu.Lock()
		m.attempts = attempt
		m.mu.Unlock()

		m.setState(StateReconnecting)
		m.log.Info().
			Str("reason", reason.String()).
			Int("attempt", attempt).
			Dur("delay", delay).
			Msg("Reconnecting to WhatsApp")
		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			m.setState(StateDisconnected)
			return nil
		case <-timer.C:
		}
	}
}

// supervise consumes socket events until it closes, the QR window ends or
// ctx is cancelled.
func (m *Manager) supervise(ctx context.Context, sock Socket) (reason DisconnectReason, opened bool) {
	var qrTimer *time.Timer
	var qrExpired <-chan time.Time
	defer func() {
		if qrTimer != nil {
			qrTimer.Stop()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return ReasonConnectionClosed, opened
		case <-qrExpired:
			m.log.Warn().Dur("timeout", m.opts.QRTimeout).Msg("QR code was not scanned in time")
			return ReasonQRTimeout, opened
		case evt, ok := <-sock.Events():
			if !ok {
				return ReasonConnectionLost, opened
			}
			switch evt.Type {
			case EventQR:
				m.setState(StateAwaitingScan)
				if qrTimer == nil {
					qrTimer = time.NewTimer(m.opts.QRTimeout)
					qrExpired = qrTimer.C
				}
				m.emitQR(ctx, evt.QR)
			case EventOpen:
				if qrTimer != nil {
					qrTimer.Stop()
					qrTimer, qrExpired = nil, nil
				}
				opened = true
				m.mu.Lock()
				m.attempts = 0
				m.mu.Unlock()
				m.setState(StateOpen)
				m.log.Info().Msg("WhatsApp connection open")
				m.sessions.RequestSave()
				m.emitOpen(ctx)
			case EventCredentials:
				m.sessions.RequestSave()
			case EventClosed:
				m.log.Warn().Err(evt.Err).Str("reason", evt.Reason.String()).Msg("WhatsApp connection closed")
				return evt.Reason, opened
			}
		}
	}
}

func (m *Manager) emitQR(ctx context.Context, payload string) {
	m.mu.Lock()
	fns := append([]QRFunc(nil), m.onQR...)
	m.mu.Unlock()
	for _, fn := range fns {
		m.hooks.Add(1)
		go func() {
			defer m.hooks.Done()
			fn(ctx, payload)
		}()
	}
}

func (m *Manager) emitOpen(ctx context.Context) {
	m.mu.Lock()
	fns := append([]OpenFunc(nil), m.onOpen...)
	m.mu.Unlock()
	m.hooks.Add(1)
	go func() {
		defer m.hooks.Done()
		for _, fn := range fns {
			fn(ctx)
		}
	}()
}

// Logout ends the remote session and deletes the stored credentials. When
// no connection is live it restores the stored session and connects just
// long enough to log out.
func (m *Manager) Logout(ctx context.Context) error {
	m.mu.Lock()
	sock := m.sock
	m.mu.Unlock()

	if sock == nil {
		if err := m.restore(ctx); err != nil {
			return err
		}
		if m.sessions.HasIdentity() {
			var err error
			sock, err = m.dialOpen(ctx)
			if err != nil {
				m.log.Warn().Err(err).Msg("Could not reach WhatsApp, clearing local session only")
			}
			if sock != nil {
				defer m.release(sock)
			}
		}
	}
	if sock != nil {
		if err := sock.Logout(ctx); err != nil {
			m.log.Warn().Err(err).Msg("Remote logout failed")
		}
	}
	if err := m.sessions.Clear(ctx); err != nil {
		return fmt.Errorf("failed to clear session: %w", err)
	}
	m.setState(StatePermanentlyClosed)
	m.log.Info().Msg("Logged out")
	return nil
}

// dialOpen dials and waits for the socket to open. It returns a nil socket
// when the stored credentials no longer log in.
func (m *Manager) dialOpen(ctx context.Context) (Socket, error) {
	sock, err := m.Connect(ctx)
	if err != nil {
		return nil, err
	}
	timer := time.NewTimer(m.opts.QRTimeout)
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			m.release(sock)
			return nil, ctx.Err()
		case <-timer.C:
			m.release(sock)
			return nil, fmt.Errorf("timed out waiting for connection")
		case evt, ok := <-sock.Events():
			switch {
			case !ok, evt.Type == EventClosed, evt.Type == EventQR:
				m.release(sock)
				return nil, nil
			case evt.Type == EventOpen:
				return sock, nil
			}
		}
	}
}
