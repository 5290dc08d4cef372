// Copyright 2024-2026 Aiku AI

// Package session persists the WhatsApp credential directory as a single
// archive document so a login survives restarts on ephemeral storage.
package session

import (
	"context"
	"crypto/sha256"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// IdentityFile is the file every restorable archive must contain. It is the
// device store holding the account keys.
const IdentityFile = "device.db"

// ErrNoSession is returned by a Store when no record has been saved yet.
var ErrNoSession = errors.New("no stored session")

// Record is the stored form of the credential directory.
type Record struct {
	Archive   []byte
	UpdatedAt time.Time
}

// Store persists the single session record. SaveSession must replace the
// whole record atomically.
type Store interface {
	LoadSession(ctx context.Context) (*Record, error)
	SaveSession(ctx context.Context, rec *Record) error
	DeleteSession(ctx context.Context) error
}

// Manager moves the credential directory between local disk and the Store.
type Manager struct {
	store    Store
	dir      string
	log      zerolog.Logger
	snapshot SnapshotFunc

	mu       sync.Mutex
	lastHash [sha256.Size]byte
	hasHash  bool

	saveRequests chan struct{}
}

func NewManager(store Store, dir string, log zerolog.Logger) *Manager {
	return &Manager{
		store:        store,
		dir:          dir,
		log:          log.With().Str("component", "session").Logger(),
		snapshot:     SnapshotSQLite,
		saveRequests: make(chan struct{}, 1),
	}
}

// Dir returns the local credential directory.
func (m *Manager) Dir() string {
	return m.dir
}

// IdentityPath returns the path of the core identity file.
func (m *Manager) IdentityPath() string {
	return filepath.Join(m.dir, IdentityFile)
}

// HasIdentity reports whether the local directory holds an identity file.
func (m *Manager) HasIdentity() bool {
	info, err := os.Stat(m.IdentityPath())
	return err == nil && info.Mode().IsRegular() && info.Size() > 0
}

// Load restores the stored archive into the local directory. It reports
// restored=false when nothing usable was stored; a corrupt archive or one
// without the identity file is deleted from the store and the local
// directory is wiped so the next connect starts a fresh login.
func (m *Manager) Load(ctx context.Context) (restored bool, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	rec, err := m.store.LoadSession(ctx)
	if errors.Is(err, ErrNoSession) {
		m.log.Info().Msg("No stored session found")
		return false, nil
	} else if err != nil {
		return false, fmt.Errorf("failed to load session: %w", err)
	}

	if err := Unpack(rec.Archive, m.dir); err != nil {
		if !errors.Is(err, ErrCorruptArchive) {
			return false, err
		}
		m.log.Warn().Err(err).Msg("Stored session archive is unreadable, discarding it")
		return false, m.discardLocked(ctx)
	}
	if !m.HasIdentity() {
		m.log.Warn().Str("file", IdentityFile).Msg("Stored session lacks identity file, discarding it")
		return false, m.discardLocked(ctx)
	}

	m.lastHash = sha256.Sum256(rec.Archive)
	m.hasHash = true
	m.log.Info().
		Int("archive_size", len(rec.Archive)).
		Time("updated_at", rec.UpdatedAt).
		Msg("Session restored from store")
	return true, nil
}

// Save packs a consistent snapshot of the local directory and replaces the
// stored record. It is a no-op when the directory has no identity file yet
// or when the archive is byte-identical to the last one written.
func (m *Manager) Save(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.HasIdentity() {
		m.log.Debug().Msg("Skipping session save, no identity file yet")
		return nil
	}
	stage, err := os.MkdirTemp("", "watg-session-*")
	if err != nil {
		return fmt.Errorf("failed to create snapshot dir: %w", err)
	}
	defer os.RemoveAll(stage)
	if err := m.snapshotTree(ctx, m.dir, stage); err != nil {
		return fmt.Errorf("failed to snapshot session: %w", err)
	}
	archive, err := Pack(stage)
	if err != nil {
		return err
	}
	sum := sha256.Sum256(archive)
	if m.hasHash && sum == m.lastHash {
		return nil
	}
	err = m.store.SaveSession(ctx, &Record{Archive: archive, UpdatedAt: time.Now().UTC()})
	if err != nil {
		return fmt.Errorf("failed to save session: %w", err)
	}
	m.lastHash = sum
	m.hasHash = true
	m.log.Debug().Int("archive_size", len(archive)).Msg("Session saved")
	return nil
}

// Clear deletes the stored record and the local directory.
func (m *Manager) Clear(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.discardLocked(ctx)
}

func (m *Manager) discardLocked(ctx context.Context) error {
	m.hasHash = false
	if err := m.store.DeleteSession(ctx); err != nil && !errors.Is(err, ErrNoSession) {
		return fmt.Errorf("failed to delete stored session: %w", err)
	}
	if err := os.RemoveAll(m.dir); err != nil {
		return fmt.Errorf("failed to remove %s: %w", m.dir, err)
	}
	return nil
}

// RequestSave schedules an asynchronous save. It never blocks; requests made
// while one is already pending are merged.
func (m *Manager) RequestSave() {
	select {
	case m.saveRequests <- struct{}{}:
	default:
	}
}

// RunSaver services RequestSave calls until ctx is cancelled, writing at most
// once per interval. A request still pending at cancellation is flushed with
// a short detached timeout.
func (m *Manager) RunSaver(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 10 * time.Second
	}
	var last time.Time
	for {
		select {
		case <-ctx.Done():
			select {
			case <-m.saveRequests:
				m.flush(context.WithoutCancel(ctx))
			default:
			}
			return
		case <-m.saveRequests:
		}

		if wait := interval - time.Since(last); wait > 0 {
			timer := time.NewTimer(wait)
			select {
			case <-ctx.Done():
				timer.Stop()
				m.flush(context.WithoutCancel(ctx))
				return
			case <-timer.C:
			}
		}
		m.flush(ctx)
		last = time.Now()
	}
}

func (m *Manager) flush(ctx context.Context) {
	ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	if err := m.Save(ctx); err != nil {
		m.log.Error().Err(err).Msg("Failed to persist session")
	}
}
