// Copyright 2024-2026 Aiku AI

package bridge

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

type markReadFunc func(ctx context.Context, chat string, keys []MessageKey) error

// receiptBatcher collects read intents per conversation and sends them as
// one receipt after a quiet delay.
type receiptBatcher struct {
	delay time.Duration
	mark  markReadFunc
	log   zerolog.Logger

	mu      sync.Mutex
	pending map[string][]MessageKey
	timers  map[string]*time.Timer
	closed  bool
}

func newReceiptBatcher(delay time.Duration, mark markReadFunc, log zerolog.Logger) *receiptBatcher {
	return &receiptBatcher{
		delay:   delay,
		mark:    mark,
		log:     log,
		pending: make(map[string][]MessageKey),
		timers:  make(map[string]*time.Timer),
	}
}

// Add queues a read intent. The first intent of a batch arms the timer.
func (b *receiptBatcher) Add(chat string, key MessageKey) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.pending[chat] = append(b.pending[chat], key)
	if b.closed {
		return
	}
	if _, armed := b.timers[chat]; !armed {
		b.timers[chat] = time.AfterFunc(b.delay, func() {
			ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			defer cancel()
			if err := b.Flush(ctx, chat); err != nil {
				b.log.Warn().Err(err).Str("conversation_id", chat).Msg("Failed to send read receipts")
			}
		})
	}
}

// Flush sends everything pending for chat now.
func (b *receiptBatcher) Flush(ctx context.Context, chat string) error {
	b.mu.Lock()
	keys := b.pending[chat]
	delete(b.pending, chat)
	if t, ok := b.timers[chat]; ok {
		t.Stop()
		delete(b.timers, chat)
	}
	b.mu.Unlock()
	if len(keys) == 0 {
		return nil
	}
	return b.mark(ctx, chat, keys)
}

// FlushAll sends every pending batch.
func (b *receiptBatcher) FlushAll(ctx context.Context) error {
	b.mu.Lock()
	chats := make([]string, 0, len(b.pending))
	for chat := range b.pending {
		chats = append(chats, chat)
	}
	b.mu.Unlock()
	sort.Strings(chats)
	var errs []error
	for _, chat := range chats {
		if err := b.Flush(ctx, chat); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Close disarms all timers. Pending intents stay queued for FlushAll.
func (b *receiptBatcher) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	for chat, t := range b.timers {
		t.Stop()
		delete(b.timers, chat)
	}
}

// Pending reports how many intents are queued for chat.
func (b *receiptBatcher) Pending(chat string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.pending[chat])
}
