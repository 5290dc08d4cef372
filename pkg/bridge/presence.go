// Copyright 2024-2026 Aiku AI

package bridge

import (
	"context"
	"sync"
	"time"

	"github.com/patrickmn/go-cache"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
)

type typingFunc func(ctx context.Context, jid string, typing bool) error

// presence shows a typing indicator on WhatsApp while the owner writes from
// Telegram. Updates are limited to one per second per conversation and the
// indicator is paused after a quiet period.
type presence struct {
	set   typingFunc
	pause time.Duration
	log   zerolog.Logger

	mu       sync.Mutex
	limiters *cache.Cache
	timers   map[string]*time.Timer
	stopped  bool
}

func newPresence(pause time.Duration, set typingFunc, log zerolog.Logger) *presence {
	return &presence{
		set:      set,
		pause:    pause,
		log:      log,
		limiters: cache.New(10*time.Minute, 20*time.Minute),
		timers:   make(map[string]*time.Timer),
	}
}

func (p *presence) limiter(jid string) *rate.Limiter {
	if l, ok := p.limiters.Get(jid); ok {
		return l.(*rate.Limiter)
	}
	l := rate.NewLimiter(rate.Every(time.Second), 1)
	p.limiters.SetDefault(jid, l)
	return l
}

// Typing marks the owner as composing in jid. It reports whether an update
// was sent.
func (p *presence) Typing(ctx context.Context, jid string) bool {
	p.mu.Lock()
	if p.stopped || !p.limiter(jid).Allow() {
		p.mu.Unlock()
		return false
	}
	if t, ok := p.timers[jid]; ok {
		t.Stop()
	}
	p.timers[jid] = time.AfterFunc(p.pause, func() { p.paused(jid) })
	p.mu.Unlock()

	if err := p.set(ctx, jid, true); err != nil {
		p.log.Debug().Err(err).Str("conversation_id", jid).Msg("Failed to send typing indicator")
	}
	return true
}

func (p *presence) paused(jid string) {
	p.mu.Lock()
	delete(p.timers, jid)
	stopped := p.stopped
	p.mu.Unlock()
	if stopped {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := p.set(ctx, jid, false); err != nil {
		p.log.Debug().Err(err).Str("conversation_id", jid).Msg("Failed to clear typing indicator")
	}
}

// Stop cancels all pending pause timers.
func (p *presence) Stop() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.stopped = true
	for jid, t := range p.timers {
		t.Stop()
		delete(p.timers, jid)
	}
}
