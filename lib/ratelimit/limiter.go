// Package ratelimit provides the token buckets that guard a server: one
// shared requests-per-second limit and an optional limit per peer address.
package ratelimit

import (
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"
)

// Limiter is a requests-per-second limit that can be changed or lifted at
// runtime. The zero value and a nil *Limiter allow everything.
type Limiter struct {
	lim atomic.Pointer[rate.Limiter]
}

// New creates a limiter allowing rps requests per second with a burst of
// the same size. rps <= 0 disables the limit.
func New(rps int) *Limiter {
	l := &Limiter{}
	l.SetRPS(rps)
	return l
}

// SetRPS replaces the limit. rps <= 0 disables it.
func (l *Limiter) SetRPS(rps int) {
	if rps <= 0 {
		l.lim.Store(nil)
		return
	}
	l.lim.Store(rate.NewLimiter(rate.Limit(rps), rps))
}

// RPS returns the current limit, or 0 when disabled.
func (l *Limiter) RPS() int {
	if l == nil {
		return 0
	}
	if lim := l.lim.Load(); lim != nil {
		return lim.Burst()
	}
	return 0
}

// Allow reports whether one more request fits, consuming a token.
func (l *Limiter) Allow() bool {
	if l == nil {
		return true
	}
	lim := l.lim.Load()
	return lim == nil || lim.Allow()
}

// KeyedLimiter applies an independent limit to every key, typically the
// peer IP. Idle keys are forgotten after the cleanup period.
type KeyedLimiter struct {
	mu       sync.Mutex
	limiters map[string]*entry
	limit    rate.Limit
	burst    int
	cleanup  time.Duration
	now      func() time.Time

	stopCh    chan struct{}
	closeOnce sync.Once
}

type entry struct {
	lim      *rate.Limiter
	lastSeen time.Time
}

// NewKeyed creates a per-key limiter of rps requests per second with the
// given burst, and starts its cleanup loop. A burst below one is raised to
// one.
func NewKeyed(rps float64, burst int, cleanup time.Duration) *KeyedLimiter {
	if burst < 1 {
		burst = 1
	}
	if cleanup <= 0 {
		cleanup = time.Minute
	}
	kl := &KeyedLimiter{
		limiters: make(map[string]*entry),
		limit:    rate.Limit(rps),
		burst:    burst,
		cleanup:  cleanup,
		now:      time.Now,
		stopCh:   make(chan struct{}),
	}
	go kl.cleanupLoop()
	return kl
}

// Close stops the cleanup loop.
func (kl *KeyedLimiter) Close() {
	kl.closeOnce.Do(func() { close(kl.stopCh) })
}

// Allow reports whether a request for key fits, consuming one of its
// tokens.
func (kl *KeyedLimiter) Allow(key string) bool {
	now := kl.now()

	kl.mu.Lock()
	e, ok := kl.limiters[key]
	if !ok {
		e = &entry{lim: rate.NewLimiter(kl.limit, kl.burst)}
		kl.limiters[key] = e
	}
	e.lastSeen = now
	kl.mu.Unlock()

	return e.lim.AllowN(now, 1)
}

// Len returns the number of tracked keys.
func (kl *KeyedLimiter) Len() int {
	kl.mu.Lock()
	defer kl.mu.Unlock()
	return len(kl.limiters)
}

func (kl *KeyedLimiter) cleanupLoop() {
	ticker := time.NewTicker(kl.cleanup)
	defer ticker.Stop()
	for {
		select {
		case <-kl.stopCh:
			return
		case <-ticker.C:
			kl.sweep(kl.now())
		}
	}
}

// sweep forgets keys idle for longer than the cleanup period whose bucket
// has refilled.
func (kl *KeyedLimiter) sweep(now time.Time) {
	kl.mu.Lock()
	defer kl.mu.Unlock()
	for key, e := range kl.limiters {
		if now.Sub(e.lastSeen) > kl.cleanup && e.lim.TokensAt(now) >= float64(kl.burst) {
			delete(kl.limiters, key)
		}
	}
}
