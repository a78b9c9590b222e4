// Package ratelimit provides fixed-window limiters used by the validator node
// to bound how many tasks a single caller may submit.
package ratelimit

import (
	"sync"
	"time"
)

// Limiter is a fixed-window rate limiter for a single caller.
type Limiter struct {
	mu          sync.Mutex
	count       int
	windowStart time.Time
	rate        int
	window      time.Duration
	now         func() time.Time
}

// New creates a Limiter that allows rate requests per window. A rate of zero
// or less disables limiting.
func New(rate int, window time.Duration) *Limiter {
	return newLimiter(rate, window, time.Now)
}

func newLimiter(rate int, window time.Duration, now func() time.Time) *Limiter {
	return &Limiter{
		rate:        rate,
		window:      window,
		windowStart: now(),
		now:         now,
	}
}

// Allow reports whether one more request fits in the current window.
func (l *Limiter) Allow() bool {
	if l.rate <= 0 {
		return true
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	now := l.now()
	if now.Sub(l.windowStart) > l.window {
		l.count = 0
		l.windowStart = now
	}
	l.count++
	return l.count <= l.rate
}

// Keyed holds one Limiter per key, for example per validator subject.
// Limiters idle longer than two windows are dropped on access.
type Keyed struct {
	mu       sync.Mutex
	rate     int
	window   time.Duration
	now      func() time.Time
	limiters map[string]*keyedEntry
}

type keyedEntry struct {
	limiter  *Limiter
	lastSeen time.Time
}

// NewKeyed creates a Keyed limiter allowing rate requests per window per key.
func NewKeyed(rate int, window time.Duration) *Keyed {
	return &Keyed{
		rate:     rate,
		window:   window,
		now:      time.Now,
		limiters: make(map[string]*keyedEntry),
	}
}

// Allow reports whether key may make one more request.
func (k *Keyed) Allow(key string) bool {
	k.mu.Lock()
	now := k.now()
	for id, e := range k.limiters {
		if now.Sub(e.lastSeen) > 2*k.window {
			delete(k.limiters, id)
		}
	}
	e, ok := k.limiters[key]
	if !ok {
		e = &keyedEntry{limiter: newLimiter(k.rate, k.window, k.now)}
		k.limiters[key] = e
	}
	e.lastSeen = now
	k.mu.Unlock()
	return e.limiter.Allow()
}

// Len returns the number of tracked keys.
func (k *Keyed) Len() int {
	k.mu.Lock()
	defer k.mu.Unlock()
	return len(k.limiters)
}
