// Package ratelimit implements a leaky-bucket warning limiter:
// malformed-input warnings are rate limited so a
// pathological northbound snapshot cannot flood the log once per row,
// once per iteration, forever.
package ratelimit

import (
	"sync"
	"time"
)

// Limiter is a leaky-bucket token limiter keyed by an arbitrary string
// (typically the warning's call site or entity kind). Each key gets its
// own bucket so one noisy validation path doesn't starve another.
type Limiter struct {
	mu      sync.Mutex
	rate    float64 // tokens added per second
	burst   float64 // bucket capacity
	buckets map[string]*bucket
	now     func() time.Time
}

type bucket struct {
	tokens float64
	last   time.Time
}

// Defaults: 5 messages/sec
// with a burst of 20, generous enough for a single bad snapshot without
// letting a steady stream of malformed rows spam the log forever.
const (
	DefaultRate  = 5.0
	DefaultBurst = 20.0
)

// New creates a Limiter with the given rate (tokens/sec) and burst
// capacity.
func New(rate, burst float64) *Limiter {
	return &Limiter{
		rate:    rate,
		burst:   burst,
		buckets: make(map[string]*bucket),
		now:     time.Now,
	}
}

// NewDefault creates a Limiter with the default rate and burst.
func NewDefault() *Limiter {
	return New(DefaultRate, DefaultBurst)
}

// Allow reports whether a message under key may be emitted right now,
// consuming one token from that key's bucket if so.
func (l *Limiter) Allow(key string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	b, ok := l.buckets[key]
	now := l.now()
	if !ok {
		b = &bucket{tokens: l.burst - 1, last: now}
		l.buckets[key] = b
		return true
	}

	elapsed := now.Sub(b.last).Seconds()
	b.tokens += elapsed * l.rate
	if b.tokens > l.burst {
		b.tokens = l.burst
	}
	b.last = now

	if b.tokens < 1 {
		return false
	}
	b.tokens--
	return true
}

// TrackedKeys returns how many buckets are currently tracked.
func (l *Limiter) TrackedKeys() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.buckets)
}
