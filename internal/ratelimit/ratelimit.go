// Package ratelimit provides short-window burst control per caller identity.
//
// The limiter is a fixed window with a reset timestamp, not a true sliding
// window, and it is strictly per-process: it makes no exactness guarantee
// across concurrent instances. It exists as a cheap first line of defense in
// front of the daily quota tracker.
package ratelimit

import (
	"sync"
	"time"
)

// BurstLimiter counts requests per caller inside a fixed window.
type BurstLimiter struct {
	mu      sync.Mutex
	windows map[string]*window
	window  time.Duration
	max     int
	now     func() time.Time
}

type window struct {
	count   int
	resetAt time.Time
}

// Option configures a BurstLimiter.
type Option func(*BurstLimiter)

// WithClock overrides the time source, for tests.
func WithClock(now func() time.Time) Option {
	return func(l *BurstLimiter) { l.now = now }
}

// NewBurstLimiter creates a limiter allowing max requests per windowDuration.
func NewBurstLimiter(windowDuration time.Duration, max int, opts ...Option) *BurstLimiter {
	l := &BurstLimiter{
		windows: make(map[string]*window),
		window:  windowDuration,
		max:     max,
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Allow reports whether the caller may proceed, along with the remaining
// allowance and the window reset time. An expired window is replaced, never
// incremented.
func (l *BurstLimiter) Allow(caller string) (allowed bool, remaining int, resetAt time.Time) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()

	w, ok := l.windows[caller]
	if !ok || !now.Before(w.resetAt) {
		w = &window{
			count:   1,
			resetAt: now.Add(l.window),
		}
		l.windows[caller] = w
		return true, l.max - 1, w.resetAt
	}

	if w.count >= l.max {
		return false, 0, w.resetAt
	}

	w.count++
	return true, l.max - w.count, w.resetAt
}
