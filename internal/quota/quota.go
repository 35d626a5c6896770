// Package quota tracks the per-caller daily free-tier allowance.
//
// The Tracker depends only on the Store port. A durable backend (Redis) gives
// cross-instance consistency when configured; any durable-store error falls
// back transparently to an in-process counter. The fallback is best-effort
// and resets on process restart, an accepted degraded-but-available mode.
package quota

import (
	"context"
	"log/slog"
	"time"
)

// Store is the daily-counter port. Keys are caller identity plus the current
// UTC calendar day; implementations must make Increment atomic.
type Store interface {
	Usage(ctx context.Context, caller, day string) (int, error)
	Increment(ctx context.Context, caller, day string) (int, error)
}

// Day returns the calendar-day component of quota keys.
func Day(t time.Time) string {
	return t.UTC().Format("2006-01-02")
}

// Tracker composes a durable store with an in-memory fallback. Successful
// durable reads and increments are mirrored into the fallback so that a
// mid-sequence outage continues the count instead of restarting it.
type Tracker struct {
	durable  Store
	fallback *MemoryStore
	now      func() time.Time
}

// TrackerOption configures a Tracker.
type TrackerOption func(*Tracker)

// WithClock overrides the time source, for tests.
func WithClock(now func() time.Time) TrackerOption {
	return func(t *Tracker) { t.now = now }
}

// NewTracker creates a Tracker. durable may be nil, in which case every
// operation uses the in-process fallback directly.
func NewTracker(durable Store, opts ...TrackerOption) *Tracker {
	t := &Tracker{
		durable:  durable,
		fallback: NewMemoryStore(),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// GetUsage returns the caller's usage count for the current UTC day.
func (t *Tracker) GetUsage(ctx context.Context, caller string) int {
	day := Day(t.now())

	if t.durable != nil {
		n, err := t.durable.Usage(ctx, caller, day)
		if err == nil {
			t.fallback.Mirror(caller, day, n)
			return n
		}
		slog.Warn("quota store read failed, using in-memory fallback", "caller", caller, "error", err)
	}

	n, _ := t.fallback.Usage(ctx, caller, day)
	return n
}

// IncrementUsage bumps the caller's count for the current UTC day and returns
// the new total.
func (t *Tracker) IncrementUsage(ctx context.Context, caller string) int {
	day := Day(t.now())

	if t.durable != nil {
		n, err := t.durable.Increment(ctx, caller, day)
		if err == nil {
			t.fallback.Mirror(caller, day, n)
			return n
		}
		slog.Warn("quota store increment failed, using in-memory fallback", "caller", caller, "error", err)
	}

	n, _ := t.fallback.Increment(ctx, caller, day)
	return n
}
