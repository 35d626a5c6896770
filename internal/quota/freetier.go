package quota

import "sync"

// FreeTier is the process-wide shared-allowance snapshot surfaced in response
// headers. Remaining is nil when unknown, e.g. when the caller supplies its
// own upstream credentials and the shared quota does not apply.
type FreeTier struct {
	mu        sync.Mutex
	limit     int
	remaining *int
	exhausted bool
}

// NewFreeTier creates the singleton for a process with the configured limit.
func NewFreeTier(limit int) *FreeTier {
	return &FreeTier{limit: limit}
}

// Update records the latest usage observed for a shared-quota call.
func (f *FreeTier) Update(used int) {
	f.mu.Lock()
	defer f.mu.Unlock()

	rem := f.limit - used
	if rem < 0 {
		rem = 0
	}
	f.remaining = &rem
	f.exhausted = rem == 0
}

// Reset clears the snapshot when a caller switches to self-supplied
// credentials.
func (f *FreeTier) Reset() {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.remaining = nil
	f.exhausted = false
}

// Snapshot returns (remaining, limit, exhausted). remaining is nil when the
// shared quota is not in effect.
func (f *FreeTier) Snapshot() (*int, int, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.remaining == nil {
		return nil, f.limit, f.exhausted
	}
	rem := *f.remaining
	return &rem, f.limit, f.exhausted
}

// Limit returns the configured daily limit.
func (f *FreeTier) Limit() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.limit
}
