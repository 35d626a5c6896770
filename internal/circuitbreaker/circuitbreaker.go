// Package circuitbreaker tracks per-model upstream health and stops routing
// traffic to a model after repeated consecutive failures.
//
// The breaker is a deliberate two-state approximation of the classic
// closed/open/half-open machine: when the cooldown elapses, an open breaker
// resets optimistically and lets the next call through. There is no dedicated
// probing state that blocks concurrent trial calls, so around the cooldown
// boundary more than one trial may be admitted. Failures are still recorded
// individually, so the breaker reopens as soon as the threshold is hit again.
package circuitbreaker

import (
	"sync"
	"time"
)

// Config defines breaker behavior shared by every model state.
type Config struct {
	FailureThreshold int           // consecutive failures before opening
	Cooldown         time.Duration // open duration before a trial call is admitted
}

// DefaultConfig returns the thresholds used when nothing is configured.
func DefaultConfig() Config {
	return Config{
		FailureThreshold: 3,
		Cooldown:         45 * time.Second,
	}
}

type state struct {
	consecutiveFailures int
	lastFailure         time.Time
	open                bool
}

// Registry holds one breaker state per model identifier. States are created
// lazily on first reference and live for the process lifetime.
type Registry struct {
	mu     sync.Mutex
	states map[string]*state
	config Config
	now    func() time.Time

	onOpen func(model string)
}

// Option configures a Registry.
type Option func(*Registry)

// WithOnOpen registers a hook invoked (under no lock) each time a breaker
// transitions from closed to open. Used for operational alerting.
func WithOnOpen(fn func(model string)) Option {
	return func(r *Registry) { r.onOpen = fn }
}

// WithClock overrides the time source, for tests.
func WithClock(now func() time.Time) Option {
	return func(r *Registry) { r.now = now }
}

// NewRegistry creates an empty breaker registry.
func NewRegistry(cfg Config, opts ...Option) *Registry {
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = DefaultConfig().FailureThreshold
	}
	if cfg.Cooldown <= 0 {
		cfg.Cooldown = DefaultConfig().Cooldown
	}
	r := &Registry{
		states: make(map[string]*state),
		config: cfg,
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

func (r *Registry) get(model string) *state {
	s, ok := r.states[model]
	if !ok {
		s = &state{}
		r.states[model] = s
	}
	return s
}

// RecordFailure increments the model's consecutive failure count and opens
// the breaker when the threshold is reached.
func (r *Registry) RecordFailure(model string) {
	var opened bool

	r.mu.Lock()
	s := r.get(model)
	s.consecutiveFailures++
	s.lastFailure = r.now()
	if !s.open && s.consecutiveFailures >= r.config.FailureThreshold {
		s.open = true
		opened = true
	}
	r.mu.Unlock()

	if opened && r.onOpen != nil {
		r.onOpen(model)
	}
}

// RecordSuccess fully heals the model's breaker. A single success resets the
// failure count to zero and closes the breaker unconditionally.
func (r *Registry) RecordSuccess(model string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	s := r.get(model)
	s.consecutiveFailures = 0
	s.open = false
}

// IsOpen reports whether calls to the model should be avoided. An open
// breaker whose cooldown has elapsed resets to closed and admits the call as
// a half-open trial.
func (r *Registry) IsOpen(model string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.states[model]
	if !ok || !s.open {
		return false
	}

	if r.now().Sub(s.lastFailure) >= r.config.Cooldown {
		// Optimistic half-open: reset and let the trial call through.
		s.open = false
		s.consecutiveFailures = 0
		return false
	}

	return true
}

// Failures returns the model's current consecutive failure count.
func (r *Registry) Failures(model string) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.states[model]
	if !ok {
		return 0
	}
	return s.consecutiveFailures
}

// States returns a snapshot of every breaker keyed by model id, for the
// health endpoint.
func (r *Registry) States() map[string]string {
	r.mu.Lock()
	defer r.mu.Unlock()

	states := make(map[string]string, len(r.states))
	for model, s := range r.states {
		if s.open {
			states[model] = "open"
		} else {
			states[model] = "closed"
		}
	}
	return states
}
