// Package router picks which model an upstream call should use, based on the
// caller's preference, the configured fallback list, and breaker health.
package router

import "github.com/lumenlabs/llm-gateway/internal/circuitbreaker"

// Selector resolves a preferred model against the fallback chain.
type Selector struct {
	fallbacks []string
	breakers  *circuitbreaker.Registry
}

// New creates a Selector over the declared fallback order.
func New(fallbacks []string, breakers *circuitbreaker.Registry) *Selector {
	return &Selector{
		fallbacks: fallbacks,
		breakers:  breakers,
	}
}

// Select returns the model to call. The preferred model wins unless its
// breaker is open; then the first healthy fallback in declared order wins.
// When every candidate is open, the preferred model is returned anyway: the
// gateway fails open rather than refusing service, and a failed attempt just
// extends the breaker's cooldown.
func (s *Selector) Select(preferred string) string {
	if !s.breakers.IsOpen(preferred) {
		return preferred
	}

	for _, candidate := range s.fallbacks {
		if candidate == preferred {
			continue
		}
		if !s.breakers.IsOpen(candidate) {
			return candidate
		}
	}

	return preferred
}

// Chain returns the full attempt order for a request: the selected model
// first, then every remaining healthy fallback in declared order. The handler
// advances through this list when a model exhausts its retries.
func (s *Selector) Chain(preferred string) []string {
	first := s.Select(preferred)
	chain := []string{first}

	appendCandidate := func(model string) {
		if model == first {
			return
		}
		if s.breakers.IsOpen(model) {
			return
		}
		chain = append(chain, model)
	}

	for _, candidate := range s.fallbacks {
		appendCandidate(candidate)
	}

	return chain
}

// Fallbacks returns the declared fallback order.
func (s *Selector) Fallbacks() []string {
	return s.fallbacks
}
