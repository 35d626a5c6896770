package domain

import "errors"

var (
	ErrInvalidRequest     = errors.New("invalid request")
	ErrModelNotAllowed    = errors.New("model not in shared tier")
	ErrRateLimited        = errors.New("rate limit exceeded")
	ErrFreeTierExhausted  = errors.New("daily free tier exhausted")
	ErrAllModelsFailed    = errors.New("all models failed")
	ErrCircuitBreakerOpen = errors.New("circuit breaker open")
	ErrEmptyCompletion    = errors.New("upstream returned empty completion")
)
