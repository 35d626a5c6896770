// Package upstream implements the resilient HTTP transport to the LLM
// provider. One logical call may issue several HTTP attempts: transient
// failures (retryable status codes and network errors) are retried with
// exponential backoff and jitter; other client errors fail immediately.
package upstream

import (
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"
)

// Error is the typed transport error carried out of a failed call. It holds
// the last HTTP status and response body so callers can branch on structured
// upstream failure codes.
type Error struct {
	Status int
	Body   string
	Err    error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("upstream: %v", e.Err)
	}
	return fmt.Sprintf("upstream: status=%d body=%s", e.Status, e.Body)
}

func (e *Error) Unwrap() error { return e.Err }

// Retryable reports whether the failure is transient. Network-level failures
// and the configured retryable status codes qualify; other 4xx do not.
func (e *Error) Retryable() bool {
	if e.Err != nil {
		var netErr net.Error
		if errors.As(e.Err, &netErr) {
			return true
		}
		// Connection resets and other transport errors without a status.
		return e.Status == 0
	}
	return retryableStatus(e.Status)
}

// ClientFault reports whether the failure was caused by the request itself
// rather than by upstream health. Non-retryable 4xx statuses qualify; 429
// does not, since throttling says nothing about the request.
func (e *Error) ClientFault() bool {
	return e.Err == nil &&
		e.Status >= 400 && e.Status < 500 &&
		e.Status != http.StatusTooManyRequests
}

func retryableStatus(status int) bool {
	switch status {
	case http.StatusTooManyRequests,
		http.StatusInternalServerError,
		http.StatusBadGateway,
		http.StatusServiceUnavailable,
		http.StatusGatewayTimeout:
		return true
	}
	return false
}

// RetryConfig bounds the retry loop. Delay for attempt n is
// min(MaxDelay, BaseDelay * 2^(n-1)) with ±20% jitter.
type RetryConfig struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
}

// DefaultRetryConfig returns the retry bounds used when nothing is configured.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts: 3,
		BaseDelay:   500 * time.Millisecond,
		MaxDelay:    8 * time.Second,
	}
}

// Observer is invoked before each retry wait. It is a pure side channel for
// logging and metrics and never affects control flow.
type Observer func(attempt, maxAttempts int, wait time.Duration, reason string)

// ClientConfig shapes the underlying HTTP client.
type ClientConfig struct {
	Timeout             time.Duration
	DialTimeout         time.Duration
	MaxIdleConns        int
	MaxIdleConnsPerHost int
}

// DefaultClientConfig returns connection settings suitable for long LLM calls.
func DefaultClientConfig() ClientConfig {
	return ClientConfig{
		Timeout:             120 * time.Second,
		DialTimeout:         10 * time.Second,
		MaxIdleConns:        100,
		MaxIdleConnsPerHost: 10,
	}
}

func newHTTPClient(cfg ClientConfig) *http.Client {
	transport := &http.Transport{
		DialContext: (&net.Dialer{
			Timeout:   cfg.DialTimeout,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		MaxIdleConns:        cfg.MaxIdleConns,
		MaxIdleConnsPerHost: cfg.MaxIdleConnsPerHost,
		IdleConnTimeout:     90 * time.Second,
		ForceAttemptHTTP2:   true,
	}

	return &http.Client{
		Timeout:   cfg.Timeout,
		Transport: transport,
	}
}
