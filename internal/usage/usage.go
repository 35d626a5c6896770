// Package usage records per-request outcome events for downstream analytics
// and billing. Recording is best-effort: a failed write is logged, never
// surfaced to the caller.
package usage

import (
	"context"
	"log/slog"
	"time"
)

// Event is one completed gateway call.
type Event struct {
	RequestID string    `json:"request_id"`
	Caller    string    `json:"caller"`
	Model     string    `json:"model"`
	Status    string    `json:"status"`
	Attempts  int       `json:"attempts"`
	Fallback  bool      `json:"fallback"`
	Enriched  bool      `json:"enriched"`
	Tokens    int       `json:"tokens"`
	LatencyMs int64     `json:"latency_ms"`
	CreatedAt time.Time `json:"created_at"`
}

// Recorder persists usage events.
type Recorder interface {
	Record(ctx context.Context, event Event) error
}

// NoopRecorder logs events at debug level and discards them.
type NoopRecorder struct{}

func (NoopRecorder) Record(_ context.Context, event Event) error {
	slog.Debug("usage event",
		"request_id", event.RequestID,
		"model", event.Model,
		"status", event.Status,
	)
	return nil
}
