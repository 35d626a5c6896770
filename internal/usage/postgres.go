package usage

import (
	"context"
	"database/sql"
	"fmt"

	_ "github.com/lib/pq"
)

// PostgresRecorder writes usage events to the usage_events table.
type PostgresRecorder struct {
	db *sql.DB
}

// NewPostgresRecorder opens and pings the database.
func NewPostgresRecorder(databaseURL string) (*PostgresRecorder, error) {
	db, err := sql.Open("postgres", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("ping database: %w", err)
	}
	return &PostgresRecorder{db: db}, nil
}

func (r *PostgresRecorder) Record(ctx context.Context, event Event) error {
	query := `
		INSERT INTO usage_events (request_id, caller, model, status, attempts, fallback, enriched, tokens, latency_ms, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	`

	_, err := r.db.ExecContext(ctx, query,
		event.RequestID,
		event.Caller,
		event.Model,
		event.Status,
		event.Attempts,
		event.Fallback,
		event.Enriched,
		event.Tokens,
		event.LatencyMs,
		event.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert usage event: %w", err)
	}

	return nil
}

func (r *PostgresRecorder) Close() error {
	return r.db.Close()
}
