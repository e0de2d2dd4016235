package webhook

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/oklog/ulid/v2"
)

// Record is the audit row kept for every webhook delivery, accepted or not.
type Record struct {
	ID         string    `json:"id"`
	Gateway    string    `json:"gateway"`
	EventID    string    `json:"event_id,omitempty"`
	Body       []byte    `json:"-"`
	Signature  string    `json:"-"`
	Outcome    string    `json:"outcome"`
	ReceivedAt time.Time `json:"received_at"`
}

// Store persists webhook delivery records.
type Store interface {
	Record(ctx context.Context, rec *Record) error
}

// PostgresStore implements Store using PostgreSQL.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates a new PostgreSQL store.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

// Record inserts an audit row.
func (s *PostgresStore) Record(ctx context.Context, rec *Record) error {
	if rec.ID == "" {
		rec.ID = ulid.Make().String()
	}
	if rec.ReceivedAt.IsZero() {
		rec.ReceivedAt = time.Now().UTC()
	}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO webhook_events (id, gateway, event_id, body, signature, outcome, received_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`, rec.ID, rec.Gateway, nullIfEmpty(rec.EventID), rec.Body, rec.Signature, rec.Outcome, rec.ReceivedAt)
	if err != nil {
		return fmt.Errorf("recording webhook event: %w", err)
	}
	return nil
}

// NopStore discards records. Used in tests.
type NopStore struct{}

func (NopStore) Record(context.Context, *Record) error { return nil }

// record writes the audit row; failures are logged, never surfaced, so the
// audit trail cannot affect the response the gateway sees.
func record(ctx context.Context, store Store, logger *slog.Logger, rec *Record) {
	if store == nil {
		return
	}
	if err := store.Record(ctx, rec); err != nil {
		logger.Error("recording webhook audit row", "gateway", rec.Gateway, "error", err)
	}
}

func nullIfEmpty(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
