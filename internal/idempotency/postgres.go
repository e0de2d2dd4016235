package idempotency

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"estatepay/internal/common/database"
)

// PostgresStore implements Store using PostgreSQL. Atomicity of Reserve rests
// on the primary key of idempotency_keys: the insert-if-absent either lands
// or loses, there is no read-then-write window.
type PostgresStore struct {
	db        *database.DB
	retention time.Duration
	lease     time.Duration
	logger    *slog.Logger
}

// NewPostgresStore creates a new PostgreSQL-backed store.
func NewPostgresStore(db *database.DB, cfg Config, logger *slog.Logger) *PostgresStore {
	retention := cfg.Retention
	if retention <= 0 {
		retention = DefaultRetention
	}
	lease := cfg.ProcessingLease
	if lease <= 0 {
		lease = DefaultProcessingLease
	}
	return &PostgresStore{db: db, retention: retention, lease: lease, logger: logger}
}

// Reserve attempts to claim the key. Exactly one concurrent caller receives
// Acquired; the rest observe the in-flight or completed record.
func (s *PostgresStore) Reserve(ctx context.Context, key string) (Reservation, error) {
	// A processing claim expires after the short lease, a completed outcome
	// after the full retention window; Complete extends the row. Expired
	// rows are reclaimed in-line so neither a stale claim nor an aged
	// outcome blocks the key until the purge job runs.
	for attempt := 0; attempt < 2; attempt++ {
		tag, err := s.db.Exec(ctx, `
			INSERT INTO idempotency_keys (key, status, expires_at, created_at)
			VALUES ($1, 'processing', $2, now())
			ON CONFLICT (key) DO NOTHING
		`, key, time.Now().UTC().Add(s.lease))
		if err != nil {
			return Reservation{}, fmt.Errorf("reserving idempotency key: %w", err)
		}
		if tag.RowsAffected() == 1 {
			return Reservation{Result: Acquired}, nil
		}

		var status string
		var outcome []byte
		var expiresAt time.Time
		err = s.db.QueryRow(ctx, `
			SELECT status, outcome, expires_at
			FROM idempotency_keys
			WHERE key = $1
		`, key).Scan(&status, &outcome, &expiresAt)
		if err != nil {
			if database.IsNotFound(err) {
				// Row vanished between insert and read; retry the insert.
				continue
			}
			return Reservation{}, fmt.Errorf("reading idempotency key: %w", err)
		}

		if time.Now().UTC().After(expiresAt) {
			if _, err := s.db.Exec(ctx, `
				DELETE FROM idempotency_keys
				WHERE key = $1 AND expires_at <= now()
			`, key); err != nil {
				return Reservation{}, fmt.Errorf("reclaiming expired idempotency key: %w", err)
			}
			continue
		}

		if status == "completed" {
			var o Outcome
			if len(outcome) > 0 {
				if err := json.Unmarshal(outcome, &o); err != nil {
					return Reservation{}, fmt.Errorf("decoding idempotency outcome: %w", err)
				}
			}
			return Reservation{Result: AlreadyCompleted, Outcome: &o}, nil
		}
		return Reservation{Result: AlreadyProcessing}, nil
	}

	// Lost the reclaim race twice in a row. Treat as in flight; the caller
	// retries and self-heals.
	return Reservation{Result: AlreadyProcessing}, nil
}

// Complete records the outcome for a key the caller reserved. A key that has
// already completed is left untouched: outcomes are never overwritten.
func (s *PostgresStore) Complete(ctx context.Context, key string, outcome Outcome) error {
	data, err := json.Marshal(outcome)
	if err != nil {
		return fmt.Errorf("encoding idempotency outcome: %w", err)
	}

	tag, err := s.db.Exec(ctx, `
		UPDATE idempotency_keys
		SET status = 'completed', outcome = $2, completed_at = now(), expires_at = $3
		WHERE key = $1 AND status = 'processing'
	`, key, data, time.Now().UTC().Add(s.retention))
	if err != nil {
		return fmt.Errorf("completing idempotency key: %w", err)
	}
	if tag.RowsAffected() == 1 {
		return nil
	}

	var status string
	err = s.db.QueryRow(ctx, `
		SELECT status FROM idempotency_keys WHERE key = $1
	`, key).Scan(&status)
	if err != nil {
		if database.IsNotFound(err) {
			return ErrNotReserved
		}
		return fmt.Errorf("reading idempotency key: %w", err)
	}
	if status == "completed" {
		// A redelivered task completing after a crash mid-execution.
		s.logger.Debug("idempotency outcome already recorded", "key", key)
		return nil
	}
	return ErrNotReserved
}

// Release abandons a reservation so a later event can retry the operation.
func (s *PostgresStore) Release(ctx context.Context, key string) error {
	tag, err := s.db.Exec(ctx, `
		DELETE FROM idempotency_keys
		WHERE key = $1 AND status = 'processing'
	`, key)
	if err != nil {
		return fmt.Errorf("releasing idempotency key: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotReserved
	}
	return nil
}

// PurgeExpired removes keys past their retention window. Run periodically to
// bound storage growth.
func (s *PostgresStore) PurgeExpired(ctx context.Context) (int64, error) {
	tag, err := s.db.Exec(ctx, `
		DELETE FROM idempotency_keys WHERE expires_at <= now()
	`)
	if err != nil {
		return 0, fmt.Errorf("purging expired idempotency keys: %w", err)
	}
	return tag.RowsAffected(), nil
}

var _ Store = (*PostgresStore)(nil)
