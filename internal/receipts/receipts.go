// Package receipts issues payment receipts for settled intents.
package receipts

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/oklog/ulid/v2"

	"estatepay/internal/common/database"
	"estatepay/internal/payment"
)

// ErrNotFound is returned when no receipt matches the lookup.
var ErrNotFound = errors.New("receipt not found")

// Receipt is the issued record of a settled payment. At most one receipt
// exists per intent.
type Receipt struct {
	ID         string    `json:"id"`
	IntentID   string    `json:"intent_id"`
	Number     string    `json:"number"`
	StorageRef string    `json:"storage_ref"`
	IssuedAt   time.Time `json:"issued_at"`
}

// BlobStore persists rendered receipt documents.
type BlobStore interface {
	// Put stores data under name and returns a stable reference.
	Put(ctx context.Context, name string, data []byte) (string, error)
	// Get retrieves a document by the reference Put returned.
	Get(ctx context.Context, ref string) ([]byte, error)
}

// Store persists receipt records.
type Store interface {
	Create(ctx context.Context, receipt *Receipt) error
	GetByIntent(ctx context.Context, intentID string) (*Receipt, error)
}

// PostgresStore implements Store using PostgreSQL.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates a new PostgreSQL store.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

// Create inserts a receipt. The unique constraint on intent_id makes the
// insert the issue-once guard.
func (s *PostgresStore) Create(ctx context.Context, receipt *Receipt) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO receipts (id, intent_id, number, storage_ref, issued_at)
		VALUES ($1, $2, $3, $4, $5)
	`, receipt.ID, receipt.IntentID, receipt.Number, receipt.StorageRef, receipt.IssuedAt)
	if err != nil {
		if database.IsUniqueViolation(err) {
			return database.ErrAlreadyExists
		}
		return fmt.Errorf("inserting receipt: %w", err)
	}
	return nil
}

// GetByIntent retrieves the receipt issued for an intent.
func (s *PostgresStore) GetByIntent(ctx context.Context, intentID string) (*Receipt, error) {
	var receipt Receipt
	err := s.pool.QueryRow(ctx, `
		SELECT id, intent_id, number, storage_ref, issued_at
		FROM receipts WHERE intent_id = $1
	`, intentID).Scan(&receipt.ID, &receipt.IntentID, &receipt.Number, &receipt.StorageRef, &receipt.IssuedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scanning receipt: %w", err)
	}
	return &receipt, nil
}

// Service renders and issues receipts.
type Service struct {
	store  Store
	blobs  BlobStore
	logger *slog.Logger
}

// NewService creates a receipt service.
func NewService(store Store, blobs BlobStore, logger *slog.Logger) *Service {
	return &Service{store: store, blobs: blobs, logger: logger}
}

// Generate issues a receipt for a settled intent. Repeats return the
// existing receipt.
func (s *Service) Generate(ctx context.Context, intent *payment.Intent) (*Receipt, error) {
	if intent.Status != payment.StatusSettled {
		return nil, fmt.Errorf("intent %s is %s, receipts require settled", intent.ID, intent.Status)
	}

	if existing, err := s.store.GetByIntent(ctx, intent.ID); err == nil {
		return existing, nil
	} else if !errors.Is(err, ErrNotFound) {
		return nil, err
	}

	receipt := &Receipt{
		ID:       ulid.Make().String(),
		IntentID: intent.ID,
		Number:   "RCP-" + intent.ID,
		IssuedAt: time.Now().UTC(),
	}

	doc := render(intent, receipt)
	ref, err := s.blobs.Put(ctx, receipt.Number+".txt", doc)
	if err != nil {
		return nil, fmt.Errorf("storing receipt document: %w", err)
	}
	receipt.StorageRef = ref

	if err := s.store.Create(ctx, receipt); err != nil {
		if errors.Is(err, database.ErrAlreadyExists) {
			// Lost the issue race; return whichever receipt won.
			return s.store.GetByIntent(ctx, intent.ID)
		}
		return nil, err
	}

	s.logger.Info("receipt issued",
		"receipt_id", receipt.ID,
		"intent_id", intent.ID,
		"number", receipt.Number,
	)
	return receipt, nil
}

func render(intent *payment.Intent, receipt *Receipt) []byte {
	var buf bytes.Buffer
	fmt.Fprintf(&buf, "RECEIPT %s\n", receipt.Number)
	fmt.Fprintf(&buf, "Issued:    %s\n", receipt.IssuedAt.Format(time.RFC3339))
	fmt.Fprintf(&buf, "Lease:     %s\n", intent.LeaseID)
	fmt.Fprintf(&buf, "Tenant:    %s\n", intent.TenantID)
	fmt.Fprintf(&buf, "Amount:    %s\n", intent.Amount.String())
	fmt.Fprintf(&buf, "Gateway:   %s\n", intent.Gateway)
	fmt.Fprintf(&buf, "Reference: %s\n", intent.Reference)
	if intent.SettledAt != nil {
		fmt.Fprintf(&buf, "Settled:   %s\n", intent.SettledAt.Format(time.RFC3339))
	}
	return buf.Bytes()
}
