package payment

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Store persists payment intents and offline payment proofs.
type Store interface {
	CreateIntent(ctx context.Context, intent *Intent) error
	GetIntent(ctx context.Context, id string) (*Intent, error)
	GetIntentByReference(ctx context.Context, reference string) (*Intent, error)
	// Transition moves an intent from pending to a terminal state with the
	// given evidence. It returns ErrIllegalTransition when the intent is no
	// longer pending and ErrNotFound when it does not exist.
	Transition(ctx context.Context, id string, target Status, ev Evidence) error

	CreateProof(ctx context.Context, proof *Proof) error
	GetProof(ctx context.Context, id string) (*Proof, error)
	ReviewProof(ctx context.Context, id string, status ProofStatus, reviewerID string) error
	ListProofs(ctx context.Context, intentID string) ([]*Proof, error)
}

// Evidence carries the gateway-reported facts recorded on a transition.
type Evidence struct {
	ProviderRef  string
	Channel      string
	ErrorCode    string
	ErrorMessage string
	OccurredAt   *time.Time
}

// PostgresStore implements Store using PostgreSQL.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates a new PostgreSQL store.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

// CreateIntent inserts a new payment intent.
func (s *PostgresStore) CreateIntent(ctx context.Context, intent *Intent) error {
	query := `
		INSERT INTO payment_intents (
			id, lease_id, tenant_id, email, phone,
			amount_minor, currency, gateway, reference, status,
			provider_ref, channel, error_code, error_message,
			settled_at, failed_at, created_at, updated_at
		) VALUES (
			$1, $2, $3, $4, $5, $6, $7, $8, $9, $10,
			$11, $12, $13, $14, $15, $16, $17, $18
		)
	`
	_, err := s.pool.Exec(ctx, query,
		intent.ID, intent.LeaseID, intent.TenantID, intent.Email, nullStr(intent.Phone),
		intent.Amount.AmountMinor, intent.Amount.Currency, intent.Gateway, intent.Reference, intent.Status,
		nullStr(intent.ProviderRef), nullStr(intent.Channel), nullStr(intent.ErrorCode), nullStr(intent.ErrorMessage),
		intent.SettledAt, intent.FailedAt, intent.CreatedAt, intent.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("inserting payment intent: %w", err)
	}
	return nil
}

const intentColumns = `
	id, lease_id, tenant_id, email, phone,
	amount_minor, currency, gateway, reference, status,
	provider_ref, channel, error_code, error_message,
	settled_at, failed_at, created_at, updated_at
`

// GetIntent retrieves a payment intent by ID.
func (s *PostgresStore) GetIntent(ctx context.Context, id string) (*Intent, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+intentColumns+` FROM payment_intents WHERE id = $1`, id)
	return scanIntent(row)
}

// GetIntentByReference retrieves a payment intent by gateway reference.
func (s *PostgresStore) GetIntentByReference(ctx context.Context, reference string) (*Intent, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+intentColumns+` FROM payment_intents WHERE reference = $1`, reference)
	return scanIntent(row)
}

// Transition moves a pending intent to a terminal state. The status guard in
// the WHERE clause makes the legality check atomic with the update.
func (s *PostgresStore) Transition(ctx context.Context, id string, target Status, ev Evidence) error {
	if !target.Terminal() {
		return fmt.Errorf("%w: target %s is not terminal", ErrIllegalTransition, target)
	}

	var settledAt, failedAt *time.Time
	occurred := ev.OccurredAt
	if occurred == nil {
		now := time.Now().UTC()
		occurred = &now
	}
	if target == StatusSettled {
		settledAt = occurred
	} else {
		failedAt = occurred
	}

	tag, err := s.pool.Exec(ctx, `
		UPDATE payment_intents
		SET status = $2, provider_ref = $3, channel = $4,
		    error_code = $5, error_message = $6,
		    settled_at = $7, failed_at = $8, updated_at = now()
		WHERE id = $1 AND status = $9
	`, id, target, nullStr(ev.ProviderRef), nullStr(ev.Channel),
		nullStr(ev.ErrorCode), nullStr(ev.ErrorMessage),
		settledAt, failedAt, StatusPending)
	if err != nil {
		return fmt.Errorf("transitioning payment intent: %w", err)
	}
	if tag.RowsAffected() == 1 {
		return nil
	}

	// No pending row matched. Distinguish missing from already-terminal.
	intent, err := s.GetIntent(ctx, id)
	if err != nil {
		return err
	}
	return fmt.Errorf("%w: %s is %s", ErrIllegalTransition, id, intent.Status)
}

// CreateProof inserts a new offline payment proof.
func (s *PostgresStore) CreateProof(ctx context.Context, proof *Proof) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO payment_proofs (
			id, intent_id, file_hash, storage_ref, status,
			reviewer_id, uploaded_at, reviewed_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`, proof.ID, proof.IntentID, proof.FileHash, proof.StorageRef, proof.Status,
		nullStr(proof.ReviewerID), proof.UploadedAt, proof.ReviewedAt)
	if err != nil {
		return fmt.Errorf("inserting payment proof: %w", err)
	}
	return nil
}

// GetProof retrieves a proof by ID.
func (s *PostgresStore) GetProof(ctx context.Context, id string) (*Proof, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT id, intent_id, file_hash, storage_ref, status,
		       reviewer_id, uploaded_at, reviewed_at
		FROM payment_proofs WHERE id = $1
	`, id)
	return scanProof(row)
}

// ReviewProof records an admin decision on a pending proof.
func (s *PostgresStore) ReviewProof(ctx context.Context, id string, status ProofStatus, reviewerID string) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE payment_proofs
		SET status = $2, reviewer_id = $3, reviewed_at = now()
		WHERE id = $1 AND status = $4
	`, id, status, reviewerID, ProofPending)
	if err != nil {
		return fmt.Errorf("reviewing payment proof: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrProofNotFound
	}
	return nil
}

// ListProofs lists proofs uploaded against an intent, newest first.
func (s *PostgresStore) ListProofs(ctx context.Context, intentID string) ([]*Proof, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, intent_id, file_hash, storage_ref, status,
		       reviewer_id, uploaded_at, reviewed_at
		FROM payment_proofs WHERE intent_id = $1
		ORDER BY uploaded_at DESC
	`, intentID)
	if err != nil {
		return nil, fmt.Errorf("listing payment proofs: %w", err)
	}
	defer rows.Close()

	var proofs []*Proof
	for rows.Next() {
		p, err := scanProof(rows)
		if err != nil {
			return nil, err
		}
		proofs = append(proofs, p)
	}
	return proofs, rows.Err()
}

func scanIntent(row pgx.Row) (*Intent, error) {
	var intent Intent
	var phone, providerRef, channel, errorCode, errorMessage *string
	err := row.Scan(
		&intent.ID, &intent.LeaseID, &intent.TenantID, &intent.Email, &phone,
		&intent.Amount.AmountMinor, &intent.Amount.Currency, &intent.Gateway, &intent.Reference, &intent.Status,
		&providerRef, &channel, &errorCode, &errorMessage,
		&intent.SettledAt, &intent.FailedAt, &intent.CreatedAt, &intent.UpdatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scanning payment intent: %w", err)
	}
	intent.Phone = deref(phone)
	intent.ProviderRef = deref(providerRef)
	intent.Channel = deref(channel)
	intent.ErrorCode = deref(errorCode)
	intent.ErrorMessage = deref(errorMessage)
	return &intent, nil
}

func scanProof(row pgx.Row) (*Proof, error) {
	var proof Proof
	var reviewerID *string
	err := row.Scan(
		&proof.ID, &proof.IntentID, &proof.FileHash, &proof.StorageRef, &proof.Status,
		&reviewerID, &proof.UploadedAt, &proof.ReviewedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrProofNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scanning payment proof: %w", err)
	}
	proof.ReviewerID = deref(reviewerID)
	return &proof, nil
}

func nullStr(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
