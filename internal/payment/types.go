// Package payment provides the payment intent model and the reconciliation
// engine that drives intents to a terminal state exactly once.
package payment

import (
	"errors"
	"time"

	"estatepay/internal/common/money"
)

// Status represents the status of a payment intent.
type Status string

const (
	StatusPending Status = "pending"
	StatusSettled Status = "settled"
	StatusFailed  Status = "failed"
)

// Valid reports whether s names a known status.
func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusSettled, StatusFailed:
		return true
	}
	return false
}

// Terminal reports whether s is a terminal status. Terminal intents never
// transition again.
func (s Status) Terminal() bool {
	return s == StatusSettled || s == StatusFailed
}

var (
	// ErrNotFound is returned when no intent matches the lookup.
	ErrNotFound = errors.New("payment intent not found")
	// ErrIllegalTransition is returned when a trigger asks for a transition
	// the state machine does not allow.
	ErrIllegalTransition = errors.New("illegal payment state transition")
	// ErrProofNotFound is returned when no proof matches the lookup.
	ErrProofNotFound = errors.New("payment proof not found")
	// ErrInvalidAmount is returned for a zero, negative, or
	// unsupported-currency amount.
	ErrInvalidAmount = errors.New("invalid payment amount")
	// ErrCreateInFlight is returned when a create with the same
	// Idempotency-Key has not finished yet.
	ErrCreateInFlight = errors.New("create request already in flight")
)

// CanTransition reports whether an intent in from may move to target.
// The only legal moves are pending -> settled and pending -> failed.
func CanTransition(from, target Status) bool {
	return from == StatusPending && target.Terminal()
}

// Intent represents a single expected payment against a lease.
type Intent struct {
	ID        string      `json:"id"`
	LeaseID   string      `json:"lease_id"`
	TenantID  string      `json:"tenant_id"`
	Email     string      `json:"email"`
	Phone     string      `json:"phone,omitempty"`
	Amount    money.Money `json:"amount"`
	Gateway   string      `json:"gateway"`
	Reference string      `json:"reference"`
	Status    Status      `json:"status"`

	// Gateway evidence recorded on settlement or failure.
	ProviderRef  string     `json:"provider_ref,omitempty"`
	Channel      string     `json:"channel,omitempty"`
	ErrorCode    string     `json:"error_code,omitempty"`
	ErrorMessage string     `json:"error_message,omitempty"`
	SettledAt    *time.Time `json:"settled_at,omitempty"`
	FailedAt     *time.Time `json:"failed_at,omitempty"`

	// CheckoutURL is returned once at creation for gateway intents.
	CheckoutURL string `json:"checkout_url,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// ProofStatus represents the review status of an offline payment proof.
type ProofStatus string

const (
	ProofPending  ProofStatus = "pending"
	ProofApproved ProofStatus = "approved"
	ProofRejected ProofStatus = "rejected"
)

// Proof is evidence of an offline payment uploaded by a tenant, reviewed by
// an estate admin before the intent is confirmed.
type Proof struct {
	ID         string      `json:"id"`
	IntentID   string      `json:"intent_id"`
	FileHash   string      `json:"file_hash"`
	StorageRef string      `json:"storage_ref"`
	Status     ProofStatus `json:"status"`
	ReviewerID string      `json:"reviewer_id,omitempty"`
	UploadedAt time.Time   `json:"uploaded_at"`
	ReviewedAt *time.Time  `json:"reviewed_at,omitempty"`
}

// Trigger asks the engine to move an intent to a terminal state. DedupeKey
// identifies the originating event (gateway event id or an operator-supplied
// request key) and drives the idempotency reservation.
type Trigger struct {
	IntentID  string
	Target    Status
	DedupeKey string
	Gateway   string

	// Evidence from the gateway, filled in by the engine for gateway
	// triggers after re-verification.
	ProviderRef  string
	Channel      string
	ErrorCode    string
	ErrorMessage string
	OccurredAt   *time.Time
}
