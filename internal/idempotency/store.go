// Package idempotency provides the durable key→outcome store that collapses
// duplicate payment events to a single effective side effect.
package idempotency

import (
	"context"
	"encoding/json"
	"errors"
	"time"
)

// DefaultRetention must exceed the longest plausible gateway retry window.
// It applies to completed outcomes only.
const DefaultRetention = 72 * time.Hour

// DefaultProcessingLease bounds how long an in-flight claim blocks the key.
// A holder that crashes without Complete or Release loses the claim after
// the lease, so the next delivery can redo the work. It must exceed the
// longest handler or gateway-call timeout.
const DefaultProcessingLease = 5 * time.Minute

// Config holds idempotency store configuration
type Config struct {
	Retention       time.Duration `envconfig:"IDEMPOTENCY_RETENTION" default:"72h"`
	ProcessingLease time.Duration `envconfig:"IDEMPOTENCY_PROCESSING_LEASE" default:"5m"`
}

// Result is the outcome of a Reserve call.
type Result int

const (
	// Acquired means the caller owns the key and must Complete or Release it.
	Acquired Result = iota
	// AlreadyProcessing means another caller holds the key in flight.
	AlreadyProcessing
	// AlreadyCompleted means the key finished; the recorded outcome is returned.
	AlreadyCompleted
)

func (r Result) String() string {
	switch r {
	case Acquired:
		return "acquired"
	case AlreadyProcessing:
		return "already_processing"
	case AlreadyCompleted:
		return "already_completed"
	default:
		return "unknown"
	}
}

// Outcome summarizes the result recorded for a completed key.
type Outcome struct {
	Status string          `json:"status"`
	Detail json.RawMessage `json:"detail,omitempty"`
}

// Reservation is returned by Reserve.
type Reservation struct {
	Result  Result
	Outcome *Outcome // set when Result is AlreadyCompleted
}

var (
	// ErrNotReserved is returned by Complete or Release when the key is not
	// held in the processing state.
	ErrNotReserved = errors.New("idempotency key not reserved")
)

// Store is the durable key→outcome mapping. Reserve is atomic with respect
// to concurrent callers of the same key: exactly one observes Acquired.
// Any error from Reserve means the store could not be reached and the caller
// must fail closed, never assume "not a duplicate".
type Store interface {
	Reserve(ctx context.Context, key string) (Reservation, error)
	Complete(ctx context.Context, key string, outcome Outcome) error
	Release(ctx context.Context, key string) error
}
