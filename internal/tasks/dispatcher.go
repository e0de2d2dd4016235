// Package tasks provides the durable task queue over JetStream: dispatch,
// worker runtime, and the task handlers.
package tasks

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/oklog/ulid/v2"
)

// Task kinds. The table is static; an unknown kind is a programming error,
// not a runtime condition.
const (
	KindReceiptGenerate = "receipt.generate"
	KindNotifySMS       = "notify.sms"
	KindNotifyEmail     = "notify.email"
	KindPayoutLandlord  = "payout.landlord"
)

const (
	// StreamName holds all live task subjects.
	StreamName = "TASKS"
	// DeadStreamName holds messages that exhausted their delivery budget.
	DeadStreamName = "TASKS_DEAD"
	// DeadSubject is the dead-letter subject.
	DeadSubject = "tasks.dead"
)

// Kinds lists every registered task kind.
func Kinds() []string {
	return []string{KindReceiptGenerate, KindNotifySMS, KindNotifyEmail, KindPayoutLandlord}
}

// Subject returns the JetStream subject a kind is published on.
func Subject(kind string) string {
	return "tasks." + kind
}

// Subjects returns the subjects of all registered kinds.
func Subjects() []string {
	kinds := Kinds()
	subjects := make([]string, len(kinds))
	for i, kind := range kinds {
		subjects[i] = Subject(kind)
	}
	return subjects
}

func validKind(kind string) bool {
	for _, k := range Kinds() {
		if k == kind {
			return true
		}
	}
	return false
}

// Task is the wire envelope of one queued unit of work.
type Task struct {
	ID         string          `json:"id"`
	Kind       string          `json:"kind"`
	DedupeKey  string          `json:"dedupe_key"`
	Payload    json.RawMessage `json:"payload"`
	EnqueuedAt time.Time       `json:"enqueued_at"`
}

// Publisher publishes messages with a broker-side dedupe ID. Implemented by
// the JetStream client.
type Publisher interface {
	PublishDedup(ctx context.Context, subject, msgID string, data []byte) error
}

// Dispatcher enqueues tasks for the worker fleet. Delivery is at-least-once;
// the dedupe key collapses duplicate enqueues inside the stream's duplicate
// window, and the handlers' idempotency checks collapse the rest.
type Dispatcher struct {
	pub Publisher
}

// NewDispatcher creates a dispatcher.
func NewDispatcher(pub Publisher) *Dispatcher {
	return &Dispatcher{pub: pub}
}

// Enqueue publishes one task. dedupeKey must be stable across duplicate
// enqueues of the same logical work.
func (d *Dispatcher) Enqueue(ctx context.Context, kind string, payload any, dedupeKey string) error {
	if !validKind(kind) {
		return fmt.Errorf("unknown task kind %q", kind)
	}
	if dedupeKey == "" {
		return fmt.Errorf("task %s requires a dedupe key", kind)
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encoding %s payload: %w", kind, err)
	}

	task := Task{
		ID:         ulid.Make().String(),
		Kind:       kind,
		DedupeKey:  dedupeKey,
		Payload:    body,
		EnqueuedAt: time.Now().UTC(),
	}
	data, err := json.Marshal(task)
	if err != nil {
		return fmt.Errorf("encoding task: %w", err)
	}

	if err := d.pub.PublishDedup(ctx, Subject(kind), dedupeKey, data); err != nil {
		return fmt.Errorf("enqueueing %s: %w", kind, err)
	}
	return nil
}
