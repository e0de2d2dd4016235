package tasks

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
)

type fakePublisher struct {
	mu       sync.Mutex
	subjects []string
	msgIDs   []string
	data     [][]byte
	err      error
}

func (p *fakePublisher) PublishDedup(_ context.Context, subject, msgID string, data []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return p.err
	}
	p.subjects = append(p.subjects, subject)
	p.msgIDs = append(p.msgIDs, msgID)
	p.data = append(p.data, data)
	return nil
}

func TestEnqueuePublishesEnvelopeWithDedupeID(t *testing.T) {
	pub := &fakePublisher{}
	d := NewDispatcher(pub)

	payload := map[string]string{"intent_id": "01ABC"}
	if err := d.Enqueue(context.Background(), KindReceiptGenerate, payload, "receipt:01ABC"); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	if pub.subjects[0] != "tasks.receipt.generate" {
		t.Fatalf("expected kind-derived subject, got %s", pub.subjects[0])
	}
	if pub.msgIDs[0] != "receipt:01ABC" {
		t.Fatalf("expected dedupe key as message ID, got %s", pub.msgIDs[0])
	}

	var task Task
	if err := json.Unmarshal(pub.data[0], &task); err != nil {
		t.Fatalf("decoding envelope: %v", err)
	}
	if task.Kind != KindReceiptGenerate {
		t.Fatalf("expected kind in envelope, got %s", task.Kind)
	}
	if task.DedupeKey != "receipt:01ABC" {
		t.Fatalf("expected dedupe key in envelope, got %s", task.DedupeKey)
	}
	if task.ID == "" {
		t.Fatal("expected a task id")
	}
	if task.EnqueuedAt.IsZero() {
		t.Fatal("expected enqueued_at set")
	}

	var decoded map[string]string
	if err := json.Unmarshal(task.Payload, &decoded); err != nil {
		t.Fatalf("decoding payload: %v", err)
	}
	if decoded["intent_id"] != "01ABC" {
		t.Fatalf("payload round trip lost data: %v", decoded)
	}
}

func TestEnqueueRejectsUnknownKind(t *testing.T) {
	d := NewDispatcher(&fakePublisher{})
	if err := d.Enqueue(context.Background(), "refund.issue", nil, "k"); err == nil {
		t.Fatal("expected unknown kind to be rejected")
	}
}

func TestEnqueueRequiresDedupeKey(t *testing.T) {
	d := NewDispatcher(&fakePublisher{})
	if err := d.Enqueue(context.Background(), KindNotifySMS, nil, ""); err == nil {
		t.Fatal("expected missing dedupe key to be rejected")
	}
}

func TestSubjectsCoverEveryKind(t *testing.T) {
	subjects := Subjects()
	if len(subjects) != len(Kinds()) {
		t.Fatalf("expected one subject per kind, got %d for %d kinds", len(subjects), len(Kinds()))
	}
	for _, s := range subjects {
		if s == DeadSubject {
			t.Fatal("dead subject must not overlap live task subjects")
		}
	}
}
