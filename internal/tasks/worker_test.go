package tasks

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"

	"estatepay/internal/idempotency"
	"estatepay/internal/retry"
)

// fakeMsg records the ack disposition the worker chooses for a delivery.
type fakeMsg struct {
	data      []byte
	headers   nats.Header
	delivered uint64

	mu     sync.Mutex
	acked  bool
	naked  bool
	termed bool
}

func (m *fakeMsg) Metadata() (*jetstream.MsgMetadata, error) {
	return &jetstream.MsgMetadata{NumDelivered: m.delivered}, nil
}

func (m *fakeMsg) Data() []byte         { return m.data }
func (m *fakeMsg) Headers() nats.Header { return m.headers }
func (m *fakeMsg) Subject() string      { return Subject(KindReceiptGenerate) }
func (m *fakeMsg) Reply() string        { return "" }

func (m *fakeMsg) Ack() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.acked = true
	return nil
}

func (m *fakeMsg) DoubleAck(context.Context) error { return m.Ack() }

func (m *fakeMsg) Nak() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.naked = true
	return nil
}

func (m *fakeMsg) NakWithDelay(time.Duration) error { return m.Nak() }
func (m *fakeMsg) InProgress() error                { return nil }

func (m *fakeMsg) Term() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.termed = true
	return nil
}

func (m *fakeMsg) TermWithReason(string) error { return m.Term() }

var _ jetstream.Msg = (*fakeMsg)(nil)

func newWorkerFixture(keys idempotency.Store, pub Publisher) *Worker {
	return &Worker{
		dead:     pub,
		keys:     keys,
		policy:   retry.Policy{Base: time.Millisecond, Cap: time.Millisecond, MaxAttempts: 5},
		cfg:      WorkerConfig{MaxDeliver: 5, AckWait: time.Second, HandlerTimeout: time.Second},
		handlers: make(map[string]Handler),
		logger:   testLogger(),
	}
}

func receiptMsg(t *testing.T, dedupeKey string, delivered uint64) *fakeMsg {
	t.Helper()
	data, err := json.Marshal(Task{
		ID:        "01TESTTASK000000000000000",
		Kind:      KindReceiptGenerate,
		DedupeKey: dedupeKey,
		Payload:   json.RawMessage(`{"intent_id":"01TESTINTENT0000000000000"}`),
	})
	if err != nil {
		t.Fatalf("encoding task: %v", err)
	}
	headers := nats.Header{}
	headers.Set("Nats-Msg-Id", dedupeKey)
	return &fakeMsg{data: data, headers: headers, delivered: delivered}
}

func TestHeldKeyIsNakedBeforeBudgetExhausted(t *testing.T) {
	ctx := context.Background()
	keys := idempotency.NewMemoryStore(idempotency.DefaultRetention)
	pub := &fakePublisher{}
	w := newWorkerFixture(keys, pub)

	// Another worker holds the claim.
	if _, err := keys.Reserve(ctx, taskKey(KindReceiptGenerate, "receipt:1")); err != nil {
		t.Fatalf("Reserve: %v", err)
	}

	msg := receiptMsg(t, "receipt:1", 1)
	w.handle(ctx, KindReceiptGenerate, func(context.Context, *Task) error {
		t.Fatal("handler must not run while the key is held")
		return nil
	}, msg)

	if !msg.naked {
		t.Fatal("expected a nak so a later delivery can retry")
	}
	if msg.termed || len(pub.subjects) != 0 {
		t.Fatal("early delivery must not dead-letter")
	}
}

func TestHeldKeyOnFinalDeliveryIsDeadLettered(t *testing.T) {
	ctx := context.Background()
	keys := idempotency.NewMemoryStore(idempotency.DefaultRetention)
	pub := &fakePublisher{}
	w := newWorkerFixture(keys, pub)

	// A crashed worker left the claim in place; every redelivery bounces
	// off it. The last permitted delivery must not vanish.
	if _, err := keys.Reserve(ctx, taskKey(KindReceiptGenerate, "receipt:2")); err != nil {
		t.Fatalf("Reserve: %v", err)
	}

	msg := receiptMsg(t, "receipt:2", uint64(w.cfg.MaxDeliver))
	w.handle(ctx, KindReceiptGenerate, func(context.Context, *Task) error {
		t.Fatal("handler must not run while the key is held")
		return nil
	}, msg)

	if msg.naked {
		t.Fatal("final delivery must not be naked")
	}
	if len(pub.subjects) != 1 || pub.subjects[0] != DeadSubject {
		t.Fatalf("expected one dead-letter publish, got %v", pub.subjects)
	}
	if !msg.termed {
		t.Fatal("expected the original message terminated after dead-lettering")
	}
}

func TestHandlerFailureOnFinalDeliveryIsDeadLettered(t *testing.T) {
	ctx := context.Background()
	keys := idempotency.NewMemoryStore(idempotency.DefaultRetention)
	pub := &fakePublisher{}
	w := newWorkerFixture(keys, pub)

	msg := receiptMsg(t, "receipt:3", uint64(w.cfg.MaxDeliver))
	w.handle(ctx, KindReceiptGenerate, func(context.Context, *Task) error {
		return errors.New("downstream still broken")
	}, msg)

	if msg.naked {
		t.Fatal("final delivery must not be naked")
	}
	if len(pub.subjects) != 1 || pub.subjects[0] != DeadSubject {
		t.Fatalf("expected one dead-letter publish, got %v", pub.subjects)
	}
	if !msg.termed {
		t.Fatal("expected the original message terminated after dead-lettering")
	}
}

func TestPermanentFailureIsDeadLetteredImmediately(t *testing.T) {
	ctx := context.Background()
	keys := idempotency.NewMemoryStore(idempotency.DefaultRetention)
	pub := &fakePublisher{}
	w := newWorkerFixture(keys, pub)

	msg := receiptMsg(t, "receipt:4", 1)
	w.handle(ctx, KindReceiptGenerate, func(context.Context, *Task) error {
		return retry.Permanent(errors.New("payload can never succeed"))
	}, msg)

	if len(pub.subjects) != 1 || pub.subjects[0] != DeadSubject {
		t.Fatalf("expected one dead-letter publish, got %v", pub.subjects)
	}
	if !msg.termed {
		t.Fatal("expected the original message terminated")
	}
}

func TestCompletedTaskIsAckedOnRedelivery(t *testing.T) {
	ctx := context.Background()
	keys := idempotency.NewMemoryStore(idempotency.DefaultRetention)
	pub := &fakePublisher{}
	w := newWorkerFixture(keys, pub)

	key := taskKey(KindReceiptGenerate, "receipt:5")
	if _, err := keys.Reserve(ctx, key); err != nil {
		t.Fatalf("Reserve: %v", err)
	}
	if err := keys.Complete(ctx, key, idempotency.Outcome{Status: "done"}); err != nil {
		t.Fatalf("Complete: %v", err)
	}

	msg := receiptMsg(t, "receipt:5", 2)
	w.handle(ctx, KindReceiptGenerate, func(context.Context, *Task) error {
		t.Fatal("completed task must not run again")
		return nil
	}, msg)

	if !msg.acked {
		t.Fatal("expected redelivery of a completed task to be acked")
	}
	if msg.naked || msg.termed || len(pub.subjects) != 0 {
		t.Fatal("completed task must not be naked or dead-lettered")
	}
}
