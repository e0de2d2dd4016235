package idempotency

import (
	"context"
	"sync"
	"time"
)

type memoryRecord struct {
	status    string
	outcome   *Outcome
	expiresAt time.Time
}

// MemoryStore is an in-process Store used by tests and single-node
// deployments. All operations are guarded by one mutex; none of them block
// on I/O while holding it.
type MemoryStore struct {
	mu        sync.Mutex
	records   map[string]*memoryRecord
	retention time.Duration
	lease     time.Duration
	now       func() time.Time
}

// NewMemoryStore creates an in-memory store.
func NewMemoryStore(retention time.Duration) *MemoryStore {
	if retention <= 0 {
		retention = DefaultRetention
	}
	return &MemoryStore{
		records:   make(map[string]*memoryRecord),
		retention: retention,
		lease:     DefaultProcessingLease,
		now:       time.Now,
	}
}

// Reserve claims the key if absent or expired. A processing claim expires
// after the short lease, a completed outcome after the retention window.
func (s *MemoryStore) Reserve(ctx context.Context, key string) (Reservation, error) {
	if err := ctx.Err(); err != nil {
		return Reservation{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now().UTC()
	rec, ok := s.records[key]
	if ok && now.After(rec.expiresAt) {
		delete(s.records, key)
		ok = false
	}
	if !ok {
		s.records[key] = &memoryRecord{
			status:    "processing",
			expiresAt: now.Add(s.lease),
		}
		return Reservation{Result: Acquired}, nil
	}
	if rec.status == "completed" {
		outcome := *rec.outcome
		return Reservation{Result: AlreadyCompleted, Outcome: &outcome}, nil
	}
	return Reservation{Result: AlreadyProcessing}, nil
}

// Complete records the outcome. Completed outcomes are never replaced.
func (s *MemoryStore) Complete(ctx context.Context, key string, outcome Outcome) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.records[key]
	if !ok {
		return ErrNotReserved
	}
	if rec.status == "completed" {
		return nil
	}
	rec.status = "completed"
	rec.outcome = &outcome
	rec.expiresAt = s.now().UTC().Add(s.retention)
	return nil
}

// Release abandons an in-flight reservation.
func (s *MemoryStore) Release(ctx context.Context, key string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.records[key]
	if !ok || rec.status != "processing" {
		return ErrNotReserved
	}
	delete(s.records, key)
	return nil
}

var _ Store = (*MemoryStore)(nil)
