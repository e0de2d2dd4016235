package payment

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// MemoryStore implements Store in memory. It backs unit tests of the engine
// and handlers without a database.
type MemoryStore struct {
	mu      sync.Mutex
	intents map[string]*Intent
	proofs  map[string]*Proof
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		intents: make(map[string]*Intent),
		proofs:  make(map[string]*Proof),
	}
}

func (s *MemoryStore) CreateIntent(_ context.Context, intent *Intent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.intents[intent.ID]; ok {
		return fmt.Errorf("intent %s already exists", intent.ID)
	}
	cp := *intent
	s.intents[intent.ID] = &cp
	return nil
}

func (s *MemoryStore) GetIntent(_ context.Context, id string) (*Intent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	intent, ok := s.intents[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *intent
	return &cp, nil
}

func (s *MemoryStore) GetIntentByReference(_ context.Context, reference string) (*Intent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, intent := range s.intents {
		if intent.Reference == reference {
			cp := *intent
			return &cp, nil
		}
	}
	return nil, ErrNotFound
}

func (s *MemoryStore) Transition(_ context.Context, id string, target Status, ev Evidence) error {
	if !target.Terminal() {
		return fmt.Errorf("%w: target %s is not terminal", ErrIllegalTransition, target)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	intent, ok := s.intents[id]
	if !ok {
		return ErrNotFound
	}
	if intent.Status != StatusPending {
		return fmt.Errorf("%w: %s is %s", ErrIllegalTransition, id, intent.Status)
	}

	occurred := ev.OccurredAt
	if occurred == nil {
		now := time.Now().UTC()
		occurred = &now
	}

	intent.Status = target
	intent.ProviderRef = ev.ProviderRef
	intent.Channel = ev.Channel
	intent.ErrorCode = ev.ErrorCode
	intent.ErrorMessage = ev.ErrorMessage
	if target == StatusSettled {
		intent.SettledAt = occurred
	} else {
		intent.FailedAt = occurred
	}
	intent.UpdatedAt = time.Now().UTC()
	return nil
}

func (s *MemoryStore) CreateProof(_ context.Context, proof *Proof) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *proof
	s.proofs[proof.ID] = &cp
	return nil
}

func (s *MemoryStore) GetProof(_ context.Context, id string) (*Proof, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	proof, ok := s.proofs[id]
	if !ok {
		return nil, ErrProofNotFound
	}
	cp := *proof
	return &cp, nil
}

func (s *MemoryStore) ReviewProof(_ context.Context, id string, status ProofStatus, reviewerID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	proof, ok := s.proofs[id]
	if !ok || proof.Status != ProofPending {
		return ErrProofNotFound
	}
	now := time.Now().UTC()
	proof.Status = status
	proof.ReviewerID = reviewerID
	proof.ReviewedAt = &now
	return nil
}

func (s *MemoryStore) ListProofs(_ context.Context, intentID string) ([]*Proof, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var proofs []*Proof
	for _, proof := range s.proofs {
		if proof.IntentID == intentID {
			cp := *proof
			proofs = append(proofs, &cp)
		}
	}
	return proofs, nil
}

var _ Store = (*MemoryStore)(nil)
