// Package referral sends a petition to a Knight of another realm with a
// durable deadline. The timeout handler expires unanswered referrals
// and auto-acknowledges the petition.
package referral

import (
	"context"
	"sync"

	"github.com/Moirai-Labs/fates/core/pkg/contracts"
	"github.com/Moirai-Labs/fates/core/pkg/kernel/fault"
)

// Store persists referrals. One referral per petition.
type Store interface {
	Save(ctx context.Context, r *contracts.Referral) error
	Get(ctx context.Context, id string) (*contracts.Referral, error)
	GetByPetition(ctx context.Context, petitionID string) (*contracts.Referral, error)
	// UpdateStatus moves status from one value to another; reports
	// whether the row actually changed. The conditional form is what
	// makes the timeout handler idempotent.
	UpdateStatus(ctx context.Context, id string, from, to contracts.ReferralStatus) (bool, error)
}

// MemoryStore is the in-memory Store.
type MemoryStore struct {
	mu         sync.Mutex
	byID       map[string]*contracts.Referral
	byPetition map[string]string
}

// NewMemoryStore creates an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		byID:       make(map[string]*contracts.Referral),
		byPetition: make(map[string]string),
	}
}

func (s *MemoryStore) Save(_ context.Context, r *contracts.Referral) error {
	if r.ID == "" || r.PetitionID == "" {
		return fault.New(fault.KindValidation, "referral requires id and petition_id")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.byPetition[r.PetitionID]; exists {
		return fault.New(fault.KindConflict, "petition %s is already referred", r.PetitionID)
	}
	cp := *r
	s.byID[r.ID] = &cp
	s.byPetition[r.PetitionID] = r.ID
	return nil
}

func (s *MemoryStore) Get(_ context.Context, id string) (*contracts.Referral, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.byID[id]
	if !ok {
		return nil, fault.New(fault.KindNotFound, "referral %s not found", id)
	}
	cp := *r
	return &cp, nil
}

func (s *MemoryStore) GetByPetition(_ context.Context, petitionID string) (*contracts.Referral, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id, ok := s.byPetition[petitionID]
	if !ok {
		return nil, fault.New(fault.KindNotFound, "no referral for petition %s", petitionID)
	}
	cp := *s.byID[id]
	return &cp, nil
}

func (s *MemoryStore) UpdateStatus(_ context.Context, id string, from, to contracts.ReferralStatus) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.byID[id]
	if !ok {
		return false, fault.New(fault.KindNotFound, "referral %s not found", id)
	}
	if r.Status != from {
		return false, nil
	}
	r.Status = to
	return true, nil
}

var _ Store = (*MemoryStore)(nil)
