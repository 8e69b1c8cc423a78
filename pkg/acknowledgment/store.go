// Package acknowledgment records and executes petition acknowledgments:
// the Marquis archon path, the King escalation path, and system codes
// produced by internal workflows.
package acknowledgment

import (
	"context"
	"sync"

	"github.com/Moirai-Labs/fates/core/pkg/contracts"
	"github.com/Moirai-Labs/fates/core/pkg/kernel/fault"
)

// Store persists acknowledgments. One acknowledgment per petition,
// enforced by the store.
type Store interface {
	Save(ctx context.Context, ack *contracts.Acknowledgment) error
	GetByPetition(ctx context.Context, petitionID string) (*contracts.Acknowledgment, error)
}

// MemoryStore is the in-memory Store.
type MemoryStore struct {
	mu         sync.Mutex
	byPetition map[string]*contracts.Acknowledgment
}

// NewMemoryStore creates an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{byPetition: make(map[string]*contracts.Acknowledgment)}
}

func (s *MemoryStore) Save(_ context.Context, ack *contracts.Acknowledgment) error {
	if ack.ID == "" || ack.PetitionID == "" {
		return fault.New(fault.KindValidation, "acknowledgment requires id and petition_id")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.byPetition[ack.PetitionID]; exists {
		return fault.New(fault.KindConflict, "petition %s is already acknowledged", ack.PetitionID)
	}
	cp := *ack
	if ack.AcknowledgingArchonIDs != nil {
		cp.AcknowledgingArchonIDs = append([]string(nil), ack.AcknowledgingArchonIDs...)
	}
	s.byPetition[ack.PetitionID] = &cp
	return nil
}

func (s *MemoryStore) GetByPetition(_ context.Context, petitionID string) (*contracts.Acknowledgment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ack, ok := s.byPetition[petitionID]
	if !ok {
		return nil, fault.New(fault.KindNotFound, "no acknowledgment for petition %s", petitionID)
	}
	cp := *ack
	if ack.AcknowledgingArchonIDs != nil {
		cp.AcknowledgingArchonIDs = append([]string(nil), ack.AcknowledgingArchonIDs...)
	}
	return &cp, nil
}

var _ Store = (*MemoryStore)(nil)
