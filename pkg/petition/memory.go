package petition

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/Moirai-Labs/fates/core/pkg/contracts"
	"github.com/Moirai-Labs/fates/core/pkg/kernel/fault"
	"github.com/Moirai-Labs/fates/core/pkg/statemachine"
)

// MemoryStore is an in-memory Store with semantics identical to the SQL
// implementations. Used in tests and single-process deployments.
type MemoryStore struct {
	mu        sync.Mutex
	petitions map[string]*contracts.Petition
	cosigners map[string]map[string]bool
	clock     func() time.Time
}

// NewMemoryStore creates an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		petitions: make(map[string]*contracts.Petition),
		cosigners: make(map[string]map[string]bool),
		clock:     time.Now,
	}
}

// WithClock overrides the clock for deterministic testing.
func (s *MemoryStore) WithClock(clock func() time.Time) *MemoryStore {
	s.clock = clock
	return s
}

func (s *MemoryStore) Save(_ context.Context, p *contracts.Petition) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.petitions[p.ID]; exists {
		return fault.New(fault.KindConflict, "petition %s already exists", p.ID)
	}
	s.petitions[p.ID] = p.Clone()
	return nil
}

func (s *MemoryStore) Get(_ context.Context, id string) (*contracts.Petition, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.petitions[id]
	if !ok {
		return nil, fault.New(fault.KindNotFound, "petition %s not found", id)
	}
	return p.Clone(), nil
}

func (s *MemoryStore) ListByState(_ context.Context, state contracts.PetitionState, limit, offset int) ([]*contracts.Petition, int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var matched []*contracts.Petition
	for _, p := range s.petitions {
		if p.State == state {
			matched = append(matched, p)
		}
	}
	sort.Slice(matched, func(i, j int) bool {
		if !matched[i].CreatedAt.Equal(matched[j].CreatedAt) {
			return matched[i].CreatedAt.After(matched[j].CreatedAt)
		}
		return matched[i].ID > matched[j].ID
	})

	total := len(matched)
	if offset >= total {
		return nil, total, nil
	}
	end := offset + limit
	if limit <= 0 || end > total {
		end = total
	}
	out := make([]*contracts.Petition, 0, end-offset)
	for _, p := range matched[offset:end] {
		out = append(out, p.Clone())
	}
	return out, total, nil
}

func (s *MemoryStore) UpdateState(_ context.Context, id string, state contracts.PetitionState) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.petitions[id]
	if !ok {
		return fault.New(fault.KindNotFound, "petition %s not found", id)
	}
	p.State = state
	p.UpdatedAt = s.clock().UTC()
	if !statemachine.IsTerminal(state) {
		p.FateReason = ""
		p.EscalationSource = ""
		p.EscalatedAt = nil
		p.EscalatedToRealm = ""
	}
	return nil
}

func (s *MemoryStore) AssignFateCAS(_ context.Context, id string, expected, next contracts.PetitionState, fateReason string, esc *EscalationMark) (*contracts.Petition, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.petitions[id]
	if !ok {
		return nil, fault.New(fault.KindNotFound, "petition %s not found", id)
	}
	if statemachine.IsTerminal(p.State) {
		return nil, fault.New(fault.KindAlreadyFated, "petition %s already fated as %s", id, p.State)
	}
	if err := statemachine.ValidateTransition(p.State, next); err != nil {
		return nil, err
	}
	if p.State != expected {
		return nil, fault.New(fault.KindConcurrentModification,
			"petition %s is %s, expected %s; re-read and retry", id, p.State, expected)
	}

	now := s.clock().UTC()
	p.State = next
	p.UpdatedAt = now
	if statemachine.IsTerminal(next) && fateReason != "" {
		p.FateReason = fateReason
	}
	if next == contracts.StateEscalated && esc != nil {
		// COALESCE semantics: never overwrite an already-set triple.
		if p.EscalationSource == "" {
			p.EscalationSource = esc.Source
		}
		if p.EscalatedAt == nil {
			t := now
			p.EscalatedAt = &t
		}
		if p.EscalatedToRealm == "" {
			p.EscalatedToRealm = esc.ToRealm
		}
	}
	return p.Clone(), nil
}

func (s *MemoryStore) MarkAdopted(_ context.Context, id, motionID, kingID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.petitions[id]
	if !ok {
		return fault.New(fault.KindNotFound, "petition %s not found", id)
	}
	if p.AdoptedAsMotionID != "" {
		return fault.New(fault.KindConflict, "petition %s already adopted as motion %s", id, p.AdoptedAsMotionID)
	}
	now := s.clock().UTC()
	p.AdoptedAsMotionID = motionID
	p.AdoptedAt = &now
	p.AdoptedByKingID = kingID
	return nil
}

func (s *MemoryStore) FindByState(_ context.Context, state contracts.PetitionState, receivedBefore *time.Time) ([]*contracts.Petition, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []*contracts.Petition
	for _, p := range s.petitions {
		if p.State != state {
			continue
		}
		if receivedBefore != nil && !p.CreatedAt.Before(*receivedBefore) {
			continue
		}
		out = append(out, p.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (s *MemoryStore) QueueDepth(_ context.Context, state *contracts.PetitionState) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if state == nil {
		return len(s.petitions), nil
	}
	n := 0
	for _, p := range s.petitions {
		if p.State == *state {
			n++
		}
	}
	return n, nil
}

func (s *MemoryStore) AddCoSigner(_ context.Context, petitionID, signerID string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.petitions[petitionID]
	if !ok {
		return 0, fault.New(fault.KindNotFound, "petition %s not found", petitionID)
	}
	if statemachine.IsTerminal(p.State) {
		return 0, fault.New(fault.KindAlreadyFated, "petition %s already fated as %s", petitionID, p.State)
	}
	signers := s.cosigners[petitionID]
	if signers == nil {
		signers = make(map[string]bool)
		s.cosigners[petitionID] = signers
	}
	if signers[signerID] {
		return 0, fault.New(fault.KindConflict, "signer %s already co-signed petition %s", signerID, petitionID)
	}
	signers[signerID] = true
	p.CoSignerCount++
	p.UpdatedAt = s.clock().UTC()
	return p.CoSignerCount, nil
}

func (s *MemoryStore) ListEscalated(_ context.Context, realm string, after *EscalationCursor, limit int) ([]*contracts.Petition, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var matched []*contracts.Petition
	for _, p := range s.petitions {
		if p.State != contracts.StateEscalated || p.EscalatedToRealm != realm || p.EscalatedAt == nil {
			continue
		}
		if after != nil && !escalatedAfter(p, after) {
			continue
		}
		matched = append(matched, p)
	}
	sort.Slice(matched, func(i, j int) bool {
		if !matched[i].EscalatedAt.Equal(*matched[j].EscalatedAt) {
			return matched[i].EscalatedAt.Before(*matched[j].EscalatedAt)
		}
		return matched[i].ID < matched[j].ID
	})
	if limit > 0 && len(matched) > limit {
		matched = matched[:limit]
	}
	out := make([]*contracts.Petition, 0, len(matched))
	for _, p := range matched {
		out = append(out, p.Clone())
	}
	return out, nil
}

// escalatedAfter implements the lexicographic (escalated_at, id) > cursor
// comparison.
func escalatedAfter(p *contracts.Petition, c *EscalationCursor) bool {
	if p.EscalatedAt.After(c.EscalatedAt) {
		return true
	}
	if p.EscalatedAt.Equal(c.EscalatedAt) {
		return p.ID > c.PetitionID
	}
	return false
}

var _ Store = (*MemoryStore)(nil)
