package fate

import (
	"context"
	"sync"
	"time"

	"github.com/Moirai-Labs/fates/core/pkg/contracts"
)

// Intent is a write-ahead record of a fate transition. It is journaled
// before the state CAS and cleared once the fate event is durably
// written (or the CAS is rolled back). An intent that survives a crash
// marks a transition whose event may never have landed; Recover
// consults the journal on startup and re-drives the missing event.
type Intent struct {
	ID               string                     `json:"id"`
	PetitionID       string                     `json:"petition_id"`
	Expected         contracts.PetitionState    `json:"expected"`
	Next             contracts.PetitionState    `json:"next"`
	Actor            string                     `json:"actor"`
	FateReason       string                     `json:"fate_reason"`
	EscalationSource contracts.EscalationSource `json:"escalation_source,omitempty"`
	EscalationRealm  string                     `json:"escalation_realm,omitempty"`
	CreatedAt        time.Time                  `json:"created_at"`
}

// IntentStore persists pending intents. Save must be durable before it
// returns; the journal is the crash-safety anchor of the fate path.
type IntentStore interface {
	Save(ctx context.Context, intent Intent) error
	Delete(ctx context.Context, id string) error
	List(ctx context.Context) ([]Intent, error)
}

// MemoryIntentStore is the in-memory IntentStore used by tests.
type MemoryIntentStore struct {
	mu      sync.Mutex
	intents map[string]Intent
}

// NewMemoryIntentStore creates an empty journal.
func NewMemoryIntentStore() *MemoryIntentStore {
	return &MemoryIntentStore{intents: make(map[string]Intent)}
}

func (s *MemoryIntentStore) Save(_ context.Context, intent Intent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.intents[intent.ID] = intent
	return nil
}

func (s *MemoryIntentStore) Delete(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.intents, id)
	return nil
}

func (s *MemoryIntentStore) List(_ context.Context) ([]Intent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Intent, 0, len(s.intents))
	for _, in := range s.intents {
		out = append(out, in)
	}
	return out, nil
}

var _ IntentStore = (*MemoryIntentStore)(nil)
