package eventledger

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/Moirai-Labs/fates/core/pkg/canonicalize"
	"github.com/Moirai-Labs/fates/core/pkg/contracts"
	"github.com/Moirai-Labs/fates/core/pkg/hashing"
	"github.com/Moirai-Labs/fates/core/pkg/kernel/fault"
)

// seal validates the payload, canonicalizes it, and produces the witnessed
// event record. Shared by every backend.
func seal(eventType string, payload map[string]any, now time.Time) (*contracts.Event, []byte, error) {
	if payload == nil {
		payload = map[string]any{}
	}
	canonical, err := canonicalize.Canonical(payload)
	if err != nil {
		return nil, nil, fault.Wrap(fault.KindEventEmissionFailed, err,
			"event emission failed: canonicalize %s", eventType)
	}

	schema, ok := SchemaFor(eventType)
	if !ok {
		return nil, nil, fault.New(fault.KindValidation, "unknown event type %q", eventType)
	}
	var decoded any
	if err := json.Unmarshal(canonical, &decoded); err != nil {
		return nil, nil, fault.Wrap(fault.KindEventEmissionFailed, err,
			"event emission failed: decode canonical %s", eventType)
	}
	if err := schema.Validate(decoded); err != nil {
		return nil, nil, fault.Wrap(fault.KindValidation, err,
			"payload for %s violates its schema", eventType)
	}

	// Re-decode the canonical bytes so the stored payload matches the
	// hashed bytes exactly, whatever Go types the caller passed.
	var canonicalPayload map[string]any
	if err := json.Unmarshal(canonical, &canonicalPayload); err != nil {
		return nil, nil, fault.Wrap(fault.KindEventEmissionFailed, err,
			"event emission failed: rebuild payload %s", eventType)
	}

	event := &contracts.Event{
		EventID:       contracts.NewID(),
		EventType:     eventType,
		Payload:       canonicalPayload,
		WitnessHash:   hashing.Format(hashing.Hash(canonical)),
		SchemaVersion: contracts.SchemaVersion,
		EmittedAt:     now.UTC(),
	}
	return event, canonical, nil
}

// VerifyEvent recomputes the witness hash of an event from its payload.
func VerifyEvent(e *contracts.Event) error {
	canonical, err := canonicalize.Canonical(e.Payload)
	if err != nil {
		return fmt.Errorf("eventledger: canonicalize event %s: %w", e.EventID, err)
	}
	want := hashing.Format(hashing.Hash(canonical))
	if want != e.WitnessHash {
		return fmt.Errorf("eventledger: witness hash mismatch on event %s: stored %s, computed %s",
			e.EventID, e.WitnessHash, want)
	}
	return nil
}

// MemoryLedger is the in-memory Writer+Reader used by tests and
// single-process deployments.
type MemoryLedger struct {
	mu     sync.Mutex
	events []contracts.Event
	clock  func() time.Time
}

// NewMemoryLedger creates an empty ledger.
func NewMemoryLedger() *MemoryLedger {
	return &MemoryLedger{clock: time.Now}
}

// WithClock overrides the clock for deterministic testing.
func (l *MemoryLedger) WithClock(clock func() time.Time) *MemoryLedger {
	l.clock = clock
	return l
}

func (l *MemoryLedger) Write(_ context.Context, eventType string, payload map[string]any) (*contracts.Event, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	event, _, err := seal(eventType, payload, l.clock())
	if err != nil {
		return nil, err
	}
	l.events = append(l.events, *event)
	return event, nil
}

func (l *MemoryLedger) List(_ context.Context) ([]contracts.Event, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]contracts.Event, len(l.events))
	copy(out, l.events)
	return out, nil
}

func (l *MemoryLedger) FindByPetition(_ context.Context, petitionID string) ([]contracts.Event, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []contracts.Event
	for _, e := range l.events {
		if id, ok := e.Payload["petition_id"].(string); ok && id == petitionID {
			out = append(out, e)
		}
	}
	return out, nil
}

// Verify walks the whole ledger recomputing every witness hash.
func (l *MemoryLedger) Verify(ctx context.Context) error {
	events, err := l.List(ctx)
	if err != nil {
		return err
	}
	for i := range events {
		if err := VerifyEvent(&events[i]); err != nil {
			return err
		}
	}
	return nil
}

var (
	_ Writer = (*MemoryLedger)(nil)
	_ Reader = (*MemoryLedger)(nil)
)
