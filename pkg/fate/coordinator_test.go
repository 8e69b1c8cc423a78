package fate

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Moirai-Labs/fates/core/pkg/contracts"
	"github.com/Moirai-Labs/fates/core/pkg/eventledger"
	"github.com/Moirai-Labs/fates/core/pkg/haltgate"
	"github.com/Moirai-Labs/fates/core/pkg/kernel/fault"
	"github.com/Moirai-Labs/fates/core/pkg/petition"
)

type failingWriter struct{ err error }

func (w *failingWriter) Write(context.Context, string, map[string]any) (*contracts.Event, error) {
	return nil, w.err
}

func seedPetition(t *testing.T, store petition.Store, state contracts.PetitionState) *contracts.Petition {
	t.Helper()
	p := &contracts.Petition{
		ID:        contracts.NewID(),
		Type:      contracts.PetitionTypeGeneral,
		Text:      "lower the toll on the east bridge",
		State:     state,
		Realm:     "governance",
		CreatedAt: time.Now().UTC(),
		UpdatedAt: time.Now().UTC(),
	}
	require.NoError(t, store.Save(context.Background(), p))
	return p
}

func newCoordinator(t *testing.T) (*Coordinator, petition.Store, *eventledger.MemoryLedger, *haltgate.Gate) {
	t.Helper()
	store := petition.NewMemoryStore()
	ledger := eventledger.NewMemoryLedger()
	gate := haltgate.New()
	c, err := NewCoordinator(store, ledger, gate)
	require.NoError(t, err)
	return c, store, ledger, gate
}

func TestNewCoordinatorRequiresWriter(t *testing.T) {
	_, err := NewCoordinator(petition.NewMemoryStore(), nil, haltgate.New())
	assert.Equal(t, fault.KindConfiguration, fault.KindOf(err))
}

func TestAssignFateWritesEvent(t *testing.T) {
	c, store, ledger, _ := newCoordinator(t)
	ctx := context.Background()
	p := seedPetition(t, store, contracts.StateDeliberating)

	updated, event, err := c.AssignFate(ctx, Request{
		PetitionID: p.ID,
		Expected:   contracts.StateDeliberating,
		Next:       contracts.StateAcknowledged,
		Actor:      "marquis:governance",
		FateReason: string(contracts.ReasonAddressed),
	})
	require.NoError(t, err)
	assert.Equal(t, contracts.StateAcknowledged, updated.State)
	require.NotNil(t, event)
	assert.Equal(t, contracts.EventPetitionFated, event.EventType)
	assert.Equal(t, p.ID, event.Payload["petition_id"])
	assert.Equal(t, "DELIBERATING", event.Payload["previous_state"])
	assert.Equal(t, "ACKNOWLEDGED", event.Payload["new_state"])

	events, err := ledger.FindByPetition(ctx, p.ID)
	require.NoError(t, err)
	assert.Len(t, events, 1)
}

func TestAssignFateRejectedWhileHalted(t *testing.T) {
	c, store, _, gate := newCoordinator(t)
	ctx := context.Background()
	p := seedPetition(t, store, contracts.StateDeliberating)

	_, err := gate.Halt(ctx, "operator", "incident")
	require.NoError(t, err)

	_, _, err = c.AssignFate(ctx, Request{
		PetitionID: p.ID,
		Expected:   contracts.StateDeliberating,
		Next:       contracts.StateAcknowledged,
		Actor:      "marquis:governance",
	})
	assert.Equal(t, fault.KindSystemHalted, fault.KindOf(err))

	// State untouched.
	got, err := store.Get(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, contracts.StateDeliberating, got.State)
}

func TestAssignFateRollsBackOnEmissionFailure(t *testing.T) {
	store := petition.NewMemoryStore()
	writer := &failingWriter{err: errors.New("ledger disk full")}
	c, err := NewCoordinator(store, writer, haltgate.New())
	require.NoError(t, err)

	ctx := context.Background()
	p := seedPetition(t, store, contracts.StateDeliberating)

	_, _, err = c.AssignFate(ctx, Request{
		PetitionID: p.ID,
		Expected:   contracts.StateDeliberating,
		Next:       contracts.StateAcknowledged,
		Actor:      "marquis:governance",
	})
	assert.Equal(t, fault.KindEventEmissionFailed, fault.KindOf(err))

	got, err := store.Get(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, contracts.StateDeliberating, got.State)
	assert.Empty(t, got.FateReason)
}

func TestAssignFateEscalationRequiresDetails(t *testing.T) {
	c, store, _, _ := newCoordinator(t)
	p := seedPetition(t, store, contracts.StateDeliberating)

	_, _, err := c.AssignFate(context.Background(), Request{
		PetitionID: p.ID,
		Expected:   contracts.StateDeliberating,
		Next:       contracts.StateEscalated,
		Actor:      "system",
	})
	assert.Equal(t, fault.KindValidation, fault.KindOf(err))
}

func TestAssignFateEscalationPopulatesTriple(t *testing.T) {
	c, store, _, _ := newCoordinator(t)
	ctx := context.Background()
	p := seedPetition(t, store, contracts.StateDeliberating)

	updated, _, err := c.AssignFate(ctx, Request{
		PetitionID: p.ID,
		Expected:   contracts.StateDeliberating,
		Next:       contracts.StateEscalated,
		Actor:      "system",
		FateReason: "co-signer threshold reached",
		Escalation: &petition.EscalationMark{
			Source:  contracts.EscalationSourceCoSignerThreshold,
			ToRealm: "crown",
		},
	})
	require.NoError(t, err)
	assert.Equal(t, contracts.StateEscalated, updated.State)
	assert.Equal(t, contracts.EscalationSourceCoSignerThreshold, updated.EscalationSource)
	assert.Equal(t, "crown", updated.EscalatedToRealm)
	require.NotNil(t, updated.EscalatedAt)
}

func TestAssignFateCASErrors(t *testing.T) {
	c, store, _, _ := newCoordinator(t)
	ctx := context.Background()

	_, _, err := c.AssignFate(ctx, Request{
		PetitionID: "missing",
		Expected:   contracts.StateDeliberating,
		Next:       contracts.StateAcknowledged,
		Actor:      "marquis:governance",
	})
	assert.Equal(t, fault.KindNotFound, fault.KindOf(err))

	fated := seedPetition(t, store, contracts.StateAcknowledged)
	_, _, err = c.AssignFate(ctx, Request{
		PetitionID: fated.ID,
		Expected:   contracts.StateDeliberating,
		Next:       contracts.StateReferred,
		Actor:      "marquis:governance",
	})
	assert.Equal(t, fault.KindAlreadyFated, fault.KindOf(err))

	stale := seedPetition(t, store, contracts.StateDeliberating)
	_, _, err = c.AssignFate(ctx, Request{
		PetitionID: stale.ID,
		Expected:   contracts.StateReceived,
		Next:       contracts.StateDeliberating,
		Actor:      "system",
	})
	assert.Equal(t, fault.KindConcurrentModification, fault.KindOf(err))
}

func TestHooksRunAfterCommit(t *testing.T) {
	c, store, _, _ := newCoordinator(t)
	ctx := context.Background()
	p := seedPetition(t, store, contracts.StateDeliberating)

	var hookPetition *contracts.Petition
	c.RegisterHook(func(_ context.Context, p *contracts.Petition, e *contracts.Event) {
		hookPetition = p
	})
	c.RegisterHook(func(context.Context, *contracts.Petition, *contracts.Event) {
		panic("observer bug")
	})

	updated, _, err := c.AssignFate(ctx, Request{
		PetitionID: p.ID,
		Expected:   contracts.StateDeliberating,
		Next:       contracts.StateDeferred,
		Actor:      "marquis:governance",
		FateReason: "awaiting budget cycle",
	})
	require.NoError(t, err)
	require.NotNil(t, hookPetition)
	assert.Equal(t, updated.ID, hookPetition.ID)
}

type rollbackFailingStore struct {
	petition.Store
}

func (s *rollbackFailingStore) UpdateState(context.Context, string, contracts.PetitionState) error {
	return errors.New("store unreachable")
}

func TestAssignFateClearsIntentOnCommit(t *testing.T) {
	c, store, _, _ := newCoordinator(t)
	ctx := context.Background()
	intents := NewMemoryIntentStore()
	c.WithJournal(intents, nil)
	p := seedPetition(t, store, contracts.StateDeliberating)

	_, _, err := c.AssignFate(ctx, Request{
		PetitionID: p.ID,
		Expected:   contracts.StateDeliberating,
		Next:       contracts.StateAcknowledged,
		Actor:      "marquis:governance",
	})
	require.NoError(t, err)

	pending, err := intents.List(ctx)
	require.NoError(t, err)
	assert.Empty(t, pending)
}

func TestAssignFateClearsIntentOnRollback(t *testing.T) {
	store := petition.NewMemoryStore()
	writer := &failingWriter{err: errors.New("ledger disk full")}
	c, err := NewCoordinator(store, writer, haltgate.New())
	require.NoError(t, err)
	intents := NewMemoryIntentStore()
	c.WithJournal(intents, nil)

	ctx := context.Background()
	p := seedPetition(t, store, contracts.StateDeliberating)

	_, _, err = c.AssignFate(ctx, Request{
		PetitionID: p.ID,
		Expected:   contracts.StateDeliberating,
		Next:       contracts.StateAcknowledged,
		Actor:      "marquis:governance",
	})
	assert.Equal(t, fault.KindEventEmissionFailed, fault.KindOf(err))

	// Rollback restored the state, so the intent is settled.
	pending, err := intents.List(ctx)
	require.NoError(t, err)
	assert.Empty(t, pending)
}

func TestRecoverRedrivesEventForFatedPetition(t *testing.T) {
	store := petition.NewMemoryStore()
	writer := &failingWriter{err: errors.New("ledger disk full")}
	broken, err := NewCoordinator(&rollbackFailingStore{Store: store}, writer, haltgate.New())
	require.NoError(t, err)
	intents := NewMemoryIntentStore()
	broken.WithJournal(intents, nil)

	ctx := context.Background()
	p := seedPetition(t, store, contracts.StateDeliberating)

	// The CAS lands, the event write fails, and the rollback fails too:
	// the petition is terminal with no witness, and the intent survives.
	_, _, err = broken.AssignFate(ctx, Request{
		PetitionID: p.ID,
		Expected:   contracts.StateDeliberating,
		Next:       contracts.StateAcknowledged,
		Actor:      "marquis:governance",
		FateReason: string(contracts.ReasonAddressed),
	})
	assert.Equal(t, fault.KindEventEmissionFailed, fault.KindOf(err))

	got, err := store.Get(ctx, p.ID)
	require.NoError(t, err)
	require.Equal(t, contracts.StateAcknowledged, got.State)
	pending, err := intents.List(ctx)
	require.NoError(t, err)
	require.Len(t, pending, 1)

	// A restarted node with a healthy ledger settles the journal.
	ledger := eventledger.NewMemoryLedger()
	healthy, err := NewCoordinator(store, ledger, haltgate.New())
	require.NoError(t, err)
	healthy.WithJournal(intents, ledger)
	require.NoError(t, healthy.Recover(ctx))

	events, err := ledger.FindByPetition(ctx, p.ID)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, contracts.EventPetitionFated, events[0].EventType)
	assert.Equal(t, "ACKNOWLEDGED", events[0].Payload["new_state"])
	assert.Equal(t, "marquis:governance", events[0].Payload["actor"])

	pending, err = intents.List(ctx)
	require.NoError(t, err)
	assert.Empty(t, pending)
}

func TestRecoverSkipsWitnessedAndSettledIntents(t *testing.T) {
	c, store, ledger, _ := newCoordinator(t)
	ctx := context.Background()
	intents := NewMemoryIntentStore()
	c.WithJournal(intents, ledger)

	// Witnessed: petition fated and its event already on the ledger.
	fated := seedPetition(t, store, contracts.StateAcknowledged)
	_, err := ledger.Write(ctx, contracts.EventPetitionFated, map[string]any{
		"petition_id":    fated.ID,
		"previous_state": "DELIBERATING",
		"new_state":      "ACKNOWLEDGED",
		"actor":          "marquis:governance",
	})
	require.NoError(t, err)
	require.NoError(t, intents.Save(ctx, Intent{
		ID:         contracts.NewID(),
		PetitionID: fated.ID,
		Expected:   contracts.StateDeliberating,
		Next:       contracts.StateAcknowledged,
		Actor:      "marquis:governance",
		CreatedAt:  time.Now().UTC(),
	}))

	// Settled: the rollback restored the expected state before the crash.
	rolledBack := seedPetition(t, store, contracts.StateDeliberating)
	require.NoError(t, intents.Save(ctx, Intent{
		ID:         contracts.NewID(),
		PetitionID: rolledBack.ID,
		Expected:   contracts.StateDeliberating,
		Next:       contracts.StateReferred,
		Actor:      "knight-referral:eastmarch",
		CreatedAt:  time.Now().UTC(),
	}))

	require.NoError(t, c.Recover(ctx))

	events, err := ledger.List(ctx)
	require.NoError(t, err)
	assert.Len(t, events, 1)
	pending, err := intents.List(ctx)
	require.NoError(t, err)
	assert.Empty(t, pending)
}

func TestEmitSecondaryNeverFailsCaller(t *testing.T) {
	store := petition.NewMemoryStore()
	writer := &failingWriter{err: errors.New("ledger down")}
	c, err := NewCoordinator(store, writer, haltgate.New())
	require.NoError(t, err)

	event := c.EmitSecondary(context.Background(), contracts.EventPetitionWithdrawn, map[string]any{
		"petition_id": "p-1", "requester_id": "citizen-1",
	})
	assert.Nil(t, event)
}
