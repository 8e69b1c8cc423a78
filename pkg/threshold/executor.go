package threshold

import (
	"context"
	"log/slog"
	"time"

	"github.com/Moirai-Labs/fates/core/pkg/contracts"
	"github.com/Moirai-Labs/fates/core/pkg/fate"
	"github.com/Moirai-Labs/fates/core/pkg/haltgate"
	"github.com/Moirai-Labs/fates/core/pkg/kernel/fault"
	"github.com/Moirai-Labs/fates/core/pkg/petition"
)

// SessionSource resolves the active deliberation session for a
// petition, if any. Optional; without one, cancellation events carry no
// session or participant details.
type SessionSource interface {
	ActiveSession(ctx context.Context, petitionID string) (*contracts.DeliberationSession, error)
}

// Result reports what the executor did.
type Result struct {
	Triggered        bool
	AlreadyEscalated bool
	EscalationID     string
	Petition         *contracts.Petition
}

// Executor escalates petitions whose co-signer threshold was reached.
// All terminalization goes through the fate coordinator; the executor
// only decides and emits the escalation-specific events.
type Executor struct {
	store       petition.Store
	coordinator *fate.Coordinator
	halt        haltgate.Checker
	sessions    SessionSource
	observer    func(ctx context.Context, source contracts.EscalationSource)
	logger      *slog.Logger
	clock       func() time.Time
}

// NewExecutor wires the executor.
func NewExecutor(store petition.Store, coordinator *fate.Coordinator, halt haltgate.Checker) *Executor {
	return &Executor{
		store:       store,
		coordinator: coordinator,
		halt:        halt,
		logger:      slog.Default(),
		clock:       time.Now,
	}
}

// WithSessions attaches a deliberation session source.
func (e *Executor) WithSessions(s SessionSource) *Executor {
	e.sessions = s
	return e
}

// WithObserver registers a callback fired after each escalation, used
// for metrics.
func (e *Executor) WithObserver(fn func(ctx context.Context, source contracts.EscalationSource)) *Executor {
	e.observer = fn
	return e
}

// WithLogger overrides the default logger.
func (e *Executor) WithLogger(l *slog.Logger) *Executor {
	if l != nil {
		e.logger = l
	}
	return e
}

// WithClock overrides the clock for deterministic testing.
func (e *Executor) WithClock(clock func() time.Time) *Executor {
	e.clock = clock
	return e
}

// Execute escalates the petition if its state still permits it.
// Redelivery is safe: an already-ESCALATED petition is a no-op success,
// and a petition that raced into any other state returns un-triggered.
func (e *Executor) Execute(ctx context.Context, petitionID string, triggerType contracts.PetitionType, coSignerCount, thresholdValue int, triggeredBy string) (*Result, error) {
	if err := haltgate.Guard(e.halt); err != nil {
		return nil, err
	}

	p, err := e.store.Get(ctx, petitionID)
	if err != nil {
		return nil, err
	}

	if p.State == contracts.StateEscalated {
		return &Result{AlreadyEscalated: true, Petition: p}, nil
	}
	if p.State != contracts.StateReceived && p.State != contracts.StateDeliberating {
		e.logger.Info("threshold reached but petition no longer escalatable",
			"petition_id", petitionID, "state", p.State)
		return &Result{Petition: p}, nil
	}

	escalationID := contracts.NewID()

	var cancelled *contracts.DeliberationCancelled
	if p.State == contracts.StateDeliberating {
		cancelled = &contracts.DeliberationCancelled{
			PetitionID:          petitionID,
			CancelReason:        contracts.CancelReasonAutoEscalated,
			TranscriptPreserved: true,
			EscalationID:        escalationID,
		}
		if e.sessions != nil {
			if session, err := e.sessions.ActiveSession(ctx, petitionID); err == nil && session != nil {
				cancelled.SessionID = session.ID
				cancelled.ParticipantIDs = session.ParticipantIDs
			}
		}
		if err := cancelled.Validate(); err != nil {
			return nil, fault.Wrap(fault.KindValidation, err, "cancellation for petition %s", petitionID)
		}
	}

	updated, _, err := e.coordinator.AssignFate(ctx, fate.Request{
		PetitionID: petitionID,
		Expected:   p.State,
		Next:       contracts.StateEscalated,
		Actor:      "system:threshold",
		FateReason: "co-signer threshold reached",
		Escalation: &petition.EscalationMark{
			Source:  contracts.EscalationSourceCoSignerThreshold,
			ToRealm: p.Realm,
		},
	})
	if err != nil {
		// A concurrent escalation winning the race is still success.
		if fault.IsKind(err, fault.KindAlreadyFated) || fault.IsKind(err, fault.KindConcurrentModification) {
			if current, getErr := e.store.Get(ctx, petitionID); getErr == nil && current.State == contracts.StateEscalated {
				return &Result{AlreadyEscalated: true, Petition: current}, nil
			}
		}
		return nil, err
	}

	e.coordinator.EmitSecondary(ctx, contracts.EventEscalationTriggered, map[string]any{
		"petition_id":       petitionID,
		"escalation_id":     escalationID,
		"trigger_type":      string(triggerType),
		"co_signer_count":   coSignerCount,
		"threshold":         thresholdValue,
		"triggered_at":      e.clock().UTC().Format(time.RFC3339Nano),
		"triggered_by":      triggeredBy,
		"petition_type":     string(p.Type),
		"escalation_source": string(contracts.EscalationSourceCoSignerThreshold),
		"realm_id":          p.Realm,
	})
	if cancelled != nil {
		e.coordinator.EmitSecondary(ctx, contracts.EventDeliberationCancelled, cancelled.EventPayload())
	}
	if e.observer != nil {
		e.observer(ctx, contracts.EscalationSourceCoSignerThreshold)
	}

	return &Result{Triggered: true, EscalationID: escalationID, Petition: updated}, nil
}
