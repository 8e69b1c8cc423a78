// Package fate holds the coordinator, the only component allowed to
// move a petition between states. Every transition is a CAS against the
// petition store followed by a witnessed ledger event; if the event
// cannot be written the transition is rolled back. A write-ahead intent
// journal covers the gap between the two writes across process crashes:
// Recover re-drives the event for any intent whose state commit landed
// without its witness.
package fate

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/Moirai-Labs/fates/core/pkg/contracts"
	"github.com/Moirai-Labs/fates/core/pkg/eventledger"
	"github.com/Moirai-Labs/fates/core/pkg/haltgate"
	"github.com/Moirai-Labs/fates/core/pkg/kernel/fault"
	"github.com/Moirai-Labs/fates/core/pkg/petition"
)

// Request describes one transition attempt.
type Request struct {
	PetitionID string
	Expected   contracts.PetitionState
	Next       contracts.PetitionState
	Actor      string
	FateReason string
	// Escalation must be set when Next is ESCALATED.
	Escalation *petition.EscalationMark
}

// Hook observes committed transitions. Hooks run after the event is
// durably written; a panicking or slow hook cannot undo the fate.
type Hook func(ctx context.Context, p *contracts.Petition, e *contracts.Event)

// Coordinator serializes fate assignment. Construction fails without an
// event writer because a fate that cannot be witnessed must not happen.
type Coordinator struct {
	mu      sync.Mutex
	store   petition.Store
	events  eventledger.Writer
	halt    haltgate.Checker
	intents IntentStore
	reader  eventledger.Reader
	logger  *slog.Logger
	clock   func() time.Time
	hooks   []Hook
}

// NewCoordinator wires the coordinator. A nil event writer is a
// configuration fault; the node refuses to start without one.
func NewCoordinator(store petition.Store, events eventledger.Writer, halt haltgate.Checker) (*Coordinator, error) {
	if store == nil {
		return nil, fault.New(fault.KindConfiguration, "fate coordinator requires a petition store")
	}
	if events == nil {
		return nil, fault.New(fault.KindConfiguration, "fate coordinator requires an event writer")
	}
	return &Coordinator{
		store:  store,
		events: events,
		halt:   halt,
		logger: slog.Default(),
		clock:  time.Now,
	}, nil
}

// WithJournal attaches the write-ahead intent journal and the ledger
// reader Recover uses to decide whether a fate event landed. Without a
// journal the coordinator is crash-safe only within one process.
func (c *Coordinator) WithJournal(intents IntentStore, reader eventledger.Reader) *Coordinator {
	c.intents = intents
	c.reader = reader
	return c
}

// WithLogger overrides the default logger.
func (c *Coordinator) WithLogger(l *slog.Logger) *Coordinator {
	if l != nil {
		c.logger = l
	}
	return c
}

// WithClock overrides the clock for deterministic testing.
func (c *Coordinator) WithClock(clock func() time.Time) *Coordinator {
	c.clock = clock
	return c
}

// RegisterHook adds a post-commit observer.
func (c *Coordinator) RegisterHook(h Hook) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.hooks = append(c.hooks, h)
}

// AssignFate performs the transition. Order of checks: halt gate, then
// the store's CAS (existence, terminality, matrix, expected match),
// then the ledger write. A failed ledger write rolls the state back and
// surfaces as an event-emission fault.
func (c *Coordinator) AssignFate(ctx context.Context, req Request) (*contracts.Petition, *contracts.Event, error) {
	if err := haltgate.Guard(c.halt); err != nil {
		return nil, nil, err
	}
	if req.PetitionID == "" {
		return nil, nil, fault.New(fault.KindValidation, "petition id is required")
	}
	if req.Actor == "" {
		return nil, nil, fault.New(fault.KindValidation, "actor is required")
	}
	if req.Next == contracts.StateEscalated && req.Escalation == nil {
		return nil, nil, fault.New(fault.KindValidation,
			"escalation details are required when escalating petition %s", req.PetitionID)
	}

	// The intent is durable before the CAS so a crash between the state
	// commit and the event append leaves a journal entry for Recover.
	var intentID string
	if c.intents != nil {
		intent := Intent{
			ID:         contracts.NewID(),
			PetitionID: req.PetitionID,
			Expected:   req.Expected,
			Next:       req.Next,
			Actor:      req.Actor,
			FateReason: req.FateReason,
			CreatedAt:  c.clock().UTC(),
		}
		if req.Escalation != nil {
			intent.EscalationSource = req.Escalation.Source
			intent.EscalationRealm = req.Escalation.ToRealm
		}
		if err := c.intents.Save(ctx, intent); err != nil {
			return nil, nil, fault.Wrap(fault.KindTransient, err,
				"fate intent for petition %s not journaled", req.PetitionID)
		}
		intentID = intent.ID
	}

	updated, err := c.store.AssignFateCAS(ctx, req.PetitionID, req.Expected, req.Next, req.FateReason, req.Escalation)
	if err != nil {
		c.clearIntent(ctx, intentID)
		return nil, nil, err
	}

	event, emitErr := c.events.Write(ctx, contracts.EventPetitionFated,
		fatePayload(req.PetitionID, req.Expected, req.Next, req.Actor, req.FateReason))
	if emitErr != nil {
		c.logger.Error("fate event emission failed, rolling back",
			"petition_id", req.PetitionID,
			"from", req.Expected, "to", req.Next, "error", emitErr)
		if rbErr := c.store.UpdateState(ctx, req.PetitionID, req.Expected); rbErr != nil {
			// The petition is now fated without a witness. The intent
			// stays journaled so Recover re-drives the event on restart.
			c.logger.Error("rollback after emission failure also failed",
				"petition_id", req.PetitionID, "error", rbErr)
		} else {
			c.clearIntent(ctx, intentID)
		}
		return nil, nil, fault.Wrap(fault.KindEventEmissionFailed, emitErr,
			"event emission failed for petition %s, transition rolled back", req.PetitionID)
	}
	c.clearIntent(ctx, intentID)

	c.logger.Info("petition transitioned",
		"petition_id", req.PetitionID,
		"from", req.Expected, "to", req.Next, "actor", req.Actor)

	c.runHooks(ctx, updated, event)
	return updated, event, nil
}

// Recover replays the intent journal. For every pending intent whose
// petition reached the intended state without a matching fate event,
// the missing event is written; everything else is a settled intent and
// is cleared. Run once on startup before serving traffic.
func (c *Coordinator) Recover(ctx context.Context) error {
	if c.intents == nil {
		return nil
	}
	pending, err := c.intents.List(ctx)
	if err != nil {
		return err
	}
	for _, in := range pending {
		p, err := c.store.Get(ctx, in.PetitionID)
		if err != nil {
			if fault.IsKind(err, fault.KindNotFound) {
				c.clearIntent(ctx, in.ID)
				continue
			}
			return err
		}
		if p.State == in.Next && c.reader != nil {
			witnessed, err := c.hasFateEvent(ctx, in)
			if err != nil {
				return err
			}
			if !witnessed {
				if _, err := c.events.Write(ctx, contracts.EventPetitionFated,
					fatePayload(in.PetitionID, in.Expected, in.Next, in.Actor, in.FateReason)); err != nil {
					return fault.Wrap(fault.KindEventEmissionFailed, err,
						"recovery event for petition %s not written", in.PetitionID)
				}
				c.logger.Warn("fate event re-driven from intent journal",
					"petition_id", in.PetitionID, "from", in.Expected, "to", in.Next)
			}
		}
		c.clearIntent(ctx, in.ID)
	}
	return nil
}

func (c *Coordinator) hasFateEvent(ctx context.Context, in Intent) (bool, error) {
	events, err := c.reader.FindByPetition(ctx, in.PetitionID)
	if err != nil {
		return false, err
	}
	for _, ev := range events {
		if ev.EventType != contracts.EventPetitionFated {
			continue
		}
		if ev.Payload["new_state"] == string(in.Next) {
			return true, nil
		}
	}
	return false, nil
}

func (c *Coordinator) clearIntent(ctx context.Context, intentID string) {
	if c.intents == nil || intentID == "" {
		return
	}
	if err := c.intents.Delete(ctx, intentID); err != nil {
		// A stale intent is settled as a no-op by the next Recover.
		c.logger.Warn("fate intent not cleared", "intent_id", intentID, "error", err)
	}
}

func fatePayload(petitionID string, expected, next contracts.PetitionState, actor, fateReason string) map[string]any {
	payload := map[string]any{
		"petition_id":    petitionID,
		"previous_state": string(expected),
		"new_state":      string(next),
		"actor":          actor,
	}
	if fateReason != "" {
		payload["fate_reason"] = fateReason
	}
	return payload
}

// EmitSecondary writes a best-effort domain event after a committed
// transition. Failure is logged, never propagated; the generic fate
// event already witnessed the transition.
func (c *Coordinator) EmitSecondary(ctx context.Context, eventType string, payload map[string]any) *contracts.Event {
	event, err := c.events.Write(ctx, eventType, payload)
	if err != nil {
		c.logger.Warn("secondary event emission failed",
			"event_type", eventType, "error", err)
		return nil
	}
	return event
}

func (c *Coordinator) runHooks(ctx context.Context, p *contracts.Petition, e *contracts.Event) {
	c.mu.Lock()
	hooks := make([]Hook, len(c.hooks))
	copy(hooks, c.hooks)
	c.mu.Unlock()

	for _, h := range hooks {
		func() {
			defer func() {
				if r := recover(); r != nil {
					c.logger.Error("fate hook panicked", "petition_id", p.ID, "panic", r)
				}
			}()
			h(ctx, p, e)
		}()
	}
}
