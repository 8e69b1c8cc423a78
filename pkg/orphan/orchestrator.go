package orphan

import (
	"context"

	"github.com/Moirai-Labs/fates/core/pkg/contracts"
	"github.com/Moirai-Labs/fates/core/pkg/fate"
)

// FateOrchestrator moves reprocessed orphans into DELIBERATING through
// the fate coordinator, so the transition is CASed and witnessed like
// every other state change.
type FateOrchestrator struct {
	coordinator *fate.Coordinator
}

// NewFateOrchestrator wires the orchestrator.
func NewFateOrchestrator(c *fate.Coordinator) *FateOrchestrator {
	return &FateOrchestrator{coordinator: c}
}

func (o *FateOrchestrator) InitiateDeliberation(ctx context.Context, petitionID string) error {
	_, _, err := o.coordinator.AssignFate(ctx, fate.Request{
		PetitionID: petitionID,
		Expected:   contracts.StateReceived,
		Next:       contracts.StateDeliberating,
		Actor:      "system:orphan-reprocess",
	})
	return err
}

var _ DeliberationOrchestrator = (*FateOrchestrator)(nil)
