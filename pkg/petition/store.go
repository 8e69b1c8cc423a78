// Package petition provides the durable repository of petitions. All
// shared mutable state flows through this store; AssignFateCAS is the
// atomic compare-and-swap primitive that defends against double-fate.
package petition

import (
	"context"
	"time"

	"github.com/Moirai-Labs/fates/core/pkg/contracts"
)

// EscalationMark carries the escalation triple arguments supplied when a
// CAS moves a petition into ESCALATED.
type EscalationMark struct {
	Source  contracts.EscalationSource
	ToRealm string
}

// EscalationCursor is a keyset position in the (escalated_at, id) order.
type EscalationCursor struct {
	EscalatedAt time.Time
	PetitionID  string
}

// Store is the repository contract. Implementations must guarantee that
// under concurrent AssignFateCAS invocations on one petition, at most
// one caller observes success.
type Store interface {
	// Save persists a new petition; fails if the id already exists.
	Save(ctx context.Context, p *contracts.Petition) error

	// Get returns the petition or a NotFound fault.
	Get(ctx context.Context, id string) (*contracts.Petition, error)

	// ListByState returns petitions in the state, newest first, plus the
	// unfiltered total for that state.
	ListByState(ctx context.Context, state contracts.PetitionState, limit, offset int) ([]*contracts.Petition, int, error)

	// UpdateState is the unconditional state update used only for the
	// fate coordinator's rollback path. Rolling back to a non-terminal
	// state clears the fate reason and the escalation triple.
	UpdateState(ctx context.Context, id string, state contracts.PetitionState) error

	// AssignFateCAS atomically transitions the petition, checking in
	// order: existence, terminality, matrix membership, expected-state
	// match. When next is ESCALATED the escalation triple is populated
	// from esc with COALESCE semantics. fateReason is recorded when next
	// is terminal.
	AssignFateCAS(ctx context.Context, id string, expected, next contracts.PetitionState, fateReason string, esc *EscalationMark) (*contracts.Petition, error)

	// MarkAdopted writes the adoption triple exactly once.
	MarkAdopted(ctx context.Context, id, motionID, kingID string) error

	// FindByState returns petitions in the state, optionally only those
	// created strictly before receivedBefore. Oldest first.
	FindByState(ctx context.Context, state contracts.PetitionState, receivedBefore *time.Time) ([]*contracts.Petition, error)

	// QueueDepth counts petitions, optionally restricted to one state.
	QueueDepth(ctx context.Context, state *contracts.PetitionState) (int, error)

	// AddCoSigner records a co-signature and returns the new count.
	// Duplicate signers conflict; terminal petitions are already fated.
	AddCoSigner(ctx context.Context, petitionID, signerID string) (int, error)

	// ListEscalated returns ESCALATED petitions routed to realm, in
	// ascending (escalated_at, id) order, strictly after the cursor.
	ListEscalated(ctx context.Context, realm string, after *EscalationCursor, limit int) ([]*contracts.Petition, error)
}
