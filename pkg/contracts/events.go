package contracts

import (
	"fmt"
	"time"
)

// Ledger event types. Every event carries schema_version 1, a canonical
// sorted-keys JSON payload, and a witness hash over the canonical bytes.
const (
	EventPetitionReceived       = "petition.received"
	EventPetitionFated          = "petition.fated"
	EventFateAcknowledged       = "petition.fate.acknowledged"
	EventKingAcknowledged       = "petition.escalation.acknowledged_by_king"
	EventReferralCreated        = "petition.referral.created"
	EventEscalationTriggered    = "petition.escalation.triggered"
	EventDeliberationCancelled  = "deliberation.session.cancelled"
	EventPetitionWithdrawn      = "petition.withdrawn"
	EventOrphansDetected        = "petition.monitoring.orphans_detected"
	EventReprocessingTriggered  = "petition.monitoring.reprocessing_triggered"
)

// SchemaVersion is the current event schema generation.
const SchemaVersion = 1

// Event is an immutable, append-only ledger record.
type Event struct {
	EventID       string         `json:"event_id"`
	EventType     string         `json:"event_type"`
	Payload       map[string]any `json:"payload"`
	WitnessHash   string         `json:"witness_hash"`
	SchemaVersion int            `json:"schema_version"`
	EmittedAt     time.Time      `json:"emitted_at"`
}

// CancelReasonAutoEscalated marks a deliberation cancelled because a
// co-signer threshold escalated the petition out from under it.
const CancelReasonAutoEscalated = "AUTO_ESCALATED"

// DeliberationCancelled describes the forced end of an in-flight
// deliberation session.
type DeliberationCancelled struct {
	SessionID           string   `json:"session_id"`
	PetitionID          string   `json:"petition_id"`
	CancelReason        string   `json:"cancel_reason"`
	ParticipantIDs      []string `json:"participant_ids"`
	TranscriptPreserved bool     `json:"transcript_preserved"`
	EscalationID        string   `json:"escalation_id,omitempty"`
}

// Validate enforces the cancellation event rules. AUTO_ESCALATED cancels
// must carry the escalation that displaced the session.
func (d *DeliberationCancelled) Validate() error {
	if d.PetitionID == "" {
		return fmt.Errorf("deliberation cancelled: petition_id required")
	}
	if d.CancelReason == "" {
		return fmt.Errorf("deliberation cancelled: cancel_reason required")
	}
	if d.CancelReason == CancelReasonAutoEscalated && d.EscalationID == "" {
		return fmt.Errorf("deliberation cancelled: AUTO_ESCALATED requires escalation_id")
	}
	return nil
}

// EventPayload renders the cancellation as a ledger event payload.
func (d *DeliberationCancelled) EventPayload() map[string]any {
	participants := d.ParticipantIDs
	if participants == nil {
		participants = []string{}
	}
	return map[string]any{
		"session_id":           d.SessionID,
		"petition_id":          d.PetitionID,
		"cancel_reason":        d.CancelReason,
		"participant_ids":      participants,
		"transcript_preserved": d.TranscriptPreserved,
		"escalation_id":        d.EscalationID,
	}
}
