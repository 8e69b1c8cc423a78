package contracts

import "time"

// ReasonCode explains why a petition was acknowledged.
type ReasonCode string

const (
	ReasonAddressed         ReasonCode = "ADDRESSED"
	ReasonRefused           ReasonCode = "REFUSED"
	ReasonNoActionWarranted ReasonCode = "NO_ACTION_WARRANTED"
	ReasonDuplicate         ReasonCode = "DUPLICATE"
	ReasonWithdrawn         ReasonCode = "WITHDRAWN"

	// System codes are produced by internal workflows, never by archons.
	ReasonExpired         ReasonCode = "EXPIRED"
	ReasonKnightReferral  ReasonCode = "KNIGHT_REFERRAL"
)

// SystemReason reports whether the code is a system code. System codes
// bypass the archon quorum and dwell-time checks.
func SystemReason(r ReasonCode) bool {
	return r == ReasonExpired || r == ReasonKnightReferral
}

// ValidReasonCode reports whether r is a known reason code.
func ValidReasonCode(r ReasonCode) bool {
	switch r {
	case ReasonAddressed, ReasonRefused, ReasonNoActionWarranted,
		ReasonDuplicate, ReasonWithdrawn, ReasonExpired, ReasonKnightReferral:
		return true
	}
	return false
}

// MinKingRationaleLength is the rationale floor for a King acknowledgment,
// counted after whitespace trimming.
const MinKingRationaleLength = 100

// MinArchonQuorum is the 2-of-3 supermajority floor for the Marquis path.
const MinArchonQuorum = 2

// Acknowledgment is the 1:1 record of a petition that ended ACKNOWLEDGED.
// Exactly one of AcknowledgingArchonIDs or AcknowledgedByKingID is
// populated unless the reason is a system code.
type Acknowledgment struct {
	ID                    string     `json:"id"`
	PetitionID            string     `json:"petition_id"`
	ReasonCode            ReasonCode `json:"reason_code"`
	Rationale             string     `json:"rationale,omitempty"`
	ReferencePetitionID   string     `json:"reference_petition_id,omitempty"`
	AcknowledgingArchonIDs []string  `json:"acknowledging_archon_ids,omitempty"`
	AcknowledgedByKingID  string     `json:"acknowledged_by_king_id,omitempty"`
	AcknowledgedAt        time.Time  `json:"acknowledged_at"`
	WitnessHash           string     `json:"witness_hash"`
}

// DeliberationSession is the abstracted view of a per-petition
// deliberation rollout. Only the creation time is modeled here; it is
// what dwell-time enforcement reads.
type DeliberationSession struct {
	ID             string    `json:"id"`
	PetitionID     string    `json:"petition_id"`
	CreatedAt      time.Time `json:"created_at"`
	ParticipantIDs []string  `json:"participant_ids,omitempty"`
}
