// Package contracts defines the shared domain types of the Three-Fates
// petition governance engine: petitions, acknowledgments, referrals, and
// the witnessed ledger events that accompany every fate assignment.
package contracts

import (
	"time"

	"github.com/google/uuid"
)

// PetitionType categorizes a petition at submission.
type PetitionType string

const (
	PetitionTypeGeneral       PetitionType = "GENERAL"
	PetitionTypeCessation     PetitionType = "CESSATION"
	PetitionTypeGrievance     PetitionType = "GRIEVANCE"
	PetitionTypeCollaboration PetitionType = "COLLABORATION"
	PetitionTypeMeta          PetitionType = "META"
)

// ValidPetitionType reports whether t is a known petition type.
func ValidPetitionType(t PetitionType) bool {
	switch t {
	case PetitionTypeGeneral, PetitionTypeCessation, PetitionTypeGrievance,
		PetitionTypeCollaboration, PetitionTypeMeta:
		return true
	}
	return false
}

// PetitionState is one of the seven lifecycle states. Five of them are
// terminal fates; see statemachine.IsTerminal.
type PetitionState string

const (
	StateReceived     PetitionState = "RECEIVED"
	StateDeliberating PetitionState = "DELIBERATING"
	StateAcknowledged PetitionState = "ACKNOWLEDGED"
	StateReferred     PetitionState = "REFERRED"
	StateEscalated    PetitionState = "ESCALATED"
	StateDeferred     PetitionState = "DEFERRED"
	StateNoResponse   PetitionState = "NO_RESPONSE"
)

// EscalationSource records what pushed a petition into ESCALATED.
type EscalationSource string

const (
	EscalationSourceDeliberation         EscalationSource = "DELIBERATION"
	EscalationSourceCoSignerThreshold    EscalationSource = "CO_SIGNER_THRESHOLD"
	EscalationSourceKnightRecommendation EscalationSource = "KNIGHT_RECOMMENDATION"
)

// MaxPetitionTextLength bounds petition text, counted in runes after
// NFC normalization.
const MaxPetitionTextLength = 10000

// Petition is the authoritative record of a single petition. The current
// state lives only in the petition store; callers must not cache mutable
// copies across I/O boundaries.
type Petition struct {
	ID          string        `json:"id"`
	Type        PetitionType  `json:"type"`
	Text        string        `json:"text"`
	State       PetitionState `json:"state"`
	ContentHash []byte        `json:"content_hash"`
	Realm       string        `json:"realm"`
	// SubmitterID is empty for anonymous petitions; anonymous petitions
	// are withdrawal-ineligible.
	SubmitterID   string `json:"submitter_id,omitempty"`
	CoSignerCount int    `json:"co_signer_count"`
	FateReason    string `json:"fate_reason,omitempty"`

	// Escalation triple, populated atomically when state becomes ESCALATED.
	EscalationSource EscalationSource `json:"escalation_source,omitempty"`
	EscalatedAt      *time.Time       `json:"escalated_at,omitempty"`
	EscalatedToRealm string           `json:"escalated_to_realm,omitempty"`

	// Adoption triple, write-once.
	AdoptedAsMotionID string     `json:"adopted_as_motion_id,omitempty"`
	AdoptedAt         *time.Time `json:"adopted_at,omitempty"`
	AdoptedByKingID   string     `json:"adopted_by_king_id,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Anonymous reports whether the petition has no attributable submitter.
func (p *Petition) Anonymous() bool { return p.SubmitterID == "" }

// Clone returns a deep copy. Stores hand out clones so callers can never
// mutate the authoritative row.
func (p *Petition) Clone() *Petition {
	cp := *p
	if p.ContentHash != nil {
		cp.ContentHash = append([]byte(nil), p.ContentHash...)
	}
	if p.EscalatedAt != nil {
		t := *p.EscalatedAt
		cp.EscalatedAt = &t
	}
	if p.AdoptedAt != nil {
		t := *p.AdoptedAt
		cp.AdoptedAt = &t
	}
	return &cp
}

// NewID returns a time-ordered unique identifier (UUIDv7).
func NewID() string {
	id, err := uuid.NewV7()
	if err != nil {
		// NewV7 only fails if the entropy source does; fall back to v4.
		return uuid.NewString()
	}
	return id.String()
}
