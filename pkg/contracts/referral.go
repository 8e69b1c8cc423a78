package contracts

import "time"

// ReferralStatus tracks a referral through its deadline window.
type ReferralStatus string

const (
	ReferralPending  ReferralStatus = "PENDING"
	ReferralResolved ReferralStatus = "RESOLVED"
	ReferralExpired  ReferralStatus = "EXPIRED"
)

// DefaultReferralCycles is the deadline horizon when the caller does not
// supply one.
const DefaultReferralCycles = 3

// Referral is the 1:1 record of a petition that ended REFERRED.
type Referral struct {
	ID          string         `json:"id"`
	PetitionID  string         `json:"petition_id"`
	RealmID     string         `json:"realm_id"`
	Deadline    time.Time      `json:"deadline"`
	CreatedAt   time.Time      `json:"created_at"`
	Status      ReferralStatus `json:"status"`
	WitnessHash string         `json:"witness_hash"`
}

// NotificationPreference records how a submitter wants to hear about the
// fate of their petition. Persisted best-effort at submission.
type NotificationPreference struct {
	PetitionID  string    `json:"petition_id"`
	SubmitterID string    `json:"submitter_id"`
	Channel     string    `json:"channel"`
	Endpoint    string    `json:"endpoint"`
	CreatedAt   time.Time `json:"created_at"`
}
