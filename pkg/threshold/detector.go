// Package threshold detects when a petition's co-signer count crosses
// its escalation threshold and, when it does, escalates the petition to
// its realm's King.
package threshold

import "github.com/Moirai-Labs/fates/core/pkg/contracts"

// Default thresholds. CESSATION is deliberately low-trust: a hundred
// co-signers force the Crown's attention regardless of deliberation.
const (
	CessationThreshold = 100
	GrievanceThreshold = 50
)

// Detection is the outcome of a pure threshold check.
type Detection struct {
	Defined   bool
	Threshold int
	Reached   bool
}

// Table maps petition types to their escalation floor. Types absent
// (or mapped to a non-positive value) never auto-escalate.
type Table map[contracts.PetitionType]int

// DefaultTable returns the sanctioned defaults, overridable per
// deployment through the escalation-threshold environment knobs.
func DefaultTable() Table {
	return Table{
		contracts.PetitionTypeCessation: CessationThreshold,
		contracts.PetitionTypeGrievance: GrievanceThreshold,
	}
}

// Check is pure: no I/O, no clock. Reached iff the type has a defined
// threshold and count meets it.
func (t Table) Check(petitionType contracts.PetitionType, coSignerCount int) Detection {
	threshold, ok := t[petitionType]
	if !ok || threshold <= 0 {
		return Detection{}
	}
	return Detection{
		Defined:   true,
		Threshold: threshold,
		Reached:   coSignerCount >= threshold,
	}
}

// Check consults the default table.
func Check(petitionType contracts.PetitionType, coSignerCount int) Detection {
	return DefaultTable().Check(petitionType, coSignerCount)
}
