// Package statemachine enforces the petition lifecycle: the allowed
// transition matrix and the immutability of terminal states.
//
// RECEIVED may jump straight to ESCALATED (co-signer thresholds bypass
// deliberation) or to ACKNOWLEDGED (submitter withdrawal).
package statemachine

import (
	"strings"

	"github.com/Moirai-Labs/fates/core/pkg/contracts"
	"github.com/Moirai-Labs/fates/core/pkg/kernel/fault"
)

var transitions = map[contracts.PetitionState][]contracts.PetitionState{
	contracts.StateReceived: {
		contracts.StateDeliberating,
		contracts.StateAcknowledged,
		contracts.StateEscalated,
	},
	contracts.StateDeliberating: {
		contracts.StateAcknowledged,
		contracts.StateReferred,
		contracts.StateEscalated,
		contracts.StateDeferred,
		contracts.StateNoResponse,
	},
	// Terminal states transition nowhere.
	contracts.StateAcknowledged: {},
	contracts.StateReferred:     {},
	contracts.StateEscalated:    {},
	contracts.StateDeferred:     {},
	contracts.StateNoResponse:   {},
}

// Terminal is the set of fates.
var Terminal = map[contracts.PetitionState]bool{
	contracts.StateAcknowledged: true,
	contracts.StateReferred:     true,
	contracts.StateEscalated:    true,
	contracts.StateDeferred:     true,
	contracts.StateNoResponse:   true,
}

// IsTerminal reports whether s is a fate.
func IsTerminal(s contracts.PetitionState) bool { return Terminal[s] }

// ValidState reports whether s is one of the seven lifecycle states.
func ValidState(s contracts.PetitionState) bool {
	_, ok := transitions[s]
	return ok
}

// AllowedTargets returns the states reachable from s.
func AllowedTargets(s contracts.PetitionState) []contracts.PetitionState {
	targets := transitions[s]
	out := make([]contracts.PetitionState, len(targets))
	copy(out, targets)
	return out
}

// CanTransition reports whether from → to is in the matrix.
func CanTransition(from, to contracts.PetitionState) bool {
	for _, t := range transitions[from] {
		if t == to {
			return true
		}
	}
	return false
}

// ValidateTransition returns nil when from → to is allowed. A terminal
// source yields AlreadyFated; any other off-matrix attempt yields
// InvalidStateTransition naming the allowed targets.
func ValidateTransition(from, to contracts.PetitionState) error {
	if IsTerminal(from) {
		return fault.New(fault.KindAlreadyFated, "petition already fated as %s", from)
	}
	if CanTransition(from, to) {
		return nil
	}
	return fault.New(fault.KindInvalidStateTransition,
		"cannot transition %s → %s (allowed: %s)", from, to, targetList(from))
}

func targetList(from contracts.PetitionState) string {
	targets := transitions[from]
	names := make([]string, len(targets))
	for i, t := range targets {
		names[i] = string(t)
	}
	return strings.Join(names, ", ")
}
