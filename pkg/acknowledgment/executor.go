package acknowledgment

import (
	"context"
	"log/slog"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/Moirai-Labs/fates/core/pkg/contracts"
	"github.com/Moirai-Labs/fates/core/pkg/fate"
	"github.com/Moirai-Labs/fates/core/pkg/haltgate"
	"github.com/Moirai-Labs/fates/core/pkg/hashing"
	"github.com/Moirai-Labs/fates/core/pkg/kernel/fault"
	"github.com/Moirai-Labs/fates/core/pkg/petition"
)

// SessionSource resolves the deliberation session for a petition.
// Dwell-time enforcement reads the session's creation time.
type SessionSource interface {
	ActiveSession(ctx context.Context, petitionID string) (*contracts.DeliberationSession, error)
}

// ExecuteRequest is the Marquis-path acknowledgment.
type ExecuteRequest struct {
	PetitionID          string
	Reason              contracts.ReasonCode
	ArchonIDs           []string
	Rationale           string
	ReferencePetitionID string
}

// Executor validates, witnesses, and records acknowledgments, then
// drives the petition to ACKNOWLEDGED through the fate coordinator.
type Executor struct {
	acks        Store
	petitions   petition.Store
	coordinator *fate.Coordinator
	halt        haltgate.Checker
	sessions    SessionSource
	dwell       time.Duration
	logger      *slog.Logger
	clock       func() time.Time
}

// NewExecutor wires the executor.
func NewExecutor(acks Store, petitions petition.Store, coordinator *fate.Coordinator, halt haltgate.Checker) *Executor {
	return &Executor{
		acks:        acks,
		petitions:   petitions,
		coordinator: coordinator,
		halt:        halt,
		logger:      slog.Default(),
		clock:       time.Now,
	}
}

// WithSessions attaches a deliberation session source for dwell checks.
func (e *Executor) WithSessions(s SessionSource) *Executor {
	e.sessions = s
	return e
}

// WithDwell sets the minimum deliberation age before an archon
// acknowledgment is accepted. Zero disables the check.
func (e *Executor) WithDwell(d time.Duration) *Executor {
	e.dwell = d
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

// Execute runs the Marquis path: a 2-of-3 archon supermajority closes a
// DELIBERATING petition. System codes reuse this path from internal
// workflows and skip quorum and dwell.
func (e *Executor) Execute(ctx context.Context, req ExecuteRequest) (*contracts.Acknowledgment, error) {
	if err := haltgate.Guard(e.halt); err != nil {
		return nil, err
	}
	if !contracts.ValidReasonCode(req.Reason) {
		return nil, fault.New(fault.KindValidation, "unknown reason code %q", req.Reason)
	}
	system := contracts.SystemReason(req.Reason)

	if !system && len(req.ArchonIDs) < contracts.MinArchonQuorum {
		return nil, fault.New(fault.KindValidation,
			"acknowledgment requires at least %d archons, got %d", contracts.MinArchonQuorum, len(req.ArchonIDs))
	}
	if (req.Reason == contracts.ReasonRefused || req.Reason == contracts.ReasonNoActionWarranted) &&
		strings.TrimSpace(req.Rationale) == "" {
		return nil, fault.New(fault.KindValidation, "reason %s requires a rationale", req.Reason)
	}
	if req.Reason == contracts.ReasonDuplicate && req.ReferencePetitionID == "" {
		return nil, fault.New(fault.KindValidation, "reason DUPLICATE requires a reference petition")
	}

	p, err := e.petitions.Get(ctx, req.PetitionID)
	if err != nil {
		return nil, err
	}
	switch p.State {
	case contracts.StateDeliberating:
	case contracts.StateReferred:
		if !system {
			return nil, fault.New(fault.KindInvalidStateTransition,
				"petition %s is REFERRED; only system codes may acknowledge it", req.PetitionID)
		}
	default:
		return nil, fault.New(fault.KindInvalidStateTransition,
			"petition %s is %s, not awaiting acknowledgment", req.PetitionID, p.State)
	}

	if err := e.checkDwell(ctx, req.PetitionID, system); err != nil {
		return nil, err
	}

	// Idempotency: the Marquis path returns the existing record. A
	// record whose petition never left DELIBERATING marks an attempt
	// that failed between the save and the fate commit; finish the
	// commit before returning it.
	if existing, err := e.acks.GetByPetition(ctx, req.PetitionID); err == nil {
		if p.State == contracts.StateDeliberating {
			if err := e.commitFate(ctx, existing); err != nil {
				return nil, err
			}
		}
		return existing, nil
	}

	if req.Reason == contracts.ReasonDuplicate {
		if _, err := e.petitions.Get(ctx, req.ReferencePetitionID); err != nil {
			return nil, fault.Wrap(fault.KindValidation, err,
				"DUPLICATE reference %s does not resolve", req.ReferencePetitionID)
		}
	}

	now := e.clock().UTC()
	archons := append([]string(nil), req.ArchonIDs...)
	sort.Strings(archons)

	ack := &contracts.Acknowledgment{
		ID:                     contracts.NewID(),
		PetitionID:             req.PetitionID,
		ReasonCode:             req.Reason,
		Rationale:              req.Rationale,
		ReferencePetitionID:    req.ReferencePetitionID,
		AcknowledgingArchonIDs: archons,
		AcknowledgedAt:         now,
	}
	ack.WitnessHash = marquisWitness(ack)

	if err := e.acks.Save(ctx, ack); err != nil {
		return nil, err
	}

	// A REFERRED petition is already fated; the system acknowledgment
	// closes it on the record without another transition.
	if p.State == contracts.StateDeliberating {
		if err := e.commitFate(ctx, ack); err != nil {
			return nil, err
		}
	}

	e.coordinator.EmitSecondary(ctx, contracts.EventFateAcknowledged, map[string]any{
		"petition_id":       req.PetitionID,
		"acknowledgment_id": ack.ID,
		"reason_code":       string(req.Reason),
	})
	return ack, nil
}

// commitFate drives a DELIBERATING petition to ACKNOWLEDGED for a saved
// acknowledgment. A concurrent fate winning the race counts as done.
func (e *Executor) commitFate(ctx context.Context, ack *contracts.Acknowledgment) error {
	actor := "archons:" + strings.Join(ack.AcknowledgingArchonIDs, ",")
	if contracts.SystemReason(ack.ReasonCode) {
		actor = "system:" + string(ack.ReasonCode)
	}
	_, _, err := e.coordinator.AssignFate(ctx, fate.Request{
		PetitionID: ack.PetitionID,
		Expected:   contracts.StateDeliberating,
		Next:       contracts.StateAcknowledged,
		Actor:      actor,
		FateReason: string(ack.ReasonCode),
	})
	if err != nil && fault.IsKind(err, fault.KindAlreadyFated) {
		return nil
	}
	return err
}

// ExecuteSystem acknowledges on behalf of an internal workflow. Only
// the system codes are accepted here.
func (e *Executor) ExecuteSystem(ctx context.Context, petitionID string, reason contracts.ReasonCode, rationale string) (*contracts.Acknowledgment, error) {
	if !contracts.SystemReason(reason) {
		return nil, fault.New(fault.KindValidation, "%s is not a system reason code", reason)
	}
	return e.Execute(ctx, ExecuteRequest{
		PetitionID: petitionID,
		Reason:     reason,
		Rationale:  rationale,
	})
}

// ExecuteKing acknowledges an ESCALATED petition. The petition stays
// ESCALATED; the acknowledgment record and its event are the Crown's
// answer.
func (e *Executor) ExecuteKing(ctx context.Context, petitionID, kingID string, reason contracts.ReasonCode, rationale, realm string) (*contracts.Acknowledgment, error) {
	if err := haltgate.Guard(e.halt); err != nil {
		return nil, err
	}
	if kingID == "" {
		return nil, fault.New(fault.KindValidation, "king id is required")
	}
	if !contracts.ValidReasonCode(reason) || contracts.SystemReason(reason) {
		return nil, fault.New(fault.KindValidation, "unknown reason code %q", reason)
	}
	trimmed := strings.TrimSpace(rationale)
	if len([]rune(trimmed)) < contracts.MinKingRationaleLength {
		return nil, fault.New(fault.KindValidation,
			"a King acknowledgment requires a rationale of at least %d characters", contracts.MinKingRationaleLength)
	}

	p, err := e.petitions.Get(ctx, petitionID)
	if err != nil {
		return nil, err
	}
	if p.State != contracts.StateEscalated {
		return nil, fault.New(fault.KindInvalidStateTransition,
			"petition %s is %s, not ESCALATED", petitionID, p.State)
	}
	if p.EscalatedToRealm != realm {
		return nil, fault.New(fault.KindForbidden,
			"petition %s is escalated to realm %s, not %s", petitionID, p.EscalatedToRealm, realm)
	}

	now := e.clock().UTC()
	ack := &contracts.Acknowledgment{
		ID:                   contracts.NewID(),
		PetitionID:           petitionID,
		ReasonCode:           reason,
		Rationale:            trimmed,
		AcknowledgedByKingID: kingID,
		AcknowledgedAt:       now,
	}
	ack.WitnessHash = kingWitness(ack, realm)

	if err := e.acks.Save(ctx, ack); err != nil {
		return nil, err
	}

	e.coordinator.EmitSecondary(ctx, contracts.EventKingAcknowledged, map[string]any{
		"petition_id":       petitionID,
		"acknowledgment_id": ack.ID,
		"king_id":           kingID,
		"realm_id":          realm,
	})

	e.logger.Info("king acknowledged escalation",
		"petition_id", petitionID, "king_id", kingID, "realm", realm)
	return ack, nil
}

// Adopt records a King adopting an escalated petition as a motion.
func (e *Executor) Adopt(ctx context.Context, petitionID, motionID, kingID string) error {
	if err := haltgate.Guard(e.halt); err != nil {
		return err
	}
	if motionID == "" || kingID == "" {
		return fault.New(fault.KindValidation, "adoption requires motion id and king id")
	}
	p, err := e.petitions.Get(ctx, petitionID)
	if err != nil {
		return err
	}
	if p.State != contracts.StateEscalated {
		return fault.New(fault.KindInvalidStateTransition,
			"petition %s is %s, not ESCALATED", petitionID, p.State)
	}
	return e.petitions.MarkAdopted(ctx, petitionID, motionID, kingID)
}

// GetByPetition exposes the stored acknowledgment.
func (e *Executor) GetByPetition(ctx context.Context, petitionID string) (*contracts.Acknowledgment, error) {
	return e.acks.GetByPetition(ctx, petitionID)
}

func (e *Executor) checkDwell(ctx context.Context, petitionID string, system bool) error {
	if system || e.dwell < time.Second || e.sessions == nil {
		return nil
	}
	session, err := e.sessions.ActiveSession(ctx, petitionID)
	if err != nil || session == nil {
		return nil
	}
	elapsed := e.clock().Sub(session.CreatedAt)
	if elapsed >= e.dwell {
		return nil
	}
	remaining := int((e.dwell - elapsed).Round(time.Second) / time.Second)
	return fault.New(fault.KindValidation,
		"deliberation dwell time not elapsed, %d seconds remain", remaining).
		WithDetail("remaining_seconds", remaining)
}

func marquisWitness(ack *contracts.Acknowledgment) string {
	parts := []string{
		ack.ID,
		ack.PetitionID,
		string(ack.ReasonCode),
		strings.Join(ack.AcknowledgingArchonIDs, ","),
		ack.AcknowledgedAt.UTC().Format(time.RFC3339Nano),
		strconv.Itoa(contracts.SchemaVersion),
	}
	if ack.Rationale != "" {
		parts = append(parts, ack.Rationale)
	}
	if ack.ReferencePetitionID != "" {
		parts = append(parts, ack.ReferencePetitionID)
	}
	return hashing.Format(hashing.HashText(strings.Join(parts, "|")))
}

func kingWitness(ack *contracts.Acknowledgment, realm string) string {
	parts := []string{
		ack.ID,
		ack.PetitionID,
		string(ack.ReasonCode),
		ack.AcknowledgedByKingID,
		realm,
		ack.AcknowledgedAt.UTC().Format(time.RFC3339Nano),
		strconv.Itoa(contracts.SchemaVersion),
		ack.Rationale,
	}
	return hashing.Format(hashing.HashText(strings.Join(parts, "|")))
}
