package referral

import (
	"context"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/Moirai-Labs/fates/core/pkg/acknowledgment"
	"github.com/Moirai-Labs/fates/core/pkg/contracts"
	"github.com/Moirai-Labs/fates/core/pkg/fate"
	"github.com/Moirai-Labs/fates/core/pkg/haltgate"
	"github.com/Moirai-Labs/fates/core/pkg/hashing"
	"github.com/Moirai-Labs/fates/core/pkg/kernel/fault"
	"github.com/Moirai-Labs/fates/core/pkg/petition"
	"github.com/Moirai-Labs/fates/core/pkg/scheduler"
)

// JobTypeTimeout is the scheduler job type for referral deadlines.
const JobTypeTimeout = "referral_timeout"

// DefaultCycleLength is one referral cycle. Three cycles give a Knight
// three weeks to answer before the petition expires.
const DefaultCycleLength = 7 * 24 * time.Hour

// Executor creates referrals, drives the petition to REFERRED, and
// schedules the deadline job.
type Executor struct {
	referrals   Store
	petitions   petition.Store
	coordinator *fate.Coordinator
	acks        *acknowledgment.Executor
	runner      *scheduler.Runner
	halt        haltgate.Checker
	cycleLength time.Duration
	onExpiry    func(ctx context.Context, realm string)
	logger      *slog.Logger
	clock       func() time.Time
}

// NewExecutor wires the executor and registers the timeout handler on
// the scheduler runner.
func NewExecutor(referrals Store, petitions petition.Store, coordinator *fate.Coordinator, acks *acknowledgment.Executor, runner *scheduler.Runner, halt haltgate.Checker) *Executor {
	e := &Executor{
		referrals:   referrals,
		petitions:   petitions,
		coordinator: coordinator,
		acks:        acks,
		runner:      runner,
		halt:        halt,
		cycleLength: DefaultCycleLength,
		logger:      slog.Default(),
		clock:       time.Now,
	}
	if runner != nil {
		runner.Register(JobTypeTimeout, e.HandleTimeout)
	}
	return e
}

// WithCycleLength overrides the referral cycle length.
func (e *Executor) WithCycleLength(d time.Duration) *Executor {
	if d > 0 {
		e.cycleLength = d
	}
	return e
}

// WithExpiryObserver registers a callback fired after each deadline
// expiry, used for metrics.
func (e *Executor) WithExpiryObserver(fn func(ctx context.Context, realm string)) *Executor {
	e.onExpiry = fn
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

// Execute refers a DELIBERATING petition to a Knight of realmID.
// Re-entry returns the existing referral unchanged.
func (e *Executor) Execute(ctx context.Context, petitionID, realmID string, cycles int) (*contracts.Referral, error) {
	if err := haltgate.Guard(e.halt); err != nil {
		return nil, err
	}
	if realmID == "" {
		return nil, fault.New(fault.KindValidation, "referral realm is required")
	}
	if cycles <= 0 {
		cycles = contracts.DefaultReferralCycles
	}

	p, err := e.petitions.Get(ctx, petitionID)
	if err != nil {
		return nil, err
	}

	// Re-entry returns the existing referral. One whose petition never
	// left DELIBERATING, or whose deadline job is missing, marks a prior
	// attempt that failed partway; finish it before returning.
	if existing, err := e.referrals.GetByPetition(ctx, petitionID); err == nil {
		switch {
		case p.State == contracts.StateDeliberating:
			if err := e.commit(ctx, existing); err != nil {
				return nil, err
			}
		case existing.Status == contracts.ReferralPending:
			e.scheduleTimeout(ctx, existing)
		}
		return existing, nil
	}

	if p.State != contracts.StateDeliberating {
		return nil, fault.New(fault.KindInvalidStateTransition,
			"petition %s is %s, only DELIBERATING petitions can be referred", petitionID, p.State)
	}

	now := e.clock().UTC()
	r := &contracts.Referral{
		ID:         contracts.NewID(),
		PetitionID: petitionID,
		RealmID:    realmID,
		Deadline:   now.Add(time.Duration(cycles) * e.cycleLength),
		CreatedAt:  now,
		Status:     contracts.ReferralPending,
	}
	r.WitnessHash = witness(r)

	if err := e.referrals.Save(ctx, r); err != nil {
		return nil, err
	}
	if err := e.commit(ctx, r); err != nil {
		return nil, err
	}

	e.logger.Info("petition referred",
		"petition_id", petitionID, "referral_id", r.ID,
		"realm", realmID, "deadline", r.Deadline)
	return r, nil
}

// commit drives the petition to REFERRED, schedules the deadline job,
// and emits the referral event. A concurrent fate winning the race
// counts as done; the schedule is idempotent on the referral id.
func (e *Executor) commit(ctx context.Context, r *contracts.Referral) error {
	if _, _, err := e.coordinator.AssignFate(ctx, fate.Request{
		PetitionID: r.PetitionID,
		Expected:   contracts.StateDeliberating,
		Next:       contracts.StateReferred,
		Actor:      "knight-referral:" + r.RealmID,
		FateReason: string(contracts.ReasonKnightReferral),
	}); err != nil {
		if !fault.IsKind(err, fault.KindAlreadyFated) {
			return err
		}
	}
	e.scheduleTimeout(ctx, r)

	e.coordinator.EmitSecondary(ctx, contracts.EventReferralCreated, map[string]any{
		"petition_id": r.PetitionID,
		"referral_id": r.ID,
		"realm_id":    r.RealmID,
		"deadline":    r.Deadline.Format(time.RFC3339Nano),
	})
	return nil
}

func (e *Executor) scheduleTimeout(ctx context.Context, r *contracts.Referral) {
	if e.runner == nil {
		return
	}
	if err := e.runner.Schedule(ctx, scheduler.Job{
		JobID:   r.ID,
		JobType: JobTypeTimeout,
		Payload: map[string]any{
			"referral_id": r.ID,
			"petition_id": r.PetitionID,
			"realm_id":    r.RealmID,
			"deadline":    r.Deadline.Format(time.RFC3339Nano),
		},
		RunAt: r.Deadline,
	}); err != nil {
		e.logger.Error("referral deadline not scheduled",
			"referral_id", r.ID, "petition_id", r.PetitionID, "error", err)
	}
}

// Resolve marks a referral answered before its deadline and cancels
// the timeout job.
func (e *Executor) Resolve(ctx context.Context, referralID string) error {
	if err := haltgate.Guard(e.halt); err != nil {
		return err
	}
	changed, err := e.referrals.UpdateStatus(ctx, referralID, contracts.ReferralPending, contracts.ReferralResolved)
	if err != nil {
		return err
	}
	if !changed {
		return fault.New(fault.KindConflict, "referral %s is no longer pending", referralID)
	}
	if e.runner != nil {
		if err := e.runner.Cancel(ctx, referralID); err != nil {
			e.logger.Warn("timeout job not cancelled", "referral_id", referralID, "error", err)
		}
	}
	return nil
}

// HandleTimeout is the scheduler handler for expired deadlines. Safe
// under redelivery: a non-PENDING referral is a no-op.
func (e *Executor) HandleTimeout(ctx context.Context, job scheduler.Job) error {
	referralID, _ := job.Payload["referral_id"].(string)
	if referralID == "" {
		referralID = job.JobID
	}

	r, err := e.referrals.Get(ctx, referralID)
	if err != nil {
		return err
	}
	if r.Status != contracts.ReferralPending {
		return nil
	}

	changed, err := e.referrals.UpdateStatus(ctx, referralID, contracts.ReferralPending, contracts.ReferralExpired)
	if err != nil {
		return err
	}
	if !changed {
		return nil
	}

	rationale := "referral to realm " + r.RealmID + " expired at " + r.Deadline.Format(time.RFC3339Nano) + " without resolution"
	if _, err := e.acks.ExecuteSystem(ctx, r.PetitionID, contracts.ReasonExpired, rationale); err != nil {
		// Already-acknowledged means a concurrent path won; the referral
		// is expired either way.
		if fault.IsKind(err, fault.KindConflict) || fault.IsKind(err, fault.KindAlreadyFated) {
			return nil
		}
		return err
	}

	if e.onExpiry != nil {
		e.onExpiry(ctx, r.RealmID)
	}
	e.logger.Info("referral expired",
		"referral_id", referralID, "petition_id", r.PetitionID, "realm", r.RealmID)
	return nil
}

func witness(r *contracts.Referral) string {
	parts := []string{
		r.ID,
		r.PetitionID,
		r.RealmID,
		r.Deadline.UTC().Format(time.RFC3339Nano),
		r.CreatedAt.UTC().Format(time.RFC3339Nano),
		strconv.Itoa(contracts.SchemaVersion),
	}
	return hashing.Format(hashing.HashText(strings.Join(parts, "|")))
}
