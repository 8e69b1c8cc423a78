package observability

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/Moirai-Labs/fates/core/pkg/contracts"
	"github.com/Moirai-Labs/fates/core/pkg/fate"
)

// EngineMeters are the domain counters of the petition engine, kept
// apart from the RED request metrics so dashboards can slice lifecycle
// activity without HTTP noise.
type EngineMeters struct {
	submitted        metric.Int64Counter
	fated            metric.Int64Counter
	escalations      metric.Int64Counter
	expiredReferrals metric.Int64Counter
	orphans          metric.Int64Counter
	haltChanges      metric.Int64Counter
}

// NewEngineMeters registers the engine instruments on the meter.
func NewEngineMeters(meter metric.Meter) (*EngineMeters, error) {
	m := &EngineMeters{}
	var err error

	if m.submitted, err = meter.Int64Counter("fates.petitions.submitted",
		metric.WithDescription("Petitions accepted into RECEIVED"),
		metric.WithUnit("{petition}")); err != nil {
		return nil, err
	}
	if m.fated, err = meter.Int64Counter("fates.petitions.fated",
		metric.WithDescription("Fate assignments by terminal state"),
		metric.WithUnit("{petition}")); err != nil {
		return nil, err
	}
	if m.escalations, err = meter.Int64Counter("fates.escalations.triggered",
		metric.WithDescription("Escalations by source"),
		metric.WithUnit("{escalation}")); err != nil {
		return nil, err
	}
	if m.expiredReferrals, err = meter.Int64Counter("fates.referrals.expired",
		metric.WithDescription("Referrals closed by deadline expiry"),
		metric.WithUnit("{referral}")); err != nil {
		return nil, err
	}
	if m.orphans, err = meter.Int64Counter("fates.orphans.detected",
		metric.WithDescription("Petitions found stuck in RECEIVED"),
		metric.WithUnit("{petition}")); err != nil {
		return nil, err
	}
	if m.haltChanges, err = meter.Int64Counter("fates.halt.transitions",
		metric.WithDescription("Halt gate transitions"),
		metric.WithUnit("{transition}")); err != nil {
		return nil, err
	}
	return m, nil
}

// RecordSubmission counts a petition entering RECEIVED.
func (m *EngineMeters) RecordSubmission(ctx context.Context, petitionType contracts.PetitionType, realm string) {
	m.submitted.Add(ctx, 1, metric.WithAttributes(
		attribute.String("petition.type", string(petitionType)),
		attribute.String("petition.realm", realm),
	))
}

// RecordEscalation counts an escalation by source.
func (m *EngineMeters) RecordEscalation(ctx context.Context, source contracts.EscalationSource) {
	m.escalations.Add(ctx, 1, metric.WithAttributes(
		attribute.String("escalation.source", string(source)),
	))
}

// RecordReferralExpired counts a referral closed by its deadline.
func (m *EngineMeters) RecordReferralExpired(ctx context.Context, realm string) {
	m.expiredReferrals.Add(ctx, 1, metric.WithAttributes(
		attribute.String("petition.realm", realm),
	))
}

// RecordOrphans counts orphans found by one scan.
func (m *EngineMeters) RecordOrphans(ctx context.Context, count int) {
	m.orphans.Add(ctx, int64(count))
}

// RecordHaltTransition counts a halt or resume.
func (m *EngineMeters) RecordHaltTransition(ctx context.Context, toHalted bool) {
	m.haltChanges.Add(ctx, 1, metric.WithAttributes(
		attribute.Bool("halted", toHalted),
	))
}

// RegisterQueueDepthGauge observes how many escalated petitions are
// waiting on a king. The depth callback runs on every metric collection.
func RegisterQueueDepthGauge(meter metric.Meter, depth func(context.Context) (int, error)) error {
	gauge, err := meter.Int64ObservableGauge("fates.queue.depth",
		metric.WithDescription("Escalated petitions awaiting king acknowledgment"),
		metric.WithUnit("{petition}"))
	if err != nil {
		return err
	}
	_, err = meter.RegisterCallback(func(ctx context.Context, o metric.Observer) error {
		n, err := depth(ctx)
		if err != nil {
			return err
		}
		o.ObserveInt64(gauge, int64(n))
		return nil
	}, gauge)
	return err
}

// FateHook adapts the meters into a fate coordinator hook so every
// committed fate is counted with its terminal state.
func (m *EngineMeters) FateHook() fate.Hook {
	return func(ctx context.Context, p *contracts.Petition, _ *contracts.Event) {
		m.fated.Add(ctx, 1, metric.WithAttributes(
			attribute.String("petition.state", string(p.State)),
			attribute.String("petition.type", string(p.Type)),
		))
	}
}
