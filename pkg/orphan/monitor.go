// Package orphan watches for petitions stuck in RECEIVED beyond a
// threshold and supports manually pushing them back into deliberation.
package orphan

import (
	"context"
	"log/slog"
	"time"

	"github.com/Moirai-Labs/fates/core/pkg/contracts"
	"github.com/Moirai-Labs/fates/core/pkg/eventledger"
	"github.com/Moirai-Labs/fates/core/pkg/kernel/fault"
	"github.com/Moirai-Labs/fates/core/pkg/petition"
)

// DefaultThresholdHours is how long a petition may sit in RECEIVED
// before it counts as orphaned.
const DefaultThresholdHours = 24

// DeliberationOrchestrator starts deliberation for a petition. The
// rollout itself lives outside this module.
type DeliberationOrchestrator interface {
	InitiateDeliberation(ctx context.Context, petitionID string) error
}

// Detection is one scan's result.
type Detection struct {
	OrphanCount    int           `json:"orphan_count"`
	PetitionIDs    []string      `json:"petition_ids"`
	OldestAge      time.Duration `json:"oldest_age"`
	ThresholdHours float64       `json:"threshold_hours"`
	DetectedAt     time.Time     `json:"detected_at"`
}

// ReprocessResult partitions the requested ids.
type ReprocessResult struct {
	Success []string `json:"success"`
	Failed  []string `json:"failed"`
}

// Monitor scans for orphans and triggers reprocessing.
type Monitor struct {
	store        petition.Store
	events       eventledger.Writer
	orchestrator DeliberationOrchestrator
	threshold    time.Duration
	observer     func(ctx context.Context, count int)
	logger       *slog.Logger
	clock        func() time.Time
}

// NewMonitor wires the monitor with the default threshold.
func NewMonitor(store petition.Store, events eventledger.Writer) *Monitor {
	return &Monitor{
		store:     store,
		events:    events,
		threshold: DefaultThresholdHours * time.Hour,
		logger:    slog.Default(),
		clock:     time.Now,
	}
}

// WithOrchestrator attaches the deliberation port used by reprocess.
func (m *Monitor) WithOrchestrator(o DeliberationOrchestrator) *Monitor {
	m.orchestrator = o
	return m
}

// WithThreshold overrides the orphan age threshold.
func (m *Monitor) WithThreshold(d time.Duration) *Monitor {
	if d > 0 {
		m.threshold = d
	}
	return m
}

// WithObserver registers a callback fired after each non-empty scan,
// used for metrics.
func (m *Monitor) WithObserver(fn func(ctx context.Context, count int)) *Monitor {
	m.observer = fn
	return m
}

// WithLogger overrides the default logger.
func (m *Monitor) WithLogger(l *slog.Logger) *Monitor {
	if l != nil {
		m.logger = l
	}
	return m
}

// WithClock overrides the clock for deterministic testing.
func (m *Monitor) WithClock(clock func() time.Time) *Monitor {
	m.clock = clock
	return m
}

// Detect scans for orphans. An event is emitted only when orphans
// exist; an empty scan is silent.
func (m *Monitor) Detect(ctx context.Context) (*Detection, error) {
	now := m.clock().UTC()
	cutoff := now.Add(-m.threshold)

	orphans, err := m.store.FindByState(ctx, contracts.StateReceived, &cutoff)
	if err != nil {
		return nil, err
	}

	detection := &Detection{
		OrphanCount:    len(orphans),
		PetitionIDs:    make([]string, 0, len(orphans)),
		ThresholdHours: m.threshold.Hours(),
		DetectedAt:     now,
	}
	for _, p := range orphans {
		detection.PetitionIDs = append(detection.PetitionIDs, p.ID)
		if age := now.Sub(p.CreatedAt); age > detection.OldestAge {
			detection.OldestAge = age
		}
	}
	if detection.OrphanCount == 0 {
		return detection, nil
	}

	if m.observer != nil {
		m.observer(ctx, detection.OrphanCount)
	}
	m.logger.Warn("orphaned petitions detected",
		"count", detection.OrphanCount, "oldest_age", detection.OldestAge)

	if m.events != nil {
		_, err := m.events.Write(ctx, contracts.EventOrphansDetected, map[string]any{
			"orphan_count":    detection.OrphanCount,
			"petition_ids":    detection.PetitionIDs,
			"threshold_hours": detection.ThresholdHours,
		})
		if err != nil {
			// Detection still stands; the scan repeats.
			m.logger.Error("orphan detection event not emitted", "error", err)
		}
	}
	return detection, nil
}

// Reprocess pushes the named petitions back toward deliberation. Ids
// that are missing or no longer RECEIVED land in Failed.
func (m *Monitor) Reprocess(ctx context.Context, ids []string, triggeredBy, reason string) (*ReprocessResult, error) {
	if len(ids) == 0 {
		return nil, fault.New(fault.KindValidation, "reprocess requires at least one petition id")
	}
	if triggeredBy == "" {
		return nil, fault.New(fault.KindValidation, "reprocess requires triggered_by")
	}

	result := &ReprocessResult{}
	var valid []string
	for _, id := range ids {
		p, err := m.store.Get(ctx, id)
		if err != nil || p.State != contracts.StateReceived {
			result.Failed = append(result.Failed, id)
			continue
		}
		valid = append(valid, id)
	}

	if len(valid) > 0 && m.events != nil {
		_, err := m.events.Write(ctx, contracts.EventReprocessingTriggered, map[string]any{
			"petition_ids": valid,
			"triggered_by": triggeredBy,
		})
		if err != nil {
			m.logger.Error("reprocessing event not emitted", "error", err)
		}
	}

	for _, id := range valid {
		if m.orchestrator == nil {
			result.Failed = append(result.Failed, id)
			continue
		}
		if err := m.orchestrator.InitiateDeliberation(ctx, id); err != nil {
			m.logger.Error("deliberation not initiated",
				"petition_id", id, "triggered_by", triggeredBy, "error", err)
			result.Failed = append(result.Failed, id)
			continue
		}
		result.Success = append(result.Success, id)
	}

	m.logger.Info("orphan reprocessing finished",
		"triggered_by", triggeredBy, "reason", reason,
		"success", len(result.Success), "failed", len(result.Failed))
	return result, nil
}

// Run scans on an interval until the context is cancelled.
func (m *Monitor) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := m.Detect(ctx); err != nil {
				m.logger.Error("orphan scan failed", "error", err)
			}
		}
	}
}
