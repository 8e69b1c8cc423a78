// Package haltgate provides the single-source halt signal consulted by
// every write-classified operation before it touches any other state.
// Read operations bypass the gate entirely (except the escalation queue,
// which consults it deliberately).
package haltgate

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/Moirai-Labs/fates/core/pkg/hashing"
	"github.com/Moirai-Labs/fates/core/pkg/kernel/fault"
)

// Checker is the read side of the gate. Services depend on this.
type Checker interface {
	IsHalted() bool
	HaltReason() (string, bool)
}

// Receipt records a halt or resume transition.
type Receipt struct {
	ReceiptID   string    `json:"receipt_id"`
	Transition  string    `json:"transition"` // e.g. "ACTIVE→HALTED"
	InitiatedBy string    `json:"initiated_by"`
	Reason      string    `json:"reason"`
	Timestamp   time.Time `json:"timestamp"`
	ContentHash string    `json:"content_hash"`
}

// Mirror propagates halt transitions to a shared store so sibling
// processes observe the same signal. Publication is best-effort.
type Mirror interface {
	Publish(ctx context.Context, halted bool, reason string) error
}

// Gate is the process-wide halt signal. Transitions are rare; the flag
// is read-mostly and guarded by a RWMutex so checks are linearizable
// with write attempts.
type Gate struct {
	mu       sync.RWMutex
	halted   bool
	reason   string
	since    time.Time
	receipts []Receipt
	seq      int64

	mirror   Mirror
	observer func(ctx context.Context, halted bool)
	logger   *slog.Logger
	clock    func() time.Time
}

// New creates a gate in the active (non-halted) state.
func New() *Gate {
	return &Gate{
		since:  time.Now(),
		clock:  time.Now,
		logger: slog.Default(),
	}
}

// WithClock overrides the clock for deterministic testing.
func (g *Gate) WithClock(clock func() time.Time) *Gate {
	g.clock = clock
	g.since = clock()
	return g
}

// WithMirror attaches a shared-store mirror.
func (g *Gate) WithMirror(m Mirror) *Gate {
	g.mirror = m
	return g
}

// WithObserver registers a callback fired after each transition, used
// for metrics.
func (g *Gate) WithObserver(fn func(ctx context.Context, halted bool)) *Gate {
	g.observer = fn
	return g
}

// WithLogger overrides the logger.
func (g *Gate) WithLogger(l *slog.Logger) *Gate {
	if l != nil {
		g.logger = l
	}
	return g
}

// IsHalted reports whether writes are refused.
func (g *Gate) IsHalted() bool {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.halted
}

// HaltReason returns the active halt reason, if any.
func (g *Gate) HaltReason() (string, bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	if !g.halted {
		return "", false
	}
	return g.reason, true
}

// Guard returns a SystemHalted fault when the gate is closed. Write
// paths call this before touching any other state.
func Guard(c Checker) error {
	if c == nil {
		return nil
	}
	if c.IsHalted() {
		reason, _ := c.HaltReason()
		return fault.New(fault.KindSystemHalted, "system halted: %s", reason)
	}
	return nil
}

// Halt closes the gate. Halting an already-halted gate is rejected so a
// later resume cannot silently drop the original reason.
func (g *Gate) Halt(ctx context.Context, initiatedBy, reason string) (*Receipt, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.halted {
		return nil, fault.New(fault.KindConflict, "already halted: %s", g.reason)
	}
	r := g.transition(true, initiatedBy, reason)
	g.publish(ctx, true, reason)
	if g.observer != nil {
		g.observer(ctx, true)
	}
	return r, nil
}

// Resume reopens the gate.
func (g *Gate) Resume(ctx context.Context, initiatedBy, reason string) (*Receipt, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if !g.halted {
		return nil, fault.New(fault.KindConflict, "not halted")
	}
	r := g.transition(false, initiatedBy, reason)
	g.publish(ctx, false, reason)
	if g.observer != nil {
		g.observer(ctx, false)
	}
	return r, nil
}

// Receipts returns a copy of all transition receipts.
func (g *Gate) Receipts() []Receipt {
	g.mu.RLock()
	defer g.mu.RUnlock()
	out := make([]Receipt, len(g.receipts))
	copy(out, g.receipts)
	return out
}

// Since reports when the current state was entered.
func (g *Gate) Since() time.Time {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.since
}

func (g *Gate) transition(toHalted bool, initiatedBy, reason string) *Receipt {
	g.seq++
	now := g.clock()
	from, to := stateName(g.halted), stateName(toHalted)
	receiptID := fmt.Sprintf("hg-%d", g.seq)
	tr := from + "→" + to

	digest := hashing.Hash([]byte(receiptID + "|" + tr + "|" + initiatedBy + "|" + reason))
	receipt := Receipt{
		ReceiptID:   receiptID,
		Transition:  tr,
		InitiatedBy: initiatedBy,
		Reason:      reason,
		Timestamp:   now,
		ContentHash: hashing.Format(digest),
	}

	g.halted = toHalted
	if toHalted {
		g.reason = reason
	} else {
		g.reason = ""
	}
	g.since = now
	g.receipts = append(g.receipts, receipt)

	g.logger.Info("halt gate transition",
		"transition", tr, "initiated_by", initiatedBy, "reason", reason)
	return &receipt
}

func (g *Gate) publish(ctx context.Context, halted bool, reason string) {
	if g.mirror == nil {
		return
	}
	if err := g.mirror.Publish(ctx, halted, reason); err != nil {
		g.logger.Warn("halt mirror publish failed", "error", err)
	}
}

func stateName(halted bool) string {
	if halted {
		return "HALTED"
	}
	return "ACTIVE"
}
