package main

import (
	"context"
	"database/sql"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	_ "modernc.org/sqlite"

	"github.com/Moirai-Labs/fates/core/pkg/acknowledgment"
	"github.com/Moirai-Labs/fates/core/pkg/contracts"
	"github.com/Moirai-Labs/fates/core/pkg/escalationqueue"
	"github.com/Moirai-Labs/fates/core/pkg/eventledger"
	"github.com/Moirai-Labs/fates/core/pkg/fate"
	"github.com/Moirai-Labs/fates/core/pkg/haltgate"
	"github.com/Moirai-Labs/fates/core/pkg/orphan"
	"github.com/Moirai-Labs/fates/core/pkg/petition"
	"github.com/Moirai-Labs/fates/core/pkg/referral"
	"github.com/Moirai-Labs/fates/core/pkg/scheduler"
	"github.com/Moirai-Labs/fates/core/pkg/submission"
	"github.com/Moirai-Labs/fates/core/pkg/threshold"
)

// node is a full engine wired over one sqlite database, the way
// runServer assembles it, with an adjustable clock.
type node struct {
	now         time.Time
	petitions   petition.Store
	ledger      *eventledger.SQLiteLedger
	gate        *haltgate.Gate
	submissions *submission.Service
	acks        *acknowledgment.Executor
	referrals   *referral.Executor
	runner      *scheduler.Runner
	queue       *escalationqueue.Queue
	monitor     *orphan.Monitor
}

func newNode(t *testing.T) *node {
	t.Helper()
	db, err := sql.Open("sqlite", ":memory:")
	require.NoError(t, err)
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = db.Close() })

	n := &node{now: time.Date(2026, 7, 1, 9, 0, 0, 0, time.UTC)}
	clock := func() time.Time { return n.now }

	petitions, err := petition.NewSQLiteStore(db)
	require.NoError(t, err)
	n.petitions = petitions

	n.ledger, err = eventledger.NewSQLiteLedger(db)
	require.NoError(t, err)
	n.ledger.WithClock(clock)

	n.gate = haltgate.New().WithClock(clock)

	coordinator, err := fate.NewCoordinator(petitions, n.ledger, n.gate)
	require.NoError(t, err)
	coordinator.WithClock(clock)

	realms := submission.NewRealmRegistry("governance",
		submission.Realm{Name: "governance", KingID: "king-1"})
	n.submissions = submission.NewService(petitions, n.ledger, coordinator, n.gate, realms).
		WithThreshold(threshold.NewExecutor(petitions, coordinator, n.gate)).
		WithClock(clock)

	ackStore, err := acknowledgment.NewSQLiteStore(db)
	require.NoError(t, err)
	n.acks = acknowledgment.NewExecutor(ackStore, petitions, coordinator, n.gate).WithClock(clock)

	jobStore, err := scheduler.NewSQLiteStore(db)
	require.NoError(t, err)
	n.runner = scheduler.NewRunner(jobStore, n.gate, time.Second).WithClock(clock)

	referralStore, err := referral.NewSQLiteStore(db)
	require.NoError(t, err)
	n.referrals = referral.NewExecutor(referralStore, petitions, coordinator, n.acks, n.runner, n.gate).
		WithClock(clock)

	n.queue = escalationqueue.New(petitions, n.gate).
		WithRealmAuthority(realms).
		WithEvents(n.ledger).
		WithAcknowledgments(n.acks)

	n.monitor = orphan.NewMonitor(petitions, n.ledger).WithClock(clock)
	return n
}

func TestGrievanceThresholdToKingAcknowledgment(t *testing.T) {
	n := newNode(t)
	ctx := context.Background()

	p, err := n.submissions.Submit(ctx, submission.SubmitRequest{
		Type:        contracts.PetitionTypeGrievance,
		Text:        "the mill levy doubled without a hearing",
		SubmitterID: "citizen-0",
	})
	require.NoError(t, err)

	var last *submission.CoSignResult
	for i := 1; i <= 50; i++ {
		last, err = n.submissions.CoSign(ctx, p.ID, fmt.Sprintf("citizen-%d", i))
		require.NoError(t, err)
	}
	require.True(t, last.Escalated)
	assert.Equal(t, 50, last.CoSignerCount)

	got, err := n.petitions.Get(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, contracts.StateEscalated, got.State)
	assert.Equal(t, contracts.EscalationSourceCoSignerThreshold, got.EscalationSource)

	page, err := n.queue.GetQueue(ctx, "king-1", "governance", "", 10)
	require.NoError(t, err)
	require.Len(t, page.Items, 1)
	assert.Equal(t, p.ID, page.Items[0].PetitionID)

	pkg, err := n.queue.GetDecisionPackage(ctx, p.ID, "governance")
	require.NoError(t, err)
	assert.NotEmpty(t, pkg.Events)

	rationale := "After review of the levy schedule and the assembly minutes, the crown " +
		"finds the increase was enacted without the required public hearing and directs a remedy."
	ack, err := n.acks.ExecuteKing(ctx, p.ID, "king-1", contracts.ReasonAddressed, rationale, "governance")
	require.NoError(t, err)
	assert.Equal(t, "king-1", ack.AcknowledgedByKingID)

	// The king acknowledgment is record-only; the petition keeps its fate.
	got, err = n.petitions.Get(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, contracts.StateEscalated, got.State)

	require.NoError(t, n.ledger.Verify(ctx))
}

func TestReferralDeadlineExpiresThroughScheduler(t *testing.T) {
	n := newNode(t)
	ctx := context.Background()

	p, err := n.submissions.Submit(ctx, submission.SubmitRequest{
		Type:        contracts.PetitionTypeGeneral,
		Text:        "rezone the old granary district",
		SubmitterID: "citizen-1",
	})
	require.NoError(t, err)
	require.NoError(t, n.petitions.UpdateState(ctx, p.ID, contracts.StateDeliberating))

	r, err := n.referrals.Execute(ctx, p.ID, "governance", 2)
	require.NoError(t, err)

	got, err := n.petitions.Get(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, contracts.StateReferred, got.State)

	// Before the deadline nothing fires.
	ran, err := n.runner.RunDue(ctx)
	require.NoError(t, err)
	assert.Zero(t, ran)

	n.now = r.Deadline.Add(time.Minute)
	ran, err = n.runner.RunDue(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, ran)

	// Timeout closes through the system acknowledgment; REFERRED is
	// terminal so the state does not move.
	ack, err := n.acks.GetByPetition(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, contracts.ReasonExpired, ack.ReasonCode)

	got, err = n.petitions.Get(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, contracts.StateReferred, got.State)

	require.NoError(t, n.ledger.Verify(ctx))
}

func TestOrphanScanAcrossRestart(t *testing.T) {
	n := newNode(t)
	ctx := context.Background()

	p, err := n.submissions.Submit(ctx, submission.SubmitRequest{
		Type:        contracts.PetitionTypeGeneral,
		Text:        "the harbor light has been dark for a month",
		SubmitterID: "citizen-1",
	})
	require.NoError(t, err)

	n.now = n.now.Add(25 * time.Hour)
	detection, err := n.monitor.Detect(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, detection.OrphanCount)
	assert.Equal(t, []string{p.ID}, detection.PetitionIDs)
}

func TestHaltBlocksEveryWritePath(t *testing.T) {
	n := newNode(t)
	ctx := context.Background()

	p, err := n.submissions.Submit(ctx, submission.SubmitRequest{
		Type:        contracts.PetitionTypeGeneral,
		Text:        "pave the cattle track",
		SubmitterID: "citizen-1",
	})
	require.NoError(t, err)

	_, err = n.gate.Halt(ctx, "operator-1", "ledger maintenance")
	require.NoError(t, err)

	_, err = n.submissions.Submit(ctx, submission.SubmitRequest{
		Type: contracts.PetitionTypeGeneral, Text: "x",
	})
	assert.Error(t, err)
	_, err = n.submissions.CoSign(ctx, p.ID, "citizen-2")
	assert.Error(t, err)
	_, err = n.acks.ExecuteKing(ctx, p.ID, "king-1", contracts.ReasonAddressed, "r", "governance")
	assert.Error(t, err)
	_, err = n.queue.GetQueue(ctx, "king-1", "governance", "", 10)
	assert.Error(t, err)

	_, err = n.gate.Resume(ctx, "operator-1", "maintenance complete")
	require.NoError(t, err)
	_, err = n.submissions.CoSign(ctx, p.ID, "citizen-2")
	assert.NoError(t, err)
}

func TestRunHelp(t *testing.T) {
	var out testWriter
	assert.Equal(t, 0, run([]string{"fates-node", "help"}, &out))
	assert.Contains(t, out.String(), "Usage: fates-node")

	assert.Equal(t, 1, run([]string{"fates-node", "bogus"}, &out))
}

type testWriter struct{ data []byte }

func (w *testWriter) Write(p []byte) (int, error) {
	w.data = append(w.data, p...)
	return len(p), nil
}

func (w *testWriter) String() string { return string(w.data) }
