package scheduler

import (
	"context"
	"database/sql"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Moirai-Labs/fates/core/pkg/haltgate"
)

func eachStore(t *testing.T, run func(t *testing.T, s Store)) {
	t.Run("memory", func(t *testing.T) { run(t, NewMemoryStore()) })
	t.Run("sqlite", func(t *testing.T) { run(t, newSQLiteStore(t)) })
}

func newSQLiteStore(t *testing.T) *SQLiteStore {
	t.Helper()
	db, err := sql.Open("sqlite", ":memory:")
	require.NoError(t, err)
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = db.Close() })
	s, err := NewSQLiteStore(db)
	require.NoError(t, err)
	return s
}

func TestScheduleIsIdempotent(t *testing.T) {
	eachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		now := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

		job := Job{JobID: "j-1", JobType: "referral_timeout", RunAt: now, Status: JobPending}
		require.NoError(t, s.Schedule(ctx, job))

		// Second schedule with different run_at must not override.
		dup := job
		dup.RunAt = now.Add(time.Hour)
		require.NoError(t, s.Schedule(ctx, dup))

		claimed, err := s.Claim(ctx, now, 10)
		require.NoError(t, err)
		require.Len(t, claimed, 1)
		assert.Equal(t, now, claimed[0].RunAt)
		assert.Equal(t, 1, claimed[0].Attempts)
	})
}

func TestClaimOnlyDueJobs(t *testing.T) {
	eachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		now := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

		require.NoError(t, s.Schedule(ctx, Job{JobID: "due", JobType: "t", RunAt: now.Add(-time.Minute), Status: JobPending}))
		require.NoError(t, s.Schedule(ctx, Job{JobID: "future", JobType: "t", RunAt: now.Add(time.Minute), Status: JobPending}))

		claimed, err := s.Claim(ctx, now, 10)
		require.NoError(t, err)
		require.Len(t, claimed, 1)
		assert.Equal(t, "due", claimed[0].JobID)

		// Claimed jobs are not claimed again.
		again, err := s.Claim(ctx, now, 10)
		require.NoError(t, err)
		assert.Empty(t, again)
	})
}

func TestRequeuePushesRunAt(t *testing.T) {
	eachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		now := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

		require.NoError(t, s.Schedule(ctx, Job{JobID: "j-1", JobType: "t", RunAt: now, Status: JobPending}))
		_, err := s.Claim(ctx, now, 10)
		require.NoError(t, err)

		retryAt := now.Add(30 * time.Second)
		require.NoError(t, s.Requeue(ctx, "j-1", retryAt))

		early, err := s.Claim(ctx, now, 10)
		require.NoError(t, err)
		assert.Empty(t, early)

		later, err := s.Claim(ctx, retryAt, 10)
		require.NoError(t, err)
		require.Len(t, later, 1)
		assert.Equal(t, 2, later[0].Attempts)
	})
}

func TestCancelPendingJob(t *testing.T) {
	eachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		now := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

		require.NoError(t, s.Schedule(ctx, Job{JobID: "j-1", JobType: "t", RunAt: now, Status: JobPending}))
		require.NoError(t, s.Cancel(ctx, "j-1"))

		claimed, err := s.Claim(ctx, now, 10)
		require.NoError(t, err)
		assert.Empty(t, claimed)
	})
}

func TestRunnerExecutesAndCompletes(t *testing.T) {
	store := NewMemoryStore()
	gate := haltgate.New()
	now := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	runner := NewRunner(store, gate, time.Second).WithClock(func() time.Time { return now })

	var got []string
	runner.Register("referral_timeout", func(_ context.Context, job Job) error {
		got = append(got, job.JobID)
		return nil
	})

	ctx := context.Background()
	require.NoError(t, runner.Schedule(ctx, Job{JobID: "j-1", JobType: "referral_timeout", RunAt: now.Add(-time.Second)}))

	completed, err := runner.RunDue(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, completed)
	assert.Equal(t, []string{"j-1"}, got)

	job, ok := store.Get("j-1")
	require.True(t, ok)
	assert.Equal(t, JobDone, job.Status)
}

func TestRunnerSkipsWhileHalted(t *testing.T) {
	store := NewMemoryStore()
	gate := haltgate.New()
	now := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	runner := NewRunner(store, gate, time.Second).WithClock(func() time.Time { return now })

	ran := false
	runner.Register("t", func(context.Context, Job) error {
		ran = true
		return nil
	})

	ctx := context.Background()
	require.NoError(t, runner.Schedule(ctx, Job{JobID: "j-1", JobType: "t", RunAt: now.Add(-time.Second)}))
	_, err := gate.Halt(ctx, "operator", "maintenance")
	require.NoError(t, err)

	completed, err := runner.RunDue(ctx)
	require.NoError(t, err)
	assert.Zero(t, completed)
	assert.False(t, ran)

	// Job is still pending after resume.
	_, err = gate.Resume(ctx, "operator", "maintenance complete")
	require.NoError(t, err)
	completed, err = runner.RunDue(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, completed)
	assert.True(t, ran)
}

func TestRunnerRequeuesFailedJobs(t *testing.T) {
	store := NewMemoryStore()
	now := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	runner := NewRunner(store, haltgate.New(), time.Second).
		WithClock(func() time.Time { return now })

	calls := 0
	runner.Register("t", func(context.Context, Job) error {
		calls++
		if calls == 1 {
			return errors.New("downstream unavailable")
		}
		return nil
	})

	ctx := context.Background()
	require.NoError(t, runner.Schedule(ctx, Job{JobID: "j-1", JobType: "t", RunAt: now.Add(-time.Second)}))

	completed, err := runner.RunDue(ctx)
	require.NoError(t, err)
	assert.Zero(t, completed)

	job, ok := store.Get("j-1")
	require.True(t, ok)
	assert.Equal(t, JobPending, job.Status)
	assert.True(t, job.RunAt.After(now))

	// Advance past the retry time and run again.
	now = job.RunAt.Add(time.Second)
	completed, err = runner.RunDue(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, completed)
	assert.Equal(t, 2, calls)
}

func TestRestartSurvivability(t *testing.T) {
	db, err := sql.Open("sqlite", ":memory:")
	require.NoError(t, err)
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = db.Close() })

	ctx := context.Background()
	now := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

	first, err := NewSQLiteStore(db)
	require.NoError(t, err)
	require.NoError(t, first.Schedule(ctx, Job{JobID: "j-1", JobType: "t", RunAt: now, Status: JobPending}))

	// A fresh store over the same database sees the job.
	second, err := NewSQLiteStore(db)
	require.NoError(t, err)
	claimed, err := second.Claim(ctx, now, 10)
	require.NoError(t, err)
	require.Len(t, claimed, 1)
	assert.Equal(t, "j-1", claimed[0].JobID)
}

func TestBackoffDeterministic(t *testing.T) {
	policy := DefaultBackoffPolicy

	a := ComputeBackoff("j-1", 3, policy)
	b := ComputeBackoff("j-1", 3, policy)
	assert.Equal(t, a, b)

	// Delay grows with attempts until the cap.
	assert.Greater(t, ComputeBackoff("j-1", 4, policy), ComputeBackoff("j-1", 1, policy))

	capped := ComputeBackoff("j-1", 40, policy)
	maxTotal := time.Duration(policy.MaxMs+policy.MaxJitterMs) * time.Millisecond
	assert.LessOrEqual(t, capped, maxTotal)
}
