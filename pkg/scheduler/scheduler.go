// Package scheduler runs durable, idempotent deferred jobs. Referral
// deadline expiry is the primary client; jobs survive process restarts
// because the store is the source of truth, not the in-process timer.
package scheduler

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/Moirai-Labs/fates/core/pkg/haltgate"
	"github.com/Moirai-Labs/fates/core/pkg/kernel/fault"
)

// Job statuses. A job is claimed by marking it RUNNING, then either
// DONE, CANCELLED, or back to PENDING with a pushed-out run_at.
const (
	JobPending   = "PENDING"
	JobRunning   = "RUNNING"
	JobDone      = "DONE"
	JobCancelled = "CANCELLED"
)

// Job is one scheduled unit of work. JobID doubles as the idempotency
// key: scheduling the same ID twice is a no-op.
type Job struct {
	JobID    string
	JobType  string
	Payload  map[string]any
	RunAt    time.Time
	Status   string
	Attempts int
}

// Store persists jobs. Implementations must make Schedule idempotent
// on JobID and Claim atomic so two runners cannot claim the same job.
type Store interface {
	Schedule(ctx context.Context, job Job) error
	Claim(ctx context.Context, now time.Time, limit int) ([]Job, error)
	MarkDone(ctx context.Context, jobID string) error
	Requeue(ctx context.Context, jobID string, runAt time.Time) error
	Cancel(ctx context.Context, jobID string) error
}

// Handler executes one job. Returning an error requeues the job with
// backoff; handlers must therefore tolerate redelivery.
type Handler func(ctx context.Context, job Job) error

// Runner polls the store for due jobs and dispatches them to
// registered handlers. While the system is halted the poll still
// happens but nothing executes, so due jobs sit PENDING until resume.
type Runner struct {
	mu       sync.Mutex
	store    Store
	handlers map[string]Handler
	halt     haltgate.Checker
	logger   *slog.Logger
	clock    func() time.Time
	interval time.Duration
	policy   BackoffPolicy
	batch    int
}

// NewRunner builds a runner polling at the given interval.
func NewRunner(store Store, halt haltgate.Checker, interval time.Duration) *Runner {
	return &Runner{
		store:    store,
		handlers: make(map[string]Handler),
		halt:     halt,
		logger:   slog.Default(),
		clock:    time.Now,
		interval: interval,
		policy:   DefaultBackoffPolicy,
		batch:    50,
	}
}

// WithClock overrides the clock for deterministic testing.
func (r *Runner) WithClock(clock func() time.Time) *Runner {
	r.clock = clock
	return r
}

// WithLogger overrides the default logger.
func (r *Runner) WithLogger(logger *slog.Logger) *Runner {
	r.logger = logger
	return r
}

// WithBackoffPolicy overrides the requeue backoff policy.
func (r *Runner) WithBackoffPolicy(policy BackoffPolicy) *Runner {
	r.policy = policy
	return r
}

// Register binds a handler to a job type. Re-registering a type
// replaces the previous handler.
func (r *Runner) Register(jobType string, handler Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[jobType] = handler
}

func (r *Runner) handlerFor(jobType string) (Handler, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	h, ok := r.handlers[jobType]
	return h, ok
}

// Schedule persists a job. Scheduling an already-known JobID is a
// silent no-op.
func (r *Runner) Schedule(ctx context.Context, job Job) error {
	if job.JobID == "" || job.JobType == "" {
		return fault.New(fault.KindValidation, "job requires job_id and job_type")
	}
	if job.Status == "" {
		job.Status = JobPending
	}
	return r.store.Schedule(ctx, job)
}

// Cancel marks a pending job cancelled so it never runs.
func (r *Runner) Cancel(ctx context.Context, jobID string) error {
	return r.store.Cancel(ctx, jobID)
}

// RunDue claims and executes every job due at now. Returns the number
// of jobs that completed.
func (r *Runner) RunDue(ctx context.Context) (int, error) {
	if r.halt != nil && r.halt.IsHalted() {
		reason, _ := r.halt.HaltReason()
		r.logger.Warn("scheduler paused while system is halted", "reason", reason)
		return 0, nil
	}

	now := r.clock()
	jobs, err := r.store.Claim(ctx, now, r.batch)
	if err != nil {
		return 0, err
	}

	completed := 0
	for _, job := range jobs {
		handler, ok := r.handlerFor(job.JobType)
		if !ok {
			r.logger.Error("no handler for job type", "job_id", job.JobID, "job_type", job.JobType)
			retryAt := now.Add(ComputeBackoff(job.JobID, job.Attempts, r.policy))
			if err := r.store.Requeue(ctx, job.JobID, retryAt); err != nil {
				return completed, err
			}
			continue
		}

		if err := handler(ctx, job); err != nil {
			retryAt := now.Add(ComputeBackoff(job.JobID, job.Attempts, r.policy))
			r.logger.Error("job failed, requeueing",
				"job_id", job.JobID, "job_type", job.JobType,
				"attempt", job.Attempts, "retry_at", retryAt, "error", err)
			if err := r.store.Requeue(ctx, job.JobID, retryAt); err != nil {
				return completed, err
			}
			continue
		}

		if err := r.store.MarkDone(ctx, job.JobID); err != nil {
			return completed, err
		}
		completed++
	}
	return completed, nil
}

// Start polls until the context is cancelled.
func (r *Runner) Start(ctx context.Context) {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := r.RunDue(ctx); err != nil {
				r.logger.Error("scheduler pass failed", "error", err)
			}
		}
	}
}
