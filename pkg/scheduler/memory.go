package scheduler

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/Moirai-Labs/fates/core/pkg/kernel/fault"
)

// MemoryStore is the in-memory Store used by tests and single-process
// deployments.
type MemoryStore struct {
	mu   sync.Mutex
	jobs map[string]*Job
}

// NewMemoryStore creates an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{jobs: make(map[string]*Job)}
}

func (s *MemoryStore) Schedule(_ context.Context, job Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.jobs[job.JobID]; exists {
		return nil
	}
	j := job
	s.jobs[job.JobID] = &j
	return nil
}

func (s *MemoryStore) Claim(_ context.Context, now time.Time, limit int) ([]Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var due []*Job
	for _, j := range s.jobs {
		if j.Status == JobPending && !j.RunAt.After(now) {
			due = append(due, j)
		}
	}
	sort.Slice(due, func(i, k int) bool {
		if !due[i].RunAt.Equal(due[k].RunAt) {
			return due[i].RunAt.Before(due[k].RunAt)
		}
		return due[i].JobID < due[k].JobID
	})
	if limit > 0 && len(due) > limit {
		due = due[:limit]
	}

	out := make([]Job, 0, len(due))
	for _, j := range due {
		j.Status = JobRunning
		j.Attempts++
		out = append(out, *j)
	}
	return out, nil
}

func (s *MemoryStore) MarkDone(_ context.Context, jobID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[jobID]
	if !ok {
		return fault.New(fault.KindNotFound, "job %s not found", jobID)
	}
	j.Status = JobDone
	return nil
}

func (s *MemoryStore) Requeue(_ context.Context, jobID string, runAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[jobID]
	if !ok {
		return fault.New(fault.KindNotFound, "job %s not found", jobID)
	}
	j.Status = JobPending
	j.RunAt = runAt
	return nil
}

func (s *MemoryStore) Cancel(_ context.Context, jobID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[jobID]
	if !ok {
		return fault.New(fault.KindNotFound, "job %s not found", jobID)
	}
	if j.Status == JobDone {
		return fault.New(fault.KindConflict, "job %s already done", jobID)
	}
	j.Status = JobCancelled
	return nil
}

// Get returns a snapshot of a job, for tests.
func (s *MemoryStore) Get(jobID string) (Job, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[jobID]
	if !ok {
		return Job{}, false
	}
	return *j, true
}

var _ Store = (*MemoryStore)(nil)
