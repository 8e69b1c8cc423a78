package scheduler

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"github.com/Moirai-Labs/fates/core/pkg/kernel/fault"
)

const sqliteTimeLayout = "2006-01-02T15:04:05.000000000Z07:00"

// SQLiteStore is the embedded durable Store. Jobs scheduled before a
// crash are claimed on the next pass after restart.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore migrates the schema and returns the store.
func NewSQLiteStore(db *sql.DB) (*SQLiteStore, error) {
	s := &SQLiteStore{db: db}
	if err := s.migrate(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *SQLiteStore) migrate() error {
	query := `
	CREATE TABLE IF NOT EXISTS jobs (
		job_id TEXT PRIMARY KEY,
		job_type TEXT NOT NULL,
		payload TEXT NOT NULL,
		run_at TEXT NOT NULL,
		status TEXT NOT NULL,
		attempts INTEGER NOT NULL DEFAULT 0
	);
	CREATE INDEX IF NOT EXISTS idx_jobs_due ON jobs(status, run_at);`
	if _, err := s.db.ExecContext(context.Background(), query); err != nil {
		return fmt.Errorf("scheduler: migrate: %w", err)
	}
	return nil
}

func (s *SQLiteStore) Schedule(ctx context.Context, job Job) error {
	payload, err := json.Marshal(job.Payload)
	if err != nil {
		return fault.Wrap(fault.KindValidation, err, "marshal payload for job %s", job.JobID)
	}
	status := job.Status
	if status == "" {
		status = JobPending
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO jobs (job_id, job_type, payload, run_at, status, attempts)
		 VALUES (?, ?, ?, ?, ?, ?)
		 ON CONFLICT (job_id) DO NOTHING`,
		job.JobID, job.JobType, string(payload),
		job.RunAt.UTC().Format(sqliteTimeLayout), status, job.Attempts)
	if err != nil {
		return fault.Wrap(fault.KindTransient, err, "schedule job %s", job.JobID)
	}
	return nil
}

func (s *SQLiteStore) Claim(ctx context.Context, now time.Time, limit int) ([]Job, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fault.Wrap(fault.KindTransient, err, "begin claim")
	}
	defer func() { _ = tx.Rollback() }()

	rows, err := tx.QueryContext(ctx,
		`SELECT job_id, job_type, payload, run_at, status, attempts
		 FROM jobs WHERE status = ? AND run_at <= ?
		 ORDER BY run_at ASC, job_id ASC LIMIT ?`,
		JobPending, now.UTC().Format(sqliteTimeLayout), limit)
	if err != nil {
		return nil, fault.Wrap(fault.KindTransient, err, "select due jobs")
	}

	var jobs []Job
	for rows.Next() {
		var (
			j          Job
			payloadRaw string
			runAt      string
		)
		if err := rows.Scan(&j.JobID, &j.JobType, &payloadRaw, &runAt, &j.Status, &j.Attempts); err != nil {
			_ = rows.Close()
			return nil, fault.Wrap(fault.KindTransient, err, "scan job row")
		}
		if err := json.Unmarshal([]byte(payloadRaw), &j.Payload); err != nil {
			_ = rows.Close()
			return nil, fault.Wrap(fault.KindTransient, err, "corrupt payload on job %s", j.JobID)
		}
		t, err := time.Parse(time.RFC3339Nano, runAt)
		if err != nil {
			_ = rows.Close()
			return nil, fault.Wrap(fault.KindTransient, err, "parse run_at on job %s", j.JobID)
		}
		j.RunAt = t.UTC()
		jobs = append(jobs, j)
	}
	if err := rows.Err(); err != nil {
		_ = rows.Close()
		return nil, fault.Wrap(fault.KindTransient, err, "iterate job rows")
	}
	_ = rows.Close()

	for i := range jobs {
		if _, err := tx.ExecContext(ctx,
			`UPDATE jobs SET status = ?, attempts = attempts + 1 WHERE job_id = ?`,
			JobRunning, jobs[i].JobID); err != nil {
			return nil, fault.Wrap(fault.KindTransient, err, "claim job %s", jobs[i].JobID)
		}
		jobs[i].Status = JobRunning
		jobs[i].Attempts++
	}
	if err := tx.Commit(); err != nil {
		return nil, fault.Wrap(fault.KindTransient, err, "commit claim")
	}
	return jobs, nil
}

func (s *SQLiteStore) MarkDone(ctx context.Context, jobID string) error {
	return s.setStatus(ctx, jobID, JobDone, nil)
}

func (s *SQLiteStore) Requeue(ctx context.Context, jobID string, runAt time.Time) error {
	formatted := runAt.UTC().Format(sqliteTimeLayout)
	return s.setStatus(ctx, jobID, JobPending, &formatted)
}

func (s *SQLiteStore) Cancel(ctx context.Context, jobID string) error {
	result, err := s.db.ExecContext(ctx,
		`UPDATE jobs SET status = ? WHERE job_id = ? AND status <> ?`,
		JobCancelled, jobID, JobDone)
	if err != nil {
		return fault.Wrap(fault.KindTransient, err, "cancel job %s", jobID)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fault.Wrap(fault.KindTransient, err, "cancel job %s", jobID)
	}
	if affected == 0 {
		var status string
		err := s.db.QueryRowContext(ctx, `SELECT status FROM jobs WHERE job_id = ?`, jobID).Scan(&status)
		if err == sql.ErrNoRows {
			return fault.New(fault.KindNotFound, "job %s not found", jobID)
		}
		if err != nil {
			return fault.Wrap(fault.KindTransient, err, "inspect job %s", jobID)
		}
		return fault.New(fault.KindConflict, "job %s already done", jobID)
	}
	return nil
}

func (s *SQLiteStore) setStatus(ctx context.Context, jobID, status string, runAt *string) error {
	var (
		result sql.Result
		err    error
	)
	if runAt != nil {
		result, err = s.db.ExecContext(ctx,
			`UPDATE jobs SET status = ?, run_at = ? WHERE job_id = ?`, status, *runAt, jobID)
	} else {
		result, err = s.db.ExecContext(ctx,
			`UPDATE jobs SET status = ? WHERE job_id = ?`, status, jobID)
	}
	if err != nil {
		return fault.Wrap(fault.KindTransient, err, "update job %s", jobID)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fault.Wrap(fault.KindTransient, err, "update job %s", jobID)
	}
	if affected == 0 {
		return fault.New(fault.KindNotFound, "job %s not found", jobID)
	}
	return nil
}

var _ Store = (*SQLiteStore)(nil)
