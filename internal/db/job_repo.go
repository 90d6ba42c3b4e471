package db

import (
	"context"
	"time"

	"shopfloor/internal/types"
)

// JobRepository persists JobRecords in the jobs table. It is the durable
// JobStore used for crash recovery; MarkRunning is the single-flight point.
type JobRepository struct {
	db DBTX
}

// NewJobRepository creates a new JobRepository backed by the given database
// connection (pool or transaction).
func NewJobRepository(db DBTX) *JobRepository {
	return &JobRepository{db: db}
}

const jobColumns = `id, type, payload, status, attempts, max_attempts,
	enqueued_at, scheduled_for, started_at, finished_at, last_error`

// Create inserts a new job record.
func (r *JobRepository) Create(ctx context.Context, job *types.JobRecord) error {
	_, err := r.db.Exec(ctx,
		`INSERT INTO jobs (id, type, payload, status, attempts, max_attempts, enqueued_at, scheduled_for)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		job.ID,
		job.Type,
		[]byte(job.Payload),
		string(job.Status),
		job.Attempts,
		job.MaxAttempts,
		job.EnqueuedAt,
		job.ScheduledFor,
	)
	if err != nil {
		return types.NewAppError(types.ErrCodeInternalDB, "failed to create job record", err)
	}
	return nil
}

// Get returns a job record by ID.
func (r *JobRepository) Get(ctx context.Context, id string) (*types.JobRecord, error) {
	job, err := scanJob(r.db.QueryRow(ctx,
		`SELECT `+jobColumns+` FROM jobs WHERE id = $1`, id))
	if err != nil {
		if isNoRows(err) {
			return nil, types.NewAppError(types.ErrCodeNotFoundJob, "job not found", err)
		}
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to get job record", err)
	}
	return job, nil
}

// MarkRunning transitions a pending record to running. It returns false when
// the record was not pending, meaning another execution already claimed it.
//
//	UPDATE jobs SET status = 'running' ... WHERE id = $1 AND status = 'pending'
func (r *JobRepository) MarkRunning(ctx context.Context, id string, at time.Time) (bool, error) {
	tag, err := r.db.Exec(ctx,
		`UPDATE jobs
		 SET status = 'running', started_at = $2
		 WHERE id = $1 AND status = 'pending'`,
		id, at,
	)
	if err != nil {
		return false, types.NewAppError(types.ErrCodeInternalDB, "failed to claim job", err)
	}
	return tag.RowsAffected() == 1, nil
}

// Save writes the mutable lifecycle fields of a record.
func (r *JobRepository) Save(ctx context.Context, job *types.JobRecord) error {
	tag, err := r.db.Exec(ctx,
		`UPDATE jobs
		 SET status = $2, attempts = $3, scheduled_for = $4,
		     started_at = $5, finished_at = $6, last_error = $7
		 WHERE id = $1`,
		job.ID,
		string(job.Status),
		job.Attempts,
		job.ScheduledFor,
		job.StartedAt,
		job.FinishedAt,
		job.LastError,
	)
	if err != nil {
		return types.NewAppError(types.ErrCodeInternalDB, "failed to save job record", err)
	}
	if tag.RowsAffected() == 0 {
		return types.NewAppError(types.ErrCodeNotFoundJob, "job not found", nil)
	}
	return nil
}

// ListUnfinished returns every pending or running record in enqueue order.
func (r *JobRepository) ListUnfinished(ctx context.Context) ([]*types.JobRecord, error) {
	rows, err := r.db.Query(ctx,
		`SELECT `+jobColumns+`
		 FROM jobs
		 WHERE status IN ('pending', 'running')
		 ORDER BY enqueued_at, id`,
	)
	if err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to list unfinished jobs", err)
	}
	defer rows.Close()

	var out []*types.JobRecord
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to scan job record", err)
		}
		out = append(out, job)
	}
	if err := rows.Err(); err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "error iterating jobs", err)
	}
	return out, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanJob(s scanner) (*types.JobRecord, error) {
	var (
		job     types.JobRecord
		payload []byte
		status  string
	)
	if err := s.Scan(
		&job.ID,
		&job.Type,
		&payload,
		&status,
		&job.Attempts,
		&job.MaxAttempts,
		&job.EnqueuedAt,
		&job.ScheduledFor,
		&job.StartedAt,
		&job.FinishedAt,
		&job.LastError,
	); err != nil {
		return nil, err
	}
	job.Payload = payload
	job.Status = types.JobStatus(status)
	job.Persisted = true
	return &job, nil
}
