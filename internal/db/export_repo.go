package db

import (
	"context"
	"encoding/json"
	"time"

	"shopfloor/internal/types"
)

// ExportJobRepository tracks long-running exports in export_jobs. The parts
// column is a JSONB array that only grows.
type ExportJobRepository struct {
	db DBTX
}

// NewExportJobRepository creates a new ExportJobRepository backed by the
// given database connection (pool or transaction).
func NewExportJobRepository(db DBTX) *ExportJobRepository {
	return &ExportJobRepository{db: db}
}

const exportColumns = `id, type, status, params, attempts, parts, total_rows,
	result_url, file_key, error_message, created_at, updated_at, completed_at`

// Create inserts a new export job in pending state.
func (r *ExportJobRepository) Create(ctx context.Context, job *types.ExportJob) error {
	params := []byte(job.Params)
	if len(params) == 0 {
		params = []byte("{}")
	}
	err := r.db.QueryRow(ctx,
		`INSERT INTO export_jobs (id, type, status, params, attempts, parts, total_rows, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, 0, '[]'::jsonb, 0, NOW(), NOW())
		 RETURNING created_at, updated_at`,
		job.ID,
		job.Type,
		string(job.Status),
		params,
	).Scan(&job.CreatedAt, &job.UpdatedAt)
	if err != nil {
		return types.NewAppError(types.ErrCodeInternalDB, "failed to create export job", err)
	}
	return nil
}

// Get returns an export job with its recorded parts.
func (r *ExportJobRepository) Get(ctx context.Context, id string) (*types.ExportJob, error) {
	var (
		job    types.ExportJob
		params []byte
		parts  []byte
		status string
	)
	err := r.db.QueryRow(ctx,
		`SELECT `+exportColumns+` FROM export_jobs WHERE id = $1`, id,
	).Scan(
		&job.ID,
		&job.Type,
		&status,
		&params,
		&job.Attempts,
		&parts,
		&job.TotalRows,
		&job.ResultURL,
		&job.FileKey,
		&job.ErrorMessage,
		&job.CreatedAt,
		&job.UpdatedAt,
		&job.CompletedAt,
	)
	if err != nil {
		if isNoRows(err) {
			return nil, types.NewAppError(types.ErrCodeNotFoundExport, "export job not found", err)
		}
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to get export job", err)
	}
	job.Status = types.ExportStatus(status)
	job.Params = params
	job.Parts = []types.ExportPart{}
	if len(parts) > 0 {
		if err := json.Unmarshal(parts, &job.Parts); err != nil {
			return nil, types.NewAppError(types.ErrCodeInternalUnexpected, "corrupt export parts", err)
		}
	}
	return &job, nil
}

// MarkProcessing moves a non-completed job to processing and counts the
// attempt. A completed job is left untouched and reported as a conflict.
func (r *ExportJobRepository) MarkProcessing(ctx context.Context, id string) error {
	tag, err := r.db.Exec(ctx,
		`UPDATE export_jobs
		 SET status = 'processing', attempts = attempts + 1, error_message = NULL, updated_at = NOW()
		 WHERE id = $1 AND status <> 'completed'`,
		id,
	)
	if err != nil {
		return types.NewAppError(types.ErrCodeInternalDB, "failed to mark export processing", err)
	}
	if tag.RowsAffected() == 0 {
		return types.NewAppError(types.ErrCodeConflictExportState, "export job is completed or missing", nil)
	}
	return nil
}

// AppendPart records one written batch and moves the job to partial. The
// update only applies when the job currently holds exactly part.Index-1
// parts, so a part can never be recorded twice or out of order.
func (r *ExportJobRepository) AppendPart(ctx context.Context, id string, part types.ExportPart) error {
	encoded, err := json.Marshal(part)
	if err != nil {
		return types.NewAppError(types.ErrCodeInternalUnexpected, "failed to encode export part", err)
	}
	tag, err := r.db.Exec(ctx,
		`UPDATE export_jobs
		 SET parts = parts || jsonb_build_array($2::jsonb),
		     total_rows = total_rows + $3,
		     status = 'partial',
		     updated_at = NOW()
		 WHERE id = $1 AND jsonb_array_length(parts) = $4`,
		id,
		encoded,
		part.Rows,
		part.Index-1,
	)
	if err != nil {
		return types.NewAppError(types.ErrCodeInternalDB, "failed to record export part", err)
	}
	if tag.RowsAffected() == 0 {
		return types.NewAppError(types.ErrCodeConflictExportState, "export part out of sequence", nil)
	}
	return nil
}

// Complete marks the job completed with its manifest key and download URL.
func (r *ExportJobRepository) Complete(ctx context.Context, id, fileKey string, resultURL *string, at time.Time) error {
	_, err := r.db.Exec(ctx,
		`UPDATE export_jobs
		 SET status = 'completed', file_key = $2, result_url = $3,
		     error_message = NULL, completed_at = $4, updated_at = NOW()
		 WHERE id = $1`,
		id, fileKey, resultURL, at,
	)
	if err != nil {
		return types.NewAppError(types.ErrCodeInternalDB, "failed to complete export job", err)
	}
	return nil
}

// Fail marks the job failed. Recorded parts are kept.
func (r *ExportJobRepository) Fail(ctx context.Context, id, message string) error {
	_, err := r.db.Exec(ctx,
		`UPDATE export_jobs
		 SET status = 'failed', error_message = $2, updated_at = NOW()
		 WHERE id = $1`,
		id, message,
	)
	if err != nil {
		return types.NewAppError(types.ErrCodeInternalDB, "failed to mark export failed", err)
	}
	return nil
}
