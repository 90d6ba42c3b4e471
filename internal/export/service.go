package export

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/google/uuid"

	"shopfloor/internal/queue"
	"shopfloor/internal/types"
)

// Enqueuer schedules export.generate jobs.
type Enqueuer interface {
	Enqueue(ctx context.Context, jobType string, payload any, opts queue.EnqueueOptions) (*types.JobRecord, error)
}

// Service is the request-side entry point: it creates export jobs and
// reads their progress.
type Service struct {
	jobs   JobStore
	queue  Enqueuer
	logger *slog.Logger
}

func NewService(jobs JobStore, q Enqueuer, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{jobs: jobs, queue: q, logger: logger}
}

// Submit creates a pending export job and enqueues its persisted
// export.generate job.
func (s *Service) Submit(ctx context.Context, exportType string, params json.RawMessage) (*types.ExportJob, error) {
	if !ValidType(exportType) {
		return nil, types.NewAppErrorWithDetails(types.ErrCodeValidationExportType,
			fmt.Sprintf("unknown export type %q", exportType), nil,
			map[string]any{"supported": []string{types.ExportMaterialsCSV, types.ExportMaterialsJSON}})
	}
	job := &types.ExportJob{
		ID:     uuid.NewString(),
		Type:   exportType,
		Status: types.ExportPending,
		Params: params,
		Parts:  []types.ExportPart{},
	}
	if err := s.jobs.Create(ctx, job); err != nil {
		return nil, err
	}
	if _, err := s.queue.Enqueue(ctx, types.JobTypeExportGenerate, types.ExportGeneratePayload{ExportJobID: job.ID}, queue.EnqueueOptions{Persist: true}); err != nil {
		return nil, fmt.Errorf("enqueue export %s: %w", job.ID, err)
	}
	s.logger.InfoContext(ctx, "export submitted", "export_id", job.ID, "type", exportType)
	return job, nil
}

// Get returns an export job with its parts.
func (s *Service) Get(ctx context.Context, id string) (*types.ExportJob, error) {
	return s.jobs.Get(ctx, id)
}
