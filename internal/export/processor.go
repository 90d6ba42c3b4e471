// Package export runs long exports as checkpointed batches. Each batch is
// written as its own part object and recorded on the export job before the
// next batch is read, so a re-run resumes after the last recorded part.
package export

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"shopfloor/internal/events"
	"shopfloor/internal/metrics"
	"shopfloor/internal/queue"
	"shopfloor/internal/types"
)

// JobStore persists export jobs and their parts.
type JobStore interface {
	Create(ctx context.Context, job *types.ExportJob) error
	Get(ctx context.Context, id string) (*types.ExportJob, error)
	MarkProcessing(ctx context.Context, id string) error
	AppendPart(ctx context.Context, id string, part types.ExportPart) error
	Complete(ctx context.Context, id, fileKey string, resultURL *string, at time.Time) error
	Fail(ctx context.Context, id, message string) error
}

// RowSource pages material rows by primary key.
type RowSource interface {
	ListAfter(ctx context.Context, afterID int64, limit int) ([]types.Material, error)
}

// Publisher emits export lifecycle events.
type Publisher interface {
	Publish(ctx context.Context, ev types.DomainEvent) types.DomainEvent
}

// Config controls batching and output layout.
type Config struct {
	BatchLimit int
	Prefix     string
	Compress   bool
	URLTTL     time.Duration
}

// Manifest lists an export's parts. Its key is the export's fileKey.
type Manifest struct {
	ExportJobID string             `json:"exportJobId"`
	Type        string             `json:"type"`
	TotalRows   int                `json:"totalRows"`
	Compression string             `json:"compression,omitempty"`
	Parts       []types.ExportPart `json:"parts"`
	CreatedAt   time.Time          `json:"createdAt"`
}

// Processor executes export.generate jobs.
type Processor struct {
	jobs    JobStore
	rows    RowSource
	objects ObjectStore
	bus     Publisher
	cfg     Config
	zstd    *compressor
	clock   types.Clock
	metrics *metrics.Metrics
	logger  *slog.Logger
}

// NewProcessor creates a Processor.
func NewProcessor(jobs JobStore, rows RowSource, objects ObjectStore, bus Publisher, cfg Config, clock types.Clock, m *metrics.Metrics, logger *slog.Logger) (*Processor, error) {
	if cfg.BatchLimit <= 0 {
		cfg.BatchLimit = 5000
	}
	if cfg.Prefix == "" {
		cfg.Prefix = "exports"
	}
	if cfg.URLTTL <= 0 {
		cfg.URLTTL = 24 * time.Hour
	}
	if clock == nil {
		clock = types.RealClock{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	p := &Processor{
		jobs:    jobs,
		rows:    rows,
		objects: objects,
		bus:     bus,
		cfg:     cfg,
		clock:   clock,
		metrics: m,
		logger:  logger,
	}
	if cfg.Compress {
		c, err := newCompressor()
		if err != nil {
			return nil, err
		}
		p.zstd = c
	}
	return p, nil
}

// HandleGenerate is the export.generate job handler.
func (p *Processor) HandleGenerate(ctx context.Context, payload json.RawMessage) error {
	var in types.ExportGeneratePayload
	if err := json.Unmarshal(payload, &in); err != nil || in.ExportJobID == "" {
		return types.NewAppError(types.ErrCodeValidationJobPayload, "export.generate requires exportJobId", err)
	}

	final := true
	if info, ok := queue.InfoFromContext(ctx); ok {
		final = info.Final()
	}
	return p.Run(ctx, in.ExportJobID, final)
}

// Run executes or resumes one export. A completed export is a no-op. When
// final is true a failure marks the export failed and publishes
// export.failed; otherwise the export keeps its parts for the next attempt.
func (p *Processor) Run(ctx context.Context, id string, final bool) error {
	start := time.Now()
	job, err := p.jobs.Get(ctx, id)
	if err != nil {
		return err
	}
	if job.Status == types.ExportCompleted {
		p.logger.InfoContext(ctx, "export already completed", "export_id", id)
		return nil
	}

	f, ok := formats[job.Type]
	if !ok {
		// Not retryable; the export is failed and the job itself completes.
		_ = p.fail(ctx, job, start, types.NewAppError(types.ErrCodeValidationExportType, fmt.Sprintf("unknown export type %q", job.Type), nil), true)
		return nil
	}

	if err := p.jobs.MarkProcessing(ctx, id); err != nil {
		var appErr *types.AppError
		if errors.As(err, &appErr) && appErr.Code == types.ErrCodeConflictExportState {
			// Completed by a concurrent run between Get and here.
			return nil
		}
		return err
	}

	if err := p.writeParts(ctx, job, f); err != nil {
		return p.fail(ctx, job, start, err, final)
	}

	fileKey, url, err := p.finish(ctx, job)
	if err != nil {
		return p.fail(ctx, job, start, err, final)
	}

	elapsed := time.Since(start)
	p.metrics.ObserveExport(job.Type, string(types.ExportCompleted), elapsed)
	p.logger.InfoContext(ctx, "export completed",
		"export_id", id,
		"type", job.Type,
		"rows", job.RowsWritten(),
		"parts", len(job.Parts),
		"duration_ms", elapsed.Milliseconds(),
	)
	p.publish(ctx, types.EventExportCompleted, types.ExportEventPayload{
		ExportJobID: id,
		Type:        job.Type,
		Rows:        job.RowsWritten(),
		Parts:       len(job.Parts),
		FileKey:     fileKey,
		DurationMS:  elapsed.Milliseconds(),
		ResultURL:   &url,
	})
	return nil
}

// writeParts appends batches after the job's checkpoint until a short batch.
func (p *Processor) writeParts(ctx context.Context, job *types.ExportJob, f format) error {
	offset, lastID := job.Checkpoint()
	if len(job.Parts) > 0 {
		p.logger.InfoContext(ctx, "resuming export",
			"export_id", job.ID,
			"parts", len(job.Parts),
			"offset", offset,
			"last_id", lastID,
		)
	}

	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		rows, err := p.rows.ListAfter(ctx, lastID, p.cfg.BatchLimit)
		if err != nil {
			return err
		}
		if len(rows) == 0 {
			return nil
		}

		body, err := f.encode(rows)
		if err != nil {
			return err
		}
		part := types.ExportPart{
			Index:  len(job.Parts) + 1,
			Offset: offset,
			Rows:   len(rows),
			LastID: rows[len(rows)-1].ID,
		}
		part.Key = p.partKey(job.ID, part.Index, f.ext)
		if p.zstd != nil {
			body = p.zstd.compress(body)
		}
		if err := p.objects.Put(ctx, part.Key, body, p.contentType(f)); err != nil {
			return err
		}
		part.WrittenAt = p.clock.Now()
		if err := p.jobs.AppendPart(ctx, job.ID, part); err != nil {
			return err
		}

		job.Parts = append(job.Parts, part)
		job.TotalRows += part.Rows
		p.metrics.AddExportRows(job.Type, part.Rows)
		p.logger.DebugContext(ctx, "export part written",
			"export_id", job.ID,
			"part", part.Index,
			"rows", part.Rows,
			"key", part.Key,
		)

		offset += len(rows)
		lastID = part.LastID
		if len(rows) < p.cfg.BatchLimit {
			return nil
		}
	}
}

func (p *Processor) finish(ctx context.Context, job *types.ExportJob) (string, string, error) {
	now := p.clock.Now()
	m := Manifest{
		ExportJobID: job.ID,
		Type:        job.Type,
		TotalRows:   job.RowsWritten(),
		Parts:       job.Parts,
		CreatedAt:   now,
	}
	if p.zstd != nil {
		m.Compression = "zstd"
	}
	body, err := json.Marshal(m)
	if err != nil {
		return "", "", fmt.Errorf("encode manifest: %w", err)
	}

	key := fmt.Sprintf("%s/%s/manifest.json", p.cfg.Prefix, job.ID)
	if err := p.objects.Put(ctx, key, body, "application/json"); err != nil {
		return "", "", err
	}
	url, err := p.objects.URL(ctx, key, p.cfg.URLTTL)
	if err != nil {
		return "", "", err
	}
	if err := p.jobs.Complete(ctx, job.ID, key, &url, now); err != nil {
		return "", "", err
	}
	job.Status = types.ExportCompleted
	job.FileKey = &key
	job.ResultURL = &url
	return key, url, nil
}

func (p *Processor) fail(ctx context.Context, job *types.ExportJob, start time.Time, cause error, final bool) error {
	if !final {
		p.logger.WarnContext(ctx, "export attempt failed; will resume",
			"export_id", job.ID,
			"parts", len(job.Parts),
			"error", cause,
		)
		return cause
	}

	msg := cause.Error()
	if err := p.jobs.Fail(ctx, job.ID, msg); err != nil {
		p.logger.ErrorContext(ctx, "failed to mark export failed", "export_id", job.ID, "error", err)
	}
	elapsed := time.Since(start)
	p.metrics.ObserveExport(job.Type, string(types.ExportFailed), elapsed)
	p.logger.ErrorContext(ctx, "export failed",
		"export_id", job.ID,
		"type", job.Type,
		"parts", len(job.Parts),
		"error", cause,
	)
	p.publish(ctx, types.EventExportFailed, types.ExportEventPayload{
		ExportJobID: job.ID,
		Type:        job.Type,
		Rows:        job.RowsWritten(),
		Parts:       len(job.Parts),
		Error:       msg,
		DurationMS:  elapsed.Milliseconds(),
	})
	return cause
}

func (p *Processor) publish(ctx context.Context, name string, payload types.ExportEventPayload) {
	ev, err := events.NewEvent(name, payload)
	if err != nil {
		p.logger.ErrorContext(ctx, "failed to build export event", "event", name, "error", err)
		return
	}
	p.bus.Publish(ctx, ev)
}

func (p *Processor) partKey(id string, index int, ext string) string {
	key := fmt.Sprintf("%s/%s/part-%05d.%s", p.cfg.Prefix, id, index, ext)
	if p.zstd != nil {
		key += ".zst"
	}
	return key
}

func (p *Processor) contentType(f format) string {
	if p.zstd != nil {
		return "application/zstd"
	}
	return f.contentType
}
