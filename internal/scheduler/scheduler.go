// Package scheduler enqueues recurring jobs on fixed intervals and hosts the
// maintenance services those jobs run.
//
// A tick only enqueues; the queue does the work. Ticks missed while the
// process was down are not backfilled.
package scheduler

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"shopfloor/internal/metrics"
	"shopfloor/internal/queue"
	"shopfloor/internal/types"
)

// Tick outcomes reported to shopfloor_scheduler_ticks_total.
const (
	TickEnqueued = "enqueued"
	TickSkipped  = "skipped"
	TickError    = "error"
)

// Enqueuer is the subset of the job queue the scheduler needs.
type Enqueuer interface {
	Enqueue(ctx context.Context, jobType string, payload any, opts queue.EnqueueOptions) (*types.JobRecord, error)
	ActiveCount(jobType string) int
}

type entry struct {
	jobType         string
	interval        time.Duration
	skipWhileActive bool
	persist         bool
}

// EntryOption customises a scheduled entry.
type EntryOption func(*entry)

// SkipWhileActive skips a tick while a job of the same type is still pending
// or running in this process.
func SkipWhileActive() EntryOption {
	return func(e *entry) { e.skipWhileActive = true }
}

// Persisted enqueues each tick's job in the durable store.
func Persisted() EntryOption {
	return func(e *entry) { e.persist = true }
}

// Scheduler owns one ticker goroutine per scheduled job type.
type Scheduler struct {
	queue   Enqueuer
	metrics *metrics.Metrics
	logger  *slog.Logger

	mu      sync.Mutex
	entries []*entry
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// New creates a Scheduler that enqueues into q.
func New(q Enqueuer, m *metrics.Metrics, logger *slog.Logger) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{queue: q, metrics: m, logger: logger}
}

// Schedule registers jobType to be enqueued every interval once Start runs.
// A non-positive interval disables the entry. Returns whether the entry was
// installed.
func (s *Scheduler) Schedule(jobType string, interval time.Duration, opts ...EntryOption) bool {
	if interval <= 0 {
		s.logger.Info("recurring job disabled", "job_type", jobType)
		return false
	}
	e := &entry{jobType: jobType, interval: interval}
	for _, opt := range opts {
		opt(e)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries = append(s.entries, e)
	if s.cancel != nil {
		s.startLocked(s.ctx, e)
	}
	s.logger.Info("recurring job scheduled",
		"job_type", jobType,
		"interval_ms", interval.Milliseconds(),
		"skip_while_active", e.skipWhileActive,
	)
	return true
}

// Start launches the tickers. Calling Start twice is a no-op.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancel != nil {
		return
	}
	s.ctx, s.cancel = context.WithCancel(ctx)
	for _, e := range s.entries {
		s.startLocked(s.ctx, e)
	}
}

func (s *Scheduler) startLocked(ctx context.Context, e *entry) {
	s.wg.Add(1)
	go s.run(ctx, e)
}

func (s *Scheduler) run(ctx context.Context, e *entry) {
	defer s.wg.Done()
	ticker := time.NewTicker(e.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.tick(ctx, e)
		}
	}
}

func (s *Scheduler) tick(ctx context.Context, e *entry) {
	if e.skipWhileActive && s.queue.ActiveCount(e.jobType) > 0 {
		s.metrics.IncSchedulerTick(e.jobType, TickSkipped)
		s.logger.DebugContext(ctx, "skipping tick; previous job still active", "job_type", e.jobType)
		return
	}

	rec, err := s.queue.Enqueue(ctx, e.jobType, struct{}{}, queue.EnqueueOptions{Persist: e.persist})
	if err != nil {
		s.metrics.IncSchedulerTick(e.jobType, TickError)
		s.logger.ErrorContext(ctx, "failed to enqueue recurring job",
			"job_type", e.jobType,
			"error", err,
		)
		return
	}
	s.metrics.IncSchedulerTick(e.jobType, TickEnqueued)
	s.logger.DebugContext(ctx, "recurring job enqueued", "job_type", e.jobType, "job_id", rec.ID)
}

// Shutdown stops every ticker and waits for in-progress ticks to return.
func (s *Scheduler) Shutdown() {
	s.mu.Lock()
	cancel := s.cancel
	s.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	s.wg.Wait()
}
