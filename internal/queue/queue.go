// Package queue is the in-process job queue: a handler registry plus an
// execution engine with per-type FIFO lanes, retry with exponential backoff
// and recovery of persisted jobs after a restart.
//
// One goroutine drains each job type's lane, so jobs of the same type run
// in enqueue order while different types run concurrently. A record runs
// only after the store moves it from pending to running.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"shopfloor/internal/metrics"
	"shopfloor/internal/types"
)

var (
	// ErrNoHandler is returned by Enqueue for an unregistered job type.
	ErrNoHandler = errors.New("queue: no handler registered for job type")
	// ErrQueueClosed is returned by Enqueue after Shutdown for jobs that are
	// not persisted.
	ErrQueueClosed = errors.New("queue: closed")
)

// Handler executes one job. Handlers must be safe to re-run: a job
// interrupted by a crash is executed again after recovery.
type Handler func(ctx context.Context, payload json.RawMessage) error

// EnqueueOptions controls a single Enqueue call.
type EnqueueOptions struct {
	// Persist writes the record to the durable store so it survives a
	// restart. Non-persisted jobs live only in memory.
	Persist bool
	// ScheduledFor delays the first run. Zero or past times run now.
	ScheduledFor time.Time
	// MaxAttempts overrides the policy default when positive.
	MaxAttempts int
}

// Options configures a Queue.
type Options struct {
	// Store holds persisted jobs. Nil keeps everything in memory.
	Store   JobStore
	Policy  RetryPolicy
	Clock   types.Clock
	Metrics *metrics.Metrics
	Logger  *slog.Logger
}

type lane struct {
	jobType string
	items   []*types.JobRecord
	signal  chan struct{}
	running bool
}

// Queue is the job registry and executor. Build one per process with New,
// register handlers, then Start it; Shutdown releases its timers.
type Queue struct {
	durable JobStore
	memory  *MemoryStore
	policy  RetryPolicy
	clock   types.Clock
	metrics *metrics.Metrics
	logger  *slog.Logger

	mu       sync.Mutex
	handlers map[string]Handler
	lanes    map[string]*lane
	timers   map[string]*time.Timer
	active   map[string]int
	started  bool
	closed   bool
	runCtx   context.Context
	stop     chan struct{}
	wg       sync.WaitGroup
}

// New creates a Queue.
func New(opts Options) *Queue {
	mem := NewMemoryStore()
	if opts.Store == nil {
		opts.Store = mem
	}
	if opts.Policy.MaxAttempts <= 0 {
		opts.Policy = DefaultRetryPolicy
	}
	if opts.Clock == nil {
		opts.Clock = types.RealClock{}
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Queue{
		durable:  opts.Store,
		memory:   mem,
		policy:   opts.Policy,
		clock:    opts.Clock,
		metrics:  opts.Metrics,
		logger:   opts.Logger,
		handlers: make(map[string]Handler),
		lanes:    make(map[string]*lane),
		timers:   make(map[string]*time.Timer),
		active:   make(map[string]int),
		stop:     make(chan struct{}),
	}
}

// Register associates a handler with a job type, replacing any previous one.
func (q *Queue) Register(jobType string, h Handler) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.handlers[jobType] = h
	l := q.laneLocked(jobType)
	if q.started && !q.closed {
		q.startLaneLocked(l)
	}
}

// Start launches one worker per registered job type. Handlers run on a
// context derived from ctx that is not cancelled by Shutdown.
func (q *Queue) Start(ctx context.Context) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.started {
		return
	}
	q.started = true
	q.runCtx = context.WithoutCancel(ctx)
	for _, l := range q.lanes {
		q.startLaneLocked(l)
	}
}

// Enqueue creates a pending JobRecord and schedules it. payload may be a
// json.RawMessage, []byte, nil (encoded as {}) or any JSON-encodable value.
// After Shutdown a persisted job is still written to the durable store and
// left pending for RecoverPersisted.
func (q *Queue) Enqueue(ctx context.Context, jobType string, payload any, opts EnqueueOptions) (*types.JobRecord, error) {
	raw, err := encodePayload(payload)
	if err != nil {
		return nil, types.NewAppError(types.ErrCodeValidationJobPayload, fmt.Sprintf("encode %s payload", jobType), err)
	}

	q.mu.Lock()
	_, registered := q.handlers[jobType]
	closed := q.closed
	q.mu.Unlock()
	if closed && !opts.Persist {
		return nil, ErrQueueClosed
	}
	if !registered {
		return nil, fmt.Errorf("%w: %s", ErrNoHandler, jobType)
	}

	maxAttempts := opts.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = q.policy.MaxAttempts
	}
	rec := &types.JobRecord{
		ID:          uuid.NewString(),
		Type:        jobType,
		Payload:     raw,
		Status:      types.JobPending,
		MaxAttempts: maxAttempts,
		EnqueuedAt:  q.clock.Now(),
		Persisted:   opts.Persist,
	}
	if !opts.ScheduledFor.IsZero() {
		at := opts.ScheduledFor.UTC()
		rec.ScheduledFor = &at
	}

	if err := q.storeFor(rec).Create(ctx, rec); err != nil {
		return nil, err
	}

	q.mu.Lock()
	closed = q.closed
	if !closed {
		q.active[jobType]++
		q.scheduleLocked(rec)
	}
	q.mu.Unlock()

	q.logger.DebugContext(ctx, "job enqueued",
		"job_id", rec.ID,
		"job_type", jobType,
		"persisted", rec.Persisted,
		"deferred", closed,
	)
	out := cloneJob(rec)
	return out, nil
}

// RecoverPersisted re-enqueues every pending or running record in the
// durable store. Running records are reset to pending: an interrupted run
// counts as not run. Call once at startup, before or after Start.
func (q *Queue) RecoverPersisted(ctx context.Context) (int, error) {
	recs, err := q.durable.ListUnfinished(ctx)
	if err != nil {
		return 0, fmt.Errorf("list unfinished jobs: %w", err)
	}

	recovered := 0
	for _, rec := range recs {
		q.mu.Lock()
		_, registered := q.handlers[rec.Type]
		q.mu.Unlock()
		if !registered {
			q.logger.WarnContext(ctx, "skipping recovered job without handler",
				"job_id", rec.ID,
				"job_type", rec.Type,
			)
			continue
		}

		if rec.Status == types.JobRunning {
			rec.Status = types.JobPending
			rec.StartedAt = nil
			if err := q.durable.Save(ctx, rec); err != nil {
				return recovered, fmt.Errorf("reset running job %s: %w", rec.ID, err)
			}
		}
		rec.Persisted = true

		q.mu.Lock()
		q.active[rec.Type]++
		q.scheduleLocked(rec)
		q.mu.Unlock()
		recovered++
	}

	q.logger.InfoContext(ctx, "recovered persisted jobs", "count", recovered, "found", len(recs))
	return recovered, nil
}

// Get returns the current record for id from memory or the durable store.
func (q *Queue) Get(ctx context.Context, id string) (*types.JobRecord, error) {
	if rec, err := q.memory.Get(ctx, id); err == nil {
		return rec, nil
	}
	if q.durable == JobStore(q.memory) {
		return nil, types.NewAppError(types.ErrCodeNotFoundJob, "job not found", nil)
	}
	return q.durable.Get(ctx, id)
}

// ActiveCount returns how many jobs of jobType are pending or running in
// this process.
func (q *Queue) ActiveCount(jobType string) int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.active[jobType]
}

// Shutdown stops timers and workers. Jobs already executing finish on
// their detached context; Shutdown waits for them until ctx is done.
// Pending persisted jobs remain in the store for RecoverPersisted.
func (q *Queue) Shutdown(ctx context.Context) error {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return nil
	}
	q.closed = true
	for id, t := range q.timers {
		t.Stop()
		delete(q.timers, id)
	}
	close(q.stop)
	q.mu.Unlock()

	done := make(chan struct{})
	go func() {
		q.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("waiting for running jobs: %w", ctx.Err())
	}
}

func (q *Queue) storeFor(rec *types.JobRecord) JobStore {
	if rec.Persisted {
		return q.durable
	}
	return q.memory
}

func (q *Queue) laneLocked(jobType string) *lane {
	l, ok := q.lanes[jobType]
	if !ok {
		l = &lane{jobType: jobType, signal: make(chan struct{}, 1)}
		q.lanes[jobType] = l
	}
	return l
}

func (q *Queue) startLaneLocked(l *lane) {
	if l.running {
		return
	}
	l.running = true
	q.wg.Add(1)
	go q.runLane(l)
}

// scheduleLocked pushes rec onto its lane now or when ScheduledFor arrives.
func (q *Queue) scheduleLocked(rec *types.JobRecord) {
	if q.closed {
		return
	}
	if rec.ScheduledFor != nil {
		if delay := rec.ScheduledFor.Sub(q.clock.Now()); delay > 0 {
			id := rec.ID
			q.timers[id] = time.AfterFunc(delay, func() {
				q.mu.Lock()
				defer q.mu.Unlock()
				delete(q.timers, id)
				if !q.closed {
					q.pushLocked(rec)
				}
			})
			return
		}
	}
	q.pushLocked(rec)
}

func (q *Queue) pushLocked(rec *types.JobRecord) {
	l := q.laneLocked(rec.Type)
	l.items = append(l.items, rec)
	select {
	case l.signal <- struct{}{}:
	default:
	}
}

func (q *Queue) pop(l *lane) (*types.JobRecord, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(l.items) == 0 {
		return nil, false
	}
	rec := l.items[0]
	l.items[0] = nil
	l.items = l.items[1:]
	return rec, true
}

func (q *Queue) runLane(l *lane) {
	defer q.wg.Done()
	for {
		select {
		case <-q.stop:
			return
		default:
		}

		rec, ok := q.pop(l)
		if !ok {
			select {
			case <-l.signal:
				continue
			case <-q.stop:
				return
			}
		}
		q.execute(rec)
	}
}

func (q *Queue) execute(rec *types.JobRecord) {
	q.mu.Lock()
	ctx := q.runCtx
	h := q.handlers[rec.Type]
	q.mu.Unlock()

	store := q.storeFor(rec)
	now := q.clock.Now()
	claimed, err := store.MarkRunning(ctx, rec.ID, now)
	if err != nil {
		q.logger.ErrorContext(ctx, "failed to claim job; retrying later",
			"job_id", rec.ID,
			"job_type", rec.Type,
			"error", err,
		)
		at := now.Add(q.policy.BaseDelay)
		rec.ScheduledFor = &at
		q.mu.Lock()
		q.scheduleLocked(rec)
		q.mu.Unlock()
		return
	}
	if !claimed {
		q.logger.DebugContext(ctx, "job already claimed or finished", "job_id", rec.ID, "job_type", rec.Type)
		q.finish(rec.Type)
		return
	}
	rec.Status = types.JobRunning
	rec.StartedAt = &now

	jobCtx := withInfo(ctx, Info{ID: rec.ID, Type: rec.Type, Attempt: rec.Attempts + 1, MaxAttempts: rec.MaxAttempts})
	start := time.Now()
	runErr := invoke(jobCtx, h, rec.Payload)
	q.metrics.ObserveJob(rec.Type, runErr, time.Since(start))

	finished := q.clock.Now()
	terminal := true
	if runErr == nil {
		rec.Status = types.JobCompleted
		rec.FinishedAt = &finished
		rec.LastError = nil
		q.logger.InfoContext(ctx, "job completed",
			"job_id", rec.ID,
			"job_type", rec.Type,
			"attempt", rec.Attempts+1,
			"duration_ms", time.Since(start).Milliseconds(),
		)
	} else {
		rec.Attempts++
		msg := runErr.Error()
		rec.LastError = &msg
		if rec.CanRetry() {
			terminal = false
			delay := q.policy.Delay(rec.Attempts - 1)
			at := finished.Add(delay)
			rec.Status = types.JobPending
			rec.ScheduledFor = &at
			q.logger.WarnContext(ctx, "job failed; retrying",
				"job_id", rec.ID,
				"job_type", rec.Type,
				"attempts", rec.Attempts,
				"max_attempts", rec.MaxAttempts,
				"retry_in_ms", delay.Milliseconds(),
				"error", runErr,
			)
		} else {
			rec.Status = types.JobFailed
			rec.FinishedAt = &finished
			q.metrics.IncJobFailure(rec.Type)
			q.logger.ErrorContext(ctx, "job failed permanently",
				"job_id", rec.ID,
				"job_type", rec.Type,
				"attempts", rec.Attempts,
				"error", runErr,
			)
		}
	}

	if err := store.Save(ctx, rec); err != nil {
		q.logger.ErrorContext(ctx, "failed to save job state",
			"job_id", rec.ID,
			"job_type", rec.Type,
			"status", string(rec.Status),
			"error", err,
		)
	}

	if terminal {
		q.finish(rec.Type)
		return
	}
	q.mu.Lock()
	q.scheduleLocked(rec)
	q.mu.Unlock()
}

func (q *Queue) finish(jobType string) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.active[jobType] > 0 {
		q.active[jobType]--
	}
}

func invoke(ctx context.Context, h Handler, payload json.RawMessage) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	return h(ctx, payload)
}

func encodePayload(payload any) (json.RawMessage, error) {
	switch p := payload.(type) {
	case nil:
		return json.RawMessage("{}"), nil
	case json.RawMessage:
		if len(p) == 0 {
			return json.RawMessage("{}"), nil
		}
		return p, nil
	case []byte:
		if len(p) == 0 {
			return json.RawMessage("{}"), nil
		}
		return json.RawMessage(p), nil
	default:
		return json.Marshal(p)
	}
}
