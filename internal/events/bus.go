// Package events implements the in-process domain event bus.
//
// Publish runs matching listeners synchronously, in registration order, and
// then hands the ledger write to a bounded background slot so the caller
// never waits on I/O. Ledger writes are best effort: a failed or dropped
// write is logged and counted, never retried. Listener tasks started with
// Spawn have their own bound and never take a ledger slot.
package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"shopfloor/internal/metrics"
	"shopfloor/internal/types"
)

// ErrBusClosed is returned by Spawn after Close.
var ErrBusClosed = errors.New("events: bus closed")

// ErrNoSlot is returned by Spawn when every task slot is busy.
var ErrNoSlot = errors.New("events: no background slot available")

// Listener handles one event. Listeners must not block on I/O; use
// Bus.Spawn for work that does.
type Listener func(ctx context.Context, ev types.DomainEvent) error

// Ledger is the durable sink for published events.
type Ledger interface {
	Append(ctx context.Context, ev types.DomainEvent) (int64, error)
}

// Options configures a Bus. Zero values pick defaults.
type Options struct {
	// MaxInflight bounds concurrent ledger writes.
	MaxInflight int64
	// MaxTasks bounds concurrent Spawn tasks.
	MaxTasks int64
	Clock    types.Clock
	Metrics  *metrics.Metrics
	Logger   *slog.Logger
}

type registration struct {
	id      uint64
	pattern string
	fn      Listener
}

// Bus is the process-wide event bus. Create one with NewBus and pass it to
// the components that publish or listen.
type Bus struct {
	ledger    Ledger
	ledgerSem *semaphore.Weighted
	taskSem   *semaphore.Weighted
	clock     types.Clock
	metrics   *metrics.Metrics
	logger    *slog.Logger

	mu        sync.RWMutex
	listeners []registration
	nextID    uint64

	// lifeMu orders wg.Add in Spawn against the closed flip in Close.
	lifeMu sync.RWMutex
	closed bool
	wg     sync.WaitGroup
}

// NewBus creates a bus writing to ledger. ledger may be nil, in which case
// events are only fanned out in process.
func NewBus(ledger Ledger, opts Options) *Bus {
	if opts.MaxInflight <= 0 {
		opts.MaxInflight = 64
	}
	if opts.MaxTasks <= 0 {
		opts.MaxTasks = 64
	}
	if opts.Clock == nil {
		opts.Clock = types.RealClock{}
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Bus{
		ledger:    ledger,
		ledgerSem: semaphore.NewWeighted(opts.MaxInflight),
		taskSem:   semaphore.NewWeighted(opts.MaxTasks),
		clock:     opts.Clock,
		metrics:   opts.Metrics,
		logger:    opts.Logger,
	}
}

// On registers fn for pattern: an exact event name, "*" for every event, or
// "prefix.*" for every event under prefix. The returned func unregisters it.
func (b *Bus) On(pattern string, fn Listener) func() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.nextID++
	id := b.nextID
	b.listeners = append(b.listeners, registration{id: id, pattern: pattern, fn: fn})

	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		for i, r := range b.listeners {
			if r.id == id {
				b.listeners = append(b.listeners[:i:i], b.listeners[i+1:]...)
				return
			}
		}
	}
}

// Publish stamps ev (version, timestamp, correlation id), runs every
// matching listener to completion and schedules the ledger write. A
// listener error or panic is logged and counted and does not affect the
// other listeners or the ledger write. The stamped event is returned.
func (b *Bus) Publish(ctx context.Context, ev types.DomainEvent) types.DomainEvent {
	if ev.Version == "" {
		ev.Version = types.DefaultEventVersion
	}
	if ev.Timestamp.IsZero() {
		ev.Timestamp = b.clock.Now()
	}
	if ev.CorrelationID == "" {
		ev.CorrelationID = types.GetCorrelationID(ctx)
	}
	b.metrics.IncPublished(ev.Name)

	b.mu.RLock()
	matched := make([]registration, 0, len(b.listeners))
	for _, r := range b.listeners {
		if Match(r.pattern, ev.Name) {
			matched = append(matched, r)
		}
	}
	b.mu.RUnlock()

	for _, r := range matched {
		if err := b.invoke(ctx, r.fn, ev); err != nil {
			b.metrics.IncListenerError(ev.Name)
			b.logger.ErrorContext(ctx, "event listener failed",
				"event", ev.Name,
				"pattern", r.pattern,
				"error", err,
			)
		}
	}

	if b.ledger != nil {
		b.writeLedger(ctx, ev)
	}
	return ev
}

func (b *Bus) invoke(ctx context.Context, fn Listener, ev types.DomainEvent) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("listener panic: %v", r)
		}
	}()
	return fn(ctx, ev)
}

func (b *Bus) writeLedger(ctx context.Context, ev types.DomainEvent) {
	err := b.spawn(ctx, b.ledgerSem, "ledger:"+ev.Name, func(ctx context.Context) error {
		start := time.Now()
		_, err := b.ledger.Append(ctx, ev)
		if err != nil {
			b.metrics.ObserveLedgerWrite(metrics.LedgerError, time.Since(start))
			return err
		}
		b.metrics.ObserveLedgerWrite(metrics.LedgerOK, time.Since(start))
		return nil
	})
	if err != nil {
		b.metrics.ObserveLedgerWrite(metrics.LedgerDropped, 0)
		b.logger.WarnContext(ctx, "event ledger write dropped",
			"event", ev.Name,
			"error", err,
		)
	}
}

// Spawn runs fn on a task slot with a context detached from ctx's
// cancellation. It never blocks: when the bus is closed or every task slot
// is busy it returns an error and fn does not run. Errors from fn are
// logged. Callers that must not lose the work need their own fallback.
func (b *Bus) Spawn(ctx context.Context, name string, fn func(ctx context.Context) error) error {
	return b.spawn(ctx, b.taskSem, name, fn)
}

func (b *Bus) spawn(ctx context.Context, sem *semaphore.Weighted, name string, fn func(ctx context.Context) error) error {
	b.lifeMu.RLock()
	if b.closed {
		b.lifeMu.RUnlock()
		return ErrBusClosed
	}
	if !sem.TryAcquire(1) {
		b.lifeMu.RUnlock()
		return ErrNoSlot
	}
	b.wg.Add(1)
	b.lifeMu.RUnlock()
	b.metrics.AddInflight(1)

	bg := context.WithoutCancel(ctx)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				b.logger.ErrorContext(bg, "background task panic", "task", name, "panic", fmt.Sprint(r))
			}
			b.metrics.AddInflight(-1)
			sem.Release(1)
			b.wg.Done()
		}()
		if err := fn(bg); err != nil {
			b.logger.ErrorContext(bg, "background task failed", "task", name, "error", err)
		}
	}()
	return nil
}

// Close stops accepting background work and waits for in-flight ledger
// writes and tasks until ctx is done.
func (b *Bus) Close(ctx context.Context) error {
	b.lifeMu.Lock()
	b.closed = true
	b.lifeMu.Unlock()

	done := make(chan struct{})
	go func() {
		b.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("waiting for background event tasks: %w", ctx.Err())
	}
}

// Match reports whether an event name satisfies a listener pattern.
func Match(pattern, name string) bool {
	switch {
	case pattern == "*":
		return true
	case strings.HasSuffix(pattern, ".*"):
		return strings.HasPrefix(name, strings.TrimSuffix(pattern, "*"))
	default:
		return pattern == name
	}
}

// NewEvent builds an unstamped event with payload encoded as JSON.
func NewEvent(name string, payload any) (types.DomainEvent, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return types.DomainEvent{}, fmt.Errorf("encode %s payload: %w", name, err)
	}
	return types.DomainEvent{Name: name, Payload: raw}, nil
}
