package queue

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"shopfloor/internal/metrics"
	"shopfloor/internal/types"
)

var fastPolicy = RetryPolicy{MaxAttempts: 3, BaseDelay: time.Millisecond, MaxDelay: 5 * time.Millisecond, BackoffFactor: 2}

func newTestQueue(t *testing.T, store JobStore) (*Queue, *metrics.Metrics) {
	t.Helper()
	m := metrics.New(prometheus.NewRegistry())
	q := New(Options{Store: store, Policy: fastPolicy, Metrics: m})
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = q.Shutdown(ctx)
	})
	return q, m
}

func waitForStatus(t *testing.T, q *Queue, id string, want types.JobStatus) *types.JobRecord {
	t.Helper()
	var rec *types.JobRecord
	require.Eventually(t, func() bool {
		r, err := q.Get(context.Background(), id)
		if err != nil {
			return false
		}
		rec = r
		return r.Status == want
	}, 2*time.Second, 5*time.Millisecond, "job %s never reached %s", id, want)
	return rec
}

func TestQueue_RunsAndCompletes(t *testing.T) {
	q, m := newTestQueue(t, nil)
	var got json.RawMessage
	q.Register("kpi.snapshot", func(ctx context.Context, payload json.RawMessage) error {
		info, ok := InfoFromContext(ctx)
		assert.True(t, ok)
		assert.Equal(t, "kpi.snapshot", info.Type)
		assert.Equal(t, 1, info.Attempt)
		got = payload
		return nil
	})
	q.Start(context.Background())

	rec, err := q.Enqueue(context.Background(), "kpi.snapshot", map[string]string{"day": "2026-03-01"}, EnqueueOptions{})
	require.NoError(t, err)
	assert.Equal(t, types.JobPending, rec.Status)
	assert.Equal(t, 3, rec.MaxAttempts)

	done := waitForStatus(t, q, rec.ID, types.JobCompleted)
	assert.JSONEq(t, `{"day":"2026-03-01"}`, string(got))
	assert.Zero(t, done.Attempts)
	assert.NotNil(t, done.FinishedAt)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.JobAttempts.WithLabelValues("kpi.snapshot", "success")))
}

func TestQueue_SameTypeRunsInEnqueueOrder(t *testing.T) {
	q, _ := newTestQueue(t, nil)
	var mu sync.Mutex
	var order []int
	q.Register("seq", func(_ context.Context, payload json.RawMessage) error {
		var n int
		_ = json.Unmarshal(payload, &n)
		mu.Lock()
		order = append(order, n)
		mu.Unlock()
		return nil
	})

	var last *types.JobRecord
	for i := 1; i <= 20; i++ {
		rec, err := q.Enqueue(context.Background(), "seq", i, EnqueueOptions{})
		require.NoError(t, err)
		last = rec
	}
	q.Start(context.Background())
	waitForStatus(t, q, last.ID, types.JobCompleted)

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, order, 20)
	for i, n := range order {
		assert.Equal(t, i+1, n)
	}
}

func TestQueue_RetriesThenSucceeds(t *testing.T) {
	q, _ := newTestQueue(t, nil)
	var calls int32
	q.Register("flaky", func(context.Context, json.RawMessage) error {
		if atomic.AddInt32(&calls, 1) < 3 {
			return errors.New("transient")
		}
		return nil
	})
	q.Start(context.Background())

	rec, err := q.Enqueue(context.Background(), "flaky", nil, EnqueueOptions{})
	require.NoError(t, err)

	done := waitForStatus(t, q, rec.ID, types.JobCompleted)
	assert.Equal(t, 2, done.Attempts)
	assert.Nil(t, done.LastError)
	assert.Equal(t, int32(3), atomic.LoadInt32(&calls))
}

func TestQueue_TerminalFailure(t *testing.T) {
	q, m := newTestQueue(t, nil)
	q.Register("broken", func(context.Context, json.RawMessage) error {
		return errors.New("always")
	})
	q.Start(context.Background())

	rec, err := q.Enqueue(context.Background(), "broken", nil, EnqueueOptions{MaxAttempts: 2})
	require.NoError(t, err)

	failed := waitForStatus(t, q, rec.ID, types.JobFailed)
	assert.Equal(t, 2, failed.Attempts)
	require.NotNil(t, failed.LastError)
	assert.Equal(t, "always", *failed.LastError)
	assert.Eventually(t, func() bool {
		return testutil.ToFloat64(m.JobFailures.WithLabelValues("broken")) == 1
	}, time.Second, 5*time.Millisecond)
	assert.Eventually(t, func() bool { return q.ActiveCount("broken") == 0 }, time.Second, 5*time.Millisecond)
}

func TestQueue_PanicIsAFailedAttempt(t *testing.T) {
	q, _ := newTestQueue(t, nil)
	q.Register("panics", func(context.Context, json.RawMessage) error { panic("nil map") })
	q.Start(context.Background())

	rec, err := q.Enqueue(context.Background(), "panics", nil, EnqueueOptions{MaxAttempts: 1})
	require.NoError(t, err)

	failed := waitForStatus(t, q, rec.ID, types.JobFailed)
	require.NotNil(t, failed.LastError)
	assert.Contains(t, *failed.LastError, "handler panic")
}

func TestQueue_EnqueueErrors(t *testing.T) {
	q, _ := newTestQueue(t, nil)

	_, err := q.Enqueue(context.Background(), "unknown", nil, EnqueueOptions{})
	assert.ErrorIs(t, err, ErrNoHandler)

	q.Register("ok", func(context.Context, json.RawMessage) error { return nil })
	require.NoError(t, q.Shutdown(context.Background()))
	_, err = q.Enqueue(context.Background(), "ok", nil, EnqueueOptions{})
	assert.ErrorIs(t, err, ErrQueueClosed)
}

func TestQueue_PersistedEnqueueAfterShutdownIsRecovered(t *testing.T) {
	durable := NewMemoryStore()
	ctx := context.Background()
	noop := func(context.Context, json.RawMessage) error { return nil }

	q, _ := newTestQueue(t, durable)
	q.Register("webhook.fanout", noop)
	require.NoError(t, q.Shutdown(ctx))

	rec, err := q.Enqueue(ctx, "webhook.fanout", json.RawMessage(`{"event":{"name":"quote.sent"}}`), EnqueueOptions{Persist: true})
	require.NoError(t, err)
	assert.Zero(t, q.ActiveCount("webhook.fanout"))

	stored, err := durable.Get(ctx, rec.ID)
	require.NoError(t, err)
	assert.Equal(t, types.JobPending, stored.Status)

	next, _ := newTestQueue(t, durable)
	next.Register("webhook.fanout", noop)
	n, err := next.RecoverPersisted(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	next.Start(ctx)
	waitForStatus(t, next, rec.ID, types.JobCompleted)
}

func TestQueue_ScheduledForDelaysFirstRun(t *testing.T) {
	q, _ := newTestQueue(t, nil)
	var ran atomic.Bool
	q.Register("later", func(context.Context, json.RawMessage) error { ran.Store(true); return nil })
	q.Start(context.Background())

	rec, err := q.Enqueue(context.Background(), "later", nil, EnqueueOptions{ScheduledFor: time.Now().Add(100 * time.Millisecond)})
	require.NoError(t, err)
	require.NotNil(t, rec.ScheduledFor)

	time.Sleep(30 * time.Millisecond)
	assert.False(t, ran.Load())
	assert.Equal(t, 1, q.ActiveCount("later"))

	waitForStatus(t, q, rec.ID, types.JobCompleted)
	assert.True(t, ran.Load())
}

func TestQueue_RecoverPersistedRerunsInterruptedJob(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	started := time.Now().Add(-time.Minute)
	require.NoError(t, store.Create(ctx, &types.JobRecord{
		ID: "interrupted", Type: "kpi.snapshot", Payload: json.RawMessage(`{}`),
		Status: types.JobRunning, MaxAttempts: 3, EnqueuedAt: started, StartedAt: &started, Persisted: true,
	}))
	require.NoError(t, store.Create(ctx, &types.JobRecord{
		ID: "waiting", Type: "kpi.snapshot", Payload: json.RawMessage(`{}`),
		Status: types.JobPending, MaxAttempts: 3, EnqueuedAt: started.Add(time.Second), Persisted: true,
	}))
	require.NoError(t, store.Create(ctx, &types.JobRecord{
		ID: "orphan", Type: "retired.type", Payload: json.RawMessage(`{}`),
		Status: types.JobPending, MaxAttempts: 3, EnqueuedAt: started, Persisted: true,
	}))

	q, _ := newTestQueue(t, store)
	var runs int32
	q.Register("kpi.snapshot", func(context.Context, json.RawMessage) error {
		atomic.AddInt32(&runs, 1)
		return nil
	})

	n, err := q.RecoverPersisted(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	q.Start(ctx)

	waitForStatus(t, q, "interrupted", types.JobCompleted)
	waitForStatus(t, q, "waiting", types.JobCompleted)
	assert.Equal(t, int32(2), atomic.LoadInt32(&runs))

	orphan, err := store.Get(ctx, "orphan")
	require.NoError(t, err)
	assert.Equal(t, types.JobPending, orphan.Status, "jobs without a handler are left for a later release")
}

// dupStore lists every unfinished record twice, as a racing recovery would.
type dupStore struct{ *MemoryStore }

func (d dupStore) ListUnfinished(ctx context.Context) ([]*types.JobRecord, error) {
	recs, err := d.MemoryStore.ListUnfinished(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]*types.JobRecord, 0, 2*len(recs))
	for _, r := range recs {
		out = append(out, r, cloneJob(r))
	}
	return out, nil
}

func TestQueue_SingleFlightPerRecord(t *testing.T) {
	mem := NewMemoryStore()
	ctx := context.Background()
	require.NoError(t, mem.Create(ctx, &types.JobRecord{
		ID: "once", Type: "export.generate", Payload: json.RawMessage(`{}`),
		Status: types.JobPending, MaxAttempts: 3, EnqueuedAt: time.Now(), Persisted: true,
	}))

	q, _ := newTestQueue(t, dupStore{mem})
	var runs int32
	q.Register("export.generate", func(context.Context, json.RawMessage) error {
		atomic.AddInt32(&runs, 1)
		return nil
	})
	_, err := q.RecoverPersisted(ctx)
	require.NoError(t, err)
	q.Start(ctx)

	waitForStatus(t, q, "once", types.JobCompleted)
	require.Eventually(t, func() bool { return q.ActiveCount("export.generate") == 0 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, int32(1), atomic.LoadInt32(&runs))
}

func TestQueue_ShutdownLetsRunningJobFinish(t *testing.T) {
	q, _ := newTestQueue(t, nil)
	entered := make(chan struct{})
	release := make(chan struct{})
	var ctxErr error
	q.Register("slow", func(ctx context.Context, _ json.RawMessage) error {
		close(entered)
		<-release
		ctxErr = ctx.Err()
		return nil
	})
	runCtx, cancel := context.WithCancel(context.Background())
	q.Start(runCtx)

	rec, err := q.Enqueue(context.Background(), "slow", nil, EnqueueOptions{})
	require.NoError(t, err)
	<-entered
	cancel()

	shutdownDone := make(chan error, 1)
	go func() { shutdownDone <- q.Shutdown(context.Background()) }()

	select {
	case <-shutdownDone:
		t.Fatal("Shutdown returned before the running job finished")
	case <-time.After(30 * time.Millisecond):
	}
	close(release)
	require.NoError(t, <-shutdownDone)
	assert.NoError(t, ctxErr)

	done, err := q.Get(context.Background(), rec.ID)
	require.NoError(t, err)
	assert.Equal(t, types.JobCompleted, done.Status)
}

func TestQueue_PersistedJobsGoToDurableStore(t *testing.T) {
	durable := NewMemoryStore()
	q, _ := newTestQueue(t, durable)
	q.Register("webhook.deliver", func(context.Context, json.RawMessage) error { return nil })

	rec, err := q.Enqueue(context.Background(), "webhook.deliver", json.RawMessage(`{"deliveryId":"d1"}`), EnqueueOptions{Persist: true})
	require.NoError(t, err)

	stored, err := durable.Get(context.Background(), rec.ID)
	require.NoError(t, err)
	assert.True(t, stored.Persisted)
	assert.Equal(t, types.JobPending, stored.Status)

	ephemeral, err := q.Enqueue(context.Background(), "webhook.deliver", nil, EnqueueOptions{})
	require.NoError(t, err)
	_, err = durable.Get(context.Background(), ephemeral.ID)
	assert.Error(t, err)
	_, err = q.Get(context.Background(), ephemeral.ID)
	assert.NoError(t, err)
}
