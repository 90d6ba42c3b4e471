package scheduler

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"shopfloor/internal/metrics"
	"shopfloor/internal/queue"
	"shopfloor/internal/types"
)

type fakeEnqueuer struct {
	mu       sync.Mutex
	enqueued []string
	opts     []queue.EnqueueOptions
	active   map[string]int
	err      error
}

func (f *fakeEnqueuer) Enqueue(_ context.Context, jobType string, _ any, opts queue.EnqueueOptions) (*types.JobRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	f.enqueued = append(f.enqueued, jobType)
	f.opts = append(f.opts, opts)
	return &types.JobRecord{ID: "job", Type: jobType}, nil
}

func (f *fakeEnqueuer) ActiveCount(jobType string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.active[jobType]
}

func (f *fakeEnqueuer) count(jobType string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, t := range f.enqueued {
		if t == jobType {
			n++
		}
	}
	return n
}

func TestScheduler_DisabledIntervalIsNotInstalled(t *testing.T) {
	s := New(&fakeEnqueuer{}, nil, nil)
	assert.False(t, s.Schedule(types.JobTypeKPISnapshot, 0))
	assert.False(t, s.Schedule(types.JobTypeKPISnapshot, -time.Second))
	assert.True(t, s.Schedule(types.JobTypeKPISnapshot, time.Hour))
	assert.Len(t, s.entries, 1)
}

func TestScheduler_TicksEnqueueRepeatedly(t *testing.T) {
	q := &fakeEnqueuer{}
	m := metrics.New(prometheus.NewRegistry())
	s := New(q, m, nil)
	s.Schedule(types.JobTypeKPISnapshot, 10*time.Millisecond, Persisted())

	s.Start(context.Background())
	defer s.Shutdown()

	require.Eventually(t, func() bool { return q.count(types.JobTypeKPISnapshot) >= 3 }, time.Second, 5*time.Millisecond)
	q.mu.Lock()
	assert.True(t, q.opts[0].Persist)
	q.mu.Unlock()
	assert.GreaterOrEqual(t, testutil.ToFloat64(m.SchedulerTicks.WithLabelValues(types.JobTypeKPISnapshot, TickEnqueued)), 3.0)
}

func TestScheduler_SkipWhileActive(t *testing.T) {
	q := &fakeEnqueuer{active: map[string]int{types.JobTypeAnalyticsSummaryWarm: 1}}
	m := metrics.New(prometheus.NewRegistry())
	s := New(q, m, nil)
	s.Schedule(types.JobTypeAnalyticsSummaryWarm, 5*time.Millisecond, SkipWhileActive())
	s.Schedule(types.JobTypeKPISnapshot, 5*time.Millisecond)

	s.Start(context.Background())
	defer s.Shutdown()

	require.Eventually(t, func() bool {
		return testutil.ToFloat64(m.SchedulerTicks.WithLabelValues(types.JobTypeAnalyticsSummaryWarm, TickSkipped)) >= 2
	}, time.Second, 5*time.Millisecond)
	assert.Zero(t, q.count(types.JobTypeAnalyticsSummaryWarm))

	q.mu.Lock()
	q.active[types.JobTypeAnalyticsSummaryWarm] = 0
	q.mu.Unlock()
	require.Eventually(t, func() bool { return q.count(types.JobTypeAnalyticsSummaryWarm) > 0 }, time.Second, 5*time.Millisecond)
}

func TestScheduler_EnqueueErrorIsCounted(t *testing.T) {
	q := &fakeEnqueuer{err: errors.New("queue closed")}
	m := metrics.New(prometheus.NewRegistry())
	s := New(q, m, nil)
	s.Schedule(types.JobTypeKPISnapshot, 5*time.Millisecond)

	s.Start(context.Background())
	defer s.Shutdown()

	require.Eventually(t, func() bool {
		return testutil.ToFloat64(m.SchedulerTicks.WithLabelValues(types.JobTypeKPISnapshot, TickError)) >= 1
	}, time.Second, 5*time.Millisecond)
}

func TestScheduler_ShutdownStopsTicks(t *testing.T) {
	q := &fakeEnqueuer{}
	s := New(q, nil, nil)
	s.Schedule(types.JobTypeKPISnapshot, 5*time.Millisecond)
	s.Start(context.Background())
	require.Eventually(t, func() bool { return q.count(types.JobTypeKPISnapshot) > 0 }, time.Second, time.Millisecond)

	s.Shutdown()
	after := q.count(types.JobTypeKPISnapshot)
	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, after, q.count(types.JobTypeKPISnapshot))
}

func TestScheduler_ScheduleAfterStart(t *testing.T) {
	q := &fakeEnqueuer{}
	s := New(q, nil, nil)
	s.Start(context.Background())
	defer s.Shutdown()

	s.Schedule(types.JobTypeRefreshTokenCleanup, 5*time.Millisecond)
	require.Eventually(t, func() bool { return q.count(types.JobTypeRefreshTokenCleanup) > 0 }, time.Second, time.Millisecond)
}

func TestScheduler_WithRealQueue(t *testing.T) {
	q := queue.New(queue.Options{})
	var mu sync.Mutex
	runs := 0
	q.Register(types.JobTypeKPISnapshot, func(context.Context, json.RawMessage) error {
		mu.Lock()
		runs++
		mu.Unlock()
		return nil
	})
	q.Start(context.Background())
	defer func() { _ = q.Shutdown(context.Background()) }()

	s := New(q, nil, nil)
	s.Schedule(types.JobTypeKPISnapshot, 10*time.Millisecond)
	s.Start(context.Background())
	defer s.Shutdown()

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return runs >= 2
	}, time.Second, 5*time.Millisecond)
}
