package events

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"shopfloor/internal/metrics"
	"shopfloor/internal/types"
)

type fakeLedger struct {
	mu      sync.Mutex
	events  []types.DomainEvent
	err     error
	release chan struct{}
}

func (l *fakeLedger) Append(_ context.Context, ev types.DomainEvent) (int64, error) {
	if l.release != nil {
		<-l.release
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.err != nil {
		return 0, l.err
	}
	l.events = append(l.events, ev)
	return int64(len(l.events)), nil
}

func (l *fakeLedger) names() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]string, 0, len(l.events))
	for _, ev := range l.events {
		out = append(out, ev.Name)
	}
	return out
}

func newTestBus(t *testing.T, ledger Ledger, inflight int64) (*Bus, *metrics.Metrics) {
	t.Helper()
	m := metrics.New(prometheus.NewRegistry())
	b := NewBus(ledger, Options{MaxInflight: inflight, Metrics: m})
	return b, m
}

func closeBus(t *testing.T, b *Bus) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, b.Close(ctx))
}

func TestMatch(t *testing.T) {
	tests := []struct {
		pattern, name string
		want          bool
	}{
		{"*", "quote.sent", true},
		{"quote.*", "quote.sent", true},
		{"quote.*", "quotes.sent", false},
		{"quote.*", "quote", false},
		{"order.created", "order.created", true},
		{"order.created", "order.delivered", false},
		{"inventory.*", "inventory.transaction.recorded", true},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, Match(tt.pattern, tt.name), "%s ~ %s", tt.pattern, tt.name)
	}
}

func TestPublish_RunsListenersInOrderAndWritesLedger(t *testing.T) {
	ledger := &fakeLedger{}
	b, m := newTestBus(t, ledger, 4)

	var order []string
	b.On("*", func(context.Context, types.DomainEvent) error { order = append(order, "all"); return nil })
	b.On("quote.*", func(context.Context, types.DomainEvent) error { order = append(order, "quote"); return nil })
	b.On("order.created", func(context.Context, types.DomainEvent) error { order = append(order, "order"); return nil })

	ev := b.Publish(context.Background(), types.DomainEvent{Name: "quote.sent"})
	closeBus(t, b)

	assert.Equal(t, []string{"all", "quote"}, order)
	assert.Equal(t, "1", ev.Version)
	assert.False(t, ev.Timestamp.IsZero())
	assert.Equal(t, []string{"quote.sent"}, ledger.names())
	assert.Equal(t, 1.0, testutil.ToFloat64(m.EventsPublished.WithLabelValues("quote.sent")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.EventLedgerWrites.WithLabelValues(metrics.LedgerOK)))
}

func TestPublish_ListenerFailureIsIsolated(t *testing.T) {
	ledger := &fakeLedger{}
	b, m := newTestBus(t, ledger, 4)

	ran := false
	b.On("order.*", func(context.Context, types.DomainEvent) error { panic("boom") })
	b.On("order.*", func(context.Context, types.DomainEvent) error { return errors.New("nope") })
	b.On("order.*", func(context.Context, types.DomainEvent) error { ran = true; return nil })

	b.Publish(context.Background(), types.DomainEvent{Name: "order.created"})
	closeBus(t, b)

	assert.True(t, ran)
	assert.Equal(t, 2.0, testutil.ToFloat64(m.EventListenerErrors.WithLabelValues("order.created")))
	assert.Equal(t, []string{"order.created"}, ledger.names())
}

func TestPublish_DoesNotWaitForLedger(t *testing.T) {
	ledger := &fakeLedger{release: make(chan struct{})}
	b, _ := newTestBus(t, ledger, 4)

	done := make(chan struct{})
	go func() {
		b.Publish(context.Background(), types.DomainEvent{Name: "quote.sent"})
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Publish blocked on the ledger write")
	}
	assert.Empty(t, ledger.names())

	close(ledger.release)
	closeBus(t, b)
	assert.Equal(t, []string{"quote.sent"}, ledger.names())
}

func TestPublish_DropsWhenSlotsExhausted(t *testing.T) {
	ledger := &fakeLedger{release: make(chan struct{})}
	b, m := newTestBus(t, ledger, 1)

	b.Publish(context.Background(), types.DomainEvent{Name: "quote.sent"})
	b.Publish(context.Background(), types.DomainEvent{Name: "quote.accepted"})

	assert.Equal(t, 1.0, testutil.ToFloat64(m.EventLedgerWrites.WithLabelValues(metrics.LedgerDropped)))

	close(ledger.release)
	closeBus(t, b)
	assert.Equal(t, []string{"quote.sent"}, ledger.names())
}

func TestSpawn_BoundSeparateFromLedger(t *testing.T) {
	ledger := &fakeLedger{release: make(chan struct{})}
	m := metrics.New(prometheus.NewRegistry())
	b := NewBus(ledger, Options{MaxInflight: 1, MaxTasks: 1, Metrics: m})
	ctx := context.Background()

	// Ledger slot held by a slow write; tasks still run.
	b.Publish(ctx, types.DomainEvent{Name: "quote.sent"})
	hold := make(chan struct{})
	require.NoError(t, b.Spawn(ctx, "fanout", func(context.Context) error { <-hold; return nil }))

	// Task slot held; the next task is refused without touching the ledger.
	assert.ErrorIs(t, b.Spawn(ctx, "fanout", func(context.Context) error { return nil }), ErrNoSlot)
	assert.Zero(t, testutil.ToFloat64(m.EventLedgerWrites.WithLabelValues(metrics.LedgerDropped)))

	close(hold)
	close(ledger.release)
	closeBus(t, b)
	assert.Equal(t, []string{"quote.sent"}, ledger.names())
}

func TestPublish_LedgerWrittenWhileTasksBusy(t *testing.T) {
	ledger := &fakeLedger{}
	b := NewBus(ledger, Options{MaxInflight: 1, MaxTasks: 1})
	ctx := context.Background()

	hold := make(chan struct{})
	require.NoError(t, b.Spawn(ctx, "slow", func(context.Context) error { <-hold; return nil }))
	b.Publish(ctx, types.DomainEvent{Name: "order.created"})

	assert.Eventually(t, func() bool { return len(ledger.names()) == 1 }, time.Second, 5*time.Millisecond)
	close(hold)
	closeBus(t, b)
}

func TestPublish_LedgerErrorCountedNotSurfaced(t *testing.T) {
	ledger := &fakeLedger{err: errors.New("db down")}
	b, m := newTestBus(t, ledger, 2)

	b.Publish(context.Background(), types.DomainEvent{Name: "order.delivered"})
	closeBus(t, b)

	assert.Equal(t, 1.0, testutil.ToFloat64(m.EventLedgerWrites.WithLabelValues(metrics.LedgerError)))
}

func TestPublish_LedgerWriteSurvivesCallerCancellation(t *testing.T) {
	ledger := &fakeLedger{release: make(chan struct{})}
	b, _ := newTestBus(t, ledger, 2)

	ctx, cancel := context.WithCancel(types.WithCorrelationID(context.Background(), "req-9"))
	ev := b.Publish(ctx, types.DomainEvent{Name: "quote.sent"})
	cancel()
	close(ledger.release)
	closeBus(t, b)

	assert.Equal(t, "req-9", ev.CorrelationID)
	assert.Equal(t, []string{"quote.sent"}, ledger.names())
}

func TestOn_Unsubscribe(t *testing.T) {
	b, _ := newTestBus(t, nil, 1)
	calls := 0
	off := b.On("*", func(context.Context, types.DomainEvent) error { calls++; return nil })

	b.Publish(context.Background(), types.DomainEvent{Name: "a"})
	off()
	b.Publish(context.Background(), types.DomainEvent{Name: "b"})

	assert.Equal(t, 1, calls)
}

func TestSpawn_AfterClose(t *testing.T) {
	b, _ := newTestBus(t, nil, 1)
	closeBus(t, b)

	err := b.Spawn(context.Background(), "late", func(context.Context) error { return nil })
	assert.ErrorIs(t, err, ErrBusClosed)
}

func TestNestedPublishFromListener(t *testing.T) {
	ledger := &fakeLedger{}
	b, _ := newTestBus(t, ledger, 4)

	b.On(types.EventInventoryTransactionRecorded, func(ctx context.Context, ev types.DomainEvent) error {
		b.Publish(ctx, types.DomainEvent{Name: types.EventMaterialStockChanged})
		return nil
	})

	b.Publish(context.Background(), types.DomainEvent{Name: types.EventInventoryTransactionRecorded})
	closeBus(t, b)

	assert.ElementsMatch(t, []string{types.EventInventoryTransactionRecorded, types.EventMaterialStockChanged}, ledger.names())
}
