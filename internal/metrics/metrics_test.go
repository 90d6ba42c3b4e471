package metrics

import (
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestNilMetricsAreSafe(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.IncPublished("quote.sent")
		m.ObserveLedgerWrite(LedgerOK, time.Millisecond)
		m.ObserveJob("kpi.snapshot", nil, time.Second)
		m.IncCache("analytics:summary", CacheHit)
		m.ObserveQuery("exec", time.Millisecond)
	})
}

func TestLedgerOutcomes(t *testing.T) {
	m := New(prometheus.NewRegistry())

	m.ObserveLedgerWrite(LedgerOK, time.Millisecond)
	m.ObserveLedgerWrite(LedgerDropped, 0)
	m.ObserveLedgerWrite(LedgerDropped, 0)

	assert.Equal(t, 1.0, testutil.ToFloat64(m.EventLedgerWrites.WithLabelValues(LedgerOK)))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.EventLedgerWrites.WithLabelValues(LedgerDropped)))
}

func TestObserveJobResults(t *testing.T) {
	m := New(prometheus.NewRegistry())

	m.ObserveJob("export.generate", nil, time.Second)
	m.ObserveJob("export.generate", errors.New("boom"), time.Second)
	m.ObserveJob("export.generate", errors.New("boom"), time.Second)

	assert.Equal(t, 1.0, testutil.ToFloat64(m.JobAttempts.WithLabelValues("export.generate", "success")))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.JobAttempts.WithLabelValues("export.generate", "error")))
}
