// Package metrics holds the Prometheus collectors for the pipeline. Every
// method is nil-safe so components can run without metrics in tests.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Ledger write outcomes.
const (
	LedgerOK      = "ok"
	LedgerError   = "error"
	LedgerDropped = "dropped"
)

// Cache lookup results.
const (
	CacheHit  = "hit"
	CacheMiss = "miss"
)

// Metrics provides observability for the event, job, cache, export and
// webhook subsystems.
type Metrics struct {
	EventsPublished     *prometheus.CounterVec
	EventListenerErrors *prometheus.CounterVec
	EventLedgerWrites   *prometheus.CounterVec
	EventLedgerLatency  prometheus.Histogram
	EventLedgerInflight prometheus.Gauge
	JobAttempts         *prometheus.CounterVec
	JobFailures         *prometheus.CounterVec
	JobDuration         *prometheus.HistogramVec
	SchedulerTicks      *prometheus.CounterVec
	CacheRequests       *prometheus.CounterVec
	ExportDuration      *prometheus.HistogramVec
	ExportRows          *prometheus.CounterVec
	WebhookDeliveries   *prometheus.CounterVec
	DBQueryDuration     *prometheus.HistogramVec
}

// New registers all collectors with reg. Passing prometheus.DefaultRegisterer
// exposes them on the default /metrics handler; tests pass a fresh registry.
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		EventsPublished: f.NewCounterVec(prometheus.CounterOpts{
			Name: "shopfloor_events_published_total",
			Help: "Domain events published by name",
		}, []string{"name"}),

		EventListenerErrors: f.NewCounterVec(prometheus.CounterOpts{
			Name: "shopfloor_event_listener_errors_total",
			Help: "Listener failures (errors and recovered panics) by event name",
		}, []string{"name"}),

		EventLedgerWrites: f.NewCounterVec(prometheus.CounterOpts{
			Name: "shopfloor_event_ledger_writes_total",
			Help: "Event ledger writes by outcome",
		}, []string{"outcome"}), // ok, error, dropped

		EventLedgerLatency: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "shopfloor_event_ledger_write_duration_seconds",
			Help:    "Duration of event ledger inserts",
			Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1},
		}),

		EventLedgerInflight: f.NewGauge(prometheus.GaugeOpts{
			Name: "shopfloor_event_background_tasks_inflight",
			Help: "Background event tasks currently holding a slot",
		}),

		JobAttempts: f.NewCounterVec(prometheus.CounterOpts{
			Name: "shopfloor_job_attempts_total",
			Help: "Job handler invocations by type and result",
		}, []string{"type", "result"}),

		JobFailures: f.NewCounterVec(prometheus.CounterOpts{
			Name: "shopfloor_job_failures_total",
			Help: "Jobs that exhausted their attempts by type",
		}, []string{"type"}),

		JobDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "shopfloor_job_duration_seconds",
			Help:    "Job handler duration by type",
			Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 15, 60, 300},
		}, []string{"type"}),

		SchedulerTicks: f.NewCounterVec(prometheus.CounterOpts{
			Name: "shopfloor_scheduler_ticks_total",
			Help: "Scheduler ticks by job type and outcome",
		}, []string{"type", "outcome"}), // enqueued, skipped, error

		CacheRequests: f.NewCounterVec(prometheus.CounterOpts{
			Name: "shopfloor_cache_requests_total",
			Help: "Cache lookups by key and result",
		}, []string{"key", "result"}),

		ExportDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "shopfloor_export_duration_seconds",
			Help:    "Export job duration by type and final status",
			Buckets: []float64{0.1, 0.5, 1, 5, 15, 60, 300, 900},
		}, []string{"type", "status"}),

		ExportRows: f.NewCounterVec(prometheus.CounterOpts{
			Name: "shopfloor_export_rows_total",
			Help: "Rows written to export parts by type",
		}, []string{"type"}),

		WebhookDeliveries: f.NewCounterVec(prometheus.CounterOpts{
			Name: "shopfloor_webhook_delivery_attempts_total",
			Help: "Webhook delivery attempts by result",
		}, []string{"result"}), // delivered, retrying, failed

		DBQueryDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "shopfloor_db_query_duration_seconds",
			Help:    "Database call duration by operation",
			Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5},
		}, []string{"op"}),
	}
}

func (m *Metrics) IncPublished(name string) {
	if m != nil {
		m.EventsPublished.WithLabelValues(name).Inc()
	}
}

func (m *Metrics) IncListenerError(name string) {
	if m != nil {
		m.EventListenerErrors.WithLabelValues(name).Inc()
	}
}

// ObserveLedgerWrite records a ledger outcome; d is ignored for dropped writes.
func (m *Metrics) ObserveLedgerWrite(outcome string, d time.Duration) {
	if m == nil {
		return
	}
	m.EventLedgerWrites.WithLabelValues(outcome).Inc()
	if outcome != LedgerDropped {
		m.EventLedgerLatency.Observe(d.Seconds())
	}
}

func (m *Metrics) AddInflight(delta float64) {
	if m != nil {
		m.EventLedgerInflight.Add(delta)
	}
}

// ObserveJob records one handler invocation.
func (m *Metrics) ObserveJob(jobType string, err error, d time.Duration) {
	if m == nil {
		return
	}
	result := "success"
	if err != nil {
		result = "error"
	}
	m.JobAttempts.WithLabelValues(jobType, result).Inc()
	m.JobDuration.WithLabelValues(jobType).Observe(d.Seconds())
}

func (m *Metrics) IncJobFailure(jobType string) {
	if m != nil {
		m.JobFailures.WithLabelValues(jobType).Inc()
	}
}

func (m *Metrics) IncSchedulerTick(jobType, outcome string) {
	if m != nil {
		m.SchedulerTicks.WithLabelValues(jobType, outcome).Inc()
	}
}

func (m *Metrics) IncCache(key, result string) {
	if m != nil {
		m.CacheRequests.WithLabelValues(key, result).Inc()
	}
}

func (m *Metrics) ObserveExport(exportType, status string, d time.Duration) {
	if m != nil {
		m.ExportDuration.WithLabelValues(exportType, status).Observe(d.Seconds())
	}
}

func (m *Metrics) AddExportRows(exportType string, n int) {
	if m != nil {
		m.ExportRows.WithLabelValues(exportType).Add(float64(n))
	}
}

func (m *Metrics) IncWebhook(result string) {
	if m != nil {
		m.WebhookDeliveries.WithLabelValues(result).Inc()
	}
}

func (m *Metrics) ObserveQuery(op string, d time.Duration) {
	if m != nil {
		m.DBQueryDuration.WithLabelValues(op).Observe(d.Seconds())
	}
}
