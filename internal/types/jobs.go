package types

import (
	"encoding/json"
	"time"
)

// JobStatus is the lifecycle state of a JobRecord.
type JobStatus string

const (
	JobPending   JobStatus = "pending"
	JobRunning   JobStatus = "running"
	JobCompleted JobStatus = "completed"
	JobFailed    JobStatus = "failed"
)

// IsTerminal reports whether no further automatic action happens for the job.
func (s JobStatus) IsTerminal() bool {
	return s == JobCompleted || s == JobFailed
}

// Registered job types.
const (
	JobTypeKPISnapshot          = "kpi.snapshot"
	JobTypeExportGenerate       = "export.generate"
	JobTypeAnalyticsSummaryWarm = "analytics.summary.warm"
	JobTypeWebhookDeliver       = "webhook.deliver"
	JobTypeWebhookFanOut        = "webhook.fanout"
	JobTypeRefreshTokenCleanup  = "auth.refresh_tokens.cleanup"
)

// JobRecord is the durable record of one enqueued unit of work. Records are
// mutated in place through their lifecycle and retained after reaching a
// terminal state.
type JobRecord struct {
	ID           string          `json:"id"`
	Type         string          `json:"type"`
	Payload      json.RawMessage `json:"payload"`
	Status       JobStatus       `json:"status"`
	Attempts     int             `json:"attempts"`
	MaxAttempts  int             `json:"max_attempts"`
	EnqueuedAt   time.Time       `json:"enqueued_at"`
	ScheduledFor *time.Time      `json:"scheduled_for,omitempty"`
	StartedAt    *time.Time      `json:"started_at,omitempty"`
	FinishedAt   *time.Time      `json:"finished_at,omitempty"`
	LastError    *string         `json:"last_error,omitempty"`
	Persisted    bool            `json:"persisted"`
}

// CanRetry reports whether another attempt is allowed.
func (j *JobRecord) CanRetry() bool {
	return j.Attempts < j.MaxAttempts
}

// KPISnapshotPayload is the payload of kpi.snapshot. Day is YYYY-MM-DD; empty
// means yesterday (UTC).
type KPISnapshotPayload struct {
	Day string `json:"day,omitempty"`
}

// ExportGeneratePayload is the payload of export.generate.
type ExportGeneratePayload struct {
	ExportJobID string `json:"exportJobId"`
}

// WebhookDeliverPayload is the payload of webhook.deliver.
type WebhookDeliverPayload struct {
	DeliveryID string `json:"deliveryId"`
}

// WebhookFanOutPayload is the payload of webhook.fanout: the published event
// whose deliveries still have to be created.
type WebhookFanOutPayload struct {
	Event DomainEvent `json:"event"`
}
