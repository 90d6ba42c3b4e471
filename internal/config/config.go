// Package config defines the process configuration for the shopfloor worker.
// Configuration is loaded once at startup and is immutable thereafter.
//
// Values are resolved via a priority chain:
//
//	OS Environment (Highest) -> Dotenv File -> AWS SSM Parameter Store (Lowest)
//
// A missing required value or an invalid format fails startup.
package config

import (
	"time"

	"shopfloor/internal/types"
)

// SecretString is an alias for types.SecretString so config consumers do not
// need to import types for redacted values.
type SecretString = types.SecretString

// Config is the top-level configuration struct. Sub-components receive only
// the config subsets they need.
type Config struct {
	Environment string `envconfig:"APP_ENV" validate:"required,oneof=local dev staging prod"`
	Service     string `envconfig:"SERVICE_NAME" default:"shopfloor-worker"`
	LogLevel    string `envconfig:"LOG_LEVEL" default:"info" validate:"oneof=debug info warn error"`

	Server    ServerConfig
	Database  DatabaseConfig
	Cache     CacheConfig
	Scheduler SchedulerConfig
	Analytics AnalyticsConfig
	Export    ExportConfig
	Webhook   WebhookConfig
	Queue     QueueConfig
	Events    EventsConfig
	AWS       AWSConfig

	Build BuildInfo
}

// ServerConfig holds the ops HTTP listener settings.
type ServerConfig struct {
	Addr            string        `envconfig:"HTTP_ADDR" default:":8080"`
	ShutdownTimeout time.Duration `envconfig:"SHUTDOWN_TIMEOUT" default:"30s"`
}

// DatabaseConfig holds database connection and pool tuning parameters.
type DatabaseConfig struct {
	URL SecretString `envconfig:"DATABASE_URL" validate:"required,url"`

	MaxConns        int           `envconfig:"DB_MAX_CONNS" default:"10" validate:"min=1"`
	MinConns        int           `envconfig:"DB_MIN_CONNS" default:"2" validate:"min=0"`
	MaxConnLifetime time.Duration `envconfig:"DB_MAX_CONN_LIFETIME" default:"30m"`
}

// CacheConfig selects and sizes the cache backend. An empty RedisURL keeps
// the in-process store.
type CacheConfig struct {
	RedisURL   SecretString `envconfig:"REDIS_URL" validate:"omitempty,url"`
	MaxEntries int          `envconfig:"CACHE_MAX_ENTRIES" default:"10000" validate:"min=1"`
	// MaterialsTTL bounds the low-stock and category views.
	MaterialsTTL time.Duration `envconfig:"CACHE_MATERIALS_TTL" default:"5m"`
}

// SchedulerConfig holds recurring job intervals in milliseconds. Zero or a
// negative value disables the schedule.
type SchedulerConfig struct {
	KPISnapshotIntervalMS         int64 `envconfig:"KPI_SNAPSHOT_INTERVAL_MS" default:"0"`
	AnalyticsWarmIntervalMS       int64 `envconfig:"ANALYTICS_WARM_INTERVAL_MS" default:"0"`
	RefreshTokenCleanupIntervalMS int64 `envconfig:"REFRESH_TOKEN_CLEANUP_INTERVAL_MS" default:"0"`
}

// KPISnapshotInterval returns the configured interval as a duration.
func (c SchedulerConfig) KPISnapshotInterval() time.Duration {
	return millis(c.KPISnapshotIntervalMS)
}

// AnalyticsWarmInterval returns the configured interval as a duration.
func (c SchedulerConfig) AnalyticsWarmInterval() time.Duration {
	return millis(c.AnalyticsWarmIntervalMS)
}

// RefreshTokenCleanupInterval returns the configured interval as a duration.
func (c SchedulerConfig) RefreshTokenCleanupInterval() time.Duration {
	return millis(c.RefreshTokenCleanupIntervalMS)
}

func millis(ms int64) time.Duration {
	if ms <= 0 {
		return 0
	}
	return time.Duration(ms) * time.Millisecond
}

// AnalyticsConfig controls the cached analytics summary.
type AnalyticsConfig struct {
	SummaryTTL  time.Duration `envconfig:"ANALYTICS_SUMMARY_TTL" default:"5m"`
	SummaryDays int           `envconfig:"ANALYTICS_SUMMARY_DAYS" default:"30" validate:"min=1,max=366"`
}

// ExportConfig controls batched exports and their object storage.
type ExportConfig struct {
	BatchLimit int           `envconfig:"EXPORT_BATCH_LIMIT" default:"5000" validate:"min=1"`
	Bucket     string        `envconfig:"EXPORT_BUCKET"`
	Prefix     string        `envconfig:"EXPORT_PREFIX" default:"exports"`
	Compress   bool          `envconfig:"EXPORT_COMPRESS" default:"false"`
	URLTTL     time.Duration `envconfig:"EXPORT_URL_TTL" default:"24h"`
}

// WebhookConfig holds settings for outbound webhook delivery.
type WebhookConfig struct {
	MaxAttempts    int           `envconfig:"WEBHOOK_MAX_ATTEMPTS" default:"5" validate:"min=1"`
	DefaultTimeout time.Duration `envconfig:"WEBHOOK_TIMEOUT" default:"10s"`
	UserAgent      string        `envconfig:"WEBHOOK_USER_AGENT" default:"Shopfloor-Webhook/1.0"`
}

// QueueConfig holds the default retry policy for jobs.
type QueueConfig struct {
	MaxAttempts int           `envconfig:"JOB_MAX_ATTEMPTS" default:"3" validate:"min=1"`
	BackoffBase time.Duration `envconfig:"JOB_BACKOFF_BASE" default:"1s"`
	BackoffMax  time.Duration `envconfig:"JOB_BACKOFF_MAX" default:"5m"`
}

// EventsConfig bounds background ledger writes and listener tasks
// separately.
type EventsConfig struct {
	LedgerMaxInflight int64 `envconfig:"EVENT_LEDGER_MAX_INFLIGHT" default:"64" validate:"min=1"`
	TaskMaxInflight   int64 `envconfig:"EVENT_TASK_MAX_INFLIGHT" default:"64" validate:"min=1"`
}

// AWSConfig holds regional configuration for S3 and SSM.
type AWSConfig struct {
	Region string `envconfig:"AWS_REGION" default:"us-east-1"`

	// LocalStack/MinIO support (empty in prod)
	EndpointURL string `envconfig:"AWS_ENDPOINT_URL"`
}

// BuildInfo holds build-time metadata injected via ldflags.
type BuildInfo struct {
	Version   string
	Commit    string
	BuildTime string
}

// ConfigErrorType categorizes configuration loading failures.
type ConfigErrorType string

const (
	// ErrSSMResolution indicates a failure when fetching secrets from AWS SSM.
	ErrSSMResolution ConfigErrorType = "SSM_FAILURE"
	// ErrValidation indicates the configuration failed struct validation rules.
	ErrValidation ConfigErrorType = "VALIDATION_FAILED"
	// ErrParsing indicates a failure when parsing environment values.
	ErrParsing ConfigErrorType = "PARSING_FAILED"
)
