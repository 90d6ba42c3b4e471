package types

import (
	"encoding/json"
	"time"
)

// WebhookSubscription routes events of EventType to TargetURL. EventType may
// be an exact name, "*", or a "prefix.*" pattern.
type WebhookSubscription struct {
	ID           string       `json:"id"`
	EventType    string       `json:"event_type"`
	TargetURL    string       `json:"target_url"`
	Secret       SecretString `json:"secret"`
	IsActive     bool         `json:"is_active"`
	FailureCount int          `json:"failure_count"`
	CreatedAt    time.Time    `json:"created_at"`
}

// DeliveryStatus is the state of a WebhookDelivery.
type DeliveryStatus string

const (
	DeliveryPending   DeliveryStatus = "pending"
	DeliveryRetrying  DeliveryStatus = "retrying"
	DeliveryDelivered DeliveryStatus = "delivered"
	DeliveryFailed    DeliveryStatus = "failed"
)

// IsTerminal reports whether no further attempts will be made.
func (s DeliveryStatus) IsTerminal() bool {
	return s == DeliveryDelivered || s == DeliveryFailed
}

// WebhookDelivery records the attempts to deliver one event to one
// subscription.
type WebhookDelivery struct {
	ID             string          `json:"id"`
	SubscriptionID string          `json:"subscription_id"`
	EventName      string          `json:"event_name"`
	Payload        json.RawMessage `json:"payload"`
	Status         DeliveryStatus  `json:"status"`
	AttemptCount   int             `json:"attempt_count"`
	MaxAttempts    int             `json:"max_attempts"`
	NextRetryAt    *time.Time      `json:"next_retry_at,omitempty"`
	LastError      *string         `json:"last_error,omitempty"`
	ResponseStatus *int            `json:"response_status,omitempty"`
	DeliveredAt    *time.Time      `json:"delivered_at,omitempty"`
	CreatedAt      time.Time       `json:"created_at"`
	UpdatedAt      time.Time       `json:"updated_at"`
}
