package db

import (
	"context"
	"time"

	"shopfloor/internal/types"
)

// WebhookRepository stores subscriptions and their delivery records.
type WebhookRepository struct {
	db DBTX
}

// NewWebhookRepository creates a new WebhookRepository backed by the given
// database connection (pool or transaction).
func NewWebhookRepository(db DBTX) *WebhookRepository {
	return &WebhookRepository{db: db}
}

const subscriptionColumns = `id, event_type, target_url, secret, is_active, failure_count, created_at`

const deliveryColumns = `id, subscription_id, event_name, payload, status, attempt_count, max_attempts,
	next_retry_at, last_error, response_status, delivered_at, created_at, updated_at`

// ListActiveSubscriptions returns every active subscription. Event type
// pattern matching happens in the dispatcher.
func (r *WebhookRepository) ListActiveSubscriptions(ctx context.Context) ([]types.WebhookSubscription, error) {
	rows, err := r.db.Query(ctx,
		`SELECT `+subscriptionColumns+`
		 FROM webhook_subscriptions
		 WHERE is_active
		 ORDER BY created_at, id`,
	)
	if err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to list webhook subscriptions", err)
	}
	defer rows.Close()

	var out []types.WebhookSubscription
	for rows.Next() {
		s, err := scanSubscription(rows)
		if err != nil {
			return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to scan webhook subscription", err)
		}
		out = append(out, *s)
	}
	if err := rows.Err(); err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "error iterating webhook subscriptions", err)
	}
	return out, nil
}

// GetSubscription returns a subscription by ID regardless of its active flag.
func (r *WebhookRepository) GetSubscription(ctx context.Context, id string) (*types.WebhookSubscription, error) {
	s, err := scanSubscription(r.db.QueryRow(ctx,
		`SELECT `+subscriptionColumns+` FROM webhook_subscriptions WHERE id = $1`, id))
	if err != nil {
		if isNoRows(err) {
			return nil, types.NewAppError(types.ErrCodeNotFoundSubscription, "webhook subscription not found", err)
		}
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to get webhook subscription", err)
	}
	return s, nil
}

// IncrementFailureCount bumps the subscription's failure counter in place.
func (r *WebhookRepository) IncrementFailureCount(ctx context.Context, subscriptionID string) error {
	_, err := r.db.Exec(ctx,
		`UPDATE webhook_subscriptions SET failure_count = failure_count + 1 WHERE id = $1`,
		subscriptionID,
	)
	if err != nil {
		return types.NewAppError(types.ErrCodeInternalDB, "failed to increment webhook failure count", err)
	}
	return nil
}

// CreateDelivery inserts a pending delivery record.
func (r *WebhookRepository) CreateDelivery(ctx context.Context, d *types.WebhookDelivery) error {
	err := r.db.QueryRow(ctx,
		`INSERT INTO webhook_deliveries (id, subscription_id, event_name, payload, status, attempt_count, max_attempts, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, 0, $6, NOW(), NOW())
		 RETURNING created_at, updated_at`,
		d.ID,
		d.SubscriptionID,
		d.EventName,
		[]byte(d.Payload),
		string(d.Status),
		d.MaxAttempts,
	).Scan(&d.CreatedAt, &d.UpdatedAt)
	if err != nil {
		return types.NewAppError(types.ErrCodeInternalDB, "failed to create webhook delivery", err)
	}
	return nil
}

// GetDelivery returns a delivery record by ID.
func (r *WebhookRepository) GetDelivery(ctx context.Context, id string) (*types.WebhookDelivery, error) {
	var (
		d       types.WebhookDelivery
		payload []byte
		status  string
	)
	err := r.db.QueryRow(ctx,
		`SELECT `+deliveryColumns+` FROM webhook_deliveries WHERE id = $1`, id,
	).Scan(
		&d.ID,
		&d.SubscriptionID,
		&d.EventName,
		&payload,
		&status,
		&d.AttemptCount,
		&d.MaxAttempts,
		&d.NextRetryAt,
		&d.LastError,
		&d.ResponseStatus,
		&d.DeliveredAt,
		&d.CreatedAt,
		&d.UpdatedAt,
	)
	if err != nil {
		if isNoRows(err) {
			return nil, types.NewAppError(types.ErrCodeNotFoundDelivery, "webhook delivery not found", err)
		}
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to get webhook delivery", err)
	}
	d.Payload = payload
	d.Status = types.DeliveryStatus(status)
	return &d, nil
}

// MarkDelivered records a successful attempt.
func (r *WebhookRepository) MarkDelivered(ctx context.Context, id string, attemptCount, responseStatus int, at time.Time) error {
	_, err := r.db.Exec(ctx,
		`UPDATE webhook_deliveries
		 SET status = 'delivered', attempt_count = $2, response_status = $3,
		     delivered_at = $4, next_retry_at = NULL, last_error = NULL, updated_at = NOW()
		 WHERE id = $1`,
		id, attemptCount, responseStatus, at,
	)
	if err != nil {
		return types.NewAppError(types.ErrCodeInternalDB, "failed to mark webhook delivered", err)
	}
	return nil
}

// RecordFailure records a failed attempt. status is retrying (with
// nextRetryAt) or failed (terminal, nextRetryAt nil).
func (r *WebhookRepository) RecordFailure(ctx context.Context, id string, attemptCount int, status types.DeliveryStatus, nextRetryAt *time.Time, lastError string, responseStatus *int) error {
	_, err := r.db.Exec(ctx,
		`UPDATE webhook_deliveries
		 SET status = $2, attempt_count = $3, next_retry_at = $4,
		     last_error = $5, response_status = $6, updated_at = NOW()
		 WHERE id = $1`,
		id, string(status), attemptCount, nextRetryAt, lastError, responseStatus,
	)
	if err != nil {
		return types.NewAppError(types.ErrCodeInternalDB, "failed to record webhook failure", err)
	}
	return nil
}

func scanSubscription(s scanner) (*types.WebhookSubscription, error) {
	var (
		sub    types.WebhookSubscription
		secret string
	)
	if err := s.Scan(
		&sub.ID,
		&sub.EventType,
		&sub.TargetURL,
		&secret,
		&sub.IsActive,
		&sub.FailureCount,
		&sub.CreatedAt,
	); err != nil {
		return nil, err
	}
	sub.Secret = types.SecretString(secret)
	return &sub, nil
}
