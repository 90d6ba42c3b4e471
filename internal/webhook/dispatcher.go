// Package webhook delivers domain events to subscribed HTTP endpoints.
//
// A listener on every event creates one delivery record per matching active
// subscription and enqueues a persisted webhook.deliver job for it. The job
// POSTs the signed event envelope through a per-host circuit breaker and
// schedules its own retry with backoff until the attempt ceiling.
//
// Fan-out runs on a bus task slot. When no slot is free, or the fan-out
// fails, the event is handed to a persisted webhook.fanout job, so a
// subscribed event is never dropped. A fan-out that failed partway is re-run
// in full and may create a second delivery for the same subscription.
package webhook

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sony/gobreaker/v2"

	"shopfloor/internal/events"
	"shopfloor/internal/metrics"
	"shopfloor/internal/queue"
	"shopfloor/internal/types"
)

// Delivery outcomes reported to shopfloor_webhook_delivery_attempts_total.
const (
	ResultDelivered = "delivered"
	ResultRetrying  = "retrying"
	ResultFailed    = "failed"
)

// Store persists subscriptions and delivery records.
type Store interface {
	ListActiveSubscriptions(ctx context.Context) ([]types.WebhookSubscription, error)
	GetSubscription(ctx context.Context, id string) (*types.WebhookSubscription, error)
	IncrementFailureCount(ctx context.Context, subscriptionID string) error
	CreateDelivery(ctx context.Context, d *types.WebhookDelivery) error
	GetDelivery(ctx context.Context, id string) (*types.WebhookDelivery, error)
	MarkDelivered(ctx context.Context, id string, attemptCount, responseStatus int, at time.Time) error
	RecordFailure(ctx context.Context, id string, attemptCount int, status types.DeliveryStatus, nextRetryAt *time.Time, lastError string, responseStatus *int) error
}

// Spawner runs fan-out off the publishing path.
type Spawner interface {
	Spawn(ctx context.Context, name string, fn func(ctx context.Context) error) error
}

// Enqueuer schedules webhook.deliver and webhook.fanout jobs.
type Enqueuer interface {
	Enqueue(ctx context.Context, jobType string, payload any, opts queue.EnqueueOptions) (*types.JobRecord, error)
}

// Config controls delivery behaviour.
type Config struct {
	MaxAttempts int
	Timeout     time.Duration
	UserAgent   string
	Backoff     queue.RetryPolicy
	// BreakerFailures is the consecutive-failure count that opens a host's
	// breaker.
	BreakerFailures uint32
	BreakerTimeout  time.Duration
}

// DefaultBackoff spaces delivery retries.
var DefaultBackoff = queue.RetryPolicy{
	BaseDelay:     30 * time.Second,
	MaxDelay:      time.Hour,
	BackoffFactor: 2,
}

// Dispatcher fans events out to subscriptions and delivers them.
type Dispatcher struct {
	store   Store
	spawner Spawner
	queue   Enqueuer
	client  *http.Client
	cfg     Config
	clock   types.Clock
	metrics *metrics.Metrics
	logger  *slog.Logger

	mu       sync.Mutex
	breakers map[string]*gobreaker.CircuitBreaker[int]
}

// NewDispatcher creates a Dispatcher. client may be nil.
func NewDispatcher(store Store, spawner Spawner, q Enqueuer, client *http.Client, cfg Config, clock types.Clock, m *metrics.Metrics, logger *slog.Logger) *Dispatcher {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 5
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if cfg.UserAgent == "" {
		cfg.UserAgent = "Shopfloor-Webhook/1.0"
	}
	if cfg.Backoff.BaseDelay <= 0 {
		cfg.Backoff = DefaultBackoff
	}
	if cfg.BreakerFailures == 0 {
		cfg.BreakerFailures = 5
	}
	if cfg.BreakerTimeout <= 0 {
		cfg.BreakerTimeout = 30 * time.Second
	}
	if client == nil {
		client = &http.Client{}
	}
	if clock == nil {
		clock = types.RealClock{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{
		store:    store,
		spawner:  spawner,
		queue:    q,
		client:   client,
		cfg:      cfg,
		clock:    clock,
		metrics:  m,
		logger:   logger,
		breakers: make(map[string]*gobreaker.CircuitBreaker[int]),
	}
}

// OnEvent is the bus listener. Fan-out runs on a background slot so
// publishing never waits on the subscription lookup; without a slot it is
// deferred to the queue.
func (d *Dispatcher) OnEvent(ctx context.Context, ev types.DomainEvent) error {
	err := d.spawner.Spawn(ctx, "webhook:fanout:"+ev.Name, func(ctx context.Context) error {
		if _, err := d.FanOut(ctx, ev); err != nil {
			d.logger.WarnContext(ctx, "webhook fan-out failed, deferring to queue",
				"event", ev.Name,
				"error", err,
			)
			return d.deferFanOut(ctx, ev)
		}
		return nil
	})
	if err == nil {
		return nil
	}
	d.logger.DebugContext(ctx, "webhook fan-out deferred to queue", "event", ev.Name, "reason", err)
	return d.deferFanOut(ctx, ev)
}

func (d *Dispatcher) deferFanOut(ctx context.Context, ev types.DomainEvent) error {
	if _, err := d.queue.Enqueue(ctx, types.JobTypeWebhookFanOut,
		types.WebhookFanOutPayload{Event: ev},
		queue.EnqueueOptions{Persist: true},
	); err != nil {
		return fmt.Errorf("enqueue %s fan-out: %w", ev.Name, err)
	}
	return nil
}

// HandleFanOut is the webhook.fanout job handler. Errors are retried by the
// queue's policy.
func (d *Dispatcher) HandleFanOut(ctx context.Context, payload json.RawMessage) error {
	var in types.WebhookFanOutPayload
	if err := json.Unmarshal(payload, &in); err != nil || in.Event.Name == "" {
		return types.NewAppError(types.ErrCodeValidationJobPayload, "webhook.fanout requires event", err)
	}
	_, err := d.FanOut(ctx, in.Event)
	return err
}

// FanOut creates a delivery for every active subscription matching ev and
// enqueues its delivery job. It returns the number of deliveries created.
func (d *Dispatcher) FanOut(ctx context.Context, ev types.DomainEvent) (int, error) {
	subs, err := d.store.ListActiveSubscriptions(ctx)
	if err != nil {
		return 0, err
	}

	var envelope []byte
	created := 0
	for _, sub := range subs {
		if !events.Match(sub.EventType, ev.Name) {
			continue
		}
		if envelope == nil {
			if envelope, err = json.Marshal(ev); err != nil {
				return created, fmt.Errorf("encode %s envelope: %w", ev.Name, err)
			}
		}

		delivery := &types.WebhookDelivery{
			ID:             uuid.NewString(),
			SubscriptionID: sub.ID,
			EventName:      ev.Name,
			Payload:        envelope,
			Status:         types.DeliveryPending,
			MaxAttempts:    d.cfg.MaxAttempts,
		}
		if err := d.store.CreateDelivery(ctx, delivery); err != nil {
			return created, err
		}
		if _, err := d.queue.Enqueue(ctx, types.JobTypeWebhookDeliver,
			types.WebhookDeliverPayload{DeliveryID: delivery.ID},
			queue.EnqueueOptions{Persist: true},
		); err != nil {
			return created, fmt.Errorf("enqueue delivery %s: %w", delivery.ID, err)
		}
		created++
	}

	if created > 0 {
		d.logger.DebugContext(ctx, "webhook deliveries created", "event", ev.Name, "count", created)
	}
	return created, nil
}

// HandleDeliver is the webhook.deliver job handler. Delivery failures are
// recorded on the delivery and retried by a new scheduled job; the handler
// only returns an error when the delivery state could not be read or saved.
func (d *Dispatcher) HandleDeliver(ctx context.Context, payload json.RawMessage) error {
	var in types.WebhookDeliverPayload
	if err := json.Unmarshal(payload, &in); err != nil || in.DeliveryID == "" {
		return types.NewAppError(types.ErrCodeValidationJobPayload, "webhook.deliver requires deliveryId", err)
	}

	delivery, err := d.store.GetDelivery(ctx, in.DeliveryID)
	if err != nil {
		return err
	}
	if delivery.Status.IsTerminal() {
		return nil
	}
	sub, err := d.store.GetSubscription(ctx, delivery.SubscriptionID)
	if err != nil {
		return err
	}

	attempt := delivery.AttemptCount + 1
	if !sub.IsActive {
		d.metrics.IncWebhook(ResultFailed)
		return d.store.RecordFailure(ctx, delivery.ID, delivery.AttemptCount, types.DeliveryFailed, nil, "subscription inactive", nil)
	}

	status, sendErr := d.send(ctx, sub, delivery, attempt)
	now := d.clock.Now()
	if sendErr == nil {
		d.metrics.IncWebhook(ResultDelivered)
		d.logger.InfoContext(ctx, "webhook delivered",
			"delivery_id", delivery.ID,
			"subscription_id", sub.ID,
			"event", delivery.EventName,
			"attempt", attempt,
			"status_code", status,
		)
		return d.store.MarkDelivered(ctx, delivery.ID, attempt, status, now)
	}

	var respStatus *int
	if status > 0 {
		respStatus = &status
	}
	if err := d.store.IncrementFailureCount(ctx, sub.ID); err != nil {
		return err
	}

	if attempt >= delivery.MaxAttempts {
		d.metrics.IncWebhook(ResultFailed)
		d.logger.ErrorContext(ctx, "webhook delivery failed permanently",
			"delivery_id", delivery.ID,
			"subscription_id", sub.ID,
			"attempts", attempt,
			"error", sendErr,
		)
		return d.store.RecordFailure(ctx, delivery.ID, attempt, types.DeliveryFailed, nil, sendErr.Error(), respStatus)
	}

	next := now.Add(d.cfg.Backoff.Delay(attempt - 1))
	if err := d.store.RecordFailure(ctx, delivery.ID, attempt, types.DeliveryRetrying, &next, sendErr.Error(), respStatus); err != nil {
		return err
	}
	if _, err := d.queue.Enqueue(ctx, types.JobTypeWebhookDeliver,
		types.WebhookDeliverPayload{DeliveryID: delivery.ID},
		queue.EnqueueOptions{Persist: true, ScheduledFor: next},
	); err != nil {
		return fmt.Errorf("reschedule delivery %s: %w", delivery.ID, err)
	}
	d.metrics.IncWebhook(ResultRetrying)
	d.logger.WarnContext(ctx, "webhook delivery failed; retry scheduled",
		"delivery_id", delivery.ID,
		"subscription_id", sub.ID,
		"attempt", attempt,
		"next_retry_at", next.Format(time.RFC3339),
		"error", sendErr,
	)
	return nil
}

// send POSTs the delivery and returns the response status (0 when no
// response was received).
func (d *Dispatcher) send(ctx context.Context, sub *types.WebhookSubscription, delivery *types.WebhookDelivery, attempt int) (int, error) {
	target, err := url.Parse(sub.TargetURL)
	if err != nil || target.Host == "" {
		return 0, fmt.Errorf("invalid target url %q", sub.TargetURL)
	}
	sig, err := Sign(delivery.Payload, sub.Secret.Unmask(), d.clock.Now())
	if err != nil {
		return 0, err
	}

	ctx, cancel := context.WithTimeout(ctx, d.cfg.Timeout)
	defer cancel()

	status, err := d.breakerFor(target.Host).Execute(func() (int, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, sub.TargetURL, bytes.NewReader(delivery.Payload))
		if err != nil {
			return 0, err
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("User-Agent", d.cfg.UserAgent)
		req.Header.Set(HeaderSignature, sig)
		req.Header.Set(HeaderEvent, delivery.EventName)
		req.Header.Set(HeaderDelivery, delivery.ID)
		req.Header.Set(HeaderAttempt, strconv.Itoa(attempt))

		resp, err := d.client.Do(req)
		if err != nil {
			return 0, err
		}
		defer resp.Body.Close()
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))

		if resp.StatusCode < 200 || resp.StatusCode >= 300 {
			return resp.StatusCode, fmt.Errorf("endpoint returned %d", resp.StatusCode)
		}
		return resp.StatusCode, nil
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return 0, types.NewAppError(types.ErrCodeUpstreamWebhook, fmt.Sprintf("circuit open for %s", target.Host), err)
	}
	return status, err
}

func (d *Dispatcher) breakerFor(host string) *gobreaker.CircuitBreaker[int] {
	d.mu.Lock()
	defer d.mu.Unlock()
	if cb, ok := d.breakers[host]; ok {
		return cb
	}
	threshold := d.cfg.BreakerFailures
	cb := gobreaker.NewCircuitBreaker[int](gobreaker.Settings{
		Name:        "webhook:" + host,
		MaxRequests: 1,
		Interval:    60 * time.Second,
		Timeout:     d.cfg.BreakerTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= threshold
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			d.logger.Warn("webhook circuit breaker state change",
				"breaker", name,
				"from", from.String(),
				"to", to.String(),
			)
		},
	})
	d.breakers[host] = cb
	return cb
}
