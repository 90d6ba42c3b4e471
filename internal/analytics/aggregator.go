// Package analytics maintains the daily KPI snapshots derived from the event
// ledger and the cached summary served to dashboards.
package analytics

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"shopfloor/internal/types"
)

// EventSource reads the event ledger.
type EventSource interface {
	CountByName(ctx context.Context, names []string, from, to time.Time) (map[string]int, error)
	ListByName(ctx context.Context, name string, from, to time.Time) ([]types.EventLogRecord, error)
}

// SnapshotStore persists one KPIDailySnapshot per UTC day.
type SnapshotStore interface {
	Upsert(ctx context.Context, s *types.KPIDailySnapshot) error
	ListRange(ctx context.Context, from, to time.Time) ([]types.KPIDailySnapshot, error)
}

// TagInvalidator drops cached entries by tag.
type TagInvalidator interface {
	InvalidateTag(ctx context.Context, tag string) error
}

// Aggregator computes KPI snapshots. Snapshot is idempotent per day: running
// it again for the same date overwrites the row with freshly counted values.
type Aggregator struct {
	events    EventSource
	snapshots SnapshotStore
	cache     TagInvalidator
	clock     types.Clock
	logger    *slog.Logger
}

// NewAggregator creates an Aggregator. clock and logger may be nil.
func NewAggregator(events EventSource, snapshots SnapshotStore, cache TagInvalidator, clock types.Clock, logger *slog.Logger) *Aggregator {
	if clock == nil {
		clock = types.RealClock{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Aggregator{
		events:    events,
		snapshots: snapshots,
		cache:     cache,
		clock:     clock,
		logger:    logger,
	}
}

// HandleSnapshot is the kpi.snapshot job handler. The payload may name a day
// as {"day":"YYYY-MM-DD"}; otherwise yesterday (UTC) is aggregated.
func (a *Aggregator) HandleSnapshot(ctx context.Context, payload json.RawMessage) error {
	var p types.KPISnapshotPayload
	if len(payload) > 0 {
		if err := json.Unmarshal(payload, &p); err != nil {
			return types.NewAppError(types.ErrCodeValidationJobPayload, "invalid kpi.snapshot payload", err)
		}
	}

	day := types.StartOfDayUTC(a.clock.Now()).AddDate(0, 0, -1)
	if p.Day != "" {
		parsed, err := ParseDay(p.Day)
		if err != nil {
			return err
		}
		day = parsed
	}

	_, err := a.Snapshot(ctx, day)
	return err
}

// Snapshot aggregates the UTC day containing day over [D, D+1), upserts the
// row and invalidates the analytics cache tag.
func (a *Aggregator) Snapshot(ctx context.Context, day time.Time) (*types.KPIDailySnapshot, error) {
	from := types.StartOfDayUTC(day)
	to := from.AddDate(0, 0, 1)

	counts, err := a.events.CountByName(ctx, types.KPITrackedEvents, from, to)
	if err != nil {
		return nil, fmt.Errorf("counting events for %s: %w", from.Format(types.DateLayout), err)
	}

	snap := &types.KPIDailySnapshot{
		Date:            from,
		QuotesSent:      counts[types.EventQuoteSent],
		QuotesAccepted:  counts[types.EventQuoteAccepted],
		OrdersCreated:   counts[types.EventOrderCreated],
		OrdersDelivered: counts[types.EventOrderDelivered],
	}
	snap.QuoteConversionRate = ConversionRate(snap.QuotesAccepted, snap.QuotesSent)

	if snap.AvgOrderCycleDays, err = a.averageCycleDays(ctx, from, to); err != nil {
		return nil, err
	}
	if snap.InventoryNetChange, err = a.inventoryNetChange(ctx, from, to); err != nil {
		return nil, err
	}

	if err := a.snapshots.Upsert(ctx, snap); err != nil {
		return nil, err
	}
	if err := a.cache.InvalidateTag(ctx, types.CacheTagAnalytics); err != nil {
		return nil, err
	}

	a.logger.InfoContext(ctx, "kpi snapshot written",
		"date", from.Format(types.DateLayout),
		"quotes_sent", snap.QuotesSent,
		"quotes_accepted", snap.QuotesAccepted,
		"orders_created", snap.OrdersCreated,
		"orders_delivered", snap.OrdersDelivered,
	)
	return snap, nil
}

// Backfill re-runs Snapshot for every day from..to inclusive, in order. It
// stops at the first failure and returns the number of days written.
func (a *Aggregator) Backfill(ctx context.Context, from, to time.Time) (int, error) {
	from, to = types.StartOfDayUTC(from), types.StartOfDayUTC(to)
	if to.Before(from) {
		return 0, types.NewAppError(types.ErrCodeValidationDateRange, "backfill end date is before start date", nil)
	}

	done := 0
	for day := from; !day.After(to); day = day.AddDate(0, 0, 1) {
		if err := ctx.Err(); err != nil {
			return done, err
		}
		if _, err := a.Snapshot(ctx, day); err != nil {
			return done, fmt.Errorf("backfill %s: %w", day.Format(types.DateLayout), err)
		}
		done++
	}

	a.logger.InfoContext(ctx, "kpi backfill complete",
		"from", from.Format(types.DateLayout),
		"to", to.Format(types.DateLayout),
		"days", done,
	)
	return done, nil
}

func (a *Aggregator) averageCycleDays(ctx context.Context, from, to time.Time) (float64, error) {
	recs, err := a.events.ListByName(ctx, types.EventOrderDelivered, from, to)
	if err != nil {
		return 0, fmt.Errorf("listing delivered orders: %w", err)
	}

	var total float64
	n := 0
	for _, rec := range recs {
		var p types.OrderDeliveredPayload
		if err := json.Unmarshal(rec.Payload, &p); err != nil || p.CreatedAt.IsZero() || p.DeliveredAt.IsZero() {
			a.logger.WarnContext(ctx, "skipping order.delivered event without usable timestamps",
				"event_id", rec.ID,
				"error", err,
			)
			continue
		}
		if p.DeliveredAt.Before(p.CreatedAt) {
			a.logger.WarnContext(ctx, "skipping order.delivered event delivered before creation", "event_id", rec.ID)
			continue
		}
		total += p.DeliveredAt.Sub(p.CreatedAt).Hours() / 24
		n++
	}
	if n == 0 {
		return 0, nil
	}
	return total / float64(n), nil
}

func (a *Aggregator) inventoryNetChange(ctx context.Context, from, to time.Time) (float64, error) {
	recs, err := a.events.ListByName(ctx, types.EventInventoryTransactionRecorded, from, to)
	if err != nil {
		return 0, fmt.Errorf("listing inventory transactions: %w", err)
	}

	var net float64
	for _, rec := range recs {
		var p types.InventoryTransactionPayload
		if err := json.Unmarshal(rec.Payload, &p); err != nil {
			a.logger.WarnContext(ctx, "skipping unparseable inventory transaction", "event_id", rec.ID, "error", err)
			continue
		}
		net += p.SignedQuantity()
	}
	return net, nil
}

// ConversionRate returns accepted/sent clamped to [0,1], or 0 when nothing
// was sent.
func ConversionRate(accepted, sent int) float64 {
	if sent <= 0 || accepted <= 0 {
		return 0
	}
	r := float64(accepted) / float64(sent)
	if r > 1 {
		return 1
	}
	return r
}

// ParseDay parses a YYYY-MM-DD calendar date as midnight UTC.
func ParseDay(s string) (time.Time, error) {
	t, err := time.ParseInLocation(types.DateLayout, s, time.UTC)
	if err != nil {
		return time.Time{}, types.NewAppError(types.ErrCodeValidationInvalidDate, fmt.Sprintf("invalid date %q; expected YYYY-MM-DD", s), err)
	}
	return t, nil
}
