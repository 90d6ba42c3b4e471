package analytics

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"shopfloor/internal/cache"
	"shopfloor/internal/types"
)

// SummaryService serves the rolling analytics summary through the cache.
type SummaryService struct {
	snapshots SnapshotStore
	cache     *cache.Cache
	clock     types.Clock
	ttl       time.Duration
	days      int
	logger    *slog.Logger
}

// NewSummaryService creates a SummaryService covering the last days complete
// UTC days, cached for ttl.
func NewSummaryService(snapshots SnapshotStore, c *cache.Cache, clock types.Clock, ttl time.Duration, days int, logger *slog.Logger) *SummaryService {
	if clock == nil {
		clock = types.RealClock{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	if days <= 0 {
		days = 30
	}
	return &SummaryService{
		snapshots: snapshots,
		cache:     c,
		clock:     clock,
		ttl:       ttl,
		days:      days,
		logger:    logger,
	}
}

// Get returns the summary from cache, computing it on a miss.
func (s *SummaryService) Get(ctx context.Context) (types.AnalyticsSummary, cache.Meta, error) {
	return cache.Load(ctx, s.cache, types.CacheKeyAnalyticsSummary, s.ttl, s.compute, types.CacheTagAnalytics)
}

// Warm recomputes the summary and writes it through to the cache.
func (s *SummaryService) Warm(ctx context.Context) error {
	summary, err := s.compute(ctx)
	if err != nil {
		return err
	}
	if _, err := cache.SetJSON(ctx, s.cache, types.CacheKeyAnalyticsSummary, summary, s.ttl, types.CacheTagAnalytics); err != nil {
		return err
	}
	s.logger.DebugContext(ctx, "analytics summary warmed", "days", summary.Days)
	return nil
}

// HandleWarm is the analytics.summary.warm job handler.
func (s *SummaryService) HandleWarm(ctx context.Context, _ json.RawMessage) error {
	return s.Warm(ctx)
}

// Snapshots lists the stored daily snapshots for from..to inclusive.
func (s *SummaryService) Snapshots(ctx context.Context, from, to time.Time) ([]types.KPIDailySnapshot, error) {
	from, to = types.StartOfDayUTC(from), types.StartOfDayUTC(to)
	if to.Before(from) {
		return nil, types.NewAppError(types.ErrCodeValidationDateRange, "end date is before start date", nil)
	}
	return s.snapshots.ListRange(ctx, from, to)
}

func (s *SummaryService) compute(ctx context.Context) (types.AnalyticsSummary, error) {
	now := s.clock.Now()
	to := types.StartOfDayUTC(now).AddDate(0, 0, -1)
	from := to.AddDate(0, 0, -(s.days - 1))

	snaps, err := s.snapshots.ListRange(ctx, from, to)
	if err != nil {
		return types.AnalyticsSummary{}, fmt.Errorf("loading snapshots: %w", err)
	}
	return Summarize(snaps, from, to, now), nil
}

// Summarize rolls daily snapshots into one summary. The cycle-time average
// is weighted by each day's delivered orders.
func Summarize(snaps []types.KPIDailySnapshot, from, to, now time.Time) types.AnalyticsSummary {
	out := types.AnalyticsSummary{
		From:       from,
		To:         to,
		Days:       len(snaps),
		ComputedAt: now,
	}

	var cycleWeighted float64
	for _, snap := range snaps {
		out.QuotesSent += snap.QuotesSent
		out.QuotesAccepted += snap.QuotesAccepted
		out.OrdersCreated += snap.OrdersCreated
		out.OrdersDelivered += snap.OrdersDelivered
		out.InventoryNetChange += snap.InventoryNetChange
		cycleWeighted += snap.AvgOrderCycleDays * float64(snap.OrdersDelivered)
	}
	out.QuoteConversionRate = ConversionRate(out.QuotesAccepted, out.QuotesSent)
	if out.OrdersDelivered > 0 {
		out.AvgOrderCycleDays = cycleWeighted / float64(out.OrdersDelivered)
	}
	return out
}
