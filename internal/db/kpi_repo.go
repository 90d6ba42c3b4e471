package db

import (
	"context"
	"time"

	"shopfloor/internal/types"
)

// KPISnapshotRepository stores one pre-aggregated analytics row per UTC day.
type KPISnapshotRepository struct {
	db DBTX
}

// NewKPISnapshotRepository creates a new KPISnapshotRepository backed by the
// given database connection (pool or transaction).
func NewKPISnapshotRepository(db DBTX) *KPISnapshotRepository {
	return &KPISnapshotRepository{db: db}
}

const kpiColumns = `date, quotes_sent, quotes_accepted, quote_conversion_rate,
	orders_created, orders_delivered, avg_order_cycle_days, inventory_net_change,
	created_at, updated_at`

// Upsert writes the snapshot for s.Date, overwriting an existing row for the
// same day. created_at is preserved on update.
//
//	INSERT ... ON CONFLICT (date) DO UPDATE SET ...
func (r *KPISnapshotRepository) Upsert(ctx context.Context, s *types.KPIDailySnapshot) error {
	err := r.db.QueryRow(ctx,
		`INSERT INTO kpi_daily_snapshots (
		     date, quotes_sent, quotes_accepted, quote_conversion_rate,
		     orders_created, orders_delivered, avg_order_cycle_days, inventory_net_change,
		     created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, NOW(), NOW())
		 ON CONFLICT (date) DO UPDATE SET
		     quotes_sent = EXCLUDED.quotes_sent,
		     quotes_accepted = EXCLUDED.quotes_accepted,
		     quote_conversion_rate = EXCLUDED.quote_conversion_rate,
		     orders_created = EXCLUDED.orders_created,
		     orders_delivered = EXCLUDED.orders_delivered,
		     avg_order_cycle_days = EXCLUDED.avg_order_cycle_days,
		     inventory_net_change = EXCLUDED.inventory_net_change,
		     updated_at = NOW()
		 RETURNING created_at, updated_at`,
		s.Date,
		s.QuotesSent,
		s.QuotesAccepted,
		s.QuoteConversionRate,
		s.OrdersCreated,
		s.OrdersDelivered,
		s.AvgOrderCycleDays,
		s.InventoryNetChange,
	).Scan(&s.CreatedAt, &s.UpdatedAt)
	if err != nil {
		return types.NewAppError(types.ErrCodeInternalDB, "failed to upsert kpi snapshot", err)
	}
	return nil
}

// GetByDate returns the snapshot for the given UTC day.
func (r *KPISnapshotRepository) GetByDate(ctx context.Context, day time.Time) (*types.KPIDailySnapshot, error) {
	s, err := scanSnapshot(r.db.QueryRow(ctx,
		`SELECT `+kpiColumns+` FROM kpi_daily_snapshots WHERE date = $1`, day))
	if err != nil {
		if isNoRows(err) {
			return nil, types.NewAppError(types.ErrCodeNotFoundSnapshot, "kpi snapshot not found", err)
		}
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to get kpi snapshot", err)
	}
	return s, nil
}

// ListRange returns snapshots with from <= date <= to, oldest first.
func (r *KPISnapshotRepository) ListRange(ctx context.Context, from, to time.Time) ([]types.KPIDailySnapshot, error) {
	rows, err := r.db.Query(ctx,
		`SELECT `+kpiColumns+`
		 FROM kpi_daily_snapshots
		 WHERE date >= $1 AND date <= $2
		 ORDER BY date`,
		from, to,
	)
	if err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to list kpi snapshots", err)
	}
	defer rows.Close()

	var out []types.KPIDailySnapshot
	for rows.Next() {
		s, err := scanSnapshot(rows)
		if err != nil {
			return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to scan kpi snapshot", err)
		}
		out = append(out, *s)
	}
	if err := rows.Err(); err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "error iterating kpi snapshots", err)
	}
	return out, nil
}

func scanSnapshot(s scanner) (*types.KPIDailySnapshot, error) {
	var k types.KPIDailySnapshot
	if err := s.Scan(
		&k.Date,
		&k.QuotesSent,
		&k.QuotesAccepted,
		&k.QuoteConversionRate,
		&k.OrdersCreated,
		&k.OrdersDelivered,
		&k.AvgOrderCycleDays,
		&k.InventoryNetChange,
		&k.CreatedAt,
		&k.UpdatedAt,
	); err != nil {
		return nil, err
	}
	k.Date = k.Date.UTC()
	return &k, nil
}
