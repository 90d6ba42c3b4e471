package db

import (
	"context"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// QueryObserver receives the duration of each database call.
type QueryObserver interface {
	ObserveQuery(op string, d time.Duration)
}

// InstrumentedDB decorates a DBTX with per-call timing. Calls slower than
// SlowThreshold are logged at warn with the first line of the statement.
// For Query the measured span ends when the rows handle is returned, not
// when iteration finishes.
type InstrumentedDB struct {
	next          DBTX
	observer      QueryObserver
	logger        *slog.Logger
	SlowThreshold time.Duration
}

// NewInstrumentedDB wraps next. observer may be nil.
func NewInstrumentedDB(next DBTX, observer QueryObserver, logger *slog.Logger) *InstrumentedDB {
	if logger == nil {
		logger = slog.Default()
	}
	return &InstrumentedDB{
		next:          next,
		observer:      observer,
		logger:        logger,
		SlowThreshold: 500 * time.Millisecond,
	}
}

func (d *InstrumentedDB) Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error) {
	start := time.Now()
	tag, err := d.next.Exec(ctx, sql, arguments...)
	d.observe(ctx, "exec", sql, time.Since(start))
	return tag, err
}

func (d *InstrumentedDB) Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error) {
	start := time.Now()
	rows, err := d.next.Query(ctx, sql, args...)
	d.observe(ctx, "query", sql, time.Since(start))
	return rows, err
}

func (d *InstrumentedDB) QueryRow(ctx context.Context, sql string, args ...any) pgx.Row {
	start := time.Now()
	row := d.next.QueryRow(ctx, sql, args...)
	return &timedRow{row: row, done: func() {
		d.observe(ctx, "query_row", sql, time.Since(start))
	}}
}

func (d *InstrumentedDB) observe(ctx context.Context, op, sql string, elapsed time.Duration) {
	if d.observer != nil {
		d.observer.ObserveQuery(op, elapsed)
	}
	if d.SlowThreshold > 0 && elapsed >= d.SlowThreshold {
		d.logger.WarnContext(ctx, "slow database call",
			"op", op,
			"duration_ms", elapsed.Milliseconds(),
			"statement", firstLine(sql),
		)
	}
}

// timedRow defers the observation until Scan, where pgx actually waits for
// the round trip.
type timedRow struct {
	row  pgx.Row
	done func()
}

func (r *timedRow) Scan(dest ...any) error {
	err := r.row.Scan(dest...)
	r.done()
	return err
}

func firstLine(sql string) string {
	for i, c := range sql {
		if c == '\n' {
			return sql[:i]
		}
	}
	return sql
}
