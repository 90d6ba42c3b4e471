package db

import (
	"context"
	"time"

	"shopfloor/internal/types"
)

// EventLogRepository is the durable, append-only ledger of domain events.
// Rows are never updated or deleted by this package.
type EventLogRepository struct {
	db DBTX
}

// NewEventLogRepository creates a new EventLogRepository backed by the given
// database connection (pool or transaction).
func NewEventLogRepository(db DBTX) *EventLogRepository {
	return &EventLogRepository{db: db}
}

const eventLogColumns = `id, name, version, occurred_at, payload, correlation_id, recorded_at`

// Append inserts one event and returns its assigned id.
func (r *EventLogRepository) Append(ctx context.Context, ev types.DomainEvent) (int64, error) {
	var correlationID *string
	if ev.CorrelationID != "" {
		correlationID = &ev.CorrelationID
	}
	payload := []byte(ev.Payload)
	if len(payload) == 0 {
		payload = []byte("{}")
	}

	var id int64
	err := r.db.QueryRow(ctx,
		`INSERT INTO event_log (name, version, occurred_at, payload, correlation_id)
		 VALUES ($1, $2, $3, $4, $5)
		 RETURNING id`,
		ev.Name,
		ev.Version,
		ev.Timestamp,
		payload,
		correlationID,
	).Scan(&id)
	if err != nil {
		return 0, types.NewAppError(types.ErrCodeInternalDB, "failed to append event to ledger", err)
	}
	return id, nil
}

// ListByPrefix returns events whose name starts with prefix and whose
// timestamp falls in [from, to), oldest first. An empty prefix matches every
// event. limit <= 0 means no limit.
func (r *EventLogRepository) ListByPrefix(ctx context.Context, prefix string, from, to time.Time, limit int) ([]types.EventLogRecord, error) {
	var lim *int
	if limit > 0 {
		lim = &limit
	}
	return r.list(ctx,
		`SELECT `+eventLogColumns+`
		 FROM event_log
		 WHERE starts_with(name, $1) AND occurred_at >= $2 AND occurred_at < $3
		 ORDER BY occurred_at, id
		 LIMIT $4`,
		prefix, from, to, lim,
	)
}

// ListByName returns every event with exactly the given name in [from, to),
// oldest first.
func (r *EventLogRepository) ListByName(ctx context.Context, name string, from, to time.Time) ([]types.EventLogRecord, error) {
	return r.list(ctx,
		`SELECT `+eventLogColumns+`
		 FROM event_log
		 WHERE name = $1 AND occurred_at >= $2 AND occurred_at < $3
		 ORDER BY occurred_at, id`,
		name, from, to,
	)
}

// CountByName counts events per name in [from, to). Names with no rows are
// present in the result with a zero count.
func (r *EventLogRepository) CountByName(ctx context.Context, names []string, from, to time.Time) (map[string]int, error) {
	rows, err := r.db.Query(ctx,
		`SELECT name, COUNT(*)
		 FROM event_log
		 WHERE name = ANY($1) AND occurred_at >= $2 AND occurred_at < $3
		 GROUP BY name`,
		names, from, to,
	)
	if err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to count ledger events", err)
	}
	defer rows.Close()

	counts := make(map[string]int, len(names))
	for _, n := range names {
		counts[n] = 0
	}
	for rows.Next() {
		var (
			name  string
			count int64
		)
		if err := rows.Scan(&name, &count); err != nil {
			return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to scan ledger count", err)
		}
		counts[name] = int(count)
	}
	if err := rows.Err(); err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "error iterating ledger counts", err)
	}
	return counts, nil
}

func (r *EventLogRepository) list(ctx context.Context, sql string, args ...any) ([]types.EventLogRecord, error) {
	rows, err := r.db.Query(ctx, sql, args...)
	if err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to query event ledger", err)
	}
	defer rows.Close()

	var out []types.EventLogRecord
	for rows.Next() {
		var (
			rec           types.EventLogRecord
			payload       []byte
			correlationID *string
		)
		if err := rows.Scan(
			&rec.ID,
			&rec.Name,
			&rec.Version,
			&rec.Timestamp,
			&payload,
			&correlationID,
			&rec.RecordedAt,
		); err != nil {
			return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to scan ledger event", err)
		}
		rec.Payload = payload
		if correlationID != nil {
			rec.CorrelationID = *correlationID
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "error iterating ledger events", err)
	}
	return out, nil
}
