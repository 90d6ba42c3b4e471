package db

import (
	"context"

	"shopfloor/internal/types"
)

// MaterialRepository reads the materials table. Writes belong to the
// inventory route handlers.
type MaterialRepository struct {
	db DBTX
}

// NewMaterialRepository creates a new MaterialRepository backed by the given
// database connection (pool or transaction).
func NewMaterialRepository(db DBTX) *MaterialRepository {
	return &MaterialRepository{db: db}
}

const materialColumns = `id, name, category, unit, quantity_on_hand, reorder_level, updated_at`

// ListAfter returns up to limit materials with id > afterID ordered by id.
// It is the keyset cursor used by exports.
func (r *MaterialRepository) ListAfter(ctx context.Context, afterID int64, limit int) ([]types.Material, error) {
	return r.list(ctx,
		`SELECT `+materialColumns+`
		 FROM materials
		 WHERE id > $1
		 ORDER BY id
		 LIMIT $2`,
		afterID, limit,
	)
}

// LowStock returns materials at or below their reorder level.
func (r *MaterialRepository) LowStock(ctx context.Context) ([]types.Material, error) {
	return r.list(ctx,
		`SELECT `+materialColumns+`
		 FROM materials
		 WHERE quantity_on_hand <= reorder_level
		 ORDER BY quantity_on_hand - reorder_level, id`,
	)
}

// Categories returns the distinct material categories in alphabetical order.
func (r *MaterialRepository) Categories(ctx context.Context) ([]string, error) {
	rows, err := r.db.Query(ctx,
		`SELECT DISTINCT category FROM materials WHERE category <> '' ORDER BY category`)
	if err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to list material categories", err)
	}
	defer rows.Close()

	out := []string{}
	for rows.Next() {
		var c string
		if err := rows.Scan(&c); err != nil {
			return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to scan material category", err)
		}
		out = append(out, c)
	}
	if err := rows.Err(); err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "error iterating material categories", err)
	}
	return out, nil
}

func (r *MaterialRepository) list(ctx context.Context, sql string, args ...any) ([]types.Material, error) {
	rows, err := r.db.Query(ctx, sql, args...)
	if err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to query materials", err)
	}
	defer rows.Close()

	out := []types.Material{}
	for rows.Next() {
		var m types.Material
		if err := rows.Scan(
			&m.ID,
			&m.Name,
			&m.Category,
			&m.Unit,
			&m.QuantityOnHand,
			&m.ReorderLevel,
			&m.UpdatedAt,
		); err != nil {
			return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to scan material", err)
		}
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "error iterating materials", err)
	}
	return out, nil
}
