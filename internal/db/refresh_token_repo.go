package db

import (
	"context"
	"time"

	"shopfloor/internal/types"
)

// RefreshTokenRepository performs maintenance on the refresh_tokens table
// owned by the auth layer.
type RefreshTokenRepository struct {
	db DBTX
}

// NewRefreshTokenRepository creates a new RefreshTokenRepository backed by the
// given database connection (pool or transaction).
func NewRefreshTokenRepository(db DBTX) *RefreshTokenRepository {
	return &RefreshTokenRepository{db: db}
}

// DeleteExpired removes up to limit tokens that expired before now and
// returns the number deleted.
func (r *RefreshTokenRepository) DeleteExpired(ctx context.Context, now time.Time, limit int) (int, error) {
	tag, err := r.db.Exec(ctx,
		`DELETE FROM refresh_tokens
		 WHERE id IN (
		     SELECT id FROM refresh_tokens
		     WHERE expires_at < $1
		     ORDER BY expires_at
		     LIMIT $2
		 )`,
		now, limit,
	)
	if err != nil {
		return 0, types.NewAppError(types.ErrCodeInternalDB, "failed to delete expired refresh tokens", err)
	}
	return int(tag.RowsAffected()), nil
}
