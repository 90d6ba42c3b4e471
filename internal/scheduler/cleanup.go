package scheduler

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"shopfloor/internal/types"
)

// refreshTokenBatchSize bounds each DELETE so one run never holds a long lock.
const refreshTokenBatchSize = 1000

// RefreshTokenStore deletes expired refresh tokens in batches.
type RefreshTokenStore interface {
	DeleteExpired(ctx context.Context, now time.Time, limit int) (int, error)
}

// CleanupService runs the periodic maintenance jobs.
type CleanupService struct {
	tokens RefreshTokenStore
	clock  types.Clock
	logger *slog.Logger
}

// NewCleanupService creates a CleanupService.
func NewCleanupService(tokens RefreshTokenStore, clock types.Clock, logger *slog.Logger) *CleanupService {
	if clock == nil {
		clock = types.RealClock{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &CleanupService{tokens: tokens, clock: clock, logger: logger}
}

// PurgeExpiredRefreshTokens deletes every token that expired before now,
// one batch at a time, and returns the total removed.
func (c *CleanupService) PurgeExpiredRefreshTokens(ctx context.Context, now time.Time) (int, error) {
	total := 0
	for {
		if err := ctx.Err(); err != nil {
			return total, err
		}
		n, err := c.tokens.DeleteExpired(ctx, now, refreshTokenBatchSize)
		if err != nil {
			return total, fmt.Errorf("deleting expired refresh tokens: %w", err)
		}
		total += n
		if n < refreshTokenBatchSize {
			break
		}
	}

	c.logger.InfoContext(ctx, "expired refresh tokens purged",
		"deleted", total,
		"cutoff", now.Format(time.RFC3339),
	)
	return total, nil
}

// HandleRefreshTokenCleanup is the auth.refresh_tokens.cleanup job handler.
// The payload is ignored; the cutoff is the current time.
func (c *CleanupService) HandleRefreshTokenCleanup(ctx context.Context, _ json.RawMessage) error {
	_, err := c.PurgeExpiredRefreshTokens(ctx, c.clock.Now())
	return err
}
