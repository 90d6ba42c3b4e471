package db

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"shopfloor/internal/types"
)

func TestKPISnapshotRepository_Upsert(t *testing.T) {
	db := new(mockDBTX)
	repo := NewKPISnapshotRepository(db)

	day := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	created := day.Add(25 * time.Hour)
	updated := day.Add(49 * time.Hour)

	db.On("QueryRow", mock.Anything, mock.MatchedBy(func(sql string) bool {
		return strings.Contains(sql, "ON CONFLICT (date) DO UPDATE")
	}), mock.Anything).Return(&mockRow{values: []any{created, updated}})

	s := &types.KPIDailySnapshot{Date: day, QuotesSent: 4, QuotesAccepted: 1, QuoteConversionRate: 0.25}
	require.NoError(t, repo.Upsert(context.Background(), s))
	assert.Equal(t, created, s.CreatedAt)
	assert.Equal(t, updated, s.UpdatedAt)
}

func TestKPISnapshotRepository_GetByDate_NotFound(t *testing.T) {
	db := new(mockDBTX)
	repo := NewKPISnapshotRepository(db)

	db.On("QueryRow", mock.Anything, mock.AnythingOfType("string"), mock.Anything).
		Return(&mockRow{scanErr: pgx.ErrNoRows})

	_, err := repo.GetByDate(context.Background(), time.Now())
	var appErr *types.AppError
	require.True(t, errors.As(err, &appErr))
	assert.Equal(t, types.ErrCodeNotFoundSnapshot, appErr.Code)
}

func TestKPISnapshotRepository_ListRange(t *testing.T) {
	db := new(mockDBTX)
	repo := NewKPISnapshotRepository(db)

	d1 := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	d2 := d1.AddDate(0, 0, 1)
	db.On("Query", mock.Anything, mock.AnythingOfType("string"), []any{d1, d2}).
		Return(newMockRows(
			[]any{d1, 2, 1, 0.5, 3, 1, 2.5, 10.0, d1, d1},
			[]any{d2, 0, 0, 0.0, 1, 0, 0.0, -4.0, d2, d2},
		), nil)

	out, err := repo.ListRange(context.Background(), d1, d2)
	require.NoError(t, err)
	require.Len(t, out, 2)
	assert.Equal(t, 0.5, out[0].QuoteConversionRate)
	assert.Equal(t, -4.0, out[1].InventoryNetChange)
}
