package db

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"shopfloor/internal/types"
)

func TestEventLogRepository_Append_Success(t *testing.T) {
	db := new(mockDBTX)
	repo := NewEventLogRepository(db)

	ts := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	ev := types.DomainEvent{
		Name:      types.EventInventoryTransactionRecorded,
		Version:   "1",
		Timestamp: ts,
		Payload:   json.RawMessage(`{"materialId":1,"direction":"in","quantity":25}`),
	}

	db.On("QueryRow", mock.Anything, mock.AnythingOfType("string"), mock.MatchedBy(func(args []any) bool {
		return args[0] == ev.Name && args[2] == ts && args[4] == (*string)(nil)
	})).Return(&mockRow{values: []any{int64(42)}})

	id, err := repo.Append(context.Background(), ev)
	require.NoError(t, err)
	assert.Equal(t, int64(42), id)
	db.AssertExpectations(t)
}

func TestEventLogRepository_Append_DBError(t *testing.T) {
	db := new(mockDBTX)
	repo := NewEventLogRepository(db)

	db.On("QueryRow", mock.Anything, mock.AnythingOfType("string"), mock.Anything).
		Return(&mockRow{scanErr: errors.New("connection refused")})

	_, err := repo.Append(context.Background(), types.DomainEvent{Name: "quote.sent"})
	require.Error(t, err)

	var appErr *types.AppError
	require.True(t, errors.As(err, &appErr))
	assert.Equal(t, types.ErrCodeInternalDB, appErr.Code)
}

func TestEventLogRepository_CountByName_ZeroFills(t *testing.T) {
	db := new(mockDBTX)
	repo := NewEventLogRepository(db)

	from := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	to := from.AddDate(0, 0, 1)
	names := []string{"quote.sent", "quote.accepted"}

	db.On("Query", mock.Anything, mock.AnythingOfType("string"), []any{names, from, to}).
		Return(newMockRows([]any{"quote.sent", int64(4)}), nil)

	counts, err := repo.CountByName(context.Background(), names, from, to)
	require.NoError(t, err)
	assert.Equal(t, map[string]int{"quote.sent": 4, "quote.accepted": 0}, counts)
}

func TestEventLogRepository_ListByName(t *testing.T) {
	db := new(mockDBTX)
	repo := NewEventLogRepository(db)

	ts := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	corr := "req-1"
	db.On("Query", mock.Anything, mock.AnythingOfType("string"), mock.Anything).
		Return(newMockRows(
			[]any{int64(1), "order.delivered", "1", ts, []byte(`{"orderId":"o1"}`), &corr, ts},
			[]any{int64(2), "order.delivered", "1", ts, []byte(`{}`), nil, ts},
		), nil)

	recs, err := repo.ListByName(context.Background(), "order.delivered", ts, ts.Add(time.Hour))
	require.NoError(t, err)
	require.Len(t, recs, 2)
	assert.Equal(t, "req-1", recs[0].CorrelationID)
	assert.JSONEq(t, `{"orderId":"o1"}`, string(recs[0].Payload))
	assert.Empty(t, recs[1].CorrelationID)
}

func TestEventLogRepository_ListByPrefix_RowsError(t *testing.T) {
	db := new(mockDBTX)
	repo := NewEventLogRepository(db)

	rows := newMockRows()
	rows.errVal = errors.New("stream broken")
	db.On("Query", mock.Anything, mock.AnythingOfType("string"), mock.Anything).Return(rows, nil)

	_, err := repo.ListByPrefix(context.Background(), "quote.", time.Time{}, time.Now(), 10)
	var appErr *types.AppError
	require.ErrorAs(t, err, &appErr)
	assert.Equal(t, types.ErrCodeInternalDB, appErr.Code)
	assert.True(t, rows.closed)
}
