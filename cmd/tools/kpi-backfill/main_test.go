package main

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseRange(t *testing.T) {
	tests := []struct {
		name    string
		from    string
		to      string
		wantErr string
	}{
		{name: "single day", from: "2026-03-01", to: "2026-03-01"},
		{name: "range", from: "2026-02-27", to: "2026-03-02"},
		{name: "missing to", from: "2026-03-01", wantErr: "required"},
		{name: "bad from", from: "March 1", to: "2026-03-02", wantErr: "invalid --from"},
		{name: "inverted", from: "2026-03-02", to: "2026-03-01", wantErr: "before"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			from, to, err := parseRange(tt.from, tt.to)
			if tt.wantErr != "" {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, time.UTC, from.Location())
			assert.False(t, to.Before(from))
		})
	}
}

func TestDays_InclusiveAcrossMonthEnd(t *testing.T) {
	from, to, err := parseRange("2026-02-27", "2026-03-02")
	require.NoError(t, err)

	got := days(from, to)
	require.Len(t, got, 4)
	assert.Equal(t, "2026-02-27", got[0].Format("2006-01-02"))
	assert.Equal(t, "2026-03-02", got[3].Format("2006-01-02"))
}
