package storage

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseType(t *testing.T) {
	got, err := ParseType(" SQLite ")
	require.NoError(t, err)
	assert.Equal(t, TypeSQLite, got)

	_, err = ParseType("mongo")
	assert.ErrorIs(t, err, ErrUnknownType)
}

func TestPoolStatsUtilization(t *testing.T) {
	cases := []struct {
		name  string
		stats PoolStats
		want  float64
	}{
		{"max dominates", PoolStats{Active: 8, Total: 9, MaxConnections: 10}, 0.8},
		{"total dominates", PoolStats{Active: 6, Total: 12, MaxConnections: 10}, 0.5},
		{"empty pool", PoolStats{}, 0},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.InDelta(t, tc.want, tc.stats.Utilization(), 1e-9)
		})
	}
}

func TestAutoReplyTemplateID(t *testing.T) {
	assert.Equal(t, "auto_reply:shipping", AutoReplyTemplateID("shipping"))
}
