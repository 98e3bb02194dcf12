package sqlitestore

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"shopdesk/internal/storage"
	"shopdesk/internal/storage/storagetest"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := New(context.Background(), Config{Path: filepath.Join(t.TempDir(), "shop.db")})
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Cleanup() })
	return s
}

func TestContract(t *testing.T) {
	storagetest.Run(t, func(t *testing.T) storage.DataService { return newTestStore(t) })
}

func TestPoolStats(t *testing.T) {
	s := newTestStore(t)
	stats := s.ConnectionPoolStats()
	assert.Equal(t, 4, stats.MaxConnections)
	assert.GreaterOrEqual(t, stats.Total, stats.Active)
	assert.True(t, s.ConnectionPoolHealth(context.Background()).Healthy)
}

func TestEmptyPathRejected(t *testing.T) {
	_, err := New(context.Background(), Config{})
	assert.ErrorIs(t, err, storage.ErrInvalidConfig)
}
