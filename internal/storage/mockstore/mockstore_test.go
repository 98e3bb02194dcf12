package mockstore

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"

	"shopdesk/internal/storage"
	"shopdesk/internal/storage/storagetest"
)

func TestContract(t *testing.T) {
	storagetest.Run(t, func(t *testing.T) storage.DataService { return New() })
}

func TestHealthToggles(t *testing.T) {
	s := New()
	ctx := context.Background()

	s.SetHealthy(false)
	assert.ErrorIs(t, s.TestConnection(ctx), storage.ErrUnavailable)
	assert.False(t, s.ConnectionPoolHealth(ctx).Healthy)

	s.SetHealthy(true)
	assert.NoError(t, s.TestConnection(ctx))

	s.SetPoolStats(storage.PoolStats{Active: 9, Total: 10, MaxConnections: 10}, true)
	assert.Equal(t, 9, s.ConnectionPoolStats().Active)

	assert.NoError(t, s.Cleanup())
	assert.Equal(t, 1, s.Cleanups())
	assert.Error(t, s.TestConnection(ctx))
}
