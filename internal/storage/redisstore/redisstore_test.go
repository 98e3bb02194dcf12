package redisstore

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"shopdesk/internal/storage"
	"shopdesk/internal/storage/storagetest"
)

func TestUnreachableServerFailsConstruction(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_, err := New(ctx, Config{Addr: "127.0.0.1:1"})
	require.Error(t, err)
	assert.ErrorIs(t, err, storage.ErrUnavailable)
}

func TestEmptyAddrRejected(t *testing.T) {
	_, err := New(context.Background(), Config{})
	assert.ErrorIs(t, err, storage.ErrInvalidConfig)
}

// Runs only against a live server, e.g. REDIS_TEST_ADDR=localhost:6379.
func TestContractLive(t *testing.T) {
	addr := os.Getenv("REDIS_TEST_ADDR")
	if addr == "" {
		t.Skip("REDIS_TEST_ADDR not set")
	}
	storagetest.Run(t, func(t *testing.T) storage.DataService {
		prefix := "shopdesk-test:" + t.Name() + ":"
		s, err := New(context.Background(), Config{Addr: addr, Prefix: prefix})
		require.NoError(t, err)
		t.Cleanup(func() {
			ctx := context.Background()
			iter := s.client.Scan(ctx, 0, prefix+"*", 100).Iterator()
			for iter.Next(ctx) {
				s.client.Del(ctx, iter.Val())
			}
			_ = s.Cleanup()
		})
		return s
	})
}
