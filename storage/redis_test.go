package storage

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/songzhibin97/approval-engine/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// newTestRedis connects to a local Redis or skips the test.
// Every test gets its own key prefix so runs do not collide.
func newTestRedis(t *testing.T) *RedisStorage {
	t.Helper()
	store, err := NewRedisStorage(RedisOptions{
		Addr:         "localhost:6379",
		PoolSize:     10,
		MinIdleConns: 2,
		IdleTimeout:  5 * time.Minute,
		KeyPrefix:    fmt.Sprintf("approval-test:%d:", time.Now().UnixNano()),
	})
	if err != nil {
		t.Skipf("redis not available: %v", err)
	}
	t.Cleanup(func() {
		ctx := context.Background()
		keys, _ := store.client.Keys(ctx, store.keyPrefix+"*").Result()
		if len(keys) > 0 {
			store.client.Del(ctx, keys...)
		}
		store.Close()
	})
	return store
}

func TestRedisStorage(t *testing.T) {
	t.Run("ConnectionFailure", func(t *testing.T) {
		newTestRedis(t)
		_, err := NewRedisStorage(RedisOptions{Addr: "invalid:6379"})
		assert.Error(t, err)
	})

	t.Run("SaveAndLoad", func(t *testing.T) {
		store := newTestRedis(t)
		ctx := context.Background()

		req := newRequest(1, types.RequestPending)
		require.NoError(t, store.Save(ctx, req))

		got, err := store.Load(ctx, 1)
		require.NoError(t, err)
		assert.Equal(t, req, got)

		_, err = store.Load(ctx, 2)
		assert.ErrorIs(t, err, ErrRequestNotFound)
	})

	t.Run("VersionCheck", func(t *testing.T) {
		store := newTestRedis(t)
		ctx := context.Background()

		req := newRequest(1, types.RequestPending)
		require.NoError(t, store.Save(ctx, req))
		assert.ErrorIs(t, store.Save(ctx, req), ErrVersionConflict)

		next := req
		next.Version = 2
		require.NoError(t, store.Save(ctx, next))

		got, err := store.Load(ctx, 1)
		require.NoError(t, err)
		assert.Equal(t, uint64(2), got.Version)
	})

	t.Run("CompletionRoundTrip", func(t *testing.T) {
		store := newTestRedis(t)
		ctx := context.Background()

		req := newRequest(1, types.RequestApproved)
		require.NoError(t, store.Save(ctx, req))

		got, err := store.Load(ctx, 1)
		require.NoError(t, err)
		require.NoError(t, types.CheckInvariants(got))
		assert.Equal(t, req.Steps[0].CompletedAt, got.Steps[0].CompletedAt)
		assert.Equal(t, req.Steps[0].CompletedBy, got.Steps[0].CompletedBy)
	})

	t.Run("ListAndClearTerminal", func(t *testing.T) {
		store := newTestRedis(t)
		ctx := context.Background()

		require.NoError(t, store.Save(ctx, newRequest(2, types.RequestApproved)))
		require.NoError(t, store.Save(ctx, newRequest(1, types.RequestPending)))

		list, err := store.List(ctx)
		require.NoError(t, err)
		require.Len(t, list, 2)
		assert.Equal(t, uint64(1), list[0].ID)

		removed, err := store.ClearTerminal(ctx, time.Date(2027, 1, 1, 0, 0, 0, 0, time.UTC))
		require.NoError(t, err)
		assert.Equal(t, 1, removed)

		list, err = store.List(ctx)
		require.NoError(t, err)
		require.Len(t, list, 1)
		assert.Equal(t, uint64(1), list[0].ID)
	})

	t.Run("ConcurrentWritersOneWins", func(t *testing.T) {
		store := newTestRedis(t)
		ctx := context.Background()
		require.NoError(t, store.Save(ctx, newRequest(1, types.RequestPending)))

		var wg sync.WaitGroup
		var wins int32
		for i := 0; i < 10; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				req := newRequest(1, types.RequestPending)
				req.Version = 2
				req.Steps[0].Name = fmt.Sprintf("writer %d", i)
				if store.Save(ctx, req) == nil {
					atomic.AddInt32(&wins, 1)
				}
			}(i)
		}
		wg.Wait()
		assert.Equal(t, int32(1), wins)
	})

	t.Run("ContextCancellation", func(t *testing.T) {
		store := newTestRedis(t)
		ctx, cancel := context.WithCancel(context.Background())
		cancel()

		assert.ErrorIs(t, store.Save(ctx, newRequest(1, types.RequestPending)), context.Canceled)
		_, err := store.Load(ctx, 1)
		assert.ErrorIs(t, err, context.Canceled)
	})
}
