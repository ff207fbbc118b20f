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

func TestMemoryStorage(t *testing.T) {
	t.Run("NewMemoryStorage", func(t *testing.T) {
		store := NewMemoryStorage()
		assert.NotNil(t, store)
		assert.NotNil(t, store.requests)
		assert.Empty(t, store.requests)
	})

	t.Run("SaveAndLoad", func(t *testing.T) {
		store := NewMemoryStorage()
		ctx := context.Background()

		req := newRequest(1, types.RequestPending)
		require.NoError(t, store.Save(ctx, req))

		got, err := store.Load(ctx, 1)
		assert.NoError(t, err)
		assert.Equal(t, req, got)

		_, err = store.Load(ctx, 2)
		assert.ErrorIs(t, err, ErrRequestNotFound)
	})

	t.Run("VersionCheck", func(t *testing.T) {
		store := NewMemoryStorage()
		ctx := context.Background()

		req := newRequest(1, types.RequestPending)
		stale := req
		stale.Version = 2
		assert.ErrorIs(t, store.Save(ctx, stale), ErrVersionConflict, "first save must be version 1")

		require.NoError(t, store.Save(ctx, req))
		assert.ErrorIs(t, store.Save(ctx, req), ErrVersionConflict, "re-creating must conflict")

		next := req
		next.Version = 2
		require.NoError(t, store.Save(ctx, next))
		assert.ErrorIs(t, store.Save(ctx, next), ErrVersionConflict, "same version twice must conflict")

		skip := req
		skip.Version = 4
		assert.ErrorIs(t, store.Save(ctx, skip), ErrVersionConflict)
	})

	t.Run("CopiesAreIsolated", func(t *testing.T) {
		store := NewMemoryStorage()
		ctx := context.Background()

		req := newRequest(1, types.RequestPending)
		require.NoError(t, store.Save(ctx, req))
		req.Steps[0].Name = "mutated after save"

		got, err := store.Load(ctx, 1)
		require.NoError(t, err)
		assert.Equal(t, "Editorial review", got.Steps[0].Name)

		got.Steps[0].Reviewers[0].ID = "mutated after load"
		again, err := store.Load(ctx, 1)
		require.NoError(t, err)
		assert.Equal(t, "editor", again.Steps[0].Reviewers[0].ID)
	})

	t.Run("List", func(t *testing.T) {
		store := NewMemoryStorage()
		ctx := context.Background()

		for _, id := range []uint64{3, 1, 2} {
			require.NoError(t, store.Save(ctx, newRequest(id, types.RequestPending)))
		}
		list, err := store.List(ctx)
		require.NoError(t, err)
		require.Len(t, list, 3)
		assert.Equal(t, uint64(1), list[0].ID)
		assert.Equal(t, uint64(3), list[2].ID)
	})

	t.Run("ClearTerminal", func(t *testing.T) {
		store := NewMemoryStorage()
		ctx := context.Background()

		require.NoError(t, store.Save(ctx, newRequest(1, types.RequestPending)))
		require.NoError(t, store.Save(ctx, newRequest(2, types.RequestApproved)))
		require.NoError(t, store.Save(ctx, newRequest(3, types.RequestRejected)))

		created := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
		removed, err := store.ClearTerminal(ctx, created)
		require.NoError(t, err)
		assert.Zero(t, removed, "nothing completed before creation")

		removed, err = store.ClearTerminal(ctx, created.Add(2*time.Hour))
		require.NoError(t, err)
		assert.Equal(t, 2, removed)

		_, err = store.Load(ctx, 1)
		assert.NoError(t, err)
		_, err = store.Load(ctx, 2)
		assert.ErrorIs(t, err, ErrRequestNotFound)
	})

	t.Run("ContextCancellation", func(t *testing.T) {
		store := NewMemoryStorage()
		ctx, cancel := context.WithCancel(context.Background())
		cancel()

		err := store.Save(ctx, newRequest(1, types.RequestPending))
		assert.ErrorIs(t, err, context.Canceled)

		_, err = store.Load(ctx, 1)
		assert.ErrorIs(t, err, context.Canceled)

		_, err = store.List(ctx)
		assert.ErrorIs(t, err, context.Canceled)
	})

	t.Run("ConcurrentWritersOneWins", func(t *testing.T) {
		store := NewMemoryStorage()
		ctx := context.Background()
		require.NoError(t, store.Save(ctx, newRequest(1, types.RequestPending)))

		var wg sync.WaitGroup
		var wins int32
		for i := 0; i < 20; i++ {
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
}
