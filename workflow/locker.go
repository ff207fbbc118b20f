package workflow

import (
	"context"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"
)

// requestLocker serializes mutations per request ID inside one process.
// Waiting is bounded; cross-process safety comes from the storage version check.
type requestLocker struct {
	mu    sync.Mutex
	locks map[uint64]*lockEntry
}

type lockEntry struct {
	sem  *semaphore.Weighted
	refs int
}

func newRequestLocker() *requestLocker {
	return &requestLocker{locks: make(map[uint64]*lockEntry)}
}

// lock blocks until the lock for id is held, the timeout elapses, or ctx ends.
// The returned function releases the lock.
func (l *requestLocker) lock(ctx context.Context, id uint64, timeout time.Duration) (func(), error) {
	l.mu.Lock()
	entry, ok := l.locks[id]
	if !ok {
		entry = &lockEntry{sem: semaphore.NewWeighted(1)}
		l.locks[id] = entry
	}
	entry.refs++
	l.mu.Unlock()

	waitCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	if err := entry.sem.Acquire(waitCtx, 1); err != nil {
		l.release(id, entry)
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, ErrLockTimeout
	}
	return func() {
		entry.sem.Release(1)
		l.release(id, entry)
	}, nil
}

func (l *requestLocker) release(id uint64, entry *lockEntry) {
	l.mu.Lock()
	defer l.mu.Unlock()
	entry.refs--
	if entry.refs == 0 {
		delete(l.locks, id)
	}
}

// size is the number of request IDs with holders or waiters.
func (l *requestLocker) size() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.locks)
}
