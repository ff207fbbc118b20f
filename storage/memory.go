package storage

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/songzhibin97/approval-engine/types"
)

// MemoryStorage is an in-memory implementation of the Storage interface.
// Requests are deep-copied on the way in and out.
type MemoryStorage struct {
	requests map[uint64]types.ApprovalRequest
	mu       sync.RWMutex
}

// NewMemoryStorage creates a new MemoryStorage instance.
func NewMemoryStorage() *MemoryStorage {
	return &MemoryStorage{
		requests: make(map[uint64]types.ApprovalRequest),
	}
}

// Load retrieves a request from memory.
func (s *MemoryStorage) Load(ctx context.Context, id uint64) (types.ApprovalRequest, error) {
	return withContext(ctx, func() (types.ApprovalRequest, error) {
		s.mu.RLock()
		defer s.mu.RUnlock()
		req, ok := s.requests[id]
		if !ok {
			return types.ApprovalRequest{}, fmt.Errorf("%w: id=%d", ErrRequestNotFound, id)
		}
		return req.Clone(), nil
	})
}

// Save stores a request in memory if its version follows the stored one.
func (s *MemoryStorage) Save(ctx context.Context, req types.ApprovalRequest) error {
	_, err := withContext(ctx, func() (struct{}, error) {
		s.mu.Lock()
		defer s.mu.Unlock()

		var stored *types.ApprovalRequest
		if cur, ok := s.requests[req.ID]; ok {
			stored = &cur
		}
		if err := checkVersion(stored, req); err != nil {
			return struct{}{}, fmt.Errorf("%w: id=%d version=%d", err, req.ID, req.Version)
		}
		s.requests[req.ID] = req.Clone()
		return struct{}{}, nil
	})
	return err
}

// List returns every stored request ordered by ID.
func (s *MemoryStorage) List(ctx context.Context) ([]types.ApprovalRequest, error) {
	return withContext(ctx, func() ([]types.ApprovalRequest, error) {
		s.mu.RLock()
		defer s.mu.RUnlock()
		out := make([]types.ApprovalRequest, 0, len(s.requests))
		for _, req := range s.requests {
			out = append(out, req.Clone())
		}
		sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
		return out, nil
	})
}

// ClearTerminal removes approved or rejected requests completed before the cutoff.
func (s *MemoryStorage) ClearTerminal(ctx context.Context, before time.Time) (int, error) {
	return withContext(ctx, func() (int, error) {
		s.mu.Lock()
		defer s.mu.Unlock()
		removed := 0
		for id, req := range s.requests {
			if archivable(req, before) {
				delete(s.requests, id)
				removed++
			}
		}
		return removed, nil
	})
}
