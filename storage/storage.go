package storage

import (
	"context"
	"errors"
	"time"

	"github.com/songzhibin97/approval-engine/types"
)

var (
	// ErrRequestNotFound is returned when no request is stored under an ID.
	ErrRequestNotFound = errors.New("approval request not found")
	// ErrVersionConflict is returned when the stored version moved past the caller's copy.
	ErrVersionConflict = errors.New("approval request version conflict")
)

// Storage persists approval requests.
//
// Save implements compare-and-set on ApprovalRequest.Version: a request with
// Version 1 must not exist yet, and any later version must replace a stored
// copy whose Version is exactly one lower. Otherwise Save fails with
// ErrVersionConflict and callers must reload and retry.
type Storage interface {
	// Load retrieves a request by ID.
	Load(ctx context.Context, id uint64) (types.ApprovalRequest, error)

	// Save stores a request, enforcing the version check.
	Save(ctx context.Context, req types.ApprovalRequest) error

	// List returns a snapshot of every stored request.
	List(ctx context.Context) ([]types.ApprovalRequest, error)

	// ClearTerminal removes approved or rejected requests completed before the cutoff.
	ClearTerminal(ctx context.Context, before time.Time) (int, error)
}

// withContext is a standalone generic helper function.
func withContext[T any](ctx context.Context, fn func() (T, error)) (T, error) {
	var zero T
	select {
	case <-ctx.Done():
		return zero, ctx.Err()
	default:
		return fn()
	}
}

// checkVersion validates an incoming save against the stored version.
func checkVersion(stored *types.ApprovalRequest, incoming types.ApprovalRequest) error {
	if stored == nil {
		if incoming.Version != 1 {
			return ErrVersionConflict
		}
		return nil
	}
	if stored.Version+1 != incoming.Version {
		return ErrVersionConflict
	}
	return nil
}

// archivable reports whether ClearTerminal may drop the request.
func archivable(req types.ApprovalRequest, before time.Time) bool {
	return req.Status.IsTerminal() && req.CompletedAt != nil && req.CompletedAt.Before(before)
}
