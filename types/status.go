package types

import (
	"errors"
	"fmt"
)

var (
	// ErrInvalidConfig indicates a request that cannot be created as configured.
	ErrInvalidConfig = errors.New("invalid approval request configuration")
	// ErrInvariant indicates a request whose state breaks a model invariant.
	ErrInvariant = errors.New("approval request invariant violated")
)

// DeriveStatus computes the overall request status from its steps.
//
// A rejected step rejects the request. Otherwise an outstanding change request
// puts the request back to pending. A request whose steps are all approved or
// skipped is approved; one where any step has completed is in progress.
func DeriveStatus(steps []ApprovalStep) RequestStatus {
	if len(steps) == 0 {
		return RequestPending
	}

	var completed, changes int
	for _, s := range steps {
		switch s.Status {
		case StepRejected:
			return RequestRejected
		case StepApproved, StepSkipped:
			completed++
		case StepChangesRequested:
			changes++
		case StepPending:
		}
	}

	switch {
	case changes > 0:
		return RequestPending
	case completed == len(steps):
		return RequestApproved
	case completed > 0:
		return RequestInProgress
	default:
		return RequestPending
	}
}

// ValidateRequest checks the configuration of a request about to be created.
func ValidateRequest(req ApprovalRequest) error {
	if len(req.Steps) == 0 {
		return fmt.Errorf("%w: request has no steps", ErrInvalidConfig)
	}
	if !req.Priority.IsValid() {
		return fmt.Errorf("%w: unknown priority %q", ErrInvalidConfig, req.Priority)
	}
	if req.Requester.ID == "" {
		return fmt.Errorf("%w: requester is required", ErrInvalidConfig)
	}

	for i, s := range req.Steps {
		if !s.Type.IsValid() {
			return fmt.Errorf("%w: step %d (%s): unknown type %q", ErrInvalidConfig, i, s.Name, s.Type)
		}
		if s.RequiredReviewers < 1 {
			return fmt.Errorf("%w: step %d (%s): required reviewers must be at least 1", ErrInvalidConfig, i, s.Name)
		}
		if s.RequiredReviewers > len(s.Reviewers) {
			return fmt.Errorf("%w: step %d (%s): requires %d reviewers but only %d assigned",
				ErrInvalidConfig, i, s.Name, s.RequiredReviewers, len(s.Reviewers))
		}
		if s.AutoApproveAfter < 0 {
			return fmt.Errorf("%w: step %d (%s): negative auto-approve duration", ErrInvalidConfig, i, s.Name)
		}
		seen := make(map[string]bool, len(s.Reviewers))
		for _, r := range s.Reviewers {
			if r.ID == "" {
				return fmt.Errorf("%w: step %d (%s): reviewer without id", ErrInvalidConfig, i, s.Name)
			}
			if seen[r.ID] {
				return fmt.Errorf("%w: step %d (%s): reviewer %s assigned twice", ErrInvalidConfig, i, s.Name, r.ID)
			}
			seen[r.ID] = true
		}
	}
	return nil
}

// CheckInvariants verifies the structural invariants of a persisted request.
func CheckInvariants(req ApprovalRequest) error {
	if len(req.Steps) == 0 {
		return fmt.Errorf("%w: request %d has no steps", ErrInvariant, req.ID)
	}
	if req.CurrentStepIndex < 0 || req.CurrentStepIndex >= len(req.Steps) {
		return fmt.Errorf("%w: request %d: current step index %d out of range", ErrInvariant, req.ID, req.CurrentStepIndex)
	}
	if want := DeriveStatus(req.Steps); req.Status != want {
		return fmt.Errorf("%w: request %d: status %s, derived %s", ErrInvariant, req.ID, req.Status, want)
	}

	ids := make(map[uint64]bool, len(req.Steps))
	for i, s := range req.Steps {
		if s.Order != i {
			return fmt.Errorf("%w: request %d: step %d has order %d", ErrInvariant, req.ID, i, s.Order)
		}
		if ids[s.ID] {
			return fmt.Errorf("%w: request %d: duplicate step id %d", ErrInvariant, req.ID, s.ID)
		}
		ids[s.ID] = true
		if !s.Status.IsValid() {
			return fmt.Errorf("%w: request %d: step %d has unknown status %q", ErrInvariant, req.ID, s.ID, s.Status)
		}
		if (s.CompletedBy == nil) != (s.CompletedAt == nil) {
			return fmt.Errorf("%w: request %d: step %d completion fields half set", ErrInvariant, req.ID, s.ID)
		}
		if s.Status.IsTerminal() && s.CompletedBy == nil {
			return fmt.Errorf("%w: request %d: step %d is %s without completion", ErrInvariant, req.ID, s.ID, s.Status)
		}
		if !s.Status.IsTerminal() && s.CompletedBy != nil {
			return fmt.Errorf("%w: request %d: step %d is %s with completion", ErrInvariant, req.ID, s.ID, s.Status)
		}
	}
	return nil
}
