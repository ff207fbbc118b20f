package workflow

import (
	"context"
	"errors"
	"fmt"

	"github.com/songzhibin97/approval-engine/types"
)

// Operation names an engine call.
type Operation string

const (
	OpCreate         Operation = "create_request"
	OpApprove        Operation = "approve"
	OpReject         Operation = "reject"
	OpRequestChanges Operation = "request_changes"
	OpSkip           Operation = "skip"
	OpComment        Operation = "add_comment"
	OpReassign       Operation = "reassign_step"
	OpAdvance        Operation = "advance_step"
	OpAutoApprove    Operation = "auto_approve"
)

// Guard can veto a step transition before any state changes, e.g. to keep a
// publish step closed until the content passes an external check.
type Guard interface {
	Check(ctx context.Context, req types.ApprovalRequest, step types.ApprovalStep, op Operation, actor types.Reviewer) error
}

// GuardFunc is a function adapter for Guard.
type GuardFunc func(ctx context.Context, req types.ApprovalRequest, step types.ApprovalStep, op Operation, actor types.Reviewer) error

// Check implements the Guard interface.
func (f GuardFunc) Check(ctx context.Context, req types.ApprovalRequest, step types.ApprovalStep, op Operation, actor types.Reviewer) error {
	return f(ctx, req, step, op, actor)
}

// RegisterGuard registers a guard for every step of the given type.
// Guards run for approve, reject, request-changes, skip and auto-approve.
func (e *WorkflowEngine) RegisterGuard(ctx context.Context, stepType types.StepType, guard Guard) error {
	if !stepType.IsValid() || guard == nil {
		return errors.New("valid step type and guard are required")
	}

	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
		e.mu.Lock()
		defer e.mu.Unlock()
		e.guards[stepType] = append(e.guards[stepType], guard)
		return nil
	}
}

// checkGuards runs the registered guards. A veto that is not already part of
// the error taxonomy is reported as a validation failure.
func (e *WorkflowEngine) checkGuards(ctx context.Context, req types.ApprovalRequest, step types.ApprovalStep, op Operation, actor types.Reviewer) error {
	e.mu.RLock()
	guards := e.guards[step.Type]
	e.mu.RUnlock()

	for _, g := range guards {
		err := g.Check(ctx, req, step, op, actor)
		if err == nil {
			continue
		}
		if classified(err) {
			return err
		}
		return fmt.Errorf("%w: step %d: %v", ErrValidation, step.ID, err)
	}
	return nil
}

func classified(err error) bool {
	for _, target := range []error{ErrNotFound, ErrInvalidTransition, ErrUnauthorized, ErrValidation, ErrConcurrencyConflict} {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}
