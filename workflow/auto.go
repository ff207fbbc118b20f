package workflow

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/songzhibin97/approval-engine/events"
	"github.com/songzhibin97/approval-engine/rules"
	"github.com/songzhibin97/approval-engine/types"
	"go.uber.org/zap"
)

// errNotDue aborts an auto-approval whose step changed between the scan and the lock.
var errNotDue = fmt.Errorf("%w: step is not due for auto-approval", ErrInvalidTransition)

// ProcessAutoApprovals approves, as types.SystemReviewer, every current step
// that has been pending for at least its AutoApproveAfter and whose
// AutoApproveCondition, if any, holds. It returns the IDs of the requests
// that were changed. Failures on individual requests do not stop the sweep;
// they are joined into the returned error.
func (e *WorkflowEngine) ProcessAutoApprovals(ctx context.Context) ([]uint64, error) {
	all, err := e.storage.List(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list requests: %w", err)
	}

	var (
		approved []uint64
		errs     []error
	)
	for _, req := range all {
		due, err := e.dueForAutoApproval(req, e.now())
		if err != nil {
			errs = append(errs, fmt.Errorf("request %d: %w", req.ID, err))
			continue
		}
		if !due {
			continue
		}

		_, err = e.mutate(ctx, OpAutoApprove, req.ID, types.SystemReviewer, func(r *types.ApprovalRequest, now time.Time) (change, error) {
			due, err := e.dueForAutoApproval(*r, now)
			if err != nil {
				return change{}, err
			}
			if !due {
				return change{}, errNotDue
			}
			idx := r.CurrentStepIndex
			step := &r.Steps[idx]
			if err := e.checkGuards(ctx, *r, *step, OpAutoApprove, types.SystemReviewer); err != nil {
				return change{}, err
			}

			complete(step, types.StepApproved, types.SystemReviewer, now)
			e.autoAdvance(r, idx, now)
			return change{
				eventType: events.TypeStepStatusChanged,
				stepID:    step.ID,
				data:      map[string]interface{}{"auto_approved": true},
			}, nil
		})
		switch {
		case errors.Is(err, errNotDue):
		case err != nil:
			errs = append(errs, fmt.Errorf("request %d: %w", req.ID, err))
		default:
			approved = append(approved, req.ID)
			if e.metrics != nil {
				e.metrics.AutoApproved.Inc()
			}
		}
	}

	if len(approved) > 0 || len(errs) > 0 {
		e.logger.Info("auto-approval sweep finished",
			zap.Int("scanned", len(all)),
			zap.Int("approved", len(approved)),
			zap.Int("failed", len(errs)))
	}
	return approved, errors.Join(errs...)
}

// RunAutoApprovals sweeps every interval until ctx is done.
func (e *WorkflowEngine) RunAutoApprovals(ctx context.Context, interval time.Duration) error {
	if interval <= 0 {
		return errors.New("interval must be positive")
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if _, err := e.ProcessAutoApprovals(ctx); err != nil {
				e.logger.Warn("auto-approval sweep failed", zap.Error(err))
			}
		}
	}
}

func (e *WorkflowEngine) dueForAutoApproval(req types.ApprovalRequest, now time.Time) (bool, error) {
	if req.Status.IsTerminal() {
		return false, nil
	}
	step, ok := req.CurrentStep()
	if !ok || step.Status != types.StepPending || step.AutoApproveAfter <= 0 || step.ActivatedAt == nil {
		return false, nil
	}
	if now.Sub(*step.ActivatedAt) < step.AutoApproveAfter {
		return false, nil
	}
	if step.AutoApproveCondition == "" {
		return true, nil
	}

	ok, err := e.evaluator.Evaluate(step.AutoApproveCondition, rules.AutoApproveEnv(req, step, now))
	if err != nil {
		return false, validation("step %d: auto-approve condition: %v", step.ID, err)
	}
	return ok, nil
}
