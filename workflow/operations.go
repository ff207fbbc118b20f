package workflow

import (
	"context"
	"strings"
	"time"

	"github.com/songzhibin97/approval-engine/events"
	"github.com/songzhibin97/approval-engine/types"
)

// Approve records actor's approval of a pending or changes-requested step.
//
// Under the default policy the approval completes the step. With
// Policy.StrictQuorum the step completes once RequiredReviewers distinct
// reviewers approved it. Completing the current step moves the pointer
// forward when Policy.AutoAdvance is set. A non-empty comment is logged
// with kind approval.
func (e *WorkflowEngine) Approve(ctx context.Context, requestID, stepID uint64, actor types.Reviewer, comment string) (*types.ApprovalRequest, error) {
	comment = strings.TrimSpace(comment)

	return e.mutate(ctx, OpApprove, requestID, actor, func(req *types.ApprovalRequest, now time.Time) (change, error) {
		idx, err := actionableStep(req, stepID, actor)
		if err != nil {
			return change{}, err
		}
		step := &req.Steps[idx]
		if e.policy.StrictQuorum && step.HasApproved(actor.ID) {
			return change{}, invalidTransition("reviewer %s already approved step %d", actor.ID, stepID)
		}
		if err := e.checkGuards(ctx, *req, *step, OpApprove, actor); err != nil {
			return change{}, err
		}

		if comment != "" {
			if err := e.appendComment(step, actor, comment, types.CommentKindApproval, now); err != nil {
				return change{}, err
			}
		}

		if e.policy.StrictQuorum {
			step.Approvals = append(step.Approvals, actor.ID)
			if len(step.Approvals) < step.RequiredReviewers {
				step.Status = types.StepPending
				return change{
					eventType: events.TypeApprovalRecorded,
					stepID:    stepID,
					data: map[string]interface{}{
						"approvals": len(step.Approvals),
						"required":  step.RequiredReviewers,
					},
				}, nil
			}
		}

		complete(step, types.StepApproved, actor, now)
		e.autoAdvance(req, idx, now)
		return change{eventType: events.TypeStepStatusChanged, stepID: stepID}, nil
	})
}

// Reject rejects a step, which rejects the whole request. The comment is mandatory.
// The current-step pointer does not move.
func (e *WorkflowEngine) Reject(ctx context.Context, requestID, stepID uint64, actor types.Reviewer, comment string) (*types.ApprovalRequest, error) {
	comment = strings.TrimSpace(comment)

	return e.mutate(ctx, OpReject, requestID, actor, func(req *types.ApprovalRequest, now time.Time) (change, error) {
		idx, err := actionableStep(req, stepID, actor)
		if err != nil {
			return change{}, err
		}
		if comment == "" {
			return change{}, validation("a comment is required to reject step %d", stepID)
		}
		step := &req.Steps[idx]
		if err := e.checkGuards(ctx, *req, *step, OpReject, actor); err != nil {
			return change{}, err
		}

		if err := e.appendComment(step, actor, comment, types.CommentKindRejection, now); err != nil {
			return change{}, err
		}
		complete(step, types.StepRejected, actor, now)
		return change{eventType: events.TypeStepStatusChanged, stepID: stepID}, nil
	})
}

// RequestChanges sends a step back for rework. The step stays actionable and
// the request returns to pending. The comment is mandatory. Approvals
// collected under strict quorum are discarded.
func (e *WorkflowEngine) RequestChanges(ctx context.Context, requestID, stepID uint64, actor types.Reviewer, comment string) (*types.ApprovalRequest, error) {
	comment = strings.TrimSpace(comment)

	return e.mutate(ctx, OpRequestChanges, requestID, actor, func(req *types.ApprovalRequest, now time.Time) (change, error) {
		idx, err := actionableStep(req, stepID, actor)
		if err != nil {
			return change{}, err
		}
		if comment == "" {
			return change{}, validation("a comment is required to request changes on step %d", stepID)
		}
		step := &req.Steps[idx]
		if err := e.checkGuards(ctx, *req, *step, OpRequestChanges, actor); err != nil {
			return change{}, err
		}

		if err := e.appendComment(step, actor, comment, types.CommentKindChangeRequest, now); err != nil {
			return change{}, err
		}
		step.Status = types.StepChangesRequested
		step.Approvals = nil
		return change{eventType: events.TypeStepStatusChanged, stepID: stepID}, nil
	})
}

// Skip completes a skippable pending step without approval. Assigned
// reviewers and the requester may skip.
func (e *WorkflowEngine) Skip(ctx context.Context, requestID, stepID uint64, actor types.Reviewer) (*types.ApprovalRequest, error) {
	return e.mutate(ctx, OpSkip, requestID, actor, func(req *types.ApprovalRequest, now time.Time) (change, error) {
		idx := req.StepIndex(stepID)
		if idx < 0 {
			return change{}, notFound("step %d in request %d", stepID, req.ID)
		}
		step := &req.Steps[idx]
		if !step.CanSkip {
			return change{}, invalidTransition("step %d cannot be skipped", stepID)
		}
		if step.Status != types.StepPending {
			return change{}, invalidTransition("step %d is %s", stepID, step.Status)
		}
		if !step.HasReviewer(actor.ID) && req.Requester.ID != actor.ID {
			return change{}, unauthorized("reviewer %s on step %d", actor.ID, stepID)
		}
		if err := e.checkGuards(ctx, *req, *step, OpSkip, actor); err != nil {
			return change{}, err
		}

		complete(step, types.StepSkipped, actor, now)
		e.autoAdvance(req, idx, now)
		return change{eventType: events.TypeStepStatusChanged, stepID: stepID}, nil
	})
}

// AddComment appends a plain comment to a step's log. It does not change any status.
func (e *WorkflowEngine) AddComment(ctx context.Context, requestID, stepID uint64, actor types.Reviewer, content string) (*types.ApprovalRequest, error) {
	content = strings.TrimSpace(content)

	return e.mutate(ctx, OpComment, requestID, actor, func(req *types.ApprovalRequest, now time.Time) (change, error) {
		idx := req.StepIndex(stepID)
		if idx < 0 {
			return change{}, notFound("step %d in request %d", stepID, req.ID)
		}
		if content == "" {
			return change{}, validation("comment is empty")
		}
		if err := e.appendComment(&req.Steps[idx], actor, content, types.CommentKindComment, now); err != nil {
			return change{}, err
		}
		return change{eventType: events.TypeCommentAdded, stepID: stepID}, nil
	})
}

// ReassignStep adds assignee to a pending step or, when replaces is set,
// swaps the reviewer with that ID for assignee.
func (e *WorkflowEngine) ReassignStep(ctx context.Context, requestID, stepID uint64, actor, assignee types.Reviewer, replaces string) (*types.ApprovalRequest, error) {
	return e.mutate(ctx, OpReassign, requestID, actor, func(req *types.ApprovalRequest, now time.Time) (change, error) {
		idx := req.StepIndex(stepID)
		if idx < 0 {
			return change{}, notFound("step %d in request %d", stepID, req.ID)
		}
		step := &req.Steps[idx]
		if step.Status != types.StepPending {
			return change{}, invalidTransition("step %d is %s", stepID, step.Status)
		}
		if assignee.ID == "" {
			return change{}, validation("assignee id is required")
		}

		if replaces == "" {
			if step.HasReviewer(assignee.ID) {
				return change{}, validation("reviewer %s is already assigned to step %d", assignee.ID, stepID)
			}
			step.Reviewers = append(step.Reviewers, assignee)
		} else {
			pos := step.ReviewerIndex(replaces)
			if pos < 0 {
				return change{}, notFound("reviewer %s on step %d", replaces, stepID)
			}
			if assignee.ID != replaces && step.HasReviewer(assignee.ID) {
				return change{}, validation("reviewer %s is already assigned to step %d", assignee.ID, stepID)
			}
			step.Reviewers[pos] = assignee
			step.Approvals = removeString(step.Approvals, replaces)
		}

		return change{
			eventType: events.TypeStepReassigned,
			stepID:    stepID,
			data: map[string]interface{}{
				"assignee": assignee.ID,
				"replaces": replaces,
			},
		}, nil
	})
}

// AdvanceStep moves the pointer past a completed current step. It is the
// manual counterpart of auto-advance. The requester or a reviewer of the
// current step may advance.
func (e *WorkflowEngine) AdvanceStep(ctx context.Context, requestID uint64, actor types.Reviewer) (*types.ApprovalRequest, error) {
	return e.mutate(ctx, OpAdvance, requestID, actor, func(req *types.ApprovalRequest, now time.Time) (change, error) {
		cur := req.Steps[req.CurrentStepIndex]
		if req.Requester.ID != actor.ID && !cur.HasReviewer(actor.ID) {
			return change{}, unauthorized("reviewer %s on step %d", actor.ID, cur.ID)
		}
		if cur.Status != types.StepApproved && cur.Status != types.StepSkipped {
			return change{}, invalidTransition("current step %d is %s", cur.ID, cur.Status)
		}
		if req.CurrentStepIndex == len(req.Steps)-1 {
			return change{}, invalidTransition("step %d is the last step", cur.ID)
		}

		moveForward(req, now)
		return change{
			eventType: events.TypeStepAdvanced,
			stepID:    req.Steps[req.CurrentStepIndex].ID,
			data:      map[string]interface{}{"from_step": cur.ID},
		}, nil
	})
}

// actionableStep resolves a step that approve, reject or request-changes may act on.
func actionableStep(req *types.ApprovalRequest, stepID uint64, actor types.Reviewer) (int, error) {
	idx := req.StepIndex(stepID)
	if idx < 0 {
		return -1, notFound("step %d in request %d", stepID, req.ID)
	}
	step := req.Steps[idx]
	if !step.Status.IsActionable() {
		return -1, invalidTransition("step %d is %s", stepID, step.Status)
	}
	if !step.HasReviewer(actor.ID) {
		return -1, unauthorized("reviewer %s on step %d", actor.ID, stepID)
	}
	return idx, nil
}

func (e *WorkflowEngine) appendComment(step *types.ApprovalStep, author types.Reviewer, content string, kind types.CommentKind, now time.Time) error {
	id, err := e.GenerateID()
	if err != nil {
		return err
	}
	step.Comments = append(step.Comments, types.Comment{
		ID:        id,
		Author:    author,
		Content:   content,
		CreatedAt: now,
		Kind:      kind,
	})
	return nil
}

// complete moves a step into a terminal status and stamps who and when.
func complete(step *types.ApprovalStep, status types.StepStatus, actor types.Reviewer, now time.Time) {
	by := actor
	at := now
	step.Status = status
	step.CompletedBy = &by
	step.CompletedAt = &at
}

// autoAdvance moves the pointer when the completed step at idx is current.
func (e *WorkflowEngine) autoAdvance(req *types.ApprovalRequest, idx int, now time.Time) {
	if !e.policy.AutoAdvance || idx != req.CurrentStepIndex {
		return
	}
	moveForward(req, now)
}

// moveForward advances the pointer past approved or skipped steps, stopping
// at the first step still open or at the last step.
func moveForward(req *types.ApprovalRequest, now time.Time) bool {
	last := len(req.Steps) - 1
	moved := false
	for req.CurrentStepIndex < last {
		status := req.Steps[req.CurrentStepIndex].Status
		if status != types.StepApproved && status != types.StepSkipped {
			break
		}
		req.CurrentStepIndex++
		moved = true
	}
	if moved {
		step := &req.Steps[req.CurrentStepIndex]
		if step.ActivatedAt == nil {
			at := now
			step.ActivatedAt = &at
		}
	}
	return moved
}

func removeString(list []string, s string) []string {
	out := list[:0]
	for _, v := range list {
		if v != s {
			out = append(out, v)
		}
	}
	if len(out) == 0 {
		return nil
	}
	return out
}
