package rules

import (
	"time"

	"github.com/songzhibin97/approval-engine/types"
)

// AutoApproveEnv is the variable set available to a step's auto-approve condition.
//
//	priority      request priority ("low", "normal", "high", "urgent")
//	content_type  type of the reviewed content
//	step_type     type of the step being considered
//	waited_hours  hours the step has been current
//	overdue       whether the request's due date has passed
func AutoApproveEnv(req types.ApprovalRequest, step types.ApprovalStep, now time.Time) map[string]interface{} {
	waited := 0.0
	if step.ActivatedAt != nil {
		waited = now.Sub(*step.ActivatedAt).Hours()
	}
	return map[string]interface{}{
		"priority":     string(req.Priority),
		"content_type": req.Content.Type,
		"step_type":    string(step.Type),
		"waited_hours": waited,
		"overdue":      req.DueDate != nil && now.After(*req.DueDate),
	}
}
