package storage

import (
	"time"

	"github.com/songzhibin97/approval-engine/types"
)

// newRequest builds a single-step request at version 1.
func newRequest(id uint64, status types.RequestStatus) types.ApprovalRequest {
	created := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	req := types.ApprovalRequest{
		ID:        id,
		Content:   types.ContentRef{ID: "post-1", Title: "Launch post", Type: "post"},
		Status:    types.RequestPending,
		Requester: types.Reviewer{ID: "writer", Name: "Writer"},
		Priority:  types.PriorityNormal,
		CreatedAt: created,
		UpdatedAt: created,
		Version:   1,
		Steps: []types.ApprovalStep{{
			ID:                id*10 + 1,
			Name:              "Editorial review",
			Type:              types.StepTypeReview,
			RequiredReviewers: 1,
			Reviewers:         []types.Reviewer{{ID: "editor", Name: "Editor"}},
			Status:            types.StepPending,
		}},
	}
	if status.IsTerminal() {
		by := types.Reviewer{ID: "editor", Name: "Editor"}
		done := created.Add(time.Hour)
		req.Steps[0].CompletedBy = &by
		req.Steps[0].CompletedAt = &done
		req.Steps[0].Status = types.StepApproved
		if status == types.RequestRejected {
			req.Steps[0].Status = types.StepRejected
		}
		req.Status = status
		req.CompletedAt = &done
	}
	return req
}
