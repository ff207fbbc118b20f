// Package query holds read-only projections over approval requests.
// Functions never modify their input and return requests in input order.
package query

import (
	"time"

	"github.com/songzhibin97/approval-engine/types"
)

// Predicate selects requests.
type Predicate func(req types.ApprovalRequest) bool

// Filter returns the requests matching every predicate.
func Filter(requests []types.ApprovalRequest, preds ...Predicate) []types.ApprovalRequest {
	out := make([]types.ApprovalRequest, 0)
	for _, req := range requests {
		if matches(req, preds) {
			out = append(out, req)
		}
	}
	return out
}

func matches(req types.ApprovalRequest, preds []Predicate) bool {
	for _, p := range preds {
		if !p(req) {
			return false
		}
	}
	return true
}

// PendingRequestsFor returns the requests authored by reviewerID that are not approved.
func PendingRequestsFor(requests []types.ApprovalRequest, reviewerID string) []types.ApprovalRequest {
	return Filter(requests, RequestedBy(reviewerID), func(req types.ApprovalRequest) bool {
		return req.Status != types.RequestApproved
	})
}

// RequestsAwaiting is the reviewer's actionable inbox: open requests whose
// current step is pending and assigned to reviewerID. Later steps assigned to
// the reviewer do not count until the pointer reaches them.
func RequestsAwaiting(requests []types.ApprovalRequest, reviewerID string) []types.ApprovalRequest {
	return Filter(requests, Open, func(req types.ApprovalRequest) bool {
		step, ok := req.CurrentStep()
		return ok && step.Status == types.StepPending && step.HasReviewer(reviewerID)
	})
}

// OverdueRequests returns the open requests whose due date is before now.
func OverdueRequests(requests []types.ApprovalRequest, now time.Time) []types.ApprovalRequest {
	return Filter(requests, Open, func(req types.ApprovalRequest) bool {
		return req.DueDate != nil && req.DueDate.Before(now)
	})
}

// RequestedBy matches requests authored by reviewerID.
func RequestedBy(reviewerID string) Predicate {
	return func(req types.ApprovalRequest) bool {
		return req.Requester.ID == reviewerID
	}
}

// Open matches requests that are neither approved nor rejected.
func Open(req types.ApprovalRequest) bool {
	return !req.Status.IsTerminal()
}
