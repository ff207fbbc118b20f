package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/songzhibin97/approval-engine/types"
	"github.com/songzhibin97/approval-engine/workflow"
)

// StepBody describes one step in a create call. AutoApproveAfter uses Go
// duration syntax, e.g. "48h".
type StepBody struct {
	Name                 string           `json:"name"`
	Type                 types.StepType   `json:"type"`
	RequiredReviewers    int              `json:"required_reviewers"`
	Reviewers            []types.Reviewer `json:"reviewers"`
	CanSkip              bool             `json:"can_skip,omitempty"`
	AutoApproveAfter     string           `json:"auto_approve_after,omitempty"`
	AutoApproveCondition string           `json:"auto_approve_condition,omitempty"`
}

// CreateBody is the body of POST /v1/requests. The requester is the calling reviewer.
type CreateBody struct {
	Content  types.ContentRef `json:"content"`
	Priority types.Priority   `json:"priority,omitempty"`
	DueDate  *time.Time       `json:"due_date,omitempty"`
	Steps    []StepBody       `json:"steps"`
}

// ActionBody carries the comment for approve, reject, request-changes and comments.
type ActionBody struct {
	Comment string `json:"comment"`
}

// ReassignBody is the body of the reassign call. An empty Replaces adds Assignee.
type ReassignBody struct {
	Assignee types.Reviewer `json:"assignee"`
	Replaces string         `json:"replaces,omitempty"`
}

// ListResponse wraps request lists.
type ListResponse struct {
	Requests []types.ApprovalRequest `json:"requests"`
	Count    int                     `json:"count"`
}

func (b CreateBody) toNewRequest(requester types.Reviewer) (workflow.NewRequest, error) {
	in := workflow.NewRequest{
		Content:   b.Content,
		Requester: requester,
		Priority:  b.Priority,
		DueDate:   b.DueDate,
		Steps:     make([]workflow.NewStep, 0, len(b.Steps)),
	}
	for i, s := range b.Steps {
		var after time.Duration
		if s.AutoApproveAfter != "" {
			d, err := time.ParseDuration(s.AutoApproveAfter)
			if err != nil {
				return workflow.NewRequest{}, fmt.Errorf("step %d: auto_approve_after: %v", i, err)
			}
			after = d
		}
		in.Steps = append(in.Steps, workflow.NewStep{
			Name:                 s.Name,
			Type:                 s.Type,
			RequiredReviewers:    s.RequiredReviewers,
			Reviewers:            s.Reviewers,
			CanSkip:              s.CanSkip,
			AutoApproveAfter:     after,
			AutoApproveCondition: s.AutoApproveCondition,
		})
	}
	return in, nil
}

// CreateRequestHandler creates a request authored by the calling reviewer.
func (h *Handlers) CreateRequestHandler(w http.ResponseWriter, r *http.Request) {
	who, ok := actor(r)
	if !ok {
		h.writeErrorResponse(w, http.StatusUnauthorized, "missing_reviewer", HeaderReviewerID+" header is required")
		return
	}

	var body CreateBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		h.writeErrorResponse(w, http.StatusBadRequest, "invalid_request", "Invalid request body")
		return
	}
	in, err := body.toNewRequest(who)
	if err != nil {
		h.writeErrorResponse(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}

	req, err := h.engine.CreateRequest(r.Context(), in)
	if err != nil {
		h.writeEngineError(w, err)
		return
	}
	h.writeJSONResponse(w, http.StatusCreated, req)
}

// GetRequestHandler returns one request.
func (h *Handlers) GetRequestHandler(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "requestId")
	if err != nil {
		h.writeErrorResponse(w, http.StatusBadRequest, "invalid_request", "invalid request id")
		return
	}
	req, err := h.engine.GetRequest(r.Context(), id)
	if err != nil {
		h.writeEngineError(w, err)
		return
	}
	h.writeJSONResponse(w, http.StatusOK, req)
}

// stepCall is the shared shape of the per-step mutating endpoints.
type stepCall func(r *http.Request, requestID, stepID uint64, who types.Reviewer) (*types.ApprovalRequest, error)

func (h *Handlers) serveStepCall(w http.ResponseWriter, r *http.Request, call stepCall) {
	who, ok := actor(r)
	if !ok {
		h.writeErrorResponse(w, http.StatusUnauthorized, "missing_reviewer", HeaderReviewerID+" header is required")
		return
	}
	requestID, err := pathID(r, "requestId")
	if err != nil {
		h.writeErrorResponse(w, http.StatusBadRequest, "invalid_request", "invalid request id")
		return
	}
	stepID, err := pathID(r, "stepId")
	if err != nil {
		h.writeErrorResponse(w, http.StatusBadRequest, "invalid_request", "invalid step id")
		return
	}

	req, err := call(r, requestID, stepID, who)
	if err != nil {
		if errors.Is(err, errBadBody) {
			h.writeErrorResponse(w, http.StatusBadRequest, "invalid_request", "Invalid request body")
			return
		}
		h.writeEngineError(w, err)
		return
	}
	h.writeJSONResponse(w, http.StatusOK, req)
}

var errBadBody = errors.New("invalid request body")

// decodeOptional decodes a JSON body if one was sent.
func decodeOptional(r *http.Request, v interface{}) error {
	if r.Body == nil {
		return nil
	}
	err := json.NewDecoder(r.Body).Decode(v)
	if err == nil || errors.Is(err, io.EOF) {
		return nil
	}
	return errBadBody
}

// ApproveHandler approves a step. The comment is optional.
func (h *Handlers) ApproveHandler(w http.ResponseWriter, r *http.Request) {
	h.serveStepCall(w, r, func(r *http.Request, requestID, stepID uint64, who types.Reviewer) (*types.ApprovalRequest, error) {
		var body ActionBody
		if err := decodeOptional(r, &body); err != nil {
			return nil, err
		}
		return h.engine.Approve(r.Context(), requestID, stepID, who, body.Comment)
	})
}

// RejectHandler rejects a step and with it the request.
func (h *Handlers) RejectHandler(w http.ResponseWriter, r *http.Request) {
	h.serveStepCall(w, r, func(r *http.Request, requestID, stepID uint64, who types.Reviewer) (*types.ApprovalRequest, error) {
		var body ActionBody
		if err := decodeOptional(r, &body); err != nil {
			return nil, err
		}
		return h.engine.Reject(r.Context(), requestID, stepID, who, body.Comment)
	})
}

// RequestChangesHandler sends a step back for rework.
func (h *Handlers) RequestChangesHandler(w http.ResponseWriter, r *http.Request) {
	h.serveStepCall(w, r, func(r *http.Request, requestID, stepID uint64, who types.Reviewer) (*types.ApprovalRequest, error) {
		var body ActionBody
		if err := decodeOptional(r, &body); err != nil {
			return nil, err
		}
		return h.engine.RequestChanges(r.Context(), requestID, stepID, who, body.Comment)
	})
}

// SkipHandler skips a skippable step.
func (h *Handlers) SkipHandler(w http.ResponseWriter, r *http.Request) {
	h.serveStepCall(w, r, func(r *http.Request, requestID, stepID uint64, who types.Reviewer) (*types.ApprovalRequest, error) {
		return h.engine.Skip(r.Context(), requestID, stepID, who)
	})
}

// CommentHandler appends a comment to a step.
func (h *Handlers) CommentHandler(w http.ResponseWriter, r *http.Request) {
	h.serveStepCall(w, r, func(r *http.Request, requestID, stepID uint64, who types.Reviewer) (*types.ApprovalRequest, error) {
		var body ActionBody
		if err := decodeOptional(r, &body); err != nil {
			return nil, err
		}
		return h.engine.AddComment(r.Context(), requestID, stepID, who, body.Comment)
	})
}

// ReassignHandler adds or replaces a reviewer on a pending step.
func (h *Handlers) ReassignHandler(w http.ResponseWriter, r *http.Request) {
	h.serveStepCall(w, r, func(r *http.Request, requestID, stepID uint64, who types.Reviewer) (*types.ApprovalRequest, error) {
		var body ReassignBody
		if err := decodeOptional(r, &body); err != nil {
			return nil, err
		}
		return h.engine.ReassignStep(r.Context(), requestID, stepID, who, body.Assignee, body.Replaces)
	})
}

// AdvanceHandler moves the current-step pointer manually.
func (h *Handlers) AdvanceHandler(w http.ResponseWriter, r *http.Request) {
	who, ok := actor(r)
	if !ok {
		h.writeErrorResponse(w, http.StatusUnauthorized, "missing_reviewer", HeaderReviewerID+" header is required")
		return
	}
	id, err := pathID(r, "requestId")
	if err != nil {
		h.writeErrorResponse(w, http.StatusBadRequest, "invalid_request", "invalid request id")
		return
	}
	req, err := h.engine.AdvanceStep(r.Context(), id, who)
	if err != nil {
		h.writeEngineError(w, err)
		return
	}
	h.writeJSONResponse(w, http.StatusOK, req)
}

// InboxHandler lists the requests whose current step waits on the reviewer.
func (h *Handlers) InboxHandler(w http.ResponseWriter, r *http.Request) {
	reqs, err := h.engine.RequestsAwaiting(r.Context(), mux.Vars(r)["reviewerId"])
	h.writeList(w, reqs, err)
}

// AuthoredHandler lists the reviewer's own requests that are not approved yet.
func (h *Handlers) AuthoredHandler(w http.ResponseWriter, r *http.Request) {
	reqs, err := h.engine.PendingRequestsFor(r.Context(), mux.Vars(r)["reviewerId"])
	h.writeList(w, reqs, err)
}

// OverdueHandler lists open requests past their due date.
func (h *Handlers) OverdueHandler(w http.ResponseWriter, r *http.Request) {
	reqs, err := h.engine.OverdueRequests(r.Context())
	h.writeList(w, reqs, err)
}

func (h *Handlers) writeList(w http.ResponseWriter, reqs []types.ApprovalRequest, err error) {
	if err != nil {
		h.writeEngineError(w, err)
		return
	}
	if reqs == nil {
		reqs = []types.ApprovalRequest{}
	}
	h.writeJSONResponse(w, http.StatusOK, ListResponse{Requests: reqs, Count: len(reqs)})
}
