// Package api exposes the workflow engine over HTTP.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/songzhibin97/approval-engine/types"
	"github.com/songzhibin97/approval-engine/workflow"
	"go.uber.org/zap"
)

// Actor headers identify the reviewer performing a call. Authentication is
// left to the proxy in front of the service.
const (
	HeaderReviewerID    = "X-Reviewer-ID"
	HeaderReviewerName  = "X-Reviewer-Name"
	HeaderReviewerEmail = "X-Reviewer-Email"
	HeaderReviewerRole  = "X-Reviewer-Role"
)

// Engine is the part of *workflow.WorkflowEngine the API calls.
type Engine interface {
	CreateRequest(ctx context.Context, in workflow.NewRequest) (*types.ApprovalRequest, error)
	GetRequest(ctx context.Context, requestID uint64) (*types.ApprovalRequest, error)
	Approve(ctx context.Context, requestID, stepID uint64, actor types.Reviewer, comment string) (*types.ApprovalRequest, error)
	Reject(ctx context.Context, requestID, stepID uint64, actor types.Reviewer, comment string) (*types.ApprovalRequest, error)
	RequestChanges(ctx context.Context, requestID, stepID uint64, actor types.Reviewer, comment string) (*types.ApprovalRequest, error)
	Skip(ctx context.Context, requestID, stepID uint64, actor types.Reviewer) (*types.ApprovalRequest, error)
	AddComment(ctx context.Context, requestID, stepID uint64, actor types.Reviewer, content string) (*types.ApprovalRequest, error)
	ReassignStep(ctx context.Context, requestID, stepID uint64, actor, assignee types.Reviewer, replaces string) (*types.ApprovalRequest, error)
	AdvanceStep(ctx context.Context, requestID uint64, actor types.Reviewer) (*types.ApprovalRequest, error)
	PendingRequestsFor(ctx context.Context, reviewerID string) ([]types.ApprovalRequest, error)
	RequestsAwaiting(ctx context.Context, reviewerID string) ([]types.ApprovalRequest, error)
	OverdueRequests(ctx context.Context) ([]types.ApprovalRequest, error)
}

// Handlers serves the approval API.
type Handlers struct {
	engine     Engine
	logger     *zap.Logger
	gatherer   prometheus.Gatherer
	retryAfter time.Duration
}

// Option configures Handlers.
type Option func(*Handlers)

// WithLogger sets the access and error logger.
func WithLogger(logger *zap.Logger) Option {
	return func(h *Handlers) {
		if logger != nil {
			h.logger = logger
		}
	}
}

// WithGatherer serves the gatherer's metrics on /metrics.
func WithGatherer(g prometheus.Gatherer) Option {
	return func(h *Handlers) {
		h.gatherer = g
	}
}

// WithRetryAfter sets the Retry-After hint sent with concurrency conflicts.
func WithRetryAfter(d time.Duration) Option {
	return func(h *Handlers) {
		if d > 0 {
			h.retryAfter = d
		}
	}
}

// NewHandlers creates the API handlers for engine.
func NewHandlers(engine Engine, opts ...Option) *Handlers {
	h := &Handlers{
		engine:     engine,
		logger:     zap.NewNop(),
		retryAfter: time.Second,
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Router builds a router with every route registered.
func (h *Handlers) Router() *mux.Router {
	router := mux.NewRouter()
	h.RegisterRoutes(router)
	return router
}

// RegisterRoutes registers the API routes on router.
func (h *Handlers) RegisterRoutes(router *mux.Router) {
	router.Use(h.logRequests)

	router.HandleFunc("/healthz", h.HealthHandler).Methods("GET")
	if h.gatherer != nil {
		router.Handle("/metrics", promhttp.HandlerFor(h.gatherer, promhttp.HandlerOpts{})).Methods("GET")
	}

	api := router.PathPrefix("/v1").Subrouter()
	api.HandleFunc("/requests", h.CreateRequestHandler).Methods("POST")
	api.HandleFunc("/requests/overdue", h.OverdueHandler).Methods("GET")
	api.HandleFunc("/requests/{requestId:[0-9]+}", h.GetRequestHandler).Methods("GET")
	api.HandleFunc("/requests/{requestId:[0-9]+}/advance", h.AdvanceHandler).Methods("POST")
	api.HandleFunc("/requests/{requestId:[0-9]+}/steps/{stepId:[0-9]+}/approve", h.ApproveHandler).Methods("POST")
	api.HandleFunc("/requests/{requestId:[0-9]+}/steps/{stepId:[0-9]+}/reject", h.RejectHandler).Methods("POST")
	api.HandleFunc("/requests/{requestId:[0-9]+}/steps/{stepId:[0-9]+}/request-changes", h.RequestChangesHandler).Methods("POST")
	api.HandleFunc("/requests/{requestId:[0-9]+}/steps/{stepId:[0-9]+}/skip", h.SkipHandler).Methods("POST")
	api.HandleFunc("/requests/{requestId:[0-9]+}/steps/{stepId:[0-9]+}/comments", h.CommentHandler).Methods("POST")
	api.HandleFunc("/requests/{requestId:[0-9]+}/steps/{stepId:[0-9]+}/reassign", h.ReassignHandler).Methods("POST")
	api.HandleFunc("/reviewers/{reviewerId}/inbox", h.InboxHandler).Methods("GET")
	api.HandleFunc("/reviewers/{reviewerId}/requests", h.AuthoredHandler).Methods("GET")
}

// HealthHandler reports liveness.
func (h *Handlers) HealthHandler(w http.ResponseWriter, r *http.Request) {
	h.writeJSONResponse(w, http.StatusOK, map[string]string{"status": "ok"})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (s *statusRecorder) WriteHeader(status int) {
	s.status = status
	s.ResponseWriter.WriteHeader(status)
}

func (h *Handlers) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		h.logger.Debug("http request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.String("reviewer", r.Header.Get(HeaderReviewerID)),
			zap.Int("status", rec.status),
			zap.Duration("duration", time.Since(start)))
	})
}

// actor reads the acting reviewer from the request headers.
func actor(r *http.Request) (types.Reviewer, bool) {
	id := strings.TrimSpace(r.Header.Get(HeaderReviewerID))
	if id == "" {
		return types.Reviewer{}, false
	}
	return types.Reviewer{
		ID:    id,
		Name:  r.Header.Get(HeaderReviewerName),
		Email: r.Header.Get(HeaderReviewerEmail),
		Role:  r.Header.Get(HeaderReviewerRole),
	}, true
}

func pathID(r *http.Request, name string) (uint64, error) {
	return strconv.ParseUint(mux.Vars(r)[name], 10, 64)
}

func (h *Handlers) writeJSONResponse(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		h.logger.Warn("failed to encode response", zap.Error(err))
	}
}

func (h *Handlers) writeErrorResponse(w http.ResponseWriter, status int, code, message string) {
	h.writeJSONResponse(w, status, map[string]interface{}{
		"error":             code,
		"error_description": message,
		"status":            status,
		"timestamp":         time.Now().Unix(),
	})
}

// writeEngineError maps the engine's error taxonomy onto HTTP statuses.
func (h *Handlers) writeEngineError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, workflow.ErrNotFound):
		h.writeErrorResponse(w, http.StatusNotFound, "not_found", err.Error())
	case errors.Is(err, workflow.ErrInvalidTransition):
		h.writeErrorResponse(w, http.StatusConflict, "invalid_transition", err.Error())
	case errors.Is(err, workflow.ErrUnauthorized):
		h.writeErrorResponse(w, http.StatusForbidden, "unauthorized", err.Error())
	case errors.Is(err, workflow.ErrValidation):
		h.writeErrorResponse(w, http.StatusBadRequest, "validation_failed", err.Error())
	case workflow.IsRetryable(err):
		w.Header().Set("Retry-After", strconv.Itoa(int((h.retryAfter+time.Second-1)/time.Second)))
		h.writeErrorResponse(w, http.StatusServiceUnavailable, "concurrency_conflict", err.Error())
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		h.writeErrorResponse(w, http.StatusServiceUnavailable, "cancelled", err.Error())
	default:
		h.logger.Error("engine call failed", zap.Error(err))
		h.writeErrorResponse(w, http.StatusInternalServerError, "internal_error", "internal error")
	}
}
