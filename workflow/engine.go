package workflow

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/songzhibin97/approval-engine/events"
	"github.com/songzhibin97/approval-engine/query"
	"github.com/songzhibin97/approval-engine/rules"
	"github.com/songzhibin97/approval-engine/storage"
	"github.com/songzhibin97/approval-engine/types"
	"github.com/songzhibin97/gkit/generator"
	"go.uber.org/zap"
)

// DefaultLockTimeout bounds how long an operation waits for another
// operation on the same request to finish.
const DefaultLockTimeout = 2 * time.Second

// Policy switches between the engine's documented behaviour variants.
type Policy struct {
	// AutoAdvance moves the current-step pointer forward when the current
	// step is approved or skipped. Unlike a single-step increment, it also
	// passes later steps that were already approved or skipped out of order,
	// stopping at the first open step or the last step. When false, callers
	// use AdvanceStep.
	AutoAdvance bool

	// StrictQuorum completes a step only after RequiredReviewers distinct
	// assigned reviewers approved it. When false, the first approval completes it.
	StrictQuorum bool

	// ConflictRetries is how many times the engine reloads and reapplies an
	// operation after a storage version conflict before reporting it.
	ConflictRetries int
}

// DefaultPolicy auto-advances and completes a step on its first approval.
func DefaultPolicy() Policy {
	return Policy{AutoAdvance: true}
}

// Option configures a WorkflowEngine.
type Option func(*WorkflowEngine)

// WithPolicy sets the transition policy.
func WithPolicy(p Policy) Option {
	return func(e *WorkflowEngine) {
		e.policy = p
	}
}

// WithLogger sets the structured logger.
func WithLogger(logger *zap.Logger) Option {
	return func(e *WorkflowEngine) {
		if logger != nil {
			e.logger = logger
		}
	}
}

// WithNotifier adds a notifier that receives every event next to the internal bus.
func WithNotifier(n events.Notifier) Option {
	return func(e *WorkflowEngine) {
		if n != nil {
			e.notifiers = append(e.notifiers, n)
		}
	}
}

// WithClock replaces time.Now, mostly for tests.
func WithClock(now func() time.Time) Option {
	return func(e *WorkflowEngine) {
		if now != nil {
			e.now = now
		}
	}
}

// WithLockTimeout bounds the wait for the per-request lock.
func WithLockTimeout(d time.Duration) Option {
	return func(e *WorkflowEngine) {
		if d > 0 {
			e.lockTimeout = d
		}
	}
}

// WithMetrics records operation metrics.
func WithMetrics(m *Metrics) Option {
	return func(e *WorkflowEngine) {
		e.metrics = m
	}
}

// WithEvaluator sets the evaluator for auto-approve conditions.
func WithEvaluator(ev rules.Evaluator) Option {
	return func(e *WorkflowEngine) {
		if ev != nil {
			e.evaluator = ev
		}
	}
}

// WithEventBusOptions configures the engine's event bus, e.g. its buffer
// size or handler error callback.
func WithEventBusOptions(opts ...events.EventBusOption) Option {
	return func(e *WorkflowEngine) {
		e.busOptions = append(e.busOptions, opts...)
	}
}

// WorkflowEngine owns every mutation of approval requests.
type WorkflowEngine struct {
	storage     storage.Storage
	eventBus    *events.EventBus
	busOptions  []events.EventBusOption
	notifiers   []events.Notifier
	evaluator   rules.Evaluator
	generate    generator.Generator
	guards      map[types.StepType][]Guard
	mu          sync.RWMutex
	locks       *requestLocker
	policy      Policy
	lockTimeout time.Duration
	now         func() time.Time
	logger      *zap.Logger
	metrics     *Metrics
}

// NewWorkflowEngine creates a new WorkflowEngine with the given ID generator and storage.
// A nil store falls back to an in-memory store.
func NewWorkflowEngine(generate generator.Generator, store storage.Storage, opts ...Option) (*WorkflowEngine, error) {
	if generate == nil {
		return nil, errors.New("generator is required")
	}

	if store == nil {
		store = storage.NewMemoryStorage()
	}

	e := &WorkflowEngine{
		storage:     store,
		evaluator:   rules.NewExprEvaluator(),
		generate:    generate,
		guards:      make(map[types.StepType][]Guard),
		locks:       newRequestLocker(),
		policy:      DefaultPolicy(),
		lockTimeout: DefaultLockTimeout,
		now:         func() time.Time { return time.Now().UTC() },
		logger:      zap.NewNop(),
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.policy.ConflictRetries < 0 {
		return nil, errors.New("conflict retries cannot be negative")
	}
	e.eventBus = events.NewEventBus(append([]events.EventBusOption{events.WithLogger(e.logger)}, e.busOptions...)...)
	return e, nil
}

// SubscribeEvent subscribes an event handler to a specific event type.
func (e *WorkflowEngine) SubscribeEvent(eventType string, handler events.EventHandler) {
	e.eventBus.Subscribe(eventType, handler)
}

// UnsubscribeEvent removes a handler added with SubscribeEvent.
func (e *WorkflowEngine) UnsubscribeEvent(eventType string, handler events.EventHandler) bool {
	return e.eventBus.Unsubscribe(eventType, handler)
}

// Policy returns the active transition policy.
func (e *WorkflowEngine) Policy() Policy {
	return e.policy
}

// GenerateID generates a unique ID using the configured generator.
func (e *WorkflowEngine) GenerateID() (uint64, error) {
	id, err := e.generate.NextID()
	if err != nil {
		return 0, fmt.Errorf("failed to generate ID: %w", err)
	}
	return id, nil
}

// NewStep describes one step of a request to be created.
type NewStep struct {
	Name                 string
	Type                 types.StepType
	RequiredReviewers    int
	Reviewers            []types.Reviewer
	CanSkip              bool
	AutoApproveAfter     time.Duration
	AutoApproveCondition string
}

// NewRequest describes a request to be created.
type NewRequest struct {
	Content   types.ContentRef
	Requester types.Reviewer
	Priority  types.Priority
	DueDate   *time.Time
	Steps     []NewStep
}

// CreateRequest validates and persists a new request with every step pending
// and the pointer on the first step.
func (e *WorkflowEngine) CreateRequest(ctx context.Context, in NewRequest) (result *types.ApprovalRequest, err error) {
	start := time.Now()
	defer func() { e.metrics.observe(string(OpCreate), start, err) }()

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
	}

	now := e.now()
	id, err := e.GenerateID()
	if err != nil {
		return nil, err
	}

	priority := in.Priority
	if priority == "" {
		priority = types.PriorityNormal
	}

	req := types.ApprovalRequest{
		ID:        id,
		Content:   in.Content,
		Status:    types.RequestPending,
		Requester: in.Requester,
		CreatedAt: now,
		UpdatedAt: now,
		Priority:  priority,
		DueDate:   in.DueDate,
		Steps:     make([]types.ApprovalStep, 0, len(in.Steps)),
		Version:   1,
	}
	for i, s := range in.Steps {
		stepID, err := e.GenerateID()
		if err != nil {
			return nil, err
		}
		req.Steps = append(req.Steps, types.ApprovalStep{
			ID:                   stepID,
			Name:                 s.Name,
			Type:                 s.Type,
			Order:                i,
			RequiredReviewers:    s.RequiredReviewers,
			Reviewers:            append([]types.Reviewer(nil), s.Reviewers...),
			Status:               types.StepPending,
			CanSkip:              s.CanSkip,
			AutoApproveAfter:     s.AutoApproveAfter,
			AutoApproveCondition: strings.TrimSpace(s.AutoApproveCondition),
		})
	}

	if err := types.ValidateRequest(req); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrValidation, err)
	}
	if err := e.checkConditions(req, now); err != nil {
		return nil, err
	}
	activated := now
	req.Steps[0].ActivatedAt = &activated

	if err := e.save(ctx, req); err != nil {
		return nil, err
	}

	event := events.NewEvent(events.TypeRequestCreated, req.ID, req.Requester, now)
	event.NewStatus = req.Status
	e.notify(ctx, event)

	e.logger.Info("approval request created",
		zap.Uint64("request_id", req.ID),
		zap.String("content_id", req.Content.ID),
		zap.Int("steps", len(req.Steps)))
	return &req, nil
}

// compiler is implemented by evaluators that can check an expression up front.
type compiler interface {
	Compile(expression string, env map[string]interface{}) error
}

func (e *WorkflowEngine) checkConditions(req types.ApprovalRequest, now time.Time) error {
	for i, s := range req.Steps {
		if s.AutoApproveCondition == "" {
			continue
		}
		if s.AutoApproveAfter == 0 {
			return validation("step %d (%s): auto-approve condition without auto-approve duration", i, s.Name)
		}
		c, ok := e.evaluator.(compiler)
		if !ok {
			continue
		}
		if err := c.Compile(s.AutoApproveCondition, rules.AutoApproveEnv(req, s, now)); err != nil {
			return validation("step %d (%s): auto-approve condition: %v", i, s.Name, err)
		}
	}
	return nil
}

// change is what a mutation reports back for the emitted event.
type change struct {
	eventType string
	stepID    uint64
	data      map[string]interface{}
}

// mutation edits a loaded request in place. It must validate before
// touching req; a returned error discards every edit.
type mutation func(req *types.ApprovalRequest, now time.Time) (change, error)

// mutate runs fn as one transaction on the request: lock, load, validate and
// apply, derive status, persist. The event is delivered after the lock is
// released, so a slow notifier never holds up other operations on the request.
func (e *WorkflowEngine) mutate(ctx context.Context, op Operation, requestID uint64, actor types.Reviewer, fn mutation) (result *types.ApprovalRequest, err error) {
	start := time.Now()
	defer func() { e.metrics.observe(string(op), start, err) }()

	for attempt := 0; ; attempt++ {
		var event events.Event
		result, event, err = e.mutateOnce(ctx, op, requestID, actor, fn)
		if err == nil {
			e.notify(ctx, event)
			return result, nil
		}
		if !IsRetryable(err) || errors.Is(err, ErrLockTimeout) || attempt >= e.policy.ConflictRetries {
			return nil, err
		}
		e.logger.Debug("retrying after version conflict",
			zap.String("op", string(op)),
			zap.Uint64("request_id", requestID),
			zap.Int("attempt", attempt+1))
	}
}

func (e *WorkflowEngine) mutateOnce(ctx context.Context, op Operation, requestID uint64, actor types.Reviewer, fn mutation) (*types.ApprovalRequest, events.Event, error) {
	unlock, err := e.locks.lock(ctx, requestID, e.lockTimeout)
	if err != nil {
		if errors.Is(err, ErrLockTimeout) {
			e.logger.Warn("request lock contention",
				zap.String("op", string(op)),
				zap.Uint64("request_id", requestID),
				zap.Duration("timeout", e.lockTimeout))
		}
		return nil, events.Event{}, err
	}
	defer unlock()

	req, err := e.load(ctx, requestID)
	if err != nil {
		return nil, events.Event{}, err
	}
	if req.Status.IsTerminal() {
		return nil, events.Event{}, invalidTransition("request %d is already %s", req.ID, req.Status)
	}

	now := e.now()
	previous := req.Status
	c, err := fn(&req, now)
	if err != nil {
		return nil, events.Event{}, err
	}

	req.Status = types.DeriveStatus(req.Steps)
	if req.Status.IsTerminal() {
		done := now
		req.CompletedAt = &done
	}
	req.UpdatedAt = now
	req.Version++
	if err := types.CheckInvariants(req); err != nil {
		return nil, events.Event{}, fmt.Errorf("%w: %w", ErrInvalidTransition, err)
	}

	if err := e.save(ctx, req); err != nil {
		return nil, events.Event{}, err
	}

	event := events.NewEvent(c.eventType, req.ID, actor, now)
	event.StepID = c.stepID
	event.PreviousStatus = previous
	event.NewStatus = req.Status
	event.Data = c.data
	if i := req.StepIndex(c.stepID); i >= 0 {
		event.StepStatus = req.Steps[i].Status
	}

	e.logger.Debug("approval request updated",
		zap.String("op", string(op)),
		zap.Uint64("request_id", req.ID),
		zap.Uint64("step_id", c.stepID),
		zap.String("actor", actor.ID),
		zap.String("status", string(req.Status)),
		zap.Int("current_step", req.CurrentStepIndex))
	return &req, event, nil
}

func (e *WorkflowEngine) load(ctx context.Context, requestID uint64) (types.ApprovalRequest, error) {
	req, err := e.storage.Load(ctx, requestID)
	if errors.Is(err, storage.ErrRequestNotFound) {
		return types.ApprovalRequest{}, notFound("request %d", requestID)
	}
	if err != nil {
		return types.ApprovalRequest{}, fmt.Errorf("failed to load request %d: %w", requestID, err)
	}
	return req, nil
}

func (e *WorkflowEngine) save(ctx context.Context, req types.ApprovalRequest) error {
	err := e.storage.Save(ctx, req)
	if errors.Is(err, storage.ErrVersionConflict) {
		return fmt.Errorf("%w: %v", ErrConcurrencyConflict, err)
	}
	if err != nil {
		return fmt.Errorf("failed to save request %d: %w", req.ID, err)
	}
	return nil
}

// notify delivers the event without affecting the outcome of the operation.
func (e *WorkflowEngine) notify(ctx context.Context, event events.Event) {
	targets := append([]events.Notifier{e.eventBus}, e.notifiers...)
	for _, n := range targets {
		if err := n.Notify(ctx, event); err != nil {
			e.logger.Warn("event notification failed",
				zap.String("event_id", event.ID),
				zap.String("event_type", event.Type),
				zap.Uint64("request_id", event.RequestID),
				zap.Error(err))
		}
	}
}

// GetRequest retrieves an approval request by ID.
func (e *WorkflowEngine) GetRequest(ctx context.Context, requestID uint64) (*types.ApprovalRequest, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
		req, err := e.load(ctx, requestID)
		if err != nil {
			return nil, err
		}
		return &req, nil
	}
}

// PendingRequestsFor lists the requests authored by reviewerID that are not yet approved.
func (e *WorkflowEngine) PendingRequestsFor(ctx context.Context, reviewerID string) ([]types.ApprovalRequest, error) {
	all, err := e.storage.List(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list requests: %w", err)
	}
	return query.PendingRequestsFor(all, reviewerID), nil
}

// RequestsAwaiting lists the requests whose current step waits on reviewerID.
func (e *WorkflowEngine) RequestsAwaiting(ctx context.Context, reviewerID string) ([]types.ApprovalRequest, error) {
	all, err := e.storage.List(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list requests: %w", err)
	}
	return query.RequestsAwaiting(all, reviewerID), nil
}

// OverdueRequests lists the open requests whose due date has passed.
func (e *WorkflowEngine) OverdueRequests(ctx context.Context) ([]types.ApprovalRequest, error) {
	all, err := e.storage.List(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list requests: %w", err)
	}
	return query.OverdueRequests(all, e.now()), nil
}

// Stop gracefully stops the workflow engine, flushing queued events.
func (e *WorkflowEngine) Stop(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
		e.eventBus.Stop()
		return nil
	}
}
