package types

import "time"

// StepType is the kind of gate an approval step represents.
type StepType string

const (
	StepTypeReview   StepType = "review"
	StepTypeApproval StepType = "approval"
	StepTypeSignOff  StepType = "sign_off"
	StepTypePublish  StepType = "publish"
	StepTypeCustom   StepType = "custom"
)

// IsValid reports whether t is one of the known step types.
func (t StepType) IsValid() bool {
	switch t {
	case StepTypeReview, StepTypeApproval, StepTypeSignOff, StepTypePublish, StepTypeCustom:
		return true
	}
	return false
}

// StepStatus is the state of a single approval step.
type StepStatus string

const (
	StepPending          StepStatus = "pending"
	StepApproved         StepStatus = "approved"
	StepRejected         StepStatus = "rejected"
	StepChangesRequested StepStatus = "changes_requested"
	StepSkipped          StepStatus = "skipped"
)

// IsValid reports whether s is one of the known step statuses.
func (s StepStatus) IsValid() bool {
	switch s {
	case StepPending, StepApproved, StepRejected, StepChangesRequested, StepSkipped:
		return true
	}
	return false
}

// IsTerminal reports whether no further transition is allowed from s.
func (s StepStatus) IsTerminal() bool {
	switch s {
	case StepApproved, StepRejected, StepSkipped:
		return true
	case StepPending, StepChangesRequested:
		return false
	}
	return false
}

// IsActionable reports whether approve or reject may be applied to a step in status s.
func (s StepStatus) IsActionable() bool {
	return s == StepPending || s == StepChangesRequested
}

// RequestStatus is the derived overall status of an approval request.
type RequestStatus string

const (
	RequestPending    RequestStatus = "pending"
	RequestInProgress RequestStatus = "in_progress"
	RequestApproved   RequestStatus = "approved"
	RequestRejected   RequestStatus = "rejected"
)

// IsTerminal reports whether the request is read-only to the engine.
func (s RequestStatus) IsTerminal() bool {
	return s == RequestApproved || s == RequestRejected
}

// Priority of an approval request.
type Priority string

const (
	PriorityLow    Priority = "low"
	PriorityNormal Priority = "normal"
	PriorityHigh   Priority = "high"
	PriorityUrgent Priority = "urgent"
)

// IsValid reports whether p is one of the known priorities.
func (p Priority) IsValid() bool {
	switch p {
	case PriorityLow, PriorityNormal, PriorityHigh, PriorityUrgent:
		return true
	}
	return false
}

// CommentKind tags an entry in a step's comment log.
type CommentKind string

const (
	CommentKindComment       CommentKind = "comment"
	CommentKindApproval      CommentKind = "approval"
	CommentKindRejection     CommentKind = "rejection"
	CommentKindChangeRequest CommentKind = "change_request"
)

// Reviewer identifies an already-authenticated actor.
type Reviewer struct {
	ID    string `json:"id"`
	Name  string `json:"name"`
	Email string `json:"email,omitempty"`
	Role  string `json:"role,omitempty"`
}

// SystemReviewer is the actor recorded for automatic transitions.
var SystemReviewer = Reviewer{ID: "system", Name: "System", Role: "system"}

// Comment is an immutable entry in a step's comment log.
type Comment struct {
	ID        uint64      `json:"id"`
	Author    Reviewer    `json:"author"`
	Content   string      `json:"content"`
	CreatedAt time.Time   `json:"created_at"`
	Kind      CommentKind `json:"kind"`
}

// ContentRef points at the content item under review.
type ContentRef struct {
	ID    string `json:"id"`
	Title string `json:"title"`
	Type  string `json:"type"`
}

// ApprovalStep is one gate in an approval request.
type ApprovalStep struct {
	ID                uint64     `json:"id"`
	Name              string     `json:"name"`
	Type              StepType   `json:"type"`
	Order             int        `json:"order"`
	RequiredReviewers int        `json:"required_reviewers"`
	Reviewers         []Reviewer `json:"reviewers"`
	Status            StepStatus `json:"status"`
	CompletedBy       *Reviewer  `json:"completed_by,omitempty"`
	CompletedAt       *time.Time `json:"completed_at,omitempty"`
	Comments          []Comment  `json:"comments"`
	CanSkip           bool       `json:"can_skip"`

	// AutoApproveAfter approves the step once it has been current for this long.
	// Zero disables automatic approval.
	AutoApproveAfter time.Duration `json:"auto_approve_after,omitempty"`
	// AutoApproveCondition is an optional boolean expression that must also hold.
	AutoApproveCondition string `json:"auto_approve_condition,omitempty"`

	// Approvals holds the IDs of reviewers who approved under strict quorum.
	Approvals []string `json:"approvals,omitempty"`
	// ActivatedAt is when the step became the request's current step.
	ActivatedAt *time.Time `json:"activated_at,omitempty"`
}

// HasReviewer reports whether reviewerID is assigned to the step.
func (s ApprovalStep) HasReviewer(reviewerID string) bool {
	return s.ReviewerIndex(reviewerID) >= 0
}

// ReviewerIndex returns the position of reviewerID in the assigned set, or -1.
func (s ApprovalStep) ReviewerIndex(reviewerID string) int {
	for i, r := range s.Reviewers {
		if r.ID == reviewerID {
			return i
		}
	}
	return -1
}

// HasApproved reports whether reviewerID already counted towards the quorum.
func (s ApprovalStep) HasApproved(reviewerID string) bool {
	for _, id := range s.Approvals {
		if id == reviewerID {
			return true
		}
	}
	return false
}

// ApprovalRequest is the aggregate tracking one content item through its steps.
type ApprovalRequest struct {
	ID               uint64         `json:"id"`
	Content          ContentRef     `json:"content"`
	Status           RequestStatus  `json:"status"`
	Steps            []ApprovalStep `json:"steps"`
	CurrentStepIndex int            `json:"current_step_index"`
	Requester        Reviewer       `json:"requester"`
	CreatedAt        time.Time      `json:"created_at"`
	UpdatedAt        time.Time      `json:"updated_at"`
	CompletedAt      *time.Time     `json:"completed_at,omitempty"`
	Priority         Priority       `json:"priority"`
	DueDate          *time.Time     `json:"due_date,omitempty"`

	// Version increases by one on every successful save.
	Version uint64 `json:"version"`
}

// StepIndex returns the position of the step with the given ID, or -1.
func (r ApprovalRequest) StepIndex(stepID uint64) int {
	for i, s := range r.Steps {
		if s.ID == stepID {
			return i
		}
	}
	return -1
}

// CurrentStep returns the step the pointer refers to.
func (r ApprovalRequest) CurrentStep() (ApprovalStep, bool) {
	if r.CurrentStepIndex < 0 || r.CurrentStepIndex >= len(r.Steps) {
		return ApprovalStep{}, false
	}
	return r.Steps[r.CurrentStepIndex], true
}

// Clone returns a deep copy that shares no slices or pointers with r.
func (r ApprovalRequest) Clone() ApprovalRequest {
	out := r
	out.CompletedAt = cloneTime(r.CompletedAt)
	out.DueDate = cloneTime(r.DueDate)
	if r.Steps != nil {
		out.Steps = make([]ApprovalStep, len(r.Steps))
		for i, s := range r.Steps {
			out.Steps[i] = s.clone()
		}
	}
	return out
}

func (s ApprovalStep) clone() ApprovalStep {
	out := s
	if s.Reviewers != nil {
		out.Reviewers = append([]Reviewer(nil), s.Reviewers...)
	}
	if s.Comments != nil {
		out.Comments = append([]Comment(nil), s.Comments...)
	}
	if s.Approvals != nil {
		out.Approvals = append([]string(nil), s.Approvals...)
	}
	if s.CompletedBy != nil {
		by := *s.CompletedBy
		out.CompletedBy = &by
	}
	out.CompletedAt = cloneTime(s.CompletedAt)
	out.ActivatedAt = cloneTime(s.ActivatedAt)
	return out
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}
