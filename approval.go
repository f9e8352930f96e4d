package epic

import "time"

// ApprovalReason classifies why an epic is gated on an external decision
type ApprovalReason string

const (
	ApprovalReasonBreakingChange ApprovalReason = "breaking_change"
	ApprovalReasonBudgetOverrun  ApprovalReason = "budget_overrun"
	ApprovalReasonScopeChange    ApprovalReason = "scope_change"
	ApprovalReasonManual         ApprovalReason = "manual"
)

// ApprovalDecision is the resolution recorded for an approval request
type ApprovalDecision string

const (
	DecisionApproved ApprovalDecision = "approved"
	DecisionRejected ApprovalDecision = "rejected"
)

// ApprovalStatus is the observable state of an approval request. Timeouts are
// evaluated lazily at poll time, so a request past its deadline reads as
// timed_out without any background work.
type ApprovalStatus string

const (
	ApprovalPending  ApprovalStatus = "pending"
	ApprovalApproved ApprovalStatus = "approved"
	ApprovalRejected ApprovalStatus = "rejected"
	ApprovalTimedOut ApprovalStatus = "timed_out"
)

// ApprovalRequest suspends an epic until an external actor decides it, or its
// deadline passes. A request is resolved exactly once.
type ApprovalRequest struct {
	ID        string           `json:"request_id"`
	EpicID    string           `json:"epic_id"`
	StepID    string           `json:"step_id,omitempty"`
	Reason    ApprovalReason   `json:"reason"`
	Detail    string           `json:"detail,omitempty"`
	CreatedAt time.Time        `json:"created_at"`
	TimeoutAt time.Time        `json:"timeout_at"`
	Decision  ApprovalDecision `json:"decision,omitempty"`
	DecidedAt time.Time        `json:"decided_at,omitempty"`
}

// StatusAt returns the request status as observed at the given time. A
// decision recorded before the deadline wins; otherwise passing the deadline
// reads as timed_out, which callers treat as a rejection.
func (r *ApprovalRequest) StatusAt(now time.Time) ApprovalStatus {
	switch r.Decision {
	case DecisionApproved:
		return ApprovalApproved
	case DecisionRejected:
		return ApprovalRejected
	}
	if !r.TimeoutAt.IsZero() && now.After(r.TimeoutAt) {
		return ApprovalTimedOut
	}
	return ApprovalPending
}

// Resolved returns true once a decision has been recorded.
func (r *ApprovalRequest) Resolved() bool {
	return r.Decision != ""
}
