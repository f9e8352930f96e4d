package epic

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Phase indicates where an epic is in its lifecycle
type Phase string

const (
	PhasePlanning         Phase = "planning"
	PhaseExecuting        Phase = "executing"
	PhaseAwaitingApproval Phase = "awaiting_approval"
	PhaseReviewing        Phase = "reviewing"
	PhaseComplete         Phase = "complete"
	PhaseFailed           Phase = "failed"
	PhaseCancelled        Phase = "cancelled"
)

// Terminal returns true if no further transitions are possible from this phase.
func (p Phase) Terminal() bool {
	switch p {
	case PhaseComplete, PhaseFailed, PhaseCancelled:
		return true
	}
	return false
}

// Valid returns true if p is one of the defined phases.
func (p Phase) Valid() bool {
	switch p {
	case PhasePlanning, PhaseExecuting, PhaseAwaitingApproval,
		PhaseReviewing, PhaseComplete, PhaseFailed, PhaseCancelled:
		return true
	}
	return false
}

// phaseEdges is the allowed transition table. Cancellation is valid from any
// non-terminal phase and is handled separately in CanTransition.
var phaseEdges = map[Phase][]Phase{
	PhasePlanning:         {PhaseExecuting, PhaseFailed},
	PhaseExecuting:        {PhaseAwaitingApproval, PhaseReviewing, PhaseFailed},
	PhaseAwaitingApproval: {PhaseExecuting, PhasePlanning, PhaseFailed},
	PhaseReviewing:        {PhaseComplete, PhaseFailed},
}

// CanTransition reports whether the state machine permits moving from one
// phase directly to another.
func CanTransition(from, to Phase) bool {
	if from.Terminal() {
		return false
	}
	if to == PhaseCancelled {
		return true
	}
	for _, next := range phaseEdges[from] {
		if next == to {
			return true
		}
	}
	return false
}

// StepOutcome is the terminal result classification for one executed step
type StepOutcome string

const (
	StepOutcomeSuccess       StepOutcome = "success"
	StepOutcomeFailure       StepOutcome = "failure"
	StepOutcomeNeedsApproval StepOutcome = "needs_approval"
)

// StepResult is an immutable record of one completed step execution.
type StepResult struct {
	StepID      string                 `json:"step_id"`
	StartedAt   time.Time              `json:"started_at"`
	CompletedAt time.Time              `json:"completed_at"`
	Outcome     StepOutcome            `json:"outcome"`
	Cost        float64                `json:"cost"`
	Output      map[string]interface{} `json:"output,omitempty"`
	SnapshotID  string                 `json:"snapshot_id,omitempty"`
}

// PlanStep is one entry in a planner-produced step sequence. Adjacent steps
// marked Parallel form a batch the engine may dispatch concurrently.
type PlanStep struct {
	StepID   string `json:"step_id" yaml:"step_id"`
	Parallel bool   `json:"parallel,omitempty" yaml:"parallel"`
}

// StepSpec configures a workflow step. Specs are configuration, not runtime
// state; they are typically loaded from a catalog file.
type StepSpec struct {
	ID               string         `json:"id" yaml:"id"`
	Description      string         `json:"description,omitempty" yaml:"description"`
	EstimatedCost    float64        `json:"estimated_cost,omitempty" yaml:"estimated_cost"`
	RequiresApproval bool           `json:"requires_approval,omitempty" yaml:"requires_approval"`
	ApprovalReason   ApprovalReason `json:"approval_reason,omitempty" yaml:"approval_reason"`
	Idempotent       bool           `json:"idempotent,omitempty" yaml:"idempotent"`
	Parameters       map[string]any `json:"parameters,omitempty" yaml:"parameters"`
}

// PolicyFlags are per-epic policy choices supplied at submission.
type PolicyFlags struct {
	// AutoApprove resolves approval gates immediately without involving an
	// external actor. Intended for trusted automation and tests.
	AutoApprove bool `json:"auto_approve,omitempty"`

	// ReplanOnRejection returns a rejected epic to the planning phase after
	// rollback instead of failing it. The default (false) fails the epic,
	// which is the safe assumption.
	ReplanOnRejection bool `json:"replan_on_rejection,omitempty"`
}

// EpicState is the aggregate root for one epic. The engine is its only
// writer; everything handed out through Status is a deep copy.
type EpicState struct {
	ID              string           `json:"epic_id"`
	Request         string           `json:"original_request"`
	Phase           Phase            `json:"phase"`
	PlannedSteps    []PlanStep       `json:"planned_steps,omitempty"`
	NextStep        int              `json:"next_step"`
	CurrentStep     string           `json:"current_step,omitempty"`
	CompletedSteps  []StepResult     `json:"completed_steps,omitempty"`
	Ledger          CostLedger       `json:"cost_ledger"`
	PendingApproval *ApprovalRequest `json:"pending_approval,omitempty"`
	ApprovedSteps   []string         `json:"approved_steps,omitempty"`
	LastCheckpoint  int64            `json:"last_checkpoint"`
	InitialSnapshot string           `json:"initial_snapshot_id,omitempty"`
	LastSnapshot    string           `json:"last_snapshot_id,omitempty"`
	SnapshotSteps   []string         `json:"snapshot_steps,omitempty"`
	Policy          PolicyFlags      `json:"policy"`
	ErrorCount      int              `json:"error_count,omitempty"`
	LastError       string           `json:"last_error,omitempty"`
	CancelRequested bool             `json:"cancel_requested,omitempty"`
	CreatedAt       time.Time        `json:"created_at"`
	UpdatedAt       time.Time        `json:"updated_at"`
}

// Clone returns a deep copy of the state.
func (s *EpicState) Clone() *EpicState {
	clone := *s
	clone.PlannedSteps = append([]PlanStep(nil), s.PlannedSteps...)
	clone.CompletedSteps = make([]StepResult, len(s.CompletedSteps))
	for i, r := range s.CompletedSteps {
		clone.CompletedSteps[i] = r
		if r.Output != nil {
			output := make(map[string]interface{}, len(r.Output))
			for k, v := range r.Output {
				output[k] = v
			}
			clone.CompletedSteps[i].Output = output
		}
	}
	clone.ApprovedSteps = append([]string(nil), s.ApprovedSteps...)
	clone.SnapshotSteps = append([]string(nil), s.SnapshotSteps...)
	clone.Ledger = s.Ledger.Clone()
	if s.PendingApproval != nil {
		approval := *s.PendingApproval
		clone.PendingApproval = &approval
	}
	return &clone
}

// Remaining returns the planned steps that have not yet been dispatched.
func (s *EpicState) Remaining() []PlanStep {
	if s.NextStep >= len(s.PlannedSteps) {
		return nil
	}
	return s.PlannedSteps[s.NextStep:]
}

// Snapshot is a durable reference to restorable external state, taken before
// a step runs. Distinct from a checkpoint, which captures orchestration state.
type Snapshot struct {
	ID              string    `json:"snapshot_id"`
	EpicID          string    `json:"epic_id"`
	TakenBeforeStep string    `json:"taken_before_step,omitempty"`
	Ref             string    `json:"ref"`
	CreatedAt       time.Time `json:"created_at"`
}

// Planner maps a natural-language request to an ordered step sequence. The
// engine treats implementations as opaque, possibly slow and unreliable, and
// wraps calls with a timeout and a single retry. An implementation must
// return a non-empty plan or an error wrapping ErrUnroutable.
type Planner interface {
	Plan(ctx context.Context, request string) ([]PlanStep, error)
}

// ExecutionStatus is the coarse state reported by a Workflow Executor for a
// dispatched step.
type ExecutionStatus string

const (
	ExecutionStatusRunning   ExecutionStatus = "running"
	ExecutionStatusSucceeded ExecutionStatus = "succeeded"
	ExecutionStatusFailed    ExecutionStatus = "failed"
)

// ExecutionHandle identifies one in-flight step execution.
type ExecutionHandle struct {
	ID     string `json:"execution_id"`
	StepID string `json:"step_id"`
}

// ExecutionResult is the normalized poll response from the executor.
type ExecutionResult struct {
	Status ExecutionStatus        `json:"status"`
	Output map[string]interface{} `json:"output,omitempty"`
	Cost   float64                `json:"cost,omitempty"`
	Error  string                 `json:"error,omitempty"`
}

// ExecutionContext carries the information a Workflow Executor needs to run
// one step.
type ExecutionContext struct {
	EpicID     string         `json:"epic_id"`
	Request    string         `json:"request"`
	Parameters map[string]any `json:"parameters,omitempty"`
}

// ExecutorClient adapts the external Workflow Executor. Start must not block
// on completion; the engine polls until a terminal status is reported. Stop
// asks an in-flight execution to halt but termination is not assumed to be
// immediate.
type ExecutorClient interface {
	Start(ctx context.Context, stepID string, execCtx ExecutionContext) (*ExecutionHandle, error)
	Poll(ctx context.Context, handle *ExecutionHandle) (*ExecutionResult, error)
	Stop(ctx context.Context, handle *ExecutionHandle) error
}

// NewID returns a collision-resistant identifier with a readable prefix,
// e.g. "epic-2f9a...".
func NewID(prefix string) string {
	return prefix + "-" + uuid.NewString()
}
