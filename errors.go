package epic

import "errors"

var (
	// ErrEpicNotFound indicates an unknown epic id.
	ErrEpicNotFound = errors.New("epic not found")

	// ErrUnroutable indicates the planner could not map a request to any
	// workflow steps. Epics fail in planning with no side effects.
	ErrUnroutable = errors.New("request is unroutable")

	// ErrTerminalPhase indicates an operation that is invalid once an epic
	// has reached complete, failed or cancelled.
	ErrTerminalPhase = errors.New("epic is in a terminal phase")

	// ErrApprovalNotFound indicates an unknown approval request id.
	ErrApprovalNotFound = errors.New("approval request not found")

	// ErrApprovalConflict indicates a repeated decision that contradicts the
	// one already recorded. Repeating the same decision is idempotent.
	ErrApprovalConflict = errors.New("conflicting approval decision")

	// ErrBudgetExceeded indicates a commit that would push spend past the
	// ledger limit. The engine's pre-checks make this unreachable in normal
	// operation, so observing it is an invariant violation.
	ErrBudgetExceeded = errors.New("cost ledger budget exceeded")

	// ErrRollbackFailed indicates external state could not be restored to a
	// snapshot. Fatal for the epic and never silently ignored.
	ErrRollbackFailed = errors.New("rollback failed")

	// ErrSnapshotNotFound indicates an unknown snapshot id.
	ErrSnapshotNotFound = errors.New("snapshot not found")

	// ErrInvariantViolation flags a state machine inconsistency that should
	// be unreachable, such as an illegal phase transition.
	ErrInvariantViolation = errors.New("invariant violation")
)
