package epic

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestPhaseTransitions(t *testing.T) {
	tests := []struct {
		name    string
		from    Phase
		to      Phase
		allowed bool
	}{
		{name: "planning to executing", from: PhasePlanning, to: PhaseExecuting, allowed: true},
		{name: "planning to failed", from: PhasePlanning, to: PhaseFailed, allowed: true},
		{name: "planning to reviewing", from: PhasePlanning, to: PhaseReviewing, allowed: false},
		{name: "executing to awaiting approval", from: PhaseExecuting, to: PhaseAwaitingApproval, allowed: true},
		{name: "executing to reviewing", from: PhaseExecuting, to: PhaseReviewing, allowed: true},
		{name: "executing to complete", from: PhaseExecuting, to: PhaseComplete, allowed: false},
		{name: "awaiting approval back to executing", from: PhaseAwaitingApproval, to: PhaseExecuting, allowed: true},
		{name: "awaiting approval to replan", from: PhaseAwaitingApproval, to: PhasePlanning, allowed: true},
		{name: "awaiting approval to complete", from: PhaseAwaitingApproval, to: PhaseComplete, allowed: false},
		{name: "reviewing to complete", from: PhaseReviewing, to: PhaseComplete, allowed: true},
		{name: "any to cancelled", from: PhaseExecuting, to: PhaseCancelled, allowed: true},
		{name: "terminal phases are final", from: PhaseComplete, to: PhaseExecuting, allowed: false},
		{name: "cancelled cannot be cancelled again", from: PhaseCancelled, to: PhaseCancelled, allowed: false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			require.Equal(t, tt.allowed, CanTransition(tt.from, tt.to))
		})
	}
}

func TestPhaseTerminal(t *testing.T) {
	require.True(t, PhaseComplete.Terminal())
	require.True(t, PhaseFailed.Terminal())
	require.True(t, PhaseCancelled.Terminal())
	require.False(t, PhasePlanning.Terminal())
	require.False(t, PhaseAwaitingApproval.Terminal())
}

func TestEpicStateClone(t *testing.T) {
	state := &EpicState{
		ID:           "epic-1",
		Request:      "refactor the billing module",
		Phase:        PhaseExecuting,
		PlannedSteps: []PlanStep{{StepID: "analyze"}, {StepID: "apply"}},
		CompletedSteps: []StepResult{{
			StepID:  "analyze",
			Outcome: StepOutcomeSuccess,
			Output:  map[string]interface{}{"files": 3},
		}},
		Ledger:          NewCostLedger(10),
		PendingApproval: &ApprovalRequest{ID: "apr-1", EpicID: "epic-1"},
		ApprovedSteps:   []string{"apply"},
		SnapshotSteps:   []string{"apply"},
	}
	state.Ledger.Estimates["analyze"] = 2

	clone := state.Clone()
	require.Equal(t, state, clone)

	// Mutating the clone must not leak into the original.
	clone.PlannedSteps[0].StepID = "changed"
	clone.CompletedSteps[0].Output["files"] = 99
	clone.Ledger.Estimates["analyze"] = 5
	clone.PendingApproval.Decision = DecisionApproved
	clone.ApprovedSteps[0] = "changed"
	clone.SnapshotSteps[0] = "changed"

	require.Equal(t, "analyze", state.PlannedSteps[0].StepID)
	require.Equal(t, 3, state.CompletedSteps[0].Output["files"])
	require.Equal(t, 2.0, state.Ledger.Estimates["analyze"])
	require.False(t, state.PendingApproval.Resolved())
	require.Equal(t, "apply", state.ApprovedSteps[0])
	require.Equal(t, "apply", state.SnapshotSteps[0])
}

func TestApprovalRequestStatusAt(t *testing.T) {
	now := time.Now()
	request := &ApprovalRequest{
		ID:        "apr-1",
		EpicID:    "epic-1",
		Reason:    ApprovalReasonBudgetOverrun,
		CreatedAt: now,
		TimeoutAt: now.Add(time.Hour),
	}
	require.Equal(t, ApprovalPending, request.StatusAt(now))
	require.Equal(t, ApprovalTimedOut, request.StatusAt(now.Add(2*time.Hour)))

	request.Decision = DecisionApproved
	require.Equal(t, ApprovalApproved, request.StatusAt(now))

	// A decision recorded in time still reads as decided after the deadline.
	require.Equal(t, ApprovalApproved, request.StatusAt(now.Add(2*time.Hour)))

	request.Decision = DecisionRejected
	require.Equal(t, ApprovalRejected, request.StatusAt(now))
}

func TestNewID(t *testing.T) {
	a := NewID("epic")
	b := NewID("epic")
	require.NotEqual(t, a, b)
	require.Contains(t, a, "epic-")
}
