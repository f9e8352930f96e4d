package epic

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestCostLedgerEstimate(t *testing.T) {
	ledger := NewCostLedger(10)

	estimate := ledger.Estimate(StepSpec{ID: "analyze", EstimatedCost: 2.5})
	require.Equal(t, 2.5, estimate)
	require.Equal(t, 2.5, ledger.Estimates["analyze"])

	// Estimation is deterministic for identical inputs.
	require.Equal(t, estimate, ledger.Estimate(StepSpec{ID: "analyze", EstimatedCost: 2.5}))

	// Steps with no declared estimate fall back to the default.
	require.Equal(t, DefaultStepEstimate, ledger.Estimate(StepSpec{ID: "unsized"}))
}

func TestCostLedgerWouldExceed(t *testing.T) {
	ledger := NewCostLedger(10)
	require.NoError(t, ledger.Commit("step-1", 6))

	require.False(t, ledger.WouldExceed(4))
	require.True(t, ledger.WouldExceed(7))
	require.Equal(t, 4.0, ledger.Remaining())
}

func TestCostLedgerCommit(t *testing.T) {
	ledger := NewCostLedger(10)

	require.NoError(t, ledger.Commit("step-1", 6))
	require.Equal(t, 6.0, ledger.Spent)
	require.Equal(t, 6.0, ledger.Actuals["step-1"])

	// Spend is monotonically non-decreasing and capped at the limit.
	err := ledger.Commit("step-2", 7)
	require.ErrorIs(t, err, ErrBudgetExceeded)
	require.Equal(t, 6.0, ledger.Spent)

	err = ledger.Commit("step-2", -1)
	require.ErrorIs(t, err, ErrInvariantViolation)

	require.NoError(t, ledger.Commit("step-2", 4))
	require.Equal(t, 10.0, ledger.Spent)
}
