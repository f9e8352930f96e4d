package epic

import "fmt"

// DefaultStepEstimate is the fallback cost estimate for a step whose spec
// does not declare one. Estimation must stay deterministic for identical
// inputs, so no randomness or clock reads belong here.
const DefaultStepEstimate = 1.0

// CostLedger is the running account of estimated vs. actual spend for one
// epic against a fixed budget. It is created with the epic and mutated only
// by the engine; Spent is monotonically non-decreasing.
type CostLedger struct {
	Limit     float64            `json:"limit"`
	Spent     float64            `json:"spent"`
	Estimates map[string]float64 `json:"per_step_estimates,omitempty"`
	Actuals   map[string]float64 `json:"per_step_actuals,omitempty"`
}

// NewCostLedger creates a ledger with the given budget limit.
func NewCostLedger(limit float64) CostLedger {
	return CostLedger{
		Limit:     limit,
		Estimates: map[string]float64{},
		Actuals:   map[string]float64{},
	}
}

// Clone returns a deep copy of the ledger.
func (l CostLedger) Clone() CostLedger {
	clone := l
	clone.Estimates = make(map[string]float64, len(l.Estimates))
	for k, v := range l.Estimates {
		clone.Estimates[k] = v
	}
	clone.Actuals = make(map[string]float64, len(l.Actuals))
	for k, v := range l.Actuals {
		clone.Actuals[k] = v
	}
	return clone
}

// Estimate returns the deterministic cost estimate for a step and records it
// in the ledger.
func (l *CostLedger) Estimate(spec StepSpec) float64 {
	estimate := spec.EstimatedCost
	if estimate <= 0 {
		estimate = DefaultStepEstimate
	}
	if l.Estimates == nil {
		l.Estimates = map[string]float64{}
	}
	l.Estimates[spec.ID] = estimate
	return estimate
}

// WouldExceed reports whether committing the given estimate on top of current
// spend would break the budget. This is the pre-check that gates dispatch.
func (l *CostLedger) WouldExceed(estimate float64) bool {
	return l.Spent+estimate > l.Limit
}

// Remaining returns the unspent budget.
func (l *CostLedger) Remaining() float64 {
	return l.Limit - l.Spent
}

// Commit records the actual cost of a completed step. The dispatch pre-check
// should make an over-limit commit unreachable; if it happens anyway the
// commit is refused and the error wraps ErrBudgetExceeded so the engine can
// fail the epic loudly.
func (l *CostLedger) Commit(stepID string, actual float64) error {
	if actual < 0 {
		return fmt.Errorf("%w: negative cost %v for step %q", ErrInvariantViolation, actual, stepID)
	}
	if l.Spent+actual > l.Limit {
		return fmt.Errorf("%w: committing %v for step %q would raise spend to %v (limit %v)",
			ErrBudgetExceeded, actual, stepID, l.Spent+actual, l.Limit)
	}
	l.Spent += actual
	if l.Actuals == nil {
		l.Actuals = map[string]float64{}
	}
	l.Actuals[stepID] += actual
	return nil
}
