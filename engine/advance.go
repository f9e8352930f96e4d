package engine

import (
	"context"
	"fmt"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/deepnoodle-ai/epic"
)

// Advance moves one epic forward by at most one scheduling decision:
// consume a planner result, dispatch or poll a step, resolve an approval, or
// finalize. Calling Advance on an epic with work in flight is a no-op poll;
// it never duplicates a dispatch, a step result or a ledger commit.
func (e *Engine) Advance(ctx context.Context, epicID string) error {
	runtime, err := e.runtimeFor(ctx, epicID)
	if err != nil {
		return err
	}
	runtime.mutex.Lock()
	defer runtime.mutex.Unlock()

	switch runtime.state.Phase {
	case epic.PhasePlanning:
		return e.advancePlanning(ctx, runtime)
	case epic.PhaseExecuting:
		return e.advanceExecuting(ctx, runtime)
	case epic.PhaseAwaitingApproval:
		return e.advanceAwaitingApproval(ctx, runtime)
	case epic.PhaseReviewing:
		return e.advanceReviewing(ctx, runtime)
	default:
		// Terminal phases absorb further advances.
		return nil
	}
}

func (e *Engine) advancePlanning(ctx context.Context, runtime *epicRuntime) error {
	state := runtime.state
	if state.CancelRequested {
		return e.finalizeCancel(ctx, runtime)
	}
	steps, err := e.plan(ctx, state.Request)
	if err != nil {
		return e.fail(ctx, state, fmt.Sprintf("planning failed: %v", err))
	}
	for _, step := range steps {
		if _, ok := e.specs.Step(step.StepID); !ok {
			return e.fail(ctx, state, fmt.Sprintf("plan references unknown step %q", step.StepID))
		}
	}
	state.PlannedSteps = steps
	state.NextStep = 0
	if err := e.transition(state, epic.PhaseExecuting); err != nil {
		return err
	}
	if err := e.checkpoint(ctx, state); err != nil {
		return err
	}
	e.logger.Info("plan accepted", "epic_id", state.ID, "steps", len(steps))
	e.publishStatus(ctx, state.ID, "", string(epic.PhaseExecuting))
	return nil
}

func (e *Engine) advanceExecuting(ctx context.Context, runtime *epicRuntime) error {
	state := runtime.state
	if runtime.batch != nil {
		return e.pollBatch(ctx, runtime)
	}
	if runtime.inflight != nil {
		return e.pollStep(ctx, runtime)
	}
	if state.CancelRequested {
		return e.finalizeCancel(ctx, runtime)
	}
	if state.NextStep >= len(state.PlannedSteps) {
		if err := e.transition(state, epic.PhaseReviewing); err != nil {
			return err
		}
		if err := e.checkpoint(ctx, state); err != nil {
			return err
		}
		e.publishStatus(ctx, state.ID, "", string(epic.PhaseReviewing))
		return nil
	}
	if batch := e.batchAt(state); len(batch) > 1 {
		return e.dispatchBatch(ctx, runtime, batch)
	}
	return e.dispatchStep(ctx, runtime, state.PlannedSteps[state.NextStep].StepID)
}

// batchAt returns the contiguous run of parallel-marked steps starting at
// NextStep. A run of one is dispatched sequentially.
func (e *Engine) batchAt(state *epic.EpicState) []epic.PlanStep {
	steps := state.PlannedSteps
	start := state.NextStep
	if !steps[start].Parallel {
		return steps[start : start+1]
	}
	end := start
	for end < len(steps) && steps[end].Parallel {
		end++
	}
	return steps[start:end]
}

// gate runs the pre-dispatch checks for one step: budget, then the step's own
// approval requirement. It returns true when the epic moved to
// awaiting_approval and dispatch must not proceed.
func (e *Engine) gate(ctx context.Context, state *epic.EpicState, stepID string, spec epic.StepSpec, estimate float64) (bool, error) {
	if slices.Contains(state.ApprovedSteps, stepID) {
		return false, nil
	}
	if state.Ledger.WouldExceed(estimate) {
		detail := fmt.Sprintf("step %s is estimated at %.2f but only %.2f of the budget remains",
			stepID, estimate, state.Ledger.Remaining())
		e.publishEvent(ctx, epic.EventCostWarning, state.ID, map[string]interface{}{
			"step_id":   stepID,
			"estimate":  estimate,
			"remaining": state.Ledger.Remaining(),
		})
		if state.Policy.AutoApprove {
			e.logger.Info("budget overrun auto-approved", "epic_id", state.ID, "step_id", stepID)
			state.ApprovedSteps = append(state.ApprovedSteps, stepID)
			return false, nil
		}
		return true, e.raiseApproval(ctx, state, stepID, epic.ApprovalReasonBudgetOverrun, detail)
	}
	if spec.RequiresApproval {
		if state.Policy.AutoApprove {
			e.logger.Info("approval gate auto-approved", "epic_id", state.ID, "step_id", stepID)
			state.ApprovedSteps = append(state.ApprovedSteps, stepID)
			return false, nil
		}
		reason := spec.ApprovalReason
		if reason == "" {
			reason = epic.ApprovalReasonManual
		}
		detail := fmt.Sprintf("step %s requires approval before it runs", stepID)
		return true, e.raiseApproval(ctx, state, stepID, reason, detail)
	}
	return false, nil
}

func (e *Engine) dispatchStep(ctx context.Context, runtime *epicRuntime, stepID string) error {
	state := runtime.state
	spec, ok := e.specs.Step(stepID)
	if !ok {
		return e.fail(ctx, state, fmt.Sprintf("no specification for step %q", stepID))
	}
	estimate := state.Ledger.Estimate(spec)
	gated, err := e.gate(ctx, state, stepID, spec, estimate)
	if err != nil || gated {
		return err
	}
	if err := e.snapshotBefore(ctx, state, stepID, []string{stepID}); err != nil {
		return e.fail(ctx, state, fmt.Sprintf("snapshot before step %s failed: %v", stepID, err))
	}
	handle, err := e.executor.Start(ctx, stepID, epic.ExecutionContext{
		EpicID:     state.ID,
		Request:    state.Request,
		Parameters: spec.Parameters,
	})
	if err != nil {
		return e.handleStepFailure(ctx, runtime, stepID, fmt.Sprintf("dispatch failed: %v", err))
	}
	runtime.inflight = handle
	runtime.started = e.clock()
	state.CurrentStep = stepID
	if err := e.checkpoint(ctx, state); err != nil {
		return err
	}
	e.logger.Info("step dispatched", "epic_id", state.ID, "step_id", stepID, "execution_id", handle.ID)
	e.publishStatus(ctx, state.ID, stepID, "dispatched")
	return nil
}

// snapshotBefore captures external state ahead of a dispatch. The steps the
// capture covers are recorded on the checkpointed state, so a retry of a
// covered step reuses the snapshot taken before its first attempt — including
// after a restart — instead of capturing mid-mutation state.
func (e *Engine) snapshotBefore(ctx context.Context, state *epic.EpicState, label string, covers []string) error {
	if state.LastSnapshot != "" && snapshotCovers(state, covers) {
		return nil
	}
	snap, err := e.snapshots.Snapshot(ctx, state.ID, label)
	if err != nil {
		return err
	}
	if state.InitialSnapshot == "" {
		state.InitialSnapshot = snap.ID
	}
	state.LastSnapshot = snap.ID
	state.SnapshotSteps = append([]string(nil), covers...)
	return nil
}

func snapshotCovers(state *epic.EpicState, stepIDs []string) bool {
	for _, id := range stepIDs {
		if !slices.Contains(state.SnapshotSteps, id) {
			return false
		}
	}
	return true
}

func (e *Engine) pollStep(ctx context.Context, runtime *epicRuntime) error {
	state := runtime.state
	stepID := runtime.inflight.StepID
	result, err := e.executor.Poll(ctx, runtime.inflight)
	if err != nil {
		// Transient; the handle stays and the next advance polls again.
		e.logger.Warn("poll failed", "epic_id", state.ID, "step_id", stepID, "error", err)
		return nil
	}
	switch result.Status {
	case epic.ExecutionStatusRunning:
		// Re-polling a running step changes nothing.
		return nil
	case epic.ExecutionStatusSucceeded:
		return e.commitStep(ctx, runtime, result)
	case epic.ExecutionStatusFailed:
		runtime.inflight = nil
		state.CurrentStep = ""
		return e.handleStepFailure(ctx, runtime, stepID, result.Error)
	default:
		return fmt.Errorf("executor reported unknown status %q for %s", result.Status, stepID)
	}
}

// commitStep records a successful step exactly once: spend is committed to
// the ledger, the result is appended and the cursor advances, all under a
// single checkpoint.
func (e *Engine) commitStep(ctx context.Context, runtime *epicRuntime, result *epic.ExecutionResult) error {
	state := runtime.state
	stepID := runtime.inflight.StepID
	if err := state.Ledger.Commit(stepID, result.Cost); err != nil {
		// Spend past the limit was supposed to be caught before dispatch;
		// reaching this point is engine-fatal for the epic.
		runtime.inflight = nil
		state.CurrentStep = ""
		return e.fail(ctx, state, fmt.Sprintf("cost commit for step %s refused: %v", stepID, err))
	}
	state.CompletedSteps = append(state.CompletedSteps, epic.StepResult{
		StepID:      stepID,
		StartedAt:   runtime.started,
		CompletedAt: e.clock(),
		Outcome:     epic.StepOutcomeSuccess,
		Cost:        result.Cost,
		Output:      result.Output,
		SnapshotID:  state.LastSnapshot,
	})
	state.NextStep++
	state.CurrentStep = ""
	runtime.inflight = nil
	if err := e.checkpoint(ctx, state); err != nil {
		return err
	}
	e.logger.Info("step completed", "epic_id", state.ID, "step_id", stepID,
		"cost", result.Cost, "spent", state.Ledger.Spent)
	e.publishStatus(ctx, state.ID, stepID, "completed")
	return nil
}

// handleStepFailure applies the failure policy for one step: automatic
// re-dispatch for idempotent steps with retries left, otherwise escalation to
// a manual approval whose decision means retry (approved) or abort
// (rejected).
func (e *Engine) handleStepFailure(ctx context.Context, runtime *epicRuntime, stepID, errMsg string) error {
	state := runtime.state
	state.ErrorCount++
	state.LastError = fmt.Sprintf("step %s failed: %s", stepID, errMsg)
	runtime.attempts[stepID]++
	e.logger.Warn("step failed", "epic_id", state.ID, "step_id", stepID,
		"attempt", runtime.attempts[stepID], "error", errMsg)
	e.publishStatus(ctx, state.ID, stepID, "failed")

	if state.CancelRequested {
		return e.checkpoint(ctx, state)
	}
	spec, _ := e.specs.Step(stepID)
	if spec.Idempotent && runtime.attempts[stepID] <= e.maxStepRetries {
		// NextStep is unchanged, so the next advance re-dispatches.
		e.logger.Info("retrying idempotent step", "epic_id", state.ID, "step_id", stepID)
		return e.checkpoint(ctx, state)
	}
	detail := fmt.Sprintf("step %s failed after %d attempt(s): %s; approve to retry, reject to abort",
		stepID, runtime.attempts[stepID], errMsg)
	return e.raiseApproval(ctx, state, stepID, epic.ApprovalReasonManual, detail)
}

// raiseApproval creates a durable approval request and suspends the epic.
func (e *Engine) raiseApproval(ctx context.Context, state *epic.EpicState, stepID string, reason epic.ApprovalReason, detail string) error {
	request, err := e.approvals.Request(ctx, state.ID, stepID, reason, detail, e.approvalTimeout)
	if err != nil {
		return fmt.Errorf("failed to raise approval for %s: %w", state.ID, err)
	}
	state.PendingApproval = request
	if err := e.transition(state, epic.PhaseAwaitingApproval); err != nil {
		return err
	}
	if err := e.checkpoint(ctx, state); err != nil {
		return err
	}
	e.publishStatus(ctx, state.ID, stepID, string(epic.PhaseAwaitingApproval))
	return nil
}

func (e *Engine) advanceAwaitingApproval(ctx context.Context, runtime *epicRuntime) error {
	state := runtime.state
	if state.CancelRequested {
		return e.finalizeCancel(ctx, runtime)
	}
	if state.PendingApproval == nil {
		return e.fail(ctx, state, "awaiting approval with no pending request")
	}
	requestID := state.PendingApproval.ID
	status, err := e.approvals.Poll(ctx, requestID)
	if err != nil {
		return err
	}
	switch status {
	case epic.ApprovalPending:
		return nil
	case epic.ApprovalApproved:
		for _, stepID := range e.stepsApprovedBy(state) {
			if !slices.Contains(state.ApprovedSteps, stepID) {
				state.ApprovedSteps = append(state.ApprovedSteps, stepID)
			}
		}
		state.PendingApproval = nil
		if err := e.transition(state, epic.PhaseExecuting); err != nil {
			return err
		}
		if err := e.checkpoint(ctx, state); err != nil {
			return err
		}
		e.logger.Info("approval granted, resuming", "epic_id", state.ID, "request_id", requestID)
		return nil
	case epic.ApprovalRejected, epic.ApprovalTimedOut:
		return e.resolveRejection(ctx, runtime, status)
	default:
		return fmt.Errorf("unknown approval status %q for %s", status, requestID)
	}
}

// stepsApprovedBy lists the steps an approval of the pending request waives
// gates for. A budget overrun is raised once for the whole run of parallel
// steps at the cursor, so its approval covers every member of that run; any
// other reason gates a single named step.
func (e *Engine) stepsApprovedBy(state *epic.EpicState) []string {
	request := state.PendingApproval
	if request.StepID == "" {
		return nil
	}
	if request.Reason == epic.ApprovalReasonBudgetOverrun &&
		state.NextStep < len(state.PlannedSteps) {
		steps := e.batchAt(state)
		ids := make([]string, len(steps))
		for i, step := range steps {
			ids[i] = step.StepID
		}
		return ids
	}
	return []string{request.StepID}
}

// resolveRejection handles a rejected or timed-out approval: external state
// is rolled back to the most recent snapshot, then the epic fails unless its
// policy asks for a replan.
func (e *Engine) resolveRejection(ctx context.Context, runtime *epicRuntime, status epic.ApprovalStatus) error {
	state := runtime.state
	request := state.PendingApproval
	state.PendingApproval = nil
	state.LastError = fmt.Sprintf("approval %s was %s (reason: %s)", request.ID, status, request.Reason)
	e.logger.Info("approval denied", "epic_id", state.ID,
		"request_id", request.ID, "status", status)

	if state.LastSnapshot != "" {
		if err := e.snapshots.Restore(ctx, state.ID, state.LastSnapshot); err != nil {
			return e.fail(ctx, state, fmt.Sprintf("rollback after denied approval: %v", err))
		}
	}
	if state.Policy.ReplanOnRejection {
		state.PlannedSteps = nil
		state.NextStep = 0
		state.SnapshotSteps = nil
		if err := e.transition(state, epic.PhasePlanning); err != nil {
			return err
		}
		if err := e.checkpoint(ctx, state); err != nil {
			return err
		}
		e.logger.Info("replanning after rejection", "epic_id", state.ID)
		e.publishStatus(ctx, state.ID, "", string(epic.PhasePlanning))
		return nil
	}
	return e.fail(ctx, state, state.LastError)
}

func (e *Engine) advanceReviewing(ctx context.Context, runtime *epicRuntime) error {
	state := runtime.state
	if state.CancelRequested {
		return e.finalizeCancel(ctx, runtime)
	}
	if e.review != nil {
		if err := e.review(ctx, state.Clone()); err != nil {
			return e.fail(ctx, state, fmt.Sprintf("review failed: %v", err))
		}
	}
	if err := e.transition(state, epic.PhaseComplete); err != nil {
		return err
	}
	if err := e.checkpoint(ctx, state); err != nil {
		return err
	}
	e.publishEvent(ctx, epic.EventEpicCompleted, state.ID, map[string]interface{}{
		"steps_completed": len(state.CompletedSteps),
		"total_cost":      state.Ledger.Spent,
		"budget_limit":    state.Ledger.Limit,
	})
	e.publishStatus(ctx, state.ID, "", string(epic.PhaseComplete))
	e.gcSnapshots(ctx, state.ID)
	e.logger.Info("epic complete", "epic_id", state.ID,
		"steps", len(state.CompletedSteps), "spent", state.Ledger.Spent)
	return nil
}

// finalizeCancel completes a requested cancellation once nothing is in
// flight: external state reverts to the initial snapshot and the epic lands
// in cancelled.
func (e *Engine) finalizeCancel(ctx context.Context, runtime *epicRuntime) error {
	state := runtime.state
	if state.InitialSnapshot != "" {
		if err := e.snapshots.Restore(ctx, state.ID, state.InitialSnapshot); err != nil {
			return e.fail(ctx, state, fmt.Sprintf("rollback on cancellation: %v", err))
		}
	}
	if err := e.transition(state, epic.PhaseCancelled); err != nil {
		return err
	}
	if err := e.checkpoint(ctx, state); err != nil {
		return err
	}
	e.publishEvent(ctx, epic.EventEpicCancelled, state.ID, map[string]interface{}{
		"steps_completed": len(state.CompletedSteps),
		"total_cost":      state.Ledger.Spent,
	})
	e.publishStatus(ctx, state.ID, "", string(epic.PhaseCancelled))
	e.gcSnapshots(ctx, state.ID)
	e.logger.Info("epic cancelled", "epic_id", state.ID)
	return nil
}

// fail lands the epic in the failed phase with its last error and checkpoint
// visible to callers.
func (e *Engine) fail(ctx context.Context, state *epic.EpicState, cause string) error {
	state.LastError = cause
	failedAt := state.Phase
	if err := e.transition(state, epic.PhaseFailed); err != nil {
		return err
	}
	if err := e.checkpoint(ctx, state); err != nil {
		return err
	}
	e.publishEvent(ctx, epic.EventEpicFailed, state.ID, map[string]interface{}{
		"failed_in":       string(failedAt),
		"error":           cause,
		"last_checkpoint": state.LastCheckpoint,
	})
	e.publishStatus(ctx, state.ID, "", string(epic.PhaseFailed))
	e.gcSnapshots(ctx, state.ID)
	e.logger.Error("epic failed", "epic_id", state.ID, "failed_in", failedAt, "error", cause)
	return nil
}

// gcSnapshots is best effort; the initial snapshot survives for audit.
func (e *Engine) gcSnapshots(ctx context.Context, epicID string) {
	if err := e.snapshots.GC(ctx, epicID); err != nil {
		e.logger.Warn("snapshot gc failed", "epic_id", epicID, "error", err)
	}
}

// batchRuntime tracks one in-flight parallel batch.
type batchRuntime struct {
	start      int
	steps      []epic.PlanStep
	results    chan batchResult
	done       int
	committed  []string
	failures   []string
	firstError string

	mutex   sync.Mutex
	handles []*epic.ExecutionHandle
}

type batchResult struct {
	stepID  string
	started time.Time
	status  epic.ExecutionStatus
	output  map[string]interface{}
	cost    float64
	errMsg  string
}

func (b *batchRuntime) addHandle(handle *epic.ExecutionHandle) {
	b.mutex.Lock()
	defer b.mutex.Unlock()
	b.handles = append(b.handles, handle)
}

func (b *batchRuntime) stopAll(ctx context.Context, executor epic.ExecutorClient) error {
	b.mutex.Lock()
	handles := append([]*epic.ExecutionHandle(nil), b.handles...)
	b.mutex.Unlock()
	var firstErr error
	for _, handle := range handles {
		if err := executor.Stop(ctx, handle); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// dispatchBatch launches a contiguous run of parallel steps. Gates are
// checked for all members before anything launches, one snapshot covers the
// whole batch, and a bounded number of workers run the members concurrently.
func (e *Engine) dispatchBatch(ctx context.Context, runtime *epicRuntime, steps []epic.PlanStep) error {
	state := runtime.state

	total := 0.0
	specs := make(map[string]epic.StepSpec, len(steps))
	for _, step := range steps {
		spec, ok := e.specs.Step(step.StepID)
		if !ok {
			return e.fail(ctx, state, fmt.Sprintf("no specification for step %q", step.StepID))
		}
		specs[step.StepID] = spec
		if !slices.Contains(state.ApprovedSteps, step.StepID) {
			total += state.Ledger.Estimate(spec)
		}
	}
	if state.Ledger.WouldExceed(total) && !state.Policy.AutoApprove {
		detail := fmt.Sprintf("parallel batch %s is estimated at %.2f but only %.2f of the budget remains",
			batchLabel(steps), total, state.Ledger.Remaining())
		e.publishEvent(ctx, epic.EventCostWarning, state.ID, map[string]interface{}{
			"step_id":   steps[0].StepID,
			"estimate":  total,
			"remaining": state.Ledger.Remaining(),
		})
		return e.raiseApproval(ctx, state, steps[0].StepID, epic.ApprovalReasonBudgetOverrun, detail)
	}
	for _, step := range steps {
		spec := specs[step.StepID]
		if spec.RequiresApproval && !state.Policy.AutoApprove &&
			!slices.Contains(state.ApprovedSteps, step.StepID) {
			reason := spec.ApprovalReason
			if reason == "" {
				reason = epic.ApprovalReasonManual
			}
			detail := fmt.Sprintf("step %s requires approval before its batch runs", step.StepID)
			return e.raiseApproval(ctx, state, step.StepID, reason, detail)
		}
	}

	members := make([]string, len(steps))
	for i, step := range steps {
		members[i] = step.StepID
	}
	if err := e.snapshotBefore(ctx, state, "batch:"+steps[0].StepID, members); err != nil {
		return e.fail(ctx, state, fmt.Sprintf("snapshot before batch failed: %v", err))
	}

	batch := &batchRuntime{
		start:   state.NextStep,
		steps:   append([]epic.PlanStep(nil), steps...),
		results: make(chan batchResult, len(steps)),
	}
	runtime.batch = batch

	// Workers outlive the Advance call that launched them; they poll on a
	// context detached from it.
	workerCtx := context.WithoutCancel(ctx)
	sem := make(chan struct{}, e.parallelism)
	for _, step := range steps {
		go e.runBatchMember(workerCtx, batch, sem, step.StepID, epic.ExecutionContext{
			EpicID:     state.ID,
			Request:    state.Request,
			Parameters: specs[step.StepID].Parameters,
		})
	}
	if err := e.checkpoint(ctx, state); err != nil {
		return err
	}
	e.logger.Info("parallel batch dispatched", "epic_id", state.ID,
		"steps", batchLabel(steps), "parallelism", e.parallelism)
	return nil
}

func batchLabel(steps []epic.PlanStep) string {
	ids := make([]string, len(steps))
	for i, step := range steps {
		ids[i] = step.StepID
	}
	return strings.Join(ids, ",")
}

// runBatchMember drives one batch member from dispatch to a terminal status
// and reports the outcome on the batch's result channel.
func (e *Engine) runBatchMember(ctx context.Context, batch *batchRuntime, sem chan struct{}, stepID string, execCtx epic.ExecutionContext) {
	sem <- struct{}{}
	defer func() { <-sem }()

	started := e.clock()
	handle, err := e.executor.Start(ctx, stepID, execCtx)
	if err != nil {
		batch.results <- batchResult{
			stepID: stepID, started: started,
			status: epic.ExecutionStatusFailed,
			errMsg: fmt.Sprintf("dispatch failed: %v", err),
		}
		return
	}
	batch.addHandle(handle)
	ticker := time.NewTicker(e.pollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			batch.results <- batchResult{
				stepID: stepID, started: started,
				status: epic.ExecutionStatusFailed,
				errMsg: ctx.Err().Error(),
			}
			return
		case <-ticker.C:
		}
		result, err := e.executor.Poll(ctx, handle)
		if err != nil {
			continue
		}
		if result.Status == epic.ExecutionStatusRunning {
			continue
		}
		batch.results <- batchResult{
			stepID:  stepID,
			started: started,
			status:  result.Status,
			output:  result.Output,
			cost:    result.Cost,
			errMsg:  result.Error,
		}
		return
	}
}

// pollBatch drains finished batch members without blocking, committing
// successes in completion order with a checkpoint per commit. A failed member
// never stops its siblings; once every member has reported, failed steps are
// queued for sequential re-dispatch under the normal failure policy.
func (e *Engine) pollBatch(ctx context.Context, runtime *epicRuntime) error {
	state := runtime.state
	batch := runtime.batch
	for batch.done < len(batch.steps) {
		var result batchResult
		select {
		case result = <-batch.results:
		default:
			return nil
		}
		batch.done++
		if result.status == epic.ExecutionStatusSucceeded {
			if err := state.Ledger.Commit(result.stepID, result.cost); err != nil {
				runtime.batch = nil
				return e.fail(ctx, state, fmt.Sprintf("cost commit for step %s refused: %v", result.stepID, err))
			}
			state.CompletedSteps = append(state.CompletedSteps, epic.StepResult{
				StepID:      result.stepID,
				StartedAt:   result.started,
				CompletedAt: e.clock(),
				Outcome:     epic.StepOutcomeSuccess,
				Cost:        result.cost,
				Output:      result.output,
				SnapshotID:  state.LastSnapshot,
			})
			batch.committed = append(batch.committed, result.stepID)
			if err := e.checkpoint(ctx, state); err != nil {
				return err
			}
			e.publishStatus(ctx, state.ID, result.stepID, "completed")
			continue
		}
		state.ErrorCount++
		state.LastError = fmt.Sprintf("step %s failed: %s", result.stepID, result.errMsg)
		runtime.attempts[result.stepID]++
		batch.failures = append(batch.failures, result.stepID)
		if batch.firstError == "" {
			batch.firstError = result.errMsg
		}
		e.logger.Warn("batch member failed", "epic_id", state.ID,
			"step_id", result.stepID, "error", result.errMsg)
		e.publishStatus(ctx, state.ID, result.stepID, "failed")
	}
	return e.finishBatch(ctx, runtime)
}

// finishBatch settles the plan window once every member reported. Committed
// members are re-ordered into commit order ahead of the cursor; failed
// members follow sequentially so the single-step failure policy applies to
// each, starting at the next advance.
func (e *Engine) finishBatch(ctx context.Context, runtime *epicRuntime) error {
	state := runtime.state
	batch := runtime.batch
	runtime.batch = nil

	window := make([]epic.PlanStep, 0, len(batch.steps))
	for _, stepID := range batch.committed {
		window = append(window, epic.PlanStep{StepID: stepID, Parallel: true})
	}
	for _, stepID := range batch.failures {
		window = append(window, epic.PlanStep{StepID: stepID})
	}
	copy(state.PlannedSteps[batch.start:], window)
	state.NextStep = batch.start + len(batch.committed)

	if len(batch.failures) == 0 {
		e.logger.Info("parallel batch complete", "epic_id", state.ID,
			"steps", len(batch.committed), "spent", state.Ledger.Spent)
		return e.checkpoint(ctx, state)
	}
	if state.CancelRequested {
		return e.checkpoint(ctx, state)
	}
	// The first failed member decides what happens next; the same policy
	// will apply to the rest as they reach the cursor.
	first := batch.failures[0]
	spec, _ := e.specs.Step(first)
	if spec.Idempotent && runtime.attempts[first] <= e.maxStepRetries {
		e.logger.Info("retrying failed batch member", "epic_id", state.ID, "step_id", first)
		return e.checkpoint(ctx, state)
	}
	detail := fmt.Sprintf("step %s failed in a parallel batch after %d attempt(s): %s; approve to retry, reject to abort",
		first, runtime.attempts[first], batch.firstError)
	return e.raiseApproval(ctx, state, first, epic.ApprovalReasonManual, detail)
}
