package executor

import (
	"context"
	"fmt"
	"sync"

	"github.com/deepnoodle-ai/epic"
)

// StepScript describes how a ScriptedExecutor behaves for one step id.
type StepScript struct {
	// RunningPolls is how many polls report running before a terminal
	// status.
	RunningPolls int

	// FailuresBeforeSuccess makes the first N starts of this step fail.
	FailuresBeforeSuccess int

	// Cost reported on success.
	Cost float64

	// Output reported on success.
	Output map[string]interface{}

	// Fail makes every execution of this step fail.
	Fail bool

	// Error is the failure message when the step fails.
	Error string
}

type scriptedExecution struct {
	stepID    string
	pollsLeft int
	failing   bool
	errorMsg  string
	stopped   bool
}

// ScriptedExecutor is an in-process epic.ExecutorClient with per-step
// scripted outcomes. It backs the engine tests and local dry runs.
type ScriptedExecutor struct {
	mutex      sync.Mutex
	scripts    map[string]*StepScript
	executions map[string]*scriptedExecution
	starts     map[string]int
	counter    int
}

// NewScriptedExecutor creates an executor whose behavior per step id is
// given by scripts. Steps without a script succeed immediately at zero cost.
func NewScriptedExecutor(scripts map[string]*StepScript) *ScriptedExecutor {
	if scripts == nil {
		scripts = map[string]*StepScript{}
	}
	return &ScriptedExecutor{
		scripts:    scripts,
		executions: map[string]*scriptedExecution{},
		starts:     map[string]int{},
	}
}

// Starts returns how many times the given step was started.
func (e *ScriptedExecutor) Starts(stepID string) int {
	e.mutex.Lock()
	defer e.mutex.Unlock()
	return e.starts[stepID]
}

// Stopped reports whether the given execution received a stop request.
func (e *ScriptedExecutor) Stopped(executionID string) bool {
	e.mutex.Lock()
	defer e.mutex.Unlock()
	execution, ok := e.executions[executionID]
	return ok && execution.stopped
}

func (e *ScriptedExecutor) Start(ctx context.Context, stepID string, execCtx epic.ExecutionContext) (*epic.ExecutionHandle, error) {
	e.mutex.Lock()
	defer e.mutex.Unlock()

	e.starts[stepID]++
	script := e.scripts[stepID]
	if script == nil {
		script = &StepScript{}
	}

	failing := script.Fail
	if !failing && e.starts[stepID] <= script.FailuresBeforeSuccess {
		failing = true
	}

	e.counter++
	id := fmt.Sprintf("exec-%d", e.counter)
	e.executions[id] = &scriptedExecution{
		stepID:    stepID,
		pollsLeft: script.RunningPolls,
		failing:   failing,
		errorMsg:  script.Error,
	}
	return &epic.ExecutionHandle{ID: id, StepID: stepID}, nil
}

func (e *ScriptedExecutor) Poll(ctx context.Context, handle *epic.ExecutionHandle) (*epic.ExecutionResult, error) {
	e.mutex.Lock()
	defer e.mutex.Unlock()

	execution, ok := e.executions[handle.ID]
	if !ok {
		return nil, fmt.Errorf("unknown execution %s", handle.ID)
	}
	if execution.stopped {
		return &epic.ExecutionResult{Status: epic.ExecutionStatusFailed, Error: "execution stopped"}, nil
	}
	if execution.pollsLeft > 0 {
		execution.pollsLeft--
		return &epic.ExecutionResult{Status: epic.ExecutionStatusRunning}, nil
	}
	if execution.failing {
		message := execution.errorMsg
		if message == "" {
			message = "step execution failed"
		}
		return &epic.ExecutionResult{Status: epic.ExecutionStatusFailed, Error: message}, nil
	}
	script := e.scripts[execution.stepID]
	if script == nil {
		script = &StepScript{}
	}
	return &epic.ExecutionResult{
		Status: epic.ExecutionStatusSucceeded,
		Cost:   script.Cost,
		Output: script.Output,
	}, nil
}

func (e *ScriptedExecutor) Stop(ctx context.Context, handle *epic.ExecutionHandle) error {
	e.mutex.Lock()
	defer e.mutex.Unlock()

	execution, ok := e.executions[handle.ID]
	if !ok {
		return fmt.Errorf("unknown execution %s", handle.ID)
	}
	execution.stopped = true
	return nil
}
