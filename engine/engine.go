// Package engine implements the epic orchestration state machine. One engine
// drives many epics concurrently; each epic is advanced by exactly one
// Advance call at a time and every state mutation is durably checkpointed.
//
// The engine owns EpicState exclusively. Planners, executors, the approval
// gate, the snapshot manager and the notification adapters are collaborators
// that return value objects and hold no reference back into engine state.
package engine

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/deepnoodle-ai/epic"
	"github.com/deepnoodle-ai/epic/approval"
	"github.com/deepnoodle-ai/epic/retry"
	"github.com/deepnoodle-ai/epic/slogger"
	"github.com/deepnoodle-ai/epic/snapshot"
	"github.com/deepnoodle-ai/epic/store"
)

const (
	DefaultPollInterval   = time.Second
	DefaultPlannerTimeout = 30 * time.Second
	DefaultMaxStepRetries = 1
	DefaultParallelism    = 4
)

// SpecResolver supplies workflow step specifications. Satisfied by
// catalog.Catalog.
type SpecResolver interface {
	Step(id string) (epic.StepSpec, bool)
}

// StaticSpecs is a fixed SpecResolver for tests and embedded setups.
type StaticSpecs map[string]epic.StepSpec

func (s StaticSpecs) Step(id string) (epic.StepSpec, bool) {
	spec, ok := s[id]
	return spec, ok
}

// ReviewHook runs as the final consistency check before an epic completes.
// Returning an error fails the epic.
type ReviewHook func(ctx context.Context, state *epic.EpicState) error

// Options configures an Engine.
type Options struct {
	Store     store.Store
	Planner   epic.Planner
	Executor  epic.ExecutorClient
	Snapshots *snapshot.Manager
	Approvals *approval.Gate
	Specs     SpecResolver
	Notifier  epic.Notifier
	Tracker   epic.Tracker
	Logger    slogger.Logger

	// PollInterval is the scheduler tick for Run and the poll cadence for
	// parallel batches.
	PollInterval time.Duration

	// PlannerTimeout bounds one planner call. The planner is additionally
	// retried once on failure.
	PlannerTimeout time.Duration

	// MaxStepRetries bounds automatic retries of a failed idempotent step.
	// Non-idempotent failures always escalate to a manual approval.
	MaxStepRetries int

	// Parallelism bounds concurrent dispatch within a parallel batch.
	Parallelism int

	// ApprovalTimeout overrides the gate's default request deadline.
	ApprovalTimeout time.Duration

	// Review is the final consistency check hook. Optional.
	Review ReviewHook

	// Clock overrides time.Now for tests.
	Clock func() time.Time
}

// Engine drives epics through the phase machine. All public methods are safe
// for concurrent use; per-epic work is serialized internally.
type Engine struct {
	store           store.Store
	planner         epic.Planner
	executor        epic.ExecutorClient
	snapshots       *snapshot.Manager
	approvals       *approval.Gate
	specs           SpecResolver
	notifier        epic.Notifier
	tracker         epic.Tracker
	logger          slogger.Logger
	pollInterval    time.Duration
	plannerTimeout  time.Duration
	maxStepRetries  int
	parallelism     int
	approvalTimeout time.Duration
	review          ReviewHook
	clock           func() time.Time

	mutex sync.Mutex
	epics map[string]*epicRuntime
	wake  chan struct{}
}

// epicRuntime holds the in-memory, non-durable side of one epic: its
// serialization lock, the in-flight execution handle and retry counters.
type epicRuntime struct {
	mutex    sync.Mutex
	state    *epic.EpicState
	inflight *epic.ExecutionHandle
	started  time.Time
	attempts map[string]int
	batch    *batchRuntime
}

// New creates an Engine.
func New(opts Options) (*Engine, error) {
	if opts.Store == nil {
		return nil, fmt.Errorf("store is required")
	}
	if opts.Planner == nil {
		return nil, fmt.Errorf("planner is required")
	}
	if opts.Executor == nil {
		return nil, fmt.Errorf("executor is required")
	}
	if opts.Snapshots == nil {
		return nil, fmt.Errorf("snapshot manager is required")
	}
	if opts.Approvals == nil {
		return nil, fmt.Errorf("approval gate is required")
	}
	if opts.Specs == nil {
		return nil, fmt.Errorf("spec resolver is required")
	}
	if opts.Notifier == nil {
		opts.Notifier = epic.NullNotifier{}
	}
	if opts.Tracker == nil {
		opts.Tracker = epic.NullTracker{}
	}
	if opts.Logger == nil {
		opts.Logger = slogger.DefaultLogger
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = DefaultPollInterval
	}
	if opts.PlannerTimeout <= 0 {
		opts.PlannerTimeout = DefaultPlannerTimeout
	}
	if opts.MaxStepRetries <= 0 {
		opts.MaxStepRetries = DefaultMaxStepRetries
	}
	if opts.Parallelism <= 0 {
		opts.Parallelism = DefaultParallelism
	}
	if opts.Clock == nil {
		opts.Clock = time.Now
	}
	return &Engine{
		store:           opts.Store,
		planner:         opts.Planner,
		executor:        opts.Executor,
		snapshots:       opts.Snapshots,
		approvals:       opts.Approvals,
		specs:           opts.Specs,
		notifier:        opts.Notifier,
		tracker:         opts.Tracker,
		logger:          opts.Logger,
		pollInterval:    opts.PollInterval,
		plannerTimeout:  opts.PlannerTimeout,
		maxStepRetries:  opts.MaxStepRetries,
		parallelism:     opts.Parallelism,
		approvalTimeout: opts.ApprovalTimeout,
		review:          opts.Review,
		clock:           opts.Clock,
		epics:           map[string]*epicRuntime{},
		wake:            make(chan struct{}, 1),
	}, nil
}

// Submit accepts a new epic and returns its id immediately. Planning and
// execution happen asynchronously through Advance.
func (e *Engine) Submit(ctx context.Context, request string, budgetLimit float64, policy epic.PolicyFlags) (string, error) {
	if request == "" {
		return "", fmt.Errorf("request must not be empty")
	}
	if budgetLimit <= 0 {
		return "", fmt.Errorf("budget limit must be positive")
	}
	now := e.clock()
	state := &epic.EpicState{
		ID:        epic.NewID("epic"),
		Request:   request,
		Phase:     epic.PhasePlanning,
		Ledger:    epic.NewCostLedger(budgetLimit),
		Policy:    policy,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := e.checkpoint(ctx, state); err != nil {
		return "", err
	}
	e.register(state)
	e.publishStatus(ctx, state.ID, "", string(epic.PhasePlanning))
	e.logger.Info("epic submitted", "epic_id", state.ID, "budget_limit", budgetLimit)
	e.Wake()
	return state.ID, nil
}

// Status returns a read-only projection of the epic's current state.
func (e *Engine) Status(ctx context.Context, epicID string) (*epic.EpicState, error) {
	if runtime := e.lookup(epicID); runtime != nil {
		runtime.mutex.Lock()
		defer runtime.mutex.Unlock()
		return runtime.state.Clone(), nil
	}
	checkpoint, err := e.store.LatestCheckpoint(ctx, epicID)
	if err != nil {
		return nil, err
	}
	return checkpoint.State, nil
}

// List returns the latest state of epics matching the filter.
func (e *Engine) List(ctx context.Context, filter store.EpicFilter) ([]*epic.EpicState, error) {
	return e.store.ListEpics(ctx, filter)
}

// Cancel requests cooperative cancellation. It is valid from any
// non-terminal phase and idempotent; the cancellation itself is finalized at
// the next Advance boundary, after any in-flight execution reports a
// terminal status.
func (e *Engine) Cancel(ctx context.Context, epicID string) error {
	runtime, err := e.runtimeFor(ctx, epicID)
	if err != nil {
		return err
	}
	runtime.mutex.Lock()
	defer runtime.mutex.Unlock()

	state := runtime.state
	if state.Phase.Terminal() {
		if state.Phase == epic.PhaseCancelled {
			return nil
		}
		return fmt.Errorf("%w: %s is %s", epic.ErrTerminalPhase, epicID, state.Phase)
	}
	if state.CancelRequested {
		return nil
	}
	state.CancelRequested = true
	if runtime.inflight != nil {
		if err := e.executor.Stop(ctx, runtime.inflight); err != nil {
			e.logger.Warn("failed to ask executor to stop", "epic_id", epicID, "error", err)
		}
	}
	if runtime.batch != nil {
		if err := runtime.batch.stopAll(ctx, e.executor); err != nil {
			e.logger.Warn("failed to stop batch members", "epic_id", epicID, "error", err)
		}
	}
	if err := e.checkpoint(ctx, state); err != nil {
		return err
	}
	e.logger.Info("cancellation requested", "epic_id", epicID)
	e.Wake()
	return nil
}

// DecideApproval records an external approval decision and wakes the
// scheduler so the affected epic advances promptly.
func (e *Engine) DecideApproval(ctx context.Context, requestID string, decision epic.ApprovalDecision) (*epic.ApprovalRequest, error) {
	request, err := e.approvals.Decide(ctx, requestID, decision)
	if err != nil {
		return nil, err
	}
	e.Wake()
	return request, nil
}

// Approvals exposes the engine's approval gate, for surfaces that read or
// decide requests directly.
func (e *Engine) Approvals() *approval.Gate {
	return e.approvals
}

// Resume reloads a previously checkpointed epic into the scheduler, e.g.
// after a process restart. If a step was in flight when the process died its
// execution handle is lost; the step is re-dispatched from its checkpoint.
func (e *Engine) Resume(ctx context.Context, epicID string) error {
	_, err := e.runtimeFor(ctx, epicID)
	if err != nil {
		return err
	}
	e.Wake()
	return nil
}

// ResumeAll reloads every non-terminal epic found in the store.
func (e *Engine) ResumeAll(ctx context.Context) (int, error) {
	states, err := e.store.ListEpics(ctx, store.EpicFilter{})
	if err != nil {
		return 0, err
	}
	resumed := 0
	for _, state := range states {
		if state.Phase.Terminal() {
			continue
		}
		if err := e.Resume(ctx, state.ID); err != nil {
			return resumed, err
		}
		resumed++
	}
	if resumed > 0 {
		e.logger.Info("resumed epics", "count", resumed)
	}
	return resumed, nil
}

// Run drives all registered epics until the context is cancelled, ticking
// every PollInterval and waking early on submissions, cancellations and
// approval decisions.
func (e *Engine) Run(ctx context.Context) error {
	ticker := time.NewTicker(e.pollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		case <-e.wake:
		}
		for _, epicID := range e.activeEpics() {
			if err := e.Advance(ctx, epicID); err != nil {
				e.logger.Error("advance failed", "epic_id", epicID, "error", err)
			}
		}
	}
}

// Wake nudges the scheduler loop without waiting for the next tick.
func (e *Engine) Wake() {
	select {
	case e.wake <- struct{}{}:
	default:
	}
}

func (e *Engine) register(state *epic.EpicState) *epicRuntime {
	e.mutex.Lock()
	defer e.mutex.Unlock()
	if existing, ok := e.epics[state.ID]; ok {
		return existing
	}
	runtime := &epicRuntime{state: state, attempts: map[string]int{}}
	e.epics[state.ID] = runtime
	return runtime
}

func (e *Engine) lookup(epicID string) *epicRuntime {
	e.mutex.Lock()
	defer e.mutex.Unlock()
	return e.epics[epicID]
}

func (e *Engine) runtimeFor(ctx context.Context, epicID string) (*epicRuntime, error) {
	if runtime := e.lookup(epicID); runtime != nil {
		return runtime, nil
	}
	checkpoint, err := e.store.LatestCheckpoint(ctx, epicID)
	if err != nil {
		return nil, err
	}
	// A handle for a step that was in flight at interruption is gone;
	// clearing the current step re-dispatches it from the checkpoint.
	state := checkpoint.State
	state.CurrentStep = ""
	return e.register(state), nil
}

func (e *Engine) activeEpics() []string {
	e.mutex.Lock()
	runtimes := make(map[string]*epicRuntime, len(e.epics))
	for id, runtime := range e.epics {
		runtimes[id] = runtime
	}
	e.mutex.Unlock()

	// The phase is written under the per-epic lock, so read it there too; an
	// Advance racing this scan must not tear the read.
	ids := make([]string, 0, len(runtimes))
	for id, runtime := range runtimes {
		runtime.mutex.Lock()
		terminal := runtime.state.Phase.Terminal()
		runtime.mutex.Unlock()
		if !terminal {
			ids = append(ids, id)
		}
	}
	return ids
}

// checkpoint durably appends a new state version.
func (e *Engine) checkpoint(ctx context.Context, state *epic.EpicState) error {
	state.UpdatedAt = e.clock()
	version, err := e.store.AppendCheckpoint(ctx, state)
	if err != nil {
		return fmt.Errorf("failed to write checkpoint for %s: %w", state.ID, err)
	}
	state.LastCheckpoint = version
	return nil
}

// transition moves the state machine along a defined edge; anything else is
// an invariant violation.
func (e *Engine) transition(state *epic.EpicState, to epic.Phase) error {
	if !epic.CanTransition(state.Phase, to) {
		return fmt.Errorf("%w: illegal transition %s -> %s for %s",
			epic.ErrInvariantViolation, state.Phase, to, state.ID)
	}
	e.logger.Debug("phase transition", "epic_id", state.ID, "from", state.Phase, "to", to)
	state.Phase = to
	return nil
}

// publishStatus reports status to the tracker, fire-and-forget.
func (e *Engine) publishStatus(ctx context.Context, epicID, stepID, status string) {
	if err := e.tracker.Publish(ctx, epicID, stepID, status); err != nil {
		e.logger.Warn("tracker publish failed", "epic_id", epicID, "error", err)
	}
}

// publishEvent reports an event to the notifier, fire-and-forget.
func (e *Engine) publishEvent(ctx context.Context, eventType epic.EventType, epicID string, payload map[string]interface{}) {
	event := &epic.Event{Type: eventType, EpicID: epicID, Time: e.clock(), Payload: payload}
	if err := e.notifier.Publish(ctx, event); err != nil {
		e.logger.Warn("notifier publish failed", "epic_id", epicID, "event", eventType, "error", err)
	}
}

// plan calls the planner with a timeout and a single retry.
func (e *Engine) plan(ctx context.Context, request string) ([]epic.PlanStep, error) {
	var steps []epic.PlanStep
	err := retry.Do(ctx, func() error {
		planCtx, cancel := context.WithTimeout(ctx, e.plannerTimeout)
		defer cancel()
		var planErr error
		steps, planErr = e.planner.Plan(planCtx, request)
		return planErr
	}, retry.WithMaxAttempts(2), retry.WithBaseWait(100*time.Millisecond))
	if err != nil {
		return nil, err
	}
	if len(steps) == 0 {
		return nil, fmt.Errorf("%w: planner returned an empty plan", epic.ErrUnroutable)
	}
	return steps, nil
}
