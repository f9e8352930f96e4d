// Package epic provides an orchestration engine for long-running,
// budget-bounded units of work. An epic is a natural-language request that a
// pluggable [Planner] decomposes into an ordered sequence of workflow steps.
// The engine in [github.com/deepnoodle-ai/epic/engine] drives each epic
// through a durable state machine, taking restorable snapshots before steps,
// enforcing a monetary budget, suspending for human approval where a step
// requires it, and rolling external state back on failure.
//
// The core types are:
//
//   - [EpicState] is the aggregate root, persisted as versioned checkpoints.
//   - [StepSpec] configures one workflow step: cost estimate, approval
//     requirement, idempotency.
//   - [Planner], [ExecutorClient], [Notifier] and [Tracker] are the seams to
//     external collaborators; the engine never executes workflow logic itself.
//
// Durable storage lives in [github.com/deepnoodle-ai/epic/store], snapshot
// and rollback handling in [github.com/deepnoodle-ai/epic/snapshot], and the
// HTTP boundary in [github.com/deepnoodle-ai/epic/server].
package epic
