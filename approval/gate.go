// Package approval implements the gate that suspends epic execution pending
// an external yes/no decision. Requests are durable, carry a deadline, and
// resolve exactly once; an unanswered request past its deadline reads as
// timed out, which callers treat as a rejection.
package approval

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/deepnoodle-ai/epic"
	"github.com/deepnoodle-ai/epic/slogger"
	"github.com/deepnoodle-ai/epic/store"
)

// DefaultTimeout is how long a request waits for a human before it reads as
// timed out.
const DefaultTimeout = 24 * time.Hour

// GateOptions configures a Gate.
type GateOptions struct {
	Store          store.Store
	Notifier       epic.Notifier
	Logger         slogger.Logger
	DefaultTimeout time.Duration

	// Clock overrides time.Now for tests.
	Clock func() time.Time
}

// Gate persists approval requests and answers polls about them. It never
// blocks waiting for a decision; the engine polls and the external actor
// decides through Decide.
type Gate struct {
	store    store.Store
	notifier epic.Notifier
	logger   slogger.Logger
	timeout  time.Duration
	clock    func() time.Time

	// decideMutex serializes Decide so a request resolves exactly once even
	// under concurrent conflicting decisions.
	decideMutex sync.Mutex
}

// NewGate creates an approval gate.
func NewGate(opts GateOptions) *Gate {
	if opts.Notifier == nil {
		opts.Notifier = epic.NullNotifier{}
	}
	if opts.Logger == nil {
		opts.Logger = slogger.DefaultLogger
	}
	if opts.DefaultTimeout <= 0 {
		opts.DefaultTimeout = DefaultTimeout
	}
	if opts.Clock == nil {
		opts.Clock = time.Now
	}
	return &Gate{
		store:    opts.Store,
		notifier: opts.Notifier,
		logger:   opts.Logger,
		timeout:  opts.DefaultTimeout,
		clock:    opts.Clock,
	}
}

// Request creates and persists a new approval request and publishes it to
// the notifier. A zero timeout uses the gate default. The call returns
// without waiting for a decision.
func (g *Gate) Request(ctx context.Context, epicID, stepID string, reason epic.ApprovalReason, detail string, timeout time.Duration) (*epic.ApprovalRequest, error) {
	if timeout <= 0 {
		timeout = g.timeout
	}
	now := g.clock()
	request := &epic.ApprovalRequest{
		ID:        epic.NewID("apr"),
		EpicID:    epicID,
		StepID:    stepID,
		Reason:    reason,
		Detail:    detail,
		CreatedAt: now,
		TimeoutAt: now.Add(timeout),
	}
	if err := g.store.SaveApproval(ctx, request); err != nil {
		return nil, fmt.Errorf("failed to persist approval request: %w", err)
	}

	// Notification failures are logged, not propagated: the request exists
	// and can still be found and decided.
	event := &epic.Event{
		Type:   epic.EventApprovalRequested,
		EpicID: epicID,
		Time:   now,
		Payload: map[string]interface{}{
			"request_id": request.ID,
			"step_id":    stepID,
			"reason":     string(reason),
			"detail":     detail,
			"timeout_at": request.TimeoutAt,
		},
	}
	if err := g.notifier.Publish(ctx, event); err != nil {
		g.logger.Warn("failed to publish approval request", "request_id", request.ID, "error", err)
	}
	g.logger.Info("approval requested",
		"request_id", request.ID, "epic_id", epicID, "reason", reason)
	return request, nil
}

// Decide records an external decision. Repeating the same decision is
// idempotent; a conflicting repeat, or a decision arriving after the request
// timed out, errors wrapping epic.ErrApprovalConflict.
func (g *Gate) Decide(ctx context.Context, requestID string, decision epic.ApprovalDecision) (*epic.ApprovalRequest, error) {
	if decision != epic.DecisionApproved && decision != epic.DecisionRejected {
		return nil, fmt.Errorf("invalid decision %q", decision)
	}
	g.decideMutex.Lock()
	defer g.decideMutex.Unlock()

	request, err := g.store.GetApproval(ctx, requestID)
	if err != nil {
		return nil, err
	}
	now := g.clock()
	switch request.StatusAt(now) {
	case epic.ApprovalApproved, epic.ApprovalRejected:
		if request.Decision == decision {
			return request, nil
		}
		return nil, fmt.Errorf("%w: %s already %s", epic.ErrApprovalConflict, requestID, request.Decision)
	case epic.ApprovalTimedOut:
		return nil, fmt.Errorf("%w: %s timed out at %s", epic.ErrApprovalConflict,
			requestID, request.TimeoutAt.Format(time.RFC3339))
	}

	request.Decision = decision
	request.DecidedAt = now
	if err := g.store.SaveApproval(ctx, request); err != nil {
		return nil, fmt.Errorf("failed to persist decision: %w", err)
	}

	event := &epic.Event{
		Type:   epic.EventApprovalResolved,
		EpicID: request.EpicID,
		Time:   now,
		Payload: map[string]interface{}{
			"request_id": requestID,
			"decision":   string(decision),
		},
	}
	if err := g.notifier.Publish(ctx, event); err != nil {
		g.logger.Warn("failed to publish approval decision", "request_id", requestID, "error", err)
	}
	g.logger.Info("approval decided", "request_id", requestID, "decision", decision)
	return request, nil
}

// Poll returns the request's status as of now. Pure read: deadlines are
// evaluated lazily here rather than by a background timer.
func (g *Gate) Poll(ctx context.Context, requestID string) (epic.ApprovalStatus, error) {
	request, err := g.store.GetApproval(ctx, requestID)
	if err != nil {
		return "", err
	}
	return request.StatusAt(g.clock()), nil
}

// Get returns the stored request.
func (g *Gate) Get(ctx context.Context, requestID string) (*epic.ApprovalRequest, error) {
	return g.store.GetApproval(ctx, requestID)
}
