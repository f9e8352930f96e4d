package approval

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/deepnoodle-ai/epic"
	"github.com/deepnoodle-ai/epic/store"
	"github.com/stretchr/testify/require"
)

type capturingNotifier struct {
	mutex  sync.Mutex
	events []*epic.Event
}

func (n *capturingNotifier) Publish(ctx context.Context, event *epic.Event) error {
	n.mutex.Lock()
	defer n.mutex.Unlock()
	n.events = append(n.events, event)
	return nil
}

func (n *capturingNotifier) Types() []epic.EventType {
	n.mutex.Lock()
	defer n.mutex.Unlock()
	types := make([]epic.EventType, 0, len(n.events))
	for _, event := range n.events {
		types = append(types, event.Type)
	}
	return types
}

func newTestGate(t *testing.T, clock func() time.Time) (*Gate, *capturingNotifier) {
	t.Helper()
	notifier := &capturingNotifier{}
	gate := NewGate(GateOptions{
		Store:    store.NewMemoryStore(),
		Notifier: notifier,
		Clock:    clock,
	})
	return gate, notifier
}

func TestGateRequestAndApprove(t *testing.T) {
	ctx := context.Background()
	gate, notifier := newTestGate(t, nil)

	request, err := gate.Request(ctx, "epic-1", "deploy", epic.ApprovalReasonBreakingChange, "deploy touches prod", 0)
	require.NoError(t, err)
	require.Equal(t, "epic-1", request.EpicID)
	require.False(t, request.Resolved())

	status, err := gate.Poll(ctx, request.ID)
	require.NoError(t, err)
	require.Equal(t, epic.ApprovalPending, status)

	decided, err := gate.Decide(ctx, request.ID, epic.DecisionApproved)
	require.NoError(t, err)
	require.Equal(t, epic.DecisionApproved, decided.Decision)
	require.False(t, decided.DecidedAt.IsZero())

	status, err = gate.Poll(ctx, request.ID)
	require.NoError(t, err)
	require.Equal(t, epic.ApprovalApproved, status)

	require.Equal(t,
		[]epic.EventType{epic.EventApprovalRequested, epic.EventApprovalResolved},
		notifier.Types())
}

func TestGateDecideIdempotency(t *testing.T) {
	ctx := context.Background()
	gate, _ := newTestGate(t, nil)

	request, err := gate.Request(ctx, "epic-1", "", epic.ApprovalReasonManual, "", 0)
	require.NoError(t, err)

	_, err = gate.Decide(ctx, request.ID, epic.DecisionRejected)
	require.NoError(t, err)

	// Repeating the same decision is fine.
	_, err = gate.Decide(ctx, request.ID, epic.DecisionRejected)
	require.NoError(t, err)

	// A conflicting decision errors.
	_, err = gate.Decide(ctx, request.ID, epic.DecisionApproved)
	require.ErrorIs(t, err, epic.ErrApprovalConflict)
}

// Concurrent conflicting decisions resolve the request exactly once: every
// caller that succeeds observed the same decision, and that decision is what
// the store records.
func TestGateDecideConcurrentConflict(t *testing.T) {
	ctx := context.Background()
	gate, _ := newTestGate(t, nil)

	request, err := gate.Request(ctx, "epic-1", "deploy", epic.ApprovalReasonManual, "", 0)
	require.NoError(t, err)

	const callers = 16
	decisions := make([]epic.ApprovalDecision, callers)
	errs := make([]error, callers)
	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		decision := epic.DecisionApproved
		if i%2 == 1 {
			decision = epic.DecisionRejected
		}
		decisions[i] = decision
		wg.Add(1)
		go func(i int, decision epic.ApprovalDecision) {
			defer wg.Done()
			_, errs[i] = gate.Decide(ctx, request.ID, decision)
		}(i, decision)
	}
	wg.Wait()

	stored, err := gate.Get(ctx, request.ID)
	require.NoError(t, err)
	require.True(t, stored.Resolved())

	succeeded := 0
	for i := range errs {
		if errs[i] == nil {
			succeeded++
			require.Equal(t, stored.Decision, decisions[i])
		} else {
			require.ErrorIs(t, errs[i], epic.ErrApprovalConflict)
			require.NotEqual(t, stored.Decision, decisions[i])
		}
	}
	require.GreaterOrEqual(t, succeeded, 1)
}

func TestGateTimeoutEvaluatedLazily(t *testing.T) {
	ctx := context.Background()
	now := time.Now()
	clock := func() time.Time { return now }
	gate, _ := newTestGate(t, func() time.Time { return clock() })

	request, err := gate.Request(ctx, "epic-1", "", epic.ApprovalReasonBudgetOverrun, "", time.Minute)
	require.NoError(t, err)

	// First poll happens after the deadline has already passed.
	clock = func() time.Time { return now.Add(2 * time.Minute) }
	status, err := gate.Poll(ctx, request.ID)
	require.NoError(t, err)
	require.Equal(t, epic.ApprovalTimedOut, status)

	// A decision arriving after the timeout is refused.
	_, err = gate.Decide(ctx, request.ID, epic.DecisionApproved)
	require.ErrorIs(t, err, epic.ErrApprovalConflict)
}

func TestGateInvalidDecision(t *testing.T) {
	gate, _ := newTestGate(t, nil)
	_, err := gate.Decide(context.Background(), "apr-x", "maybe")
	require.Error(t, err)

	_, err = gate.Decide(context.Background(), "apr-missing", epic.DecisionApproved)
	require.ErrorIs(t, err, epic.ErrApprovalNotFound)
}
