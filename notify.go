package epic

import (
	"context"
	"time"
)

// EventType classifies notifications published to the external Notifier
type EventType string

const (
	EventApprovalRequested EventType = "approval.requested"
	EventApprovalResolved  EventType = "approval.resolved"
	EventCostWarning       EventType = "cost.warning"
	EventEpicCompleted     EventType = "epic.completed"
	EventEpicFailed        EventType = "epic.failed"
	EventEpicCancelled     EventType = "epic.cancelled"
)

// Event is one notification published by the engine. Payload contents are
// event-type specific and opaque to the engine.
type Event struct {
	Type    EventType              `json:"type"`
	EpicID  string                 `json:"epic_id"`
	Time    time.Time              `json:"time"`
	Payload map[string]interface{} `json:"payload,omitempty"`
}

// Notifier delivers events to an external notification channel. Publication
// is fire-and-forget from the engine's perspective: delivery failures are
// retried at the adapter layer and never change epic state.
type Notifier interface {
	Publish(ctx context.Context, event *Event) error
}

// Tracker synchronizes epic and step status to an external issue tracker.
// Like the Notifier it is fire-and-forget.
type Tracker interface {
	Publish(ctx context.Context, epicID, stepID, status string) error
}

// NullNotifier discards all events.
type NullNotifier struct{}

func (NullNotifier) Publish(ctx context.Context, event *Event) error { return nil }

// NullTracker discards all status updates.
type NullTracker struct{}

func (NullTracker) Publish(ctx context.Context, epicID, stepID, status string) error { return nil }
