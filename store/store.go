// Package store provides durable, versioned persistence for epic
// orchestration state: one record per EpicState version (checkpoint), one
// per approval request and one per snapshot reference, all keyed by epic id.
// Checkpoints are append-only with monotonically increasing versions.
package store

import (
	"context"
	"fmt"
	"time"

	"github.com/deepnoodle-ai/epic"
)

// Checkpoint is one durable version of an epic's orchestration state.
type Checkpoint struct {
	EpicID    string          `json:"epic_id"`
	Version   int64           `json:"version"`
	Phase     epic.Phase      `json:"phase"`
	State     *epic.EpicState `json:"state"`
	CreatedAt time.Time       `json:"created_at"`
}

// Validate checks that the checkpoint is well formed.
func (c *Checkpoint) Validate() error {
	if c.EpicID == "" {
		return fmt.Errorf("checkpoint epic id is required")
	}
	if c.Version <= 0 {
		return fmt.Errorf("checkpoint version must be positive")
	}
	if c.State == nil {
		return fmt.Errorf("checkpoint state is required")
	}
	return nil
}

// EpicFilter selects epics for listing.
type EpicFilter struct {
	Phase  epic.Phase
	Limit  int
	Offset int
}

// Validate checks filter parameters.
func (f EpicFilter) Validate() error {
	if f.Limit < 0 {
		return fmt.Errorf("limit must not be negative")
	}
	if f.Offset < 0 {
		return fmt.Errorf("offset must not be negative")
	}
	if f.Phase != "" && !f.Phase.Valid() {
		return fmt.Errorf("invalid phase %q", f.Phase)
	}
	return nil
}

// Store persists orchestration state. Implementations must support
// concurrent appends from independent epics without interference; version
// assignment is serialized per epic by the store.
type Store interface {
	// AppendCheckpoint durably records a new version of the given state and
	// returns the assigned version number.
	AppendCheckpoint(ctx context.Context, state *epic.EpicState) (int64, error)

	// LatestCheckpoint returns the most recent checkpoint for an epic, or an
	// error wrapping epic.ErrEpicNotFound.
	LatestCheckpoint(ctx context.Context, epicID string) (*Checkpoint, error)

	// GetCheckpoint returns a specific checkpoint version.
	GetCheckpoint(ctx context.Context, epicID string, version int64) (*Checkpoint, error)

	// ListEpics returns the latest state of each epic matching the filter,
	// newest first.
	ListEpics(ctx context.Context, filter EpicFilter) ([]*epic.EpicState, error)

	// CleanupTerminal removes all records for epics that reached a terminal
	// phase before the given time.
	CleanupTerminal(ctx context.Context, olderThan time.Time) error

	// SaveApproval inserts or updates an approval request record.
	SaveApproval(ctx context.Context, request *epic.ApprovalRequest) error

	// GetApproval returns an approval request by id, or an error wrapping
	// epic.ErrApprovalNotFound.
	GetApproval(ctx context.Context, requestID string) (*epic.ApprovalRequest, error)

	// SaveSnapshotRef records a snapshot reference.
	SaveSnapshotRef(ctx context.Context, snapshot *epic.Snapshot) error

	// ListSnapshotRefs returns all snapshot references for an epic in
	// creation order.
	ListSnapshotRefs(ctx context.Context, epicID string) ([]*epic.Snapshot, error)

	// DeleteSnapshotRef removes one snapshot reference.
	DeleteSnapshotRef(ctx context.Context, epicID, snapshotID string) error

	// Close releases any resources held by the store.
	Close() error
}
