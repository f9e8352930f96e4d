// Package snapshot creates restorable snapshots of external side effects
// before workflow steps run, and reverts to a prior snapshot on failure. The
// mechanism is abstracted behind [Provider] so any content-addressable or
// version-control backend can serve, in the style of a git commit/checkout.
package snapshot

import (
	"context"
	"fmt"
	"time"

	"github.com/deepnoodle-ai/epic"
	"github.com/deepnoodle-ai/epic/slogger"
	"github.com/deepnoodle-ai/epic/store"
)

// Provider is a versioned-state backend. Capture must be atomic from the
// caller's point of view: either a complete restorable reference is returned
// or nothing is recorded. Restore must be safe to call when external state
// already matches the snapshot.
type Provider interface {
	Capture(ctx context.Context, epicID string) (ref string, err error)
	Restore(ctx context.Context, ref string) error
	Discard(ctx context.Context, ref string) error
}

// Manager coordinates snapshot captures, restores and garbage collection,
// recording a durable reference for every snapshot taken.
type Manager struct {
	provider Provider
	store    store.Store
	logger   slogger.Logger
}

// NewManager creates a snapshot manager.
func NewManager(provider Provider, st store.Store, logger slogger.Logger) *Manager {
	if logger == nil {
		logger = slogger.DefaultLogger
	}
	return &Manager{provider: provider, store: st, logger: logger}
}

// Snapshot captures external state before the named step runs and records a
// durable reference. If the reference cannot be recorded the capture is
// discarded, so a snapshot is either fully recorded or absent.
func (m *Manager) Snapshot(ctx context.Context, epicID, beforeStep string) (*epic.Snapshot, error) {
	ref, err := m.provider.Capture(ctx, epicID)
	if err != nil {
		return nil, fmt.Errorf("snapshot capture failed: %w", err)
	}
	snap := &epic.Snapshot{
		ID:              epic.NewID("snap"),
		EpicID:          epicID,
		TakenBeforeStep: beforeStep,
		Ref:             ref,
		CreatedAt:       time.Now(),
	}
	if err := m.store.SaveSnapshotRef(ctx, snap); err != nil {
		if discardErr := m.provider.Discard(ctx, ref); discardErr != nil {
			m.logger.Warn("failed to discard orphaned capture", "ref", ref, "error", discardErr)
		}
		return nil, fmt.Errorf("failed to record snapshot reference: %w", err)
	}
	m.logger.Debug("snapshot taken", "epic_id", epicID, "snapshot_id", snap.ID, "before_step", beforeStep)
	return snap, nil
}

// Restore reverts external state to the given snapshot. A failure here is
// fatal for the epic and is reported wrapping epic.ErrRollbackFailed.
func (m *Manager) Restore(ctx context.Context, epicID, snapshotID string) error {
	snap, err := m.find(ctx, epicID, snapshotID)
	if err != nil {
		return err
	}
	if err := m.provider.Restore(ctx, snap.Ref); err != nil {
		return fmt.Errorf("%w: snapshot %s: %v", epic.ErrRollbackFailed, snapshotID, err)
	}
	m.logger.Info("restored snapshot", "epic_id", epicID, "snapshot_id", snapshotID)
	return nil
}

// GC removes snapshots for a terminal epic. The very first (initial)
// snapshot is retained for audit.
func (m *Manager) GC(ctx context.Context, epicID string) error {
	refs, err := m.store.ListSnapshotRefs(ctx, epicID)
	if err != nil {
		return fmt.Errorf("failed to list snapshots: %w", err)
	}
	for i, snap := range refs {
		if i == 0 {
			continue
		}
		if err := m.provider.Discard(ctx, snap.Ref); err != nil {
			return fmt.Errorf("failed to discard snapshot %s: %w", snap.ID, err)
		}
		if err := m.store.DeleteSnapshotRef(ctx, epicID, snap.ID); err != nil {
			return fmt.Errorf("failed to delete snapshot reference %s: %w", snap.ID, err)
		}
	}
	m.logger.Debug("snapshot gc complete", "epic_id", epicID, "removed", max(0, len(refs)-1))
	return nil
}

func (m *Manager) find(ctx context.Context, epicID, snapshotID string) (*epic.Snapshot, error) {
	refs, err := m.store.ListSnapshotRefs(ctx, epicID)
	if err != nil {
		return nil, fmt.Errorf("failed to list snapshots: %w", err)
	}
	for _, snap := range refs {
		if snap.ID == snapshotID {
			return snap, nil
		}
	}
	return nil, fmt.Errorf("%w: %s", epic.ErrSnapshotNotFound, snapshotID)
}
