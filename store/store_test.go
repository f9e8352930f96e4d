package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/deepnoodle-ai/epic"
	"github.com/stretchr/testify/require"
)

func storesUnderTest(t *testing.T) map[string]Store {
	t.Helper()
	sqlite, err := NewSQLiteStore(filepath.Join(t.TempDir(), "epic.db"), DefaultSQLiteOptions())
	require.NoError(t, err)
	t.Cleanup(func() { sqlite.Close() })
	return map[string]Store{
		"memory": NewMemoryStore(),
		"file":   NewFileStore(t.TempDir()),
		"sqlite": sqlite,
	}
}

func newTestState(id string, phase epic.Phase) *epic.EpicState {
	now := time.Now()
	return &epic.EpicState{
		ID:        id,
		Request:   "do something useful",
		Phase:     phase,
		Ledger:    epic.NewCostLedger(10),
		CreatedAt: now,
		UpdatedAt: now,
	}
}

func TestStoreCheckpointVersioning(t *testing.T) {
	for name, s := range storesUnderTest(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			state := newTestState("epic-1", epic.PhasePlanning)

			v1, err := s.AppendCheckpoint(ctx, state)
			require.NoError(t, err)
			require.Equal(t, int64(1), v1)

			state.Phase = epic.PhaseExecuting
			v2, err := s.AppendCheckpoint(ctx, state)
			require.NoError(t, err)
			require.Equal(t, int64(2), v2)

			latest, err := s.LatestCheckpoint(ctx, "epic-1")
			require.NoError(t, err)
			require.Equal(t, int64(2), latest.Version)
			require.Equal(t, epic.PhaseExecuting, latest.Phase)
			require.Equal(t, "do something useful", latest.State.Request)

			// History is retained: earlier versions remain readable.
			first, err := s.GetCheckpoint(ctx, "epic-1", 1)
			require.NoError(t, err)
			require.Equal(t, epic.PhasePlanning, first.Phase)

			_, err = s.GetCheckpoint(ctx, "epic-1", 99)
			require.ErrorIs(t, err, epic.ErrEpicNotFound)
		})
	}
}

func TestStoreLatestCheckpointMissing(t *testing.T) {
	for name, s := range storesUnderTest(t) {
		t.Run(name, func(t *testing.T) {
			_, err := s.LatestCheckpoint(context.Background(), "nope")
			require.ErrorIs(t, err, epic.ErrEpicNotFound)
		})
	}
}

func TestStoreListEpics(t *testing.T) {
	for name, s := range storesUnderTest(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()

			a := newTestState("epic-a", epic.PhaseExecuting)
			a.CreatedAt = time.Now().Add(-2 * time.Hour)
			b := newTestState("epic-b", epic.PhaseComplete)
			b.CreatedAt = time.Now().Add(-1 * time.Hour)

			_, err := s.AppendCheckpoint(ctx, a)
			require.NoError(t, err)
			_, err = s.AppendCheckpoint(ctx, b)
			require.NoError(t, err)

			all, err := s.ListEpics(ctx, EpicFilter{})
			require.NoError(t, err)
			require.Len(t, all, 2)
			require.Equal(t, "epic-b", all[0].ID) // newest first

			complete, err := s.ListEpics(ctx, EpicFilter{Phase: epic.PhaseComplete})
			require.NoError(t, err)
			require.Len(t, complete, 1)
			require.Equal(t, "epic-b", complete[0].ID)

			limited, err := s.ListEpics(ctx, EpicFilter{Limit: 1, Offset: 1})
			require.NoError(t, err)
			require.Len(t, limited, 1)
			require.Equal(t, "epic-a", limited[0].ID)

			// An offset without a limit skips the newest entries.
			offsetOnly, err := s.ListEpics(ctx, EpicFilter{Offset: 1})
			require.NoError(t, err)
			require.Len(t, offsetOnly, 1)
			require.Equal(t, "epic-a", offsetOnly[0].ID)

			_, err = s.ListEpics(ctx, EpicFilter{Limit: -1})
			require.Error(t, err)
		})
	}
}

func TestStoreCleanupTerminal(t *testing.T) {
	for name, s := range storesUnderTest(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()

			old := newTestState("epic-old", epic.PhaseComplete)
			old.UpdatedAt = time.Now().Add(-48 * time.Hour)
			running := newTestState("epic-running", epic.PhaseExecuting)
			running.UpdatedAt = time.Now().Add(-48 * time.Hour)

			_, err := s.AppendCheckpoint(ctx, old)
			require.NoError(t, err)
			_, err = s.AppendCheckpoint(ctx, running)
			require.NoError(t, err)

			require.NoError(t, s.CleanupTerminal(ctx, time.Now().Add(-24*time.Hour)))

			_, err = s.LatestCheckpoint(ctx, "epic-old")
			require.ErrorIs(t, err, epic.ErrEpicNotFound)

			// Non-terminal epics survive regardless of age.
			_, err = s.LatestCheckpoint(ctx, "epic-running")
			require.NoError(t, err)
		})
	}
}

func TestStoreApprovals(t *testing.T) {
	for name, s := range storesUnderTest(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			request := &epic.ApprovalRequest{
				ID:        "apr-1",
				EpicID:    "epic-1",
				Reason:    epic.ApprovalReasonBudgetOverrun,
				CreatedAt: time.Now(),
				TimeoutAt: time.Now().Add(time.Hour),
			}
			require.NoError(t, s.SaveApproval(ctx, request))

			loaded, err := s.GetApproval(ctx, "apr-1")
			require.NoError(t, err)
			require.Equal(t, epic.ApprovalReasonBudgetOverrun, loaded.Reason)
			require.False(t, loaded.Resolved())

			// Updates overwrite the stored record.
			request.Decision = epic.DecisionApproved
			request.DecidedAt = time.Now()
			require.NoError(t, s.SaveApproval(ctx, request))

			loaded, err = s.GetApproval(ctx, "apr-1")
			require.NoError(t, err)
			require.True(t, loaded.Resolved())

			_, err = s.GetApproval(ctx, "missing")
			require.ErrorIs(t, err, epic.ErrApprovalNotFound)
		})
	}
}

func TestStoreSnapshotRefs(t *testing.T) {
	for name, s := range storesUnderTest(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			first := &epic.Snapshot{
				ID: "snap-1", EpicID: "epic-1", TakenBeforeStep: "analyze",
				Ref: "ref-1", CreatedAt: time.Now().Add(-time.Minute),
			}
			second := &epic.Snapshot{
				ID: "snap-2", EpicID: "epic-1", TakenBeforeStep: "apply",
				Ref: "ref-2", CreatedAt: time.Now(),
			}
			require.NoError(t, s.SaveSnapshotRef(ctx, first))
			require.NoError(t, s.SaveSnapshotRef(ctx, second))

			refs, err := s.ListSnapshotRefs(ctx, "epic-1")
			require.NoError(t, err)
			require.Len(t, refs, 2)
			require.Equal(t, "snap-1", refs[0].ID)

			require.NoError(t, s.DeleteSnapshotRef(ctx, "epic-1", "snap-2"))
			refs, err = s.ListSnapshotRefs(ctx, "epic-1")
			require.NoError(t, err)
			require.Len(t, refs, 1)

			// Deleting an unknown ref is a no-op.
			require.NoError(t, s.DeleteSnapshotRef(ctx, "epic-1", "missing"))
		})
	}
}
