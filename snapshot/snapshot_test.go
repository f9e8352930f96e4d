package snapshot

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/deepnoodle-ai/epic"
	"github.com/deepnoodle-ai/epic/store"
	"github.com/stretchr/testify/require"
)

func TestManagerSnapshotAndRestore(t *testing.T) {
	ctx := context.Background()
	provider := NewMemoryProvider(map[string]string{"config": "v1"})
	manager := NewManager(provider, store.NewMemoryStore(), nil)

	snap, err := manager.Snapshot(ctx, "epic-1", "apply")
	require.NoError(t, err)
	require.Equal(t, "epic-1", snap.EpicID)
	require.Equal(t, "apply", snap.TakenBeforeStep)

	// A side effect happens, then the step fails and we roll back.
	provider.Set("config", "v2")
	provider.Set("extra", "oops")

	require.NoError(t, manager.Restore(ctx, "epic-1", snap.ID))
	require.Equal(t, map[string]string{"config": "v1"}, provider.View())

	// Restoring again when state already matches is a no-op.
	require.NoError(t, manager.Restore(ctx, "epic-1", snap.ID))
	require.Equal(t, map[string]string{"config": "v1"}, provider.View())
}

func TestManagerRestoreUnknownSnapshot(t *testing.T) {
	manager := NewManager(NewMemoryProvider(nil), store.NewMemoryStore(), nil)
	err := manager.Restore(context.Background(), "epic-1", "snap-missing")
	require.ErrorIs(t, err, epic.ErrSnapshotNotFound)
}

func TestManagerGCRetainsInitialSnapshot(t *testing.T) {
	ctx := context.Background()
	provider := NewMemoryProvider(map[string]string{"a": "1"})
	st := store.NewMemoryStore()
	manager := NewManager(provider, st, nil)

	initial, err := manager.Snapshot(ctx, "epic-1", "step-1")
	require.NoError(t, err)
	_, err = manager.Snapshot(ctx, "epic-1", "step-2")
	require.NoError(t, err)
	_, err = manager.Snapshot(ctx, "epic-1", "step-3")
	require.NoError(t, err)

	require.NoError(t, manager.GC(ctx, "epic-1"))

	refs, err := st.ListSnapshotRefs(ctx, "epic-1")
	require.NoError(t, err)
	require.Len(t, refs, 1)
	require.Equal(t, initial.ID, refs[0].ID)

	// The retained snapshot is still restorable.
	require.NoError(t, manager.Restore(ctx, "epic-1", initial.ID))
}

func TestDirProviderRoundTrip(t *testing.T) {
	ctx := context.Background()
	root := t.TempDir()

	writeFile(t, root, "src/main.go", "package main\n")
	writeFile(t, root, "src/util.go", "package main // util\n")
	writeFile(t, root, "build/out.bin", "binary")

	provider, err := NewDirProvider(DirProviderOptions{
		Root:          root,
		SnapshotsPath: t.TempDir(),
		Include:       []string{"src/**"},
	})
	require.NoError(t, err)

	ref, err := provider.Capture(ctx, "epic-1")
	require.NoError(t, err)

	// Mutate, add and delete files inside the snapshotted subtree, plus one
	// outside it.
	writeFile(t, root, "src/main.go", "package main // changed\n")
	writeFile(t, root, "src/new.go", "package main // new\n")
	require.NoError(t, os.Remove(filepath.Join(root, "src/util.go")))
	writeFile(t, root, "build/out.bin", "binary v2")

	require.NoError(t, provider.Restore(ctx, ref))

	require.Equal(t, "package main\n", readFile(t, root, "src/main.go"))
	require.Equal(t, "package main // util\n", readFile(t, root, "src/util.go"))
	_, err = os.Stat(filepath.Join(root, "src/new.go"))
	require.True(t, os.IsNotExist(err))

	// Excluded paths are left alone by restore.
	require.Equal(t, "binary v2", readFile(t, root, "build/out.bin"))
}

func TestDirProviderDiscard(t *testing.T) {
	ctx := context.Background()
	root := t.TempDir()
	writeFile(t, root, "a.txt", "hello")

	provider, err := NewDirProvider(DirProviderOptions{
		Root:          root,
		SnapshotsPath: t.TempDir(),
	})
	require.NoError(t, err)

	ref, err := provider.Capture(ctx, "epic-1")
	require.NoError(t, err)
	require.NoError(t, provider.Discard(ctx, ref))

	err = provider.Restore(ctx, ref)
	require.Error(t, err)
}

func TestDirProviderExclude(t *testing.T) {
	ctx := context.Background()
	root := t.TempDir()
	writeFile(t, root, "kept.txt", "kept")
	writeFile(t, root, "logs/app.log", "noise")

	provider, err := NewDirProvider(DirProviderOptions{
		Root:          root,
		SnapshotsPath: t.TempDir(),
		Exclude:       []string{"logs/**"},
	})
	require.NoError(t, err)

	ref, err := provider.Capture(ctx, "epic-1")
	require.NoError(t, err)

	writeFile(t, root, "logs/app.log", "more noise")
	require.NoError(t, provider.Restore(ctx, ref))
	require.Equal(t, "more noise", readFile(t, root, "logs/app.log"))
}

func writeFile(t *testing.T, root, relPath, content string) {
	t.Helper()
	path := filepath.Join(root, relPath)
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
}

func readFile(t *testing.T, root, relPath string) string {
	t.Helper()
	data, err := os.ReadFile(filepath.Join(root, relPath))
	require.NoError(t, err)
	return string(data)
}
