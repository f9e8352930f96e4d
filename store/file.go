package store

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/deepnoodle-ai/epic"
)

// FileStore implements Store using the local filesystem. Each epic gets a
// directory containing an append-only checkpoints.jsonl and a latest.json
// written atomically via rename. Approval requests live in a shared
// approvals directory so they can be looked up by request id alone.
type FileStore struct {
	basePath string
	mutex    sync.RWMutex
}

// NewFileStore creates a file-backed store rooted at basePath.
func NewFileStore(basePath string) *FileStore {
	return &FileStore{basePath: basePath}
}

func (s *FileStore) epicDir(epicID string) string {
	return filepath.Join(s.basePath, "epics", epicID)
}

func (s *FileStore) approvalPath(requestID string) string {
	return filepath.Join(s.basePath, "approvals", requestID+".json")
}

func (s *FileStore) AppendCheckpoint(ctx context.Context, state *epic.EpicState) (int64, error) {
	if state == nil || state.ID == "" {
		return 0, fmt.Errorf("state with epic id is required")
	}
	s.mutex.Lock()
	defer s.mutex.Unlock()

	dir := s.epicDir(state.ID)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return 0, fmt.Errorf("failed to create epic directory: %w", err)
	}

	existing, err := s.readCheckpoints(state.ID)
	if err != nil {
		return 0, err
	}
	version := int64(len(existing) + 1)

	checkpoint := &Checkpoint{
		EpicID:    state.ID,
		Version:   version,
		Phase:     state.Phase,
		State:     state,
		CreatedAt: time.Now(),
	}

	file, err := os.OpenFile(filepath.Join(dir, "checkpoints.jsonl"),
		os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return 0, fmt.Errorf("failed to open checkpoint log: %w", err)
	}
	defer file.Close()

	if err := json.NewEncoder(file).Encode(checkpoint); err != nil {
		return 0, fmt.Errorf("failed to encode checkpoint: %w", err)
	}

	if err := writeJSONAtomic(filepath.Join(dir, "latest.json"), checkpoint); err != nil {
		return 0, err
	}
	return version, nil
}

func (s *FileStore) readCheckpoints(epicID string) ([]*Checkpoint, error) {
	file, err := os.Open(filepath.Join(s.epicDir(epicID), "checkpoints.jsonl"))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to open checkpoint log: %w", err)
	}
	defer file.Close()

	var checkpoints []*Checkpoint
	scanner := bufio.NewScanner(file)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		var checkpoint Checkpoint
		if err := json.Unmarshal(scanner.Bytes(), &checkpoint); err != nil {
			return nil, fmt.Errorf("failed to decode checkpoint: %w", err)
		}
		checkpoints = append(checkpoints, &checkpoint)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to read checkpoint log: %w", err)
	}
	return checkpoints, nil
}

func (s *FileStore) LatestCheckpoint(ctx context.Context, epicID string) (*Checkpoint, error) {
	s.mutex.RLock()
	defer s.mutex.RUnlock()

	var checkpoint Checkpoint
	err := readJSON(filepath.Join(s.epicDir(epicID), "latest.json"), &checkpoint)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s", epic.ErrEpicNotFound, epicID)
		}
		return nil, err
	}
	return &checkpoint, nil
}

func (s *FileStore) GetCheckpoint(ctx context.Context, epicID string, version int64) (*Checkpoint, error) {
	s.mutex.RLock()
	defer s.mutex.RUnlock()

	checkpoints, err := s.readCheckpoints(epicID)
	if err != nil {
		return nil, err
	}
	if version < 1 || version > int64(len(checkpoints)) {
		return nil, fmt.Errorf("%w: %s version %d", epic.ErrEpicNotFound, epicID, version)
	}
	return checkpoints[version-1], nil
}

func (s *FileStore) ListEpics(ctx context.Context, filter EpicFilter) ([]*epic.EpicState, error) {
	if err := filter.Validate(); err != nil {
		return nil, fmt.Errorf("invalid filter: %w", err)
	}
	s.mutex.RLock()
	defer s.mutex.RUnlock()

	entries, err := os.ReadDir(filepath.Join(s.basePath, "epics"))
	if err != nil {
		if os.IsNotExist(err) {
			return []*epic.EpicState{}, nil
		}
		return nil, fmt.Errorf("failed to read epics directory: %w", err)
	}

	var states []*epic.EpicState
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		var checkpoint Checkpoint
		if err := readJSON(filepath.Join(s.epicDir(entry.Name()), "latest.json"), &checkpoint); err != nil {
			continue
		}
		if filter.Phase != "" && checkpoint.Phase != filter.Phase {
			continue
		}
		states = append(states, checkpoint.State)
	}
	sort.Slice(states, func(i, j int) bool {
		return states[i].CreatedAt.After(states[j].CreatedAt)
	})
	return paginate(states, filter), nil
}

func (s *FileStore) CleanupTerminal(ctx context.Context, olderThan time.Time) error {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	entries, err := os.ReadDir(filepath.Join(s.basePath, "epics"))
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("failed to read epics directory: %w", err)
	}
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		var checkpoint Checkpoint
		if err := readJSON(filepath.Join(s.epicDir(entry.Name()), "latest.json"), &checkpoint); err != nil {
			continue
		}
		if !checkpoint.Phase.Terminal() || !checkpoint.State.UpdatedAt.Before(olderThan) {
			continue
		}
		if err := os.RemoveAll(s.epicDir(entry.Name())); err != nil {
			return fmt.Errorf("failed to remove epic %s: %w", entry.Name(), err)
		}
	}
	return nil
}

func (s *FileStore) SaveApproval(ctx context.Context, request *epic.ApprovalRequest) error {
	if request == nil || request.ID == "" {
		return fmt.Errorf("approval request with id is required")
	}
	s.mutex.Lock()
	defer s.mutex.Unlock()

	if err := os.MkdirAll(filepath.Join(s.basePath, "approvals"), 0755); err != nil {
		return fmt.Errorf("failed to create approvals directory: %w", err)
	}
	return writeJSONAtomic(s.approvalPath(request.ID), request)
}

func (s *FileStore) GetApproval(ctx context.Context, requestID string) (*epic.ApprovalRequest, error) {
	s.mutex.RLock()
	defer s.mutex.RUnlock()

	var request epic.ApprovalRequest
	if err := readJSON(s.approvalPath(requestID), &request); err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s", epic.ErrApprovalNotFound, requestID)
		}
		return nil, err
	}
	return &request, nil
}

func (s *FileStore) SaveSnapshotRef(ctx context.Context, snapshot *epic.Snapshot) error {
	if snapshot == nil || snapshot.ID == "" || snapshot.EpicID == "" {
		return fmt.Errorf("snapshot with id and epic id is required")
	}
	s.mutex.Lock()
	defer s.mutex.Unlock()

	refs, err := s.readSnapshotRefs(snapshot.EpicID)
	if err != nil {
		return err
	}
	refs = append(refs, snapshot)
	return s.writeSnapshotRefs(snapshot.EpicID, refs)
}

func (s *FileStore) ListSnapshotRefs(ctx context.Context, epicID string) ([]*epic.Snapshot, error) {
	s.mutex.RLock()
	defer s.mutex.RUnlock()
	return s.readSnapshotRefs(epicID)
}

func (s *FileStore) DeleteSnapshotRef(ctx context.Context, epicID, snapshotID string) error {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	refs, err := s.readSnapshotRefs(epicID)
	if err != nil {
		return err
	}
	kept := refs[:0]
	for _, ref := range refs {
		if ref.ID != snapshotID {
			kept = append(kept, ref)
		}
	}
	return s.writeSnapshotRefs(epicID, kept)
}

func (s *FileStore) readSnapshotRefs(epicID string) ([]*epic.Snapshot, error) {
	var refs []*epic.Snapshot
	err := readJSON(filepath.Join(s.epicDir(epicID), "snapshots.json"), &refs)
	if err != nil {
		if os.IsNotExist(err) {
			return []*epic.Snapshot{}, nil
		}
		return nil, err
	}
	return refs, nil
}

func (s *FileStore) writeSnapshotRefs(epicID string, refs []*epic.Snapshot) error {
	dir := s.epicDir(epicID)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create epic directory: %w", err)
	}
	return writeJSONAtomic(filepath.Join(dir, "snapshots.json"), refs)
}

func (s *FileStore) Close() error { return nil }

// writeJSONAtomic writes to a temp file and renames it into place so readers
// never observe a partial record.
func writeJSONAtomic(path string, value any) error {
	tempPath := path + ".tmp"
	file, err := os.Create(tempPath)
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	encoder := json.NewEncoder(file)
	encoder.SetIndent("", "  ")
	if err := encoder.Encode(value); err != nil {
		file.Close()
		os.Remove(tempPath)
		return fmt.Errorf("failed to encode %s: %w", filepath.Base(path), err)
	}
	if err := file.Close(); err != nil {
		os.Remove(tempPath)
		return fmt.Errorf("failed to close temp file: %w", err)
	}
	if err := os.Rename(tempPath, path); err != nil {
		os.Remove(tempPath)
		return fmt.Errorf("failed to rename %s: %w", filepath.Base(path), err)
	}
	return nil
}

func readJSON(path string, value any) error {
	file, err := os.Open(path)
	if err != nil {
		return err
	}
	defer file.Close()
	if err := json.NewDecoder(file).Decode(value); err != nil {
		return fmt.Errorf("failed to decode %s: %w", filepath.Base(path), err)
	}
	return nil
}
