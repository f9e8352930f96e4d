package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/deepnoodle-ai/epic"
)

// MemoryStore is an in-memory Store for tests and ephemeral runs.
type MemoryStore struct {
	mutex       sync.RWMutex
	checkpoints map[string][]*Checkpoint
	approvals   map[string]*epic.ApprovalRequest
	snapshots   map[string][]*epic.Snapshot
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		checkpoints: map[string][]*Checkpoint{},
		approvals:   map[string]*epic.ApprovalRequest{},
		snapshots:   map[string][]*epic.Snapshot{},
	}
}

func (s *MemoryStore) AppendCheckpoint(ctx context.Context, state *epic.EpicState) (int64, error) {
	if state == nil || state.ID == "" {
		return 0, fmt.Errorf("state with epic id is required")
	}
	s.mutex.Lock()
	defer s.mutex.Unlock()

	version := int64(len(s.checkpoints[state.ID]) + 1)
	checkpoint := &Checkpoint{
		EpicID:    state.ID,
		Version:   version,
		Phase:     state.Phase,
		State:     state.Clone(),
		CreatedAt: time.Now(),
	}
	s.checkpoints[state.ID] = append(s.checkpoints[state.ID], checkpoint)
	return version, nil
}

func (s *MemoryStore) LatestCheckpoint(ctx context.Context, epicID string) (*Checkpoint, error) {
	s.mutex.RLock()
	defer s.mutex.RUnlock()

	versions := s.checkpoints[epicID]
	if len(versions) == 0 {
		return nil, fmt.Errorf("%w: %s", epic.ErrEpicNotFound, epicID)
	}
	return cloneCheckpoint(versions[len(versions)-1]), nil
}

func (s *MemoryStore) GetCheckpoint(ctx context.Context, epicID string, version int64) (*Checkpoint, error) {
	s.mutex.RLock()
	defer s.mutex.RUnlock()

	versions := s.checkpoints[epicID]
	if version < 1 || version > int64(len(versions)) {
		return nil, fmt.Errorf("%w: %s version %d", epic.ErrEpicNotFound, epicID, version)
	}
	return cloneCheckpoint(versions[version-1]), nil
}

func (s *MemoryStore) ListEpics(ctx context.Context, filter EpicFilter) ([]*epic.EpicState, error) {
	if err := filter.Validate(); err != nil {
		return nil, fmt.Errorf("invalid filter: %w", err)
	}
	s.mutex.RLock()
	defer s.mutex.RUnlock()

	var latest []*Checkpoint
	for _, versions := range s.checkpoints {
		if len(versions) == 0 {
			continue
		}
		checkpoint := versions[len(versions)-1]
		if filter.Phase != "" && checkpoint.Phase != filter.Phase {
			continue
		}
		latest = append(latest, checkpoint)
	}
	sort.Slice(latest, func(i, j int) bool {
		return latest[i].State.CreatedAt.After(latest[j].State.CreatedAt)
	})

	states := make([]*epic.EpicState, 0, len(latest))
	for _, checkpoint := range latest {
		states = append(states, checkpoint.State.Clone())
	}
	return paginate(states, filter), nil
}

func (s *MemoryStore) CleanupTerminal(ctx context.Context, olderThan time.Time) error {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	for epicID, versions := range s.checkpoints {
		if len(versions) == 0 {
			continue
		}
		latest := versions[len(versions)-1]
		if latest.Phase.Terminal() && latest.State.UpdatedAt.Before(olderThan) {
			delete(s.checkpoints, epicID)
			delete(s.snapshots, epicID)
			for id, approval := range s.approvals {
				if approval.EpicID == epicID {
					delete(s.approvals, id)
				}
			}
		}
	}
	return nil
}

func (s *MemoryStore) SaveApproval(ctx context.Context, request *epic.ApprovalRequest) error {
	if request == nil || request.ID == "" {
		return fmt.Errorf("approval request with id is required")
	}
	s.mutex.Lock()
	defer s.mutex.Unlock()

	clone := *request
	s.approvals[request.ID] = &clone
	return nil
}

func (s *MemoryStore) GetApproval(ctx context.Context, requestID string) (*epic.ApprovalRequest, error) {
	s.mutex.RLock()
	defer s.mutex.RUnlock()

	request, ok := s.approvals[requestID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", epic.ErrApprovalNotFound, requestID)
	}
	clone := *request
	return &clone, nil
}

func (s *MemoryStore) SaveSnapshotRef(ctx context.Context, snapshot *epic.Snapshot) error {
	if snapshot == nil || snapshot.ID == "" || snapshot.EpicID == "" {
		return fmt.Errorf("snapshot with id and epic id is required")
	}
	s.mutex.Lock()
	defer s.mutex.Unlock()

	clone := *snapshot
	s.snapshots[snapshot.EpicID] = append(s.snapshots[snapshot.EpicID], &clone)
	return nil
}

func (s *MemoryStore) ListSnapshotRefs(ctx context.Context, epicID string) ([]*epic.Snapshot, error) {
	s.mutex.RLock()
	defer s.mutex.RUnlock()

	refs := s.snapshots[epicID]
	out := make([]*epic.Snapshot, 0, len(refs))
	for _, ref := range refs {
		clone := *ref
		out = append(out, &clone)
	}
	return out, nil
}

func (s *MemoryStore) DeleteSnapshotRef(ctx context.Context, epicID, snapshotID string) error {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	refs := s.snapshots[epicID]
	for i, ref := range refs {
		if ref.ID == snapshotID {
			s.snapshots[epicID] = append(refs[:i:i], refs[i+1:]...)
			return nil
		}
	}
	return nil
}

func (s *MemoryStore) Close() error { return nil }

func cloneCheckpoint(c *Checkpoint) *Checkpoint {
	clone := *c
	clone.State = c.State.Clone()
	return &clone
}

func paginate(states []*epic.EpicState, filter EpicFilter) []*epic.EpicState {
	start := filter.Offset
	if start >= len(states) {
		return []*epic.EpicState{}
	}
	end := len(states)
	if filter.Limit > 0 && start+filter.Limit < end {
		end = start + filter.Limit
	}
	return states[start:end]
}
