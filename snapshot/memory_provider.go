package snapshot

import (
	"context"
	"fmt"
	"sync"

	"github.com/deepnoodle-ai/epic"
)

// MemoryProvider snapshots an in-memory key-value tree. Intended for tests
// and for executors whose side effects are tracked in process.
type MemoryProvider struct {
	mutex    sync.Mutex
	state    map[string]string
	captures map[string]map[string]string
	counter  int
}

// NewMemoryProvider creates a provider over the given mutable state map.
// The map is shared with the caller; Capture copies it and Restore writes
// the copy back.
func NewMemoryProvider(state map[string]string) *MemoryProvider {
	if state == nil {
		state = map[string]string{}
	}
	return &MemoryProvider{
		state:    state,
		captures: map[string]map[string]string{},
	}
}

// Set mutates external state, standing in for a workflow step's side effect.
func (p *MemoryProvider) Set(key, value string) {
	p.mutex.Lock()
	defer p.mutex.Unlock()
	p.state[key] = value
}

// Get reads external state.
func (p *MemoryProvider) Get(key string) (string, bool) {
	p.mutex.Lock()
	defer p.mutex.Unlock()
	value, ok := p.state[key]
	return value, ok
}

// View returns a copy of the current external state.
func (p *MemoryProvider) View() map[string]string {
	p.mutex.Lock()
	defer p.mutex.Unlock()
	return copyTree(p.state)
}

func (p *MemoryProvider) Capture(ctx context.Context, epicID string) (string, error) {
	p.mutex.Lock()
	defer p.mutex.Unlock()
	p.counter++
	ref := fmt.Sprintf("mem-%s-%d", epicID, p.counter)
	p.captures[ref] = copyTree(p.state)
	return ref, nil
}

func (p *MemoryProvider) Restore(ctx context.Context, ref string) error {
	p.mutex.Lock()
	defer p.mutex.Unlock()
	captured, ok := p.captures[ref]
	if !ok {
		return fmt.Errorf("%w: ref %s", epic.ErrSnapshotNotFound, ref)
	}
	for key := range p.state {
		delete(p.state, key)
	}
	for key, value := range captured {
		p.state[key] = value
	}
	return nil
}

func (p *MemoryProvider) Discard(ctx context.Context, ref string) error {
	p.mutex.Lock()
	defer p.mutex.Unlock()
	delete(p.captures, ref)
	return nil
}

func copyTree(m map[string]string) map[string]string {
	out := make(map[string]string, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
