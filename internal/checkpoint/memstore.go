package checkpoint

import (
	"context"
	"sort"
	"sync"

	"maestro/internal/domain/run"
)

// MemStore is an in-memory Checkpointer used in tests and one-shot runs.
type MemStore struct {
	mu    sync.RWMutex
	state map[string]*run.Run // keyed run_id; thread_id checked on Get
}

// NewMemStore creates an empty in-memory checkpointer.
func NewMemStore() *MemStore {
	return &MemStore{state: make(map[string]*run.Run)}
}

// Put stores a deep copy of the run.
func (m *MemStore) Put(ctx context.Context, r *run.Run) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.state[r.RunID] = r.Clone()
	return nil
}

// Get returns a deep copy of the stored run.
func (m *MemStore) Get(ctx context.Context, runID, threadID string) (*run.Run, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.state[runID]
	if !ok || (threadID != "" && r.ThreadID != threadID) {
		return nil, ErrNotFound
	}
	return r.Clone(), nil
}

// List returns summaries newest first.
func (m *MemStore) List(ctx context.Context, limit, offset int) ([]RunSummary, int, error) {
	if err := ctx.Err(); err != nil {
		return nil, 0, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()

	summaries := make([]RunSummary, 0, len(m.state))
	for _, r := range m.state {
		summaries = append(summaries, Summarize(r))
	}
	sort.Slice(summaries, func(i, j int) bool {
		return summaries[i].UpdatedAt.After(summaries[j].UpdatedAt)
	})

	total := len(summaries)
	if offset >= total {
		return nil, total, nil
	}
	summaries = summaries[offset:]
	if limit > 0 && len(summaries) > limit {
		summaries = summaries[:limit]
	}
	return summaries, total, nil
}

// Delete removes a run.
func (m *MemStore) Delete(ctx context.Context, runID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.state, runID)
	return nil
}
