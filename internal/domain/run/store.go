package run

import (
	"fmt"
	"sync"
	"time"
)

// Store holds the current snapshot of every run in the process. Writes to a
// single run are serialized; readers receive deep copies so no caller ever
// aliases store-owned memory.
type Store struct {
	mu   sync.RWMutex
	runs map[string]*runEntry
}

type runEntry struct {
	mu  sync.Mutex
	run *Run
}

// NewStore creates an empty store.
func NewStore() *Store {
	return &Store{runs: make(map[string]*runEntry)}
}

// Create registers a new run. The run id must be unused.
func (s *Store) Create(r *Run) error {
	if r == nil || r.RunID == "" {
		return fmt.Errorf("run id required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.runs[r.RunID]; exists {
		return fmt.Errorf("run already exists: %s", r.RunID)
	}
	clone := r.Clone()
	if clone.CreatedAt.IsZero() {
		clone.CreatedAt = time.Now()
	}
	clone.UpdatedAt = clone.CreatedAt
	s.runs[r.RunID] = &runEntry{run: clone}
	return nil
}

// Get returns a deep copy of the run.
func (s *Store) Get(runID string) (*Run, error) {
	entry, err := s.entry(runID)
	if err != nil {
		return nil, err
	}
	entry.mu.Lock()
	defer entry.mu.Unlock()
	return entry.run.Clone(), nil
}

// Apply validates the patch against the run's invariants and applies it
// atomically, returning the resulting snapshot. A patch whose task merge
// would introduce a dependency cycle is rejected whole with no mutation.
func (s *Store) Apply(runID string, patch Patch) (*Run, error) {
	entry, err := s.entry(runID)
	if err != nil {
		return nil, err
	}
	entry.mu.Lock()
	defer entry.mu.Unlock()

	if err := patch.validate(entry.run); err != nil {
		return nil, err
	}
	patch.apply(entry.run)
	return entry.run.Clone(), nil
}

// Update runs fn under the run's write lock against a scratch copy, then
// applies the patch fn returns. Used for read-and-modify sequences that must
// not interleave with other writers.
func (s *Store) Update(runID string, fn func(r *Run) (Patch, error)) (*Run, error) {
	entry, err := s.entry(runID)
	if err != nil {
		return nil, err
	}
	entry.mu.Lock()
	defer entry.mu.Unlock()

	patch, err := fn(entry.run.Clone())
	if err != nil {
		return nil, err
	}
	if err := patch.validate(entry.run); err != nil {
		return nil, err
	}
	patch.apply(entry.run)
	return entry.run.Clone(), nil
}

// Replace swaps the stored run wholesale. Used when rehydrating from a
// checkpoint.
func (s *Store) Replace(r *Run) error {
	if r == nil || r.RunID == "" {
		return fmt.Errorf("run id required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	entry, exists := s.runs[r.RunID]
	if !exists {
		s.runs[r.RunID] = &runEntry{run: r.Clone()}
		return nil
	}
	entry.mu.Lock()
	entry.run = r.Clone()
	entry.mu.Unlock()
	return nil
}

// Delete removes a run from the store.
func (s *Store) Delete(runID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.runs, runID)
}

// IDs returns the ids of every run currently held.
func (s *Store) IDs() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ids := make([]string, 0, len(s.runs))
	for id := range s.runs {
		ids = append(ids, id)
	}
	return ids
}

func (s *Store) entry(runID string) (*runEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	entry, ok := s.runs[runID]
	if !ok {
		return nil, fmt.Errorf("run not found: %s", runID)
	}
	return entry, nil
}
