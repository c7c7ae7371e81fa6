// Package controlplane is the command surface over runs: lifecycle commands,
// dependency edits, memory inspection, and HITL resolution. Transport lives
// elsewhere; everything here is expressed against the store, the
// checkpointer, and the broadcast hub.
package controlplane

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	lru "github.com/hashicorp/golang-lru/v2"

	"maestro/internal/async"
	"maestro/internal/broadcast"
	"maestro/internal/checkpoint"
	"maestro/internal/domain/run"
	"maestro/internal/llm"
	"maestro/internal/logging"
)

// Launcher runs the dispatch loop for one run until it exits. The control
// plane owns when loops start and stop; the launcher owns how they execute.
type Launcher interface {
	Launch(ctx context.Context, runID string) (run.Status, error)
}

// CreateRunRequest carries the fields of a new run.
type CreateRunRequest struct {
	Objective string         `json:"objective"`
	Spec      map[string]any `json:"spec,omitempty"`
	Workspace string         `json:"workspace,omitempty"`
	Tags      []string       `json:"tags,omitempty"`
}

// ListResponse is one page of run summaries.
type ListResponse struct {
	Items   []checkpoint.RunSummary `json:"items"`
	Total   int                     `json:"total"`
	HasMore bool                    `json:"has_more"`
}

// InterruptState is the pending HITL payload, if any.
type InterruptState struct {
	Interrupted bool                   `json:"interrupted"`
	Data        *run.PendingResolution `json:"data,omitempty"`
}

// UpdateTaskRequest is a dependency-only task edit.
type UpdateTaskRequest struct {
	AddDependency    string `json:"add_dependency,omitempty"`
	RemoveDependency string `json:"remove_dependency,omitempty"`
}

const (
	maxListLimit     = 100
	defaultListLimit = 20
	memoryCacheSize  = 128
)

type loopHandle struct {
	cancel context.CancelFunc
	done   chan struct{}
}

// Manager implements the control plane over a shared store and checkpointer.
type Manager struct {
	store    *run.Store
	cp       checkpoint.Checkpointer
	hub      *broadcast.Hub
	launcher Launcher
	logger   *logging.Logger

	// Memories of checkpoint-loaded runs, keyed run_id/task_id. Live runs
	// read through the store instead so the cache never serves stale state.
	memories *lru.Cache[string, []llm.Message]

	mu    sync.Mutex
	loops map[string]*loopHandle
}

// NewManager wires a control plane.
func NewManager(store *run.Store, cp checkpoint.Checkpointer, hub *broadcast.Hub, launcher Launcher, logger *logging.Logger) *Manager {
	cache, err := lru.New[string, []llm.Message](memoryCacheSize)
	if err != nil {
		// lru.New only errors on a non-positive size.
		panic(err)
	}
	return &Manager{
		store:    store,
		cp:       cp,
		hub:      hub,
		launcher: launcher,
		logger:   logging.OrNop(logger),
		memories: cache,
		loops:    make(map[string]*loopHandle),
	}
}

// CreateRun registers a run, checkpoints it, and starts its dispatch loop.
func (m *Manager) CreateRun(ctx context.Context, req CreateRunRequest) (string, error) {
	if req.Objective == "" {
		return "", fmt.Errorf("objective is required")
	}
	now := time.Now()
	r := &run.Run{
		RunID:         uuid.NewString(),
		ThreadID:      uuid.NewString(),
		Objective:     req.Objective,
		Spec:          req.Spec,
		WorkspacePath: req.Workspace,
		Tags:          req.Tags,
		Status:        run.StatusRunning,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if err := m.store.Create(r); err != nil {
		return "", err
	}
	if err := m.cp.Put(ctx, r); err != nil {
		return "", err
	}
	m.hub.Publish(broadcast.Event{Type: broadcast.TypeRunListUpdate, RunID: r.RunID, Timestamp: time.Now()})
	m.launchLoop(r.RunID)
	m.logger.Info("run created", "run_id", r.RunID, "objective", req.Objective)
	return r.RunID, nil
}

// GetRun returns the run snapshot, loading it from the checkpointer when the
// process no longer holds it in memory.
func (m *Manager) GetRun(ctx context.Context, runID string) (*run.Run, error) {
	if r, err := m.store.Get(runID); err == nil {
		return r, nil
	}
	return m.cp.Get(ctx, runID, "")
}

// ListRuns pages over run summaries, newest first.
func (m *Manager) ListRuns(ctx context.Context, limit, offset int) (*ListResponse, error) {
	if limit <= 0 {
		limit = defaultListLimit
	}
	if limit > maxListLimit {
		limit = maxListLimit
	}
	if offset < 0 {
		offset = 0
	}
	items, total, err := m.cp.List(ctx, limit, offset)
	if err != nil {
		return nil, err
	}
	return &ListResponse{Items: items, Total: total, HasMore: offset+len(items) < total}, nil
}

// Pause asks the run's loop to stop after its current iteration.
func (m *Manager) Pause(ctx context.Context, runID string) error {
	r, err := m.store.Get(runID)
	if err != nil {
		return err
	}
	if r.Status.IsTerminal() {
		return fmt.Errorf("run %s is %s and cannot be paused", runID, r.Status)
	}
	paused := run.StatusPaused
	if _, err := m.store.Apply(runID, run.Patch{Status: &paused}); err != nil {
		return err
	}
	return m.persist(ctx, runID)
}

// Resume restarts the loop of a paused run.
func (m *Manager) Resume(ctx context.Context, runID string) error {
	r, err := m.ensureLoaded(ctx, runID)
	if err != nil {
		return err
	}
	if r.Status != run.StatusPaused {
		return fmt.Errorf("run %s is %s, not paused", runID, r.Status)
	}
	m.launchLoop(runID)
	return nil
}

// Cancel hard-cancels the run: all worker jobs unwind, the run ends in
// cancelled.
func (m *Manager) Cancel(ctx context.Context, runID string) error {
	m.mu.Lock()
	handle, live := m.loops[runID]
	m.mu.Unlock()
	if live {
		handle.cancel()
		<-handle.done
		return nil
	}

	r, err := m.ensureLoaded(ctx, runID)
	if err != nil {
		return err
	}
	if r.Status.IsTerminal() {
		return fmt.Errorf("run %s is already %s", runID, r.Status)
	}
	cancelled := run.StatusCancelled
	if _, err := m.store.Apply(runID, run.Patch{Status: &cancelled}); err != nil {
		return err
	}
	return m.persist(ctx, runID)
}

// Restart re-enters the dispatch loop from the last checkpoint.
func (m *Manager) Restart(ctx context.Context, runID string) error {
	m.mu.Lock()
	_, live := m.loops[runID]
	m.mu.Unlock()
	if live {
		return fmt.Errorf("run %s is already running", runID)
	}
	if _, err := m.ensureLoaded(ctx, runID); err != nil {
		return err
	}
	m.launchLoop(runID)
	return nil
}

// Replan flags the run so the director re-runs plan integration.
func (m *Manager) Replan(ctx context.Context, runID string) error {
	requested := true
	if _, err := m.store.Apply(runID, run.Patch{ReplanRequested: &requested}); err != nil {
		return err
	}
	return m.persist(ctx, runID)
}

// UpdateTask edits a task's dependencies. The reducer rejects edits that
// would close a cycle.
func (m *Manager) UpdateTask(ctx context.Context, runID, taskID string, req UpdateTaskRequest) error {
	r, err := m.store.Get(runID)
	if err != nil {
		return err
	}
	t := r.Task(taskID)
	if t == nil {
		return fmt.Errorf("task %s not found in run %s", taskID, runID)
	}
	clone := t.Clone()
	if req.AddDependency != "" {
		if r.Task(req.AddDependency) == nil {
			return fmt.Errorf("dependency %s not found", req.AddDependency)
		}
		clone.DependsOn = appendUnique(clone.DependsOn, req.AddDependency)
	}
	if req.RemoveDependency != "" {
		clone.DependsOn = remove(clone.DependsOn, req.RemoveDependency)
	}
	if _, err := m.store.Apply(runID, run.Patch{Tasks: []*run.Task{clone}}); err != nil {
		return err
	}
	return m.persist(ctx, runID)
}

// AbandonTask marks the task abandoned; the director re-evaluates dependents
// on its next tick.
func (m *Manager) AbandonTask(ctx context.Context, runID, taskID string) error {
	r, err := m.store.Get(runID)
	if err != nil {
		return err
	}
	t := r.Task(taskID)
	if t == nil {
		return fmt.Errorf("task %s not found in run %s", taskID, runID)
	}
	clone := t.Clone()
	clone.Status = run.TaskAbandoned
	patch := run.Patch{Tasks: []*run.Task{clone}}
	if r.PendingResolution != nil && r.PendingResolution.TaskID == taskID {
		patch.ClearPendingResolution = true
	}
	if _, err := m.store.Apply(runID, patch); err != nil {
		return err
	}
	return m.persist(ctx, runID)
}

// GetTaskMemories returns a task's stored conversation. Live runs read
// through the store; checkpoint-loaded runs go through the LRU so repeated
// inspection of archived runs does not re-parse full state.
func (m *Manager) GetTaskMemories(ctx context.Context, runID, taskID string) ([]llm.Message, error) {
	if r, err := m.store.Get(runID); err == nil {
		return r.TaskMemories[taskID], nil
	}
	key := runID + "/" + taskID
	if msgs, ok := m.memories.Get(key); ok {
		return msgs, nil
	}
	r, err := m.cp.Get(ctx, runID, "")
	if err != nil {
		return nil, err
	}
	msgs := r.TaskMemories[taskID]
	m.memories.Add(key, msgs)
	return msgs, nil
}

// GetInterrupts returns the pending HITL payload, if any.
func (m *Manager) GetInterrupts(ctx context.Context, runID string) (*InterruptState, error) {
	r, err := m.GetRun(ctx, runID)
	if err != nil {
		return nil, err
	}
	return &InterruptState{Interrupted: r.PendingResolution != nil, Data: r.PendingResolution}, nil
}

// Resolve applies a human decision to a waiting_human task and restarts the
// loop. The first resolve clears the pending payload, so a second identical
// resolve is rejected.
func (m *Manager) Resolve(ctx context.Context, runID string, res run.Resolution) error {
	r, err := m.ensureLoaded(ctx, runID)
	if err != nil {
		return err
	}
	if r.PendingResolution == nil {
		return fmt.Errorf("run %s has no pending resolution", runID)
	}
	if res.TaskID != r.PendingResolution.TaskID {
		return fmt.Errorf("resolution targets task %s but %s is pending", res.TaskID, r.PendingResolution.TaskID)
	}
	t := r.Task(res.TaskID)
	if t == nil {
		return fmt.Errorf("task %s not found in run %s", res.TaskID, runID)
	}

	patch := run.Patch{ClearPendingResolution: true}
	switch res.Action {
	case run.ResolveRetry:
		clone := t.Clone()
		clone.Status = run.TaskPlanned
		clone.RetryCount = 0
		if res.ModifiedDescription != "" {
			clone.Description = res.ModifiedDescription
		}
		if len(res.ModifiedCriteria) > 0 {
			clone.AcceptanceCriteria = res.ModifiedCriteria
		}
		patch.Tasks = append(patch.Tasks, clone)

	case run.ResolveSpawnNewTask:
		if res.NewTask == nil {
			return fmt.Errorf("spawn_new_task requires a task")
		}
		abandoned := t.Clone()
		abandoned.Status = run.TaskAbandoned
		patch.Tasks = append(patch.Tasks, abandoned)

		replacement := res.NewTask.Clone()
		if replacement.ID == "" {
			replacement.ID = uuid.NewString()
		}
		if replacement.Phase == "" {
			replacement.Phase = t.Phase
		}
		replacement.Status = run.TaskPlanned
		patch.Tasks = append(patch.Tasks, replacement)

		// Rewire dependents of the abandoned task onto the replacement.
		for _, dep := range r.Tasks {
			if dep.ID == t.ID || !contains(dep.DependsOn, t.ID) {
				continue
			}
			rewired := dep.Clone()
			rewired.DependsOn = append(remove(rewired.DependsOn, t.ID), replacement.ID)
			patch.Tasks = append(patch.Tasks, rewired)
		}

	case run.ResolveAbandon:
		clone := t.Clone()
		clone.Status = run.TaskAbandoned
		patch.Tasks = append(patch.Tasks, clone)

	default:
		return fmt.Errorf("unknown resolution action %q", res.Action)
	}

	if _, err := m.store.Apply(runID, patch); err != nil {
		return err
	}
	if err := m.persist(ctx, runID); err != nil {
		return err
	}
	m.logger.Info("resolution applied", "run_id", runID, "task_id", res.TaskID, "action", string(res.Action))
	m.launchLoop(runID)
	return nil
}

// Shutdown cancels every live loop and waits for them to exit.
func (m *Manager) Shutdown() {
	m.mu.Lock()
	handles := make([]*loopHandle, 0, len(m.loops))
	for _, h := range m.loops {
		handles = append(handles, h)
	}
	m.mu.Unlock()
	for _, h := range handles {
		h.cancel()
		<-h.done
	}
}

// ensureLoaded makes the run available in the store, pulling it from the
// checkpointer after a process restart.
func (m *Manager) ensureLoaded(ctx context.Context, runID string) (*run.Run, error) {
	if r, err := m.store.Get(runID); err == nil {
		return r, nil
	}
	r, err := m.cp.Get(ctx, runID, "")
	if err != nil {
		return nil, err
	}
	if err := m.store.Create(r); err != nil {
		return nil, err
	}
	return r, nil
}

// persist checkpoints the current snapshot and announces the change.
func (m *Manager) persist(ctx context.Context, runID string) error {
	r, err := m.store.Get(runID)
	if err != nil {
		return err
	}
	if err := m.cp.Put(ctx, r); err != nil {
		return err
	}
	m.hub.Publish(broadcast.Event{
		Type:      broadcast.TypeStateUpdate,
		RunID:     runID,
		Timestamp: time.Now(),
		Payload:   checkpoint.Summarize(r),
	})
	return nil
}

// launchLoop starts the run's dispatch loop if it is not already live.
func (m *Manager) launchLoop(runID string) {
	m.mu.Lock()
	if _, live := m.loops[runID]; live {
		m.mu.Unlock()
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	handle := &loopHandle{cancel: cancel, done: make(chan struct{})}
	m.loops[runID] = handle
	m.mu.Unlock()

	async.Go(m.logger, "loop-"+runID, func() {
		defer close(handle.done)
		defer func() {
			m.mu.Lock()
			delete(m.loops, runID)
			m.mu.Unlock()
		}()
		status, err := m.launcher.Launch(ctx, runID)
		if err != nil {
			m.logger.Error("dispatch loop failed", "run_id", runID, "err", err)
		} else {
			m.logger.Info("dispatch loop exited", "run_id", runID, "status", string(status))
		}
		m.hub.Publish(broadcast.Event{Type: broadcast.TypeRunListUpdate, RunID: runID, Timestamp: time.Now()})
	})
}

func appendUnique(ids []string, id string) []string {
	if contains(ids, id) {
		return ids
	}
	return append(ids, id)
}

func remove(ids []string, id string) []string {
	out := ids[:0]
	for _, existing := range ids {
		if existing != id {
			out = append(out, existing)
		}
	}
	return out
}

func contains(ids []string, id string) bool {
	for _, existing := range ids {
		if existing == id {
			return true
		}
	}
	return false
}
