package controlplane

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"maestro/internal/broadcast"
	"maestro/internal/checkpoint"
	"maestro/internal/domain/run"
	"maestro/internal/errors"
	"maestro/internal/llm"
)

type fakeLauncher struct {
	mu       sync.Mutex
	launches []string
	block    bool
	exit     run.Status
	store    *run.Store
}

func (f *fakeLauncher) Launch(ctx context.Context, runID string) (run.Status, error) {
	f.mu.Lock()
	f.launches = append(f.launches, runID)
	f.mu.Unlock()
	if f.block {
		<-ctx.Done()
		cancelled := run.StatusCancelled
		if f.store != nil {
			_, _ = f.store.Apply(runID, run.Patch{Status: &cancelled})
		}
		return run.StatusCancelled, nil
	}
	return f.exit, nil
}

func (f *fakeLauncher) launched() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.launches...)
}

func newManager(launcher *fakeLauncher) (*Manager, *run.Store, *checkpoint.MemStore, *fakeLauncher) {
	store := run.NewStore()
	cp := checkpoint.NewMemStore()
	hub := broadcast.NewHub(nil)
	if launcher == nil {
		launcher = &fakeLauncher{exit: run.StatusCompleted}
	}
	launcher.store = store
	return NewManager(store, cp, hub, launcher, nil), store, cp, launcher
}

func seed(t *testing.T, store *run.Store, cp *checkpoint.MemStore, r *run.Run) {
	t.Helper()
	require.NoError(t, store.Create(r))
	require.NoError(t, cp.Put(context.Background(), r))
}

func waitingRun() *run.Run {
	stuck := &run.Task{ID: "t1", Title: "stuck build", Phase: run.PhaseBuild, Status: run.TaskWaitingHuman, RetryCount: 3}
	return &run.Run{
		RunID: "r1", Objective: "objective", Status: run.StatusInterrupted,
		Tasks:             []*run.Task{stuck},
		PendingResolution: &run.PendingResolution{TaskID: "t1", Task: stuck.Clone(), Reason: "retry budget exhausted", CreatedAt: time.Now()},
	}
}

func TestCreateRunLaunchesLoop(t *testing.T) {
	m, _, cp, launcher := newManager(nil)

	id, err := m.CreateRun(context.Background(), CreateRunRequest{Objective: "build the widget", Workspace: "/ws"})
	require.NoError(t, err)
	require.NotEmpty(t, id)

	r, err := m.GetRun(context.Background(), id)
	require.NoError(t, err)
	require.Equal(t, "build the widget", r.Objective)
	require.Equal(t, run.StatusRunning, r.Status)
	require.NotEmpty(t, r.ThreadID)

	persisted, err := cp.Get(context.Background(), id, r.ThreadID)
	require.NoError(t, err)
	require.Equal(t, id, persisted.RunID)

	require.Eventually(t, func() bool {
		return len(launcher.launched()) == 1
	}, time.Second, 5*time.Millisecond)

	_, err = m.CreateRun(context.Background(), CreateRunRequest{})
	require.Error(t, err, "objective is required")
}

func TestListRunsPagination(t *testing.T) {
	m, store, cp, _ := newManager(nil)
	base := time.Now()
	for i, id := range []string{"r1", "r2", "r3"} {
		r := &run.Run{RunID: id, Objective: id, Status: run.StatusRunning, UpdatedAt: base.Add(time.Duration(i) * time.Second)}
		seed(t, store, cp, r)
	}

	page, err := m.ListRuns(context.Background(), 2, 0)
	require.NoError(t, err)
	require.Len(t, page.Items, 2)
	require.Equal(t, 3, page.Total)
	require.True(t, page.HasMore)
	require.Equal(t, "r3", page.Items[0].RunID, "newest first")

	page, err = m.ListRuns(context.Background(), 2, 2)
	require.NoError(t, err)
	require.Len(t, page.Items, 1)
	require.False(t, page.HasMore)
}

func TestPause(t *testing.T) {
	m, store, cp, _ := newManager(nil)
	seed(t, store, cp, &run.Run{RunID: "r1", Objective: "o", Status: run.StatusRunning})

	require.NoError(t, m.Pause(context.Background(), "r1"))
	r, err := store.Get("r1")
	require.NoError(t, err)
	require.Equal(t, run.StatusPaused, r.Status)

	done := &run.Run{RunID: "r2", Objective: "o", Status: run.StatusCompleted}
	seed(t, store, cp, done)
	require.Error(t, m.Pause(context.Background(), "r2"), "terminal runs cannot be paused")
}

func TestResumeRequiresPaused(t *testing.T) {
	m, store, cp, launcher := newManager(nil)
	seed(t, store, cp, &run.Run{RunID: "r1", Objective: "o", Status: run.StatusPaused})

	require.NoError(t, m.Resume(context.Background(), "r1"))
	require.Eventually(t, func() bool {
		return len(launcher.launched()) == 1
	}, time.Second, 5*time.Millisecond)

	seed(t, store, cp, &run.Run{RunID: "r2", Objective: "o", Status: run.StatusRunning})
	require.Error(t, m.Resume(context.Background(), "r2"))
}

func TestCancelWithoutLiveLoop(t *testing.T) {
	m, store, cp, _ := newManager(nil)
	seed(t, store, cp, &run.Run{RunID: "r1", Objective: "o", Status: run.StatusRunning})

	require.NoError(t, m.Cancel(context.Background(), "r1"))
	r, err := store.Get("r1")
	require.NoError(t, err)
	require.Equal(t, run.StatusCancelled, r.Status)

	persisted, err := cp.Get(context.Background(), "r1", "")
	require.NoError(t, err)
	require.Equal(t, run.StatusCancelled, persisted.Status)
}

func TestCancelLiveLoop(t *testing.T) {
	m, _, _, launcher := newManager(&fakeLauncher{block: true})

	id, err := m.CreateRun(context.Background(), CreateRunRequest{Objective: "long haul"})
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		return len(launcher.launched()) == 1
	}, time.Second, 5*time.Millisecond)

	require.NoError(t, m.Cancel(context.Background(), id))
	r, err := m.GetRun(context.Background(), id)
	require.NoError(t, err)
	require.Equal(t, run.StatusCancelled, r.Status)
}

func TestRestart(t *testing.T) {
	m, store, cp, launcher := newManager(nil)

	// Only in the checkpointer, as after a process restart.
	r := &run.Run{RunID: "r1", Objective: "o", Status: run.StatusInterrupted}
	require.NoError(t, cp.Put(context.Background(), r))

	require.NoError(t, m.Restart(context.Background(), "r1"))
	require.Eventually(t, func() bool {
		return len(launcher.launched()) == 1
	}, time.Second, 5*time.Millisecond)

	loaded, err := store.Get("r1")
	require.NoError(t, err)
	require.Equal(t, "o", loaded.Objective)
}

func TestRestartRejectsLiveLoop(t *testing.T) {
	m, _, _, launcher := newManager(&fakeLauncher{block: true})
	id, err := m.CreateRun(context.Background(), CreateRunRequest{Objective: "live"})
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		return len(launcher.launched()) == 1
	}, time.Second, 5*time.Millisecond)

	require.Error(t, m.Restart(context.Background(), id))
	m.Shutdown()
}

func TestReplanSetsFlag(t *testing.T) {
	m, store, cp, _ := newManager(nil)
	seed(t, store, cp, &run.Run{RunID: "r1", Objective: "o", Status: run.StatusRunning})

	require.NoError(t, m.Replan(context.Background(), "r1"))
	r, err := store.Get("r1")
	require.NoError(t, err)
	require.True(t, r.ReplanRequested)
}

func TestUpdateTaskDependencies(t *testing.T) {
	m, store, cp, _ := newManager(nil)
	seed(t, store, cp, &run.Run{
		RunID: "r1", Objective: "o", Status: run.StatusRunning,
		Tasks: []*run.Task{
			{ID: "a", Title: "a", Phase: run.PhaseBuild, Status: run.TaskComplete},
			{ID: "b", Title: "b", Phase: run.PhaseBuild, Status: run.TaskBlocked, DependsOn: []string{"a"}},
		},
	})

	// Closing the cycle b -> a -> b is rejected whole.
	err := m.UpdateTask(context.Background(), "r1", "a", UpdateTaskRequest{AddDependency: "b"})
	require.Error(t, err)
	require.True(t, errors.IsKind(err, errors.KindCycleDetected))
	r, _ := store.Get("r1")
	require.Empty(t, r.Task("a").DependsOn, "rejected edit must not mutate")

	require.NoError(t, m.UpdateTask(context.Background(), "r1", "b", UpdateTaskRequest{RemoveDependency: "a"}))
	r, _ = store.Get("r1")
	require.Empty(t, r.Task("b").DependsOn)

	require.Error(t, m.UpdateTask(context.Background(), "r1", "b", UpdateTaskRequest{AddDependency: "ghost"}))
}

func TestAbandonTaskClearsPendingResolution(t *testing.T) {
	m, store, cp, _ := newManager(nil)
	seed(t, store, cp, waitingRun())

	require.NoError(t, m.AbandonTask(context.Background(), "r1", "t1"))
	r, err := store.Get("r1")
	require.NoError(t, err)
	require.Equal(t, run.TaskAbandoned, r.Task("t1").Status)
	require.Nil(t, r.PendingResolution)
}

func TestResolveRetry(t *testing.T) {
	m, store, cp, launcher := newManager(nil)
	seed(t, store, cp, waitingRun())

	err := m.Resolve(context.Background(), "r1", run.Resolution{
		TaskID:              "t1",
		Action:              run.ResolveRetry,
		ModifiedDescription: "try the fallback codec",
	})
	require.NoError(t, err)

	r, err := store.Get("r1")
	require.NoError(t, err)
	resolved := r.Task("t1")
	require.Equal(t, run.TaskPlanned, resolved.Status)
	require.Zero(t, resolved.RetryCount)
	require.Equal(t, "try the fallback codec", resolved.Description)
	require.Nil(t, r.PendingResolution)
	require.Eventually(t, func() bool {
		return len(launcher.launched()) == 1
	}, time.Second, 5*time.Millisecond)

	// The first resolve cleared the payload; the same command again is
	// rejected.
	err = m.Resolve(context.Background(), "r1", run.Resolution{TaskID: "t1", Action: run.ResolveRetry})
	require.Error(t, err)
}

func TestResolveSpawnNewTaskRewiresDependents(t *testing.T) {
	m, store, cp, _ := newManager(nil)
	r := waitingRun()
	r.Tasks = append(r.Tasks, &run.Task{ID: "t2", Title: "dependent", Phase: run.PhaseTest, Status: run.TaskBlocked, DependsOn: []string{"t1"}})
	seed(t, store, cp, r)

	err := m.Resolve(context.Background(), "r1", run.Resolution{
		TaskID:  "t1",
		Action:  run.ResolveSpawnNewTask,
		NewTask: &run.Task{Title: "rebuilt from scratch"},
	})
	require.NoError(t, err)

	snap, err := store.Get("r1")
	require.NoError(t, err)
	require.Equal(t, run.TaskAbandoned, snap.Task("t1").Status)

	var replacement *run.Task
	for _, task := range snap.Tasks {
		if task.Title == "rebuilt from scratch" {
			replacement = task
		}
	}
	require.NotNil(t, replacement)
	require.Equal(t, run.TaskPlanned, replacement.Status)
	require.Equal(t, run.PhaseBuild, replacement.Phase, "phase defaults to the abandoned task's")

	dependent := snap.Task("t2")
	require.NotContains(t, dependent.DependsOn, "t1")
	require.Contains(t, dependent.DependsOn, replacement.ID)
}

func TestResolveValidations(t *testing.T) {
	m, store, cp, _ := newManager(nil)
	seed(t, store, cp, waitingRun())

	err := m.Resolve(context.Background(), "r1", run.Resolution{TaskID: "other", Action: run.ResolveRetry})
	require.Error(t, err, "resolution must target the pending task")

	err = m.Resolve(context.Background(), "r1", run.Resolution{TaskID: "t1", Action: "escalate-more"})
	require.Error(t, err, "unknown actions are rejected")

	err = m.Resolve(context.Background(), "r1", run.Resolution{TaskID: "t1", Action: run.ResolveSpawnNewTask})
	require.Error(t, err, "spawn_new_task requires a task")
}

func TestGetTaskMemories(t *testing.T) {
	m, store, cp, _ := newManager(nil)
	live := &run.Run{
		RunID: "live", Objective: "o", Status: run.StatusRunning,
		Tasks:        []*run.Task{{ID: "t1", Title: "t", Phase: run.PhaseBuild, Status: run.TaskActive}},
		TaskMemories: map[string][]llm.Message{"t1": {{Role: "assistant", Content: "from store"}}},
	}
	seed(t, store, cp, live)

	msgs, err := m.GetTaskMemories(context.Background(), "live", "t1")
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	require.Equal(t, "from store", msgs[0].Content)

	// Archived run: only in the checkpointer, served through the cache.
	archived := &run.Run{
		RunID: "cold", Objective: "o", Status: run.StatusCompleted,
		TaskMemories: map[string][]llm.Message{"t9": {{Role: "assistant", Content: "from checkpoint"}}},
	}
	require.NoError(t, cp.Put(context.Background(), archived))

	msgs, err = m.GetTaskMemories(context.Background(), "cold", "t9")
	require.NoError(t, err)
	require.Equal(t, "from checkpoint", msgs[0].Content)

	// A second read comes from the LRU, not the (now emptied) checkpoint.
	require.NoError(t, cp.Delete(context.Background(), "cold"))
	msgs, err = m.GetTaskMemories(context.Background(), "cold", "t9")
	require.NoError(t, err)
	require.Equal(t, "from checkpoint", msgs[0].Content)
}

func TestGetInterrupts(t *testing.T) {
	m, store, cp, _ := newManager(nil)
	seed(t, store, cp, waitingRun())

	state, err := m.GetInterrupts(context.Background(), "r1")
	require.NoError(t, err)
	require.True(t, state.Interrupted)
	require.Equal(t, "t1", state.Data.TaskID)

	seed(t, store, cp, &run.Run{RunID: "r2", Objective: "o", Status: run.StatusRunning})
	state, err = m.GetInterrupts(context.Background(), "r2")
	require.NoError(t, err)
	require.False(t, state.Interrupted)
	require.Nil(t, state.Data)
}
