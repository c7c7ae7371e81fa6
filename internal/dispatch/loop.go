// Package dispatch runs the per-run controller loop: collect worker
// completions, tick the director, hand ready tasks to the worker pool, tick
// the strategist, and decide termination. A checkpoint is durable before the
// broadcast that announces it, so a subscriber never observes state that a
// crash could lose.
package dispatch

import (
	"context"
	stderrors "errors"
	"sort"
	"time"

	"maestro/internal/broadcast"
	"maestro/internal/checkpoint"
	"maestro/internal/director"
	"maestro/internal/domain/run"
	"maestro/internal/llm"
	"maestro/internal/logging"
	"maestro/internal/queue"
	"maestro/internal/strategist"
	"maestro/internal/tools"
	"maestro/internal/worker"
)

// Worktrees is the slice of the worktree manager the dispatcher drives.
type Worktrees interface {
	CreateWorktree(ctx context.Context, taskID string, retry int) (path, branch string, err error)
	AdoptWorktree(taskID, sourceTaskID string) error
	PathFor(taskID string) string
	RecoverWorktrees(ctx context.Context, activeTaskIDs []string) ([]string, error)
}

// Executor runs one worker job. Satisfied by worker.Agent.
type Executor interface {
	Execute(ctx context.Context, req worker.Request) (*worker.Result, error)
}

// Deps are the injected services one loop drives.
type Deps struct {
	Store       *run.Store
	Director    *director.Director
	Strategist  *strategist.Strategist
	Executor    Executor
	Trees       Worktrees
	Checkpoints checkpoint.Checkpointer
	Hub         *broadcast.Hub
}

// Config tunes one loop instance. Zero values select defaults.
type Config struct {
	MaxConcurrentWorkers int
	DeadlockThreshold    int           // consecutive idle iterations before giving up
	CompletionWait       time.Duration // wait for a completion while jobs are in flight
	IdleSleep            time.Duration // sleep when nothing is in flight
	Metrics              *Metrics
	Logger               *logging.Logger
}

const (
	defaultMaxWorkers        = 3
	defaultDeadlockThreshold = 10
	defaultCompletionWait    = time.Second
	defaultIdleSleep         = 100 * time.Millisecond
)

// Loop is the controller for a single run. Logically single-threaded: one
// iteration at a time, with worker jobs as the only concurrent parts.
type Loop struct {
	runID   string
	deps    Deps
	cfg     Config
	jobs    *queue.Queue[*worker.Result]
	metrics *Metrics
	logger  *logging.Logger
}

// NewLoop wires a loop for one run.
func NewLoop(runID string, deps Deps, cfg Config) *Loop {
	if cfg.MaxConcurrentWorkers <= 0 {
		cfg.MaxConcurrentWorkers = defaultMaxWorkers
	}
	if cfg.DeadlockThreshold <= 0 {
		cfg.DeadlockThreshold = defaultDeadlockThreshold
	}
	if cfg.CompletionWait <= 0 {
		cfg.CompletionWait = defaultCompletionWait
	}
	if cfg.IdleSleep <= 0 {
		cfg.IdleSleep = defaultIdleSleep
	}
	metrics := cfg.Metrics
	if metrics == nil {
		metrics = defaultMetrics()
	}
	logger := logging.OrNop(cfg.Logger).With("run_id", runID)
	return &Loop{
		runID:   runID,
		deps:    deps,
		cfg:     cfg,
		jobs:    queue.New[*worker.Result](cfg.MaxConcurrentWorkers, logger),
		metrics: metrics,
		logger:  logger,
	}
}

// Run executes the loop until the run reaches a terminal status, the run is
// paused, or ctx is cancelled. The returned status is also persisted.
func (l *Loop) Run(ctx context.Context) (run.Status, error) {
	if err := l.recover(ctx); err != nil {
		return "", err
	}

	idle := 0
	for {
		start := time.Now()
		if ctx.Err() != nil {
			return l.shutdown(ctx, run.StatusCancelled)
		}

		snap, err := l.deps.Store.Get(l.runID)
		if err != nil {
			return "", err
		}
		switch snap.Status {
		case run.StatusPaused:
			return l.shutdown(ctx, run.StatusPaused)
		case run.StatusCancelled:
			return l.shutdown(ctx, run.StatusCancelled)
		}

		mutated, err := l.collect(ctx)
		if err != nil {
			return l.fail(ctx, err)
		}

		dirMutated, err := l.directorTick(ctx)
		if err != nil {
			return l.fail(ctx, err)
		}
		mutated = mutated || dirMutated

		dispatched, err := l.dispatch(ctx)
		if err != nil {
			return l.fail(ctx, err)
		}
		mutated = mutated || dispatched

		qaMutated, err := l.strategistTick(ctx)
		if err != nil {
			return l.fail(ctx, err)
		}
		mutated = mutated || qaMutated

		l.metrics.ObserveIteration(time.Since(start))
		l.metrics.SetActiveWorkers(l.jobs.ActiveCount())

		snap, err = l.deps.Store.Get(l.runID)
		if err != nil {
			return "", err
		}
		switch {
		case len(snap.Tasks) > 0 && snap.AllTasksTerminal():
			return l.finish(ctx, run.StatusCompleted, broadcast.TypeRunComplete, checkpoint.Summarize(snap))
		case director.HasEscalation(snap) && !l.actionable(snap):
			l.deps.Hub.Publish(event(broadcast.TypeHumanNeeded, l.runID, snap.PendingResolution))
			return l.finish(ctx, run.StatusInterrupted, broadcast.TypeInterrupted, snap.PendingResolution)
		}

		// A live worker is progress even when nothing changed this iteration.
		if mutated || l.jobs.HasWork() {
			idle = 0
		} else {
			idle++
			if idle >= l.cfg.DeadlockThreshold {
				l.logger.Error("dispatch deadlock", "idle_iterations", idle)
				return l.finish(ctx, run.StatusDeadlock, broadcast.TypeError,
					map[string]any{"reason": "no state mutation across consecutive iterations"})
			}
		}

		if l.jobs.HasWork() {
			l.jobs.WaitForAny(ctx, l.cfg.CompletionWait)
		} else {
			select {
			case <-time.After(l.cfg.IdleSleep):
			case <-ctx.Done():
			}
		}
	}
}

// recover reconciles on-disk worktrees with the store and returns previously
// active tasks to ready; their workers did not survive the last process.
func (l *Loop) recover(ctx context.Context) error {
	snap, err := l.deps.Store.Get(l.runID)
	if err != nil {
		return err
	}

	active := snap.TasksByStatus(run.TaskActive)
	ids := make([]string, 0, len(active))
	for _, t := range active {
		ids = append(ids, t.ID)
	}
	missing, err := l.deps.Trees.RecoverWorktrees(ctx, ids)
	if err != nil {
		return err
	}
	gone := make(map[string]bool, len(missing))
	for _, id := range missing {
		gone[id] = true
	}

	patch := run.Patch{}
	for _, t := range active {
		clone := t.Clone()
		clone.Status = run.TaskReady
		clone.StartedAt = nil
		if gone[t.ID] {
			clone.WorktreePath = ""
			clone.BranchName = ""
		}
		patch.Tasks = append(patch.Tasks, clone)
		l.logger.Info("active task returned to ready", "task_id", t.ID, "worktree_missing", gone[t.ID])
	}
	running := run.StatusRunning
	patch.Status = &running
	_, err = l.deps.Store.Apply(l.runID, patch)
	return err
}

// collect drains finished jobs and folds each result into the store:
// memories first, then the task record. Reports whether anything landed.
func (l *Loop) collect(ctx context.Context) (bool, error) {
	completions := l.jobs.CollectCompleted()
	for _, c := range completions {
		if err := l.mergeCompletion(ctx, c); err != nil {
			return false, err
		}
	}
	return len(completions) > 0, nil
}

func (l *Loop) mergeCompletion(ctx context.Context, c queue.Completion[*worker.Result]) error {
	snap, err := l.deps.Store.Get(l.runID)
	if err != nil {
		return err
	}
	t := snap.Task(c.TaskID)
	if t == nil {
		l.logger.Warn("completion for unknown task", "task_id", c.TaskID)
		return nil
	}

	patch := run.Patch{}
	clone := t.Clone()
	switch {
	case c.Err != nil && stderrors.Is(c.Err, context.Canceled):
		// Cancelled workers commit nothing; the task stays active and the
		// next restart returns it to ready.
		l.logger.Info("worker cancelled", "task_id", c.TaskID)
		return nil
	case c.Err != nil:
		clone.Status = run.TaskPendingFailed
		clone.AAR = &run.AAR{Summary: "worker exception: " + c.Err.Error()}
		l.metrics.IncCompletion("exception")
		l.logger.Error("worker exception", "task_id", c.TaskID, "err", c.Err)
	default:
		res := c.Result
		clone.Status = res.Status
		if clone.Status == run.TaskBlocked {
			// Blocked is a dependency state owned by the director; an executor
			// claiming it is treated like any other failure.
			clone.Status = run.TaskPendingFailed
			if res.AAR == nil {
				clone.AAR = &run.AAR{Summary: "worker declared the task blocked"}
			}
		}
		clone.ResultPath = res.ResultPath
		if res.AAR != nil {
			clone.AAR = res.AAR
		}
		clone.Escalation = res.Escalation
		clone.Checkpoint = res.Checkpoint
		clone.WaitingForTasks = res.WaitingForTasks
		if len(res.SuggestedTasks) > 0 {
			clone.SuggestedTasks = res.SuggestedTasks
		}
		patch.Insights = res.Insights
		if len(res.Messages) > 0 {
			patch.TaskMemories = map[string][]llm.Message{c.TaskID: res.Messages}
		}
		l.metrics.IncCompletion(string(clone.Status))
		l.logger.Info("worker finished", "task_id", c.TaskID, "status", string(clone.Status))
	}
	patch.Tasks = []*run.Task{clone}
	if _, err := l.deps.Store.Apply(l.runID, patch); err != nil {
		return err
	}
	return l.publish(ctx, broadcast.TypeTaskUpdate, taskEvent(clone))
}

// directorTick runs one director pass and applies its patch.
func (l *Loop) directorTick(ctx context.Context) (bool, error) {
	snap, err := l.deps.Store.Get(l.runID)
	if err != nil {
		return false, err
	}
	patch, err := l.deps.Director.Tick(ctx, snap)
	if err != nil {
		return false, err
	}
	if patch == nil || patch.IsZero() {
		return false, nil
	}
	updated, err := l.deps.Store.Apply(l.runID, *patch)
	if err != nil {
		return false, err
	}
	return true, l.publish(ctx, broadcast.TypeStateUpdate, checkpoint.Summarize(updated))
}

// dispatch hands ready tasks to the pool, priority descending then insertion
// order, up to the free slots.
func (l *Loop) dispatch(ctx context.Context) (bool, error) {
	snap, err := l.deps.Store.Get(l.runID)
	if err != nil {
		return false, err
	}
	ready := snap.TasksByStatus(run.TaskReady)
	if len(ready) == 0 {
		return false, nil
	}
	sort.SliceStable(ready, func(i, j int) bool { return ready[i].Priority > ready[j].Priority })

	dispatched := false
	for _, t := range ready {
		if l.jobs.AvailableSlots() == 0 {
			break
		}
		if err := l.start(ctx, t); err != nil {
			return dispatched, err
		}
		dispatched = true
	}
	return dispatched, nil
}

// start activates one task: allocate its worktree, flip it active, spawn the
// worker job.
func (l *Loop) start(ctx context.Context, t *run.Task) error {
	clone := t.Clone()
	path, branch, err := l.allocateWorktree(ctx, clone)
	if err != nil {
		l.logger.Error("worktree allocation failed", "task_id", t.ID, "err", err)
		clone.Status = run.TaskPendingFailed
		clone.AAR = &run.AAR{Summary: "worktree allocation failed: " + err.Error()}
		_, applyErr := l.deps.Store.Apply(l.runID, run.Patch{Tasks: []*run.Task{clone}})
		return applyErr
	}

	now := time.Now()
	clone.Status = run.TaskActive
	clone.StartedAt = &now
	clone.WorktreePath = path
	if branch != "" {
		clone.BranchName = branch
	}
	// A fresh attempt starts without the previous attempt's judgement.
	clone.QAVerdict = nil
	clone.Escalation = nil

	updated, err := l.deps.Store.Apply(l.runID, run.Patch{Tasks: []*run.Task{clone}})
	if err != nil {
		return err
	}

	req := worker.Request{
		Task:     clone.Clone(),
		Run:      updated,
		Binding:  tools.NewBinding(path),
		Memories: updated.TaskMemories[t.ID],
	}
	if !l.jobs.Spawn(ctx, t.ID, func(jobCtx context.Context) (*worker.Result, error) {
		return l.deps.Executor.Execute(jobCtx, req)
	}) {
		// Slot raced away between the check and the spawn; undo the flip.
		revert := clone.Clone()
		revert.Status = run.TaskReady
		revert.StartedAt = nil
		_, err := l.deps.Store.Apply(l.runID, run.Patch{Tasks: []*run.Task{revert}})
		return err
	}

	l.metrics.IncDispatched()
	l.logger.Info("task dispatched", "task_id", t.ID, "profile", string(clone.Profile()), "priority", clone.Priority)
	return l.publish(ctx, broadcast.TypeTaskUpdate, taskEvent(clone))
}

// allocateWorktree materializes the checkout a task runs in. Merger tasks
// adopt the conflicted worktree of the task they resolve.
func (l *Loop) allocateWorktree(ctx context.Context, t *run.Task) (path, branch string, err error) {
	if t.UseWorktreeTaskID != "" {
		if err := l.deps.Trees.AdoptWorktree(t.ID, t.UseWorktreeTaskID); err != nil {
			return "", "", err
		}
		return l.deps.Trees.PathFor(t.ID), "", nil
	}
	return l.deps.Trees.CreateWorktree(ctx, t.ID, t.RetryCount)
}

// strategistTick runs one QA pass and applies its patch.
func (l *Loop) strategistTick(ctx context.Context) (bool, error) {
	snap, err := l.deps.Store.Get(l.runID)
	if err != nil {
		return false, err
	}
	patch, err := l.deps.Strategist.Tick(ctx, snap)
	if err != nil {
		return false, err
	}
	if patch == nil || patch.IsZero() {
		return false, nil
	}
	updated, err := l.deps.Store.Apply(l.runID, *patch)
	if err != nil {
		return false, err
	}
	return true, l.publish(ctx, broadcast.TypeStateUpdate, checkpoint.Summarize(updated))
}

// actionable reports whether anything besides a human decision can still move
// the run forward.
func (l *Loop) actionable(snap *run.Run) bool {
	if l.jobs.HasWork() {
		return true
	}
	for _, t := range snap.Tasks {
		switch t.Status {
		case run.TaskReady, run.TaskActive, run.TaskAwaitingQA,
			run.TaskPendingAwaitingQA, run.TaskPendingComplete, run.TaskPendingFailed:
			return true
		}
	}
	return false
}

// shutdown cancels in-flight jobs and persists the exit status. Results of
// cancelled jobs are discarded; partial state never reaches the store.
func (l *Loop) shutdown(ctx context.Context, status run.Status) (run.Status, error) {
	l.jobs.CancelAll()
	l.jobs.CollectCompleted()
	return l.finish(ctx, status, broadcast.TypeStatus, map[string]any{"status": string(status)})
}

// fail ends the run involuntarily; the run remains restartable.
func (l *Loop) fail(ctx context.Context, cause error) (run.Status, error) {
	l.logger.Error("run failed", "err", cause)
	l.jobs.CancelAll()
	l.jobs.CollectCompleted()
	status, err := l.finish(ctx, run.StatusFailed, broadcast.TypeError, map[string]any{"error": cause.Error()})
	if err != nil {
		return status, err
	}
	return status, cause
}

// finish persists the terminal status, checkpoints, and announces the exit.
// The persist uses a detached context so cancellation cannot lose the final
// snapshot.
func (l *Loop) finish(ctx context.Context, status run.Status, eventType string, payload any) (run.Status, error) {
	base := context.WithoutCancel(ctx)
	updated, err := l.deps.Store.Apply(l.runID, run.Patch{Status: &status})
	if err != nil {
		return status, err
	}
	if err := l.deps.Checkpoints.Put(base, updated); err != nil {
		return status, err
	}
	l.metrics.IncCheckpoint()
	l.metrics.IncRunOutcome(string(status))
	l.metrics.SetActiveWorkers(0)
	l.deps.Hub.Publish(event(eventType, l.runID, payload))
	l.logger.Info("run finished", "status", string(status))
	return status, nil
}

// publish checkpoints the current snapshot, then broadcasts. Durability
// before observability: a subscriber that sees the event can rely on the
// checkpoint behind it.
func (l *Loop) publish(ctx context.Context, eventType string, payload any) error {
	snap, err := l.deps.Store.Get(l.runID)
	if err != nil {
		return err
	}
	if err := l.deps.Checkpoints.Put(ctx, snap); err != nil {
		return err
	}
	l.metrics.IncCheckpoint()
	l.deps.Hub.Publish(event(eventType, l.runID, payload))
	return nil
}

func event(eventType, runID string, payload any) broadcast.Event {
	return broadcast.Event{Type: eventType, RunID: runID, Timestamp: time.Now(), Payload: payload}
}

func taskEvent(t *run.Task) map[string]any {
	return map[string]any{"task_id": t.ID, "title": t.Title, "status": string(t.Status), "phase": string(t.Phase)}
}
