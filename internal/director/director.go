// Package director confirms what workers propose and decides what runs next:
// staging-state promotion, initial decomposition, Phoenix retry, readiness
// evaluation, plan integration and human escalation. It is the only writer of
// final task states.
package director

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"maestro/internal/domain/run"
	"maestro/internal/errors"
	"maestro/internal/llm"
	"maestro/internal/logging"
)

// Config tunes the director.
type Config struct {
	// TransitiveReduction enables the deterministic Pass 3 over integrated
	// plans.
	TransitiveReduction bool
	// MaxRetries is the run-wide Phoenix budget for tasks that carry no cap
	// of their own. Zero falls back to run.DefaultMaxRetries.
	MaxRetries int
	Logger     *logging.Logger
}

// Director runs once per dispatch cycle over a run snapshot and emits a
// patch.
type Director struct {
	invoker    llm.Invoker
	reduce     bool
	maxRetries int
	logger     *logging.Logger
}

// New wires a director.
func New(invoker llm.Invoker, cfg Config) *Director {
	return &Director{
		invoker:    invoker,
		reduce:     cfg.TransitiveReduction,
		maxRetries: cfg.MaxRetries,
		logger:     logging.OrNop(cfg.Logger),
	}
}

// Tick advances the run one director step. r is a private snapshot and is
// mutated freely; the returned patch carries every change for the store.
func (d *Director) Tick(ctx context.Context, r *run.Run) (*run.Patch, error) {
	patch := &run.Patch{}
	changed := make(map[string]bool)

	d.promote(r, changed)

	if len(r.Tasks) == 0 {
		if err := d.decompose(ctx, r, changed, patch); err != nil {
			return nil, err
		}
	}
	if r.ReplanRequested {
		d.insertReplanTask(r, changed, patch)
	}

	d.phoenix(r, changed, patch)
	d.evaluateReadiness(r, changed)

	if err := d.integratePlan(ctx, r, changed, patch); err != nil {
		return nil, err
	}

	for _, t := range r.Tasks {
		if changed[t.ID] {
			patch.Tasks = append(patch.Tasks, t.Clone())
		}
	}
	return patch, nil
}

// promote confirms every staging state written by workers and the strategist.
// A failure carrying a failing verdict came from QA, not the worker, and lands
// in failed_qa so phoenix can tell the two apart.
func (d *Director) promote(r *run.Run, changed map[string]bool) {
	now := time.Now()
	for _, t := range r.Tasks {
		if !t.Status.IsPending() {
			continue
		}
		next := t.Status.Promoted()
		if t.Status == run.TaskPendingFailed && t.QAVerdict != nil && !t.QAVerdict.Pass {
			next = run.TaskFailedQA
		}
		t.Status = next
		if t.Status == run.TaskComplete && t.CompletedAt == nil {
			t.CompletedAt = &now
		}
		changed[t.ID] = true
		d.logger.Debug("status promoted", "task_id", t.ID, "status", string(t.Status))
	}
}

// phoenix handles terminally failed tasks: retry with a wiped context, spawn
// a fix build for failed tests, or escalate to a human when the budget is
// spent. Merger failures always escalate; replaying an unresolved conflict
// does not converge.
func (d *Director) phoenix(r *run.Run, changed map[string]bool, patch *run.Patch) {
	for _, t := range r.Tasks {
		if t.Status != run.TaskFailed && t.Status != run.TaskFailedQA {
			continue
		}

		if t.Profile() == run.ProfileMerger {
			d.escalate(r, t, "merge resolution failed; a human decision is required", changed, patch)
			continue
		}
		if t.RetryCount >= d.budget(t) {
			d.escalate(r, t, fmt.Sprintf("retry budget exhausted after %d attempts", t.RetryCount+1), changed, patch)
			continue
		}

		fromTest := t.Phase == run.PhaseTest && t.Status == run.TaskFailedQA
		t.RetryCount++
		t.Status = run.TaskPlanned
		changed[t.ID] = true
		patch.ClearMemories = append(patch.ClearMemories, t.ID)
		d.note(patch, fmt.Sprintf("phoenix: retry %d/%d for task %s (%s); working memory wiped",
			t.RetryCount, d.budget(t), t.ID, t.Title))

		if fromTest {
			fix := d.spawnFixBuild(t)
			r.Tasks = append(r.Tasks, fix)
			t.DependsOn = append(t.DependsOn, fix.ID)
			changed[fix.ID] = true
			d.note(patch, fmt.Sprintf("phoenix: spawned fix build %s for failed test %s", fix.ID, t.ID))
		}
	}
}

// budget resolves a task's retry ceiling: the task's own cap wins, then the
// run-wide configured default.
func (d *Director) budget(t *run.Task) int {
	if t.MaxRetries > 0 {
		return t.MaxRetries
	}
	if d.maxRetries > 0 {
		return d.maxRetries
	}
	return run.DefaultMaxRetries
}

// spawnFixBuild creates the build task a failed test depends on for its next
// attempt.
func (d *Director) spawnFixBuild(test *run.Task) *run.Task {
	feedback := ""
	if test.QAVerdict != nil {
		feedback = test.QAVerdict.Feedback
	}
	if feedback == "" && test.AAR != nil {
		feedback = test.AAR.Summary
	}
	return &run.Task{
		ID:          uuid.NewString(),
		Title:       "fix: " + test.Title,
		Description: fmt.Sprintf("Test task %s (%s) failed. Fix the code so the test passes.\n\nFailure feedback:\n%s", test.ID, test.Title, feedback),
		Phase:       run.PhaseBuild,
		Status:      run.TaskPlanned,
		Priority:    test.Priority + 1,
		Component:   test.Component,
	}
}

// escalate parks the task for a human and publishes the failure context.
func (d *Director) escalate(r *run.Run, t *run.Task, reason string, changed map[string]bool, patch *run.Patch) {
	t.Status = run.TaskWaitingHuman
	changed[t.ID] = true
	patch.PendingResolution = &run.PendingResolution{
		TaskID:      t.ID,
		Task:        t.Clone(),
		Reason:      reason,
		LastAttempt: r.TaskMemories[t.ID],
		CreatedAt:   time.Now(),
	}
	d.note(patch, fmt.Sprintf("escalated task %s (%s) to human: %s", t.ID, t.Title, reason))
	d.logger.Warn("task escalated", "task_id", t.ID, "reason", reason)
}

// evaluateReadiness promotes planned tasks whose dependencies are satisfied
// and parks the rest as blocked.
func (d *Director) evaluateReadiness(r *run.Run, changed map[string]bool) {
	for _, t := range r.Tasks {
		switch t.Status {
		case run.TaskPlanned, run.TaskBlocked:
			if run.DependenciesSatisfied(r, t) {
				if t.Status != run.TaskReady {
					t.Status = run.TaskReady
					changed[t.ID] = true
				}
			} else if t.Status == run.TaskPlanned {
				t.Status = run.TaskBlocked
				changed[t.ID] = true
			}
		case run.TaskWaitingSubtask:
			if waitingSatisfied(r, t) {
				t.Status = run.TaskReady
				changed[t.ID] = true
			}
		}
	}
}

func waitingSatisfied(r *run.Run, t *run.Task) bool {
	for _, id := range t.WaitingForTasks {
		dep := r.Task(id)
		if dep == nil || !dep.Status.IsTerminal() {
			return false
		}
	}
	return true
}

// decompose seeds an empty run: one design note plus 1-5 planner tasks.
func (d *Director) decompose(ctx context.Context, r *run.Run, changed map[string]bool, patch *run.Patch) error {
	const system = `You are the director of a multi-agent workflow. Decompose the objective into
a short design document and 1 to 5 planning tasks. Each planning task covers one
area of the objective and will itself propose concrete build and test subtasks.
Reply with JSON: {"design": "...", "tasks": [{"title": "...", "description": "..."}]}.`

	resp, err := d.complete(ctx, llm.CompletionRequest{Messages: []llm.Message{
		{Role: "system", Content: system},
		{Role: "user", Content: "Objective:\n" + r.Objective},
	}})
	if err != nil {
		return errors.Wrap(errors.KindLLMFailure, err)
	}

	var out struct {
		Design string `json:"design"`
		Tasks  []struct {
			Title       string `json:"title"`
			Description string `json:"description"`
		} `json:"tasks"`
	}
	if err := llm.DecodeJSON(resp.Content, &out); err != nil {
		return errors.New(errors.KindLLMFailure, "decompose response not decodable: %v", err)
	}
	if len(out.Tasks) == 0 {
		return errors.New(errors.KindLLMFailure, "decompose produced no planner tasks")
	}
	if len(out.Tasks) > 5 {
		out.Tasks = out.Tasks[:5]
	}

	if out.Design != "" {
		d.note(patch, "initial design: "+out.Design)
	}
	for _, proposed := range out.Tasks {
		t := &run.Task{
			ID:          uuid.NewString(),
			Title:       proposed.Title,
			Description: proposed.Description,
			Phase:       run.PhasePlan,
			Status:      run.TaskPlanned,
		}
		r.Tasks = append(r.Tasks, t)
		changed[t.ID] = true
	}
	d.logger.Info("initial decomposition", "planner_tasks", len(out.Tasks))
	return nil
}

// insertReplanTask turns a replan request into a fresh planner task seeded
// with the current task landscape.
func (d *Director) insertReplanTask(r *run.Run, changed map[string]bool, patch *run.Patch) {
	var summary string
	for _, t := range r.Tasks {
		summary += fmt.Sprintf("- %s (%s, %s)\n", t.Title, t.Phase, t.Status)
	}
	t := &run.Task{
		ID:          uuid.NewString(),
		Title:       "replan: " + r.Objective,
		Description: "Re-evaluate the plan against the objective. Current tasks:\n" + summary,
		Phase:       run.PhasePlan,
		Status:      run.TaskPlanned,
		Priority:    10,
	}
	r.Tasks = append(r.Tasks, t)
	changed[t.ID] = true
	r.ReplanRequested = false
	cleared := false
	patch.ReplanRequested = &cleared
	d.note(patch, "replan requested; inserted planner task "+t.ID)
}

// HasEscalation reports whether any task is parked on a human.
func HasEscalation(r *run.Run) bool {
	return len(r.TasksByStatus(run.TaskWaitingHuman)) > 0
}

func (d *Director) note(patch *run.Patch, content string) {
	patch.DesignLog = append(patch.DesignLog, run.DesignEntry{
		ID:        uuid.NewString(),
		Author:    "director",
		Content:   content,
		CreatedAt: time.Now(),
	})
}

func (d *Director) complete(ctx context.Context, req llm.CompletionRequest) (*llm.CompletionResponse, error) {
	var resp *llm.CompletionResponse
	err := errors.Retry(ctx, errors.DefaultRetryConfig(), func(ctx context.Context) error {
		var callErr error
		resp, callErr = d.invoker.Complete(ctx, req)
		return callErr
	})
	return resp, err
}
