// Package strategist runs the quality gate over awaiting_qa tasks: verdict
// production, rebase-then-merge into trunk, and merger-task spawning when a
// merge conflicts. Like the worker it only proposes pending_* states.
package strategist

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"maestro/internal/domain/run"
	"maestro/internal/logging"
	"maestro/internal/tools"
	"maestro/internal/worktree"
)

// Judger produces a QA verdict for one task with read-only tool access.
type Judger interface {
	Judge(ctx context.Context, task *run.Task, r *run.Run, binding *tools.Binding) (*run.QAVerdict, error)
}

// WorktreeOps is the slice of the worktree manager the strategist drives.
type WorktreeOps interface {
	RebaseOnTrunk(ctx context.Context, taskID string) (*worktree.MergeResult, error)
	MergeToTrunk(ctx context.Context, taskID string) (*worktree.MergeResult, error)
	CleanupWorktree(ctx context.Context, taskID string, keepBranch bool) error
	ConflictSummary(ctx context.Context, taskID string, files []string) string
}

// Strategist coordinates QA and trunk merges.
type Strategist struct {
	judge  Judger
	trees  WorktreeOps
	logger *logging.Logger
}

// New wires a strategist.
func New(judge Judger, trees WorktreeOps, logger *logging.Logger) *Strategist {
	return &Strategist{judge: judge, trees: trees, logger: logging.OrNop(logger)}
}

// Tick evaluates every awaiting_qa task in the snapshot and returns the
// resulting patch.
func (s *Strategist) Tick(ctx context.Context, r *run.Run) (*run.Patch, error) {
	patch := &run.Patch{}
	for _, t := range r.TasksByStatus(run.TaskAwaitingQA) {
		if err := s.evaluate(ctx, r, t, patch); err != nil {
			return nil, err
		}
	}
	return patch, nil
}

func (s *Strategist) evaluate(ctx context.Context, r *run.Run, t *run.Task, patch *run.Patch) error {
	log := s.logger.With("task_id", t.ID, "phase", string(t.Phase))

	// A task parked behind a merger stays awaiting_qa until the merger lands.
	if merger := findMerger(r, t.ID); merger != nil {
		switch {
		case merger.Status == run.TaskComplete:
			s.retryMergeAfterResolution(ctx, t, merger, patch, log)
			// Unlink the consumed resolution so a later QA pass over a
			// retried task is not short-circuited by it.
			consumed := merger.Clone()
			consumed.MergeContext.OriginalTaskID = ""
			patch.Tasks = append(patch.Tasks, consumed)
		case merger.Status == run.TaskAbandoned, merger.Status == run.TaskWaitingHuman:
			s.fail(t, &run.QAVerdict{Pass: false, Feedback: "merge resolution did not land: " + string(merger.Status)}, patch)
		default:
			log.Debug("merge resolution in flight", "merger_id", merger.ID)
		}
		return nil
	}

	// Merger tasks never merge themselves: their commits live in the original
	// task's worktree and are consumed when that task's merge is retried.
	if t.Profile() == run.ProfileMerger {
		t.Status = run.TaskPendingComplete
		t.QAVerdict = &run.QAVerdict{Pass: true, Feedback: "conflict resolution committed"}
		patch.Tasks = append(patch.Tasks, t.Clone())
		return nil
	}

	// Plan phase: auto-pass, no merge.
	if t.Phase == run.PhasePlan {
		s.pass(ctx, t, &run.QAVerdict{Pass: true, Feedback: "plan accepted"}, patch, false)
		return nil
	}

	binding := tools.NewBinding(t.WorktreePath, r.WorkspacePath)
	verdict, err := s.judge.Judge(ctx, t, r, binding)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		log.Error("qa agent failed", "err", err)
		s.fail(t, &run.QAVerdict{Pass: false, Feedback: "qa agent failed: " + err.Error()}, patch)
		return nil
	}

	if !verdict.Pass {
		s.fail(t, verdict, patch)
		return nil
	}

	s.refineTestCriteria(r, t, verdict, patch)
	s.merge(ctx, r, t, verdict, patch, log)
	return nil
}

// merge runs rebase-then-merge for a passed task, spawning a merger task on
// conflict.
func (s *Strategist) merge(ctx context.Context, r *run.Run, t *run.Task, verdict *run.QAVerdict, patch *run.Patch, log *logging.Logger) {
	result, err := s.trees.RebaseOnTrunk(ctx, t.ID)
	if err != nil {
		s.fail(t, &run.QAVerdict{Pass: false, Feedback: "rebase failed: " + err.Error()}, patch)
		return
	}
	if result.Conflict {
		s.spawnMerger(ctx, r, t, result, patch, log)
		return
	}

	result, err = s.trees.MergeToTrunk(ctx, t.ID)
	switch {
	case err != nil:
		s.fail(t, &run.QAVerdict{Pass: false, Feedback: "merge failed: " + err.Error()}, patch)
	case result.Conflict:
		s.spawnMerger(ctx, r, t, result, patch, log)
	default:
		log.Info("task merged", "commit", result.CommitID)
		s.pass(ctx, t, verdict, patch, false)
	}
}

// retryMergeAfterResolution re-runs the merge step once a merger completed
// inside the original task's worktree. The rebase was already continued by
// the merger, so this goes straight to the trunk merge.
func (s *Strategist) retryMergeAfterResolution(ctx context.Context, t *run.Task, merger *run.Task, patch *run.Patch, log *logging.Logger) {
	result, err := s.trees.MergeToTrunk(ctx, t.ID)
	switch {
	case err != nil:
		s.fail(t, &run.QAVerdict{Pass: false, Feedback: "merge after resolution failed: " + err.Error()}, patch)
	case result.Conflict:
		// A second conflict after a dedicated resolution pass does not get
		// another merger; a human looks at it.
		s.fail(t, &run.QAVerdict{Pass: false, Feedback: fmt.Sprintf("merge conflicted again after resolution by %s", merger.ID)}, patch)
	default:
		log.Info("task merged after resolution", "merger_id", merger.ID, "commit", result.CommitID)
		s.pass(ctx, t, &run.QAVerdict{Pass: true, Feedback: "merged after conflict resolution"}, patch, false)
	}
}

// spawnMerger creates the build task that resolves the conflict inside the
// original task's worktree. The original stays awaiting_qa.
func (s *Strategist) spawnMerger(ctx context.Context, r *run.Run, t *run.Task, result *worktree.MergeResult, patch *run.Patch, log *logging.Logger) {
	summary := s.trees.ConflictSummary(ctx, t.ID, result.ConflictingFiles)
	merger := &run.Task{
		ID:                    uuid.NewString(),
		Title:                 "resolve merge conflict for " + t.Title,
		Description:           fmt.Sprintf("Task %s conflicts with trunk. Reconcile both sides of every conflicted file, then stage and continue the rebase.", t.ID),
		Phase:                 run.PhaseBuild,
		Status:                run.TaskPlanned,
		AssignedWorkerProfile: run.ProfileMerger,
		Priority:              t.Priority + 1,
		DependsOn:             []string{},
		UseWorktreeTaskID:     t.ID,
		MergeContext: &run.MergeContext{
			OriginalTaskID:   t.ID,
			ConflictingFiles: result.ConflictingFiles,
			ErrorMessage:     result.ErrorMessage,
			ConflictSummary:  summary,
		},
	}
	patch.Tasks = append(patch.Tasks, merger)
	s.note(patch, fmt.Sprintf("merge conflict on task %s (%v); spawned merger %s", t.ID, result.ConflictingFiles, merger.ID))
	log.Warn("merge conflict, merger spawned", "merger_id", merger.ID, "files", result.ConflictingFiles)
}

// refineTestCriteria augments the paired test task's acceptance criteria with
// the strategist's refinements. Existing criteria are never replaced.
func (s *Strategist) refineTestCriteria(r *run.Run, t *run.Task, verdict *run.QAVerdict, patch *run.Patch) {
	if t.Phase != run.PhaseBuild || len(verdict.RefinedTestCriteria) == 0 {
		return
	}
	for _, candidate := range r.Tasks {
		if candidate.Phase != run.PhaseTest || !dependsOn(candidate, t.ID) || candidate.Status.IsTerminal() {
			continue
		}
		existing := make(map[string]bool, len(candidate.AcceptanceCriteria))
		for _, criterion := range candidate.AcceptanceCriteria {
			existing[criterion] = true
		}
		added := 0
		for _, criterion := range verdict.RefinedTestCriteria {
			if !existing[criterion] {
				candidate.AcceptanceCriteria = append(candidate.AcceptanceCriteria, criterion)
				existing[criterion] = true
				added++
			}
		}
		if added > 0 {
			patch.Tasks = append(patch.Tasks, candidate.Clone())
			s.note(patch, fmt.Sprintf("refined %d test criteria on %s from build %s", added, candidate.ID, t.ID))
		}
	}
}

func (s *Strategist) pass(ctx context.Context, t *run.Task, verdict *run.QAVerdict, patch *run.Patch, keepBranch bool) {
	t.Status = run.TaskPendingComplete
	t.QAVerdict = verdict
	patch.Tasks = append(patch.Tasks, t.Clone())
	if s.trees != nil && t.WorktreePath != "" {
		if err := s.trees.CleanupWorktree(ctx, t.ID, keepBranch); err != nil {
			s.logger.Warn("worktree cleanup failed", "task_id", t.ID, "err", err)
		}
	}
}

func (s *Strategist) fail(t *run.Task, verdict *run.QAVerdict, patch *run.Patch) {
	t.Status = run.TaskPendingFailed
	t.QAVerdict = verdict
	patch.Tasks = append(patch.Tasks, t.Clone())
}

func (s *Strategist) note(patch *run.Patch, content string) {
	patch.DesignLog = append(patch.DesignLog, run.DesignEntry{
		ID:        uuid.NewString(),
		Author:    "strategist",
		Content:   content,
		CreatedAt: time.Now(),
	})
}

// findMerger returns the merger task attached to originalID, if any.
func findMerger(r *run.Run, originalID string) *run.Task {
	for _, t := range r.Tasks {
		if t.MergeContext != nil && t.MergeContext.OriginalTaskID == originalID {
			return t
		}
	}
	return nil
}

func dependsOn(t *run.Task, id string) bool {
	for _, dep := range t.DependsOn {
		if dep == id {
			return true
		}
	}
	return false
}
