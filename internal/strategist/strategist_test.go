package strategist

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"maestro/internal/domain/run"
	"maestro/internal/tools"
	"maestro/internal/worktree"
)

type stubJudge struct {
	verdict *run.QAVerdict
	err     error
	judged  []string
}

func (j *stubJudge) Judge(_ context.Context, task *run.Task, _ *run.Run, _ *tools.Binding) (*run.QAVerdict, error) {
	j.judged = append(j.judged, task.ID)
	return j.verdict, j.err
}

type stubTrees struct {
	rebase    *worktree.MergeResult
	rebaseErr error
	merge     *worktree.MergeResult
	mergeErr  error
	cleaned   []string
	merges    int
}

func (s *stubTrees) RebaseOnTrunk(context.Context, string) (*worktree.MergeResult, error) {
	return s.rebase, s.rebaseErr
}

func (s *stubTrees) MergeToTrunk(context.Context, string) (*worktree.MergeResult, error) {
	s.merges++
	return s.merge, s.mergeErr
}

func (s *stubTrees) CleanupWorktree(_ context.Context, taskID string, _ bool) error {
	s.cleaned = append(s.cleaned, taskID)
	return nil
}

func (s *stubTrees) ConflictSummary(context.Context, string, []string) string {
	return "=== summary ==="
}

func okTrees() *stubTrees {
	return &stubTrees{
		rebase: &worktree.MergeResult{Success: true},
		merge:  &worktree.MergeResult{Success: true, CommitID: "m1"},
	}
}

func awaiting(id string, phase run.Phase) *run.Task {
	return &run.Task{ID: id, Title: id, Phase: phase, Status: run.TaskAwaitingQA, WorktreePath: "/tmp/wt/" + id}
}

func snapshot(tasks ...*run.Task) *run.Run {
	return &run.Run{RunID: "r1", WorkspacePath: "/tmp/ws", Tasks: tasks}
}

func patched(patch *run.Patch, id string) *run.Task {
	for _, t := range patch.Tasks {
		if t.ID == id {
			return t
		}
	}
	return nil
}

func TestPlanAutoPass(t *testing.T) {
	judge := &stubJudge{}
	trees := okTrees()
	s := New(judge, trees, nil)

	patch, err := s.Tick(context.Background(), snapshot(awaiting("p1", run.PhasePlan)))
	require.NoError(t, err)

	result := patched(patch, "p1")
	require.Equal(t, run.TaskPendingComplete, result.Status)
	require.True(t, result.QAVerdict.Pass)
	require.Empty(t, judge.judged, "plan phase never reaches the qa agent")
	require.Zero(t, trees.merges, "plan phase never merges")
	require.Contains(t, trees.cleaned, "p1")
}

func TestBuildPassMerges(t *testing.T) {
	judge := &stubJudge{verdict: &run.QAVerdict{Pass: true, Feedback: "solid"}}
	trees := okTrees()
	s := New(judge, trees, nil)

	patch, err := s.Tick(context.Background(), snapshot(awaiting("b1", run.PhaseBuild)))
	require.NoError(t, err)

	result := patched(patch, "b1")
	require.Equal(t, run.TaskPendingComplete, result.Status)
	require.Equal(t, []string{"b1"}, judge.judged)
	require.Equal(t, 1, trees.merges)
	require.Contains(t, trees.cleaned, "b1")
}

func TestQAFailSkipsMerge(t *testing.T) {
	judge := &stubJudge{verdict: &run.QAVerdict{Pass: false, Feedback: "criterion unmet"}}
	trees := okTrees()
	s := New(judge, trees, nil)

	patch, err := s.Tick(context.Background(), snapshot(awaiting("b1", run.PhaseBuild)))
	require.NoError(t, err)

	result := patched(patch, "b1")
	require.Equal(t, run.TaskPendingFailed, result.Status)
	require.Equal(t, "criterion unmet", result.QAVerdict.Feedback)
	require.Zero(t, trees.merges, "failed qa must not touch trunk")
	require.Empty(t, trees.cleaned)
}

func TestRebaseConflictSpawnsMerger(t *testing.T) {
	judge := &stubJudge{verdict: &run.QAVerdict{Pass: true}}
	trees := okTrees()
	trees.rebase = &worktree.MergeResult{Conflict: true, ConflictingFiles: []string{"shared.txt"}}
	s := New(judge, trees, nil)

	original := awaiting("b1", run.PhaseBuild)
	patch, err := s.Tick(context.Background(), snapshot(original))
	require.NoError(t, err)

	// The original stays awaiting_qa: no patch entry flips its status.
	require.Nil(t, patched(patch, "b1"))

	var merger *run.Task
	for _, task := range patch.Tasks {
		if task.AssignedWorkerProfile == run.ProfileMerger {
			merger = task
		}
	}
	require.NotNil(t, merger)
	require.Equal(t, "b1", merger.UseWorktreeTaskID)
	require.Equal(t, "b1", merger.MergeContext.OriginalTaskID)
	require.Equal(t, []string{"shared.txt"}, merger.MergeContext.ConflictingFiles)
	require.Equal(t, "=== summary ===", merger.MergeContext.ConflictSummary)
	require.NotEmpty(t, patch.DesignLog)
	require.Zero(t, trees.merges)
}

func TestMergerAutoPassesWithoutMerging(t *testing.T) {
	judge := &stubJudge{}
	trees := okTrees()
	s := New(judge, trees, nil)

	merger := awaiting("m1", run.PhaseBuild)
	merger.AssignedWorkerProfile = run.ProfileMerger
	merger.MergeContext = &run.MergeContext{OriginalTaskID: "b1"}

	patch, err := s.Tick(context.Background(), snapshot(merger))
	require.NoError(t, err)

	result := patched(patch, "m1")
	require.Equal(t, run.TaskPendingComplete, result.Status)
	require.Empty(t, judge.judged, "merger output is not judged")
	require.Zero(t, trees.merges, "merger branches never merge on their own")
	require.Empty(t, trees.cleaned, "the shared worktree belongs to the original task")
}

func TestMergeAfterResolution(t *testing.T) {
	judge := &stubJudge{}
	trees := okTrees()
	s := New(judge, trees, nil)

	original := awaiting("b1", run.PhaseBuild)
	merger := &run.Task{
		ID: "m1", Status: run.TaskComplete, Phase: run.PhaseBuild,
		AssignedWorkerProfile: run.ProfileMerger,
		MergeContext:          &run.MergeContext{OriginalTaskID: "b1"},
	}

	patch, err := s.Tick(context.Background(), snapshot(original, merger))
	require.NoError(t, err)

	result := patched(patch, "b1")
	require.Equal(t, run.TaskPendingComplete, result.Status)
	require.Equal(t, 1, trees.merges)
	require.Empty(t, judge.judged, "resolution retry does not re-judge")

	consumed := patched(patch, "m1")
	require.NotNil(t, consumed)
	require.Empty(t, consumed.MergeContext.OriginalTaskID, "resolution link is consumed")
}

func TestMergerInFlightParksOriginal(t *testing.T) {
	judge := &stubJudge{}
	trees := okTrees()
	s := New(judge, trees, nil)

	original := awaiting("b1", run.PhaseBuild)
	merger := &run.Task{
		ID: "m1", Status: run.TaskActive, Phase: run.PhaseBuild,
		AssignedWorkerProfile: run.ProfileMerger,
		MergeContext:          &run.MergeContext{OriginalTaskID: "b1"},
	}

	patch, err := s.Tick(context.Background(), snapshot(original, merger))
	require.NoError(t, err)
	require.Empty(t, patch.Tasks, "nothing to do while resolution is in flight")
	require.Zero(t, trees.merges)
}

func TestSecondConflictAfterResolutionFails(t *testing.T) {
	trees := okTrees()
	trees.merge = &worktree.MergeResult{Conflict: true, ConflictingFiles: []string{"shared.txt"}}
	s := New(&stubJudge{}, trees, nil)

	original := awaiting("b1", run.PhaseBuild)
	merger := &run.Task{
		ID: "m1", Status: run.TaskComplete, Phase: run.PhaseBuild,
		AssignedWorkerProfile: run.ProfileMerger,
		MergeContext:          &run.MergeContext{OriginalTaskID: "b1"},
	}

	patch, err := s.Tick(context.Background(), snapshot(original, merger))
	require.NoError(t, err)
	require.Equal(t, run.TaskPendingFailed, patched(patch, "b1").Status)
}

func TestRefinedCriteriaAugment(t *testing.T) {
	judge := &stubJudge{verdict: &run.QAVerdict{
		Pass:                true,
		RefinedTestCriteria: []string{"covers empty input", "original criterion"},
	}}
	trees := okTrees()
	s := New(judge, trees, nil)

	build := awaiting("b1", run.PhaseBuild)
	test := &run.Task{
		ID: "t1", Phase: run.PhaseTest, Status: run.TaskBlocked,
		DependsOn:          []string{"b1"},
		AcceptanceCriteria: []string{"original criterion"},
	}

	patch, err := s.Tick(context.Background(), snapshot(build, test))
	require.NoError(t, err)

	refined := patched(patch, "t1")
	require.NotNil(t, refined)
	// Augment, not replace: the original criterion survives, duplicates are
	// not re-added.
	require.Equal(t, []string{"original criterion", "covers empty input"}, refined.AcceptanceCriteria)
}

func TestTestValidityCarriedOnVerdict(t *testing.T) {
	judge := &stubJudge{verdict: &run.QAVerdict{
		Pass:                 true,
		Feedback:             "test asserts the wrong ordering",
		TestsNeedingRevision: []string{"test_sort_order"},
	}}
	trees := okTrees()
	s := New(judge, trees, nil)

	patch, err := s.Tick(context.Background(), snapshot(awaiting("b1", run.PhaseBuild)))
	require.NoError(t, err)

	result := patched(patch, "b1")
	require.Equal(t, run.TaskPendingComplete, result.Status, "invalid tests do not fail the build")
	require.Equal(t, []string{"test_sort_order"}, result.QAVerdict.TestsNeedingRevision)
}
