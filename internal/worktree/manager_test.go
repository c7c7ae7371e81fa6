package worktree

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"maestro/internal/logging"
)

func requireGit(t *testing.T) {
	t.Helper()
	if _, err := exec.LookPath("git"); err != nil {
		t.Skip("git not installed")
	}
}

func initRepo(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	runGit(t, dir, "init", "-b", "main")
	runGit(t, dir, "config", "user.email", "test@example.com")
	runGit(t, dir, "config", "user.name", "test")
	require.NoError(t, os.WriteFile(filepath.Join(dir, "README.md"), []byte("hello\n"), 0o644))
	runGit(t, dir, "add", "-A")
	runGit(t, dir, "commit", "-m", "initial")
	return dir
}

func runGit(t *testing.T, dir string, args ...string) string {
	t.Helper()
	cmd := exec.Command("git", args...)
	cmd.Dir = dir
	out, err := cmd.CombinedOutput()
	require.NoError(t, err, "git %v: %s", args, out)
	return string(out)
}

func newManager(t *testing.T, workspace string) *Manager {
	t.Helper()
	m, err := NewManager(context.Background(), Config{
		Workspace: workspace,
		Base:      filepath.Join(t.TempDir(), "worktrees"),
		Logger:    logging.Nop(),
	})
	require.NoError(t, err)
	return m
}

func TestBranchName(t *testing.T) {
	if got := BranchName("t1", 0); got != "task/t1" {
		t.Errorf("BranchName = %q", got)
	}
	if got := BranchName("t1", 2); got != "task/t1/retry-2" {
		t.Errorf("BranchName retry = %q", got)
	}
}

func TestCreateCommitMerge(t *testing.T) {
	requireGit(t)
	workspace := initRepo(t)
	m := newManager(t, workspace)
	ctx := context.Background()

	path, branch, err := m.CreateWorktree(ctx, "t1", 0)
	require.NoError(t, err)
	require.Equal(t, "task/t1", branch)
	require.DirExists(t, path)

	require.NoError(t, os.WriteFile(filepath.Join(path, "hello.txt"), []byte("hi\n"), 0o644))
	commit, err := m.CommitChanges(ctx, "t1", "task(t1): add hello.txt")
	require.NoError(t, err)
	require.NotEmpty(t, commit)

	res, err := m.RebaseOnTrunk(ctx, "t1")
	require.NoError(t, err)
	require.True(t, res.Success)

	res, err = m.MergeToTrunk(ctx, "t1")
	require.NoError(t, err)
	require.True(t, res.Success)
	require.NotEmpty(t, res.CommitID)
	require.FileExists(t, filepath.Join(workspace, "hello.txt"))

	// Exactly one merge commit on trunk mentions the task.
	log := runGit(t, workspace, "log", "--oneline", "--grep", "merge task t1")
	require.Len(t, splitLines(log), 1)

	require.NoError(t, m.CleanupWorktree(ctx, "t1", false))
	require.NoDirExists(t, path)
}

func TestCommitChangesCleanWorktree(t *testing.T) {
	requireGit(t)
	m := newManager(t, initRepo(t))
	ctx := context.Background()

	_, _, err := m.CreateWorktree(ctx, "t1", 0)
	require.NoError(t, err)

	commit, err := m.CommitChanges(ctx, "t1", "task(t1): nothing")
	require.NoError(t, err)
	require.Empty(t, commit)
}

func TestRebaseConflictReportsFiles(t *testing.T) {
	requireGit(t)
	workspace := initRepo(t)
	m := newManager(t, workspace)
	ctx := context.Background()

	// Two tasks touch the same region of the same file.
	pathA, _, err := m.CreateWorktree(ctx, "a", 0)
	require.NoError(t, err)
	pathB, _, err := m.CreateWorktree(ctx, "b", 0)
	require.NoError(t, err)

	require.NoError(t, os.WriteFile(filepath.Join(pathA, "shared.txt"), []byte("from a\n"), 0o644))
	_, err = m.CommitChanges(ctx, "a", "task(a): write shared")
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(pathB, "shared.txt"), []byte("from b\n"), 0o644))
	_, err = m.CommitChanges(ctx, "b", "task(b): write shared")
	require.NoError(t, err)

	res, err := m.RebaseOnTrunk(ctx, "a")
	require.NoError(t, err)
	require.True(t, res.Success)
	res, err = m.MergeToTrunk(ctx, "a")
	require.NoError(t, err)
	require.True(t, res.Success)

	res, err = m.RebaseOnTrunk(ctx, "b")
	require.NoError(t, err)
	require.True(t, res.Conflict)
	require.Contains(t, res.ConflictingFiles, "shared.txt")

	summary := m.ConflictSummary(ctx, "b", res.ConflictingFiles)
	require.Contains(t, summary, "shared.txt")

	// Trunk stays clean while the worktree holds the conflict.
	status := runGit(t, workspace, "status", "--porcelain")
	require.Empty(t, status)

	// Resolve the way a merger would: reconcile both sides, continue.
	require.NoError(t, os.WriteFile(filepath.Join(pathB, "shared.txt"), []byte("from a\nfrom b\n"), 0o644))
	runGit(t, pathB, "add", "-A")
	cmd := exec.Command("git", "-c", "core.editor=true", "rebase", "--continue")
	cmd.Dir = pathB
	out, err := cmd.CombinedOutput()
	require.NoError(t, err, "rebase --continue: %s", out)

	res, err = m.MergeToTrunk(ctx, "b")
	require.NoError(t, err)
	require.True(t, res.Success)

	merged, err := os.ReadFile(filepath.Join(workspace, "shared.txt"))
	require.NoError(t, err)
	require.Equal(t, "from a\nfrom b\n", string(merged))
}

func TestRetryGetsFreshWorktree(t *testing.T) {
	requireGit(t)
	workspace := initRepo(t)
	m := newManager(t, workspace)
	ctx := context.Background()

	path0, branch0, err := m.CreateWorktree(ctx, "t1", 0)
	require.NoError(t, err)
	require.Equal(t, "task/t1", branch0)
	require.NoError(t, os.WriteFile(filepath.Join(path0, "debris.txt"), []byte("leftover\n"), 0o644))

	// Same attempt is idempotent.
	again, againBranch, err := m.CreateWorktree(ctx, "t1", 0)
	require.NoError(t, err)
	require.Equal(t, path0, again)
	require.Equal(t, branch0, againBranch)

	// The next attempt gets its own branch off trunk and a clean checkout.
	path1, branch1, err := m.CreateWorktree(ctx, "t1", 1)
	require.NoError(t, err)
	require.Equal(t, "task/t1/retry-1", branch1)
	require.NoFileExists(t, filepath.Join(path1, "debris.txt"))

	// The first attempt's branch survives for inspection.
	branches := runGit(t, workspace, "branch", "--list", "task/t1")
	require.Len(t, splitLines(branches), 1)
}

func TestRecoverWorktrees(t *testing.T) {
	requireGit(t)
	workspace := initRepo(t)
	m := newManager(t, workspace)
	ctx := context.Background()

	path, _, err := m.CreateWorktree(ctx, "orphan", 0)
	require.NoError(t, err)

	missing, err := m.RecoverWorktrees(ctx, []string{"ghost"})
	require.NoError(t, err)
	require.Equal(t, []string{"ghost"}, missing)
	require.NoDirExists(t, path)
}

func TestAdoptWorktree(t *testing.T) {
	requireGit(t)
	m := newManager(t, initRepo(t))
	ctx := context.Background()

	path, _, err := m.CreateWorktree(ctx, "orig", 0)
	require.NoError(t, err)
	require.NoError(t, m.AdoptWorktree("merger", "orig"))
	require.Equal(t, path, m.PathFor("merger"))

	require.Error(t, m.AdoptWorktree("merger2", "missing"))
}

func splitLines(s string) []string {
	var out []string
	for _, line := range strings.Split(s, "\n") {
		if strings.TrimSpace(line) != "" {
			out = append(out, line)
		}
	}
	return out
}
