// Package worktree manages per-task isolated checkouts of a single
// trunk-based repository: branch creation, commits, rebase-then-merge into
// trunk, cleanup, and restart recovery. Worker file I/O runs unlocked since
// worktrees are disjoint directories; everything that touches trunk
// serializes on one mutex.
package worktree

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/sergi/go-diff/diffmatchpatch"

	"maestro/internal/errors"
	"maestro/internal/logging"
)

// MergeResult reports the outcome of a rebase or merge attempt.
type MergeResult struct {
	Success          bool     `json:"success"`
	Conflict         bool     `json:"conflict,omitempty"`
	ConflictingFiles []string `json:"conflicting_files,omitempty"`
	ErrorMessage     string   `json:"error_message,omitempty"`
	CommitID         string   `json:"commit_id,omitempty"`
}

type record struct {
	branch string
	path   string
	retry  int
}

// Manager owns the trunk checkout and every per-task worktree of one run.
type Manager struct {
	workspace   string // trunk checkout
	base        string // worktree parent directory
	trunkBranch string
	gitTimeout  time.Duration
	logger      *logging.Logger

	// trunkMu is the only cross-task serialization point: every
	// trunk-modifying operation (rebase, merge) holds it for the whole
	// subprocess sequence.
	trunkMu sync.Mutex

	mu      sync.Mutex
	records map[string]*record
}

// Config configures a Manager.
type Config struct {
	Workspace  string
	Base       string
	GitTimeout time.Duration
	Logger     *logging.Logger
}

// NewManager validates the workspace and prepares the worktree base.
func NewManager(ctx context.Context, cfg Config) (*Manager, error) {
	if _, err := exec.LookPath("git"); err != nil {
		return nil, fmt.Errorf("git CLI not installed")
	}
	timeout := cfg.GitTimeout
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	m := &Manager{
		workspace:  cfg.Workspace,
		base:       cfg.Base,
		gitTimeout: timeout,
		logger:     logging.OrNop(cfg.Logger),
		records:    make(map[string]*record),
	}

	if _, err := m.git(ctx, cfg.Workspace, "rev-parse", "--is-inside-work-tree"); err != nil {
		return nil, fmt.Errorf("workspace is not a git repository: %w", err)
	}
	branch, err := m.git(ctx, cfg.Workspace, "symbolic-ref", "--short", "HEAD")
	if err != nil {
		return nil, fmt.Errorf("detect trunk branch: %w", err)
	}
	m.trunkBranch = branch

	if err := os.MkdirAll(cfg.Base, 0o755); err != nil {
		return nil, fmt.Errorf("create worktree base: %w", err)
	}
	return m, nil
}

// TrunkBranch returns the branch worktrees are cut from and merged into.
func (m *Manager) TrunkBranch() string {
	return m.trunkBranch
}

// BranchName returns the branch convention for a task attempt.
func BranchName(taskID string, retry int) string {
	if retry > 0 {
		return fmt.Sprintf("task/%s/retry-%d", taskID, retry)
	}
	return fmt.Sprintf("task/%s", taskID)
}

// CreateWorktree cuts a fresh branch off the current trunk head and
// materializes it on disk. Retries get their own branch so the failed
// attempt's history stays inspectable.
func (m *Manager) CreateWorktree(ctx context.Context, taskID string, retry int) (path, branch string, err error) {
	branch = BranchName(taskID, retry)
	path = filepath.Join(m.base, taskID)

	m.mu.Lock()
	existing, ok := m.records[taskID]
	m.mu.Unlock()
	if ok {
		if existing.retry == retry {
			return existing.path, existing.branch, nil
		}
		// A new attempt starts from the current trunk head. The previous
		// attempt's branch survives for inspection.
		if err := m.CleanupWorktree(ctx, taskID, true); err != nil {
			return "", "", err
		}
	}

	if _, err := os.Stat(path); err == nil {
		// Stale directory from a previous attempt.
		if _, pruneErr := m.git(ctx, m.workspace, "worktree", "remove", "--force", path); pruneErr != nil {
			_ = os.RemoveAll(path)
			_, _ = m.git(ctx, m.workspace, "worktree", "prune")
		}
	}

	if _, err := m.git(ctx, m.workspace, "worktree", "add", "-b", branch, path, m.trunkBranch); err != nil {
		return "", "", fmt.Errorf("create worktree for %s: %w", taskID, err)
	}

	m.mu.Lock()
	m.records[taskID] = &record{branch: branch, path: path, retry: retry}
	m.mu.Unlock()

	m.logger.Info("worktree created", "task_id", taskID, "branch", branch, "path", path)
	return path, branch, nil
}

// PathFor returns the worktree path for a task, or empty when none exists.
func (m *Manager) PathFor(taskID string) string {
	m.mu.Lock()
	defer m.mu.Unlock()
	if rec, ok := m.records[taskID]; ok {
		return rec.path
	}
	return ""
}

// AdoptWorktree registers taskID as an alias for another task's worktree.
// Merger tasks use this so they operate inside the conflicted checkout.
func (m *Manager) AdoptWorktree(taskID, sourceTaskID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	src, ok := m.records[sourceTaskID]
	if !ok {
		return fmt.Errorf("no worktree for task %s", sourceTaskID)
	}
	m.records[taskID] = src
	return nil
}

// CommitChanges stages everything in the task's worktree and creates one
// commit attributed to the task. A clean worktree yields an empty commit id
// and no commit.
func (m *Manager) CommitChanges(ctx context.Context, taskID, message string) (string, error) {
	rec, err := m.record(taskID)
	if err != nil {
		return "", err
	}

	status, err := m.git(ctx, rec.path, "status", "--porcelain")
	if err != nil {
		return "", err
	}
	if status == "" {
		return "", nil
	}

	if _, err := m.git(ctx, rec.path, "add", "-A"); err != nil {
		return "", err
	}
	if _, err := m.git(ctx, rec.path, "commit", "-m", message); err != nil {
		return "", err
	}
	return m.git(ctx, rec.path, "rev-parse", "HEAD")
}

// RebaseOnTrunk rebases the task branch onto the current trunk head. On
// conflict the worktree is left mid-rebase (a merger task resolves it in
// place) and the conflicting files are reported.
func (m *Manager) RebaseOnTrunk(ctx context.Context, taskID string) (*MergeResult, error) {
	rec, err := m.record(taskID)
	if err != nil {
		return nil, err
	}

	m.trunkMu.Lock()
	defer m.trunkMu.Unlock()

	if _, err := m.git(ctx, rec.path, "rebase", m.trunkBranch); err != nil {
		files, listErr := m.conflictingFiles(ctx, rec.path)
		if listErr == nil && len(files) > 0 {
			return &MergeResult{Conflict: true, ConflictingFiles: files}, nil
		}
		// Not a content conflict: unwind and surface the failure.
		_, _ = m.git(ctx, rec.path, "rebase", "--abort")
		return &MergeResult{ErrorMessage: err.Error()}, errors.Wrap(errors.KindMergeFailure, err)
	}
	return &MergeResult{Success: true}, nil
}

// MergeToTrunk creates a non-fast-forward merge commit of the task branch
// into trunk. Serialized against every other trunk-modifying operation.
func (m *Manager) MergeToTrunk(ctx context.Context, taskID string) (*MergeResult, error) {
	rec, err := m.record(taskID)
	if err != nil {
		return nil, err
	}

	m.trunkMu.Lock()
	defer m.trunkMu.Unlock()

	msg := fmt.Sprintf("merge task %s", taskID)
	if _, err := m.git(ctx, m.workspace, "merge", "--no-ff", "-m", msg, rec.branch); err != nil {
		files, listErr := m.conflictingFiles(ctx, m.workspace)
		// Always restore trunk to a clean state before reporting.
		_, _ = m.git(ctx, m.workspace, "merge", "--abort")
		if listErr == nil && len(files) > 0 {
			return &MergeResult{Conflict: true, ConflictingFiles: files}, nil
		}
		return &MergeResult{ErrorMessage: err.Error()}, errors.Wrap(errors.KindMergeFailure, err)
	}

	commit, err := m.git(ctx, m.workspace, "rev-parse", "HEAD")
	if err != nil {
		return nil, err
	}
	return &MergeResult{Success: true, CommitID: commit}, nil
}

// CleanupWorktree removes the worktree directory and deletes the task
// branch. The branch survives when keepBranch is set (merge forensics).
func (m *Manager) CleanupWorktree(ctx context.Context, taskID string, keepBranch bool) error {
	m.mu.Lock()
	rec, ok := m.records[taskID]
	if ok {
		delete(m.records, taskID)
		// Drop aliases pointing at the same checkout.
		for id, other := range m.records {
			if other == rec {
				delete(m.records, id)
			}
		}
	}
	m.mu.Unlock()
	if !ok {
		return nil
	}

	if _, err := m.git(ctx, m.workspace, "worktree", "remove", "--force", rec.path); err != nil {
		m.logger.Warn("worktree remove failed, deleting directory", "task_id", taskID, "err", err)
		_ = os.RemoveAll(rec.path)
		_, _ = m.git(ctx, m.workspace, "worktree", "prune")
	}
	if !keepBranch {
		if _, err := m.git(ctx, m.workspace, "branch", "-D", rec.branch); err != nil {
			m.logger.Warn("branch delete failed", "branch", rec.branch, "err", err)
		}
	}
	return nil
}

// RecoverWorktrees reconciles on-disk worktrees against the given set of
// task ids that should be active. Orphaned directories are deleted; ids
// whose worktree is missing are returned so the caller can demote them.
func (m *Manager) RecoverWorktrees(ctx context.Context, activeTaskIDs []string) (missing []string, err error) {
	active := make(map[string]bool, len(activeTaskIDs))
	for _, id := range activeTaskIDs {
		active[id] = true
	}

	entries, err := os.ReadDir(m.base)
	if err != nil {
		if os.IsNotExist(err) {
			return activeTaskIDs, nil
		}
		return nil, err
	}

	onDisk := make(map[string]bool, len(entries))
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		id := entry.Name()
		onDisk[id] = true
		if !active[id] {
			path := filepath.Join(m.base, id)
			if _, rmErr := m.git(ctx, m.workspace, "worktree", "remove", "--force", path); rmErr != nil {
				_ = os.RemoveAll(path)
			}
			m.logger.Info("orphaned worktree removed", "task_id", id)
		}
	}
	_, _ = m.git(ctx, m.workspace, "worktree", "prune")

	for _, id := range activeTaskIDs {
		if !onDisk[id] {
			missing = append(missing, id)
		}
	}
	sort.Strings(missing)
	return missing, nil
}

// ConflictSummary renders a compact diff of ours-vs-theirs for the first few
// conflicting files, for inclusion in a merger task's context.
func (m *Manager) ConflictSummary(ctx context.Context, taskID string, files []string) string {
	rec, err := m.record(taskID)
	if err != nil {
		return ""
	}

	const maxFiles = 5
	dmp := diffmatchpatch.New()
	var b strings.Builder
	for i, file := range files {
		if i == maxFiles {
			fmt.Fprintf(&b, "... and %d more files\n", len(files)-maxFiles)
			break
		}
		ours, oursErr := m.git(ctx, rec.path, "show", ":2:"+file)
		theirs, theirsErr := m.git(ctx, rec.path, "show", ":3:"+file)
		if oursErr != nil || theirsErr != nil {
			fmt.Fprintf(&b, "%s: (binary or add/delete conflict)\n", file)
			continue
		}
		diffs := dmp.DiffMain(ours, theirs, true)
		dmp.DiffCleanupSemantic(diffs)
		patches := dmp.PatchMake(ours, diffs)
		fmt.Fprintf(&b, "=== %s ===\n%s\n", file, dmp.PatchToText(patches))
	}
	return b.String()
}

func (m *Manager) record(taskID string) (*record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.records[taskID]
	if !ok {
		return nil, fmt.Errorf("no worktree for task %s", taskID)
	}
	return rec, nil
}

func (m *Manager) conflictingFiles(ctx context.Context, dir string) ([]string, error) {
	out, err := m.git(ctx, dir, "diff", "--name-only", "--diff-filter=U")
	if err != nil {
		return nil, err
	}
	if out == "" {
		return nil, nil
	}
	return strings.Split(out, "\n"), nil
}

// git executes a git command in dir with a timeout and returns the trimmed
// combined output. Failures carry the captured output.
func (m *Manager) git(ctx context.Context, dir string, args ...string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, m.gitTimeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, "git", args...)
	cmd.Dir = dir
	cmd.Env = append(os.Environ(),
		"GIT_PAGER=cat",
		"GIT_TERMINAL_PROMPT=0",
		"GIT_SSH_COMMAND=ssh -oBatchMode=yes",
		"NO_COLOR=1",
	)
	output, err := cmd.CombinedOutput()
	result := string(output)
	if err != nil {
		if ctx.Err() == context.DeadlineExceeded {
			return "", fmt.Errorf("git %s timed out after %s", strings.Join(args, " "), m.gitTimeout)
		}
		cleaned := strings.TrimSpace(result)
		if cleaned != "" {
			return "", fmt.Errorf("git %s failed: %s", strings.Join(args, " "), cleaned)
		}
		return "", fmt.Errorf("git %s failed: %w", strings.Join(args, " "), err)
	}
	return strings.TrimSpace(result), nil
}
