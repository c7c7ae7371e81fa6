package tools

import (
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"maestro/internal/domain/run"
)

// ReportRelPath is the conventional location, relative to the worktree root,
// where a tester must write its result report.
const ReportRelPath = ".maestro/report.md"

// DefaultCommandTimeout bounds one bash invocation.
const DefaultCommandTimeout = 2 * time.Minute

// Binding scopes tool execution to one worker session: a worktree root,
// optional shared roots (main workspace, merge source), and the session
// bookkeeping the write policy and profile contracts need.
type Binding struct {
	Root           string
	SharedRoots    []string
	ReadOnly       bool
	CommandTimeout time.Duration

	mu            sync.Mutex
	readFiles     map[string]bool
	suggested     []*run.Task
	reportWritten bool
}

// NewBinding creates a binding rooted at the given worktree path.
func NewBinding(root string, sharedRoots ...string) *Binding {
	return &Binding{
		Root:           root,
		SharedRoots:    sharedRoots,
		CommandTimeout: DefaultCommandTimeout,
		readFiles:      make(map[string]bool),
	}
}

// Resolve maps a tool-supplied path to an absolute one and rejects anything
// outside the root and the permitted shared roots.
func (b *Binding) Resolve(raw string) (string, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return "", fmt.Errorf("path cannot be empty")
	}

	resolved := trimmed
	if !filepath.IsAbs(resolved) {
		resolved = filepath.Join(b.Root, resolved)
	}
	resolved = filepath.Clean(resolved)

	if pathWithinBase(b.Root, resolved) {
		return resolved, nil
	}
	for _, shared := range b.SharedRoots {
		if pathWithinBase(shared, resolved) {
			return resolved, nil
		}
	}
	return "", fmt.Errorf("path %q is outside the task workspace", raw)
}

func pathWithinBase(base, target string) bool {
	baseClean, err := filepath.Abs(filepath.Clean(base))
	if err != nil {
		return false
	}
	targetClean, err := filepath.Abs(target)
	if err != nil {
		return false
	}
	rel, err := filepath.Rel(baseClean, targetClean)
	if err != nil {
		return false
	}
	if rel == "." {
		return true
	}
	return rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator))
}

// MarkRead records that this session has read the resolved path.
func (b *Binding) MarkRead(path string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.readFiles[path] = true
}

// HasRead reports whether this session previously read the resolved path.
func (b *Binding) HasRead(path string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.readFiles[path]
}

// AddSuggestedTasks accumulates planner-proposed tasks for director review.
func (b *Binding) AddSuggestedTasks(tasks []*run.Task) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.suggested = append(b.suggested, tasks...)
}

// SuggestedTasks returns the tasks proposed during this session.
func (b *Binding) SuggestedTasks() []*run.Task {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]*run.Task, len(b.suggested))
	copy(out, b.suggested)
	return out
}

// MarkReportWritten records that the tester report landed at ReportRelPath.
func (b *Binding) MarkReportWritten() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.reportWritten = true
}

// ReportWritten reports whether this session produced the tester report.
func (b *Binding) ReportWritten() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.reportWritten
}

// EffectiveCommandTimeout resolves the bash timeout, defaulting when unset.
func (b *Binding) EffectiveCommandTimeout() time.Duration {
	if b.CommandTimeout > 0 {
		return b.CommandTimeout
	}
	return DefaultCommandTimeout
}
