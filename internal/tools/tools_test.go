package tools

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"maestro/internal/domain/run"
	"maestro/internal/llm"
)

func call(name string, args map[string]any) llm.ToolCall {
	return llm.ToolCall{ID: "c1", Name: name, Arguments: args}
}

func exec1(t *testing.T, reg *Registry, binding *Binding, c llm.ToolCall) *llm.ToolResult {
	t.Helper()
	tool, err := reg.Get(c.Name)
	require.NoError(t, err)
	result, err := tool.Execute(context.Background(), c, binding)
	require.NoError(t, err)
	return result
}

func TestProfileFiltering(t *testing.T) {
	reg := NewRegistry()

	qa := reg.ForProfile(run.ProfileQA)
	_, err := qa.Get("file_write")
	require.Error(t, err, "qa must not see write tools")
	_, err = qa.Get("bash")
	require.Error(t, err)
	_, err = qa.Get("file_read")
	require.NoError(t, err)

	planner := reg.ForProfile(run.ProfilePlanner)
	_, err = planner.Get("create_subtasks")
	require.NoError(t, err)

	tester := reg.ForProfile(run.ProfileTester)
	_, err = tester.Get("write_report")
	require.NoError(t, err)
}

func TestPathConfinement(t *testing.T) {
	root := t.TempDir()
	shared := t.TempDir()
	binding := NewBinding(root, shared)

	require.NoError(t, os.WriteFile(filepath.Join(shared, "shared.txt"), []byte("ok"), 0o644))

	reg := NewRegistry()
	result := exec1(t, reg, binding, call("file_read", map[string]any{"path": "../../../etc/passwd"}))
	require.NotEmpty(t, result.Error, "escape via .. must be rejected")

	result = exec1(t, reg, binding, call("file_read", map[string]any{"path": "/etc/passwd"}))
	require.NotEmpty(t, result.Error)

	// Shared roots stay reachable by absolute path.
	result = exec1(t, reg, binding, call("file_read", map[string]any{"path": filepath.Join(shared, "shared.txt")}))
	require.Empty(t, result.Error)
	require.Equal(t, "ok", result.Content)
}

func TestReadBeforeWrite(t *testing.T) {
	root := t.TempDir()
	binding := NewBinding(root)
	reg := NewRegistry()

	require.NoError(t, os.WriteFile(filepath.Join(root, "existing.go"), []byte("package x\n"), 0o644))

	// Blind overwrite of an existing file is rejected.
	result := exec1(t, reg, binding, call("file_write", map[string]any{"path": "existing.go", "content": "package y\n"}))
	require.Contains(t, result.Error, "read it before writing")

	// Creating a new file needs no prior read.
	result = exec1(t, reg, binding, call("file_write", map[string]any{"path": "sub/new.go", "content": "package z\n"}))
	require.Empty(t, result.Error)
	require.FileExists(t, filepath.Join(root, "sub", "new.go"))

	// After a read, the overwrite goes through.
	result = exec1(t, reg, binding, call("file_read", map[string]any{"path": "existing.go"}))
	require.Empty(t, result.Error)
	result = exec1(t, reg, binding, call("file_write", map[string]any{"path": "existing.go", "content": "package y\n"}))
	require.Empty(t, result.Error)
}

func TestFileExists(t *testing.T) {
	root := t.TempDir()
	binding := NewBinding(root)
	reg := NewRegistry()

	require.NoError(t, os.WriteFile(filepath.Join(root, "a.txt"), nil, 0o644))

	require.Equal(t, "exists", exec1(t, reg, binding, call("file_exists", map[string]any{"path": "a.txt"})).Content)
	require.Equal(t, "does not exist", exec1(t, reg, binding, call("file_exists", map[string]any{"path": "b.txt"})).Content)
	require.Equal(t, "exists (directory)", exec1(t, reg, binding, call("file_exists", map[string]any{"path": "."})).Content)
}

func TestListFiles(t *testing.T) {
	root := t.TempDir()
	binding := NewBinding(root)
	reg := NewRegistry()

	require.NoError(t, os.MkdirAll(filepath.Join(root, ".git"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(root, ".git", "HEAD"), []byte("ref"), 0o644))
	require.NoError(t, os.MkdirAll(filepath.Join(root, "src"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(root, "src", "main.go"), nil, 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(root, "go.mod"), nil, 0o644))

	result := exec1(t, reg, binding, call("list_files", map[string]any{}))
	require.Empty(t, result.Error)
	require.Contains(t, result.Content, "go.mod")
	require.Contains(t, result.Content, filepath.Join("src", "main.go"))
	require.NotContains(t, result.Content, "HEAD", ".git contents are skipped")
}

func TestBash(t *testing.T) {
	root := t.TempDir()
	binding := NewBinding(root)
	reg := NewRegistry()

	result := exec1(t, reg, binding, call("bash", map[string]any{"command": "pwd"}))
	require.Empty(t, result.Error)
	require.Contains(t, result.Content, filepath.Base(root))

	result = exec1(t, reg, binding, call("bash", map[string]any{"command": "exit 3"}))
	require.Equal(t, "exit code 3", result.Error)
}

func TestBashTimeoutKillsProcessGroup(t *testing.T) {
	root := t.TempDir()
	binding := NewBinding(root)
	binding.CommandTimeout = 200 * time.Millisecond
	reg := NewRegistry()

	start := time.Now()
	result := exec1(t, reg, binding, call("bash", map[string]any{"command": "sleep 30 & wait"}))
	require.Contains(t, result.Error, "timed out")
	require.Less(t, time.Since(start), 10*time.Second)
}

func TestReadOnlyBinding(t *testing.T) {
	root := t.TempDir()
	binding := NewBinding(root)
	binding.ReadOnly = true
	reg := NewRegistry()

	result := exec1(t, reg, binding, call("file_write", map[string]any{"path": "x", "content": "y"}))
	require.Contains(t, result.Error, "read-only")
	result = exec1(t, reg, binding, call("bash", map[string]any{"command": "true"}))
	require.Contains(t, result.Error, "read-only")
}

func TestCreateSubtasks(t *testing.T) {
	binding := NewBinding(t.TempDir())
	reg := NewRegistry()

	result := exec1(t, reg, binding, call("create_subtasks", map[string]any{
		"tasks": []any{
			map[string]any{"title": "implement parser", "phase": "build", "priority": 2},
			map[string]any{"title": "test parser", "phase": "test", "dependency_queries": []any{"the parser build task"}},
		},
	}))
	require.Empty(t, result.Error)

	suggested := binding.SuggestedTasks()
	require.Len(t, suggested, 2)
	require.NotEmpty(t, suggested[0].ID, "ids are minted on proposal")
	require.Equal(t, run.TaskPlanned, suggested[0].Status)
	require.Equal(t, run.PhaseTest, suggested[1].Phase)
	require.Equal(t, []string{"the parser build task"}, suggested[1].DependencyQueries)

	// Bad phase is rejected and stages nothing new.
	result = exec1(t, reg, binding, call("create_subtasks", map[string]any{
		"tasks": []any{map[string]any{"title": "x", "phase": "deploy"}},
	}))
	require.Contains(t, result.Error, "invalid phase")
	require.Len(t, binding.SuggestedTasks(), 2)
}

func TestWriteReport(t *testing.T) {
	root := t.TempDir()
	binding := NewBinding(root)
	reg := NewRegistry()

	require.False(t, binding.ReportWritten())
	result := exec1(t, reg, binding, call("write_report", map[string]any{"content": "# results\nall passing"}))
	require.Empty(t, result.Error)
	require.True(t, binding.ReportWritten())

	data, err := os.ReadFile(filepath.Join(root, ReportRelPath))
	require.NoError(t, err)
	require.Contains(t, string(data), "all passing")
}
