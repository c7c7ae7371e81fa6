package tools

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"maestro/internal/llm"
)

func stringArg(call llm.ToolCall, key string) (string, bool) {
	v, ok := call.Arguments[key].(string)
	return v, ok
}

func reject(call llm.ToolCall, format string, args ...any) *llm.ToolResult {
	return &llm.ToolResult{CallID: call.ID, Error: fmt.Sprintf(format, args...)}
}

type fileRead struct{}

func (t *fileRead) Execute(_ context.Context, call llm.ToolCall, binding *Binding) (*llm.ToolResult, error) {
	raw, ok := stringArg(call, "path")
	if !ok {
		return reject(call, "missing 'path'"), nil
	}
	path, err := binding.Resolve(raw)
	if err != nil {
		return reject(call, "%v", err), nil
	}
	content, err := os.ReadFile(path)
	if err != nil {
		return reject(call, "%v", err), nil
	}
	binding.MarkRead(path)
	return &llm.ToolResult{CallID: call.ID, Content: string(content)}, nil
}

func (t *fileRead) Definition() llm.ToolDefinition {
	return llm.ToolDefinition{
		Name:        "file_read",
		Description: "Read a file's contents. Paths are relative to the task workspace.",
		Parameters: llm.ParameterSchema{
			Type: "object",
			Properties: map[string]llm.Property{
				"path": {Type: "string", Description: "File path"},
			},
			Required: []string{"path"},
		},
	}
}

type fileWrite struct{}

func (t *fileWrite) Execute(_ context.Context, call llm.ToolCall, binding *Binding) (*llm.ToolResult, error) {
	if binding.ReadOnly {
		return reject(call, "file_write is not permitted in a read-only session"), nil
	}
	raw, ok := stringArg(call, "path")
	if !ok {
		return reject(call, "missing 'path'"), nil
	}
	content, ok := stringArg(call, "content")
	if !ok {
		return reject(call, "missing 'content'"), nil
	}
	path, err := binding.Resolve(raw)
	if err != nil {
		return reject(call, "%v", err), nil
	}

	// Overwriting a file this session never read is rejected: read first.
	if _, statErr := os.Stat(path); statErr == nil && !binding.HasRead(path) {
		return reject(call, "%s exists and was not read in this session; read it before writing", raw), nil
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return reject(call, "%v", err), nil
	}
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		return reject(call, "%v", err), nil
	}
	binding.MarkRead(path)
	return &llm.ToolResult{CallID: call.ID, Content: fmt.Sprintf("wrote %d bytes to %s", len(content), raw)}, nil
}

func (t *fileWrite) Definition() llm.ToolDefinition {
	return llm.ToolDefinition{
		Name:        "file_write",
		Description: "Write content to a file, creating parent directories. Existing files must be read first.",
		Parameters: llm.ParameterSchema{
			Type: "object",
			Properties: map[string]llm.Property{
				"path":    {Type: "string", Description: "File path"},
				"content": {Type: "string", Description: "Full file content"},
			},
			Required: []string{"path", "content"},
		},
	}
}

type fileExists struct{}

func (t *fileExists) Execute(_ context.Context, call llm.ToolCall, binding *Binding) (*llm.ToolResult, error) {
	raw, ok := stringArg(call, "path")
	if !ok {
		return reject(call, "missing 'path'"), nil
	}
	path, err := binding.Resolve(raw)
	if err != nil {
		return reject(call, "%v", err), nil
	}
	info, statErr := os.Stat(path)
	switch {
	case statErr == nil && info.IsDir():
		return &llm.ToolResult{CallID: call.ID, Content: "exists (directory)"}, nil
	case statErr == nil:
		return &llm.ToolResult{CallID: call.ID, Content: "exists"}, nil
	case os.IsNotExist(statErr):
		return &llm.ToolResult{CallID: call.ID, Content: "does not exist"}, nil
	default:
		return reject(call, "%v", statErr), nil
	}
}

func (t *fileExists) Definition() llm.ToolDefinition {
	return llm.ToolDefinition{
		Name:        "file_exists",
		Description: "Check whether a path exists in the workspace.",
		Parameters: llm.ParameterSchema{
			Type: "object",
			Properties: map[string]llm.Property{
				"path": {Type: "string", Description: "File path"},
			},
			Required: []string{"path"},
		},
	}
}

type listFiles struct{}

const listFilesCap = 500

func (t *listFiles) Execute(_ context.Context, call llm.ToolCall, binding *Binding) (*llm.ToolResult, error) {
	raw, _ := stringArg(call, "path")
	if raw == "" {
		raw = "."
	}
	root, err := binding.Resolve(raw)
	if err != nil {
		return reject(call, "%v", err), nil
	}

	var paths []string
	walkErr := filepath.WalkDir(root, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		name := d.Name()
		if d.IsDir() && (name == ".git" || name == "node_modules") {
			return filepath.SkipDir
		}
		if d.IsDir() {
			return nil
		}
		rel, relErr := filepath.Rel(root, path)
		if relErr != nil {
			return nil
		}
		paths = append(paths, rel)
		if len(paths) >= listFilesCap {
			return filepath.SkipAll
		}
		return nil
	})
	if walkErr != nil {
		return reject(call, "%v", walkErr), nil
	}
	sort.Strings(paths)
	out := strings.Join(paths, "\n")
	if len(paths) >= listFilesCap {
		out += "\n... (truncated)"
	}
	if out == "" {
		out = "(empty)"
	}
	return &llm.ToolResult{CallID: call.ID, Content: out}, nil
}

func (t *listFiles) Definition() llm.ToolDefinition {
	return llm.ToolDefinition{
		Name:        "list_files",
		Description: "Recursively list files under a directory.",
		Parameters: llm.ParameterSchema{
			Type: "object",
			Properties: map[string]llm.Property{
				"path": {Type: "string", Description: "Directory path, defaults to the workspace root"},
			},
		},
	}
}
