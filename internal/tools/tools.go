// Package tools defines agent tools as data plus named implementations. A
// worker selects a profile-filtered view of the registry and executes calls
// against a workspace binding that enforces path confinement and
// read-before-write.
package tools

import (
	"context"

	"maestro/internal/llm"
)

// Executor is one named tool implementation.
type Executor interface {
	Definition() llm.ToolDefinition
	Execute(ctx context.Context, call llm.ToolCall, binding *Binding) (*llm.ToolResult, error)
}
