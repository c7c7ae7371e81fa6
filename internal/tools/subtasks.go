package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/google/uuid"

	"maestro/internal/domain/run"
	"maestro/internal/llm"
)

type createSubtasks struct{}

// Execute validates and stages proposed subtasks. Ids are minted here;
// depends_on entries may reference sibling titles or ids and are resolved by
// the director during plan integration.
func (t *createSubtasks) Execute(_ context.Context, call llm.ToolCall, binding *Binding) (*llm.ToolResult, error) {
	rawTasks, ok := call.Arguments["tasks"]
	if !ok {
		return reject(call, "missing 'tasks'"), nil
	}
	encoded, err := json.Marshal(rawTasks)
	if err != nil {
		return reject(call, "invalid 'tasks': %v", err), nil
	}
	var proposed []*run.Task
	if err := json.Unmarshal(encoded, &proposed); err != nil {
		return reject(call, "invalid 'tasks': %v", err), nil
	}
	if len(proposed) == 0 {
		return reject(call, "'tasks' must contain at least one task"), nil
	}

	for _, task := range proposed {
		if task.Title == "" {
			return reject(call, "every task needs a title"), nil
		}
		switch task.Phase {
		case run.PhasePlan, run.PhaseBuild, run.PhaseTest:
		default:
			return reject(call, "task %q has invalid phase %q", task.Title, task.Phase), nil
		}
		if task.ID == "" {
			task.ID = uuid.NewString()
		}
		task.Status = run.TaskPlanned
	}

	binding.AddSuggestedTasks(proposed)
	return &llm.ToolResult{CallID: call.ID, Content: fmt.Sprintf("registered %d subtasks for review", len(proposed))}, nil
}

func (t *createSubtasks) Definition() llm.ToolDefinition {
	return llm.ToolDefinition{
		Name:        "create_subtasks",
		Description: "Propose subtasks for the plan. A planner must call this before finishing and include at least one test-phase task.",
		Parameters: llm.ParameterSchema{
			Type: "object",
			Properties: map[string]llm.Property{
				"tasks": {
					Type:        "array",
					Description: "Tasks with title, description, phase (plan|build|test), depends_on, dependency_queries, acceptance_criteria, priority",
					Items:       &llm.Property{Type: "object"},
				},
			},
			Required: []string{"tasks"},
		},
	}
}

type writeReport struct{}

// Execute writes the tester's result report at the conventional path.
func (t *writeReport) Execute(_ context.Context, call llm.ToolCall, binding *Binding) (*llm.ToolResult, error) {
	if binding.ReadOnly {
		return reject(call, "write_report is not permitted in a read-only session"), nil
	}
	content, ok := stringArg(call, "content")
	if !ok {
		return reject(call, "missing 'content'"), nil
	}

	path := filepath.Join(binding.Root, ReportRelPath)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return reject(call, "%v", err), nil
	}
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		return reject(call, "%v", err), nil
	}
	binding.MarkReportWritten()
	return &llm.ToolResult{CallID: call.ID, Content: "report written to " + ReportRelPath}, nil
}

func (t *writeReport) Definition() llm.ToolDefinition {
	return llm.ToolDefinition{
		Name:        "write_report",
		Description: "Write the test result report. A tester must call this before finishing.",
		Parameters: llm.ParameterSchema{
			Type: "object",
			Properties: map[string]llm.Property{
				"content": {Type: "string", Description: "Markdown report: what was tested, outcomes, failures"},
			},
			Required: []string{"content"},
		},
	}
}
