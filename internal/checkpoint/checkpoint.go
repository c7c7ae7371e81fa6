// Package checkpoint persists run snapshots so a run survives process
// restarts. Backends are pluggable; the core only requires atomic put and
// get keyed by (run_id, thread_id) plus a summary listing for run indexes.
package checkpoint

import (
	"context"
	"errors"
	"time"

	"maestro/internal/domain/run"
)

// ErrNotFound is returned when no checkpoint exists for the given key.
var ErrNotFound = errors.New("checkpoint not found")

// RunSummary is the lightweight metadata stored alongside the state blob so
// list views never parse full run state.
type RunSummary struct {
	RunID         string         `json:"run_id"`
	ThreadID      string         `json:"thread_id"`
	Objective     string         `json:"objective"`
	Status        run.Status     `json:"status"`
	WorkspacePath string         `json:"workspace_path,omitempty"`
	TaskCounts    map[string]int `json:"task_counts,omitempty"`
	CreatedAt     time.Time      `json:"created_at"`
	UpdatedAt     time.Time      `json:"updated_at"`
}

// Summarize derives the summary row from a run snapshot.
func Summarize(r *run.Run) RunSummary {
	counts := make(map[string]int)
	for _, t := range r.Tasks {
		counts[string(t.Status)]++
	}
	return RunSummary{
		RunID:         r.RunID,
		ThreadID:      r.ThreadID,
		Objective:     r.Objective,
		Status:        r.Status,
		WorkspacePath: r.WorkspacePath,
		TaskCounts:    counts,
		CreatedAt:     r.CreatedAt,
		UpdatedAt:     r.UpdatedAt,
	}
}

// Checkpointer is the durable snapshot port.
type Checkpointer interface {
	// Put atomically replaces the snapshot for (run_id, thread_id).
	Put(ctx context.Context, r *run.Run) error

	// Get loads the snapshot for (run_id, thread_id).
	Get(ctx context.Context, runID, threadID string) (*run.Run, error)

	// List returns run summaries, newest first, with the total count.
	List(ctx context.Context, limit, offset int) ([]RunSummary, int, error)

	// Delete removes the snapshot and summary for a run.
	Delete(ctx context.Context, runID string) error
}
