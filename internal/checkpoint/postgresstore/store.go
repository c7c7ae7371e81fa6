// Package postgresstore implements a Postgres-backed checkpointer. One
// `runs` table carries both the summary columns used for list views and the
// full state blob, so listing never decodes run state.
package postgresstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"maestro/internal/checkpoint"
	"maestro/internal/domain/run"
	"maestro/internal/logging"
)

const runsTable = "maestro_runs"

var runIDPattern = regexp.MustCompile(`^[a-zA-Z0-9_-]+$`)

// Store implements a Postgres-backed checkpointer.
type Store struct {
	pool   *pgxpool.Pool
	logger *logging.Logger
}

// New constructs a Postgres-backed checkpointer.
func New(pool *pgxpool.Pool) *Store {
	return &Store{
		pool:   pool,
		logger: logging.NewComponentLogger("CheckpointPostgresStore"),
	}
}

// EnsureSchema creates the runs table if it does not exist.
func (s *Store) EnsureSchema(ctx context.Context) error {
	if s == nil || s.pool == nil {
		return fmt.Errorf("checkpoint store not initialized")
	}

	query := fmt.Sprintf(`
CREATE TABLE IF NOT EXISTS %s (
    run_id TEXT PRIMARY KEY,
    thread_id TEXT NOT NULL,
    objective TEXT NOT NULL DEFAULT '',
    status TEXT NOT NULL DEFAULT '',
    workspace_path TEXT NOT NULL DEFAULT '',
    task_counts_json JSONB NOT NULL DEFAULT '{}'::jsonb,
    state_blob JSONB NOT NULL,
    created_at TIMESTAMPTZ NOT NULL,
    updated_at TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_maestro_runs_updated_at ON %s (updated_at DESC);
`, runsTable, runsTable)

	_, err := s.pool.Exec(ctx, query)
	return err
}

// Put upserts the snapshot and its summary columns atomically.
func (s *Store) Put(ctx context.Context, r *run.Run) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if r == nil || !isSafeRunID(r.RunID) {
		return fmt.Errorf("invalid run ID")
	}
	if s == nil || s.pool == nil {
		return fmt.Errorf("checkpoint store not initialized")
	}

	state, err := json.Marshal(r)
	if err != nil {
		return fmt.Errorf("encode state: %w", err)
	}
	summary := checkpoint.Summarize(r)
	counts, err := json.Marshal(summary.TaskCounts)
	if err != nil {
		return fmt.Errorf("encode task counts: %w", err)
	}

	query := fmt.Sprintf(`
INSERT INTO %s (run_id, thread_id, objective, status, workspace_path, task_counts_json, state_blob, created_at, updated_at)
VALUES ($1, $2, $3, $4, $5, $6::jsonb, $7::jsonb, $8, $9)
ON CONFLICT (run_id) DO UPDATE SET
    thread_id = EXCLUDED.thread_id,
    objective = EXCLUDED.objective,
    status = EXCLUDED.status,
    workspace_path = EXCLUDED.workspace_path,
    task_counts_json = EXCLUDED.task_counts_json,
    state_blob = EXCLUDED.state_blob,
    updated_at = EXCLUDED.updated_at
`, runsTable)

	_, err = s.pool.Exec(ctx, query,
		r.RunID,
		r.ThreadID,
		r.Objective,
		string(r.Status),
		r.WorkspacePath,
		counts,
		state,
		summary.CreatedAt,
		summary.UpdatedAt,
	)
	if err != nil {
		s.logger.Error("persist checkpoint failed", "run_id", r.RunID, "err", err)
		return err
	}
	return nil
}

// Get loads the snapshot for (run_id, thread_id).
func (s *Store) Get(ctx context.Context, runID, threadID string) (*run.Run, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if !isSafeRunID(runID) {
		return nil, fmt.Errorf("invalid run ID")
	}
	if s == nil || s.pool == nil {
		return nil, fmt.Errorf("checkpoint store not initialized")
	}

	query := fmt.Sprintf(`SELECT thread_id, state_blob FROM %s WHERE run_id = $1`, runsTable)

	var (
		storedThread string
		stateJSON    []byte
	)
	err := s.pool.QueryRow(ctx, query, runID).Scan(&storedThread, &stateJSON)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, checkpoint.ErrNotFound
		}
		return nil, err
	}
	if threadID != "" && storedThread != threadID {
		return nil, checkpoint.ErrNotFound
	}

	var state run.Run
	if err := json.Unmarshal(stateJSON, &state); err != nil {
		return nil, fmt.Errorf("decode state: %w", err)
	}
	return &state, nil
}

// List returns run summaries newest first.
func (s *Store) List(ctx context.Context, limit, offset int) ([]checkpoint.RunSummary, int, error) {
	if err := ctx.Err(); err != nil {
		return nil, 0, err
	}
	if s == nil || s.pool == nil {
		return nil, 0, fmt.Errorf("checkpoint store not initialized")
	}
	if limit <= 0 {
		limit = 20
	}
	if offset < 0 {
		offset = 0
	}

	var total int
	if err := s.pool.QueryRow(ctx, fmt.Sprintf(`SELECT COUNT(*) FROM %s`, runsTable)).Scan(&total); err != nil {
		return nil, 0, err
	}

	query := fmt.Sprintf(`
SELECT run_id, thread_id, objective, status, workspace_path, task_counts_json, created_at, updated_at
FROM %s
ORDER BY updated_at DESC
LIMIT $1 OFFSET $2
`, runsTable)

	rows, err := s.pool.Query(ctx, query, limit, offset)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	var summaries []checkpoint.RunSummary
	for rows.Next() {
		var (
			summary    checkpoint.RunSummary
			status     string
			countsJSON []byte
		)
		if err := rows.Scan(
			&summary.RunID,
			&summary.ThreadID,
			&summary.Objective,
			&status,
			&summary.WorkspacePath,
			&countsJSON,
			&summary.CreatedAt,
			&summary.UpdatedAt,
		); err != nil {
			return nil, 0, err
		}
		summary.Status = run.Status(status)
		if len(countsJSON) > 0 {
			if err := json.Unmarshal(countsJSON, &summary.TaskCounts); err != nil {
				return nil, 0, fmt.Errorf("decode task counts: %w", err)
			}
		}
		summaries = append(summaries, summary)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, err
	}
	return summaries, total, nil
}

// Delete removes a run's checkpoint row.
func (s *Store) Delete(ctx context.Context, runID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if !isSafeRunID(runID) {
		return fmt.Errorf("invalid run ID")
	}
	if s == nil || s.pool == nil {
		return fmt.Errorf("checkpoint store not initialized")
	}
	_, err := s.pool.Exec(ctx, fmt.Sprintf(`DELETE FROM %s WHERE run_id = $1`, runsTable), runID)
	return err
}

func isSafeRunID(id string) bool {
	return runIDPattern.MatchString(id)
}
