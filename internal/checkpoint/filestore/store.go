// Package filestore implements a file-backed checkpointer. Each run owns a
// state file and a summary sidecar; writes go through a temp file and an
// atomic rename so a crash never leaves a torn snapshot.
package filestore

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"maestro/internal/checkpoint"
	"maestro/internal/domain/run"
	"maestro/internal/logging"
)

type store struct {
	baseDir string
	logger  *logging.Logger
}

// New creates a file-backed checkpointer rooted at baseDir.
func New(baseDir string) (checkpoint.Checkpointer, error) {
	if strings.HasPrefix(baseDir, "~/") {
		home, _ := os.UserHomeDir()
		baseDir = filepath.Join(home, baseDir[2:])
	}
	if err := os.MkdirAll(baseDir, 0o755); err != nil {
		return nil, fmt.Errorf("create checkpoint dir: %w", err)
	}
	return &store{
		baseDir: baseDir,
		logger:  logging.NewComponentLogger("CheckpointFileStore"),
	}, nil
}

type envelope struct {
	ThreadID string   `json:"thread_id"`
	State    *run.Run `json:"state"`
}

func (s *store) statePath(runID string) string {
	return filepath.Join(s.baseDir, fmt.Sprintf("%s.json", runID))
}

func (s *store) summaryPath(runID string) string {
	return filepath.Join(s.baseDir, fmt.Sprintf("%s.summary.json", runID))
}

func (s *store) Put(ctx context.Context, r *run.Run) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if r == nil || r.RunID == "" {
		return fmt.Errorf("run id required")
	}

	if err := s.writeAtomic(s.statePath(r.RunID), envelope{ThreadID: r.ThreadID, State: r}); err != nil {
		return fmt.Errorf("write checkpoint %s: %w", r.RunID, err)
	}
	if err := s.writeAtomic(s.summaryPath(r.RunID), checkpoint.Summarize(r)); err != nil {
		return fmt.Errorf("write summary %s: %w", r.RunID, err)
	}
	return nil
}

func (s *store) Get(ctx context.Context, runID, threadID string) (*run.Run, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	data, err := os.ReadFile(s.statePath(runID))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, checkpoint.ErrNotFound
		}
		return nil, err
	}
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("decode checkpoint %s: %w", runID, err)
	}
	if env.State == nil {
		return nil, checkpoint.ErrNotFound
	}
	if threadID != "" && env.ThreadID != threadID {
		return nil, checkpoint.ErrNotFound
	}
	return env.State, nil
}

func (s *store) List(ctx context.Context, limit, offset int) ([]checkpoint.RunSummary, int, error) {
	if err := ctx.Err(); err != nil {
		return nil, 0, err
	}
	entries, err := os.ReadDir(s.baseDir)
	if err != nil {
		return nil, 0, err
	}

	var summaries []checkpoint.RunSummary
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".summary.json") {
			continue
		}
		data, readErr := os.ReadFile(filepath.Join(s.baseDir, entry.Name()))
		if readErr != nil {
			s.logger.Error("read summary failed", "file", entry.Name(), "err", readErr)
			continue
		}
		var summary checkpoint.RunSummary
		if jsonErr := json.Unmarshal(data, &summary); jsonErr != nil {
			s.logger.Error("decode summary failed", "file", entry.Name(), "err", jsonErr)
			continue
		}
		summaries = append(summaries, summary)
	}

	sort.Slice(summaries, func(i, j int) bool {
		return summaries[i].UpdatedAt.After(summaries[j].UpdatedAt)
	})

	total := len(summaries)
	if offset >= total {
		return nil, total, nil
	}
	summaries = summaries[offset:]
	if limit > 0 && len(summaries) > limit {
		summaries = summaries[:limit]
	}
	return summaries, total, nil
}

func (s *store) Delete(ctx context.Context, runID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	for _, path := range []string{s.statePath(runID), s.summaryPath(runID)} {
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			return err
		}
	}
	return nil
}

func (s *store) writeAtomic(path string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	tmp, err := os.CreateTemp(s.baseDir, ".tmp-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return err
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpName)
		return err
	}
	return os.Rename(tmpName, path)
}
