package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"maestro/internal/logging"
)

// RecordingInvoker wraps an Invoker and writes one JSON file per call under
// <logsBase>/<task_id>/request_<timestamp>.json so runs can be replayed.
type RecordingInvoker struct {
	inner    Invoker
	logsBase string
	logger   *logging.Logger
}

// NewRecording wraps inner with per-call request logging. An empty logsBase
// disables recording.
func NewRecording(inner Invoker, logsBase string, logger *logging.Logger) *RecordingInvoker {
	return &RecordingInvoker{inner: inner, logsBase: logsBase, logger: logging.OrNop(logger)}
}

type requestLog struct {
	Timestamp time.Time           `json:"timestamp"`
	Model     string              `json:"model"`
	TaskID    string              `json:"task_id,omitempty"`
	Request   CompletionRequest   `json:"request"`
	Response  *CompletionResponse `json:"response,omitempty"`
	Error     string              `json:"error,omitempty"`
}

// Complete forwards to the wrapped invoker and records the exchange. A
// recording failure never fails the call.
func (r *RecordingInvoker) Complete(ctx context.Context, req CompletionRequest) (*CompletionResponse, error) {
	resp, err := r.inner.Complete(ctx, req)
	if r.logsBase != "" {
		r.record(ctx, req, resp, err)
	}
	return resp, err
}

// Model returns the wrapped invoker's model identifier.
func (r *RecordingInvoker) Model() string {
	return r.inner.Model()
}

func (r *RecordingInvoker) record(ctx context.Context, req CompletionRequest, resp *CompletionResponse, callErr error) {
	taskID := logging.TaskIDFromContext(ctx)
	if taskID == "" {
		taskID = "_run"
	}
	dir := filepath.Join(r.logsBase, taskID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		r.logger.Warn("create request log dir failed", "dir", dir, "err", err)
		return
	}

	entry := requestLog{
		Timestamp: time.Now(),
		Model:     r.inner.Model(),
		TaskID:    logging.TaskIDFromContext(ctx),
		Request:   req,
		Response:  resp,
	}
	if callErr != nil {
		entry.Error = callErr.Error()
	}

	data, err := json.MarshalIndent(entry, "", "  ")
	if err != nil {
		r.logger.Warn("encode request log failed", "err", err)
		return
	}
	path := filepath.Join(dir, fmt.Sprintf("request_%d.json", time.Now().UnixNano()))
	if err := os.WriteFile(path, data, 0o644); err != nil {
		r.logger.Warn("write request log failed", "path", path, "err", err)
	}
}
