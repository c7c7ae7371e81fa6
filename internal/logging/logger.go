package logging

import (
	"context"
	"io"
	"log/slog"
	"os"
	"strings"
)

// Logger wraps slog for structured logging.
type Logger struct {
	logger *slog.Logger
}

// Config configures the logger.
type Config struct {
	Level  string // debug, info, warn, error
	Format string // json, text
	Output io.Writer
}

// New creates a new structured logger.
func New(config Config) *Logger {
	level := slog.LevelInfo
	switch strings.ToLower(config.Level) {
	case "debug":
		level = slog.LevelDebug
	case "info":
		level = slog.LevelInfo
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}

	output := config.Output
	if output == nil {
		output = os.Stdout
	}

	var handler slog.Handler
	opts := &slog.HandlerOptions{Level: level}
	if config.Format == "json" {
		handler = slog.NewJSONHandler(output, opts)
	} else {
		handler = slog.NewTextHandler(output, opts)
	}

	return &Logger{logger: slog.New(handler)}
}

// Nop returns a logger that discards all output.
func Nop() *Logger {
	return &Logger{logger: slog.New(slog.DiscardHandler)}
}

// OrNop returns logger when non-nil, otherwise a no-op logger.
func OrNop(logger *Logger) *Logger {
	if logger == nil {
		return Nop()
	}
	return logger
}

// NewComponentLogger returns the default application logger scoped to a component.
func NewComponentLogger(component string) *Logger {
	return New(Config{Level: os.Getenv("MAESTRO_LOG_LEVEL")}).With("component", component)
}

// With adds additional fields to the logger.
func (l *Logger) With(args ...any) *Logger {
	return &Logger{logger: l.logger.With(args...)}
}

// WithContext adds run and task identifiers from the context, if present.
func (l *Logger) WithContext(ctx context.Context) *Logger {
	var args []any
	if runID := RunIDFromContext(ctx); runID != "" {
		args = append(args, "run_id", runID)
	}
	if taskID := TaskIDFromContext(ctx); taskID != "" {
		args = append(args, "task_id", taskID)
	}
	if len(args) == 0 {
		return l
	}
	return &Logger{logger: l.logger.With(args...)}
}

// Debug logs at debug level.
func (l *Logger) Debug(msg string, args ...any) {
	l.logger.Debug(msg, args...)
}

// Info logs at info level.
func (l *Logger) Info(msg string, args ...any) {
	l.logger.Info(msg, args...)
}

// Warn logs at warn level.
func (l *Logger) Warn(msg string, args ...any) {
	l.logger.Warn(msg, args...)
}

// Error logs at error level.
func (l *Logger) Error(msg string, args ...any) {
	l.logger.Error(msg, args...)
}

// Context key types.
type contextKey string

const (
	runIDKey  contextKey = "run_id"
	taskIDKey contextKey = "task_id"
)

// ContextWithRunID adds a run ID to the context.
func ContextWithRunID(ctx context.Context, runID string) context.Context {
	return context.WithValue(ctx, runIDKey, runID)
}

// RunIDFromContext extracts the run ID from the context.
func RunIDFromContext(ctx context.Context) string {
	if runID, ok := ctx.Value(runIDKey).(string); ok {
		return runID
	}
	return ""
}

// ContextWithTaskID adds a task ID to the context.
func ContextWithTaskID(ctx context.Context, taskID string) context.Context {
	return context.WithValue(ctx, taskIDKey, taskID)
}

// TaskIDFromContext extracts the task ID from the context.
func TaskIDFromContext(ctx context.Context) string {
	if taskID, ok := ctx.Value(taskIDKey).(string); ok {
		return taskID
	}
	return ""
}
