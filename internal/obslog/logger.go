// Package obslog provides the coordinator's structured logger, adapted from
// the teacher's common/logger package with token- and fan-in-scoped helpers
// added for the dispatch/planner hot path.
package obslog

import (
	"context"
	"log/slog"
	"os"
	"runtime/debug"
	"time"

	"github.com/lmittmann/tint"
)

// Logger wraps slog.Logger with the contextual fields the coordinator core
// attaches on every hot-path log line: run id, token id, node ref, fan-in
// path.
type Logger struct {
	*slog.Logger
}

// New builds a Logger. format "json" selects slog's JSON handler (the
// container/ops default); anything else gets tint's colored console output,
// meant for local development the way the teacher defaults to it.
func New(level, format string) *Logger {
	var handler slog.Handler
	logLevel := parseLevel(level)

	switch format {
	case "json":
		handler = slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: logLevel})
	default:
		handler = tint.NewHandler(os.Stdout, &tint.Options{
			Level:      logLevel,
			TimeFormat: time.TimeOnly,
			AddSource:  false,
		})
	}

	return &Logger{Logger: slog.New(handler)}
}

type ctxKey string

const traceIDKey ctxKey = "trace_id"

// ContextWithTraceID attaches a trace id that WithContext will later pick up.
func ContextWithTraceID(ctx context.Context, traceID string) context.Context {
	return context.WithValue(ctx, traceIDKey, traceID)
}

func (l *Logger) WithContext(ctx context.Context) *Logger {
	if traceID := ctx.Value(traceIDKey); traceID != nil {
		return &Logger{Logger: l.With("trace_id", traceID)}
	}
	return l
}

func (l *Logger) WithFields(fields map[string]any) *Logger {
	args := make([]any, 0, len(fields)*2)
	for k, v := range fields {
		args = append(args, k, v)
	}
	return &Logger{Logger: l.With(args...)}
}

// WithRun scopes subsequent log lines to a workflow run.
func (l *Logger) WithRun(runID string) *Logger {
	return &Logger{Logger: l.With("workflow_run_id", runID)}
}

// WithToken scopes subsequent log lines to a token, the coordinator core's
// unit of work (spec.md §3.2) — the dispatcher attaches this when it logs a
// token's build, subworkflow-start or dispatch failure; the planner itself
// does not log.
func (l *Logger) WithToken(tokenID, nodeRef string) *Logger {
	return &Logger{Logger: l.With("token_id", tokenID, "node_ref", nodeRef)}
}

// WithFanInPath scopes subsequent log lines to a fan-in coordination key
// (spec.md §3.4) — used around ACTIVATE_FAN_IN decisions, where the
// (workflowRunId, fanInPath) pair is the thing under contention.
func (l *Logger) WithFanInPath(fanInPath string) *Logger {
	return &Logger{Logger: l.With("fan_in_path", fanInPath)}
}

// Error logs with a stack trace attached, matching the teacher's
// crash-forensics convention for unexpected errors.
func (l *Logger) Error(msg string, args ...any) {
	args = append(args, "stack", string(debug.Stack()))
	l.Logger.Error(msg, args...)
}

func (l *Logger) ErrorContext(ctx context.Context, msg string, args ...any) {
	args = append(args, "stack", string(debug.Stack()))
	l.Logger.ErrorContext(ctx, msg, args...)
}

func parseLevel(level string) slog.Level {
	switch level {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
