// Package action models the dispatchable unit handed to the action
// executor (spec.md §6, §9's "dynamic dispatch over action kinds") and the
// executor's callback contract. The coordinator core never runs an action
// itself — internal/dispatch only shapes the Task and waits for a Result on
// the same channel/callback path the teacher's coordinator uses for
// "completion_signals".
package action

import "time"

// Kind is one of the ten action kinds spec.md §9 enumerates, modeled as a
// tagged variant rather than a Go interface hierarchy so the dispatch table
// (Kind -> validator, Kind -> executor) stays a flat, inspectable map.
type Kind string

const (
	KindLLM      Kind = "llm"
	KindHTTP     Kind = "http"
	KindShell    Kind = "shell"
	KindMCP      Kind = "mcp"
	KindTool     Kind = "tool"
	KindContext  Kind = "context"
	KindVector   Kind = "vector"
	KindMetric   Kind = "metric"
	KindHuman    Kind = "human"
	KindWorkflow Kind = "workflow"
)

// RetryPolicy bounds how the executor retries a failed dispatch before
// reporting a terminal failure back to the coordinator.
type RetryPolicy struct {
	MaxAttempts int
	Backoff     time.Duration
}

// Task is what the coordinator hands the action executor for one dispatched
// token (spec.md §6's dispatch(task) signature).
type Task struct {
	WorkflowRunID  string
	TokenID        string
	NodeRef        string
	ActionKind     Kind
	Implementation string // implementation-schema identifier the executor resolves (e.g. a prompt spec id, an HTTP implementation id)
	Input          map[string]interface{}
	TimeoutMs      int64
	RetryPolicy    *RetryPolicy
}

// ResultStatus is the terminal status an action executor reports.
type ResultStatus string

const (
	ResultCompleted ResultStatus = "completed"
	ResultFailed    ResultStatus = "failed"
	ResultTimedOut  ResultStatus = "timed_out"
)

// Result is delivered asynchronously to the Run Controller's
// onTaskResult entry point (spec.md §4.5, §6).
type Result struct {
	TokenID string
	Status  ResultStatus
	Output  map[string]interface{}
	Err     string
}

// Executor is the coordinator's sole outbound dependency for doing actual
// work. Dispatch is fire-and-forget from the coordinator's perspective —
// results arrive later through whatever callback path the executor and
// Run Controller agree on (internal/runctl wires this to onTaskResult).
type Executor interface {
	Dispatch(task Task) error
}
