// Package events defines the coordinator's typed event emitter (spec.md
// §6). The default implementation publishes to a Redis stream, the same
// transport the teacher uses for "completion_signals" and
// "completion_events" — generalized here from the teacher's two
// purpose-built pub/sub channels into one typed, multi-event stream per
// run.
package events

import "context"

// Type enumerates the event vocabulary spec.md §6 names.
type Type string

const (
	TypeWorkflowStarted    Type = "workflow_started"
	TypeTokenSpawned       Type = "token_spawned"
	TypeNodeStarted        Type = "node_started"
	TypeNodeCompleted      Type = "node_completed"
	TypeFanInActivated     Type = "fan_in_activated"
	TypeBranchesMerged     Type = "branches_merged"
	TypeWorkflowCompleted  Type = "workflow_completed"
	TypeWorkflowFailed     Type = "workflow_failed"
	TypeTrace              Type = "trace" // carries planner TraceEvents
)

// Event is one emitted occurrence. Fields is a flat key-value payload; the
// consumer side (a UI timeline, an audit sink) interprets Fields per Type.
type Event struct {
	Type          Type
	WorkflowRunID string
	Fields        map[string]interface{}
}

// Emitter publishes coordinator events. Implementations must not block the
// dispatcher's per-run serialization on a slow consumer — spec.md §5's
// single-threaded-cooperative model means a blocking Emit stalls the whole
// run, so the default Redis implementation publishes with a bounded
// deadline and logs-and-drops on backpressure rather than blocking forever.
type Emitter interface {
	Emit(ctx context.Context, ev Event) error
}

// NoopEmitter discards every event, used by tests that only care about
// planner/dispatcher decisions.
type NoopEmitter struct{}

func (NoopEmitter) Emit(ctx context.Context, ev Event) error { return nil }
