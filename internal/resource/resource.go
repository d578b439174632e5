// Package resource defines the coordinator's read-only resource repository
// (spec.md §6): version-pinned lookups for workflow definitions, tasks,
// actions, prompt specs, and model profiles, cached per run. The caching
// layer is the teacher's common/cache.MemoryCache generalized from a
// single byte-slice cache to a typed per-run resource cache, since a run
// only ever needs the handful of resources its own definition names and
// never invalidates them mid-run (every definition is version-pinned at
// start, spec.md §6).
package resource

import "context"

// Repository is the read-only accessor set spec.md §6 names. Every method
// is version-pinned: callers always supply the exact version they resolved
// at run start, never "latest".
type Repository interface {
	GetWorkflowDef(ctx context.Context, id, version string) (*WorkflowDef, error)
	GetTask(ctx context.Context, id, version string) (*Task, error)
	GetAction(ctx context.Context, id, version string) (*Action, error)
	GetPromptSpec(ctx context.Context, id string) (*PromptSpec, error)
	GetModelProfile(ctx context.Context, id string) (*ModelProfile, error)
}

// WorkflowDef is the repository-side envelope around a workflow.Definition
// (kept separate from internal/workflow so this package doesn't need to
// import the graph model just to describe storage metadata).
type WorkflowDef struct {
	ID          string
	Version     string
	DefinitionJSON []byte
}

// Task describes a task a node's taskId/taskVersion resolves to.
type Task struct {
	ID             string
	Version        string
	ActionKind     string
	Implementation string
	InputSchema    map[string]interface{}
}

// Action is the implementation-schema record a Task's actionKind resolves
// against (spec.md §9's "dispatch table mapping kind -> implementation").
type Action struct {
	ID             string
	Version        string
	Kind           string
	ConfigSchema   map[string]interface{}
}

// PromptSpec backs `llm`-kind actions.
type PromptSpec struct {
	ID       string
	Template string
	Model    string
}

// ModelProfile backs `llm`-kind actions' model selection.
type ModelProfile struct {
	ID       string
	Provider string
	Model    string
	Params   map[string]interface{}
}
