// Package runctl implements the Run Controller (spec.md §4.5): the
// component that owns per-run state (the compiled graph, the context
// store, the resource cache) and the three entry points — start,
// onTaskResult, onTimeout — that drive the pure planner and the dispatch
// executor to completion. Grounded on the teacher's
// cmd/workflow-runner/coordinator.Coordinator, generalized from its
// loop/branch-only control flow and its single long-lived Start loop into
// the planner/dispatcher split spec.md §9 calls out.
package runctl

import (
	"sync"

	"github.com/lyzr/coordinator-core/internal/ctxstore"
	"github.com/lyzr/coordinator-core/internal/resource"
	"github.com/lyzr/coordinator-core/internal/workflow"
)

// StartInput is what a caller — an external API surface, or a parent run
// dispatching a sub-workflow node (spec.md §4.3.4) — supplies to begin a
// run.
type StartInput struct {
	WorkflowID      string
	WorkflowVersion string
	Input           map[string]interface{}

	// ParentRunID/ParentTokenID are set only when this run is a
	// sub-workflow child; on completion or failure the Controller
	// re-enters the parent run's planning loop through the same
	// HandleTaskResult path an ordinary action result would take
	// (spec.md §4.3.4).
	ParentRunID   string
	ParentTokenID string
}

// runState is one in-flight run's mutable scope. mu serializes every
// onTaskResult/onTimeout callback for this run (spec.md §5's
// single-threaded-cooperative model) — the Controller never processes two
// callbacks for the same run concurrently, though callbacks for different
// runs proceed fully in parallel.
type runState struct {
	mu sync.Mutex

	runID string
	def   *workflow.Definition
	graph *workflow.Graph
	ctx   ctxstore.Store

	resources *resource.CachedRepository

	parentRunID   string
	parentTokenID string
}
