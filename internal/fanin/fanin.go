// Package fanin implements the fan-in coordination record (spec.md §3.4):
// the unique (workflowRunId, fanInPath) key that gives ACTIVATE_FAN_IN
// exactly-once activation without a distributed lock. A unique index is the
// primitive the teacher reaches for whenever two concurrent writers must
// agree on "who goes first" (spec.md §9's explicit call-out), so this
// package models it as an insert that either succeeds once or reports a
// conflict — never a read-then-write race.
package fanin

import (
	"context"
	"fmt"
)

// Path returns the fan-in path identifier spec.md §3.4 defines:
// "<siblingGroup>:<targetNodeRef>".
func Path(siblingGroup, targetNodeRef string) string {
	return siblingGroup + ":" + targetNodeRef
}

// RaceLostError is spec.md §7's FanInRaceLost: expected and benign,
// downgraded to a no-op by the dispatcher rather than surfaced as a
// workflow failure.
type RaceLostError struct {
	WorkflowRunID string
	FanInPath     string
}

func (e *RaceLostError) Error() string {
	return fmt.Sprintf("fan-in %s/%s: activation race lost", e.WorkflowRunID, e.FanInPath)
}

// Store is the fan-in coordination contract. Activate is the sole write;
// there is no corresponding deactivate because a fan-in point activates at
// most once per run. The planner names a sibling group after its fan-out
// transition's ref, so if that fan-out runs again in the same run (for
// example inside a loop) its fanInPath is the same, and every activation
// after the first reports *RaceLostError.
type Store interface {
	// Activate attempts to claim fanInPath for workflowRunID on behalf of
	// activatingTokenID. Returns nil on success (this caller won the race
	// and must proceed to plan the fan-in's continuation). Returns
	// *RaceLostError if another token already claimed the same path.
	Activate(ctx context.Context, workflowRunID, fanInPath, activatingTokenID string) error

	// IsActivated reports whether fanInPath has already been claimed,
	// without attempting to claim it — used by diagnostics and by replay
	// of a crashed dispatch batch that needs to know whether its own
	// ACTIVATE_FAN_IN decision already landed.
	IsActivated(ctx context.Context, workflowRunID, fanInPath string) (bool, error)
}
