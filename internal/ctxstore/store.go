// Package ctxstore implements the per-run context store (spec.md §3.3):
// the input/state/output/_branches regions a workflow run reads and writes
// through dotted, JSON-pointer-like paths. Paths are resolved the way the
// teacher's cmd/workflow-runner/resolver package resolves `$nodes.*`
// references, via tidwall/gjson for reads and tidwall/sjson for writes, so
// a path write never requires decoding and re-encoding the whole document.
package ctxstore

import (
	"context"
	"fmt"
	"strings"
)

// Region names one of the four top-level context areas a path must live
// under (spec.md §3.3).
type Region string

const (
	RegionInput    Region = "input"
	RegionState    Region = "state"
	RegionOutput   Region = "output"
	RegionBranches Region = "_branches"
)

// ErrInvalidPath is returned when a path doesn't address one of the four
// known regions.
type ErrInvalidPath struct {
	Path string
}

func (e *ErrInvalidPath) Error() string {
	return fmt.Sprintf("context store: path %q does not address input/state/output/_branches", e.Path)
}

// RegionOf returns the region a dotted path belongs to.
func RegionOf(path string) (Region, error) {
	head := path
	if i := strings.IndexByte(path, '.'); i >= 0 {
		head = path[:i]
	}
	switch Region(head) {
	case RegionInput, RegionState, RegionOutput, RegionBranches:
		return Region(head), nil
	default:
		return "", &ErrInvalidPath{Path: path}
	}
}

// MergeStrategy mirrors workflow.MergeStrategy without importing the
// workflow package, keeping ctxstore usable independently of the graph
// model in tests.
type MergeStrategy string

const (
	MergeAppend   MergeStrategy = "append"
	MergeObject   MergeStrategy = "merge"
	MergeKeyed    MergeStrategy = "keyed"
	MergeLastWins MergeStrategy = "last_wins"
)

// BranchOutput is one sibling's staged contribution to a fan-in merge.
type BranchOutput struct {
	BranchIndex int
	TokenID     string
	Value       interface{}
}

// Store is the Context Store contract (spec.md §3.3, §4.1). A Store is
// scoped to a single workflow run; the Run Controller holds one per
// in-flight run the way it holds one serialization mutex per run.
type Store interface {
	// Read returns the value at path, or nil if unset. Reading a path
	// under a region that has no value yet is not an error — spec.md
	// treats an unset context path as null, the same way gjson.Get
	// returns a zero Result for a missing key.
	Read(ctx context.Context, path string) (interface{}, error)

	// Write sets path to value, creating intermediate objects as needed.
	Write(ctx context.Context, path string, value interface{}, writerTokenID string) error

	// CaptureBranchOutput stages a fan-out sibling's output under
	// `_branches.<siblingGroup>.<branchIndex>` ahead of the fan-in merge
	// (spec.md §3.3, §4.3.3 step 3).
	CaptureBranchOutput(ctx context.Context, siblingGroup string, branchIndex int, tokenID string, value interface{}) error

	// CollectBranchOutputs returns every staged branch output for a
	// sibling group, ordered by branchIndex ascending.
	CollectBranchOutputs(ctx context.Context, siblingGroup string) ([]BranchOutput, error)

	// Merge folds a sibling group's staged branch outputs into targetPath
	// using strategy, then clears the staged `_branches` entries for that
	// group (spec.md §3.3's merge strategies). sourcePath, when non-empty,
	// is a path relative to each contributor's captured output (resolved
	// with the same gjson syntax as Read) that is extracted before the
	// strategy runs, so a merge can pick e.g. "result.items" out of a
	// branch's whole node output instead of merging the output wholesale.
	Merge(ctx context.Context, siblingGroup, targetPath string, strategy MergeStrategy, sourcePath, writerTokenID string) error

	// ExtractOutput projects the run's final output region according to a
	// target<-source dotted-path mapping (spec.md §3.3, workflow-level
	// outputMapping / node outputMapping).
	ExtractOutput(ctx context.Context, mapping map[string]string) (map[string]interface{}, error)

	// Snapshot returns the full document (input/state/output/_branches) as
	// a plain map, the shape internal/condition evaluates CEL expressions
	// against — the planner never reads the store directly (spec.md
	// §4.3's pre-evaluated-condition split), so the Run Controller takes
	// this snapshot once per routing decision instead.
	Snapshot(ctx context.Context) (map[string]interface{}, error)
}
