// Package coorderr defines the coordinator's error taxonomy (spec.md §7),
// classified by kind rather than by Go type hierarchy: each kind is a
// distinct struct implementing error, and callers that need to branch on
// kind use errors.As, the way the teacher's coordinator.go distinguishes
// "node failed" from "invalid transition" without a shared base type.
package coorderr

import "fmt"

// DefinitionError wraps a malformed or unresolvable workflow definition
// (missing node ref, invalid schema) surfaced before a run can start.
type DefinitionError struct {
	WorkflowID string
	Reason     string
}

func (e *DefinitionError) Error() string {
	return fmt.Sprintf("workflow %s: definition error: %s", e.WorkflowID, e.Reason)
}

// InputValidationError means a run's supplied input failed inputSchema.
type InputValidationError struct {
	WorkflowID string
	Reason     string
}

func (e *InputValidationError) Error() string {
	return fmt.Sprintf("workflow %s: input validation failed: %s", e.WorkflowID, e.Reason)
}

// ActionFailureError wraps a node whose dispatched action returned failed
// or timed_out (spec.md §7). Routing downstream decides based on
// transition conditions branching on failure, or this propagates to
// FailWorkflowError.
type ActionFailureError struct {
	TokenID string
	NodeRef string
	Reason  string
}

func (e *ActionFailureError) Error() string {
	return fmt.Sprintf("node %s (token %s): action failed: %s", e.NodeRef, e.TokenID, e.Reason)
}

// SynchronizationTimeoutError fires when a fan-in's timeoutMs elapses
// before quorum is reached; OnTimeout decides whether it becomes a
// FailWorkflowError or a proceed-with-partial continuation.
type SynchronizationTimeoutError struct {
	SiblingGroup string
	FanInPath    string
	Quorum       int
	Completed    int
}

func (e *SynchronizationTimeoutError) Error() string {
	return fmt.Sprintf("fan-in %s timed out: %d/%d siblings completed", e.FanInPath, e.Completed, e.Quorum)
}

// SubworkflowFailureError wraps a child run's terminal failure as it
// propagates onto the parent token (spec.md §7: "propagates as
// ActionFailure on the parent token" — this type carries the extra
// subworkflow identity the plain ActionFailureError doesn't have room for).
type SubworkflowFailureError struct {
	ParentTokenID   string
	SubworkflowID   string
	ChildRunID      string
	Reason          string
}

func (e *SubworkflowFailureError) Error() string {
	return fmt.Sprintf("subworkflow %s (run %s) failed, parent token %s: %s", e.SubworkflowID, e.ChildRunID, e.ParentTokenID, e.Reason)
}

// FailWorkflowError is terminal and final: no partial completion. The
// user-visible failure surface (spec.md §7) is {status, reason,
// failingTokenId, partialContextSnapshot} — this type carries those same
// fields so the Run Controller can project it directly.
type FailWorkflowError struct {
	WorkflowRunID        string
	Reason               string
	FailingTokenID       string
	PartialContextSnapshot map[string]interface{}
}

func (e *FailWorkflowError) Error() string {
	return fmt.Sprintf("workflow run %s failed: %s", e.WorkflowRunID, e.Reason)
}
