package action

import (
	"context"

	"github.com/lyzr/coordinator-core/internal/obslog"
)

// ResultSink is how a SkipAwareExecutor delivers a synthesized result back
// onto the normal completion path — the same callback the real executor
// would eventually invoke, so the rest of the coordinator never needs to
// know a dispatch was skipped rather than executed.
type ResultSink interface {
	HandleResult(ctx context.Context, result Result) error
}

// SkipAwareExecutor wraps an Executor and synthesizes a completed result
// for any action kind that has no registered capability, instead of
// dispatching it and hanging the run forever. Grounded on the teacher's
// handleSkippedNode: a partially-deployed action catalog (an action kind
// the current deployment hasn't wired a worker for yet) must not stall
// getActiveCount's path to zero.
type SkipAwareExecutor struct {
	inner   Executor
	enabled map[Kind]bool
	sink    ResultSink
	log     *obslog.Logger
}

// NewSkipAwareExecutor wraps inner. enabledKinds lists the kinds this
// deployment can actually execute; any other kind is synthesized as
// completed with output `{"skipped": true}`. A nil or empty enabledKinds
// means every kind is considered enabled (no passthrough behavior).
func NewSkipAwareExecutor(inner Executor, enabledKinds []Kind, sink ResultSink, log *obslog.Logger) *SkipAwareExecutor {
	var enabled map[Kind]bool
	if len(enabledKinds) > 0 {
		enabled = make(map[Kind]bool, len(enabledKinds))
		for _, k := range enabledKinds {
			enabled[k] = true
		}
	}
	return &SkipAwareExecutor{inner: inner, enabled: enabled, sink: sink, log: log}
}

func (e *SkipAwareExecutor) Dispatch(task Task) error {
	if e.enabled != nil && !e.enabled[task.ActionKind] {
		e.log.Warn("action kind has no registered executor, synthesizing skipped completion",
			"kind", task.ActionKind, "tokenId", task.TokenID, "nodeRef", task.NodeRef)
		go func() {
			result := Result{TokenID: task.TokenID, Status: ResultCompleted, Output: map[string]interface{}{"skipped": true}}
			if err := e.sink.HandleResult(context.Background(), result); err != nil {
				e.log.Error("skip-aware result delivery failed", "tokenId", task.TokenID, "error", err)
			}
		}()
		return nil
	}
	return e.inner.Dispatch(task)
}
