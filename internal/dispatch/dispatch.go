// Package dispatch implements the Dispatch Executor (spec.md §4.4): it
// applies one planner decision batch per callback as a single logical unit
// of work and writes every token status change the batch implies (the Run
// Controller itself records a token's completed/failed result before
// planning). Generalized from the
// teacher's coordinator.handleCompletion / routeToNextNodes / publishToken,
// which perform the same create-then-route-then-publish sequence but
// against the teacher's loop/branch model instead of a decision batch.
package dispatch

import (
	"context"
	"fmt"

	"github.com/lyzr/coordinator-core/internal/action"
	"github.com/lyzr/coordinator-core/internal/coorderr"
	"github.com/lyzr/coordinator-core/internal/ctxstore"
	"github.com/lyzr/coordinator-core/internal/events"
	"github.com/lyzr/coordinator-core/internal/fanin"
	"github.com/lyzr/coordinator-core/internal/obslog"
	"github.com/lyzr/coordinator-core/internal/planner"
	"github.com/lyzr/coordinator-core/internal/token"
	"github.com/lyzr/coordinator-core/internal/workflow"
)

// TaskBuilder resolves a dispatchable token into an action.Task, filling in
// the action kind, implementation, and mapped input — resource lookups and
// input-mapping evaluation the dispatcher itself stays agnostic of (the Run
// Controller owns the resource repository and context store evaluation).
// isSubworkflow tells dispatchOne to route through SubworkflowStarter
// instead of the ordinary action.Executor (spec.md §4.3.4): a subworkflow
// node has no Task to build at all, so task is the zero value when true.
type TaskBuilder func(ctx context.Context, tok *token.Token) (task action.Task, isSubworkflow bool, err error)

// SubworkflowStarter instantiates a child run for a subworkflow-bound token
// (spec.md §4.3.4); the dispatcher has already marked the token
// waiting_for_subworkflow before calling it. The Run Controller supplies
// this; the dispatcher itself never creates a run.
type SubworkflowStarter func(ctx context.Context, tok *token.Token) error

// Dispatcher applies planner.Decision batches. One Dispatcher instance is
// shared across runs; all per-run state is passed into Apply.
type Dispatcher struct {
	tokens   token.Store
	fanIn    fanin.Store
	executor action.Executor
	emitter  events.Emitter
	log      *obslog.Logger
}

func New(tokens token.Store, fanIn fanin.Store, executor action.Executor, emitter events.Emitter, log *obslog.Logger) *Dispatcher {
	return &Dispatcher{tokens: tokens, fanIn: fanIn, executor: executor, emitter: emitter, log: log}
}

// Input bundles one run's scope for a single Apply call.
type Input struct {
	WorkflowRunID string
	Graph         *workflow.Graph
	Context       ctxstore.Store
	Decisions     []planner.Decision
	BuildTask     TaskBuilder
	StartSubworkflow SubworkflowStarter
}

// Outcome reports what happened after a batch landed, letting the Run
// Controller decide whether to finalize the run.
type Outcome struct {
	FailWorkflow  bool
	FailReason    string
	DispatchedIDs []string
}

// Apply implements spec.md §4.4 steps 1-5. It returns an error only for
// conditions that should never happen given an internally-consistent
// planner output (e.g. an UPDATE_TOKEN_STATUS referencing a token that
// doesn't exist); *fanin.RaceLostError is never returned — it is the
// expected, handled outcome of step 3's race and is downgraded to a no-op
// and logged instead.
func (d *Dispatcher) Apply(ctx context.Context, in Input) (Outcome, error) {
	var out Outcome
	pathToID := make(map[string]string)

	// Step 1: CREATE_TOKEN, in order, recording assigned ids.
	for _, dec := range in.Decisions {
		if dec.Kind != planner.DecisionCreateToken {
			continue
		}
		id, err := d.tokens.Create(ctx, in.WorkflowRunID, *dec.TokenSpec)
		if err != nil {
			return out, fmt.Errorf("dispatch: create token for node %s: %w", dec.TokenSpec.NodeRef, err)
		}
		pathToID[dec.TokenSpec.PathID] = id
		d.emit(ctx, in.WorkflowRunID, events.TypeTokenSpawned, map[string]interface{}{
			"tokenId": id, "nodeRef": dec.TokenSpec.NodeRef, "pathId": dec.TokenSpec.PathID,
		})
	}

	// Step 2: UPDATE_TOKEN_STATUS and MARK_WAITING.
	for _, dec := range in.Decisions {
		switch dec.Kind {
		case planner.DecisionMarkWaiting:
			id, err := resolve(dec, pathToID)
			if err != nil {
				return out, err
			}
			if err := d.tokens.UpdateStatus(ctx, id, token.StatusWaitingForSiblings); err != nil {
				return out, fmt.Errorf("dispatch: mark waiting %s: %w", id, err)
			}
		case planner.DecisionUpdateTokenStatus:
			id, err := resolve(dec, pathToID)
			if err != nil {
				return out, err
			}
			if err := d.tokens.UpdateStatus(ctx, id, dec.Status); err != nil {
				return out, fmt.Errorf("dispatch: update status %s -> %s: %w", id, dec.Status, err)
			}
		}
	}

	// Step 3: ACTIVATE_FAN_IN.
	for _, dec := range in.Decisions {
		if dec.Kind != planner.DecisionActivateFanIn {
			continue
		}
		if err := d.activateFanIn(ctx, in, &out, dec); err != nil {
			var lost *fanin.RaceLostError
			if asRaceLost(err, &lost) {
				d.log.WithFanInPath(dec.FanInPath).Info("fan-in activation lost race, downgraded to no-op")
				continue
			}
			var failWF *coorderr.FailWorkflowError
			if asFailWorkflow(err, &failWF) {
				out.FailWorkflow = true
				out.FailReason = failWF.Reason
				continue
			}
			return out, err
		}
	}

	// Step 4: MARK_FOR_DISPATCH. Continuation tokens created in step 3 were
	// already dispatched there and recorded in out.DispatchedIDs.
	for _, dec := range in.Decisions {
		if dec.Kind != planner.DecisionMarkForDispatch {
			continue
		}
		id, err := resolve(dec, pathToID)
		if err != nil {
			return out, err
		}
		if err := d.dispatchOne(ctx, in, &out, id); err != nil {
			return out, err
		}
	}

	// Step 5: finalization check.
	for _, dec := range in.Decisions {
		if dec.Kind == planner.DecisionFailWorkflow {
			out.FailWorkflow = true
			out.FailReason = dec.Reason
		}
	}

	return out, nil
}

func resolve(dec planner.Decision, pathToID map[string]string) (string, error) {
	if dec.TokenID != "" {
		return dec.TokenID, nil
	}
	id, ok := pathToID[dec.PathID]
	if !ok {
		return "", fmt.Errorf("dispatch: decision %s references unresolved pathId %q", dec.Kind, dec.PathID)
	}
	return id, nil
}

func (d *Dispatcher) dispatchOne(ctx context.Context, in Input, out *Outcome, tokenID string) error {
	tok, err := d.tokens.Get(ctx, tokenID)
	if err != nil {
		return fmt.Errorf("dispatch: reload token %s: %w", tokenID, err)
	}

	task, isSubworkflow, err := in.BuildTask(ctx, tok)
	if err != nil {
		// A task the executor can't even accept is an ActionFailure on
		// the token, not a coordinator-internal error: fail the token and
		// let the normal TOKEN_FAILED routing decide the run's fate.
		d.log.WithToken(tokenID, tok.NodeRef).Error("build task failed", "error", err)
		if uerr := d.tokens.UpdateStatus(ctx, tokenID, token.StatusFailed); uerr != nil {
			return fmt.Errorf("dispatch: fail token %s after build-task error: %w", tokenID, uerr)
		}
		return nil
	}

	d.emit(ctx, in.WorkflowRunID, events.TypeNodeStarted, map[string]interface{}{"tokenId": tokenID, "nodeRef": tok.NodeRef})

	if isSubworkflow {
		// pending -> waiting_for_subworkflow directly: a subworkflow node
		// is never "dispatched" to the action executor (spec.md §4.3.4).
		if err := d.tokens.UpdateStatus(ctx, tokenID, token.StatusWaitingForSubworkflow); err != nil {
			return fmt.Errorf("dispatch: mark waiting_for_subworkflow %s: %w", tokenID, err)
		}
		if err := in.StartSubworkflow(ctx, tok); err != nil {
			d.log.WithToken(tokenID, tok.NodeRef).Error("subworkflow start failed", "error", err)
			if uerr := d.tokens.UpdateStatus(ctx, tokenID, token.StatusFailed); uerr != nil {
				return fmt.Errorf("dispatch: fail token %s after subworkflow-start error: %w", tokenID, uerr)
			}
			return nil
		}
		out.DispatchedIDs = append(out.DispatchedIDs, tokenID)
		return nil
	}

	if err := d.tokens.UpdateStatus(ctx, tokenID, token.StatusDispatched); err != nil {
		return fmt.Errorf("dispatch: mark dispatched %s: %w", tokenID, err)
	}

	if err := d.executor.Dispatch(task); err != nil {
		d.log.WithToken(tokenID, tok.NodeRef).Error("action dispatch failed", "error", err)
		if uerr := d.tokens.UpdateStatus(ctx, tokenID, token.StatusFailed); uerr != nil {
			return fmt.Errorf("dispatch: fail token %s after dispatch error: %w", tokenID, uerr)
		}
		return nil
	}
	out.DispatchedIDs = append(out.DispatchedIDs, tokenID)
	return nil
}

// activateFanIn implements spec.md §4.3.3: claim the coordination record,
// merge contributing siblings' outputs, and create the single continuation
// token.
func (d *Dispatcher) activateFanIn(ctx context.Context, in Input, out *Outcome, dec planner.Decision) error {
	continuationPathID := fmt.Sprintf("%s.join", dec.TargetNodeRef)

	// An ACTIVATE_FAN_IN decision carries no token id, so the sibling group
	// name is recorded as the activator on the coordination record; ties
	// are broken by whoever's insert physically lands first, not by this
	// value.
	activator := dec.SiblingGroup

	if err := d.fanIn.Activate(ctx, in.WorkflowRunID, dec.FanInPath, activator); err != nil {
		return err
	}

	terminals, err := d.tokens.ListTerminalSiblings(ctx, in.WorkflowRunID, dec.SiblingGroup)
	if err != nil {
		return fmt.Errorf("dispatch: list terminal siblings for %s: %w", dec.SiblingGroup, err)
	}

	if dec.MergeConfig != nil {
		if err := in.Context.Merge(ctx, dec.SiblingGroup, dec.MergeConfig.Target, ctxstore.MergeStrategy(dec.MergeConfig.Strategy), dec.MergeConfig.Source, ""); err != nil {
			var conflict *ctxstore.ErrMergeConflict
			if asMergeConflict(err, &conflict) {
				return &coorderr.FailWorkflowError{WorkflowRunID: in.WorkflowRunID, Reason: conflict.Error()}
			}
			return fmt.Errorf("dispatch: merge fan-in %s: %w", dec.FanInPath, err)
		}
	}

	var parentPathID string
	if len(terminals) > 0 {
		parentPathID = terminals[0].PathID
	}
	spec := token.Spec{
		NodeRef:      dec.TargetNodeRef,
		PathID:       parentPathID + "." + continuationPathID,
		SiblingGroup: "",
		BranchIndex:  0,
		BranchTotal:  1,
	}
	id, err := d.tokens.Create(ctx, in.WorkflowRunID, spec)
	if err != nil {
		return fmt.Errorf("dispatch: create continuation token: %w", err)
	}

	d.emit(ctx, in.WorkflowRunID, events.TypeFanInActivated, map[string]interface{}{
		"fanInPath": dec.FanInPath, "siblingGroup": dec.SiblingGroup, "continuationTokenId": id,
	})
	if dec.MergeConfig != nil {
		d.emit(ctx, in.WorkflowRunID, events.TypeBranchesMerged, map[string]interface{}{
			"siblingGroup": dec.SiblingGroup, "target": dec.MergeConfig.Target, "strategy": dec.MergeConfig.Strategy,
		})
	}

	return d.dispatchOne(ctx, in, out, id)
}

func (d *Dispatcher) emit(ctx context.Context, runID string, typ events.Type, fields map[string]interface{}) {
	if err := d.emitter.Emit(ctx, events.Event{Type: typ, WorkflowRunID: runID, Fields: fields}); err != nil {
		d.log.WithRun(runID).Warn("event emit failed", "type", typ, "error", err)
	}
}

func asRaceLost(err error, target **fanin.RaceLostError) bool {
	if rl, ok := err.(*fanin.RaceLostError); ok {
		*target = rl
		return true
	}
	return false
}

func asMergeConflict(err error, target **ctxstore.ErrMergeConflict) bool {
	if mc, ok := err.(*ctxstore.ErrMergeConflict); ok {
		*target = mc
		return true
	}
	return false
}

func asFailWorkflow(err error, target **coorderr.FailWorkflowError) bool {
	if fw, ok := err.(*coorderr.FailWorkflowError); ok {
		*target = fw
		return true
	}
	return false
}
