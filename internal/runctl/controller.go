package runctl

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	jsonpatch "github.com/evanphx/json-patch/v5"
	"github.com/expr-lang/expr"
	"github.com/google/uuid"
	"github.com/tidwall/gjson"
	"go.opentelemetry.io/otel/trace"

	"github.com/lyzr/coordinator-core/internal/action"
	"github.com/lyzr/coordinator-core/internal/condition"
	"github.com/lyzr/coordinator-core/internal/coorderr"
	"github.com/lyzr/coordinator-core/internal/ctxstore"
	"github.com/lyzr/coordinator-core/internal/dispatch"
	"github.com/lyzr/coordinator-core/internal/events"
	"github.com/lyzr/coordinator-core/internal/fanin"
	"github.com/lyzr/coordinator-core/internal/obslog"
	"github.com/lyzr/coordinator-core/internal/planner"
	"github.com/lyzr/coordinator-core/internal/resource"
	"github.com/lyzr/coordinator-core/internal/telemetry"
	"github.com/lyzr/coordinator-core/internal/token"
	"github.com/lyzr/coordinator-core/internal/workflow"
)

// ContextStoreFactory builds a fresh, run-scoped ctxstore.Store. Injected
// so the Controller doesn't need to know whether runs persist to Postgres
// or to an in-memory document (the same store-agnostic split token.Store
// and ctxstore.Store already make).
type ContextStoreFactory func(runID string) ctxstore.Store

// Controller is the Run Controller (spec.md §4.5). One instance serves
// every run in the process.
type Controller struct {
	tokens      token.Store
	dispatcher  *dispatch.Dispatcher
	evaluator   *condition.Evaluator
	resources   resource.Repository
	emitter     events.Emitter
	statusStore StatusStore
	newCtxStore ContextStoreFactory
	alarm       *FanInAlarm
	telemetry   *telemetry.Telemetry
	log         *obslog.Logger

	mu   sync.Mutex
	runs map[string]*runState
}

// WithTelemetry attaches a metrics/tracing sink to an already-constructed
// Controller. Optional: a Controller with no telemetry attached still
// drives runs to completion, it just emits no spans or counters.
func (c *Controller) WithTelemetry(t *telemetry.Telemetry) *Controller {
	c.telemetry = t
	return c
}

func New(
	tokens token.Store,
	dispatcher *dispatch.Dispatcher,
	evaluator *condition.Evaluator,
	resources resource.Repository,
	emitter events.Emitter,
	statusStore StatusStore,
	newCtxStore ContextStoreFactory,
	alarm *FanInAlarm,
	log *obslog.Logger,
) *Controller {
	c := &Controller{
		tokens:      tokens,
		dispatcher:  dispatcher,
		evaluator:   evaluator,
		resources:   resources,
		emitter:     emitter,
		statusStore: statusStore,
		newCtxStore: newCtxStore,
		alarm:       alarm,
		log:         log,
		runs:        make(map[string]*runState),
	}
	if alarm != nil {
		alarm.SetHandler(c.HandleFanInTimeout)
	}
	return c
}

// HandleResult adapts action.ResultSink to HandleTaskResult, so a
// action.SkipAwareExecutor can deliver a synthesized completion the same
// way the real executor eventually delivers a dispatched one.
func (c *Controller) HandleResult(ctx context.Context, result action.Result) error {
	return c.HandleTaskResult(ctx, result)
}

// Start implements spec.md §4.5's start(input, runContext): resolves and
// compiles the workflow definition, validates input, creates the root
// token, and dispatches it.
func (c *Controller) Start(ctx context.Context, in StartInput) (string, error) {
	runID := uuid.NewString()

	wd, err := c.resolveDefinition(ctx, in.WorkflowID, in.WorkflowVersion)
	if err != nil {
		return "", err
	}

	graph, err := workflow.Compile(wd)
	if err != nil {
		return "", &coorderr.DefinitionError{WorkflowID: in.WorkflowID, Reason: err.Error()}
	}

	if err := validateInput(wd, in.Input); err != nil {
		return "", &coorderr.InputValidationError{WorkflowID: in.WorkflowID, Reason: err.Error()}
	}

	rs := &runState{
		runID:         runID,
		def:           wd,
		graph:         graph,
		ctx:           c.newCtxStore(runID),
		resources:     resource.NewCachedRepository(c.resources),
		parentRunID:   in.ParentRunID,
		parentTokenID: in.ParentTokenID,
	}

	if err := rs.ctx.Write(ctx, string(ctxstore.RegionInput), in.Input, ""); err != nil {
		return "", fmt.Errorf("runctl: write run input: %w", err)
	}

	c.mu.Lock()
	c.runs[runID] = rs
	c.mu.Unlock()

	rootID, err := c.tokens.Create(ctx, runID, token.Spec{NodeRef: wd.InitialNodeRef, PathID: "root", BranchTotal: 1})
	if err != nil {
		return "", fmt.Errorf("runctl: create root token: %w", err)
	}

	if err := c.setStatus(ctx, runID, RunStatusRunning, ""); err != nil {
		c.log.WithRun(runID).Warn("status projection update failed", "error", err)
	}
	c.emit(ctx, runID, events.TypeWorkflowStarted, map[string]interface{}{
		"workflowId": in.WorkflowID, "workflowVersion": in.WorkflowVersion, "rootTokenId": rootID,
	})

	if err := c.applyBatch(ctx, rs, []planner.Decision{{Kind: planner.DecisionMarkForDispatch, TokenID: rootID}}); err != nil {
		return runID, err
	}
	return runID, nil
}

func (c *Controller) resolveDefinition(ctx context.Context, workflowID, version string) (*workflow.Definition, error) {
	def, err := c.resources.GetWorkflowDef(ctx, workflowID, version)
	if err != nil {
		return nil, &coorderr.DefinitionError{WorkflowID: workflowID, Reason: fmt.Sprintf("resolve: %v", err)}
	}
	var wd workflow.Definition
	if err := json.Unmarshal(def.DefinitionJSON, &wd); err != nil {
		return nil, &coorderr.DefinitionError{WorkflowID: workflowID, Reason: fmt.Sprintf("decode: %v", err)}
	}
	return &wd, nil
}

// validateInput is spec.md §4.2's initializeWithInput validation, kept
// intentionally minimal (required-field presence only) — full JSON Schema
// validation is a stated non-goal (spec.md §1) owned by an upstream
// workspace loader.
func validateInput(def *workflow.Definition, input map[string]interface{}) error {
	if def.InputSchema == nil {
		return nil
	}
	required, ok := def.InputSchema["required"].([]interface{})
	if !ok {
		return nil
	}
	for _, r := range required {
		key, ok := r.(string)
		if !ok {
			continue
		}
		if _, present := input[key]; !present {
			return fmt.Errorf("missing required input field %q", key)
		}
	}
	return nil
}

// HandleTaskResult implements spec.md §4.5's onTaskResult(tokenId, result).
func (c *Controller) HandleTaskResult(ctx context.Context, result action.Result) error {
	tok, err := c.tokens.Get(ctx, result.TokenID)
	if err != nil {
		return fmt.Errorf("runctl: lookup token %s: %w", result.TokenID, err)
	}

	rs, ok := c.runFor(tok.WorkflowRunID)
	if !ok {
		return fmt.Errorf("runctl: no active run %s for token %s", tok.WorkflowRunID, tok.ID)
	}

	rs.mu.Lock()
	defer rs.mu.Unlock()

	return c.handleTerminal(ctx, rs, tok, result)
}

func (c *Controller) runFor(runID string) (*runState, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	rs, ok := c.runs[runID]
	return rs, ok
}

func (c *Controller) forgetRun(runID string) {
	c.mu.Lock()
	delete(c.runs, runID)
	c.mu.Unlock()
}

func (c *Controller) handleTerminal(ctx context.Context, rs *runState, tok *token.Token, result action.Result) error {
	node, ok := rs.graph.Node(tok.NodeRef)
	if !ok {
		return fmt.Errorf("runctl: node %s not found in run %s's graph", tok.NodeRef, rs.runID)
	}

	if result.Status == action.ResultCompleted {
		if err := c.applyOutputMapping(ctx, rs, tok, node, result.Output); err != nil {
			return err
		}
		if tok.SiblingGroup != "" {
			if err := rs.ctx.CaptureBranchOutput(ctx, tok.SiblingGroup, tok.BranchIndex, tok.ID, result.Output); err != nil {
				return fmt.Errorf("runctl: capture branch output for %s: %w", tok.ID, err)
			}
		}
		if err := c.tokens.UpdateStatus(ctx, tok.ID, token.StatusCompleted); err != nil {
			return fmt.Errorf("runctl: complete token %s: %w", tok.ID, err)
		}
		c.recordTransition(token.StatusCompleted)
		c.emit(ctx, rs.runID, events.TypeNodeCompleted, map[string]interface{}{"tokenId": tok.ID, "nodeRef": tok.NodeRef})
	} else {
		newStatus := token.StatusFailed
		if result.Status == action.ResultTimedOut {
			newStatus = token.StatusTimedOut
		}
		if err := c.tokens.UpdateStatus(ctx, tok.ID, newStatus); err != nil {
			return fmt.Errorf("runctl: fail token %s: %w", tok.ID, err)
		}
		c.recordTransition(newStatus)
	}

	refreshed, err := c.tokens.Get(ctx, tok.ID)
	if err != nil {
		return fmt.Errorf("runctl: reload token %s: %w", tok.ID, err)
	}

	ev, snap, err := c.buildEventAndSnapshot(ctx, rs, refreshed, result.Err)
	if err != nil {
		return err
	}

	c.registerFanInAlarms(ctx, rs, refreshed, snap.OutgoingTransitions)

	res := planner.Plan(ev, snap)
	c.traceDecisions(ctx, rs, res)
	return c.applyBatch(ctx, rs, res.Decisions)
}

// applyOutputMapping implements the "writes node outputs to context per
// outputMapping" half of spec.md §4.5's onTaskResult. A mapping source
// that matches a top-level key of result.Output is looked up directly;
// otherwise it's resolved as a dotted path into the output document, the
// same addressing scheme the context store itself uses.
func (c *Controller) applyOutputMapping(ctx context.Context, rs *runState, tok *token.Token, node *workflow.Node, output map[string]interface{}) error {
	for target, source := range node.OutputMapping {
		v, ok := output[source]
		if !ok {
			v = dottedLookup(output, source)
		}
		if err := rs.ctx.Write(ctx, target, v, tok.ID); err != nil {
			return fmt.Errorf("runctl: write output mapping %q <- %q: %w", target, source, err)
		}
	}
	return nil
}

func dottedLookup(m map[string]interface{}, path string) interface{} {
	raw, err := json.Marshal(m)
	if err != nil {
		return nil
	}
	res := gjson.GetBytes(raw, path)
	if !res.Exists() {
		return nil
	}
	return res.Value()
}

func (c *Controller) buildEventAndSnapshot(ctx context.Context, rs *runState, tok *token.Token, reason string) (planner.Event, planner.Snapshot, error) {
	transitions, err := c.evaluatedTransitions(ctx, rs, tok.NodeRef)
	if err != nil {
		return planner.Event{}, planner.Snapshot{}, err
	}

	var counts token.SiblingCounts
	var nonTerminal []string
	if tok.SiblingGroup != "" {
		counts, err = c.tokens.GetSiblingCounts(ctx, rs.runID, tok.SiblingGroup)
		if err != nil {
			return planner.Event{}, planner.Snapshot{}, fmt.Errorf("runctl: sibling counts for %s: %w", tok.SiblingGroup, err)
		}
		siblings, err := c.tokens.ListNonTerminalSiblings(ctx, rs.runID, tok.SiblingGroup)
		if err != nil {
			return planner.Event{}, planner.Snapshot{}, fmt.Errorf("runctl: non-terminal siblings for %s: %w", tok.SiblingGroup, err)
		}
		for _, s := range siblings {
			nonTerminal = append(nonTerminal, s.ID)
		}
	}

	snap := planner.Snapshot{
		CompletedToken:        tok,
		SiblingCounts:         counts,
		OutgoingTransitions:   transitions,
		NonTerminalSiblingIDs: nonTerminal,
	}

	if tok.Status == token.StatusCompleted {
		return planner.Event{Kind: planner.EventTokenCompleted, TokenID: tok.ID}, snap, nil
	}
	return planner.Event{Kind: planner.EventTokenFailed, TokenID: tok.ID, Reason: reason}, snap, nil
}

func (c *Controller) evaluatedTransitions(ctx context.Context, rs *runState, nodeRef string) ([]planner.EvaluatedTransition, error) {
	snapshot, err := rs.ctx.Snapshot(ctx)
	if err != nil {
		return nil, fmt.Errorf("runctl: context snapshot: %w", err)
	}

	transitions := rs.graph.OutgoingTransitions(nodeRef)
	out := make([]planner.EvaluatedTransition, 0, len(transitions))
	for _, t := range transitions {
		holds, err := c.evaluator.Evaluate(t.Condition, snapshot)
		if err != nil {
			return nil, fmt.Errorf("runctl: evaluate condition on transition %s: %w", t.Ref, err)
		}
		spawnCount, err := resolveSpawnCount(t, rs, ctx, snapshot)
		if err != nil {
			return nil, err
		}
		out = append(out, planner.EvaluatedTransition{Transition: t, ConditionHolds: holds, SpawnCount: spawnCount})
	}
	return out, nil
}

// resolveSpawnCount implements spec.md §4.3.1 step 3's foreach resolution.
// A foreach collection is read as an ordinary context path when it parses
// as one; otherwise it's evaluated as an expr-lang expression against the
// context snapshot, letting authors write richer-than-dotted-path
// data-flow expressions (e.g. filtering a collection before fanning out).
func resolveSpawnCount(t *workflow.Transition, rs *runState, ctx context.Context, snapshot map[string]interface{}) (int, error) {
	if t.Foreach == nil {
		if t.SpawnCount > 1 {
			return t.SpawnCount, nil
		}
		return 1, nil
	}

	if _, err := ctxstore.RegionOf(t.Foreach.Collection); err == nil {
		v, err := rs.ctx.Read(ctx, t.Foreach.Collection)
		if err != nil {
			return 0, fmt.Errorf("runctl: resolve foreach collection %q: %w", t.Foreach.Collection, err)
		}
		return collectionLength(v), nil
	}

	out, err := expr.Eval(t.Foreach.Collection, snapshot)
	if err != nil {
		return 0, fmt.Errorf("runctl: evaluate foreach expression %q: %w", t.Foreach.Collection, err)
	}
	return collectionLength(out), nil
}

func collectionLength(v interface{}) int {
	switch vv := v.(type) {
	case []interface{}:
		return len(vv)
	default:
		return 0
	}
}

func (c *Controller) registerFanInAlarms(ctx context.Context, rs *runState, tok *token.Token, transitions []planner.EvaluatedTransition) {
	if c.alarm == nil || tok.SiblingGroup == "" {
		return
	}
	for _, et := range transitions {
		sync := et.Transition.Synchronization
		if sync == nil || sync.SiblingGroup != tok.SiblingGroup || sync.TimeoutMs <= 0 {
			continue
		}
		fanInPath := fanin.Path(sync.SiblingGroup, et.Transition.ToNodeRef)
		deadline := time.Now().UTC().Add(time.Duration(sync.TimeoutMs) * time.Millisecond)
		if err := c.alarm.Register(ctx, rs.runID, fanInPath, deadline); err != nil {
			c.log.WithRun(rs.runID).Warn("fan-in alarm registration failed", "fanInPath", fanInPath, "error", err)
		}
	}
}

// HandleFanInTimeout implements spec.md §4.5's onTimeout(fanInPath).
func (c *Controller) HandleFanInTimeout(ctx context.Context, runID, fanInPath string) error {
	rs, ok := c.runFor(runID)
	if !ok {
		// Run already finalized through another path; a stale alarm
		// entry racing finalization is expected, not an error.
		return nil
	}
	rs.mu.Lock()
	defer rs.mu.Unlock()

	t, ok := findSynchronizedTransition(rs.graph, fanInPath)
	if !ok {
		c.log.WithRun(runID).Warn("fan-in timeout for unknown path", "fanInPath", fanInPath)
		return nil
	}

	counts, err := c.tokens.GetSiblingCounts(ctx, runID, t.Synchronization.SiblingGroup)
	if err != nil {
		return fmt.Errorf("runctl: sibling counts for timeout %s: %w", fanInPath, err)
	}
	nonTerminal, err := c.tokens.ListNonTerminalSiblings(ctx, runID, t.Synchronization.SiblingGroup)
	if err != nil {
		return fmt.Errorf("runctl: non-terminal siblings for timeout %s: %w", fanInPath, err)
	}
	ids := make([]string, 0, len(nonTerminal))
	for _, s := range nonTerminal {
		ids = append(ids, s.ID)
	}

	snap := planner.Snapshot{
		SiblingCounts:         counts,
		OutgoingTransitions:   []planner.EvaluatedTransition{{Transition: t, ConditionHolds: true, SpawnCount: 1}},
		NonTerminalSiblingIDs: ids,
	}
	res := planner.Plan(planner.Event{Kind: planner.EventTimeout, FanInPath: fanInPath}, snap)
	c.traceDecisions(ctx, rs, res)
	return c.applyBatch(ctx, rs, res.Decisions)
}

func findSynchronizedTransition(g *workflow.Graph, fanInPath string) (*workflow.Transition, bool) {
	for _, t := range g.Def.Transitions {
		if t.Synchronization == nil {
			continue
		}
		if fanin.Path(t.Synchronization.SiblingGroup, t.ToNodeRef) == fanInPath {
			return t, true
		}
	}
	return nil, false
}

func (c *Controller) traceDecisions(ctx context.Context, rs *runState, res planner.Result) {
	for _, te := range res.TraceEvents {
		fields := map[string]interface{}{"kind": te.Kind, "message": te.Message}
		for k, v := range te.Fields {
			fields[k] = v
		}
		c.emit(ctx, rs.runID, events.TypeTrace, fields)
	}
}

func (c *Controller) applyBatch(ctx context.Context, rs *runState, decisions []planner.Decision) error {
	if c.telemetry != nil {
		var span trace.Span
		ctx, span = c.telemetry.StartBatchSpan(ctx, rs.runID)
		defer span.End()
		start := time.Now()
		defer func() { c.telemetry.BatchDuration.Observe(time.Since(start).Seconds()) }()
		for _, dec := range decisions {
			c.telemetry.DecisionsApplied.WithLabelValues(string(dec.Kind)).Inc()
		}
	}

	in := dispatch.Input{
		WorkflowRunID:    rs.runID,
		Graph:            rs.graph,
		Context:          rs.ctx,
		Decisions:        decisions,
		BuildTask:        c.buildTask(rs),
		StartSubworkflow: c.startSubworkflow(rs),
	}
	outcome, err := c.dispatcher.Apply(ctx, in)
	if err != nil {
		if c.telemetry != nil {
			c.telemetry.DispatchBatches.WithLabelValues("error").Inc()
		}
		return fmt.Errorf("runctl: apply decisions for run %s: %w", rs.runID, err)
	}
	if c.telemetry != nil {
		c.telemetry.DispatchBatches.WithLabelValues("ok").Inc()
		for _, dec := range decisions {
			if dec.Kind == planner.DecisionActivateFanIn {
				c.telemetry.FanInActivations.Inc()
			}
		}
	}

	if c.alarm != nil {
		for _, dec := range decisions {
			if dec.Kind != planner.DecisionActivateFanIn {
				continue
			}
			if err := c.alarm.Cancel(ctx, rs.runID, dec.FanInPath); err != nil {
				c.log.WithRun(rs.runID).Warn("fan-in alarm cancel failed", "fanInPath", dec.FanInPath, "error", err)
			}
		}
	}

	if outcome.FailWorkflow {
		return c.finalizeFailed(ctx, rs, outcome.FailReason, "")
	}

	active, err := c.tokens.GetActiveCount(ctx, rs.runID)
	if err != nil {
		return fmt.Errorf("runctl: active count for run %s: %w", rs.runID, err)
	}
	if active == 0 {
		return c.finalizeCompleted(ctx, rs)
	}
	return nil
}

func (c *Controller) buildTask(rs *runState) dispatch.TaskBuilder {
	return func(ctx context.Context, tok *token.Token) (action.Task, bool, error) {
		node, ok := rs.graph.Node(tok.NodeRef)
		if !ok {
			return action.Task{}, false, fmt.Errorf("runctl: node %s not found in graph", tok.NodeRef)
		}
		if node.IsSubworkflow() {
			return action.Task{}, true, nil
		}

		resolved, err := rs.resources.GetTask(ctx, node.TaskID, node.TaskVersion)
		if err != nil {
			return action.Task{}, false, fmt.Errorf("runctl: resolve task %s@%s: %w", node.TaskID, node.TaskVersion, err)
		}

		input, err := c.resolveInputMapping(ctx, rs, node.InputMapping)
		if err != nil {
			return action.Task{}, false, err
		}

		return action.Task{
			WorkflowRunID:  rs.runID,
			TokenID:        tok.ID,
			NodeRef:        tok.NodeRef,
			ActionKind:     action.Kind(resolved.ActionKind),
			Implementation: resolved.Implementation,
			Input:          input,
		}, false, nil
	}
}

func (c *Controller) resolveInputMapping(ctx context.Context, rs *runState, mapping map[string]string) (map[string]interface{}, error) {
	out := make(map[string]interface{}, len(mapping))
	for target, source := range mapping {
		v, err := rs.ctx.Read(ctx, source)
		if err != nil {
			return nil, fmt.Errorf("runctl: resolve input mapping %q <- %q: %w", target, source, err)
		}
		out[target] = v
	}
	return out, nil
}

func (c *Controller) startSubworkflow(rs *runState) dispatch.SubworkflowStarter {
	return func(ctx context.Context, tok *token.Token) error {
		node, ok := rs.graph.Node(tok.NodeRef)
		if !ok {
			return fmt.Errorf("runctl: node %s not found in graph", tok.NodeRef)
		}
		input, err := c.resolveInputMapping(ctx, rs, node.InputMapping)
		if err != nil {
			return err
		}
		_, err = c.Start(ctx, StartInput{
			WorkflowID:      node.SubworkflowID,
			WorkflowVersion: node.SubworkflowVers,
			Input:           input,
			ParentRunID:     rs.runID,
			ParentTokenID:   tok.ID,
		})
		return err
	}
}

func (c *Controller) finalizeCompleted(ctx context.Context, rs *runState) error {
	output, err := rs.ctx.ExtractOutput(ctx, rs.def.OutputMapping)
	if err != nil {
		return fmt.Errorf("runctl: extract output for run %s: %w", rs.runID, err)
	}
	if err := c.setStatus(ctx, rs.runID, RunStatusCompleted, ""); err != nil {
		c.log.WithRun(rs.runID).Warn("status projection update failed", "error", err)
	}
	c.emit(ctx, rs.runID, events.TypeWorkflowCompleted, map[string]interface{}{"output": output})
	c.forgetRun(rs.runID)

	if rs.parentRunID == "" {
		return nil
	}
	// Sub-workflow completion re-enters the parent run's planning loop
	// exactly as an ordinary action result would (spec.md §4.3.4).
	return c.HandleTaskResult(ctx, action.Result{TokenID: rs.parentTokenID, Status: action.ResultCompleted, Output: output})
}

func (c *Controller) finalizeFailed(ctx context.Context, rs *runState, reason, failingTokenID string) error {
	snapshot, _ := rs.ctx.Snapshot(ctx)
	if err := c.setStatus(ctx, rs.runID, RunStatusFailed, reason); err != nil {
		c.log.WithRun(rs.runID).Warn("status projection update failed", "error", err)
	}
	c.emit(ctx, rs.runID, events.TypeWorkflowFailed, map[string]interface{}{
		"reason": reason, "failingTokenId": failingTokenID, "partialContextSnapshot": snapshot,
	})
	c.forgetRun(rs.runID)

	if rs.parentRunID == "" {
		return nil
	}
	// spec.md §7: SubworkflowFailure propagates as ActionFailure on the
	// parent token.
	return c.HandleTaskResult(ctx, action.Result{TokenID: rs.parentTokenID, Status: action.ResultFailed, Err: reason})
}

// ApplyDefinitionPatch recompiles a run's effective definition from a JSON
// Patch (RFC 6902), the way the teacher's MaterializerService folds a
// patch_set's PatchChain onto a base workflow. The patched definition only
// affects this run; the cached base definition resource.Repository serves
// other runs from is never mutated. The next plan() call for this run sees
// the recompiled graph, since routing always reads rs.graph fresh off the
// runState rather than caching transitions anywhere else.
func (c *Controller) ApplyDefinitionPatch(ctx context.Context, runID string, patch jsonpatch.Patch) error {
	rs, ok := c.runFor(runID)
	if !ok {
		return fmt.Errorf("runctl: no active run %s", runID)
	}

	rs.mu.Lock()
	defer rs.mu.Unlock()

	defJSON, err := json.Marshal(rs.def)
	if err != nil {
		return fmt.Errorf("runctl: encode definition for run %s: %w", runID, err)
	}

	patchedJSON, err := patch.Apply(defJSON)
	if err != nil {
		return fmt.Errorf("runctl: apply patch to run %s's definition: %w", runID, err)
	}

	var patched workflow.Definition
	if err := json.Unmarshal(patchedJSON, &patched); err != nil {
		return fmt.Errorf("runctl: decode patched definition for run %s: %w", runID, err)
	}

	graph, err := workflow.Compile(&patched)
	if err != nil {
		return fmt.Errorf("runctl: compile patched definition for run %s: %w", runID, err)
	}

	rs.def = &patched
	rs.graph = graph
	c.emit(ctx, runID, events.TypeTrace, map[string]interface{}{"message": "definition patched"})
	return nil
}

// MarkCancelled records a run as cancelled in the status projection and
// forgets its in-process state so no further planning occurs for it. It
// does not reach into the dispatch executor to stop tasks already in
// flight — the planner has no decision kind for tearing down dispatched
// tokens, so in-flight actions still complete and their results are
// simply dropped once the run is forgotten.
func (c *Controller) MarkCancelled(ctx context.Context, runID string) error {
	if _, ok := c.runFor(runID); !ok {
		if c.statusStore == nil {
			return fmt.Errorf("runctl: run %s not found", runID)
		}
	}
	if err := c.setStatus(ctx, runID, RunStatusCancelled, "cancelled by admin request"); err != nil {
		return err
	}
	c.forgetRun(runID)
	c.emit(ctx, runID, events.TypeTrace, map[string]interface{}{"message": "run cancelled"})
	return nil
}

func (c *Controller) setStatus(ctx context.Context, runID string, status RunStatus, reason string) error {
	if c.statusStore == nil {
		return nil
	}
	return c.statusStore.SetStatus(ctx, runID, status, reason)
}

func (c *Controller) emit(ctx context.Context, runID string, typ events.Type, fields map[string]interface{}) {
	if err := c.emitter.Emit(ctx, events.Event{Type: typ, WorkflowRunID: runID, Fields: fields}); err != nil {
		c.log.WithRun(runID).Warn("event emit failed", "type", typ, "error", err)
	}
}

func (c *Controller) recordTransition(status token.Status) {
	if c.telemetry == nil {
		return
	}
	c.telemetry.TokenTransitions.WithLabelValues(string(status)).Inc()
}
