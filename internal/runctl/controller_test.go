package runctl

import (
	"context"
	"encoding/json"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	jsonpatch "github.com/evanphx/json-patch/v5"

	"github.com/lyzr/coordinator-core/internal/action"
	"github.com/lyzr/coordinator-core/internal/condition"
	"github.com/lyzr/coordinator-core/internal/ctxstore"
	"github.com/lyzr/coordinator-core/internal/dispatch"
	"github.com/lyzr/coordinator-core/internal/events"
	"github.com/lyzr/coordinator-core/internal/fanin"
	"github.com/lyzr/coordinator-core/internal/obslog"
	"github.com/lyzr/coordinator-core/internal/resource"
	"github.com/lyzr/coordinator-core/internal/token"
	"github.com/lyzr/coordinator-core/internal/workflow"
)

type fakeRepository struct {
	defs map[string]*workflow.Definition
}

func newFakeRepository() *fakeRepository {
	return &fakeRepository{defs: make(map[string]*workflow.Definition)}
}

func (f *fakeRepository) register(def *workflow.Definition) {
	f.defs[def.ID+"@"+def.Version] = def
}

func (f *fakeRepository) GetWorkflowDef(ctx context.Context, id, version string) (*resource.WorkflowDef, error) {
	def, ok := f.defs[id+"@"+version]
	if !ok {
		return nil, assert.AnError
	}
	raw, err := json.Marshal(def)
	if err != nil {
		return nil, err
	}
	return &resource.WorkflowDef{ID: id, Version: version, DefinitionJSON: raw}, nil
}

func (f *fakeRepository) GetTask(ctx context.Context, id, version string) (*resource.Task, error) {
	return &resource.Task{ID: id, Version: version, ActionKind: string(action.KindHTTP), Implementation: "impl-" + id}, nil
}

func (f *fakeRepository) GetAction(ctx context.Context, id, version string) (*resource.Action, error) {
	return &resource.Action{ID: id, Version: version, Kind: "http"}, nil
}

func (f *fakeRepository) GetPromptSpec(ctx context.Context, id string) (*resource.PromptSpec, error) {
	return &resource.PromptSpec{ID: id}, nil
}

func (f *fakeRepository) GetModelProfile(ctx context.Context, id string) (*resource.ModelProfile, error) {
	return &resource.ModelProfile{ID: id}, nil
}

type recordingExecutor struct {
	mu         sync.Mutex
	dispatched []action.Task
}

func (e *recordingExecutor) Dispatch(task action.Task) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.dispatched = append(e.dispatched, task)
	return nil
}

func (e *recordingExecutor) tasksFor(nodeRef string) []action.Task {
	e.mu.Lock()
	defer e.mu.Unlock()
	var out []action.Task
	for _, t := range e.dispatched {
		if t.NodeRef == nodeRef {
			out = append(out, t)
		}
	}
	return out
}

func (e *recordingExecutor) count() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.dispatched)
}

type testHarness struct {
	controller *Controller
	tokens     token.Store
	executor   *recordingExecutor
	statuses   *MemStatusStore
	repo       *fakeRepository
}

func newTestHarness() *testHarness {
	tokens := token.NewMemStore()
	fanInStore := fanin.NewMemStore()
	executor := &recordingExecutor{}
	emitter := events.NoopEmitter{}
	dispatcher := dispatch.New(tokens, fanInStore, executor, emitter, obslog.New("error", "json"))
	statuses := NewMemStatusStore()
	repo := newFakeRepository()
	newCtxStore := func(runID string) ctxstore.Store { return ctxstore.NewMemStore() }

	controller := New(tokens, dispatcher, condition.NewEvaluator(), repo, emitter, statuses, newCtxStore, nil, obslog.New("error", "json"))

	return &testHarness{controller: controller, tokens: tokens, executor: executor, statuses: statuses, repo: repo}
}

func sequentialDefinition() *workflow.Definition {
	return &workflow.Definition{
		ID:             "wf-seq",
		Version:        "1",
		InitialNodeRef: "a",
		Nodes: []*workflow.Node{
			{Ref: "a", TaskID: "task-a"},
			{Ref: "b", TaskID: "task-b"},
		},
		Transitions: []*workflow.Transition{
			{Ref: "t1", FromNodeRef: "a", ToNodeRef: "b"},
		},
	}
}

func TestController_Start_DispatchesRootToken(t *testing.T) {
	ctx := context.Background()
	h := newTestHarness()
	h.repo.register(sequentialDefinition())

	runID, err := h.controller.Start(ctx, StartInput{WorkflowID: "wf-seq", WorkflowVersion: "1"})
	require.NoError(t, err)
	require.NotEmpty(t, runID)

	assert.Equal(t, 1, h.executor.count())
	assert.Len(t, h.executor.tasksFor("a"), 1)

	count, err := h.tokens.GetActiveCount(ctx, runID)
	require.NoError(t, err)
	assert.Equal(t, 1, count)
}

func TestController_HandleTaskResult_RoutesAndFinalizesCompleted(t *testing.T) {
	ctx := context.Background()
	h := newTestHarness()
	h.repo.register(sequentialDefinition())

	runID, err := h.controller.Start(ctx, StartInput{WorkflowID: "wf-seq", WorkflowVersion: "1"})
	require.NoError(t, err)

	rootTask := h.executor.tasksFor("a")[0]
	require.NoError(t, h.controller.HandleTaskResult(ctx, action.Result{TokenID: rootTask.TokenID, Status: action.ResultCompleted, Output: map[string]interface{}{}}))

	require.Len(t, h.executor.tasksFor("b"), 1)
	bTask := h.executor.tasksFor("b")[0]

	require.NoError(t, h.controller.HandleTaskResult(ctx, action.Result{TokenID: bTask.TokenID, Status: action.ResultCompleted, Output: map[string]interface{}{}}))

	status, ok := h.statuses.Get(runID)
	require.True(t, ok)
	assert.Equal(t, RunStatusCompleted, status)
}

func TestController_HandleTaskResult_SinkFailureFailsWorkflow(t *testing.T) {
	ctx := context.Background()
	h := newTestHarness()
	def := &workflow.Definition{
		ID:             "wf-single",
		Version:        "1",
		InitialNodeRef: "only",
		Nodes:          []*workflow.Node{{Ref: "only", TaskID: "task-only"}},
	}
	h.repo.register(def)

	runID, err := h.controller.Start(ctx, StartInput{WorkflowID: "wf-single", WorkflowVersion: "1"})
	require.NoError(t, err)

	onlyTask := h.executor.tasksFor("only")[0]
	require.NoError(t, h.controller.HandleTaskResult(ctx, action.Result{TokenID: onlyTask.TokenID, Status: action.ResultFailed, Err: "boom"}))

	status, ok := h.statuses.Get(runID)
	require.True(t, ok)
	assert.Equal(t, RunStatusFailed, status)
}

func TestController_FanOutFanIn_AnyActivatesOnFirstArrivalAndCancelsLoser(t *testing.T) {
	ctx := context.Background()
	h := newTestHarness()
	def := &workflow.Definition{
		ID:             "wf-fanout",
		Version:        "1",
		InitialNodeRef: "start",
		Nodes: []*workflow.Node{
			{Ref: "start", TaskID: "task-start"},
			{Ref: "branch", TaskID: "task-branch"},
			{Ref: "join", TaskID: "task-join"},
		},
		Transitions: []*workflow.Transition{
			{Ref: "fanout", FromNodeRef: "start", ToNodeRef: "branch", SpawnCount: 2},
			{
				Ref: "to-join", FromNodeRef: "branch", ToNodeRef: "join",
				Synchronization: &workflow.Synchronization{
					Strategy:     workflow.StrategyAny,
					SiblingGroup: "fanout",
					Merge:        &workflow.MergeConfig{Target: "state.results", Strategy: workflow.MergeAppend},
				},
			},
		},
		OutputMapping: workflow.OutputMapping{"results": "state.results"},
	}
	h.repo.register(def)

	runID, err := h.controller.Start(ctx, StartInput{WorkflowID: "wf-fanout", WorkflowVersion: "1"})
	require.NoError(t, err)

	startTask := h.executor.tasksFor("start")[0]
	require.NoError(t, h.controller.HandleTaskResult(ctx, action.Result{TokenID: startTask.TokenID, Status: action.ResultCompleted, Output: map[string]interface{}{}}))

	branchTasks := h.executor.tasksFor("branch")
	require.Len(t, branchTasks, 2)

	require.NoError(t, h.controller.HandleTaskResult(ctx, action.Result{TokenID: branchTasks[0].TokenID, Status: action.ResultCompleted, Output: map[string]interface{}{"value": "a"}}))

	joinTasks := h.executor.tasksFor("join")
	require.Len(t, joinTasks, 1, "the first sibling to finish should activate an `any` fan-in immediately")

	loser, err := h.tokens.Get(ctx, branchTasks[1].TokenID)
	require.NoError(t, err)
	assert.Equal(t, token.StatusCancelled, loser.Status, "the losing sibling should be cancelled by the fan-in activation")

	require.NoError(t, h.controller.HandleTaskResult(ctx, action.Result{TokenID: joinTasks[0].TokenID, Status: action.ResultCompleted, Output: map[string]interface{}{}}))

	status, ok := h.statuses.Get(runID)
	require.True(t, ok)
	assert.Equal(t, RunStatusCompleted, status)
}

func TestController_FanOutFanIn_AllWaitsForEverySiblingThenActivates(t *testing.T) {
	ctx := context.Background()
	h := newTestHarness()
	def := &workflow.Definition{
		ID:             "wf-fanout-all",
		Version:        "1",
		InitialNodeRef: "start",
		Nodes: []*workflow.Node{
			{Ref: "start", TaskID: "task-start"},
			{Ref: "branch", TaskID: "task-branch"},
			{Ref: "join", TaskID: "task-join"},
		},
		Transitions: []*workflow.Transition{
			{Ref: "fanout", FromNodeRef: "start", ToNodeRef: "branch", SpawnCount: 3},
			{
				Ref: "to-join", FromNodeRef: "branch", ToNodeRef: "join",
				Synchronization: &workflow.Synchronization{
					Strategy:     workflow.StrategyAll,
					SiblingGroup: "fanout",
					Merge:        &workflow.MergeConfig{Target: "state.results", Strategy: workflow.MergeAppend},
				},
			},
		},
		OutputMapping: workflow.OutputMapping{"results": "state.results"},
	}
	h.repo.register(def)

	runID, err := h.controller.Start(ctx, StartInput{WorkflowID: "wf-fanout-all", WorkflowVersion: "1"})
	require.NoError(t, err)

	startTask := h.executor.tasksFor("start")[0]
	require.NoError(t, h.controller.HandleTaskResult(ctx, action.Result{TokenID: startTask.TokenID, Status: action.ResultCompleted, Output: map[string]interface{}{}}))

	branchTasks := h.executor.tasksFor("branch")
	require.Len(t, branchTasks, 3)

	// First two siblings complete: quorum (3) not yet reached, no join
	// dispatched yet, and completing a sibling must not error (this is the
	// regression case for the illegal completed->waiting_for_siblings
	// transition: an `all` fan-in with more than one sibling used to never
	// reach quorum because an earlier-arriving sibling's completion got
	// overwritten and dropped from the count).
	require.NoError(t, h.controller.HandleTaskResult(ctx, action.Result{TokenID: branchTasks[0].TokenID, Status: action.ResultCompleted, Output: map[string]interface{}{"value": "a"}}))
	require.Empty(t, h.executor.tasksFor("join"))

	require.NoError(t, h.controller.HandleTaskResult(ctx, action.Result{TokenID: branchTasks[1].TokenID, Status: action.ResultCompleted, Output: map[string]interface{}{"value": "b"}}))
	require.Empty(t, h.executor.tasksFor("join"))

	first, err := h.tokens.Get(ctx, branchTasks[0].TokenID)
	require.NoError(t, err)
	assert.Equal(t, token.StatusCompleted, first.Status, "a sibling waiting on quorum stays completed, it is never moved to waiting_for_siblings")

	// Third sibling completes: quorum reached, join fires with all three
	// outputs merged.
	require.NoError(t, h.controller.HandleTaskResult(ctx, action.Result{TokenID: branchTasks[2].TokenID, Status: action.ResultCompleted, Output: map[string]interface{}{"value": "c"}}))

	joinTasks := h.executor.tasksFor("join")
	require.Len(t, joinTasks, 1)

	require.NoError(t, h.controller.HandleTaskResult(ctx, action.Result{TokenID: joinTasks[0].TokenID, Status: action.ResultCompleted, Output: map[string]interface{}{}}))

	status, ok := h.statuses.Get(runID)
	require.True(t, ok)
	assert.Equal(t, RunStatusCompleted, status)
}

func TestController_FanOutFanIn_MOfNActivatesBeforeEverySiblingFinishes(t *testing.T) {
	ctx := context.Background()
	h := newTestHarness()
	def := &workflow.Definition{
		ID:             "wf-fanout-mofn",
		Version:        "1",
		InitialNodeRef: "start",
		Nodes: []*workflow.Node{
			{Ref: "start", TaskID: "task-start"},
			{Ref: "branch", TaskID: "task-branch"},
			{Ref: "join", TaskID: "task-join"},
		},
		Transitions: []*workflow.Transition{
			{Ref: "fanout", FromNodeRef: "start", ToNodeRef: "branch", SpawnCount: 3},
			{
				Ref: "to-join", FromNodeRef: "branch", ToNodeRef: "join",
				Synchronization: &workflow.Synchronization{
					Strategy:     workflow.StrategyMOfN,
					MOfN:         2,
					SiblingGroup: "fanout",
					Merge:        &workflow.MergeConfig{Target: "state.results", Strategy: workflow.MergeAppend},
				},
			},
		},
		OutputMapping: workflow.OutputMapping{"results": "state.results"},
	}
	h.repo.register(def)

	runID, err := h.controller.Start(ctx, StartInput{WorkflowID: "wf-fanout-mofn", WorkflowVersion: "1"})
	require.NoError(t, err)

	startTask := h.executor.tasksFor("start")[0]
	require.NoError(t, h.controller.HandleTaskResult(ctx, action.Result{TokenID: startTask.TokenID, Status: action.ResultCompleted, Output: map[string]interface{}{}}))

	branchTasks := h.executor.tasksFor("branch")
	require.Len(t, branchTasks, 3)

	require.NoError(t, h.controller.HandleTaskResult(ctx, action.Result{TokenID: branchTasks[0].TokenID, Status: action.ResultCompleted, Output: map[string]interface{}{"value": "a"}}))
	require.Empty(t, h.executor.tasksFor("join"), "quorum of 2 not yet reached after one completion")

	require.NoError(t, h.controller.HandleTaskResult(ctx, action.Result{TokenID: branchTasks[1].TokenID, Status: action.ResultCompleted, Output: map[string]interface{}{"value": "b"}}))

	joinTasks := h.executor.tasksFor("join")
	require.Len(t, joinTasks, 1, "quorum of 2 reached without waiting on the third sibling")

	third, err := h.tokens.Get(ctx, branchTasks[2].TokenID)
	require.NoError(t, err)
	assert.Equal(t, token.StatusCancelled, third.Status, "the still-pending third sibling is cancelled by the quorum activation")

	require.NoError(t, h.controller.HandleTaskResult(ctx, action.Result{TokenID: joinTasks[0].TokenID, Status: action.ResultCompleted, Output: map[string]interface{}{}}))

	status, ok := h.statuses.Get(runID)
	require.True(t, ok)
	assert.Equal(t, RunStatusCompleted, status)
}

func TestController_ApplyDefinitionPatch_RecompilesEffectiveGraph(t *testing.T) {
	ctx := context.Background()
	h := newTestHarness()
	h.repo.register(sequentialDefinition())

	runID, err := h.controller.Start(ctx, StartInput{WorkflowID: "wf-seq", WorkflowVersion: "1"})
	require.NoError(t, err)

	patch, err := jsonpatch.DecodePatch([]byte(`[
		{"op": "add", "path": "/nodes/-", "value": {"ref": "c", "taskId": "task-c"}},
		{"op": "add", "path": "/transitions/-", "value": {"ref": "t2", "fromNodeRef": "b", "toNodeRef": "c", "priority": 0}}
	]`))
	require.NoError(t, err)

	require.NoError(t, h.controller.ApplyDefinitionPatch(ctx, runID, patch))

	rootTask := h.executor.tasksFor("a")[0]
	require.NoError(t, h.controller.HandleTaskResult(ctx, action.Result{TokenID: rootTask.TokenID, Status: action.ResultCompleted, Output: map[string]interface{}{}}))
	bTask := h.executor.tasksFor("b")[0]
	require.NoError(t, h.controller.HandleTaskResult(ctx, action.Result{TokenID: bTask.TokenID, Status: action.ResultCompleted, Output: map[string]interface{}{}}))

	require.Len(t, h.executor.tasksFor("c"), 1, "patched transition b->c should have fired instead of sinking at b")
}

func TestController_MarkCancelled_StopsFurtherPlanning(t *testing.T) {
	ctx := context.Background()
	h := newTestHarness()
	h.repo.register(sequentialDefinition())

	runID, err := h.controller.Start(ctx, StartInput{WorkflowID: "wf-seq", WorkflowVersion: "1"})
	require.NoError(t, err)

	require.NoError(t, h.controller.MarkCancelled(ctx, runID))

	status, ok := h.statuses.Get(runID)
	require.True(t, ok)
	assert.Equal(t, RunStatusCancelled, status)

	rootTask := h.executor.tasksFor("a")[0]
	err = h.controller.HandleTaskResult(ctx, action.Result{TokenID: rootTask.TokenID, Status: action.ResultCompleted, Output: map[string]interface{}{}})
	assert.Error(t, err, "a late result for a cancelled run should not silently succeed")
}
