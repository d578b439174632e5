package workflow

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sequentialDef() *Definition {
	return &Definition{
		ID:             "wf-1",
		Version:        "1",
		InitialNodeRef: "a",
		Nodes: []*Node{
			{Ref: "a", TaskID: "task-a"},
			{Ref: "b", TaskID: "task-b"},
			{Ref: "c", TaskID: "task-c"},
		},
		Transitions: []*Transition{
			{Ref: "t1", FromNodeRef: "a", ToNodeRef: "b", Priority: 0},
			{Ref: "t2", FromNodeRef: "b", ToNodeRef: "c", Priority: 0},
		},
	}
}

func TestCompile_IndexesNodesAndTransitions(t *testing.T) {
	g, err := Compile(sequentialDef())
	require.NoError(t, err)

	n, ok := g.Node("a")
	require.True(t, ok)
	assert.Equal(t, "task-a", n.TaskID)

	assert.True(t, g.IsSink("c"))
	assert.False(t, g.IsSink("a"))
}

func TestCompile_OutgoingTransitionsSortedByPriority(t *testing.T) {
	def := &Definition{
		ID:             "wf-2",
		InitialNodeRef: "a",
		Nodes:          []*Node{{Ref: "a"}, {Ref: "b"}, {Ref: "c"}},
		Transitions: []*Transition{
			{Ref: "low", FromNodeRef: "a", ToNodeRef: "c", Priority: 5},
			{Ref: "high", FromNodeRef: "a", ToNodeRef: "b", Priority: 1},
		},
	}
	g, err := Compile(def)
	require.NoError(t, err)

	out := g.OutgoingTransitions("a")
	require.Len(t, out, 2)
	assert.Equal(t, "high", out[0].Ref)
	assert.Equal(t, "low", out[1].Ref)
}

func TestCompile_RejectsUnknownInitialNode(t *testing.T) {
	def := &Definition{ID: "wf-3", InitialNodeRef: "missing", Nodes: []*Node{{Ref: "a"}}}
	_, err := Compile(def)
	require.Error(t, err)
}

func TestCompile_RejectsTransitionToUnknownNode(t *testing.T) {
	def := &Definition{
		ID: "wf-4", InitialNodeRef: "a",
		Nodes:       []*Node{{Ref: "a"}},
		Transitions: []*Transition{{Ref: "t1", FromNodeRef: "a", ToNodeRef: "ghost"}},
	}
	_, err := Compile(def)
	require.Error(t, err)
}

func TestCompile_SynchronizationFor(t *testing.T) {
	def := &Definition{
		ID: "wf-5", InitialNodeRef: "a",
		Nodes: []*Node{{Ref: "a"}, {Ref: "join"}},
		Transitions: []*Transition{
			{
				Ref: "t1", FromNodeRef: "a", ToNodeRef: "join",
				Synchronization: &Synchronization{Strategy: StrategyAll, SiblingGroup: "sg-1"},
			},
		},
	}
	g, err := Compile(def)
	require.NoError(t, err)

	sync, ok := g.SynchronizationFor("join")
	require.True(t, ok)
	assert.Equal(t, "sg-1", sync.Synchronization.SiblingGroup)

	_, ok = g.SynchronizationFor("a")
	assert.False(t, ok)
}

func TestTransition_IsFanOut(t *testing.T) {
	assert.True(t, (&Transition{SpawnCount: 3}).IsFanOut())
	assert.True(t, (&Transition{Foreach: &Foreach{Collection: "input.items"}}).IsFanOut())
	assert.False(t, (&Transition{SpawnCount: 1}).IsFanOut())
	assert.False(t, (&Transition{}).IsFanOut())
}

func TestSynchronization_Quorum(t *testing.T) {
	assert.Equal(t, 5, (&Synchronization{Strategy: StrategyAll}).Quorum(5))
	assert.Equal(t, 1, (&Synchronization{Strategy: StrategyAny}).Quorum(5))
	assert.Equal(t, 3, (&Synchronization{Strategy: StrategyMOfN, MOfN: 3}).Quorum(5))
}

func TestDefinition_Clone_IsIndependentCopy(t *testing.T) {
	def := sequentialDef()
	clone, err := def.Clone()
	require.NoError(t, err)

	clone.Nodes[0].TaskID = "mutated"
	assert.Equal(t, "task-a", def.Nodes[0].TaskID)
	assert.Equal(t, "mutated", clone.Nodes[0].TaskID)
}
