package workflow

import (
	"fmt"
	"sort"
)

// Graph is the compiled, indexed form of a Definition. The coordinator core
// never walks Definition.Nodes/Transitions by linear scan at run time; it
// compiles once per run (or once per patched definition) and looks up by
// ref, the way the teacher's compiler.CompileWorkflowSchema produces an IR
// indexed by node id instead of re-scanning the source schema per step.
type Graph struct {
	Def *Definition

	nodesByRef       map[string]*Node
	outByNode        map[string][]*Transition // outgoing transitions, priority-sorted
	incomingBySync   map[string]*Transition   // toNodeRef -> the transition carrying its synchronization (if any)
	transitionByRef  map[string]*Transition
}

// Compile indexes a Definition for efficient planning. Returns an error if
// a transition references a node ref that doesn't exist — validation of
// deeper invariants (reachability, cycles, data-flow) is the workspace
// loader's job and is assumed to already hold.
func Compile(def *Definition) (*Graph, error) {
	g := &Graph{
		Def:             def,
		nodesByRef:      make(map[string]*Node, len(def.Nodes)),
		outByNode:       make(map[string][]*Transition),
		incomingBySync:  make(map[string]*Transition),
		transitionByRef: make(map[string]*Transition, len(def.Transitions)),
	}

	for _, n := range def.Nodes {
		g.nodesByRef[n.Ref] = n
	}

	if _, ok := g.nodesByRef[def.InitialNodeRef]; !ok {
		return nil, fmt.Errorf("workflow %s: initialNodeRef %q not found", def.ID, def.InitialNodeRef)
	}

	for _, t := range def.Transitions {
		if _, ok := g.nodesByRef[t.FromNodeRef]; !ok {
			return nil, fmt.Errorf("workflow %s: transition %q references unknown fromNodeRef %q", def.ID, t.Ref, t.FromNodeRef)
		}
		if _, ok := g.nodesByRef[t.ToNodeRef]; !ok {
			return nil, fmt.Errorf("workflow %s: transition %q references unknown toNodeRef %q", def.ID, t.Ref, t.ToNodeRef)
		}
		g.outByNode[t.FromNodeRef] = append(g.outByNode[t.FromNodeRef], t)
		g.transitionByRef[t.Ref] = t
		if t.Synchronization != nil {
			g.incomingBySync[t.ToNodeRef] = t
		}
	}

	for nodeRef, list := range g.outByNode {
		sorted := make([]*Transition, len(list))
		copy(sorted, list)
		sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].Priority < sorted[j].Priority })
		g.outByNode[nodeRef] = sorted
	}

	return g, nil
}

// Node looks up a node by ref.
func (g *Graph) Node(ref string) (*Node, bool) {
	n, ok := g.nodesByRef[ref]
	return n, ok
}

// OutgoingTransitions returns the transitions leaving nodeRef, ordered by
// ascending priority (lower = higher priority), ties broken by definition
// order — spec.md §4.3.1 step 1.
func (g *Graph) OutgoingTransitions(nodeRef string) []*Transition {
	return g.outByNode[nodeRef]
}

// SynchronizationFor returns the synchronization attached to the transition
// whose toNodeRef is nodeRef, if any — spec.md §4.3.2's "the completed
// token's own node is the toNodeRef of a transition with synchronization".
func (g *Graph) SynchronizationFor(nodeRef string) (*Transition, bool) {
	t, ok := g.incomingBySync[nodeRef]
	return t, ok
}

// IsSink reports whether a node has no outgoing transitions at all.
func (g *Graph) IsSink(nodeRef string) bool {
	return len(g.outByNode[nodeRef]) == 0
}
