// Package workflow holds the immutable workflow-definition types the
// coordinator core routes tokens against. Definitions arrive fully formed
// from the workspace loader (out of scope here); this package only models
// and indexes them.
package workflow

import "encoding/json"

// Strategy names a fan-in synchronization strategy.
type Strategy string

const (
	StrategyAll  Strategy = "all"
	StrategyAny  Strategy = "any"
	StrategyMOfN Strategy = "m_of_n"
)

// MergeStrategy names how per-branch outputs combine at a fan-in point.
type MergeStrategy string

const (
	MergeAppend   MergeStrategy = "append"
	MergeObject   MergeStrategy = "merge"
	MergeKeyed    MergeStrategy = "keyed"
	MergeLastWins MergeStrategy = "last_wins"
)

// TimeoutPolicy names what happens when a fan-in's timeoutMs elapses.
type TimeoutPolicy string

const (
	OnTimeoutFail               TimeoutPolicy = "fail"
	OnTimeoutProceedWithPartial TimeoutPolicy = "proceed_with_available"
)

// MergeConfig describes how a fan-in's contributing branch outputs are
// combined and where the result is written.
type MergeConfig struct {
	Source   string        `json:"source"`
	Target   string        `json:"target"`
	Strategy MergeStrategy `json:"strategy"`
}

// Synchronization is attached to a transition that is the convergence point
// of a fan-out's sibling group.
type Synchronization struct {
	Strategy     Strategy      `json:"strategy"`
	MOfN         int           `json:"mOfN,omitempty"`
	SiblingGroup string        `json:"siblingGroup"`
	Merge        *MergeConfig  `json:"merge,omitempty"`
	TimeoutMs    int64         `json:"timeoutMs,omitempty"`
	OnTimeout    TimeoutPolicy `json:"onTimeout,omitempty"`
}

// Quorum returns the number of successful completions required to activate
// this synchronization, given the fan-out's total sibling count.
func (s *Synchronization) Quorum(total int) int {
	switch s.Strategy {
	case StrategyAll:
		return total
	case StrategyAny:
		return 1
	case StrategyMOfN:
		return s.MOfN
	default:
		return total
	}
}

// Foreach describes a dynamic fan-out whose spawn count is the length of a
// collection resolved from context at evaluation time.
type Foreach struct {
	Collection string `json:"collection"`
	ItemVar    string `json:"itemVar"`
}

// Condition is a boolean expression gating a transition. The coordinator
// core never evaluates the expression itself inside the pure planner; the
// caller (Run Controller) pre-evaluates it against context and hands the
// planner the resulting boolean, per spec. This type still carries the
// expression so the controller has something to evaluate.
type Condition struct {
	Type       string `json:"type"` // "cel"; empty means "cel", other values are rejected by internal/condition
	Expression string `json:"expression"`
}

// Transition is a directed edge in the workflow graph.
type Transition struct {
	Ref             string           `json:"ref"`
	FromNodeRef     string           `json:"fromNodeRef"`
	ToNodeRef       string           `json:"toNodeRef"`
	Priority        int              `json:"priority"`
	Condition       *Condition       `json:"condition,omitempty"`
	SpawnCount      int              `json:"spawnCount,omitempty"`
	Foreach         *Foreach         `json:"foreach,omitempty"`
	Synchronization *Synchronization `json:"synchronization,omitempty"`
}

// IsFanOut reports whether the transition spawns more than a single token
// under any circumstance (static count declared >1, or dynamic foreach).
func (t *Transition) IsFanOut() bool {
	return t.SpawnCount > 1 || t.Foreach != nil
}

// Node is a vertex in the workflow graph.
type Node struct {
	Ref             string                 `json:"ref"`
	TaskID          string                 `json:"taskId,omitempty"`
	TaskVersion     string                 `json:"taskVersion,omitempty"`
	SubworkflowID   string                 `json:"subworkflowId,omitempty"`
	SubworkflowVers string                 `json:"subworkflowVersion,omitempty"`
	InputMapping    map[string]string      `json:"inputMapping,omitempty"`
	OutputMapping   map[string]string      `json:"outputMapping,omitempty"`
	Config          map[string]interface{} `json:"config,omitempty"`
}

// IsSubworkflow reports whether this node delegates to a nested workflow
// run rather than dispatching an action.
func (n *Node) IsSubworkflow() bool {
	return n.SubworkflowID != ""
}

// OutputMapping is the declarative target<-source mapping used both for a
// node's outputMapping and for the workflow-level outputMapping.
type OutputMapping map[string]string

// Definition is the immutable, validated workflow graph the coordinator
// drives to completion. Validation (cycles, unreachable nodes, data-flow
// soundness) happens upstream; the core assumes it holds.
type Definition struct {
	ID              string                 `json:"id"`
	Version         string                 `json:"version"`
	InitialNodeRef  string                 `json:"initialNodeRef"`
	Nodes           []*Node                `json:"nodes"`
	Transitions     []*Transition          `json:"transitions"`
	InputSchema     map[string]interface{} `json:"inputSchema,omitempty"`
	ContextSchema   map[string]interface{} `json:"contextSchema,omitempty"`
	OutputSchema    map[string]interface{} `json:"outputSchema,omitempty"`
	OutputMapping   OutputMapping          `json:"outputMapping,omitempty"`
}

// Clone returns a deep copy via JSON round-trip; changing the copy does not
// mutate the original.
func (d *Definition) Clone() (*Definition, error) {
	data, err := json.Marshal(d)
	if err != nil {
		return nil, err
	}
	var out Definition
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, err
	}
	return &out, nil
}
