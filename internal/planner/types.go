// Package planner implements the pure Routing Planner (spec.md §4.3): a
// side-effect-free function from (event, snapshot) to a decision batch; the
// workflow graph reaches it only as the snapshot's pre-resolved outgoing
// transitions. It never touches a store, a clock, or an RNG — every
// input it needs is handed to it by the Run Controller, the split the
// teacher's operators.ControlFlowRouter never makes (it calls into the SDK
// directly) but that spec.md §9 calls out as worth preserving for
// testability and for keeping the dispatcher the single point of mutation.
package planner

import (
	"github.com/lyzr/coordinator-core/internal/token"
	"github.com/lyzr/coordinator-core/internal/workflow"
)

// EventKind names the three events the planner reacts to (spec.md §4.3).
type EventKind string

const (
	EventTokenCompleted EventKind = "TOKEN_COMPLETED"
	EventTokenFailed    EventKind = "TOKEN_FAILED"
	EventTimeout        EventKind = "TIMEOUT"
)

// Event is the planner's sole input besides the snapshot.
type Event struct {
	Kind      EventKind
	TokenID   string // set for TOKEN_COMPLETED / TOKEN_FAILED
	Reason    string // set for TOKEN_FAILED
	FanInPath string // set for TIMEOUT
}

// EvaluatedTransition pairs a transition with its condition's already
// resolved boolean, since the planner itself is forbidden from evaluating
// expressions against context (spec.md §4.3: "pre-evaluated... by the
// caller").
type EvaluatedTransition struct {
	Transition     *workflow.Transition
	ConditionHolds bool
	// SpawnCount is the resolved fan-out width for this transition: either
	// the static spawnCount, or the length of the foreach collection
	// (already resolved by the caller, since path/expr resolution needs
	// the context store). 1 when neither is set.
	SpawnCount int
}

// Snapshot is everything the planner needs to decide a completed token's
// consequences, assembled by the Run Controller from the token store,
// context store and compiled graph before calling Plan.
//
// A transition carries its own Synchronization (workflow.Transition); the
// planner treats a completed token as "arriving at a fan-in" whenever one
// of its outgoing transitions — the one that would otherwise just route it
// onward — has Synchronization set. That transition's toNodeRef is the
// join node; its SiblingGroup is checked against CompletedToken.
// SiblingGroup per spec.md §4.3.2 step 1.
type Snapshot struct {
	CompletedToken *token.Token
	SiblingCounts  token.SiblingCounts

	// OutgoingTransitions are the completed token's node's outgoing
	// transitions, already priority-ordered (workflow.Graph.
	// OutgoingTransitions does this), each with its condition resolved.
	OutgoingTransitions []EvaluatedTransition

	// NonTerminalSiblingIDs lists tokens still non-terminal in the
	// completed token's sibling group, used to cancel losers on an `any`
	// or successful `m_of_n` activation.
	NonTerminalSiblingIDs []string
}

// DecisionKind is one of the closed set of planner outputs (spec.md §4.3).
type DecisionKind string

const (
	DecisionCreateToken       DecisionKind = "CREATE_TOKEN"
	DecisionMarkForDispatch   DecisionKind = "MARK_FOR_DISPATCH"
	DecisionMarkWaiting       DecisionKind = "MARK_WAITING"
	DecisionActivateFanIn     DecisionKind = "ACTIVATE_FAN_IN"
	DecisionUpdateTokenStatus DecisionKind = "UPDATE_TOKEN_STATUS"
	DecisionFailWorkflow      DecisionKind = "FAIL_WORKFLOW"
)

// Decision is a single planner output. Only the fields relevant to Kind are
// populated; this mirrors the teacher's Event struct (sdk/types.go), which
// also carries a closed set of optional payloads behind one Kind tag.
type Decision struct {
	Kind DecisionKind

	// CREATE_TOKEN
	TokenSpec *token.Spec

	// MARK_FOR_DISPATCH, MARK_WAITING, UPDATE_TOKEN_STATUS: the token to
	// act on. When the token was just created earlier in this same
	// decision batch, its real id isn't known yet at plan time — PathID
	// is set instead (it's unique per token by construction, spec.md
	// §3.2), and the dispatcher resolves PathID -> real id from the
	// CREATE_TOKEN decisions it already applied earlier in the batch.
	TokenID string
	PathID  string
	Status  token.Status // UPDATE_TOKEN_STATUS target status

	// ACTIVATE_FAN_IN
	TargetNodeRef    string
	FanInPath        string
	SiblingGroup     string
	MergeConfig      *workflow.MergeConfig
	MergedTokenIDs   []string // left empty by the planner and the dispatcher; the dispatcher reads terminal siblings from the token store instead

	// FAIL_WORKFLOW
	Reason string
}

// TraceEvent is a fine-grained diagnostic emitted alongside decisions
// (spec.md §6's "trace events at planner decision points").
type TraceEvent struct {
	Kind    string
	Message string
	Fields  map[string]interface{}
}

// Result is Plan's return value.
type Result struct {
	Decisions   []Decision
	TraceEvents []TraceEvent
}

func (r *Result) decide(d Decision) {
	r.Decisions = append(r.Decisions, d)
}

func (r *Result) trace(kind, message string, fields map[string]interface{}) {
	r.TraceEvents = append(r.TraceEvents, TraceEvent{Kind: kind, Message: message, Fields: fields})
}
