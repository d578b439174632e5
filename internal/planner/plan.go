package planner

import (
	"fmt"

	"github.com/lyzr/coordinator-core/internal/fanin"
	"github.com/lyzr/coordinator-core/internal/token"
	"github.com/lyzr/coordinator-core/internal/workflow"
)

// Plan is the pure Routing Planner (spec.md §4.3). It never calls a store,
// a clock, or an RNG; every fact it needs already lives in snapshot.
func Plan(event Event, snapshot Snapshot) Result {
	var r Result

	switch event.Kind {
	case EventTokenCompleted:
		planCompletedToken(&r, snapshot)
	case EventTokenFailed:
		planFailedToken(&r, snapshot, event.Reason)
	case EventTimeout:
		planTimeout(&r, snapshot, event.FanInPath)
	default:
		r.trace("planner_error", fmt.Sprintf("unknown event kind %q", event.Kind), nil)
	}

	return r
}

// planCompletedToken implements spec.md §4.3.1: route a successfully
// completed token onward, or into synchronization planning if one of its
// outgoing transitions is a fan-in convergence edge.
func planCompletedToken(r *Result, snap Snapshot) {
	completed := snap.CompletedToken

	matching := matchingTransitions(snap.OutgoingTransitions)
	if len(matching) == 0 {
		r.trace("sink_reached", "token has no matching outgoing transitions", map[string]interface{}{
			"tokenId": completed.ID, "nodeRef": completed.NodeRef,
		})
		return
	}

	for _, et := range matching {
		t := et.Transition

		if t.Synchronization != nil {
			planSynchronization(r, snap, t)
			continue
		}

		spawnTokensForTransition(r, completed, t, et.SpawnCount)
	}
}

// planFailedToken routes a failed token's sink case to FAIL_WORKFLOW
// (spec.md §7: ActionFailure "propagates to workflow failure" absent a
// recovery transition) and otherwise reuses the completed-token routing —
// a transition with a condition branching on failure is exactly how a
// workflow author expresses "catch this and continue".
func planFailedToken(r *Result, snap Snapshot, reason string) {
	completed := snap.CompletedToken

	matching := matchingTransitions(snap.OutgoingTransitions)
	if len(matching) == 0 {
		// A failed sibling still participating in an m_of_n/all fan-in
		// does not immediately fail the workflow; the convergence
		// transition itself carries the synchronization and is evaluated
		// like any other outgoing transition. Only a failure with no
		// matching outgoing transition is terminal: transitions whose
		// condition resolved false do not count.
		r.decide(Decision{Kind: DecisionFailWorkflow, Reason: fmt.Sprintf("token %s at node %s failed: %s", completed.ID, completed.NodeRef, reason)})
		return
	}

	for _, et := range matching {
		t := et.Transition
		if t.Synchronization != nil {
			planSynchronization(r, snap, t)
			continue
		}
		spawnTokensForTransition(r, completed, t, et.SpawnCount)
	}
}

// matchingTransitions keeps transitions whose condition resolved true (or
// had none), sorted already by OutgoingTransitions' caller-side ordering.
// Open Question 2 (spec.md's REDESIGN/Open Questions): multiple matching
// unconditional transitions all fire in parallel.
func matchingTransitions(evaluated []EvaluatedTransition) []EvaluatedTransition {
	var out []EvaluatedTransition
	for _, et := range evaluated {
		if et.ConditionHolds {
			out = append(out, et)
		}
	}
	return out
}

// spawnTokensForTransition implements spec.md §4.3.1 steps 3-4 for a
// non-synchronization transition.
func spawnTokensForTransition(r *Result, completed *token.Token, t *workflow.Transition, spawnCount int) {
	if spawnCount <= 0 {
		r.trace("fanout_empty", "foreach resolved to zero width, transition fires no work", map[string]interface{}{
			"transitionRef": t.Ref, "toNodeRef": t.ToNodeRef,
		})
		return
	}

	siblingGroup := ""
	if spawnCount > 1 {
		siblingGroup = t.Ref
	}

	for i := 0; i < spawnCount; i++ {
		spec := &token.Spec{
			NodeRef:       t.ToNodeRef,
			ParentTokenID: completed.ID,
			PathID:        fmt.Sprintf("%s.%s.%d", completed.PathID, completed.NodeRef, i),
			SiblingGroup:  siblingGroup,
			BranchIndex:   i,
			BranchTotal:   spawnCount,
		}
		r.decide(Decision{Kind: DecisionCreateToken, TokenSpec: spec})
		r.decide(Decision{Kind: DecisionMarkForDispatch, PathID: spec.PathID})
	}
}

// planSynchronization implements spec.md §4.3.2: the completed token is a
// sibling arriving at transition t's fan-in point.
func planSynchronization(r *Result, snap Snapshot, t *workflow.Transition) {
	completed := snap.CompletedToken
	sync := t.Synchronization

	if completed.SiblingGroup != sync.SiblingGroup {
		// Step 1: the fan-in does not apply to this token; pass through as
		// an ordinary single-token transition instead.
		spawnTokensForTransition(r, completed, t, 1)
		return
	}

	counts := snap.SiblingCounts
	fanInPath := fanin.Path(sync.SiblingGroup, t.ToNodeRef)

	switch sync.Strategy {
	case workflow.StrategyAny:
		activate(r, snap, t, fanInPath)

	case workflow.StrategyAll:
		if counts.Terminal >= counts.Total {
			activate(r, snap, t, fanInPath)
		} else {
			// completed stays `completed` — it already counts towards
			// counts.Terminal/Completed for every future sibling's arrival,
			// since GetSiblingCounts reads persisted status directly.
			// Moving it to waiting_for_siblings here would both be an
			// illegal terminal->waiting_for_siblings transition and erase
			// this sibling's completion from that count.
			r.trace("fanin_waiting", "sibling completed, quorum not yet reached", map[string]interface{}{
				"fanInPath": fanInPath, "completed": counts.Terminal, "total": counts.Total,
			})
		}

	case workflow.StrategyMOfN:
		quorum := sync.Quorum(counts.Total)
		if counts.Completed >= quorum {
			activate(r, snap, t, fanInPath)
			return
		}
		// Open Question 1: fail immediately once quorum becomes
		// unreachable, rather than waiting for every sibling to finish.
		if counts.Total-counts.Failed < quorum {
			r.decide(Decision{Kind: DecisionFailWorkflow, Reason: fmt.Sprintf(
				"fan-in %s: quorum %d unreachable, %d/%d siblings failed",
				fanInPath, quorum, counts.Failed, counts.Total,
			)})
			return
		}
		r.trace("fanin_waiting", "sibling completed, quorum not yet reached", map[string]interface{}{
			"fanInPath": fanInPath, "completed": counts.Completed, "quorum": quorum,
		})

	default:
		r.trace("planner_error", fmt.Sprintf("unknown synchronization strategy %q", sync.Strategy), nil)
	}
}

func activate(r *Result, snap Snapshot, t *workflow.Transition, fanInPath string) {
	r.decide(Decision{
		Kind:          DecisionActivateFanIn,
		TargetNodeRef: t.ToNodeRef,
		FanInPath:     fanInPath,
		SiblingGroup:  t.Synchronization.SiblingGroup,
		MergeConfig:   t.Synchronization.Merge,
	})
	for _, id := range snap.NonTerminalSiblingIDs {
		r.decide(Decision{Kind: DecisionUpdateTokenStatus, TokenID: id, Status: token.StatusCancelled})
	}
}

// planTimeout implements the `onTimeout` half of spec.md §4.3.2/§5: a
// waiting_for_siblings fan-in's deadline elapsed.
func planTimeout(r *Result, snap Snapshot, fanInPath string) {
	// The caller resolves fanInPath back to the transition/synchronization
	// it names; Snapshot.OutgoingTransitions here is expected to contain
	// exactly that one synchronized transition so planTimeout can reuse
	// the same activation path.
	for _, et := range snap.OutgoingTransitions {
		if et.Transition.Synchronization == nil {
			continue
		}
		sync := et.Transition.Synchronization
		if fanin.Path(sync.SiblingGroup, et.Transition.ToNodeRef) != fanInPath {
			continue
		}

		switch sync.OnTimeout {
		case workflow.OnTimeoutProceedWithPartial:
			activate(r, snap, et.Transition, fanInPath)
		default: // OnTimeoutFail, or unset
			r.decide(Decision{Kind: DecisionFailWorkflow, Reason: fmt.Sprintf("fan-in %s timed out", fanInPath)})
		}
		return
	}
	r.trace("planner_error", fmt.Sprintf("timeout for unknown fan-in path %q", fanInPath), nil)
}
