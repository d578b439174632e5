// Package condition evaluates transition conditions (spec.md §4.3.1 step 2)
// ahead of the pure Routing Planner, which only ever sees the resulting
// boolean — never the expression itself. Adapted from the teacher's
// cmd/workflow-runner/condition package: same compiled-program cache, same
// `$.` to `output.`-style normalization, generalized to evaluate against
// the full context store snapshot instead of a single node's output.
package condition

import (
	"fmt"
	"strings"
	"sync"

	"github.com/google/cel-go/cel"

	"github.com/lyzr/coordinator-core/internal/workflow"
)

// Evaluator evaluates workflow.Condition expressions with a compiled-CEL
// program cache, one cache shared across every run in the process since
// expressions are keyed by their own text, not by run.
type Evaluator struct {
	mu    sync.RWMutex
	cache map[string]cel.Program
}

func NewEvaluator() *Evaluator {
	return &Evaluator{cache: make(map[string]cel.Program)}
}

// Evaluate runs cond against contextSnapshot, the context store's current
// document (input/state/output/_branches). A nil condition is an
// unconditional transition and always evaluates true.
func (e *Evaluator) Evaluate(cond *workflow.Condition, contextSnapshot map[string]interface{}) (bool, error) {
	if cond == nil {
		return true, nil
	}

	switch cond.Type {
	case "cel", "":
		// an authored condition that leaves type unset means "cel", the
		// only expression language the planner's pre-evaluated-boolean
		// split currently has to offer.
		return e.evaluateCEL(cond.Expression, contextSnapshot)
	default:
		return false, fmt.Errorf("condition: unsupported type %q", cond.Type)
	}
}

func (e *Evaluator) evaluateCEL(expr string, contextSnapshot map[string]interface{}) (bool, error) {
	// `$.foo` is shorthand for `output.foo` in authored conditions, the
	// same convenience the teacher's evaluator offers for node output.
	normalized := strings.ReplaceAll(expr, "$.", "output.")

	e.mu.RLock()
	prg, ok := e.cache[normalized]
	e.mu.RUnlock()

	if !ok {
		var err error
		prg, err = e.compile(normalized)
		if err != nil {
			return false, err
		}
		e.mu.Lock()
		e.cache[normalized] = prg
		e.mu.Unlock()
	}

	vars := map[string]interface{}{
		"input":     contextSnapshot["input"],
		"state":     contextSnapshot["state"],
		"output":    contextSnapshot["output"],
		"_branches": contextSnapshot["_branches"],
	}

	out, _, err := prg.Eval(vars)
	if err != nil {
		return false, fmt.Errorf("condition: CEL evaluation error: %w", err)
	}

	result, ok := out.Value().(bool)
	if !ok {
		return false, fmt.Errorf("condition: expression %q did not return a boolean, got %T", expr, out.Value())
	}
	return result, nil
}

func (e *Evaluator) compile(expr string) (cel.Program, error) {
	env, err := cel.NewEnv(
		cel.Variable("input", cel.DynType),
		cel.Variable("state", cel.DynType),
		cel.Variable("output", cel.DynType),
		cel.Variable("_branches", cel.DynType),
	)
	if err != nil {
		return nil, fmt.Errorf("condition: create CEL env: %w", err)
	}

	ast, issues := env.Compile(expr)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("condition: CEL compile error in %q: %w", expr, issues.Err())
	}

	prg, err := env.Program(ast)
	if err != nil {
		return nil, fmt.Errorf("condition: create CEL program: %w", err)
	}
	return prg, nil
}

// ClearCache drops every compiled program, used by tests that recompile the
// same expression text with different semantics between cases.
func (e *Evaluator) ClearCache() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.cache = make(map[string]cel.Program)
}
