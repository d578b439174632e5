package condition

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lyzr/coordinator-core/internal/workflow"
)

func TestEvaluate_NilConditionIsAlwaysTrue(t *testing.T) {
	e := NewEvaluator()
	ok, err := e.Evaluate(nil, map[string]interface{}{})
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestEvaluate_CEL_TrueAndFalse(t *testing.T) {
	e := NewEvaluator()
	snapshot := map[string]interface{}{
		"input":  map[string]interface{}{"amount": 150.0},
		"state":  map[string]interface{}{},
		"output": map[string]interface{}{},
	}

	ok, err := e.Evaluate(&workflow.Condition{Type: "cel", Expression: "input.amount > 100.0"}, snapshot)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = e.Evaluate(&workflow.Condition{Type: "cel", Expression: "input.amount < 100.0"}, snapshot)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestEvaluate_CEL_DollarShorthandForOutput(t *testing.T) {
	e := NewEvaluator()
	snapshot := map[string]interface{}{
		"input":  map[string]interface{}{},
		"state":  map[string]interface{}{},
		"output": map[string]interface{}{"approved": true},
	}

	ok, err := e.Evaluate(&workflow.Condition{Type: "cel", Expression: "$.approved"}, snapshot)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestEvaluate_CEL_NonBooleanResultIsError(t *testing.T) {
	e := NewEvaluator()
	snapshot := map[string]interface{}{"input": map[string]interface{}{"amount": 1.0}}

	_, err := e.Evaluate(&workflow.Condition{Type: "cel", Expression: "input.amount"}, snapshot)
	require.Error(t, err)
}

func TestEvaluate_EmptyTypeDefaultsToCEL(t *testing.T) {
	e := NewEvaluator()
	snapshot := map[string]interface{}{"input": map[string]interface{}{"amount": 150.0}}

	ok, err := e.Evaluate(&workflow.Condition{Expression: "input.amount > 100.0"}, snapshot)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestEvaluate_UnsupportedConditionType(t *testing.T) {
	e := NewEvaluator()
	_, err := e.Evaluate(&workflow.Condition{Type: "expr", Expression: "true"}, map[string]interface{}{})
	require.Error(t, err)
}

func TestEvaluate_CachesCompiledProgram(t *testing.T) {
	e := NewEvaluator()
	snapshot := map[string]interface{}{"input": map[string]interface{}{"x": 1.0}}

	_, err := e.Evaluate(&workflow.Condition{Type: "cel", Expression: "input.x == 1.0"}, snapshot)
	require.NoError(t, err)
	assert.Len(t, e.cache, 1)

	_, err = e.Evaluate(&workflow.Condition{Type: "cel", Expression: "input.x == 1.0"}, snapshot)
	require.NoError(t, err)
	assert.Len(t, e.cache, 1)

	e.ClearCache()
	assert.Empty(t, e.cache)
}
