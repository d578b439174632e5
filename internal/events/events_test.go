package events

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestNoopEmitter_DiscardsWithoutError(t *testing.T) {
	var e NoopEmitter
	err := e.Emit(context.Background(), Event{Type: TypeWorkflowStarted, WorkflowRunID: "run-1"})
	require.NoError(t, err)
}
