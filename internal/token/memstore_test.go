package token

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemStore_CreateAndGet(t *testing.T) {
	ctx := context.Background()
	s := NewMemStore()

	id, err := s.Create(ctx, "run-1", Spec{NodeRef: "start", PathID: "root", BranchTotal: 1})
	require.NoError(t, err)
	require.NotEmpty(t, id)

	tok, err := s.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, StatusPending, tok.Status)
	assert.Equal(t, "run-1", tok.WorkflowRunID)
	assert.Equal(t, "start", tok.NodeRef)
}

func TestMemStore_GetMissing(t *testing.T) {
	s := NewMemStore()
	_, err := s.Get(context.Background(), "does-not-exist")
	require.Error(t, err)
	var nf *NotFoundError
	assert.ErrorAs(t, err, &nf)
}

func TestMemStore_UpdateStatus_LegalTransition(t *testing.T) {
	ctx := context.Background()
	s := NewMemStore()
	id, err := s.Create(ctx, "run-1", Spec{NodeRef: "n", PathID: "root", BranchTotal: 1})
	require.NoError(t, err)

	require.NoError(t, s.UpdateStatus(ctx, id, StatusDispatched))
	require.NoError(t, s.UpdateStatus(ctx, id, StatusExecuting))
	require.NoError(t, s.UpdateStatus(ctx, id, StatusCompleted))

	tok, err := s.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, tok.Status)
}

func TestMemStore_UpdateStatus_RejectsIllegalTransition(t *testing.T) {
	ctx := context.Background()
	s := NewMemStore()
	id, err := s.Create(ctx, "run-1", Spec{NodeRef: "n", PathID: "root", BranchTotal: 1})
	require.NoError(t, err)

	err = s.UpdateStatus(ctx, id, StatusCompleted)
	require.Error(t, err)
	var invalid *ErrInvalidTransition
	assert.ErrorAs(t, err, &invalid)
}

func TestMemStore_UpdateStatus_RejectsFromTerminal(t *testing.T) {
	ctx := context.Background()
	s := NewMemStore()
	id, err := s.Create(ctx, "run-1", Spec{NodeRef: "n", PathID: "root", BranchTotal: 1})
	require.NoError(t, err)
	require.NoError(t, s.UpdateStatus(ctx, id, StatusDispatched))
	require.NoError(t, s.UpdateStatus(ctx, id, StatusCompleted))

	err = s.UpdateStatus(ctx, id, StatusExecuting)
	require.Error(t, err)
}

func TestMemStore_GetSiblingCounts(t *testing.T) {
	ctx := context.Background()
	s := NewMemStore()

	var ids []string
	for i := 0; i < 3; i++ {
		id, err := s.Create(ctx, "run-1", Spec{
			NodeRef: "branch", PathID: "root", SiblingGroup: "sg-1",
			BranchIndex: i, BranchTotal: 3,
		})
		require.NoError(t, err)
		ids = append(ids, id)
	}

	require.NoError(t, s.UpdateStatus(ctx, ids[0], StatusDispatched))
	require.NoError(t, s.UpdateStatus(ctx, ids[0], StatusCompleted))
	require.NoError(t, s.UpdateStatus(ctx, ids[1], StatusDispatched))
	require.NoError(t, s.UpdateStatus(ctx, ids[1], StatusFailed))

	counts, err := s.GetSiblingCounts(ctx, "run-1", "sg-1")
	require.NoError(t, err)
	assert.Equal(t, 3, counts.Total)
	assert.Equal(t, 1, counts.Completed)
	assert.Equal(t, 1, counts.Failed)
	assert.Equal(t, 2, counts.Terminal)
}

func TestMemStore_GetActiveCount(t *testing.T) {
	ctx := context.Background()
	s := NewMemStore()

	id1, err := s.Create(ctx, "run-1", Spec{NodeRef: "a", PathID: "root", BranchTotal: 1})
	require.NoError(t, err)
	id2, err := s.Create(ctx, "run-1", Spec{NodeRef: "b", PathID: "root", BranchTotal: 1})
	require.NoError(t, err)

	count, err := s.GetActiveCount(ctx, "run-1")
	require.NoError(t, err)
	assert.Equal(t, 2, count)

	require.NoError(t, s.UpdateStatus(ctx, id1, StatusDispatched))
	require.NoError(t, s.UpdateStatus(ctx, id1, StatusCompleted))

	count, err = s.GetActiveCount(ctx, "run-1")
	require.NoError(t, err)
	assert.Equal(t, 1, count)

	_ = id2
}

func TestCanTransition(t *testing.T) {
	assert.True(t, CanTransition(StatusPending, StatusDispatched))
	assert.True(t, CanTransition(StatusWaitingForSiblings, StatusPending))
	assert.False(t, CanTransition(StatusCompleted, StatusPending))
	assert.False(t, CanTransition(StatusPending, StatusExecuting))
}
