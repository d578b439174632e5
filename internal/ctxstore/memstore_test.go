package ctxstore

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemStore_WriteAndRead(t *testing.T) {
	ctx := context.Background()
	s := NewMemStore()

	require.NoError(t, s.Write(ctx, "input.orderId", "ord-1", ""))
	v, err := s.Read(ctx, "input.orderId")
	require.NoError(t, err)
	assert.Equal(t, "ord-1", v)
}

func TestMemStore_ReadUnsetPathIsNilNotError(t *testing.T) {
	ctx := context.Background()
	s := NewMemStore()

	v, err := s.Read(ctx, "state.nothingHere")
	require.NoError(t, err)
	assert.Nil(t, v)
}

func TestMemStore_ReadWrite_RejectsUnknownRegion(t *testing.T) {
	ctx := context.Background()
	s := NewMemStore()

	_, err := s.Read(ctx, "bogus.path")
	require.Error(t, err)
	var invalid *ErrInvalidPath
	assert.ErrorAs(t, err, &invalid)

	err = s.Write(ctx, "bogus.path", 1, "")
	require.Error(t, err)
}

func TestMemStore_CaptureAndCollectBranchOutputs(t *testing.T) {
	ctx := context.Background()
	s := NewMemStore()

	require.NoError(t, s.CaptureBranchOutput(ctx, "sg-1", 0, "tok-a", map[string]interface{}{"x": 1.0}))
	require.NoError(t, s.CaptureBranchOutput(ctx, "sg-1", 1, "tok-b", map[string]interface{}{"x": 2.0}))

	outs, err := s.CollectBranchOutputs(ctx, "sg-1")
	require.NoError(t, err)
	require.Len(t, outs, 2)
	assert.Equal(t, 0, outs[0].BranchIndex)
	assert.Equal(t, "tok-a", outs[0].TokenID)
	assert.Equal(t, 1, outs[1].BranchIndex)
}

func TestMemStore_Merge_Append(t *testing.T) {
	ctx := context.Background()
	s := NewMemStore()

	require.NoError(t, s.CaptureBranchOutput(ctx, "sg-1", 0, "tok-a", "a"))
	require.NoError(t, s.CaptureBranchOutput(ctx, "sg-1", 1, "tok-b", "b"))

	require.NoError(t, s.Merge(ctx, "sg-1", "state.results", MergeAppend, "", ""))

	v, err := s.Read(ctx, "state.results")
	require.NoError(t, err)
	assert.Equal(t, []interface{}{"a", "b"}, v)

	outs, err := s.CollectBranchOutputs(ctx, "sg-1")
	require.NoError(t, err)
	assert.Empty(t, outs)
}

func TestMemStore_Merge_ResolvesSourcePathPerContributor(t *testing.T) {
	ctx := context.Background()
	s := NewMemStore()

	require.NoError(t, s.CaptureBranchOutput(ctx, "sg-1", 0, "tok-a", map[string]interface{}{"result": map[string]interface{}{"items": "a"}}))
	require.NoError(t, s.CaptureBranchOutput(ctx, "sg-1", 1, "tok-b", map[string]interface{}{"result": map[string]interface{}{"items": "b"}}))

	require.NoError(t, s.Merge(ctx, "sg-1", "state.results", MergeAppend, "result.items", ""))

	v, err := s.Read(ctx, "state.results")
	require.NoError(t, err)
	assert.Equal(t, []interface{}{"a", "b"}, v)
}

func TestMemStore_Merge_Keyed_ConflictDetected(t *testing.T) {
	ctx := context.Background()
	s := NewMemStore()

	require.NoError(t, s.CaptureBranchOutput(ctx, "sg-1", 0, "tok-a", map[string]interface{}{"key": "dup", "value": 1.0}))
	require.NoError(t, s.CaptureBranchOutput(ctx, "sg-1", 1, "tok-b", map[string]interface{}{"key": "dup", "value": 2.0}))

	err := s.Merge(ctx, "sg-1", "state.results", MergeKeyed, "", "")
	require.Error(t, err)
	var conflict *ErrMergeConflict
	assert.ErrorAs(t, err, &conflict)
	assert.Equal(t, "dup", conflict.Key)
}

func TestMemStore_Merge_LastWins(t *testing.T) {
	ctx := context.Background()
	s := NewMemStore()

	require.NoError(t, s.CaptureBranchOutput(ctx, "sg-1", 0, "tok-a", "first"))
	require.NoError(t, s.CaptureBranchOutput(ctx, "sg-1", 1, "tok-b", "second"))

	require.NoError(t, s.Merge(ctx, "sg-1", "state.winner", MergeLastWins, "", ""))

	v, err := s.Read(ctx, "state.winner")
	require.NoError(t, err)
	assert.Equal(t, "second", v)
}

func TestMemStore_ExtractOutput(t *testing.T) {
	ctx := context.Background()
	s := NewMemStore()

	require.NoError(t, s.Write(ctx, "output.total", 42.0, ""))
	require.NoError(t, s.Write(ctx, "state.customer.name", "Ada", ""))

	out, err := s.ExtractOutput(ctx, map[string]string{
		"total":        "output.total",
		"customerName": "state.customer.name",
	})
	require.NoError(t, err)
	assert.Equal(t, 42.0, out["total"])
	assert.Equal(t, "Ada", out["customerName"])
}

func TestMemStore_Snapshot(t *testing.T) {
	ctx := context.Background()
	s := NewMemStore()

	require.NoError(t, s.Write(ctx, "input.a", 1.0, ""))
	require.NoError(t, s.Write(ctx, "state.b", "x", ""))

	snap, err := s.Snapshot(ctx)
	require.NoError(t, err)

	input, ok := snap["input"].(map[string]interface{})
	require.True(t, ok)
	assert.Equal(t, 1.0, input["a"])
}
