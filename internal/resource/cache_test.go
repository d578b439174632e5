package resource

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type countingBacking struct {
	workflowDefCalls int
	taskCalls        int
	actionCalls      int
	promptCalls      int
	modelCalls       int
}

func (c *countingBacking) GetWorkflowDef(ctx context.Context, id, version string) (*WorkflowDef, error) {
	c.workflowDefCalls++
	return &WorkflowDef{ID: id, Version: version}, nil
}

func (c *countingBacking) GetTask(ctx context.Context, id, version string) (*Task, error) {
	c.taskCalls++
	return &Task{ID: id, Version: version}, nil
}

func (c *countingBacking) GetAction(ctx context.Context, id, version string) (*Action, error) {
	c.actionCalls++
	return &Action{ID: id, Version: version}, nil
}

func (c *countingBacking) GetPromptSpec(ctx context.Context, id string) (*PromptSpec, error) {
	c.promptCalls++
	return &PromptSpec{ID: id}, nil
}

func (c *countingBacking) GetModelProfile(ctx context.Context, id string) (*ModelProfile, error) {
	c.modelCalls++
	return &ModelProfile{ID: id}, nil
}

func TestCachedRepository_GetWorkflowDef_CachesAfterFirstCall(t *testing.T) {
	ctx := context.Background()
	backing := &countingBacking{}
	cache := NewCachedRepository(backing)

	d1, err := cache.GetWorkflowDef(ctx, "wf-1", "2")
	require.NoError(t, err)
	d2, err := cache.GetWorkflowDef(ctx, "wf-1", "2")
	require.NoError(t, err)

	assert.Same(t, d1, d2)
	assert.Equal(t, 1, backing.workflowDefCalls)
}

func TestCachedRepository_DistinctVersionsAreDistinctCacheEntries(t *testing.T) {
	ctx := context.Background()
	backing := &countingBacking{}
	cache := NewCachedRepository(backing)

	_, err := cache.GetTask(ctx, "task-1", "1")
	require.NoError(t, err)
	_, err = cache.GetTask(ctx, "task-1", "2")
	require.NoError(t, err)

	assert.Equal(t, 2, backing.taskCalls)
}

func TestCachedRepository_PromptSpecAndModelProfileCacheById(t *testing.T) {
	ctx := context.Background()
	backing := &countingBacking{}
	cache := NewCachedRepository(backing)

	_, err := cache.GetPromptSpec(ctx, "prompt-1")
	require.NoError(t, err)
	_, err = cache.GetPromptSpec(ctx, "prompt-1")
	require.NoError(t, err)
	assert.Equal(t, 1, backing.promptCalls)

	_, err = cache.GetModelProfile(ctx, "model-1")
	require.NoError(t, err)
	_, err = cache.GetModelProfile(ctx, "model-1")
	require.NoError(t, err)
	assert.Equal(t, 1, backing.modelCalls)
}

func TestCachedRepository_ActionCachesPerVersion(t *testing.T) {
	ctx := context.Background()
	backing := &countingBacking{}
	cache := NewCachedRepository(backing)

	a1, err := cache.GetAction(ctx, "act-1", "1")
	require.NoError(t, err)
	a2, err := cache.GetAction(ctx, "act-1", "1")
	require.NoError(t, err)

	assert.Same(t, a1, a2)
	assert.Equal(t, 1, backing.actionCalls)
}
