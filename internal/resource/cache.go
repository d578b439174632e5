package resource

import (
	"context"
	"sync"
)

// CachedRepository wraps a backing Repository with an unbounded per-run
// cache: since every resource a run touches is version-pinned at start
// (spec.md §6), cached entries never need a TTL or invalidation the way
// the teacher's common/cache.MemoryCache needs for its longer-lived,
// multi-tenant cache — one CachedRepository is constructed fresh per run
// and discarded when the run finishes.
type CachedRepository struct {
	backing Repository

	mu            sync.RWMutex
	workflowDefs  map[string]*WorkflowDef
	tasks         map[string]*Task
	actions       map[string]*Action
	promptSpecs   map[string]*PromptSpec
	modelProfiles map[string]*ModelProfile
}

// NewCachedRepository wraps backing for one run's lifetime.
func NewCachedRepository(backing Repository) *CachedRepository {
	return &CachedRepository{
		backing:       backing,
		workflowDefs:  make(map[string]*WorkflowDef),
		tasks:         make(map[string]*Task),
		actions:       make(map[string]*Action),
		promptSpecs:   make(map[string]*PromptSpec),
		modelProfiles: make(map[string]*ModelProfile),
	}
}

func versionKey(id, version string) string { return id + "@" + version }

func (c *CachedRepository) GetWorkflowDef(ctx context.Context, id, version string) (*WorkflowDef, error) {
	key := versionKey(id, version)
	c.mu.RLock()
	if d, ok := c.workflowDefs[key]; ok {
		c.mu.RUnlock()
		return d, nil
	}
	c.mu.RUnlock()

	d, err := c.backing.GetWorkflowDef(ctx, id, version)
	if err != nil {
		return nil, err
	}
	c.mu.Lock()
	c.workflowDefs[key] = d
	c.mu.Unlock()
	return d, nil
}

func (c *CachedRepository) GetTask(ctx context.Context, id, version string) (*Task, error) {
	key := versionKey(id, version)
	c.mu.RLock()
	if t, ok := c.tasks[key]; ok {
		c.mu.RUnlock()
		return t, nil
	}
	c.mu.RUnlock()

	t, err := c.backing.GetTask(ctx, id, version)
	if err != nil {
		return nil, err
	}
	c.mu.Lock()
	c.tasks[key] = t
	c.mu.Unlock()
	return t, nil
}

func (c *CachedRepository) GetAction(ctx context.Context, id, version string) (*Action, error) {
	key := versionKey(id, version)
	c.mu.RLock()
	if a, ok := c.actions[key]; ok {
		c.mu.RUnlock()
		return a, nil
	}
	c.mu.RUnlock()

	a, err := c.backing.GetAction(ctx, id, version)
	if err != nil {
		return nil, err
	}
	c.mu.Lock()
	c.actions[key] = a
	c.mu.Unlock()
	return a, nil
}

func (c *CachedRepository) GetPromptSpec(ctx context.Context, id string) (*PromptSpec, error) {
	c.mu.RLock()
	if p, ok := c.promptSpecs[id]; ok {
		c.mu.RUnlock()
		return p, nil
	}
	c.mu.RUnlock()

	p, err := c.backing.GetPromptSpec(ctx, id)
	if err != nil {
		return nil, err
	}
	c.mu.Lock()
	c.promptSpecs[id] = p
	c.mu.Unlock()
	return p, nil
}

func (c *CachedRepository) GetModelProfile(ctx context.Context, id string) (*ModelProfile, error) {
	c.mu.RLock()
	if m, ok := c.modelProfiles[id]; ok {
		c.mu.RUnlock()
		return m, nil
	}
	c.mu.RUnlock()

	m, err := c.backing.GetModelProfile(ctx, id)
	if err != nil {
		return nil, err
	}
	c.mu.Lock()
	c.modelProfiles[id] = m
	c.mu.Unlock()
	return m, nil
}
