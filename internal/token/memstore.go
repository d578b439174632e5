package token

import (
	"context"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/oklog/ulid/v2"
)

// MemStore is an in-memory Store implementation. It backs the planner and
// dispatcher unit tests (the teacher keeps its pure-logic tests, e.g.
// common/compiler/ir_test.go, free of a real Postgres instance) and is also
// suitable for single-process embedding of the coordinator.
type MemStore struct {
	mu      sync.Mutex
	byID    map[string]*Token
	byRun   map[string][]string // runID -> ordered token IDs
	entropy *ulid.MonotonicEntropy
}

// NewMemStore constructs an empty in-memory token store.
func NewMemStore() *MemStore {
	seed := rngSeed()
	return &MemStore{
		byID:    make(map[string]*Token),
		byRun:   make(map[string][]string),
		entropy: ulid.Monotonic(seed, 0),
	}
}

var ulidCounter uint64

// rngSeed returns a counter-based entropy source. Token IDs need only be
// unique and monotonic within a run (spec.md §3.2), not cryptographically
// random. The entropy half comes from a process-wide counter; the timestamp
// half is wall-clock time, so IDs differ from one test run to the next.
func rngSeed() *counterReader { return &counterReader{} }

type counterReader struct{}

func (c *counterReader) Read(p []byte) (int, error) {
	v := atomic.AddUint64(&ulidCounter, 1)
	for i := range p {
		p[i] = byte(v >> (8 * (uint(i) % 8)))
	}
	return len(p), nil
}

func (m *MemStore) newID() string {
	id := ulid.MustNew(ulid.Now(), m.entropy)
	return id.String()
}

func (m *MemStore) Create(ctx context.Context, runID string, spec Spec) (string, error) {
	if err := spec.validate(); err != nil {
		return "", err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	id := m.newID()
	now := time.Now().UTC()
	t := &Token{
		ID:            id,
		WorkflowRunID: runID,
		NodeRef:       spec.NodeRef,
		Status:        StatusPending,
		ParentTokenID: spec.ParentTokenID,
		PathID:        spec.PathID,
		SiblingGroup:  spec.SiblingGroup,
		BranchIndex:   spec.BranchIndex,
		BranchTotal:   spec.BranchTotal,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	m.byID[id] = t
	m.byRun[runID] = append(m.byRun[runID], id)
	return id, nil
}

func (m *MemStore) Get(ctx context.Context, tokenID string) (*Token, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	t, ok := m.byID[tokenID]
	if !ok {
		return nil, &NotFoundError{TokenID: tokenID}
	}
	cp := *t
	return &cp, nil
}

func (m *MemStore) UpdateStatus(ctx context.Context, tokenID string, newStatus Status) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	t, ok := m.byID[tokenID]
	if !ok {
		return &NotFoundError{TokenID: tokenID}
	}
	if t.Status == newStatus {
		return nil // idempotent re-apply, spec.md §8 property 6
	}
	if !CanTransition(t.Status, newStatus) {
		return &ErrInvalidTransition{TokenID: tokenID, From: t.Status, To: newStatus}
	}
	t.Status = newStatus
	t.UpdatedAt = time.Now().UTC()
	return nil
}

func (m *MemStore) siblings(runID, siblingGroup string) []*Token {
	var out []*Token
	for _, id := range m.byRun[runID] {
		t := m.byID[id]
		if t.SiblingGroup == siblingGroup {
			out = append(out, t)
		}
	}
	return out
}

func (m *MemStore) GetSiblingCounts(ctx context.Context, runID, siblingGroup string) (SiblingCounts, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	sibs := m.siblings(runID, siblingGroup)
	var c SiblingCounts
	if len(sibs) > 0 {
		c.Total = sibs[0].BranchTotal
	}
	for _, t := range sibs {
		switch {
		case t.Status == StatusCompleted:
			c.Completed++
			c.Terminal++
		case t.Status.Terminal():
			c.Failed++
			c.Terminal++
		}
	}
	return c, nil
}

func (m *MemStore) GetActiveCount(ctx context.Context, runID string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	count := 0
	for _, id := range m.byRun[runID] {
		t := m.byID[id]
		if !t.Status.Terminal() && t.Status != StatusWaitingForSiblings {
			count++
		}
	}
	return count, nil
}

func (m *MemStore) ListWaiting(ctx context.Context, runID, siblingGroup, targetNodeRef string) ([]*Token, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []*Token
	for _, t := range m.siblings(runID, siblingGroup) {
		if t.Status == StatusWaitingForSiblings && t.NodeRef == targetNodeRef {
			cp := *t
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (m *MemStore) ListTerminalSiblings(ctx context.Context, runID, siblingGroup string) ([]*Token, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []*Token
	for _, t := range m.siblings(runID, siblingGroup) {
		if t.Status.Terminal() {
			cp := *t
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].BranchIndex < out[j].BranchIndex })
	return out, nil
}

func (m *MemStore) ListNonTerminalSiblings(ctx context.Context, runID, siblingGroup string) ([]*Token, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []*Token
	for _, t := range m.siblings(runID, siblingGroup) {
		if !t.Status.Terminal() {
			cp := *t
			out = append(out, &cp)
		}
	}
	return out, nil
}
