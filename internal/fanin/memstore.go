package fanin

import (
	"context"
	"sync"
)

// MemStore is an in-memory Store, used by planner/dispatcher unit tests and
// by single-process embedding. A Go map write guarded by a mutex gives the
// same "first writer wins" guarantee a unique index gives Postgres, since
// both are only ever contended within a single process here.
type MemStore struct {
	mu     sync.Mutex
	claims map[string]string // workflowRunID+"\x00"+fanInPath -> activatingTokenID
}

func NewMemStore() *MemStore {
	return &MemStore{claims: make(map[string]string)}
}

func key(workflowRunID, fanInPath string) string {
	return workflowRunID + "\x00" + fanInPath
}

func (m *MemStore) Activate(ctx context.Context, workflowRunID, fanInPath, activatingTokenID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	k := key(workflowRunID, fanInPath)
	if _, exists := m.claims[k]; exists {
		return &RaceLostError{WorkflowRunID: workflowRunID, FanInPath: fanInPath}
	}
	m.claims[k] = activatingTokenID
	return nil
}

func (m *MemStore) IsActivated(ctx context.Context, workflowRunID, fanInPath string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	_, exists := m.claims[key(workflowRunID, fanInPath)]
	return exists, nil
}
