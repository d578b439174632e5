package fanin

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

const uniqueViolation = "23505"

// PGStore backs fan-in coordination with fan_in_coordination's unique
// (workflow_run_id, fan_in_path) index (spec.md §6.1, §9). No SELECT
// precedes the INSERT: the unique-violation error code is the whole
// coordination protocol, matching spec.md §9's explicit preference for a
// database constraint over a mutex across callback threads.
type PGStore struct {
	pool *pgxpool.Pool
}

func NewPGStore(pool *pgxpool.Pool) *PGStore {
	return &PGStore{pool: pool}
}

func (s *PGStore) Activate(ctx context.Context, workflowRunID, fanInPath, activatingTokenID string) error {
	const q = `
		INSERT INTO fan_in_coordination (workflow_run_id, fan_in_path, activated_by_token_id, activated_at)
		VALUES ($1, $2, $3, now())`

	_, err := s.pool.Exec(ctx, q, workflowRunID, fanInPath, activatingTokenID)
	if err == nil {
		return nil
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
		return &RaceLostError{WorkflowRunID: workflowRunID, FanInPath: fanInPath}
	}
	return fmt.Errorf("fanin.Activate: %w", err)
}

func (s *PGStore) IsActivated(ctx context.Context, workflowRunID, fanInPath string) (bool, error) {
	var exists bool
	err := s.pool.QueryRow(ctx,
		`SELECT EXISTS(SELECT 1 FROM fan_in_coordination WHERE workflow_run_id = $1 AND fan_in_path = $2)`,
		workflowRunID, fanInPath,
	).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("fanin.IsActivated: %w", err)
	}
	return exists, nil
}
