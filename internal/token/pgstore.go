package token

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/oklog/ulid/v2"
)

// PGStore is the Postgres-backed Store implementation (spec.md §3.2, §6.1).
// Query shape follows the teacher's common/repository/run.go: plain SQL
// through pgx, no ORM, errors wrapped with the operation name.
type PGStore struct {
	pool *pgxpool.Pool
}

// NewPGStore wraps an already-configured pool. Pool lifecycle (dial,
// health check, close) belongs to internal/storage.
func NewPGStore(pool *pgxpool.Pool) *PGStore {
	return &PGStore{pool: pool}
}

// entropySource is shared by every PGStore and every run, so reads from it
// are serialized.
var entropySource = &ulid.LockedMonotonicReader{MonotonicReader: ulid.Monotonic(ulidEntropyReader{}, 0)}

type ulidEntropyReader struct{}

func (ulidEntropyReader) Read(p []byte) (int, error) {
	// Entropy bytes come from the wall-clock nanosecond counter rather than
	// crypto/rand: ulid.Monotonic only needs a Reader, and ULID collision
	// resistance isn't safety-critical for a dispatch-internal token id.
	for i := range p {
		p[i] = byte(time.Now().UnixNano() >> (uint(i) % 8 * 8))
	}
	return len(p), nil
}

func (s *PGStore) Create(ctx context.Context, runID string, spec Spec) (string, error) {
	if err := spec.validate(); err != nil {
		return "", err
	}

	id := ulid.MustNew(ulid.Now(), entropySource).String()
	const q = `
		INSERT INTO tokens (
			id, workflow_run_id, node_ref, status, parent_token_id,
			path_id, sibling_group, branch_index, branch_total,
			created_at, updated_at
		) VALUES ($1,$2,$3,$4,NULLIF($5,''),$6,NULLIF($7,''),$8,$9,now(),now())`

	_, err := s.pool.Exec(ctx, q,
		id, runID, spec.NodeRef, string(StatusPending), spec.ParentTokenID,
		spec.PathID, spec.SiblingGroup, spec.BranchIndex, spec.BranchTotal,
	)
	if err != nil {
		return "", fmt.Errorf("token.Create: %w", err)
	}
	return id, nil
}

func (s *PGStore) Get(ctx context.Context, tokenID string) (*Token, error) {
	const q = `
		SELECT id, workflow_run_id, node_ref, status,
		       COALESCE(parent_token_id, ''), path_id, COALESCE(sibling_group, ''),
		       branch_index, branch_total, created_at, updated_at
		FROM tokens WHERE id = $1`

	var t Token
	err := s.pool.QueryRow(ctx, q, tokenID).Scan(
		&t.ID, &t.WorkflowRunID, &t.NodeRef, &t.Status,
		&t.ParentTokenID, &t.PathID, &t.SiblingGroup,
		&t.BranchIndex, &t.BranchTotal, &t.CreatedAt, &t.UpdatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, &NotFoundError{TokenID: tokenID}
	}
	if err != nil {
		return nil, fmt.Errorf("token.Get: %w", err)
	}
	return &t, nil
}

// UpdateStatus performs the legality check in Go, inside the same
// transaction as the write, rather than trusting a CHECK constraint to
// describe the full state machine (the legal-transition table lives in
// token.go so planner and store agree on one definition).
func (s *PGStore) UpdateStatus(ctx context.Context, tokenID string, newStatus Status) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("token.UpdateStatus: begin: %w", err)
	}
	defer tx.Rollback(ctx)

	var current Status
	err = tx.QueryRow(ctx, `SELECT status FROM tokens WHERE id = $1 FOR UPDATE`, tokenID).Scan(&current)
	if errors.Is(err, pgx.ErrNoRows) {
		return &NotFoundError{TokenID: tokenID}
	}
	if err != nil {
		return fmt.Errorf("token.UpdateStatus: select: %w", err)
	}

	if current == newStatus {
		return nil
	}
	if !CanTransition(current, newStatus) {
		return &ErrInvalidTransition{TokenID: tokenID, From: current, To: newStatus}
	}

	if _, err := tx.Exec(ctx, `UPDATE tokens SET status = $1, updated_at = now() WHERE id = $2`, string(newStatus), tokenID); err != nil {
		return fmt.Errorf("token.UpdateStatus: update: %w", err)
	}
	return tx.Commit(ctx)
}

func (s *PGStore) GetSiblingCounts(ctx context.Context, runID, siblingGroup string) (SiblingCounts, error) {
	const q = `
		SELECT
			COALESCE(MAX(branch_total), 0),
			COUNT(*) FILTER (WHERE status = 'completed'),
			COUNT(*) FILTER (WHERE status IN ('failed','timed_out','cancelled')),
			COUNT(*) FILTER (WHERE status IN ('completed','failed','timed_out','cancelled'))
		FROM tokens WHERE workflow_run_id = $1 AND sibling_group = $2`

	var c SiblingCounts
	err := s.pool.QueryRow(ctx, q, runID, siblingGroup).Scan(&c.Total, &c.Completed, &c.Failed, &c.Terminal)
	if err != nil {
		return SiblingCounts{}, fmt.Errorf("token.GetSiblingCounts: %w", err)
	}
	return c, nil
}

func (s *PGStore) GetActiveCount(ctx context.Context, runID string) (int, error) {
	const q = `
		SELECT COUNT(*) FROM tokens
		WHERE workflow_run_id = $1
		  AND status NOT IN ('completed','failed','timed_out','cancelled','waiting_for_siblings')`

	var n int
	if err := s.pool.QueryRow(ctx, q, runID).Scan(&n); err != nil {
		return 0, fmt.Errorf("token.GetActiveCount: %w", err)
	}
	return n, nil
}

func (s *PGStore) ListWaiting(ctx context.Context, runID, siblingGroup, targetNodeRef string) ([]*Token, error) {
	const q = `
		SELECT id, workflow_run_id, node_ref, status,
		       COALESCE(parent_token_id, ''), path_id, COALESCE(sibling_group, ''),
		       branch_index, branch_total, created_at, updated_at
		FROM tokens
		WHERE workflow_run_id = $1 AND sibling_group = $2
		  AND status = 'waiting_for_siblings' AND node_ref = $3`
	return s.queryTokens(ctx, "ListWaiting", q, runID, siblingGroup, targetNodeRef)
}

func (s *PGStore) ListTerminalSiblings(ctx context.Context, runID, siblingGroup string) ([]*Token, error) {
	const q = `
		SELECT id, workflow_run_id, node_ref, status,
		       COALESCE(parent_token_id, ''), path_id, COALESCE(sibling_group, ''),
		       branch_index, branch_total, created_at, updated_at
		FROM tokens
		WHERE workflow_run_id = $1 AND sibling_group = $2
		  AND status IN ('completed','failed','timed_out','cancelled')
		ORDER BY branch_index ASC`
	return s.queryTokens(ctx, "ListTerminalSiblings", q, runID, siblingGroup)
}

func (s *PGStore) ListNonTerminalSiblings(ctx context.Context, runID, siblingGroup string) ([]*Token, error) {
	const q = `
		SELECT id, workflow_run_id, node_ref, status,
		       COALESCE(parent_token_id, ''), path_id, COALESCE(sibling_group, ''),
		       branch_index, branch_total, created_at, updated_at
		FROM tokens
		WHERE workflow_run_id = $1 AND sibling_group = $2
		  AND status NOT IN ('completed','failed','timed_out','cancelled')`
	return s.queryTokens(ctx, "ListNonTerminalSiblings", q, runID, siblingGroup)
}

func (s *PGStore) queryTokens(ctx context.Context, op, q string, args ...interface{}) ([]*Token, error) {
	rows, err := s.pool.Query(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("token.%s: %w", op, err)
	}
	defer rows.Close()

	var out []*Token
	for rows.Next() {
		var t Token
		if err := rows.Scan(
			&t.ID, &t.WorkflowRunID, &t.NodeRef, &t.Status,
			&t.ParentTokenID, &t.PathID, &t.SiblingGroup,
			&t.BranchIndex, &t.BranchTotal, &t.CreatedAt, &t.UpdatedAt,
		); err != nil {
			return nil, fmt.Errorf("token.%s: scan: %w", op, err)
		}
		out = append(out, &t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("token.%s: rows: %w", op, err)
	}
	return out, nil
}
