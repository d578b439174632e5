package ctxstore

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"

	jsonpatch "github.com/evanphx/json-patch/v5"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
)

// PGStore is the Postgres-backed Store (spec.md §6.1's context_values /
// branch_outputs tables). Scalar and nested-object paths are stored one row
// per path as jsonb, following the teacher's preference for typed columns
// over a single serialized blob (common/repository/run.go stores structured
// rows, not a JSON dump, for the same reason: partial reads and writes
// without a full document round-trip).
type PGStore struct {
	pool  *pgxpool.Pool
	runID string
}

// NewPGStore scopes a PGStore to one workflow run, matching MemStore's
// single-run-per-instance shape.
func NewPGStore(pool *pgxpool.Pool, runID string) *PGStore {
	return &PGStore{pool: pool, runID: runID}
}

func (s *PGStore) Read(ctx context.Context, path string) (interface{}, error) {
	if _, err := RegionOf(path); err != nil {
		return nil, err
	}

	var raw []byte
	err := s.pool.QueryRow(ctx,
		`SELECT value FROM context_values WHERE workflow_run_id = $1 AND path = $2`,
		s.runID, path,
	).Scan(&raw)
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("ctxstore.Read(%q): %w", path, err)
	}

	var v interface{}
	if err := json.Unmarshal(raw, &v); err != nil {
		return nil, fmt.Errorf("ctxstore.Read(%q): decode: %w", path, err)
	}
	return v, nil
}

func (s *PGStore) Write(ctx context.Context, path string, value interface{}, writerTokenID string) error {
	if _, err := RegionOf(path); err != nil {
		return err
	}

	raw, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("ctxstore.Write(%q): encode: %w", path, err)
	}

	const q = `
		INSERT INTO context_values (workflow_run_id, path, value, writer_token_id, updated_at)
		VALUES ($1, $2, $3, NULLIF($4, ''), now())
		ON CONFLICT (workflow_run_id, path)
		DO UPDATE SET value = EXCLUDED.value, writer_token_id = EXCLUDED.writer_token_id, updated_at = now()`

	if _, err := s.pool.Exec(ctx, q, s.runID, path, raw, writerTokenID); err != nil {
		return fmt.Errorf("ctxstore.Write(%q): %w", path, err)
	}
	return nil
}

func (s *PGStore) CaptureBranchOutput(ctx context.Context, siblingGroup string, branchIndex int, tokenID string, value interface{}) error {
	raw, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("ctxstore.CaptureBranchOutput: encode: %w", err)
	}

	const q = `
		INSERT INTO branch_outputs (workflow_run_id, sibling_group, branch_index, value, token_id, created_at)
		VALUES ($1, $2, $3, $4, $5, now())
		ON CONFLICT (workflow_run_id, sibling_group, branch_index)
		DO UPDATE SET value = EXCLUDED.value, token_id = EXCLUDED.token_id`

	if _, err := s.pool.Exec(ctx, q, s.runID, siblingGroup, branchIndex, raw, tokenID); err != nil {
		return fmt.Errorf("ctxstore.CaptureBranchOutput: %w", err)
	}
	return nil
}

func (s *PGStore) CollectBranchOutputs(ctx context.Context, siblingGroup string) ([]BranchOutput, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT branch_index, token_id, value FROM branch_outputs
		 WHERE workflow_run_id = $1 AND sibling_group = $2
		 ORDER BY branch_index ASC`,
		s.runID, siblingGroup,
	)
	if err != nil {
		return nil, fmt.Errorf("ctxstore.CollectBranchOutputs: %w", err)
	}
	defer rows.Close()

	var out []BranchOutput
	for rows.Next() {
		var b BranchOutput
		var raw []byte
		if err := rows.Scan(&b.BranchIndex, &b.TokenID, &raw); err != nil {
			return nil, fmt.Errorf("ctxstore.CollectBranchOutputs: scan: %w", err)
		}
		if err := json.Unmarshal(raw, &b.Value); err != nil {
			return nil, fmt.Errorf("ctxstore.CollectBranchOutputs: decode branch %d: %w", b.BranchIndex, err)
		}
		out = append(out, b)
	}
	return out, rows.Err()
}

// Merge applies the same four-strategy logic as MemStore.Merge, then
// deletes the consumed branch_outputs rows inside the same transaction so a
// retried dispatch never double-counts a contributor.
func (s *PGStore) Merge(ctx context.Context, siblingGroup, targetPath string, strategy MergeStrategy, sourcePath, writerTokenID string) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("ctxstore.Merge: begin: %w", err)
	}
	defer tx.Rollback(ctx)

	rows, err := tx.Query(ctx,
		`SELECT branch_index, token_id, value FROM branch_outputs
		 WHERE workflow_run_id = $1 AND sibling_group = $2
		 ORDER BY branch_index ASC FOR UPDATE`,
		s.runID, siblingGroup,
	)
	if err != nil {
		return fmt.Errorf("ctxstore.Merge: select: %w", err)
	}
	var contributors []BranchOutput
	for rows.Next() {
		var b BranchOutput
		var raw []byte
		if err := rows.Scan(&b.BranchIndex, &b.TokenID, &raw); err != nil {
			rows.Close()
			return fmt.Errorf("ctxstore.Merge: scan: %w", err)
		}
		if err := json.Unmarshal(raw, &b.Value); err != nil {
			rows.Close()
			return fmt.Errorf("ctxstore.Merge: decode branch %d: %w", b.BranchIndex, err)
		}
		contributors = append(contributors, b)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return fmt.Errorf("ctxstore.Merge: rows: %w", err)
	}
	sort.Slice(contributors, func(i, j int) bool { return contributors[i].BranchIndex < contributors[j].BranchIndex })

	contributors, err = resolveContributorSources(contributors, sourcePath)
	if err != nil {
		return err
	}

	merged, err := applyMergeStrategy(strategy, siblingGroup, contributors)
	if err != nil {
		return err
	}

	raw, err := json.Marshal(merged)
	if err != nil {
		return fmt.Errorf("ctxstore.Merge: encode result: %w", err)
	}

	const upsert = `
		INSERT INTO context_values (workflow_run_id, path, value, writer_token_id, updated_at)
		VALUES ($1, $2, $3, NULLIF($4, ''), now())
		ON CONFLICT (workflow_run_id, path)
		DO UPDATE SET value = EXCLUDED.value, writer_token_id = EXCLUDED.writer_token_id, updated_at = now()`
	if _, err := tx.Exec(ctx, upsert, s.runID, targetPath, raw, writerTokenID); err != nil {
		return fmt.Errorf("ctxstore.Merge: write target: %w", err)
	}

	if _, err := tx.Exec(ctx,
		`DELETE FROM branch_outputs WHERE workflow_run_id = $1 AND sibling_group = $2`,
		s.runID, siblingGroup,
	); err != nil {
		return fmt.Errorf("ctxstore.Merge: clear branch outputs: %w", err)
	}

	return tx.Commit(ctx)
}

// resolveContributorSources narrows each contributor's captured output down
// to sourcePath before the merge strategy runs. An empty sourcePath merges
// the whole captured output, matching a MergeConfig that left "source"
// unset.
func resolveContributorSources(contributors []BranchOutput, sourcePath string) ([]BranchOutput, error) {
	if sourcePath == "" {
		return contributors, nil
	}

	out := make([]BranchOutput, len(contributors))
	for i, c := range contributors {
		raw, err := json.Marshal(c.Value)
		if err != nil {
			return nil, fmt.Errorf("ctxstore: encode branch %d contribution for source %q: %w", c.BranchIndex, sourcePath, err)
		}
		res := gjson.GetBytes(raw, sourcePath)
		c.Value = nil
		if res.Exists() {
			c.Value = res.Value()
		}
		out[i] = c
	}
	return out, nil
}

// applyMergeStrategy is shared logic extracted so MemStore and PGStore
// cannot drift on merge semantics (spec.md §3.3).
func applyMergeStrategy(strategy MergeStrategy, siblingGroup string, contributors []BranchOutput) (interface{}, error) {
	switch strategy {
	case MergeAppend:
		arr := make([]interface{}, 0, len(contributors))
		for _, c := range contributors {
			arr = append(arr, c.Value)
		}
		return arr, nil

	case MergeObject:
		// RFC 7396 JSON Merge Patch, applied contributor-over-contributor in
		// branchIndex order, so a later sibling's keys win over an earlier
		// one's the same way a second jsonpatch.MergePatch call would.
		acc := []byte("{}")
		for _, c := range contributors {
			m, ok := c.Value.(map[string]interface{})
			if !ok {
				return nil, fmt.Errorf("ctxstore: merge strategy %q requires object contributions, branch %d was %T", strategy, c.BranchIndex, c.Value)
			}
			patch, err := json.Marshal(m)
			if err != nil {
				return nil, fmt.Errorf("ctxstore: encode merge contribution for branch %d: %w", c.BranchIndex, err)
			}
			merged, err := jsonpatch.MergePatch(acc, patch)
			if err != nil {
				return nil, fmt.Errorf("ctxstore: apply merge patch for branch %d: %w", c.BranchIndex, err)
			}
			acc = merged
		}
		var obj map[string]interface{}
		if err := json.Unmarshal(acc, &obj); err != nil {
			return nil, fmt.Errorf("ctxstore: decode merged object: %w", err)
		}
		return obj, nil

	case MergeKeyed:
		obj := map[string]interface{}{}
		for _, c := range contributors {
			m, ok := c.Value.(map[string]interface{})
			if !ok {
				return nil, fmt.Errorf("ctxstore: merge strategy %q requires {key,value} contributions, branch %d was %T", strategy, c.BranchIndex, c.Value)
			}
			key, ok := m["key"].(string)
			if !ok {
				return nil, fmt.Errorf("ctxstore: merge strategy %q: branch %d missing string key", strategy, c.BranchIndex)
			}
			if _, exists := obj[key]; exists {
				return nil, &ErrMergeConflict{SiblingGroup: siblingGroup, Key: key}
			}
			obj[key] = m["value"]
		}
		return obj, nil

	case MergeLastWins:
		if len(contributors) == 0 {
			return nil, nil
		}
		return contributors[len(contributors)-1].Value, nil

	default:
		return nil, fmt.Errorf("ctxstore: unknown merge strategy %q", strategy)
	}
}

func (s *PGStore) ExtractOutput(ctx context.Context, mapping map[string]string) (map[string]interface{}, error) {
	out := make(map[string]interface{}, len(mapping))
	for target, source := range mapping {
		v, err := s.Read(ctx, source)
		if err != nil {
			return nil, fmt.Errorf("ctxstore.ExtractOutput(%q <- %q): %w", target, source, err)
		}
		out[target] = v
	}
	return out, nil
}

// Snapshot reassembles the full document from one-row-per-path storage by
// replaying every stored path through sjson, then decodes it into a plain
// map — the same shape MemStore carries natively as a single document.
func (s *PGStore) Snapshot(ctx context.Context) (map[string]interface{}, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT path, value FROM context_values WHERE workflow_run_id = $1`,
		s.runID,
	)
	if err != nil {
		return nil, fmt.Errorf("ctxstore.Snapshot: query: %w", err)
	}

	doc := []byte("{}")
	for rows.Next() {
		var path string
		var raw []byte
		if err := rows.Scan(&path, &raw); err != nil {
			rows.Close()
			return nil, fmt.Errorf("ctxstore.Snapshot: scan: %w", err)
		}
		var v interface{}
		if err := json.Unmarshal(raw, &v); err != nil {
			rows.Close()
			return nil, fmt.Errorf("ctxstore.Snapshot: decode %q: %w", path, err)
		}
		out, err := sjson.SetBytes(doc, path, v)
		if err != nil {
			rows.Close()
			return nil, fmt.Errorf("ctxstore.Snapshot: assemble %q: %w", path, err)
		}
		doc = out
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("ctxstore.Snapshot: rows: %w", err)
	}

	var result map[string]interface{}
	if err := json.Unmarshal(doc, &result); err != nil {
		return nil, fmt.Errorf("ctxstore.Snapshot: final decode: %w", err)
	}
	return result, nil
}
