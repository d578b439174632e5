package resource

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

// PGRepository resolves workflow/task/action/prompt/model records from
// Postgres catalog tables, grounded on the teacher's
// common/repository.RunRepository query style (named columns, Scan into a
// struct, fmt.Errorf-wrapped failures).
type PGRepository struct {
	pool *pgxpool.Pool
}

func NewPGRepository(pool *pgxpool.Pool) *PGRepository {
	return &PGRepository{pool: pool}
}

func (r *PGRepository) GetWorkflowDef(ctx context.Context, id, version string) (*WorkflowDef, error) {
	const q = `SELECT id, version, definition FROM workflow_definitions WHERE id = $1 AND version = $2`
	var wd WorkflowDef
	var raw []byte
	if err := r.pool.QueryRow(ctx, q, id, version).Scan(&wd.ID, &wd.Version, &raw); err != nil {
		return nil, fmt.Errorf("resource: get workflow def %s@%s: %w", id, version, err)
	}
	wd.DefinitionJSON = raw
	return &wd, nil
}

func (r *PGRepository) GetTask(ctx context.Context, id, version string) (*Task, error) {
	const q = `SELECT id, version, action_kind, implementation, input_schema FROM tasks WHERE id = $1 AND version = $2`
	var t Task
	var schemaRaw []byte
	if err := r.pool.QueryRow(ctx, q, id, version).Scan(&t.ID, &t.Version, &t.ActionKind, &t.Implementation, &schemaRaw); err != nil {
		return nil, fmt.Errorf("resource: get task %s@%s: %w", id, version, err)
	}
	if len(schemaRaw) > 0 {
		if err := json.Unmarshal(schemaRaw, &t.InputSchema); err != nil {
			return nil, fmt.Errorf("resource: decode task %s@%s input schema: %w", id, version, err)
		}
	}
	return &t, nil
}

func (r *PGRepository) GetAction(ctx context.Context, id, version string) (*Action, error) {
	const q = `SELECT id, version, kind, config_schema FROM actions WHERE id = $1 AND version = $2`
	var a Action
	var schemaRaw []byte
	if err := r.pool.QueryRow(ctx, q, id, version).Scan(&a.ID, &a.Version, &a.Kind, &schemaRaw); err != nil {
		return nil, fmt.Errorf("resource: get action %s@%s: %w", id, version, err)
	}
	if len(schemaRaw) > 0 {
		if err := json.Unmarshal(schemaRaw, &a.ConfigSchema); err != nil {
			return nil, fmt.Errorf("resource: decode action %s@%s config schema: %w", id, version, err)
		}
	}
	return &a, nil
}

func (r *PGRepository) GetPromptSpec(ctx context.Context, id string) (*PromptSpec, error) {
	const q = `SELECT id, template, model FROM prompt_specs WHERE id = $1`
	var p PromptSpec
	if err := r.pool.QueryRow(ctx, q, id).Scan(&p.ID, &p.Template, &p.Model); err != nil {
		return nil, fmt.Errorf("resource: get prompt spec %s: %w", id, err)
	}
	return &p, nil
}

func (r *PGRepository) GetModelProfile(ctx context.Context, id string) (*ModelProfile, error) {
	const q = `SELECT id, provider, model, params FROM model_profiles WHERE id = $1`
	var m ModelProfile
	var paramsRaw []byte
	if err := r.pool.QueryRow(ctx, q, id).Scan(&m.ID, &m.Provider, &m.Model, &paramsRaw); err != nil {
		return nil, fmt.Errorf("resource: get model profile %s: %w", id, err)
	}
	if len(paramsRaw) > 0 {
		if err := json.Unmarshal(paramsRaw, &m.Params); err != nil {
			return nil, fmt.Errorf("resource: decode model profile %s params: %w", id, err)
		}
	}
	return &m, nil
}
