package ctxstore

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
)

// ErrMergeConflict is spec.md §7's MergeConflict: a `keyed` merge saw the
// same key from two contributors.
type ErrMergeConflict struct {
	SiblingGroup string
	Key          string
}

func (e *ErrMergeConflict) Error() string {
	return fmt.Sprintf("merge conflict in sibling group %q: duplicate key %q", e.SiblingGroup, e.Key)
}

// MemStore is an in-memory Store backed by a single JSON document, mutated
// through gjson (reads) and sjson (writes) exactly as the teacher's
// resolver package reads `$nodes.*` paths — the document is never
// unmarshalled into a Go struct tree, so arbitrary-shaped contextSchemas
// need no companion Go type.
type MemStore struct {
	mu  sync.Mutex
	doc []byte
}

// NewMemStore returns an empty context store, document `{}`.
func NewMemStore() *MemStore {
	return &MemStore{doc: []byte("{}")}
}

func (s *MemStore) Read(ctx context.Context, path string) (interface{}, error) {
	if _, err := RegionOf(path); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	res := gjson.GetBytes(s.doc, path)
	if !res.Exists() {
		return nil, nil
	}
	return res.Value(), nil
}

func (s *MemStore) Write(ctx context.Context, path string, value interface{}, writerTokenID string) error {
	if _, err := RegionOf(path); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	out, err := sjson.SetBytes(s.doc, path, value)
	if err != nil {
		return fmt.Errorf("ctxstore: write %q: %w", path, err)
	}
	s.doc = out
	return nil
}

func (s *MemStore) branchDocPath(siblingGroup string, branchIndex int) string {
	return fmt.Sprintf("%s.%s.%d", RegionBranches, escapeKey(siblingGroup), branchIndex)
}

// escapeKey neutralizes '.', '*' and '?' inside a sibling-group name so it can't
// be mistaken for gjson/sjson path syntax — sibling group names are
// generated from node refs and loop indices, not user free text, but this
// keeps the path grammar unambiguous regardless.
func escapeKey(key string) string {
	out := make([]byte, 0, len(key))
	for i := 0; i < len(key); i++ {
		c := key[i]
		if c == '.' || c == '*' || c == '?' {
			out = append(out, '\\')
		}
		out = append(out, c)
	}
	return string(out)
}

func (s *MemStore) CaptureBranchOutput(ctx context.Context, siblingGroup string, branchIndex int, tokenID string, value interface{}) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	base := s.branchDocPath(siblingGroup, branchIndex)
	out, err := sjson.SetBytes(s.doc, base+".value", value)
	if err != nil {
		return fmt.Errorf("ctxstore: capture branch output: %w", err)
	}
	out, err = sjson.SetBytes(out, base+".tokenId", tokenID)
	if err != nil {
		return fmt.Errorf("ctxstore: capture branch output: %w", err)
	}
	s.doc = out
	return nil
}

func (s *MemStore) CollectBranchOutputs(ctx context.Context, siblingGroup string) ([]BranchOutput, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	root := gjson.GetBytes(s.doc, string(RegionBranches)+"."+escapeKey(siblingGroup))
	if !root.Exists() {
		return nil, nil
	}

	var out []BranchOutput
	var rangeErr error
	root.ForEach(func(idxKey, branch gjson.Result) bool {
		idx, err := parseIndex(idxKey.String())
		if err != nil {
			rangeErr = err
			return false
		}
		out = append(out, BranchOutput{
			BranchIndex: idx,
			TokenID:     branch.Get("tokenId").String(),
			Value:       branch.Get("value").Value(),
		})
		return true
	})
	if rangeErr != nil {
		return nil, rangeErr
	}

	sort.Slice(out, func(i, j int) bool { return out[i].BranchIndex < out[j].BranchIndex })
	return out, nil
}

func parseIndex(s string) (int, error) {
	var n int
	if _, err := fmt.Sscanf(s, "%d", &n); err != nil {
		return 0, fmt.Errorf("ctxstore: malformed branch index %q: %w", s, err)
	}
	return n, nil
}

// Merge implements the four fan-in merge strategies of spec.md §3.3, then
// clears the staged `_branches` entries for the group.
func (s *MemStore) Merge(ctx context.Context, siblingGroup, targetPath string, strategy MergeStrategy, sourcePath, writerTokenID string) error {
	contributors, err := s.CollectBranchOutputs(ctx, siblingGroup)
	if err != nil {
		return err
	}

	contributors, err = resolveContributorSources(contributors, sourcePath)
	if err != nil {
		return err
	}

	merged, err := applyMergeStrategy(strategy, siblingGroup, contributors)
	if err != nil {
		return err
	}

	s.mu.Lock()
	out, err := sjson.SetBytes(s.doc, targetPath, merged)
	if err == nil {
		out, err = sjson.DeleteBytes(out, string(RegionBranches)+"."+escapeKey(siblingGroup))
	}
	if err == nil {
		s.doc = out
	}
	s.mu.Unlock()
	if err != nil {
		return fmt.Errorf("ctxstore: apply merge to %q: %w", targetPath, err)
	}
	return nil
}

func (s *MemStore) ExtractOutput(ctx context.Context, mapping map[string]string) (map[string]interface{}, error) {
	out := make(map[string]interface{}, len(mapping))
	for target, source := range mapping {
		v, err := s.Read(ctx, source)
		if err != nil {
			return nil, fmt.Errorf("ctxstore: extract output %q <- %q: %w", target, source, err)
		}
		out[target] = v
	}
	return out, nil
}

func (s *MemStore) Snapshot(ctx context.Context) (map[string]interface{}, error) {
	s.mu.Lock()
	doc := s.doc
	s.mu.Unlock()

	var out map[string]interface{}
	if err := json.Unmarshal(doc, &out); err != nil {
		return nil, fmt.Errorf("ctxstore: snapshot decode: %w", err)
	}
	return out, nil
}
