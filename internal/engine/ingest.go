package engine

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"gopkg.in/yaml.v3"

	"github.com/hugo-lorenzo-mato/quorum-ai/internal/core"
	"github.com/hugo-lorenzo-mato/quorum-ai/internal/interp"
)

// ingestWorkItems implements the §6.1 ingestion pipeline: load the input
// document, extract candidate items with JSONPath, filter, deduplicate,
// sort, and window them, then assign stable work-item ids.
//
// Grounded on the donor's internal/service/dag.go parsePlanItems (tolerant
// document decode followed by a shape-normalizing extraction pass),
// generalized from a fixed plan-JSON shape to an arbitrary JSONPath over
// either JSON or YAML input.
func ingestWorkItems(dir string, spec *core.MapSpec, execCtx *core.ExecutionContext) ([]core.WorkItem, error) {
	inputPath, err := interp.Interpolate(spec.Input, execCtx)
	if err != nil {
		return nil, asDomainError(err)
	}
	if !filepath.IsAbs(inputPath) {
		inputPath = filepath.Join(dir, inputPath)
	}
	body, err := os.ReadFile(inputPath)
	if err != nil {
		return nil, core.ErrValidationFailed("MAP_INPUT_UNREADABLE", "could not read map input: "+err.Error())
	}

	var doc any
	if err := json.Unmarshal(body, &doc); err != nil {
		if yerr := yaml.Unmarshal(body, &doc); yerr != nil {
			return nil, core.ErrValidationFailed("MAP_INPUT_UNPARSEABLE",
				"map input is neither valid JSON nor YAML: "+err.Error())
		}
	}

	items, err := extractCandidates(doc, spec.JSONPath)
	if err != nil {
		return nil, core.ErrValidationFailed("MAP_JSON_PATH_INVALID", err.Error())
	}

	if spec.Filter != "" {
		filterExpr, ferr := interp.Compile(spec.Filter)
		if ferr != nil {
			return nil, core.ErrValidationFailed("MAP_FILTER_INVALID", ferr.Error())
		}
		var kept []any
		for _, item := range items {
			ok, eerr := filterExpr.EvalBool(itemContext(execCtx, item))
			if eerr != nil {
				return nil, core.ErrValidationFailed("MAP_FILTER_EVAL_FAILED", eerr.Error())
			}
			if ok {
				kept = append(kept, item)
			}
		}
		items = kept
	}

	if spec.Distinct != "" {
		items, err = dedupeItems(items, spec.Distinct)
		if err != nil {
			return nil, core.ErrValidationFailed("MAP_DISTINCT_INVALID", err.Error())
		}
	}

	if len(spec.SortBy) > 0 {
		if err := sortItems(items, spec.SortBy); err != nil {
			return nil, core.ErrValidationFailed("MAP_SORT_INVALID", err.Error())
		}
	}

	if spec.Offset > 0 {
		if spec.Offset >= len(items) {
			items = nil
		} else {
			items = items[spec.Offset:]
		}
	}
	if spec.MaxItems > 0 && len(items) > spec.MaxItems {
		items = items[:spec.MaxItems]
	}

	return assignWorkItemIDs(items, spec.MaxRetries)
}

// extractCandidates applies an optional JSONPath to doc; an empty path
// treats a top-level array as the candidate list directly, and a
// top-level non-array as the sole candidate.
func extractCandidates(doc any, path string) ([]any, error) {
	if path == "" {
		if arr, ok := doc.([]any); ok {
			return arr, nil
		}
		return []any{doc}, nil
	}
	return interp.Extract(doc, path)
}

// itemContext builds a throwaway ExecutionContext inheriting base's step
// outputs and env scopes but binding "item" to the single candidate under
// evaluation (§6.1 filter/sort expressions reference item.*).
func itemContext(base *core.ExecutionContext, item any) *core.ExecutionContext {
	ctx := core.NewExecutionContext()
	ctx.StepOutputs = base.StepOutputs
	ctx.WorkflowEnv = base.WorkflowEnv
	ctx.HostEnv = base.HostEnv
	ctx.ItemBindings = map[string]any{"item": item}
	return ctx
}

func dedupeItems(items []any, distinctPath string) ([]any, error) {
	seen := make(map[string]bool, len(items))
	var out []any
	for _, item := range items {
		key, err := distinctKey(item, distinctPath)
		if err != nil {
			return nil, err
		}
		if seen[key] {
			continue
		}
		seen[key] = true
		out = append(out, item)
	}
	return out, nil
}

func distinctKey(item any, path string) (string, error) {
	values, err := interp.Extract(item, path)
	if err != nil {
		return "", err
	}
	if len(values) == 0 {
		return "", nil
	}
	body, err := json.Marshal(values[0])
	if err != nil {
		return "", err
	}
	return string(body), nil
}

func sortItems(items []any, keys []core.SortSpec) error {
	var sortErr error
	sort.SliceStable(items, func(i, j int) bool {
		if sortErr != nil {
			return false
		}
		for _, key := range keys {
			vi, erri := sortValue(items[i], key.Path)
			vj, errj := sortValue(items[j], key.Path)
			if erri != nil {
				sortErr = erri
				return false
			}
			if errj != nil {
				sortErr = errj
				return false
			}
			cmp := compareSortValues(vi, vj, key.NullPosition)
			if cmp == 0 {
				continue
			}
			// desc reverses value order only; nil placement follows
			// NullPosition in either direction.
			if key.Order == "desc" && vi != nil && vj != nil {
				return cmp > 0
			}
			return cmp < 0
		}
		return false
	})
	return sortErr
}

func sortValue(item any, path string) (any, error) {
	values, err := interp.Extract(item, path)
	if err != nil {
		return nil, err
	}
	if len(values) == 0 {
		return nil, nil
	}
	return values[0], nil
}

// compareSortValues orders nil last unless nullPosition is "first", then
// compares numbers numerically and everything else by string form.
func compareSortValues(a, b any, nullPosition string) int {
	if a == nil && b == nil {
		return 0
	}
	if a == nil {
		if nullPosition == "first" {
			return -1
		}
		return 1
	}
	if b == nil {
		if nullPosition == "first" {
			return 1
		}
		return -1
	}
	an, aok := asFloat(a)
	bn, bok := asFloat(b)
	if aok && bok {
		switch {
		case an < bn:
			return -1
		case an > bn:
			return 1
		default:
			return 0
		}
	}
	as, bs := fmt.Sprint(a), fmt.Sprint(b)
	switch {
	case as < bs:
		return -1
	case as > bs:
		return 1
	default:
		return 0
	}
}

func asFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case int:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	default:
		return 0, false
	}
}

// assignWorkItemIDs binds each candidate to a WorkItem, preferring the
// candidate's own "id" field and falling back to its position. A
// duplicate id across items is a setup-time validation failure rather
// than a silently merged work item.
func assignWorkItemIDs(items []any, maxRetries int) ([]core.WorkItem, error) {
	out := make([]core.WorkItem, 0, len(items))
	seen := make(map[string]bool, len(items))
	for i, item := range items {
		id := itemID(item, i)
		if seen[id] {
			return nil, core.ErrValidationFailed("MAP_ITEM_ID_COLLISION",
				fmt.Sprintf("duplicate work item id %q at index %d", id, i))
		}
		seen[id] = true
		out = append(out, core.WorkItem{ID: id, Value: item, MaxRetries: maxRetries})
	}
	return out, nil
}

func itemID(item any, index int) string {
	if values, err := interp.Extract(item, "$.id"); err == nil && len(values) > 0 {
		switch v := values[0].(type) {
		case string:
			if v != "" {
				return v
			}
		case float64, int:
			return fmt.Sprint(v)
		}
	}
	return fmt.Sprintf("item-%d", index)
}
