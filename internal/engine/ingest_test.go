package engine

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hugo-lorenzo-mato/quorum-ai/internal/core"
)

func writeInputFile(t *testing.T, dir, name, body string) {
	t.Helper()
	require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(body), 0o644))
}

// Scenario E: JSONPath extraction, filter, distinct, sort, and windowing
// compose in the documented order (extract -> filter -> distinct -> sort
// -> offset/max_items).
func TestIngestWorkItems_FilterSortAndWindow(t *testing.T) {
	dir := t.TempDir()
	writeInputFile(t, dir, "items.json", `{
		"files": [
			{"id": "a", "priority": 3, "lang": "go"},
			{"id": "b", "priority": 1, "lang": "go"},
			{"id": "c", "priority": 1, "lang": "py"},
			{"id": "d", "priority": 2, "lang": "go"},
			{"id": "e", "priority": 5, "lang": "rs"}
		]
	}`)

	spec := &core.MapSpec{
		Input:    "items.json",
		JSONPath: "$.files[*]",
		Filter:   `item.lang == "go"`,
		SortBy:   []core.SortSpec{{Path: "$.priority", Order: "asc"}},
		MaxItems: 2,
	}

	items, err := ingestWorkItems(dir, spec, core.NewExecutionContext())
	require.NoError(t, err)
	require.Len(t, items, 2)
	assert.Equal(t, "b", items[0].ID)
	assert.Equal(t, "d", items[1].ID)
}

func TestIngestWorkItems_DistinctDropsDuplicates(t *testing.T) {
	dir := t.TempDir()
	writeInputFile(t, dir, "items.json", `[
		{"id": "a", "group": "x"},
		{"id": "b", "group": "x"},
		{"id": "c", "group": "y"}
	]`)

	spec := &core.MapSpec{Input: "items.json", Distinct: "$.group"}
	items, err := ingestWorkItems(dir, spec, core.NewExecutionContext())
	require.NoError(t, err)
	require.Len(t, items, 2)
}

func TestIngestWorkItems_OffsetSkipsLeadingItems(t *testing.T) {
	dir := t.TempDir()
	writeInputFile(t, dir, "items.json", `[{"id":"a"},{"id":"b"},{"id":"c"}]`)

	spec := &core.MapSpec{Input: "items.json", Offset: 2}
	items, err := ingestWorkItems(dir, spec, core.NewExecutionContext())
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Equal(t, "c", items[0].ID)
}

func TestIngestWorkItems_YAMLInputIsAccepted(t *testing.T) {
	dir := t.TempDir()
	writeInputFile(t, dir, "items.yaml", "- id: a\n  name: alpha\n- id: b\n  name: beta\n")

	spec := &core.MapSpec{Input: "items.yaml"}
	items, err := ingestWorkItems(dir, spec, core.NewExecutionContext())
	require.NoError(t, err)
	require.Len(t, items, 2)
}

func TestIngestWorkItems_DuplicateIDIsValidationFailed(t *testing.T) {
	dir := t.TempDir()
	writeInputFile(t, dir, "items.json", `[{"id":"a"},{"id":"a"}]`)

	spec := &core.MapSpec{Input: "items.json"}
	_, err := ingestWorkItems(dir, spec, core.NewExecutionContext())
	require.Error(t, err)
	var de *core.DomainError
	require.ErrorAs(t, err, &de)
	assert.Equal(t, core.KindValidationFailed, de.Kind)
	assert.Equal(t, "MAP_ITEM_ID_COLLISION", de.Code)
}

func TestIngestWorkItems_MissingIDFallsBackToIndex(t *testing.T) {
	dir := t.TempDir()
	writeInputFile(t, dir, "items.json", `[{"name":"alpha"},{"name":"beta"}]`)

	spec := &core.MapSpec{Input: "items.json"}
	items, err := ingestWorkItems(dir, spec, core.NewExecutionContext())
	require.NoError(t, err)
	require.Len(t, items, 2)
	assert.Equal(t, "item-0", items[0].ID)
	assert.Equal(t, "item-1", items[1].ID)
}

func TestIngestWorkItems_InputPathIsInterpolated(t *testing.T) {
	dir := t.TempDir()
	writeInputFile(t, dir, "batch-1.json", `[{"id":"only"}]`)

	execCtx := core.NewExecutionContext()
	execCtx.WorkflowEnv["BATCH"] = "1"
	spec := &core.MapSpec{Input: "batch-${BATCH}.json"}

	items, err := ingestWorkItems(dir, spec, execCtx)
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Equal(t, "only", items[0].ID)
}
