// Package engine implements the Step Executor, Sequential Executor, and
// MapReduce Coordinator of §4 — the layer that drives a workflow against a
// worktree using the subprocess, interpolation, git, checkpoint, retry, and
// event packages underneath it.
//
// Grounded on the donor's internal/service/workflow.go: errgroup-based
// parallel batch execution (runV1Analysis's g, ctx := errgroup.WithContext
// pattern, generalized to the map phase's bounded agent pool via
// g.SetLimit), the retry-wrapped per-unit-of-work helper (runAnalysisWithAgent),
// and checkpoint-after-transition discipline. The donor's Analyze/Plan/
// Execute phase model is generalized to Setup/Map/Reduce/Merge and to the
// linear Sequential form.
package engine
