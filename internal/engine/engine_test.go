package engine

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hugo-lorenzo-mato/quorum-ai/internal/core"
)

// Scenario F: positional args, secrets-over-env precedence, and map/merge
// bindings all resolve correctly across a full MapReduce run.
func TestEngine_Start_MapReduceBindsVariablesAcrossPhases(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "items.json"), []byte(
		`[{"id":"a"},{"id":"b"}]`), 0o644))

	sub := &fakeSubprocess{runFunc: okResult("ok")}
	git := newFakeGit()
	deps := testDeps(sub, git)
	e := New(deps)

	wf := &core.Workflow{
		Name:    "release",
		Env:     map[string]string{"TARGET": "$1"},
		Secrets: map[string]string{"TARGET": "overridden-by-secret"},
		Map: &core.MapSpec{
			Input: "items.json", MaxParallel: 2,
			AgentTemplate: []core.Step{{ID: "work", Kind: core.StepShell, Command: "process ${item.id}"}},
		},
		Reduce: []core.Step{
			{ID: "summarize", Kind: core.StepShell, Command: "echo ${map.total} ${map.successful} ${map.failed} ${map.success_rate}"},
		},
		Merge: []core.Step{
			{ID: "report", Kind: core.StepShell, Command: "echo ${merge.source_branch} ${merge.target_branch} ${merge.session_id}"},
		},
	}

	session, err := e.Start(context.Background(), wf, StartOptions{
		RepoRoot: dir,
		Args:     []string{"v1.2.3"},
	})
	require.NoError(t, err)
	require.Equal(t, core.StatusCompleted, session.Status)

	assert.Equal(t, 2, len(git.mergeCalls), "each map item merges, plus the final parent merge")
	assert.Contains(t, git.mergeCalls[len(git.mergeCalls)-1], session.Worktree.Branch+"->"+session.OriginalBranch)
}

// Scenario F: secrets win over a same-named plaintext env entry.
func TestBuildExecutionContext_SecretsWinOverEnv(t *testing.T) {
	wf := &core.Workflow{
		Name:    "secret-precedence",
		Env:     map[string]string{"API_KEY": "plaintext"},
		Secrets: map[string]string{"API_KEY": "s3cr3t"},
	}
	execCtx := buildExecutionContext(wf, StartOptions{})
	assert.Equal(t, "s3cr3t", execCtx.WorkflowEnv["API_KEY"])
}

// Scenario F: a $N token substitutes the (N-1)th positional arg, and an
// out-of-range index resolves to an empty string rather than panicking.
func TestBuildExecutionContext_PositionalArgSubstitution(t *testing.T) {
	wf := &core.Workflow{
		Name: "positional",
		Env:  map[string]string{"FIRST": "$1", "MISSING": "$9"},
	}
	execCtx := buildExecutionContext(wf, StartOptions{Args: []string{"alpha"}})
	assert.Equal(t, "alpha", execCtx.WorkflowEnv["FIRST"])
	assert.Equal(t, "", execCtx.WorkflowEnv["MISSING"])
}

// Scenario D: a mid-run failure in the reduce phase leaves a checkpoint at
// PhaseReduce with the completed map progress recorded, and Resume with an
// unchanged workflow picks back up without re-running the map phase.
func TestEngine_Resume_PicksUpFromCheckpointedPhase(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "items.json"), []byte(
		`[{"id":"a"}]`), 0o644))

	failReduce := true
	sub := &fakeSubprocess{runFunc: func(opts core.RunOptions) (core.RunResult, error) {
		cmd := opts.Command
		if len(opts.Args) > 0 {
			cmd = opts.Args[len(opts.Args)-1]
		}
		if failReduce && cmd == "summarize" {
			return core.RunResult{ExitCode: 1}, nil
		}
		return core.RunResult{ExitCode: 0, Stdout: "ok"}, nil
	}}
	git := newFakeGit()
	store := newFakeCheckpointStore()
	deps := Dependencies{
		Subprocess: sub, Git: git, Checkpoints: store, Events: &fakeEventSink{}, MaxHandlerRetries: 3,
	}.WithDefaults()
	e := New(deps)

	wf := &core.Workflow{
		Name: "resumable",
		Map: &core.MapSpec{
			Input: "items.json", MaxParallel: 1,
			AgentTemplate: []core.Step{{ID: "work", Kind: core.StepShell, Command: "process ${item.id}"}},
		},
		Reduce: []core.Step{{ID: "summarize", Kind: core.StepShell, Command: "summarize"}},
		Merge:  []core.Step{{ID: "report", Kind: core.StepShell, Command: "report"}},
	}

	session, err := e.Start(context.Background(), wf, StartOptions{RepoRoot: dir})
	require.Error(t, err)
	require.Equal(t, core.StatusFailed, session.Status)

	cp, ok := store.saved[session.ID]
	require.True(t, ok, "a checkpoint must have been written on failure")
	assert.Equal(t, core.PhaseReduce, cp.Phase)
	require.NotNil(t, cp.Context)
	mapStats, ok := cp.Context.ItemBindings["map"].(map[string]any)
	require.True(t, ok, "map stats must already be bound before the reduce phase runs")
	assert.Equal(t, 1, mapStats["total"])

	failReduce = false
	resumed, err := e.Resume(context.Background(), session.ID, wf, StartOptions{RepoRoot: dir})
	require.NoError(t, err)
	assert.Equal(t, core.StatusCompleted, resumed.Status)
}

// Scenario D: a 5-step sequential workflow interrupted after step 2 resumes
// at step 3 rather than re-running the first two steps.
func TestEngine_Resume_SkipsCompletedStepsInSequentialWorkflow(t *testing.T) {
	dir := t.TempDir()
	var executed []string
	sub := &fakeSubprocess{runFunc: func(opts core.RunOptions) (core.RunResult, error) {
		cmd := opts.Command
		if len(opts.Args) > 0 {
			cmd = opts.Args[len(opts.Args)-1]
		}
		executed = append(executed, cmd)
		return core.RunResult{ExitCode: 0}, nil
	}}
	git := newFakeGit()
	store := newFakeCheckpointStore()
	deps := Dependencies{
		Subprocess: sub, Git: git, Checkpoints: store, Events: &fakeEventSink{}, MaxHandlerRetries: 3,
	}.WithDefaults()
	e := New(deps)

	wf := &core.Workflow{
		Name: "five-steps",
		Commands: []core.Step{
			{ID: "one", Kind: core.StepShell, Command: "one"},
			{ID: "two", Kind: core.StepShell, Command: "two"},
			{ID: "three", Kind: core.StepShell, Command: "three"},
			{ID: "four", Kind: core.StepShell, Command: "four"},
			{ID: "five", Kind: core.StepShell, Command: "five"},
		},
	}

	// Simulate an interruption after step 2 by hand-seeding the checkpoint
	// a real run would have left behind, rather than forcing step 3 to fail
	// (step 3's own failure would itself advance CompletedStepIndex nowhere,
	// which is the bug this resume path guards against).
	store.saved["sess-seq-resume"] = &core.Checkpoint{
		Version: core.CurrentCheckpointVersion, SessionID: "sess-seq-resume",
		WorkflowHash: workflowHash(wf), Phase: core.PhaseCommands, CompletedStepIndex: 2,
		Context: core.NewExecutionContext(), Status: core.StatusRunning,
	}
	git.worktrees = append(git.worktrees, core.Worktree{Path: dir, Branch: "prodigy/five-steps-resume"})

	session, err := e.Resume(context.Background(), "sess-seq-resume", wf, StartOptions{RepoRoot: dir})
	require.NoError(t, err)
	assert.Equal(t, core.StatusCompleted, session.Status)
	assert.Equal(t, []string{"three", "four", "five"}, executed, "steps one and two must not re-run")
}

// Scenario D: Resume refuses to replay a session whose workflow document no
// longer hashes to the value recorded at checkpoint time.
func TestEngine_Resume_RejectsChangedWorkflow(t *testing.T) {
	dir := t.TempDir()
	sub := &fakeSubprocess{runFunc: okResult("ok")}
	git := newFakeGit()
	store := newFakeCheckpointStore()
	deps := Dependencies{
		Subprocess: sub, Git: git, Checkpoints: store, Events: &fakeEventSink{}, MaxHandlerRetries: 3,
	}.WithDefaults()
	e := New(deps)

	original := &core.Workflow{Name: "drift", Commands: []core.Step{{ID: "a", Kind: core.StepShell, Command: "a"}}}
	store.saved["sess-drift"] = &core.Checkpoint{
		Version: core.CurrentCheckpointVersion, SessionID: "sess-drift",
		WorkflowHash: workflowHash(original), Phase: core.PhaseCommands,
		Context: core.NewExecutionContext(), Status: core.StatusRunning,
	}

	changed := &core.Workflow{Name: "drift", Commands: []core.Step{
		{ID: "a", Kind: core.StepShell, Command: "a"},
		{ID: "b", Kind: core.StepShell, Command: "b"},
	}}

	_, err := e.Resume(context.Background(), "sess-drift", changed, StartOptions{RepoRoot: dir})
	require.Error(t, err)
	var de *core.DomainError
	require.ErrorAs(t, err, &de)
	assert.Equal(t, core.KindValidationFailed, de.Kind)
	assert.Equal(t, "ENGINE_WORKFLOW_CHANGED", de.Code)
}
