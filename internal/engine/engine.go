// Package engine implements Prodigy's execution core: the Step Executor,
// the Sequential Executor, the MapReduce Coordinator, and the top-level
// Engine that wires session and worktree lifecycle, checkpointing, and
// resume around them.
//
// Grounded on the donor's internal/service package (workflow.go's
// Analyze/Plan/Execute phase orchestration, retry.go's retry execution,
// checkpoint.go's save-on-progress calls), generalized from the donor's
// fixed three-phase consensus pipeline to the arbitrary Setup/Map/Reduce/
// Merge and Commands/StopCondition forms a Workflow can declare.
package engine

import (
	"context"
	"fmt"
	"path/filepath"
	"regexp"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/hugo-lorenzo-mato/quorum-ai/internal/core"
	"github.com/hugo-lorenzo-mato/quorum-ai/internal/events"
)

// Engine runs a Workflow to completion (or interruption) against a
// repository, producing a terminal Session and a stream of Checkpoints
// and Events as it goes.
type Engine struct {
	deps Dependencies
	step *StepExecutor
	seq  *SequentialExecutor
	mr   *Coordinator
}

// New builds an Engine over deps.
func New(deps Dependencies) *Engine {
	deps = deps.WithDefaults()
	return &Engine{
		deps: deps,
		step: NewStepExecutor(deps),
		seq:  NewSequentialExecutor(deps),
		mr:   NewCoordinator(deps),
	}
}

// StartOptions configures a fresh session (§4.2, §4.3.1).
type StartOptions struct {
	RepoRoot string
	Args     []string
	// HostEnv is the caller-filtered allow-listed subset of the process
	// environment to expose as ${...} lookups (§4.4's lowest-precedence
	// scope); the engine applies no allow-listing of its own.
	HostEnv map[string]string
	// WorktreeBaseDir overrides where the session's parent worktree is
	// created; it defaults to a sibling of RepoRoot when empty.
	WorktreeBaseDir string
}

var positionalArgRe = regexp.MustCompile(`^\$(\d+)$`)

// buildExecutionContext seeds WorkflowEnv from wf.Env and wf.Secrets with
// positional argument substitution ($1, $2, ... -> opts.Args[n-1]) and
// secrets overriding same-named plaintext env entries (§4.4, and the
// secrets-win-over-env decision recorded in the expanded specification).
func buildExecutionContext(wf *core.Workflow, opts StartOptions) *core.ExecutionContext {
	ctx := core.NewExecutionContext()
	for k, v := range wf.Env {
		ctx.WorkflowEnv[k] = substitutePositional(v, opts.Args)
	}
	for k, v := range wf.Secrets {
		ctx.WorkflowEnv[k] = substitutePositional(v, opts.Args)
	}
	for k, v := range opts.HostEnv {
		ctx.HostEnv[k] = v
	}
	return ctx
}

func substitutePositional(v string, args []string) string {
	m := positionalArgRe.FindStringSubmatch(v)
	if m == nil {
		return v
	}
	n, err := strconv.Atoi(m[1])
	if err != nil || n < 1 || n > len(args) {
		return ""
	}
	return args[n-1]
}

// Start creates a new Session for wf against opts.RepoRoot and runs it to
// completion or interruption.
func (e *Engine) Start(ctx context.Context, wf *core.Workflow, opts StartOptions) (*core.Session, error) {
	if err := wf.Validate(); err != nil {
		return nil, err
	}
	branch, err := e.deps.Git.CurrentBranch(ctx, opts.RepoRoot)
	if err != nil {
		return nil, core.ErrInternal("ENGINE_CURRENT_BRANCH_FAILED", err.Error())
	}

	wtBranch := fmt.Sprintf("prodigy/%s-%s", wf.Name, uuid.NewString()[:8])
	base := opts.WorktreeBaseDir
	if base == "" {
		base = filepath.Dir(opts.RepoRoot)
	}
	wtPath := filepath.Join(base, filepath.Base(opts.RepoRoot)+"-"+wtBranch[len("prodigy/"):])
	wt, err := e.deps.Git.CreateWorktree(ctx, opts.RepoRoot, wtPath, wtBranch)
	if err != nil {
		return nil, core.ErrInternal("ENGINE_WORKTREE_CREATE_FAILED", err.Error())
	}

	session := core.NewSession(wf.Name, branch, wt, opts.Args)
	execCtx := buildExecutionContext(wf, opts)

	if err := e.deps.Checkpoints.AcquireSessionLock(ctx, session.ID); err != nil {
		return session, core.ErrInternal("ENGINE_SESSION_LOCK_FAILED", err.Error())
	}
	defer func() { _ = e.deps.Checkpoints.ReleaseSessionLock(ctx, session.ID) }()

	session.Start()
	runErr := e.run(ctx, session, wf, execCtx, nil)
	return session, runErr
}

// Resume loads sessionID's last checkpoint and continues execution from
// the recorded phase (§4.5). The workflow document passed in must hash
// identically to the one recorded in the checkpoint, or resume fails
// fast rather than silently replaying against a changed program.
func (e *Engine) Resume(ctx context.Context, sessionID string, wf *core.Workflow, opts StartOptions) (*core.Session, error) {
	cp, err := e.deps.Checkpoints.Load(ctx, sessionID)
	if err != nil {
		return nil, core.ErrInternal("ENGINE_CHECKPOINT_LOAD_FAILED", err.Error())
	}
	if cp.WorkflowHash != workflowHash(wf) {
		return nil, core.ErrValidationFailed("ENGINE_WORKFLOW_CHANGED",
			"workflow document no longer matches the checkpointed session")
	}

	worktrees, err := e.deps.Git.ListWorktrees(ctx, opts.RepoRoot)
	if err != nil {
		return nil, core.ErrInternal("ENGINE_LIST_WORKTREES_FAILED", err.Error())
	}
	var wt core.Worktree
	found := false
	for _, w := range worktrees {
		if !w.IsChild() {
			wt = w
			found = true
			break
		}
	}
	if !found {
		return nil, core.ErrValidationFailed("ENGINE_WORKTREE_MISSING",
			"no parent worktree found to resume session "+sessionID)
	}

	branch, err := e.deps.Git.CurrentBranch(ctx, opts.RepoRoot)
	if err != nil {
		return nil, core.ErrInternal("ENGINE_CURRENT_BRANCH_FAILED", err.Error())
	}
	session := &core.Session{
		ID: sessionID, WorkflowName: wf.Name, OriginalBranch: branch,
		Worktree: wt, Phase: cp.Phase, Status: core.StatusRunning, Args: opts.Args,
	}

	if err := e.deps.Checkpoints.AcquireSessionLock(ctx, session.ID); err != nil {
		return session, core.ErrInternal("ENGINE_SESSION_LOCK_FAILED", err.Error())
	}
	defer func() { _ = e.deps.Checkpoints.ReleaseSessionLock(ctx, session.ID) }()

	runErr := e.run(ctx, session, wf, cp.Context, cp)
	return session, runErr
}

// run drives session through its remaining phases, checkpointing after
// every step and phase transition, and handles the final merge/cleanup
// on success (§4.3.5).
func (e *Engine) run(ctx context.Context, session *core.Session, wf *core.Workflow, execCtx *core.ExecutionContext, resume *core.Checkpoint) error {
	if execCtx == nil {
		execCtx = core.NewExecutionContext()
	}
	dir := session.Worktree.Path

	// onStepFor returns an onStep callback that checkpoints after every
	// individual step transition within phase, not once per whole phase
	// (§4.2 algorithm step 2, §4.5).
	onStepFor := func(phase core.Phase) func(int) {
		return func(idx int) { e.writeCheckpoint(ctx, session, wf, execCtx, phase, idx, nil) }
	}

	if !wf.IsMapReduce() {
		startIdx := 0
		if resume != nil && resume.Phase == core.PhaseCommands {
			startIdx = resume.CompletedStepIndex
		}
		if _, err := e.seq.RunWorkflowCommands(ctx, session.ID, wf, execCtx, dir, startIdx, onStepFor(core.PhaseCommands)); err != nil {
			session.Fail()
			return err
		}
		session.Complete()
		return e.finalize(ctx, session, wf, execCtx)
	}

	if resume == nil || resume.Phase == core.PhaseSetup {
		session.Phase = core.PhaseSetup
		e.deps.Events.Emit(events.NewPhaseTransitioned(session.ID, "", core.PhaseSetup))
		startIdx := 0
		if resume != nil && resume.Phase == core.PhaseSetup {
			startIdx = resume.CompletedStepIndex
		} else {
			e.writeCheckpoint(ctx, session, wf, execCtx, core.PhaseSetup, 0, nil)
		}
		if _, err := e.seq.RunSteps(ctx, session.ID, wf.Setup, execCtx, dir, startIdx, onStepFor(core.PhaseSetup)); err != nil {
			session.Fail()
			return err
		}
	}

	var mapProgress *core.MapPhaseProgress
	if resume != nil && resume.Phase == core.PhaseMap {
		mapProgress = resume.MapProgress
	}
	if resume == nil || resume.Phase == core.PhaseSetup || resume.Phase == core.PhaseMap {
		session.Phase = core.PhaseMap
		e.deps.Events.Emit(events.NewPhaseTransitioned(session.ID, core.PhaseSetup, core.PhaseMap))
		progress, err := e.mr.RunMap(ctx, session.ID, wf.Map, execCtx, session.Worktree, mapProgress, func(p core.MapPhaseProgress) {
			snap := p
			e.writeCheckpoint(ctx, session, wf, execCtx, core.PhaseMap, 0, &snap)
		})
		if err != nil {
			session.Fail()
			if progress != nil {
				e.writeCheckpoint(ctx, session, wf, execCtx, core.PhaseMap, 0, progress)
			}
			return err
		}
		stats := core.ComputeMapStats(progress.Completed, progress.DLQ)
		bindMapStats(execCtx, stats)
		e.writeCheckpoint(ctx, session, wf, execCtx, core.PhaseReduce, 0, nil)
	}

	if resume == nil || resume.Phase == core.PhaseSetup || resume.Phase == core.PhaseMap || resume.Phase == core.PhaseReduce {
		reduceStart := 0
		if resume != nil && resume.Phase == core.PhaseReduce {
			reduceStart = resume.CompletedStepIndex
		}
		session.Phase = core.PhaseReduce
		e.deps.Events.Emit(events.NewPhaseTransitioned(session.ID, core.PhaseMap, core.PhaseReduce))
		if _, err := e.seq.RunSteps(ctx, session.ID, wf.Reduce, execCtx, dir, reduceStart, onStepFor(core.PhaseReduce)); err != nil {
			session.Fail()
			return err
		}
		e.writeCheckpoint(ctx, session, wf, execCtx, core.PhaseMerge, 0, nil)
	}

	mergeStart := 0
	if resume != nil && resume.Phase == core.PhaseMerge {
		mergeStart = resume.CompletedStepIndex
	}
	session.Phase = core.PhaseMerge
	e.deps.Events.Emit(events.NewPhaseTransitioned(session.ID, core.PhaseReduce, core.PhaseMerge))
	bindMergeBindings(execCtx, session)
	if _, err := e.seq.RunSteps(ctx, session.ID, wf.Merge, execCtx, dir, mergeStart, onStepFor(core.PhaseMerge)); err != nil {
		session.Fail()
		return err
	}

	session.Complete()
	return e.finalize(ctx, session, wf, execCtx)
}

// bindMapStats exposes ${map.total}/${map.successful}/${map.failed}/
// ${map.success_rate} to the reduce phase (§4.3.4, §6.2).
func bindMapStats(ctx *core.ExecutionContext, stats core.MapStats) {
	ctx.ItemBindings["map"] = map[string]any{
		"total":       stats.Total,
		"successful":  stats.Successful,
		"failed":      stats.Failed,
		"success_rate": stats.SuccessRate,
	}
}

// bindMergeBindings exposes ${merge.source_branch}/${merge.target_branch}/
// ${merge.session_id} to the merge phase (§4.3.5, §6.2).
func bindMergeBindings(ctx *core.ExecutionContext, session *core.Session) {
	ctx.ItemBindings["merge"] = map[string]any{
		"source_branch": session.Worktree.Branch,
		"target_branch": session.OriginalBranch,
		"session_id":    session.ID,
	}
}

// finalize merges the parent worktree back into the session's original
// branch and removes it on overall success; on any failure the worktree
// is left in place for inspection (§4.3.5).
func (e *Engine) finalize(ctx context.Context, session *core.Session, wf *core.Workflow, execCtx *core.ExecutionContext) error {
	if session.Status != core.StatusCompleted {
		return nil
	}
	if err := e.deps.Git.Merge(ctx, session.Worktree.Path, session.Worktree.Branch, session.OriginalBranch); err != nil {
		return asDomainError(err)
	}
	if err := e.deps.Git.RemoveWorktree(ctx, session.Worktree.Path); err != nil {
		return core.ErrInternal("ENGINE_WORKTREE_CLEANUP_FAILED", err.Error()).WithSession(session.ID)
	}
	return nil
}

func (e *Engine) writeCheckpoint(ctx context.Context, session *core.Session, wf *core.Workflow, execCtx *core.ExecutionContext, phase core.Phase, completedStepIndex int, mapProgress *core.MapPhaseProgress) {
	cp := &core.Checkpoint{
		Version:            core.CurrentCheckpointVersion,
		SessionID:          session.ID,
		WorkflowHash:       workflowHash(wf),
		Phase:              phase,
		CompletedStepIndex: completedStepIndex,
		Context:            execCtx.Clone(),
		MapProgress:        mapProgress,
		Status:             session.Status,
		CreatedAt:          time.Now().UTC(),
	}
	if err := e.deps.Checkpoints.Save(ctx, cp); err != nil {
		e.deps.Logger.WithSession(session.ID).Warn("checkpoint save failed",
			"phase", phase, "completed_step_index", completedStepIndex, "error", err)
		return
	}
	e.deps.Events.Emit(events.NewCheckpointWritten(session.ID, completedStepIndex, phase))
}
