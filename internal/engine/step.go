package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/hugo-lorenzo-mato/quorum-ai/internal/core"
	"github.com/hugo-lorenzo-mato/quorum-ai/internal/events"
	"github.com/hugo-lorenzo-mato/quorum-ai/internal/interp"
	"github.com/hugo-lorenzo-mato/quorum-ai/internal/retry"
)

// StepExecutor executes a single step end-to-end, producing a StepResult
// with the success semantics of §4.1. It is stateless with respect to its
// inputs: every side effect flows through the explicit Dependencies and
// the ExecutionContext passed to Execute.
//
// Grounded on the teacher's internal/service/workflow.go per-unit-of-work
// helper (runAnalysisWithAgent: retry-wrapped subprocess invocation with
// notify callback) and internal/service/retry.go's ExecuteWithNotify
// shape, now feeding internal/retry instead.
type StepExecutor struct {
	deps      Dependencies
	exprCache sync.Map // string -> *interp.Expr
}

// NewStepExecutor builds a StepExecutor over deps, filling unset fields
// with conservative defaults.
func NewStepExecutor(deps Dependencies) *StepExecutor {
	return &StepExecutor{deps: deps.WithDefaults()}
}

func (e *StepExecutor) compile(src string) (*interp.Expr, error) {
	if src == "" {
		return nil, nil
	}
	if v, ok := e.exprCache.Load(src); ok {
		return v.(*interp.Expr), nil
	}
	expr, err := interp.Compile(src)
	if err != nil {
		return nil, err
	}
	e.exprCache.Store(src, expr)
	return expr, nil
}

// Execute runs step to completion: skip check, interpolation, subprocess
// execution (wrapped in the step's retry policy), commit detection,
// output capture, validation, and on_success/on_failure dispatch (§4.1).
func (e *StepExecutor) Execute(ctx context.Context, sessionID string, step core.Step, execCtx *core.ExecutionContext, dir string) core.StepResult {
	if step.When != "" {
		expr, err := e.compile(step.When)
		if err != nil {
			return core.StepResult{StepID: step.ID, Error: asDomainError(err).WithStep(step.ID).WithSession(sessionID)}
		}
		ok, err := expr.EvalBool(execCtx)
		if err != nil {
			de := core.ErrInternal("EXPR_EVAL_FAILED", err.Error()).WithStep(step.ID).WithSession(sessionID)
			return core.StepResult{StepID: step.ID, Error: de}
		}
		if !ok {
			return core.StepResult{StepID: step.ID, Success: true, Skipped: true}
		}
	}

	var result core.StepResult
	handlerAttempts := 0
	for {
		result = e.runOnce(ctx, sessionID, step, execCtx, dir)
		if result.Success || result.Skipped {
			break
		}
		if len(step.OnFailure) == 0 {
			break
		}
		outcome := e.runFailureHandlers(ctx, sessionID, step, execCtx, dir, result)
		if outcome.skip {
			result.Success = true
			result.Skipped = true
			break
		}
		if outcome.retry && handlerAttempts < e.deps.MaxHandlerRetries {
			handlerAttempts++
			continue
		}
		break
	}

	if result.Success && !result.Skipped && len(step.OnSuccess) > 0 {
		e.runSuccessHandlers(ctx, sessionID, step, execCtx, dir)
	}

	e.deps.Events.Emit(events.NewStepCompleted(sessionID, result))
	return result
}

// runOnce performs algorithm steps 2-8 of §4.1 for a single pass: the
// handler-free core that Execute's handler-retry loop repeats. It is also
// used, undecorated, to run a step's nested Validate step.
func (e *StepExecutor) runOnce(ctx context.Context, sessionID string, step core.Step, execCtx *core.ExecutionContext, dir string) core.StepResult {
	e.deps.Events.Emit(events.NewStepStarted(sessionID, step.ID, step.Kind))

	command, err := interp.Interpolate(step.Command, execCtx)
	if err != nil {
		return core.StepResult{StepID: step.ID, Error: asDomainError(err).WithStep(step.ID).WithSession(sessionID)}
	}
	env := make(map[string]string, len(step.Env))
	for k, v := range step.Env {
		iv, err := interp.Interpolate(v, execCtx)
		if err != nil {
			return core.StepResult{StepID: step.ID, Error: asDomainError(err).WithStep(step.ID).WithSession(sessionID)}
		}
		env[k] = iv
	}

	var preHead string
	if e.deps.Git != nil {
		preHead, _ = e.deps.Git.HeadCommit(ctx, dir)
	}

	policy := retry.FromCore(step.Retry)
	var last core.RunResult
	attemptErr := retry.ExecuteWithNotify(ctx, policy, func(ctx context.Context, attempt int) error {
		res, err := e.deps.Subprocess.Run(ctx, e.buildRunOptions(step, command, env, dir))
		last = res
		if err != nil {
			return err
		}
		if res.ExitCode != 0 {
			return core.ErrExitNonZero("STEP_EXIT_NONZERO", fmt.Sprintf("command exited %d", res.ExitCode)).
				WithStep(step.ID).WithSession(sessionID)
		}
		return nil
	}, func(attempt int, err error, delay time.Duration) {
		kind, _ := core.GetKind(err)
		e.deps.Events.Emit(events.NewRetryAttempted(sessionID, step.ID, attempt, kind))
	})

	result := core.StepResult{
		StepID:            step.ID,
		ExitCode:          last.ExitCode,
		Stdout:            last.Stdout,
		Stderr:            last.Stderr,
		Duration:          last.Duration,
		StructuredLogPath: last.JSONLogPath,
	}

	if attemptErr != nil {
		result.Error = normalizeAttemptErr(attemptErr, step.ID, sessionID)
		return result
	}

	if e.deps.Git != nil {
		postHead, _ := e.deps.Git.HeadCommit(ctx, dir)
		if postHead != "" && postHead != preHead {
			commits, _ := e.deps.Git.CommitsBetween(ctx, dir, preHead, postHead)
			result.CreatedCommits = commits
		}
	}

	if step.CommitRequired && len(result.CreatedCommits) == 0 {
		result.Error = core.ErrMissingCommit("STEP_MISSING_COMMIT",
			"step required a commit but HEAD did not advance").WithStep(step.ID).WithSession(sessionID)
		return result
	}

	if err := captureOutput(execCtx, step.ID, last, step.Capture, dir); err != nil {
		result.Error = asDomainError(err).WithStep(step.ID).WithSession(sessionID)
		return result
	}

	if step.Validate != nil {
		vres := e.runOnce(ctx, sessionID, *step.Validate, execCtx, dir)
		if !vres.Success {
			result.Error = core.ErrValidationFailed("STEP_VALIDATION_FAILED",
				"validator step failed").WithStep(step.ID).WithSession(sessionID)
			return result
		}
	}

	result.Success = true
	return result
}

func (e *StepExecutor) buildRunOptions(step core.Step, command string, env map[string]string, dir string) core.RunOptions {
	timeout := time.Duration(step.TimeoutSecs) * time.Second
	if step.Kind == core.StepAgent {
		return core.RunOptions{Command: e.deps.AgentCommand, Args: []string{command}, Env: env, Dir: dir, Timeout: timeout}
	}
	return core.RunOptions{Command: e.deps.ShellPath, Args: []string{"-c", command}, Env: env, Dir: dir, Timeout: timeout}
}

type failureOutcome struct {
	retry bool
	skip  bool
}

// runFailureHandlers executes step.OnFailure in order with ${error.*}
// bound into execCtx (§4.6). A handler may request retry_step or skip;
// the outcome is the logical OR across the chain.
func (e *StepExecutor) runFailureHandlers(ctx context.Context, sessionID string, step core.Step, execCtx *core.ExecutionContext, dir string, failed core.StepResult) failureOutcome {
	restore := bindError(execCtx, failed)
	defer restore()

	var outcome failureOutcome
	for _, h := range step.OnFailure {
		e.Execute(ctx, sessionID, h.Step, execCtx, dir)
		if h.RetryStep {
			outcome.retry = true
		}
		if h.Skip {
			outcome.skip = true
		}
	}
	return outcome
}

func (e *StepExecutor) runSuccessHandlers(ctx context.Context, sessionID string, step core.Step, execCtx *core.ExecutionContext, dir string) {
	for _, h := range step.OnSuccess {
		e.Execute(ctx, sessionID, h.Step, execCtx, dir)
	}
}

// bindError binds ${error.kind}/${error.message}/${error.stderr}/
// ${error.exit_code} for the duration of a failure-handler chain (§6.2),
// returning a restore func that puts any prior "error" binding back.
func bindError(ctx *core.ExecutionContext, result core.StepResult) func() {
	prev, had := ctx.ItemBindings["error"]
	kind, msg := "", ""
	if result.Error != nil {
		kind = string(result.Error.Kind)
		msg = result.Error.Message
	}
	ctx.ItemBindings["error"] = map[string]any{
		"kind": kind, "message": msg, "stderr": result.Stderr, "exit_code": result.ExitCode,
	}
	return func() {
		if had {
			ctx.ItemBindings["error"] = prev
		} else {
			delete(ctx.ItemBindings, "error")
		}
	}
}

func asDomainError(err error) *core.DomainError {
	var de *core.DomainError
	if errors.As(err, &de) {
		return de
	}
	if err == nil {
		return core.ErrInternal("UNKNOWN_ERROR", "nil error")
	}
	return core.ErrInternal("UNKNOWN_ERROR", err.Error())
}

// normalizeAttemptErr unwraps a retry.ExhaustedError to the last
// DomainError it carried, or wraps context cancellation as an Interrupt,
// so callers always see a DomainError with a deterministic Kind (§4.6,
// §9: "Recovery decisions inspect the kind, never the message text").
func normalizeAttemptErr(err error, stepID, sessionID string) *core.DomainError {
	var exhausted *retry.ExhaustedError
	if errors.As(err, &exhausted) {
		return asDomainError(exhausted.LastErr).WithStep(stepID).WithSession(sessionID)
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return core.ErrInterrupt("STEP_INTERRUPTED", "step interrupted").WithStep(stepID).WithSession(sessionID)
	}
	return asDomainError(err).WithStep(stepID).WithSession(sessionID)
}
