package engine

import (
	"context"

	"github.com/hugo-lorenzo-mato/quorum-ai/internal/core"
)

// maxStopConditionIterations bounds the Commands/StopCondition re-run
// loop so a stop_condition expression that never evaluates true cannot
// spin the engine forever.
const maxStopConditionIterations = 1000

// SequentialExecutor runs an ordered list of steps against a shared
// ExecutionContext, stopping at the first unrecovered failure. It also
// drives the top-level Commands/StopCondition loop (§4.2).
//
// Grounded on the teacher's internal/service/workflow.go RunWorkflow loop
// (sequential task iteration with early-exit on error), generalized from
// a fixed DAG of tasks to an ordered, interpolated Step list.
type SequentialExecutor struct {
	step *StepExecutor
	deps Dependencies
}

// NewSequentialExecutor builds a SequentialExecutor over deps.
func NewSequentialExecutor(deps Dependencies) *SequentialExecutor {
	deps = deps.WithDefaults()
	return &SequentialExecutor{step: NewStepExecutor(deps), deps: deps}
}

// RunSteps executes steps in order against execCtx, skipping any step
// whose index is below startIndex (steps already committed before a
// resumed interruption, §4.5), and returns every StepResult produced so
// far plus the first unrecovered error, if any. onStep, when non-nil, is
// called with the index just past the most recently completed step after
// every successful step transition, so a caller can checkpoint per step
// (§4.2 algorithm step 2, §4.5) rather than once per whole phase.
func (s *SequentialExecutor) RunSteps(ctx context.Context, sessionID string, steps []core.Step, execCtx *core.ExecutionContext, dir string, startIndex int, onStep func(completedIndex int)) ([]core.StepResult, error) {
	results := make([]core.StepResult, 0, len(steps))
	for i, step := range steps {
		if i < startIndex {
			continue
		}
		if err := ctx.Err(); err != nil {
			return results, err
		}
		res := s.step.Execute(ctx, sessionID, step, execCtx, dir)
		results = append(results, res)
		if res.Failed() {
			return results, res.Error
		}
		if onStep != nil {
			onStep(i + 1)
		}
	}
	return results, nil
}

// RunWorkflowCommands runs wf.Commands once, starting at startIndex (set
// to a nonzero value only on the very first pass of a resumed session, so
// already-completed steps are not re-run, §4.5), then, while
// wf.StopCondition is set and evaluates false against execCtx, runs them
// again from the start — the top-level iterative loop (§4.2). A workflow
// with no StopCondition runs Commands exactly once.
func (s *SequentialExecutor) RunWorkflowCommands(ctx context.Context, sessionID string, wf *core.Workflow, execCtx *core.ExecutionContext, dir string, startIndex int, onStep func(completedIndex int)) ([]core.StepResult, error) {
	var all []core.StepResult
	for iter := 0; iter < maxStopConditionIterations; iter++ {
		results, err := s.RunSteps(ctx, sessionID, wf.Commands, execCtx, dir, startIndex, onStep)
		startIndex = 0
		all = append(all, results...)
		if err != nil {
			return all, err
		}
		if wf.StopCondition == "" {
			return all, nil
		}
		expr, cerr := s.step.compile(wf.StopCondition)
		if cerr != nil {
			return all, core.ErrValidationFailed("STOP_CONDITION_INVALID", cerr.Error()).WithSession(sessionID)
		}
		stop, eerr := expr.EvalBool(execCtx)
		if eerr != nil {
			return all, core.ErrValidationFailed("STOP_CONDITION_EVAL_FAILED", eerr.Error()).WithSession(sessionID)
		}
		if stop {
			return all, nil
		}
	}
	return all, core.ErrValidationFailed("STOP_CONDITION_NEVER_SATISFIED",
		"stop_condition did not evaluate true within the iteration bound").WithSession(sessionID)
}
