package engine

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/hugo-lorenzo-mato/quorum-ai/internal/core"
	"github.com/hugo-lorenzo-mato/quorum-ai/internal/events"
)

// Coordinator runs the map phase of a MapReduce workflow: a bounded pool
// of per-item worktrees running the same agent template in parallel, with
// retry-then-DLQ handling and serialized merge-back into the parent
// worktree (§4.3).
//
// Grounded on the donor's internal/service/workflow.go worker-pool shape
// (golang.org/x/sync/errgroup with SetLimit bounding concurrency). A
// retried item is resubmitted through the same errgroup from a detached
// goroutine rather than the finishing worker calling Go itself, since a
// worker occupying the last of a bounded errgroup's slots would deadlock
// waiting on a slot to open for its own retry.
type Coordinator struct {
	step *SequentialExecutor
	deps Dependencies
}

// NewCoordinator builds a Coordinator over deps.
func NewCoordinator(deps Dependencies) *Coordinator {
	deps = deps.WithDefaults()
	return &Coordinator{step: NewSequentialExecutor(deps), deps: deps}
}

// mapRun carries the shared, mutex-protected state of one RunMap call.
type mapRun struct {
	mu       sync.Mutex
	mergeMu  sync.Mutex
	progress core.MapPhaseProgress
	index    map[string]int
}

// takeInFlight moves item from Pending to InFlight, for checkpoint
// snapshots that distinguish queued work from work a worker is actively
// running (§4.5).
func (r *mapRun) takeInFlight(item core.WorkItem) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.progress.Pending = removeItemByID(r.progress.Pending, item.ID)
	r.progress.InFlight = append(r.progress.InFlight, item)
}

// releaseInFlight removes item from InFlight; callers add it to
// Completed, DLQ, or back onto Pending afterward as appropriate.
func (r *mapRun) releaseInFlight(itemID string) {
	r.progress.InFlight = removeItemByID(r.progress.InFlight, itemID)
}

func removeItemByID(list []core.WorkItem, id string) []core.WorkItem {
	out := make([]core.WorkItem, 0, len(list))
	for _, it := range list {
		if it.ID != id {
			out = append(out, it)
		}
	}
	return out
}

// RunMap ingests, then executes, the map phase described by mapSpec
// against parentWT, resuming from an existing progress snapshot when one
// is supplied (resume-after-interrupt, §4.5). It returns the final
// progress (Completed + DLQ, Pending/InFlight always empty on a clean
// return) and the aggregate stats are left for the caller to compute via
// core.ComputeMapStats.
func (c *Coordinator) RunMap(ctx context.Context, sessionID string, mapSpec *core.MapSpec, baseExecCtx *core.ExecutionContext, parentWT core.Worktree, resume *core.MapPhaseProgress, onProgress func(core.MapPhaseProgress)) (*core.MapPhaseProgress, error) {
	items, err := ingestWorkItems(parentWT.Path, mapSpec, baseExecCtx)
	if err != nil {
		return nil, err
	}

	run := &mapRun{index: make(map[string]int, len(items))}
	for i, it := range items {
		run.index[it.ID] = i
	}
	if resume != nil {
		run.progress = *resume
		items = append(append([]core.WorkItem{}, resume.Pending...), resume.InFlight...)
	}
	run.progress.Pending = append([]core.WorkItem{}, items...)

	parallel := mapSpec.MaxParallel
	if parallel <= 0 {
		parallel = 1
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(parallel)

	// pending tracks items not yet both started and finished, including
	// ones still being handed back to the errgroup after a retry, so the
	// outer wait can't return early while a requeue is in flight.
	var pending sync.WaitGroup

	var submit func(core.WorkItem)
	submit = func(item core.WorkItem) {
		g.Go(func() error {
			defer pending.Done()
			run.takeInFlight(item)
			c.processItem(gctx, sessionID, mapSpec, baseExecCtx, parentWT, run, item, func(retryItem core.WorkItem) {
				pending.Add(1)
				go submit(retryItem)
			})
			if onProgress != nil {
				run.mu.Lock()
				snapshot := run.progress
				run.mu.Unlock()
				onProgress(snapshot)
			}
			return nil
		})
	}

	pending.Add(len(items))
	for _, it := range items {
		c.deps.Events.Emit(events.NewWorkItemEnqueued(sessionID, it.ID))
		submit(it)
	}

	done := make(chan struct{})
	go func() {
		pending.Wait()
		close(done)
	}()

	var runErr error
	select {
	case <-done:
	case <-ctx.Done():
		runErr = ctx.Err()
	}
	_ = g.Wait()

	run.mu.Lock()
	final := run.progress
	run.mu.Unlock()
	return &final, runErr
}

func (c *Coordinator) processItem(ctx context.Context, sessionID string, mapSpec *core.MapSpec, baseExecCtx *core.ExecutionContext, parentWT core.Worktree, run *mapRun, item core.WorkItem, requeue func(core.WorkItem)) {
	start := time.Now()

	if err := ctx.Err(); err != nil {
		c.recordOutcome(sessionID, run, item, core.AgentResult{
			AgentID: "agent-" + item.ID, WorkItemID: item.ID,
			Error: core.ErrInterrupt("MAP_ITEM_INTERRUPTED", "map phase interrupted").WithSession(sessionID),
			ItemIndex: run.index[item.ID], Duration: time.Since(start),
		}, requeue)
		return
	}

	itemWT, err := c.deps.Git.CreateWorktree(ctx, parentWT.Path, itemWorktreePath(parentWT.Path, item.ID), itemBranch(parentWT.Branch, item.ID))
	if err != nil {
		c.recordOutcome(sessionID, run, item, core.AgentResult{
			AgentID: "agent-" + item.ID, WorkItemID: item.ID,
			Error: core.ErrInternal("MAP_WORKTREE_CREATE_FAILED", err.Error()).WithSession(sessionID),
			ItemIndex: run.index[item.ID], Duration: time.Since(start),
		}, requeue)
		return
	}

	itemCtx := baseExecCtx.Clone()
	itemCtx.ItemBindings["item"] = item.Value
	itemCtx.ItemBindings["ITEM_INDEX"] = run.index[item.ID]

	results, runErr := c.step.RunSteps(ctx, sessionID, mapSpec.AgentTemplate, itemCtx, itemWT.Path, 0, nil)

	var stepErr *core.DomainError
	if runErr != nil {
		stepErr = asDomainError(runErr)
	}

	if stepErr == nil {
		run.mergeMu.Lock()
		mergeErr := c.deps.Git.Merge(ctx, parentWT.Path, itemWT.Branch, parentWT.Branch)
		run.mergeMu.Unlock()
		if mergeErr != nil {
			stepErr = asDomainError(mergeErr)
		}
	}

	_ = c.deps.Git.RemoveWorktree(ctx, itemWT.Path)

	output := ""
	if len(results) > 0 {
		output = results[len(results)-1].Stdout
	}

	result := core.AgentResult{
		AgentID:    "agent-" + item.ID,
		WorkItemID: item.ID,
		Success:    stepErr == nil,
		Output:     output,
		Duration:   time.Since(start),
		Error:      stepErr,
		ItemIndex:  run.index[item.ID],
	}
	c.recordOutcome(sessionID, run, item, result, requeue)
}

// recordOutcome applies a finished attempt's result: on success it joins
// Completed; on failure it either requeues through the errgroup (via a
// detached goroutine, so the caller's own worker slot never blocks
// waiting on a slot it is itself occupying) or moves to DLQ with the
// item's full accumulated attempt history.
func (c *Coordinator) recordOutcome(sessionID string, run *mapRun, item core.WorkItem, result core.AgentResult, requeue func(core.WorkItem)) {
	if result.Success {
		run.mu.Lock()
		run.releaseInFlight(item.ID)
		run.progress.Completed = append(run.progress.Completed, result)
		run.mu.Unlock()
		c.deps.Events.Emit(events.NewWorkItemCompleted(sessionID, item.ID, true))
		return
	}

	retryItem := item
	retryItem.Attempt++
	retryItem.History = append(append([]core.AttemptRecord{}, item.History...), core.AttemptRecord{
		Attempt: retryItem.Attempt, Timestamp: time.Now(), Error: result.Error,
	})
	if retryItem.CanRetry() {
		run.mu.Lock()
		run.releaseInFlight(item.ID)
		run.progress.Pending = append(run.progress.Pending, retryItem)
		run.mu.Unlock()
		requeue(retryItem)
		kind := core.ErrorKind("")
		if result.Error != nil {
			kind = result.Error.Kind
		}
		c.deps.Events.Emit(events.NewRetryAttempted(sessionID, item.ID, retryItem.Attempt, kind))
		return
	}

	run.mu.Lock()
	run.releaseInFlight(item.ID)
	run.progress.DLQ = append(run.progress.DLQ, core.DLQItem{
		WorkItem:   retryItem,
		FinalError: result.Error,
		History:    retryItem.History,
	})
	run.mu.Unlock()
	kind := core.ErrorKind("")
	if result.Error != nil {
		kind = result.Error.Kind
	}
	c.deps.Events.Emit(events.NewWorkItemDLQd(sessionID, item.ID, kind))
}

func itemWorktreePath(parentPath, itemID string) string {
	return filepath.Join(filepath.Dir(parentPath), fmt.Sprintf("%s-item-%s", filepath.Base(parentPath), itemID))
}

func itemBranch(parentBranch, itemID string) string {
	return fmt.Sprintf("%s/item-%s", parentBranch, itemID)
}
