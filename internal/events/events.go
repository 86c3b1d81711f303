package events

import (
	"time"

	"github.com/hugo-lorenzo-mato/quorum-ai/internal/core"
)

func base(typ, sessionID string, sev Severity) BaseEvent {
	return BaseEvent{Type: typ, Time: time.Now().UTC(), Session: sessionID, Seq: nextSeq(), Sev: sev}
}

// Severity returns the event's backpressure severity; used by Bus.Emit.
func (e BaseEvent) Severity() Severity { return e.Sev }

// StepStarted is emitted when the step executor begins a step.
type StepStarted struct {
	BaseEvent
	StepID string
	Kind   core.StepKind
}

func NewStepStarted(sessionID, stepID string, kind core.StepKind) StepStarted {
	return StepStarted{base("step_started", sessionID, SeverityInfo), stepID, kind}
}

// StepCompleted is emitted when the step executor finishes a step.
type StepCompleted struct {
	BaseEvent
	StepID  string
	Success bool
	Skipped bool
}

func NewStepCompleted(sessionID string, r core.StepResult) StepCompleted {
	sev := SeverityInfo
	if r.Failed() {
		sev = SeverityWarn
	}
	return StepCompleted{base("step_completed", sessionID, sev), r.StepID, r.Success, r.Skipped}
}

// PhaseTransitioned is emitted on a phase change.
type PhaseTransitioned struct {
	BaseEvent
	From core.Phase
	To   core.Phase
}

func NewPhaseTransitioned(sessionID string, from, to core.Phase) PhaseTransitioned {
	return PhaseTransitioned{base("phase_transitioned", sessionID, SeverityInfo), from, to}
}

// RetryAttempted is emitted for each retry attempt of a step.
type RetryAttempted struct {
	BaseEvent
	StepID  string
	Attempt int
	Kind    core.ErrorKind
}

func NewRetryAttempted(sessionID, stepID string, attempt int, kind core.ErrorKind) RetryAttempted {
	return RetryAttempted{base("retry_attempted", sessionID, SeverityWarn), stepID, attempt, kind}
}

// CheckpointWritten is emitted after a successful checkpoint save.
type CheckpointWritten struct {
	BaseEvent
	CompletedStepIndex int
	Phase              core.Phase
}

func NewCheckpointWritten(sessionID string, idx int, phase core.Phase) CheckpointWritten {
	return CheckpointWritten{base("checkpoint_written", sessionID, SeverityInfo), idx, phase}
}

// WorkItemEnqueued is emitted when a work item enters the map queue.
type WorkItemEnqueued struct {
	BaseEvent
	WorkItemID string
}

func NewWorkItemEnqueued(sessionID, workItemID string) WorkItemEnqueued {
	return WorkItemEnqueued{base("work_item_enqueued", sessionID, SeverityInfo), workItemID}
}

// WorkItemCompleted is emitted when a map agent finishes a work item.
type WorkItemCompleted struct {
	BaseEvent
	WorkItemID string
	Success    bool
}

func NewWorkItemCompleted(sessionID, workItemID string, success bool) WorkItemCompleted {
	sev := SeverityInfo
	if !success {
		sev = SeverityWarn
	}
	return WorkItemCompleted{base("work_item_completed", sessionID, sev), workItemID, success}
}

// WorkItemDLQd is emitted when a work item's retries are exhausted.
type WorkItemDLQd struct {
	BaseEvent
	WorkItemID string
	Kind       core.ErrorKind
}

func NewWorkItemDLQd(sessionID, workItemID string, kind core.ErrorKind) WorkItemDLQd {
	return WorkItemDLQd{base("work_item_dlq", sessionID, SeverityError), workItemID, kind}
}
