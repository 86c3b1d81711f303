package core

import (
	"time"

	"github.com/google/uuid"
)

// Phase is a stage of workflow execution. For MapReduce workflows the
// phase sequence is Setup -> Map -> Reduce -> Merge; for sequential
// workflows there is a single implicit Commands phase.
type Phase string

const (
	PhaseSetup    Phase = "setup"
	PhaseMap      Phase = "map"
	PhaseReduce   Phase = "reduce"
	PhaseMerge    Phase = "merge"
	PhaseCommands Phase = "commands"
)

// Session is one execution instance of a Workflow (§3). It owns exactly
// one parent Worktree for its lifetime (invariant 1).
type Session struct {
	ID             string         `json:"id"`
	WorkflowName   string         `json:"workflow_name"`
	OriginalBranch string         `json:"original_branch"`
	Worktree       Worktree       `json:"worktree"`
	StartedAt      time.Time      `json:"started_at"`
	Phase          Phase          `json:"phase"`
	Status         WorkflowStatus `json:"status"`
	Args           []string       `json:"args,omitempty"`
}

// NewSession creates a fresh Session with a generated id.
func NewSession(workflowName, originalBranch string, wt Worktree, args []string) *Session {
	return &Session{
		ID:             uuid.NewString(),
		WorkflowName:   workflowName,
		OriginalBranch: originalBranch,
		Worktree:       wt,
		StartedAt:      time.Now().UTC(),
		Phase:          PhaseCommands,
		Status:         StatusPending,
		Args:           args,
	}
}

// Start transitions the session into the running state.
func (s *Session) Start() { s.Status = StatusRunning }

// Complete transitions the session into the completed state.
func (s *Session) Complete() { s.Status = StatusCompleted }

// Fail transitions the session into the failed state.
func (s *Session) Fail() { s.Status = StatusFailed }

// Abort transitions the session into the aborted state (interrupt path).
func (s *Session) Abort() { s.Status = StatusAborted }

// IsTerminal reports whether the session has reached a final status.
func (s *Session) IsTerminal() bool { return s.Status.IsTerminal() }
