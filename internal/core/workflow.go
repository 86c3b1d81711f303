package core

import "fmt"

// SortSpec is one key of a map-phase sort specification (§6.1).
type SortSpec struct {
	Path        string `json:"path"`
	Order       string `json:"order"` // asc | desc
	NullPosition string `json:"null_position,omitempty"` // first | last
}

// MapSpec is the map section of a MapReduce workflow (§6.1).
type MapSpec struct {
	Input        string     `json:"input"`
	JSONPath     string     `json:"json_path"`
	Filter       string     `json:"filter,omitempty"`
	SortBy       []SortSpec `json:"sort_by,omitempty"`
	Offset       int        `json:"offset,omitempty"`
	MaxItems     int        `json:"max_items,omitempty"`
	Distinct     string     `json:"distinct,omitempty"`
	MaxParallel  int        `json:"max_parallel"`
	MaxRetries   int        `json:"max_retries,omitempty"`
	AgentTemplate []Step    `json:"agent_template"`
}

// Workflow is an immutable parsed program (§3). It is read-only once
// constructed; the engine never mutates a Workflow during execution.
type Workflow struct {
	Name    string            `json:"name"`
	Env     map[string]string `json:"env,omitempty"`
	Secrets map[string]string `json:"secrets,omitempty"`

	// Commands holds the linear step list for sequential workflows.
	// Mutually exclusive with Map/Setup/Reduce/Merge.
	Commands []Step `json:"commands,omitempty"`

	// MapReduce form.
	Setup  []Step  `json:"setup,omitempty"`
	Map    *MapSpec `json:"map,omitempty"`
	Reduce []Step  `json:"reduce,omitempty"`
	Merge  []Step  `json:"merge,omitempty"`

	// StopCondition, if set, makes Commands an iterative loop: after a
	// full pass the condition is re-evaluated and another pass runs if it
	// is still true.
	StopCondition string `json:"stop_condition,omitempty"`
}

// IsMapReduce reports whether this workflow uses the MapReduce form.
func (w *Workflow) IsMapReduce() bool { return w.Map != nil }

// Validate checks structural invariants common to both workflow forms.
func (w *Workflow) Validate() error {
	if w.Name == "" {
		return ErrValidationFailed("WORKFLOW_NAME_REQUIRED", "workflow name is required")
	}
	if w.IsMapReduce() && len(w.Commands) > 0 {
		return ErrValidationFailed("WORKFLOW_AMBIGUOUS_FORM", "workflow declares both commands and map; exactly one form is allowed")
	}
	if !w.IsMapReduce() && len(w.Commands) == 0 {
		return ErrValidationFailed("WORKFLOW_EMPTY", "workflow declares neither commands nor map")
	}
	allSteps := append(append(append(append([]Step{}, w.Commands...), w.Setup...), w.Reduce...), w.Merge...)
	if w.Map != nil {
		allSteps = append(allSteps, w.Map.AgentTemplate...)
	}
	for i, s := range allSteps {
		if err := s.Validate(); err != nil {
			return fmt.Errorf("step %d: %w", i, err)
		}
	}
	if w.Map != nil && w.Map.MaxParallel <= 0 {
		return ErrValidationFailed("MAP_MAX_PARALLEL_REQUIRED", "map.max_parallel must be positive")
	}
	return nil
}

// WorkflowStatus is the lifecycle state of a Session, not of the
// immutable Workflow value itself.
type WorkflowStatus string

const (
	StatusPending   WorkflowStatus = "pending"
	StatusRunning   WorkflowStatus = "running"
	StatusPaused    WorkflowStatus = "paused"
	StatusCompleted WorkflowStatus = "completed"
	StatusFailed    WorkflowStatus = "failed"
	StatusAborted   WorkflowStatus = "aborted"
)

// IsTerminal reports whether the status represents a final state.
func (s WorkflowStatus) IsTerminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusAborted:
		return true
	default:
		return false
	}
}
