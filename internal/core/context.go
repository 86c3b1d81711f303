package core

// ExecutionContext is the variable scope visible to one step (§3, §4.4).
// Scopes are listed here highest-precedence first; resolution logic lives
// in package interp, which treats this struct as its backing store so a
// Checkpoint can snapshot it directly.
type ExecutionContext struct {
	// StepOutputs holds captured per-step outputs, keyed by step id then
	// by output name ("stdout", "exit_code", "duration_ms", or a named
	// capture). Highest precedence.
	StepOutputs map[string]map[string]any `json:"step_outputs,omitempty"`

	// ItemBindings holds map-phase loop bindings (item.*, ITEM_INDEX) and,
	// during the merge phase, merge.*. Second precedence.
	ItemBindings map[string]any `json:"item_bindings,omitempty"`

	// WorkflowEnv holds the workflow's declared env plus resolved
	// positional arguments and secrets (secrets win over a same-named
	// plaintext env entry, per the SPEC_FULL.md decision). Third
	// precedence.
	WorkflowEnv map[string]any `json:"workflow_env,omitempty"`

	// HostEnv holds an explicit allow-listed subset of the process
	// environment. Lowest precedence.
	HostEnv map[string]any `json:"host_env,omitempty"`
}

// NewExecutionContext returns an empty, ready-to-use context.
func NewExecutionContext() *ExecutionContext {
	return &ExecutionContext{
		StepOutputs:  make(map[string]map[string]any),
		ItemBindings: make(map[string]any),
		WorkflowEnv:  make(map[string]any),
		HostEnv:      make(map[string]any),
	}
}

// Clone returns a deep-enough copy suitable for handing to a map agent as
// an immutable snapshot (§5: "Context snapshots handed to map agents are
// immutable clones").
func (c *ExecutionContext) Clone() *ExecutionContext {
	clone := NewExecutionContext()
	for step, outputs := range c.StepOutputs {
		m := make(map[string]any, len(outputs))
		for k, v := range outputs {
			m[k] = v
		}
		clone.StepOutputs[step] = m
	}
	for k, v := range c.ItemBindings {
		clone.ItemBindings[k] = v
	}
	for k, v := range c.WorkflowEnv {
		clone.WorkflowEnv[k] = v
	}
	for k, v := range c.HostEnv {
		clone.HostEnv[k] = v
	}
	return clone
}

// SetStepOutput records a named output under a step id.
func (c *ExecutionContext) SetStepOutput(stepID, name string, value any) {
	if c.StepOutputs == nil {
		c.StepOutputs = make(map[string]map[string]any)
	}
	if c.StepOutputs[stepID] == nil {
		c.StepOutputs[stepID] = make(map[string]any)
	}
	c.StepOutputs[stepID][name] = value
}
