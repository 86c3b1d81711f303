package engine

import (
	"time"

	"github.com/hugo-lorenzo-mato/quorum-ai/internal/core"
	"github.com/hugo-lorenzo-mato/quorum-ai/internal/events"
	"github.com/hugo-lorenzo-mato/quorum-ai/internal/logging"
)

// Dependencies are the narrow capability interfaces the engine depends on
// (§9: "trait-object dependency injection of the subprocess/git/storage
// layers"). Concrete backends are selected at session construction and
// passed by value here; the engine holds no module-level singleton.
type Dependencies struct {
	Subprocess  core.Subprocess
	Git         core.GitClient
	Checkpoints core.CheckpointStore
	Events      core.EventSink
	Logger      *logging.Logger

	// ShellPath is the interpreter used for shell/test/goal_seek/foreach/
	// handler steps: invoked as "<ShellPath> -c <interpolated command>".
	ShellPath string
	// AgentCommand is the opaque AI-agent binary invoked for "claude"-kind
	// steps, receiving the interpolated command as its sole argument
	// (§6.4: the agent is invoked as an opaque command).
	AgentCommand string

	// InterruptGracePeriod is carried for callers that build the interrupt
	// context pair (see NewInterruptContext); the engine's own execution
	// does not read it. A cancelled step context kills its subprocess at
	// once with SIGKILL; no SIGTERM is sent first.
	InterruptGracePeriod time.Duration

	// MaxHandlerRetries bounds how many times an on_failure handler chain
	// may request retry_step for the same step invocation before the
	// engine gives up and leaves the step failed. Spec.md does not pin
	// this bound explicitly; it only requires retry policies themselves
	// to be bounded (§4.6) and handler retry is a distinct mechanism, so
	// a conservative default closes the loop.
	MaxHandlerRetries int
}

// WithDefaults fills unset fields with the engine's conservative
// defaults, mirroring the teacher's functional-options-with-fallback
// pattern in internal/service/retry.go's DefaultRetryPolicy.
func (d Dependencies) WithDefaults() Dependencies {
	if d.ShellPath == "" {
		d.ShellPath = "sh"
	}
	if d.AgentCommand == "" {
		d.AgentCommand = "claude"
	}
	if d.InterruptGracePeriod <= 0 {
		d.InterruptGracePeriod = 10 * time.Second
	}
	if d.MaxHandlerRetries <= 0 {
		d.MaxHandlerRetries = 3
	}
	if d.Logger == nil {
		d.Logger = logging.NewNop()
	}
	if d.Events == nil {
		d.Events = events.New(256)
	}
	return d
}
