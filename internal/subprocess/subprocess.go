// Package subprocess is the uniform command-execution layer (§2 layer 1,
// §6.4 Subprocess trait) used for shell steps, AI-agent steps, and test
// steps. It never builds a command line by string interpolation: Command
// and Args are passed straight to exec.CommandContext.
//
// Grounded on the donor's internal/adapters/git/client.go run/runWithOutput
// pattern: exec.CommandContext, context-timeout mapped to a typed timeout
// error, captured stdout/stderr via buffers rather than os.Pipe plumbing.
package subprocess

import (
	"bytes"
	"context"
	"errors"
	"os/exec"
	"strings"
	"time"

	"github.com/hugo-lorenzo-mato/quorum-ai/internal/core"
)

// Runner implements core.Subprocess using os/exec.
type Runner struct{}

// NewRunner creates a Runner.
func NewRunner() *Runner { return &Runner{} }

// Run executes opts.Command with opts.Args, honoring opts.Timeout via
// context cancellation, and returns a RunResult describing the outcome.
// Run itself never returns an error for a nonzero exit — that is a
// RunResult with a nonzero ExitCode; Run only returns an error when the
// process could not be spawned at all (classified core.KindSpawn) or the
// timeout elapsed (classified core.KindTimeout).
func (r *Runner) Run(ctx context.Context, opts core.RunOptions) (core.RunResult, error) {
	runCtx := ctx
	var cancel context.CancelFunc
	if opts.Timeout > 0 {
		runCtx, cancel = context.WithTimeout(ctx, opts.Timeout)
		defer cancel()
	}

	cmd := exec.CommandContext(runCtx, opts.Command, opts.Args...)
	cmd.Dir = opts.Dir
	if len(opts.Env) > 0 {
		env := cmd.Environ()
		for k, v := range opts.Env {
			env = append(env, k+"="+v)
		}
		cmd.Env = env
	}
	if opts.Stdin != "" {
		cmd.Stdin = strings.NewReader(opts.Stdin)
	}

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	start := time.Now()
	err := cmd.Run()
	duration := time.Since(start)

	result := core.RunResult{
		Stdout:   stdout.String(),
		Stderr:   stderr.String(),
		Duration: duration,
	}

	if err == nil {
		result.ExitCode = 0
		return result, nil
	}

	if errors.Is(runCtx.Err(), context.DeadlineExceeded) {
		return result, core.ErrTimeout("SUBPROCESS_TIMEOUT", "command timed out: "+opts.Command).
			WithDetail("command", opts.Command)
	}

	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		result.ExitCode = exitErr.ExitCode()
		return result, nil
	}

	return result, core.ErrSpawn("SUBPROCESS_SPAWN_FAILED", "could not spawn command: "+opts.Command).
		WithCause(err).WithDetail("command", opts.Command)
}

var _ core.Subprocess = (*Runner)(nil)
