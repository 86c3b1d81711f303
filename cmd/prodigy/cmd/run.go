package cmd

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/hugo-lorenzo-mato/quorum-ai/internal/core"
	"github.com/hugo-lorenzo-mato/quorum-ai/internal/engine"
)

var runWorkflowPath string

var runCmd = &cobra.Command{
	Use:   "run [workflow.yaml] [args...]",
	Short: "Run a workflow against the current repository",
	Long: `Run loads a workflow document, opens a fresh session worktree off the
current branch, and executes the workflow's setup/map/reduce/merge
phases (or its flat command list), checkpointing after every step so an
interruption can be resumed with "prodigy resume".`,
	Args: cobra.MinimumNArgs(1),
	RunE: runRun,
}

func init() {
	rootCmd.AddCommand(runCmd)
	runCmd.Flags().StringVarP(&runWorkflowPath, "workflow", "w", "",
		"path to the workflow document (defaults to the first positional argument)")
}

func runRun(_ *cobra.Command, args []string) error {
	workflowPath := runWorkflowPath
	workflowArgs := args
	if workflowPath == "" {
		workflowPath = args[0]
		workflowArgs = args[1:]
	}

	wf, err := loadWorkflow(workflowPath)
	if err != nil {
		return err
	}

	cfg, err := loadEngineConfig()
	if err != nil {
		return err
	}
	deps, err := buildDependencies(cfg)
	if err != nil {
		return err
	}

	graceful, forced, stop := engine.NewInterruptContext(context.Background(), cfg.Engine.InterruptGracePeriod)
	defer stop()
	go func() {
		<-forced.Done()
		if graceful.Err() != nil {
			fmt.Fprintln(os.Stderr, "\nforced shutdown: a step did not exit within the interrupt grace period")
		}
	}()

	repoRoot, err := os.Getwd()
	if err != nil {
		return fmt.Errorf("resolving working directory: %w", err)
	}

	eng := engine.New(deps)
	session, err := eng.Start(graceful, wf, engine.StartOptions{
		RepoRoot: repoRoot,
		Args:     workflowArgs,
		HostEnv:  filteredHostEnv(),
	})
	if err != nil {
		return fmt.Errorf("running workflow: %w", err)
	}

	fmt.Printf("session %s finished with status %s\n", session.ID, session.Status)
	if session.Status != core.StatusCompleted {
		os.Exit(1)
	}
	return nil
}

// filteredHostEnv exposes the process environment to workflow
// interpolation (§4.4's lowest-precedence HostEnv scope). The engine
// performs no allow-listing of its own, so callers that need to
// restrict which host variables a workflow can see should narrow this
// set before passing it on.
func filteredHostEnv() map[string]string {
	env := os.Environ()
	out := make(map[string]string, len(env))
	for _, kv := range env {
		for i := 0; i < len(kv); i++ {
			if kv[i] == '=' {
				out[kv[:i]] = kv[i+1:]
				break
			}
		}
	}
	return out
}
