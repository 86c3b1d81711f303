package cmd

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/hugo-lorenzo-mato/quorum-ai/internal/core"
	"github.com/hugo-lorenzo-mato/quorum-ai/internal/engine"
)

var resumeWorkflowPath string

var resumeCmd = &cobra.Command{
	Use:   "resume <session-id> [workflow.yaml]",
	Short: "Resume an interrupted session from its last checkpoint",
	Long: `Resume reloads a session's last checkpoint and continues from the
first uncompleted step (or, for a MapReduce workflow, re-enqueues any
work items still Pending or InFlight when the session stopped). The
workflow document must hash identically to the one the session started
with.`,
	Args: cobra.RangeArgs(1, 2),
	RunE: runResume,
}

func init() {
	rootCmd.AddCommand(resumeCmd)
	resumeCmd.Flags().StringVarP(&resumeWorkflowPath, "workflow", "w", "",
		"path to the workflow document (defaults to the second positional argument)")
}

func runResume(_ *cobra.Command, args []string) error {
	sessionID := args[0]
	workflowPath := resumeWorkflowPath
	if workflowPath == "" && len(args) > 1 {
		workflowPath = args[1]
	}
	if workflowPath == "" {
		return fmt.Errorf("a workflow document is required: pass it as the second argument or via --workflow")
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

	graceful, _, stop := engine.NewInterruptContext(context.Background(), cfg.Engine.InterruptGracePeriod)
	defer stop()

	repoRoot, err := os.Getwd()
	if err != nil {
		return fmt.Errorf("resolving working directory: %w", err)
	}

	eng := engine.New(deps)
	session, err := eng.Resume(graceful, sessionID, wf, engine.StartOptions{
		RepoRoot: repoRoot,
		HostEnv:  filteredHostEnv(),
	})
	if err != nil {
		return fmt.Errorf("resuming session %s: %w", sessionID, err)
	}

	fmt.Printf("session %s finished with status %s\n", session.ID, session.Status)
	if session.Status != core.StatusCompleted {
		os.Exit(1)
	}
	return nil
}
