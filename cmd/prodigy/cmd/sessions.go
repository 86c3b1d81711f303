package cmd

import (
	"context"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"
)

var sessionsCmd = &cobra.Command{
	Use:   "sessions",
	Short: "List checkpointed sessions",
	RunE:  runSessions,
}

var sessionsRmID string

var sessionsRmCmd = &cobra.Command{
	Use:   "rm <session-id>",
	Short: "Delete a session's checkpoint",
	Args:  cobra.ExactArgs(1),
	RunE:  runSessionsRm,
}

func init() {
	rootCmd.AddCommand(sessionsCmd)
	sessionsCmd.AddCommand(sessionsRmCmd)
}

func runSessions(_ *cobra.Command, _ []string) error {
	cfg, err := loadEngineConfig()
	if err != nil {
		return err
	}
	store, err := buildCheckpointStore(cfg.Checkpoint)
	if err != nil {
		return err
	}

	summaries, err := store.List(context.Background())
	if err != nil {
		return fmt.Errorf("listing sessions: %w", err)
	}
	if len(summaries) == 0 {
		fmt.Println("no sessions")
		return nil
	}

	tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "SESSION\tSTATUS\tPHASE\tUPDATED")
	for _, s := range summaries {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", s.SessionID, s.Status, s.Phase, s.UpdatedAt.Format("2006-01-02 15:04:05"))
	}
	return tw.Flush()
}

func runSessionsRm(_ *cobra.Command, args []string) error {
	cfg, err := loadEngineConfig()
	if err != nil {
		return err
	}
	store, err := buildCheckpointStore(cfg.Checkpoint)
	if err != nil {
		return err
	}
	if err := store.Delete(context.Background(), args[0]); err != nil {
		return fmt.Errorf("deleting session %s: %w", args[0], err)
	}
	fmt.Printf("deleted session %s\n", args[0])
	return nil
}
