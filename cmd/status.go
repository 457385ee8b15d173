package cmd

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/quillforge/restyle/internal/store"
)

var showChanges bool

var statusCmd = &cobra.Command{
	Use:   "status [session-id]",
	Short: "Show run statistics or one session's detail",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		st, err := store.Open(cfg.Store.Path)
		if err != nil {
			return err
		}
		defer st.Close()

		ctx := context.Background()

		if len(args) == 1 {
			return printSession(ctx, st, args[0])
		}

		stats, err := st.GetStats(ctx)
		if err != nil {
			return err
		}

		fmt.Println("Sessions:")
		for _, status := range []string{store.StatusQueued, store.StatusProcessing, store.StatusCompleted, store.StatusFailed, store.StatusCancelled} {
			if n := stats.Sessions[status]; n > 0 {
				fmt.Printf("  %-11s %d\n", status, n)
			}
		}
		fmt.Printf("Segments:    %d\n", stats.Segments)
		fmt.Printf("Change logs: %d\n", stats.ChangeLogs)
		return nil
	},
}

func printSession(ctx context.Context, st *store.Store, id string) error {
	sess, err := st.GetSession(ctx, id)
	if err != nil {
		return err
	}

	fmt.Printf("Session:  %s\n", sess.ID)
	fmt.Printf("Mode:     %s\n", sess.Mode)
	fmt.Printf("Status:   %s\n", sess.Status)
	fmt.Printf("Progress: %.0f%%\n", sess.Progress*100)
	fmt.Printf("Cursor:   stage %d, segment %d\n", sess.StageIndex, sess.SegmentIndex)
	if sess.Status == store.StatusFailed {
		fmt.Printf("Failed:   segment %d: %s\n", sess.FailedSegmentIndex, sess.FailureReason)
	}

	if !showChanges {
		return nil
	}

	logs, err := st.ListChangeLogs(ctx, id)
	if err != nil {
		return err
	}
	for _, cl := range logs {
		fmt.Printf("\n--- %s segment %d ---\n%s", cl.Stage, cl.SegmentIndex, cl.Diff)
	}
	return nil
}

func init() {
	rootCmd.AddCommand(statusCmd)
	statusCmd.Flags().BoolVar(&showChanges, "changes", false, "Print the session's change diffs")
}
