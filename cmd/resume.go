package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/quillforge/restyle/internal/store"
)

var resumeCmd = &cobra.Command{
	Use:   "resume",
	Short: "Continue interrupted sessions from their persisted cursors",
	Long: `Find sessions left processing by an interrupted run (plus any still
queued) and continue each one from its last completed segment. Already
rewritten segments are not re-sent to the model.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		st, orch, metrics, err := openPipeline(stderrReporter{})
		if err != nil {
			return err
		}
		defer st.Close()

		ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer cancel()

		var ids []string
		for _, status := range []string{store.StatusProcessing, store.StatusQueued} {
			found, err := st.ListByStatus(ctx, status)
			if err != nil {
				return err
			}
			ids = append(ids, found...)
		}
		if len(ids) == 0 {
			fmt.Println("Nothing to resume")
			return nil
		}
		fmt.Fprintf(os.Stderr, "Resuming %d session(s)\n", len(ids))

		orch.Start()
		defer orch.Stop()
		if err := orch.Resume(ctx); err != nil {
			return err
		}

		completed, err := waitForSessions(ctx, st, ids)
		if err != nil {
			if ctx.Err() != nil {
				fmt.Fprintln(os.Stderr, "Interrupted; run \"restyle resume\" again to continue")
				return nil
			}
			return err
		}

		printRunStats(metrics)
		fmt.Printf("Resumed %d session(s), %d completed\n", len(ids), completed)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(resumeCmd)
}
