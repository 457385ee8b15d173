package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/spf13/cobra"
)

var (
	inputFile     string
	outputFile    string
	mode          string
	maxConcurrent int
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Rewrite a document through the configured stages",
	Long: `Read a document, split it into segments, and drive every segment through
the stages of the chosen processing mode. The rewritten document is
written to the output file when the session completes.

Interrupting with Ctrl-C persists progress; "restyle resume" continues
from the last completed segment.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		if inputFile == outputFile {
			return fmt.Errorf("input file and output file cannot be the same")
		}

		text, err := os.ReadFile(inputFile)
		if err != nil {
			return fmt.Errorf("failed to read input file: %w", err)
		}

		st, orch, metrics, err := openPipeline(stderrReporter{})
		if err != nil {
			return err
		}
		defer st.Close()

		if maxConcurrent > 0 {
			if err := orch.SetMaxConcurrent(maxConcurrent); err != nil {
				return err
			}
		}

		orch.Start()
		defer orch.Stop()

		ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer cancel()

		id, err := orch.Submit(ctx, string(text), mode)
		if err != nil {
			return err
		}
		fmt.Fprintf(os.Stderr, "Session %s started (mode %s)\n", id, mode)

		completed, err := waitForSessions(ctx, st, []string{id})
		if err != nil {
			if ctx.Err() != nil {
				fmt.Fprintf(os.Stderr, "Interrupted; run \"restyle resume\" to continue session %s\n", id)
				return nil
			}
			return err
		}
		if completed == 0 {
			return fmt.Errorf("session did not complete")
		}
		printRunStats(metrics)

		final, err := orch.FinalText(context.Background(), id)
		if err != nil {
			return err
		}

		if dir := filepath.Dir(outputFile); dir != "." {
			if err := os.MkdirAll(dir, 0755); err != nil {
				return fmt.Errorf("failed to create output directory: %w", err)
			}
		}
		if err := os.WriteFile(outputFile, []byte(final), 0644); err != nil {
			return fmt.Errorf("failed to write output file: %w", err)
		}

		fmt.Printf("Rewrote %s -> %s (mode %s)\n", inputFile, outputFile, mode)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(runCmd)

	runCmd.Flags().StringVarP(&inputFile, "input", "i", "", "Input file to rewrite (required)")
	runCmd.Flags().StringVarP(&outputFile, "output", "o", "", "Output file (required)")
	runCmd.Flags().StringVarP(&mode, "mode", "m", "polish_enhance", "Processing mode (named stage sequence)")
	runCmd.Flags().IntVar(&maxConcurrent, "max-concurrent", 0, "Override the configured session concurrency limit")

	runCmd.MarkFlagRequired("input")
	runCmd.MarkFlagRequired("output")
}
