package cmd

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/quillforge/restyle/internal/store"
)

var settingFile string

var settingsCmd = &cobra.Command{
	Use:   "settings",
	Short: "Read and write operator overrides",
	Long: `Operator overrides live in the settings table and are read when a
session is submitted. Prompt templates use keys "prompt.<stage>" and
"prompt.summarizer"; templates may reference {{context}} and {{text}}.

Sessions already submitted keep their snapshot and are unaffected.`,
}

var settingsGetCmd = &cobra.Command{
	Use:   "get <key>",
	Short: "Print one override",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		st, err := store.Open(cfg.Store.Path)
		if err != nil {
			return err
		}
		defer st.Close()

		value, ok, err := st.GetSetting(context.Background(), args[0])
		if err != nil {
			return err
		}
		if !ok {
			return fmt.Errorf("setting '%s' is not set", args[0])
		}
		fmt.Println(value)
		return nil
	},
}

var settingsSetCmd = &cobra.Command{
	Use:   "set <key> [value]",
	Short: "Write one override (value inline or via --file)",
	Args:  cobra.RangeArgs(1, 2),
	RunE: func(cmd *cobra.Command, args []string) error {
		var value string
		switch {
		case settingFile != "":
			data, err := os.ReadFile(settingFile)
			if err != nil {
				return fmt.Errorf("failed to read value file: %w", err)
			}
			value = string(data)
		case len(args) == 2:
			value = args[1]
		default:
			return fmt.Errorf("provide a value argument or --file")
		}

		st, err := store.Open(cfg.Store.Path)
		if err != nil {
			return err
		}
		defer st.Close()

		if err := st.SetSetting(context.Background(), args[0], value); err != nil {
			return err
		}
		fmt.Printf("Set %s\n", args[0])
		return nil
	},
}

func init() {
	rootCmd.AddCommand(settingsCmd)
	settingsCmd.AddCommand(settingsGetCmd, settingsSetCmd)
	settingsSetCmd.Flags().StringVar(&settingFile, "file", "", "Read the value from a file (e.g. a prompt template)")
}
