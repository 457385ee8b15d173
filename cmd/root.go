package cmd

import (
	"os"
	"path/filepath"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/quillforge/restyle/internal/config"
	"github.com/quillforge/restyle/internal/monitoring"
)

var version = "0.3.0"

var (
	configPath string
	cfg        *config.Config
)

var rootCmd = &cobra.Command{
	Use:   "restyle",
	Short: "Staged text rewriting pipeline",
	Long: `Restyle splits a document into segments and drives each one through an
ordered sequence of LLM rewriting stages (polish, enhance, emotion),
keeping a rolling style context so later passages match earlier ones.

Progress is persisted in SQLite; interrupted runs resume from the last
completed segment with "restyle resume".`,
	Version:       version,
	SilenceUsage:  true,
	SilenceErrors: false,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		loadEnvFiles()

		var err error
		cfg, err = config.Load(configPath)
		if err != nil {
			return err
		}

		monitoring.Global(monitoring.LoggerConfig{
			Level:  cfg.Logging.Level,
			Format: cfg.Logging.Format,
			Output: cfg.Logging.Output,
		})
		return nil
	},
}

func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "restyle.yaml", "Path to configuration file")
}

// loadEnvFiles loads .env from the user config directory and the working
// directory; the local file wins.
func loadEnvFiles() {
	if homeDir, err := os.UserHomeDir(); err == nil {
		configEnv := filepath.Join(homeDir, ".config", "restyle", ".env")
		if _, err := os.Stat(configEnv); err == nil {
			_ = godotenv.Load(configEnv)
		}
	}
	_ = godotenv.Load()
}
