// Package config loads and validates the pipeline configuration.
//
// DESIGN: All configuration comes from a YAML file with ${VAR:-default}
// environment expansion, so deployments stay explicit and auditable.
// Defaults are applied only to tunables (timeouts, retry budgets, prompt
// templates); endpoints and models must be configured.
//
// FILES:
//   - config.go:  Root Config struct, Load(), Validate()
//   - stages.go:  Stage model configs, processing modes, defaults
//   - prompts.go: Default prompt templates (data only)
package config

import (
	"fmt"
	"os"
	"regexp"

	"gopkg.in/yaml.v3"
)

// Config is the root configuration for the rewriting pipeline.
type Config struct {
	Logging    LoggingConfig          `yaml:"logging"`    // zerolog settings
	Store      StoreConfig            `yaml:"store"`      // SQLite persistence
	Pipeline   PipelineConfig         `yaml:"pipeline"`   // orchestrator limits
	History    HistoryConfig          `yaml:"history"`    // rolling context compaction
	Stages     map[string]StageConfig `yaml:"stages"`     // per-stage model settings
	Modes      map[string][]string    `yaml:"modes"`      // named ordered stage lists
	Summarizer StageConfig            `yaml:"summarizer"` // model used for history compaction
}

// LoggingConfig contains logging settings.
type LoggingConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // json, console, auto
	Output string `yaml:"output"` // stdout, stderr, or file path
}

// StoreConfig contains persistence settings.
type StoreConfig struct {
	Path string `yaml:"path"` // SQLite database file, or ":memory:"
}

// PipelineConfig contains orchestrator settings.
type PipelineConfig struct {
	MaxConcurrent   int    `yaml:"max_concurrent"`    // concurrent session runs
	QueueSize       int    `yaml:"queue_size"`        // bounded admission queue
	MaxSegmentChars int    `yaml:"max_segment_chars"` // segmenter rune bound
	FailurePolicy   string `yaml:"failure_policy"`    // "abort" or "skip"
}

// HistoryConfig contains rolling-history compaction settings.
type HistoryConfig struct {
	CompactionThreshold int    `yaml:"compaction_threshold"` // tokens before compaction
	KeepRecentTurns     int    `yaml:"keep_recent_turns"`    // truncation fallback depth
	Encoding            string `yaml:"encoding"`             // tiktoken encoding name
	EstimateRatio       int    `yaml:"estimate_ratio"`       // bytes per token fallback
}

// Failure policies.
const (
	PolicyAbort = "abort"
	PolicySkip  = "skip"
)

// expandEnvWithDefaults expands environment variables with support for
// default values. Supports both ${VAR} and ${VAR:-default} syntax.
func expandEnvWithDefaults(s string) string {
	re := regexp.MustCompile(`\$\{([^}:]+)(?::-([^}]*))?\}`)

	return re.ReplaceAllStringFunc(s, func(match string) string {
		parts := re.FindStringSubmatch(match)
		if len(parts) < 2 {
			return match
		}

		varName := parts[1]
		defaultValue := ""
		if len(parts) > 2 {
			defaultValue = parts[2]
		}

		if value := os.Getenv(varName); value != "" {
			return value
		}
		return defaultValue
	})
}

// Load reads configuration from a YAML file.
// Returns an error if the file doesn't exist or is invalid.
func Load(path string) (*Config, error) {
	if path == "" {
		return nil, fmt.Errorf("config file path is required")
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file '%s': %w", path, err)
	}

	return LoadFromBytes(data)
}

// LoadFromBytes parses configuration from raw YAML bytes.
// Supports ${VAR:-default} env var expansion, defaults, and validation.
func LoadFromBytes(data []byte) (*Config, error) {
	expanded := expandEnvWithDefaults(string(data))

	var cfg Config
	if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	cfg.applyDefaults()
	cfg.applyEnvOverrides()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &cfg, nil
}

// applyEnvOverrides applies environment variable overrides so operators can
// redirect the store or log output without editing the config file.
func (c *Config) applyEnvOverrides() {
	if p := os.Getenv("RESTYLE_STORE_PATH"); p != "" {
		c.Store.Path = p
	}
	if l := os.Getenv("RESTYLE_LOG_LEVEL"); l != "" {
		c.Logging.Level = l
	}
}

// Validate checks if the configuration is valid.
func (c *Config) Validate() error {
	if c.Store.Path == "" {
		return fmt.Errorf("store.path is required")
	}

	if c.Pipeline.MaxConcurrent <= 0 {
		return fmt.Errorf("pipeline.max_concurrent must be positive")
	}
	if c.Pipeline.QueueSize <= 0 {
		return fmt.Errorf("pipeline.queue_size must be positive")
	}
	if c.Pipeline.MaxSegmentChars <= 0 {
		return fmt.Errorf("pipeline.max_segment_chars must be positive")
	}
	if c.Pipeline.FailurePolicy != PolicyAbort && c.Pipeline.FailurePolicy != PolicySkip {
		return fmt.Errorf("pipeline.failure_policy must be %q or %q", PolicyAbort, PolicySkip)
	}

	if c.History.CompactionThreshold <= 0 {
		return fmt.Errorf("history.compaction_threshold must be positive")
	}
	if c.History.KeepRecentTurns <= 0 {
		return fmt.Errorf("history.keep_recent_turns must be positive")
	}

	if len(c.Stages) == 0 {
		return fmt.Errorf("at least one stage must be configured")
	}
	for name, stage := range c.Stages {
		if err := stage.Validate(); err != nil {
			return fmt.Errorf("stage %q: %w", name, err)
		}
	}

	for mode, stages := range c.Modes {
		if len(stages) == 0 {
			return fmt.Errorf("mode %q has no stages", mode)
		}
		for _, s := range stages {
			if _, ok := c.Stages[s]; !ok {
				return fmt.Errorf("mode %q references unknown stage %q", mode, s)
			}
		}
	}

	if err := c.Summarizer.Validate(); err != nil {
		return fmt.Errorf("summarizer: %w", err)
	}

	return nil
}
