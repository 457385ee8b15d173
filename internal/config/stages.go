// Stage model configuration and processing modes.
package config

import (
	"fmt"
	"time"
)

// Well-known stage names. Operators may define additional stages; these
// are the ones shipped with default prompt templates.
const (
	StagePolish  = "polish"
	StageEnhance = "enhance"
	StageEmotion = "emotion"
)

// StageConfig specifies the model call for one stage. Each session takes
// an immutable snapshot of its stage configs at submission, so operator
// edits never drift into a run already in flight.
type StageConfig struct {
	// Provider overrides endpoint auto-detection. One of: "anthropic",
	// "openai", "gemini", "bedrock".
	Provider string `yaml:"provider,omitempty"`

	Endpoint    string        `yaml:"endpoint"`
	Model       string        `yaml:"model"`
	APIKey      string        `yaml:"api_key"`
	Streaming   bool          `yaml:"streaming"`
	MaxTokens   int           `yaml:"max_tokens"`
	Timeout     time.Duration `yaml:"timeout"`
	MaxAttempts int           `yaml:"max_attempts"`
	Backoff     time.Duration `yaml:"backoff"`

	// Prompt is the stage's template. Opaque to the pipeline except for
	// the {{text}} and {{context}} placeholders. Empty uses the built-in
	// default for well-known stage names.
	Prompt string `yaml:"prompt,omitempty"`

	// LengthTolerance is the accepted output/input length ratio deviation
	// (0.4 means 60%..140% of the input length passes).
	LengthTolerance float64 `yaml:"length_tolerance,omitempty"`
}

// Validate checks required stage fields.
func (s *StageConfig) Validate() error {
	if s.Endpoint == "" {
		return fmt.Errorf("endpoint is required")
	}
	if s.Model == "" {
		return fmt.Errorf("model is required")
	}
	// API key is optional for bedrock (SigV4 signing).
	if s.APIKey == "" && s.Provider != "bedrock" {
		return fmt.Errorf("api_key is required")
	}
	if s.MaxTokens <= 0 {
		return fmt.Errorf("max_tokens must be positive")
	}
	if s.Timeout <= 0 {
		return fmt.Errorf("timeout must be positive")
	}
	if s.MaxAttempts <= 0 {
		return fmt.Errorf("max_attempts must be positive")
	}
	return nil
}

// applyDefaults fills tunables the operator left unset.
func (c *Config) applyDefaults() {
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "auto"
	}

	if c.History.KeepRecentTurns == 0 {
		c.History.KeepRecentTurns = 3
	}
	if c.History.EstimateRatio == 0 {
		c.History.EstimateRatio = 4
	}
	if c.History.Encoding == "" {
		c.History.Encoding = "cl100k_base"
	}

	if c.Pipeline.FailurePolicy == "" {
		c.Pipeline.FailurePolicy = PolicyAbort
	}

	// Only default modes whose stages are all configured apply; a config
	// carrying just a polish stage gets just the polish mode.
	if len(c.Modes) == 0 {
		c.Modes = make(map[string][]string)
		for name, stages := range DefaultModes() {
			usable := true
			for _, s := range stages {
				if _, ok := c.Stages[s]; !ok {
					usable = false
					break
				}
			}
			if usable {
				c.Modes[name] = stages
			}
		}
	}

	for name, stage := range c.Stages {
		applyStageDefaults(&stage, name)
		c.Stages[name] = stage
	}
	applyStageDefaults(&c.Summarizer, "")
	if c.Summarizer.Prompt == "" {
		c.Summarizer.Prompt = DefaultSummarizerPrompt
	}
}

func applyStageDefaults(s *StageConfig, name string) {
	if s.Timeout == 0 {
		s.Timeout = 60 * time.Second
	}
	if s.MaxAttempts == 0 {
		s.MaxAttempts = 3
	}
	if s.Backoff == 0 {
		s.Backoff = 500 * time.Millisecond
	}
	if s.MaxTokens == 0 {
		s.MaxTokens = 4096
	}
	if s.LengthTolerance == 0 {
		s.LengthTolerance = 0.5
	}
	if s.Prompt == "" {
		s.Prompt = DefaultStagePrompts[name]
	}
}

// DefaultModes returns the shipped processing modes: each is an ordered
// list of stages applied to every segment.
func DefaultModes() map[string][]string {
	return map[string][]string{
		"polish":         {StagePolish},
		"polish_enhance": {StagePolish, StageEnhance},
		"full":           {StagePolish, StageEnhance, StageEmotion},
	}
}
