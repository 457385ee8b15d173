// Package monitoring - types.go defines shared types.
//
// DESIGN: These types are used by both pipeline/ and monitoring/ packages.
// Defined here ONCE to avoid duplication and circular imports.
package monitoring

import "time"

// ProgressEvent captures the advancement of one session through the
// pipeline. Emitted after every segment completes.
type ProgressEvent struct {
	SessionID string    `json:"session_id"`
	Timestamp time.Time `json:"timestamp"`
	Stage     string    `json:"stage"`
	Segment   int       `json:"segment"`
	Fraction  float64   `json:"fraction"`
	SoftFail  bool      `json:"soft_fail,omitempty"`
}

// Reporter consumes progress updates. Implementations must be safe for
// concurrent use: multiple session runs report through one Reporter.
type Reporter interface {
	Progress(ev ProgressEvent)
}

// LoggerConfig contains logging configuration.
type LoggerConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // json, console, auto
	Output string `yaml:"output"` // stdout, stderr, or file path
}
