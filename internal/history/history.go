// Package history maintains the rolling style context for one stage of one
// session.
//
// DESIGN: Each segment's output is appended as one turn; the joined turns
// are handed to the model as a style reference for the next segment. When
// the accumulated size crosses the configured threshold, one summarization
// call replaces the whole history with a single condensed turn. A failed
// summarization falls back to truncating to the most recent turns -
// liveness over perfect context fidelity.
//
// A Compactor is created per (session, stage) pair and owned exclusively
// by that session's pipeline run, so it needs no locking. It is discarded
// when the stage completes; there is no cross-session or cross-stage
// leakage.
package history

import (
	"context"
	"fmt"
	"strings"

	"github.com/pkoukk/tiktoken-go"
	"github.com/rs/zerolog/log"

	"github.com/quillforge/restyle/internal/config"
	"github.com/quillforge/restyle/internal/gateway"
	"github.com/quillforge/restyle/internal/monitoring"
)

// Completer is the single gateway operation the compactor needs.
// *gateway.Client satisfies it.
type Completer interface {
	Complete(ctx context.Context, params gateway.CallParams) (*gateway.CallResult, error)
}

// Compactor accumulates prior stage outputs and compacts them on demand.
type Compactor struct {
	client     Completer
	cfg        config.HistoryConfig
	summarizer config.StageConfig
	sessionID  string
	stage      string
	metrics    *monitoring.MetricsCollector

	enc   *tiktoken.Tiktoken
	turns []string
}

// New creates a compactor for one (session, stage) pair. The tiktoken
// encoding is resolved once; if unavailable (offline cache miss), size
// estimation falls back to a bytes-per-token ratio. metrics may be nil.
func New(client Completer, cfg config.HistoryConfig, summarizer config.StageConfig, sessionID, stage string, metrics *monitoring.MetricsCollector) *Compactor {
	enc, err := tiktoken.GetEncoding(cfg.Encoding)
	if err != nil {
		log.Debug().Err(err).Str("encoding", cfg.Encoding).Msg("Tiktoken encoding unavailable, using byte ratio estimate")
		enc = nil
	}

	return &Compactor{
		client:     client,
		cfg:        cfg,
		summarizer: summarizer,
		sessionID:  sessionID,
		stage:      stage,
		metrics:    metrics,
		enc:        enc,
	}
}

// Append records one completed segment's output and compacts if the
// accumulated size crossed the threshold. Compaction failure is absorbed
// here and never surfaces to the caller.
func (c *Compactor) Append(ctx context.Context, text string) {
	if strings.TrimSpace(text) == "" {
		return
	}
	c.turns = append(c.turns, text)
	c.maybeCompact(ctx)
}

// Context returns the current style-reference context: the stored turns
// joined as a numbered list, or empty when nothing has accumulated.
func (c *Compactor) Context() string {
	if len(c.turns) == 0 {
		return ""
	}
	var sb strings.Builder
	for i, turn := range c.turns {
		fmt.Fprintf(&sb, "[%d] %s\n", i+1, turn)
	}
	return strings.TrimRight(sb.String(), "\n")
}

// TurnCount reports how many turns are currently stored.
func (c *Compactor) TurnCount() int { return len(c.turns) }

// Size reports the current estimated token size of the stored turns.
func (c *Compactor) Size() int {
	total := 0
	for _, t := range c.turns {
		total += c.estimate(t)
	}
	return total
}

func (c *Compactor) maybeCompact(ctx context.Context) {
	if c.Size() <= c.cfg.CompactionThreshold || len(c.turns) < 2 {
		return
	}

	prompt := strings.ReplaceAll(c.summarizer.Prompt, "{{text}}", c.Context())

	result, err := c.client.Complete(ctx, gateway.CallParams{
		Provider:    c.summarizer.Provider,
		Endpoint:    c.summarizer.Endpoint,
		APIKey:      c.summarizer.APIKey,
		Model:       c.summarizer.Model,
		UserPrompt:  prompt,
		MaxTokens:   c.summarizer.MaxTokens,
		Timeout:     c.summarizer.Timeout,
		MaxAttempts: c.summarizer.MaxAttempts,
		Backoff:     c.summarizer.Backoff,
	})
	if err != nil || strings.TrimSpace(result.Content) == "" {
		// Fall back to truncation: keep the most recent turns.
		keep := c.cfg.KeepRecentTurns
		if keep > len(c.turns) {
			keep = len(c.turns)
		}
		c.turns = append([]string(nil), c.turns[len(c.turns)-keep:]...)
		if c.metrics != nil {
			c.metrics.RecordCompaction(true)
		}
		log.Warn().Err(err).
			Str("session_id", c.sessionID).
			Str("stage", c.stage).
			Int("kept_turns", keep).
			Msg("History compaction failed, truncated to recent turns")
		return
	}

	c.turns = []string{strings.TrimSpace(result.Content)}
	if c.metrics != nil {
		c.metrics.RecordCompaction(false)
	}
	log.Debug().
		Str("session_id", c.sessionID).
		Str("stage", c.stage).
		Int("summary_tokens", c.estimate(c.turns[0])).
		Msg("History compacted to summary turn")
}

// estimate returns the token count of text, via tiktoken when available.
func (c *Compactor) estimate(text string) int {
	if c.enc != nil {
		return len(c.enc.Encode(text, nil, nil))
	}
	ratio := c.cfg.EstimateRatio
	if ratio <= 0 {
		ratio = 4
	}
	return len(text) / ratio
}
