// Package stage runs one rewriting stage over one segment.
//
// DESIGN: A Runner owns everything one stage needs for one session: the
// stage's model settings snapshot, the prompt template, and the rolling
// history compactor. The pipeline calls Run once per segment; the runner
// builds the prompt, invokes the gateway (draining the stream when the
// stage is configured for streaming), sanitizes the output, enforces the
// length tolerance with a single corrective retry, and emits the change
// record.
package stage

import (
	"context"
	"fmt"
	"io"
	"regexp"
	"strings"

	"github.com/pmezard/go-difflib/difflib"
	"github.com/rs/zerolog/log"

	"github.com/quillforge/restyle/internal/config"
	"github.com/quillforge/restyle/internal/gateway"
	"github.com/quillforge/restyle/internal/history"
	"github.com/quillforge/restyle/internal/monitoring"
)

// Client is the gateway surface the runner uses. *gateway.Client
// satisfies it.
type Client interface {
	Complete(ctx context.Context, params gateway.CallParams) (*gateway.CallResult, error)
	Stream(ctx context.Context, params gateway.CallParams) (*gateway.Stream, error)
}

// ChangeRecord captures one before/after rewrite for audit.
type ChangeRecord struct {
	Before string
	After  string
	Diff   string // unified diff, before vs after
}

// Outcome is the result of running one segment through one stage.
type Outcome struct {
	Output string
	// SoftFail marks an output whose length still deviated beyond the
	// tolerance after the corrective retry. The output is kept; the flag
	// is persisted for the operator.
	SoftFail bool
	Change   ChangeRecord
	// Attempts counts upstream invocations for this segment, including
	// transient-failure retries and the length-corrective retry.
	Attempts int
}

// Runner executes one stage for one session.
type Runner struct {
	name      string
	cfg       config.StageConfig
	client    Client
	compactor *history.Compactor
}

// NewRunner creates a runner for one (session, stage) pair. The compactor
// must be fresh for this stage; outputs accumulate into it as segments
// complete.
func NewRunner(name string, cfg config.StageConfig, client Client, compactor *history.Compactor) *Runner {
	return &Runner{
		name:      name,
		cfg:       cfg,
		client:    client,
		compactor: compactor,
	}
}

// Name returns the stage name.
func (r *Runner) Name() string { return r.name }

// Run rewrites one segment. Title segments skip the length-deviation
// retry: headings are short and models legitimately keep them terse.
// Gateway errors propagate unwrapped so callers can test them with
// errors.Is.
func (r *Runner) Run(ctx context.Context, text string, isTitle bool) (*Outcome, error) {
	prompt := r.buildPrompt(text)

	output, attempts, err := r.invoke(ctx, prompt)
	if err != nil {
		return nil, err
	}

	outcome := &Outcome{Output: output, Attempts: attempts}

	if !isTitle && r.deviates(text, output) {
		log.Debug().
			Str("session_id", monitoring.SessionIDFromContext(ctx)).
			Str("stage", r.name).
			Int("input_runes", len([]rune(text))).
			Int("output_runes", len([]rune(output))).
			Msg("Output length deviates, retrying once")

		retryPrompt := prompt + "\n\nKeep the rewritten passage close to the original passage's length."
		retried, retryAttempts, err := r.invoke(ctx, retryPrompt)
		if err != nil {
			return nil, err
		}
		outcome.Attempts += retryAttempts
		if r.deviates(text, retried) {
			// Keep the first result and flag it rather than fail the run.
			outcome.SoftFail = true
			log.Warn().
				Str("stage", r.name).
				Msg("Output length still deviant after retry, accepting as soft failure")
		} else {
			outcome.Output = retried
		}
	}

	outcome.Change = ChangeRecord{
		Before: text,
		After:  outcome.Output,
		Diff:   unifiedDiff(text, outcome.Output),
	}

	r.compactor.Append(ctx, outcome.Output)

	return outcome, nil
}

// buildPrompt substitutes the template placeholders.
func (r *Runner) buildPrompt(text string) string {
	historyCtx := r.compactor.Context()
	if historyCtx == "" {
		historyCtx = "(none yet - this is the first passage)"
	}
	prompt := strings.ReplaceAll(r.cfg.Prompt, "{{context}}", historyCtx)
	return strings.ReplaceAll(prompt, "{{text}}", text)
}

// invoke performs one gateway call and returns the sanitized output plus
// the invocation count (streaming connects count as one).
func (r *Runner) invoke(ctx context.Context, prompt string) (string, int, error) {
	params := gateway.CallParams{
		Provider:    r.cfg.Provider,
		Endpoint:    r.cfg.Endpoint,
		APIKey:      r.cfg.APIKey,
		Model:       r.cfg.Model,
		UserPrompt:  prompt,
		MaxTokens:   r.cfg.MaxTokens,
		Timeout:     r.cfg.Timeout,
		MaxAttempts: r.cfg.MaxAttempts,
		Backoff:     r.cfg.Backoff,
	}

	var raw string
	attempts := 1
	if r.cfg.Streaming {
		stream, err := r.client.Stream(ctx, params)
		if err != nil {
			return "", 0, err
		}
		var sb strings.Builder
		for {
			fragment, err := stream.Recv()
			if err == io.EOF {
				break
			}
			if err != nil {
				stream.Close()
				return "", attempts, err
			}
			sb.WriteString(fragment)
		}
		stream.Close()
		raw = sb.String()
	} else {
		result, err := r.client.Complete(ctx, params)
		if err != nil {
			return "", 0, err
		}
		raw = result.Content
		attempts = result.Attempts
	}

	output := Sanitize(raw)
	if output == "" {
		return "", attempts, fmt.Errorf("stage %s: model returned empty output", r.name)
	}
	return output, attempts, nil
}

// deviates reports whether the output length falls outside the stage's
// tolerance band around the input length (measured in runes).
func (r *Runner) deviates(input, output string) bool {
	in := len([]rune(input))
	if in == 0 {
		return false
	}
	ratio := float64(len([]rune(output))) / float64(in)
	return ratio < 1-r.cfg.LengthTolerance || ratio > 1+r.cfg.LengthTolerance
}

var wrapperLine = regexp.MustCompile(`(?i)^(here (is|'s)|sure|certainly|below is)\b.*:$`)

// Sanitize strips decoration models add around the rewritten text: code
// fences, surrounding quotes, and a leading "Here is the ...:" line.
func Sanitize(raw string) string {
	s := strings.TrimSpace(raw)

	// Fenced block wrapping the whole response.
	if strings.HasPrefix(s, "```") {
		if end := strings.LastIndex(s, "```"); end > 0 {
			inner := s[strings.Index(s, "\n")+1 : end]
			s = strings.TrimSpace(inner)
		}
	}

	// Leading wrapper line ("Here is the polished passage:").
	if idx := strings.Index(s, "\n"); idx > 0 {
		first := strings.TrimSpace(s[:idx])
		if wrapperLine.MatchString(first) {
			s = strings.TrimSpace(s[idx+1:])
		}
	}

	// Quotes wrapping the whole response.
	if len(s) >= 2 && s[0] == '"' && s[len(s)-1] == '"' {
		s = strings.TrimSpace(s[1 : len(s)-1])
	}

	return s
}

// unifiedDiff renders a line-level unified diff of the rewrite.
func unifiedDiff(before, after string) string {
	diff, err := difflib.GetUnifiedDiffString(difflib.UnifiedDiff{
		A:        difflib.SplitLines(before),
		B:        difflib.SplitLines(after),
		FromFile: "original",
		ToFile:   "rewritten",
		Context:  2,
	})
	if err != nil {
		// SplitLines never produces inputs GetUnifiedDiffString rejects;
		// degrade to empty diff rather than fail the segment.
		log.Warn().Err(err).Msg("Failed to render change diff")
		return ""
	}
	return diff
}
