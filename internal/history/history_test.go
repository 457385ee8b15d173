package history_test

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quillforge/restyle/internal/config"
	"github.com/quillforge/restyle/internal/gateway"
	"github.com/quillforge/restyle/internal/history"
)

type fakeCompleter struct {
	response   string
	err        error
	calls      int
	lastPrompt string
}

func (f *fakeCompleter) Complete(ctx context.Context, params gateway.CallParams) (*gateway.CallResult, error) {
	f.calls++
	f.lastPrompt = params.UserPrompt
	if f.err != nil {
		return nil, f.err
	}
	return &gateway.CallResult{Content: f.response}, nil
}

// byteCfg uses an unknown encoding so size estimation degrades to
// bytes/ratio and test thresholds are exact.
func byteCfg(threshold, keep int) config.HistoryConfig {
	return config.HistoryConfig{
		CompactionThreshold: threshold,
		KeepRecentTurns:     keep,
		Encoding:            "no-such-encoding",
		EstimateRatio:       1,
	}
}

func summarizerCfg() config.StageConfig {
	return config.StageConfig{
		Endpoint:    "https://api.anthropic.com/v1/messages",
		Model:       "claude-test",
		APIKey:      "k",
		MaxTokens:   100,
		Prompt:      "Condense:\n{{text}}",
		MaxAttempts: 1,
	}
}

func TestCompactor_BelowThresholdAccumulates(t *testing.T) {
	fake := &fakeCompleter{}
	c := history.New(fake, byteCfg(1000, 3), summarizerCfg(), "sess", "polish", nil)

	c.Append(context.Background(), "first turn")
	c.Append(context.Background(), "second turn")

	assert.Equal(t, 2, c.TurnCount())
	assert.Equal(t, "[1] first turn\n[2] second turn", c.Context())
	assert.Zero(t, fake.calls, "no compaction below threshold")
}

func TestCompactor_EmptyContextBeforeFirstAppend(t *testing.T) {
	c := history.New(&fakeCompleter{}, byteCfg(100, 3), summarizerCfg(), "sess", "polish", nil)
	assert.Equal(t, "", c.Context())
	assert.Zero(t, c.TurnCount())
}

func TestCompactor_BlankAppendIgnored(t *testing.T) {
	c := history.New(&fakeCompleter{}, byteCfg(100, 3), summarizerCfg(), "sess", "polish", nil)
	c.Append(context.Background(), "   \n ")
	assert.Zero(t, c.TurnCount())
}

func TestCompactor_CompactsToSingleSummaryTurn(t *testing.T) {
	fake := &fakeCompleter{response: "a condensed style reference"}
	c := history.New(fake, byteCfg(50, 3), summarizerCfg(), "sess", "polish", nil)

	turnA := fmt.Sprintf("%030d", 1)
	turnB := fmt.Sprintf("%030d", 2)
	c.Append(context.Background(), turnA) // 30 bytes, below threshold
	c.Append(context.Background(), turnB) // 60 bytes total, compacts

	require.Equal(t, 1, fake.calls)
	assert.Contains(t, fake.lastPrompt, turnA)
	assert.Contains(t, fake.lastPrompt, turnB)

	assert.Equal(t, 1, c.TurnCount())
	assert.Equal(t, "[1] a condensed style reference", c.Context())
	assert.Less(t, c.Size(), 50, "summary fits back under the threshold")
}

func TestCompactor_FailureFallsBackToTruncation(t *testing.T) {
	fake := &fakeCompleter{err: gateway.ErrModelUnavailable}
	c := history.New(fake, byteCfg(50, 1), summarizerCfg(), "sess", "polish", nil)

	c.Append(context.Background(), fmt.Sprintf("A%029d", 1))
	c.Append(context.Background(), fmt.Sprintf("B%029d", 2))

	require.Equal(t, 1, fake.calls)
	assert.Equal(t, 1, c.TurnCount(), "truncated to keep_recent_turns")
	assert.Contains(t, c.Context(), "B")
	assert.NotContains(t, c.Context(), "A0")
}

func TestCompactor_SingleTurnNeverCompacted(t *testing.T) {
	fake := &fakeCompleter{response: "summary"}
	c := history.New(fake, byteCfg(10, 3), summarizerCfg(), "sess", "polish", nil)

	// One oversized turn: nothing to condense, calling the model would
	// just echo it back.
	c.Append(context.Background(), "a single turn far beyond the tiny threshold")
	assert.Zero(t, fake.calls)
	assert.Equal(t, 1, c.TurnCount())
}
