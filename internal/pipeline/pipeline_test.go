package pipeline_test

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quillforge/restyle/internal/config"
	"github.com/quillforge/restyle/internal/gateway"
	"github.com/quillforge/restyle/internal/monitoring"
	"github.com/quillforge/restyle/internal/pipeline"
	"github.com/quillforge/restyle/internal/stage"
	"github.com/quillforge/restyle/internal/store"
)

// fakeClient rewrites by applying transform to the prompt. Stage prompts
// in these tests are bare "{{text}}", so the prompt is the segment text
// plus the history context header when present.
type fakeClient struct {
	mu        sync.Mutex
	transform func(prompt string) string
	errs      []error // consumed one per call, nil entries succeed
	calls     int
}

func (f *fakeClient) Complete(ctx context.Context, params gateway.CallParams) (*gateway.CallResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if len(f.errs) > 0 {
		err := f.errs[0]
		f.errs = f.errs[1:]
		if err != nil {
			return nil, err
		}
	}
	return &gateway.CallResult{Content: f.transform(params.UserPrompt)}, nil
}

func (f *fakeClient) Stream(ctx context.Context, params gateway.CallParams) (*gateway.Stream, error) {
	return nil, fmt.Errorf("stream not supported in fake")
}

func echoClient() *fakeClient {
	return &fakeClient{transform: func(p string) string { return p }}
}

func testConfig(stages []string, maxSegmentChars int, policy string) *config.Config {
	cfg := &config.Config{
		Store: config.StoreConfig{Path: ":memory:"},
		Pipeline: config.PipelineConfig{
			MaxConcurrent:   1,
			QueueSize:       4,
			MaxSegmentChars: maxSegmentChars,
			FailurePolicy:   policy,
		},
		History: config.HistoryConfig{
			CompactionThreshold: 1 << 20,
			KeepRecentTurns:     3,
			Encoding:            "no-such-encoding",
			EstimateRatio:       4,
		},
		Stages: make(map[string]config.StageConfig),
		Modes:  map[string][]string{"test": stages},
		Summarizer: config.StageConfig{
			Endpoint: "e", Model: "m", APIKey: "k",
			MaxTokens: 100, Timeout: time.Second, MaxAttempts: 1,
			Prompt: "{{text}}",
		},
	}
	for _, name := range stages {
		cfg.Stages[name] = config.StageConfig{
			Endpoint: "e", Model: "m", APIKey: "k",
			MaxTokens: 100, Timeout: time.Second, MaxAttempts: 1,
			Backoff: time.Millisecond,
			// Bare template: the model sees exactly the segment text.
			Prompt:          "{{text}}",
			LengthTolerance: 100,
		}
	}
	return cfg
}

func newTestPipeline(t *testing.T, cfg *config.Config, client stage.Client, reporter monitoring.Reporter) (*store.Store, *pipeline.Orchestrator) {
	t.Helper()
	st, err := store.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	orch := pipeline.New(st, client, cfg, monitoring.NewMetricsCollector(), reporter)
	return st, orch
}

func waitStatus(t *testing.T, st *store.Store, id string, terminal ...string) *store.Session {
	t.Helper()
	deadline := time.Now().Add(10 * time.Second)
	for time.Now().Before(deadline) {
		sess, err := st.GetSession(context.Background(), id)
		require.NoError(t, err)
		for _, status := range terminal {
			if sess.Status == status {
				return sess
			}
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("session %s did not reach %v", id, terminal)
	return nil
}

func TestSubmitAndComplete_SingleStage(t *testing.T) {
	cfg := testConfig([]string{"polish"}, 1000, config.PolicyAbort)
	st, orch := newTestPipeline(t, cfg, echoClient(), nil)

	orch.Start()
	defer orch.Stop()

	text := "A short paragraph that fits in one segment."
	id, err := orch.Submit(context.Background(), text, "test")
	require.NoError(t, err)

	sess := waitStatus(t, st, id, store.StatusCompleted, store.StatusFailed)
	assert.Equal(t, store.StatusCompleted, sess.Status)
	assert.InDelta(t, 1.0, sess.Progress, 1e-9)

	final, err := orch.FinalText(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, text, final)

	logs, err := st.ListChangeLogs(context.Background(), id)
	require.NoError(t, err)
	assert.Len(t, logs, 1)
}

func TestStageChaining_OutputsFeedNextStage(t *testing.T) {
	cfg := testConfig([]string{"polish", "enhance"}, 1000, config.PolicyAbort)
	client := &fakeClient{transform: func(p string) string { return p + " extra" }}
	st, orch := newTestPipeline(t, cfg, client, nil)

	orch.Start()
	defer orch.Stop()

	id, err := orch.Submit(context.Background(), "base text.", "test")
	require.NoError(t, err)
	waitStatus(t, st, id, store.StatusCompleted)

	second, err := st.ListSegments(context.Background(), id, "enhance")
	require.NoError(t, err)
	require.Len(t, second, 1)
	assert.Equal(t, "base text. extra", second[0].InputText,
		"second stage consumes first stage output")

	final, err := orch.FinalText(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, "base text. extra extra", final)
}

func TestMultiSegment_ProgressAndOrder(t *testing.T) {
	cfg := testConfig([]string{"polish"}, 40, config.PolicyAbort)
	var events []monitoring.ProgressEvent
	var mu sync.Mutex
	reporter := progressFunc(func(ev monitoring.ProgressEvent) {
		mu.Lock()
		events = append(events, ev)
		mu.Unlock()
	})

	st, orch := newTestPipeline(t, cfg, echoClient(), reporter)
	orch.Start()
	defer orch.Stop()

	text := "First sentence here. Second sentence there. Third sentence now."
	id, err := orch.Submit(context.Background(), text, "test")
	require.NoError(t, err)
	waitStatus(t, st, id, store.StatusCompleted)

	mu.Lock()
	defer mu.Unlock()
	require.NotEmpty(t, events)
	last := 0.0
	for _, ev := range events {
		assert.Greater(t, ev.Fraction, last, "progress is monotonic")
		last = ev.Fraction
	}
	assert.InDelta(t, 1.0, last, 1e-9)
}

func TestFailurePolicyAbort(t *testing.T) {
	cfg := testConfig([]string{"polish"}, 1000, config.PolicyAbort)
	client := echoClient()
	client.errs = []error{gateway.ErrModelUnavailable}

	st, orch := newTestPipeline(t, cfg, client, nil)
	orch.Start()
	defer orch.Stop()

	id, err := orch.Submit(context.Background(), "some text.", "test")
	require.NoError(t, err)

	sess := waitStatus(t, st, id, store.StatusFailed)
	assert.Equal(t, 0, sess.FailedSegmentIndex)
	assert.Contains(t, sess.FailureReason, "unavailable")
}

func TestFailurePolicySkip_PassesInputThrough(t *testing.T) {
	cfg := testConfig([]string{"polish"}, 40, config.PolicySkip)
	client := echoClient()
	client.errs = []error{gateway.ErrModelUnavailable} // first segment fails

	st, orch := newTestPipeline(t, cfg, client, nil)
	orch.Start()
	defer orch.Stop()

	text := "First sentence goes here. Second sentence goes there."
	id, err := orch.Submit(context.Background(), text, "test")
	require.NoError(t, err)
	waitStatus(t, st, id, store.StatusCompleted)

	segs, err := st.ListSegments(context.Background(), id, "polish")
	require.NoError(t, err)
	require.Len(t, segs, 2)
	assert.Equal(t, store.SegmentFailed, segs[0].Status)
	assert.Equal(t, segs[0].InputText, segs[0].OutputText.String,
		"skipped segment passes its input through")
	assert.Equal(t, store.SegmentDone, segs[1].Status)
}

func TestRejectionAbortsEvenUnderSkipPolicy(t *testing.T) {
	cfg := testConfig([]string{"polish"}, 1000, config.PolicySkip)
	client := echoClient()
	client.errs = []error{fmt.Errorf("wrapped: %w", gateway.ErrModelRejected)}

	st, orch := newTestPipeline(t, cfg, client, nil)
	orch.Start()
	defer orch.Stop()

	id, err := orch.Submit(context.Background(), "some text.", "test")
	require.NoError(t, err)

	sess := waitStatus(t, st, id, store.StatusFailed)
	assert.Contains(t, sess.FailureReason, "rejected")
}

func TestSubmit_UnknownMode(t *testing.T) {
	cfg := testConfig([]string{"polish"}, 1000, config.PolicyAbort)
	_, orch := newTestPipeline(t, cfg, echoClient(), nil)

	_, err := orch.Submit(context.Background(), "text", "nonexistent")
	assert.ErrorContains(t, err, "unknown processing mode")
}

func TestSubmit_InvalidSegmentBound(t *testing.T) {
	cfg := testConfig([]string{"polish"}, 0, config.PolicyAbort)
	_, orch := newTestPipeline(t, cfg, echoClient(), nil)

	_, err := orch.Submit(context.Background(), "text", "test")
	assert.ErrorContains(t, err, "segmentation failed")
}

func TestSubmit_QueueFull(t *testing.T) {
	cfg := testConfig([]string{"polish"}, 1000, config.PolicyAbort)
	cfg.Pipeline.QueueSize = 1
	st, orch := newTestPipeline(t, cfg, echoClient(), nil)
	// Orchestrator not started: submissions stay queued.

	_, err := orch.Submit(context.Background(), "first.", "test")
	require.NoError(t, err)

	id2, err := orch.Submit(context.Background(), "second.", "test")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "queue full")
	assert.Empty(t, id2)

	failed, err := st.ListByStatus(context.Background(), store.StatusFailed)
	require.NoError(t, err)
	assert.Len(t, failed, 1, "rejected session is recorded as failed")
}

func TestCancelQueuedSession(t *testing.T) {
	cfg := testConfig([]string{"polish"}, 1000, config.PolicyAbort)
	st, orch := newTestPipeline(t, cfg, echoClient(), nil)

	id, err := orch.Submit(context.Background(), "text to cancel.", "test")
	require.NoError(t, err)

	require.NoError(t, orch.Cancel(context.Background(), id))

	sess, err := st.GetSession(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, store.StatusCancelled, sess.Status)

	// Starting later must not run the cancelled session.
	orch.Start()
	defer orch.Stop()
	time.Sleep(50 * time.Millisecond)
	sess, err = st.GetSession(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, store.StatusCancelled, sess.Status)
}

// blockingClient parks every call until its context is cancelled.
type blockingClient struct {
	started chan struct{}
	once    sync.Once
}

func (b *blockingClient) Complete(ctx context.Context, params gateway.CallParams) (*gateway.CallResult, error) {
	b.once.Do(func() { close(b.started) })
	<-ctx.Done()
	return nil, ctx.Err()
}

func (b *blockingClient) Stream(ctx context.Context, params gateway.CallParams) (*gateway.Stream, error) {
	return nil, fmt.Errorf("stream not supported in fake")
}

func TestCancelRunningSession(t *testing.T) {
	cfg := testConfig([]string{"polish"}, 1000, config.PolicyAbort)
	client := &blockingClient{started: make(chan struct{})}
	st, orch := newTestPipeline(t, cfg, client, nil)

	orch.Start()
	defer orch.Stop()

	id, err := orch.Submit(context.Background(), "text held mid-call.", "test")
	require.NoError(t, err)

	select {
	case <-client.started:
	case <-time.After(5 * time.Second):
		t.Fatal("session never reached the model call")
	}

	require.NoError(t, orch.Cancel(context.Background(), id))
	sess := waitStatus(t, st, id, store.StatusCancelled)
	assert.Equal(t, store.StatusCancelled, sess.Status)
}

func TestResume_ContinuesQueuedSessions(t *testing.T) {
	cfg := testConfig([]string{"polish"}, 1000, config.PolicyAbort)
	client := echoClient()

	st, err := store.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	// First orchestrator accepts the session but is never started.
	first := pipeline.New(st, client, cfg, monitoring.NewMetricsCollector(), nil)
	id, err := first.Submit(context.Background(), "text awaiting resume.", "test")
	require.NoError(t, err)

	// Second orchestrator (fresh process) picks it up from the store.
	second := pipeline.New(st, client, cfg, monitoring.NewMetricsCollector(), nil)
	second.Start()
	defer second.Stop()
	require.NoError(t, second.Resume(context.Background()))

	sess := waitStatus(t, st, id, store.StatusCompleted)
	assert.Equal(t, store.StatusCompleted, sess.Status)
}

func TestResume_UsesPersistedCursor(t *testing.T) {
	cfg := testConfig([]string{"polish"}, 40, config.PolicyAbort)
	client := echoClient()

	st, err := store.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	orch := pipeline.New(st, client, cfg, monitoring.NewMetricsCollector(), nil)
	id, err := orch.Submit(context.Background(), "First sentence goes here. Second sentence goes there.", "test")
	require.NoError(t, err)

	// Simulate an interrupted run: segment 0 committed, cursor advanced,
	// process died with the session still processing.
	ctx := context.Background()
	segs, err := st.ListSegments(ctx, id, "polish")
	require.NoError(t, err)
	require.Len(t, segs, 2)
	require.NoError(t, st.AdvanceCursor(ctx, id, "polish", 0, "already rewritten.", store.SegmentDone, false, 0, 1, 0.5))
	require.NoError(t, st.UpdateSessionStatus(ctx, id, store.StatusProcessing, "", -1))

	callsBefore := client.calls
	orch.Start()
	defer orch.Stop()
	require.NoError(t, orch.Resume(ctx))
	waitStatus(t, st, id, store.StatusCompleted)

	client.mu.Lock()
	calls := client.calls - callsBefore
	client.mu.Unlock()
	assert.Equal(t, 1, calls, "only the unfinished segment is re-sent")

	segs, err = st.ListSegments(ctx, id, "polish")
	require.NoError(t, err)
	assert.Equal(t, "already rewritten.", segs[0].OutputText.String,
		"committed output is never rewritten")
}

func TestSetMaxConcurrent(t *testing.T) {
	cfg := testConfig([]string{"polish"}, 1000, config.PolicyAbort)
	_, orch := newTestPipeline(t, cfg, echoClient(), nil)

	assert.NoError(t, orch.SetMaxConcurrent(4))
	assert.Error(t, orch.SetMaxConcurrent(0))
}

// progressFunc adapts a function to monitoring.Reporter.
type progressFunc func(monitoring.ProgressEvent)

func (f progressFunc) Progress(ev monitoring.ProgressEvent) { f(ev) }
