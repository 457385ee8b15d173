// Package pipeline drives rewriting sessions through their stages.
//
// DESIGN: A session is Queued -> Processing -> {Completed, Failed,
// Cancelled}. The cursor (stage index, segment index) is persisted in the
// same transaction as each segment's output, so a crash at any point
// resumes cleanly from the last committed segment. Stage N+1 reads stage
// N's stored outputs as its inputs; each stage gets a fresh history
// compactor.
package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/quillforge/restyle/internal/config"
	"github.com/quillforge/restyle/internal/gateway"
	"github.com/quillforge/restyle/internal/history"
	"github.com/quillforge/restyle/internal/monitoring"
	"github.com/quillforge/restyle/internal/stage"
	"github.com/quillforge/restyle/internal/store"
)

// snapshot is the per-session copy of stage settings taken at submission,
// stored as JSON on the session row. Config or settings edits after
// submission never affect a run in flight, including one being resumed.
type snapshot struct {
	StageOrder []string                      `json:"stage_order"`
	Stages     map[string]config.StageConfig `json:"stages"`
	Summarizer config.StageConfig            `json:"summarizer"`
}

// Settings-store keys recognized as operator overrides at submission.
const settingPromptPrefix = "prompt."

// snapshot builds the stage settings for a new session, applying any
// prompt overrides from the settings store.
func (o *Orchestrator) snapshot(ctx context.Context, order []string) (*snapshot, error) {
	snap := &snapshot{
		StageOrder: order,
		Stages:     make(map[string]config.StageConfig, len(order)),
		Summarizer: o.cfg.Summarizer,
	}

	for _, name := range order {
		sc := o.cfg.Stages[name]
		override, ok, err := o.store.GetSetting(ctx, settingPromptPrefix+name)
		if err != nil {
			return nil, err
		}
		if ok {
			sc.Prompt = override
		}
		snap.Stages[name] = sc
	}

	override, ok, err := o.store.GetSetting(ctx, settingPromptPrefix+"summarizer")
	if err != nil {
		return nil, err
	}
	if ok {
		snap.Summarizer.Prompt = override
	}

	return snap, nil
}

// runSession drives one session from its persisted cursor to a terminal
// status. All failures are recorded on the session; this method never
// returns an error because there is no caller to hand it to.
func (o *Orchestrator) runSession(parent context.Context, id string) {
	ctx, cancel := context.WithCancel(monitoring.WithSessionIDContext(parent, id))
	defer cancel()
	o.registerCancel(id, cancel)
	defer o.unregisterCancel(id)

	sess, err := o.store.GetSession(ctx, id)
	if err != nil {
		log.Error().Err(err).Str("session_id", id).Msg("Failed to load session")
		return
	}
	// A queued session cancelled before dispatch still sits in the queue.
	if sess.Status != store.StatusQueued && sess.Status != store.StatusProcessing {
		log.Debug().Str("session_id", id).Str("status", sess.Status).Msg("Skipping non-runnable session")
		return
	}

	var snap snapshot
	if err := json.Unmarshal([]byte(sess.StageConfigs), &snap); err != nil {
		o.fail(id, -1, fmt.Errorf("corrupt stage config snapshot: %w", err))
		return
	}

	if err := o.store.UpdateSessionStatus(ctx, id, store.StatusProcessing, "", -1); err != nil {
		log.Error().Err(err).Str("session_id", id).Msg("Failed to mark session processing")
		return
	}

	start := time.Now()
	log.Info().Str("session_id", id).Str("mode", sess.Mode).
		Int("stage_index", sess.StageIndex).Int("segment_index", sess.SegmentIndex).
		Msg("Session processing")

	firstStage, err := o.store.ListSegments(ctx, id, snap.StageOrder[0])
	if err != nil {
		o.fail(id, -1, err)
		return
	}
	total := len(firstStage)

	for si := sess.StageIndex; si < len(snap.StageOrder); si++ {
		name := snap.StageOrder[si]

		segs, err := o.stageInputs(ctx, id, &snap, si)
		if err != nil {
			o.fail(id, -1, err)
			return
		}

		compactor := history.New(o.client, o.cfg.History, snap.Summarizer, id, name, o.metrics)
		runner := stage.NewRunner(name, snap.Stages[name], o.client, compactor)

		startSeg := 0
		if si == sess.StageIndex {
			startSeg = sess.SegmentIndex
		}
		// Re-seed the style context from segments already done before an
		// interruption.
		for gi := 0; gi < startSeg; gi++ {
			if segs[gi].OutputText.Valid {
				compactor.Append(ctx, segs[gi].OutputText.String)
			}
		}

		for gi := startSeg; gi < len(segs); gi++ {
			if ctx.Err() != nil {
				o.cancelled(id)
				return
			}

			if !o.runSegment(ctx, id, &snap, runner, segs[gi], si, gi, total) {
				return
			}
		}
	}

	if err := o.store.UpdateSessionStatus(context.Background(), id, store.StatusCompleted, "", -1); err != nil {
		log.Error().Err(err).Str("session_id", id).Msg("Failed to mark session completed")
		return
	}
	o.metrics.RecordSessionEnd(true)
	log.Info().Str("session_id", id).Dur("duration", time.Since(start)).Msg("Session completed")
}

// runSegment processes one segment and persists the outcome. Returns
// false when the session reached a terminal status and the run must stop.
func (o *Orchestrator) runSegment(ctx context.Context, id string, snap *snapshot, runner *stage.Runner, seg store.Segment, si, gi, total int) bool {
	name := snap.StageOrder[si]

	if err := o.store.MarkSegmentProcessing(ctx, id, name, gi); err != nil {
		log.Warn().Err(err).Str("session_id", id).Msg("Failed to mark segment processing")
	}

	outcome, err := runner.Run(ctx, seg.InputText, seg.IsTitle)
	o.metrics.RecordSegment()
	if outcome != nil {
		retries := outcome.Attempts - 1
		if retries < 0 {
			retries = 0
		}
		o.metrics.RecordModelCall(retries)
	}

	nextStage, nextSeg := si, gi+1
	if gi+1 == total {
		nextStage, nextSeg = si+1, 0
	}
	progress := float64(si*total+gi+1) / float64(len(snap.StageOrder)*total)

	if err != nil {
		if ctx.Err() != nil {
			o.cancelled(id)
			return false
		}
		// Model rejections are deterministic; retrying other segments of
		// the same text would burn budget for nothing.
		if errors.Is(err, gateway.ErrModelRejected) || o.cfg.Pipeline.FailurePolicy == config.PolicyAbort {
			o.fail(id, gi, err)
			return false
		}

		// Skip policy: mark the segment failed, pass its input through
		// unchanged, and keep going.
		log.Warn().Err(err).Str("session_id", id).Str("stage", name).Int("segment", gi).
			Msg("Segment failed, skipping per failure policy")
		if err := o.store.AdvanceCursor(ctx, id, name, gi, seg.InputText,
			store.SegmentFailed, false, nextStage, nextSeg, progress); err != nil {
			o.fail(id, gi, err)
			return false
		}
		o.report(id, name, gi, progress, false)
		return true
	}

	if err := o.store.AdvanceCursor(ctx, id, name, gi, outcome.Output,
		store.SegmentDone, outcome.SoftFail, nextStage, nextSeg, progress); err != nil {
		o.fail(id, gi, err)
		return false
	}

	if err := o.store.InsertChangeLog(ctx, &store.ChangeLog{
		SessionID:    id,
		Stage:        name,
		SegmentIndex: gi,
		Before:       outcome.Change.Before,
		After:        outcome.Change.After,
		Diff:         outcome.Change.Diff,
	}); err != nil {
		// The rewrite itself is committed; losing one audit row is not
		// worth failing the run.
		log.Error().Err(err).Str("session_id", id).Msg("Failed to record change log")
	}

	o.report(id, name, gi, progress, outcome.SoftFail)
	return true
}

// stageInputs returns stage si's segments, materializing them from the
// previous stage's outputs on first entry.
func (o *Orchestrator) stageInputs(ctx context.Context, id string, snap *snapshot, si int) ([]store.Segment, error) {
	name := snap.StageOrder[si]
	segs, err := o.store.ListSegments(ctx, id, name)
	if err != nil {
		return nil, err
	}
	if len(segs) > 0 {
		return segs, nil
	}

	prev, err := o.store.ListSegments(ctx, id, snap.StageOrder[si-1])
	if err != nil {
		return nil, err
	}
	inputs := make([]store.Segment, len(prev))
	for i, p := range prev {
		if !p.OutputText.Valid {
			return nil, fmt.Errorf("stage %s segment %d has no output to feed stage %s", snap.StageOrder[si-1], i, name)
		}
		inputs[i] = store.Segment{InputText: p.OutputText.String, IsTitle: p.IsTitle}
	}
	if err := o.store.InsertStageSegments(ctx, id, name, inputs); err != nil {
		return nil, err
	}
	return o.store.ListSegments(ctx, id, name)
}

// fail marks the session failed. Uses a background context so the reason
// is persisted even when the run context is gone.
func (o *Orchestrator) fail(id string, segmentIndex int, cause error) {
	log.Error().Err(cause).Str("session_id", id).Int("segment", segmentIndex).Msg("Session failed")
	if err := o.store.UpdateSessionStatus(context.Background(), id, store.StatusFailed, cause.Error(), segmentIndex); err != nil {
		log.Error().Err(err).Str("session_id", id).Msg("Failed to persist failure status")
	}
	o.metrics.RecordSessionEnd(false)
}

// cancelled handles a context-cancelled run. An explicit Cancel marks the
// session cancelled; shutdown leaves it processing so Resume picks it up.
func (o *Orchestrator) cancelled(id string) {
	if !o.wasCancelled(id) {
		log.Info().Str("session_id", id).Msg("Session interrupted, left for resume")
		return
	}
	log.Info().Str("session_id", id).Msg("Session cancelled")
	if err := o.store.UpdateSessionStatus(context.Background(), id, store.StatusCancelled, "cancelled", -1); err != nil {
		log.Error().Err(err).Str("session_id", id).Msg("Failed to persist cancelled status")
	}
	o.metrics.RecordSessionEnd(false)
}

func (o *Orchestrator) report(id, stageName string, segmentIndex int, fraction float64, softFail bool) {
	if o.reporter == nil {
		return
	}
	o.reporter.Progress(monitoring.ProgressEvent{
		SessionID: id,
		Timestamp: time.Now(),
		Stage:     stageName,
		Segment:   segmentIndex,
		Fraction:  fraction,
		SoftFail:  softFail,
	})
}

// FinalText assembles the completed rewrite: the final stage's outputs
// joined in segment order.
func (o *Orchestrator) FinalText(ctx context.Context, id string) (string, error) {
	sess, err := o.store.GetSession(ctx, id)
	if err != nil {
		return "", err
	}
	if sess.Status != store.StatusCompleted {
		return "", fmt.Errorf("session '%s' is %s, not completed", id, sess.Status)
	}

	var snap snapshot
	if err := json.Unmarshal([]byte(sess.StageConfigs), &snap); err != nil {
		return "", fmt.Errorf("corrupt stage config snapshot: %w", err)
	}

	segs, err := o.store.ListSegments(ctx, id, snap.StageOrder[len(snap.StageOrder)-1])
	if err != nil {
		return "", err
	}

	parts := make([]string, 0, len(segs))
	for _, seg := range segs {
		if seg.OutputText.Valid {
			parts = append(parts, strings.TrimSpace(seg.OutputText.String))
		}
	}
	return strings.Join(parts, "\n\n"), nil
}
