// Session worker pool.
package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/quillforge/restyle/internal/config"
	"github.com/quillforge/restyle/internal/monitoring"
	"github.com/quillforge/restyle/internal/segment"
	"github.com/quillforge/restyle/internal/stage"
	"github.com/quillforge/restyle/internal/store"
)

// Orchestrator admits, schedules, and drives rewriting sessions.
//
// Sessions enter through a bounded queue and run concurrently up to a
// limit that can be raised or lowered at runtime. Segments within one
// session are strictly sequential; only whole sessions run in parallel.
type Orchestrator struct {
	store    *store.Store
	client   stage.Client
	cfg      *config.Config
	metrics  *monitoring.MetricsCollector
	reporter monitoring.Reporter

	queue    chan string
	stopChan chan struct{}
	wg       sync.WaitGroup

	mu         sync.Mutex
	running    bool
	cancels    map[string]context.CancelFunc
	userCancel map[string]bool

	baseCtx    context.Context
	baseCancel context.CancelFunc

	// Resizable concurrency gate.
	slotMu   sync.Mutex
	slotCond *sync.Cond
	active   int
	limit    int
	stopped  bool
}

// New creates an orchestrator. reporter may be nil.
func New(st *store.Store, client stage.Client, cfg *config.Config, metrics *monitoring.MetricsCollector, reporter monitoring.Reporter) *Orchestrator {
	baseCtx, baseCancel := context.WithCancel(context.Background())

	o := &Orchestrator{
		store:      st,
		client:     client,
		cfg:        cfg,
		metrics:    metrics,
		reporter:   reporter,
		queue:      make(chan string, cfg.Pipeline.QueueSize),
		stopChan:   make(chan struct{}),
		cancels:    make(map[string]context.CancelFunc),
		userCancel: make(map[string]bool),
		baseCtx:    baseCtx,
		baseCancel: baseCancel,
		limit:      cfg.Pipeline.MaxConcurrent,
	}
	o.slotCond = sync.NewCond(&o.slotMu)
	return o
}

// Start launches the dispatcher.
func (o *Orchestrator) Start() {
	o.mu.Lock()
	if o.running {
		o.mu.Unlock()
		return
	}
	o.running = true
	o.mu.Unlock()

	log.Info().Int("max_concurrent", o.limit).Msg("Starting pipeline dispatcher")
	o.wg.Add(1)
	go o.dispatch()
}

// Stop cancels running sessions and waits for them to persist their state.
// Interrupted sessions remain `processing` in the store and are picked up
// by Resume on the next start.
func (o *Orchestrator) Stop() {
	o.mu.Lock()
	if !o.running {
		o.mu.Unlock()
		return
	}
	o.running = false
	close(o.stopChan)
	o.mu.Unlock()

	o.baseCancel()

	o.slotMu.Lock()
	o.stopped = true
	o.slotCond.Broadcast()
	o.slotMu.Unlock()

	o.wg.Wait()
	log.Info().Msg("Pipeline dispatcher stopped")
}

// Submit segments the text and creates a queued session. Returns the
// session id. Fails fast on an invalid mode, unsplittable input, or a
// full admission queue.
func (o *Orchestrator) Submit(ctx context.Context, text, mode string) (string, error) {
	order, ok := o.cfg.Modes[mode]
	if !ok {
		return "", fmt.Errorf("unknown processing mode '%s'", mode)
	}

	segs, err := segment.Split(text, o.cfg.Pipeline.MaxSegmentChars)
	if err != nil {
		return "", err
	}
	if len(segs) == 0 {
		return "", fmt.Errorf("input text is empty")
	}

	snap, err := o.snapshot(ctx, order)
	if err != nil {
		return "", err
	}
	snapJSON, err := json.Marshal(snap)
	if err != nil {
		return "", fmt.Errorf("failed to snapshot stage configs: %w", err)
	}

	id := uuid.NewString()
	inputs := make([]store.Segment, len(segs))
	for i, sg := range segs {
		inputs[i] = store.Segment{InputText: sg.Text, IsTitle: sg.IsTitle}
	}

	sess := &store.Session{
		ID:           id,
		OriginalText: text,
		Mode:         mode,
		StageConfigs: string(snapJSON),
	}
	if err := o.store.CreateSession(ctx, sess, order[0], inputs); err != nil {
		return "", err
	}

	select {
	case o.queue <- id:
		o.metrics.RecordSessionStart()
		log.Info().Str("session_id", id).Str("mode", mode).Int("segments", len(segs)).Msg("Session queued")
	default:
		reason := "admission queue full"
		if err := o.store.UpdateSessionStatus(ctx, id, store.StatusFailed, reason, -1); err != nil {
			log.Error().Err(err).Str("session_id", id).Msg("Failed to record queue rejection")
		}
		return "", fmt.Errorf("admission queue full (%d pending)", cap(o.queue))
	}

	return id, nil
}

// Resume re-enqueues sessions left processing by an interrupted run, plus
// any still queued. Call after Start.
func (o *Orchestrator) Resume(ctx context.Context) error {
	var ids []string
	for _, status := range []string{store.StatusProcessing, store.StatusQueued} {
		found, err := o.store.ListByStatus(ctx, status)
		if err != nil {
			return err
		}
		ids = append(ids, found...)
	}

	for _, id := range ids {
		select {
		case o.queue <- id:
			log.Info().Str("session_id", id).Msg("Session re-queued for resume")
		default:
			log.Warn().Str("session_id", id).Msg("Admission queue full, session left for next resume")
		}
	}
	return nil
}

// Cancel stops a session. A running session is cancelled between segments
// (or mid-stream); a queued one is marked cancelled before it starts.
func (o *Orchestrator) Cancel(ctx context.Context, id string) error {
	o.mu.Lock()
	cancel, running := o.cancels[id]
	if running {
		o.userCancel[id] = true
	}
	o.mu.Unlock()

	if running {
		cancel()
		return nil
	}

	sess, err := o.store.GetSession(ctx, id)
	if err != nil {
		return err
	}
	if sess.Status != store.StatusQueued {
		return fmt.Errorf("session '%s' is %s, not cancellable", id, sess.Status)
	}
	return o.store.UpdateSessionStatus(ctx, id, store.StatusCancelled, "cancelled before start", -1)
}

// SetMaxConcurrent adjusts the session concurrency limit at runtime.
// Lowering it never interrupts running sessions; the pool shrinks as they
// finish.
func (o *Orchestrator) SetMaxConcurrent(n int) error {
	if n <= 0 {
		return fmt.Errorf("max_concurrent must be positive")
	}
	o.slotMu.Lock()
	o.limit = n
	o.slotCond.Broadcast()
	o.slotMu.Unlock()
	log.Info().Int("max_concurrent", n).Msg("Concurrency limit updated")
	return nil
}

func (o *Orchestrator) dispatch() {
	defer o.wg.Done()

	for {
		select {
		case <-o.stopChan:
			return
		case id := <-o.queue:
			if !o.acquireSlot() {
				return
			}
			o.wg.Add(1)
			go func(sessionID string) {
				defer o.wg.Done()
				defer o.releaseSlot()
				o.runSession(o.baseCtx, sessionID)
			}(id)
		}
	}
}

// acquireSlot blocks until a concurrency slot is free. Returns false when
// the orchestrator is stopping.
func (o *Orchestrator) acquireSlot() bool {
	o.slotMu.Lock()
	defer o.slotMu.Unlock()
	for o.active >= o.limit && !o.stopped {
		o.slotCond.Wait()
	}
	if o.stopped {
		return false
	}
	o.active++
	return true
}

func (o *Orchestrator) releaseSlot() {
	o.slotMu.Lock()
	o.active--
	o.slotCond.Broadcast()
	o.slotMu.Unlock()
}

func (o *Orchestrator) registerCancel(id string, cancel context.CancelFunc) {
	o.mu.Lock()
	o.cancels[id] = cancel
	o.mu.Unlock()
}

func (o *Orchestrator) unregisterCancel(id string) {
	o.mu.Lock()
	delete(o.cancels, id)
	delete(o.userCancel, id)
	o.mu.Unlock()
}

// wasCancelled reports whether the session's context was cancelled by an
// explicit Cancel call, as opposed to orchestrator shutdown.
func (o *Orchestrator) wasCancelled(id string) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.userCancel[id]
}
