package cmd

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/quillforge/restyle/internal/gateway"
	"github.com/quillforge/restyle/internal/monitoring"
	"github.com/quillforge/restyle/internal/pipeline"
	"github.com/quillforge/restyle/internal/store"
)

// openPipeline wires the store, gateway, and orchestrator from the loaded
// config. Callers own closing the returned store and stopping the
// orchestrator.
func openPipeline(reporter monitoring.Reporter) (*store.Store, *pipeline.Orchestrator, *monitoring.MetricsCollector, error) {
	st, err := store.Open(cfg.Store.Path)
	if err != nil {
		return nil, nil, nil, err
	}

	client := gateway.NewClient(&http.Client{})
	metrics := monitoring.NewMetricsCollector()
	orch := pipeline.New(st, client, cfg, metrics, reporter)
	return st, orch, metrics, nil
}

// printRunStats summarizes this process's model traffic on stderr.
func printRunStats(metrics *monitoring.MetricsCollector) {
	s := metrics.Stats()
	fmt.Fprintf(os.Stderr, "Segments %d, model calls %d (retries %d), compactions %d (fallbacks %d)\n",
		s["segments"], s["model_calls"], s["retries"], s["compactions"], s["fallbacks"])
}

// waitForSessions polls until every given session reaches a terminal
// status, then reports how many completed.
func waitForSessions(ctx context.Context, st *store.Store, ids []string) (completed int, err error) {
	pending := make(map[string]bool, len(ids))
	for _, id := range ids {
		pending[id] = true
	}

	ticker := time.NewTicker(500 * time.Millisecond)
	defer ticker.Stop()

	for len(pending) > 0 {
		select {
		case <-ctx.Done():
			return completed, ctx.Err()
		case <-ticker.C:
		}

		for id := range pending {
			sess, err := st.GetSession(ctx, id)
			if err != nil {
				return completed, err
			}
			switch sess.Status {
			case store.StatusCompleted:
				completed++
				delete(pending, id)
			case store.StatusFailed:
				delete(pending, id)
				fmt.Fprintf(os.Stderr, "Session %s failed at segment %d: %s\n",
					id, sess.FailedSegmentIndex, sess.FailureReason)
			case store.StatusCancelled:
				delete(pending, id)
				fmt.Fprintf(os.Stderr, "Session %s cancelled\n", id)
			}
		}
	}
	return completed, nil
}

// stderrReporter prints one progress line per completed segment.
type stderrReporter struct{}

func (stderrReporter) Progress(ev monitoring.ProgressEvent) {
	mark := ""
	if ev.SoftFail {
		mark = " (length deviation)"
	}
	fmt.Fprintf(os.Stderr, "[%s] %s segment %d done, %.0f%%%s\n",
		ev.SessionID[:8], ev.Stage, ev.Segment, ev.Fraction*100, mark)
}
