// Package monitoring - metrics.go provides simple counters.
//
// DESIGN: Lightweight in-memory counters for operational metrics:
//   - sessions/completions/failures: session lifecycle counts
//   - segments:                      segments pushed through a stage
//   - model_calls/retries:           upstream call volume
//   - compactions/fallbacks:         history compaction behavior
//
// For production, export these to Prometheus or similar.
package monitoring

import "sync/atomic"

// MetricsCollector collects operational metrics.
type MetricsCollector struct {
	sessions    atomic.Int64
	completions atomic.Int64
	failures    atomic.Int64
	segments    atomic.Int64
	modelCalls  atomic.Int64
	retries     atomic.Int64
	compactions atomic.Int64
	fallbacks   atomic.Int64
}

// NewMetricsCollector creates a new metrics collector.
func NewMetricsCollector() *MetricsCollector {
	return &MetricsCollector{}
}

// RecordSessionStart records a session entering processing.
func (mc *MetricsCollector) RecordSessionStart() { mc.sessions.Add(1) }

// RecordSessionEnd records a terminal session state.
func (mc *MetricsCollector) RecordSessionEnd(completed bool) {
	if completed {
		mc.completions.Add(1)
	} else {
		mc.failures.Add(1)
	}
}

// RecordSegment records one segment completing a stage.
func (mc *MetricsCollector) RecordSegment() { mc.segments.Add(1) }

// RecordModelCall records an upstream model invocation and its retries.
func (mc *MetricsCollector) RecordModelCall(retries int) {
	mc.modelCalls.Add(1)
	mc.retries.Add(int64(retries))
}

// RecordCompaction records a history compaction, or its truncation fallback.
func (mc *MetricsCollector) RecordCompaction(fellBack bool) {
	mc.compactions.Add(1)
	if fellBack {
		mc.fallbacks.Add(1)
	}
}

// Stats returns current metrics.
func (mc *MetricsCollector) Stats() map[string]int64 {
	return map[string]int64{
		"sessions":    mc.sessions.Load(),
		"completions": mc.completions.Load(),
		"failures":    mc.failures.Load(),
		"segments":    mc.segments.Load(),
		"model_calls": mc.modelCalls.Load(),
		"retries":     mc.retries.Load(),
		"compactions": mc.compactions.Load(),
		"fallbacks":   mc.fallbacks.Load(),
	}
}
