package monitoring_test

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/quillforge/restyle/internal/monitoring"
)

func TestMetricsCollector_Stats(t *testing.T) {
	mc := monitoring.NewMetricsCollector()

	mc.RecordSessionStart()
	mc.RecordSessionEnd(true)
	mc.RecordSessionEnd(false)
	mc.RecordSegment()
	mc.RecordSegment()
	mc.RecordModelCall(2)
	mc.RecordModelCall(0)
	mc.RecordCompaction(false)
	mc.RecordCompaction(true)

	s := mc.Stats()
	assert.Equal(t, int64(1), s["sessions"])
	assert.Equal(t, int64(1), s["completions"])
	assert.Equal(t, int64(1), s["failures"])
	assert.Equal(t, int64(2), s["segments"])
	assert.Equal(t, int64(2), s["model_calls"])
	assert.Equal(t, int64(2), s["retries"])
	assert.Equal(t, int64(2), s["compactions"])
	assert.Equal(t, int64(1), s["fallbacks"])
}
