package store_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quillforge/restyle/internal/store"
)

func openTestStore(t *testing.T) *store.Store {
	t.Helper()
	st, err := store.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })
	return st
}

func createTestSession(t *testing.T, st *store.Store, id string) {
	t.Helper()
	err := st.CreateSession(context.Background(), &store.Session{
		ID:           id,
		OriginalText: "Heading\n\nBody text here.",
		Mode:         "polish",
		StageConfigs: `{"stage_order":["polish"]}`,
	}, "polish", []store.Segment{
		{InputText: "Heading\n\n", IsTitle: true},
		{InputText: "Body text here."},
	})
	require.NoError(t, err)
}

func TestCreateAndGetSession(t *testing.T) {
	st := openTestStore(t)
	createTestSession(t, st, "s1")

	sess, err := st.GetSession(context.Background(), "s1")
	require.NoError(t, err)

	assert.Equal(t, store.StatusQueued, sess.Status)
	assert.Equal(t, "polish", sess.Mode)
	assert.Equal(t, 0, sess.StageIndex)
	assert.Equal(t, 0, sess.SegmentIndex)
	assert.Equal(t, -1, sess.FailedSegmentIndex)
	assert.Zero(t, sess.Progress)
}

func TestGetSession_NotFound(t *testing.T) {
	st := openTestStore(t)
	_, err := st.GetSession(context.Background(), "missing")
	assert.ErrorContains(t, err, "not found")
}

func TestListSegments_OrderedWithFlags(t *testing.T) {
	st := openTestStore(t)
	createTestSession(t, st, "s1")

	segs, err := st.ListSegments(context.Background(), "s1", "polish")
	require.NoError(t, err)
	require.Len(t, segs, 2)

	assert.Equal(t, 0, segs[0].Index)
	assert.True(t, segs[0].IsTitle)
	assert.Equal(t, store.SegmentPending, segs[0].Status)
	assert.False(t, segs[0].OutputText.Valid)
	assert.Equal(t, "Body text here.", segs[1].InputText)
}

func TestMarkSegmentProcessing(t *testing.T) {
	st := openTestStore(t)
	createTestSession(t, st, "s1")
	ctx := context.Background()

	require.NoError(t, st.MarkSegmentProcessing(ctx, "s1", "polish", 0))

	segs, err := st.ListSegments(ctx, "s1", "polish")
	require.NoError(t, err)
	assert.Equal(t, store.SegmentProcessing, segs[0].Status)
	assert.Equal(t, store.SegmentPending, segs[1].Status)

	// A written segment keeps its terminal status.
	require.NoError(t, st.AdvanceCursor(ctx, "s1", "polish", 0, "out", store.SegmentDone, false, 0, 1, 0.5))
	require.NoError(t, st.MarkSegmentProcessing(ctx, "s1", "polish", 0))
	segs, err = st.ListSegments(ctx, "s1", "polish")
	require.NoError(t, err)
	assert.Equal(t, store.SegmentDone, segs[0].Status)
}

func TestAdvanceCursor_WritesOutputAndCursorAtomically(t *testing.T) {
	st := openTestStore(t)
	createTestSession(t, st, "s1")
	ctx := context.Background()

	err := st.AdvanceCursor(ctx, "s1", "polish", 0, "Heading\n\n", store.SegmentDone, false, 0, 1, 0.5)
	require.NoError(t, err)

	sess, err := st.GetSession(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, 0, sess.StageIndex)
	assert.Equal(t, 1, sess.SegmentIndex)
	assert.InDelta(t, 0.5, sess.Progress, 1e-9)

	segs, err := st.ListSegments(ctx, "s1", "polish")
	require.NoError(t, err)
	assert.True(t, segs[0].OutputText.Valid)
	assert.Equal(t, "Heading\n\n", segs[0].OutputText.String)
	assert.Equal(t, store.SegmentDone, segs[0].Status)
}

func TestAdvanceCursor_OutputIsWriteOnce(t *testing.T) {
	st := openTestStore(t)
	createTestSession(t, st, "s1")
	ctx := context.Background()

	require.NoError(t, st.AdvanceCursor(ctx, "s1", "polish", 0, "first", store.SegmentDone, false, 0, 1, 0.5))

	err := st.AdvanceCursor(ctx, "s1", "polish", 0, "second", store.SegmentDone, false, 0, 1, 0.5)
	assert.ErrorContains(t, err, "already written")

	// The cursor must not have moved on the failed write.
	segs, err2 := st.ListSegments(ctx, "s1", "polish")
	require.NoError(t, err2)
	assert.Equal(t, "first", segs[0].OutputText.String)
}

func TestAdvanceCursor_SoftFailPersisted(t *testing.T) {
	st := openTestStore(t)
	createTestSession(t, st, "s1")
	ctx := context.Background()

	require.NoError(t, st.AdvanceCursor(ctx, "s1", "polish", 1, "deviant output", store.SegmentDone, true, 1, 0, 1.0))

	segs, err := st.ListSegments(ctx, "s1", "polish")
	require.NoError(t, err)
	assert.True(t, segs[1].SoftFail)
	assert.False(t, segs[0].SoftFail)
}

func TestUpdateSessionStatus(t *testing.T) {
	st := openTestStore(t)
	createTestSession(t, st, "s1")
	ctx := context.Background()

	require.NoError(t, st.UpdateSessionStatus(ctx, "s1", store.StatusFailed, "model rejected request", 1))

	sess, err := st.GetSession(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, store.StatusFailed, sess.Status)
	assert.Equal(t, "model rejected request", sess.FailureReason)
	assert.Equal(t, 1, sess.FailedSegmentIndex)

	assert.Error(t, st.UpdateSessionStatus(ctx, "missing", store.StatusFailed, "", -1))
}

func TestInsertStageSegments_SecondStage(t *testing.T) {
	st := openTestStore(t)
	createTestSession(t, st, "s1")
	ctx := context.Background()

	err := st.InsertStageSegments(ctx, "s1", "enhance", []store.Segment{
		{InputText: "polished heading", IsTitle: true},
		{InputText: "polished body"},
	})
	require.NoError(t, err)

	segs, err := st.ListSegments(ctx, "s1", "enhance")
	require.NoError(t, err)
	require.Len(t, segs, 2)
	assert.True(t, segs[0].IsTitle)
	assert.Equal(t, "polished body", segs[1].InputText)
}

func TestChangeLogs_AppendOnlyInOrder(t *testing.T) {
	st := openTestStore(t)
	createTestSession(t, st, "s1")
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		require.NoError(t, st.InsertChangeLog(ctx, &store.ChangeLog{
			SessionID:    "s1",
			Stage:        "polish",
			SegmentIndex: i,
			Before:       "before",
			After:        "after",
			Diff:         "--- original\n+++ rewritten\n",
		}))
	}

	logs, err := st.ListChangeLogs(ctx, "s1")
	require.NoError(t, err)
	require.Len(t, logs, 3)
	assert.Equal(t, 0, logs[0].SegmentIndex)
	assert.Equal(t, 2, logs[2].SegmentIndex)
}

func TestListByStatus(t *testing.T) {
	st := openTestStore(t)
	createTestSession(t, st, "s1")
	createTestSession(t, st, "s2")
	ctx := context.Background()

	require.NoError(t, st.UpdateSessionStatus(ctx, "s2", store.StatusProcessing, "", -1))

	queued, err := st.ListByStatus(ctx, store.StatusQueued)
	require.NoError(t, err)
	assert.Equal(t, []string{"s1"}, queued)

	processing, err := st.ListByStatus(ctx, store.StatusProcessing)
	require.NoError(t, err)
	assert.Equal(t, []string{"s2"}, processing)
}

func TestSettings_UpsertAndRead(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()

	_, ok, err := st.GetSetting(ctx, "prompt.polish")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, st.SetSetting(ctx, "prompt.polish", "v1 {{text}}"))
	require.NoError(t, st.SetSetting(ctx, "prompt.polish", "v2 {{text}}"))

	value, ok, err := st.GetSetting(ctx, "prompt.polish")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "v2 {{text}}", value)
}

func TestGetStats(t *testing.T) {
	st := openTestStore(t)
	createTestSession(t, st, "s1")
	createTestSession(t, st, "s2")
	ctx := context.Background()

	require.NoError(t, st.UpdateSessionStatus(ctx, "s2", store.StatusCompleted, "", -1))
	require.NoError(t, st.InsertChangeLog(ctx, &store.ChangeLog{SessionID: "s1", Stage: "polish"}))

	stats, err := st.GetStats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Sessions[store.StatusQueued])
	assert.Equal(t, 1, stats.Sessions[store.StatusCompleted])
	assert.Equal(t, 4, stats.Segments)
	assert.Equal(t, 1, stats.ChangeLogs)
}
