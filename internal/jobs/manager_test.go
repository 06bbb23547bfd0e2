package jobs

import (
	"context"
	"encoding/json"
	"sync/atomic"
	"testing"
	"time"

	"github.com/hibiken/asynq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yourusername/metasqueeze/internal/artifact"
	"github.com/yourusername/metasqueeze/internal/config"
	"github.com/yourusername/metasqueeze/internal/transform"
)

func newTestManager(t *testing.T, h *harness) *Manager {
	t.Helper()
	cfg := &config.Config{
		QueueRedisURL:     "redis://" + h.mr.Addr() + "/0",
		QueueMaxRetry:     3,
		WorkerConcurrency: 1,
		SweepCron:         "@daily",
	}
	m, err := NewManager(cfg, h.store, nil)
	require.NoError(t, err)
	t.Cleanup(m.Shutdown)
	return m
}

func pendingTasks(t *testing.T, h *harness, queue string) []string {
	t.Helper()
	if !h.mr.Exists("asynq:{" + queue + "}:pending") {
		return nil
	}
	ids, err := h.mr.List("asynq:{" + queue + "}:pending")
	require.NoError(t, err)
	return ids
}

func TestTaskIDAndQueue(t *testing.T) {
	a := &artifact.Artifact{ID: "abc", Attempts: 2}
	assert.Equal(t, "abc-2", TaskID(a))
	assert.Equal(t, QueueImages, QueueFor(artifact.KindImageWebP))
	assert.Equal(t, QueueDocuments, QueueFor(artifact.KindWordToText))
}

func TestEnqueueTreatsTaskIDConflictAsQueued(t *testing.T) {
	h := newHarness(t)
	m := newTestManager(t, h)
	ctx := context.Background()

	doc := h.create(t, artifact.KindPDFToText, "report.pdf")
	require.NoError(t, m.Enqueue(ctx, doc))
	require.NoError(t, m.Enqueue(ctx, doc))
	assert.Equal(t, []string{TaskID(doc)}, pendingTasks(t, h, QueueDocuments))

	img := h.create(t, artifact.KindImageJPEG, "photo.png")
	require.NoError(t, m.Enqueue(ctx, img))
	assert.Equal(t, []string{TaskID(img)}, pendingTasks(t, h, QueueImages))
}

func TestRetryReplacesArchivedTask(t *testing.T) {
	h := newHarness(t)
	m := newTestManager(t, h)
	ctx := context.Background()

	a := h.create(t, artifact.KindPDFToText, "report.pdf")
	require.NoError(t, m.Enqueue(ctx, a))

	inspector := asynq.NewInspector(asynq.RedisClientOpt{Addr: h.mr.Addr()})
	t.Cleanup(func() { _ = inspector.Close() })
	require.NoError(t, inspector.ArchiveTask(QueueDocuments, TaskID(a)))
	assert.Empty(t, pendingTasks(t, h, QueueDocuments))

	retried, err := m.Retry(ctx, a.ID)
	require.NoError(t, err)
	assert.Equal(t, artifact.StatusPending, retried.Status)
	assert.Equal(t, []string{TaskID(a)}, pendingTasks(t, h, QueueDocuments))

	info, err := inspector.GetTaskInfo(QueueDocuments, TaskID(a))
	require.NoError(t, err)
	assert.Equal(t, asynq.TaskStatePending, info.State)
}

func TestEnqueueRejectsNonPending(t *testing.T) {
	h := newHarness(t)
	m := newTestManager(t, h)

	a := h.create(t, artifact.KindPDFToText, "report.pdf")
	a.Status = artifact.StatusCompleted
	assert.ErrorIs(t, m.Enqueue(context.Background(), a), artifact.ErrConflict)
}

func TestRetryRequeuesFailedArtifact(t *testing.T) {
	h := newHarness(t)
	m := newTestManager(t, h)
	ctx := context.Background()

	a := h.create(t, artifact.KindPDFToText, "report.pdf")
	_, err := h.store.Update(ctx, a.ID, func(x *artifact.Artifact) error {
		if err := x.Claim("t1", time.Now()); err != nil {
			return err
		}
		return x.Fail("t1", transform.CodeExternalTool, "Conversion failed: boom", time.Now())
	})
	require.NoError(t, err)

	updated, err := m.Retry(ctx, a.ID)
	require.NoError(t, err)
	assert.Equal(t, artifact.StatusPending, updated.Status)
	assert.Empty(t, updated.ErrorMessage)
	assert.Equal(t, 1, updated.Attempts)
	assert.Equal(t, []string{a.ID + "-1"}, pendingTasks(t, h, QueueDocuments))

	// pending のままなら再投入だけ行い、重複はしない
	_, err = m.Retry(ctx, a.ID)
	require.NoError(t, err)
	assert.Len(t, pendingTasks(t, h, QueueDocuments), 1)
}

func TestRetryReleasesProcessingWhenTimeoutDisabled(t *testing.T) {
	h := newHarness(t)
	m := newTestManager(t, h)
	require.Zero(t, m.cfg.StuckProcessingMinutes)
	ctx := context.Background()

	a := h.create(t, artifact.KindPDFToText, "report.pdf")
	_, err := h.store.Update(ctx, a.ID, func(x *artifact.Artifact) error {
		return x.Claim(TaskID(x), time.Now().Add(-72*time.Hour))
	})
	require.NoError(t, err)

	updated, err := m.Retry(ctx, a.ID)
	require.NoError(t, err)
	assert.Equal(t, artifact.StatusPending, updated.Status)
	assert.Empty(t, updated.ClaimToken)
	assert.Equal(t, []string{a.ID + "-1"}, pendingTasks(t, h, QueueDocuments))

	// 元のワーカーの書き込みは処理権喪失として捨てられる
	_, err = h.store.Update(ctx, a.ID, func(x *artifact.Artifact) error {
		return x.Fail(a.ID+"-0", transform.CodeExternalTool, "late", time.Now())
	})
	assert.ErrorIs(t, err, artifact.ErrClaimLost)
}

func TestRetryRejectsCompletedAndMissing(t *testing.T) {
	h := newHarness(t)
	m := newTestManager(t, h)
	ctx := context.Background()

	a := h.create(t, artifact.KindPDFToText, "report.pdf")
	_, err := h.store.Update(ctx, a.ID, func(x *artifact.Artifact) error {
		if err := x.Claim("t1", time.Now()); err != nil {
			return err
		}
		return x.Complete("t1", "converted/"+x.ID+".txt", 4, time.Now())
	})
	require.NoError(t, err)

	_, err = m.Retry(ctx, a.ID)
	assert.ErrorIs(t, err, artifact.ErrConflict)

	_, err = m.Retry(ctx, "missing")
	assert.ErrorIs(t, err, artifact.ErrNotFound)
}

func TestRetryResetsStuckProcessingWhenConfigured(t *testing.T) {
	h := newHarness(t)
	m := newTestManager(t, h)
	m.cfg.StuckProcessingMinutes = 10
	ctx := context.Background()

	a := h.create(t, artifact.KindPDFToText, "report.pdf")
	_, err := h.store.Update(ctx, a.ID, func(x *artifact.Artifact) error {
		return x.Claim("t1", time.Now().Add(-time.Hour))
	})
	require.NoError(t, err)

	updated, err := m.Retry(ctx, a.ID)
	require.NoError(t, err)
	assert.Equal(t, artifact.StatusPending, updated.Status)
	assert.Empty(t, updated.ClaimToken)
}

func TestRetryKeepsFreshProcessingWhenTimeoutConfigured(t *testing.T) {
	h := newHarness(t)
	m := newTestManager(t, h)
	m.cfg.StuckProcessingMinutes = 10
	ctx := context.Background()

	a := h.create(t, artifact.KindPDFToText, "report.pdf")
	_, err := h.store.Update(ctx, a.ID, func(x *artifact.Artifact) error {
		return x.Claim("t1", time.Now().Add(-time.Minute))
	})
	require.NoError(t, err)

	_, err = m.Retry(ctx, a.ID)
	assert.ErrorIs(t, err, artifact.ErrConflict)
	assert.Equal(t, artifact.StatusProcessing, h.get(t, a.ID).Status)
}

func TestHandleProcessRunsExecutor(t *testing.T) {
	h := newHarness(t)
	m := newTestManager(t, h)
	var calls int32
	m.RegisterProcessor(h.executor(t, countingText(artifact.KindPDFToText, &calls)))

	a := h.create(t, artifact.KindPDFToText, "report.pdf")
	body, err := json.Marshal(TaskPayload{ArtifactID: a.ID})
	require.NoError(t, err)

	require.NoError(t, m.handleProcess(context.Background(), asynq.NewTask(TaskTypeProcess, body)))
	assert.EqualValues(t, 1, atomic.LoadInt32(&calls))
	assert.Equal(t, artifact.StatusCompleted, h.get(t, a.ID).Status)
}

func TestHandleProcessRejectsBadPayload(t *testing.T) {
	h := newHarness(t)
	m := newTestManager(t, h)
	m.RegisterProcessor(h.executor(t))

	err := m.handleProcess(context.Background(), asynq.NewTask(TaskTypeProcess, []byte("{")))
	require.Error(t, err)
	assert.ErrorIs(t, err, asynq.SkipRetry)

	err = m.handleProcess(context.Background(), asynq.NewTask(TaskTypeProcess, []byte(`{}`)))
	assert.ErrorIs(t, err, asynq.SkipRetry)
}

func TestStartWorkersRequiresProcessor(t *testing.T) {
	h := newHarness(t)
	m := newTestManager(t, h)
	assert.Error(t, m.StartWorkers())
}
