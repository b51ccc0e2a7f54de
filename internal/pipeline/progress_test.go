package pipeline

import (
	"context"
	"encoding/json"
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/studyforge-ai/studyforge/internal/storage"
)

func TestUpdateProgressNeverRegresses(t *testing.T) {
	h := newHarness(t, 1)
	job := h.submitJob(t, storage.EnrichmentQuiz)
	ctx := context.Background()

	require.NoError(t, h.tracker.UpdateProgress(ctx, job.ID, storage.StageEnrich, 2, 4, "enriching"))
	high := h.reloadJob(t, job.ID).Progress
	assert.Greater(t, high, 50)

	// A stale update from an earlier stage must not move the bar backwards.
	require.NoError(t, h.tracker.UpdateProgress(ctx, job.ID, storage.StageIngest, 1, 3, "late echo"))
	assert.Equal(t, high, h.reloadJob(t, job.ID).Progress)
}

func TestUpdateProgressSetsRunningState(t *testing.T) {
	h := newHarness(t, 1)
	job := h.submitJob(t, storage.EnrichmentQuiz)
	ctx := context.Background()

	require.NoError(t, h.tracker.UpdateProgress(ctx, job.ID, storage.StageTranscribe, 1, 4, "transcribe: 1/4 units"))

	got := h.reloadJob(t, job.ID)
	assert.Equal(t, storage.JobStatusRunning, got.Status)
	assert.Equal(t, storage.StageTranscribe, got.Stage)
	assert.Equal(t, 4, got.TotalUnits)
	assert.Equal(t, 1, got.CompletedUnits)
	assert.Equal(t, "transcribe: 1/4 units", got.Message)
}

func TestSetStatusReadyPinsProgress(t *testing.T) {
	h := newHarness(t, 1)
	job := h.submitJob(t, storage.EnrichmentQuiz)
	ctx := context.Background()

	require.NoError(t, h.tracker.SetStatus(ctx, job.ID, storage.JobStatusReady, "done"))

	got := h.reloadJob(t, job.ID)
	assert.Equal(t, storage.JobStatusReady, got.Status)
	assert.Equal(t, 100, got.Progress)
}

func TestSetStatusErrorRecordsDetail(t *testing.T) {
	h := newHarness(t, 1)
	job := h.submitJob(t, storage.EnrichmentQuiz)
	ctx := context.Background()

	require.NoError(t, h.tracker.SetStatus(ctx, job.ID, storage.JobStatusError, "stage ingest failed"))

	got := h.reloadJob(t, job.ID)
	assert.Equal(t, storage.JobStatusError, got.Status)
	require.NotNil(t, got.ErrorDetail)
	assert.Equal(t, "stage ingest failed", *got.ErrorDetail)
}

func TestFinishedJobIsImmutable(t *testing.T) {
	h := newHarness(t, 1)
	job := h.submitJob(t, storage.EnrichmentQuiz)
	ctx := context.Background()

	require.NoError(t, h.tracker.SetStatus(ctx, job.ID, storage.JobStatusReady, "done"))

	assert.ErrorIs(t, h.tracker.UpdateProgress(ctx, job.ID, storage.StageEnrich, 1, 2, "late"), ErrJobFinished)
	assert.ErrorIs(t, h.tracker.SetStatus(ctx, job.ID, storage.JobStatusError, "flip"), ErrJobFinished)
	assert.ErrorIs(t, h.tracker.SaveResult(ctx, job.ID, json.RawMessage(`{}`)), ErrJobFinished)

	// Re-announcing the same terminal status is harmless.
	assert.NoError(t, h.tracker.SetStatus(ctx, job.ID, storage.JobStatusReady, "done again"))
	assert.Equal(t, storage.JobStatusReady, h.reloadJob(t, job.ID).Status)
}

func TestReopenOnlyFromError(t *testing.T) {
	h := newHarness(t, 1)
	job := h.submitJob(t, storage.EnrichmentQuiz)
	ctx := context.Background()

	// Pending and ready jobs cannot be reopened.
	assert.ErrorIs(t, h.tracker.Reopen(ctx, job.ID), ErrJobNotErrored)

	require.NoError(t, h.tracker.SetStatus(ctx, job.ID, storage.JobStatusError, "boom"))
	require.NoError(t, h.tracker.Reopen(ctx, job.ID))

	got := h.reloadJob(t, job.ID)
	assert.Equal(t, storage.JobStatusPending, got.Status)
	assert.Nil(t, got.ErrorDetail)
}

func TestSnapshotWrittenThroughToCache(t *testing.T) {
	h := newHarness(t, 1)
	job := h.submitJob(t, storage.EnrichmentQuiz)
	ctx := context.Background()

	require.NoError(t, h.tracker.UpdateProgress(ctx, job.ID, storage.StageIngest, 1, 2, "ingest: 1/2 units"))

	data, err := h.cache.Get(ctx, StatusCacheKey(job.ID))
	require.NoError(t, err)

	var snap Snapshot
	require.NoError(t, json.Unmarshal(data, &snap))
	assert.Equal(t, job.ID.String(), snap.ID)
	assert.Equal(t, "running", snap.Status)
	assert.Equal(t, "ingest", snap.Stage)
	assert.Equal(t, 2, snap.TotalUnits)
	assert.Equal(t, 1, snap.CompletedUnits)
}

func TestJobLocksAreBounded(t *testing.T) {
	h := newHarness(t, 1)

	seen := map[*sync.Mutex]bool{}
	for i := 0; i < 1000; i++ {
		id := uuid.New()
		lock := h.tracker.jobLock(id)
		seen[lock] = true
		// The same job always maps to the same lock.
		assert.Same(t, lock, h.tracker.jobLock(id))
	}
	assert.LessOrEqual(t, len(seen), lockShards)
}
