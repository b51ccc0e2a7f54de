package pipeline

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/studyforge-ai/studyforge/internal/storage"
)

func TestRunStageExecutesAllUnits(t *testing.T) {
	h := newHarness(t, 5)
	job := h.submitJob(t, storage.EnrichmentQuiz)
	ctx := context.Background()

	exec := NewIngestExecutor(h.deps)
	result, err := h.coordinator.RunStage(ctx, job, exec)
	require.NoError(t, err)

	assert.True(t, result.Complete())
	assert.Equal(t, 5, result.Total)
	assert.Equal(t, 5, result.Completed)
	assert.Zero(t, result.Failed)
	assert.EqualValues(t, 5, h.rasterizer.rasterizeCalls.Load())

	units, err := h.repos.Units.ListByStage(ctx, job.ID, storage.StageIngest)
	require.NoError(t, err)
	require.Len(t, units, 5)
	for _, unit := range units {
		assert.Equal(t, storage.UnitStatusDone, unit.Status)
		assert.NotNil(t, unit.ArtifactKey)
	}
}

func TestRunStageSkipsFinishedAndRedispatchesFailed(t *testing.T) {
	h := newHarness(t, 3)
	job := h.submitJob(t, storage.EnrichmentQuiz)
	ctx := context.Background()

	exec := NewIngestExecutor(h.deps)
	_, err := h.coordinator.RunStage(ctx, job, exec)
	require.NoError(t, err)
	require.EqualValues(t, 3, h.rasterizer.rasterizeCalls.Load())

	// Knock one unit back to failed, as an interrupted run would leave it.
	detail := "worker crashed"
	require.NoError(t, h.repos.Units.Upsert(ctx, &storage.Unit{
		JobID:       job.ID,
		Stage:       storage.StageIngest,
		Index:       2,
		Status:      storage.UnitStatusFailed,
		ErrorDetail: &detail,
	}))

	result, err := h.coordinator.RunStage(ctx, job, exec)
	require.NoError(t, err)

	// Only the failed unit runs again.
	assert.EqualValues(t, 4, h.rasterizer.rasterizeCalls.Load())
	assert.True(t, result.Complete())
	assert.Equal(t, 3, result.Completed)

	unit2 := findUnit(t, h, job, storage.StageIngest, 2)
	assert.Equal(t, storage.UnitStatusDone, unit2.Status)
	assert.Nil(t, unit2.ErrorDetail)
}

func TestStageCompleteTolerableVersusFatalFailures(t *testing.T) {
	h := newHarness(t, 2)
	job := h.submitJob(t, storage.EnrichmentQuiz)
	ctx := context.Background()

	// No units yet means not complete.
	done, err := h.coordinator.StageComplete(ctx, job, storage.StageTranscribe)
	require.NoError(t, err)
	assert.False(t, done)

	seed := func(stage storage.Stage, idx int, status storage.UnitStatus) {
		require.NoError(t, h.repos.Units.Upsert(ctx, &storage.Unit{
			JobID: job.ID, Stage: stage, Index: idx, Status: status,
		}))
	}

	// A failed unit in a tolerable stage still counts as complete.
	seed(storage.StageTranscribe, 1, storage.UnitStatusDone)
	seed(storage.StageTranscribe, 2, storage.UnitStatusFailed)
	done, err = h.coordinator.StageComplete(ctx, job, storage.StageTranscribe)
	require.NoError(t, err)
	assert.True(t, done)

	// The same shape in a fatal stage does not.
	seed(storage.StageIngest, 1, storage.UnitStatusDone)
	seed(storage.StageIngest, 2, storage.UnitStatusFailed)
	done, err = h.coordinator.StageComplete(ctx, job, storage.StageIngest)
	require.NoError(t, err)
	assert.False(t, done)

	// A pending unit always means more work.
	seed(storage.StageTranscribe, 2, storage.UnitStatusPending)
	done, err = h.coordinator.StageComplete(ctx, job, storage.StageTranscribe)
	require.NoError(t, err)
	assert.False(t, done)
}

func findUnit(t *testing.T, h *harness, job *storage.Job, stage storage.Stage, idx int) *storage.Unit {
	t.Helper()
	units, err := h.repos.Units.ListByStage(context.Background(), job.ID, stage)
	require.NoError(t, err)
	for _, unit := range units {
		if unit.Index == idx {
			return unit
		}
	}
	t.Fatalf("unit %d not found in stage %s", idx, stage)
	return nil
}
