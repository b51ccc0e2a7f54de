package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestDB(t *testing.T) *sql.DB {
	t.Helper()
	db, err := sql.Open("sqlite3", ":memory:")
	require.NoError(t, err)
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { db.Close() })

	require.NoError(t, EnsureSchema(context.Background(), db))
	return db
}

func newTestJob() *Job {
	return &Job{
		UserID:      uuid.New(),
		DocumentKey: "jobs/x/source.pdf",
		Enrichment:  EnrichmentQuiz,
		Stage:       StageIngest,
		Status:      JobStatusPending,
		Message:     "queued",
	}
}

func TestJobRepositoryCreateAndGet(t *testing.T) {
	repos := NewRepositories(newTestDB(t))
	ctx := context.Background()

	job := newTestJob()
	require.NoError(t, repos.Jobs.Create(ctx, job))
	assert.NotEqual(t, uuid.Nil, job.ID)

	got, err := repos.Jobs.GetByID(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, job.ID, got.ID)
	assert.Equal(t, job.UserID, got.UserID)
	assert.Equal(t, EnrichmentQuiz, got.Enrichment)
	assert.Equal(t, JobStatusPending, got.Status)
	assert.Equal(t, StageIngest, got.Stage)
	assert.Nil(t, got.ErrorDetail)
	assert.Empty(t, got.Result)
}

func TestJobRepositoryGetMissing(t *testing.T) {
	repos := NewRepositories(newTestDB(t))

	_, err := repos.Jobs.GetByID(context.Background(), uuid.New())
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestJobRepositoryUpdate(t *testing.T) {
	repos := NewRepositories(newTestDB(t))
	ctx := context.Background()

	job := newTestJob()
	require.NoError(t, repos.Jobs.Create(ctx, job))

	detail := "page 3 unreadable"
	job.Status = JobStatusError
	job.Stage = StageTranscribe
	job.Progress = 45
	job.ErrorDetail = &detail
	job.Result = json.RawMessage(`{"pages":[]}`)
	require.NoError(t, repos.Jobs.Update(ctx, job))

	got, err := repos.Jobs.GetByID(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, JobStatusError, got.Status)
	assert.Equal(t, StageTranscribe, got.Stage)
	assert.Equal(t, 45, got.Progress)
	require.NotNil(t, got.ErrorDetail)
	assert.Equal(t, detail, *got.ErrorDetail)
	assert.JSONEq(t, `{"pages":[]}`, string(got.Result))
}

func TestJobRepositoryUpdateMissing(t *testing.T) {
	repos := NewRepositories(newTestDB(t))

	job := newTestJob()
	job.ID = uuid.New()
	assert.ErrorIs(t, repos.Jobs.Update(context.Background(), job), ErrNotFound)
}

func TestJobRepositoryListByUser(t *testing.T) {
	repos := NewRepositories(newTestDB(t))
	ctx := context.Background()

	userID := uuid.New()
	for i := 0; i < 3; i++ {
		job := newTestJob()
		job.UserID = userID
		require.NoError(t, repos.Jobs.Create(ctx, job))
	}
	other := newTestJob()
	require.NoError(t, repos.Jobs.Create(ctx, other))

	jobs, err := repos.Jobs.ListByUser(ctx, userID)
	require.NoError(t, err)
	assert.Len(t, jobs, 3)
	for _, job := range jobs {
		assert.Equal(t, userID, job.UserID)
	}
}

func TestUnitRepositoryUpsertOverwrites(t *testing.T) {
	repos := NewRepositories(newTestDB(t))
	ctx := context.Background()

	jobID := uuid.New()
	unit := &Unit{JobID: jobID, Stage: StageTranscribe, Index: 2, Status: UnitStatusPending}
	require.NoError(t, repos.Units.Upsert(ctx, unit))

	detail := "transcription failed"
	unit.Status = UnitStatusFailed
	unit.ErrorDetail = &detail
	require.NoError(t, repos.Units.Upsert(ctx, unit))

	got, err := repos.Units.Get(ctx, jobID, StageTranscribe, 2)
	require.NoError(t, err)
	assert.Equal(t, UnitStatusFailed, got.Status)
	require.NotNil(t, got.ErrorDetail)
	assert.Equal(t, detail, *got.ErrorDetail)

	// Still a single row.
	units, err := repos.Units.ListByStage(ctx, jobID, StageTranscribe)
	require.NoError(t, err)
	assert.Len(t, units, 1)
}

func TestUnitRepositoryListByStageOrdered(t *testing.T) {
	repos := NewRepositories(newTestDB(t))
	ctx := context.Background()

	jobID := uuid.New()
	for _, idx := range []int{3, 1, 2} {
		unit := &Unit{JobID: jobID, Stage: StageIngest, Index: idx, Status: UnitStatusDone}
		require.NoError(t, repos.Units.Upsert(ctx, unit))
	}

	units, err := repos.Units.ListByStage(ctx, jobID, StageIngest)
	require.NoError(t, err)
	require.Len(t, units, 3)
	assert.Equal(t, 1, units[0].Index)
	assert.Equal(t, 2, units[1].Index)
	assert.Equal(t, 3, units[2].Index)
}

func TestArtifactRepositoryUpsertOverwrites(t *testing.T) {
	repos := NewRepositories(newTestDB(t))
	ctx := context.Background()

	jobID := uuid.New()
	text := "first pass"
	artifact := &StageArtifact{
		JobID:   jobID,
		Stage:   StageTranscribe,
		Index:   1,
		Kind:    ArtifactTranscript,
		Content: &text,
		Meta:    json.RawMessage(`{"page":1}`),
	}
	require.NoError(t, repos.Artifacts.Upsert(ctx, artifact))

	retried := "second pass"
	artifact.Content = &retried
	require.NoError(t, repos.Artifacts.Upsert(ctx, artifact))

	got, err := repos.Artifacts.Get(ctx, jobID, StageTranscribe, 1)
	require.NoError(t, err)
	require.NotNil(t, got.Content)
	assert.Equal(t, "second pass", *got.Content)
	assert.Equal(t, ArtifactTranscript, got.Kind)
	assert.JSONEq(t, `{"page":1}`, string(got.Meta))

	artifacts, err := repos.Artifacts.ListByStage(ctx, jobID, StageTranscribe)
	require.NoError(t, err)
	assert.Len(t, artifacts, 1)
}

func TestArtifactRepositoryDeleteAboveIndex(t *testing.T) {
	repos := NewRepositories(newTestDB(t))
	ctx := context.Background()

	jobID := uuid.New()
	for idx := 1; idx <= 4; idx++ {
		summary := "section"
		require.NoError(t, repos.Artifacts.Upsert(ctx, &StageArtifact{
			JobID:   jobID,
			Stage:   StageStructure,
			Index:   idx,
			Kind:    ArtifactSection,
			Content: &summary,
		}))
	}

	require.NoError(t, repos.Artifacts.DeleteAboveIndex(ctx, jobID, StageStructure, 2))

	artifacts, err := repos.Artifacts.ListByStage(ctx, jobID, StageStructure)
	require.NoError(t, err)
	require.Len(t, artifacts, 2)
	assert.Equal(t, 1, artifacts[0].Index)
	assert.Equal(t, 2, artifacts[1].Index)

	// Other stages are untouched.
	text := "page one"
	require.NoError(t, repos.Artifacts.Upsert(ctx, &StageArtifact{
		JobID: jobID, Stage: StageTranscribe, Index: 5, Kind: ArtifactTranscript, Content: &text,
	}))
	require.NoError(t, repos.Artifacts.DeleteAboveIndex(ctx, jobID, StageStructure, 0))
	_, err = repos.Artifacts.Get(ctx, jobID, StageTranscribe, 5)
	assert.NoError(t, err)
}

func TestArtifactRepositoryGetMissing(t *testing.T) {
	repos := NewRepositories(newTestDB(t))

	_, err := repos.Artifacts.Get(context.Background(), uuid.New(), StageEnrich, 9)
	assert.ErrorIs(t, err, ErrNotFound)
}
