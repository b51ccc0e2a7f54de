package handlers

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/studyforge-ai/studyforge/internal/blob"
	"github.com/studyforge-ai/studyforge/internal/cache"
	"github.com/studyforge-ai/studyforge/internal/observability"
	"github.com/studyforge-ai/studyforge/internal/pipeline"
	"github.com/studyforge-ai/studyforge/internal/storage"
)

type fakeEnqueuer struct {
	enqueued []uuid.UUID
	err      error
}

func (f *fakeEnqueuer) EnqueueRun(ctx context.Context, jobID uuid.UUID) error {
	if f.err != nil {
		return f.err
	}
	f.enqueued = append(f.enqueued, jobID)
	return nil
}

type apiHarness struct {
	router  chi.Router
	repos   *storage.Repositories
	blobs   *blob.MemoryStore
	cache   *cache.MemoryClient
	queue   *fakeEnqueuer
	tracker *pipeline.Tracker
}

func newAPIHarness(t *testing.T) *apiHarness {
	t.Helper()

	db, err := sql.Open("sqlite3", ":memory:")
	require.NoError(t, err)
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { db.Close() })
	require.NoError(t, storage.EnsureSchema(context.Background(), db))

	h := &apiHarness{
		repos: storage.NewRepositories(db),
		blobs: blob.NewMemoryStore(),
		cache: cache.NewMemoryClient(),
		queue: &fakeEnqueuer{},
	}
	logger := observability.Nop()
	h.tracker = pipeline.NewTracker(logger, h.repos.Jobs, h.cache, time.Minute)

	jobs := NewJobsHandler(logger, h.repos, h.blobs, h.cache, h.queue, h.tracker, 0, 0)

	r := chi.NewRouter()
	r.Route("/api/v1", func(r chi.Router) {
		r.Post("/jobs", jobs.Submit)
		r.Get("/jobs/{jobID}", jobs.Status)
		r.Get("/jobs/{jobID}/result", jobs.Result)
		r.Post("/jobs/{jobID}/retry", jobs.Retry)
		r.Get("/users/{userID}/jobs", jobs.ListByUser)
	})
	h.router = r
	return h
}

func (h *apiHarness) do(req *http.Request) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	h.router.ServeHTTP(rec, req)
	return rec
}

func multipartSubmit(t *testing.T, userID, enrichment string, document []byte) *http.Request {
	t.Helper()

	var body bytes.Buffer
	writer := multipart.NewWriter(&body)
	if userID != "" {
		require.NoError(t, writer.WriteField("userId", userID))
	}
	if enrichment != "" {
		require.NoError(t, writer.WriteField("enrichment", enrichment))
	}
	if document != nil {
		part, err := writer.CreateFormFile("document", "notes.pdf")
		require.NoError(t, err)
		_, err = part.Write(document)
		require.NoError(t, err)
	}
	require.NoError(t, writer.Close())

	req := httptest.NewRequest(http.MethodPost, "/api/v1/jobs", &body)
	req.Header.Set("Content-Type", writer.FormDataContentType())
	return req
}

func (h *apiHarness) seedJob(t *testing.T, status storage.JobStatus) *storage.Job {
	t.Helper()
	job := &storage.Job{
		ID:          uuid.New(),
		UserID:      uuid.New(),
		DocumentKey: "jobs/x/source.pdf",
		Enrichment:  storage.EnrichmentQuiz,
		Stage:       storage.StageIngest,
		Status:      status,
	}
	require.NoError(t, h.repos.Jobs.Create(context.Background(), job))
	return job
}

func TestSubmitAcceptsPDF(t *testing.T) {
	h := newAPIHarness(t)
	userID := uuid.New()

	rec := h.do(multipartSubmit(t, userID.String(), "quiz", []byte("%PDF-1.7 content")))
	require.Equal(t, http.StatusAccepted, rec.Code)

	var dto JobDTO
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &dto))
	assert.Equal(t, "pending", dto.Status)
	assert.Equal(t, "quiz", dto.Enrichment)

	jobID, err := uuid.Parse(dto.ID)
	require.NoError(t, err)
	assert.Equal(t, []uuid.UUID{jobID}, h.queue.enqueued)

	stored, err := h.blobs.Get(context.Background(), blob.DocumentKey(jobID))
	require.NoError(t, err)
	assert.Equal(t, []byte("%PDF-1.7 content"), stored)
}

func TestSubmitValidation(t *testing.T) {
	tests := []struct {
		name       string
		userID     string
		enrichment string
		document   []byte
	}{
		{"missing user id", "", "quiz", []byte("%PDF-1.7")},
		{"bad enrichment", uuid.NewString(), "video", []byte("%PDF-1.7")},
		{"missing document", uuid.NewString(), "quiz", nil},
		{"not a pdf", uuid.NewString(), "audio", []byte("PK\x03\x04 zip")},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newAPIHarness(t)
			rec := h.do(multipartSubmit(t, tt.userID, tt.enrichment, tt.document))
			assert.Equal(t, http.StatusBadRequest, rec.Code)
			assert.Empty(t, h.queue.enqueued)
			assert.Zero(t, h.blobs.Len())
		})
	}
}

func TestStatusFallsBackToStore(t *testing.T) {
	h := newAPIHarness(t)
	job := h.seedJob(t, storage.JobStatusPending)

	rec := h.do(httptest.NewRequest(http.MethodGet, "/api/v1/jobs/"+job.ID.String(), nil))
	require.Equal(t, http.StatusOK, rec.Code)

	var dto JobDTO
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &dto))
	assert.Equal(t, job.ID.String(), dto.ID)
	assert.Equal(t, "pending", dto.Status)
}

func TestStatusServedFromCache(t *testing.T) {
	h := newAPIHarness(t)
	job := h.seedJob(t, storage.JobStatusPending)

	// Progress updates write the snapshot through, so polling hits the cache.
	require.NoError(t, h.tracker.UpdateProgress(context.Background(), job.ID,
		storage.StageTranscribe, 1, 4, "transcribe: 1/4 units"))

	rec := h.do(httptest.NewRequest(http.MethodGet, "/api/v1/jobs/"+job.ID.String(), nil))
	require.Equal(t, http.StatusOK, rec.Code)

	var snap pipeline.Snapshot
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &snap))
	assert.Equal(t, "running", snap.Status)
	assert.Equal(t, "transcribe", snap.Stage)
	assert.Equal(t, 1, snap.CompletedUnits)
}

func TestStatusUnknownJob(t *testing.T) {
	h := newAPIHarness(t)

	rec := h.do(httptest.NewRequest(http.MethodGet, "/api/v1/jobs/"+uuid.NewString(), nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = h.do(httptest.NewRequest(http.MethodGet, "/api/v1/jobs/not-a-uuid", nil))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestResultNotReadyConflicts(t *testing.T) {
	h := newAPIHarness(t)
	job := h.seedJob(t, storage.JobStatusRunning)

	rec := h.do(httptest.NewRequest(http.MethodGet, "/api/v1/jobs/"+job.ID.String()+"/result", nil))
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestResultSignsAudioURLs(t *testing.T) {
	h := newAPIHarness(t)
	job := h.seedJob(t, storage.JobStatusPending)
	ctx := context.Background()

	audioKey := blob.ArtifactKey(job.ID, "enrich", 1, "mp3")
	_, err := h.blobs.Put(ctx, audioKey, []byte("mp3:narration"), "audio/mpeg")
	require.NoError(t, err)

	record := pipeline.AssembledRecord{
		JobID:      job.ID.String(),
		Enrichment: "audio",
		PageCount:  1,
		Sections: []pipeline.AssembledSection{
			{Title: "Photosynthesis", PageStart: 1, PageEnd: 1, AudioKey: audioKey},
		},
	}
	result, err := json.Marshal(record)
	require.NoError(t, err)
	require.NoError(t, h.tracker.SaveResult(ctx, job.ID, result))
	require.NoError(t, h.tracker.SetStatus(ctx, job.ID, storage.JobStatusReady, "done"))

	rec := h.do(httptest.NewRequest(http.MethodGet, "/api/v1/jobs/"+job.ID.String()+"/result", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	var got pipeline.AssembledRecord
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	require.Len(t, got.Sections, 1)
	assert.Equal(t, "memory://"+audioKey, got.Sections[0].AudioURL)
}

func TestRetryReopensErroredJob(t *testing.T) {
	h := newAPIHarness(t)
	job := h.seedJob(t, storage.JobStatusPending)
	require.NoError(t, h.tracker.SetStatus(context.Background(), job.ID,
		storage.JobStatusError, "stage structure failed"))

	rec := h.do(httptest.NewRequest(http.MethodPost, "/api/v1/jobs/"+job.ID.String()+"/retry", nil))
	require.Equal(t, http.StatusAccepted, rec.Code)

	var dto JobDTO
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &dto))
	assert.Equal(t, "pending", dto.Status)
	assert.Empty(t, dto.ErrorDetail)
	assert.Equal(t, []uuid.UUID{job.ID}, h.queue.enqueued)
}

func TestRetryRejectsNonErroredJob(t *testing.T) {
	h := newAPIHarness(t)
	job := h.seedJob(t, storage.JobStatusRunning)

	rec := h.do(httptest.NewRequest(http.MethodPost, "/api/v1/jobs/"+job.ID.String()+"/retry", nil))
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Empty(t, h.queue.enqueued)
}

func TestListByUser(t *testing.T) {
	h := newAPIHarness(t)
	userID := uuid.New()
	for i := 0; i < 2; i++ {
		require.NoError(t, h.repos.Jobs.Create(context.Background(), &storage.Job{
			ID:          uuid.New(),
			UserID:      userID,
			DocumentKey: "jobs/x/source.pdf",
			Enrichment:  storage.EnrichmentQuiz,
			Stage:       storage.StageIngest,
			Status:      storage.JobStatusPending,
		}))
	}
	h.seedJob(t, storage.JobStatusPending)

	rec := h.do(httptest.NewRequest(http.MethodGet, "/api/v1/users/"+userID.String()+"/jobs", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	var resp struct {
		Jobs []JobDTO `json:"jobs"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Len(t, resp.Jobs, 2)
}
