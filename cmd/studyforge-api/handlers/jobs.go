// Package handlers provides HTTP handlers for the StudyForge API.
package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/studyforge-ai/studyforge/internal/blob"
	"github.com/studyforge-ai/studyforge/internal/cache"
	"github.com/studyforge-ai/studyforge/internal/observability"
	"github.com/studyforge-ai/studyforge/internal/pipeline"
	"github.com/studyforge-ai/studyforge/internal/storage"
)

var pdfMagic = []byte("%PDF-")

// Enqueuer submits pipeline runs for processing.
type Enqueuer interface {
	EnqueueRun(ctx context.Context, jobID uuid.UUID) error
}

// JobsHandler handles job submission, polling, results, and retries.
type JobsHandler struct {
	logger         *observability.Logger
	repos          *storage.Repositories
	blobs          blob.Store
	cache          cache.Client
	queue          Enqueuer
	tracker        *pipeline.Tracker
	maxUploadBytes int64
	signedURLTTL   time.Duration
}

// NewJobsHandler creates a new jobs handler.
func NewJobsHandler(
	logger *observability.Logger,
	repos *storage.Repositories,
	blobs blob.Store,
	c cache.Client,
	q Enqueuer,
	tracker *pipeline.Tracker,
	maxUploadBytes int64,
	signedURLTTL time.Duration,
) *JobsHandler {
	if maxUploadBytes <= 0 {
		maxUploadBytes = 50 << 20
	}
	if signedURLTTL <= 0 {
		signedURLTTL = time.Hour
	}
	return &JobsHandler{
		logger:         logger,
		repos:          repos,
		blobs:          blobs,
		cache:          c,
		queue:          q,
		tracker:        tracker,
		maxUploadBytes: maxUploadBytes,
		signedURLTTL:   signedURLTTL,
	}
}

// JobDTO is the API representation of a job.
type JobDTO struct {
	ID             string `json:"id"`
	Status         string `json:"status"`
	Stage          string `json:"stage"`
	Enrichment     string `json:"enrichment"`
	Progress       int    `json:"progress"`
	Message        string `json:"message,omitempty"`
	TotalUnits     int    `json:"totalUnits,omitempty"`
	CompletedUnits int    `json:"completedUnits,omitempty"`
	ErrorDetail    string `json:"errorDetail,omitempty"`
	CreatedAt      string `json:"createdAt"`
	UpdatedAt      string `json:"updatedAt"`
}

func jobToDTO(job *storage.Job) JobDTO {
	dto := JobDTO{
		ID:             job.ID.String(),
		Status:         string(job.Status),
		Stage:          string(job.Stage),
		Enrichment:     string(job.Enrichment),
		Progress:       job.Progress,
		Message:        job.Message,
		TotalUnits:     job.TotalUnits,
		CompletedUnits: job.CompletedUnits,
		CreatedAt:      job.CreatedAt.Format(time.RFC3339),
		UpdatedAt:      job.UpdatedAt.Format(time.RFC3339),
	}
	if job.ErrorDetail != nil {
		dto.ErrorDetail = *job.ErrorDetail
	}
	return dto
}

// Submit handles POST /api/v1/jobs. Expects a multipart form with a
// "document" PDF file, a "userId", and an "enrichment" of quiz or audio.
func (h *JobsHandler) Submit(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	r.Body = http.MaxBytesReader(w, r.Body, h.maxUploadBytes)
	if err := r.ParseMultipartForm(h.maxUploadBytes); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid multipart form", err.Error())
		return
	}

	userID, err := uuid.Parse(r.FormValue("userId"))
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid userId", err.Error())
		return
	}

	enrichment := storage.EnrichmentKind(r.FormValue("enrichment"))
	if !enrichment.Valid() {
		h.writeError(w, http.StatusBadRequest, "enrichment must be quiz or audio", "")
		return
	}

	file, header, err := r.FormFile("document")
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "document file is required", err.Error())
		return
	}
	defer file.Close()

	data, err := io.ReadAll(file)
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "failed to read document", err.Error())
		return
	}
	if !bytes.HasPrefix(data, pdfMagic) {
		h.writeError(w, http.StatusBadRequest, "document must be a PDF", "")
		return
	}

	jobID := uuid.New()
	docKey := blob.DocumentKey(jobID)
	if _, err := h.blobs.Put(ctx, docKey, data, "application/pdf"); err != nil {
		h.logger.Error().Err(err).Str("job_id", jobID.String()).Msg("Failed to store document")
		h.writeError(w, http.StatusInternalServerError, "failed to store document", "")
		return
	}

	job := &storage.Job{
		ID:          jobID,
		UserID:      userID,
		DocumentKey: docKey,
		Enrichment:  enrichment,
		Stage:       storage.StageIngest,
		Status:      storage.JobStatusPending,
		Message:     "queued",
	}
	if err := h.repos.Jobs.Create(ctx, job); err != nil {
		h.logger.Error().Err(err).Str("job_id", jobID.String()).Msg("Failed to create job")
		h.writeError(w, http.StatusInternalServerError, "failed to create job", "")
		return
	}

	if err := h.queue.EnqueueRun(ctx, jobID); err != nil {
		h.logger.Error().Err(err).Str("job_id", jobID.String()).Msg("Failed to enqueue job")
		h.writeError(w, http.StatusInternalServerError, "failed to enqueue job", "")
		return
	}

	h.logger.Info().
		Str("job_id", jobID.String()).
		Str("user_id", userID.String()).
		Str("enrichment", string(enrichment)).
		Str("filename", header.Filename).
		Int("bytes", len(data)).
		Msg("Job submitted")

	h.writeJSON(w, http.StatusAccepted, jobToDTO(job))
}

// Status handles GET /api/v1/jobs/{jobID}. Served from the snapshot cache
// when fresh, falling back to the row store.
func (h *JobsHandler) Status(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	jobID, err := uuid.Parse(chi.URLParam(r, "jobID"))
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid job id", err.Error())
		return
	}

	if h.cache != nil {
		if data, err := h.cache.Get(ctx, pipeline.StatusCacheKey(jobID)); err == nil {
			w.Header().Set("Content-Type", "application/json")
			w.Write(data)
			return
		}
	}

	job, err := h.repos.Jobs.GetByID(ctx, jobID)
	if errors.Is(err, storage.ErrNotFound) {
		h.writeError(w, http.StatusNotFound, "job not found", "")
		return
	}
	if err != nil {
		h.logger.Error().Err(err).Str("job_id", jobID.String()).Msg("Failed to load job")
		h.writeError(w, http.StatusInternalServerError, "failed to load job", "")
		return
	}

	h.writeJSON(w, http.StatusOK, jobToDTO(job))
}

// Result handles GET /api/v1/jobs/{jobID}/result. Only ready jobs have a
// result; audio keys are resolved to signed URLs on the way out.
func (h *JobsHandler) Result(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	jobID, err := uuid.Parse(chi.URLParam(r, "jobID"))
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid job id", err.Error())
		return
	}

	job, err := h.repos.Jobs.GetByID(ctx, jobID)
	if errors.Is(err, storage.ErrNotFound) {
		h.writeError(w, http.StatusNotFound, "job not found", "")
		return
	}
	if err != nil {
		h.logger.Error().Err(err).Str("job_id", jobID.String()).Msg("Failed to load job")
		h.writeError(w, http.StatusInternalServerError, "failed to load job", "")
		return
	}

	if job.Status != storage.JobStatusReady {
		h.writeError(w, http.StatusConflict, "job result not ready",
			"current status: "+string(job.Status))
		return
	}
	if len(job.Result) == 0 {
		h.writeError(w, http.StatusInternalServerError, "job has no result", "")
		return
	}

	var record pipeline.AssembledRecord
	if err := json.Unmarshal(job.Result, &record); err != nil {
		h.logger.Error().Err(err).Str("job_id", jobID.String()).Msg("Malformed job result")
		h.writeError(w, http.StatusInternalServerError, "malformed job result", "")
		return
	}

	for i := range record.Sections {
		if record.Sections[i].AudioKey == "" {
			continue
		}
		url, err := h.blobs.SignedURL(ctx, record.Sections[i].AudioKey, h.signedURLTTL)
		if err != nil {
			h.logger.Warn().Err(err).Str("job_id", jobID.String()).Msg("Failed to sign audio URL")
			continue
		}
		record.Sections[i].AudioURL = url
	}

	h.writeJSON(w, http.StatusOK, record)
}

// Retry handles POST /api/v1/jobs/{jobID}/retry. Reopens an errored job and
// re-queues it; finished work is preserved and skipped on the next run.
func (h *JobsHandler) Retry(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	jobID, err := uuid.Parse(chi.URLParam(r, "jobID"))
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid job id", err.Error())
		return
	}

	err = h.tracker.Reopen(ctx, jobID)
	switch {
	case errors.Is(err, storage.ErrNotFound):
		h.writeError(w, http.StatusNotFound, "job not found", "")
		return
	case errors.Is(err, pipeline.ErrJobNotErrored):
		h.writeError(w, http.StatusConflict, "only errored jobs can be retried", "")
		return
	case err != nil:
		h.logger.Error().Err(err).Str("job_id", jobID.String()).Msg("Failed to reopen job")
		h.writeError(w, http.StatusInternalServerError, "failed to reopen job", "")
		return
	}

	if err := h.queue.EnqueueRun(ctx, jobID); err != nil {
		h.logger.Error().Err(err).Str("job_id", jobID.String()).Msg("Failed to enqueue retry")
		h.writeError(w, http.StatusInternalServerError, "failed to enqueue retry", "")
		return
	}

	job, err := h.repos.Jobs.GetByID(ctx, jobID)
	if err != nil {
		h.writeError(w, http.StatusInternalServerError, "failed to load job", "")
		return
	}
	h.writeJSON(w, http.StatusAccepted, jobToDTO(job))
}

// ListByUser handles GET /api/v1/users/{userID}/jobs.
func (h *JobsHandler) ListByUser(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	userID, err := uuid.Parse(chi.URLParam(r, "userID"))
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid user id", err.Error())
		return
	}

	jobs, err := h.repos.Jobs.ListByUser(ctx, userID)
	if err != nil {
		h.logger.Error().Err(err).Str("user_id", userID.String()).Msg("Failed to list jobs")
		h.writeError(w, http.StatusInternalServerError, "failed to list jobs", "")
		return
	}

	dtos := make([]JobDTO, 0, len(jobs))
	for _, job := range jobs {
		dtos = append(dtos, jobToDTO(job))
	}
	h.writeJSON(w, http.StatusOK, map[string]any{"jobs": dtos})
}

func (h *JobsHandler) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func (h *JobsHandler) writeError(w http.ResponseWriter, status int, message, detail string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	resp := map[string]string{"error": message}
	if detail != "" {
		resp["detail"] = detail
	}
	json.NewEncoder(w).Encode(resp)
}
