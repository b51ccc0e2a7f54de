package main

import (
	"database/sql"
	"net/http"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"

	"github.com/studyforge-ai/studyforge/cmd/studyforge-api/handlers"
	"github.com/studyforge-ai/studyforge/internal/blob"
	"github.com/studyforge-ai/studyforge/internal/cache"
	"github.com/studyforge-ai/studyforge/internal/config"
	"github.com/studyforge-ai/studyforge/internal/observability"
	"github.com/studyforge-ai/studyforge/internal/pipeline"
	"github.com/studyforge-ai/studyforge/internal/queue"
	"github.com/studyforge-ai/studyforge/internal/storage"
)

// NewRouter creates the API router with all routes configured.
func NewRouter(
	logger *observability.Logger,
	cfg *config.Config,
	db *sql.DB,
	repos *storage.Repositories,
	blobs blob.Store,
	c cache.Client,
	q *queue.Client,
	tracker *pipeline.Tracker,
) http.Handler {
	r := chi.NewRouter()

	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(chimiddleware.Recoverer)
	r.Use(chimiddleware.Timeout(cfg.Server.RequestTimeout))

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"status":"healthy","service":"studyforge"}`))
	})

	r.Get("/ready", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		if err := db.PingContext(r.Context()); err != nil {
			w.WriteHeader(http.StatusServiceUnavailable)
			w.Write([]byte(`{"status":"unavailable"}`))
			return
		}
		w.Write([]byte(`{"status":"ready"}`))
	})

	jobsHandler := handlers.NewJobsHandler(
		logger, repos, blobs, c, q, tracker,
		cfg.Server.MaxUploadBytes, cfg.Blob.SignedURLTTL,
	)

	r.Route("/api/v1", func(r chi.Router) {
		r.Route("/jobs", func(r chi.Router) {
			r.Post("/", jobsHandler.Submit)
			r.Get("/{jobID}", jobsHandler.Status)
			r.Get("/{jobID}/result", jobsHandler.Result)
			r.Post("/{jobID}/retry", jobsHandler.Retry)
		})

		r.Get("/users/{userID}/jobs", jobsHandler.ListByUser)
	})

	return r
}
