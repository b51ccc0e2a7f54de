// Package main provides the StudyForge pipeline worker entrypoint.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"

	"github.com/studyforge-ai/studyforge/internal/blob"
	"github.com/studyforge-ai/studyforge/internal/cache"
	"github.com/studyforge-ai/studyforge/internal/capability"
	"github.com/studyforge-ai/studyforge/internal/config"
	"github.com/studyforge-ai/studyforge/internal/observability"
	"github.com/studyforge-ai/studyforge/internal/pipeline"
	"github.com/studyforge-ai/studyforge/internal/queue"
	"github.com/studyforge-ai/studyforge/internal/storage"
)

func main() {
	_ = godotenv.Load()

	cfgPath := os.Getenv("CONFIG_PATH")
	if len(os.Args) > 2 && os.Args[1] == "--config" {
		cfgPath = os.Args[2]
	}

	cfg, err := config.Load(cfgPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}

	logger := observability.NewLogger(observability.LogConfig{
		Level:       cfg.Observability.LogLevel,
		Format:      cfg.Observability.LogFormat,
		ServiceName: "studyforge-worker",
	})

	logger.Info().
		Str("database", cfg.Database.Driver).
		Str("blob", cfg.Blob.Driver).
		Int("concurrency", cfg.Pipeline.WorkerConcurrency).
		Msg("Starting StudyForge worker")

	db, err := storage.Open(cfg.Database.Driver, cfg.DatabaseDSN())
	if err != nil {
		logger.Fatal().Err(err).Msg("Failed to open database")
	}
	defer db.Close()

	if err := storage.EnsureSchema(context.Background(), db); err != nil {
		logger.Fatal().Err(err).Msg("Failed to ensure schema")
	}
	repos := storage.NewRepositories(db)

	blobs, err := blob.NewStore(cfg.Blob)
	if err != nil {
		logger.Fatal().Err(err).Msg("Failed to create blob store")
	}

	cacheClient, err := cache.NewClient(cfg.Redis)
	if err != nil {
		logger.Fatal().Err(err).Msg("Failed to connect to cache")
	}
	defer cacheClient.Close()

	tracker := pipeline.NewTracker(logger, repos.Jobs, cacheClient, cfg.Redis.CacheTTL)

	deps := pipeline.ExecutorDeps{
		Logger:      logger,
		Repos:       repos,
		Blobs:       blobs,
		Clients:     capability.NewClients(cfg.Capabilities),
		Retry:       capability.RetryConfigFrom(cfg.Pipeline),
		CallTimeout: cfg.Capabilities.CallTimeout,
	}
	voice := capability.VoiceParams{Voice: cfg.Capabilities.SpeechVoice}

	orchestrator := pipeline.NewOrchestrator(deps, tracker, cfg.Pipeline, voice)
	worker := queue.NewWorker(cfg.Redis, cfg.Pipeline.WorkerConcurrency, orchestrator, logger)

	errs := make(chan error, 1)
	go func() {
		errs <- worker.Run()
	}()

	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errs:
		if err != nil {
			logger.Fatal().Err(err).Msg("Worker failed")
		}
	case sig := <-shutdown:
		logger.Info().Str("signal", sig.String()).Msg("Shutdown signal received")
		worker.Shutdown()
	}

	logger.Info().Msg("Worker stopped")
}
