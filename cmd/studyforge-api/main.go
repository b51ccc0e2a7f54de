// Package main provides the StudyForge API server entrypoint.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"

	"github.com/studyforge-ai/studyforge/internal/blob"
	"github.com/studyforge-ai/studyforge/internal/cache"
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
		ServiceName: "studyforge-api",
	})

	logger.Info().
		Str("host", cfg.Server.Host).
		Int("port", cfg.Server.Port).
		Str("database", cfg.Database.Driver).
		Str("blob", cfg.Blob.Driver).
		Msg("Starting StudyForge API")

	db, err := storage.Open(cfg.Database.Driver, cfg.DatabaseDSN())
	if err != nil {
		logger.Fatal().Err(err).Msg("Failed to open database")
	}
	defer db.Close()

	ctx := context.Background()
	if err := storage.EnsureSchema(ctx, db); err != nil {
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

	queueClient := queue.NewClient(cfg.Redis, logger)
	defer queueClient.Close()

	tracker := pipeline.NewTracker(logger, repos.Jobs, cacheClient, cfg.Redis.CacheTTL)

	router := NewRouter(logger, cfg, db, repos, blobs, cacheClient, queueClient, tracker)

	addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	srv := &http.Server{
		Addr:         addr,
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	serverErrors := make(chan error, 1)
	go func() {
		logger.Info().Str("addr", addr).Msg("HTTP server listening")
		serverErrors <- srv.ListenAndServe()
	}()

	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-serverErrors:
		logger.Error().Err(err).Msg("Server error")
	case sig := <-shutdown:
		logger.Info().Str("signal", sig.String()).Msg("Shutdown signal received")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.GracefulShutdown)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("Graceful shutdown failed")
		if err := srv.Close(); err != nil {
			logger.Error().Err(err).Msg("Forced shutdown failed")
		}
	}

	logger.Info().Msg("Server stopped")
}
