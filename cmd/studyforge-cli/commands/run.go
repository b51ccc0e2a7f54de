package commands

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/studyforge-ai/studyforge/cmd/studyforge-cli/ui"
	"github.com/studyforge-ai/studyforge/internal/blob"
	"github.com/studyforge-ai/studyforge/internal/cache"
	"github.com/studyforge-ai/studyforge/internal/capability"
	"github.com/studyforge-ai/studyforge/internal/config"
	"github.com/studyforge-ai/studyforge/internal/observability"
	"github.com/studyforge-ai/studyforge/internal/pipeline"
	"github.com/studyforge-ai/studyforge/internal/storage"

	"github.com/google/uuid"
)

var (
	runPDFPath    string
	runEnrichment string
	runOutputPath string
	runDBPath     string
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Process a PDF locally, end to end",
	Long: `Run the full pipeline over a local PDF without a server or queue.
Progress state is kept in a local SQLite file, so an interrupted run resumes
from where it stopped when pointed at the same database.`,
	RunE: runLocal,
}

func init() {
	runCmd.Flags().StringVarP(&runPDFPath, "pdf", "p", "", "path to PDF file (required)")
	runCmd.Flags().StringVarP(&runEnrichment, "enrichment", "e", "quiz", "enrichment kind: quiz or audio")
	runCmd.Flags().StringVarP(&runOutputPath, "output", "o", "", "output path for the result JSON")
	runCmd.Flags().StringVar(&runDBPath, "db", "", "sqlite database path (default: alongside the PDF)")
	runCmd.MarkFlagRequired("pdf")
	rootCmd.AddCommand(runCmd)
}

func runLocal(cmd *cobra.Command, args []string) error {
	_ = godotenv.Load()
	ui.Init(noColor)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Hour)
	defer cancel()

	cfg, err := config.Load(cfgFile)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	enrichment := storage.EnrichmentKind(runEnrichment)
	if !enrichment.Valid() {
		return fmt.Errorf("enrichment must be quiz or audio, got %q", runEnrichment)
	}

	data, err := os.ReadFile(runPDFPath)
	if err != nil {
		return fmt.Errorf("read pdf: %w", err)
	}

	if runDBPath == "" {
		runDBPath = strings.TrimSuffix(runPDFPath, filepath.Ext(runPDFPath)) + ".studyforge.db"
	}
	if runOutputPath == "" {
		runOutputPath = strings.TrimSuffix(runPDFPath, filepath.Ext(runPDFPath)) + ".studyforge.json"
	}

	db, err := storage.Open("sqlite", runDBPath)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer db.Close()

	if err := storage.EnsureSchema(ctx, db); err != nil {
		return fmt.Errorf("ensure schema: %w", err)
	}
	repos := storage.NewRepositories(db)

	logger := observability.NewLogger(observability.LogConfig{
		Level:  "warn",
		Format: "console",
	})

	// Blobs live beside the database so a resumed run still finds the
	// page images already rasterized by the interrupted one.
	blobDir := strings.TrimSuffix(runDBPath, filepath.Ext(runDBPath)) + ".blobs"
	blobs, err := blob.NewFSStore(blobDir)
	if err != nil {
		return fmt.Errorf("open blob store: %w", err)
	}
	tracker := pipeline.NewTracker(logger, repos.Jobs, cache.NewMemoryClient(), 0)

	job, created, err := findOrCreateJob(ctx, repos, blobs, data, enrichment)
	if err != nil {
		return err
	}
	if created {
		ui.Info("Processing %s (job %s)", filepath.Base(runPDFPath), job.ID)
	} else {
		ui.Info("Resuming job %s at stage %s (%d%%)", job.ID, job.Stage, job.Progress)
		// Re-seed the source in case the blob directory was cleaned.
		if _, err := blobs.Put(ctx, job.DocumentKey, data, "application/pdf"); err != nil {
			return fmt.Errorf("seed document: %w", err)
		}
	}

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

	bar := ui.NewProgressBar(100, "processing")
	pollCtx, stopPolling := context.WithCancel(ctx)
	go watchProgress(pollCtx, repos, job.ID, bar)

	runErr := orchestrator.RunJob(ctx, job.ID)
	stopPolling()
	bar.Finish()

	if runErr != nil {
		return fmt.Errorf("pipeline run: %w", runErr)
	}

	final, err := repos.Jobs.GetByID(ctx, job.ID)
	if err != nil {
		return fmt.Errorf("load job: %w", err)
	}

	switch final.Status {
	case storage.JobStatusReady:
		if err := os.WriteFile(runOutputPath, final.Result, 0o644); err != nil {
			return fmt.Errorf("write result: %w", err)
		}
		ui.Success("Done. Result saved to %s", runOutputPath)
	case storage.JobStatusError:
		detail := final.Message
		if final.ErrorDetail != nil {
			detail = *final.ErrorDetail
		}
		ui.Error("Job failed: %s", detail)
		ui.Message("Run the same command again to retry; finished work is kept in %s", runDBPath)
		return fmt.Errorf("job failed")
	default:
		return fmt.Errorf("job finished in unexpected status %s", final.Status)
	}
	return nil
}

// findOrCreateJob resumes the most recent unfinished local job, or creates a
// fresh one.
func findOrCreateJob(ctx context.Context, repos *storage.Repositories, blobs blob.Store, data []byte, enrichment storage.EnrichmentKind) (*storage.Job, bool, error) {
	jobs, err := repos.Jobs.ListByUser(ctx, localUserID)
	if err != nil {
		return nil, false, fmt.Errorf("list jobs: %w", err)
	}
	for _, job := range jobs {
		if !job.Status.Terminal() && job.Enrichment == enrichment {
			return job, false, nil
		}
	}

	jobID := uuid.New()
	docKey := blob.DocumentKey(jobID)
	if _, err := blobs.Put(ctx, docKey, data, "application/pdf"); err != nil {
		return nil, false, fmt.Errorf("store document: %w", err)
	}

	job := &storage.Job{
		ID:          jobID,
		UserID:      localUserID,
		DocumentKey: docKey,
		Enrichment:  enrichment,
		Stage:       storage.StageIngest,
		Status:      storage.JobStatusPending,
		Message:     "queued",
	}
	if err := repos.Jobs.Create(ctx, job); err != nil {
		return nil, false, fmt.Errorf("create job: %w", err)
	}
	return job, true, nil
}

// localUserID owns all jobs created by local CLI runs.
var localUserID = uuid.MustParse("00000000-0000-0000-0000-000000000001")

// watchProgress polls the job row and mirrors it onto the progress bar.
func watchProgress(ctx context.Context, repos *storage.Repositories, jobID uuid.UUID, bar *ui.ProgressBar) {
	ticker := time.NewTicker(500 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			job, err := repos.Jobs.GetByID(ctx, jobID)
			if err != nil {
				continue
			}
			bar.Set(int64(job.Progress))
			if job.Message != "" {
				bar.Describe(job.Message)
			}
		}
	}
}
