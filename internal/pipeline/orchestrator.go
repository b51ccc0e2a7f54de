package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/google/uuid"

	"github.com/studyforge-ai/studyforge/internal/capability"
	"github.com/studyforge-ai/studyforge/internal/config"
	"github.com/studyforge-ai/studyforge/internal/observability"
	"github.com/studyforge-ai/studyforge/internal/storage"
)

// Orchestrator walks a job through the stage sequence. Finished stages are
// skipped on resume, fatal stage failures finish the job as errored, and the
// assembled record is saved before the job is marked ready.
type Orchestrator struct {
	logger      *observability.Logger
	repos       *storage.Repositories
	tracker     *Tracker
	coordinator *Coordinator
	executors   map[storage.Stage]Executor

	mu      sync.Mutex
	running map[uuid.UUID]bool
}

// NewOrchestrator wires the full stage sequence from the executor deps.
func NewOrchestrator(deps ExecutorDeps, tracker *Tracker, cfg config.PipelineConfig, voice capability.VoiceParams) *Orchestrator {
	return &Orchestrator{
		logger:      deps.Logger,
		repos:       deps.Repos,
		tracker:     tracker,
		coordinator: NewCoordinator(deps, tracker, cfg),
		executors: map[storage.Stage]Executor{
			storage.StageIngest:     NewIngestExecutor(deps),
			storage.StageTranscribe: NewTranscribeExecutor(deps),
			storage.StageStructure:  NewStructureExecutor(deps, cfg.StructureCharBudget),
			storage.StageEnrich:     NewEnrichExecutor(deps, cfg.QuestionsPerSection, voice),
			storage.StageAssemble:   NewAssembleExecutor(deps),
		},
		running: map[uuid.UUID]bool{},
	}
}

// acquire marks the job as running in this process. Returns false when
// another goroutine already holds it.
func (o *Orchestrator) acquire(jobID uuid.UUID) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.running[jobID] {
		return false
	}
	o.running[jobID] = true
	return true
}

func (o *Orchestrator) release(jobID uuid.UUID) {
	o.mu.Lock()
	defer o.mu.Unlock()
	delete(o.running, jobID)
}

// RunJob executes a job from wherever it last stopped. It returns an error
// only for infrastructure failures worth re-queueing; document-level failures
// finish the job as errored and return nil.
func (o *Orchestrator) RunJob(ctx context.Context, jobID uuid.UUID) error {
	if !o.acquire(jobID) {
		o.logger.Warn().Str("job_id", jobID.String()).Msg("Job already running, skipping")
		return nil
	}
	defer o.release(jobID)

	logger := o.logger.WithJob(jobID.String())

	job, err := o.repos.Jobs.GetByID(ctx, jobID)
	if err != nil {
		return fmt.Errorf("failed to load job: %w", err)
	}
	if job.Status.Terminal() {
		logger.Info().Str("status", string(job.Status)).Msg("Job already finished, nothing to do")
		return nil
	}

	if err := o.tracker.SetStatus(ctx, jobID, storage.JobStatusRunning, "pipeline started"); err != nil {
		return err
	}

	for _, stage := range storage.StageOrder {
		done, err := o.coordinator.StageComplete(ctx, job, stage)
		if err != nil {
			return err
		}
		if done {
			logger.Debug().Str("stage", string(stage)).Msg("Stage already complete, skipping")
			continue
		}

		result, err := o.coordinator.RunStage(ctx, job, o.executors[stage])
		if err != nil {
			return fmt.Errorf("stage %s: %w", stage, err)
		}
		if result.Fatal {
			message := fmt.Sprintf("stage %s failed: %v", stage, result.FatalErr)
			if err := o.tracker.SetStatus(ctx, jobID, storage.JobStatusError, message); err != nil {
				return err
			}
			return nil
		}
	}

	return o.finishJob(ctx, job)
}

// finishJob copies the assembled record onto the job and marks it ready.
func (o *Orchestrator) finishJob(ctx context.Context, job *storage.Job) error {
	artifact, err := o.repos.Artifacts.Get(ctx, job.ID, storage.StageAssemble, 1)
	if err != nil {
		return fmt.Errorf("failed to load assembled record: %w", err)
	}
	if artifact.Content == nil {
		return fmt.Errorf("assembled record for job %s has no content", job.ID)
	}

	if err := o.tracker.SaveResult(ctx, job.ID, json.RawMessage(*artifact.Content)); err != nil {
		return err
	}
	return o.tracker.SetStatus(ctx, job.ID, storage.JobStatusReady, "document processed")
}
