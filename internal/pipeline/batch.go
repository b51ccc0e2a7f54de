package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/studyforge-ai/studyforge/internal/config"
	"github.com/studyforge-ai/studyforge/internal/domain"
	"github.com/studyforge-ai/studyforge/internal/storage"
)

// StageResult summarizes a coordinator run over one stage.
type StageResult struct {
	Total     int
	Completed int
	Failed    int
	Fatal     bool
	FatalErr  error
}

// Complete reports whether the stage can be considered done under its policy.
func (r *StageResult) Complete() bool {
	if r.Fatal {
		return false
	}
	return r.Completed+r.Failed == r.Total
}

// Coordinator drives one stage at a time: it plans the stage's units,
// reconciles them against the durable unit records, and executes the
// outstanding ones in fixed-size batches over a bounded worker pool.
// Units that already finished in a prior run are never re-executed.
type Coordinator struct {
	deps      ExecutorDeps
	tracker   *Tracker
	batchSize int
	workers   map[storage.Stage]int
}

// NewCoordinator creates a batch coordinator from the pipeline config.
func NewCoordinator(deps ExecutorDeps, tracker *Tracker, cfg config.PipelineConfig) *Coordinator {
	batchSize := cfg.BatchSize
	if batchSize <= 0 {
		batchSize = 5
	}
	return &Coordinator{
		deps:      deps,
		tracker:   tracker,
		batchSize: batchSize,
		workers: map[storage.Stage]int{
			storage.StageIngest:     cfg.IngestWorkers,
			storage.StageTranscribe: cfg.TranscribeWorkers,
			storage.StageStructure:  1,
			storage.StageEnrich:     cfg.EnrichWorkers,
			storage.StageAssemble:   1,
		},
	}
}

// workersFor returns the worker-pool size for a stage, never below one.
func (c *Coordinator) workersFor(stage storage.Stage) int {
	n := c.workers[stage]
	if n <= 0 {
		return 1
	}
	return n
}

// StageComplete reports whether a stage already finished in a prior run:
// units exist, none are pending, and failures are absent or tolerable.
func (c *Coordinator) StageComplete(ctx context.Context, job *storage.Job, stage storage.Stage) (bool, error) {
	units, err := c.deps.Repos.Units.ListByStage(ctx, job.ID, stage)
	if err != nil {
		return false, err
	}
	if len(units) == 0 {
		return false, nil
	}

	failed := 0
	for _, unit := range units {
		switch unit.Status {
		case storage.UnitStatusPending:
			return false, nil
		case storage.UnitStatusFailed:
			failed++
		}
	}
	if failed > 0 && PolicyFor(stage) == PolicyFatal {
		return false, nil
	}
	return true, nil
}

// RunStage executes one stage to completion or fatal failure. All bookkeeping
// is durable before and after each unit, so an interrupted run resumes
// without repeating finished work.
func (c *Coordinator) RunStage(ctx context.Context, job *storage.Job, exec Executor) (*StageResult, error) {
	stage := exec.Stage()
	logger := c.deps.Logger.WithJob(job.ID.String()).WithStage(string(stage))

	indices, err := exec.Plan(ctx, job)
	if err != nil {
		// Typed pipeline errors mean the document itself is the problem;
		// anything else is infrastructure and bubbles up for a re-run.
		var perr *domain.PipelineError
		if errors.As(err, &perr) && !domain.IsTransient(err) {
			return &StageResult{Fatal: true, FatalErr: err}, nil
		}
		return nil, err
	}
	if len(indices) == 0 {
		return &StageResult{Fatal: true, FatalErr: domain.FatalError(
			fmt.Sprintf("stage %s planned zero units", stage), nil)}, nil
	}

	pending, result, err := c.reconcileUnits(ctx, job, stage, indices)
	if err != nil {
		return nil, err
	}

	logger.Info().
		Int("total", result.Total).
		Int("already_done", result.Completed).
		Int("outstanding", len(pending)).
		Msg("Stage started")

	if err := c.reportProgress(ctx, job, stage, result); err != nil {
		return nil, err
	}

	for start := 0; start < len(pending); start += c.batchSize {
		end := start + c.batchSize
		if end > len(pending) {
			end = len(pending)
		}

		if err := c.runBatch(ctx, job, exec, pending[start:end], result); err != nil {
			return nil, err
		}
		if result.Fatal {
			break
		}
	}

	if result.Fatal {
		logger.Error().Err(result.FatalErr).Msg("Stage failed fatally")
	} else {
		logger.Info().
			Int("completed", result.Completed).
			Int("failed", result.Failed).
			Msg("Stage finished")
	}
	return result, nil
}

// reconcileUnits syncs the planned indices with the durable unit records and
// returns the indices that still need work. Failed units from a prior run are
// reset to pending and re-dispatched.
func (c *Coordinator) reconcileUnits(ctx context.Context, job *storage.Job, stage storage.Stage, indices []int) ([]int, *StageResult, error) {
	existing, err := c.deps.Repos.Units.ListByStage(ctx, job.ID, stage)
	if err != nil {
		return nil, nil, err
	}
	byIndex := make(map[int]*storage.Unit, len(existing))
	for _, unit := range existing {
		byIndex[unit.Index] = unit
	}

	result := &StageResult{Total: len(indices)}
	var pending []int
	for _, idx := range indices {
		unit, ok := byIndex[idx]
		if ok && unit.Status == storage.UnitStatusDone {
			result.Completed++
			continue
		}

		fresh := &storage.Unit{
			JobID:  job.ID,
			Stage:  stage,
			Index:  idx,
			Status: storage.UnitStatusPending,
		}
		if unit != nil {
			fresh.CreatedAt = unit.CreatedAt
		}
		if err := c.deps.Repos.Units.Upsert(ctx, fresh); err != nil {
			return nil, nil, err
		}
		pending = append(pending, idx)
	}
	return pending, result, nil
}

// runBatch executes one batch of units over the stage's worker pool. Results
// are folded into the shared StageResult under a mutex.
func (c *Coordinator) runBatch(ctx context.Context, job *storage.Job, exec Executor, batch []int, result *StageResult) error {
	stage := exec.Stage()
	workers := c.workersFor(stage)
	if workers > len(batch) {
		workers = len(batch)
	}

	work := make(chan int, len(batch))
	for _, idx := range batch {
		work <- idx
	}
	close(work)

	var mu sync.Mutex
	var wg sync.WaitGroup
	var infraErr error

	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for idx := range work {
				mu.Lock()
				stop := result.Fatal || infraErr != nil
				mu.Unlock()
				if stop {
					return
				}

				err := c.runUnit(ctx, job, exec, idx, result, &mu)
				if err != nil {
					mu.Lock()
					if infraErr == nil {
						infraErr = err
					}
					mu.Unlock()
					return
				}
			}
		}()
	}
	wg.Wait()

	return infraErr
}

// runUnit executes one unit, persists its artifact and final status, and
// reports progress. Returns an error only for infrastructure failures; unit
// failures are folded into the StageResult.
func (c *Coordinator) runUnit(ctx context.Context, job *storage.Job, exec Executor, idx int, result *StageResult, mu *sync.Mutex) error {
	stage := exec.Stage()
	logger := c.deps.Logger.WithJob(job.ID.String()).WithStage(string(stage))

	artifact, execErr := exec.ExecuteUnit(ctx, job, idx)

	unit := &storage.Unit{
		JobID: job.ID,
		Stage: stage,
		Index: idx,
	}

	if execErr != nil {
		detail := execErr.Error()
		unit.Status = storage.UnitStatusFailed
		unit.ErrorDetail = &detail
		if err := c.deps.Repos.Units.Upsert(ctx, unit); err != nil {
			return err
		}

		fatal := domain.IsFatal(execErr) || PolicyFor(stage) == PolicyFatal

		mu.Lock()
		result.Failed++
		if fatal && !result.Fatal {
			result.Fatal = true
			result.FatalErr = execErr
		}
		snapshot := *result
		mu.Unlock()

		logger.Warn().Err(execErr).Int("unit", idx).Bool("fatal", fatal).Msg("Unit failed")
		return c.reportProgress(ctx, job, stage, &snapshot)
	}

	if err := c.deps.Repos.Artifacts.Upsert(ctx, artifact); err != nil {
		return err
	}

	unit.Status = storage.UnitStatusDone
	unit.ArtifactKey = artifact.BlobKey
	if err := c.deps.Repos.Units.Upsert(ctx, unit); err != nil {
		return err
	}

	mu.Lock()
	result.Completed++
	snapshot := *result
	mu.Unlock()

	logger.Debug().Int("unit", idx).Msg("Unit completed")
	return c.reportProgress(ctx, job, stage, &snapshot)
}

// reportProgress pushes the stage's settled-unit count to the tracker.
// Tolerably failed units count as settled so progress keeps moving.
func (c *Coordinator) reportProgress(ctx context.Context, job *storage.Job, stage storage.Stage, result *StageResult) error {
	settled := result.Completed + result.Failed
	message := fmt.Sprintf("%s: %d/%d units", stage, settled, result.Total)

	err := c.tracker.UpdateProgress(ctx, job.ID, stage, settled, result.Total, message)
	if errors.Is(err, ErrJobFinished) {
		return nil
	}
	return err
}
