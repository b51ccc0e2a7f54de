package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"hash/fnv"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/studyforge-ai/studyforge/internal/cache"
	"github.com/studyforge-ai/studyforge/internal/observability"
	"github.com/studyforge-ai/studyforge/internal/storage"
)

// ErrJobFinished is returned when a mutation targets a job that already
// reached a terminal status. Finished jobs are immutable.
var ErrJobFinished = errors.New("job already finished")

// ErrJobNotErrored is returned when a retry targets a job that is not in the
// error state.
var ErrJobNotErrored = errors.New("job is not in error state")

// Snapshot is the cached status view served to polling clients.
type Snapshot struct {
	ID             string    `json:"id"`
	Status         string    `json:"status"`
	Stage          string    `json:"stage"`
	Progress       int       `json:"progress"`
	Message        string    `json:"message"`
	TotalUnits     int       `json:"totalUnits"`
	CompletedUnits int       `json:"completedUnits"`
	ErrorDetail    string    `json:"errorDetail,omitempty"`
	UpdatedAt      time.Time `json:"updatedAt"`
}

// StatusCacheKey returns the cache key holding a job's status snapshot.
func StatusCacheKey(jobID uuid.UUID) string {
	return "job:" + jobID.String() + ":status"
}

// lockShards bounds the tracker's lock set. Jobs hash onto a fixed shard,
// so a long-lived worker never accumulates per-job state.
const lockShards = 64

// Tracker owns the mutable job-progress record. It is the single writer:
// all progress and status mutations for one job are serialized behind a
// sharded mutex, so concurrent unit completions never race on the counters.
type Tracker struct {
	logger   *observability.Logger
	jobs     *storage.JobRepository
	cache    cache.Client
	cacheTTL time.Duration

	locks [lockShards]sync.Mutex
}

// NewTracker creates a progress tracker. The cache may be nil.
func NewTracker(logger *observability.Logger, jobs *storage.JobRepository, c cache.Client, cacheTTL time.Duration) *Tracker {
	if cacheTTL <= 0 {
		cacheTTL = 30 * time.Second
	}
	return &Tracker{
		logger:   logger,
		jobs:     jobs,
		cache:    c,
		cacheTTL: cacheTTL,
	}
}

// jobLock returns the shard mutex serializing mutations for one job. Jobs
// sharing a shard serialize against each other, which only costs throughput.
func (t *Tracker) jobLock(jobID uuid.UUID) *sync.Mutex {
	h := fnv.New32a()
	h.Write(jobID[:])
	return &t.locks[h.Sum32()%lockShards]
}

// UpdateProgress records unit progress within a stage. Percent is a weighted
// sum across stages plus the unit fraction within the active stage, and is
// clamped so it never regresses, including across resumed runs.
func (t *Tracker) UpdateProgress(ctx context.Context, jobID uuid.UUID, stage storage.Stage, completed, total int, message string) error {
	lock := t.jobLock(jobID)
	lock.Lock()
	defer lock.Unlock()

	job, err := t.jobs.GetByID(ctx, jobID)
	if err != nil {
		return err
	}
	if job.Status.Terminal() {
		return ErrJobFinished
	}

	pct := percentFor(stage, completed, total)
	if pct < job.Progress {
		pct = job.Progress
	}

	job.Stage = stage
	job.Status = storage.JobStatusRunning
	job.Progress = pct
	job.Message = message
	job.TotalUnits = total
	job.CompletedUnits = completed

	if err := t.jobs.Update(ctx, job); err != nil {
		return err
	}
	t.refreshSnapshot(ctx, job)

	t.logger.Debug().
		Str("job_id", jobID.String()).
		Str("stage", string(stage)).
		Int("completed", completed).
		Int("total", total).
		Int("percent", pct).
		Msg("Progress updated")

	return nil
}

// SetStatus transitions the job's overall status. It is the only way to reach
// a terminal state. Setting the same terminal status twice is a no-op; any
// other mutation after a terminal state is rejected with ErrJobFinished.
func (t *Tracker) SetStatus(ctx context.Context, jobID uuid.UUID, status storage.JobStatus, message string) error {
	lock := t.jobLock(jobID)
	lock.Lock()
	defer lock.Unlock()

	job, err := t.jobs.GetByID(ctx, jobID)
	if err != nil {
		return err
	}
	if job.Status.Terminal() {
		if job.Status == status {
			return nil
		}
		return ErrJobFinished
	}

	job.Status = status
	if message != "" {
		job.Message = message
	}

	switch status {
	case storage.JobStatusReady:
		job.Progress = 100
	case storage.JobStatusError:
		detail := message
		job.ErrorDetail = &detail
	}

	if err := t.jobs.Update(ctx, job); err != nil {
		return err
	}
	t.refreshSnapshot(ctx, job)

	t.logger.Info().
		Str("job_id", jobID.String()).
		Str("status", string(status)).
		Str("message", message).
		Msg("Job status changed")

	return nil
}

// Reopen moves an errored job back to pending so it can be re-queued. This is
// the only sanctioned exit from a terminal state, reserved for the explicit
// retry operation. Ready jobs stay immutable.
func (t *Tracker) Reopen(ctx context.Context, jobID uuid.UUID) error {
	lock := t.jobLock(jobID)
	lock.Lock()
	defer lock.Unlock()

	job, err := t.jobs.GetByID(ctx, jobID)
	if err != nil {
		return err
	}
	if job.Status != storage.JobStatusError {
		return ErrJobNotErrored
	}

	job.Status = storage.JobStatusPending
	job.Message = "retry requested"
	job.ErrorDetail = nil

	if err := t.jobs.Update(ctx, job); err != nil {
		return err
	}
	t.refreshSnapshot(ctx, job)

	t.logger.Info().Str("job_id", jobID.String()).Msg("Job reopened for retry")
	return nil
}

// SaveResult persists the assembled record onto the job. Rejected once the
// job is terminal.
func (t *Tracker) SaveResult(ctx context.Context, jobID uuid.UUID, result json.RawMessage) error {
	lock := t.jobLock(jobID)
	lock.Lock()
	defer lock.Unlock()

	job, err := t.jobs.GetByID(ctx, jobID)
	if err != nil {
		return err
	}
	if job.Status.Terminal() {
		return ErrJobFinished
	}

	job.Result = result
	if err := t.jobs.Update(ctx, job); err != nil {
		return err
	}
	t.refreshSnapshot(ctx, job)
	return nil
}

// refreshSnapshot writes the polling snapshot through to the cache.
func (t *Tracker) refreshSnapshot(ctx context.Context, job *storage.Job) {
	if t.cache == nil {
		return
	}

	snap := Snapshot{
		ID:             job.ID.String(),
		Status:         string(job.Status),
		Stage:          string(job.Stage),
		Progress:       job.Progress,
		Message:        job.Message,
		TotalUnits:     job.TotalUnits,
		CompletedUnits: job.CompletedUnits,
		UpdatedAt:      job.UpdatedAt,
	}
	if job.ErrorDetail != nil {
		snap.ErrorDetail = *job.ErrorDetail
	}

	data, err := json.Marshal(snap)
	if err != nil {
		return
	}
	if err := t.cache.Set(ctx, StatusCacheKey(job.ID), data, t.cacheTTL); err != nil {
		t.logger.Warn().Err(err).Str("job_id", job.ID.String()).Msg("Failed to refresh status snapshot")
	}
}
