// Package queue submits and processes pipeline jobs over Redis via asynq.
package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/hibiken/asynq"

	"github.com/studyforge-ai/studyforge/internal/config"
	"github.com/studyforge-ai/studyforge/internal/observability"
	"github.com/studyforge-ai/studyforge/internal/pipeline"
)

// TaskTypePipelineRun identifies the pipeline-run task.
const TaskTypePipelineRun = "pipeline:run"

// QueuePipeline is the asynq queue pipeline tasks land in.
const QueuePipeline = "pipeline"

// pipelinePayload is the task payload for a pipeline run.
type pipelinePayload struct {
	JobID string `json:"jobId"`
}

// redisOpt converts the shared Redis config into asynq's connection options.
func redisOpt(cfg config.RedisConfig) asynq.RedisClientOpt {
	return asynq.RedisClientOpt{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	}
}

// Client enqueues pipeline-run tasks.
type Client struct {
	client *asynq.Client
	logger *observability.Logger
}

// NewClient creates a queue client.
func NewClient(cfg config.RedisConfig, logger *observability.Logger) *Client {
	return &Client{
		client: asynq.NewClient(redisOpt(cfg)),
		logger: logger,
	}
}

// EnqueueRun submits a pipeline run for the job. Safe to call again for the
// same job; the orchestrator skips finished work on re-entry.
func (c *Client) EnqueueRun(ctx context.Context, jobID uuid.UUID) error {
	payload, err := json.Marshal(pipelinePayload{JobID: jobID.String()})
	if err != nil {
		return fmt.Errorf("failed to marshal task payload: %w", err)
	}

	task := asynq.NewTask(TaskTypePipelineRun, payload)
	info, err := c.client.EnqueueContext(ctx, task,
		asynq.Queue(QueuePipeline),
		asynq.MaxRetry(3),
		asynq.Timeout(2*time.Hour),
		asynq.Retention(24*time.Hour),
	)
	if err != nil {
		return fmt.Errorf("failed to enqueue pipeline run: %w", err)
	}

	c.logger.Info().
		Str("job_id", jobID.String()).
		Str("task_id", info.ID).
		Str("queue", info.Queue).
		Msg("Pipeline run enqueued")
	return nil
}

// Close releases the underlying connection.
func (c *Client) Close() error {
	return c.client.Close()
}

// Worker consumes pipeline tasks and drives the orchestrator.
type Worker struct {
	server       *asynq.Server
	orchestrator *pipeline.Orchestrator
	logger       *observability.Logger
}

// NewWorker creates a worker server over the shared Redis connection.
func NewWorker(cfg config.RedisConfig, concurrency int, orchestrator *pipeline.Orchestrator, logger *observability.Logger) *Worker {
	if concurrency <= 0 {
		concurrency = 2
	}
	server := asynq.NewServer(
		redisOpt(cfg),
		asynq.Config{
			Concurrency: concurrency,
			Queues: map[string]int{
				QueuePipeline: 10,
			},
		},
	)
	return &Worker{
		server:       server,
		orchestrator: orchestrator,
		logger:       logger,
	}
}

// Run blocks, processing pipeline tasks until Shutdown is called.
func (w *Worker) Run() error {
	mux := asynq.NewServeMux()
	mux.HandleFunc(TaskTypePipelineRun, w.processRun)
	return w.server.Run(mux)
}

// Shutdown stops the worker, waiting for in-flight tasks.
func (w *Worker) Shutdown() {
	w.server.Shutdown()
}

// processRun loads the job ID from the task and runs the pipeline. Returning
// an error re-queues the task, so only infrastructure failures propagate.
func (w *Worker) processRun(ctx context.Context, task *asynq.Task) error {
	var payload pipelinePayload
	if err := json.Unmarshal(task.Payload(), &payload); err != nil {
		return fmt.Errorf("failed to unmarshal task payload: %w", err)
	}

	jobID, err := uuid.Parse(payload.JobID)
	if err != nil {
		return fmt.Errorf("invalid job id %q: %w", payload.JobID, err)
	}

	w.logger.Info().Str("job_id", jobID.String()).Msg("Processing pipeline run")
	if err := w.orchestrator.RunJob(ctx, jobID); err != nil {
		w.logger.Error().Err(err).Str("job_id", jobID.String()).Msg("Pipeline run failed")
		return err
	}
	return nil
}
