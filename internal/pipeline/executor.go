package pipeline

import (
	"context"
	"time"

	"github.com/studyforge-ai/studyforge/internal/blob"
	"github.com/studyforge-ai/studyforge/internal/capability"
	"github.com/studyforge-ai/studyforge/internal/observability"
	"github.com/studyforge-ai/studyforge/internal/storage"
)

// Executor runs one pipeline stage, one unit at a time. Implementations are
// pure with respect to pipeline state: they read the unit's upstream
// artifacts, call their external capability, and return the durable artifact.
// The batch coordinator owns unit bookkeeping and artifact persistence.
type Executor interface {
	// Stage names the stage this executor serves.
	Stage() storage.Stage
	// Plan deterministically enumerates the stage's unit indices (1-based).
	// It must produce the same set on every resume.
	Plan(ctx context.Context, job *storage.Job) ([]int, error)
	// ExecuteUnit performs one unit of work and returns its artifact.
	ExecuteUnit(ctx context.Context, job *storage.Job, idx int) (*storage.StageArtifact, error)
}

// ExecutorDeps bundles the collaborators every stage executor receives.
// Capability clients are injected so tests can substitute fakes.
type ExecutorDeps struct {
	Logger      *observability.Logger
	Repos       *storage.Repositories
	Blobs       blob.Store
	Clients     capability.Clients
	Retry       capability.RetryConfig
	CallTimeout time.Duration
}

// callTimeout returns the per-attempt timeout for capability calls.
func (d ExecutorDeps) callTimeout() time.Duration {
	if d.CallTimeout <= 0 {
		return 90 * time.Second
	}
	return d.CallTimeout
}

// withCallTimeout derives a per-attempt context for one capability call.
func (d ExecutorDeps) withCallTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, d.callTimeout())
}

// planFromUpstream enumerates one unit per upstream artifact, preserving the
// upstream indices. Shared by the transcribe and enrich executors.
func planFromUpstream(ctx context.Context, deps ExecutorDeps, job *storage.Job, upstream storage.Stage) ([]int, error) {
	artifacts, err := deps.Repos.Artifacts.ListByStage(ctx, job.ID, upstream)
	if err != nil {
		return nil, err
	}

	indices := make([]int, 0, len(artifacts))
	for _, a := range artifacts {
		indices = append(indices, a.Index)
	}
	return indices, nil
}
