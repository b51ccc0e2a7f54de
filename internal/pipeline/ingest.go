package pipeline

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/studyforge-ai/studyforge/internal/blob"
	"github.com/studyforge-ai/studyforge/internal/capability"
	"github.com/studyforge-ai/studyforge/internal/domain"
	"github.com/studyforge-ai/studyforge/internal/storage"
)

// IngestExecutor rasterizes the source document into one image per page.
type IngestExecutor struct {
	deps ExecutorDeps
}

// NewIngestExecutor creates the ingest stage executor.
func NewIngestExecutor(deps ExecutorDeps) *IngestExecutor {
	return &IngestExecutor{deps: deps}
}

// Stage implements Executor.
func (e *IngestExecutor) Stage() storage.Stage {
	return storage.StageIngest
}

// Plan enumerates one unit per page of the source document.
func (e *IngestExecutor) Plan(ctx context.Context, job *storage.Job) ([]int, error) {
	doc, err := e.deps.Blobs.Get(ctx, job.DocumentKey)
	if err != nil {
		return nil, domain.FatalError("source document unavailable", err)
	}

	count, err := e.deps.Clients.Rasterizer.PageCount(ctx, doc)
	if err != nil {
		return nil, err
	}

	indices := make([]int, count)
	for i := range indices {
		indices[i] = i + 1
	}
	return indices, nil
}

// ExecuteUnit rasterizes one page and stores the image in the blob store.
func (e *IngestExecutor) ExecuteUnit(ctx context.Context, job *storage.Job, idx int) (*storage.StageArtifact, error) {
	doc, err := e.deps.Blobs.Get(ctx, job.DocumentKey)
	if err != nil {
		return nil, domain.FatalError("source document unavailable", err)
	}

	var image []byte
	err = capability.Do(ctx, e.deps.Retry, func() error {
		callCtx, cancel := e.deps.withCallTimeout(ctx)
		defer cancel()

		var rerr error
		image, rerr = e.deps.Clients.Rasterizer.Rasterize(callCtx, doc, idx-1)
		return rerr
	})
	if err != nil {
		return nil, err
	}

	key := blob.ArtifactKey(job.ID, string(storage.StageIngest), idx, "jpg")
	if _, err := e.deps.Blobs.Put(ctx, key, image, "image/jpeg"); err != nil {
		return nil, domain.IOError(fmt.Sprintf("failed to store page %d image", idx), err)
	}

	meta, _ := json.Marshal(map[string]int{"page": idx, "bytes": len(image)})
	return &storage.StageArtifact{
		JobID:   job.ID,
		Stage:   storage.StageIngest,
		Index:   idx,
		Kind:    storage.ArtifactPageImage,
		BlobKey: &key,
		Meta:    meta,
	}, nil
}
