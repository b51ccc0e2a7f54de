package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/studyforge-ai/studyforge/internal/capability"
	"github.com/studyforge-ai/studyforge/internal/domain"
	"github.com/studyforge-ai/studyforge/internal/storage"
)

// contentFlagKeywords maps coarse content flags to the keywords that mark
// them in the model's own transcription output. No separate vision pass.
var contentFlagKeywords = map[string][]string{
	"table":    {"table", "tabular"},
	"diagram":  {"diagram", "schematic"},
	"chart":    {"chart", "graph", "plot"},
	"figure":   {"figure", "illustration"},
	"equation": {"equation", "formula"},
}

// TranscribeExecutor extracts text from each page image.
type TranscribeExecutor struct {
	deps ExecutorDeps
}

// NewTranscribeExecutor creates the transcribe stage executor.
func NewTranscribeExecutor(deps ExecutorDeps) *TranscribeExecutor {
	return &TranscribeExecutor{deps: deps}
}

// Stage implements Executor.
func (e *TranscribeExecutor) Stage() storage.Stage {
	return storage.StageTranscribe
}

// Plan enumerates one unit per ingested page image.
func (e *TranscribeExecutor) Plan(ctx context.Context, job *storage.Job) ([]int, error) {
	return planFromUpstream(ctx, e.deps, job, storage.StageIngest)
}

// ExecuteUnit transcribes one page image into a tagged text block.
func (e *TranscribeExecutor) ExecuteUnit(ctx context.Context, job *storage.Job, idx int) (*storage.StageArtifact, error) {
	upstream, err := e.deps.Repos.Artifacts.Get(ctx, job.ID, storage.StageIngest, idx)
	if err != nil {
		return nil, domain.IOError(fmt.Sprintf("page %d image record missing", idx), err)
	}
	if upstream.BlobKey == nil {
		return nil, domain.PermanentError(fmt.Sprintf("page %d image has no blob", idx), nil)
	}

	image, err := e.deps.Blobs.Get(ctx, *upstream.BlobKey)
	if err != nil {
		return nil, domain.IOError(fmt.Sprintf("page %d image unavailable", idx), err)
	}

	var text string
	err = capability.Do(ctx, e.deps.Retry, func() error {
		callCtx, cancel := e.deps.withCallTimeout(ctx)
		defer cancel()

		var terr error
		text, terr = e.deps.Clients.Transcriber.Transcribe(callCtx, image)
		return terr
	})
	if err != nil {
		return nil, err
	}

	meta, _ := json.Marshal(storage.TranscriptMeta{
		Page:         idx,
		ContentFlags: detectContentFlags(text),
	})

	return &storage.StageArtifact{
		JobID:   job.ID,
		Stage:   storage.StageTranscribe,
		Index:   idx,
		Kind:    storage.ArtifactTranscript,
		Content: &text,
		Meta:    meta,
	}, nil
}

// detectContentFlags inspects the transcription for keywords marking tables,
// diagrams, and the like.
func detectContentFlags(text string) []string {
	lower := strings.ToLower(text)

	var flags []string
	for flag, keywords := range contentFlagKeywords {
		for _, kw := range keywords {
			if strings.Contains(lower, kw) {
				flags = append(flags, flag)
				break
			}
		}
	}

	// Deterministic order for stable artifacts.
	sort.Strings(flags)
	return flags
}
