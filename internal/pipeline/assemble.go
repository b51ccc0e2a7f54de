package pipeline

import (
	"context"
	"encoding/json"
	"time"

	"github.com/studyforge-ai/studyforge/internal/domain"
	"github.com/studyforge-ai/studyforge/internal/storage"
)

// AssembledRecord is the final structured output persisted onto the job.
type AssembledRecord struct {
	JobID       string             `json:"jobId"`
	Enrichment  string             `json:"enrichment"`
	PageCount   int                `json:"pageCount"`
	Pages       []AssembledPage    `json:"pages"`
	Sections    []AssembledSection `json:"sections"`
	AssembledAt time.Time          `json:"assembledAt"`
}

// AssembledPage is one page's transcript entry in the final record.
type AssembledPage struct {
	Page         int      `json:"page"`
	Text         string   `json:"text,omitempty"`
	ContentFlags []string `json:"contentFlags,omitempty"`
	Failed       bool     `json:"failed,omitempty"`
}

// AssembledSection is one section with its enrichment in the final record.
type AssembledSection struct {
	Title         string                 `json:"title"`
	PageStart     int                    `json:"pageStart"`
	PageEnd       int                    `json:"pageEnd"`
	Summary       string                 `json:"summary"`
	Questions     []storage.QuizQuestion `json:"questions,omitempty"`
	AudioKey      string                 `json:"audioKey,omitempty"`
	AudioURL      string                 `json:"audioUrl,omitempty"`
	EnrichmentGap bool                   `json:"enrichmentGap,omitempty"`
}

// AssembleExecutor collects all prior artifacts into the final record.
type AssembleExecutor struct {
	deps ExecutorDeps
}

// NewAssembleExecutor creates the assemble stage executor.
func NewAssembleExecutor(deps ExecutorDeps) *AssembleExecutor {
	return &AssembleExecutor{deps: deps}
}

// Stage implements Executor.
func (e *AssembleExecutor) Stage() storage.Stage {
	return storage.StageAssemble
}

// Plan enumerates the single assembly unit.
func (e *AssembleExecutor) Plan(ctx context.Context, job *storage.Job) ([]int, error) {
	return []int{1}, nil
}

// ExecuteUnit builds the final record from the durable stage outputs.
func (e *AssembleExecutor) ExecuteUnit(ctx context.Context, job *storage.Job, idx int) (*storage.StageArtifact, error) {
	pages, err := e.collectPages(ctx, job)
	if err != nil {
		return nil, err
	}

	sections, err := e.collectSections(ctx, job)
	if err != nil {
		return nil, err
	}
	if len(sections) == 0 {
		return nil, domain.FatalError("no sections available to assemble", nil)
	}

	record := AssembledRecord{
		JobID:       job.ID.String(),
		Enrichment:  string(job.Enrichment),
		PageCount:   len(pages),
		Pages:       pages,
		Sections:    sections,
		AssembledAt: time.Now(),
	}

	content, err := json.Marshal(record)
	if err != nil {
		return nil, domain.PermanentError("failed to encode assembled record", err)
	}
	contentStr := string(content)

	return &storage.StageArtifact{
		JobID:   job.ID,
		Stage:   storage.StageAssemble,
		Index:   idx,
		Kind:    storage.ArtifactRecord,
		Content: &contentStr,
	}, nil
}

// collectPages walks the transcribe units so failed pages surface as gaps.
func (e *AssembleExecutor) collectPages(ctx context.Context, job *storage.Job) ([]AssembledPage, error) {
	units, err := e.deps.Repos.Units.ListByStage(ctx, job.ID, storage.StageTranscribe)
	if err != nil {
		return nil, domain.IOError("failed to list transcribe units", err)
	}

	pages := make([]AssembledPage, 0, len(units))
	for _, unit := range units {
		page := AssembledPage{Page: unit.Index}

		if unit.Status == storage.UnitStatusFailed {
			page.Failed = true
			pages = append(pages, page)
			continue
		}

		artifact, err := e.deps.Repos.Artifacts.Get(ctx, job.ID, storage.StageTranscribe, unit.Index)
		if err != nil {
			page.Failed = true
			pages = append(pages, page)
			continue
		}
		if artifact.Content != nil {
			page.Text = *artifact.Content
		}
		if len(artifact.Meta) > 0 {
			var meta storage.TranscriptMeta
			if json.Unmarshal(artifact.Meta, &meta) == nil {
				page.ContentFlags = meta.ContentFlags
			}
		}
		pages = append(pages, page)
	}
	return pages, nil
}

// collectSections joins each section with its enrichment, marking gaps where
// the enrichment unit failed.
func (e *AssembleExecutor) collectSections(ctx context.Context, job *storage.Job) ([]AssembledSection, error) {
	sectionArtifacts, err := e.deps.Repos.Artifacts.ListByStage(ctx, job.ID, storage.StageStructure)
	if err != nil {
		return nil, domain.IOError("failed to list sections", err)
	}

	enrichUnits, err := e.deps.Repos.Units.ListByStage(ctx, job.ID, storage.StageEnrich)
	if err != nil {
		return nil, domain.IOError("failed to list enrich units", err)
	}
	failedEnrich := map[int]bool{}
	for _, unit := range enrichUnits {
		if unit.Status == storage.UnitStatusFailed {
			failedEnrich[unit.Index] = true
		}
	}

	sections := make([]AssembledSection, 0, len(sectionArtifacts))
	for _, artifact := range sectionArtifacts {
		var section storage.Section
		if len(artifact.Meta) > 0 {
			_ = json.Unmarshal(artifact.Meta, &section)
		}

		assembled := AssembledSection{
			Title:     section.Title,
			PageStart: section.PageStart,
			PageEnd:   section.PageEnd,
			Summary:   section.Summary,
		}

		if failedEnrich[artifact.Index] {
			assembled.EnrichmentGap = true
			sections = append(sections, assembled)
			continue
		}

		enrichment, err := e.deps.Repos.Artifacts.Get(ctx, job.ID, storage.StageEnrich, artifact.Index)
		if err == nil {
			switch enrichment.Kind {
			case storage.ArtifactQuiz:
				if enrichment.Content != nil {
					_ = json.Unmarshal([]byte(*enrichment.Content), &assembled.Questions)
				}
			case storage.ArtifactAudioClip:
				if enrichment.BlobKey != nil {
					assembled.AudioKey = *enrichment.BlobKey
				}
			}
		}
		sections = append(sections, assembled)
	}
	return sections, nil
}
