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

const quizSchemaHint = `{"questions":[{"question":"string","choices":["string"],"answer":0}]}`

// EnrichExecutor produces one enrichment per section: a fixed-size quiz or a
// synthesized audio narration, depending on what the job requested.
type EnrichExecutor struct {
	deps                ExecutorDeps
	questionsPerSection int
	voice               capability.VoiceParams
}

// NewEnrichExecutor creates the enrich stage executor.
func NewEnrichExecutor(deps ExecutorDeps, questionsPerSection int, voice capability.VoiceParams) *EnrichExecutor {
	if questionsPerSection <= 0 {
		questionsPerSection = 5
	}
	return &EnrichExecutor{
		deps:                deps,
		questionsPerSection: questionsPerSection,
		voice:               voice,
	}
}

// Stage implements Executor.
func (e *EnrichExecutor) Stage() storage.Stage {
	return storage.StageEnrich
}

// Plan enumerates one unit per generated section.
func (e *EnrichExecutor) Plan(ctx context.Context, job *storage.Job) ([]int, error) {
	return planFromUpstream(ctx, e.deps, job, storage.StageStructure)
}

// ExecuteUnit enriches one section.
func (e *EnrichExecutor) ExecuteUnit(ctx context.Context, job *storage.Job, idx int) (*storage.StageArtifact, error) {
	artifact, err := e.deps.Repos.Artifacts.Get(ctx, job.ID, storage.StageStructure, idx)
	if err != nil {
		return nil, domain.IOError(fmt.Sprintf("section %d record missing", idx), err)
	}

	var section storage.Section
	if len(artifact.Meta) > 0 {
		if err := json.Unmarshal(artifact.Meta, &section); err != nil {
			return nil, domain.PermanentError(fmt.Sprintf("section %d metadata corrupt", idx), err)
		}
	}

	switch job.Enrichment {
	case storage.EnrichmentAudio:
		return e.synthesizeNarration(ctx, job, idx, section)
	default:
		return e.generateQuiz(ctx, job, idx, section)
	}
}

// generateQuiz produces the fixed-size question set for one section.
func (e *EnrichExecutor) generateQuiz(ctx context.Context, job *storage.Job, idx int, section storage.Section) (*storage.StageArtifact, error) {
	prompt := fmt.Sprintf(
		"Write exactly %d multiple-choice study questions (4 choices each, one correct) for the section %q covering pages %d-%d.\n\nSection summary:\n%s",
		e.questionsPerSection, section.Title, section.PageStart, section.PageEnd, section.Summary,
	)

	var raw json.RawMessage
	err := capability.Do(ctx, e.deps.Retry, func() error {
		callCtx, cancel := e.deps.withCallTimeout(ctx)
		defer cancel()

		var gerr error
		raw, gerr = e.deps.Clients.Generator.GenerateStructured(callCtx, prompt, quizSchemaHint)
		return gerr
	})
	if err != nil {
		return nil, err
	}

	var parsed struct {
		Questions []storage.QuizQuestion `json:"questions"`
	}
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return nil, domain.PermanentError("quiz payload is not valid JSON", err)
	}
	if len(parsed.Questions) == 0 {
		return nil, domain.PermanentError("model produced no questions", nil)
	}
	if len(parsed.Questions) > e.questionsPerSection {
		parsed.Questions = parsed.Questions[:e.questionsPerSection]
	}

	content, _ := json.Marshal(parsed.Questions)
	contentStr := string(content)

	return &storage.StageArtifact{
		JobID:   job.ID,
		Stage:   storage.StageEnrich,
		Index:   idx,
		Kind:    storage.ArtifactQuiz,
		Content: &contentStr,
		Meta:    artifactMeta(section),
	}, nil
}

// synthesizeNarration produces one audio clip for the section.
func (e *EnrichExecutor) synthesizeNarration(ctx context.Context, job *storage.Job, idx int, section storage.Section) (*storage.StageArtifact, error) {
	narration := section.Summary
	if section.Title != "" {
		narration = section.Title + ". " + narration
	}

	var audio []byte
	err := capability.Do(ctx, e.deps.Retry, func() error {
		callCtx, cancel := e.deps.withCallTimeout(ctx)
		defer cancel()

		var serr error
		audio, serr = e.deps.Clients.Synthesizer.Synthesize(callCtx, narration, e.voice)
		return serr
	})
	if err != nil {
		return nil, err
	}

	key := blob.ArtifactKey(job.ID, string(storage.StageEnrich), idx, "mp3")
	if _, err := e.deps.Blobs.Put(ctx, key, audio, "audio/mpeg"); err != nil {
		return nil, domain.IOError(fmt.Sprintf("failed to store section %d audio", idx), err)
	}

	return &storage.StageArtifact{
		JobID:   job.ID,
		Stage:   storage.StageEnrich,
		Index:   idx,
		Kind:    storage.ArtifactAudioClip,
		BlobKey: &key,
		Meta:    artifactMeta(section),
	}, nil
}

func artifactMeta(section storage.Section) json.RawMessage {
	meta, _ := json.Marshal(section)
	return meta
}
