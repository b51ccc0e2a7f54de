package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/studyforge-ai/studyforge/internal/capability"
	"github.com/studyforge-ai/studyforge/internal/domain"
	"github.com/studyforge-ai/studyforge/internal/storage"
)

const structureSchemaHint = `{"sections":[{"title":"string","pageStart":1,"pageEnd":2,"summary":"string"}]}`

const structurePrompt = `You are organizing a transcribed document into study
sections. Split the transcript below into ordered topic sections. Each section
names a contiguous page range and carries a short summary suitable as the
basis for quiz questions or narration.`

// StructureExecutor turns the full transcript into an ordered section list.
// It runs as a single unit: one generation call over the concatenated text.
type StructureExecutor struct {
	deps       ExecutorDeps
	charBudget int
}

// NewStructureExecutor creates the structure stage executor. charBudget caps
// the transcript characters sent to the model.
func NewStructureExecutor(deps ExecutorDeps, charBudget int) *StructureExecutor {
	if charBudget <= 0 {
		charBudget = 60000
	}
	return &StructureExecutor{deps: deps, charBudget: charBudget}
}

// Stage implements Executor.
func (e *StructureExecutor) Stage() storage.Stage {
	return storage.StageStructure
}

// Plan enumerates the single structuring unit.
func (e *StructureExecutor) Plan(ctx context.Context, job *storage.Job) ([]int, error) {
	return []int{1}, nil
}

// ExecuteUnit concatenates the transcripts, generates the section list, and
// persists one artifact per section. The returned artifact is section 1; the
// rest are upserted here so a retry overwrites them in place, and any
// sections left over from a longer previous attempt are removed.
func (e *StructureExecutor) ExecuteUnit(ctx context.Context, job *storage.Job, idx int) (*storage.StageArtifact, error) {
	transcript, err := e.buildTranscript(ctx, job)
	if err != nil {
		return nil, err
	}
	if strings.TrimSpace(transcript) == "" {
		return nil, domain.FatalError("no transcribed text to structure", nil)
	}

	var raw json.RawMessage
	err = capability.Do(ctx, e.deps.Retry, func() error {
		callCtx, cancel := e.deps.withCallTimeout(ctx)
		defer cancel()

		var gerr error
		raw, gerr = e.deps.Clients.Generator.GenerateStructured(
			callCtx,
			structurePrompt+"\n\n"+transcript,
			structureSchemaHint,
		)
		return gerr
	})
	if err != nil {
		return nil, err
	}

	var parsed struct {
		Sections []storage.Section `json:"sections"`
	}
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return nil, domain.PermanentError("section list is not valid JSON", err)
	}
	if len(parsed.Sections) == 0 {
		return nil, domain.FatalError("document yielded no sections", nil)
	}

	var first *storage.StageArtifact
	for i, section := range parsed.Sections {
		meta, _ := json.Marshal(section)
		summary := section.Summary
		artifact := &storage.StageArtifact{
			JobID:   job.ID,
			Stage:   storage.StageStructure,
			Index:   i + 1,
			Kind:    storage.ArtifactSection,
			Content: &summary,
			Meta:    meta,
		}

		if i == 0 {
			first = artifact
			continue
		}
		if err := e.deps.Repos.Artifacts.Upsert(ctx, artifact); err != nil {
			return nil, domain.IOError(fmt.Sprintf("failed to persist section %d", i+1), err)
		}
	}

	if err := e.deps.Repos.Artifacts.DeleteAboveIndex(ctx, job.ID, storage.StageStructure, len(parsed.Sections)); err != nil {
		return nil, domain.IOError("failed to drop stale sections", err)
	}

	e.deps.Logger.Info().
		Str("job_id", job.ID.String()).
		Int("sections", len(parsed.Sections)).
		Msg("Document structured")

	return first, nil
}

// buildTranscript joins the transcribed page texts in page order, bounded to
// the character budget by truncating the least-recent content first. Pages
// that failed transcription contribute a placeholder.
func (e *StructureExecutor) buildTranscript(ctx context.Context, job *storage.Job) (string, error) {
	units, err := e.deps.Repos.Units.ListByStage(ctx, job.ID, storage.StageTranscribe)
	if err != nil {
		return "", domain.IOError("failed to list transcribe units", err)
	}

	blocks := make([]string, 0, len(units))
	for _, unit := range units {
		if unit.Status == storage.UnitStatusFailed {
			blocks = append(blocks, fmt.Sprintf("[page %d could not be transcribed]", unit.Index))
			continue
		}

		artifact, err := e.deps.Repos.Artifacts.Get(ctx, job.ID, storage.StageTranscribe, unit.Index)
		if err != nil || artifact.Content == nil {
			blocks = append(blocks, fmt.Sprintf("[page %d unavailable]", unit.Index))
			continue
		}
		blocks = append(blocks, fmt.Sprintf("--- page %d ---\n%s", unit.Index, *artifact.Content))
	}

	transcript := strings.Join(blocks, "\n\n")
	if len(transcript) > e.charBudget {
		transcript = transcript[len(transcript)-e.charBudget:]
		// The byte cut can land inside a multi-byte rune.
		for len(transcript) > 0 && !utf8.RuneStart(transcript[0]) {
			transcript = transcript[1:]
		}
	}
	return transcript, nil
}
