package pipeline

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"
	"github.com/stretchr/testify/require"

	"github.com/studyforge-ai/studyforge/internal/blob"
	"github.com/studyforge-ai/studyforge/internal/cache"
	"github.com/studyforge-ai/studyforge/internal/capability"
	"github.com/studyforge-ai/studyforge/internal/config"
	"github.com/studyforge-ai/studyforge/internal/domain"
	"github.com/studyforge-ai/studyforge/internal/observability"
	"github.com/studyforge-ai/studyforge/internal/storage"
)

// fakeRasterizer yields one synthetic image per page. Page numbers are
// embedded in the image bytes so the fake transcriber can read them back.
type fakeRasterizer struct {
	pages          int
	pageCountErr   error
	pageCountCalls atomic.Int32
	rasterizeCalls atomic.Int32
}

func (f *fakeRasterizer) PageCount(ctx context.Context, pdf []byte) (int, error) {
	f.pageCountCalls.Add(1)
	if f.pageCountErr != nil {
		return 0, f.pageCountErr
	}
	return f.pages, nil
}

func (f *fakeRasterizer) Rasterize(ctx context.Context, pdf []byte, pageIndex int) ([]byte, error) {
	f.rasterizeCalls.Add(1)
	return []byte(fmt.Sprintf("image-page-%d", pageIndex+1)), nil
}

// fakeTranscriber transcribes the synthetic images, optionally failing
// specific pages permanently.
type fakeTranscriber struct {
	failPages map[int]bool
	calls     atomic.Int32
}

func (f *fakeTranscriber) Transcribe(ctx context.Context, image []byte) (string, error) {
	f.calls.Add(1)

	var page int
	fmt.Sscanf(string(image), "image-page-%d", &page)
	if f.failPages[page] {
		return "", domain.PermanentError(fmt.Sprintf("page %d unreadable", page), nil)
	}
	return fmt.Sprintf("Text of page %d about photosynthesis.", page), nil
}

// fakeGenerator answers structure prompts with a fixed section list and quiz
// prompts with a fixed question set. Quiz prompts mentioning failQuizFor
// fail permanently.
type fakeGenerator struct {
	sections       []storage.Section
	failQuizFor    string
	structureCalls atomic.Int32
	quizCalls      atomic.Int32
	lastTranscript string
}

func (f *fakeGenerator) GenerateStructured(ctx context.Context, prompt, schemaHint string) (json.RawMessage, error) {
	if strings.Contains(schemaHint, "sections") {
		f.structureCalls.Add(1)
		f.lastTranscript = prompt
		payload, _ := json.Marshal(map[string]any{"sections": f.sections})
		return payload, nil
	}

	f.quizCalls.Add(1)
	if f.failQuizFor != "" && strings.Contains(prompt, f.failQuizFor) {
		return nil, domain.PermanentError("model refused the section", nil)
	}
	payload, _ := json.Marshal(map[string]any{"questions": []storage.QuizQuestion{
		{Question: "What process do plants use?", Choices: []string{"A", "B", "C", "D"}, Answer: 0},
		{Question: "Where does it happen?", Choices: []string{"A", "B", "C", "D"}, Answer: 2},
	}})
	return payload, nil
}

type fakeSynthesizer struct {
	calls atomic.Int32
}

func (f *fakeSynthesizer) Synthesize(ctx context.Context, text string, voice capability.VoiceParams) ([]byte, error) {
	f.calls.Add(1)
	return []byte("mp3:" + text), nil
}

// harness wires a full in-process pipeline over sqlite and memory blobs.
type harness struct {
	repos        *storage.Repositories
	blobs        *blob.MemoryStore
	cache        *cache.MemoryClient
	tracker      *Tracker
	orchestrator *Orchestrator
	coordinator  *Coordinator
	deps         ExecutorDeps
	cfg          config.PipelineConfig
	voice        capability.VoiceParams

	rasterizer  *fakeRasterizer
	transcriber *fakeTranscriber
	generator   *fakeGenerator
	synthesizer *fakeSynthesizer
}

func defaultSections() []storage.Section {
	return []storage.Section{
		{Title: "Photosynthesis", PageStart: 1, PageEnd: 2, Summary: "How plants make energy."},
		{Title: "Respiration", PageStart: 3, PageEnd: 3, Summary: "How cells burn fuel."},
	}
}

func newHarness(t *testing.T, pages int) *harness {
	t.Helper()

	db, err := sql.Open("sqlite3", ":memory:")
	require.NoError(t, err)
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { db.Close() })
	require.NoError(t, storage.EnsureSchema(context.Background(), db))

	h := &harness{
		repos:       storage.NewRepositories(db),
		blobs:       blob.NewMemoryStore(),
		cache:       cache.NewMemoryClient(),
		rasterizer:  &fakeRasterizer{pages: pages},
		transcriber: &fakeTranscriber{failPages: map[int]bool{}},
		generator:   &fakeGenerator{sections: defaultSections()},
		synthesizer: &fakeSynthesizer{},
	}

	logger := observability.Nop()
	h.tracker = NewTracker(logger, h.repos.Jobs, h.cache, time.Minute)
	h.deps = ExecutorDeps{
		Logger: logger,
		Repos:  h.repos,
		Blobs:  h.blobs,
		Clients: capability.Clients{
			Rasterizer:  h.rasterizer,
			Transcriber: h.transcriber,
			Generator:   h.generator,
			Synthesizer: h.synthesizer,
		},
		Retry: capability.RetryConfig{
			MaxRetries:     1,
			InitialBackoff: time.Millisecond,
			MaxBackoff:     time.Millisecond,
		},
		CallTimeout: 5 * time.Second,
	}

	cfg := config.PipelineConfig{
		BatchSize:           2,
		IngestWorkers:       2,
		TranscribeWorkers:   2,
		EnrichWorkers:       2,
		StructureCharBudget: 60000,
		QuestionsPerSection: 2,
	}
	voice := capability.VoiceParams{Voice: "alloy"}
	h.cfg = cfg
	h.voice = voice
	h.coordinator = NewCoordinator(h.deps, h.tracker, cfg)
	h.orchestrator = NewOrchestrator(h.deps, h.tracker, cfg, voice)
	return h
}

// submitJob stores a synthetic document and creates a pending job.
func (h *harness) submitJob(t *testing.T, enrichment storage.EnrichmentKind) *storage.Job {
	t.Helper()
	ctx := context.Background()

	jobID := uuid.New()
	docKey := blob.DocumentKey(jobID)
	_, err := h.blobs.Put(ctx, docKey, []byte("%PDF-1.4 fake"), "application/pdf")
	require.NoError(t, err)

	job := &storage.Job{
		ID:          jobID,
		UserID:      uuid.New(),
		DocumentKey: docKey,
		Enrichment:  enrichment,
		Stage:       storage.StageIngest,
		Status:      storage.JobStatusPending,
	}
	require.NoError(t, h.repos.Jobs.Create(ctx, job))
	return job
}

func (h *harness) reloadJob(t *testing.T, jobID uuid.UUID) *storage.Job {
	t.Helper()
	job, err := h.repos.Jobs.GetByID(context.Background(), jobID)
	require.NoError(t, err)
	return job
}
