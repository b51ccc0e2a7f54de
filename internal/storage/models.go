// Package storage provides database models and repositories for StudyForge.
package storage

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Stage identifies one ordered phase of the document pipeline.
type Stage string

const (
	StageIngest     Stage = "ingest"
	StageTranscribe Stage = "transcribe"
	StageStructure  Stage = "structure"
	StageEnrich     Stage = "enrich"
	StageAssemble   Stage = "assemble"
)

// StageOrder lists the stages in execution order.
var StageOrder = []Stage{
	StageIngest,
	StageTranscribe,
	StageStructure,
	StageEnrich,
	StageAssemble,
}

// StageIndex returns the position of s in StageOrder, or -1.
func StageIndex(s Stage) int {
	for i, st := range StageOrder {
		if st == s {
			return i
		}
	}
	return -1
}

// JobStatus is the overall lifecycle status of a job.
type JobStatus string

const (
	JobStatusPending JobStatus = "pending"
	JobStatusRunning JobStatus = "running"
	JobStatusReady   JobStatus = "ready"
	JobStatusError   JobStatus = "error"
)

// Terminal reports whether the status is final.
func (s JobStatus) Terminal() bool {
	return s == JobStatusReady || s == JobStatusError
}

// UnitStatus is the lifecycle status of one unit of work.
type UnitStatus string

const (
	UnitStatusPending UnitStatus = "pending"
	UnitStatusDone    UnitStatus = "done"
	UnitStatusFailed  UnitStatus = "failed"
)

// EnrichmentKind selects which enrichment a job produces per section.
type EnrichmentKind string

const (
	EnrichmentQuiz  EnrichmentKind = "quiz"
	EnrichmentAudio EnrichmentKind = "audio"
)

// Valid reports whether the enrichment kind is known.
func (k EnrichmentKind) Valid() bool {
	return k == EnrichmentQuiz || k == EnrichmentAudio
}

// Job is one user-submitted document-processing request.
type Job struct {
	ID             uuid.UUID
	UserID         uuid.UUID
	DocumentKey    string
	Enrichment     EnrichmentKind
	Stage          Stage
	Status         JobStatus
	Progress       int
	Message        string
	TotalUnits     int
	CompletedUnits int
	ErrorDetail    *string
	Result         json.RawMessage
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// Unit is the smallest independently retryable piece of work within a stage,
// keyed by (job ID, stage, 1-based index).
type Unit struct {
	JobID       uuid.UUID
	Stage       Stage
	Index       int
	Status      UnitStatus
	ArtifactKey *string
	ErrorDetail *string
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// ArtifactKind names the shape of a stage artifact's payload.
type ArtifactKind string

const (
	ArtifactPageImage  ArtifactKind = "page_image"
	ArtifactTranscript ArtifactKind = "transcript"
	ArtifactSection    ArtifactKind = "section"
	ArtifactQuiz       ArtifactKind = "quiz"
	ArtifactAudioClip  ArtifactKind = "audio_clip"
	ArtifactRecord     ArtifactKind = "record"
)

// StageArtifact is the durable output of one unit within one stage, keyed by
// (job ID, stage, 1-based index). Retried units overwrite in place.
type StageArtifact struct {
	JobID     uuid.UUID
	Stage     Stage
	Index     int
	Kind      ArtifactKind
	BlobKey   *string
	Content   *string
	Meta      json.RawMessage
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Section is the structured payload of a StageArtifact with kind section.
type Section struct {
	Title     string `json:"title"`
	PageStart int    `json:"pageStart"`
	PageEnd   int    `json:"pageEnd"`
	Summary   string `json:"summary"`
}

// TranscriptMeta is the structured meta of a transcript artifact.
type TranscriptMeta struct {
	Page         int      `json:"page"`
	ContentFlags []string `json:"contentFlags,omitempty"`
	Failed       bool     `json:"failed,omitempty"`
}

// QuizQuestion is one generated question inside a quiz artifact.
type QuizQuestion struct {
	Question string   `json:"question"`
	Choices  []string `json:"choices"`
	Answer   int      `json:"answer"`
}
