// Package pipeline implements the document intelligence pipeline: the
// orchestrator, batch coordinator, progress tracker, and stage executors.
package pipeline

import (
	"github.com/studyforge-ai/studyforge/internal/storage"
)

// FailurePolicy declares how a stage treats a unit's terminal failure.
type FailurePolicy int

const (
	// PolicyFatal stops the whole job on any unit failure.
	PolicyFatal FailurePolicy = iota
	// PolicyTolerable records the failure and lets the stage complete.
	PolicyTolerable
)

// stagePolicies declares the per-stage failure policy. A page that cannot be
// rasterized, a document that yields no sections, or a broken final assembly
// make the remaining stages meaningless; a single failed transcription or
// enrichment does not.
var stagePolicies = map[storage.Stage]FailurePolicy{
	storage.StageIngest:     PolicyFatal,
	storage.StageTranscribe: PolicyTolerable,
	storage.StageStructure:  PolicyFatal,
	storage.StageEnrich:     PolicyTolerable,
	storage.StageAssemble:   PolicyFatal,
}

// PolicyFor returns the declared failure policy for a stage.
func PolicyFor(stage storage.Stage) FailurePolicy {
	return stagePolicies[stage]
}

// stageWeights assigns each stage a fixed share of the 0-100 progress range.
// The slow model-bound stages dominate.
var stageWeights = map[storage.Stage]int{
	storage.StageIngest:     5,
	storage.StageTranscribe: 40,
	storage.StageStructure:  10,
	storage.StageEnrich:     40,
	storage.StageAssemble:   5,
}

// percentFor computes the weighted overall percent for a job that has
// completed `completed` of `total` units within `stage`, with all earlier
// stages fully done.
func percentFor(stage storage.Stage, completed, total int) int {
	base := 0
	for _, s := range storage.StageOrder {
		if s == stage {
			break
		}
		base += stageWeights[s]
	}

	if total <= 0 {
		return base
	}
	if completed > total {
		completed = total
	}

	pct := base + stageWeights[stage]*completed/total
	if pct > 100 {
		pct = 100
	}
	return pct
}
