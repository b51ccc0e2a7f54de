// Package capability provides the external capability boundary: narrow
// clients for rasterization, vision transcription, structured generation,
// and speech synthesis, plus the shared bounded-retry primitive.
package capability

import (
	"context"
	"encoding/json"
)

// Rasterizer turns PDF bytes into page bitmaps.
type Rasterizer interface {
	PageCount(ctx context.Context, pdf []byte) (int, error)
	Rasterize(ctx context.Context, pdf []byte, pageIndex int) ([]byte, error)
}

// Transcriber extracts text from a page image.
type Transcriber interface {
	Transcribe(ctx context.Context, image []byte) (string, error)
}

// Generator produces structured JSON from a text prompt.
type Generator interface {
	GenerateStructured(ctx context.Context, prompt, schemaHint string) (json.RawMessage, error)
}

// VoiceParams selects the synthesized voice.
type VoiceParams struct {
	Voice string
	Speed float64
}

// Synthesizer turns text into audio bytes.
type Synthesizer interface {
	Synthesize(ctx context.Context, text string, voice VoiceParams) ([]byte, error)
}

// Clients bundles the capability clients injected into stage executors.
type Clients struct {
	Rasterizer  Rasterizer
	Transcriber Transcriber
	Generator   Generator
	Synthesizer Synthesizer
}
