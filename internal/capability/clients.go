package capability

import (
	"github.com/studyforge-ai/studyforge/internal/config"
)

// NewClients builds the production capability clients from configuration.
// The transcriber and generator share the endpoint but use separate models,
// a vision-capable one for transcription and a text one for generation.
func NewClients(cfg config.CapabilitiesConfig) Clients {
	return Clients{
		Rasterizer:  NewFitzRasterizer(cfg.RasterQuality),
		Transcriber: NewLLMClient(cfg.VisionURL, cfg.VisionAPIKey, cfg.VisionModel, cfg.CallTimeout),
		Generator:   NewLLMClient(cfg.VisionURL, cfg.VisionAPIKey, cfg.GeneratorModel, cfg.CallTimeout),
		Synthesizer: NewTTSClient(cfg.SpeechURL, cfg.SpeechAPIKey, cfg.CallTimeout),
	}
}

// RetryConfigFrom maps the pipeline retry knobs onto a RetryConfig.
func RetryConfigFrom(cfg config.PipelineConfig) RetryConfig {
	rc := DefaultRetryConfig()
	if cfg.MaxRetries > 0 {
		rc.MaxRetries = cfg.MaxRetries
	}
	if cfg.InitialBackoff > 0 {
		rc.InitialBackoff = cfg.InitialBackoff
	}
	if cfg.MaxBackoff > 0 {
		rc.MaxBackoff = cfg.MaxBackoff
	}
	return rc
}
