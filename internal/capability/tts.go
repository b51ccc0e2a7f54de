package capability

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/studyforge-ai/studyforge/internal/domain"
)

// TTSClient implements Synthesizer against an OpenAI-compatible speech
// endpoint. Single attempt per call; callers retry via capability.Do.
type TTSClient struct {
	url        string
	apiKey     string
	httpClient *http.Client
}

// NewTTSClient creates a new speech synthesis client.
func NewTTSClient(url, apiKey string, callTimeout time.Duration) *TTSClient {
	if callTimeout <= 0 {
		callTimeout = 90 * time.Second
	}
	return &TTSClient{
		url:        url,
		apiKey:     apiKey,
		httpClient: &http.Client{Timeout: callTimeout},
	}
}

type speechRequest struct {
	Model string  `json:"model"`
	Input string  `json:"input"`
	Voice string  `json:"voice"`
	Speed float64 `json:"speed,omitempty"`
}

// Synthesize converts text to MP3 audio bytes.
func (c *TTSClient) Synthesize(ctx context.Context, text string, voice VoiceParams) ([]byte, error) {
	if c.apiKey == "" {
		return nil, domain.ConfigError("speech API key not configured", nil)
	}
	if text == "" {
		return nil, domain.ValidationError("empty narration text", nil)
	}

	payload := speechRequest{
		Model: "tts-1",
		Input: text,
		Voice: voice.Voice,
		Speed: voice.Speed,
	}
	if payload.Voice == "" {
		payload.Voice = "alloy"
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return nil, domain.PermanentError("failed to marshal speech request", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(body))
	if err != nil {
		return nil, domain.PermanentError("failed to build speech request", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, domain.TransientError("speech request failed", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		msg := fmt.Sprintf("HTTP %d from speech endpoint", resp.StatusCode)
		if retryableStatus(resp.StatusCode) {
			return nil, domain.TransientError(msg, nil)
		}
		return nil, domain.PermanentError(msg, nil)
	}

	audio, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, domain.TransientError("failed to read audio response", err)
	}
	if len(audio) == 0 {
		return nil, domain.PermanentError("speech endpoint returned no audio", nil)
	}

	return audio, nil
}
