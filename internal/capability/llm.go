package capability

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/studyforge-ai/studyforge/internal/domain"
)

// LLMClient talks to an OpenRouter-compatible chat-completions endpoint and
// implements both Transcriber and Generator. Each call is a single attempt;
// retry policy lives with the caller (capability.Do).
type LLMClient struct {
	url        string
	apiKey     string
	model      string
	httpClient *http.Client
}

// NewLLMClient creates a new chat-completions client.
func NewLLMClient(url, apiKey, model string, callTimeout time.Duration) *LLMClient {
	if callTimeout <= 0 {
		callTimeout = 90 * time.Second
	}
	return &LLMClient{
		url:        url,
		apiKey:     apiKey,
		model:      model,
		httpClient: &http.Client{Timeout: callTimeout},
	}
}

// chatMessage represents a chat message.
type chatMessage struct {
	Role    string            `json:"role"`
	Content []chatContentPart `json:"content"`
}

// chatContentPart is a part of message content (text or image).
type chatContentPart struct {
	Type     string        `json:"type"`
	Text     string        `json:"text,omitempty"`
	ImageURL *chatImageURL `json:"image_url,omitempty"`
}

type chatImageURL struct {
	URL string `json:"url"`
}

type chatRequest struct {
	Model          string          `json:"model"`
	Messages       []chatMessage   `json:"messages"`
	ResponseFormat *responseFormat `json:"response_format,omitempty"`
}

type responseFormat struct {
	Type string `json:"type"`
}

type chatResponse struct {
	ID      string `json:"id"`
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
}

const transcribePrompt = `Transcribe every word visible on this scanned page.
Preserve reading order and paragraph breaks. If the page contains a table,
diagram, chart, figure, or equation, describe it inline and name it as such.
Return plain text only.`

// Transcribe extracts the text of one page image.
func (c *LLMClient) Transcribe(ctx context.Context, image []byte) (string, error) {
	encoded := base64.StdEncoding.EncodeToString(image)
	req := chatRequest{
		Model: c.model,
		Messages: []chatMessage{{
			Role: "user",
			Content: []chatContentPart{
				{Type: "text", Text: transcribePrompt},
				{Type: "image_url", ImageURL: &chatImageURL{
					URL: "data:image/jpeg;base64," + encoded,
				}},
			},
		}},
	}

	content, err := c.complete(ctx, req)
	if err != nil {
		return "", err
	}
	return content, nil
}

// GenerateStructured produces structured JSON for the prompt. The schema hint
// is appended to steer the output shape; the response must be valid JSON.
func (c *LLMClient) GenerateStructured(ctx context.Context, prompt, schemaHint string) (json.RawMessage, error) {
	req := chatRequest{
		Model: c.model,
		Messages: []chatMessage{{
			Role: "user",
			Content: []chatContentPart{
				{Type: "text", Text: prompt + "\n\nRespond with JSON matching: " + schemaHint},
			},
		}},
		ResponseFormat: &responseFormat{Type: "json_object"},
	}

	content, err := c.complete(ctx, req)
	if err != nil {
		return nil, err
	}

	raw := json.RawMessage(content)
	if !json.Valid(raw) {
		return nil, domain.PermanentError("model returned invalid JSON", nil)
	}
	return raw, nil
}

// complete sends one chat-completions request and returns the first choice.
func (c *LLMClient) complete(ctx context.Context, payload chatRequest) (string, error) {
	if c.apiKey == "" {
		return "", domain.ConfigError("LLM API key not configured", nil)
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return "", domain.PermanentError("failed to marshal request", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(body))
	if err != nil {
		return "", domain.PermanentError("failed to build request", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		// Network errors and client timeouts are worth retrying.
		return "", domain.TransientError("request failed", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", domain.TransientError("failed to read response", err)
	}

	if resp.StatusCode != http.StatusOK {
		msg := fmt.Sprintf("HTTP %d from model endpoint", resp.StatusCode)
		if retryableStatus(resp.StatusCode) {
			return "", domain.TransientError(msg, nil)
		}
		return "", domain.PermanentError(msg, nil)
	}

	var parsed chatResponse
	if err := json.Unmarshal(respBody, &parsed); err != nil {
		return "", domain.PermanentError("failed to parse response", err)
	}
	if len(parsed.Choices) == 0 {
		return "", domain.PermanentError("model returned no choices", nil)
	}

	return parsed.Choices[0].Message.Content, nil
}
