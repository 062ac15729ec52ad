package services

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/causalis/causalis/internal/metrics"
)

// TextGenerator produces completions for RCA synthesis prompts
type TextGenerator interface {
	Generate(ctx context.Context, prompt string) (string, error)
	Available() bool
	ModelName() string
}

// OllamaClient generates completions against a local Ollama server
type OllamaClient struct {
	baseURL    string
	model      string
	httpClient *http.Client
	metrics    *metrics.EngineMetrics
}

// NewOllamaClient creates a generation client for the given Ollama server
// and model. The timeout bounds a single completion request.
func NewOllamaClient(baseURL, model string, timeout time.Duration, m *metrics.EngineMetrics) *OllamaClient {
	return &OllamaClient{
		baseURL:    baseURL,
		model:      model,
		httpClient: &http.Client{Timeout: timeout},
		metrics:    m,
	}
}

// ModelName returns the configured model identifier
func (c *OllamaClient) ModelName() string {
	return c.model
}

// Available reports whether the Ollama server responds to a model listing
func (c *OllamaClient) Available() bool {
	client := &http.Client{Timeout: 10 * time.Second}
	resp, err := client.Get(c.baseURL + "/api/tags")
	if err != nil {
		return false
	}
	defer resp.Body.Close()
	return resp.StatusCode == http.StatusOK
}

type generateRequest struct {
	Model   string                 `json:"model"`
	Prompt  string                 `json:"prompt"`
	Stream  bool                   `json:"stream"`
	Options map[string]interface{} `json:"options"`
}

type generateResponse struct {
	Response string `json:"response"`
}

// Generate runs a single non-streaming completion. Low temperature keeps
// the output close to the structured format the prompt asks for.
func (c *OllamaClient) Generate(ctx context.Context, prompt string) (string, error) {
	reqBody := generateRequest{
		Model:  c.model,
		Prompt: prompt,
		Stream: false,
		Options: map[string]interface{}{
			"temperature": 0.1,
			"top_p":       0.9,
			"num_predict": 2048,
		},
	}
	body, err := json.Marshal(reqBody)
	if err != nil {
		return "", fmt.Errorf("failed to marshal generate request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/generate", bytes.NewBuffer(body))
	if err != nil {
		return "", fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		c.metrics.BackendFailures.WithLabelValues("llm").Inc()
		return "", fmt.Errorf("%w: %v", ErrBackendUnavailable, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("failed to read generate response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		c.metrics.BackendFailures.WithLabelValues("llm").Inc()
		return "", fmt.Errorf("%w: generate returned status %d: %s", ErrBackendUnavailable, resp.StatusCode, string(respBody))
	}

	var genResp generateResponse
	if err := json.Unmarshal(respBody, &genResp); err != nil {
		return "", fmt.Errorf("failed to parse generate response: %w", err)
	}
	return genResp.Response, nil
}
