package memory

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

const providerHTTPTimeout = 60 * time.Second

// OpenAIEmbedder calls an OpenAI-compatible /embeddings endpoint.
type OpenAIEmbedder struct {
	apiKey     string
	apiBase    string
	model      string
	dims       int
	httpClient *http.Client
}

func NewOpenAIEmbedder(apiKey, apiBase, model string, dims int) *OpenAIEmbedder {
	if dims <= 0 {
		dims = 1536
	}
	return &OpenAIEmbedder{
		apiKey:     apiKey,
		apiBase:    strings.TrimRight(apiBase, "/"),
		model:      model,
		dims:       dims,
		httpClient: &http.Client{Timeout: providerHTTPTimeout},
	}
}

func (e *OpenAIEmbedder) ModelID() string { return e.model }
func (e *OpenAIEmbedder) Dimensions() int { return e.dims }

func (e *OpenAIEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	if e.apiBase == "" {
		return nil, fmt.Errorf("embedding API base not configured")
	}

	requestBody := map[string]interface{}{
		"model": e.model,
		"input": []string{text},
	}
	body, err := postJSON(ctx, e.httpClient, e.apiBase+"/embeddings", e.apiKey, requestBody)
	if err != nil {
		return nil, err
	}

	var apiResponse struct {
		Data []struct {
			Embedding []float64 `json:"embedding"`
		} `json:"data"`
	}
	if err := json.Unmarshal(body, &apiResponse); err != nil {
		return nil, fmt.Errorf("parse embedding response: %w", err)
	}
	if len(apiResponse.Data) == 0 || len(apiResponse.Data[0].Embedding) == 0 {
		return nil, fmt.Errorf("embedding response contained no vector")
	}
	raw := apiResponse.Data[0].Embedding
	if len(raw) != e.dims {
		return nil, fmt.Errorf("embedding dimension mismatch: want %d, got %d", e.dims, len(raw))
	}
	vec := make([]float32, len(raw))
	for i, v := range raw {
		vec[i] = float32(v)
	}
	return vec, nil
}

// OpenAICompleter calls an OpenAI-compatible /chat/completions endpoint
// with a single user message.
type OpenAICompleter struct {
	apiKey     string
	apiBase    string
	model      string
	httpClient *http.Client
}

func NewOpenAICompleter(apiKey, apiBase, model string) *OpenAICompleter {
	return &OpenAICompleter{
		apiKey:     apiKey,
		apiBase:    strings.TrimRight(apiBase, "/"),
		model:      model,
		httpClient: &http.Client{Timeout: providerHTTPTimeout},
	}
}

func (c *OpenAICompleter) Complete(ctx context.Context, prompt string) (string, error) {
	if c.apiBase == "" {
		return "", fmt.Errorf("completion API base not configured")
	}

	requestBody := map[string]interface{}{
		"model": c.model,
		"messages": []map[string]string{
			{"role": "user", "content": prompt},
		},
	}
	body, err := postJSON(ctx, c.httpClient, c.apiBase+"/chat/completions", c.apiKey, requestBody)
	if err != nil {
		return "", err
	}

	var apiResponse struct {
		Choices []struct {
			Message struct {
				Content string `json:"content"`
			} `json:"message"`
		} `json:"choices"`
	}
	if err := json.Unmarshal(body, &apiResponse); err != nil {
		return "", fmt.Errorf("parse completion response: %w", err)
	}
	if len(apiResponse.Choices) == 0 {
		return "", fmt.Errorf("completion response contained no choices")
	}
	return apiResponse.Choices[0].Message.Content, nil
}

func postJSON(ctx context.Context, client *http.Client, url, apiKey string, payload interface{}) ([]byte, error) {
	jsonData, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(jsonData))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+apiKey)
	}

	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("send request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("provider request failed: status %d: %s", resp.StatusCode, truncate(string(body), 300))
	}
	return body, nil
}
