package llm

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"regexp"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/memforge/memforge/internal/jsonx"
)

// HTTPClient talks to one of the supported chat-completion APIs.
type HTTPClient struct {
	config Config
	client *http.Client
	logger *zap.Logger
}

var _ Client = (*HTTPClient)(nil)

// NewHTTPClient builds a client for cfg.
func NewHTTPClient(cfg Config, logger *zap.Logger) *HTTPClient {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.RequestTimeout == 0 {
		cfg.RequestTimeout = 180 * time.Second
	}
	return &HTTPClient{
		config: cfg,
		client: &http.Client{
			Timeout: cfg.RequestTimeout,
			Transport: &http.Transport{
				MaxIdleConns:        100,
				MaxIdleConnsPerHost: 10,
				IdleConnTimeout:     90 * time.Second,
			},
		},
		logger: logger.Named("llm"),
	}
}

// Complete sends the prompt to the configured provider.
func (c *HTTPClient) Complete(ctx context.Context, req *CompletionRequest) (string, error) {
	model := req.Model
	if model == "" {
		model = c.config.Model
	}

	var content string
	var err error
	switch c.config.Provider {
	case ProviderAnthropic:
		content, err = c.callAnthropic(ctx, req.System, req.Prompt, model)
	case ProviderOllama:
		content, err = c.callOllama(ctx, req.System, req.Prompt, model)
	default:
		content, err = c.callOpenAI(ctx, req.System, req.Prompt, model)
	}
	if err != nil {
		return "", fmt.Errorf("provider %s: %w", c.config.Provider, err)
	}
	return stripThinkingTags(content), nil
}

// ExtractJSON prompts for a JSON object and parses it out of the reply.
func (c *HTTPClient) ExtractJSON(ctx context.Context, prompt, model string) (map[string]interface{}, error) {
	content, err := c.Complete(ctx, &CompletionRequest{
		System: "You are a precise extraction engine. Output JSON only.",
		Prompt: prompt,
		Model:  model,
	})
	if err != nil {
		return nil, err
	}
	return ParseJSONObject(content)
}

func (c *HTTPClient) callOpenAI(ctx context.Context, system, query, model string) (string, error) {
	if c.config.APIKey == "" && c.config.BaseURL == "" {
		return "", fmt.Errorf("no API key configured")
	}
	base := c.config.BaseURL
	if base == "" {
		base = "https://api.openai.com/v1"
	}
	body := map[string]interface{}{
		"model": model,
		"messages": []map[string]string{
			{"role": "system", "content": system},
			{"role": "user", "content": query},
		},
		"max_tokens": 1000,
	}
	return c.post(ctx, strings.TrimSuffix(base, "/")+"/chat/completions", body, map[string]string{
		"Authorization": "Bearer " + c.config.APIKey,
		"Content-Type":  "application/json",
	})
}

func (c *HTTPClient) callAnthropic(ctx context.Context, system, query, model string) (string, error) {
	if c.config.APIKey == "" {
		return "", fmt.Errorf("no API key configured")
	}
	base := c.config.BaseURL
	if base == "" {
		base = "https://api.anthropic.com"
	}
	body := map[string]interface{}{
		"model":      model,
		"max_tokens": 1000,
		"system":     system,
		"messages": []map[string]string{
			{"role": "user", "content": query},
		},
	}
	return c.post(ctx, strings.TrimSuffix(base, "/")+"/v1/messages", body, map[string]string{
		"x-api-key":         c.config.APIKey,
		"anthropic-version": "2023-06-01",
		"Content-Type":      "application/json",
	})
}

func (c *HTTPClient) callOllama(ctx context.Context, system, query, model string) (string, error) {
	base := c.config.BaseURL
	if base == "" {
		base = "http://localhost:11434"
	}
	body := map[string]interface{}{
		"model": model,
		"messages": []map[string]string{
			{"role": "system", "content": system},
			{"role": "user", "content": query},
		},
		"stream": false,
	}
	return c.post(ctx, strings.TrimSuffix(base, "/")+"/api/chat", body, map[string]string{
		"Content-Type": "application/json",
	})
}

func (c *HTTPClient) post(ctx context.Context, url string, body map[string]interface{}, headers map[string]string) (string, error) {
	jsonBody, err := jsonx.Marshal(body)
	if err != nil {
		return "", fmt.Errorf("failed to marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(jsonBody))
	if err != nil {
		return "", fmt.Errorf("failed to create request: %w", err)
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("failed to read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("API error (status %d): %s", resp.StatusCode, string(respBody))
	}

	var result map[string]interface{}
	if err := jsonx.Unmarshal(respBody, &result); err != nil {
		return "", fmt.Errorf("failed to parse response: %w", err)
	}
	return extractContent(result)
}

// extractContent pulls the reply text out of a provider response.
func extractContent(result map[string]interface{}) (string, error) {
	// OpenAI-compatible format.
	if choices, ok := result["choices"].([]interface{}); ok && len(choices) > 0 {
		if choice, ok := choices[0].(map[string]interface{}); ok {
			if message, ok := choice["message"].(map[string]interface{}); ok {
				if content, ok := message["content"].(string); ok {
					return content, nil
				}
			}
		}
	}

	// Anthropic format.
	if content, ok := result["content"].([]interface{}); ok && len(content) > 0 {
		if block, ok := content[0].(map[string]interface{}); ok {
			if text, ok := block["text"].(string); ok {
				return text, nil
			}
		}
	}

	// Ollama format.
	if message, ok := result["message"].(map[string]interface{}); ok {
		if content, ok := message["content"].(string); ok {
			return content, nil
		}
	}

	if content, ok := result["content"].(string); ok {
		return content, nil
	}
	return "", fmt.Errorf("could not extract content from response")
}

var thinkingTags = regexp.MustCompile(`(?s)<think>.*?</think>`)

func stripThinkingTags(content string) string {
	return strings.TrimSpace(thinkingTags.ReplaceAllString(content, ""))
}

// ParseJSONObject finds and parses the first JSON object or array in a model
// reply, tolerating surrounding prose and code fences. Arrays come back under
// an "items" key. An empty or JSON-free reply parses to an empty map.
func ParseJSONObject(response string) (map[string]interface{}, error) {
	if response == "" {
		return map[string]interface{}{}, nil
	}

	startIdx := -1
	for i, ch := range response {
		if ch == '{' || ch == '[' {
			startIdx = i
			break
		}
	}
	if startIdx == -1 {
		return map[string]interface{}{}, nil
	}

	text := response[startIdx:]
	closer := byte('}')
	if response[startIdx] == '[' {
		closer = byte(']')
	}

	for i := len(text) - 1; i >= 0; i-- {
		if text[i] != closer {
			continue
		}
		candidate := text[:i+1]
		var result interface{}
		if err := jsonx.Unmarshal([]byte(candidate), &result); err != nil {
			continue
		}
		switch v := result.(type) {
		case map[string]interface{}:
			return v, nil
		case []interface{}:
			return map[string]interface{}{"items": v}, nil
		}
	}
	return map[string]interface{}{}, nil
}

// RetryingClient wraps a Client with one retry and a per-attempt deadline.
// Background pipeline stages use it so a slow provider cannot hold a worker
// past the drain window.
type RetryingClient struct {
	inner    Client
	deadline time.Duration
	logger   *zap.Logger
}

var _ Client = (*RetryingClient)(nil)

// NewRetryingClient wraps inner. A zero deadline defaults to 30s.
func NewRetryingClient(inner Client, deadline time.Duration, logger *zap.Logger) *RetryingClient {
	if deadline == 0 {
		deadline = 30 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RetryingClient{inner: inner, deadline: deadline, logger: logger.Named("llm_retry")}
}

// Complete tries twice, each attempt under its own deadline.
func (r *RetryingClient) Complete(ctx context.Context, req *CompletionRequest) (string, error) {
	var lastErr error
	for attempt := 0; attempt < 2; attempt++ {
		attemptCtx, cancel := context.WithTimeout(ctx, r.deadline)
		out, err := r.inner.Complete(attemptCtx, req)
		cancel()
		if err == nil {
			return out, nil
		}
		lastErr = err
		if ctx.Err() != nil {
			break
		}
		r.logger.Warn("completion attempt failed", zap.Int("attempt", attempt+1), zap.Error(err))
	}
	return "", lastErr
}

// ExtractJSON tries twice, each attempt under its own deadline.
func (r *RetryingClient) ExtractJSON(ctx context.Context, prompt, model string) (map[string]interface{}, error) {
	var lastErr error
	for attempt := 0; attempt < 2; attempt++ {
		attemptCtx, cancel := context.WithTimeout(ctx, r.deadline)
		out, err := r.inner.ExtractJSON(attemptCtx, prompt, model)
		cancel()
		if err == nil {
			return out, nil
		}
		lastErr = err
		if ctx.Err() != nil {
			break
		}
		r.logger.Warn("extraction attempt failed", zap.Int("attempt", attempt+1), zap.Error(err))
	}
	return nil, lastErr
}
