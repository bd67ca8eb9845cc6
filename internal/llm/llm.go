// Package llm routes chat-completion and embedding requests to the configured
// provider. Callers depend on the Client and Embedder interfaces so tests can
// substitute fakes.
package llm

import (
	"context"
	"os"
	"strings"
	"time"
)

// Provider identifies an upstream LLM API family.
type Provider string

const (
	ProviderOpenAI    Provider = "openai"
	ProviderAnthropic Provider = "anthropic"
	ProviderOllama    Provider = "ollama"
)

// Client generates text and structured JSON from prompts.
type Client interface {
	// Complete sends one system+user prompt pair and returns the text reply.
	Complete(ctx context.Context, req *CompletionRequest) (string, error)
	// ExtractJSON prompts for a JSON object and parses the first valid
	// object out of the reply, tolerating prose around it.
	ExtractJSON(ctx context.Context, prompt, model string) (map[string]interface{}, error)
}

// Embedder turns text into a dense vector.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

// CompletionRequest is one chat completion call.
type CompletionRequest struct {
	System string
	Prompt string
	Model  string
}

// Config holds provider routing settings.
type Config struct {
	Provider Provider
	Model    string
	APIKey   string
	// BaseURL overrides the provider's default endpoint. Required for
	// ollama-compatible local servers on non-default ports.
	BaseURL string

	RequestTimeout time.Duration
}

// DefaultConfig reads routing from the environment.
func DefaultConfig() Config {
	provider := Provider(strings.ToLower(os.Getenv("LLM_PROVIDER")))
	if provider == "" {
		provider = ProviderOpenAI
	}
	model := os.Getenv("LLM_MODEL")
	if model == "" {
		model = "gpt-4o-mini"
	}
	return Config{
		Provider:       provider,
		Model:          model,
		APIKey:         strings.TrimSpace(os.Getenv("LLM_API_KEY")),
		BaseURL:        os.Getenv("LLM_BASE_URL"),
		RequestTimeout: 180 * time.Second,
	}
}
