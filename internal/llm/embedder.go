package llm

import (
	"bytes"
	"context"
	"fmt"
	"hash/fnv"
	"io"
	"math"
	"net/http"
	"os"
	"strconv"
	"strings"

	lru "github.com/hashicorp/golang-lru/v2"
	"go.uber.org/zap"

	"github.com/memforge/memforge/internal/jsonx"
)

// EmbeddingDim reads MEMFORGE_EMBEDDING_DIM, defaulting to 1536.
func EmbeddingDim() int {
	if v := os.Getenv("MEMFORGE_EMBEDDING_DIM"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			return n
		}
	}
	return 1536
}

// HTTPEmbedder calls an OpenAI-compatible /embeddings endpoint.
type HTTPEmbedder struct {
	baseURL string
	apiKey  string
	model   string
	dim     int
	client  *http.Client
	logger  *zap.Logger
}

var _ Embedder = (*HTTPEmbedder)(nil)

// NewHTTPEmbedder builds an embedder against cfg's provider endpoint.
func NewHTTPEmbedder(cfg Config, model string, dim int, logger *zap.Logger) *HTTPEmbedder {
	if logger == nil {
		logger = zap.NewNop()
	}
	if model == "" {
		model = "text-embedding-3-small"
	}
	if dim <= 0 {
		dim = EmbeddingDim()
	}
	base := cfg.BaseURL
	if base == "" {
		base = "https://api.openai.com/v1"
	}
	return &HTTPEmbedder{
		baseURL: strings.TrimSuffix(base, "/"),
		apiKey:  cfg.APIKey,
		model:   model,
		dim:     dim,
		client:  &http.Client{Timeout: cfg.RequestTimeout},
		logger:  logger.Named("embedder"),
	}
}

// Embed requests one embedding vector.
func (e *HTTPEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	body, err := jsonx.Marshal(map[string]interface{}{
		"model":      e.model,
		"input":      text,
		"dimensions": e.dim,
	})
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.baseURL+"/embeddings", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+e.apiKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := e.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("embedding request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("embedding API error (status %d): %s", resp.StatusCode, string(respBody))
	}

	var parsed struct {
		Data []struct {
			Embedding []float32 `json:"embedding"`
		} `json:"data"`
	}
	if err := jsonx.Unmarshal(respBody, &parsed); err != nil {
		return nil, fmt.Errorf("failed to parse embedding response: %w", err)
	}
	if len(parsed.Data) == 0 {
		return nil, fmt.Errorf("embedding response had no data")
	}
	return parsed.Data[0].Embedding, nil
}

// StubEmbedder produces deterministic pseudo-embeddings from token hashes.
// Identical texts embed identically and token overlap raises similarity,
// which is enough for offline runs and tests.
type StubEmbedder struct {
	dim int
}

var _ Embedder = (*StubEmbedder)(nil)

// NewStubEmbedder returns a stub of the given dimension.
func NewStubEmbedder(dim int) *StubEmbedder {
	if dim <= 0 {
		dim = EmbeddingDim()
	}
	return &StubEmbedder{dim: dim}
}

// Embed hashes each lowercase token into a bucket and L2-normalizes.
func (s *StubEmbedder) Embed(_ context.Context, text string) ([]float32, error) {
	vec := make([]float32, s.dim)
	for _, tok := range strings.Fields(strings.ToLower(text)) {
		h := fnv.New32a()
		h.Write([]byte(tok))
		vec[int(h.Sum32())%s.dim]++
	}

	var norm float64
	for _, v := range vec {
		norm += float64(v) * float64(v)
	}
	if norm == 0 {
		vec[0] = 1
		return vec, nil
	}
	inv := float32(1 / math.Sqrt(norm))
	for i := range vec {
		vec[i] *= inv
	}
	return vec, nil
}

// CachedEmbedder memoizes Embed results in an LRU keyed by the input text.
// The resolver's semantic tier re-embeds the same descriptions repeatedly.
type CachedEmbedder struct {
	inner Embedder
	cache *lru.Cache[string, []float32]
}

var _ Embedder = (*CachedEmbedder)(nil)

// NewCachedEmbedder wraps inner with an LRU of the given size.
func NewCachedEmbedder(inner Embedder, size int) (*CachedEmbedder, error) {
	if size <= 0 {
		size = 4096
	}
	cache, err := lru.New[string, []float32](size)
	if err != nil {
		return nil, err
	}
	return &CachedEmbedder{inner: inner, cache: cache}, nil
}

// Embed serves from cache when possible.
func (c *CachedEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	if vec, ok := c.cache.Get(text); ok {
		return vec, nil
	}
	vec, err := c.inner.Embed(ctx, text)
	if err != nil {
		return nil, err
	}
	c.cache.Add(text, vec)
	return vec, nil
}
