package llm

import (
	"context"
	"fmt"
	"math"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func TestStubEmbedderDeterministic(t *testing.T) {
	s := NewStubEmbedder(32)
	ctx := context.Background()

	a, err := s.Embed(ctx, "prefers oat milk")
	require.NoError(t, err)
	b, err := s.Embed(ctx, "prefers oat milk")
	require.NoError(t, err)
	assert.Equal(t, a, b, "identical text embeds identically")

	c, err := s.Embed(ctx, "rides a bike to work")
	require.NoError(t, err)
	assert.NotEqual(t, a, c)
}

func TestStubEmbedderIsUnitLength(t *testing.T) {
	s := NewStubEmbedder(64)
	vec, err := s.Embed(context.Background(), "one two three two")
	require.NoError(t, err)
	require.Len(t, vec, 64)

	var norm float64
	for _, v := range vec {
		norm += float64(v) * float64(v)
	}
	assert.InDelta(t, 1.0, math.Sqrt(norm), 1e-5)
}

func TestStubEmbedderEmptyText(t *testing.T) {
	s := NewStubEmbedder(8)
	vec, err := s.Embed(context.Background(), "")
	require.NoError(t, err)
	assert.EqualValues(t, 1, vec[0], "empty text gets a fixed unit vector")
}

// countingEmbedder tracks how often the inner embedder is hit.
type countingEmbedder struct {
	mu    sync.Mutex
	inner Embedder
	calls int
	err   error
}

func (c *countingEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	c.mu.Lock()
	c.calls++
	err := c.err
	c.mu.Unlock()
	if err != nil {
		return nil, err
	}
	return c.inner.Embed(ctx, text)
}

func TestCachedEmbedderMemoizes(t *testing.T) {
	inner := &countingEmbedder{inner: NewStubEmbedder(16)}
	cached, err := NewCachedEmbedder(inner, 8)
	require.NoError(t, err)
	ctx := context.Background()

	first, err := cached.Embed(ctx, "sarah chen, platform engineer")
	require.NoError(t, err)
	for i := 0; i < 4; i++ {
		again, err := cached.Embed(ctx, "sarah chen, platform engineer")
		require.NoError(t, err)
		assert.Equal(t, first, again)
	}
	assert.Equal(t, 1, inner.calls)

	_, err = cached.Embed(ctx, "different text")
	require.NoError(t, err)
	assert.Equal(t, 2, inner.calls)
}

func TestCachedEmbedderDoesNotCacheFailures(t *testing.T) {
	inner := &countingEmbedder{inner: NewStubEmbedder(16), err: fmt.Errorf("provider down")}
	cached, err := NewCachedEmbedder(inner, 8)
	require.NoError(t, err)
	ctx := context.Background()

	_, err = cached.Embed(ctx, "text")
	require.Error(t, err)

	inner.mu.Lock()
	inner.err = nil
	inner.mu.Unlock()

	_, err = cached.Embed(ctx, "text")
	require.NoError(t, err)
	assert.Equal(t, 2, inner.calls)
}

func TestHTTPEmbedderRoundTrip(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/embeddings", r.URL.Path)
		fmt.Fprint(w, `{"data":[{"embedding":[0.6,0.8]}]}`)
	}))
	defer srv.Close()

	e := NewHTTPEmbedder(Config{APIKey: "k", BaseURL: srv.URL}, "", 2, zaptest.NewLogger(t))
	vec, err := e.Embed(context.Background(), "hello")
	require.NoError(t, err)
	assert.Equal(t, []float32{0.6, 0.8}, vec)
}

func TestHTTPEmbedderEmptyDataErrors(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"data":[]}`)
	}))
	defer srv.Close()

	e := NewHTTPEmbedder(Config{APIKey: "k", BaseURL: srv.URL}, "", 2, zaptest.NewLogger(t))
	_, err := e.Embed(context.Background(), "hello")
	assert.Error(t, err)
}
