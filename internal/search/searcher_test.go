package search

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"

	"github.com/memforge/memforge/internal/graph"
	"github.com/memforge/memforge/internal/graph/embedded"
	"github.com/memforge/memforge/internal/index"
	"github.com/memforge/memforge/internal/llm"
)

// fixedEmbedder returns the same vector for every input, so tests control
// similarity entirely through stored embeddings.
type fixedEmbedder struct {
	vec []float32
	err error
}

func (f *fixedEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	return f.vec, f.err
}

type searchEnv struct {
	store    *embedded.Engine
	index    *index.MemoryIndex
	searcher *Searcher
}

func newSearchEnv(t *testing.T, embedder llm.Embedder) *searchEnv {
	t.Helper()
	logger := zaptest.NewLogger(t)

	store, err := embedded.Open(embedded.Config{InMemory: true}, logger)
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	idx, err := index.New(index.Config{InMemory: true}, logger)
	require.NoError(t, err)
	t.Cleanup(func() { idx.Close() })

	// The searcher logs from the async access-log goroutine, which can
	// outlive the test body; keep its logger detached from t.
	s := New(store, idx, embedder, DefaultConfig(), zap.NewNop())
	return &searchEnv{store: store, index: idx, searcher: s}
}

// addMemory stores and indexes one memory and returns its id.
func (env *searchEnv) addMemory(t *testing.T, userID string, m *graph.Memory) string {
	t.Helper()
	ctx := context.Background()
	id, err := env.store.CreateMemory(ctx, userID, m)
	require.NoError(t, err)
	require.NoError(t, env.index.Index(ctx, index.Document{
		ID:      id,
		Content: m.Content,
		UserID:  userID,
	}))
	return id
}

func TestSearchValidation(t *testing.T) {
	env := newSearchEnv(t, llm.NewStubEmbedder(32))
	ctx := context.Background()

	_, err := env.searcher.Search(ctx, &Request{Query: "anything"})
	assert.ErrorIs(t, err, graph.ErrInvalidInput)

	_, err = env.searcher.Search(ctx, &Request{UserID: "alice", Query: "   "})
	assert.ErrorIs(t, err, graph.ErrInvalidInput)
}

func TestSearchHybridRanking(t *testing.T) {
	stub := llm.NewStubEmbedder(32)
	env := newSearchEnv(t, stub)
	ctx := context.Background()

	embed := func(text string) []float32 {
		vec, err := stub.Embed(ctx, text)
		require.NoError(t, err)
		return vec
	}

	target := env.addMemory(t, "alice", &graph.Memory{
		Content:   "prefers italian food and red wine",
		Embedding: embed("prefers italian food and red wine"),
	})
	env.addMemory(t, "alice", &graph.Memory{
		Content:   "works on distributed systems",
		Embedding: embed("works on distributed systems"),
	})

	resp, err := env.searcher.Search(ctx, &Request{UserID: "alice", Query: "italian food"})
	require.NoError(t, err)
	require.NotEmpty(t, resp.Results)
	assert.Equal(t, target, resp.Results[0].ID)
	assert.True(t, resp.Confident, "lexical support makes the answer confident")
	assert.Empty(t, resp.Message)
	assert.Greater(t, resp.Results[0].RelevanceScore, 0.0)
	assert.LessOrEqual(t, resp.Results[0].RelevanceScore, 1.0)
	assert.Contains(t, resp.Results[0].CreatedAt, "(today)")
	assert.Empty(t, resp.Results[0].UpdatedAt, "unmodified memories omit updated_at")
}

func TestSearchExcludesInvalidated(t *testing.T) {
	stub := llm.NewStubEmbedder(32)
	env := newSearchEnv(t, stub)
	ctx := context.Background()

	vec, _ := stub.Embed(ctx, "loves hiking in the mountains")
	id := env.addMemory(t, "alice", &graph.Memory{Content: "loves hiking in the mountains", Embedding: vec})
	require.NoError(t, env.store.InvalidateMemory(ctx, "alice", id))

	resp, err := env.searcher.Search(ctx, &Request{UserID: "alice", Query: "hiking mountains"})
	require.NoError(t, err)
	assert.Empty(t, resp.Results)
	assert.True(t, resp.Confident, "empty result sets are confidently empty")
}

func TestSearchEmbedderFailureFallsBackToLexical(t *testing.T) {
	env := newSearchEnv(t, &fixedEmbedder{err: fmt.Errorf("embedding service down")})
	ctx := context.Background()

	id := env.addMemory(t, "alice", &graph.Memory{Content: "drinks espresso every morning"})

	resp, err := env.searcher.Search(ctx, &Request{UserID: "alice", Query: "espresso"})
	require.NoError(t, err)
	require.Len(t, resp.Results, 1)
	assert.Equal(t, id, resp.Results[0].ID)
	assert.True(t, resp.Confident)
}

// seedVectorOnly stores n memories with embeddings of strictly decreasing
// similarity to the unit query vector, without indexing them lexically.
func seedVectorOnly(t *testing.T, env *searchEnv, n int, tagLast string) []string {
	t.Helper()
	ctx := context.Background()
	ids := make([]string, n)
	for i := 0; i < n; i++ {
		m := &graph.Memory{
			Content:   fmt.Sprintf("vector memory %d", i),
			Embedding: []float32{1, float32(i) * 0.5},
		}
		if tagLast != "" && i == n-1 {
			m.Tags = []string{tagLast}
		}
		id, err := env.store.CreateMemory(ctx, "alice", m)
		require.NoError(t, err)
		ids[i] = id
	}
	return ids
}

func TestSearchLowConfidenceMessage(t *testing.T) {
	env := newSearchEnv(t, &fixedEmbedder{vec: []float32{1, 0}})
	ctx := context.Background()

	// Only the deepest-ranked vector hit carries the tag, so the sole
	// survivor's fused score sits below the confidence floor.
	seedVectorOnly(t, env, 30, "rare")

	resp, err := env.searcher.Search(ctx, &Request{UserID: "alice", Query: "anything", Tag: "rare"})
	require.NoError(t, err)
	require.Len(t, resp.Results, 1)
	assert.False(t, resp.Confident)
	assert.Contains(t, resp.Message, "confidence is LOW")
}

func TestSearchTagFilterWarning(t *testing.T) {
	env := newSearchEnv(t, &fixedEmbedder{vec: []float32{1, 0}})
	ctx := context.Background()

	seedVectorOnly(t, env, 10, "needle")

	resp, err := env.searcher.Search(ctx, &Request{UserID: "alice", Query: "anything", Tag: "needle"})
	require.NoError(t, err)
	require.Len(t, resp.Results, 1)
	assert.Contains(t, resp.TagFilterWarning, `tag filter "needle"`)
	assert.Equal(t, 1, resp.TotalMatching)

	t.Run("no warning when most candidates survive", func(t *testing.T) {
		resp, err := env.searcher.Search(ctx, &Request{UserID: "alice", Query: "anything"})
		require.NoError(t, err)
		assert.Empty(t, resp.TagFilterWarning)
	})
}

func TestSearchIncludeEntities(t *testing.T) {
	env := newSearchEnv(t, &fixedEmbedder{vec: []float32{1, 0}})
	ctx := context.Background()

	entID, _, err := env.store.MergeEntity(ctx, "alice", &graph.Entity{
		Name: "Sarah Chen", Type: "PERSON", Description: "colleague",
	})
	require.NoError(t, err)
	require.NoError(t, env.store.SetEntityEmbedding(ctx, "alice", entID, []float32{1, 0}))

	memID, err := env.store.CreateMemory(ctx, "alice", &graph.Memory{
		Content: "met Sarah", Embedding: []float32{1, 0},
	})
	require.NoError(t, err)
	require.NoError(t, env.store.LinkMemoryEntity(ctx, "alice", memID, entID))

	resp, err := env.searcher.Search(ctx, &Request{UserID: "alice", Query: "sarah", IncludeEntities: true})
	require.NoError(t, err)
	require.Len(t, resp.Entities, 1)
	assert.Equal(t, "Sarah Chen", resp.Entities[0].Name)
	assert.Equal(t, 1, resp.Entities[0].MemoryCount)
}

func TestClampLimit(t *testing.T) {
	env := newSearchEnv(t, llm.NewStubEmbedder(8))

	assert.Equal(t, 50, env.searcher.clampLimit(0))
	assert.Equal(t, 1, env.searcher.clampLimit(-5))
	assert.Equal(t, 7, env.searcher.clampLimit(7))
	assert.Equal(t, 200, env.searcher.clampLimit(5000))
}

func TestBrowseMemories(t *testing.T) {
	env := newSearchEnv(t, llm.NewStubEmbedder(8))
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		_, err := env.store.CreateMemory(ctx, "alice", &graph.Memory{
			Content: fmt.Sprintf("fact %d", i),
		})
		require.NoError(t, err)
		time.Sleep(2 * time.Millisecond)
	}

	resp, err := env.searcher.BrowseMemories(ctx, &Request{UserID: "alice", Limit: 2, Offset: 1})
	require.NoError(t, err)
	assert.Equal(t, 5, resp.Total)
	assert.Equal(t, 1, resp.Offset)
	assert.Equal(t, 2, resp.Limit)
	require.Len(t, resp.Results, 2)
	assert.Equal(t, "fact 3", resp.Results[0].Memory)
	assert.Equal(t, "fact 2", resp.Results[1].Memory)

	t.Run("requires user", func(t *testing.T) {
		_, err := env.searcher.BrowseMemories(ctx, &Request{})
		assert.ErrorIs(t, err, graph.ErrInvalidInput)
	})
}

func TestRequestBrowseMode(t *testing.T) {
	assert.True(t, (&Request{Query: "  "}).Browse())
	assert.False(t, (&Request{Query: "q"}).Browse())
}
