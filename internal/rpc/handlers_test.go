package rpc

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"

	"github.com/memforge/memforge/internal/graph"
	"github.com/memforge/memforge/internal/graph/embedded"
	"github.com/memforge/memforge/internal/index"
	"github.com/memforge/memforge/internal/memory"
	"github.com/memforge/memforge/internal/search"
)

func TestArgString(t *testing.T) {
	args := map[string]interface{}{
		"user_id": "  alice  ",
		"limit":   float64(5),
	}
	assert.Equal(t, "alice", argString(args, "user_id"))
	assert.Equal(t, "", argString(args, "missing"))
	assert.Equal(t, "", argString(args, "limit"), "non-strings read as empty")
}

func TestArgStringSlice(t *testing.T) {
	t.Run("typed slice", func(t *testing.T) {
		assert.Equal(t, []string{"a", "b"},
			argStringSlice(map[string]interface{}{"tags": []string{"a", "b"}}, "tags"))
	})

	t.Run("untyped json array", func(t *testing.T) {
		assert.Equal(t, []string{"a", "b"},
			argStringSlice(map[string]interface{}{"tags": []interface{}{"a", "b", 3}}, "tags"),
			"non-string elements are dropped")
	})

	t.Run("bare string", func(t *testing.T) {
		assert.Equal(t, []string{"solo"},
			argStringSlice(map[string]interface{}{"tags": "solo"}, "tags"))
	})

	t.Run("absent or empty", func(t *testing.T) {
		assert.Nil(t, argStringSlice(map[string]interface{}{}, "tags"))
		assert.Nil(t, argStringSlice(map[string]interface{}{"tags": ""}, "tags"))
	})
}

func TestArgItems(t *testing.T) {
	t.Run("content as string", func(t *testing.T) {
		assert.Equal(t, []string{"rides a bike"},
			argItems(map[string]interface{}{"content": "rides a bike"}))
	})

	t.Run("content as array", func(t *testing.T) {
		assert.Equal(t, []string{"a", "b"},
			argItems(map[string]interface{}{"content": []interface{}{"a", "b"}}))
	})

	t.Run("items alias", func(t *testing.T) {
		assert.Equal(t, []string{"a"},
			argItems(map[string]interface{}{"items": []interface{}{"a"}}))
	})

	t.Run("text alias", func(t *testing.T) {
		assert.Equal(t, []string{"solo"},
			argItems(map[string]interface{}{"text": "solo"}))
	})

	t.Run("content wins over aliases", func(t *testing.T) {
		assert.Equal(t, []string{"canonical"},
			argItems(map[string]interface{}{
				"content": "canonical",
				"items":   []interface{}{"alias"},
			}))
	})

	t.Run("nothing set", func(t *testing.T) {
		assert.Nil(t, argItems(map[string]interface{}{}))
	})
}

func TestArgInt(t *testing.T) {
	assert.Equal(t, 5, argInt(map[string]interface{}{"limit": float64(5)}, "limit"))
	assert.Equal(t, 7, argInt(map[string]interface{}{"limit": 7}, "limit"))
	assert.Equal(t, 9, argInt(map[string]interface{}{"limit": int64(9)}, "limit"))
	assert.Equal(t, 0, argInt(map[string]interface{}{"limit": "5"}, "limit"))
	assert.Equal(t, 0, argInt(map[string]interface{}{}, "limit"))
}

func TestArgBool(t *testing.T) {
	assert.True(t, argBool(map[string]interface{}{"flag": true}, "flag"))
	assert.False(t, argBool(map[string]interface{}{"flag": "true"}, "flag"))
	assert.False(t, argBool(map[string]interface{}{}, "flag"))
}

func TestArgBoolOr(t *testing.T) {
	assert.True(t, argBoolOr(map[string]interface{}{}, "flag", true))
	assert.False(t, argBoolOr(map[string]interface{}{"flag": false}, "flag", true))
	assert.True(t, argBoolOr(map[string]interface{}{"flag": true}, "flag", false))
	assert.True(t, argBoolOr(map[string]interface{}{"flag": "yes"}, "flag", true),
		"mistyped values take the default")
}

// pinnedEmbedder returns the same vector for every text.
type pinnedEmbedder struct{ vec []float32 }

func (p *pinnedEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	return p.vec, nil
}

func TestSearchAttachesEntitiesByDefault(t *testing.T) {
	ctx := context.Background()
	logger := zaptest.NewLogger(t)

	store, err := embedded.Open(embedded.Config{InMemory: true}, logger)
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	idx, err := index.New(index.Config{InMemory: true}, logger)
	require.NoError(t, err)
	t.Cleanup(func() { idx.Close() })

	// Access logging runs on a goroutine that can outlive the test body;
	// keep the searcher's logger detached from t.
	searcher := search.New(store, idx, &pinnedEmbedder{vec: []float32{1, 0}},
		search.DefaultConfig(), zap.NewNop())

	entID, _, err := store.MergeEntity(ctx, "alice", &graph.Entity{
		Name: "Sarah Chen", Type: "PERSON",
	})
	require.NoError(t, err)
	require.NoError(t, store.SetEntityEmbedding(ctx, "alice", entID, []float32{1, 0}))
	_, err = store.CreateMemory(ctx, "alice", &graph.Memory{
		Content: "met Sarah", Embedding: []float32{1, 0},
	})
	require.NoError(t, err)

	deps := &Deps{Search: searcher, Logger: zap.NewNop()}

	t.Run("omitted flag enriches", func(t *testing.T) {
		out, err := deps.handleSearchMemory(ctx, map[string]interface{}{
			"user_id": "alice",
			"query":   "sarah",
		})
		require.NoError(t, err)
		resp, ok := out.(*search.Response)
		require.True(t, ok)
		require.NotEmpty(t, resp.Results)
		require.NotEmpty(t, resp.Entities)
		assert.Equal(t, "Sarah Chen", resp.Entities[0].Name)
	})

	t.Run("explicit false skips enrichment", func(t *testing.T) {
		out, err := deps.handleSearchMemory(ctx, map[string]interface{}{
			"user_id":          "alice",
			"query":            "sarah",
			"include_entities": false,
		})
		require.NoError(t, err)
		resp, ok := out.(*search.Response)
		require.True(t, ok)
		assert.Empty(t, resp.Entities)
	})
}

func TestAddResultMapOmitsZeroes(t *testing.T) {
	out := addResultMap(&memory.AddResult{
		Stored: 2,
		IDs:    []string{"m1", "m2"},
	})
	assert.Equal(t, map[string]interface{}{
		"stored": 2,
		"ids":    []string{"m1", "m2"},
	}, out)

	assert.Empty(t, addResultMap(&memory.AddResult{}), "an all-zero result renders empty")
}

func TestAddResultMapSurfacesErrors(t *testing.T) {
	out := addResultMap(&memory.AddResult{
		Skipped: 1,
		Deleted: "Acme Corp",
		Errors:  []memory.ItemError{{Index: 0, Message: "empty content"}},
	})
	assert.Equal(t, 1, out["skipped"])
	assert.Equal(t, "Acme Corp", out["deleted"])
	assert.Equal(t, []memory.ItemError{{Index: 0, Message: "empty content"}}, out["errors"])
}
