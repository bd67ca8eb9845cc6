package index

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func openTestIndex(t *testing.T) *MemoryIndex {
	t.Helper()
	idx, err := New(Config{InMemory: true}, zaptest.NewLogger(t))
	require.NoError(t, err)
	t.Cleanup(func() { idx.Close() })
	return idx
}

func TestIndexAndSearch(t *testing.T) {
	idx := openTestIndex(t)
	ctx := context.Background()

	require.NoError(t, idx.Index(ctx, Document{ID: "m1", UserID: "alice", Content: "prefers italian food"}))
	require.NoError(t, idx.Index(ctx, Document{ID: "m2", UserID: "alice", Content: "works on distributed systems"}))
	require.NoError(t, idx.Index(ctx, Document{ID: "m3", UserID: "bob", Content: "italian opera fan"}))

	hits, err := idx.Search(ctx, "alice", "italian", 10)
	require.NoError(t, err)
	require.Len(t, hits, 1, "results are scoped to the user")
	assert.Equal(t, "m1", hits[0].ID)
	assert.Equal(t, "prefers italian food", hits[0].Content)
	assert.Greater(t, hits[0].Score, 0.0)

	t.Run("no match is empty not an error", func(t *testing.T) {
		hits, err := idx.Search(ctx, "alice", "zanzibar", 10)
		require.NoError(t, err)
		assert.Empty(t, hits)
	})
}

func TestDeleteRemovesFromSearch(t *testing.T) {
	idx := openTestIndex(t)
	ctx := context.Background()

	require.NoError(t, idx.Index(ctx, Document{ID: "m1", UserID: "alice", Content: "espresso every morning"}))
	require.NoError(t, idx.Delete(ctx, "m1"))

	hits, err := idx.Search(ctx, "alice", "espresso", 10)
	require.NoError(t, err)
	assert.Empty(t, hits)
}

func TestBatchIndex(t *testing.T) {
	idx := openTestIndex(t)
	ctx := context.Background()

	docs := []Document{
		{ID: "m1", UserID: "alice", Content: "first note"},
		{ID: "m2", UserID: "alice", Content: "second note"},
		{ID: "m3", UserID: "alice", Content: "third note"},
	}
	require.NoError(t, idx.BatchIndex(ctx, docs))

	hits, err := idx.Search(ctx, "alice", "note", 10)
	require.NoError(t, err)
	assert.Len(t, hits, 3)

	stats := idx.Stats()
	assert.EqualValues(t, 3, stats["total_documents"])
	assert.EqualValues(t, 3, stats["total_indexed"])
}

func TestReindexReplacesContent(t *testing.T) {
	idx := openTestIndex(t)
	ctx := context.Background()

	require.NoError(t, idx.Index(ctx, Document{ID: "m1", UserID: "alice", Content: "old wording"}))
	require.NoError(t, idx.Index(ctx, Document{ID: "m1", UserID: "alice", Content: "new phrasing"}))

	hits, err := idx.Search(ctx, "alice", "wording", 10)
	require.NoError(t, err)
	assert.Empty(t, hits)

	hits, err = idx.Search(ctx, "alice", "phrasing", 10)
	require.NoError(t, err)
	require.Len(t, hits, 1)
}
