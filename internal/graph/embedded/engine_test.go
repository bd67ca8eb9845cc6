package embedded

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/memforge/memforge/internal/graph"
)

func openTestEngine(t *testing.T) *Engine {
	t.Helper()
	e, err := Open(Config{InMemory: true}, zaptest.NewLogger(t))
	require.NoError(t, err)
	t.Cleanup(func() { e.Close() })
	return e
}

func TestMemoryLifecycle(t *testing.T) {
	e := openTestEngine(t)
	ctx := context.Background()

	require.NoError(t, e.EnsureUser(ctx, "alice"))

	id, err := e.CreateMemory(ctx, "alice", &graph.Memory{Content: "prefers window seats"})
	require.NoError(t, err)
	require.NotEmpty(t, id)

	m, err := e.GetMemory(ctx, "alice", id)
	require.NoError(t, err)
	require.NotNil(t, m)
	assert.Equal(t, "prefers window seats", m.Content)
	assert.Equal(t, graph.ExtractionUnstarted, m.ExtractionStatus)
	assert.False(t, m.CreatedAt.IsZero())

	t.Run("missing memory is nil without error", func(t *testing.T) {
		m, err := e.GetMemory(ctx, "alice", "no-such-id")
		require.NoError(t, err)
		assert.Nil(t, m)
	})

	t.Run("touch bumps updated_at and unions tags", func(t *testing.T) {
		require.NoError(t, e.TouchMemory(ctx, "alice", id, []string{"travel", "travel"}))
		m, err := e.GetMemory(ctx, "alice", id)
		require.NoError(t, err)
		assert.Equal(t, []string{"travel"}, m.Tags)
		assert.True(t, m.UpdatedAt.After(m.CreatedAt) || m.UpdatedAt.Equal(m.CreatedAt))
	})

	t.Run("resolve stamps resolved_at and tags", func(t *testing.T) {
		require.NoError(t, e.ResolveMemory(ctx, "alice", id))
		m, err := e.GetMemory(ctx, "alice", id)
		require.NoError(t, err)
		require.NotNil(t, m.ResolvedAt)
		assert.Contains(t, m.Tags, "resolved")
	})

	t.Run("invalidate tombstones without deleting", func(t *testing.T) {
		require.NoError(t, e.InvalidateMemory(ctx, "alice", id))
		m, err := e.GetMemory(ctx, "alice", id)
		require.NoError(t, err)
		require.NotNil(t, m.InvalidAt)
	})

	t.Run("delete removes the record", func(t *testing.T) {
		require.NoError(t, e.DeleteMemory(ctx, "alice", id))
		m, err := e.GetMemory(ctx, "alice", id)
		require.NoError(t, err)
		assert.Nil(t, m)
	})
}

func TestMemoryUserIsolation(t *testing.T) {
	e := openTestEngine(t)
	ctx := context.Background()

	id, err := e.CreateMemory(ctx, "alice", &graph.Memory{Content: "alice fact"})
	require.NoError(t, err)
	_, err = e.CreateMemory(ctx, "bob", &graph.Memory{Content: "bob fact"})
	require.NoError(t, err)

	m, err := e.GetMemory(ctx, "bob", id)
	require.NoError(t, err)
	assert.Nil(t, m, "bob must not see alice's memory")

	memories, total, err := e.ListMemories(ctx, "bob", graph.MemoryFilter{})
	require.NoError(t, err)
	assert.Equal(t, 1, total)
	require.Len(t, memories, 1)
	assert.Equal(t, "bob fact", memories[0].Content)
}

func TestBadUserIDRejected(t *testing.T) {
	e := openTestEngine(t)
	ctx := context.Background()

	for _, bad := range []string{"", "has space", "../escape", "/lead"} {
		_, err := e.CreateMemory(ctx, bad, &graph.Memory{Content: "x"})
		assert.ErrorIs(t, err, graph.ErrInvalidInput, "user id %q", bad)
	}
}

func TestMarkExtraction(t *testing.T) {
	e := openTestEngine(t)
	ctx := context.Background()

	id, err := e.CreateMemory(ctx, "alice", &graph.Memory{Content: "x"})
	require.NoError(t, err)

	require.NoError(t, e.MarkExtraction(ctx, "alice", id, graph.ExtractionPending, ""))
	m, _ := e.GetMemory(ctx, "alice", id)
	assert.Equal(t, graph.ExtractionPending, m.ExtractionStatus)
	assert.Equal(t, 1, m.ExtractionAttempts)

	require.NoError(t, e.MarkExtraction(ctx, "alice", id, graph.ExtractionFailed, "model timeout"))
	m, _ = e.GetMemory(ctx, "alice", id)
	assert.Equal(t, graph.ExtractionFailed, m.ExtractionStatus)
	assert.Equal(t, "model timeout", m.ExtractionError)

	// A retry goes through pending again and bumps attempts.
	require.NoError(t, e.MarkExtraction(ctx, "alice", id, graph.ExtractionPending, ""))
	m, _ = e.GetMemory(ctx, "alice", id)
	assert.Equal(t, 2, m.ExtractionAttempts)
}

func TestSupersede(t *testing.T) {
	e := openTestEngine(t)
	ctx := context.Background()

	oldID, err := e.CreateMemory(ctx, "alice", &graph.Memory{Content: "lives in Austin"})
	require.NoError(t, err)
	newID, err := e.CreateMemory(ctx, "alice", &graph.Memory{Content: "lives in Denver"})
	require.NoError(t, err)

	require.NoError(t, e.Supersede(ctx, "alice", newID, oldID))

	old, err := e.GetMemory(ctx, "alice", oldID)
	require.NoError(t, err)
	require.NotNil(t, old.InvalidAt, "superseded memory must be tombstoned")

	got, err := e.SupersededBy(ctx, "alice", newID)
	require.NoError(t, err)
	assert.Equal(t, oldID, got)
}

func TestListMemoriesFilterAndPaging(t *testing.T) {
	e := openTestEngine(t)
	ctx := context.Background()

	var ids []string
	for _, content := range []string{"first", "second", "third", "fourth"} {
		id, err := e.CreateMemory(ctx, "alice", &graph.Memory{
			Content: content,
			Tags:    []string{"t-" + content},
		})
		require.NoError(t, err)
		ids = append(ids, id)
		time.Sleep(2 * time.Millisecond)
	}
	require.NoError(t, e.InvalidateMemory(ctx, "alice", ids[0]))

	t.Run("invalidated excluded and newest first", func(t *testing.T) {
		memories, total, err := e.ListMemories(ctx, "alice", graph.MemoryFilter{})
		require.NoError(t, err)
		assert.Equal(t, 3, total)
		require.Len(t, memories, 3)
		assert.Equal(t, "fourth", memories[0].Content)
	})

	t.Run("offset and limit page through", func(t *testing.T) {
		memories, total, err := e.ListMemories(ctx, "alice", graph.MemoryFilter{Offset: 1, Limit: 1})
		require.NoError(t, err)
		assert.Equal(t, 3, total)
		require.Len(t, memories, 1)
		assert.Equal(t, "third", memories[0].Content)
	})

	t.Run("tag filter is case-insensitive", func(t *testing.T) {
		memories, _, err := e.ListMemories(ctx, "alice", graph.MemoryFilter{Tag: "T-SECOND"})
		require.NoError(t, err)
		require.Len(t, memories, 1)
		assert.Equal(t, "second", memories[0].Content)
	})

	t.Run("offset past the end is empty not an error", func(t *testing.T) {
		memories, total, err := e.ListMemories(ctx, "alice", graph.MemoryFilter{Offset: 50})
		require.NoError(t, err)
		assert.Equal(t, 3, total)
		assert.Empty(t, memories)
	})
}

func TestMergeEntity(t *testing.T) {
	e := openTestEngine(t)
	ctx := context.Background()

	id1, created, err := e.MergeEntity(ctx, "alice", &graph.Entity{Name: "Sarah Chen", Type: "PERSON"})
	require.NoError(t, err)
	assert.True(t, created)

	// Same normalized name merges instead of duplicating.
	id2, created, err := e.MergeEntity(ctx, "alice", &graph.Entity{Name: "sarah chen", Type: "PERSON"})
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, id1, id2)

	ent, err := e.FindEntityByNormalizedName(ctx, "alice", graph.NormalizeName("Sarah-Chen"))
	require.NoError(t, err)
	require.NotNil(t, ent)
	assert.Equal(t, id1, ent.ID)
}

func TestRelationshipUpsertIsUniquePerTriple(t *testing.T) {
	e := openTestEngine(t)
	ctx := context.Background()

	srcID, _, err := e.MergeEntity(ctx, "alice", &graph.Entity{Name: "Sarah", Type: "PERSON"})
	require.NoError(t, err)
	tgtID, _, err := e.MergeEntity(ctx, "alice", &graph.Entity{Name: "Acme", Type: "ORGANIZATION"})
	require.NoError(t, err)

	require.NoError(t, e.UpsertRelationship(ctx, "alice", &graph.Relationship{
		SourceID: srcID, TargetID: tgtID, Type: "WORKS_AT", Description: "engineer",
	}))
	require.NoError(t, e.UpsertRelationship(ctx, "alice", &graph.Relationship{
		SourceID: srcID, TargetID: tgtID, Type: "WORKS_AT", Description: "senior engineer at Acme",
	}))

	rels, err := e.EntityRelationships(ctx, "alice", srcID, 0)
	require.NoError(t, err)
	require.Len(t, rels, 1, "same triple must not duplicate")
	assert.Equal(t, "senior engineer at Acme", rels[0].Description, "longer description wins")

	t.Run("shorter description does not regress", func(t *testing.T) {
		require.NoError(t, e.UpsertRelationship(ctx, "alice", &graph.Relationship{
			SourceID: srcID, TargetID: tgtID, Type: "WORKS_AT", Description: "works",
		}))
		rels, err := e.EntityRelationships(ctx, "alice", srcID, 0)
		require.NoError(t, err)
		assert.Equal(t, "senior engineer at Acme", rels[0].Description)
	})

	t.Run("incident from both directions", func(t *testing.T) {
		rels, err := e.EntityRelationships(ctx, "alice", tgtID, 0)
		require.NoError(t, err)
		assert.Len(t, rels, 1)
	})
}

func TestMentionsAndAccessLog(t *testing.T) {
	e := openTestEngine(t)
	ctx := context.Background()

	memID, err := e.CreateMemory(ctx, "alice", &graph.Memory{Content: "met Sarah for coffee"})
	require.NoError(t, err)
	entID, _, err := e.MergeEntity(ctx, "alice", &graph.Entity{Name: "Sarah", Type: "PERSON"})
	require.NoError(t, err)

	require.NoError(t, e.LinkMemoryEntity(ctx, "alice", memID, entID))
	require.NoError(t, e.LinkMemoryEntity(ctx, "alice", memID, entID))

	n, err := e.EntityMentionCount(ctx, "alice", entID)
	require.NoError(t, err)
	assert.Equal(t, 1, n, "duplicate links collapse")

	mentions, err := e.EntityMentions(ctx, "alice", entID, 10)
	require.NoError(t, err)
	require.Len(t, mentions, 1)
	assert.Equal(t, memID, mentions[0].ID)

	t.Run("linking a missing entity fails", func(t *testing.T) {
		err := e.LinkMemoryEntity(ctx, "alice", memID, "ghost")
		assert.ErrorIs(t, err, graph.ErrNotFound)
	})

	t.Run("access counter increments", func(t *testing.T) {
		require.NoError(t, e.LogAccess(ctx, "alice", "app1", memID))
		require.NoError(t, e.LogAccess(ctx, "alice", "app1", memID))
		n, err := e.AccessCount(ctx, "alice", "app1", memID)
		require.NoError(t, err)
		assert.Equal(t, int64(2), n)

		other, err := e.AccessCount(ctx, "alice", "app2", memID)
		require.NoError(t, err)
		assert.Zero(t, other, "counters are per app")
	})
}

// buildChain stores a -> b -> c -> d connected by RELATED_TO edges.
func buildChain(t *testing.T, e *Engine) []string {
	t.Helper()
	ctx := context.Background()
	names := []string{"a", "b", "c", "d"}
	ids := make([]string, len(names))
	for i, n := range names {
		id, _, err := e.MergeEntity(ctx, "alice", &graph.Entity{Name: n, Type: "CONCEPT"})
		require.NoError(t, err)
		ids[i] = id
	}
	for i := 0; i+1 < len(ids); i++ {
		require.NoError(t, e.UpsertRelationship(ctx, "alice", &graph.Relationship{
			SourceID: ids[i], TargetID: ids[i+1], Type: "RELATED_TO",
		}))
	}
	return ids
}

func TestNeighborhoodHops(t *testing.T) {
	e := openTestEngine(t)
	ctx := context.Background()
	ids := buildChain(t, e)

	sub, err := e.Neighborhood(ctx, "alice", ids[0], 1)
	require.NoError(t, err)
	assert.Len(t, sub.Nodes, 2)
	assert.Len(t, sub.Edges, 1)

	sub, err = e.Neighborhood(ctx, "alice", ids[0], 2)
	require.NoError(t, err)
	assert.Len(t, sub.Nodes, 3)
	assert.Len(t, sub.Edges, 2)

	_, err = e.Neighborhood(ctx, "alice", "missing", 1)
	assert.ErrorIs(t, err, graph.ErrNotFound)
}

func TestEgoGraphIncludesNeighborEdges(t *testing.T) {
	e := openTestEngine(t)
	ctx := context.Background()

	// Triangle: center connects to x and y, and x -> y directly.
	center, _, err := e.MergeEntity(ctx, "alice", &graph.Entity{Name: "center", Type: "CONCEPT"})
	require.NoError(t, err)
	x, _, err := e.MergeEntity(ctx, "alice", &graph.Entity{Name: "x", Type: "CONCEPT"})
	require.NoError(t, err)
	y, _, err := e.MergeEntity(ctx, "alice", &graph.Entity{Name: "y", Type: "CONCEPT"})
	require.NoError(t, err)

	for _, pair := range [][2]string{{center, x}, {center, y}, {x, y}} {
		require.NoError(t, e.UpsertRelationship(ctx, "alice", &graph.Relationship{
			SourceID: pair[0], TargetID: pair[1], Type: "RELATED_TO",
		}))
	}

	sub, err := e.EgoGraph(ctx, "alice", center)
	require.NoError(t, err)
	assert.Len(t, sub.Nodes, 3)
	assert.Len(t, sub.Edges, 3, "the x->y edge between neighbors must be present")
}

func TestDeleteEntityCascades(t *testing.T) {
	e := openTestEngine(t)
	ctx := context.Background()

	entID, _, err := e.MergeEntity(ctx, "alice", &graph.Entity{Name: "Acme", Type: "ORGANIZATION"})
	require.NoError(t, err)
	otherID, _, err := e.MergeEntity(ctx, "alice", &graph.Entity{Name: "Sarah", Type: "PERSON"})
	require.NoError(t, err)
	memID, err := e.CreateMemory(ctx, "alice", &graph.Memory{Content: "Sarah joined Acme"})
	require.NoError(t, err)

	require.NoError(t, e.UpsertRelationship(ctx, "alice", &graph.Relationship{
		SourceID: otherID, TargetID: entID, Type: "WORKS_AT",
	}))
	require.NoError(t, e.LinkMemoryEntity(ctx, "alice", memID, entID))

	require.NoError(t, e.DeleteEntity(ctx, "alice", entID))

	ent, err := e.GetEntity(ctx, "alice", entID)
	require.NoError(t, err)
	assert.Nil(t, ent)

	rels, err := e.EntityRelationships(ctx, "alice", otherID, 0)
	require.NoError(t, err)
	assert.Empty(t, rels, "edges touching the deleted entity must be gone")

	n, err := e.EntityMentionCount(ctx, "alice", entID)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestMemoryKNNOrdersBySimilarity(t *testing.T) {
	e := openTestEngine(t)
	ctx := context.Background()

	mk := func(content string, vec []float32) string {
		id, err := e.CreateMemory(ctx, "alice", &graph.Memory{Content: content, Embedding: vec})
		require.NoError(t, err)
		return id
	}
	near := mk("near", []float32{1, 0, 0})
	far := mk("far", []float32{0, 1, 0})
	mk("no embedding", nil)

	matches, err := e.MemoryKNN(ctx, "alice", []float32{0.9, 0.1, 0}, 10)
	require.NoError(t, err)
	require.Len(t, matches, 2)
	assert.Equal(t, near, matches[0].Memory.ID)
	assert.Equal(t, far, matches[1].Memory.ID)
	assert.Greater(t, matches[0].Score, matches[1].Score)

	t.Run("invalidated memories are excluded", func(t *testing.T) {
		require.NoError(t, e.InvalidateMemory(ctx, "alice", near))
		matches, err := e.MemoryKNN(ctx, "alice", []float32{0.9, 0.1, 0}, 10)
		require.NoError(t, err)
		require.Len(t, matches, 1)
		assert.Equal(t, far, matches[0].Memory.ID)
	})
}

func TestConfigDocumentRoundTrip(t *testing.T) {
	e := openTestEngine(t)
	ctx := context.Background()

	doc, err := e.ConfigDocument(ctx)
	require.NoError(t, err)
	assert.Nil(t, doc, "absent document reads as nil")

	require.NoError(t, e.SetConfigDocument(ctx, []byte(`{"enabled":false}`)))
	doc, err = e.ConfigDocument(ctx)
	require.NoError(t, err)
	assert.JSONEq(t, `{"enabled":false}`, string(doc))
}

func TestCategories(t *testing.T) {
	e := openTestEngine(t)
	ctx := context.Background()

	id, err := e.CreateMemory(ctx, "alice", &graph.Memory{Content: "ran 5k"})
	require.NoError(t, err)

	require.NoError(t, e.LinkMemoryCategories(ctx, "alice", id, []string{"Health", "health", "Fitness"}))

	m, err := e.GetMemory(ctx, "alice", id)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"Health", "Fitness"}, m.Categories)

	memories, _, err := e.ListMemories(ctx, "alice", graph.MemoryFilter{Category: "HEALTH"})
	require.NoError(t, err)
	assert.Len(t, memories, 1)
}
