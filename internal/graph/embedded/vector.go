package embedded

import (
	"context"
	"fmt"
	"sort"

	"github.com/memforge/memforge/internal/graph"
)

// MemoryKNN ranks live memories by cosine similarity of content embeddings.
// Brute force over the user scope; fine for per-user corpus sizes.
func (e *Engine) MemoryKNN(ctx context.Context, userID string, vec []float32, k int) ([]graph.MemoryMatch, error) {
	if err := validUser(userID); err != nil {
		return nil, err
	}
	if len(vec) == 0 {
		return nil, fmt.Errorf("%w: empty query vector", graph.ErrInvalidInput)
	}
	if k <= 0 {
		k = 10
	}

	var matches []graph.MemoryMatch
	err := e.scanMemories(userID, func(m *graph.Memory) {
		if m.InvalidAt != nil || len(m.Embedding) == 0 {
			return
		}
		cp := *m
		matches = append(matches, graph.MemoryMatch{
			Memory: &cp,
			Score:  graph.Cosine(vec, m.Embedding),
		})
	})
	if err != nil {
		return nil, fmt.Errorf("memory knn: %w", err)
	}

	sort.Slice(matches, func(i, j int) bool {
		return matches[i].Score > matches[j].Score
	})
	if len(matches) > k {
		matches = matches[:k]
	}
	return matches, nil
}

// EntityKNN ranks entities by cosine similarity of description embeddings.
func (e *Engine) EntityKNN(ctx context.Context, userID string, vec []float32, k int) ([]graph.EntityMatch, error) {
	if err := validUser(userID); err != nil {
		return nil, err
	}
	if len(vec) == 0 {
		return nil, fmt.Errorf("%w: empty query vector", graph.ErrInvalidInput)
	}
	if k <= 0 {
		k = 5
	}

	var matches []graph.EntityMatch
	err := e.scanEntities(userID, func(ent *graph.Entity) {
		if len(ent.DescriptionEmbedding) == 0 {
			return
		}
		cp := *ent
		matches = append(matches, graph.EntityMatch{
			Entity: &cp,
			Score:  graph.Cosine(vec, ent.DescriptionEmbedding),
		})
	})
	if err != nil {
		return nil, fmt.Errorf("entity knn: %w", err)
	}

	sort.Slice(matches, func(i, j int) bool {
		return matches[i].Score > matches[j].Score
	})
	if len(matches) > k {
		matches = matches[:k]
	}
	return matches, nil
}
