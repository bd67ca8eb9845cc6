package remote

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/memforge/memforge/internal/graph"
)

// listMemories decodes every memory record of the user.
func (e *Engine) listMemories(ctx context.Context, userID string) ([]*graph.Memory, error) {
	recs, err := e.listRecords(ctx, kindMemory, userID)
	if err != nil {
		return nil, err
	}
	out := make([]*graph.Memory, 0, len(recs))
	for i := range recs {
		var m graph.Memory
		if err := decodePayload(&recs[i], &m); err != nil {
			e.logger.Warn("skipping unreadable memory record", zap.Error(err))
			continue
		}
		out = append(out, &m)
	}
	return out, nil
}

// ListMemories pages non-invalidated memories newest-first with the total
// matching count.
func (e *Engine) ListMemories(ctx context.Context, userID string, f graph.MemoryFilter) ([]*graph.Memory, int, error) {
	if err := validUser(userID); err != nil {
		return nil, 0, err
	}
	all, err := e.listMemories(ctx, userID)
	if err != nil {
		return nil, 0, fmt.Errorf("list memories: %w", err)
	}

	matched := all[:0]
	for _, m := range all {
		if graph.MatchesFilter(m, f) {
			matched = append(matched, m)
		}
	}
	sort.Slice(matched, func(i, j int) bool {
		return matched[i].CreatedAt.After(matched[j].CreatedAt)
	})

	total := len(matched)
	offset := f.Offset
	if offset < 0 {
		offset = 0
	}
	if offset >= total {
		return []*graph.Memory{}, total, nil
	}
	end := total
	if f.Limit > 0 && offset+f.Limit < end {
		end = offset + f.Limit
	}
	return matched[offset:end], total, nil
}

// RecentMemories returns up to n live memories, newest-first.
func (e *Engine) RecentMemories(ctx context.Context, userID string, n int) ([]*graph.Memory, error) {
	out, _, err := e.ListMemories(ctx, userID, graph.MemoryFilter{Limit: n})
	return out, err
}

// MemoryKNN ranks live memories by cosine similarity. Candidates come from
// the user's scope; similarity runs client-side.
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

	all, err := e.listMemories(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("memory knn: %w", err)
	}
	var matches []graph.MemoryMatch
	for _, m := range all {
		if m.InvalidAt != nil || len(m.Embedding) == 0 {
			continue
		}
		matches = append(matches, graph.MemoryMatch{Memory: m, Score: graph.Cosine(vec, m.Embedding)})
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

	recs, err := e.listRecords(ctx, kindEntity, userID)
	if err != nil {
		return nil, fmt.Errorf("entity knn: %w", err)
	}
	var matches []graph.EntityMatch
	for i := range recs {
		var ent graph.Entity
		if err := decodePayload(&recs[i], &ent); err != nil {
			continue
		}
		if len(ent.DescriptionEmbedding) == 0 {
			continue
		}
		entCopy := ent
		matches = append(matches, graph.EntityMatch{Entity: &entCopy, Score: graph.Cosine(vec, ent.DescriptionEmbedding)})
	}
	sort.Slice(matches, func(i, j int) bool {
		return matches[i].Score > matches[j].Score
	})
	if len(matches) > k {
		matches = matches[:k]
	}
	return matches, nil
}

// EnsureCategories MERGEs category records, case-insensitively.
func (e *Engine) EnsureCategories(ctx context.Context, userID string, names []string) error {
	if err := validUser(userID); err != nil {
		return err
	}
	for _, name := range names {
		name = strings.TrimSpace(name)
		if name == "" {
			continue
		}
		err := e.putRecord(ctx, record{
			User: userID,
			Key:  strings.ToLower(name),
			JSON: name,
		}, kindCategory)
		if err != nil {
			return fmt.Errorf("ensure category %q: %w", name, err)
		}
	}
	return nil
}

// LinkMemoryCategories records category membership on the memory payload.
func (e *Engine) LinkMemoryCategories(ctx context.Context, userID, memoryID string, names []string) error {
	if len(names) == 0 {
		return nil
	}
	if err := e.EnsureCategories(ctx, userID, names); err != nil {
		return err
	}
	return e.mutateMemory(ctx, userID, memoryID, func(m *graph.Memory) error {
		cleaned := make([]string, 0, len(names))
		for _, n := range names {
			if n = strings.TrimSpace(n); n != "" {
				cleaned = append(cleaned, n)
			}
		}
		m.Categories = unionFold(m.Categories, cleaned)
		return nil
	})
}

func unionFold(a, b []string) []string {
	seen := make(map[string]bool, len(a)+len(b))
	out := make([]string, 0, len(a)+len(b))
	for _, s := range a {
		k := strings.ToLower(s)
		if s != "" && !seen[k] {
			seen[k] = true
			out = append(out, s)
		}
	}
	for _, s := range b {
		k := strings.ToLower(s)
		if s != "" && !seen[k] {
			seen[k] = true
			out = append(out, s)
		}
	}
	return out
}

// UpsertRelationship MERGEs on (source, target, type).
func (e *Engine) UpsertRelationship(ctx context.Context, userID string, r *graph.Relationship) error {
	if err := validUser(userID); err != nil {
		return err
	}
	if r == nil || r.SourceID == "" || r.TargetID == "" || r.Type == "" {
		return fmt.Errorf("%w: relationship needs source, target, and type", graph.ErrInvalidInput)
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	key := tripleKey(r.SourceID, r.TargetID, r.Type)
	now := time.Now().UTC()

	rec, err := e.getRecord(ctx, kindRel, userID, key)
	if err != nil {
		return err
	}
	if rec == nil {
		stored := *r
		if stored.CreatedAt.IsZero() {
			stored.CreatedAt = now
		}
		stored.UpdatedAt = now
		return e.putPayload(ctx, kindRel, userID, key, r.SourceID, r.TargetID, &stored)
	}

	var existing graph.Relationship
	if err := decodePayload(rec, &existing); err != nil {
		return err
	}
	if len(r.Description) > len(existing.Description) {
		existing.Description = r.Description
	}
	if len(r.Metadata) > 0 {
		if existing.Metadata == nil {
			existing.Metadata = make(map[string]interface{}, len(r.Metadata))
		}
		for k, v := range r.Metadata {
			existing.Metadata[k] = v
		}
	}
	existing.UpdatedAt = now
	return e.putPayload(ctx, kindRel, userID, key, r.SourceID, r.TargetID, &existing)
}

// DeleteRelationship removes one (source, target, type) edge.
func (e *Engine) DeleteRelationship(ctx context.Context, userID, sourceID, targetID, relType string) error {
	if err := validUser(userID); err != nil {
		return err
	}
	rec, err := e.getRecord(ctx, kindRel, userID, tripleKey(sourceID, targetID, relType))
	if err != nil {
		return err
	}
	if rec == nil {
		return fmt.Errorf("relationship %s-[%s]->%s: %w", sourceID, relType, targetID, graph.ErrNotFound)
	}
	return e.deleteUIDs(ctx, []string{rec.UID})
}

// relationshipsTouching loads edges with the entity as source or target.
func (e *Engine) relationshipsTouching(ctx context.Context, userID, entityID string) ([]*graph.Relationship, error) {
	var out []*graph.Relationship
	seen := map[string]bool{}

	outs, err := e.listByAlt(ctx, kindRel, userID, entityID)
	if err != nil {
		return nil, err
	}
	ins, err := e.listByAlt2(ctx, kindRel, userID, entityID)
	if err != nil {
		return nil, err
	}
	for _, rec := range append(outs, ins...) {
		if seen[rec.Key] {
			continue
		}
		seen[rec.Key] = true
		var r graph.Relationship
		if err := decodePayload(&rec, &r); err != nil {
			continue
		}
		out = append(out, &r)
	}
	return out, nil
}

// EntityRelationships lists edges incident to the entity, newest-first.
func (e *Engine) EntityRelationships(ctx context.Context, userID, entityID string, limit int) ([]*graph.Relationship, error) {
	if err := validUser(userID); err != nil {
		return nil, err
	}
	out, err := e.relationshipsTouching(ctx, userID, entityID)
	if err != nil {
		return nil, fmt.Errorf("entity relationships: %w", err)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].UpdatedAt.After(out[j].UpdatedAt)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// LinkMemoryEntity creates a MENTIONS record, idempotent per pair.
func (e *Engine) LinkMemoryEntity(ctx context.Context, userID, memoryID, entityID string) error {
	if err := validUser(userID); err != nil {
		return err
	}
	if rec, err := e.getRecord(ctx, kindMemory, userID, memoryID); err != nil {
		return err
	} else if rec == nil {
		return fmt.Errorf("memory %s: %w", memoryID, graph.ErrNotFound)
	}
	if rec, err := e.getRecord(ctx, kindEntity, userID, entityID); err != nil {
		return err
	} else if rec == nil {
		return fmt.Errorf("entity %s: %w", entityID, graph.ErrNotFound)
	}
	return e.putRecord(ctx, record{
		User: userID,
		Key:  pairKey(memoryID, entityID),
		Alt:  memoryID,
		Alt2: entityID,
	}, kindMention)
}

// EntityMentionCount counts memories mentioning the entity.
func (e *Engine) EntityMentionCount(ctx context.Context, userID, entityID string) (int, error) {
	if err := validUser(userID); err != nil {
		return 0, err
	}
	recs, err := e.listByAlt2(ctx, kindMention, userID, entityID)
	if err != nil {
		return 0, fmt.Errorf("mention count: %w", err)
	}
	return len(recs), nil
}

// EntityMentions returns live memories mentioning the entity, newest-first.
func (e *Engine) EntityMentions(ctx context.Context, userID, entityID string, limit int) ([]*graph.Memory, error) {
	if err := validUser(userID); err != nil {
		return nil, err
	}
	recs, err := e.listByAlt2(ctx, kindMention, userID, entityID)
	if err != nil {
		return nil, fmt.Errorf("entity mentions: %w", err)
	}

	var out []*graph.Memory
	for _, rec := range recs {
		m, err := e.GetMemory(ctx, userID, rec.Alt)
		if err != nil || m == nil || m.InvalidAt != nil {
			continue
		}
		out = append(out, m)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// neighborIDs returns adjacent entity ids plus the RELATED_TO edges.
func (e *Engine) neighborIDs(ctx context.Context, userID, id string) ([]string, []*graph.Relationship, error) {
	edges, err := e.relationshipsTouching(ctx, userID, id)
	if err != nil {
		return nil, nil, err
	}
	var ids []string
	seen := map[string]bool{}
	for _, r := range edges {
		other := r.TargetID
		if other == id {
			other = r.SourceID
		}
		if other != id && !seen[other] {
			seen[other] = true
			ids = append(ids, other)
		}
	}
	return ids, edges, nil
}

// Neighborhood breadth-first walks RELATED_TO edges up to hops from the
// center.
func (e *Engine) Neighborhood(ctx context.Context, userID, entityID string, hops int) (*graph.Subgraph, error) {
	if err := validUser(userID); err != nil {
		return nil, err
	}
	if hops < 1 {
		hops = 1
	}

	center, err := e.GetEntity(ctx, userID, entityID)
	if err != nil {
		return nil, err
	}
	if center == nil {
		return nil, fmt.Errorf("entity %s: %w", entityID, graph.ErrNotFound)
	}

	sub := &graph.Subgraph{Center: entityID, Nodes: []*graph.Entity{center}}
	visited := map[string]bool{entityID: true}
	edgeSeen := map[string]bool{}

	frontier := []string{entityID}
	for depth := 0; depth < hops && len(frontier) > 0; depth++ {
		var next []string
		for _, id := range frontier {
			ids, edges, err := e.neighborIDs(ctx, userID, id)
			if err != nil {
				return nil, err
			}
			for _, r := range edges {
				ek := r.SourceID + "\x00" + r.TargetID + "\x00" + r.Type
				if !edgeSeen[ek] {
					edgeSeen[ek] = true
					sub.Edges = append(sub.Edges, r)
				}
			}
			for _, nid := range ids {
				if visited[nid] {
					continue
				}
				visited[nid] = true
				ent, err := e.GetEntity(ctx, userID, nid)
				if err != nil {
					return nil, err
				}
				if ent != nil {
					sub.Nodes = append(sub.Nodes, ent)
					next = append(next, nid)
				}
			}
		}
		frontier = next
	}
	return sub, nil
}

// EgoGraph returns the center, its neighbors, and edges between neighbors.
func (e *Engine) EgoGraph(ctx context.Context, userID, entityID string) (*graph.Subgraph, error) {
	sub, err := e.Neighborhood(ctx, userID, entityID, 1)
	if err != nil {
		return nil, err
	}

	inSub := make(map[string]bool, len(sub.Nodes))
	for _, n := range sub.Nodes {
		inSub[n.ID] = true
	}
	edgeSeen := make(map[string]bool, len(sub.Edges))
	for _, r := range sub.Edges {
		edgeSeen[r.SourceID+"\x00"+r.TargetID+"\x00"+r.Type] = true
	}

	for _, n := range sub.Nodes {
		if n.ID == entityID {
			continue
		}
		outs, err := e.listByAlt(ctx, kindRel, userID, n.ID)
		if err != nil {
			return nil, fmt.Errorf("ego graph: %w", err)
		}
		for _, rec := range outs {
			var r graph.Relationship
			if err := decodePayload(&rec, &r); err != nil {
				continue
			}
			if !inSub[r.TargetID] {
				continue
			}
			ek := r.SourceID + "\x00" + r.TargetID + "\x00" + r.Type
			if !edgeSeen[ek] {
				edgeSeen[ek] = true
				sub.Edges = append(sub.Edges, &r)
			}
		}
	}
	return sub, nil
}

// accessRecord is the stored ACCESSED payload.
type accessRecord struct {
	Count        int64     `json:"count"`
	LastAccessed time.Time `json:"last_accessed"`
}

// LogAccess MERGEs the (app, memory) access record, incrementing its
// counter.
func (e *Engine) LogAccess(ctx context.Context, userID, appName, memoryID string) error {
	if err := validUser(userID); err != nil {
		return err
	}
	if appName == "" {
		return fmt.Errorf("%w: empty app name", graph.ErrInvalidInput)
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	key := pairKey(appName, memoryID)
	var rec accessRecord
	if existing, err := e.getRecord(ctx, kindAccess, userID, key); err != nil {
		return err
	} else if existing != nil {
		if err := decodePayload(existing, &rec); err != nil {
			return err
		}
	}
	rec.Count++
	rec.LastAccessed = time.Now().UTC()
	return e.putPayload(ctx, kindAccess, userID, key, "", "", &rec)
}

// AccessCount reads the counter for one (app, memory) pair.
func (e *Engine) AccessCount(ctx context.Context, userID, appName, memoryID string) (int64, error) {
	if err := validUser(userID); err != nil {
		return 0, err
	}
	rec, err := e.getRecord(ctx, kindAccess, userID, pairKey(appName, memoryID))
	if err != nil {
		return 0, fmt.Errorf("access count: %w", err)
	}
	if rec == nil {
		return 0, nil
	}
	var a accessRecord
	if err := decodePayload(rec, &a); err != nil {
		return 0, err
	}
	return a.Count, nil
}

// ConfigDocument reads the stored configuration document.
func (e *Engine) ConfigDocument(ctx context.Context) ([]byte, error) {
	rec, err := e.getRecord(ctx, kindConfig, "", "memforge")
	if err != nil {
		return nil, fmt.Errorf("config document: %w", err)
	}
	if rec == nil {
		return nil, nil
	}
	return []byte(rec.JSON), nil
}

// SetConfigDocument replaces the configuration document.
func (e *Engine) SetConfigDocument(ctx context.Context, data []byte) error {
	return e.putRecord(ctx, record{Key: "memforge", JSON: string(data)}, kindConfig)
}
