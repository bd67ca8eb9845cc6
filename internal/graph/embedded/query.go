package embedded

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	badger "github.com/dgraph-io/badger/v4"

	"github.com/memforge/memforge/internal/graph"
	"github.com/memforge/memforge/internal/jsonx"
)

// collectKeys returns copies of all keys under prefix.
func collectKeys(txn *badger.Txn, prefix []byte) ([][]byte, error) {
	opts := badger.DefaultIteratorOptions
	opts.PrefetchValues = false
	it := txn.NewIterator(opts)
	defer it.Close()

	var keys [][]byte
	for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
		keys = append(keys, it.Item().KeyCopy(nil))
	}
	return keys, nil
}

// collectKeySuffixes returns the part of each key after prefix.
func collectKeySuffixes(txn *badger.Txn, prefix []byte) ([]string, error) {
	keys, err := collectKeys(txn, prefix)
	if err != nil {
		return nil, err
	}
	out := make([]string, 0, len(keys))
	for _, k := range keys {
		out = append(out, string(bytes.TrimPrefix(k, prefix)))
	}
	return out, nil
}

func trimPrefix(key, prefix []byte) string {
	return string(bytes.TrimPrefix(key, prefix))
}

// splitPair splits "a/b" into its two components.
func splitPair(s string) (string, string, bool) {
	i := strings.IndexByte(s, '/')
	if i < 0 {
		return "", "", false
	}
	return s[:i], s[i+1:], true
}

// scanMemories streams every memory of the user through fn.
func (e *Engine) scanMemories(userID string, fn func(*graph.Memory)) error {
	prefix := memPrefix(userID)
	return e.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			var m graph.Memory
			err := it.Item().Value(func(val []byte) error {
				return jsonx.Unmarshal(val, &m)
			})
			if err != nil {
				return err
			}
			fn(&m)
		}
		return nil
	})
}

// scanEntities streams every entity of the user through fn.
func (e *Engine) scanEntities(userID string, fn func(*graph.Entity)) error {
	prefix := entPrefix(userID)
	return e.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			var ent graph.Entity
			err := it.Item().Value(func(val []byte) error {
				return jsonx.Unmarshal(val, &ent)
			})
			if err != nil {
				return err
			}
			fn(&ent)
		}
		return nil
	})
}

// ListMemories pages non-invalidated memories newest-first and returns the
// total matching count before pagination.
func (e *Engine) ListMemories(ctx context.Context, userID string, f graph.MemoryFilter) ([]*graph.Memory, int, error) {
	if err := validUser(userID); err != nil {
		return nil, 0, err
	}

	var all []*graph.Memory
	err := e.scanMemories(userID, func(m *graph.Memory) {
		if graph.MatchesFilter(m, f) {
			cp := *m
			all = append(all, &cp)
		}
	})
	if err != nil {
		return nil, 0, fmt.Errorf("list memories: %w", err)
	}

	sort.Slice(all, func(i, j int) bool {
		return all[i].CreatedAt.After(all[j].CreatedAt)
	})

	total := len(all)
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
	return all[offset:end], total, nil
}

// RecentMemories returns up to n live memories, newest-first.
func (e *Engine) RecentMemories(ctx context.Context, userID string, n int) ([]*graph.Memory, error) {
	out, _, err := e.ListMemories(ctx, userID, graph.MemoryFilter{Limit: n})
	return out, err
}

// EnsureCategories MERGEs category nodes, case-insensitively.
func (e *Engine) EnsureCategories(ctx context.Context, userID string, names []string) error {
	if err := validUser(userID); err != nil {
		return err
	}
	if len(names) == 0 {
		return nil
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	return e.db.Update(func(txn *badger.Txn) error {
		for _, name := range names {
			name = strings.TrimSpace(name)
			if name == "" {
				continue
			}
			key := catKey(userID, strings.ToLower(name))
			ok, err := exists(txn, key)
			if err != nil {
				return err
			}
			if ok {
				continue
			}
			if err := txn.Set(key, []byte(name)); err != nil {
				return err
			}
		}
		return nil
	})
}

// LinkMemoryCategories records HAS_CATEGORY links on the memory node itself.
func (e *Engine) LinkMemoryCategories(ctx context.Context, userID, memoryID string, names []string) error {
	if len(names) == 0 {
		return nil
	}
	if err := e.EnsureCategories(ctx, userID, names); err != nil {
		return err
	}
	return e.mutateMemory(userID, memoryID, func(m *graph.Memory) error {
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

// unionFold merges b into a, case-insensitively, keeping first spellings.
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

// UpsertRelationship MERGEs on (source, target, type): the longer description
// wins, metadata is unioned, updatedAt refreshes.
func (e *Engine) UpsertRelationship(ctx context.Context, userID string, r *graph.Relationship) error {
	if err := validUser(userID); err != nil {
		return err
	}
	if r == nil || r.SourceID == "" || r.TargetID == "" || r.Type == "" {
		return fmt.Errorf("%w: relationship needs source, target, and type", graph.ErrInvalidInput)
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	return e.db.Update(func(txn *badger.Txn) error {
		key := relKey(userID, r.SourceID, r.TargetID, r.Type)
		now := time.Now().UTC()

		var existing graph.Relationship
		found, err := getJSON(txn, key, &existing)
		if err != nil {
			return err
		}

		if !found {
			stored := *r
			if stored.CreatedAt.IsZero() {
				stored.CreatedAt = now
			}
			stored.UpdatedAt = now
			if err := setJSON(txn, key, &stored); err != nil {
				return err
			}
			return txn.Set(relInKey(userID, r.TargetID, r.SourceID, r.Type), nil)
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
		return setJSON(txn, key, &existing)
	})
}

// DeleteRelationship removes one (source, target, type) edge.
func (e *Engine) DeleteRelationship(ctx context.Context, userID, sourceID, targetID, relType string) error {
	if err := validUser(userID); err != nil {
		return err
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	return e.db.Update(func(txn *badger.Txn) error {
		key := relKey(userID, sourceID, targetID, relType)
		ok, err := exists(txn, key)
		if err != nil {
			return err
		}
		if !ok {
			return fmt.Errorf("relationship %s-[%s]->%s: %w", sourceID, relType, targetID, graph.ErrNotFound)
		}
		if err := txn.Delete(key); err != nil {
			return err
		}
		return txn.Delete(relInKey(userID, targetID, sourceID, relType))
	})
}

// EntityRelationships lists edges incident to the entity in both directions.
func (e *Engine) EntityRelationships(ctx context.Context, userID, entityID string, limit int) ([]*graph.Relationship, error) {
	if err := validUser(userID); err != nil {
		return nil, err
	}

	var out []*graph.Relationship
	err := e.db.View(func(txn *badger.Txn) error {
		outgoing, err := e.loadOutgoing(txn, userID, entityID)
		if err != nil {
			return err
		}
		out = append(out, outgoing...)

		ins, err := collectKeySuffixes(txn, relInPrefix(userID, entityID))
		if err != nil {
			return err
		}
		for _, suffix := range ins {
			src, typ, ok := splitPair(suffix)
			if !ok {
				continue
			}
			var r graph.Relationship
			found, err := getJSON(txn, relKey(userID, src, entityID, typ), &r)
			if err != nil {
				return err
			}
			if found {
				out = append(out, &r)
			}
		}
		return nil
	})
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

func (e *Engine) loadOutgoing(txn *badger.Txn, userID, entityID string) ([]*graph.Relationship, error) {
	prefix := relOutPrefix(userID, entityID)
	keys, err := collectKeys(txn, prefix)
	if err != nil {
		return nil, err
	}
	out := make([]*graph.Relationship, 0, len(keys))
	for _, k := range keys {
		var r graph.Relationship
		found, err := getJSON(txn, k, &r)
		if err != nil {
			return nil, err
		}
		if found {
			out = append(out, &r)
		}
	}
	return out, nil
}

// LinkMemoryEntity creates a MENTIONS edge, idempotent per pair.
func (e *Engine) LinkMemoryEntity(ctx context.Context, userID, memoryID, entityID string) error {
	if err := validUser(userID); err != nil {
		return err
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	return e.db.Update(func(txn *badger.Txn) error {
		if ok, err := exists(txn, memKey(userID, memoryID)); err != nil {
			return err
		} else if !ok {
			return fmt.Errorf("memory %s: %w", memoryID, graph.ErrNotFound)
		}
		if ok, err := exists(txn, entKey(userID, entityID)); err != nil {
			return err
		} else if !ok {
			return fmt.Errorf("entity %s: %w", entityID, graph.ErrNotFound)
		}
		if err := txn.Set(mentionKey(userID, memoryID, entityID), nil); err != nil {
			return err
		}
		return txn.Set(revMentionKey(userID, entityID, memoryID), nil)
	})
}

// EntityMentionCount counts memories mentioning the entity.
func (e *Engine) EntityMentionCount(ctx context.Context, userID, entityID string) (int, error) {
	if err := validUser(userID); err != nil {
		return 0, err
	}
	var count int
	err := e.db.View(func(txn *badger.Txn) error {
		mems, err := collectKeySuffixes(txn, revMentionPrefix(userID, entityID))
		if err != nil {
			return err
		}
		count = len(mems)
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("mention count: %w", err)
	}
	return count, nil
}

// EntityMentions returns live memories mentioning the entity, newest-first.
func (e *Engine) EntityMentions(ctx context.Context, userID, entityID string, limit int) ([]*graph.Memory, error) {
	if err := validUser(userID); err != nil {
		return nil, err
	}

	var out []*graph.Memory
	err := e.db.View(func(txn *badger.Txn) error {
		mems, err := collectKeySuffixes(txn, revMentionPrefix(userID, entityID))
		if err != nil {
			return err
		}
		for _, id := range mems {
			var m graph.Memory
			found, err := getJSON(txn, memKey(userID, id), &m)
			if err != nil {
				return err
			}
			if found && m.InvalidAt == nil {
				out = append(out, &m)
			}
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("entity mentions: %w", err)
	}

	sort.Slice(out, func(i, j int) bool {
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// neighborIDs returns the entity ids adjacent to id over RELATED_TO edges,
// plus the edges themselves.
func (e *Engine) neighborIDs(txn *badger.Txn, userID, id string) ([]string, []*graph.Relationship, error) {
	var ids []string
	var edges []*graph.Relationship
	seen := map[string]bool{}

	outgoing, err := e.loadOutgoing(txn, userID, id)
	if err != nil {
		return nil, nil, err
	}
	for _, r := range outgoing {
		edges = append(edges, r)
		if !seen[r.TargetID] {
			seen[r.TargetID] = true
			ids = append(ids, r.TargetID)
		}
	}

	ins, err := collectKeySuffixes(txn, relInPrefix(userID, id))
	if err != nil {
		return nil, nil, err
	}
	for _, suffix := range ins {
		src, typ, ok := splitPair(suffix)
		if !ok {
			continue
		}
		var r graph.Relationship
		found, err := getJSON(txn, relKey(userID, src, id, typ), &r)
		if err != nil {
			return nil, nil, err
		}
		if !found {
			continue
		}
		edges = append(edges, &r)
		if !seen[src] {
			seen[src] = true
			ids = append(ids, src)
		}
	}
	return ids, edges, nil
}

// Neighborhood breadth-first walks RELATED_TO edges up to hops from the
// center. Structural edges (MENTIONS, HAS_*) are never followed.
func (e *Engine) Neighborhood(ctx context.Context, userID, entityID string, hops int) (*graph.Subgraph, error) {
	if err := validUser(userID); err != nil {
		return nil, err
	}
	if hops < 1 {
		hops = 1
	}

	sub := &graph.Subgraph{Center: entityID}
	err := e.db.View(func(txn *badger.Txn) error {
		var center graph.Entity
		found, err := getJSON(txn, entKey(userID, entityID), &center)
		if err != nil {
			return err
		}
		if !found {
			return fmt.Errorf("entity %s: %w", entityID, graph.ErrNotFound)
		}

		visited := map[string]bool{entityID: true}
		edgeSeen := map[string]bool{}
		sub.Nodes = append(sub.Nodes, &center)

		frontier := []string{entityID}
		for depth := 0; depth < hops && len(frontier) > 0; depth++ {
			var next []string
			for _, id := range frontier {
				ids, edges, err := e.neighborIDs(txn, userID, id)
				if err != nil {
					return err
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
					var ent graph.Entity
					found, err := getJSON(txn, entKey(userID, nid), &ent)
					if err != nil {
						return err
					}
					if found {
						sub.Nodes = append(sub.Nodes, &ent)
						next = append(next, nid)
					}
				}
			}
			frontier = next
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return sub, nil
}

// EgoGraph returns the center, its direct neighbors, and edges between the
// neighbors themselves.
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

	err = e.db.View(func(txn *badger.Txn) error {
		for _, n := range sub.Nodes {
			if n.ID == entityID {
				continue
			}
			outgoing, err := e.loadOutgoing(txn, userID, n.ID)
			if err != nil {
				return err
			}
			for _, r := range outgoing {
				if !inSub[r.TargetID] {
					continue
				}
				ek := r.SourceID + "\x00" + r.TargetID + "\x00" + r.Type
				if !edgeSeen[ek] {
					edgeSeen[ek] = true
					sub.Edges = append(sub.Edges, r)
				}
			}
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("ego graph: %w", err)
	}
	return sub, nil
}

// accessRecord is the stored ACCESSED edge payload.
type accessRecord struct {
	Count        int64     `json:"count"`
	LastAccessed time.Time `json:"last_accessed"`
}

// LogAccess MERGEs the (app, memory) access edge, incrementing its counter.
func (e *Engine) LogAccess(ctx context.Context, userID, appName, memoryID string) error {
	if err := validUser(userID); err != nil {
		return err
	}
	if appName == "" {
		return fmt.Errorf("%w: empty app name", graph.ErrInvalidInput)
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	return e.db.Update(func(txn *badger.Txn) error {
		key := accessKey(userID, appName, memoryID)
		var rec accessRecord
		if _, err := getJSON(txn, key, &rec); err != nil {
			return err
		}
		rec.Count++
		rec.LastAccessed = time.Now().UTC()
		return setJSON(txn, key, &rec)
	})
}

// AccessCount reads the counter for one (app, memory) pair.
func (e *Engine) AccessCount(ctx context.Context, userID, appName, memoryID string) (int64, error) {
	if err := validUser(userID); err != nil {
		return 0, err
	}
	var rec accessRecord
	err := e.db.View(func(txn *badger.Txn) error {
		_, err := getJSON(txn, accessKey(userID, appName, memoryID), &rec)
		return err
	})
	if err != nil {
		return 0, fmt.Errorf("access count: %w", err)
	}
	return rec.Count, nil
}

// ConfigDocument reads the stored configuration document, (nil, nil) when
// none has been written.
func (e *Engine) ConfigDocument(ctx context.Context) ([]byte, error) {
	var data []byte
	err := e.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(configKey)
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		data, err = item.ValueCopy(nil)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("config document: %w", err)
	}
	return data, nil
}

// SetConfigDocument replaces the configuration document.
func (e *Engine) SetConfigDocument(ctx context.Context, data []byte) error {
	return e.db.Update(func(txn *badger.Txn) error {
		return txn.Set(configKey, data)
	})
}
