// Package embedded implements graph.Store on a local Badger keyspace.
// It is the zero-dependency-deployment engine: nodes and edges are stored as
// JSON values under per-user key prefixes, and vector search is brute-force
// cosine over the user's scope.
package embedded

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"sync"
	"time"

	badger "github.com/dgraph-io/badger/v4"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/memforge/memforge/internal/graph"
	"github.com/memforge/memforge/internal/jsonx"
)

// Config holds configuration for the embedded engine.
type Config struct {
	// Path is the Badger directory. Ignored when InMemory is set.
	Path string
	// InMemory keeps everything off disk; used by tests.
	InMemory bool
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{Path: "./data/graph"}
}

// Engine is a graph.Store backed by a single Badger instance. A process-wide
// write mutex gives MERGE operations the exclusive-lock semantics the remote
// engine gets from its server.
type Engine struct {
	db     *badger.DB
	mu     sync.Mutex
	logger *zap.Logger
}

var _ graph.Store = (*Engine)(nil)

var userIDPattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9_.@-]*$`)

// Open opens or creates the engine at cfg.Path.
func Open(cfg Config, logger *zap.Logger) (*Engine, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	opts := badger.DefaultOptions(cfg.Path)
	if cfg.InMemory {
		opts = badger.DefaultOptions("").WithInMemory(true)
	}
	opts = opts.WithLogger(nil)

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open badger at %q: %w", cfg.Path, err)
	}

	logger.Info("embedded graph engine opened",
		zap.String("path", cfg.Path),
		zap.Bool("in_memory", cfg.InMemory))

	return &Engine{db: db, logger: logger.Named("embedded")}, nil
}

// Close releases the underlying Badger instance.
func (e *Engine) Close() error {
	return e.db.Close()
}

// Key layout. User ids are validated so "/" is a safe separator.
//
//	u/<user>                      user marker
//	u/<user>/m/<id>               Memory JSON
//	u/<user>/sp/<newID>           superseded old memory id
//	u/<user>/e/<id>               Entity JSON
//	u/<user>/en/<normalized>      entity id (identity-key index)
//	u/<user>/c/<lower>            category display name
//	u/<user>/r/<src>/<tgt>/<typ>  Relationship JSON
//	u/<user>/ri/<tgt>/<src>/<typ> reverse incidence marker
//	u/<user>/mn/<mem>/<ent>       mention marker
//	u/<user>/me/<ent>/<mem>       reverse mention marker
//	u/<user>/a/<app>/<mem>        access record JSON
//	cfg/memforge                  configuration document

func userKey(userID string) []byte  { return []byte("u/" + userID) }
func memKey(u, id string) []byte    { return []byte("u/" + u + "/m/" + id) }
func memPrefix(u string) []byte     { return []byte("u/" + u + "/m/") }
func supKey(u, newID string) []byte { return []byte("u/" + u + "/sp/" + newID) }
func entKey(u, id string) []byte    { return []byte("u/" + u + "/e/" + id) }
func entPrefix(u string) []byte     { return []byte("u/" + u + "/e/") }
func normKey(u, n string) []byte    { return []byte("u/" + u + "/en/" + n) }
func catKey(u, n string) []byte     { return []byte("u/" + u + "/c/" + n) }
func relKey(u, s, t, ty string) []byte {
	return []byte("u/" + u + "/r/" + s + "/" + t + "/" + ty)
}
func relOutPrefix(u, s string) []byte { return []byte("u/" + u + "/r/" + s + "/") }
func relInKey(u, t, s, ty string) []byte {
	return []byte("u/" + u + "/ri/" + t + "/" + s + "/" + ty)
}
func relInPrefix(u, t string) []byte    { return []byte("u/" + u + "/ri/" + t + "/") }
func mentionKey(u, m, en string) []byte { return []byte("u/" + u + "/mn/" + m + "/" + en) }
func mentionPrefix(u, m string) []byte  { return []byte("u/" + u + "/mn/" + m + "/") }
func revMentionKey(u, en, m string) []byte {
	return []byte("u/" + u + "/me/" + en + "/" + m)
}
func revMentionPrefix(u, en string) []byte { return []byte("u/" + u + "/me/" + en + "/") }
func accessKey(u, app, m string) []byte    { return []byte("u/" + u + "/a/" + app + "/" + m) }

var configKey = []byte("cfg/memforge")

func validUser(userID string) error {
	if !userIDPattern.MatchString(userID) {
		return fmt.Errorf("%w: bad user id %q", graph.ErrInvalidInput, userID)
	}
	return nil
}

// getJSON loads key into v, reporting whether it existed.
func getJSON(txn *badger.Txn, key []byte, v interface{}) (bool, error) {
	item, err := txn.Get(key)
	if errors.Is(err, badger.ErrKeyNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, item.Value(func(val []byte) error {
		return jsonx.Unmarshal(val, v)
	})
}

func setJSON(txn *badger.Txn, key []byte, v interface{}) error {
	data, err := jsonx.Marshal(v)
	if err != nil {
		return err
	}
	return txn.Set(key, data)
}

func exists(txn *badger.Txn, key []byte) (bool, error) {
	_, err := txn.Get(key)
	if errors.Is(err, badger.ErrKeyNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// EnsureUser creates the user root marker. Idempotent.
func (e *Engine) EnsureUser(ctx context.Context, userID string) error {
	if err := validUser(userID); err != nil {
		return err
	}
	return e.db.Update(func(txn *badger.Txn) error {
		return txn.Set(userKey(userID), []byte(time.Now().UTC().Format(time.RFC3339)))
	})
}

// CreateMemory writes a new memory node scoped to the user.
func (e *Engine) CreateMemory(ctx context.Context, userID string, m *graph.Memory) (string, error) {
	if err := validUser(userID); err != nil {
		return "", err
	}
	if m == nil || m.Content == "" {
		return "", fmt.Errorf("%w: empty memory content", graph.ErrInvalidInput)
	}

	stored := *m
	if stored.ID == "" {
		stored.ID = uuid.New().String()
	}
	now := time.Now().UTC()
	if stored.CreatedAt.IsZero() {
		stored.CreatedAt = now
	}
	if stored.UpdatedAt.Before(stored.CreatedAt) {
		stored.UpdatedAt = stored.CreatedAt
	}
	if stored.ExtractionStatus == "" {
		stored.ExtractionStatus = graph.ExtractionUnstarted
	}

	err := e.db.Update(func(txn *badger.Txn) error {
		if err := txn.Set(userKey(userID), []byte(now.Format(time.RFC3339))); err != nil {
			return err
		}
		return setJSON(txn, memKey(userID, stored.ID), &stored)
	})
	if err != nil {
		return "", fmt.Errorf("create memory: %w", err)
	}

	e.logger.Debug("memory created",
		zap.String("user", userID),
		zap.String("id", stored.ID))
	return stored.ID, nil
}

// GetMemory returns (nil, nil) when the memory does not exist.
func (e *Engine) GetMemory(ctx context.Context, userID, id string) (*graph.Memory, error) {
	if err := validUser(userID); err != nil {
		return nil, err
	}
	var m graph.Memory
	var found bool
	err := e.db.View(func(txn *badger.Txn) error {
		var err error
		found, err = getJSON(txn, memKey(userID, id), &m)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("get memory: %w", err)
	}
	if !found {
		return nil, nil
	}
	return &m, nil
}

// mutateMemory loads, mutates, and rewrites one memory under the write lock.
func (e *Engine) mutateMemory(userID, id string, fn func(*graph.Memory) error) error {
	if err := validUser(userID); err != nil {
		return err
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	return e.db.Update(func(txn *badger.Txn) error {
		var m graph.Memory
		found, err := getJSON(txn, memKey(userID, id), &m)
		if err != nil {
			return err
		}
		if !found {
			return fmt.Errorf("memory %s: %w", id, graph.ErrNotFound)
		}
		if err := fn(&m); err != nil {
			return err
		}
		if m.UpdatedAt.Before(m.CreatedAt) {
			m.UpdatedAt = m.CreatedAt
		}
		return setJSON(txn, memKey(userID, id), &m)
	})
}

// TouchMemory refreshes updatedAt and union-merges tags.
func (e *Engine) TouchMemory(ctx context.Context, userID, id string, tags []string) error {
	return e.mutateMemory(userID, id, func(m *graph.Memory) error {
		m.Tags = unionStrings(m.Tags, tags)
		m.UpdatedAt = time.Now().UTC()
		return nil
	})
}

// ResolveMemory stamps resolvedAt and appends the "resolved" tag.
func (e *Engine) ResolveMemory(ctx context.Context, userID, id string) error {
	return e.mutateMemory(userID, id, func(m *graph.Memory) error {
		now := time.Now().UTC()
		m.ResolvedAt = &now
		m.Tags = unionStrings(m.Tags, []string{"resolved"})
		m.UpdatedAt = now
		return nil
	})
}

// InvalidateMemory tombstones the memory; content is retained but hidden.
func (e *Engine) InvalidateMemory(ctx context.Context, userID, id string) error {
	return e.mutateMemory(userID, id, func(m *graph.Memory) error {
		now := time.Now().UTC()
		m.InvalidAt = &now
		m.UpdatedAt = now
		return nil
	})
}

// MarkExtraction transitions extraction status; pending bumps the attempt
// counter, failed records the message.
func (e *Engine) MarkExtraction(ctx context.Context, userID, id string, status graph.ExtractionStatus, errMsg string) error {
	return e.mutateMemory(userID, id, func(m *graph.Memory) error {
		m.ExtractionStatus = status
		switch status {
		case graph.ExtractionPending:
			m.ExtractionAttempts++
			m.ExtractionError = ""
		case graph.ExtractionFailed:
			m.ExtractionError = errMsg
		case graph.ExtractionDone:
			m.ExtractionError = ""
		}
		return nil
	})
}

// DeleteMemory removes the node and its mention and access edges.
func (e *Engine) DeleteMemory(ctx context.Context, userID, id string) error {
	if err := validUser(userID); err != nil {
		return err
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	return e.db.Update(func(txn *badger.Txn) error {
		found, err := exists(txn, memKey(userID, id))
		if err != nil {
			return err
		}
		if !found {
			return fmt.Errorf("memory %s: %w", id, graph.ErrNotFound)
		}
		if err := txn.Delete(memKey(userID, id)); err != nil {
			return err
		}

		// Incident mention edges, both directions.
		ents, err := collectKeySuffixes(txn, mentionPrefix(userID, id))
		if err != nil {
			return err
		}
		for _, ent := range ents {
			if err := txn.Delete(mentionKey(userID, id, ent)); err != nil {
				return err
			}
			if err := txn.Delete(revMentionKey(userID, ent, id)); err != nil {
				return err
			}
		}
		return txn.Delete(supKey(userID, id))
	})
}

// Supersede links newID over oldID and tombstones the old memory.
func (e *Engine) Supersede(ctx context.Context, userID, newID, oldID string) error {
	if err := validUser(userID); err != nil {
		return err
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	return e.db.Update(func(txn *badger.Txn) error {
		var old graph.Memory
		found, err := getJSON(txn, memKey(userID, oldID), &old)
		if err != nil {
			return err
		}
		if !found {
			return fmt.Errorf("memory %s: %w", oldID, graph.ErrNotFound)
		}
		if ok, err := exists(txn, memKey(userID, newID)); err != nil {
			return err
		} else if !ok {
			return fmt.Errorf("memory %s: %w", newID, graph.ErrNotFound)
		}

		now := time.Now().UTC()
		old.InvalidAt = &now
		old.UpdatedAt = now
		if err := setJSON(txn, memKey(userID, oldID), &old); err != nil {
			return err
		}
		return txn.Set(supKey(userID, newID), []byte(oldID))
	})
}

// SupersededBy returns the id of the memory newID replaced, if any.
func (e *Engine) SupersededBy(ctx context.Context, userID, newID string) (string, error) {
	if err := validUser(userID); err != nil {
		return "", err
	}
	var oldID string
	err := e.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(supKey(userID, newID))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			oldID = string(val)
			return nil
		})
	})
	return oldID, err
}

// MergeEntity finds or creates the entity for (userID, normalizedName). The
// returned id is authoritative; concurrent callers converge on one node.
func (e *Engine) MergeEntity(ctx context.Context, userID string, in *graph.Entity) (string, bool, error) {
	if err := validUser(userID); err != nil {
		return "", false, err
	}
	if in == nil || in.Name == "" {
		return "", false, fmt.Errorf("%w: empty entity name", graph.ErrInvalidInput)
	}

	normalized := in.NormalizedName
	if normalized == "" {
		normalized = graph.NormalizeName(in.Name)
	}
	if normalized == "" {
		return "", false, fmt.Errorf("%w: entity name normalizes to empty", graph.ErrInvalidInput)
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	var id string
	var created bool
	err := e.db.Update(func(txn *badger.Txn) error {
		item, err := txn.Get(normKey(userID, normalized))
		if err == nil {
			return item.Value(func(val []byte) error {
				id = string(val)
				return nil
			})
		}
		if !errors.Is(err, badger.ErrKeyNotFound) {
			return err
		}

		stored := *in
		if stored.ID == "" {
			stored.ID = uuid.New().String()
		}
		stored.NormalizedName = normalized
		if stored.Type == "" {
			stored.Type = "OTHER"
		}
		now := time.Now().UTC()
		if stored.CreatedAt.IsZero() {
			stored.CreatedAt = now
		}
		if stored.UpdatedAt.Before(stored.CreatedAt) {
			stored.UpdatedAt = stored.CreatedAt
		}

		if err := setJSON(txn, entKey(userID, stored.ID), &stored); err != nil {
			return err
		}
		if err := txn.Set(normKey(userID, normalized), []byte(stored.ID)); err != nil {
			return err
		}
		id = stored.ID
		created = true
		return nil
	})
	if err != nil {
		return "", false, fmt.Errorf("merge entity: %w", err)
	}
	return id, created, nil
}

// GetEntity returns (nil, nil) when absent.
func (e *Engine) GetEntity(ctx context.Context, userID, id string) (*graph.Entity, error) {
	if err := validUser(userID); err != nil {
		return nil, err
	}
	var ent graph.Entity
	var found bool
	err := e.db.View(func(txn *badger.Txn) error {
		var err error
		found, err = getJSON(txn, entKey(userID, id), &ent)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("get entity: %w", err)
	}
	if !found {
		return nil, nil
	}
	return &ent, nil
}

// FindEntityByNormalizedName returns (nil, nil) when absent.
func (e *Engine) FindEntityByNormalizedName(ctx context.Context, userID, normalized string) (*graph.Entity, error) {
	if err := validUser(userID); err != nil {
		return nil, err
	}
	var ent *graph.Entity
	err := e.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(normKey(userID, normalized))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		var id string
		if err := item.Value(func(val []byte) error {
			id = string(val)
			return nil
		}); err != nil {
			return err
		}
		var loaded graph.Entity
		found, err := getJSON(txn, entKey(userID, id), &loaded)
		if err != nil || !found {
			return err
		}
		ent = &loaded
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("find entity: %w", err)
	}
	return ent, nil
}

// EntitiesByNormalizedNames resolves many identity keys in one view.
func (e *Engine) EntitiesByNormalizedNames(ctx context.Context, userID string, normalized []string) (map[string]*graph.Entity, error) {
	if err := validUser(userID); err != nil {
		return nil, err
	}
	out := make(map[string]*graph.Entity, len(normalized))
	err := e.db.View(func(txn *badger.Txn) error {
		for _, n := range normalized {
			item, err := txn.Get(normKey(userID, n))
			if errors.Is(err, badger.ErrKeyNotFound) {
				continue
			}
			if err != nil {
				return err
			}
			var id string
			if err := item.Value(func(val []byte) error {
				id = string(val)
				return nil
			}); err != nil {
				return err
			}
			var ent graph.Entity
			found, err := getJSON(txn, entKey(userID, id), &ent)
			if err != nil {
				return err
			}
			if found {
				out[n] = &ent
			}
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("batch entity lookup: %w", err)
	}
	return out, nil
}

// PersonEntities lists PERSON-typed entities for alias matching.
func (e *Engine) PersonEntities(ctx context.Context, userID string) ([]*graph.Entity, error) {
	if err := validUser(userID); err != nil {
		return nil, err
	}
	var out []*graph.Entity
	err := e.scanEntities(userID, func(ent *graph.Entity) {
		if ent.Type == "PERSON" {
			out = append(out, ent)
		}
	})
	return out, err
}

// UpdateEntity applies a partial mutation under the write lock.
func (e *Engine) UpdateEntity(ctx context.Context, userID, id string, mut graph.EntityMutation) error {
	if err := validUser(userID); err != nil {
		return err
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	return e.db.Update(func(txn *badger.Txn) error {
		var ent graph.Entity
		found, err := getJSON(txn, entKey(userID, id), &ent)
		if err != nil {
			return err
		}
		if !found {
			return fmt.Errorf("entity %s: %w", id, graph.ErrNotFound)
		}

		if mut.Name != nil && *mut.Name != "" {
			ent.Name = *mut.Name
		}
		if mut.Type != nil && *mut.Type != "" {
			ent.Type = *mut.Type
		}
		if mut.Description != nil {
			ent.Description = *mut.Description
		}
		if len(mut.Metadata) > 0 {
			if ent.Metadata == nil {
				ent.Metadata = make(map[string]interface{}, len(mut.Metadata))
			}
			for k, v := range mut.Metadata {
				ent.Metadata[k] = v
			}
		}
		ent.UpdatedAt = time.Now().UTC()
		return setJSON(txn, entKey(userID, id), &ent)
	})
}

// SetEntityEmbedding writes the description embedding.
func (e *Engine) SetEntityEmbedding(ctx context.Context, userID, id string, vec []float32) error {
	if err := validUser(userID); err != nil {
		return err
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	return e.db.Update(func(txn *badger.Txn) error {
		var ent graph.Entity
		found, err := getJSON(txn, entKey(userID, id), &ent)
		if err != nil {
			return err
		}
		if !found {
			return fmt.Errorf("entity %s: %w", id, graph.ErrNotFound)
		}
		ent.DescriptionEmbedding = vec
		return setJSON(txn, entKey(userID, id), &ent)
	})
}

// DeleteEntity removes the entity and cascades to its incident edges.
func (e *Engine) DeleteEntity(ctx context.Context, userID, id string) error {
	if err := validUser(userID); err != nil {
		return err
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	return e.db.Update(func(txn *badger.Txn) error {
		var ent graph.Entity
		found, err := getJSON(txn, entKey(userID, id), &ent)
		if err != nil {
			return err
		}
		if !found {
			return fmt.Errorf("entity %s: %w", id, graph.ErrNotFound)
		}

		if err := txn.Delete(entKey(userID, id)); err != nil {
			return err
		}
		if err := txn.Delete(normKey(userID, ent.NormalizedName)); err != nil {
			return err
		}

		// Outgoing relationships.
		outs, err := collectKeys(txn, relOutPrefix(userID, id))
		if err != nil {
			return err
		}
		for _, k := range outs {
			tgt, typ, ok := splitPair(trimPrefix(k, relOutPrefix(userID, id)))
			if !ok {
				continue
			}
			if err := txn.Delete(k); err != nil {
				return err
			}
			if err := txn.Delete(relInKey(userID, tgt, id, typ)); err != nil {
				return err
			}
		}

		// Incoming relationships.
		ins, err := collectKeys(txn, relInPrefix(userID, id))
		if err != nil {
			return err
		}
		for _, k := range ins {
			src, typ, ok := splitPair(trimPrefix(k, relInPrefix(userID, id)))
			if !ok {
				continue
			}
			if err := txn.Delete(k); err != nil {
				return err
			}
			if err := txn.Delete(relKey(userID, src, id, typ)); err != nil {
				return err
			}
		}

		// Mentions.
		mems, err := collectKeySuffixes(txn, revMentionPrefix(userID, id))
		if err != nil {
			return err
		}
		for _, mem := range mems {
			if err := txn.Delete(revMentionKey(userID, id, mem)); err != nil {
				return err
			}
			if err := txn.Delete(mentionKey(userID, mem, id)); err != nil {
				return err
			}
		}
		return nil
	})
}

func unionStrings(a, b []string) []string {
	seen := make(map[string]bool, len(a)+len(b))
	out := make([]string, 0, len(a)+len(b))
	for _, s := range a {
		if s != "" && !seen[s] {
			seen[s] = true
			out = append(out, s)
		}
	}
	for _, s := range b {
		if s != "" && !seen[s] {
			seen[s] = true
			out = append(out, s)
		}
	}
	return out
}
