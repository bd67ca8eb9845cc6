package graph

import (
	"context"
	"errors"
)

// Sentinel errors surfaced by Store implementations.
var (
	// ErrNotFound is returned by delete and lookup-by-id operations that
	// require the target to exist. GetMemory returns (nil, nil) instead.
	ErrNotFound = errors.New("graph: not found")

	// ErrInvalidInput marks caller mistakes: empty user scope, empty ids,
	// malformed vectors.
	ErrInvalidInput = errors.New("graph: invalid input")
)

// Store is the single graph façade both engines implement. Every scoped
// operation constrains to nodes reachable through the given user's
// HAS_MEMORY / HAS_ENTITY edges; cross-user traversal is not possible
// through this interface.
type Store interface {
	// EnsureUser creates the user root if it does not exist. Idempotent.
	EnsureUser(ctx context.Context, userID string) error

	// --- Memories ---

	// CreateMemory writes a new memory node and returns its id. A zero ID
	// on the input is assigned by the store.
	CreateMemory(ctx context.Context, userID string, m *Memory) (string, error)
	// GetMemory returns (nil, nil) when the memory does not exist.
	GetMemory(ctx context.Context, userID, id string) (*Memory, error)
	// TouchMemory refreshes updatedAt and union-merges tags.
	TouchMemory(ctx context.Context, userID, id string, tags []string) error
	// ResolveMemory sets resolvedAt and appends a "resolved" tag.
	ResolveMemory(ctx context.Context, userID, id string) error
	// InvalidateMemory sets invalidAt, hiding the memory from reads.
	InvalidateMemory(ctx context.Context, userID, id string) error
	// DeleteMemory removes the node and its incident edges.
	// Returns ErrNotFound for unknown ids.
	DeleteMemory(ctx context.Context, userID, id string) error
	// MarkExtraction transitions extraction status. Moving to pending
	// increments extractionAttempts; errMsg is stored on failed.
	MarkExtraction(ctx context.Context, userID, id string, status ExtractionStatus, errMsg string) error
	// Supersede links newID-[:SUPERSEDES]->oldID and tombstones the old
	// memory by setting invalidAt.
	Supersede(ctx context.Context, userID, newID, oldID string) error
	// ListMemories pages non-invalidated memories newest-first, applying
	// the filter, and returns the total matching count.
	ListMemories(ctx context.Context, userID string, f MemoryFilter) ([]*Memory, int, error)
	// RecentMemories returns up to n non-invalidated memories,
	// newest-first, for co-reference context.
	RecentMemories(ctx context.Context, userID string, n int) ([]*Memory, error)
	// MemoryKNN ranks non-invalidated memories by cosine similarity of
	// their content embeddings.
	MemoryKNN(ctx context.Context, userID string, vec []float32, k int) ([]MemoryMatch, error)

	// --- Categories ---

	// EnsureCategories MERGEs category nodes per user in one batch.
	// Names are case-insensitive.
	EnsureCategories(ctx context.Context, userID string, names []string) error
	// LinkMemoryCategories attaches HAS_CATEGORY edges, idempotently.
	LinkMemoryCategories(ctx context.Context, userID, memoryID string, names []string) error

	// --- Entities ---

	// MergeEntity finds or creates the entity keyed by
	// (userID, NormalizedName(e.Name)). Concurrent callers converge: the
	// returned id is authoritative, not the one the caller generated.
	MergeEntity(ctx context.Context, userID string, e *Entity) (id string, created bool, err error)
	// GetEntity returns (nil, nil) when absent.
	GetEntity(ctx context.Context, userID, id string) (*Entity, error)
	// FindEntityByNormalizedName returns (nil, nil) when absent.
	FindEntityByNormalizedName(ctx context.Context, userID, normalized string) (*Entity, error)
	// EntitiesByNormalizedNames resolves many normalized names in one
	// round trip; missing names are simply absent from the map.
	EntitiesByNormalizedNames(ctx context.Context, userID string, normalized []string) (map[string]*Entity, error)
	// PersonEntities lists the user's PERSON-typed entities for alias
	// matching.
	PersonEntities(ctx context.Context, userID string) ([]*Entity, error)
	// UpdateEntity applies a partial mutation and refreshes updatedAt.
	UpdateEntity(ctx context.Context, userID, id string, mut EntityMutation) error
	// SetEntityEmbedding writes the description embedding.
	SetEntityEmbedding(ctx context.Context, userID, id string, vec []float32) error
	// DeleteEntity removes the entity and cascades to incident
	// RELATED_TO and MENTIONS edges. Returns ErrNotFound for unknown ids.
	DeleteEntity(ctx context.Context, userID, id string) error
	// EntityKNN ranks entities by cosine similarity of their description
	// embeddings.
	EntityKNN(ctx context.Context, userID string, vec []float32, k int) ([]EntityMatch, error)

	// --- Relationships and mentions ---

	// UpsertRelationship MERGEs on (source, target, type): the longer
	// description wins, metadata is unioned, updatedAt refreshes.
	UpsertRelationship(ctx context.Context, userID string, r *Relationship) error
	// DeleteRelationship removes one (source, target, type) edge.
	DeleteRelationship(ctx context.Context, userID, sourceID, targetID, relType string) error
	// EntityRelationships lists RELATED_TO edges incident to the entity.
	EntityRelationships(ctx context.Context, userID, entityID string, limit int) ([]*Relationship, error)
	// LinkMemoryEntity creates a MENTIONS edge, idempotent per pair.
	LinkMemoryEntity(ctx context.Context, userID, memoryID, entityID string) error
	// EntityMentionCount counts memories mentioning the entity.
	EntityMentionCount(ctx context.Context, userID, entityID string) (int, error)
	// EntityMentions returns memories mentioning the entity, newest-first.
	EntityMentions(ctx context.Context, userID, entityID string, limit int) ([]*Memory, error)

	// --- Traversal ---

	// Neighborhood returns entities within hops of the center plus edges
	// incident to nodes on the discovered paths.
	Neighborhood(ctx context.Context, userID, entityID string, hops int) (*Subgraph, error)
	// EgoGraph returns the center, its direct neighbors, and the edges
	// between those neighbors as well.
	EgoGraph(ctx context.Context, userID, entityID string) (*Subgraph, error)

	// --- Access log ---

	// LogAccess MERGEs (App)-[:ACCESSED]->(Memory), incrementing
	// accessCount and setting lastAccessed.
	LogAccess(ctx context.Context, userID, appName, memoryID string) error
	// AccessCount reads the counter for one (app, memory) pair.
	AccessCount(ctx context.Context, userID, appName, memoryID string) (int64, error)

	// --- Config document ---

	// ConfigDocument reads the single stored configuration document.
	// Returns (nil, nil) when none has been written.
	ConfigDocument(ctx context.Context) ([]byte, error)
	// SetConfigDocument replaces the configuration document.
	SetConfigDocument(ctx context.Context, data []byte) error

	Close() error
}
