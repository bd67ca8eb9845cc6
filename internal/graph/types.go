// Package graph defines the MemForge knowledge-graph data model and the
// Store interface implemented by the embedded and remote engines.
package graph

import (
	"regexp"
	"strings"
	"time"
)

// ExtractionStatus tracks the background extraction lifecycle of a memory.
type ExtractionStatus string

const (
	ExtractionUnstarted ExtractionStatus = "unstarted"
	ExtractionPending   ExtractionStatus = "pending"
	ExtractionDone      ExtractionStatus = "done"
	ExtractionFailed    ExtractionStatus = "failed"
)

// Internal edge labels. These scope and link MemForge's own structure and are
// excluded from semantic traversals.
const (
	EdgeHasMemory   = "HAS_MEMORY"
	EdgeHasEntity   = "HAS_ENTITY"
	EdgeHasCategory = "HAS_CATEGORY"
	EdgeHasApp      = "HAS_APP"
	EdgeMentions    = "MENTIONS"
	EdgeAccessed    = "ACCESSED"
	EdgeSupersedes  = "SUPERSEDES"
	EdgeRelatedTo   = "RELATED_TO"
	EdgeCreatedBy   = "CREATED_BY"
)

// internalEdgeLabels are never followed by Neighborhood or EgoGraph.
var internalEdgeLabels = map[string]bool{
	EdgeHasMemory:   true,
	EdgeHasEntity:   true,
	EdgeHasCategory: true,
	EdgeHasApp:      true,
	EdgeMentions:    true,
	EdgeAccessed:    true,
	EdgeSupersedes:  true,
	EdgeCreatedBy:   true,
}

// IsInternalEdgeLabel reports whether label is a MemForge structural edge.
func IsInternalEdgeLabel(label string) bool {
	return internalEdgeLabels[label]
}

// Memory is a single atomic statement stored for a user. Content is immutable
// after creation; replacement happens through Supersede.
type Memory struct {
	ID                 string           `json:"id"`
	Content            string           `json:"content"`
	CreatedAt          time.Time        `json:"created_at"`
	UpdatedAt          time.Time        `json:"updated_at"`
	InvalidAt          *time.Time       `json:"invalid_at,omitempty"`
	ResolvedAt         *time.Time       `json:"resolved_at,omitempty"`
	ExtractionStatus   ExtractionStatus `json:"extraction_status"`
	ExtractionAttempts int              `json:"extraction_attempts"`
	ExtractionError    string           `json:"extraction_error,omitempty"`
	Tags               []string         `json:"tags,omitempty"`
	Categories         []string         `json:"categories,omitempty"`
	AppName            string           `json:"app_name,omitempty"`
	Embedding          []float32        `json:"embedding,omitempty"`
}

// Entity is a user-scoped named thing. (userID, NormalizedName) is the
// identity key; the resolver guarantees at most one entity per pair.
type Entity struct {
	ID                   string                 `json:"id"`
	Name                 string                 `json:"name"`
	NormalizedName       string                 `json:"normalized_name"`
	Type                 string                 `json:"type"`
	Description          string                 `json:"description,omitempty"`
	Metadata             map[string]interface{} `json:"metadata,omitempty"`
	DescriptionEmbedding []float32              `json:"description_embedding,omitempty"`
	CreatedAt            time.Time              `json:"created_at"`
	UpdatedAt            time.Time              `json:"updated_at"`
}

// Relationship is a directed RELATED_TO edge between entities. The relation
// label lives in Type as an UPPER_SNAKE_CASE property, keeping the stored
// schema static. (SourceID, TargetID, Type) is unique.
type Relationship struct {
	SourceID    string                 `json:"source_id"`
	TargetID    string                 `json:"target_id"`
	Type        string                 `json:"type"`
	Description string                 `json:"description,omitempty"`
	Metadata    map[string]interface{} `json:"metadata,omitempty"`
	CreatedAt   time.Time              `json:"created_at"`
	UpdatedAt   time.Time              `json:"updated_at"`
}

// EntityMatch is an entity with a cosine similarity score.
type EntityMatch struct {
	Entity *Entity `json:"entity"`
	Score  float64 `json:"score"`
}

// MemoryMatch is a memory with a cosine similarity score.
type MemoryMatch struct {
	Memory *Memory `json:"memory"`
	Score  float64 `json:"score"`
}

// Subgraph is the result of a traversal: entities plus RELATED_TO edges.
type Subgraph struct {
	Center string          `json:"center"`
	Nodes  []*Entity       `json:"nodes"`
	Edges  []*Relationship `json:"edges"`
}

// MemoryFilter narrows ListMemories. Category and Tag match
// case-insensitively. Invalidated memories are always excluded.
type MemoryFilter struct {
	Category     string
	Tag          string
	CreatedAfter *time.Time
	Offset       int
	Limit        int
}

// EntityMutation is a partial update applied by UpdateEntity. Nil fields are
// left alone; Metadata is shallow-unioned with newer keys winning.
type EntityMutation struct {
	Name        *string
	Type        *string
	Description *string
	Metadata    map[string]interface{}
}

var normalizeStrip = regexp.MustCompile(`[\s\-_./\\]+`)

// NormalizeName reduces a display name to the resolver's identity key:
// lowercase with whitespace and separator punctuation stripped.
func NormalizeName(name string) string {
	return normalizeStrip.ReplaceAllString(strings.ToLower(strings.TrimSpace(name)), "")
}

// Well-known base type ranks for the open ontology. Lower rank wins on merge.
const (
	rankPerson       = 1
	rankOrganization = 2
	rankLocation     = 3
	rankProduct      = 4
	rankDomain       = 5
	rankConcept      = 6
	rankOther        = 99
)

// TypeRank orders entity types for upgrade decisions. Domain-specific
// UPPER_SNAKE_CASE types sit between the well-known bases and CONCEPT.
func TypeRank(entityType string) int {
	switch strings.ToUpper(entityType) {
	case "PERSON":
		return rankPerson
	case "ORGANIZATION":
		return rankOrganization
	case "LOCATION":
		return rankLocation
	case "PRODUCT":
		return rankProduct
	case "CONCEPT":
		return rankConcept
	case "OTHER", "":
		return rankOther
	default:
		return rankDomain
	}
}
