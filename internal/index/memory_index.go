// Package index provides the lexical half of hybrid retrieval: a Bleve
// full-text index over memory content, scoped per user.
package index

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/blevesearch/bleve/v2"
	"github.com/blevesearch/bleve/v2/mapping"
	"github.com/blevesearch/bleve/v2/search/query"
	"go.uber.org/zap"
)

// Config holds configuration for the memory index.
type Config struct {
	// IndexPath is the on-disk location. Ignored when InMemory is set.
	IndexPath string
	// InMemory keeps the index off disk; used by tests.
	InMemory bool
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{IndexPath: "./data/memories.bleve"}
}

// Document is what gets indexed per memory.
type Document struct {
	ID      string `json:"id"`
	Content string `json:"content"`
	UserID  string `json:"user_id"`
	AppName string `json:"app_name,omitempty"`
}

// Hit is a ranked lexical match.
type Hit struct {
	ID      string  `json:"id"`
	Content string  `json:"content"`
	Score   float64 `json:"score"`
}

// MemoryIndex wraps a single Bleve index. Writes are serialized; searches
// run concurrently.
type MemoryIndex struct {
	index  bleve.Index
	config Config
	logger *zap.Logger
	mu     sync.Mutex

	statsMu       sync.RWMutex
	totalIndexed  int64
	totalSearches int64
	lastUpdated   time.Time
}

// New opens or creates the index.
func New(cfg Config, logger *zap.Logger) (*MemoryIndex, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	mi := &MemoryIndex{config: cfg, logger: logger.Named("index")}

	var err error
	if cfg.InMemory {
		mi.index, err = bleve.NewMemOnly(buildMapping())
	} else {
		if err := os.MkdirAll(filepath.Dir(cfg.IndexPath), 0755); err != nil {
			return nil, fmt.Errorf("failed to create index directory: %w", err)
		}
		var idx bleve.Index
		idx, err = bleve.Open(cfg.IndexPath)
		if err == bleve.ErrorIndexPathDoesNotExist {
			idx, err = bleve.New(cfg.IndexPath, buildMapping())
		}
		mi.index = idx
	}
	if err != nil {
		return nil, fmt.Errorf("failed to open bleve index: %w", err)
	}

	logger.Info("memory index opened",
		zap.String("path", cfg.IndexPath),
		zap.Bool("in_memory", cfg.InMemory))
	return mi, nil
}

func buildMapping() mapping.IndexMapping {
	docMapping := bleve.NewDocumentMapping()

	contentField := bleve.NewTextFieldMapping()
	contentField.Index = true
	contentField.Store = true
	contentField.IncludeTermVectors = true
	contentField.IncludeInAll = true
	docMapping.AddFieldMappingsAt("content", contentField)

	idField := bleve.NewTextFieldMapping()
	idField.Index = true
	idField.Store = true
	idField.IncludeInAll = false
	docMapping.AddFieldMappingsAt("id", idField)

	userField := bleve.NewTextFieldMapping()
	userField.Index = true
	userField.Store = true
	userField.IncludeInAll = false
	docMapping.AddFieldMappingsAt("user_id", userField)

	appField := bleve.NewTextFieldMapping()
	appField.Index = true
	appField.Store = true
	appField.IncludeInAll = false
	docMapping.AddFieldMappingsAt("app_name", appField)

	indexMapping := bleve.NewIndexMapping()
	indexMapping.AddDocumentMapping("memory", docMapping)
	indexMapping.DefaultAnalyzer = "standard"
	return indexMapping
}

// Index adds or replaces one memory document.
func (mi *MemoryIndex) Index(ctx context.Context, doc Document) error {
	mi.mu.Lock()
	defer mi.mu.Unlock()

	if err := mi.index.Index(doc.ID, doc); err != nil {
		return fmt.Errorf("failed to index memory: %w", err)
	}

	mi.statsMu.Lock()
	mi.totalIndexed++
	mi.lastUpdated = time.Now()
	mi.statsMu.Unlock()
	return nil
}

// BatchIndex adds many documents in one batch.
func (mi *MemoryIndex) BatchIndex(ctx context.Context, docs []Document) error {
	if len(docs) == 0 {
		return nil
	}
	mi.mu.Lock()
	defer mi.mu.Unlock()

	batch := mi.index.NewBatch()
	for _, doc := range docs {
		if err := batch.Index(doc.ID, doc); err != nil {
			mi.logger.Warn("failed to add memory to batch",
				zap.String("id", doc.ID),
				zap.Error(err))
		}
	}
	if err := mi.index.Batch(batch); err != nil {
		return fmt.Errorf("failed to execute batch index: %w", err)
	}

	mi.statsMu.Lock()
	mi.totalIndexed += int64(len(docs))
	mi.lastUpdated = time.Now()
	mi.statsMu.Unlock()
	return nil
}

// Delete removes one document.
func (mi *MemoryIndex) Delete(ctx context.Context, id string) error {
	mi.mu.Lock()
	defer mi.mu.Unlock()

	if err := mi.index.Delete(id); err != nil {
		return fmt.Errorf("failed to delete memory from index: %w", err)
	}
	return nil
}

// Search ranks the user's memories against the query text using the index's
// default scoring. The user filter is a hard conjunction.
func (mi *MemoryIndex) Search(ctx context.Context, userID, text string, limit int) ([]Hit, error) {
	if limit <= 0 {
		limit = 10
	}

	mi.statsMu.Lock()
	mi.totalSearches++
	mi.statsMu.Unlock()

	matchQuery := bleve.NewMatchQuery(text)
	matchQuery.SetField("content")

	userQuery := query.NewTermQuery(userID)
	userQuery.SetField("user_id")

	finalQuery := query.NewConjunctionQuery([]query.Query{matchQuery, userQuery})

	searchRequest := bleve.NewSearchRequest(finalQuery)
	searchRequest.Size = limit
	searchRequest.Fields = []string{"id", "content", "user_id"}

	result, err := mi.index.Search(searchRequest)
	if err != nil {
		return nil, fmt.Errorf("lexical search failed: %w", err)
	}

	hits := make([]Hit, 0, len(result.Hits))
	for _, hit := range result.Hits {
		h := Hit{ID: hit.ID, Score: hit.Score}
		if hit.Fields != nil {
			if c, ok := hit.Fields["content"].(string); ok {
				h.Content = c
			}
			if id, ok := hit.Fields["id"].(string); ok && id != "" {
				h.ID = id
			}
		}
		hits = append(hits, h)
	}
	return hits, nil
}

// Stats reports index counters.
func (mi *MemoryIndex) Stats() map[string]interface{} {
	mi.statsMu.RLock()
	defer mi.statsMu.RUnlock()

	total := int64(0)
	if count, err := mi.index.DocCount(); err == nil {
		total = int64(count)
	}
	return map[string]interface{}{
		"total_documents": total,
		"total_indexed":   mi.totalIndexed,
		"total_searches":  mi.totalSearches,
		"last_updated":    mi.lastUpdated,
	}
}

// Close releases the index.
func (mi *MemoryIndex) Close() error {
	mi.mu.Lock()
	defer mi.mu.Unlock()
	return mi.index.Close()
}
