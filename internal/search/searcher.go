// Package search implements the read pipeline: hybrid lexical+vector
// retrieval fused with reciprocal rank fusion, post-filters, confidence
// tagging, entity enrichment, and a paginated browse mode for empty queries.
package search

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/memforge/memforge/internal/graph"
	"github.com/memforge/memforge/internal/index"
	"github.com/memforge/memforge/internal/llm"
)

// Config holds retrieval tunables.
type Config struct {
	// RRFK is the reciprocal-rank-fusion constant.
	RRFK int
	// ConfidenceFloor is the minimum best fused score for a confident
	// answer when no lexical rank supports it.
	ConfidenceFloor float64
	// ScoreNorm divides fused scores to produce the 0..1 relevance score.
	ScoreNorm float64
	// MaxLimit caps per-request result counts.
	MaxLimit int
	// EnrichEntities is how many entities enrichment attaches.
	EnrichEntities int
	// AppName is the default access-log identity.
	AppName string
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		RRFK:            60,
		ConfidenceFloor: 0.012,
		ScoreNorm:       0.032786,
		MaxLimit:        200,
		EnrichEntities:  5,
		AppName:         "memforge",
	}
}

// Request is one search_memory call.
type Request struct {
	UserID          string
	AppName         string
	Query           string
	Limit           int
	Offset          int
	Category        string
	Tag             string
	CreatedAfter    *time.Time
	IncludeEntities bool
}

// Result is one retrieved memory row.
type Result struct {
	ID             string   `json:"id"`
	Memory         string   `json:"memory"`
	RelevanceScore float64  `json:"relevance_score"`
	Categories     []string `json:"categories,omitempty"`
	Tags           []string `json:"tags,omitempty"`
	CreatedAt      string   `json:"created_at"`
	UpdatedAt      string   `json:"updated_at,omitempty"`
	AppName        string   `json:"app_name,omitempty"`
}

// EnrichedEntity is an entity attached to a search response.
type EnrichedEntity struct {
	ID            string                `json:"id"`
	Name          string                `json:"name"`
	Type          string                `json:"type"`
	Description   string                `json:"description,omitempty"`
	MemoryCount   int                   `json:"memoryCount"`
	Relationships []*graph.Relationship `json:"relationships,omitempty"`
}

// Response is the search-mode reply.
type Response struct {
	Results          []Result         `json:"results"`
	Confident        bool             `json:"confident"`
	Message          string           `json:"message,omitempty"`
	TotalMatching    int              `json:"total_matching"`
	Entities         []EnrichedEntity `json:"entities,omitempty"`
	TagFilterWarning string           `json:"tag_filter_warning,omitempty"`
}

// BrowseResponse is the browse-mode reply.
type BrowseResponse struct {
	Total   int      `json:"total"`
	Offset  int      `json:"offset"`
	Limit   int      `json:"limit"`
	Results []Result `json:"results"`
}

// Searcher runs the read pipeline.
type Searcher struct {
	store    graph.Store
	index    *index.MemoryIndex
	embedder llm.Embedder
	config   Config
	logger   *zap.Logger

	now func() time.Time
}

// New builds a searcher.
func New(store graph.Store, idx *index.MemoryIndex, embedder llm.Embedder, cfg Config, logger *zap.Logger) *Searcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.RRFK <= 0 {
		cfg.RRFK = 60
	}
	if cfg.ScoreNorm <= 0 {
		cfg.ScoreNorm = 0.032786
	}
	if cfg.MaxLimit <= 0 {
		cfg.MaxLimit = 200
	}
	if cfg.EnrichEntities <= 0 {
		cfg.EnrichEntities = 5
	}
	return &Searcher{
		store:    store,
		index:    idx,
		embedder: embedder,
		config:   cfg,
		logger:   logger.Named("search"),
		now:      time.Now,
	}
}

// Browse reports whether the request falls into browse mode.
func (req *Request) Browse() bool {
	return strings.TrimSpace(req.Query) == ""
}

// clampLimit enforces [1, MaxLimit]. A zero limit means the caller left it
// unset (absent JSON integers decode to 0) and takes the default of 50;
// explicit negatives clamp to 1.
func (s *Searcher) clampLimit(limit int) int {
	if limit == 0 {
		return 50
	}
	if limit < 1 {
		return 1
	}
	if limit > s.config.MaxLimit {
		return s.config.MaxLimit
	}
	return limit
}

// fused is a memory with its fusion bookkeeping.
type fused struct {
	memory     *graph.Memory
	rrf        float64
	hasLexical bool
}

// Search runs hybrid retrieval. The query must be non-empty; empty queries
// belong to BrowseMemories.
func (s *Searcher) Search(ctx context.Context, req *Request) (*Response, error) {
	if req.UserID == "" {
		return nil, fmt.Errorf("%w: user_id is required", graph.ErrInvalidInput)
	}
	query := strings.TrimSpace(req.Query)
	if query == "" {
		return nil, fmt.Errorf("%w: empty query, use browse", graph.ErrInvalidInput)
	}

	limit := s.clampLimit(req.Limit)
	filtered := req.Category != "" || req.Tag != "" || req.CreatedAfter != nil
	fetchLimit := limit
	switch {
	case req.Tag != "":
		fetchLimit = limit * 10
		if fetchLimit < 200 {
			fetchLimit = 200
		}
	case filtered:
		fetchLimit = limit * 5
	}

	candidates, err := s.fuse(ctx, req.UserID, query, fetchLimit)
	if err != nil {
		return nil, err
	}

	preFilter := len(candidates)
	kept := candidates[:0]
	for _, c := range candidates {
		if s.passesFilters(c.memory, req) {
			kept = append(kept, c)
		}
	}

	resp := &Response{TotalMatching: len(kept)}
	if req.Tag != "" && preFilter > 0 {
		ratio := float64(len(kept)) / float64(preFilter)
		if ratio < 0.30 {
			resp.TagFilterWarning = fmt.Sprintf(
				"tag filter %q retained %d of %d candidates; results may be incomplete",
				req.Tag, len(kept), preFilter)
		}
	}

	if len(kept) > limit {
		kept = kept[:limit]
	}

	now := s.now()
	var bestRRF float64
	anyLexical := false
	for _, c := range kept {
		if c.rrf > bestRRF {
			bestRRF = c.rrf
		}
		if c.hasLexical {
			anyLexical = true
		}
		resp.Results = append(resp.Results, s.toResult(c, now))
	}

	resp.Confident = len(resp.Results) == 0 || anyLexical || bestRRF >= s.config.ConfidenceFloor
	if !resp.Confident {
		resp.Message = "Retrieval confidence is LOW: no lexical match supported these results."
	}

	if req.IncludeEntities {
		resp.Entities = s.enrichEntities(ctx, req.UserID, query)
	}

	s.logAccessAsync(req.UserID, req.AppName, resp.Results)
	return resp, nil
}

// fuse runs both retrievers and merges their rankings with RRF.
func (s *Searcher) fuse(ctx context.Context, userID, query string, fetchLimit int) ([]fused, error) {
	k := float64(s.config.RRFK)
	byID := map[string]*fused{}

	hits, err := s.index.Search(ctx, userID, query, fetchLimit)
	if err != nil {
		s.logger.Warn("lexical search failed", zap.Error(err))
	} else {
		for rank, hit := range hits {
			byID[hit.ID] = &fused{
				rrf:        1 / (k + float64(rank+1)),
				hasLexical: true,
			}
		}
	}

	vec, err := s.embedder.Embed(ctx, query)
	if err != nil {
		s.logger.Warn("query embedding failed, lexical only", zap.Error(err))
	} else {
		matches, err := s.store.MemoryKNN(ctx, userID, vec, fetchLimit)
		if err != nil {
			return nil, fmt.Errorf("vector search: %w", err)
		}
		for rank, m := range matches {
			f, ok := byID[m.Memory.ID]
			if !ok {
				f = &fused{}
				byID[m.Memory.ID] = f
			}
			f.rrf += 1 / (k + float64(rank+1))
			f.memory = m.Memory
		}
	}

	// Lexical-only hits still need their memory nodes.
	out := make([]fused, 0, len(byID))
	for id, f := range byID {
		if f.memory == nil {
			m, err := s.store.GetMemory(ctx, userID, id)
			if err != nil || m == nil {
				continue
			}
			f.memory = m
		}
		if f.memory.InvalidAt != nil {
			continue
		}
		out = append(out, *f)
	}

	sort.Slice(out, func(i, j int) bool {
		return out[i].rrf > out[j].rrf
	})
	return out, nil
}

func (s *Searcher) passesFilters(m *graph.Memory, req *Request) bool {
	if req.Category != "" {
		hit := false
		for _, c := range m.Categories {
			if strings.EqualFold(c, req.Category) {
				hit = true
				break
			}
		}
		if !hit {
			return false
		}
	}
	if req.Tag != "" {
		hit := false
		for _, t := range m.Tags {
			if strings.EqualFold(t, req.Tag) {
				hit = true
				break
			}
		}
		if !hit {
			return false
		}
	}
	if req.CreatedAfter != nil && !m.CreatedAt.After(*req.CreatedAfter) {
		return false
	}
	return true
}

func (s *Searcher) toResult(c fused, now time.Time) Result {
	relevance := c.rrf / s.config.ScoreNorm
	if relevance > 1 {
		relevance = 1
	}
	r := Result{
		ID:             c.memory.ID,
		Memory:         c.memory.Content,
		RelevanceScore: relevance,
		Categories:     c.memory.Categories,
		Tags:           c.memory.Tags,
		CreatedAt:      SemanticDate(c.memory.CreatedAt, now),
		AppName:        c.memory.AppName,
	}
	if !c.memory.UpdatedAt.Equal(c.memory.CreatedAt) {
		r.UpdatedAt = SemanticDate(c.memory.UpdatedAt, now)
	}
	return r
}

// enrichEntities semantically matches entities against the query. Failures
// degrade to no enrichment.
func (s *Searcher) enrichEntities(ctx context.Context, userID, query string) []EnrichedEntity {
	vec, err := s.embedder.Embed(ctx, query)
	if err != nil {
		return nil
	}
	matches, err := s.store.EntityKNN(ctx, userID, vec, s.config.EnrichEntities)
	if err != nil {
		s.logger.Debug("entity enrichment failed", zap.Error(err))
		return nil
	}

	out := make([]EnrichedEntity, 0, len(matches))
	for _, m := range matches {
		count, err := s.store.EntityMentionCount(ctx, userID, m.Entity.ID)
		if err != nil {
			count = 0
		}
		rels, err := s.store.EntityRelationships(ctx, userID, m.Entity.ID, 10)
		if err != nil {
			rels = nil
		}
		out = append(out, EnrichedEntity{
			ID:            m.Entity.ID,
			Name:          m.Entity.Name,
			Type:          m.Entity.Type,
			Description:   m.Entity.Description,
			MemoryCount:   count,
			Relationships: rels,
		})
	}
	return out
}

// logAccessAsync upserts ACCESSED edges off the response path.
func (s *Searcher) logAccessAsync(userID, appName string, results []Result) {
	if len(results) == 0 {
		return
	}
	if appName == "" {
		appName = s.config.AppName
	}
	ids := make([]string, len(results))
	for i, r := range results {
		ids[i] = r.ID
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		for _, id := range ids {
			if err := s.store.LogAccess(ctx, userID, appName, id); err != nil {
				s.logger.Debug("access log failed",
					zap.String("memory", id),
					zap.Error(err))
			}
		}
	}()
}

// BrowseMemories pages the user's live memories newest-first. No hybrid
// search, no enrichment, no access logging.
func (s *Searcher) BrowseMemories(ctx context.Context, req *Request) (*BrowseResponse, error) {
	if req.UserID == "" {
		return nil, fmt.Errorf("%w: user_id is required", graph.ErrInvalidInput)
	}
	limit := s.clampLimit(req.Limit)
	offset := req.Offset
	if offset < 0 {
		offset = 0
	}

	memories, total, err := s.store.ListMemories(ctx, req.UserID, graph.MemoryFilter{
		Category:     req.Category,
		Tag:          req.Tag,
		CreatedAfter: req.CreatedAfter,
		Offset:       offset,
		Limit:        limit,
	})
	if err != nil {
		return nil, fmt.Errorf("browse: %w", err)
	}

	now := s.now()
	resp := &BrowseResponse{Total: total, Offset: offset, Limit: limit, Results: make([]Result, 0, len(memories))}
	for _, m := range memories {
		r := Result{
			ID:         m.ID,
			Memory:     m.Content,
			Categories: m.Categories,
			Tags:       m.Tags,
			CreatedAt:  SemanticDate(m.CreatedAt, now),
			AppName:    m.AppName,
		}
		if !m.UpdatedAt.Equal(m.CreatedAt) {
			r.UpdatedAt = SemanticDate(m.UpdatedAt, now)
		}
		resp.Results = append(resp.Results, r)
	}
	return resp, nil
}
