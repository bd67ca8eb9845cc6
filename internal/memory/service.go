package memory

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/memforge/memforge/internal/extract"
	"github.com/memforge/memforge/internal/graph"
	"github.com/memforge/memforge/internal/index"
	"github.com/memforge/memforge/internal/llm"
)

// ExtractionLauncher starts background extraction for one memory and returns
// a channel closed when the task completes. The write pipeline drains it for
// a bounded window; after that the task is orphaned and self-completes.
type ExtractionLauncher interface {
	Launch(userID, memoryID string) <-chan struct{}
}

// Config holds write-pipeline settings.
type Config struct {
	// DrainPerItem bounds how long one item waits on its extraction before
	// the next item's write begins.
	DrainPerItem time.Duration
	// DrainBatch caps total drain time across a batch; once spent,
	// remaining items get no drain at all.
	DrainBatch time.Duration
	// TargetMatchThreshold is the minimum similarity for resolving
	// INVALIDATE / TOUCH / RESOLVE targets to stored memories.
	TargetMatchThreshold float64
	// CategorizationModel routes auto-categorization calls.
	CategorizationModel string
	// AppName is the default source client identifier.
	AppName string
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		DrainPerItem:         3 * time.Second,
		DrainBatch:           12 * time.Second,
		TargetMatchThreshold: 0.75,
		AppName:              "memforge",
	}
}

// AddRequest is one add_memories call.
type AddRequest struct {
	UserID                 string
	AppName                string
	Items                  []string
	Tags                   []string
	Categories             []string
	SuppressAutoCategories bool
	// Replaces short-circuits classification and dedup: the caller asserts
	// the id being superseded.
	Replaces string
}

// ItemError records one failed item without aborting the batch.
type ItemError struct {
	Index   int    `json:"index"`
	Message string `json:"message"`
}

// AddResult aggregates batch outcomes. Zero-valued fields are omitted from
// the wire response.
type AddResult struct {
	Stored      int
	Superseded  int
	Skipped     int
	Invalidated int
	Touched     int
	Resolved    int
	Deleted     string
	IDs         []string
	TouchedIDs  []string
	ResolvedIDs []string
	Errors      []ItemError
}

// Service is the write pipeline.
type Service struct {
	store      graph.Store
	index      *index.MemoryIndex
	embedder   llm.Embedder
	client     llm.Client
	classifier *extract.IntentClassifier
	dedup      *DedupChecker
	launcher   ExtractionLauncher
	config     Config
	logger     *zap.Logger
}

// NewService wires the pipeline.
func NewService(store graph.Store, idx *index.MemoryIndex, embedder llm.Embedder, client llm.Client,
	classifier *extract.IntentClassifier, dedup *DedupChecker, launcher ExtractionLauncher,
	cfg Config, logger *zap.Logger) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.DrainPerItem == 0 {
		cfg.DrainPerItem = 3 * time.Second
	}
	if cfg.DrainBatch == 0 {
		cfg.DrainBatch = 12 * time.Second
	}
	if cfg.TargetMatchThreshold == 0 {
		cfg.TargetMatchThreshold = 0.75
	}
	return &Service{
		store:      store,
		index:      idx,
		embedder:   embedder,
		client:     client,
		classifier: classifier,
		dedup:      dedup,
		launcher:   launcher,
		config:     cfg,
		logger:     logger.Named("memory"),
	}
}

// AddMemories processes a batch sequentially on the write path. Items fail
// independently; failures land in Errors and the batch continues.
func (s *Service) AddMemories(ctx context.Context, req *AddRequest) (*AddResult, error) {
	if req.UserID == "" {
		return nil, fmt.Errorf("%w: user_id is required", graph.ErrInvalidInput)
	}
	result := &AddResult{}
	if len(req.Items) == 0 {
		return result, nil
	}

	if err := s.store.EnsureUser(ctx, req.UserID); err != nil {
		return nil, fmt.Errorf("ensure user: %w", err)
	}

	appName := req.AppName
	if appName == "" {
		appName = s.config.AppName
	}

	batchBudget := s.config.DrainBatch
	seen := map[string]bool{}

	for i, content := range req.Items {
		content = strings.TrimSpace(content)
		if content == "" {
			result.Errors = append(result.Errors, ItemError{Index: i, Message: "empty content"})
			continue
		}

		if req.Replaces != "" {
			id, err := s.supersede(ctx, req, appName, content, req.Replaces)
			if err != nil {
				result.Errors = append(result.Errors, ItemError{Index: i, Message: err.Error()})
				continue
			}
			result.Superseded++
			result.IDs = append(result.IDs, id)
			batchBudget -= s.drain(req.UserID, id, batchBudget)
			continue
		}

		intent := s.classifier.Classify(ctx, content)
		switch intent.Kind {
		case extract.IntentInvalidate:
			// Invalidation can fail partway; memories already soft-deleted
			// still count.
			n, err := s.invalidate(ctx, req.UserID, intent.Target)
			result.Invalidated += n
			if err != nil {
				result.Errors = append(result.Errors, ItemError{Index: i, Message: err.Error()})
				continue
			}

		case extract.IntentDeleteEntity:
			name, err := s.deleteEntity(ctx, req.UserID, intent)
			if err != nil {
				result.Errors = append(result.Errors, ItemError{Index: i, Message: err.Error()})
				continue
			}
			result.Deleted = name

		case extract.IntentTouch:
			ids, err := s.locateTargets(ctx, req.UserID, intent.Target)
			if err != nil {
				result.Errors = append(result.Errors, ItemError{Index: i, Message: err.Error()})
				continue
			}
			for _, id := range ids {
				if err := s.store.TouchMemory(ctx, req.UserID, id, req.Tags); err != nil {
					result.Errors = append(result.Errors, ItemError{Index: i, Message: err.Error()})
					continue
				}
				result.Touched++
				result.TouchedIDs = append(result.TouchedIDs, id)
			}

		case extract.IntentResolve:
			ids, err := s.locateTargets(ctx, req.UserID, intent.Target)
			if err != nil {
				result.Errors = append(result.Errors, ItemError{Index: i, Message: err.Error()})
				continue
			}
			for _, id := range ids {
				if err := s.store.ResolveMemory(ctx, req.UserID, id); err != nil {
					result.Errors = append(result.Errors, ItemError{Index: i, Message: err.Error()})
					continue
				}
				result.Resolved++
				result.ResolvedIDs = append(result.ResolvedIDs, id)
			}

		default: // STORE
			// Intra-batch dedup: repeated items inside one call skip the
			// cross-memory check entirely.
			key := normalizeForBatch(content)
			if seen[key] {
				result.Skipped++
				continue
			}
			seen[key] = true

			decision := s.dedup.Check(ctx, req.UserID, content)
			switch decision.Action {
			case ActionSkip:
				result.Skipped++
			case ActionSupersede:
				id, err := s.supersede(ctx, req, appName, content, decision.ExistingID)
				if err != nil {
					result.Errors = append(result.Errors, ItemError{Index: i, Message: err.Error()})
					continue
				}
				result.Superseded++
				result.IDs = append(result.IDs, id)
				batchBudget -= s.drain(req.UserID, id, batchBudget)
			default:
				id, err := s.addMemory(ctx, req, appName, content, req.Tags)
				if err != nil {
					result.Errors = append(result.Errors, ItemError{Index: i, Message: err.Error()})
					continue
				}
				result.Stored++
				result.IDs = append(result.IDs, id)
				batchBudget -= s.drain(req.UserID, id, batchBudget)
			}
		}
	}
	return result, nil
}

func normalizeForBatch(content string) string {
	return strings.Join(strings.Fields(strings.ToLower(content)), " ")
}

// addMemory writes one memory node, indexes it lexically, and attaches
// categories.
func (s *Service) addMemory(ctx context.Context, req *AddRequest, appName, content string, tags []string) (string, error) {
	m := &graph.Memory{
		Content: content,
		Tags:    tags,
		AppName: appName,
	}
	if vec, err := s.embedder.Embed(ctx, content); err != nil {
		s.logger.Warn("content embedding failed", zap.Error(err))
	} else {
		m.Embedding = vec
	}

	id, err := s.store.CreateMemory(ctx, req.UserID, m)
	if err != nil {
		return "", err
	}

	if err := s.index.Index(ctx, index.Document{
		ID:      id,
		Content: content,
		UserID:  req.UserID,
		AppName: appName,
	}); err != nil {
		s.logger.Warn("lexical index write failed",
			zap.String("memory", id),
			zap.Error(err))
	}

	if err := s.writeCategories(ctx, req, id, content); err != nil {
		s.logger.Warn("category write failed",
			zap.String("memory", id),
			zap.Error(err))
	}
	return id, nil
}

// supersede writes the replacement, unions the old memory's tags into it,
// and records the SUPERSEDES link.
func (s *Service) supersede(ctx context.Context, req *AddRequest, appName, content, oldID string) (string, error) {
	old, err := s.store.GetMemory(ctx, req.UserID, oldID)
	if err != nil {
		return "", err
	}
	if old == nil {
		return "", fmt.Errorf("memory %s: %w", oldID, graph.ErrNotFound)
	}

	tags := append(append([]string{}, old.Tags...), req.Tags...)
	newID, err := s.addMemory(ctx, req, appName, content, tags)
	if err != nil {
		return "", err
	}
	if err := s.store.Supersede(ctx, req.UserID, newID, oldID); err != nil {
		return "", err
	}
	if err := s.index.Delete(ctx, oldID); err != nil {
		s.logger.Warn("stale lexical entry removal failed",
			zap.String("memory", oldID),
			zap.Error(err))
	}
	return newID, nil
}

// writeCategories attaches explicit categories, or auto-categorizes when
// none were supplied and auto is not suppressed. Supplying explicit
// categories implies suppression.
func (s *Service) writeCategories(ctx context.Context, req *AddRequest, memoryID, content string) error {
	if len(req.Categories) > 0 {
		return s.store.LinkMemoryCategories(ctx, req.UserID, memoryID, req.Categories)
	}
	if req.SuppressAutoCategories {
		return nil
	}

	cats := s.autoCategorize(ctx, content)
	if len(cats) == 0 {
		return nil
	}
	return s.store.LinkMemoryCategories(ctx, req.UserID, memoryID, cats)
}

// autoCategorize asks the LLM for up to 3 category names, failing open to
// none.
func (s *Service) autoCategorize(ctx context.Context, content string) []string {
	prompt := fmt.Sprintf(`Suggest up to 3 short category names for filing this statement.
Respond with a JSON object: {"categories": ["...", "..."]}

Statement: %s`, extract.SanitizeForPrompt(content, 1000))

	raw, err := s.client.ExtractJSON(ctx, prompt, s.config.CategorizationModel)
	if err != nil {
		s.logger.Debug("auto-categorization failed", zap.Error(err))
		return nil
	}

	items, ok := raw["categories"].([]interface{})
	if !ok {
		return nil
	}
	var cats []string
	for _, item := range items {
		if name, ok := item.(string); ok {
			if name = strings.TrimSpace(name); name != "" {
				cats = append(cats, name)
			}
		}
		if len(cats) == 3 {
			break
		}
	}
	return cats
}

// invalidate soft-deletes every memory semantically matching target.
func (s *Service) invalidate(ctx context.Context, userID, target string) (int, error) {
	ids, err := s.locateTargets(ctx, userID, target)
	if err != nil {
		return 0, err
	}
	n := 0
	for _, id := range ids {
		if err := s.store.InvalidateMemory(ctx, userID, id); err != nil {
			return n, err
		}
		if err := s.index.Delete(ctx, id); err != nil {
			s.logger.Warn("stale lexical entry removal failed",
				zap.String("memory", id),
				zap.Error(err))
		}
		n++
	}
	return n, nil
}

// locateTargets resolves a natural-language target to stored memory ids by
// semantic similarity.
func (s *Service) locateTargets(ctx context.Context, userID, target string) ([]string, error) {
	vec, err := s.embedder.Embed(ctx, target)
	if err != nil {
		return nil, fmt.Errorf("target embedding: %w", err)
	}
	matches, err := s.store.MemoryKNN(ctx, userID, vec, 10)
	if err != nil {
		return nil, err
	}
	var ids []string
	for _, m := range matches {
		if m.Score >= s.config.TargetMatchThreshold {
			ids = append(ids, m.Memory.ID)
		}
	}
	return ids, nil
}

// deleteEntity removes the entity named in the intent plus incident edges.
func (s *Service) deleteEntity(ctx context.Context, userID string, intent extract.Intent) (string, error) {
	if intent.EntityID != "" {
		ent, err := s.store.GetEntity(ctx, userID, intent.EntityID)
		if err != nil {
			return "", err
		}
		if ent == nil {
			return "", fmt.Errorf("entity %s: %w", intent.EntityID, graph.ErrNotFound)
		}
		return ent.Name, s.store.DeleteEntity(ctx, userID, ent.ID)
	}

	ent, err := s.store.FindEntityByNormalizedName(ctx, userID, graph.NormalizeName(intent.EntityName))
	if err != nil {
		return "", err
	}
	if ent == nil {
		return "", fmt.Errorf("entity %q: %w", intent.EntityName, graph.ErrNotFound)
	}
	return ent.Name, s.store.DeleteEntity(ctx, userID, ent.ID)
}

// drain launches extraction and waits up to the per-item deadline, bounded
// by what remains of the batch budget. Returns the time actually spent.
func (s *Service) drain(userID, memoryID string, remaining time.Duration) time.Duration {
	done := s.launcher.Launch(userID, memoryID)
	if remaining <= 0 {
		return 0
	}

	wait := s.config.DrainPerItem
	if wait > remaining {
		wait = remaining
	}

	start := time.Now()
	timer := time.NewTimer(wait)
	defer timer.Stop()
	select {
	case <-done:
	case <-timer.C:
		s.logger.Debug("extraction drain deadline hit",
			zap.String("memory", memoryID),
			zap.Duration("waited", wait))
	}
	return time.Since(start)
}
