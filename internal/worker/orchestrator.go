// Package worker runs background extraction: per-memory tasks fired from the
// write pipeline that extract entities and relationships, resolve them into
// the knowledge graph, and keep entity descriptions fresh.
package worker

import (
	"context"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/memforge/memforge/internal/extract"
	"github.com/memforge/memforge/internal/graph"
	"github.com/memforge/memforge/internal/llm"
	"github.com/memforge/memforge/internal/resolver"
)

// Config holds orchestrator settings.
type Config struct {
	// MaxConcurrent bounds in-flight extraction tasks process-wide.
	MaxConcurrent int64
	// SummaryThreshold is the mention count at which an entity summary is
	// generated.
	SummaryThreshold int
	// CoRefMemories is how many recent memories feed co-reference context.
	CoRefMemories int
	// TaskTimeout bounds one whole extraction task.
	TaskTimeout time.Duration
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		MaxConcurrent:    32,
		SummaryThreshold: 5,
		CoRefMemories:    3,
		TaskTimeout:      2 * time.Minute,
	}
}

// Orchestrator launches and runs extraction tasks.
type Orchestrator struct {
	store     graph.Store
	extractor *extract.Extractor
	resolver  *resolver.Resolver
	client    llm.Client
	sem       *semaphore.Weighted
	config    Config
	logger    *zap.Logger

	launched  atomic.Int64
	completed atomic.Int64
	failed    atomic.Int64
}

// New builds an orchestrator.
func New(store graph.Store, ex *extract.Extractor, res *resolver.Resolver, client llm.Client,
	cfg Config, logger *zap.Logger) *Orchestrator {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = 32
	}
	if cfg.SummaryThreshold <= 0 {
		cfg.SummaryThreshold = 5
	}
	if cfg.CoRefMemories <= 0 {
		cfg.CoRefMemories = 3
	}
	if cfg.TaskTimeout <= 0 {
		cfg.TaskTimeout = 2 * time.Minute
	}
	return &Orchestrator{
		store:     store,
		extractor: ex,
		resolver:  res,
		client:    client,
		sem:       semaphore.NewWeighted(cfg.MaxConcurrent),
		config:    cfg,
		logger:    logger.Named("worker"),
	}
}

// Launch fires extraction for one memory and returns a channel closed when
// the task finishes. Callers drain the channel for a bounded window only;
// the task itself is never cancelled by the caller going away.
func (o *Orchestrator) Launch(userID, memoryID string) <-chan struct{} {
	done := make(chan struct{})
	o.launched.Add(1)

	go func() {
		defer close(done)

		ctx, cancel := context.WithTimeout(context.Background(), o.config.TaskTimeout)
		defer cancel()

		if err := o.sem.Acquire(ctx, 1); err != nil {
			o.failed.Add(1)
			o.logger.Warn("extraction pool acquire failed",
				zap.String("memory", memoryID),
				zap.Error(err))
			return
		}
		defer o.sem.Release(1)

		if err := o.process(ctx, userID, memoryID); err != nil {
			o.failed.Add(1)
			o.logger.Warn("extraction failed",
				zap.String("user", userID),
				zap.String("memory", memoryID),
				zap.Error(err))
			if markErr := o.store.MarkExtraction(ctx, userID, memoryID, graph.ExtractionFailed, err.Error()); markErr != nil {
				o.logger.Error("failed to record extraction failure",
					zap.String("memory", memoryID),
					zap.Error(markErr))
			}
			return
		}
		o.completed.Add(1)
	}()
	return done
}

// process runs the full extraction pipeline for one memory.
func (o *Orchestrator) process(ctx context.Context, userID, memoryID string) error {
	m, err := o.store.GetMemory(ctx, userID, memoryID)
	if err != nil {
		return fmt.Errorf("load memory: %w", err)
	}
	if m == nil {
		return fmt.Errorf("memory %s: %w", memoryID, graph.ErrNotFound)
	}
	if m.ExtractionStatus == graph.ExtractionDone {
		return nil
	}

	if err := o.store.MarkExtraction(ctx, userID, memoryID, graph.ExtractionPending, ""); err != nil {
		return fmt.Errorf("mark pending: %w", err)
	}

	recent, err := o.coRefContext(ctx, userID, memoryID)
	if err != nil {
		o.logger.Debug("co-reference context unavailable", zap.Error(err))
	}

	result := o.extractor.Extract(ctx, m.Content, extract.Options{RecentMemories: recent})

	// Tier-1 batch resolve: one round trip for everything already known.
	normalized := make([]string, 0, len(result.Entities))
	for _, ent := range result.Entities {
		normalized = append(normalized, graph.NormalizeName(ent.Name))
	}
	tier1, err := o.store.EntitiesByNormalizedNames(ctx, userID, normalized)
	if err != nil {
		return fmt.Errorf("tier-1 batch lookup: %w", err)
	}

	idByName := make(map[string]string, len(result.Entities))
	for _, ent := range result.Entities {
		norm := graph.NormalizeName(ent.Name)

		var entityID string
		if hit, ok := tier1[norm]; ok {
			entityID = hit.ID
			if ent.Description != "" && hit.Description != "" && ent.Description != hit.Description {
				o.consolidateDescriptionAsync(userID, hit, ent.Description)
			}
			o.maybeSummarizeAsync(userID, hit.ID)
		} else {
			entityID, err = o.resolver.Resolve(ctx, userID, ent)
			if err != nil {
				o.logger.Warn("entity resolution failed",
					zap.String("name", ent.Name),
					zap.Error(err))
				continue
			}
		}
		idByName[strings.ToLower(ent.Name)] = entityID

		if err := o.store.LinkMemoryEntity(ctx, userID, memoryID, entityID); err != nil {
			o.logger.Warn("mention link failed",
				zap.String("memory", memoryID),
				zap.String("entity", entityID),
				zap.Error(err))
		}
	}

	for _, rel := range result.Relationships {
		srcID := idByName[strings.ToLower(rel.Source)]
		tgtID := idByName[strings.ToLower(rel.Target)]
		if srcID == "" || tgtID == "" || srcID == tgtID {
			continue
		}
		err := o.store.UpsertRelationship(ctx, userID, &graph.Relationship{
			SourceID:    srcID,
			TargetID:    tgtID,
			Type:        rel.Type,
			Description: rel.Description,
		})
		if err != nil {
			o.logger.Warn("relationship upsert failed",
				zap.String("type", rel.Type),
				zap.Error(err))
		}
	}

	return o.store.MarkExtraction(ctx, userID, memoryID, graph.ExtractionDone, "")
}

// coRefContext returns up to CoRefMemories recent memory contents, excluding
// the memory being processed.
func (o *Orchestrator) coRefContext(ctx context.Context, userID, memoryID string) ([]string, error) {
	recent, err := o.store.RecentMemories(ctx, userID, o.config.CoRefMemories+1)
	if err != nil {
		return nil, err
	}
	out := make([]string, 0, o.config.CoRefMemories)
	for _, m := range recent {
		if m.ID == memoryID {
			continue
		}
		out = append(out, m.Content)
		if len(out) == o.config.CoRefMemories {
			break
		}
	}
	return out, nil
}

// consolidateDescriptionAsync LLM-merges the stored and incoming
// descriptions into at most two sentences. Fire-and-forget.
func (o *Orchestrator) consolidateDescriptionAsync(userID string, ent *graph.Entity, incoming string) {
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		prompt := fmt.Sprintf(`Merge these two descriptions of %q into a single description of at most two sentences, keeping all distinct facts.

Description A: %s
Description B: %s

Respond with a JSON object: {"description": "..."}`,
			ent.Name,
			extract.SanitizeForPrompt(ent.Description, 600),
			extract.SanitizeForPrompt(incoming, 600))

		raw, err := o.client.ExtractJSON(ctx, prompt, "")
		if err != nil {
			o.logger.Debug("description consolidation failed", zap.Error(err))
			return
		}
		merged, ok := raw["description"].(string)
		if !ok || strings.TrimSpace(merged) == "" {
			return
		}
		merged = strings.TrimSpace(merged)
		if err := o.store.UpdateEntity(ctx, userID, ent.ID, graph.EntityMutation{Description: &merged}); err != nil {
			o.logger.Debug("description consolidation write failed", zap.Error(err))
		}
	}()
}

// maybeSummarizeAsync generates an entity summary once enough memories
// mention it. Fire-and-forget.
func (o *Orchestrator) maybeSummarizeAsync(userID, entityID string) {
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		count, err := o.store.EntityMentionCount(ctx, userID, entityID)
		if err != nil || count < o.config.SummaryThreshold {
			return
		}

		mentions, err := o.store.EntityMentions(ctx, userID, entityID, o.config.SummaryThreshold*2)
		if err != nil || len(mentions) == 0 {
			return
		}
		ent, err := o.store.GetEntity(ctx, userID, entityID)
		if err != nil || ent == nil {
			return
		}

		var b strings.Builder
		for _, m := range mentions {
			b.WriteString("- ")
			b.WriteString(extract.SanitizeForPrompt(m.Content, 300))
			b.WriteString("\n")
		}

		prompt := fmt.Sprintf(`Summarize what these statements say about %q in at most two sentences.

%s
Respond with a JSON object: {"summary": "..."}`, ent.Name, b.String())

		raw, err := o.client.ExtractJSON(ctx, prompt, "")
		if err != nil {
			o.logger.Debug("entity summary failed", zap.Error(err))
			return
		}
		summary, ok := raw["summary"].(string)
		if !ok || strings.TrimSpace(summary) == "" {
			return
		}
		err = o.store.UpdateEntity(ctx, userID, entityID, graph.EntityMutation{
			Metadata: map[string]interface{}{"summary": strings.TrimSpace(summary)},
		})
		if err != nil {
			o.logger.Debug("entity summary write failed", zap.Error(err))
		}
	}()
}

// Stats reports task counters.
func (o *Orchestrator) Stats() map[string]interface{} {
	return map[string]interface{}{
		"launched":  o.launched.Load(),
		"completed": o.completed.Load(),
		"failed":    o.failed.Load(),
	}
}
