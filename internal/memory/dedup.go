// Package memory implements the write pipeline: intent dispatch, intra-batch
// and cross-memory deduplication, superseding, category writing, and bounded
// extraction drains.
package memory

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/memforge/memforge/internal/config"
	"github.com/memforge/memforge/internal/extract"
	"github.com/memforge/memforge/internal/graph"
	"github.com/memforge/memforge/internal/llm"
)

// DedupAction is the outcome of a cross-memory duplicate check.
type DedupAction string

const (
	ActionAdd       DedupAction = "add"
	ActionSkip      DedupAction = "skip"
	ActionSupersede DedupAction = "supersede"
)

// DedupDecision pairs the action with the existing memory it refers to.
type DedupDecision struct {
	Action     DedupAction
	ExistingID string
}

// DedupChecker classifies new content against stored memories. Above the
// skip threshold the content is a duplicate; in the middle band an LLM
// decides whether it updates the existing memory; below it is new.
type DedupChecker struct {
	store    graph.Store
	embedder llm.Embedder
	client   llm.Client
	settings *config.DedupConfig
	logger   *zap.Logger
}

// NewDedupChecker builds a checker.
func NewDedupChecker(store graph.Store, embedder llm.Embedder, client llm.Client, settings *config.DedupConfig, logger *zap.Logger) *DedupChecker {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &DedupChecker{
		store:    store,
		embedder: embedder,
		client:   client,
		settings: settings,
		logger:   logger.Named("dedup"),
	}
}

// Check returns the action for newContent. Embedding or LLM failures degrade
// to add: storing a duplicate beats losing a memory.
func (d *DedupChecker) Check(ctx context.Context, userID, newContent string) DedupDecision {
	add := DedupDecision{Action: ActionAdd}

	s := d.settings.Get(ctx)
	if !s.Enabled {
		return add
	}

	vec, err := d.embedder.Embed(ctx, newContent)
	if err != nil {
		d.logger.Warn("dedup embedding failed, adding", zap.Error(err))
		return add
	}

	matches, err := d.store.MemoryKNN(ctx, userID, vec, 1)
	if err != nil {
		d.logger.Warn("dedup knn failed, adding", zap.Error(err))
		return add
	}
	if len(matches) == 0 {
		return add
	}

	best := matches[0]
	switch {
	case best.Score >= s.SkipThreshold:
		return DedupDecision{Action: ActionSkip, ExistingID: best.Memory.ID}
	case best.Score >= s.Threshold:
		if d.updatesExisting(ctx, newContent, best.Memory.Content) {
			return DedupDecision{Action: ActionSupersede, ExistingID: best.Memory.ID}
		}
		return add
	default:
		return add
	}
}

// updatesExisting asks the LLM whether new content replaces the old
// statement rather than merely resembling it. Only an explicit true
// supersedes.
func (d *DedupChecker) updatesExisting(ctx context.Context, newContent, oldContent string) bool {
	prompt := fmt.Sprintf(`An existing stored statement and a new statement follow.

Existing: %q
New: %q

Does the new statement UPDATE the existing one, replacing it with newer
information about the same fact? Similar wording alone is not an update.

Respond with a JSON object: {"updates": true} or {"updates": false}`,
		extract.SanitizeForPrompt(oldContent, 1000),
		extract.SanitizeForPrompt(newContent, 1000))

	raw, err := d.client.ExtractJSON(ctx, prompt, "")
	if err != nil {
		d.logger.Warn("dedup update check failed, adding", zap.Error(err))
		return false
	}
	updates, ok := raw["updates"].(bool)
	return ok && updates
}
