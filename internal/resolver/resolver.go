// Package resolver maps extracted entities to canonical graph entities.
// Resolution is a three-tier lookup (normalized name, person alias,
// semantic) with a MERGE fallback, so repeated extractions of the same
// real-world thing converge on one node per user.
package resolver

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/memforge/memforge/internal/extract"
	"github.com/memforge/memforge/internal/graph"
	"github.com/memforge/memforge/internal/llm"
)

// Config holds resolver settings.
type Config struct {
	// SemanticMatchThreshold is the minimum cosine similarity for a tier-3
	// candidate.
	SemanticMatchThreshold float64
	// SemanticCandidates caps how many tier-3 candidates are considered.
	SemanticCandidates int
	// ConfirmModel is the LLM model used for tier-3 confirmation.
	ConfirmModel string
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		SemanticMatchThreshold: 0.88,
		SemanticCandidates:     5,
	}
}

// Resolver finds or creates the canonical entity for an extraction.
type Resolver struct {
	store    graph.Store
	embedder llm.Embedder
	client   llm.Client
	config   Config
	logger   *zap.Logger
}

// New builds a resolver.
func New(store graph.Store, embedder llm.Embedder, client llm.Client, cfg Config, logger *zap.Logger) *Resolver {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.SemanticCandidates <= 0 {
		cfg.SemanticCandidates = 5
	}
	if cfg.SemanticMatchThreshold <= 0 {
		cfg.SemanticMatchThreshold = 0.88
	}
	return &Resolver{
		store:    store,
		embedder: embedder,
		client:   client,
		config:   cfg,
		logger:   logger.Named("resolver"),
	}
}

// Resolve returns the canonical entity id for the extraction, creating the
// entity when no tier matches. The returned id is always the one stored in
// the graph, which may differ from any id the caller holds.
func (r *Resolver) Resolve(ctx context.Context, userID string, in extract.Entity) (string, error) {
	name := strings.TrimSpace(in.Name)
	if name == "" {
		return "", fmt.Errorf("%w: empty entity name", graph.ErrInvalidInput)
	}

	// Tier 1: normalized exact.
	normalized := graph.NormalizeName(name)
	if existing, err := r.store.FindEntityByNormalizedName(ctx, userID, normalized); err != nil {
		return "", fmt.Errorf("tier-1 lookup: %w", err)
	} else if existing != nil {
		return existing.ID, r.applyUpgrades(ctx, userID, existing, in)
	}

	// Tier 2: person alias.
	if strings.EqualFold(in.Type, "PERSON") {
		match, err := r.aliasMatch(ctx, userID, name)
		if err != nil {
			return "", fmt.Errorf("tier-2 lookup: %w", err)
		}
		if match != nil {
			if err := r.applyUpgrades(ctx, userID, match, in); err != nil {
				return "", err
			}
			// Incoming longer display names replace the stored one.
			if len(name) > len(match.Name) {
				newName := name
				if err := r.store.UpdateEntity(ctx, userID, match.ID, graph.EntityMutation{Name: &newName}); err != nil {
					r.logger.Warn("display name upgrade failed",
						zap.String("entity", match.ID),
						zap.Error(err))
				}
			}
			return match.ID, nil
		}
	}

	// Tier 3: semantic. Fails open to a miss.
	if match := r.semanticMatch(ctx, userID, in); match != nil {
		return match.ID, r.applyUpgrades(ctx, userID, match, in)
	}

	// No tier matched: MERGE so concurrent resolvers converge.
	id, created, err := r.store.MergeEntity(ctx, userID, &graph.Entity{
		Name:        name,
		Type:        in.Type,
		Description: in.Description,
		Metadata:    in.Metadata,
	})
	if err != nil {
		return "", fmt.Errorf("entity merge: %w", err)
	}
	if !created {
		// Lost the race; the winner's node may still need our upgrades.
		if existing, err := r.store.GetEntity(ctx, userID, id); err == nil && existing != nil {
			if err := r.applyUpgrades(ctx, userID, existing, in); err != nil {
				return "", err
			}
		}
		return id, nil
	}

	r.embedDescriptionAsync(userID, id, name, in.Description)
	return id, nil
}

// aliasMatch finds a PERSON whose name word-boundary prefix/suffix matches,
// preferring the candidate with the longest display name.
func (r *Resolver) aliasMatch(ctx context.Context, userID, name string) (*graph.Entity, error) {
	persons, err := r.store.PersonEntities(ctx, userID)
	if err != nil {
		return nil, err
	}

	var best *graph.Entity
	for _, p := range persons {
		if !namesAlias(name, p.Name) {
			continue
		}
		if best == nil || len(p.Name) > len(best.Name) {
			best = p
		}
	}
	return best, nil
}

// namesAlias reports whether one name is a word-boundary prefix or suffix of
// the other, case-insensitively: "alice" aliases "alice chen" and
// "chen" aliases "alice chen", but "ali" does not.
func namesAlias(a, b string) bool {
	wa := strings.Fields(strings.ToLower(a))
	wb := strings.Fields(strings.ToLower(b))
	if len(wa) == 0 || len(wb) == 0 {
		return false
	}
	short, long := wa, wb
	if len(short) > len(long) {
		short, long = long, short
	}
	if len(short) == len(long) {
		return false
	}

	prefix := true
	for i := range short {
		if short[i] != long[i] {
			prefix = false
			break
		}
	}
	if prefix {
		return true
	}
	offset := len(long) - len(short)
	for i := range short {
		if short[i] != long[offset+i] {
			return false
		}
	}
	return true
}

// semanticMatch embeds the extraction and asks the LLM to confirm the best
// nearby entity. Any failure returns nil.
func (r *Resolver) semanticMatch(ctx context.Context, userID string, in extract.Entity) *graph.Entity {
	text := in.Name
	if in.Description != "" {
		text = in.Name + ": " + in.Description
	}
	vec, err := r.embedder.Embed(ctx, text)
	if err != nil {
		r.logger.Warn("tier-3 embedding failed", zap.Error(err))
		return nil
	}

	matches, err := r.store.EntityKNN(ctx, userID, vec, r.config.SemanticCandidates)
	if err != nil {
		r.logger.Warn("tier-3 knn failed", zap.Error(err))
		return nil
	}

	var best *graph.EntityMatch
	for i := range matches {
		if matches[i].Score < r.config.SemanticMatchThreshold {
			continue
		}
		if best == nil || matches[i].Score > best.Score {
			best = &matches[i]
		}
	}
	if best == nil {
		return nil
	}

	if !r.confirmSame(ctx, in, best.Entity) {
		return nil
	}
	return best.Entity
}

// confirmSame asks the LLM whether the extraction and the candidate refer to
// the same thing. Only an explicit true merges.
func (r *Resolver) confirmSame(ctx context.Context, in extract.Entity, candidate *graph.Entity) bool {
	prompt := fmt.Sprintf(`Do these two records refer to the same real-world entity?

Record A: name=%q type=%q description=%q
Record B: name=%q type=%q description=%q

Respond with a JSON object: {"same": true} or {"same": false}`,
		extract.SanitizeForPrompt(in.Name, 200), in.Type, extract.SanitizeForPrompt(in.Description, 500),
		extract.SanitizeForPrompt(candidate.Name, 200), candidate.Type, extract.SanitizeForPrompt(candidate.Description, 500))

	raw, err := r.client.ExtractJSON(ctx, prompt, r.config.ConfirmModel)
	if err != nil {
		r.logger.Warn("tier-3 confirmation failed", zap.Error(err))
		return false
	}
	same, ok := raw["same"].(bool)
	return ok && same
}

// applyUpgrades merges the extraction into an existing entity: type rank may
// only improve, descriptions only grow, metadata unions with newer keys
// winning.
func (r *Resolver) applyUpgrades(ctx context.Context, userID string, existing *graph.Entity, in extract.Entity) error {
	var mut graph.EntityMutation
	dirty := false

	if in.Type != "" && graph.TypeRank(in.Type) < graph.TypeRank(existing.Type) {
		t := strings.ToUpper(in.Type)
		mut.Type = &t
		dirty = true
	}
	if len(in.Description) > len(existing.Description) {
		d := in.Description
		mut.Description = &d
		dirty = true
	}
	if len(in.Metadata) > 0 {
		mut.Metadata = in.Metadata
		dirty = true
	}
	if !dirty {
		return nil
	}

	if err := r.store.UpdateEntity(ctx, userID, existing.ID, mut); err != nil {
		return fmt.Errorf("entity upgrade: %w", err)
	}
	if mut.Description != nil {
		r.embedDescriptionAsync(userID, existing.ID, existing.Name, *mut.Description)
	}
	return nil
}

// embedDescriptionAsync computes and stores the description embedding off
// the hot path. Failures log only.
func (r *Resolver) embedDescriptionAsync(userID, entityID, name, description string) {
	go func() {
		ctx := context.Background()
		text := name
		if description != "" {
			text = name + ": " + description
		}
		vec, err := r.embedder.Embed(ctx, text)
		if err != nil {
			r.logger.Warn("description embedding failed",
				zap.String("entity", entityID),
				zap.Error(err))
			return
		}
		if err := r.store.SetEntityEmbedding(ctx, userID, entityID, vec); err != nil {
			r.logger.Warn("description embedding write failed",
				zap.String("entity", entityID),
				zap.Error(err))
		}
	}()
}
