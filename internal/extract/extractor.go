// Package extract turns raw memory content into graph material: a combined
// entity+relationship extractor with gleaning passes, and the intent
// classifier that routes write-pipeline items.
package extract

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/memforge/memforge/internal/llm"
)

// Entity is one extracted entity before resolution.
type Entity struct {
	Name        string                 `json:"name"`
	Type        string                 `json:"type"`
	Description string                 `json:"description,omitempty"`
	Metadata    map[string]interface{} `json:"metadata,omitempty"`
}

// Relationship is one extracted relationship between entity names.
type Relationship struct {
	Source      string `json:"source"`
	Target      string `json:"target"`
	Type        string `json:"type"`
	Description string `json:"description,omitempty"`
}

// Result is the combined extraction output.
type Result struct {
	Entities      []Entity
	Relationships []Relationship
}

// Options tunes a single extraction.
type Options struct {
	// RecentMemories carries up to 3 prior memories for co-reference
	// resolution. Longer slices are truncated.
	RecentMemories []string
}

// Config holds extractor settings.
type Config struct {
	// MaxGleanings is the number of follow-up passes after the first
	// extraction. Clamped to [0, 3].
	MaxGleanings int
	Model        string
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{MaxGleanings: 1}
}

// Extractor runs combined entity+relationship extraction with gleaning.
// All failures collapse to an empty result; the write path never fails
// because extraction failed.
type Extractor struct {
	client llm.Client
	config Config
	logger *zap.Logger
}

// New builds an extractor.
func New(client llm.Client, cfg Config, logger *zap.Logger) *Extractor {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.MaxGleanings < 0 {
		cfg.MaxGleanings = 0
	}
	if cfg.MaxGleanings > 3 {
		cfg.MaxGleanings = 3
	}
	return &Extractor{client: client, config: cfg, logger: logger.Named("extract")}
}

// Extract runs the initial pass plus up to MaxGleanings follow-ups, each
// asking only for items missed so far. Stops early when a pass adds nothing.
func (e *Extractor) Extract(ctx context.Context, content string, opts Options) *Result {
	result := &Result{}

	content = SanitizeForPrompt(content, 4000)
	if content == "" || IsChitchat(content) {
		return result
	}

	recent := opts.RecentMemories
	if len(recent) > 3 {
		recent = recent[:3]
	}

	entitySeen := map[string]bool{}
	relSeen := map[string]bool{}

	for pass := 0; pass <= e.config.MaxGleanings; pass++ {
		prompt := e.buildPrompt(content, recent, knownNames(result.Entities), pass > 0)
		raw, err := e.client.ExtractJSON(ctx, prompt, e.config.Model)
		if err != nil {
			e.logger.Warn("extraction pass failed",
				zap.Int("pass", pass),
				zap.Error(err))
			break
		}

		added := e.collect(raw, result, entitySeen, relSeen)
		if pass > 0 && added == 0 {
			break
		}
	}
	return result
}

// collect normalizes and dedups one pass's raw output into result, returning
// how many new items were added.
func (e *Extractor) collect(raw map[string]interface{}, result *Result, entitySeen, relSeen map[string]bool) int {
	added := 0

	for _, item := range getSlice(raw, "entities") {
		obj, ok := item.(map[string]interface{})
		if !ok {
			continue
		}
		name := strings.TrimSpace(getString(obj, "name"))
		if name == "" {
			continue
		}
		key := strings.ToLower(name)
		if entitySeen[key] {
			continue
		}
		entitySeen[key] = true

		typ := UpperSnake(getString(obj, "type"))
		if typ == "" {
			typ = "OTHER"
		}
		ent := Entity{
			Name:        name,
			Type:        typ,
			Description: strings.TrimSpace(getString(obj, "description")),
		}
		if meta, ok := obj["metadata"].(map[string]interface{}); ok && len(meta) > 0 {
			ent.Metadata = meta
		}
		result.Entities = append(result.Entities, ent)
		added++
	}

	for _, item := range getSlice(raw, "relationships") {
		obj, ok := item.(map[string]interface{})
		if !ok {
			continue
		}
		source := strings.TrimSpace(getString(obj, "source"))
		target := strings.TrimSpace(getString(obj, "target"))
		typ := UpperSnake(getString(obj, "type"))
		if source == "" || target == "" || typ == "" {
			continue
		}
		key := strings.ToLower(source) + "\x00" + strings.ToLower(target) + "\x00" + typ
		if relSeen[key] {
			continue
		}
		relSeen[key] = true

		result.Relationships = append(result.Relationships, Relationship{
			Source:      source,
			Target:      target,
			Type:        typ,
			Description: strings.TrimSpace(getString(obj, "description")),
		})
		added++
	}
	return added
}

func (e *Extractor) buildPrompt(content string, recent, known []string, gleaning bool) string {
	var b strings.Builder

	b.WriteString("Extract entities and relationships from the statement below.\n")
	b.WriteString("Respond with a JSON object:\n")
	b.WriteString(`{"entities":[{"name":"...","type":"UPPER_SNAKE_CASE","description":"..."}],`)
	b.WriteString(`"relationships":[{"source":"...","target":"...","type":"UPPER_SNAKE_CASE","description":"..."}]}`)
	b.WriteString("\n\n")

	if gleaning && len(known) > 0 {
		b.WriteString("Already extracted (do NOT repeat these): ")
		b.WriteString(strings.Join(known, ", "))
		b.WriteString("\nReturn ONLY entities and relationships not listed above. ")
		b.WriteString("Return empty arrays if nothing was missed.\n\n")
	}

	if len(recent) > 0 {
		b.WriteString("Previous statements, for pronoun resolution only. Do not extract from these:\n")
		for _, m := range recent {
			b.WriteString("- ")
			b.WriteString(SanitizeForPrompt(m, 500))
			b.WriteString("\n")
		}
		b.WriteString("\n")
	}

	b.WriteString("Statement: ")
	b.WriteString(content)
	return b.String()
}

func knownNames(entities []Entity) []string {
	names := make([]string, 0, len(entities))
	for _, e := range entities {
		names = append(names, e.Name)
	}
	return names
}

// UpperSnake converts free-form type text to UPPER_SNAKE_CASE.
func UpperSnake(s string) string {
	s = strings.TrimSpace(s)
	if s == "" {
		return ""
	}
	var b strings.Builder
	lastUnderscore := false
	for _, r := range s {
		switch {
		case r >= 'a' && r <= 'z':
			b.WriteRune(r - 32)
			lastUnderscore = false
		case (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9'):
			b.WriteRune(r)
			lastUnderscore = false
		default:
			if !lastUnderscore && b.Len() > 0 {
				b.WriteByte('_')
				lastUnderscore = true
			}
		}
	}
	return strings.Trim(b.String(), "_")
}

func getString(obj map[string]interface{}, key string) string {
	if v, ok := obj[key].(string); ok {
		return v
	}
	return ""
}

func getSlice(obj map[string]interface{}, key string) []interface{} {
	if v, ok := obj[key].([]interface{}); ok {
		return v
	}
	return nil
}

// SanitizeForPrompt strips control characters, collapses newline runs, and
// truncates to maxLen so user content cannot break prompt structure.
func SanitizeForPrompt(s string, maxLen int) string {
	var b strings.Builder
	newlines := 0
	for _, r := range s {
		if r == '\n' {
			newlines++
			if newlines <= 2 {
				b.WriteRune(r)
			}
			continue
		}
		newlines = 0
		if r < 32 && r != '\t' {
			continue
		}
		b.WriteRune(r)
	}
	out := strings.TrimSpace(b.String())
	if maxLen > 0 && len(out) > maxLen {
		out = out[:maxLen]
	}
	return out
}

var chitchatPhrases = []string{
	"hi", "hello", "hey", "thanks", "thank you", "ok", "okay",
	"yes", "no", "sure", "cool", "great", "nice", "good morning",
	"good night", "bye", "goodbye", "lol", "haha",
}

// IsChitchat reports whether content is trivially conversational and not
// worth an extraction call.
func IsChitchat(content string) bool {
	trimmed := strings.ToLower(strings.TrimSpace(content))
	trimmed = strings.Trim(trimmed, ".!?,")
	if trimmed == "" {
		return true
	}
	for _, p := range chitchatPhrases {
		if trimmed == p {
			return true
		}
	}
	return false
}

// String renders a compact summary for logs.
func (r *Result) String() string {
	return fmt.Sprintf("entities=%d relationships=%d", len(r.Entities), len(r.Relationships))
}
