package extract

import (
	"context"
	"strings"

	"go.uber.org/zap"

	"github.com/memforge/memforge/internal/llm"
)

// IntentKind is the write-pipeline routing decision for one item.
type IntentKind string

const (
	IntentStore        IntentKind = "STORE"
	IntentInvalidate   IntentKind = "INVALIDATE"
	IntentDeleteEntity IntentKind = "DELETE_ENTITY"
	IntentTouch        IntentKind = "TOUCH"
	IntentResolve      IntentKind = "RESOLVE"
)

// Intent is a classified utterance.
type Intent struct {
	Kind IntentKind
	// Target is the natural-language description of what to invalidate,
	// touch, or resolve.
	Target string
	// EntityName or EntityID identifies the target of DELETE_ENTITY.
	EntityName string
	EntityID   string
}

// IntentClassifier maps raw utterances to intents with one LLM call.
// Any failure yields STORE; storing too much beats losing data.
type IntentClassifier struct {
	client llm.Client
	model  string
	logger *zap.Logger
}

// NewIntentClassifier builds a classifier.
func NewIntentClassifier(client llm.Client, model string, logger *zap.Logger) *IntentClassifier {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &IntentClassifier{client: client, model: model, logger: logger.Named("intent")}
}

const intentPrompt = `Classify the user statement into exactly one intent.

Intents:
- STORE: a fact, preference, or event to remember (the default)
- INVALIDATE: a request to forget or discard previously stored information
- DELETE_ENTITY: a request to remove everything known about a named person or thing
- TOUCH: a request to mark stored information as still current or recently relevant
- RESOLVE: a statement that a previously stored task, issue, or question is now settled

Respond with a JSON object:
{"intent":"STORE|INVALIDATE|DELETE_ENTITY|TOUCH|RESOLVE","target":"...","entity_name":"...","entity_id":"..."}

"target" is the description of what to act on (for INVALIDATE, TOUCH, RESOLVE).
"entity_name" or "entity_id" identifies the entity (for DELETE_ENTITY).
Omit fields that do not apply.

Statement: `

// Classify returns the intent for content, failing open to STORE.
func (c *IntentClassifier) Classify(ctx context.Context, content string) Intent {
	store := Intent{Kind: IntentStore}

	sanitized := SanitizeForPrompt(content, 2000)
	if sanitized == "" {
		return store
	}

	raw, err := c.client.ExtractJSON(ctx, intentPrompt+sanitized, c.model)
	if err != nil {
		c.logger.Warn("intent classification failed, defaulting to STORE", zap.Error(err))
		return store
	}

	kind := IntentKind(strings.ToUpper(strings.TrimSpace(getString(raw, "intent"))))
	switch kind {
	case IntentInvalidate, IntentTouch, IntentResolve:
		target := strings.TrimSpace(getString(raw, "target"))
		if target == "" {
			return store
		}
		return Intent{Kind: kind, Target: target}
	case IntentDeleteEntity:
		name := strings.TrimSpace(getString(raw, "entity_name"))
		id := strings.TrimSpace(getString(raw, "entity_id"))
		if name == "" && id == "" {
			return store
		}
		return Intent{Kind: kind, EntityName: name, EntityID: id}
	default:
		return store
	}
}
