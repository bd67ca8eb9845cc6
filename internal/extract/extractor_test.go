package extract

import (
	"context"
	"fmt"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/memforge/memforge/internal/llm"
)

// scriptedClient returns one canned response per ExtractJSON call, in order.
type scriptedClient struct {
	responses []map[string]interface{}
	errs      []error
	prompts   []string
}

func (s *scriptedClient) Complete(ctx context.Context, req *llm.CompletionRequest) (string, error) {
	return "", nil
}

func (s *scriptedClient) ExtractJSON(ctx context.Context, prompt, model string) (map[string]interface{}, error) {
	call := len(s.prompts)
	s.prompts = append(s.prompts, prompt)
	if call < len(s.errs) && s.errs[call] != nil {
		return nil, s.errs[call]
	}
	if call < len(s.responses) {
		return s.responses[call], nil
	}
	return map[string]interface{}{}, nil
}

func entityObj(name, typ string) map[string]interface{} {
	return map[string]interface{}{"name": name, "type": typ}
}

func TestExtractCollectsAndDedups(t *testing.T) {
	client := &scriptedClient{responses: []map[string]interface{}{
		{
			"entities": []interface{}{
				entityObj("Sarah Chen", "person"),
				entityObj("sarah chen", "PERSON"), // same entity, different case
				entityObj("", "PERSON"),           // nameless, dropped
				entityObj("Acme", ""),             // empty type defaults
			},
			"relationships": []interface{}{
				map[string]interface{}{"source": "Sarah Chen", "target": "Acme", "type": "works at"},
				map[string]interface{}{"source": "Sarah Chen", "target": "", "type": "KNOWS"}, // no target
			},
		},
	}}
	e := New(client, Config{MaxGleanings: 0}, zaptest.NewLogger(t))

	res := e.Extract(context.Background(), "Sarah Chen works at Acme", Options{})
	require.Len(t, res.Entities, 2)
	assert.Equal(t, "Sarah Chen", res.Entities[0].Name)
	assert.Equal(t, "PERSON", res.Entities[0].Type)
	assert.Equal(t, "OTHER", res.Entities[1].Type, "missing type defaults to OTHER")

	require.Len(t, res.Relationships, 1)
	assert.Equal(t, "WORKS_AT", res.Relationships[0].Type)
}

func TestExtractGleaningStopsWhenNothingNew(t *testing.T) {
	client := &scriptedClient{responses: []map[string]interface{}{
		{"entities": []interface{}{entityObj("Go", "TECHNOLOGY")}},
		{"entities": []interface{}{entityObj("go", "TECHNOLOGY")}}, // duplicate only
		{"entities": []interface{}{entityObj("Rust", "TECHNOLOGY")}},
	}}
	e := New(client, Config{MaxGleanings: 3}, zaptest.NewLogger(t))

	res := e.Extract(context.Background(), "uses Go at work", Options{})
	assert.Len(t, res.Entities, 1)
	assert.Len(t, client.prompts, 2, "a gleaning pass adding nothing ends extraction")

	t.Run("gleaning prompt excludes known names", func(t *testing.T) {
		assert.Contains(t, client.prompts[1], "do NOT repeat")
		assert.Contains(t, client.prompts[1], "Go")
	})
}

func TestExtractFailsOpen(t *testing.T) {
	client := &scriptedClient{errs: []error{fmt.Errorf("model unavailable")}}
	e := New(client, DefaultConfig(), zaptest.NewLogger(t))

	res := e.Extract(context.Background(), "a fact worth extracting", Options{})
	assert.Empty(t, res.Entities)
	assert.Empty(t, res.Relationships)
}

func TestExtractSkipsChitchat(t *testing.T) {
	client := &scriptedClient{}
	e := New(client, DefaultConfig(), zaptest.NewLogger(t))

	res := e.Extract(context.Background(), "  Thanks!  ", Options{})
	assert.Empty(t, res.Entities)
	assert.Empty(t, client.prompts, "chitchat never reaches the model")
}

func TestExtractRecentMemoriesTruncatedToThree(t *testing.T) {
	client := &scriptedClient{responses: []map[string]interface{}{{}}}
	e := New(client, Config{MaxGleanings: 0}, zaptest.NewLogger(t))

	e.Extract(context.Background(), "she accepted the offer", Options{
		RecentMemories: []string{"one", "two", "three", "four"},
	})
	require.Len(t, client.prompts, 1)
	assert.Contains(t, client.prompts[0], "pronoun resolution only")
	assert.Contains(t, client.prompts[0], "- three\n")
	assert.NotContains(t, client.prompts[0], "- four")
}

func TestMaxGleaningsClamped(t *testing.T) {
	client := &scriptedClient{responses: []map[string]interface{}{
		{"entities": []interface{}{entityObj("A", "CONCEPT")}},
		{"entities": []interface{}{entityObj("B", "CONCEPT")}},
		{"entities": []interface{}{entityObj("C", "CONCEPT")}},
		{"entities": []interface{}{entityObj("D", "CONCEPT")}},
		{"entities": []interface{}{entityObj("E", "CONCEPT")}},
	}}
	e := New(client, Config{MaxGleanings: 10}, zaptest.NewLogger(t))

	e.Extract(context.Background(), "many facts", Options{})
	assert.Len(t, client.prompts, 4, "passes cap at 1 + 3 gleanings")
}

func TestUpperSnake(t *testing.T) {
	cases := map[string]string{
		"works at":      "WORKS_AT",
		"WorksAt":       "WORKSAT",
		"  lives-in  ":  "LIVES_IN",
		"a  b":          "A_B",
		"__":            "",
		"reports to...": "REPORTS_TO",
	}
	for in, want := range cases {
		assert.Equal(t, want, UpperSnake(in), "input %q", in)
	}
}

func TestSanitizeForPrompt(t *testing.T) {
	t.Run("strips control characters", func(t *testing.T) {
		assert.Equal(t, "ab\tc", SanitizeForPrompt("a\x00b\t\x1bc", 100))
	})
	t.Run("collapses newline runs", func(t *testing.T) {
		out := SanitizeForPrompt("a\n\n\n\n\nb", 100)
		assert.Equal(t, "a\n\nb", out)
	})
	t.Run("truncates", func(t *testing.T) {
		assert.Equal(t, "abcde", SanitizeForPrompt("abcdefgh", 5))
	})
}

func TestIsChitchat(t *testing.T) {
	assert.True(t, IsChitchat("Thanks!"))
	assert.True(t, IsChitchat("  ok  "))
	assert.True(t, IsChitchat(""))
	assert.False(t, IsChitchat("thanks to Sarah I found the venue"))
	assert.False(t, IsChitchat("prefers tea over coffee"))
}

func TestResultString(t *testing.T) {
	r := &Result{Entities: make([]Entity, 2), Relationships: make([]Relationship, 1)}
	assert.True(t, strings.Contains(r.String(), "entities=2"))
}
