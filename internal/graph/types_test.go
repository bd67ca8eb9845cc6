package graph

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestNormalizeName(t *testing.T) {
	cases := map[string]string{
		"Sarah Chen":   "sarahchen",
		"  sarah-chen": "sarahchen",
		"SARAH_CHEN":   "sarahchen",
		"Acme Corp.":   "acmecorp",
		"a/b\\c":       "abc",
		"":             "",
	}
	for in, want := range cases {
		assert.Equal(t, want, NormalizeName(in), in)
	}
}

func TestTypeRankOrdering(t *testing.T) {
	assert.Less(t, TypeRank("PERSON"), TypeRank("ORGANIZATION"))
	assert.Less(t, TypeRank("ORGANIZATION"), TypeRank("LOCATION"))
	assert.Less(t, TypeRank("PRODUCT"), TypeRank("CONCEPT"))
	assert.Less(t, TypeRank("CONCEPT"), TypeRank("OTHER"))
	assert.Equal(t, TypeRank("OTHER"), TypeRank(""))
	assert.Equal(t, TypeRank("person"), TypeRank("PERSON"), "rank is case-insensitive")

	// Open-ontology types rank between the well-known bases and CONCEPT.
	assert.Greater(t, TypeRank("PROGRAMMING_LANGUAGE"), TypeRank("PRODUCT"))
	assert.Less(t, TypeRank("PROGRAMMING_LANGUAGE"), TypeRank("CONCEPT"))
}

func TestIsInternalEdgeLabel(t *testing.T) {
	assert.True(t, IsInternalEdgeLabel(EdgeMentions))
	assert.True(t, IsInternalEdgeLabel(EdgeSupersedes))
	assert.False(t, IsInternalEdgeLabel(EdgeRelatedTo))
	assert.False(t, IsInternalEdgeLabel("WORKS_AT"))
}

func TestMatchesFilter(t *testing.T) {
	now := time.Now()
	m := &Memory{
		Content:    "likes climbing",
		CreatedAt:  now,
		Tags:       []string{"Hobby"},
		Categories: []string{"Fitness"},
	}

	assert.True(t, MatchesFilter(m, MemoryFilter{}))
	assert.True(t, MatchesFilter(m, MemoryFilter{Tag: "hobby"}), "tag match ignores case")
	assert.True(t, MatchesFilter(m, MemoryFilter{Category: "FITNESS"}))
	assert.False(t, MatchesFilter(m, MemoryFilter{Tag: "work"}))
	assert.False(t, MatchesFilter(m, MemoryFilter{Category: "travel"}))

	earlier := now.Add(-time.Hour)
	later := now.Add(time.Hour)
	assert.True(t, MatchesFilter(m, MemoryFilter{CreatedAfter: &earlier}))
	assert.False(t, MatchesFilter(m, MemoryFilter{CreatedAfter: &later}))
	assert.False(t, MatchesFilter(m, MemoryFilter{CreatedAfter: &now}), "boundary is exclusive")

	invalid := *m
	invalid.InvalidAt = &now
	assert.False(t, MatchesFilter(&invalid, MemoryFilter{}))
}

func TestCosine(t *testing.T) {
	assert.InDelta(t, 1.0, Cosine([]float32{1, 0}, []float32{2, 0}), 1e-9)
	assert.InDelta(t, 0.0, Cosine([]float32{1, 0}, []float32{0, 1}), 1e-9)
	assert.InDelta(t, -1.0, Cosine([]float32{1, 0}, []float32{-1, 0}), 1e-9)
	assert.InDelta(t, 0.8, Cosine([]float32{1, 0}, []float32{0.8, 0.6}), 1e-6)

	assert.Zero(t, Cosine(nil, []float32{1}))
	assert.Zero(t, Cosine([]float32{1, 2}, []float32{1}))
	assert.Zero(t, Cosine([]float32{0, 0}, []float32{1, 1}))
}
