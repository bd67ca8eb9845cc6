package graph

import (
	"math"
	"strings"
)

// MatchesFilter reports whether a live memory passes the list filter.
// Invalidated memories never match.
func MatchesFilter(m *Memory, f MemoryFilter) bool {
	if m.InvalidAt != nil {
		return false
	}
	if f.Category != "" {
		hit := false
		for _, c := range m.Categories {
			if strings.EqualFold(c, f.Category) {
				hit = true
				break
			}
		}
		if !hit {
			return false
		}
	}
	if f.Tag != "" {
		hit := false
		for _, t := range m.Tags {
			if strings.EqualFold(t, f.Tag) {
				hit = true
				break
			}
		}
		if !hit {
			return false
		}
	}
	if f.CreatedAfter != nil && !m.CreatedAt.After(*f.CreatedAfter) {
		return false
	}
	return true
}

// Cosine returns similarity in [-1, 1], or 0 for mismatched or zero vectors.
func Cosine(a, b []float32) float64 {
	if len(a) == 0 || len(a) != len(b) {
		return 0
	}
	var dot, na, nb float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		na += float64(a[i]) * float64(a[i])
		nb += float64(b[i]) * float64(b[i])
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}
