package services

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/custodia-labs/sercha-kb/internal/core/domain"
)

func hitsOfSizes(sizes ...int) []domain.SearchHit {
	hits := make([]domain.SearchHit, len(sizes))
	for i, n := range sizes {
		hits[i] = domain.SearchHit{
			ChunkID:    string(rune('a' + i)),
			DocumentID: "doc",
			Text:       strings.Repeat("x", n),
			Rank:       i + 1,
		}
	}
	return hits
}

func blockIDs(c domain.Context) []string {
	ids := make([]string, len(c.Blocks))
	for i, b := range c.Blocks {
		ids[i] = b.ChunkID
	}
	return ids
}

func TestAssembleContext(t *testing.T) {
	tests := []struct {
		name      string
		sizes     []int
		budget    int
		wantIDs   []string
		wantTotal int
	}{
		{"all fit", []int{3, 3, 3}, 10, []string{"a", "b", "c"}, 9},
		{"exact fit", []int{4, 6}, 10, []string{"a", "b"}, 10},
		{"skips and continues", []int{6, 6, 4}, 10, []string{"a", "c"}, 10},
		{"first too large", []int{11, 5}, 10, []string{"b"}, 5},
		{"nothing fits", []int{11, 12}, 10, []string{}, 0},
		{"no hits", nil, 10, []string{}, 0},
		{"zero budget", []int{1}, 0, []string{}, 0},
		{"negative budget", []int{1}, -5, []string{}, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := AssembleContext(hitsOfSizes(tt.sizes...), tt.budget)

			assert.NotNil(t, got.Blocks)
			assert.Equal(t, tt.wantIDs, blockIDs(got))
			assert.Equal(t, tt.wantTotal, got.TotalSize)
			assert.Equal(t, len(tt.wantIDs) == 0, got.IsEmpty())
		})
	}
}

func TestAssembleContext_CountsRunes(t *testing.T) {
	hits := []domain.SearchHit{
		{ChunkID: "a", Text: "résumé"},
		{ChunkID: "b", Text: "über"},
	}

	got := AssembleContext(hits, 10)

	assert.Equal(t, []string{"a", "b"}, blockIDs(got))
	assert.Equal(t, 10, got.TotalSize)
}

func TestAssembleContext_KeepsChunkTextWhole(t *testing.T) {
	hits := []domain.SearchHit{{ChunkID: "a", DocumentID: "doc", Text: "alpha beta"}}

	got := AssembleContext(hits, 10)

	assert.Equal(t, []domain.ContextBlock{{DocumentID: "doc", ChunkID: "a", Text: "alpha beta"}}, got.Blocks)
}

func TestUsedHits(t *testing.T) {
	hits := hitsOfSizes(6, 6, 4)
	assembled := AssembleContext(hits, 10)

	used := usedHits(hits, assembled)

	assert.Len(t, used, 2)
	assert.Equal(t, "a", used[0].ChunkID)
	assert.Equal(t, "c", used[1].ChunkID)
	assert.Equal(t, 3, used[1].Rank)
}

func TestAssembleContext_TakesHighestScoreFirst(t *testing.T) {
	hits := []domain.SearchHit{
		{ChunkID: "low", DocumentID: "doc", Text: "lowwww", Score: 0.1},
		{ChunkID: "tie-b", DocumentID: "doc", Text: "b", Score: 0.5},
		{ChunkID: "high", DocumentID: "doc", Text: "highhh", Score: 0.9},
		{ChunkID: "tie-a", DocumentID: "doc", Text: "a", Score: 0.5},
	}

	got := AssembleContext(hits, 6)
	assert.Equal(t, []string{"high"}, blockIDs(got))

	got = AssembleContext(hits, 8)
	assert.Equal(t, []string{"high", "tie-a", "tie-b"}, blockIDs(got))
	assert.Equal(t, 8, got.TotalSize)
	assert.Equal(t, "low", hits[0].ChunkID, "input is not reordered")
}
