package services

import (
	"sort"
	"unicode/utf8"

	"github.com/custodia-labs/sercha-kb/internal/core/domain"
)

// AssembleContext packs whole chunks into a bounded context.
//
// Hits are taken in descending score order, ties by chunk id, whatever the
// order of the input. A chunk that does not fit in the remaining budget is
// skipped and later, smaller chunks are still tried. Chunk text is never
// cut. Sizes are in runes.
func AssembleContext(hits []domain.SearchHit, budget int) domain.Context {
	ctx := domain.Context{Blocks: []domain.ContextBlock{}}
	if budget <= 0 {
		return ctx
	}

	ranked := make([]domain.SearchHit, len(hits))
	copy(ranked, hits)
	sort.SliceStable(ranked, func(i, j int) bool {
		if ranked[i].Score != ranked[j].Score {
			return ranked[i].Score > ranked[j].Score
		}
		return ranked[i].ChunkID < ranked[j].ChunkID
	})

	for _, h := range ranked {
		size := utf8.RuneCountInString(h.Text)
		if ctx.TotalSize+size > budget {
			continue
		}
		ctx.Blocks = append(ctx.Blocks, domain.ContextBlock{
			DocumentID: h.DocumentID,
			ChunkID:    h.ChunkID,
			Text:       h.Text,
		})
		ctx.TotalSize += size
	}
	return ctx
}

// usedHits returns the hits whose chunks made it into the context.
func usedHits(hits []domain.SearchHit, c domain.Context) []domain.SearchHit {
	in := make(map[string]bool, len(c.Blocks))
	for _, b := range c.Blocks {
		in[b.ChunkID] = true
	}
	out := make([]domain.SearchHit, 0, len(c.Blocks))
	for _, h := range hits {
		if in[h.ChunkID] {
			out = append(out, h)
		}
	}
	return out
}
