package services

import (
	"context"
	"fmt"
	"math"
	"sort"
	"strings"

	"github.com/custodia-labs/sercha-kb/internal/core/domain"
	"github.com/custodia-labs/sercha-kb/internal/core/ports/driven"
	"github.com/custodia-labs/sercha-kb/internal/logger"
	"github.com/custodia-labs/sercha-kb/internal/metrics"
)

// Retriever turns a query into ranked, hydrated chunk hits.
type Retriever struct {
	gateway     *EmbeddingGateway
	index       driven.VectorIndex
	meta        driven.MetadataStore
	fanout      int
	threshold   float64
	aggregation domain.Aggregation
	metrics     *metrics.Metrics
}

// NewRetriever creates a retriever.
func NewRetriever(
	gateway *EmbeddingGateway,
	index driven.VectorIndex,
	meta driven.MetadataStore,
	cfg domain.EngineConfig,
	m *metrics.Metrics,
) *Retriever {
	fanout := cfg.Fanout
	if fanout < 1 {
		fanout = 1
	}
	return &Retriever{
		gateway:     gateway,
		index:       index,
		meta:        meta,
		fanout:      fanout,
		threshold:   cfg.ScoreThreshold,
		aggregation: cfg.Aggregation,
		metrics:     m,
	}
}

// Search returns at most k hits ordered by descending score, ties broken by
// ascending chunk id. The index is over-fetched so hits whose metadata has
// vanished, or that score below the threshold, can be dropped without
// starving the result.
func (r *Retriever) Search(ctx context.Context, query string, k int) ([]domain.SearchHit, error) {
	query = strings.TrimSpace(query)
	if query == "" {
		return nil, fmt.Errorf("%w: empty query", domain.ErrInvalidInput)
	}
	if k <= 0 {
		return nil, fmt.Errorf("%w: k must be positive", domain.ErrInvalidInput)
	}

	vec, err := r.gateway.EmbedQuery(ctx, query)
	if err != nil {
		return nil, err
	}

	raw, err := r.index.Search(ctx, vec, fetchSize(k, r.fanout))
	if err != nil {
		return nil, fmt.Errorf("searching index: %w", err)
	}
	logger.Debug("Index returned %d candidates for k=%d", len(raw), k)
	if len(raw) == 0 {
		return []domain.SearchHit{}, nil
	}

	ids := make([]string, len(raw))
	for i, h := range raw {
		ids[i] = h.ChunkID
	}
	chunks, err := r.meta.GetChunks(ctx, ids)
	if err != nil {
		return nil, fmt.Errorf("hydrating chunks: %w", err)
	}

	hits := make([]domain.SearchHit, 0, min(k, len(raw)))
	for _, h := range raw {
		if len(hits) == k {
			break
		}
		if !(h.Score >= r.threshold) {
			// Candidates arrive in descending score order. NaN never passes.
			break
		}
		c, ok := chunks[h.ChunkID]
		if !ok {
			// Superseded between search and hydration, or the stores are out
			// of sync. Either way the hit has nothing to show.
			r.metrics.HitsDropped.Inc()
			logger.Warn("Dropping hit %s: vector has no chunk metadata", h.ChunkID)
			continue
		}
		hits = append(hits, domain.SearchHit{
			ChunkID:       c.ID,
			DocumentID:    c.DocumentID,
			SequenceIndex: c.SequenceIndex,
			Text:          c.Text,
			Score:         h.Score,
			Rank:          len(hits) + 1,
		})
	}
	return hits, nil
}

// Cite groups hits by document. Citations are ordered by aggregate score,
// highest first, then by document id; each lists its chunks in document order.
func (r *Retriever) Cite(ctx context.Context, hits []domain.SearchHit) ([]domain.Citation, error) {
	if len(hits) == 0 {
		return []domain.Citation{}, nil
	}

	type group struct {
		hits []domain.SearchHit
	}
	groups := make(map[string]*group)
	var order []string
	for _, h := range hits {
		g, ok := groups[h.DocumentID]
		if !ok {
			g = &group{}
			groups[h.DocumentID] = g
			order = append(order, h.DocumentID)
		}
		g.hits = append(g.hits, h)
	}

	docs, err := r.meta.GetDocuments(ctx, order)
	if err != nil {
		return nil, fmt.Errorf("loading documents: %w", err)
	}

	citations := make([]domain.Citation, 0, len(order))
	for _, docID := range order {
		g := groups[docID]
		sort.Slice(g.hits, func(i, j int) bool {
			if g.hits[i].SequenceIndex != g.hits[j].SequenceIndex {
				return g.hits[i].SequenceIndex < g.hits[j].SequenceIndex
			}
			return g.hits[i].ChunkID < g.hits[j].ChunkID
		})

		c := domain.Citation{
			DocumentID:           docID,
			ContributingChunkIDs: make([]string, len(g.hits)),
			AggregateScore:       aggregate(g.hits, r.aggregation),
		}
		for i, h := range g.hits {
			c.ContributingChunkIDs[i] = h.ChunkID
		}
		if doc, ok := docs[docID]; ok {
			c.Title = doc.Title
			c.Authors = doc.Authors
			c.URL = doc.URL
		}
		citations = append(citations, c)
	}

	sort.Slice(citations, func(i, j int) bool {
		if citations[i].AggregateScore != citations[j].AggregateScore {
			return citations[i].AggregateScore > citations[j].AggregateScore
		}
		return citations[i].DocumentID < citations[j].DocumentID
	})
	return citations, nil
}

func aggregate(hits []domain.SearchHit, agg domain.Aggregation) float64 {
	if len(hits) == 0 {
		return 0
	}
	if agg == domain.AggregationMean {
		sum := 0.0
		for _, h := range hits {
			sum += h.Score
		}
		return sum / float64(len(hits))
	}
	best := hits[0].Score
	for _, h := range hits[1:] {
		if h.Score > best {
			best = h.Score
		}
	}
	return best
}

// fetchSize is k*fanout, saturating at math.MaxInt.
func fetchSize(k, fanout int) int {
	if fanout <= 1 {
		return k
	}
	if k > math.MaxInt/fanout {
		return math.MaxInt
	}
	return k * fanout
}
