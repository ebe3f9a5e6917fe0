package domain

import "math"

// NonFinite returns the index of the first NaN or infinite component of v,
// or -1 if every component is finite.
func NonFinite(v []float32) int {
	for i, x := range v {
		f := float64(x)
		if math.IsNaN(f) || math.IsInf(f, 0) {
			return i
		}
	}
	return -1
}

// SearchHit is a hydrated chunk-level retrieval result.
type SearchHit struct {
	ChunkID       string
	DocumentID    string
	SequenceIndex int
	Text          string

	// Score is the similarity under the configured metric.
	Score float64

	// Rank is the 1-based position in the result list.
	Rank int
}

// Citation groups hits from one document as evidence for an answer.
type Citation struct {
	DocumentID string
	Title      string
	Authors    []string
	URL        string

	// ContributingChunkIDs is ordered by sequence index.
	ContributingChunkIDs []string

	// AggregateScore is the max or mean of member scores.
	AggregateScore float64
}

// ContextBlock is one whole chunk included in an assembled context.
type ContextBlock struct {
	DocumentID string
	ChunkID    string
	Text       string
}

// Context is the bounded text handed to the generation service.
type Context struct {
	Blocks []ContextBlock

	// TotalSize is measured in runes, the chunking unit.
	TotalSize int
}

// IsEmpty returns true if no block fitted the budget.
func (c Context) IsEmpty() bool {
	return len(c.Blocks) == 0
}

// Answer is a generated response grounded in retrieved chunks.
type Answer struct {
	Question  string
	Text      string
	Citations []Citation
}

// Summary is a generated literature summary for a topic.
type Summary struct {
	Topic     string
	Text      string
	Citations []Citation
}

// Hypotheses is a set of generated research hypotheses for an area.
type Hypotheses struct {
	Area      string
	Items     []string
	Raw       string
	Citations []Citation
}

// Stats describes the knowledge base contents.
type Stats struct {
	DocumentCount int
	ChunkCount    int

	// IndexSlots counts allocated vector slots, including tombstones.
	IndexSlots int
	Tombstones int
	Dimension  int
	Metric     Metric
	Generation uint64
}
