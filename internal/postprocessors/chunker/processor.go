// Package chunker provides a boundary-aware text chunker.
package chunker

import (
	"strings"

	"github.com/custodia-labs/sercha-kb/internal/core/domain"
	"github.com/custodia-labs/sercha-kb/internal/core/ports/driven"
)

// Ensure Processor implements the interface.
var _ driven.Chunker = (*Processor)(nil)

// DefaultChunkSize is the default number of runes per chunk.
const DefaultChunkSize = 500

// DefaultChunkOverlap is the default number of overlapping runes.
const DefaultChunkOverlap = 50

// DefaultTolerance selects a tolerance of one fifth of the chunk size.
const DefaultTolerance = -1

// separators are tried in order when looking for a cut point.
var separators = [][]rune{
	[]rune("\n\n"),
	[]rune("\n"),
	[]rune(". "),
	[]rune(" "),
}

// Processor splits text into overlapping windows.
// Sizes are measured in runes. A window ends just after the strongest
// separator found in its tolerance window, or is cut hard at the chunk size.
type Processor struct {
	chunkSize int
	overlap   int
	tolerance int
}

// Option configures the chunker processor.
type Option func(*Processor)

// WithChunkSize sets the target chunk size in runes.
func WithChunkSize(size int) Option {
	return func(p *Processor) {
		if size > 0 {
			p.chunkSize = size
		}
	}
}

// WithOverlap sets the overlap between chunks in runes.
func WithOverlap(overlap int) Option {
	return func(p *Processor) {
		if overlap >= 0 {
			p.overlap = overlap
		}
	}
}

// WithTolerance sets how far before the target size a boundary may be taken.
// Zero cuts hard at the chunk size; any negative value selects DefaultTolerance.
func WithTolerance(tolerance int) Option {
	return func(p *Processor) {
		if tolerance < 0 {
			tolerance = DefaultTolerance
		}
		p.tolerance = tolerance
	}
}

// WithEngineConfig applies the chunking fields of an engine config.
// A zero ChunkTolerance there means "unset" and keeps the default.
func WithEngineConfig(cfg domain.EngineConfig) Option {
	return func(p *Processor) {
		WithChunkSize(cfg.ChunkSize)(p)
		WithOverlap(cfg.ChunkOverlap)(p)
		if cfg.ChunkTolerance > 0 {
			WithTolerance(cfg.ChunkTolerance)(p)
		}
	}
}

// New creates a new chunker processor with the given options.
func New(opts ...Option) *Processor {
	p := &Processor{
		chunkSize: DefaultChunkSize,
		overlap:   DefaultChunkOverlap,
		tolerance: DefaultTolerance,
	}

	for _, opt := range opts {
		opt(p)
	}

	// Ensure overlap doesn't exceed chunk size
	if p.overlap >= p.chunkSize {
		p.overlap = p.chunkSize / 4
	}

	if p.tolerance < 0 {
		p.tolerance = p.chunkSize / 5
	}
	// overlap + tolerance < chunkSize keeps every window moving forward.
	if maxTol := p.chunkSize - p.overlap - 1; p.tolerance > maxTol {
		p.tolerance = maxTol
	}

	return p
}

// Name returns the processor name.
func (p *Processor) Name() string {
	return "chunker"
}

// ChunkSize returns the target chunk size in runes.
func (p *Processor) ChunkSize() int {
	return p.chunkSize
}

// Overlap returns the overlap in runes.
func (p *Processor) Overlap() int {
	return p.overlap
}

// Tolerance returns the boundary search window in runes.
func (p *Processor) Tolerance() int {
	return p.tolerance
}

// Chunk splits text into candidates in document order.
// Every candidate except the last has a length in [size-tolerance, size].
func (p *Processor) Chunk(text string) []domain.ChunkCandidate {
	if strings.TrimSpace(text) == "" {
		return nil
	}

	runes := []rune(text)
	n := len(runes)

	estimated := n/(p.chunkSize-p.overlap) + 1
	candidates := make([]domain.ChunkCandidate, 0, estimated)

	start := 0
	for start < n {
		end := start + p.chunkSize
		if end >= n {
			candidates = p.appendCandidate(candidates, runes, start, n)
			break
		}

		cut := p.boundary(runes, start, end)
		candidates = p.appendCandidate(candidates, runes, start, cut)
		start = cut - p.overlap
	}

	return candidates
}

// boundary returns the cut position for the window [start, end).
func (p *Processor) boundary(runes []rune, start, end int) int {
	lo := end - p.tolerance
	for _, sep := range separators {
		// The cut lands right after the separator and must fall in [lo, end].
		for i := end - len(sep); i >= start && i+len(sep) >= lo; i-- {
			if hasPrefix(runes[i:], sep) {
				return i + len(sep)
			}
		}
	}
	return end
}

func (p *Processor) appendCandidate(
	candidates []domain.ChunkCandidate,
	runes []rune,
	start, end int,
) []domain.ChunkCandidate {
	text := string(runes[start:end])
	if strings.TrimSpace(text) == "" {
		return candidates
	}
	return append(candidates, domain.ChunkCandidate{
		SequenceIndex: len(candidates),
		Text:          text,
		Span:          domain.Span{Start: start, End: end},
	})
}

func hasPrefix(runes, prefix []rune) bool {
	if len(runes) < len(prefix) {
		return false
	}
	for i, r := range prefix {
		if runes[i] != r {
			return false
		}
	}
	return true
}
