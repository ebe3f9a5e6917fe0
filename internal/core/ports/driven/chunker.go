package driven

import "github.com/custodia-labs/sercha-kb/internal/core/domain"

// Chunker splits normalised text into overlapping windows.
type Chunker interface {
	// Chunk returns the candidates in document order. Empty text yields none.
	Chunk(text string) []domain.ChunkCandidate

	// Name returns the chunker's identifier.
	Name() string
}
