package driven

// Normaliser cleans extracted text before it is chunked.
// Chunk spans are offsets into the normalised text.
type Normaliser interface {
	// Normalise returns the cleaned text. It must be deterministic.
	Normalise(text string) string
}
