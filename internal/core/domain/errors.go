package domain

import "errors"

// Domain errors represent business logic failures.
// These are distinct from infrastructure errors.
var (
	// ErrNotFound indicates a requested entity does not exist.
	ErrNotFound = errors.New("not found")

	// ErrInvalidInput indicates malformed or invalid input.
	// Input errors are rejected before any state changes.
	ErrInvalidInput = errors.New("invalid input")

	// ErrIngestionInProgress indicates the same document is already being ingested.
	ErrIngestionInProgress = errors.New("ingestion in progress")

	// Upstream Service Errors.

	// ErrEmbeddingUnavailable indicates the embedding service failed or timed out.
	ErrEmbeddingUnavailable = errors.New("embedding service unavailable")

	// ErrEmbeddingDimensionMismatch indicates the embedding service returned a vector
	// whose length disagrees with the configured index dimension.
	ErrEmbeddingDimensionMismatch = errors.New("embedding dimension mismatch")

	// ErrGenerationUnavailable indicates the text generation service failed or timed out.
	ErrGenerationUnavailable = errors.New("generation service unavailable")

	// Vector Index Errors.

	// ErrDimensionMismatch indicates a vector of the wrong length was given to the index.
	ErrDimensionMismatch = errors.New("dimension mismatch")

	// ErrInvalidVector indicates a vector with a NaN or infinite component.
	ErrInvalidVector = errors.New("invalid vector")

	// ErrMetricMismatch indicates a persisted index was built with a different similarity metric.
	// The index must be rebuilt; it is never silently reinterpreted.
	ErrMetricMismatch = errors.New("similarity metric mismatch")

	// Persistence Errors.

	// ErrIncompleteSnapshot indicates only one half of the vector/metadata pair was found.
	ErrIncompleteSnapshot = errors.New("incomplete snapshot")

	// ErrCorruptSnapshot indicates a partial or damaged write was detected on load.
	ErrCorruptSnapshot = errors.New("corrupt snapshot")

	// ErrPersistence indicates a write failed and nothing was written.
	ErrPersistence = errors.New("persistence failed")
)
