package driven

import (
	"context"

	"github.com/custodia-labs/sercha-kb/internal/core/domain"
)

// VectorIndex stores chunk embeddings and answers exact similarity queries.
//
// Writes are two-phase: Stage appends slots that search cannot see, and Commit
// publishes them while tombstoning superseded ids in one step. A committed
// transaction can be reverted until it is released. Slots are never reused
// until Compact.
type VectorIndex interface {
	// Insert stages and commits a single vector.
	Insert(ctx context.Context, chunkID string, vector []float32) error

	// Stage appends vectors under a transaction id without making them searchable.
	Stage(ctx context.Context, txnID string, entries []VectorEntry) error

	// Commit publishes the staged vectors of txnID and tombstones the given ids.
	Commit(ctx context.Context, txnID string, tombstone []string) error

	// Abort discards the staged vectors of txnID.
	Abort(ctx context.Context, txnID string) error

	// Delete tombstones a chunk. Deleting an unknown id is a no-op.
	Delete(ctx context.Context, chunkID string) error

	// Revert undoes a Commit that has not been released: published slots are
	// tombstoned and the slots it tombstoned are revived.
	Revert(ctx context.Context, txnID string) error

	// Release forgets the undo record of a committed transaction.
	Release(txnID string)

	// Search returns at most k hits by descending score, ties by ascending chunk id.
	Search(ctx context.Context, query []float32, k int) ([]VectorHit, error)

	// Contains reports whether chunkID is live.
	Contains(chunkID string) bool

	// LiveIDs returns every live chunk id in ascending order.
	LiveIDs() []string

	// Compact rewrites the arena without tombstoned slots.
	Compact(ctx context.Context) (int, error)

	// Save writes a snapshot of the committed state to path and returns the
	// generation it captured.
	Save(path string) (uint64, error)

	// Load replaces the index contents with the snapshot at path.
	Load(path string) error

	// Stats reports slot usage.
	Stats() VectorStats

	// Close releases resources.
	Close() error
}

// VectorEntry is a vector to be staged.
type VectorEntry struct {
	ChunkID string
	Vector  []float32
}

// VectorHit represents a similarity search result.
type VectorHit struct {
	// ChunkID is the identifier of the matching chunk.
	ChunkID string

	// Score is the similarity under the index metric. Higher is closer.
	Score float64
}

// VectorStats describes the arena.
type VectorStats struct {
	Live       int
	Tombstones int
	Staged     int
	Slots      int
	Dimension  int
	Metric     domain.Metric
	Generation uint64
}
