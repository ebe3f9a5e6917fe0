package driven

import (
	"context"

	"github.com/custodia-labs/sercha-kb/internal/core/domain"
)

// MetadataStore persists documents, chunk text and raw text.
// A successful write is durable before it returns.
type MetadataStore interface {
	// Apply performs a batch of writes atomically.
	Apply(ctx context.Context, batch MetadataBatch) error

	// PutChunks stores chunk metadata. Vectors are not stored.
	PutChunks(ctx context.Context, chunks []domain.Chunk) error

	// GetChunks returns the chunks that exist. Missing ids are absent, not an error.
	GetChunks(ctx context.Context, ids []string) (map[string]domain.Chunk, error)

	// DeleteChunks removes chunk metadata. Unknown ids are ignored.
	DeleteChunks(ctx context.Context, ids []string) error

	// ChunkIDsForDocument returns a document's chunk ids ordered by sequence index.
	ChunkIDsForDocument(ctx context.Context, documentID string) ([]string, error)

	// PutDocument stores or replaces a document record.
	PutDocument(ctx context.Context, doc *domain.Document) error

	// GetDocument retrieves a document by ID.
	// Returns domain.ErrNotFound if absent.
	GetDocument(ctx context.Context, id string) (*domain.Document, error)

	// GetDocuments returns the documents that exist, keyed by id.
	GetDocuments(ctx context.Context, ids []string) (map[string]*domain.Document, error)

	// DeleteDocument removes a document record and its chunks. Raw text no
	// longer referenced by any document is removed with it.
	DeleteDocument(ctx context.Context, id string) error

	// PruneRawText removes raw text that no document references and returns
	// how many entries were dropped.
	PruneRawText(ctx context.Context) (int, error)

	// ListDocuments returns summaries ordered by ingestion time, newest first.
	ListDocuments(ctx context.Context) ([]domain.DocumentSummary, error)

	// GetRawText retrieves normalised raw text by reference.
	GetRawText(ctx context.Context, ref string) (string, error)

	// Counts returns the number of documents and chunks.
	Counts(ctx context.Context) (documents, chunks int, err error)

	// AllChunkIDs returns every stored chunk id.
	AllChunkIDs(ctx context.Context) ([]string, error)

	// Save writes a consistent copy of the store to path.
	Save(ctx context.Context, path string) error

	// Restore replaces the store contents with a copy written by Save.
	Restore(ctx context.Context, path string) error

	// Close releases resources.
	Close() error
}

// MetadataBatch groups writes that must succeed or fail together.
type MetadataBatch struct {
	// RawText is stored under Document.RawTextRef when both are set.
	RawText string

	// Document is upserted when non-nil.
	Document *domain.Document

	// Chunks are upserted.
	Chunks []domain.Chunk

	// DeleteChunkIDs are removed.
	DeleteChunkIDs []string

	// DeleteDocumentID removes a document record as DeleteDocument does.
	DeleteDocumentID string
}

// IntentLog is the write-ahead log that keeps the vector index and the
// metadata store consistent across crashes.
type IntentLog interface {
	// Begin durably records a pending intent.
	Begin(ctx context.Context, intent *domain.Intent) error

	// Commit marks an intent committed and records the index generation it
	// persisted. The recorded generation never decreases.
	Commit(ctx context.Context, txnID string, generation uint64) error

	// Rollback marks an intent rolled back.
	Rollback(ctx context.Context, txnID string) error

	// Pending returns intents that were neither committed nor rolled back, oldest first.
	Pending(ctx context.Context) ([]domain.Intent, error)

	// Generation returns the generation recorded by the last committed intent.
	Generation(ctx context.Context) (uint64, error)

	// SetGeneration records the generation after recovery or restore.
	SetGeneration(ctx context.Context, generation uint64) error
}
