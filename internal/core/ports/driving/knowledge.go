package driving

import (
	"context"

	"github.com/custodia-labs/sercha-kb/internal/core/domain"
)

// KnowledgeBase is the query API consumed by the CLI and MCP adapters.
type KnowledgeBase interface {
	// Ingest fetches a document by reference and indexes it.
	Ingest(ctx context.Context, ref domain.DocumentRef) (*domain.IngestResult, error)

	// IngestText indexes a document whose text is already extracted.
	IngestText(ctx context.Context, doc domain.Document, rawText string) (*domain.IngestResult, error)

	// Search returns the k most relevant chunks, highest score first.
	Search(ctx context.Context, query string, k int) ([]domain.SearchHit, error)

	// Ask answers a question from the k most relevant chunks.
	// An empty knowledge base yields the no-information answer, not an error.
	Ask(ctx context.Context, question string, k int) (*domain.Answer, error)

	// Summarize writes a literature summary from up to maxDocs documents.
	Summarize(ctx context.Context, topic string, maxDocs int) (*domain.Summary, error)

	// Hypotheses proposes research hypotheses for an area.
	Hypotheses(ctx context.Context, area string) (*domain.Hypotheses, error)

	// Stats reports document and chunk counts.
	Stats(ctx context.Context) (*domain.Stats, error)

	// ListDocuments returns a summary of every ingested document.
	ListDocuments(ctx context.Context) ([]domain.DocumentSummary, error)

	// GetDocument returns a document record.
	// Returns domain.ErrNotFound if absent.
	GetDocument(ctx context.Context, id string) (*domain.Document, error)

	// GetRawText returns the normalised text a document was chunked from.
	GetRawText(ctx context.Context, id string) (string, error)
}

// Maintenance provides out-of-band operations on the stores.
type Maintenance interface {
	// Remove deletes a document and all of its chunks from both stores.
	Remove(ctx context.Context, documentID string) error

	// Compact reclaims tombstoned vector slots and returns how many were freed.
	Compact(ctx context.Context) (int, error)

	// Snapshot writes the vector index and metadata store to dir as a pair.
	Snapshot(ctx context.Context, dir string) error

	// Restore replaces the live stores with the snapshot pair in dir.
	Restore(ctx context.Context, dir string) error
}
