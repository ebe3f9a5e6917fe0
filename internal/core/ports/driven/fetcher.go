package driven

import (
	"context"

	"github.com/custodia-labs/sercha-kb/internal/core/domain"
)

// SourceFetcher resolves a document reference to metadata and extracted text.
// Fetch failures are reported to the caller of ingest, never treated as engine faults.
type SourceFetcher interface {
	// Fetch returns the document for ref.
	// Returns domain.ErrNotFound if the reference cannot be resolved.
	Fetch(ctx context.Context, ref domain.DocumentRef) (*FetchedDocument, error)
}

// FetchedDocument is a document with its extracted text.
type FetchedDocument struct {
	Document domain.Document
	RawText  string
}
