// Package domain defines the core business entities for the knowledge base.
//
// This package is part of the hexagonal architecture's innermost layer.
// It has NO external dependencies and defines the fundamental types:
//
//   - Document: An ingested paper with its bibliographic metadata
//   - Chunk: A retrievable window of a document's normalised text
//   - IngestIntent: A write-ahead record of an in-flight ingestion
//   - Answer, Summary, Hypotheses: Generated results with citations
//
// # Architectural Position
//
// Domain is at the centre of the hexagon. It may only import
// the Go standard library. All other packages depend on domain,
// never the reverse.
//
// # Import Rules
//
//   - Can Import: Standard library only
//   - Cannot Import: Any internal/ package, any external dependency
package domain
