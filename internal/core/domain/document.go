package domain

import (
	"fmt"
	"strings"
	"time"
)

// SourceType identifies the repository a document was published in.
type SourceType string

const (
	// SourceTypeArxiv is an arXiv preprint.
	SourceTypeArxiv SourceType = "arxiv"

	// SourceTypeDOI is a paper resolved through its DOI.
	SourceTypeDOI SourceType = "doi"
)

// IsValid returns true if this is a known source type.
func (t SourceType) IsValid() bool {
	switch t {
	case SourceTypeArxiv, SourceTypeDOI:
		return true
	default:
		return false
	}
}

// String returns the string representation.
func (t SourceType) String() string {
	return string(t)
}

// AllSourceTypes returns all supported source types.
func AllSourceTypes() []SourceType {
	return []SourceType{SourceTypeArxiv, SourceTypeDOI}
}

// DocumentRef identifies a document in its upstream repository.
type DocumentRef struct {
	SourceType SourceType
	SourceID   string
}

// Normalise returns the reference with its source id in canonical form.
// arXiv and DOI URLs and prefixes are stripped; DOIs are lower-cased.
func (r DocumentRef) Normalise() (DocumentRef, error) {
	if !r.SourceType.IsValid() {
		return r, fmt.Errorf("%w: unknown source type %q", ErrInvalidInput, r.SourceType)
	}

	id := strings.TrimSpace(r.SourceID)
	switch r.SourceType {
	case SourceTypeArxiv:
		id = trimPrefixFold(id, "https://arxiv.org/abs/")
		id = trimPrefixFold(id, "http://arxiv.org/abs/")
		id = trimPrefixFold(id, "arxiv:")
		if !validArxivID(id) {
			return r, fmt.Errorf("%w: malformed arxiv id %q", ErrInvalidInput, r.SourceID)
		}
	case SourceTypeDOI:
		id = trimPrefixFold(id, "https://doi.org/")
		id = trimPrefixFold(id, "http://dx.doi.org/")
		id = trimPrefixFold(id, "doi:")
		id = strings.ToLower(id)
		if !strings.HasPrefix(id, "10.") || !strings.Contains(id, "/") {
			return r, fmt.Errorf("%w: malformed doi %q", ErrInvalidInput, r.SourceID)
		}
	}

	return DocumentRef{SourceType: r.SourceType, SourceID: id}, nil
}

// DocumentID derives the engine-wide document identifier.
func (r DocumentRef) DocumentID() (string, error) {
	n, err := r.Normalise()
	if err != nil {
		return "", err
	}
	return string(n.SourceType) + ":" + n.SourceID, nil
}

// ParseDocumentID splits a document id back into its reference.
func ParseDocumentID(id string) (DocumentRef, error) {
	typ, sourceID, ok := strings.Cut(id, ":")
	if !ok {
		return DocumentRef{}, fmt.Errorf("%w: malformed document id %q", ErrInvalidInput, id)
	}
	return DocumentRef{SourceType: SourceType(typ), SourceID: sourceID}.Normalise()
}

func trimPrefixFold(s, prefix string) string {
	if len(s) >= len(prefix) && strings.EqualFold(s[:len(prefix)], prefix) {
		return s[len(prefix):]
	}
	return s
}

func validArxivID(id string) bool {
	if id == "" {
		return false
	}
	for _, r := range id {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
		case r == '.', r == '/', r == '-':
		default:
			return false
		}
	}
	return true
}

// Document represents an ingested research paper.
// Documents are immutable; re-ingestion replaces the record as a whole.
type Document struct {
	// ID is "<source_type>:<source_id>", derived from the reference.
	ID string

	// SourceType is the upstream repository.
	SourceType SourceType

	// SourceID is the identifier within the upstream repository.
	SourceID string

	// Title is the human-readable title.
	Title string

	// Authors is the ordered author list.
	Authors []string

	// Abstract is the optional paper abstract.
	Abstract string

	// URL is the canonical landing page, if known.
	URL string

	// PublishedDate is when the paper was published, if known.
	PublishedDate *time.Time

	// IngestedAt is when the document was last ingested.
	IngestedAt time.Time

	// RawTextRef locates the normalised raw text in the metadata store.
	RawTextRef string
}

// Ref returns the document's upstream reference.
func (d *Document) Ref() DocumentRef {
	return DocumentRef{SourceType: d.SourceType, SourceID: d.SourceID}
}

// Span is a half-open [Start, End) range of rune offsets into a document's raw text.
type Span struct {
	Start int
	End   int
}

// Len returns the number of runes covered by the span.
func (s Span) Len() int {
	return s.End - s.Start
}

// ChunkCandidate is a chunker output before it is embedded and identified.
type ChunkCandidate struct {
	SequenceIndex int
	Text          string
	Span          Span
}

// Chunk represents a retrievable window of one document.
// Chunks are created by ingestion and never mutated.
type Chunk struct {
	// ID is stable for the same document version.
	ID string

	// DocumentID links back to the parent Document.
	DocumentID string

	// SequenceIndex is the 0-based ordinal position within the document.
	SequenceIndex int

	// Text is the chunk content.
	Text string

	// Span locates the text in the raw document.
	Span Span

	// Vector is the embedding. Only populated during ingestion.
	Vector []float32
}

// IngestResult reports a successful ingestion.
type IngestResult struct {
	DocumentID string
	ChunkCount int

	// Replaced is the number of chunks superseded from a previous version.
	Replaced int
}

// DocumentSummary is the list view of an ingested document.
type DocumentSummary struct {
	ID         string
	SourceType SourceType
	Title      string
	Authors    []string
	ChunkCount int
	IngestedAt time.Time
}
