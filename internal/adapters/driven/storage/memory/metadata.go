package memory

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"sync"

	"github.com/custodia-labs/sercha-kb/internal/core/domain"
	"github.com/custodia-labs/sercha-kb/internal/core/ports/driven"
)

// Ensure MetadataStore implements the interface.
var _ driven.MetadataStore = (*MetadataStore)(nil)

// MetadataStore is an in-memory implementation of driven.MetadataStore for testing.
type MetadataStore struct {
	mu        sync.RWMutex
	documents map[string]domain.Document
	chunks    map[string]domain.Chunk
	rawTexts  map[string]string
}

// NewMetadataStore creates a new in-memory metadata store.
func NewMetadataStore() *MetadataStore {
	return &MetadataStore{
		documents: make(map[string]domain.Document),
		chunks:    make(map[string]domain.Chunk),
		rawTexts:  make(map[string]string),
	}
}

// Apply performs a batch of writes under one lock.
func (s *MetadataStore) Apply(ctx context.Context, batch driven.MetadataBatch) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, id := range batch.DeleteChunkIDs {
		delete(s.chunks, id)
	}
	if batch.DeleteDocumentID != "" {
		s.deleteDocument(batch.DeleteDocumentID)
	}
	if batch.Document != nil {
		if batch.Document.RawTextRef != "" && batch.RawText != "" {
			if _, ok := s.rawTexts[batch.Document.RawTextRef]; !ok {
				s.rawTexts[batch.Document.RawTextRef] = batch.RawText
			}
		}
		doc := *batch.Document
		doc.Authors = append([]string(nil), doc.Authors...)
		s.documents[doc.ID] = doc
	}
	for _, c := range batch.Chunks {
		c.Vector = nil
		s.chunks[c.ID] = c
	}
	return nil
}

func (s *MetadataStore) deleteDocument(id string) {
	for cid, c := range s.chunks {
		if c.DocumentID == id {
			delete(s.chunks, cid)
		}
	}
	delete(s.documents, id)
	s.pruneLocked()
}

func (s *MetadataStore) pruneLocked() int {
	referenced := make(map[string]bool, len(s.documents))
	for _, d := range s.documents {
		referenced[d.RawTextRef] = true
	}
	n := 0
	for ref := range s.rawTexts {
		if !referenced[ref] {
			delete(s.rawTexts, ref)
			n++
		}
	}
	return n
}

// PutChunks stores chunk metadata.
func (s *MetadataStore) PutChunks(ctx context.Context, chunks []domain.Chunk) error {
	return s.Apply(ctx, driven.MetadataBatch{Chunks: chunks})
}

// DeleteChunks removes chunk metadata.
func (s *MetadataStore) DeleteChunks(ctx context.Context, ids []string) error {
	return s.Apply(ctx, driven.MetadataBatch{DeleteChunkIDs: ids})
}

// PutDocument stores or replaces a document record.
func (s *MetadataStore) PutDocument(ctx context.Context, doc *domain.Document) error {
	return s.Apply(ctx, driven.MetadataBatch{Document: doc})
}

// DeleteDocument removes a document and its chunks.
func (s *MetadataStore) DeleteDocument(ctx context.Context, id string) error {
	return s.Apply(ctx, driven.MetadataBatch{DeleteDocumentID: id})
}

// GetChunks returns the chunks that exist.
func (s *MetadataStore) GetChunks(_ context.Context, ids []string) (map[string]domain.Chunk, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]domain.Chunk, len(ids))
	for _, id := range ids {
		if c, ok := s.chunks[id]; ok {
			out[id] = c
		}
	}
	return out, nil
}

// ChunkIDsForDocument returns a document's chunk ids in sequence order.
func (s *MetadataStore) ChunkIDsForDocument(_ context.Context, documentID string) ([]string, error) {
	s.mu.RLock()
	var chunks []domain.Chunk
	for _, c := range s.chunks {
		if c.DocumentID == documentID {
			chunks = append(chunks, c)
		}
	}
	s.mu.RUnlock()

	sort.Slice(chunks, func(i, j int) bool {
		if chunks[i].SequenceIndex != chunks[j].SequenceIndex {
			return chunks[i].SequenceIndex < chunks[j].SequenceIndex
		}
		return chunks[i].ID < chunks[j].ID
	})
	ids := make([]string, len(chunks))
	for i, c := range chunks {
		ids[i] = c.ID
	}
	return ids, nil
}

// AllChunkIDs returns every stored chunk id in ascending order.
func (s *MetadataStore) AllChunkIDs(_ context.Context) ([]string, error) {
	s.mu.RLock()
	ids := make([]string, 0, len(s.chunks))
	for id := range s.chunks {
		ids = append(ids, id)
	}
	s.mu.RUnlock()
	sort.Strings(ids)
	return ids, nil
}

// GetDocument retrieves a document by ID.
func (s *MetadataStore) GetDocument(_ context.Context, id string) (*domain.Document, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	doc, ok := s.documents[id]
	if !ok {
		return nil, domain.ErrNotFound
	}
	return &doc, nil
}

// GetDocuments returns the documents that exist.
func (s *MetadataStore) GetDocuments(_ context.Context, ids []string) (map[string]*domain.Document, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]*domain.Document, len(ids))
	for _, id := range ids {
		if doc, ok := s.documents[id]; ok {
			out[id] = &doc
		}
	}
	return out, nil
}

// ListDocuments returns summaries, newest first.
func (s *MetadataStore) ListDocuments(_ context.Context) ([]domain.DocumentSummary, error) {
	s.mu.RLock()
	counts := make(map[string]int, len(s.documents))
	for _, c := range s.chunks {
		counts[c.DocumentID]++
	}
	out := make([]domain.DocumentSummary, 0, len(s.documents))
	for _, d := range s.documents {
		out = append(out, domain.DocumentSummary{
			ID:         d.ID,
			SourceType: d.SourceType,
			Title:      d.Title,
			Authors:    d.Authors,
			ChunkCount: counts[d.ID],
			IngestedAt: d.IngestedAt,
		})
	}
	s.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if !out[i].IngestedAt.Equal(out[j].IngestedAt) {
			return out[i].IngestedAt.After(out[j].IngestedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

// GetRawText retrieves raw text by reference.
func (s *MetadataStore) GetRawText(_ context.Context, ref string) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	text, ok := s.rawTexts[ref]
	if !ok {
		return "", domain.ErrNotFound
	}
	return text, nil
}

// PruneRawText removes raw text no document references.
func (s *MetadataStore) PruneRawText(_ context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pruneLocked(), nil
}

// Counts returns the number of documents and chunks.
func (s *MetadataStore) Counts(_ context.Context) (int, int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.documents), len(s.chunks), nil
}

type storeImage struct {
	Documents map[string]domain.Document
	Chunks    map[string]domain.Chunk
	RawTexts  map[string]string
}

// Save writes the store contents to path as JSON.
func (s *MetadataStore) Save(_ context.Context, path string) error {
	s.mu.RLock()
	data, err := json.Marshal(storeImage{s.documents, s.chunks, s.rawTexts})
	s.mu.RUnlock()
	if err != nil {
		return fmt.Errorf("encoding store: %w", err)
	}
	return os.WriteFile(path, data, 0600)
}

// Restore replaces the store contents with a file written by Save.
func (s *MetadataStore) Restore(_ context.Context, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("reading store: %w", err)
	}
	var img storeImage
	if err := json.Unmarshal(data, &img); err != nil {
		return fmt.Errorf("decoding store: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.documents = nonNilMap(img.Documents)
	s.chunks = nonNilMap(img.Chunks)
	s.rawTexts = nonNilMap(img.RawTexts)
	return nil
}

func nonNilMap[V any](m map[string]V) map[string]V {
	if m == nil {
		return make(map[string]V)
	}
	return m
}

// Close is a no-op.
func (s *MetadataStore) Close() error {
	return nil
}
