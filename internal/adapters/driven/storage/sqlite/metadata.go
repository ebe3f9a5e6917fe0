package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/custodia-labs/sercha-kb/internal/core/domain"
	"github.com/custodia-labs/sercha-kb/internal/core/ports/driven"
)

// metadataStore implements driven.MetadataStore.
type metadataStore struct {
	store *Store
}

var _ driven.MetadataStore = (*metadataStore)(nil)

const documentColumns = `id, source_type, source_id, title, authors, abstract, url,
	published_date, ingested_at, raw_text_ref`

// Apply performs a batch of writes in one transaction.
// Deletes run before upserts so a batch can replace rows it removes.
func (s *metadataStore) Apply(ctx context.Context, batch driven.MetadataBatch) error {
	tx, err := s.store.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	if err := deleteChunks(ctx, tx, batch.DeleteChunkIDs); err != nil {
		return err
	}
	if batch.DeleteDocumentID != "" {
		if err := deleteDocument(ctx, tx, batch.DeleteDocumentID); err != nil {
			return err
		}
	}
	if batch.Document != nil && batch.Document.RawTextRef != "" && batch.RawText != "" {
		if _, err := tx.ExecContext(ctx,
			"INSERT OR IGNORE INTO raw_texts (ref, content) VALUES (?, ?)",
			batch.Document.RawTextRef, batch.RawText); err != nil {
			return fmt.Errorf("saving raw text: %w", err)
		}
	}
	if batch.Document != nil {
		if err := putDocument(ctx, tx, batch.Document); err != nil {
			return err
		}
	}
	if err := putChunks(ctx, tx, batch.Chunks); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing transaction: %w", err)
	}
	return nil
}

// PutChunks stores chunk metadata.
func (s *metadataStore) PutChunks(ctx context.Context, chunks []domain.Chunk) error {
	return s.Apply(ctx, driven.MetadataBatch{Chunks: chunks})
}

// DeleteChunks removes chunk metadata.
func (s *metadataStore) DeleteChunks(ctx context.Context, ids []string) error {
	return s.Apply(ctx, driven.MetadataBatch{DeleteChunkIDs: ids})
}

// PutDocument stores or replaces a document record.
func (s *metadataStore) PutDocument(ctx context.Context, doc *domain.Document) error {
	return s.Apply(ctx, driven.MetadataBatch{Document: doc})
}

// DeleteDocument removes a document, its chunks and unreferenced raw text.
func (s *metadataStore) DeleteDocument(ctx context.Context, id string) error {
	return s.Apply(ctx, driven.MetadataBatch{DeleteDocumentID: id})
}

// GetChunks returns the chunks that exist, keyed by id.
func (s *metadataStore) GetChunks(ctx context.Context, ids []string) (map[string]domain.Chunk, error) {
	out := make(map[string]domain.Chunk, len(ids))
	for _, group := range batches(ids) {
		rows, err := s.store.db.QueryContext(ctx, `
			SELECT id, document_id, sequence_index, content, span_start, span_end
			FROM chunks WHERE id IN (`+placeholders(len(group))+`)
		`, toArgs(group)...)
		if err != nil {
			return nil, fmt.Errorf("querying chunks: %w", err)
		}
		for rows.Next() {
			var c domain.Chunk
			if err := rows.Scan(&c.ID, &c.DocumentID, &c.SequenceIndex, &c.Text,
				&c.Span.Start, &c.Span.End); err != nil {
				rows.Close()
				return nil, fmt.Errorf("scanning chunk: %w", err)
			}
			out[c.ID] = c
		}
		if err := rows.Err(); err != nil {
			rows.Close()
			return nil, fmt.Errorf("iterating chunks: %w", err)
		}
		rows.Close()
	}
	return out, nil
}

// ChunkIDsForDocument returns a document's chunk ids in sequence order.
func (s *metadataStore) ChunkIDsForDocument(ctx context.Context, documentID string) ([]string, error) {
	rows, err := s.store.db.QueryContext(ctx,
		"SELECT id FROM chunks WHERE document_id = ? ORDER BY sequence_index, id", documentID)
	if err != nil {
		return nil, fmt.Errorf("querying chunk ids: %w", err)
	}
	return scanStrings(rows)
}

// AllChunkIDs returns every stored chunk id.
func (s *metadataStore) AllChunkIDs(ctx context.Context) ([]string, error) {
	rows, err := s.store.db.QueryContext(ctx, "SELECT id FROM chunks ORDER BY id")
	if err != nil {
		return nil, fmt.Errorf("querying chunk ids: %w", err)
	}
	return scanStrings(rows)
}

// GetDocument retrieves a document by ID.
func (s *metadataStore) GetDocument(ctx context.Context, id string) (*domain.Document, error) {
	row := s.store.db.QueryRowContext(ctx,
		"SELECT "+documentColumns+" FROM documents WHERE id = ?", id)
	doc, err := scanDocument(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrNotFound
	}
	return doc, err
}

// GetDocuments returns the documents that exist, keyed by id.
func (s *metadataStore) GetDocuments(ctx context.Context, ids []string) (map[string]*domain.Document, error) {
	out := make(map[string]*domain.Document, len(ids))
	for _, group := range batches(ids) {
		rows, err := s.store.db.QueryContext(ctx,
			"SELECT "+documentColumns+" FROM documents WHERE id IN ("+placeholders(len(group))+")",
			toArgs(group)...)
		if err != nil {
			return nil, fmt.Errorf("querying documents: %w", err)
		}
		for rows.Next() {
			doc, err := scanDocument(rows)
			if err != nil {
				rows.Close()
				return nil, err
			}
			out[doc.ID] = doc
		}
		if err := rows.Err(); err != nil {
			rows.Close()
			return nil, fmt.Errorf("iterating documents: %w", err)
		}
		rows.Close()
	}
	return out, nil
}

// ListDocuments returns summaries, newest first.
func (s *metadataStore) ListDocuments(ctx context.Context) ([]domain.DocumentSummary, error) {
	rows, err := s.store.db.QueryContext(ctx, `
		SELECT d.id, d.source_type, d.title, d.authors, d.ingested_at,
			(SELECT COUNT(*) FROM chunks c WHERE c.document_id = d.id)
		FROM documents d
		ORDER BY d.ingested_at DESC, d.id
	`)
	if err != nil {
		return nil, fmt.Errorf("querying documents: %w", err)
	}
	defer rows.Close()

	var docs []domain.DocumentSummary //nolint:prealloc // size unknown from query
	for rows.Next() {
		var d domain.DocumentSummary
		var authorsJSON string
		if err := rows.Scan(&d.ID, &d.SourceType, &d.Title, &authorsJSON,
			&d.IngestedAt, &d.ChunkCount); err != nil {
			return nil, fmt.Errorf("scanning document: %w", err)
		}
		if err := json.Unmarshal([]byte(authorsJSON), &d.Authors); err != nil {
			return nil, fmt.Errorf("unmarshalling authors: %w", err)
		}
		docs = append(docs, d)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating documents: %w", err)
	}
	return docs, nil
}

// GetRawText retrieves normalised raw text by reference.
func (s *metadataStore) GetRawText(ctx context.Context, ref string) (string, error) {
	var content string
	err := s.store.db.QueryRowContext(ctx,
		"SELECT content FROM raw_texts WHERE ref = ?", ref).Scan(&content)
	if errors.Is(err, sql.ErrNoRows) {
		return "", domain.ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("reading raw text: %w", err)
	}
	return content, nil
}

// PruneRawText removes raw text no document references.
func (s *metadataStore) PruneRawText(ctx context.Context) (int, error) {
	res, err := s.store.db.ExecContext(ctx, `
		DELETE FROM raw_texts
		WHERE ref NOT IN (SELECT raw_text_ref FROM documents)
	`)
	if err != nil {
		return 0, fmt.Errorf("pruning raw text: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("pruning raw text: %w", err)
	}
	return int(n), nil
}

// Counts returns the number of documents and chunks.
func (s *metadataStore) Counts(ctx context.Context) (int, int, error) {
	var docs, chunks int
	err := s.store.db.QueryRowContext(ctx,
		"SELECT (SELECT COUNT(*) FROM documents), (SELECT COUNT(*) FROM chunks)").Scan(&docs, &chunks)
	if err != nil {
		return 0, 0, fmt.Errorf("counting rows: %w", err)
	}
	return docs, chunks, nil
}

// Save writes a consistent copy of the database to path.
func (s *metadataStore) Save(ctx context.Context, path string) error {
	return s.store.Save(ctx, path)
}

// Restore replaces the store contents with a copy written by Save.
func (s *metadataStore) Restore(ctx context.Context, path string) error {
	return s.store.Restore(ctx, path)
}

// Close closes the underlying store.
func (s *metadataStore) Close() error {
	return s.store.Close()
}

func putDocument(ctx context.Context, tx *sql.Tx, doc *domain.Document) error {
	authors := doc.Authors
	if authors == nil {
		authors = []string{}
	}
	authorsJSON, err := json.Marshal(authors)
	if err != nil {
		return fmt.Errorf("marshalling authors: %w", err)
	}

	var published sql.NullTime
	if doc.PublishedDate != nil {
		published = sql.NullTime{Time: doc.PublishedDate.UTC(), Valid: true}
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO documents (`+documentColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			source_type = excluded.source_type,
			source_id = excluded.source_id,
			title = excluded.title,
			authors = excluded.authors,
			abstract = excluded.abstract,
			url = excluded.url,
			published_date = excluded.published_date,
			ingested_at = excluded.ingested_at,
			raw_text_ref = excluded.raw_text_ref
	`, doc.ID, string(doc.SourceType), doc.SourceID, doc.Title, string(authorsJSON),
		doc.Abstract, doc.URL, published, doc.IngestedAt.UTC(), doc.RawTextRef)
	if err != nil {
		return fmt.Errorf("saving document: %w", err)
	}
	return nil
}

func deleteDocument(ctx context.Context, tx *sql.Tx, id string) error {
	if _, err := tx.ExecContext(ctx, "DELETE FROM chunks WHERE document_id = ?", id); err != nil {
		return fmt.Errorf("deleting document chunks: %w", err)
	}
	if _, err := tx.ExecContext(ctx, "DELETE FROM documents WHERE id = ?", id); err != nil {
		return fmt.Errorf("deleting document: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `
		DELETE FROM raw_texts
		WHERE ref NOT IN (SELECT raw_text_ref FROM documents)
	`); err != nil {
		return fmt.Errorf("deleting raw text: %w", err)
	}
	return nil
}

func putChunks(ctx context.Context, tx *sql.Tx, chunks []domain.Chunk) error {
	if len(chunks) == 0 {
		return nil
	}

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO chunks (id, document_id, sequence_index, content, span_start, span_end)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			document_id = excluded.document_id,
			sequence_index = excluded.sequence_index,
			content = excluded.content,
			span_start = excluded.span_start,
			span_end = excluded.span_end
	`)
	if err != nil {
		return fmt.Errorf("preparing statement: %w", err)
	}
	defer stmt.Close()

	for _, c := range chunks {
		if _, err := stmt.ExecContext(ctx, c.ID, c.DocumentID, c.SequenceIndex, c.Text,
			c.Span.Start, c.Span.End); err != nil {
			return fmt.Errorf("saving chunk: %w", err)
		}
	}
	return nil
}

func deleteChunks(ctx context.Context, tx *sql.Tx, ids []string) error {
	for _, group := range batches(ids) {
		if _, err := tx.ExecContext(ctx,
			"DELETE FROM chunks WHERE id IN ("+placeholders(len(group))+")",
			toArgs(group)...); err != nil {
			return fmt.Errorf("deleting chunks: %w", err)
		}
	}
	return nil
}

// rowScanner is satisfied by *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

// scanDocument scans a single document row. sql.ErrNoRows is returned as is.
func scanDocument(row rowScanner) (*domain.Document, error) {
	var doc domain.Document
	var sourceType, authorsJSON string
	var published sql.NullTime

	if err := row.Scan(&doc.ID, &sourceType, &doc.SourceID, &doc.Title, &authorsJSON,
		&doc.Abstract, &doc.URL, &published, &doc.IngestedAt, &doc.RawTextRef); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("scanning document: %w", err)
	}

	doc.SourceType = domain.SourceType(sourceType)
	if err := json.Unmarshal([]byte(authorsJSON), &doc.Authors); err != nil {
		return nil, fmt.Errorf("unmarshalling authors: %w", err)
	}
	if published.Valid {
		t := published.Time
		doc.PublishedDate = &t
	}
	return &doc, nil
}

func scanStrings(rows *sql.Rows) ([]string, error) {
	defer rows.Close()
	var out []string //nolint:prealloc // size unknown from query
	for rows.Next() {
		var s string
		if err := rows.Scan(&s); err != nil {
			return nil, fmt.Errorf("scanning row: %w", err)
		}
		out = append(out, s)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating rows: %w", err)
	}
	return out, nil
}
