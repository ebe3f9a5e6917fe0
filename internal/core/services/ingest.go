package services

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/custodia-labs/sercha-kb/internal/core/domain"
	"github.com/custodia-labs/sercha-kb/internal/core/ports/driven"
	"github.com/custodia-labs/sercha-kb/internal/logger"
	"github.com/custodia-labs/sercha-kb/internal/metrics"
)

// chunkNamespace seeds name-based chunk ids.
var chunkNamespace = uuid.MustParse("5f0c3a52-8d2e-4f61-9b7a-2c4e1d6a9b30")

// chunkID derives a chunk id from its content and position, so the same
// document version always yields the same ids and equal ids imply equal rows.
func chunkID(documentID string, c domain.ChunkCandidate) string {
	name := strings.Join([]string{
		documentID,
		strconv.Itoa(c.SequenceIndex),
		strconv.Itoa(c.Span.Start),
		strconv.Itoa(c.Span.End),
		c.Text,
	}, "\x00")
	return uuid.NewSHA1(chunkNamespace, []byte(name)).String()
}

// rawTextRef content-addresses normalised text.
func rawTextRef(text string) string {
	sum := sha256.Sum256([]byte(text))
	return "sha256:" + hex.EncodeToString(sum[:])
}

// Ingest fetches a document by reference and indexes it.
// Fetch failures are returned to the caller; nothing is written.
func (e *Engine) Ingest(ctx context.Context, ref domain.DocumentRef) (*domain.IngestResult, error) {
	ref, err := ref.Normalise()
	if err != nil {
		return nil, err
	}
	if e.fetcher == nil {
		return nil, fmt.Errorf("%w: no source fetcher configured", domain.ErrInvalidInput)
	}

	logger.Debug("Fetching %s:%s", ref.SourceType, ref.SourceID)
	fetched, err := e.fetcher.Fetch(ctx, ref)
	if err != nil {
		e.metrics.IngestTotal.WithLabelValues(metrics.ResultError).Inc()
		return nil, fmt.Errorf("fetching %s:%s: %w", ref.SourceType, ref.SourceID, err)
	}

	doc := fetched.Document
	doc.SourceType = ref.SourceType
	doc.SourceID = ref.SourceID
	return e.IngestText(ctx, doc, fetched.RawText)
}

// IngestText indexes a document whose text is already extracted.
//
// Re-ingesting a document replaces its previous version as a whole. The
// new chunks become searchable and the old ones disappear in a single
// index commit; if any step fails the previous version stays in place.
func (e *Engine) IngestText(ctx context.Context, doc domain.Document, rawText string) (*domain.IngestResult, error) {
	start := time.Now()
	result := metrics.ResultError
	defer func() {
		e.metrics.IngestTotal.WithLabelValues(result).Inc()
		e.metrics.IngestDuration.Observe(time.Since(start).Seconds())
	}()

	ref, err := doc.Ref().Normalise()
	if err != nil {
		return nil, err
	}
	id, err := ref.DocumentID()
	if err != nil {
		return nil, err
	}
	doc.ID = id
	doc.SourceType = ref.SourceType
	doc.SourceID = ref.SourceID
	if strings.TrimSpace(doc.Title) == "" {
		doc.Title = id
	}

	text := rawText
	if e.normaliser != nil {
		text = e.normaliser.Normalise(rawText)
	}
	if strings.TrimSpace(text) == "" {
		return nil, fmt.Errorf("%w: document %s has no text", domain.ErrInvalidInput, id)
	}

	if !e.locks.tryLock(id) {
		result = metrics.ResultRejected
		return nil, fmt.Errorf("%w: %s", domain.ErrIngestionInProgress, id)
	}
	defer e.locks.unlock(id)

	e.maint.RLock()
	defer e.maint.RUnlock()

	logger.Section("Ingesting " + id)

	candidates := e.chunker.Chunk(text)
	if len(candidates) == 0 {
		return nil, fmt.Errorf("%w: document %s produced no chunks", domain.ErrInvalidInput, id)
	}
	texts := make([]string, len(candidates))
	for i, c := range candidates {
		texts[i] = c.Text
	}

	vectors, err := e.gateway.EmbedBatch(ctx, texts)
	if err != nil {
		return nil, fmt.Errorf("embedding %s: %w", id, err)
	}

	doc.RawTextRef = rawTextRef(text)
	doc.IngestedAt = e.now().UTC()

	chunks := make([]domain.Chunk, len(candidates))
	newIDs := make([]string, len(candidates))
	for i, c := range candidates {
		chunks[i] = domain.Chunk{
			ID:            chunkID(id, c),
			DocumentID:    id,
			SequenceIndex: c.SequenceIndex,
			Text:          c.Text,
			Span:          c.Span,
			Vector:        vectors[i],
		}
		newIDs[i] = chunks[i].ID
	}

	prev, err := e.meta.GetDocument(ctx, id)
	if err != nil && !errors.Is(err, domain.ErrNotFound) {
		return nil, fmt.Errorf("reading previous version: %w", err)
	}
	oldIDs, err := e.meta.ChunkIDsForDocument(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("reading previous chunks: %w", err)
	}

	txn := uuid.NewString()
	intent := &domain.Intent{
		TxnID:       txn,
		DocumentID:  id,
		NewChunkIDs: newIDs,
		OldChunkIDs: oldIDs,
		Previous:    prev,
	}
	if err := e.intents.Begin(ctx, intent); err != nil {
		return nil, fmt.Errorf("recording intent: %w", err)
	}

	w := &write{
		engine:  e,
		txn:     txn,
		doc:     doc,
		prev:    prev,
		newOnly: difference(newIDs, oldIDs),
		oldOnly: difference(oldIDs, newIDs),
	}
	if err := w.apply(ctx, text, chunks); err != nil {
		return nil, err
	}

	e.metrics.ChunksWritten.Add(float64(len(chunks)))
	result = metrics.ResultOK
	logger.Info("Ingested %s: %d chunks, %d superseded", id, len(chunks), len(oldIDs))

	return &domain.IngestResult{
		DocumentID: id,
		ChunkCount: len(chunks),
		Replaced:   len(oldIDs),
	}, nil
}

// write is one in-flight ingestion transaction.
type write struct {
	engine  *Engine
	txn     string
	doc     domain.Document
	prev    *domain.Document
	newOnly []string
	oldOnly []string
}

// apply performs the speculative writes in order: metadata, staged vectors,
// the index commit and the index snapshot. A failure at any step undoes the
// steps before it.
func (w *write) apply(ctx context.Context, text string, chunks []domain.Chunk) error {
	e := w.engine

	if err := e.meta.Apply(ctx, driven.MetadataBatch{
		RawText:  text,
		Document: &w.doc,
		Chunks:   chunks,
	}); err != nil {
		return w.fail(ctx, fmt.Errorf("writing metadata: %w", err), false, false)
	}

	entries := make([]driven.VectorEntry, len(chunks))
	for i, c := range chunks {
		entries[i] = driven.VectorEntry{ChunkID: c.ID, Vector: c.Vector}
	}
	if err := e.index.Stage(ctx, w.txn, entries); err != nil {
		return w.fail(ctx, fmt.Errorf("staging vectors: %w", err), true, false)
	}
	if err := e.index.Commit(ctx, w.txn, w.oldOnly); err != nil {
		return w.fail(ctx, fmt.Errorf("committing vectors: %w", err), true, false)
	}

	gen, err := e.index.Save(e.indexPath())
	if err != nil {
		return w.fail(ctx, fmt.Errorf("saving vector index: %w", err), true, true)
	}

	// From here the transaction is durable; recovery rolls it forward.
	if err := e.intents.Commit(ctx, w.txn, gen); err != nil {
		logger.Warn("Failed to mark intent %s committed: %v", w.txn, err)
	}
	if len(w.oldOnly) > 0 {
		if err := e.meta.DeleteChunks(ctx, w.oldOnly); err != nil {
			logger.Warn("Failed to remove %d superseded chunks of %s: %v", len(w.oldOnly), w.doc.ID, err)
		}
	}
	e.index.Release(w.txn)
	e.observeIndex()
	return nil
}

// fail undoes a partial write and returns cause.
// Undo runs even if ctx was cancelled.
func (w *write) fail(ctx context.Context, cause error, undoMetadata, committed bool) error {
	e := w.engine
	ctx = context.WithoutCancel(ctx)

	var errs []error
	if committed {
		if err := e.index.Revert(ctx, w.txn); err != nil {
			errs = append(errs, fmt.Errorf("reverting index: %w", err))
		}
	} else if err := e.index.Abort(ctx, w.txn); err != nil {
		errs = append(errs, fmt.Errorf("aborting index: %w", err))
	}
	e.index.Release(w.txn)

	if undoMetadata {
		if err := e.meta.Apply(ctx, w.undoBatch()); err != nil {
			errs = append(errs, fmt.Errorf("restoring metadata: %w", err))
		}
	}

	if len(errs) > 0 {
		// Leave the intent pending; recovery finishes the undo.
		logger.Error("Incomplete rollback of %s: %v", w.txn, errors.Join(errs...))
		return cause
	}
	if err := e.intents.Rollback(ctx, w.txn); err != nil {
		logger.Warn("Failed to mark intent %s rolled back: %v", w.txn, err)
	}
	logger.Warn("Rolled back ingestion of %s: %v", w.doc.ID, cause)
	return cause
}

// undoBatch restores the previous version's metadata.
func (w *write) undoBatch() driven.MetadataBatch {
	return undoBatch(w.doc.ID, w.prev, w.newOnly)
}

func undoBatch(documentID string, prev *domain.Document, newOnly []string) driven.MetadataBatch {
	if prev == nil {
		return driven.MetadataBatch{DeleteDocumentID: documentID}
	}
	return driven.MetadataBatch{Document: prev, DeleteChunkIDs: newOnly}
}

// Remove deletes a document and all of its chunks from both stores.
// The vectors disappear first, so a crash never leaves searchable chunks
// without metadata.
func (e *Engine) Remove(ctx context.Context, documentID string) error {
	ref, err := domain.ParseDocumentID(documentID)
	if err != nil {
		return err
	}
	id, err := ref.DocumentID()
	if err != nil {
		return err
	}

	if !e.locks.tryLock(id) {
		return fmt.Errorf("%w: %s", domain.ErrIngestionInProgress, id)
	}
	defer e.locks.unlock(id)

	e.maint.RLock()
	defer e.maint.RUnlock()

	prev, err := e.meta.GetDocument(ctx, id)
	if err != nil {
		return err
	}
	oldIDs, err := e.meta.ChunkIDsForDocument(ctx, id)
	if err != nil {
		return fmt.Errorf("reading chunks: %w", err)
	}

	txn := uuid.NewString()
	if err := e.intents.Begin(ctx, &domain.Intent{
		TxnID:       txn,
		DocumentID:  id,
		OldChunkIDs: oldIDs,
		Previous:    prev,
	}); err != nil {
		return fmt.Errorf("recording intent: %w", err)
	}

	undo := context.WithoutCancel(ctx)
	rollback := func(cause error, reverted bool) error {
		if reverted {
			if err := e.index.Revert(undo, txn); err != nil {
				logger.Error("Incomplete rollback of %s: %v", txn, err)
				e.index.Release(txn)
				return cause
			}
			if _, err := e.index.Save(e.indexPath()); err != nil {
				logger.Error("Incomplete rollback of %s: %v", txn, err)
				e.index.Release(txn)
				return cause
			}
		}
		e.index.Release(txn)
		if err := e.intents.Rollback(undo, txn); err != nil {
			logger.Warn("Failed to mark intent %s rolled back: %v", txn, err)
		}
		return cause
	}

	if err := e.index.Commit(ctx, txn, oldIDs); err != nil {
		return rollback(fmt.Errorf("removing vectors: %w", err), false)
	}
	gen, err := e.index.Save(e.indexPath())
	if err != nil {
		return rollback(fmt.Errorf("saving vector index: %w", err), true)
	}
	if err := e.meta.DeleteDocument(ctx, id); err != nil {
		return rollback(fmt.Errorf("deleting metadata: %w", err), true)
	}

	if err := e.intents.Commit(ctx, txn, gen); err != nil {
		logger.Warn("Failed to mark intent %s committed: %v", txn, err)
	}
	e.index.Release(txn)
	e.observeIndex()

	logger.Info("Removed %s: %d chunks", id, len(oldIDs))
	return nil
}

// difference returns the ids in a that are not in b, in a's order.
func difference(a, b []string) []string {
	drop := make(map[string]struct{}, len(b))
	for _, id := range b {
		drop[id] = struct{}{}
	}
	var out []string
	for _, id := range a {
		if _, ok := drop[id]; !ok {
			out = append(out, id)
		}
	}
	return out
}
