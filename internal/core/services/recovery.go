package services

import (
	"context"
	"fmt"

	"github.com/custodia-labs/sercha-kb/internal/core/domain"
	"github.com/custodia-labs/sercha-kb/internal/core/ports/driven"
	"github.com/custodia-labs/sercha-kb/internal/logger"
)

// Recovery actions, used as metric labels.
const (
	recoveredForward       = "forward"
	recoveredBack          = "back"
	recoveredOrphanVector  = "orphan_vector"
	recoveredOrphanChunk   = "orphan_chunk"
	recoveredEmptyDocument = "empty_document"
)

// reconcile finishes pending transactions, removes anything only one store
// knows about and persists the result. Callers hold the maintenance lock.
func (e *Engine) reconcile(ctx context.Context) error {
	pending, err := e.intents.Pending(ctx)
	if err != nil {
		return fmt.Errorf("reading intents: %w", err)
	}
	for _, in := range pending {
		if err := e.recoverIntent(ctx, in); err != nil {
			return fmt.Errorf("recovering transaction %s: %w", in.TxnID, err)
		}
	}

	if err := e.sweep(ctx); err != nil {
		return err
	}
	return e.persistIndex(ctx)
}

// recoverIntent decides from the loaded index whether a transaction reached
// its commit point, then rolls it forward or back. Both directions are
// idempotent.
func (e *Engine) recoverIntent(ctx context.Context, in domain.Intent) error {
	newOnly := difference(in.NewChunkIDs, in.OldChunkIDs)
	oldOnly := difference(in.OldChunkIDs, in.NewChunkIDs)
	removal := len(in.NewChunkIDs) == 0

	committed := true
	for _, id := range in.NewChunkIDs {
		if !e.index.Contains(id) {
			committed = false
			break
		}
	}
	for _, id := range oldOnly {
		if e.index.Contains(id) {
			committed = false
			break
		}
	}

	if committed {
		var batch driven.MetadataBatch
		if removal {
			batch.DeleteDocumentID = in.DocumentID
		} else {
			batch.DeleteChunkIDs = oldOnly
		}
		if err := e.meta.Apply(ctx, batch); err != nil {
			return fmt.Errorf("finishing metadata: %w", err)
		}
		if err := e.intents.Commit(ctx, in.TxnID, e.index.Stats().Generation); err != nil {
			return fmt.Errorf("marking committed: %w", err)
		}
		e.metrics.Recovered.WithLabelValues(recoveredForward).Inc()
		logger.Info("Recovered %s: rolled %s forward", in.TxnID, in.DocumentID)
		return nil
	}

	// A removal touches metadata only after its commit point.
	if !removal {
		if err := e.meta.Apply(ctx, undoBatch(in.DocumentID, in.Previous, newOnly)); err != nil {
			return fmt.Errorf("restoring metadata: %w", err)
		}
		for _, id := range newOnly {
			if err := e.index.Delete(ctx, id); err != nil {
				return fmt.Errorf("removing vector: %w", err)
			}
		}
	}
	if err := e.intents.Rollback(ctx, in.TxnID); err != nil {
		return fmt.Errorf("marking rolled back: %w", err)
	}
	e.metrics.Recovered.WithLabelValues(recoveredBack).Inc()
	logger.Info("Recovered %s: rolled %s back", in.TxnID, in.DocumentID)
	return nil
}

// sweep enforces that a chunk id is live in the index exactly when its
// metadata exists, and drops documents left without chunks.
func (e *Engine) sweep(ctx context.Context) error {
	metaIDs, err := e.meta.AllChunkIDs(ctx)
	if err != nil {
		return fmt.Errorf("listing chunks: %w", err)
	}
	inMeta := make(map[string]bool, len(metaIDs))
	for _, id := range metaIDs {
		inMeta[id] = true
	}

	for _, id := range e.index.LiveIDs() {
		if inMeta[id] {
			delete(inMeta, id)
			continue
		}
		if err := e.index.Delete(ctx, id); err != nil {
			return fmt.Errorf("removing orphan vector: %w", err)
		}
		e.metrics.Recovered.WithLabelValues(recoveredOrphanVector).Inc()
		logger.Warn("Removed vector %s with no metadata", id)
	}

	if len(inMeta) > 0 {
		orphans := make([]string, 0, len(inMeta))
		for id := range inMeta {
			orphans = append(orphans, id)
		}
		if err := e.meta.DeleteChunks(ctx, orphans); err != nil {
			return fmt.Errorf("removing orphan chunks: %w", err)
		}
		e.metrics.Recovered.WithLabelValues(recoveredOrphanChunk).Add(float64(len(orphans)))
		logger.Warn("Removed %d chunks with no vector", len(orphans))
	}

	docs, err := e.meta.ListDocuments(ctx)
	if err != nil {
		return fmt.Errorf("listing documents: %w", err)
	}
	for _, d := range docs {
		if d.ChunkCount > 0 {
			continue
		}
		if err := e.meta.DeleteDocument(ctx, d.ID); err != nil {
			return fmt.Errorf("removing empty document: %w", err)
		}
		e.metrics.Recovered.WithLabelValues(recoveredEmptyDocument).Inc()
		logger.Warn("Removed document %s with no chunks", d.ID)
	}

	if _, err := e.meta.PruneRawText(ctx); err != nil {
		return fmt.Errorf("pruning raw text: %w", err)
	}
	return nil
}
