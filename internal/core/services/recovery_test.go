package services

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/custodia-labs/sercha-kb/internal/adapters/driven/storage/memory"
	"github.com/custodia-labs/sercha-kb/internal/core/domain"
	"github.com/custodia-labs/sercha-kb/internal/core/ports/driven"
)

// failUndo makes every metadata write without chunks fail, which is how
// the engine restores a previous version.
func failUndo(_ int, batch driven.MetadataBatch) error {
	if len(batch.Chunks) == 0 {
		return errors.New("process killed")
	}
	return nil
}

func TestRecovery_RollsCommittedIngestForward(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	doc := paper("2402.00001", "Versioned")
	h.ingest(t, doc, threeParagraphs())

	// The index commit is durable but the process dies before the intent is
	// marked and the superseded metadata is removed.
	h.intents.failCommit = true
	h.meta.failDeletes = errors.New("process killed")
	doc.Title = "Second"
	h.ingest(t, doc, paragraph("beta", 300))
	h.intents.failCommit = false
	h.meta.failDeletes = nil

	pending, err := h.intents.Pending(ctx)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	all, err := h.meta.AllChunkIDs(ctx)
	require.NoError(t, err)
	assert.Len(t, all, 4)

	h.reopen(t, testConfig())

	h.assertConsistent(t)
	ids, err := h.meta.ChunkIDsForDocument(ctx, "arxiv:2402.00001")
	require.NoError(t, err)
	assert.Equal(t, pending[0].NewChunkIDs, ids)
	got, err := h.engine.GetDocument(ctx, "arxiv:2402.00001")
	require.NoError(t, err)
	assert.Equal(t, "Second", got.Title)

	state, ok := h.intents.State(pending[0].TxnID)
	require.True(t, ok)
	assert.Equal(t, domain.IntentCommitted, state)
	assert.InDelta(t, 1, testutil.ToFloat64(h.metrics.Recovered.WithLabelValues(recoveredForward)), 0)
}

func TestRecovery_RollsUncommittedIngestBack(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	doc := paper("2402.00002", "First")
	h.ingest(t, doc, threeParagraphs())
	before, err := h.meta.ChunkIDsForDocument(ctx, "arxiv:2402.00002")
	require.NoError(t, err)

	// Metadata is written, then the process dies before the index commit.
	h.index.stageErr = errors.New("process killed")
	h.meta.failApply = failUndo
	doc.Title = "Second"
	_, err = h.engine.IngestText(ctx, doc, paragraph("beta", 300))
	require.Error(t, err)
	h.meta.failApply = nil

	got, err := h.meta.GetDocument(ctx, "arxiv:2402.00002")
	require.NoError(t, err)
	require.Equal(t, "Second", got.Title)

	h.reopen(t, testConfig())

	h.assertConsistent(t)
	got, err = h.engine.GetDocument(ctx, "arxiv:2402.00002")
	require.NoError(t, err)
	assert.Equal(t, "First", got.Title)
	after, err := h.meta.ChunkIDsForDocument(ctx, "arxiv:2402.00002")
	require.NoError(t, err)
	assert.Equal(t, before, after)

	raw, err := h.engine.GetRawText(ctx, "arxiv:2402.00002")
	require.NoError(t, err)
	assert.Equal(t, threeParagraphs(), raw)
	assert.InDelta(t, 1, testutil.ToFloat64(h.metrics.Recovered.WithLabelValues(recoveredBack)), 0)
}

func TestRecovery_FirstIngestWithoutIndexFile(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	h.index.stageErr = errors.New("process killed")
	h.meta.failApply = failUndo
	_, err := h.engine.IngestText(ctx, paper("2402.00003", "Never Indexed"), "alpha")
	require.Error(t, err)
	h.meta.failApply = nil
	require.NoError(t, os.Remove(filepath.Join(h.dir, IndexFile)))

	h.reopen(t, testConfig())

	h.assertConsistent(t)
	_, err = h.engine.GetDocument(ctx, "arxiv:2402.00003")
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestRecovery_SweepsOrphans(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.ingest(t, paper("2402.00004", "Kept"), "alpha beta")

	require.NoError(t, h.index.Insert(ctx, "orphan-vector", topicVector("gamma")))
	_, err := h.index.Save(filepath.Join(h.dir, IndexFile))
	require.NoError(t, err)
	require.NoError(t, h.meta.PutChunks(ctx, []domain.Chunk{{
		ID:         "orphan-chunk",
		DocumentID: "arxiv:2402.00004",
		Text:       "lost",
	}}))
	require.NoError(t, h.meta.PutDocument(ctx, &domain.Document{
		ID:         "arxiv:2402.00005",
		SourceType: domain.SourceTypeArxiv,
		SourceID:   "2402.00005",
		Title:      "Empty",
	}))

	h.reopen(t, testConfig())

	h.assertConsistent(t)
	assert.False(t, h.index.Contains("orphan-vector"))
	chunks, err := h.meta.GetChunks(ctx, []string{"orphan-chunk"})
	require.NoError(t, err)
	assert.Empty(t, chunks)
	_, err = h.meta.GetDocument(ctx, "arxiv:2402.00005")
	assert.ErrorIs(t, err, domain.ErrNotFound)
	_, err = h.meta.GetDocument(ctx, "arxiv:2402.00004")
	require.NoError(t, err)

	assert.InDelta(t, 1, testutil.ToFloat64(h.metrics.Recovered.WithLabelValues(recoveredOrphanVector)), 0)
	assert.InDelta(t, 1, testutil.ToFloat64(h.metrics.Recovered.WithLabelValues(recoveredOrphanChunk)), 0)
	assert.InDelta(t, 1, testutil.ToFloat64(h.metrics.Recovered.WithLabelValues(recoveredEmptyDocument)), 0)
}

func TestRecovery_IsIdempotent(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.ingest(t, paper("2402.00006", "Steady"), threeParagraphs())

	h.reopen(t, testConfig())
	h.reopen(t, testConfig())

	h.assertConsistent(t)
	stats, err := h.engine.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, stats.ChunkCount)
	assert.Zero(t, testutil.ToFloat64(h.metrics.Recovered.WithLabelValues(recoveredForward)))
}

func TestOpen_RejectsHalfAPair(t *testing.T) {
	t.Run("index file missing", func(t *testing.T) {
		h := newHarness(t)
		h.ingest(t, paper("2402.00010", "Orphaned Metadata"), "alpha")
		require.NoError(t, os.Remove(filepath.Join(h.dir, IndexFile)))

		err := h.tryReopen(testConfig())

		assert.ErrorIs(t, err, domain.ErrIncompleteSnapshot)
	})

	t.Run("metadata missing", func(t *testing.T) {
		h := newHarness(t)
		h.ingest(t, paper("2402.00011", "Orphaned Vectors"), "alpha")
		h.meta = &flakyMetadata{MetadataStore: memory.NewMetadataStore()}
		h.intents = &flakyIntents{IntentLog: memory.NewIntentLog()}

		err := h.tryReopen(testConfig())

		assert.ErrorIs(t, err, domain.ErrIncompleteSnapshot)
	})

	t.Run("index older than metadata", func(t *testing.T) {
		h := newHarness(t)
		path := filepath.Join(h.dir, IndexFile)
		h.ingest(t, paper("2402.00012", "One"), "alpha")
		stale, err := os.ReadFile(path)
		require.NoError(t, err)
		h.ingest(t, paper("2402.00013", "Two"), "beta")
		require.NoError(t, os.WriteFile(path, stale, 0600))

		err = h.tryReopen(testConfig())

		assert.ErrorIs(t, err, domain.ErrIncompleteSnapshot)
	})

	t.Run("metric changed", func(t *testing.T) {
		h := newHarness(t)
		h.ingest(t, paper("2402.00014", "Cosine"), "alpha")
		cfg := testConfig()
		cfg.Metric = domain.MetricInnerProduct

		err := h.tryReopen(cfg)

		assert.ErrorIs(t, err, domain.ErrMetricMismatch)
	})

	t.Run("empty directory", func(t *testing.T) {
		h := newHarness(t)
		require.NoError(t, os.Remove(filepath.Join(h.dir, IndexFile)))

		assert.NoError(t, h.tryReopen(testConfig()))
	})
}
