package services

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/custodia-labs/sercha-kb/internal/core/domain"
	"github.com/custodia-labs/sercha-kb/internal/core/ports/driven"
	"github.com/custodia-labs/sercha-kb/internal/metrics"
)

func threeParagraphs() string {
	return strings.Join([]string{
		paragraph("alpha", 400),
		paragraph("beta", 400),
		paragraph("gamma", 400),
	}, "\n\n")
}

func TestEngine_IngestText_ChunksOnParagraphBoundaries(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	text := threeParagraphs()
	require.Len(t, []rune(text), 1204)

	res := h.ingest(t, paper("2401.00001", "Three Topics"), text)

	assert.Equal(t, "arxiv:2401.00001", res.DocumentID)
	assert.Equal(t, 3, res.ChunkCount)
	assert.Zero(t, res.Replaced)

	ids, err := h.meta.ChunkIDsForDocument(ctx, res.DocumentID)
	require.NoError(t, err)
	chunks, err := h.meta.GetChunks(ctx, ids)
	require.NoError(t, err)

	want := []domain.Span{{Start: 0, End: 402}, {Start: 352, End: 804}, {Start: 754, End: 1204}}
	for i, id := range ids {
		c := chunks[id]
		assert.Equal(t, i, c.SequenceIndex)
		assert.Equal(t, want[i], c.Span)
		assert.Equal(t, text[c.Span.Start:c.Span.End], c.Text)
		assert.Nil(t, c.Vector)
	}
	h.assertConsistent(t)

	stats, err := h.engine.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.DocumentCount)
	assert.Equal(t, 3, stats.ChunkCount)
	assert.Equal(t, testDim, stats.Dimension)
	assert.Equal(t, domain.MetricCosine, stats.Metric)
	assert.Positive(t, stats.Generation)
	assert.InDelta(t, 3, testutil.ToFloat64(h.metrics.IndexLive), 0)
}

func TestEngine_IngestText_StoresDocumentAndRawText(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	h.engine.now = func() time.Time { return now }

	doc := paper(" arXiv:2401.00002 ", "", "Ada Lovelace")
	h.ingest(t, doc, "alpha beta")

	got, err := h.engine.GetDocument(ctx, "arxiv:2401.00002")
	require.NoError(t, err)
	assert.Equal(t, "arxiv:2401.00002", got.Title)
	assert.Equal(t, "2401.00002", got.SourceID)
	assert.Equal(t, []string{"Ada Lovelace"}, got.Authors)
	assert.Equal(t, now, got.IngestedAt)
	assert.True(t, strings.HasPrefix(got.RawTextRef, "sha256:"))

	raw, err := h.engine.GetRawText(ctx, "arxiv:2401.00002")
	require.NoError(t, err)
	assert.Equal(t, "alpha beta", raw)

	_, err = h.engine.GetRawText(ctx, "arxiv:9999.99999")
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestEngine_IngestText_RejectsInvalidInput(t *testing.T) {
	tests := []struct {
		name string
		doc  domain.Document
		text string
	}{
		{"unknown source type", domain.Document{SourceType: "isbn", SourceID: "123"}, "alpha"},
		{"malformed arxiv id", paper("not an id", "x"), "alpha"},
		{"malformed doi", domain.Document{SourceType: domain.SourceTypeDOI, SourceID: "nope"}, "alpha"},
		{"empty text", paper("2401.00003", "x"), ""},
		{"whitespace text", paper("2401.00003", "x"), " \n\t "},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t)

			_, err := h.engine.IngestText(context.Background(), tt.doc, tt.text)

			require.Error(t, err)
			assert.ErrorIs(t, err, domain.ErrInvalidInput)
			assert.Zero(t, h.embedder.callCount())
			docs, chunks, err := h.meta.Counts(context.Background())
			require.NoError(t, err)
			assert.Zero(t, docs)
			assert.Zero(t, chunks)
		})
	}
}

func TestEngine_Reingest_ReplacesPreviousVersion(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	doc := paper("2401.00004", "Evolving Paper")

	first := h.ingest(t, doc, threeParagraphs())
	second := h.ingest(t, doc, paragraph("beta", 300))

	assert.Equal(t, 1, second.ChunkCount)
	assert.Equal(t, first.ChunkCount, second.Replaced)

	alpha, err := h.engine.Search(ctx, "alpha", 5)
	require.NoError(t, err)
	assert.Empty(t, alpha)

	beta, err := h.engine.Search(ctx, "beta", 5)
	require.NoError(t, err)
	require.Len(t, beta, 1)
	assert.Equal(t, "arxiv:2401.00004", beta[0].DocumentID)

	stats, err := h.engine.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.DocumentCount)
	assert.Equal(t, 1, stats.ChunkCount)
	assert.Equal(t, 3, stats.Tombstones)
	h.assertConsistent(t)
}

func TestEngine_Reingest_SameTextKeepsChunkIDs(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	doc := paper("2401.00005", "Stable")

	h.ingest(t, doc, threeParagraphs())
	before, err := h.meta.ChunkIDsForDocument(ctx, "arxiv:2401.00005")
	require.NoError(t, err)

	res := h.ingest(t, doc, threeParagraphs())
	after, err := h.meta.ChunkIDsForDocument(ctx, "arxiv:2401.00005")
	require.NoError(t, err)

	assert.Equal(t, before, after)
	assert.Equal(t, 3, res.Replaced)
	h.assertConsistent(t)
}

func TestEngine_Ingest_EmbeddingFailureWritesNothing(t *testing.T) {
	h := newHarness(t, func(c *domain.EngineConfig) {
		c.EmbedBatchSize = 1
		c.EmbedMaxRetries = 1
	})
	ctx := context.Background()
	doc := paper("2401.00006", "Original")
	h.ingest(t, doc, paragraph("alpha", 300))

	// Only the last batch fails.
	h.embedder.failWhen = func(_ int, texts []string) error {
		if strings.Contains(texts[0], "gamma") {
			return errTransient
		}
		return nil
	}
	doc.Title = "Replacement"
	_, err := h.engine.IngestText(ctx, doc, threeParagraphs())

	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrEmbeddingUnavailable)

	got, err := h.engine.GetDocument(ctx, "arxiv:2401.00006")
	require.NoError(t, err)
	assert.Equal(t, "Original", got.Title)
	hits, err := h.engine.Search(ctx, "alpha", 5)
	require.NoError(t, err)
	assert.Len(t, hits, 1)
	h.assertConsistent(t)
	assert.InDelta(t, 1, testutil.ToFloat64(h.metrics.IngestTotal.WithLabelValues(metrics.ResultError)), 0)
}

func TestEngine_Ingest_MetadataFailureRollsBack(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	doc := paper("2401.00007", "Original")
	h.ingest(t, doc, paragraph("alpha", 300))

	h.meta.failApply = func(int, driven.MetadataBatch) error { return errors.New("database is locked") }
	doc.Title = "Replacement"
	_, err := h.engine.IngestText(ctx, doc, paragraph("beta", 300))
	h.meta.failApply = nil

	require.Error(t, err)
	assert.Contains(t, err.Error(), "database is locked")

	got, err := h.engine.GetDocument(ctx, "arxiv:2401.00007")
	require.NoError(t, err)
	assert.Equal(t, "Original", got.Title)
	stats, err := h.engine.Stats(ctx)
	require.NoError(t, err)
	assert.Zero(t, stats.Tombstones)
	h.assertConsistent(t)
}

func TestEngine_Ingest_IndexFailuresRollBack(t *testing.T) {
	tests := []struct {
		name   string
		inject func(x *flakyIndex)
	}{
		{"stage", func(x *flakyIndex) { x.stageErr = errors.New("out of memory") }},
		{"commit", func(x *flakyIndex) { x.commitErr = errors.New("commit refused") }},
		{"save", func(x *flakyIndex) { x.saveErr = errors.New("disk full") }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t)
			ctx := context.Background()
			doc := paper("2401.00008", "Original")
			h.ingest(t, doc, threeParagraphs())
			before, err := h.meta.ChunkIDsForDocument(ctx, "arxiv:2401.00008")
			require.NoError(t, err)

			tt.inject(h.index)
			doc.Title = "Replacement"
			_, err = h.engine.IngestText(ctx, doc, paragraph("beta", 300))
			require.Error(t, err)
			*h.index = flakyIndex{Index: h.index.Index}

			got, err := h.engine.GetDocument(ctx, "arxiv:2401.00008")
			require.NoError(t, err)
			assert.Equal(t, "Original", got.Title)
			after, err := h.meta.ChunkIDsForDocument(ctx, "arxiv:2401.00008")
			require.NoError(t, err)
			assert.Equal(t, before, after)
			h.assertConsistent(t)

			hits, err := h.engine.Search(ctx, "beta", 5)
			require.NoError(t, err)
			for _, hit := range hits {
				assert.Contains(t, before, hit.ChunkID)
			}

			// The previous version also survives a restart.
			h.reopen(t, testConfig())
			h.assertConsistent(t)
			reopened, err := h.meta.ChunkIDsForDocument(ctx, "arxiv:2401.00008")
			require.NoError(t, err)
			assert.Equal(t, before, reopened)
		})
	}
}

func TestEngine_Ingest_FirstVersionFailureLeavesNoDocument(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.index.saveErr = errors.New("disk full")

	_, err := h.engine.IngestText(ctx, paper("2401.00009", "Doomed"), "alpha")
	require.Error(t, err)

	_, err = h.engine.GetDocument(ctx, "arxiv:2401.00009")
	assert.ErrorIs(t, err, domain.ErrNotFound)
	assert.Empty(t, h.index.LiveIDs())
}

func TestEngine_Ingest_RejectsConcurrentIngestOfSameDocument(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.embedder.delay = 200 * time.Millisecond
	doc := paper("2401.00010", "Busy")

	var wg sync.WaitGroup
	var firstErr error
	wg.Add(1)
	go func() {
		defer wg.Done()
		_, firstErr = h.engine.IngestText(ctx, doc, "alpha")
	}()
	require.Eventually(t, func() bool { return h.embedder.callCount() > 0 }, time.Second, time.Millisecond)

	_, err := h.engine.IngestText(ctx, doc, "beta")
	assert.ErrorIs(t, err, domain.ErrIngestionInProgress)

	err = h.engine.Remove(ctx, "arxiv:2401.00010")
	assert.ErrorIs(t, err, domain.ErrIngestionInProgress)

	// Other documents are not blocked.
	_, err = h.engine.IngestText(ctx, paper("2401.00011", "Other"), "gamma")
	require.NoError(t, err)

	wg.Wait()
	require.NoError(t, firstErr)
	assert.InDelta(t, 1, testutil.ToFloat64(h.metrics.IngestTotal.WithLabelValues(metrics.ResultRejected)), 0)
	h.assertConsistent(t)
}

func TestEngine_Ingest_ConcurrentDocuments(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	ids := []string{"2401.00020", "2401.00021", "2401.00022", "2401.00023", "2401.00024"}
	var wg sync.WaitGroup
	errs := make([]error, len(ids))
	for i, id := range ids {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, errs[i] = h.engine.IngestText(ctx, paper(id, "Paper "+id), threeParagraphs())
		}()
	}
	wg.Wait()

	for _, err := range errs {
		require.NoError(t, err)
	}
	stats, err := h.engine.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, len(ids), stats.DocumentCount)
	assert.Equal(t, 3*len(ids), stats.ChunkCount)
	h.assertConsistent(t)
}

func TestEngine_Ingest_ThroughFetcher(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.fetcher.docs["arxiv:2401.00030"] = driven.FetchedDocument{
		Document: domain.Document{Title: "Fetched", Authors: []string{"Grace Hopper"}},
		RawText:  "alpha gamma",
	}

	res, err := h.engine.Ingest(ctx, domain.DocumentRef{
		SourceType: domain.SourceTypeArxiv,
		SourceID:   "https://arxiv.org/abs/2401.00030",
	})

	require.NoError(t, err)
	assert.Equal(t, "arxiv:2401.00030", res.DocumentID)
	got, err := h.engine.GetDocument(ctx, res.DocumentID)
	require.NoError(t, err)
	assert.Equal(t, "Fetched", got.Title)
	assert.Equal(t, domain.SourceTypeArxiv, got.SourceType)
}

func TestEngine_Ingest_FetchFailure(t *testing.T) {
	h := newHarness(t)

	_, err := h.engine.Ingest(context.Background(), domain.DocumentRef{
		SourceType: domain.SourceTypeArxiv,
		SourceID:   "2401.99999",
	})

	assert.ErrorIs(t, err, domain.ErrNotFound)
	assert.Zero(t, h.embedder.callCount())
}

func TestEngine_Ingest_NoFetcher(t *testing.T) {
	h := newHarness(t)
	h.engine.fetcher = nil

	_, err := h.engine.Ingest(context.Background(), domain.DocumentRef{
		SourceType: domain.SourceTypeArxiv,
		SourceID:   "2401.00031",
	})

	assert.ErrorIs(t, err, domain.ErrInvalidInput)
}

func TestEngine_Remove(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.ingest(t, paper("2401.00040", "Keep"), paragraph("alpha", 200))
	h.ingest(t, paper("2401.00041", "Drop"), threeParagraphs())

	require.NoError(t, h.engine.Remove(ctx, "arxiv:2401.00041"))

	_, err := h.engine.GetDocument(ctx, "arxiv:2401.00041")
	assert.ErrorIs(t, err, domain.ErrNotFound)
	docs, err := h.engine.ListDocuments(ctx)
	require.NoError(t, err)
	require.Len(t, docs, 1)
	assert.Equal(t, "arxiv:2401.00040", docs[0].ID)
	h.assertConsistent(t)

	hits, err := h.engine.Search(ctx, "gamma", 5)
	require.NoError(t, err)
	assert.Empty(t, hits)

	h.reopen(t, testConfig())
	h.assertConsistent(t)
	assert.Len(t, h.index.LiveIDs(), 1)
}

func TestEngine_Remove_Errors(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	assert.ErrorIs(t, h.engine.Remove(ctx, "arxiv:2401.00042"), domain.ErrNotFound)
	assert.ErrorIs(t, h.engine.Remove(ctx, "no-colon"), domain.ErrInvalidInput)
}

func TestEngine_Remove_SaveFailureKeepsDocument(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.ingest(t, paper("2401.00043", "Sticky"), threeParagraphs())

	h.index.saveErr = errors.New("disk full")
	err := h.engine.Remove(ctx, "arxiv:2401.00043")
	h.index.saveErr = nil

	require.Error(t, err)
	_, err = h.engine.GetDocument(ctx, "arxiv:2401.00043")
	require.NoError(t, err)
	assert.Len(t, h.index.LiveIDs(), 3)

	// The undo could not be persisted either, so recovery settles it.
	pending, err := h.intents.Pending(ctx)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Empty(t, pending[0].NewChunkIDs)

	h.reopen(t, testConfig())
	h.assertConsistent(t)
	_, err = h.engine.GetDocument(ctx, "arxiv:2401.00043")
	require.NoError(t, err)
	assert.InDelta(t, 1, testutil.ToFloat64(h.metrics.Recovered.WithLabelValues(recoveredBack)), 0)
}

func TestEngine_ListDocuments_Empty(t *testing.T) {
	h := newHarness(t)

	docs, err := h.engine.ListDocuments(context.Background())

	require.NoError(t, err)
	assert.NotNil(t, docs)
	assert.Empty(t, docs)
}

func TestEngine_Compact(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	doc := paper("2401.00050", "Churn")
	h.ingest(t, doc, threeParagraphs())
	h.ingest(t, doc, paragraph("beta", 300))

	freed, err := h.engine.Compact(ctx)

	require.NoError(t, err)
	assert.Equal(t, 3, freed)
	stats, err := h.engine.Stats(ctx)
	require.NoError(t, err)
	assert.Zero(t, stats.Tombstones)
	assert.Equal(t, 1, stats.IndexSlots)

	hits, err := h.engine.Search(ctx, "beta", 5)
	require.NoError(t, err)
	assert.Len(t, hits, 1)

	h.reopen(t, testConfig())
	h.assertConsistent(t)
}

func TestNewEngine_Validation(t *testing.T) {
	h := newHarness(t)
	deps := Dependencies{
		Index:    h.index,
		Metadata: h.meta,
		Intents:  h.intents,
		Chunker:  h.engine.chunker,
	}

	t.Run("valid", func(t *testing.T) {
		_, err := NewEngine(testConfig(), t.TempDir(), deps)
		require.NoError(t, err)
	})

	t.Run("missing index", func(t *testing.T) {
		d := deps
		d.Index = nil
		_, err := NewEngine(testConfig(), t.TempDir(), d)
		assert.ErrorIs(t, err, domain.ErrInvalidInput)
	})

	t.Run("missing data directory", func(t *testing.T) {
		_, err := NewEngine(testConfig(), "", deps)
		assert.ErrorIs(t, err, domain.ErrInvalidInput)
	})

	t.Run("invalid config", func(t *testing.T) {
		cfg := testConfig()
		cfg.ChunkOverlap = cfg.ChunkSize
		_, err := NewEngine(cfg, t.TempDir(), deps)
		assert.ErrorIs(t, err, domain.ErrInvalidInput)
	})

	t.Run("dimension mismatch", func(t *testing.T) {
		cfg := testConfig()
		cfg.Dimension = 8
		_, err := NewEngine(cfg, t.TempDir(), deps)
		assert.ErrorIs(t, err, domain.ErrDimensionMismatch)
	})

	t.Run("metric mismatch", func(t *testing.T) {
		cfg := testConfig()
		cfg.Metric = domain.MetricInnerProduct
		_, err := NewEngine(cfg, t.TempDir(), deps)
		assert.ErrorIs(t, err, domain.ErrMetricMismatch)
	})
}

func TestEngine_Close(t *testing.T) {
	h := newHarness(t)

	assert.NoError(t, h.engine.Close())
}
