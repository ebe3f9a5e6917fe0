package services

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/custodia-labs/sercha-kb/internal/core/domain"
	"github.com/custodia-labs/sercha-kb/internal/core/ports/driven"
	"github.com/custodia-labs/sercha-kb/internal/core/ports/driving"
	"github.com/custodia-labs/sercha-kb/internal/logger"
	"github.com/custodia-labs/sercha-kb/internal/metrics"
)

// Ensure Engine implements the interfaces.
var (
	_ driving.KnowledgeBase = (*Engine)(nil)
	_ driving.Maintenance   = (*Engine)(nil)
)

// IndexFile is the vector index file inside the data directory.
const IndexFile = "vectors.idx"

// Dependencies are the adapters an Engine is built from.
// Index, Metadata, Intents and Chunker are required.
type Dependencies struct {
	Embedder   driven.Embedder
	Generator  driven.Generator
	Index      driven.VectorIndex
	Metadata   driven.MetadataStore
	Intents    driven.IntentLog
	Fetcher    driven.SourceFetcher
	Prompts    driven.PromptStore
	Normaliser driven.Normaliser
	Chunker    driven.Chunker
	Metrics    *metrics.Metrics
}

// Engine is one knowledge base instance: a vector index and a metadata
// store kept consistent through a write-ahead intent log.
//
// Ingestion and removal of different documents run concurrently and share
// the maintenance lock; compaction, snapshots and restores hold it
// exclusively. Queries never take it.
type Engine struct {
	cfg     domain.EngineConfig
	dataDir string

	index      driven.VectorIndex
	meta       driven.MetadataStore
	intents    driven.IntentLog
	fetcher    driven.SourceFetcher
	prompts    driven.PromptStore
	generator  driven.Generator
	normaliser driven.Normaliser
	chunker    driven.Chunker
	metrics    *metrics.Metrics

	gateway   *EmbeddingGateway
	retriever *Retriever

	locks *documentLocks
	maint sync.RWMutex

	now func() time.Time
}

// NewEngine creates an engine over the given data directory.
// Call Open before serving requests.
func NewEngine(cfg domain.EngineConfig, dataDir string, deps Dependencies) (*Engine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	switch {
	case deps.Index == nil:
		return nil, fmt.Errorf("%w: vector index is required", domain.ErrInvalidInput)
	case deps.Metadata == nil:
		return nil, fmt.Errorf("%w: metadata store is required", domain.ErrInvalidInput)
	case deps.Intents == nil:
		return nil, fmt.Errorf("%w: intent log is required", domain.ErrInvalidInput)
	case deps.Chunker == nil:
		return nil, fmt.Errorf("%w: chunker is required", domain.ErrInvalidInput)
	}
	if dataDir == "" {
		return nil, fmt.Errorf("%w: data directory is required", domain.ErrInvalidInput)
	}

	stats := deps.Index.Stats()
	if stats.Dimension != cfg.Dimension {
		return nil, fmt.Errorf("%w: index has dimension %d, configured %d",
			domain.ErrDimensionMismatch, stats.Dimension, cfg.Dimension)
	}
	if stats.Metric != cfg.Metric {
		return nil, fmt.Errorf("%w: index uses %s, configured %s",
			domain.ErrMetricMismatch, stats.Metric, cfg.Metric)
	}

	m := deps.Metrics
	if m == nil {
		m = metrics.New()
	}

	gateway := NewEmbeddingGateway(deps.Embedder, cfg, m)
	return &Engine{
		cfg:        cfg,
		dataDir:    dataDir,
		index:      deps.Index,
		meta:       deps.Metadata,
		intents:    deps.Intents,
		fetcher:    deps.Fetcher,
		prompts:    deps.Prompts,
		generator:  deps.Generator,
		normaliser: deps.Normaliser,
		chunker:    deps.Chunker,
		metrics:    m,
		gateway:    gateway,
		retriever:  NewRetriever(gateway, deps.Index, deps.Metadata, cfg, m),
		locks:      newDocumentLocks(),
		now:        time.Now,
	}, nil
}

// Config returns the engine configuration.
func (e *Engine) Config() domain.EngineConfig {
	return e.cfg
}

// Metrics returns the engine's collectors.
func (e *Engine) Metrics() *metrics.Metrics {
	return e.metrics
}

func (e *Engine) indexPath() string {
	return filepath.Join(e.dataDir, IndexFile)
}

// Open loads the persisted index, finishes or undoes interrupted
// transactions and reconciles the two stores.
//
// Returns domain.ErrIncompleteSnapshot when only one half of the
// index/metadata pair exists, or when the index file is older than the
// last committed transaction.
func (e *Engine) Open(ctx context.Context) error {
	e.maint.Lock()
	defer e.maint.Unlock()

	logger.Section("Opening Knowledge Base")

	missing := false
	if err := e.index.Load(e.indexPath()); err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("loading vector index: %w", err)
		}
		missing = true
	}

	if err := e.checkPair(ctx, missing); err != nil {
		return err
	}
	if err := e.reconcile(ctx); err != nil {
		return err
	}

	docs, chunks, err := e.meta.Counts(ctx)
	if err != nil {
		return fmt.Errorf("counting metadata: %w", err)
	}
	logger.Info("Knowledge base open: %d documents, %d chunks", docs, chunks)
	return nil
}

// checkPair rejects a data directory holding only one side of the store pair.
func (e *Engine) checkPair(ctx context.Context, indexMissing bool) error {
	pending, err := e.intents.Pending(ctx)
	if err != nil {
		return fmt.Errorf("reading intents: %w", err)
	}
	inFlight := make(map[string]bool)
	for _, in := range pending {
		for _, id := range in.NewChunkIDs {
			inFlight[id] = true
		}
	}

	chunkIDs, err := e.meta.AllChunkIDs(ctx)
	if err != nil {
		return fmt.Errorf("listing chunks: %w", err)
	}
	settled := 0
	for _, id := range chunkIDs {
		if !inFlight[id] {
			settled++
		}
	}

	logGen, err := e.intents.Generation(ctx)
	if err != nil {
		return fmt.Errorf("reading generation: %w", err)
	}

	if indexMissing {
		if settled > 0 {
			return fmt.Errorf("%w: vector index missing but metadata holds %d chunks",
				domain.ErrIncompleteSnapshot, settled)
		}
		if logGen > 0 {
			return fmt.Errorf("%w: vector index missing at generation %d",
				domain.ErrIncompleteSnapshot, logGen)
		}
		return nil
	}

	stats := e.index.Stats()
	if stats.Live > 0 && len(chunkIDs) == 0 && len(pending) == 0 {
		return fmt.Errorf("%w: vector index holds %d vectors but metadata is empty",
			domain.ErrIncompleteSnapshot, stats.Live)
	}
	if stats.Generation < logGen {
		return fmt.Errorf("%w: vector index is at generation %d, last commit was %d",
			domain.ErrIncompleteSnapshot, stats.Generation, logGen)
	}
	return nil
}

// Close releases the stores.
func (e *Engine) Close() error {
	var errs []error
	if err := e.index.Close(); err != nil {
		errs = append(errs, fmt.Errorf("closing vector index: %w", err))
	}
	if err := e.meta.Close(); err != nil {
		errs = append(errs, fmt.Errorf("closing metadata store: %w", err))
	}
	return errors.Join(errs...)
}

// Stats reports document and chunk counts and index usage.
func (e *Engine) Stats(ctx context.Context) (*domain.Stats, error) {
	docs, chunks, err := e.meta.Counts(ctx)
	if err != nil {
		return nil, fmt.Errorf("counting metadata: %w", err)
	}
	vs := e.index.Stats()
	return &domain.Stats{
		DocumentCount: docs,
		ChunkCount:    chunks,
		IndexSlots:    vs.Slots,
		Tombstones:    vs.Tombstones,
		Dimension:     vs.Dimension,
		Metric:        vs.Metric,
		Generation:    vs.Generation,
	}, nil
}

// ListDocuments returns a summary of every ingested document, newest first.
func (e *Engine) ListDocuments(ctx context.Context) ([]domain.DocumentSummary, error) {
	docs, err := e.meta.ListDocuments(ctx)
	if err != nil {
		return nil, fmt.Errorf("listing documents: %w", err)
	}
	if docs == nil {
		docs = []domain.DocumentSummary{}
	}
	return docs, nil
}

// GetDocument returns a document record.
func (e *Engine) GetDocument(ctx context.Context, id string) (*domain.Document, error) {
	return e.meta.GetDocument(ctx, id)
}

// GetRawText returns the normalised text a document was chunked from.
func (e *Engine) GetRawText(ctx context.Context, id string) (string, error) {
	doc, err := e.meta.GetDocument(ctx, id)
	if err != nil {
		return "", err
	}
	return e.meta.GetRawText(ctx, doc.RawTextRef)
}

// Compact reclaims tombstoned vector slots and unreferenced raw text, then
// persists the index.
func (e *Engine) Compact(ctx context.Context) (int, error) {
	e.maint.Lock()
	defer e.maint.Unlock()

	freed, err := e.index.Compact(ctx)
	if err != nil {
		return 0, fmt.Errorf("compacting index: %w", err)
	}
	pruned, err := e.meta.PruneRawText(ctx)
	if err != nil {
		return 0, fmt.Errorf("pruning raw text: %w", err)
	}
	if err := e.persistIndex(ctx); err != nil {
		return 0, err
	}

	logger.Info("Compacted index: %d slots freed, %d raw texts pruned", freed, pruned)
	return freed, nil
}

// persistIndex saves the index and records its generation.
func (e *Engine) persistIndex(ctx context.Context) error {
	gen, err := e.index.Save(e.indexPath())
	if err != nil {
		return fmt.Errorf("saving vector index: %w", err)
	}
	if err := e.intents.SetGeneration(ctx, gen); err != nil {
		return fmt.Errorf("recording generation: %w", err)
	}
	e.observeIndex()
	return nil
}

func (e *Engine) observeIndex() {
	vs := e.index.Stats()
	e.metrics.IndexLive.Set(float64(vs.Live))
	e.metrics.IndexTombstones.Set(float64(vs.Tombstones))
}
