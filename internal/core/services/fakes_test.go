package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/custodia-labs/sercha-kb/internal/adapters/driven/storage/memory"
	"github.com/custodia-labs/sercha-kb/internal/adapters/driven/vector/arena"
	"github.com/custodia-labs/sercha-kb/internal/core/domain"
	"github.com/custodia-labs/sercha-kb/internal/core/ports/driven"
	"github.com/custodia-labs/sercha-kb/internal/metrics"
	"github.com/custodia-labs/sercha-kb/internal/postprocessors/chunker"
)

const testDim = 4

// topics are the features of the test embedding space.
var topics = []string{"alpha", "beta", "gamma"}

// topicVector counts topic words. The last component keeps unrelated text
// from being a zero vector while scoring it near zero against any topic.
func topicVector(text string) []float32 {
	lower := strings.ToLower(text)
	v := make([]float32, testDim)
	for i, t := range topics {
		v[i] = float32(strings.Count(lower, t))
	}
	v[testDim-1] = 0.05
	return v
}

var errTransient = errors.New("connection reset")

// fakeEmbedder embeds with topicVector. Hooks inject failures.
type fakeEmbedder struct {
	mu       sync.Mutex
	calls    int
	batches  [][]string
	failWhen func(call int, texts []string) error
	mutate   func(vectors [][]float32) [][]float32
	delay    time.Duration
}

func (f *fakeEmbedder) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	f.mu.Lock()
	f.calls++
	call := f.calls
	f.batches = append(f.batches, append([]string(nil), texts...))
	failWhen, mutate, delay := f.failWhen, f.mutate, f.delay
	f.mu.Unlock()

	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if failWhen != nil {
		if err := failWhen(call, texts); err != nil {
			return nil, err
		}
	}

	out := make([][]float32, len(texts))
	for i, t := range texts {
		out[i] = topicVector(t)
	}
	if mutate != nil {
		out = mutate(out)
	}
	return out, nil
}

func (f *fakeEmbedder) EmbedQuery(ctx context.Context, text string) ([]float32, error) {
	v, err := f.Embed(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	return v[0], nil
}

func (f *fakeEmbedder) Dimensions() int              { return testDim }
func (f *fakeEmbedder) ModelName() string            { return "topics" }
func (f *fakeEmbedder) Ping(_ context.Context) error { return nil }
func (f *fakeEmbedder) Close() error                 { return nil }

func (f *fakeEmbedder) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

// fakeGenerator records prompts and returns a fixed reply.
type fakeGenerator struct {
	mu      sync.Mutex
	prompts []string
	opts    []driven.GenerateOptions
	reply   string
	err     error
}

func (g *fakeGenerator) Generate(_ context.Context, prompt string, opts driven.GenerateOptions) (string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.prompts = append(g.prompts, prompt)
	g.opts = append(g.opts, opts)
	if g.err != nil {
		return "", g.err
	}
	return g.reply, nil
}

func (g *fakeGenerator) ModelName() string            { return "fake" }
func (g *fakeGenerator) Ping(_ context.Context) error { return nil }
func (g *fakeGenerator) Close() error                 { return nil }

func (g *fakeGenerator) lastPrompt() string {
	g.mu.Lock()
	defer g.mu.Unlock()
	if len(g.prompts) == 0 {
		return ""
	}
	return g.prompts[len(g.prompts)-1]
}

// fakePrompts serves templates with the same placeholders as the defaults.
type fakePrompts struct{}

func (fakePrompts) Load(name string) (string, error) {
	switch name {
	case driven.PromptSystem:
		return "You are a research assistant.", nil
	case driven.PromptAnswer:
		return "SOURCES:\n%s\nQUESTION: %s", nil
	case driven.PromptSummary:
		return "TOPIC: %s\nPAPERS:\n%s", nil
	case driven.PromptHypotheses:
		return "AREA: %s\nSOURCES:\n%s", nil
	}
	return "", fmt.Errorf("%w: prompt %s", domain.ErrNotFound, name)
}

func (fakePrompts) Reload() {}

// fakeFetcher serves documents by id.
type fakeFetcher struct {
	docs map[string]driven.FetchedDocument
}

func (f *fakeFetcher) Fetch(_ context.Context, ref domain.DocumentRef) (*driven.FetchedDocument, error) {
	id, err := ref.DocumentID()
	if err != nil {
		return nil, err
	}
	d, ok := f.docs[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", domain.ErrNotFound, id)
	}
	return &d, nil
}

// flakyMetadata fails selected writes.
type flakyMetadata struct {
	*memory.MetadataStore

	mu          sync.Mutex
	applies     int
	failApply   func(n int, batch driven.MetadataBatch) error
	failDeletes error
}

func (m *flakyMetadata) Apply(ctx context.Context, batch driven.MetadataBatch) error {
	m.mu.Lock()
	m.applies++
	n, fail := m.applies, m.failApply
	m.mu.Unlock()
	if fail != nil {
		if err := fail(n, batch); err != nil {
			return err
		}
	}
	return m.MetadataStore.Apply(ctx, batch)
}

func (m *flakyMetadata) DeleteChunks(ctx context.Context, ids []string) error {
	if m.failDeletes != nil {
		return m.failDeletes
	}
	return m.MetadataStore.DeleteChunks(ctx, ids)
}

// flakyIndex fails selected index operations.
type flakyIndex struct {
	*arena.Index

	stageErr  error
	commitErr error
	saveErr   error
}

func (x *flakyIndex) Stage(ctx context.Context, txnID string, entries []driven.VectorEntry) error {
	if x.stageErr != nil {
		return x.stageErr
	}
	return x.Index.Stage(ctx, txnID, entries)
}

func (x *flakyIndex) Commit(ctx context.Context, txnID string, tombstone []string) error {
	if x.commitErr != nil {
		return x.commitErr
	}
	return x.Index.Commit(ctx, txnID, tombstone)
}

func (x *flakyIndex) Save(path string) (uint64, error) {
	if x.saveErr != nil {
		return 0, x.saveErr
	}
	return x.Index.Save(path)
}

// flakyIntents fails to mark intents finished, as if the process died
// right before doing so.
type flakyIntents struct {
	*memory.IntentLog

	failCommit   bool
	failRollback bool
}

func (l *flakyIntents) Commit(ctx context.Context, txnID string, generation uint64) error {
	if l.failCommit {
		return errors.New("disk full")
	}
	return l.IntentLog.Commit(ctx, txnID, generation)
}

func (l *flakyIntents) Rollback(ctx context.Context, txnID string) error {
	if l.failRollback {
		return errors.New("disk full")
	}
	return l.IntentLog.Rollback(ctx, txnID)
}

// harness is an engine over in-memory stores and an on-disk index.
type harness struct {
	engine    *Engine
	dir       string
	index     *flakyIndex
	meta      *flakyMetadata
	intents   *flakyIntents
	embedder  *fakeEmbedder
	generator *fakeGenerator
	fetcher   *fakeFetcher
	metrics   *metrics.Metrics
}

func testConfig() domain.EngineConfig {
	cfg := domain.DefaultEngineConfig()
	cfg.Dimension = testDim
	cfg.EmbedTimeout = time.Second
	cfg.GenerateTimeout = time.Second
	cfg.EmbedConcurrency = 1
	return cfg
}

// newHarness creates and opens an engine in a fresh directory.
func newHarness(t *testing.T, mods ...func(*domain.EngineConfig)) *harness {
	t.Helper()
	cfg := testConfig()
	for _, mod := range mods {
		mod(&cfg)
	}
	h := &harness{
		dir:       t.TempDir(),
		meta:      &flakyMetadata{MetadataStore: memory.NewMetadataStore()},
		intents:   &flakyIntents{IntentLog: memory.NewIntentLog()},
		embedder:  &fakeEmbedder{},
		generator: &fakeGenerator{reply: "Alpha methods dominate [Source 1]."},
		fetcher:   &fakeFetcher{docs: map[string]driven.FetchedDocument{}},
	}
	h.reopen(t, cfg)
	return h
}

// reopen builds a new engine over the same directory and stores, with a
// freshly loaded index, as a process restart would.
func (h *harness) reopen(t *testing.T, cfg domain.EngineConfig) {
	t.Helper()
	require.NoError(t, h.tryReopen(cfg))
}

func (h *harness) tryReopen(cfg domain.EngineConfig) error {
	idx, err := arena.New(cfg.Dimension, cfg.Metric)
	if err != nil {
		return err
	}
	h.index = &flakyIndex{Index: idx}
	h.metrics = metrics.New()

	engine, err := NewEngine(cfg, h.dir, Dependencies{
		Embedder:  h.embedder,
		Generator: h.generator,
		Index:     h.index,
		Metadata:  h.meta,
		Intents:   h.intents,
		Fetcher:   h.fetcher,
		Prompts:   fakePrompts{},
		Chunker: chunker.New(chunker.WithEngineConfig(cfg)),
		Metrics: h.metrics,
	})
	if err != nil {
		return err
	}
	engine.gateway.retryInterval = time.Millisecond
	h.engine = engine
	return engine.Open(context.Background())
}

// paper returns a document record for an arXiv id.
func paper(id, title string, authors ...string) domain.Document {
	return domain.Document{
		SourceType: domain.SourceTypeArxiv,
		SourceID:   id,
		Title:      title,
		Authors:    authors,
		URL:        "https://arxiv.org/abs/" + id,
	}
}

// paragraph returns exactly n runes of repeated word.
func paragraph(word string, n int) string {
	return strings.Repeat(word+" ", n/len(word)+1)[:n]
}

func (h *harness) ingest(t *testing.T, doc domain.Document, text string) *domain.IngestResult {
	t.Helper()
	res, err := h.engine.IngestText(context.Background(), doc, text)
	require.NoError(t, err)
	return res
}

// assertConsistent checks that the index and metadata hold the same chunks.
func (h *harness) assertConsistent(t *testing.T) {
	t.Helper()
	ctx := context.Background()
	metaIDs, err := h.meta.AllChunkIDs(ctx)
	require.NoError(t, err)
	require.ElementsMatch(t, metaIDs, h.index.LiveIDs())

	pending, err := h.intents.Pending(ctx)
	require.NoError(t, err)
	require.Empty(t, pending)
}
