package cli

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/custodia-labs/sercha-kb/internal/adapters/driven/fetcher/file"
	"github.com/custodia-labs/sercha-kb/internal/core/domain"
	"github.com/custodia-labs/sercha-kb/internal/normalisers/markdown"
)

func TestIngestCmd_ByReference(t *testing.T) {
	m := setupTestServices(t)

	out, err := execute(t, "ingest", "arxiv", "1706.03762")

	require.NoError(t, err)
	require.Len(t, m.ingested, 1)
	assert.Equal(t, domain.DocumentRef{SourceType: domain.SourceTypeArxiv, SourceID: "1706.03762"}, m.ingested[0])
	assert.Contains(t, out, "Ingested arxiv:1706.03762 (3 chunks)")
	assert.Contains(t, out, "Replaced 2 chunks")
}

func TestIngestCmd_FromManifest(t *testing.T) {
	m := setupTestServices(t)
	path := filepath.Join(t.TempDir(), "paper.toml")
	require.NoError(t, os.WriteFile(path, []byte(`source_type = "doi"
source_id = "10.1000/XYZ"
title = "Inline Paper"
text = "Body of the paper."
`), 0600))

	out, err := execute(t, "ingest", "--manifest", path)

	require.NoError(t, err)
	require.Len(t, m.ingestText, 1)
	assert.Equal(t, "Inline Paper", m.ingestText[0].Title)
	assert.Contains(t, out, "Ingested doi:10.1000/xyz (1 chunks)")
}

func TestIngestCmd_ManifestUsesLibraryConverters(t *testing.T) {
	m := setupTestServices(t)
	dir := t.TempDir()
	library = file.NewFetcher(dir, file.WithConverter(".md", markdown.New()))
	path := filepath.Join(dir, "paper.toml")
	require.NoError(t, os.WriteFile(path, []byte(`source_type = "arxiv"
source_id = "2404.00001"
text_file = "paper.md"
`), 0600))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "paper.md"), []byte("# Sparse Attention\n\nWe study **sparse** attention."), 0600))

	_, err := execute(t, "ingest", "--manifest", path)

	require.NoError(t, err)
	require.Len(t, m.ingestText, 1)
	assert.Equal(t, "Sparse Attention", m.ingestText[0].Title)
}

func TestIngestCmd_Args(t *testing.T) {
	setupTestServices(t)

	_, err := execute(t, "ingest", "arxiv")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "accepts 2 arg(s)")

	_, err = execute(t, "ingest", "--manifest", "x.toml", "arxiv", "1")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown command")
}

func TestIngestCmd_Failure(t *testing.T) {
	m := setupTestServices(t)
	m.err = domain.ErrIngestionInProgress

	_, err := execute(t, "ingest", "arxiv", "1706.03762")

	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrIngestionInProgress)
	assert.Contains(t, err.Error(), "ingestion failed")
}

func TestSearchCmd(t *testing.T) {
	m := setupTestServices(t)

	out, err := execute(t, "search", "-n", "5", "attention")

	require.NoError(t, err)
	assert.Equal(t, 5, m.lastK)
	assert.Contains(t, out, "[1] arxiv:1706.03762 #0 (0.875)")
	assert.Contains(t, out, "The dominant sequence transduction models")
}

func TestSearchCmd_JSON(t *testing.T) {
	setupTestServices(t)

	out, err := execute(t, "search", "--json", "attention")

	require.NoError(t, err)
	assert.Contains(t, out, `"ChunkID": "chunk-1"`)
	assert.Contains(t, out, `"Score": 0.875`)
}

func TestSearchCmd_RequiresExactlyOneArg(t *testing.T) {
	setupTestServices(t)

	_, err := execute(t, "search")

	require.Error(t, err)
	assert.Contains(t, err.Error(), "accepts 1 arg(s)")
}

func TestAskCmd(t *testing.T) {
	m := setupTestServices(t)

	out, err := execute(t, "ask", "-k", "3", "how does attention work?")

	require.NoError(t, err)
	assert.Equal(t, 3, m.lastK)
	assert.Contains(t, out, "Transformers use attention.")
	assert.Contains(t, out, "Sources:")
	assert.Contains(t, out, "[1] Attention Is All You Need (0.875)")
	assert.Contains(t, out, "Ashish Vaswani, Noam Shazeer")
	assert.Contains(t, out, "https://arxiv.org/abs/1706.03762")
}

func TestAskCmd_GenerationUnavailable(t *testing.T) {
	m := setupTestServices(t)
	m.err = domain.ErrGenerationUnavailable

	_, err := execute(t, "ask", "q")

	assert.ErrorIs(t, err, domain.ErrGenerationUnavailable)
}

func TestSummaryCmd(t *testing.T) {
	m := setupTestServices(t)

	out, err := execute(t, "summary", "--max-docs", "4", "transformers")

	require.NoError(t, err)
	assert.Equal(t, 4, m.lastMax)
	assert.Contains(t, out, "A summary.")
	assert.Contains(t, out, "Attention Is All You Need")
}

func TestHypothesesCmd(t *testing.T) {
	setupTestServices(t)

	out, err := execute(t, "hypotheses", "efficient attention")

	require.NoError(t, err)
	assert.Contains(t, out, "H1: Sparse attention scales.")
	assert.Contains(t, out, "H2: Depth beats width.")
}

func TestDocumentsCmd(t *testing.T) {
	setupTestServices(t)

	out, err := execute(t, "documents")

	require.NoError(t, err)
	assert.Contains(t, out, "arxiv:1706.03762")
	assert.Contains(t, out, "Title:   Attention Is All You Need")
	assert.Contains(t, out, "Chunks:  3")
	assert.Contains(t, out, "Total: 1 documents")
}

func TestDocumentsShowCmd(t *testing.T) {
	setupTestServices(t)

	out, err := execute(t, "documents", "show", "arxiv:1706.03762")

	require.NoError(t, err)
	assert.Contains(t, out, "Document: arxiv:1706.03762")
	assert.Contains(t, out, "Published: 2017-06-12")
	assert.Contains(t, out, "Ingested:  2024-01-02 03:04:05")
}

func TestDocumentsShowCmd_Text(t *testing.T) {
	setupTestServices(t)

	out, err := execute(t, "documents", "show", "--text", "arxiv:1706.03762")

	require.NoError(t, err)
	assert.Equal(t, "Full paper text.\n", out)
}

func TestDocumentsShowCmd_NotFound(t *testing.T) {
	m := setupTestServices(t)
	m.err = domain.ErrNotFound

	_, err := execute(t, "documents", "show", "arxiv:0000.00000")

	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestStatsCmd(t *testing.T) {
	setupTestServices(t)

	out, err := execute(t, "stats")

	require.NoError(t, err)
	assert.Contains(t, out, "Chunks:      7")
	assert.Contains(t, out, "Index slots: 9 (2 tombstones)")
	assert.Contains(t, out, "Dimension:   384")
	assert.Contains(t, out, "Generation:  5")
}

func TestMaintenanceCmds(t *testing.T) {
	m := setupTestServices(t)
	dir := t.TempDir()

	out, err := execute(t, "remove", "arxiv:1706.03762")
	require.NoError(t, err)
	assert.Equal(t, []string{"arxiv:1706.03762"}, m.removed)
	assert.Contains(t, out, "Removed arxiv:1706.03762")

	out, err = execute(t, "compact")
	require.NoError(t, err)
	assert.Contains(t, out, "reclaimed 4 slots")

	out, err = execute(t, "snapshot", dir)
	require.NoError(t, err)
	assert.Equal(t, []string{dir}, m.snapshots)
	assert.Contains(t, out, "Snapshot written to")

	out, err = execute(t, "restore", dir)
	require.NoError(t, err)
	assert.Equal(t, []string{dir}, m.restores)
	assert.Contains(t, out, "Restored knowledge base")
}

func TestRestoreCmd_Rejected(t *testing.T) {
	m := setupTestServices(t)
	m.err = domain.ErrCorruptSnapshot

	_, err := execute(t, "restore", t.TempDir())

	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrCorruptSnapshot)
	assert.Contains(t, err.Error(), "restore failed")
}

func TestConfigCmd_SetAndShow(t *testing.T) {
	setupTestServices(t)

	out, err := execute(t, "config", "set", "engine.chunk_size", "800")
	require.NoError(t, err)
	assert.Contains(t, out, "Set engine.chunk_size")

	out, err = execute(t, "config", "show")
	require.NoError(t, err)
	assert.Contains(t, out, "Chunk size: 800")
	assert.Contains(t, out, "Configuration is valid.")
}

func TestConfigCmd_SetRejectsInvalid(t *testing.T) {
	setupTestServices(t)

	_, err := execute(t, "config", "set", "engine.chunk_size", "large")
	assert.ErrorIs(t, err, domain.ErrInvalidInput)

	_, err = execute(t, "config", "set", "no.such.key", "1")
	assert.ErrorIs(t, err, domain.ErrInvalidInput)
}

func TestConfigCmd_SettingsAlias(t *testing.T) {
	setupTestServices(t)

	out, err := execute(t, "settings", "keys")

	require.NoError(t, err)
	assert.Contains(t, out, "engine.score_threshold")
	assert.Contains(t, out, "llm.api_key")
}

func TestConfigCmd_SetKey(t *testing.T) {
	setupTestServices(t)
	rootCmd.SetIn(strings.NewReader("sk-ant-1234567890abcd\n"))

	out, err := execute(t, "config", "set-key", "llm")

	require.NoError(t, err)
	assert.Contains(t, out, "Stored llm.api_key (sk-a...abcd)")
	settings, err := settingsService.Get()
	require.NoError(t, err)
	assert.Equal(t, "sk-ant-1234567890abcd", settings.LLM.APIKey)
}

func TestConfigCmd_SetKeyErrors(t *testing.T) {
	setupTestServices(t)

	rootCmd.SetIn(strings.NewReader("\n"))
	_, err := execute(t, "config", "set-key", "embedding")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "API key is required")

	_, err = execute(t, "config", "set-key", "search")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown service")
}

func TestConfigCmd_EmbeddingWizard(t *testing.T) {
	setupTestServices(t)
	// First provider (the built-in hashing embedder), default model.
	rootCmd.SetIn(strings.NewReader("1\n\n"))

	out, err := execute(t, "config", "embedding")

	require.NoError(t, err)
	assert.Contains(t, out, "Validating configuration... OK")
	settings, err := settingsService.Get()
	require.NoError(t, err)
	assert.Equal(t, domain.AllEmbeddingProviders()[0], settings.Embedding.Provider)
}
