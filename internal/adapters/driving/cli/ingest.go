package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/custodia-labs/sercha-kb/internal/adapters/driven/fetcher/file"
	"github.com/custodia-labs/sercha-kb/internal/core/domain"
	"github.com/custodia-labs/sercha-kb/internal/core/ports/driven"
)

var ingestManifest string

var ingestCmd = &cobra.Command{
	Use:   "ingest [type] [id]",
	Short: "Ingest a paper into the knowledge base",
	Long: `Ingest a paper by its source type and identifier, or from a manifest file.

The paper is looked up in the library directory. Re-ingesting a paper
replaces its previous chunks atomically.

Examples:
  sercha-kb ingest arxiv 1706.03762
  sercha-kb ingest doi 10.18653/v1/N19-1423
  sercha-kb ingest --manifest ./paper.toml`,
	Annotations: engineCommand(),
	Args: func(cmd *cobra.Command, args []string) error {
		if ingestManifest != "" {
			return cobra.NoArgs(cmd, args)
		}
		return cobra.ExactArgs(2)(cmd, args)
	},
	RunE: runIngest,
}

func init() {
	ingestCmd.Flags().StringVarP(&ingestManifest, "manifest", "m", "", "ingest the paper described by a manifest file")
	rootCmd.AddCommand(ingestCmd)
}

func runIngest(cmd *cobra.Command, args []string) error {
	if err := requireKB(); err != nil {
		return err
	}

	var (
		result *domain.IngestResult
		err    error
	)
	if ingestManifest != "" {
		fetched, rerr := readManifest(ingestManifest)
		if rerr != nil {
			return fmt.Errorf("reading manifest: %w", rerr)
		}
		result, err = kb.IngestText(cmd.Context(), fetched.Document, fetched.RawText)
	} else {
		ref := domain.DocumentRef{SourceType: domain.SourceType(args[0]), SourceID: args[1]}
		result, err = kb.Ingest(cmd.Context(), ref)
	}
	if err != nil {
		return fmt.Errorf("ingestion failed: %w", err)
	}

	printIngestResult(cmd, result)
	return nil
}

func printIngestResult(cmd *cobra.Command, result *domain.IngestResult) {
	cmd.Printf("Ingested %s (%d chunks)\n", result.DocumentID, result.ChunkCount)
	if result.Replaced > 0 {
		cmd.Printf("  Replaced %d chunks from the previous version\n", result.Replaced)
	}
}

// readManifest loads a manifest with the library's format converters when a
// library is configured.
func readManifest(path string) (*driven.FetchedDocument, error) {
	if library != nil {
		return library.ReadManifest(path)
	}
	return file.ReadManifest(path)
}
