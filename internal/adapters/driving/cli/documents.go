package cli

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"
)

const timeLayout = "2006-01-02 15:04:05"

var (
	documentsJSON bool
	showText      bool
)

var documentsCmd = &cobra.Command{
	Use:         "documents",
	Short:       "List ingested papers",
	Annotations: engineCommand(),
	Args:        cobra.NoArgs,
	RunE:        runDocumentsList,
}

var documentsShowCmd = &cobra.Command{
	Use:   "show [doc-id]",
	Short: "Show a paper's metadata",
	Long: `Shows the metadata of an ingested paper. Document ids have the form
<source_type>:<source_id>, for example arxiv:1706.03762.`,
	Args: cobra.ExactArgs(1),
	RunE: runDocumentsShow,
}

var statsCmd = &cobra.Command{
	Use:         "stats",
	Short:       "Show knowledge base statistics",
	Annotations: engineCommand(),
	Args:        cobra.NoArgs,
	RunE:        runStats,
}

func init() {
	documentsCmd.Flags().BoolVar(&documentsJSON, "json", false, "output documents as JSON")
	documentsShowCmd.Flags().BoolVar(&showText, "text", false, "print the normalised paper text")
	documentsCmd.AddCommand(documentsShowCmd)
	rootCmd.AddCommand(documentsCmd)
	rootCmd.AddCommand(statsCmd)
}

func runDocumentsList(cmd *cobra.Command, _ []string) error {
	if err := requireKB(); err != nil {
		return err
	}

	docs, err := kb.ListDocuments(cmd.Context())
	if err != nil {
		return fmt.Errorf("failed to list documents: %w", err)
	}
	if documentsJSON {
		return outputJSON(cmd, docs)
	}

	if len(docs) == 0 {
		cmd.Println("No documents ingested.")
		return nil
	}

	for i := range docs {
		cmd.Printf("  %s\n", docs[i].ID)
		if docs[i].Title != "" {
			cmd.Printf("    Title:   %s\n", docs[i].Title)
		}
		if len(docs[i].Authors) > 0 {
			cmd.Printf("    Authors: %s\n", strings.Join(docs[i].Authors, ", "))
		}
		cmd.Printf("    Chunks:  %d\n", docs[i].ChunkCount)
		cmd.Println()
	}

	cmd.Printf("Total: %d documents\n", len(docs))
	return nil
}

func runDocumentsShow(cmd *cobra.Command, args []string) error {
	if err := requireKB(); err != nil {
		return err
	}

	doc, err := kb.GetDocument(cmd.Context(), args[0])
	if err != nil {
		return fmt.Errorf("failed to get document: %w", err)
	}

	if showText {
		text, err := kb.GetRawText(cmd.Context(), doc.ID)
		if err != nil {
			return fmt.Errorf("failed to get document text: %w", err)
		}
		cmd.Println(text)
		return nil
	}

	cmd.Printf("Document: %s\n\n", doc.ID)
	cmd.Printf("  Title:     %s\n", doc.Title)
	if len(doc.Authors) > 0 {
		cmd.Printf("  Authors:   %s\n", strings.Join(doc.Authors, ", "))
	}
	if doc.URL != "" {
		cmd.Printf("  URL:       %s\n", doc.URL)
	}
	if doc.PublishedDate != nil {
		cmd.Printf("  Published: %s\n", doc.PublishedDate.Format("2006-01-02"))
	}
	cmd.Printf("  Ingested:  %s\n", doc.IngestedAt.Format(timeLayout))
	if doc.Abstract != "" {
		cmd.Printf("\n  %s\n", doc.Abstract)
	}
	return nil
}

func runStats(cmd *cobra.Command, _ []string) error {
	if err := requireKB(); err != nil {
		return err
	}

	stats, err := kb.Stats(cmd.Context())
	if err != nil {
		return fmt.Errorf("failed to get stats: %w", err)
	}

	cmd.Println("Knowledge Base")
	cmd.Println("==============")
	cmd.Printf("  Documents:   %d\n", stats.DocumentCount)
	cmd.Printf("  Chunks:      %d\n", stats.ChunkCount)
	cmd.Printf("  Index slots: %d (%d tombstones)\n", stats.IndexSlots, stats.Tombstones)
	cmd.Printf("  Dimension:   %d\n", stats.Dimension)
	cmd.Printf("  Metric:      %s\n", stats.Metric.Description())
	cmd.Printf("  Generation:  %d\n", stats.Generation)
	return nil
}
