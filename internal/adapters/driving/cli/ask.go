package cli

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/custodia-labs/sercha-kb/internal/core/domain"
)

var (
	askK        int
	askJSON     bool
	summaryDocs int
	summaryJSON bool
	hypoJSON    bool
)

var askCmd = &cobra.Command{
	Use:   "ask [question]",
	Short: "Answer a question from the ingested papers",
	Long: `Retrieves the chunks most similar to the question and asks the
configured language model to answer from them alone. The answer lists the
papers it was grounded in.`,
	Annotations: engineCommand(),
	Args:        cobra.ExactArgs(1),
	RunE:        runAsk,
}

var summaryCmd = &cobra.Command{
	Use:         "summary [topic]",
	Short:       "Summarise the literature on a topic",
	Annotations: engineCommand(),
	Args:        cobra.ExactArgs(1),
	RunE:        runSummary,
}

var hypothesesCmd = &cobra.Command{
	Use:         "hypotheses [area]",
	Short:       "Propose research hypotheses for an area",
	Annotations: engineCommand(),
	Args:        cobra.ExactArgs(1),
	RunE:        runHypotheses,
}

func init() {
	askCmd.Flags().IntVarP(&askK, "k", "k", 0, "number of chunks to retrieve (0 = configured default)")
	askCmd.Flags().BoolVar(&askJSON, "json", false, "output the answer as JSON")
	summaryCmd.Flags().IntVar(&summaryDocs, "max-docs", 10, "number of chunks to summarise from")
	summaryCmd.Flags().BoolVar(&summaryJSON, "json", false, "output the summary as JSON")
	hypothesesCmd.Flags().BoolVar(&hypoJSON, "json", false, "output the hypotheses as JSON")

	rootCmd.AddCommand(askCmd)
	rootCmd.AddCommand(summaryCmd)
	rootCmd.AddCommand(hypothesesCmd)
}

func runAsk(cmd *cobra.Command, args []string) error {
	if err := requireKB(); err != nil {
		return err
	}

	answer, err := kb.Ask(cmd.Context(), args[0], askK)
	if err != nil {
		return fmt.Errorf("ask failed: %w", err)
	}
	if askJSON {
		return outputJSON(cmd, answer)
	}

	cmd.Println(answer.Text)
	printCitations(cmd, answer.Citations)
	return nil
}

func runSummary(cmd *cobra.Command, args []string) error {
	if err := requireKB(); err != nil {
		return err
	}

	summary, err := kb.Summarize(cmd.Context(), args[0], summaryDocs)
	if err != nil {
		return fmt.Errorf("summary failed: %w", err)
	}
	if summaryJSON {
		return outputJSON(cmd, summary)
	}

	cmd.Println(summary.Text)
	printCitations(cmd, summary.Citations)
	return nil
}

func runHypotheses(cmd *cobra.Command, args []string) error {
	if err := requireKB(); err != nil {
		return err
	}

	result, err := kb.Hypotheses(cmd.Context(), args[0])
	if err != nil {
		return fmt.Errorf("hypotheses failed: %w", err)
	}
	if hypoJSON {
		return outputJSON(cmd, result)
	}

	if len(result.Items) == 0 {
		cmd.Println(result.Raw)
	} else {
		for i, item := range result.Items {
			cmd.Printf("H%d: %s\n", i+1, item)
		}
	}
	printCitations(cmd, result.Citations)
	return nil
}

func printCitations(cmd *cobra.Command, citations []domain.Citation) {
	if len(citations) == 0 {
		return
	}

	cmd.Println()
	cmd.Println("Sources:")
	for i := range citations {
		c := &citations[i]
		title := c.Title
		if title == "" {
			title = c.DocumentID
		}
		cmd.Printf("  [%d] %s (%.3f)\n", i+1, title, c.AggregateScore)
		if len(c.Authors) > 0 {
			cmd.Printf("      %s\n", strings.Join(c.Authors, ", "))
		}
		if c.URL != "" {
			cmd.Printf("      %s\n", c.URL)
		}
	}
}
