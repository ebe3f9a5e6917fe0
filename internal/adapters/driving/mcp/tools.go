package mcp

import (
	"context"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/custodia-labs/sercha-kb/internal/core/domain"
)

// IngestInput is the input schema for the ingest tool.
type IngestInput struct {
	SourceType string `json:"source_type" jsonschema:"repository the paper is published in: arxiv or doi"`
	SourceID   string `json:"source_id" jsonschema:"identifier of the paper, e.g. 1706.03762 or 10.1000/xyz123"`
}

// IngestOutput is the output schema for the ingest tool.
type IngestOutput struct {
	DocumentID string `json:"document_id"`
	ChunkCount int    `json:"chunk_count"`
	Replaced   int    `json:"replaced"`
}

// AskInput is the input schema for the ask tool.
type AskInput struct {
	Question string `json:"question" jsonschema:"the question to answer from the ingested papers"`
	K        int    `json:"k,omitempty" jsonschema:"number of chunks to retrieve (default from settings)"`
}

// AskOutput is the output schema for the ask tool.
type AskOutput struct {
	Answer    string           `json:"answer"`
	Citations []CitationOutput `json:"citations"`
}

// CitationOutput is one paper an answer was grounded in.
type CitationOutput struct {
	DocumentID string   `json:"document_id"`
	Title      string   `json:"title"`
	Authors    []string `json:"authors,omitempty"`
	URL        string   `json:"url,omitempty"`
	Score      float64  `json:"score"`
	ChunkIDs   []string `json:"chunk_ids"`
}

// SearchInput is the input schema for the search tool.
type SearchInput struct {
	Query string `json:"query" jsonschema:"the text to find similar chunks for"`
	Limit int    `json:"limit,omitempty" jsonschema:"maximum number of results to return (default from settings)"`
}

// SearchOutput is the output schema for the search tool.
type SearchOutput struct {
	Results []SearchResultOutput `json:"results"`
	Count   int                  `json:"count"`
}

// SearchResultOutput represents a single search hit.
type SearchResultOutput struct {
	DocumentID    string  `json:"document_id"`
	ChunkID       string  `json:"chunk_id"`
	SequenceIndex int     `json:"sequence_index"`
	Score         float64 `json:"score"`
	Content       string  `json:"content"`
}

// StatsInput is the (empty) input schema for the stats tool.
type StatsInput struct{}

// StatsOutput is the output schema for the stats tool.
type StatsOutput struct {
	Documents  int    `json:"documents"`
	Chunks     int    `json:"chunks"`
	IndexSlots int    `json:"index_slots"`
	Tombstones int    `json:"tombstones"`
	Dimension  int    `json:"dimension"`
	Metric     string `json:"metric"`
}

// ListDocumentsInput is the (empty) input schema for the list_documents tool.
type ListDocumentsInput struct{}

// ListDocumentsOutput is the output schema for the list_documents tool.
type ListDocumentsOutput struct {
	Documents []DocumentOutput `json:"documents"`
	Count     int              `json:"count"`
}

// DocumentOutput is the list view of an ingested paper.
type DocumentOutput struct {
	ID         string   `json:"id"`
	SourceType string   `json:"source_type"`
	Title      string   `json:"title"`
	Authors    []string `json:"authors,omitempty"`
	ChunkCount int      `json:"chunk_count"`
	IngestedAt string   `json:"ingested_at"`
}

// registerTools registers all tool handlers with the MCP server.
func (s *Server) registerTools() {
	mcp.AddTool(s.server, &mcp.Tool{
		Name:        "ingest",
		Description: "Ingest a research paper from the local library into the knowledge base",
	}, s.handleIngest)

	mcp.AddTool(s.server, &mcp.Tool{
		Name:        "ask",
		Description: "Answer a question using only the ingested papers, with citations",
	}, s.handleAsk)

	mcp.AddTool(s.server, &mcp.Tool{
		Name:        "search",
		Description: "Find the paper chunks most similar to a query",
	}, s.handleSearch)

	mcp.AddTool(s.server, &mcp.Tool{
		Name:        "stats",
		Description: "Report document and chunk counts of the knowledge base",
	}, s.handleStats)

	mcp.AddTool(s.server, &mcp.Tool{
		Name:        "list_documents",
		Description: "List all ingested papers",
	}, s.handleListDocuments)
}

func (s *Server) handleIngest(
	ctx context.Context,
	_ *mcp.CallToolRequest,
	input IngestInput,
) (*mcp.CallToolResult, IngestOutput, error) {
	ref := domain.DocumentRef{SourceType: domain.SourceType(input.SourceType), SourceID: input.SourceID}
	result, err := s.ports.KB.Ingest(ctx, ref)
	if err != nil {
		return nil, IngestOutput{}, err
	}

	return nil, IngestOutput{
		DocumentID: result.DocumentID,
		ChunkCount: result.ChunkCount,
		Replaced:   result.Replaced,
	}, nil
}

func (s *Server) handleAsk(
	ctx context.Context,
	_ *mcp.CallToolRequest,
	input AskInput,
) (*mcp.CallToolResult, AskOutput, error) {
	answer, err := s.ports.KB.Ask(ctx, input.Question, input.K)
	if err != nil {
		return nil, AskOutput{}, err
	}

	output := AskOutput{
		Answer:    answer.Text,
		Citations: make([]CitationOutput, len(answer.Citations)),
	}
	for i := range answer.Citations {
		c := &answer.Citations[i]
		output.Citations[i] = CitationOutput{
			DocumentID: c.DocumentID,
			Title:      c.Title,
			Authors:    c.Authors,
			URL:        c.URL,
			Score:      c.AggregateScore,
			ChunkIDs:   c.ContributingChunkIDs,
		}
		if output.Citations[i].ChunkIDs == nil {
			output.Citations[i].ChunkIDs = []string{}
		}
	}
	return nil, output, nil
}

// handleSearch handles the search tool invocation.
func (s *Server) handleSearch(
	ctx context.Context,
	_ *mcp.CallToolRequest,
	input SearchInput,
) (*mcp.CallToolResult, SearchOutput, error) {
	hits, err := s.ports.KB.Search(ctx, input.Query, input.Limit)
	if err != nil {
		return nil, SearchOutput{}, err
	}

	output := SearchOutput{
		Results: make([]SearchResultOutput, len(hits)),
		Count:   len(hits),
	}
	for i := range hits {
		output.Results[i] = SearchResultOutput{
			DocumentID:    hits[i].DocumentID,
			ChunkID:       hits[i].ChunkID,
			SequenceIndex: hits[i].SequenceIndex,
			Score:         hits[i].Score,
			Content:       hits[i].Text,
		}
	}
	return nil, output, nil
}

func (s *Server) handleStats(
	ctx context.Context,
	_ *mcp.CallToolRequest,
	_ StatsInput,
) (*mcp.CallToolResult, StatsOutput, error) {
	stats, err := s.ports.KB.Stats(ctx)
	if err != nil {
		return nil, StatsOutput{}, err
	}

	return nil, StatsOutput{
		Documents:  stats.DocumentCount,
		Chunks:     stats.ChunkCount,
		IndexSlots: stats.IndexSlots,
		Tombstones: stats.Tombstones,
		Dimension:  stats.Dimension,
		Metric:     stats.Metric.String(),
	}, nil
}

func (s *Server) handleListDocuments(
	ctx context.Context,
	_ *mcp.CallToolRequest,
	_ ListDocumentsInput,
) (*mcp.CallToolResult, ListDocumentsOutput, error) {
	docs, err := s.ports.KB.ListDocuments(ctx)
	if err != nil {
		return nil, ListDocumentsOutput{}, err
	}

	return nil, ListDocumentsOutput{
		Documents: documentOutputs(docs),
		Count:     len(docs),
	}, nil
}

func documentOutputs(docs []domain.DocumentSummary) []DocumentOutput {
	out := make([]DocumentOutput, len(docs))
	for i := range docs {
		out[i] = DocumentOutput{
			ID:         docs[i].ID,
			SourceType: docs[i].SourceType.String(),
			Title:      docs[i].Title,
			Authors:    docs[i].Authors,
			ChunkCount: docs[i].ChunkCount,
			IngestedAt: docs[i].IngestedAt.UTC().Format(time.RFC3339),
		}
	}
	return out
}
