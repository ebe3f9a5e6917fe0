package services

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/custodia-labs/sercha-kb/internal/core/domain"
	"github.com/custodia-labs/sercha-kb/internal/core/ports/driven"
	"github.com/custodia-labs/sercha-kb/internal/logger"
	"github.com/custodia-labs/sercha-kb/internal/metrics"
)

// Fixed responses when retrieval finds nothing to ground an answer in.
const (
	NoInformationAnswer = "I don't have enough information to answer this question. " +
		"Please ingest some relevant papers first."
	NoSummarySources = "No relevant documents found for this topic. " +
		"Please ingest some papers related to this topic first."
	NoHypothesisSources = "No relevant literature found. " +
		"Please ingest papers in this research area first."
)

// Query operations, used as metric labels.
const (
	opSearch     = "search"
	opAsk        = "ask"
	opSummarize  = "summarize"
	opHypotheses = "hypotheses"
)

const (
	defaultSummaryDocs  = 10
	hypothesesK         = 8
	chunksPerPaper      = 3
	generationMaxTokens = 2048
)

// hypothesisLine matches "H1: ..." and "1. ..." lines.
var hypothesisLine = regexp.MustCompile(`^(H[1-9]:|[1-9]\.)`)

// observe records a query's outcome. Use as: defer e.observe(op, time.Now(), &err).
func (e *Engine) observe(op string, start time.Time, err *error) {
	result := metrics.ResultOK
	if *err != nil {
		result = metrics.ResultError
	}
	e.metrics.QueryTotal.WithLabelValues(op, result).Inc()
	e.metrics.QueryDuration.WithLabelValues(op).Observe(time.Since(start).Seconds())
}

// Search returns the k most relevant chunks for query.
func (e *Engine) Search(ctx context.Context, query string, k int) (hits []domain.SearchHit, err error) {
	defer e.observe(opSearch, time.Now(), &err)
	return e.retriever.Search(ctx, query, e.resolveK(k))
}

// Ask answers a question from the k most relevant chunks.
// An empty knowledge base yields the no-information answer, not an error.
func (e *Engine) Ask(ctx context.Context, question string, k int) (answer *domain.Answer, err error) {
	defer e.observe(opAsk, time.Now(), &err)
	logger.Section("Ask")

	question = strings.TrimSpace(question)
	hits, err := e.retriever.Search(ctx, question, e.resolveK(k))
	if err != nil {
		return nil, err
	}

	assembled := AssembleContext(hits, e.cfg.ContextBudget)
	if assembled.IsEmpty() {
		logger.Debug("No context for %q", question)
		return &domain.Answer{Question: question, Text: NoInformationAnswer, Citations: []domain.Citation{}}, nil
	}

	citations, err := e.retriever.Cite(ctx, usedHits(hits, assembled))
	if err != nil {
		return nil, err
	}

	tmpl, err := e.prompt(driven.PromptAnswer)
	if err != nil {
		return nil, err
	}
	prompt := fmt.Sprintf(tmpl, renderSources(assembled, citations), question)

	text, err := e.generate(ctx, prompt)
	if err != nil {
		return nil, err
	}
	return &domain.Answer{Question: question, Text: text, Citations: citations}, nil
}

// Summarize writes a literature summary of topic from up to maxDocs chunks.
func (e *Engine) Summarize(ctx context.Context, topic string, maxDocs int) (summary *domain.Summary, err error) {
	defer e.observe(opSummarize, time.Now(), &err)
	logger.Section("Summarize")

	if maxDocs <= 0 {
		maxDocs = defaultSummaryDocs
	}
	topic = strings.TrimSpace(topic)
	hits, err := e.retriever.Search(ctx, topic, maxDocs)
	if err != nil {
		return nil, err
	}

	assembled := AssembleContext(hits, e.cfg.ContextBudget)
	if assembled.IsEmpty() {
		return &domain.Summary{Topic: topic, Text: NoSummarySources, Citations: []domain.Citation{}}, nil
	}

	citations, err := e.retriever.Cite(ctx, usedHits(hits, assembled))
	if err != nil {
		return nil, err
	}

	tmpl, err := e.prompt(driven.PromptSummary)
	if err != nil {
		return nil, err
	}
	prompt := fmt.Sprintf(tmpl, topic, renderPapers(assembled, citations))

	text, err := e.generate(ctx, prompt)
	if err != nil {
		return nil, err
	}
	return &domain.Summary{Topic: topic, Text: text, Citations: citations}, nil
}

// Hypotheses proposes research hypotheses for area.
func (e *Engine) Hypotheses(ctx context.Context, area string) (result *domain.Hypotheses, err error) {
	defer e.observe(opHypotheses, time.Now(), &err)
	logger.Section("Hypotheses")

	area = strings.TrimSpace(area)
	hits, err := e.retriever.Search(ctx, area, hypothesesK)
	if err != nil {
		return nil, err
	}

	assembled := AssembleContext(hits, e.cfg.ContextBudget)
	if assembled.IsEmpty() {
		return &domain.Hypotheses{
			Area:      area,
			Items:     []string{NoHypothesisSources},
			Raw:       NoHypothesisSources,
			Citations: []domain.Citation{},
		}, nil
	}

	citations, err := e.retriever.Cite(ctx, usedHits(hits, assembled))
	if err != nil {
		return nil, err
	}

	tmpl, err := e.prompt(driven.PromptHypotheses)
	if err != nil {
		return nil, err
	}
	prompt := fmt.Sprintf(tmpl, area, renderSources(assembled, citations))

	text, err := e.generate(ctx, prompt)
	if err != nil {
		return nil, err
	}
	return &domain.Hypotheses{
		Area:      area,
		Items:     ParseHypotheses(text),
		Raw:       text,
		Citations: citations,
	}, nil
}

// ParseHypotheses extracts "H<n>:" or "<n>." lines from a generated response.
// A response without such lines is returned whole as a single item.
func ParseHypotheses(text string) []string {
	var items []string
	for _, line := range strings.Split(text, "\n") {
		line = strings.TrimSpace(line)
		if !hypothesisLine.MatchString(line) {
			continue
		}
		if strings.HasPrefix(line, "H") || len(line) > 10 {
			items = append(items, line)
		}
	}
	if len(items) == 0 {
		return []string{strings.TrimSpace(text)}
	}
	return items
}

// resolveK maps an omitted k to the configured default. Negative values pass
// through and are rejected by the retriever.
func (e *Engine) resolveK(k int) int {
	if k == 0 {
		return e.cfg.DefaultK
	}
	return k
}

func (e *Engine) prompt(name string) (string, error) {
	if e.prompts == nil {
		return "", fmt.Errorf("%w: no prompt store configured", domain.ErrGenerationUnavailable)
	}
	tmpl, err := e.prompts.Load(name)
	if err != nil {
		return "", fmt.Errorf("%w: loading prompt %s: %w", domain.ErrGenerationUnavailable, name, err)
	}
	return tmpl, nil
}

// generate calls the generation service with the system prompt and a timeout.
func (e *Engine) generate(ctx context.Context, prompt string) (string, error) {
	if e.generator == nil {
		return "", fmt.Errorf("%w: no generation service configured", domain.ErrGenerationUnavailable)
	}

	opts := driven.GenerateOptions{MaxTokens: generationMaxTokens, Temperature: 0.2}
	if e.prompts != nil {
		if system, err := e.prompts.Load(driven.PromptSystem); err == nil {
			opts.System = system
		}
	}

	if e.cfg.GenerateTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.cfg.GenerateTimeout)
		defer cancel()
	}

	text, err := e.generator.Generate(ctx, prompt, opts)
	if err != nil {
		if errors.Is(err, domain.ErrGenerationUnavailable) {
			return "", err
		}
		return "", fmt.Errorf("%w: %w", domain.ErrGenerationUnavailable, err)
	}
	return strings.TrimSpace(text), nil
}

// sourceNumbers maps each cited document to its 1-based position.
func sourceNumbers(citations []domain.Citation) map[string]int {
	n := make(map[string]int, len(citations))
	for i, c := range citations {
		n[c.DocumentID] = i + 1
	}
	return n
}

// renderSources writes one "[Source N] Title" block per context chunk,
// numbered by citation so answers can refer back to them.
func renderSources(c domain.Context, citations []domain.Citation) string {
	numbers := sourceNumbers(citations)
	titles := make(map[string]string, len(citations))
	for _, ct := range citations {
		titles[ct.DocumentID] = ct.Title
	}

	var b strings.Builder
	for i, block := range c.Blocks {
		if i > 0 {
			b.WriteString("\n")
		}
		fmt.Fprintf(&b, "[Source %d] %s\n%s\n", numbers[block.DocumentID], titles[block.DocumentID], block.Text)
	}
	return b.String()
}

// renderPapers groups context chunks by paper, keeping at most
// chunksPerPaper chunks from each.
func renderPapers(c domain.Context, citations []domain.Citation) string {
	content := make(map[string][]string)
	for _, block := range c.Blocks {
		if len(content[block.DocumentID]) < chunksPerPaper {
			content[block.DocumentID] = append(content[block.DocumentID], block.Text)
		}
	}

	var b strings.Builder
	for i, ct := range citations {
		fmt.Fprintf(&b, "[Source %d] %s\n", i+1, ct.Title)
		if len(ct.Authors) > 0 {
			fmt.Fprintf(&b, "Authors: %s\n", strings.Join(ct.Authors, ", "))
		}
		fmt.Fprintf(&b, "Key Content: %s\n---\n", strings.Join(content[ct.DocumentID], " "))
	}
	return b.String()
}
