package mcp

import (
	"context"

	"github.com/custodia-labs/sercha-kb/internal/core/domain"
)

// mockKnowledgeBase is a mock implementation of driving.KnowledgeBase.
type mockKnowledgeBase struct {
	ingestResult *domain.IngestResult
	hits         []domain.SearchHit
	answer       *domain.Answer
	stats        *domain.Stats
	documents    []domain.DocumentSummary
	text         string
	err          error

	lastRef      domain.DocumentRef
	lastQuestion string
	lastK        int
}

func (m *mockKnowledgeBase) Ingest(_ context.Context, ref domain.DocumentRef) (*domain.IngestResult, error) {
	m.lastRef = ref
	return m.ingestResult, m.err
}

func (m *mockKnowledgeBase) IngestText(_ context.Context, _ domain.Document, _ string) (*domain.IngestResult, error) {
	return m.ingestResult, m.err
}

func (m *mockKnowledgeBase) Search(_ context.Context, _ string, k int) ([]domain.SearchHit, error) {
	m.lastK = k
	return m.hits, m.err
}

func (m *mockKnowledgeBase) Ask(_ context.Context, question string, k int) (*domain.Answer, error) {
	m.lastQuestion = question
	m.lastK = k
	return m.answer, m.err
}

func (m *mockKnowledgeBase) Summarize(_ context.Context, topic string, _ int) (*domain.Summary, error) {
	return &domain.Summary{Topic: topic}, m.err
}

func (m *mockKnowledgeBase) Hypotheses(_ context.Context, area string) (*domain.Hypotheses, error) {
	return &domain.Hypotheses{Area: area}, m.err
}

func (m *mockKnowledgeBase) Stats(_ context.Context) (*domain.Stats, error) {
	return m.stats, m.err
}

func (m *mockKnowledgeBase) ListDocuments(_ context.Context) ([]domain.DocumentSummary, error) {
	return m.documents, m.err
}

func (m *mockKnowledgeBase) GetDocument(_ context.Context, id string) (*domain.Document, error) {
	if m.err != nil {
		return nil, m.err
	}
	return &domain.Document{ID: id}, nil
}

func (m *mockKnowledgeBase) GetRawText(_ context.Context, _ string) (string, error) {
	return m.text, m.err
}
