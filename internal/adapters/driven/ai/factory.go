// Package ai provides factory functions for creating AI service adapters.
package ai

import (
	"context"
	"fmt"
	"time"

	"github.com/custodia-labs/sercha-kb/internal/adapters/driven/embedding/hashing"
	ollamaembed "github.com/custodia-labs/sercha-kb/internal/adapters/driven/embedding/ollama"
	openaiembed "github.com/custodia-labs/sercha-kb/internal/adapters/driven/embedding/openai"
	anthropicllm "github.com/custodia-labs/sercha-kb/internal/adapters/driven/llm/anthropic"
	ollamallm "github.com/custodia-labs/sercha-kb/internal/adapters/driven/llm/ollama"
	openaillm "github.com/custodia-labs/sercha-kb/internal/adapters/driven/llm/openai"
	"github.com/custodia-labs/sercha-kb/internal/core/domain"
	"github.com/custodia-labs/sercha-kb/internal/core/ports/driven"
	"github.com/custodia-labs/sercha-kb/internal/logger"
)

// pingTimeout is the maximum time to wait for service connectivity validation.
const pingTimeout = 5 * time.Second

// Services contains the AI adapters an engine is built with.
type Services struct {
	Embedder  driven.Embedder
	Generator driven.Generator
	Warnings  []string // Non-fatal issues; the affected service is left nil.
}

// Close releases all resources held by Services.
func (s *Services) Close() {
	if s.Embedder != nil {
		s.Embedder.Close()
	}
	if s.Generator != nil {
		s.Generator.Close()
	}
}

// Init creates and validates the configured AI services.
// A service that cannot be created or reached is left nil with a warning, so
// the knowledge base still opens and reports the failure per call.
func Init(settings *domain.AppSettings) *Services {
	result := &Services{}

	embedder, err := CreateAndValidateEmbedder(&settings.Embedding, settings.Engine.Dimension)
	if err != nil {
		result.Warnings = append(result.Warnings, err.Error())
		logger.Warn("Embedding service unavailable: %v", err)
	}
	result.Embedder = embedder

	generator, err := CreateAndValidateGenerator(&settings.LLM)
	if err != nil {
		result.Warnings = append(result.Warnings, err.Error())
		logger.Warn("Generation service unavailable: %v", err)
	}
	result.Generator = generator

	return result
}

// CreateAndValidateEmbedder creates an embedder and validates connectivity.
// Returns the embedder if successful, or an error with guidance.
func CreateAndValidateEmbedder(settings *domain.EmbeddingSettings, dimension int) (driven.Embedder, error) {
	if settings == nil || !settings.IsConfigured() {
		return nil, nil
	}

	svc, err := CreateEmbedder(settings, dimension)
	if err != nil {
		return nil, fmt.Errorf("%w: %w. Run 'sercha-kb settings' to fix",
			domain.ErrEmbeddingUnavailable, err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), pingTimeout)
	defer cancel()

	if err := svc.Ping(ctx); err != nil {
		svc.Close()
		return nil, fmt.Errorf("%w: service unreachable (%w). Run 'sercha-kb settings' to fix",
			domain.ErrEmbeddingUnavailable, err)
	}

	return svc, nil
}

// CreateAndValidateGenerator creates a generator and validates connectivity.
// Returns the generator if successful, or an error with guidance.
func CreateAndValidateGenerator(settings *domain.LLMSettings) (driven.Generator, error) {
	if settings == nil || !settings.IsConfigured() {
		return nil, nil
	}

	svc, err := CreateGenerator(settings)
	if err != nil {
		return nil, fmt.Errorf("%w: %w. Run 'sercha-kb settings' to fix",
			domain.ErrGenerationUnavailable, err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), pingTimeout)
	defer cancel()

	if err := svc.Ping(ctx); err != nil {
		svc.Close()
		return nil, fmt.Errorf("%w: service unreachable (%w). Run 'sercha-kb settings' to fix",
			domain.ErrGenerationUnavailable, err)
	}

	return svc, nil
}

// CreateEmbedder creates the embedder selected by settings.
// dimension sizes the hashing embedder and is the fallback for unknown models.
func CreateEmbedder(settings *domain.EmbeddingSettings, dimension int) (driven.Embedder, error) {
	if settings == nil {
		return nil, fmt.Errorf("embedding provider not configured")
	}

	switch settings.Provider {
	case domain.AIProviderHashing:
		return hashing.NewEmbeddingService(hashing.Config{Dimensions: dimension}), nil

	case domain.AIProviderOllama:
		return createOllamaEmbedding(settings, dimension), nil

	case domain.AIProviderOpenAI:
		return createOpenAIEmbedding(settings, dimension)

	case domain.AIProviderAnthropic:
		return nil, fmt.Errorf("anthropic does not support embeddings, use ollama, openai or hashing")

	default:
		return nil, fmt.Errorf("unsupported embedding provider: %s", settings.Provider)
	}
}

// CreateGenerator creates the generator selected by settings.
func CreateGenerator(settings *domain.LLMSettings) (driven.Generator, error) {
	if settings == nil {
		return nil, fmt.Errorf("generation provider not configured")
	}

	switch settings.Provider {
	case domain.AIProviderOllama:
		return createOllamaLLM(settings), nil

	case domain.AIProviderOpenAI:
		return createOpenAILLM(settings)

	case domain.AIProviderAnthropic:
		return createAnthropicLLM(settings)

	case domain.AIProviderHashing:
		return nil, fmt.Errorf("hashing cannot generate text, use ollama, openai or anthropic")

	default:
		return nil, fmt.Errorf("unsupported LLM provider: %s", settings.Provider)
	}
}

func modelDimensions(model string, fallback int) int {
	if d := domain.EmbeddingDimensions()[model]; d > 0 {
		return d
	}
	return fallback
}

func createOllamaEmbedding(settings *domain.EmbeddingSettings, dimension int) driven.Embedder {
	return ollamaembed.NewEmbeddingService(ollamaembed.Config{
		BaseURL:    settings.BaseURL,
		Model:      settings.Model,
		Dimensions: modelDimensions(settings.Model, dimension),
	})
}

func createOpenAIEmbedding(settings *domain.EmbeddingSettings, dimension int) (driven.Embedder, error) {
	svc, err := openaiembed.NewEmbeddingService(openaiembed.Config{
		APIKey:     settings.APIKey,
		BaseURL:    settings.BaseURL,
		Model:      settings.Model,
		Dimensions: modelDimensions(settings.Model, dimension),
	})
	if err != nil {
		return nil, err
	}
	return svc, nil
}

func createOllamaLLM(settings *domain.LLMSettings) driven.Generator {
	return ollamallm.NewLLMService(ollamallm.LLMConfig{
		BaseURL: settings.BaseURL,
		Model:   settings.Model,
	})
}

func createOpenAILLM(settings *domain.LLMSettings) (driven.Generator, error) {
	svc, err := openaillm.NewLLMService(openaillm.LLMConfig{
		APIKey:  settings.APIKey,
		BaseURL: settings.BaseURL,
		Model:   settings.Model,
	})
	if err != nil {
		return nil, err
	}
	return svc, nil
}

func createAnthropicLLM(settings *domain.LLMSettings) (driven.Generator, error) {
	svc, err := anthropicllm.NewLLMService(anthropicllm.Config{
		APIKey:  settings.APIKey,
		BaseURL: settings.BaseURL,
		Model:   settings.Model,
	})
	if err != nil {
		return nil, err
	}
	return svc, nil
}
