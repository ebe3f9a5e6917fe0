package domain

import (
	"fmt"
	"time"
)

const unknownDescription = "Unknown"

// Metric is the vector similarity function used by the index.
// It is fixed when an index is created.
type Metric string

// Available similarity metrics.
const (
	// MetricCosine is cosine similarity in [-1, 1].
	MetricCosine Metric = "cosine"

	// MetricInnerProduct is the raw dot product.
	MetricInnerProduct Metric = "inner_product"
)

// IsValid returns true if the metric is recognised.
func (m Metric) IsValid() bool {
	switch m {
	case MetricCosine, MetricInnerProduct:
		return true
	default:
		return false
	}
}

// String returns the string representation.
func (m Metric) String() string {
	return string(m)
}

// Description returns a human-readable description of the metric.
func (m Metric) Description() string {
	switch m {
	case MetricCosine:
		return "Cosine similarity (length-normalised)"
	case MetricInnerProduct:
		return "Inner product (for pre-normalised embeddings)"
	default:
		return unknownDescription
	}
}

// Aggregation selects how chunk scores are combined into a citation score.
type Aggregation string

// Available aggregations.
const (
	AggregationMax  Aggregation = "max"
	AggregationMean Aggregation = "mean"
)

// IsValid returns true if the aggregation is recognised.
func (a Aggregation) IsValid() bool {
	return a == AggregationMax || a == AggregationMean
}

// String returns the string representation.
func (a Aggregation) String() string {
	return string(a)
}

// AIProvider identifies an AI service provider for embeddings or generation.
type AIProvider string

// Available AI providers.
const (
	// AIProviderHashing is the built-in offline feature-hashing embedder.
	AIProviderHashing AIProvider = "hashing"

	// AIProviderOllama is local Ollama instance.
	AIProviderOllama AIProvider = "ollama"

	// AIProviderOpenAI is OpenAI cloud API.
	AIProviderOpenAI AIProvider = "openai"

	// AIProviderAnthropic is Anthropic cloud API.
	AIProviderAnthropic AIProvider = "anthropic"
)

// IsValid returns true if the AI provider is recognised.
func (p AIProvider) IsValid() bool {
	switch p {
	case AIProviderHashing, AIProviderOllama, AIProviderOpenAI, AIProviderAnthropic:
		return true
	default:
		return false
	}
}

// RequiresAPIKey returns true if this provider needs an API key.
func (p AIProvider) RequiresAPIKey() bool {
	return p == AIProviderOpenAI || p == AIProviderAnthropic
}

// IsLocal returns true if this provider runs locally.
func (p AIProvider) IsLocal() bool {
	return p == AIProviderOllama || p == AIProviderHashing
}

// String returns the string representation.
func (p AIProvider) String() string {
	return string(p)
}

// Description returns a human-readable description of the provider.
func (p AIProvider) Description() string {
	switch p {
	case AIProviderHashing:
		return "Feature hashing (built-in, offline)"
	case AIProviderOllama:
		return "Ollama (local)"
	case AIProviderOpenAI:
		return "OpenAI (cloud)"
	case AIProviderAnthropic:
		return "Anthropic (cloud)"
	default:
		return unknownDescription
	}
}

// EmbeddingSettings holds embedding provider configuration.
type EmbeddingSettings struct {
	// Provider is the embedding service provider.
	Provider AIProvider

	// Model is the embedding model name.
	Model string

	// BaseURL is the API endpoint (for Ollama).
	BaseURL string

	// APIKey is the API key (for OpenAI).
	APIKey string
}

// IsConfigured returns true if the embedding provider is set up.
func (e EmbeddingSettings) IsConfigured() bool {
	if !e.Provider.IsValid() || e.Provider == AIProviderAnthropic {
		return false
	}
	if e.Provider.RequiresAPIKey() && e.APIKey == "" {
		return false
	}
	return true
}

// LLMSettings holds generation provider configuration.
type LLMSettings struct {
	// Provider is the LLM service provider.
	Provider AIProvider

	// Model is the LLM model name.
	Model string

	// BaseURL is the API endpoint (for Ollama).
	BaseURL string

	// APIKey is the API key (for OpenAI/Anthropic).
	APIKey string
}

// IsConfigured returns true if the LLM provider is set up.
func (l LLMSettings) IsConfigured() bool {
	if !l.Provider.IsValid() || l.Provider == AIProviderHashing {
		return false
	}
	if l.Provider.RequiresAPIKey() && l.APIKey == "" {
		return false
	}
	return true
}

// EngineConfig is injected into each engine instance.
// Dimension and Metric are fixed for the lifetime of an index.
type EngineConfig struct {
	// Dimension is the embedding vector length.
	Dimension int

	// Metric is the similarity function.
	Metric Metric

	// ChunkSize is the target chunk length in runes.
	ChunkSize int

	// ChunkOverlap is the number of runes shared by adjacent chunks.
	ChunkOverlap int

	// ChunkTolerance is how far before ChunkSize a boundary may be taken.
	// Zero selects ChunkSize/5.
	ChunkTolerance int

	// ScoreThreshold drops hits scoring below it.
	ScoreThreshold float64

	// Fanout multiplies k for the raw index search.
	Fanout int

	// Aggregation combines chunk scores into a citation score.
	Aggregation Aggregation

	// ContextBudget bounds the assembled context in runes.
	ContextBudget int

	// DefaultK is used when a caller passes no k.
	DefaultK int

	// EmbedTimeout bounds every embedding call.
	EmbedTimeout time.Duration

	// GenerateTimeout bounds every generation call.
	GenerateTimeout time.Duration

	// EmbedBatchSize is the number of texts per embedding request.
	EmbedBatchSize int

	// EmbedConcurrency is the number of batches embedded in parallel.
	EmbedConcurrency int

	// EmbedRateLimit is the sustained embedding requests per second. Zero disables limiting.
	EmbedRateLimit float64

	// EmbedMaxRetries is the number of retries after a transient embedding failure.
	EmbedMaxRetries int
}

// Validate checks the configuration for internal consistency.
func (c EngineConfig) Validate() error {
	switch {
	case c.Dimension <= 0:
		return fmt.Errorf("%w: dimension must be positive", ErrInvalidInput)
	case !c.Metric.IsValid():
		return fmt.Errorf("%w: unknown metric %q", ErrInvalidInput, c.Metric)
	case c.ChunkSize <= 0:
		return fmt.Errorf("%w: chunk size must be positive", ErrInvalidInput)
	case c.ChunkOverlap < 0 || c.ChunkOverlap >= c.ChunkSize:
		return fmt.Errorf("%w: chunk overlap must be in [0, chunk size)", ErrInvalidInput)
	case c.ChunkTolerance < 0:
		return fmt.Errorf("%w: chunk tolerance must not be negative", ErrInvalidInput)
	case c.Fanout < 1:
		return fmt.Errorf("%w: fanout must be at least 1", ErrInvalidInput)
	case !c.Aggregation.IsValid():
		return fmt.Errorf("%w: unknown aggregation %q", ErrInvalidInput, c.Aggregation)
	case c.ContextBudget <= 0:
		return fmt.Errorf("%w: context budget must be positive", ErrInvalidInput)
	}
	return nil
}

// DefaultEngineConfig returns the defaults used when nothing is configured.
func DefaultEngineConfig() EngineConfig {
	return EngineConfig{
		Dimension:        384,
		Metric:           MetricCosine,
		ChunkSize:        500,
		ChunkOverlap:     50,
		ScoreThreshold:   0.3,
		Fanout:           3,
		Aggregation:      AggregationMax,
		ContextBudget:    4000,
		DefaultK:         5,
		EmbedTimeout:     30 * time.Second,
		GenerateTimeout:  120 * time.Second,
		EmbedBatchSize:   32,
		EmbedConcurrency: 2,
		EmbedRateLimit:   0,
		EmbedMaxRetries:  3,
	}
}

// AppSettings holds all application settings.
type AppSettings struct {
	// DataDir holds metadata.db and vectors.idx.
	DataDir string

	// LibraryDir holds document manifests for the file fetcher.
	LibraryDir string

	// Engine holds the knowledge base engine configuration.
	Engine EngineConfig

	// Embedding holds embedding provider settings.
	Embedding EmbeddingSettings

	// LLM holds generation provider settings.
	LLM LLMSettings
}

// DefaultAppSettings returns settings with sensible defaults.
// Embeddings default to the offline hashing provider; generation is left unconfigured.
func DefaultAppSettings() AppSettings {
	return AppSettings{
		Engine: DefaultEngineConfig(),
		Embedding: EmbeddingSettings{
			Provider: AIProviderHashing,
			Model:    "hashing-384",
		},
		LLM: LLMSettings{},
	}
}

// AllEmbeddingProviders returns providers that support embeddings.
func AllEmbeddingProviders() []AIProvider {
	return []AIProvider{
		AIProviderHashing,
		AIProviderOllama,
		AIProviderOpenAI,
	}
}

// AllLLMProviders returns providers that support generation.
func AllLLMProviders() []AIProvider {
	return []AIProvider{
		AIProviderOllama,
		AIProviderOpenAI,
		AIProviderAnthropic,
	}
}

// DefaultEmbeddingModels returns default models for each embedding provider.
func DefaultEmbeddingModels() map[AIProvider]string {
	return map[AIProvider]string{
		AIProviderHashing: "hashing-384",
		AIProviderOllama:  "nomic-embed-text",
		AIProviderOpenAI:  "text-embedding-3-small",
	}
}

// DefaultLLMModels returns default models for each LLM provider.
func DefaultLLMModels() map[AIProvider]string {
	return map[AIProvider]string{
		AIProviderOllama:    "llama3.2",
		AIProviderOpenAI:    "gpt-4o-mini",
		AIProviderAnthropic: "claude-3-5-sonnet-latest",
	}
}

// EmbeddingDimensions returns the vector dimensions for known models.
func EmbeddingDimensions() map[string]int {
	return map[string]int{
		"hashing-384": 384,
		// Ollama models
		"nomic-embed-text":  768,
		"mxbai-embed-large": 1024,
		"all-minilm":        384,
		// OpenAI models
		"text-embedding-3-small": 1536,
		"text-embedding-3-large": 3072,
		"text-embedding-ada-002": 1536,
	}
}
