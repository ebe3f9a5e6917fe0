package services

import (
	"fmt"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/custodia-labs/sercha-kb/internal/core/domain"
	"github.com/custodia-labs/sercha-kb/internal/core/ports/driven"
	"github.com/custodia-labs/sercha-kb/internal/core/ports/driving"
)

// Ensure SettingsService implements the interface.
var _ driving.SettingsService = (*SettingsService)(nil)

// Config keys for settings storage.
//
//nolint:gosec // G101: These are config key names, not actual credentials.
const (
	keyDataDir    = "data_dir"
	keyLibraryDir = "library_dir"

	keyDimension        = "engine.dimension"
	keyMetric           = "engine.metric"
	keyChunkSize        = "engine.chunk_size"
	keyChunkOverlap     = "engine.chunk_overlap"
	keyChunkTolerance   = "engine.chunk_tolerance"
	keyScoreThreshold   = "engine.score_threshold"
	keyFanout           = "engine.fanout"
	keyAggregation      = "engine.aggregation"
	keyContextBudget    = "engine.context_budget"
	keyDefaultK         = "engine.default_k"
	keyEmbedTimeout     = "engine.embed_timeout"
	keyGenerateTimeout  = "engine.generate_timeout"
	keyEmbedBatchSize   = "engine.embed_batch_size"
	keyEmbedConcurrency = "engine.embed_concurrency"
	keyEmbedRateLimit   = "engine.embed_rate_limit"
	keyEmbedMaxRetries  = "engine.embed_max_retries"

	keyEmbedProvider = "embedding.provider"
	keyEmbedModel    = "embedding.model"
	keyEmbedBaseURL  = "embedding.base_url"
	keyEmbedAPIKey   = "embedding.api_key"
	keyLLMProvider   = "llm.provider"
	keyLLMModel      = "llm.model"
	keyLLMBaseURL    = "llm.base_url"
	keyLLMAPIKey     = "llm.api_key"
)

const defaultOllamaURL = "http://localhost:11434"

// SettingsService manages application settings.
type SettingsService struct {
	configStore driven.ConfigStore
	aiValidator driven.AIConfigValidator
}

// NewSettingsService creates a new settings service.
func NewSettingsService(configStore driven.ConfigStore, aiValidator driven.AIConfigValidator) *SettingsService {
	return &SettingsService{
		configStore: configStore,
		aiValidator: aiValidator,
	}
}

// Get retrieves current application settings.
// Missing or unparseable values fall back to the defaults.
func (s *SettingsService) Get() (*domain.AppSettings, error) {
	defaults := domain.DefaultAppSettings()
	d := defaults.Engine

	settings := &domain.AppSettings{
		DataDir:    s.configStore.GetString(keyDataDir),
		LibraryDir: s.configStore.GetString(keyLibraryDir),
		Engine: domain.EngineConfig{
			Dimension:        s.getInt(keyDimension, d.Dimension),
			Metric:           s.getMetric(d.Metric),
			ChunkSize:        s.getInt(keyChunkSize, d.ChunkSize),
			ChunkOverlap:     s.getInt(keyChunkOverlap, d.ChunkOverlap),
			ChunkTolerance:   s.getInt(keyChunkTolerance, d.ChunkTolerance),
			ScoreThreshold:   s.getFloat(keyScoreThreshold, d.ScoreThreshold),
			Fanout:           s.getInt(keyFanout, d.Fanout),
			Aggregation:      s.getAggregation(d.Aggregation),
			ContextBudget:    s.getInt(keyContextBudget, d.ContextBudget),
			DefaultK:         s.getInt(keyDefaultK, d.DefaultK),
			EmbedTimeout:     s.getDuration(keyEmbedTimeout, d.EmbedTimeout),
			GenerateTimeout:  s.getDuration(keyGenerateTimeout, d.GenerateTimeout),
			EmbedBatchSize:   s.getInt(keyEmbedBatchSize, d.EmbedBatchSize),
			EmbedConcurrency: s.getInt(keyEmbedConcurrency, d.EmbedConcurrency),
			EmbedRateLimit:   s.getFloat(keyEmbedRateLimit, d.EmbedRateLimit),
			EmbedMaxRetries:  s.getInt(keyEmbedMaxRetries, d.EmbedMaxRetries),
		},
		Embedding: domain.EmbeddingSettings{
			Provider: s.getProvider(keyEmbedProvider, defaults.Embedding.Provider),
			Model:    s.getString(keyEmbedModel, defaults.Embedding.Model),
			BaseURL:  s.configStore.GetString(keyEmbedBaseURL), // No default - empty is valid for cloud providers
			APIKey:   s.configStore.GetString(keyEmbedAPIKey),
		},
		LLM: domain.LLMSettings{
			Provider: s.getProvider(keyLLMProvider, defaults.LLM.Provider),
			Model:    s.getString(keyLLMModel, defaults.LLM.Model),
			BaseURL:  s.configStore.GetString(keyLLMBaseURL),
			APIKey:   s.configStore.GetString(keyLLMAPIKey),
		},
	}

	return settings, nil
}

// Save persists application settings.
func (s *SettingsService) Save(settings *domain.AppSettings) error {
	e := settings.Engine
	values := []struct {
		key   string
		value any
	}{
		{keyDataDir, settings.DataDir},
		{keyLibraryDir, settings.LibraryDir},
		{keyDimension, e.Dimension},
		{keyMetric, e.Metric.String()},
		{keyChunkSize, e.ChunkSize},
		{keyChunkOverlap, e.ChunkOverlap},
		{keyChunkTolerance, e.ChunkTolerance},
		{keyScoreThreshold, e.ScoreThreshold},
		{keyFanout, e.Fanout},
		{keyAggregation, e.Aggregation.String()},
		{keyContextBudget, e.ContextBudget},
		{keyDefaultK, e.DefaultK},
		{keyEmbedTimeout, e.EmbedTimeout.String()},
		{keyGenerateTimeout, e.GenerateTimeout.String()},
		{keyEmbedBatchSize, e.EmbedBatchSize},
		{keyEmbedConcurrency, e.EmbedConcurrency},
		{keyEmbedRateLimit, e.EmbedRateLimit},
		{keyEmbedMaxRetries, e.EmbedMaxRetries},
		{keyEmbedProvider, settings.Embedding.Provider.String()},
		{keyEmbedModel, settings.Embedding.Model},
		{keyEmbedBaseURL, settings.Embedding.BaseURL},
		{keyLLMProvider, settings.LLM.Provider.String()},
		{keyLLMModel, settings.LLM.Model},
		{keyLLMBaseURL, settings.LLM.BaseURL},
	}
	for _, v := range values {
		if err := s.configStore.Set(v.key, v.value); err != nil {
			return fmt.Errorf("save %s: %w", v.key, err)
		}
	}

	// API keys are only written when present so environment overrides stay in charge.
	if settings.Embedding.APIKey != "" {
		if err := s.configStore.Set(keyEmbedAPIKey, settings.Embedding.APIKey); err != nil {
			return fmt.Errorf("save embedding api_key: %w", err)
		}
	}
	if settings.LLM.APIKey != "" {
		if err := s.configStore.Set(keyLLMAPIKey, settings.LLM.APIKey); err != nil {
			return fmt.Errorf("save llm api_key: %w", err)
		}
	}
	return nil
}

// Keys returns every settable key in sorted order.
func (s *SettingsService) Keys() []string {
	keys := []string{
		keyDataDir, keyLibraryDir,
		keyDimension, keyMetric, keyChunkSize, keyChunkOverlap, keyChunkTolerance,
		keyScoreThreshold, keyFanout, keyAggregation, keyContextBudget, keyDefaultK,
		keyEmbedTimeout, keyGenerateTimeout, keyEmbedBatchSize, keyEmbedConcurrency,
		keyEmbedRateLimit, keyEmbedMaxRetries,
		keyEmbedProvider, keyEmbedModel, keyEmbedBaseURL, keyEmbedAPIKey,
		keyLLMProvider, keyLLMModel, keyLLMBaseURL, keyLLMAPIKey,
	}
	slices.Sort(keys)
	return keys
}

// Set parses value for key, checks the resulting engine configuration
// and persists it. Nothing is written when the value is rejected.
func (s *SettingsService) Set(key, value string) error {
	settings, err := s.Get()
	if err != nil {
		return err
	}
	if err := applySetting(settings, key, strings.TrimSpace(value)); err != nil {
		return err
	}
	if err := settings.Engine.Validate(); err != nil {
		return err
	}
	return s.Save(settings)
}

//nolint:gocyclo // one case per key
func applySetting(settings *domain.AppSettings, key, value string) error {
	e := &settings.Engine
	var err error

	switch key {
	case keyDataDir:
		settings.DataDir = value
	case keyLibraryDir:
		settings.LibraryDir = value
	case keyDimension:
		e.Dimension, err = strconv.Atoi(value)
	case keyMetric:
		e.Metric = domain.Metric(value)
	case keyChunkSize:
		e.ChunkSize, err = strconv.Atoi(value)
	case keyChunkOverlap:
		e.ChunkOverlap, err = strconv.Atoi(value)
	case keyChunkTolerance:
		e.ChunkTolerance, err = strconv.Atoi(value)
	case keyScoreThreshold:
		e.ScoreThreshold, err = strconv.ParseFloat(value, 64)
	case keyFanout:
		e.Fanout, err = strconv.Atoi(value)
	case keyAggregation:
		e.Aggregation = domain.Aggregation(value)
	case keyContextBudget:
		e.ContextBudget, err = strconv.Atoi(value)
	case keyDefaultK:
		e.DefaultK, err = strconv.Atoi(value)
	case keyEmbedTimeout:
		e.EmbedTimeout, err = time.ParseDuration(value)
	case keyGenerateTimeout:
		e.GenerateTimeout, err = time.ParseDuration(value)
	case keyEmbedBatchSize:
		e.EmbedBatchSize, err = strconv.Atoi(value)
	case keyEmbedConcurrency:
		e.EmbedConcurrency, err = strconv.Atoi(value)
	case keyEmbedRateLimit:
		e.EmbedRateLimit, err = strconv.ParseFloat(value, 64)
	case keyEmbedMaxRetries:
		e.EmbedMaxRetries, err = strconv.Atoi(value)
	case keyEmbedProvider:
		p := domain.AIProvider(value)
		if !slices.Contains(domain.AllEmbeddingProviders(), p) {
			return fmt.Errorf("%w: provider %q does not support embeddings", domain.ErrInvalidInput, value)
		}
		settings.Embedding.Provider = p
	case keyEmbedModel:
		settings.Embedding.Model = value
	case keyEmbedBaseURL:
		settings.Embedding.BaseURL = value
	case keyEmbedAPIKey:
		settings.Embedding.APIKey = value
	case keyLLMProvider:
		p := domain.AIProvider(value)
		if !slices.Contains(domain.AllLLMProviders(), p) {
			return fmt.Errorf("%w: provider %q does not support generation", domain.ErrInvalidInput, value)
		}
		settings.LLM.Provider = p
	case keyLLMModel:
		settings.LLM.Model = value
	case keyLLMBaseURL:
		settings.LLM.BaseURL = value
	case keyLLMAPIKey:
		settings.LLM.APIKey = value
	default:
		return fmt.Errorf("%w: unknown setting %q", domain.ErrInvalidInput, key)
	}

	if err != nil {
		return fmt.Errorf("%w: %s: %w", domain.ErrInvalidInput, key, err)
	}
	return nil
}

// SetEmbeddingProvider configures the embedding provider.
// The index dimension follows the model when the model is known.
func (s *SettingsService) SetEmbeddingProvider(provider domain.AIProvider, model, apiKey string) error {
	if !provider.IsValid() {
		return fmt.Errorf("invalid embedding provider: %s", provider)
	}
	if !slices.Contains(domain.AllEmbeddingProviders(), provider) {
		return fmt.Errorf("provider %s does not support embeddings", provider)
	}
	if provider.RequiresAPIKey() && apiKey == "" {
		return fmt.Errorf("API key required for %s", provider)
	}

	settings, err := s.Get()
	if err != nil {
		return err
	}

	settings.Embedding.Provider = provider
	if model != "" {
		settings.Embedding.Model = model
	} else if defaultModel, ok := domain.DefaultEmbeddingModels()[provider]; ok {
		settings.Embedding.Model = defaultModel
	}

	switch {
	case provider == domain.AIProviderOllama:
		if settings.Embedding.BaseURL == "" {
			settings.Embedding.BaseURL = defaultOllamaURL
		}
	default:
		settings.Embedding.BaseURL = ""
	}
	settings.Embedding.APIKey = apiKey

	if d, ok := domain.EmbeddingDimensions()[settings.Embedding.Model]; ok {
		settings.Engine.Dimension = d
	}

	return s.Save(settings)
}

// SetLLMProvider configures the LLM provider.
func (s *SettingsService) SetLLMProvider(provider domain.AIProvider, model, apiKey string) error {
	if !provider.IsValid() || !slices.Contains(domain.AllLLMProviders(), provider) {
		return fmt.Errorf("invalid LLM provider: %s", provider)
	}
	if provider.RequiresAPIKey() && apiKey == "" {
		return fmt.Errorf("API key required for %s", provider)
	}

	settings, err := s.Get()
	if err != nil {
		return err
	}

	settings.LLM.Provider = provider
	if model != "" {
		settings.LLM.Model = model
	} else if defaultModel, ok := domain.DefaultLLMModels()[provider]; ok {
		settings.LLM.Model = defaultModel
	}

	if provider.IsLocal() {
		if settings.LLM.BaseURL == "" {
			settings.LLM.BaseURL = defaultOllamaURL
		}
	} else {
		settings.LLM.BaseURL = ""
	}
	settings.LLM.APIKey = apiKey

	return s.Save(settings)
}

// Validate checks that the engine configuration is consistent and that the
// embedding model, when known, produces vectors of the configured dimension.
func (s *SettingsService) Validate() error {
	settings, err := s.Get()
	if err != nil {
		return err
	}
	if err := settings.Engine.Validate(); err != nil {
		return err
	}
	if !settings.Embedding.IsConfigured() {
		return fmt.Errorf("embedding provider %s is not configured", settings.Embedding.Provider)
	}
	if d, ok := domain.EmbeddingDimensions()[settings.Embedding.Model]; ok && d != settings.Engine.Dimension {
		return fmt.Errorf("%w: model %s produces %d dimensions, engine configured for %d",
			domain.ErrDimensionMismatch, settings.Embedding.Model, d, settings.Engine.Dimension)
	}
	return nil
}

// GetDefaults returns default settings.
func (s *SettingsService) GetDefaults() domain.AppSettings {
	return domain.DefaultAppSettings()
}

// ValidateEmbeddingConfig checks the configured embedding provider against
// the engine dimension and pings it.
func (s *SettingsService) ValidateEmbeddingConfig() error {
	if s.aiValidator == nil {
		return nil
	}
	settings, err := s.Get()
	if err != nil {
		return err
	}
	return s.aiValidator.ValidateEmbedding(&settings.Embedding, settings.Engine.Dimension)
}

// ValidateLLMConfig pings the configured generation provider.
func (s *SettingsService) ValidateLLMConfig() error {
	if s.aiValidator == nil {
		return nil
	}
	settings, err := s.Get()
	if err != nil {
		return err
	}
	return s.aiValidator.ValidateLLM(&settings.LLM)
}

// Helper methods for reading config with defaults.

func (s *SettingsService) getString(key, defaultVal string) string {
	val := s.configStore.GetString(key)
	if val == "" {
		return defaultVal
	}
	return val
}

func (s *SettingsService) getInt(key string, defaultVal int) int {
	if _, exists := s.configStore.Get(key); !exists {
		return defaultVal
	}
	return s.configStore.GetInt(key)
}

func (s *SettingsService) getFloat(key string, defaultVal float64) float64 {
	if _, exists := s.configStore.Get(key); !exists {
		return defaultVal
	}
	return s.configStore.GetFloat(key)
}

func (s *SettingsService) getDuration(key string, defaultVal time.Duration) time.Duration {
	val := s.configStore.GetString(key)
	if val == "" {
		return defaultVal
	}
	d, err := time.ParseDuration(val)
	if err != nil || d < 0 {
		return defaultVal
	}
	return d
}

func (s *SettingsService) getMetric(defaultVal domain.Metric) domain.Metric {
	m := domain.Metric(s.configStore.GetString(keyMetric))
	if !m.IsValid() {
		return defaultVal
	}
	return m
}

func (s *SettingsService) getAggregation(defaultVal domain.Aggregation) domain.Aggregation {
	a := domain.Aggregation(s.configStore.GetString(keyAggregation))
	if !a.IsValid() {
		return defaultVal
	}
	return a
}

func (s *SettingsService) getProvider(key string, defaultVal domain.AIProvider) domain.AIProvider {
	val := s.configStore.GetString(key)
	if val == "" {
		return defaultVal
	}
	provider := domain.AIProvider(val)
	if !provider.IsValid() {
		return defaultVal
	}
	return provider
}
