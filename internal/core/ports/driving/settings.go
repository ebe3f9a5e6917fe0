package driving

import "github.com/custodia-labs/sercha-kb/internal/core/domain"

// SettingsService manages application settings.
type SettingsService interface {
	// Get retrieves current application settings.
	Get() (*domain.AppSettings, error)

	// Save persists application settings.
	Save(settings *domain.AppSettings) error

	// Set stores a single setting by its dotted key.
	// Returns domain.ErrInvalidInput for a malformed value.
	Set(key, value string) error

	// Keys returns every settable key.
	Keys() []string

	// SetEmbeddingProvider configures the embedding provider and sizes the
	// engine dimension to the model when it is known.
	SetEmbeddingProvider(provider domain.AIProvider, model, apiKey string) error

	// SetLLMProvider configures the generation provider.
	SetLLMProvider(provider domain.AIProvider, model, apiKey string) error

	// Validate checks the settings are complete and consistent.
	Validate() error

	// ValidateEmbeddingConfig checks the embedding model against the engine
	// dimension and pings the provider.
	ValidateEmbeddingConfig() error

	// ValidateLLMConfig pings the configured generation provider.
	ValidateLLMConfig() error

	// GetDefaults returns default settings.
	GetDefaults() domain.AppSettings
}
