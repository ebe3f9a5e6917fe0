package ai

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/custodia-labs/sercha-kb/internal/core/domain"
)

// ollamaServer answers the tags endpoint used by the Ollama pings.
func ollamaServer(t *testing.T, status int) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/tags" {
			http.NotFound(w, r)
			return
		}
		w.WriteHeader(status)
		_, _ = w.Write([]byte(`{"models":[]}`))
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestServices_Close(t *testing.T) {
	t.Run("close with nil services", func(t *testing.T) {
		result := &Services{}
		// Should not panic
		result.Close()
	})
}

func TestCreateEmbedder(t *testing.T) {
	tests := []struct {
		name        string
		settings    *domain.EmbeddingSettings
		dimension   int
		wantDims    int
		errContains string
	}{
		{
			name:      "hashing uses the engine dimension",
			settings:  &domain.EmbeddingSettings{Provider: domain.AIProviderHashing},
			dimension: 256,
			wantDims:  256,
		},
		{
			name:      "ollama known model",
			settings:  &domain.EmbeddingSettings{Provider: domain.AIProviderOllama, Model: "nomic-embed-text"},
			dimension: 384,
			wantDims:  768,
		},
		{
			name:      "ollama unknown model falls back to engine dimension",
			settings:  &domain.EmbeddingSettings{Provider: domain.AIProviderOllama, Model: "custom-embed"},
			dimension: 512,
			wantDims:  512,
		},
		{
			name: "openai",
			settings: &domain.EmbeddingSettings{
				Provider: domain.AIProviderOpenAI,
				APIKey:   "test-key",
				Model:    "text-embedding-3-large",
			},
			wantDims: 3072,
		},
		{
			name:        "openai without key",
			settings:    &domain.EmbeddingSettings{Provider: domain.AIProviderOpenAI},
			errContains: "API key is required",
		},
		{
			name:        "anthropic",
			settings:    &domain.EmbeddingSettings{Provider: domain.AIProviderAnthropic, APIKey: "test-key"},
			errContains: "anthropic does not support embeddings",
		},
		{
			name:        "unknown provider",
			settings:    &domain.EmbeddingSettings{Provider: "unknown"},
			errContains: "unsupported embedding provider",
		},
		{
			name:        "nil settings",
			errContains: "not configured",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			svc, err := CreateEmbedder(tt.settings, tt.dimension)

			if tt.errContains != "" {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.errContains)
				assert.Nil(t, svc)
				return
			}
			require.NoError(t, err)
			require.NotNil(t, svc)
			assert.Equal(t, tt.wantDims, svc.Dimensions())
			assert.NoError(t, svc.Close())
		})
	}
}

func TestCreateGenerator(t *testing.T) {
	tests := []struct {
		name        string
		settings    *domain.LLMSettings
		errContains string
	}{
		{
			name:     "ollama",
			settings: &domain.LLMSettings{Provider: domain.AIProviderOllama, Model: "llama3.2"},
		},
		{
			name:     "openai",
			settings: &domain.LLMSettings{Provider: domain.AIProviderOpenAI, APIKey: "test-key"},
		},
		{
			name:     "anthropic",
			settings: &domain.LLMSettings{Provider: domain.AIProviderAnthropic, APIKey: "test-key"},
		},
		{
			name:        "hashing",
			settings:    &domain.LLMSettings{Provider: domain.AIProviderHashing},
			errContains: "cannot generate text",
		},
		{
			name:        "unknown provider",
			settings:    &domain.LLMSettings{Provider: "unknown"},
			errContains: "unsupported LLM provider",
		},
		{
			name:        "nil settings",
			errContains: "not configured",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			svc, err := CreateGenerator(tt.settings)

			if tt.errContains != "" {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.errContains)
				assert.Nil(t, svc)
				return
			}
			require.NoError(t, err)
			assert.NotNil(t, svc)
		})
	}
}

func TestCreateAndValidateEmbedder(t *testing.T) {
	t.Run("unconfigured returns nil", func(t *testing.T) {
		svc, err := CreateAndValidateEmbedder(&domain.EmbeddingSettings{}, 384)

		require.NoError(t, err)
		assert.Nil(t, svc)
	})

	t.Run("hashing needs no service", func(t *testing.T) {
		svc, err := CreateAndValidateEmbedder(&domain.EmbeddingSettings{Provider: domain.AIProviderHashing}, 64)

		require.NoError(t, err)
		require.NotNil(t, svc)
		assert.Equal(t, 64, svc.Dimensions())
	})

	t.Run("reachable ollama", func(t *testing.T) {
		srv := ollamaServer(t, http.StatusOK)

		svc, err := CreateAndValidateEmbedder(&domain.EmbeddingSettings{
			Provider: domain.AIProviderOllama,
			BaseURL:  srv.URL,
			Model:    "all-minilm",
		}, 384)

		require.NoError(t, err)
		require.NotNil(t, svc)
		assert.Equal(t, 384, svc.Dimensions())
	})

	t.Run("unreachable ollama", func(t *testing.T) {
		srv := ollamaServer(t, http.StatusInternalServerError)

		svc, err := CreateAndValidateEmbedder(&domain.EmbeddingSettings{
			Provider: domain.AIProviderOllama,
			BaseURL:  srv.URL,
		}, 384)

		assert.ErrorIs(t, err, domain.ErrEmbeddingUnavailable)
		assert.Contains(t, err.Error(), "sercha-kb settings")
		assert.Nil(t, svc)
	})
}

func TestCreateAndValidateGenerator(t *testing.T) {
	t.Run("unconfigured returns nil", func(t *testing.T) {
		svc, err := CreateAndValidateGenerator(&domain.LLMSettings{})

		require.NoError(t, err)
		assert.Nil(t, svc)
	})

	t.Run("reachable ollama", func(t *testing.T) {
		srv := ollamaServer(t, http.StatusOK)

		svc, err := CreateAndValidateGenerator(&domain.LLMSettings{
			Provider: domain.AIProviderOllama,
			BaseURL:  srv.URL,
		})

		require.NoError(t, err)
		assert.NotNil(t, svc)
	})

	t.Run("unreachable ollama", func(t *testing.T) {
		srv := ollamaServer(t, http.StatusServiceUnavailable)

		svc, err := CreateAndValidateGenerator(&domain.LLMSettings{
			Provider: domain.AIProviderOllama,
			BaseURL:  srv.URL,
		})

		assert.ErrorIs(t, err, domain.ErrGenerationUnavailable)
		assert.Nil(t, svc)
	})
}

func TestInit(t *testing.T) {
	t.Run("defaults embed offline without generation", func(t *testing.T) {
		settings := domain.DefaultAppSettings()

		result := Init(&settings)
		defer result.Close()

		require.NotNil(t, result.Embedder)
		assert.Equal(t, settings.Engine.Dimension, result.Embedder.Dimensions())
		assert.Nil(t, result.Generator)
		assert.Empty(t, result.Warnings)
	})

	t.Run("unreachable generator becomes a warning", func(t *testing.T) {
		srv := ollamaServer(t, http.StatusInternalServerError)
		settings := domain.DefaultAppSettings()
		settings.LLM = domain.LLMSettings{Provider: domain.AIProviderOllama, BaseURL: srv.URL}

		result := Init(&settings)
		defer result.Close()

		assert.NotNil(t, result.Embedder)
		assert.Nil(t, result.Generator)
		require.Len(t, result.Warnings, 1)
		assert.Contains(t, result.Warnings[0], "generation service unavailable")
	})
}
