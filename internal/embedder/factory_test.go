package embedder

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDetectProvider(t *testing.T) {
	tests := []struct {
		name      string
		provider  string
		jinaKey   string
		openaiKey string
		want      string
	}{
		{"explicit jina", "jina", "", "", ProviderJina},
		{"explicit provider is lowercased", "OpenAI", "", "", ProviderOpenAI},
		{"explicit local wins over keys", "local", "k", "k", ProviderLocal},
		{"jina key present", "", "k", "", ProviderJina},
		{"openai key present", "", "", "k", ProviderOpenAI},
		{"jina preferred over openai", "", "k", "k", ProviderJina},
		{"nothing configured", "", "", "", ProviderLocal},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Setenv(EnvProvider, tt.provider)
			t.Setenv(EnvJinaAPIKey, tt.jinaKey)
			t.Setenv(EnvOpenAIAPIKey, tt.openaiKey)

			assert.Equal(t, tt.want, DetectProvider())
		})
	}
}

func TestNewFromEnv_Local(t *testing.T) {
	t.Setenv(EnvProvider, "")
	t.Setenv(EnvJinaAPIKey, "")
	t.Setenv(EnvOpenAIAPIKey, "")

	emb, err := NewFromEnv()
	require.NoError(t, err)
	defer emb.Close()

	assert.Equal(t, ProviderLocal, emb.Provider())
	assert.IsType(t, &CachedEmbedder{}, emb)
}

func TestNew(t *testing.T) {
	t.Setenv(EnvJinaAPIKey, "")
	t.Setenv(EnvOpenAIAPIKey, "")

	t.Run("local without cache", func(t *testing.T) {
		emb, err := New(Config{Provider: "local"})
		require.NoError(t, err)
		assert.IsType(t, &LocalProvider{}, emb)
	})

	t.Run("jina with explicit key and model", func(t *testing.T) {
		emb, err := New(Config{Provider: "jina", APIKey: "k", Model: "jina-embeddings-v2", CacheSize: 10})
		require.NoError(t, err)
		assert.Equal(t, "jina-embeddings-v2", emb.Model())
		assert.Equal(t, ProviderJina, emb.Provider())
	})

	t.Run("openai key from env", func(t *testing.T) {
		t.Setenv(EnvOpenAIAPIKey, "env-key")
		emb, err := New(Config{Provider: "openai"})
		require.NoError(t, err)
		assert.Equal(t, DefaultOpenAIModel, emb.Model())
	})

	t.Run("missing key", func(t *testing.T) {
		_, err := New(Config{Provider: "jina"})
		assert.ErrorIs(t, err, ErrNoProviderEnabled)
	})

	t.Run("unknown provider", func(t *testing.T) {
		_, err := New(Config{Provider: "cohere"})
		assert.ErrorIs(t, err, ErrUnsupportedModel)
	})
}
