package embedder

import (
	"fmt"
	"os"
	"strings"
	"time"
)

// Config holds embedder configuration
type Config struct {
	Provider          string // jina, openai, local; empty auto-detects from the API keys
	Model             string
	APIKey            string
	BaseURL           string
	RequestsPerSecond float64
	HTTPTimeout       time.Duration
	CacheSize         int // 0 disables the LRU cache
}

// New creates an embedder with explicit configuration
func New(cfg Config) (Embedder, error) {
	provider := strings.ToLower(cfg.Provider)
	if provider == "" {
		provider = detect(os.Getenv(EnvJinaAPIKey), os.Getenv(EnvOpenAIAPIKey))
	}

	var (
		emb Embedder
		err error
	)
	switch provider {
	case ProviderJina:
		key := cfg.APIKey
		if key == "" {
			key = os.Getenv(EnvJinaAPIKey)
		}
		emb, err = NewJinaProvider(JinaOptions{
			APIKey:            key,
			Model:             cfg.Model,
			BaseURL:           cfg.BaseURL,
			RequestsPerSecond: cfg.RequestsPerSecond,
			HTTPTimeout:       cfg.HTTPTimeout,
		})
	case ProviderOpenAI:
		key := cfg.APIKey
		if key == "" {
			key = os.Getenv(EnvOpenAIAPIKey)
		}
		emb, err = NewOpenAIProvider(OpenAIOptions{
			APIKey:            key,
			Model:             cfg.Model,
			BaseURL:           cfg.BaseURL,
			RequestsPerSecond: cfg.RequestsPerSecond,
			HTTPTimeout:       cfg.HTTPTimeout,
		})
	case ProviderLocal:
		emb = NewLocalProvider()
	default:
		return nil, fmt.Errorf("%w: unknown provider %s", ErrUnsupportedModel, cfg.Provider)
	}
	if err != nil {
		return nil, err
	}

	if cfg.CacheSize > 0 {
		emb = WithCache(emb, NewCache(cfg.CacheSize))
	}
	return emb, nil
}

// NewFromEnv creates an embedder based on environment variables
// Priority:
// 1. DOCCACHE_EMBEDDING_PROVIDER (jina, openai, local)
// 2. Check for API keys: JINA_API_KEY, OPENAI_API_KEY
// 3. Default to local if no API keys found
func NewFromEnv() (Embedder, error) {
	return New(Config{
		Provider:  DetectProvider(),
		CacheSize: DefaultCacheSize,
	})
}

// DetectProvider returns the provider that would be used based on current environment
func DetectProvider() string {
	if provider := os.Getenv(EnvProvider); provider != "" {
		return strings.ToLower(provider)
	}
	return detect(os.Getenv(EnvJinaAPIKey), os.Getenv(EnvOpenAIAPIKey))
}

func detect(jinaKey, openaiKey string) string {
	if jinaKey != "" {
		return ProviderJina
	}
	if openaiKey != "" {
		return ProviderOpenAI
	}
	return ProviderLocal
}
