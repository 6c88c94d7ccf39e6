package config

import (
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dshills/doccache-mcp/internal/cache"
	"github.com/dshills/doccache-mcp/internal/embedder"
	"github.com/dshills/doccache-mcp/internal/storage"
)

func TestLoadMissingFileReturnsDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)
	require.NoError(t, cfg.Validate())
}

func TestLoadOverridesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "doccache.yaml")
	data := `
cache_root: /tmp/doccache-test
backend: sqlite
workers: 3
discovery:
  extensions: [".md", ".txt"]
embedding:
  provider: local
  batch_size: 16
retry:
  max_attempts: 5
  base_delay: 250ms
search:
  cache_ttl: 1m
`
	require.NoError(t, os.WriteFile(path, []byte(data), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	require.NoError(t, cfg.Validate())

	assert.Equal(t, "/tmp/doccache-test", cfg.CacheRoot)
	assert.Equal(t, string(storage.BackendSQLite), cfg.Backend)
	assert.Equal(t, 3, cfg.Workers)
	assert.Equal(t, []string{".md", ".txt"}, cfg.Discovery.Extensions)
	assert.Equal(t, 16, cfg.Embedding.BatchSize)
	assert.Equal(t, 5, cfg.Retry.MaxAttempts)
	assert.Equal(t, 250*time.Millisecond, cfg.Retry.BaseDelay)
	assert.Equal(t, time.Minute, cfg.Search.CacheTTL)

	// Untouched fields keep their defaults
	def := Default()
	assert.Equal(t, def.Retry.MaxDelay, cfg.Retry.MaxDelay)
	assert.Equal(t, def.Discovery.ExcludeDirs, cfg.Discovery.ExcludeDirs)
	assert.Equal(t, def.Watch.Debounce, cfg.Watch.Debounce)
}

func TestLoadInvalidYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.yaml")
	require.NoError(t, os.WriteFile(path, []byte("workers: [1, 2"), 0o644))

	_, err := Load(path)
	assert.Error(t, err)
}

func TestSaveRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "config.yaml")
	cfg := Default()
	cfg.CacheRoot = "/srv/cache"
	cfg.Retry.CallTimeout = 7 * time.Second

	require.NoError(t, Save(path, cfg))

	loaded, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, cfg, loaded)
}

func TestApplyEnv(t *testing.T) {
	t.Setenv(EnvCacheRoot, "/env/cache")
	t.Setenv(EnvBackend, "sqlite")
	t.Setenv(EnvWorkers, "7")
	t.Setenv(embedder.EnvProvider, "local")
	t.Setenv(EnvModel, "custom-model")
	t.Setenv(EnvLogLevel, "debug")

	cfg := Default()
	require.NoError(t, cfg.ApplyEnv())

	assert.Equal(t, "/env/cache", cfg.CacheRoot)
	assert.Equal(t, "sqlite", cfg.Backend)
	assert.Equal(t, 7, cfg.Workers)
	assert.Equal(t, "local", cfg.Embedding.Provider)
	assert.Equal(t, "custom-model", cfg.Embedding.Model)
	assert.Equal(t, slog.LevelDebug, cfg.SlogLevel())
}

func TestApplyEnvInvalidWorkers(t *testing.T) {
	t.Setenv(EnvWorkers, "many")

	cfg := Default()
	assert.Error(t, cfg.ApplyEnv())
}

func TestLoadDefaultUsesEnvPath(t *testing.T) {
	path := filepath.Join(t.TempDir(), "custom.yaml")
	require.NoError(t, os.WriteFile(path, []byte("workers: 2\n"), 0o644))
	t.Setenv(EnvConfigPath, path)

	cfg, used, err := LoadDefault()
	require.NoError(t, err)
	assert.Equal(t, path, used)
	assert.Equal(t, 2, cfg.Workers)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"empty cache root", func(c *Config) { c.CacheRoot = "" }},
		{"unknown backend", func(c *Config) { c.Backend = "redis" }},
		{"negative workers", func(c *Config) { c.Workers = -1 }},
		{"unknown provider", func(c *Config) { c.Embedding.Provider = "cohere" }},
		{"batch too large", func(c *Config) { c.Embedding.BatchSize = embedder.MaxBatchSize + 1 }},
		{"jitter out of range", func(c *Config) { c.Retry.Jitter = 1.5 }},
		{"base above max delay", func(c *Config) {
			c.Retry.BaseDelay = time.Minute
			c.Retry.MaxDelay = time.Second
		}},
		{"bad log level", func(c *Config) { c.LogLevel = "loud" }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}

func TestConverters(t *testing.T) {
	t.Setenv("DOCCACHE_TEST_KEY", "secret")

	cfg := Default()
	cfg.Workers = 4
	cfg.Discovery.IncludeHidden = true
	cfg.Embedding.Provider = "openai"
	cfg.Embedding.APIKeyEnv = "DOCCACHE_TEST_KEY"
	cfg.Retry.MaxAttempts = 9

	disc := cfg.DiscoveryConfig()
	assert.Equal(t, 4, disc.Workers)
	assert.True(t, disc.IncludeHidden)
	assert.Equal(t, cfg.Discovery.Extensions, disc.Extensions)

	emb := cfg.EmbedderConfig()
	assert.Equal(t, "openai", emb.Provider)
	assert.Equal(t, "secret", emb.APIKey)
	assert.Equal(t, cfg.Embedding.CacheSize, emb.CacheSize)

	policy := cfg.RetryPolicy()
	assert.Equal(t, 9, policy.MaxAttempts)
	assert.Equal(t, cfg.Retry.BaseDelay, policy.BaseDelay)
}

func TestEmbedderConfigDetectsProvider(t *testing.T) {
	t.Setenv(embedder.EnvProvider, "")
	t.Setenv(embedder.EnvJinaAPIKey, "")
	t.Setenv(embedder.EnvOpenAIAPIKey, "")

	cfg := Default()
	assert.Equal(t, embedder.ProviderLocal, cfg.EmbedderConfig().Provider)
}

func TestCacheOptions(t *testing.T) {
	cfg := Default()
	cfg.CacheRoot = t.TempDir()
	cfg.Backend = "sqlite"
	cfg.CheckpointEvery = 10

	key := cache.StoreKey{RepoID: cache.LocalRepoID, WorkDir: t.TempDir()}
	opts := cfg.CacheOptions(key, nil, nil)

	assert.Equal(t, cfg.CacheRoot, opts.CacheRoot)
	assert.Equal(t, key, opts.Key)
	assert.Equal(t, storage.BackendSQLite, opts.Backend)
	assert.Equal(t, 10, opts.CheckpointEvery)
	assert.NotNil(t, opts.Chunker)
	assert.Nil(t, opts.Embedder)
}
