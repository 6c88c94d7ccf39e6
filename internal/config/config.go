// Package config loads doccache settings from YAML with environment overrides.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/dshills/doccache-mcp/internal/cache"
	"github.com/dshills/doccache-mcp/internal/chunker"
	"github.com/dshills/doccache-mcp/internal/discovery"
	"github.com/dshills/doccache-mcp/internal/embedder"
	"github.com/dshills/doccache-mcp/internal/storage"
)

// Environment overrides
const (
	EnvConfigPath = "DOCCACHE_CONFIG"
	EnvCacheRoot  = "DOCCACHE_CACHE_ROOT"
	EnvBackend    = "DOCCACHE_BACKEND"
	EnvWorkers    = "DOCCACHE_WORKERS"
	EnvModel      = "DOCCACHE_EMBEDDING_MODEL"
	EnvLogLevel   = "DOCCACHE_LOG_LEVEL"
)

// DefaultFileName is looked up in the current directory by LoadDefault
const DefaultFileName = "doccache.yaml"

// DiscoveryConfig selects which files are indexed
type DiscoveryConfig struct {
	Extensions    []string `yaml:"extensions"`
	ExcludeDirs   []string `yaml:"exclude_dirs"`
	IncludeHidden bool     `yaml:"include_hidden"`
	MaxFileSize   int64    `yaml:"max_file_size"`
}

// EmbeddingConfig selects and configures the embedding provider
type EmbeddingConfig struct {
	Provider          string        `yaml:"provider"` // jina, openai, local; empty auto-detects
	Model             string        `yaml:"model"`
	APIKeyEnv         string        `yaml:"api_key_env"`
	BaseURL           string        `yaml:"base_url"`
	BatchSize         int           `yaml:"batch_size"`
	Concurrency       int           `yaml:"concurrency"`
	RequestsPerSecond float64       `yaml:"requests_per_second"`
	HTTPTimeout       time.Duration `yaml:"http_timeout"`
	CacheSize         int           `yaml:"cache_size"`
	Auto              bool          `yaml:"auto"` // Embed after every directory pass
}

// RetryConfig mirrors embedder.RetryPolicy
type RetryConfig struct {
	MaxAttempts int           `yaml:"max_attempts"`
	BaseDelay   time.Duration `yaml:"base_delay"`
	MaxDelay    time.Duration `yaml:"max_delay"`
	Multiplier  float64       `yaml:"multiplier"`
	Jitter      float64       `yaml:"jitter"`
	CallTimeout time.Duration `yaml:"call_timeout"`
}

// SearchConfig tunes query handling
type SearchConfig struct {
	DefaultLimit int           `yaml:"default_limit"`
	CacheTTL     time.Duration `yaml:"cache_ttl"`
}

// WatchConfig tunes watch mode
type WatchConfig struct {
	Debounce time.Duration `yaml:"debounce"`
}

// Config is the root configuration
type Config struct {
	CacheRoot       string          `yaml:"cache_root"`
	Backend         string          `yaml:"backend"`
	Workers         int             `yaml:"workers"`
	CheckpointEvery int             `yaml:"checkpoint_every"`
	MaxChunkTokens  int             `yaml:"max_chunk_tokens"`
	LogLevel        string          `yaml:"log_level"`
	Discovery       DiscoveryConfig `yaml:"discovery"`
	Embedding       EmbeddingConfig `yaml:"embedding"`
	Retry           RetryConfig     `yaml:"retry"`
	Search          SearchConfig    `yaml:"search"`
	Watch           WatchConfig     `yaml:"watch"`
}

// Default returns the built-in configuration
func Default() *Config {
	retry := embedder.DefaultRetryPolicy()
	disc := discovery.DefaultConfig()
	return &Config{
		CacheRoot:       defaultCacheRoot(),
		Backend:         string(storage.BackendFile),
		Workers:         disc.Workers,
		CheckpointEvery: 25,
		MaxChunkTokens:  chunker.MaxTokensPerChunk,
		LogLevel:        "info",
		Discovery: DiscoveryConfig{
			Extensions:  disc.Extensions,
			ExcludeDirs: disc.ExcludeDirs,
			MaxFileSize: disc.MaxFileSize,
		},
		Embedding: EmbeddingConfig{
			BatchSize:   embedder.DefaultBatchSize,
			Concurrency: 2,
			HTTPTimeout: 30 * time.Second,
			CacheSize:   embedder.DefaultCacheSize,
			Auto:        true,
		},
		Retry: RetryConfig{
			MaxAttempts: retry.MaxAttempts,
			BaseDelay:   retry.BaseDelay,
			MaxDelay:    retry.MaxDelay,
			Multiplier:  retry.Multiplier,
			Jitter:      retry.Jitter,
			CallTimeout: retry.CallTimeout,
		},
		Search: SearchConfig{
			DefaultLimit: 10,
			CacheTTL:     5 * time.Minute,
		},
		Watch: WatchConfig{
			Debounce: 500 * time.Millisecond,
		},
	}
}

func defaultCacheRoot() string {
	if dir, err := os.UserCacheDir(); err == nil {
		return filepath.Join(dir, "doccache")
	}
	return ".doccache"
}

// Load reads a config from path over the defaults. A missing file returns the defaults.
func Load(path string) (*Config, error) {
	cfg := Default()
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return cfg, nil
		}
		return nil, err
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse %s: %w", path, err)
	}
	return cfg, nil
}

// LoadDefault resolves the config path ($DOCCACHE_CONFIG, ./doccache.yaml,
// then ~/.config/doccache/config.yaml), loads it and applies environment
// overrides. It returns the path that was used, or "" for pure defaults.
func LoadDefault() (*Config, string, error) {
	path := os.Getenv(EnvConfigPath)
	if path == "" {
		path = firstExisting(DefaultFileName, userConfigPath())
	}

	cfg, err := Load(path)
	if err != nil {
		return nil, "", err
	}
	if err := cfg.ApplyEnv(); err != nil {
		return nil, "", err
	}
	if _, statErr := os.Stat(path); statErr != nil {
		path = ""
	}
	return cfg, path, nil
}

func firstExisting(paths ...string) string {
	for _, p := range paths {
		if p == "" {
			continue
		}
		if _, err := os.Stat(p); err == nil {
			return p
		}
	}
	return ""
}

func userConfigPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, ".config", "doccache", "config.yaml")
}

// Save writes the config to path, creating directories as needed
func Save(path string, cfg *Config) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o644)
}

// ApplyEnv overrides fields from DOCCACHE_* environment variables
func (c *Config) ApplyEnv() error {
	if v := os.Getenv(EnvCacheRoot); v != "" {
		c.CacheRoot = v
	}
	if v := os.Getenv(EnvBackend); v != "" {
		c.Backend = v
	}
	if v := os.Getenv(EnvWorkers); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("invalid %s: %w", EnvWorkers, err)
		}
		c.Workers = n
	}
	if v := os.Getenv(embedder.EnvProvider); v != "" {
		c.Embedding.Provider = v
	}
	if v := os.Getenv(EnvModel); v != "" {
		c.Embedding.Model = v
	}
	if v := os.Getenv(EnvLogLevel); v != "" {
		c.LogLevel = v
	}
	return nil
}

// Validate rejects impossible values
func (c *Config) Validate() error {
	var errs []error
	if c.CacheRoot == "" {
		errs = append(errs, errors.New("cache_root is required"))
	}
	if _, err := storage.ParseBackend(c.Backend); err != nil {
		errs = append(errs, err)
	}
	if c.Workers < 0 {
		errs = append(errs, errors.New("workers must be >= 0"))
	}
	if c.MaxChunkTokens < 0 {
		errs = append(errs, errors.New("max_chunk_tokens must be >= 0"))
	}
	switch strings.ToLower(c.Embedding.Provider) {
	case "", embedder.ProviderJina, embedder.ProviderOpenAI, embedder.ProviderLocal:
	default:
		errs = append(errs, fmt.Errorf("unknown embedding provider %q", c.Embedding.Provider))
	}
	if c.Embedding.BatchSize < 0 || c.Embedding.BatchSize > embedder.MaxBatchSize {
		errs = append(errs, fmt.Errorf("embedding.batch_size must be between 0 and %d", embedder.MaxBatchSize))
	}
	if c.Retry.MaxAttempts < 0 {
		errs = append(errs, errors.New("retry.max_attempts must be >= 0"))
	}
	if c.Retry.Jitter < 0 || c.Retry.Jitter > 1 {
		errs = append(errs, errors.New("retry.jitter must be between 0 and 1"))
	}
	if c.Retry.MaxDelay > 0 && c.Retry.BaseDelay > c.Retry.MaxDelay {
		errs = append(errs, errors.New("retry.base_delay must not exceed retry.max_delay"))
	}
	if _, err := parseLevel(c.LogLevel); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// RetryPolicy converts the retry section
func (c *Config) RetryPolicy() embedder.RetryPolicy {
	return embedder.RetryPolicy{
		MaxAttempts: c.Retry.MaxAttempts,
		BaseDelay:   c.Retry.BaseDelay,
		MaxDelay:    c.Retry.MaxDelay,
		Multiplier:  c.Retry.Multiplier,
		Jitter:      c.Retry.Jitter,
		CallTimeout: c.Retry.CallTimeout,
	}
}

// DiscoveryConfig converts the discovery section
func (c *Config) DiscoveryConfig() discovery.Config {
	return discovery.Config{
		Workers:       c.Workers,
		Extensions:    c.Discovery.Extensions,
		ExcludeDirs:   c.Discovery.ExcludeDirs,
		IncludeHidden: c.Discovery.IncludeHidden,
		MaxFileSize:   c.Discovery.MaxFileSize,
	}
}

// EmbedderConfig converts the embedding section, resolving the API key from
// api_key_env when set
func (c *Config) EmbedderConfig() embedder.Config {
	cfg := embedder.Config{
		Provider:          c.Embedding.Provider,
		Model:             c.Embedding.Model,
		BaseURL:           c.Embedding.BaseURL,
		RequestsPerSecond: c.Embedding.RequestsPerSecond,
		HTTPTimeout:       c.Embedding.HTTPTimeout,
		CacheSize:         c.Embedding.CacheSize,
	}
	if c.Embedding.APIKeyEnv != "" {
		cfg.APIKey = os.Getenv(c.Embedding.APIKeyEnv)
	}
	if cfg.Provider == "" {
		cfg.Provider = embedder.DetectProvider()
	}
	return cfg
}

// CacheOptions builds the coordinator options for one store. emb may be nil.
func (c *Config) CacheOptions(key cache.StoreKey, emb embedder.Embedder, logger *slog.Logger) cache.Options {
	backend, _ := storage.ParseBackend(c.Backend)
	return cache.Options{
		CacheRoot:        c.CacheRoot,
		Key:              key,
		Backend:          backend,
		Chunker:          chunker.NewWithMaxTokens(c.MaxChunkTokens),
		Discovery:        c.DiscoveryConfig(),
		Embedder:         emb,
		BatchSize:        c.Embedding.BatchSize,
		EmbedConcurrency: c.Embedding.Concurrency,
		Retry:            c.RetryPolicy(),
		CheckpointEvery:  c.CheckpointEvery,
		Logger:           logger,
	}
}

// SlogLevel returns the configured log level
func (c *Config) SlogLevel() slog.Level {
	level, err := parseLevel(c.LogLevel)
	if err != nil {
		return slog.LevelInfo
	}
	return level
}

func parseLevel(s string) (slog.Level, error) {
	if s == "" {
		return slog.LevelInfo, nil
	}
	var level slog.Level
	if err := level.UnmarshalText([]byte(s)); err != nil {
		return slog.LevelInfo, fmt.Errorf("invalid log_level %q", s)
	}
	return level, nil
}
