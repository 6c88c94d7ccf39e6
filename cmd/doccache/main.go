package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/dshills/doccache-mcp/internal/cache"
	"github.com/dshills/doccache-mcp/internal/config"
	"github.com/dshills/doccache-mcp/internal/embedder"
)

var (
	version   = "dev"
	buildTime = "unknown"
)

var (
	configPath string
	cacheRoot  string
	backend    string
	verbose    bool

	cfg    *config.Config
	logger *slog.Logger
)

var rootCmd = &cobra.Command{
	Use:   "doccache",
	Short: "Content-addressed chunk cache and semantic index for documentation trees",
	Long: `doccache splits markdown documents into heading-delimited chunks, keeps them in a
per-working-directory store that only changes for files whose content changed, and ranks
chunks against natural language queries with vector embeddings.`,
	SilenceUsage:      true,
	PersistentPreRunE: setup,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "config file (default $DOCCACHE_CONFIG or ./doccache.yaml)")
	rootCmd.PersistentFlags().StringVar(&cacheRoot, "cache-root", "", "override the cache root directory")
	rootCmd.PersistentFlags().StringVar(&backend, "backend", "", "override the chunk store backend (file, sqlite)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable debug logging")
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		os.Exit(1)
	}
}

// setup loads .env, the config file and environment overrides, then installs
// the stderr logger. stdout is reserved for command output and the MCP protocol.
func setup(cmd *cobra.Command, _ []string) error {
	_ = godotenv.Load()

	var err error
	if configPath != "" {
		cfg, err = config.Load(configPath)
		if err == nil {
			err = cfg.ApplyEnv()
		}
	} else {
		cfg, _, err = config.LoadDefault()
	}
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	if cacheRoot != "" {
		cfg.CacheRoot = cacheRoot
	}
	if backend != "" {
		cfg.Backend = backend
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	level := cfg.SlogLevel()
	if verbose {
		level = slog.LevelDebug
	}
	logger = slog.New(slog.NewTextHandler(cmd.ErrOrStderr(), &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)
	return nil
}

// workDirArg resolves the optional positional working directory, defaulting to "."
func workDirArg(args []string) (string, error) {
	dir := "."
	if len(args) > 0 {
		dir = args[0]
	}
	return filepath.Abs(dir)
}

// openCache opens the store of workDir. withEmbedder builds the configured provider.
func openCache(ctx context.Context, workDir string, withEmbedder bool) (*cache.Cache, error) {
	key, err := cache.NewStoreKey(workDir)
	if err != nil {
		return nil, err
	}

	var emb embedder.Embedder
	if withEmbedder {
		emb, err = embedder.New(cfg.EmbedderConfig())
		if err != nil {
			return nil, fmt.Errorf("failed to initialize embedder: %w", err)
		}
	}

	c, err := cache.Open(ctx, cfg.CacheOptions(key, emb, logger))
	if err != nil {
		if emb != nil {
			_ = emb.Close()
		}
		return nil, err
	}
	return c, nil
}

// closeCache closes the cache and its embedder
func closeCache(c *cache.Cache) {
	if err := c.Close(); err != nil {
		logger.Error("failed to close cache", "error", err)
	}
	if emb := c.Embedder(); emb != nil {
		_ = emb.Close()
	}
}
