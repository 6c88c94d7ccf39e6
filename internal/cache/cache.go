package cache

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/dshills/doccache-mcp/internal/chunker"
	"github.com/dshills/doccache-mcp/internal/discovery"
	"github.com/dshills/doccache-mcp/internal/embedder"
	"github.com/dshills/doccache-mcp/internal/ledger"
	"github.com/dshills/doccache-mcp/internal/manifest"
	"github.com/dshills/doccache-mcp/internal/ranker"
	"github.com/dshills/doccache-mcp/internal/storage"
	"github.com/dshills/doccache-mcp/pkg/types"
)

const (
	// DefaultCheckpointEvery is the number of commits between manifest saves in a directory pass
	DefaultCheckpointEvery = 25

	// DefaultEmbedConcurrency bounds concurrent embedding batches
	DefaultEmbedConcurrency = 2
)

// Options configures a Cache
type Options struct {
	CacheRoot string
	Key       StoreKey
	Backend   storage.Backend

	// Store overrides Backend with an already open store. The cache takes ownership.
	Store storage.ChunkStore

	Chunker   *chunker.Chunker
	Discovery discovery.Config

	// Embedder is optional; without it EnsureEmbeddings fails with types.ErrEmbeddingUnavailable
	Embedder         embedder.Embedder
	BatchSize        int
	EmbedConcurrency int
	Retry            embedder.RetryPolicy

	CheckpointEvery int
	Logger          *slog.Logger
}

// Cache is the coordinator of one store. It owns the manifest, serialises
// every mutation of the manifest and chunk store, and is safe for concurrent use.
type Cache struct {
	mu sync.RWMutex

	key      StoreKey
	dir      string
	backend  storage.Backend
	manifest *manifest.Manifest
	store    storage.ChunkStore
	chunker  *chunker.Chunker
	pool     *discovery.Pool
	discCfg  discovery.Config

	embedder         embedder.Embedder
	batchSize        int
	embedConcurrency int
	retry            embedder.RetryPolicy

	checkpointEvery int
	uncommitted     int
	pendingOrphans  map[types.ChunkID]struct{}
	lastReconcile   time.Time

	lock   IndexLock
	logger *slog.Logger
	closed bool
}

// Open opens (creating when needed) the store for opts.Key under opts.CacheRoot.
// An absent manifest is an empty store. A corrupt manifest is rebuilt from
// the chunk records with zeroed digests so every source is reconciled again.
func Open(ctx context.Context, opts Options) (*Cache, error) {
	if opts.Key.WorkDir == "" {
		return nil, errors.New("store key requires a working directory")
	}
	if opts.CacheRoot == "" {
		return nil, errors.New("cache root is required")
	}

	c := &Cache{
		key:              opts.Key,
		dir:              opts.Key.Dir(opts.CacheRoot),
		backend:          opts.Backend,
		chunker:          opts.Chunker,
		discCfg:          opts.Discovery,
		embedder:         opts.Embedder,
		batchSize:        opts.BatchSize,
		embedConcurrency: opts.EmbedConcurrency,
		retry:            opts.Retry,
		checkpointEvery:  opts.CheckpointEvery,
		pendingOrphans:   make(map[types.ChunkID]struct{}),
		logger:           opts.Logger,
	}
	if c.backend == "" {
		c.backend = storage.BackendFile
	}
	if c.chunker == nil {
		c.chunker = chunker.New()
	}
	if c.discCfg.Workers == 0 && len(c.discCfg.Extensions) == 0 && len(c.discCfg.ExcludeDirs) == 0 {
		c.discCfg = discovery.DefaultConfig()
	}
	if c.batchSize <= 0 || c.batchSize > embedder.MaxBatchSize {
		c.batchSize = embedder.DefaultBatchSize
	}
	if c.embedConcurrency <= 0 {
		c.embedConcurrency = DefaultEmbedConcurrency
	}
	if c.checkpointEvery <= 0 {
		c.checkpointEvery = DefaultCheckpointEvery
	}
	if c.logger == nil {
		c.logger = slog.Default()
	}
	c.logger = c.logger.With("store", c.key.String())
	c.pool = discovery.NewPool(c.discCfg, c.chunker, c.logger)

	if err := os.MkdirAll(c.dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create store directory: %w", err)
	}

	c.store = opts.Store
	if c.store == nil {
		store, err := storage.Open(ctx, c.backend, c.dir)
		if err != nil {
			return nil, fmt.Errorf("failed to open chunk store: %w", err)
		}
		c.store = store
	}

	if r, ok := c.store.(storage.Resettable); ok && r.WasReset() {
		c.logger.Warn("chunk store schema was incompatible and has been reset")
		if err := c.rebuildManifest(ctx); err != nil {
			_ = c.store.Close()
			return nil, err
		}
		return c, nil
	}

	m, err := manifest.Load(c.dir)
	switch {
	case err == nil:
		c.manifest = m
	case errors.Is(err, types.ErrManifestCorrupt):
		c.logger.Warn("manifest corrupt, rebuilding from chunk records", "error", err)
		if err := c.rebuildManifest(ctx); err != nil {
			_ = c.store.Close()
			return nil, err
		}
	default:
		_ = c.store.Close()
		return nil, fmt.Errorf("failed to load manifest: %w", err)
	}

	return c, nil
}

// Close persists pending work and releases the store
func (c *Cache) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return nil
	}
	c.closed = true

	_, cpErr := c.checkpointLocked(context.Background())
	closeErr := c.store.Close()
	if cpErr != nil {
		return cpErr
	}
	return closeErr
}

// Dir returns the store directory
func (c *Cache) Dir() string {
	return c.dir
}

// Key returns the store key
func (c *Cache) Key() StoreKey {
	return c.key
}

// WorkDir returns the absolute working directory the store indexes
func (c *Cache) WorkDir() string {
	return c.key.WorkDir
}

// Embedder returns the configured embedder, nil when embeddings are unavailable
func (c *Cache) Embedder() embedder.Embedder {
	return c.embedder
}

// DiscoveryConfig returns the inclusion rules used for directory passes
func (c *Cache) DiscoveryConfig() discovery.Config {
	return c.discCfg
}

// NeedsUpdate reports whether sourcePath must be re-chunked for digest
func (c *Cache) NeedsUpdate(sourcePath string, digest types.Digest) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return ledger.NeedsUpdate(sourcePath, digest, c.manifest)
}

// Lookup returns the manifest entry for sourcePath
func (c *Cache) Lookup(sourcePath string) (types.ManifestEntry, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	entry, ok := c.manifest.Lookup(sourcePath)
	if ok {
		entry.ChunkIDs = append([]types.ChunkID(nil), entry.ChunkIDs...)
	}
	return entry, ok
}

// GetChunks returns the stored records for ids, skipping unreadable ones
func (c *Cache) GetChunks(ctx context.Context, ids []types.ChunkID) ([]*types.Chunk, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed {
		return nil, types.ErrCacheClosed
	}

	chunks := make([]*types.Chunk, 0, len(ids))
	for _, id := range ids {
		chunk, err := c.store.Get(ctx, id)
		if err != nil {
			if storage.IsNotFound(err) || errors.Is(err, types.ErrSchemaIncompatible) {
				c.logger.Warn("skipping unreadable chunk", "chunk_id", id, "error", err)
				continue
			}
			return nil, err
		}
		chunks = append(chunks, chunk)
	}
	return chunks, nil
}

// GetChunksForDirectory returns every chunk whose source lies under dir
// (relative to the working directory, "" for all), ordered by source path
// then ordinal. Dangling references are skipped and logged.
func (c *Cache) GetChunksForDirectory(ctx context.Context, dir string) ([]*types.Chunk, error) {
	prefix, err := c.relPath(dir)
	if err != nil {
		return nil, err
	}

	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed {
		return nil, types.ErrCacheClosed
	}

	var chunks []*types.Chunk
	for _, p := range c.manifest.Paths() {
		if !underPrefix(p, prefix) {
			continue
		}
		entry, _ := c.manifest.Lookup(p)
		for _, id := range entry.ChunkIDs {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
			chunk, err := c.store.Get(ctx, id)
			if err != nil {
				if storage.IsNotFound(err) || errors.Is(err, types.ErrSchemaIncompatible) {
					c.logger.Warn("dangling manifest reference", "path", p, "chunk_id", id, "error", err)
					continue
				}
				return nil, fmt.Errorf("failed to read chunk %s: %w", id, err)
			}
			chunks = append(chunks, chunk)
		}
	}
	return chunks, nil
}

// Rank orders candidates by similarity to query
func (c *Cache) Rank(query []float32, candidates []*types.Chunk, k int) []types.ScoredChunk {
	return ranker.Rank(query, candidates, k)
}

// Stats describes the current state of a store
type Stats struct {
	StoreDir          string    `json:"store_dir"`
	RepoID            string    `json:"repo_id"`
	WorkDir           string    `json:"work_dir"`
	Backend           string    `json:"backend"`
	Sources           int       `json:"sources"`
	Chunks            int       `json:"chunks"`
	Embedded          int       `json:"embedded"`
	PendingEmbeddings int       `json:"pending_embeddings"`
	FailedEmbeddings  int       `json:"failed_embeddings"`
	SkippedEmbeddings int       `json:"skipped_embeddings"`
	PendingOrphans    int       `json:"pending_orphans"`
	EstimatedTokens   int       `json:"estimated_tokens"`
	EmbeddingProvider string    `json:"embedding_provider,omitempty"`
	EmbeddingModel    string    `json:"embedding_model,omitempty"`
	Reconciling       bool      `json:"reconciling"`
	LastReconciled    time.Time `json:"last_reconciled,omitempty"`
}

// Stats reads every referenced record to count embedding states
func (c *Cache) Stats(ctx context.Context) (Stats, error) {
	chunks, err := c.GetChunksForDirectory(ctx, "")
	if err != nil {
		return Stats{}, err
	}

	c.mu.RLock()
	stats := Stats{
		StoreDir:       c.dir,
		RepoID:         c.key.RepoID,
		WorkDir:        c.key.WorkDir,
		Backend:        string(c.backend),
		Sources:        c.manifest.Len(),
		Chunks:         c.manifest.ChunkCount(),
		PendingOrphans: len(c.pendingOrphans),
		Reconciling:    c.lock.Held(),
		LastReconciled: c.lastReconcile,
	}
	c.mu.RUnlock()

	model := ""
	if c.embedder != nil {
		stats.EmbeddingProvider = c.embedder.Provider()
		model = c.embedder.Model()
		stats.EmbeddingModel = model
	}
	for _, chunk := range chunks {
		stats.EstimatedTokens += chunk.TokenCount()
		switch {
		case chunk.Content == "":
			stats.SkippedEmbeddings++
		case chunk.EmbeddingStatus == types.EmbeddingFailed:
			stats.FailedEmbeddings++
		case chunk.HasEmbedding() && (model == "" || chunk.EmbeddingModel == model):
			stats.Embedded++
		default:
			stats.PendingEmbeddings++
		}
	}
	return stats, nil
}

// relPath converts p (absolute, or relative to the working directory) to the
// slash-separated relative form used as a manifest key
func (c *Cache) relPath(p string) (string, error) {
	if p == "" || p == "." {
		return "", nil
	}
	if filepath.IsAbs(p) {
		rel, err := filepath.Rel(c.key.WorkDir, p)
		if err != nil {
			return "", fmt.Errorf("path %s is outside the working directory: %w", p, err)
		}
		p = rel
	}
	p = path.Clean(filepath.ToSlash(p))
	if p == "." {
		return "", nil
	}
	if p == ".." || strings.HasPrefix(p, "../") {
		return "", fmt.Errorf("path %s is outside the working directory", p)
	}
	return p, nil
}

// underPrefix reports whether source path p lies in directory prefix
func underPrefix(p, prefix string) bool {
	return prefix == "" || p == prefix || strings.HasPrefix(p, prefix+"/")
}
