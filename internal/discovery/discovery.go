// Package discovery enumerates source documents under a working directory and
// hashes and chunks them on a bounded worker pool.
//
// Workers never touch the manifest or the chunk store. They produce candidate
// chunk sets which the cache coordinator commits one at a time.
package discovery

import (
	"context"
	"fmt"
	"io/fs"
	"log/slog"
	"path"
	"path/filepath"
	"runtime"
	"sort"
	"strings"

	"golang.org/x/sync/errgroup"

	"github.com/dshills/doccache-mcp/internal/chunker"
	"github.com/dshills/doccache-mcp/internal/ledger"
	"github.com/dshills/doccache-mcp/pkg/types"
)

// DefaultMaxFileSize skips documents larger than 10 MiB
const DefaultMaxFileSize = 10 << 20

// DefaultExtensions are the document types indexed when none are configured
var DefaultExtensions = []string{".md", ".markdown"}

// DefaultExcludeDirs are conventional non-content directories
var DefaultExcludeDirs = []string{
	".git", ".hg", ".svn", "node_modules", "vendor", "dist", "build", "target",
	"__pycache__", ".venv", "venv", ".cache", ".idea", ".vscode",
}

// Config contains configuration for discovery
type Config struct {
	Workers       int      // Number of concurrent workers (default: runtime.NumCPU())
	Extensions    []string // Included file extensions, case-insensitive
	ExcludeDirs   []string // Directory names never descended into
	IncludeHidden bool     // Descend into dot-directories and read dot-files
	MaxFileSize   int64    // Larger files fail with ErrFileTooLarge; 0 disables the limit
}

// DefaultConfig returns the markdown-only configuration
func DefaultConfig() Config {
	return Config{
		Workers:     runtime.NumCPU(),
		Extensions:  append([]string(nil), DefaultExtensions...),
		ExcludeDirs: append([]string(nil), DefaultExcludeDirs...),
		MaxFileSize: DefaultMaxFileSize,
	}
}

func (c Config) normalized() Config {
	if c.Workers <= 0 {
		c.Workers = runtime.NumCPU()
	}
	if len(c.Extensions) == 0 {
		c.Extensions = DefaultExtensions
	}
	return c
}

// SkipDir reports whether a directory with this base name is excluded
func (c Config) SkipDir(name string) bool {
	if !c.IncludeHidden && strings.HasPrefix(name, ".") && name != "." {
		return true
	}
	for _, ex := range c.ExcludeDirs {
		if name == ex {
			return true
		}
	}
	return false
}

// Includes reports whether the file at relPath should be indexed
func (c Config) Includes(relPath string) bool {
	c = c.normalized()
	base := path.Base(filepath.ToSlash(relPath))
	if !c.IncludeHidden && strings.HasPrefix(base, ".") {
		return false
	}
	ext := strings.ToLower(path.Ext(base))
	for _, want := range c.Extensions {
		if ext == strings.ToLower(want) {
			return true
		}
	}
	return false
}

// Excluded reports whether relPath lies inside an excluded directory
func (c Config) Excluded(relPath string) bool {
	dir := path.Dir(filepath.ToSlash(relPath))
	if dir == "." {
		return false
	}
	for _, part := range strings.Split(dir, "/") {
		if c.SkipDir(part) {
			return true
		}
	}
	return false
}

// Discover walks root and returns the slash-separated relative paths of
// every included file in sorted order
func Discover(ctx context.Context, root string, cfg Config) ([]string, error) {
	cfg = cfg.normalized()
	var files []string

	err := filepath.WalkDir(root, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if err := ctx.Err(); err != nil {
			return err
		}

		if d.IsDir() {
			if p != root && cfg.SkipDir(d.Name()) {
				return filepath.SkipDir
			}
			return nil
		}
		if !d.Type().IsRegular() {
			return nil
		}

		rel, err := filepath.Rel(root, p)
		if err != nil {
			return err
		}
		rel = filepath.ToSlash(rel)
		if cfg.Includes(rel) {
			files = append(files, rel)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to discover files: %w", err)
	}

	sort.Strings(files)
	return files, nil
}

// Tracker answers whether a source needs re-chunking for a digest
type Tracker interface {
	NeedsUpdate(sourcePath string, digest types.Digest) bool
}

// Result is the outcome of scanning one file
type Result struct {
	SourcePath string
	Digest     types.Digest
	SizeBytes  int64
	Changed    bool           // Digest differs from the tracker; Chunks is populated
	Chunks     []*types.Chunk // Candidate chunk set, nil when unchanged
	Err        error
}

// ErrFileTooLarge is returned for files above Config.MaxFileSize
var ErrFileTooLarge = ledger.ErrFileTooLarge

// ScanFile reads, hashes and (when the tracker says so) chunks one file.
// The digest and the chunks come from the same bytes.
func ScanFile(root, relPath string, cfg Config, c *chunker.Chunker, tracker Tracker) Result {
	res := Result{SourcePath: relPath}
	full := filepath.Join(root, filepath.FromSlash(relPath))

	data, info, err := ledger.ReadFile(full, cfg.MaxFileSize)
	if err != nil {
		res.Err = err
		return res
	}
	res.Digest = info.Digest
	res.SizeBytes = info.SizeBytes

	if tracker != nil && !tracker.NeedsUpdate(relPath, res.Digest) {
		return res
	}

	chunks, _, err := c.ChunkDocument(data, relPath)
	if err != nil {
		res.Err = err
		return res
	}
	res.Changed = true
	res.Chunks = chunks
	return res
}

// Pool processes files on a bounded set of workers
type Pool struct {
	cfg     Config
	chunker *chunker.Chunker
	logger  *slog.Logger
}

// NewPool creates a pool. A nil chunker uses chunker.New(); a nil logger uses slog.Default().
func NewPool(cfg Config, c *chunker.Chunker, logger *slog.Logger) *Pool {
	if c == nil {
		c = chunker.New()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Pool{cfg: cfg.normalized(), chunker: c, logger: logger}
}

// Workers returns the configured concurrency
func (p *Pool) Workers() int {
	return p.cfg.Workers
}

// Run scans paths (relative to root) concurrently and streams each result as
// soon as it completes. The channel is closed after the last result, or early
// when ctx is cancelled; callers detect the latter through ctx.Err().
func (p *Pool) Run(ctx context.Context, root string, paths []string, tracker Tracker) <-chan Result {
	out := make(chan Result, p.cfg.Workers)

	go func() {
		defer close(out)

		g, gctx := errgroup.WithContext(ctx)
		g.SetLimit(p.cfg.Workers)

		for _, rel := range paths {
			if gctx.Err() != nil {
				break
			}
			g.Go(func() error {
				if gctx.Err() != nil {
					return nil
				}
				res := ScanFile(root, rel, p.cfg, p.chunker, tracker)
				if res.Err != nil {
					p.logger.Debug("scan failed", "path", rel, "error", res.Err)
				}
				select {
				case out <- res:
				case <-gctx.Done():
				}
				return nil
			})
		}

		_ = g.Wait()
	}()

	return out
}
