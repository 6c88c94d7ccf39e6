// Package watcher keeps a store in sync with its working directory by
// reconciling files as the filesystem reports changes.
//
// Events are debounced: a burst of writes to the same file produces one
// reconciliation. Removed directories are handled with a directory pass,
// which drops every source that lived under them.
package watcher

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/dshills/doccache-mcp/internal/cache"
	"github.com/dshills/doccache-mcp/internal/discovery"
	"github.com/dshills/doccache-mcp/pkg/types"
)

// DefaultDebounce is the quiet period before pending changes are applied
const DefaultDebounce = 500 * time.Millisecond

// Reconciler is the part of the cache the watcher drives
type Reconciler interface {
	WorkDir() string
	DiscoveryConfig() discovery.Config
	ReconcileFile(ctx context.Context, sourcePath string) (types.ReconcileResult, error)
	ReconcileDirectory(ctx context.Context, dir string, opts cache.PassOptions) (types.DirectorySummary, error)
	EnsureEmbeddings(ctx context.Context, ids []types.ChunkID) (types.EmbeddingReport, error)
}

var _ Reconciler = (*cache.Cache)(nil)

// FlushReport describes one batch of applied changes
type FlushReport struct {
	Files       []string // Reconciled source paths
	Directories []string // Directories handled with a directory pass
	Changed     int      // Files whose chunks changed
	Failures    []types.FileFailure
}

// Options configures a Watcher
type Options struct {
	Debounce time.Duration
	Embed    bool // Embed chunks added by each flush
	Logger   *slog.Logger
	OnFlush  func(FlushReport)
}

// Watcher reconciles changed files through a Reconciler
type Watcher struct {
	target Reconciler
	root   string
	cfg    discovery.Config
	opts   Options
	logger *slog.Logger
	fsw    *fsnotify.Watcher

	mu           sync.Mutex
	watched      map[string]struct{} // Relative directories with a watch, "" is the root
	pendingFiles map[string]struct{}
	pendingDirs  map[string]struct{}
}

// New creates a watcher and registers every non-excluded directory under
// the target's working directory
func New(target Reconciler, opts Options) (*Watcher, error) {
	if opts.Debounce <= 0 {
		opts.Debounce = DefaultDebounce
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}

	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create watcher: %w", err)
	}

	w := &Watcher{
		target:       target,
		root:         target.WorkDir(),
		cfg:          target.DiscoveryConfig(),
		opts:         opts,
		logger:       opts.Logger,
		fsw:          fsw,
		watched:      make(map[string]struct{}),
		pendingFiles: make(map[string]struct{}),
		pendingDirs:  make(map[string]struct{}),
	}

	if err := w.addRecursive(w.root); err != nil {
		_ = fsw.Close()
		return nil, err
	}
	return w, nil
}

// Run processes events until ctx is cancelled. Pending changes are applied
// before returning. The watcher cannot be restarted.
func (w *Watcher) Run(ctx context.Context) error {
	defer func() { _ = w.fsw.Close() }()

	timer := time.NewTimer(w.opts.Debounce)
	if !timer.Stop() {
		<-timer.C
	}

	for {
		select {
		case <-ctx.Done():
			w.flush(context.WithoutCancel(ctx))
			return nil
		case event, ok := <-w.fsw.Events:
			if !ok {
				return nil
			}
			if w.handleEvent(event) {
				timer.Reset(w.opts.Debounce)
			}
		case err, ok := <-w.fsw.Errors:
			if !ok {
				return nil
			}
			w.logger.Warn("watch error", "error", err)
		case <-timer.C:
			if w.flush(ctx) {
				timer.Reset(w.opts.Debounce)
			}
		}
	}
}

// WatchedDirs returns the relative directories currently watched
func (w *Watcher) WatchedDirs() []string {
	w.mu.Lock()
	defer w.mu.Unlock()
	dirs := make([]string, 0, len(w.watched))
	for d := range w.watched {
		dirs = append(dirs, d)
	}
	sort.Strings(dirs)
	return dirs
}

// addRecursive watches dir and every non-excluded directory below it
func (w *Watcher) addRecursive(dir string) error {
	return filepath.WalkDir(dir, func(p string, d os.DirEntry, err error) error {
		if err != nil {
			if p != dir && errors.Is(err, os.ErrNotExist) {
				return nil
			}
			return err
		}
		if !d.IsDir() {
			return nil
		}
		rel, ok := w.rel(p)
		if !ok {
			return filepath.SkipDir
		}
		if rel != "" && w.cfg.SkipDir(d.Name()) {
			return filepath.SkipDir
		}
		if err := w.fsw.Add(p); err != nil {
			return fmt.Errorf("failed to watch %s: %w", p, err)
		}
		w.mu.Lock()
		w.watched[rel] = struct{}{}
		w.mu.Unlock()
		return nil
	})
}

// rel converts an absolute event path to a slash-separated relative path
func (w *Watcher) rel(p string) (string, bool) {
	r, err := filepath.Rel(w.root, p)
	if err != nil {
		return "", false
	}
	r = filepath.ToSlash(r)
	if r == "." {
		return "", true
	}
	if r == ".." || strings.HasPrefix(r, "../") {
		return "", false
	}
	return r, true
}

// handleEvent records a change and reports whether it is relevant
func (w *Watcher) handleEvent(event fsnotify.Event) bool {
	rel, ok := w.rel(event.Name)
	if !ok || rel == "" || w.cfg.Excluded(rel) {
		return false
	}

	if event.Has(fsnotify.Create) {
		if info, err := os.Stat(event.Name); err == nil && info.IsDir() {
			if w.cfg.SkipDir(path.Base(rel)) {
				return false
			}
			if err := w.addRecursive(event.Name); err != nil {
				w.logger.Warn("failed to watch new directory", "dir", rel, "error", err)
			}
			w.mu.Lock()
			w.pendingDirs[rel] = struct{}{}
			w.mu.Unlock()
			return true
		}
	}

	if w.cfg.Includes(rel) {
		if event.Has(fsnotify.Create) || event.Has(fsnotify.Write) || event.Has(fsnotify.Remove) || event.Has(fsnotify.Rename) {
			w.mu.Lock()
			w.pendingFiles[rel] = struct{}{}
			w.mu.Unlock()
			return true
		}
		return false
	}

	if event.Has(fsnotify.Remove) || event.Has(fsnotify.Rename) {
		w.mu.Lock()
		defer w.mu.Unlock()
		if _, watchedDir := w.watched[rel]; watchedDir {
			for d := range w.watched {
				if d == rel || strings.HasPrefix(d, rel+"/") {
					delete(w.watched, d)
				}
			}
			w.pendingDirs[rel] = struct{}{}
			return true
		}
	}
	return false
}

// flush applies pending changes. Directory passes that find another pass
// running are retried on the next flush; the result reports whether any were
// requeued.
func (w *Watcher) flush(ctx context.Context) bool {
	w.mu.Lock()
	files, dirs := w.pendingFiles, w.pendingDirs
	w.pendingFiles = make(map[string]struct{})
	w.pendingDirs = make(map[string]struct{})
	w.mu.Unlock()

	if len(files) == 0 && len(dirs) == 0 {
		return false
	}

	var report FlushReport
	var added []types.ChunkID
	requeued := false

	for _, dir := range sortedKeys(dirs) {
		summary, err := w.target.ReconcileDirectory(ctx, dir, cache.PassOptions{Embed: w.opts.Embed})
		if errors.Is(err, types.ErrReconcileInProgress) {
			w.requeueDir(dir)
			requeued = true
			continue
		}
		if err != nil {
			report.Failures = append(report.Failures, types.FileFailure{SourcePath: dir, Error: err.Error()})
			continue
		}
		report.Directories = append(report.Directories, dir)
		report.Changed += summary.Changed + summary.SourcesRemoved
		report.Failures = append(report.Failures, summary.Failures...)
	}

	for _, file := range sortedKeys(files) {
		if coveredBy(file, dirs) {
			continue
		}
		result, err := w.target.ReconcileFile(ctx, file)
		if err != nil {
			w.logger.Warn("reconcile failed", "path", file, "error", err)
			report.Failures = append(report.Failures, types.FileFailure{SourcePath: file, Error: err.Error()})
			continue
		}
		report.Files = append(report.Files, file)
		if result.Changed() {
			report.Changed++
		}
		added = append(added, result.Added...)
	}

	if w.opts.Embed && len(added) > 0 {
		if _, err := w.target.EnsureEmbeddings(ctx, added); err != nil {
			w.logger.Warn("embedding after change failed", "chunks", len(added), "error", err)
		}
	}

	w.logger.Info("changes applied",
		"files", len(report.Files),
		"directories", len(report.Directories),
		"changed", report.Changed,
		"failures", len(report.Failures),
	)
	if w.opts.OnFlush != nil {
		w.opts.OnFlush(report)
	}
	return requeued
}

func (w *Watcher) requeueDir(dir string) {
	w.mu.Lock()
	w.pendingDirs[dir] = struct{}{}
	w.mu.Unlock()
}

func coveredBy(file string, dirs map[string]struct{}) bool {
	for d := range dirs {
		if strings.HasPrefix(file, d+"/") {
			return true
		}
	}
	return false
}

func sortedKeys(m map[string]struct{}) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
