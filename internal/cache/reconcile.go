package cache

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"sort"
	"time"

	"github.com/dshills/doccache-mcp/internal/discovery"
	"github.com/dshills/doccache-mcp/internal/ledger"
	"github.com/dshills/doccache-mcp/internal/storage"
	"github.com/dshills/doccache-mcp/pkg/types"
)

// Candidate is a freshly chunked source file waiting to be committed
type Candidate struct {
	SourcePath string
	Digest     types.Digest
	Chunks     []*types.Chunk
}

// Commit reconciles one candidate chunk set against the manifest and
// persists the result immediately. It is the only way worker output reaches
// the store.
func (c *Cache) Commit(ctx context.Context, cand Candidate) (types.ReconcileResult, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return types.ReconcileResult{}, types.ErrCacheClosed
	}

	result, err := c.commitLocked(ctx, cand)
	if err != nil {
		return result, err
	}
	if _, err := c.checkpointLocked(ctx); err != nil {
		return result, err
	}
	return result, nil
}

// Reconcile brings sourcePath in line with digest. A matching manifest digest
// is a no-op. Otherwise the file is read and chunked; when its content no
// longer hashes to digest the fresh digest is used instead. A source that no
// longer exists is removed.
func (c *Cache) Reconcile(ctx context.Context, sourcePath string, digest types.Digest) (types.ReconcileResult, error) {
	rel, err := c.relPath(sourcePath)
	if err != nil {
		return types.ReconcileResult{}, err
	}
	if rel == "" {
		return types.ReconcileResult{}, fmt.Errorf("%w: source path is required", types.ErrInvalidChunk)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return types.ReconcileResult{}, types.ErrCacheClosed
	}

	if !ledger.NeedsUpdate(rel, digest, c.manifest) {
		return c.skippedLocked(rel), nil
	}

	data, err := os.ReadFile(filepath.Join(c.key.WorkDir, filepath.FromSlash(rel)))
	if errors.Is(err, os.ErrNotExist) {
		return c.removeAndCheckpointLocked(ctx, rel)
	}
	if err != nil {
		return types.ReconcileResult{SourcePath: rel}, fmt.Errorf("failed to read %s: %w", rel, err)
	}

	if err := ledger.Verify(data, digest); err != nil {
		c.logger.Debug("source changed since hashing, using current content", "path", rel, "error", err)
		digest = ledger.Hash(data)
		if !ledger.NeedsUpdate(rel, digest, c.manifest) {
			return c.skippedLocked(rel), nil
		}
	}

	return c.reconcileContentLocked(ctx, rel, data, digest)
}

// ReconcileFile hashes sourcePath and reconciles it
func (c *Cache) ReconcileFile(ctx context.Context, sourcePath string) (types.ReconcileResult, error) {
	rel, err := c.relPath(sourcePath)
	if err != nil {
		return types.ReconcileResult{}, err
	}

	_, info, err := ledger.ReadFile(filepath.Join(c.key.WorkDir, filepath.FromSlash(rel)), c.discCfg.MaxFileSize)
	if errors.Is(err, os.ErrNotExist) {
		return c.RemoveSource(ctx, rel)
	}
	if err != nil {
		return types.ReconcileResult{SourcePath: rel}, fmt.Errorf("failed to read %s: %w", rel, err)
	}
	return c.Reconcile(ctx, rel, info.Digest)
}

func (c *Cache) skippedLocked(rel string) types.ReconcileResult {
	entry, _ := c.manifest.Lookup(rel)
	return types.ReconcileResult{
		SourcePath: rel,
		Skipped:    true,
		Unchanged:  append([]types.ChunkID(nil), entry.ChunkIDs...),
	}
}

func (c *Cache) reconcileContentLocked(ctx context.Context, rel string, data []byte, digest types.Digest) (types.ReconcileResult, error) {
	chunks, _, err := c.chunker.ChunkDocument(data, rel)
	if err != nil {
		return types.ReconcileResult{SourcePath: rel}, fmt.Errorf("failed to chunk %s: %w", rel, err)
	}

	result, err := c.commitLocked(ctx, Candidate{SourcePath: rel, Digest: digest, Chunks: chunks})
	if err != nil {
		return result, err
	}
	if _, err := c.checkpointLocked(ctx); err != nil {
		return result, err
	}
	return result, nil
}

// RemoveSource deletes every chunk of sourcePath and its manifest entry
func (c *Cache) RemoveSource(ctx context.Context, sourcePath string) (types.ReconcileResult, error) {
	rel, err := c.relPath(sourcePath)
	if err != nil {
		return types.ReconcileResult{}, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return types.ReconcileResult{}, types.ErrCacheClosed
	}
	return c.removeAndCheckpointLocked(ctx, rel)
}

func (c *Cache) removeAndCheckpointLocked(ctx context.Context, rel string) (types.ReconcileResult, error) {
	result, err := c.removeSourceLocked(ctx, rel, true)
	if err != nil {
		return result, err
	}
	if _, err := c.checkpointLocked(ctx); err != nil {
		return result, err
	}
	return result, nil
}

// removeSourceLocked drops the manifest entry and queues its chunks for
// deletion. With sweep set it also asks the store for records of the source
// the manifest lost track of; that listing can cost a full store scan.
func (c *Cache) removeSourceLocked(ctx context.Context, rel string, sweep bool) (types.ReconcileResult, error) {
	result := types.ReconcileResult{SourcePath: rel}

	entry, ok := c.manifest.Delete(rel)
	if ok {
		result.Removed = append(result.Removed, entry.ChunkIDs...)
		c.queueOrphans(entry.ChunkIDs)
		c.uncommitted++
	}

	if sweep {
		stray, err := c.store.ListForSource(ctx, rel)
		if err != nil {
			return result, fmt.Errorf("failed to list chunks for %s: %w", rel, err)
		}
		c.queueOrphans(stray)
	}

	if ok {
		c.logger.Debug("source removed", "path", rel, "chunks", len(entry.ChunkIDs))
	}
	return result, nil
}

// undo restores the store to its state before one write
type undo struct {
	id   types.ChunkID
	prev *types.Chunk // nil when the record did not exist
}

// commitLocked writes new and changed records, then swaps the manifest entry.
// Records written by a failed commit are restored before returning.
func (c *Cache) commitLocked(ctx context.Context, cand Candidate) (types.ReconcileResult, error) {
	result := types.ReconcileResult{SourcePath: cand.SourcePath}

	old, existed := c.manifest.Lookup(cand.SourcePath)
	if existed && old.Hash == cand.Digest {
		result.Skipped = true
		result.Unchanged = append([]types.ChunkID(nil), old.ChunkIDs...)
		return result, nil
	}

	if err := validateCandidate(cand); err != nil {
		return result, err
	}

	oldSet := make(map[types.ChunkID]struct{}, len(old.ChunkIDs))
	for _, id := range old.ChunkIDs {
		oldSet[id] = struct{}{}
	}

	now := time.Now().UTC()
	var writes []*types.Chunk
	var undos []undo
	newIDs := make([]types.ChunkID, 0, len(cand.Chunks))
	newSet := make(map[types.ChunkID]struct{}, len(cand.Chunks))

	for _, chunk := range cand.Chunks {
		newIDs = append(newIDs, chunk.ID)
		newSet[chunk.ID] = struct{}{}
		if _, ok := oldSet[chunk.ID]; ok {
			result.Unchanged = append(result.Unchanged, chunk.ID)
		} else {
			result.Added = append(result.Added, chunk.ID)
		}

		prev, err := c.store.Get(ctx, chunk.ID)
		switch {
		case err == nil:
			if !mergeExisting(chunk, prev) {
				continue
			}
			chunk.UpdatedAt = now
			undos = append(undos, undo{id: chunk.ID, prev: prev})
		case storage.IsNotFound(err):
			chunk.CreatedAt, chunk.UpdatedAt = now, now
			undos = append(undos, undo{id: chunk.ID})
		case errors.Is(err, types.ErrSchemaIncompatible):
			c.logger.Warn("replacing incompatible chunk record", "chunk_id", chunk.ID, "error", err)
			chunk.CreatedAt, chunk.UpdatedAt = now, now
			undos = append(undos, undo{id: chunk.ID})
		default:
			return result, fmt.Errorf("failed to read chunk %s: %w", chunk.ID, err)
		}
		writes = append(writes, chunk)
	}

	for i, chunk := range writes {
		if err := c.store.Put(ctx, chunk); err != nil {
			c.rollback(undos[:i])
			return result, fmt.Errorf("failed to write chunk %s: %w", chunk.ID, err)
		}
	}

	for _, id := range old.ChunkIDs {
		if _, ok := newSet[id]; !ok {
			result.Removed = append(result.Removed, id)
		}
	}

	c.manifest.Set(cand.SourcePath, types.ManifestEntry{Hash: cand.Digest, ChunkIDs: newIDs, UpdatedAt: now})
	for _, id := range newIDs {
		delete(c.pendingOrphans, id)
	}
	c.queueOrphans(result.Removed)
	c.uncommitted++
	c.lastReconcile = now

	c.logger.Debug("source reconciled",
		"path", cand.SourcePath,
		"added", len(result.Added),
		"unchanged", len(result.Unchanged),
		"removed", len(result.Removed),
		"written", len(writes),
	)
	return result, nil
}

// rollback undoes writes in reverse order. Failures are logged; anything left
// behind is unreferenced and reclaimed by VerifyAndRepair.
func (c *Cache) rollback(undos []undo) {
	ctx := context.Background()
	for i := len(undos) - 1; i >= 0; i-- {
		u := undos[i]
		var err error
		if u.prev != nil {
			err = c.store.Put(ctx, u.prev)
		} else {
			err = c.store.Delete(ctx, u.id)
		}
		if err != nil {
			c.logger.Warn("rollback failed", "chunk_id", u.id, "error", err)
		}
	}
}

// mergeExisting carries the stored embedding and creation time onto a
// re-emitted chunk with the same id. It reports whether the record must be
// rewritten because its metadata changed.
func mergeExisting(chunk, prev *types.Chunk) bool {
	chunk.CreatedAt = prev.CreatedAt
	chunk.UpdatedAt = prev.UpdatedAt
	if prev.HasEmbedding() || prev.EmbeddingStatus == types.EmbeddingFailed {
		chunk.Embedding = prev.Embedding
		chunk.EmbeddingModel = prev.EmbeddingModel
		chunk.EmbeddingStatus = prev.EmbeddingStatus
		chunk.EmbeddingError = prev.EmbeddingError
	}
	return !sameMetadata(chunk, prev)
}

func sameMetadata(a, b *types.Chunk) bool {
	fa, errA := metadataFingerprint(a)
	fb, errB := metadataFingerprint(b)
	if errA != nil || errB != nil {
		return false
	}
	return bytes.Equal(fa, fb)
}

func metadataFingerprint(chunk *types.Chunk) ([]byte, error) {
	headings := chunk.HeadingPath
	if headings == nil {
		headings = []string{}
	}
	frontMatter := chunk.FrontMatter
	if frontMatter == nil {
		frontMatter = map[string]any{}
	}
	return json.Marshal(struct {
		HeadingPath []string       `json:"h"`
		FrontMatter map[string]any `json:"f"`
	}{headings, frontMatter})
}

func validateCandidate(cand Candidate) error {
	if cand.SourcePath == "" {
		return fmt.Errorf("%w: candidate has no source path", types.ErrInvalidChunk)
	}
	seen := make(map[types.ChunkID]struct{}, len(cand.Chunks))
	for _, chunk := range cand.Chunks {
		if chunk == nil {
			return fmt.Errorf("%w: nil chunk in %s", types.ErrInvalidChunk, cand.SourcePath)
		}
		if chunk.SourcePath != cand.SourcePath {
			return fmt.Errorf("%w: chunk %s belongs to %s, not %s", types.ErrInvalidChunk, chunk.ID, chunk.SourcePath, cand.SourcePath)
		}
		if err := chunk.Validate(); err != nil {
			return err
		}
		if err := chunk.VerifyID(); err != nil {
			return fmt.Errorf("chunk %s: %w", chunk.ID, err)
		}
		if _, dup := seen[chunk.ID]; dup {
			return fmt.Errorf("%w: duplicate chunk id %s", types.ErrInvalidChunk, chunk.ID)
		}
		seen[chunk.ID] = struct{}{}
	}
	return nil
}

func (c *Cache) queueOrphans(ids []types.ChunkID) {
	for _, id := range ids {
		c.pendingOrphans[id] = struct{}{}
	}
}

// checkpointLocked saves the manifest and then deletes queued orphans that
// are still unreferenced. The manifest is always on disk before any record
// it used to reference disappears.
func (c *Cache) checkpointLocked(ctx context.Context) ([]types.ChunkID, error) {
	if c.uncommitted == 0 && len(c.pendingOrphans) == 0 {
		return nil, nil
	}

	if c.uncommitted > 0 {
		if err := c.manifest.Save(c.dir); err != nil {
			return nil, fmt.Errorf("failed to save manifest: %w", err)
		}
		c.uncommitted = 0
	}

	if len(c.pendingOrphans) == 0 {
		return nil, nil
	}

	refs := c.manifest.ChunkRefs()
	ids := make([]types.ChunkID, 0, len(c.pendingOrphans))
	for id := range c.pendingOrphans {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	orphans := make([]types.ChunkID, 0, len(ids))
	for _, id := range ids {
		if _, referenced := refs[id]; referenced {
			delete(c.pendingOrphans, id)
			continue
		}
		orphans = append(orphans, id)
	}
	if len(orphans) == 0 {
		return nil, nil
	}

	if bd, ok := c.store.(storage.BatchDeleter); ok {
		if _, err := bd.DeleteBatch(ctx, orphans); err != nil {
			return nil, fmt.Errorf("failed to delete %d orphans: %w", len(orphans), err)
		}
		for _, id := range orphans {
			delete(c.pendingOrphans, id)
		}
		return orphans, nil
	}

	var deleted []types.ChunkID
	for _, id := range orphans {
		if err := c.store.Delete(ctx, id); err != nil {
			return deleted, fmt.Errorf("failed to delete orphan %s: %w", id, err)
		}
		delete(c.pendingOrphans, id)
		deleted = append(deleted, id)
	}
	return deleted, nil
}

// PassOptions tunes a directory pass
type PassOptions struct {
	Embed bool // Generate missing embeddings for the directory after reconciling
}

// ReconcileDirectory scans dir (relative to the working directory, "" for all)
// on the discovery pool and commits every changed file. Sources tracked under
// dir that the completed scan no longer finds are removed. Per-file failures
// are collected in the summary. Cancellation persists what was committed and
// returns ctx.Err() without removing any source.
func (c *Cache) ReconcileDirectory(ctx context.Context, dir string, opts PassOptions) (types.DirectorySummary, error) {
	start := time.Now()
	var summary types.DirectorySummary

	prefix, err := c.relPath(dir)
	if err != nil {
		return summary, err
	}

	if !c.lock.TryAcquire() {
		return summary, types.ErrReconcileInProgress
	}
	defer c.lock.Release()

	c.mu.RLock()
	closed := c.closed
	c.mu.RUnlock()
	if closed {
		return summary, types.ErrCacheClosed
	}

	scanRoot := filepath.Join(c.key.WorkDir, filepath.FromSlash(prefix))
	if info, err := os.Stat(scanRoot); err == nil && !info.IsDir() {
		return summary, fmt.Errorf("%s: %w", prefix, types.ErrNotDirectory)
	}
	found, err := discovery.Discover(ctx, scanRoot, c.discCfg)
	if err != nil {
		if prefix == "" || !errors.Is(err, os.ErrNotExist) {
			return summary, err
		}
		found = nil // Directory deleted, its sources go below
	}
	paths := make([]string, len(found))
	for i, p := range found {
		paths[i] = path.Join(prefix, p)
	}

	seen := make(map[string]struct{}, len(paths))
	var orphans int

	for res := range c.pool.Run(ctx, c.key.WorkDir, paths, c) {
		summary.FilesScanned++
		if res.Err != nil {
			if !errors.Is(res.Err, os.ErrNotExist) {
				seen[res.SourcePath] = struct{}{}
			}
			c.logger.Warn("file failed", "path", res.SourcePath, "error", res.Err)
			summary.Failures = append(summary.Failures, types.FileFailure{SourcePath: res.SourcePath, Error: res.Err.Error()})
			continue
		}
		seen[res.SourcePath] = struct{}{}
		summary.BytesScanned += res.SizeBytes

		if !res.Changed {
			summary.Unchanged++
			continue
		}

		n, result, err := c.commitFromPass(ctx, Candidate{SourcePath: res.SourcePath, Digest: res.Digest, Chunks: res.Chunks})
		orphans += n
		if err != nil {
			c.logger.Warn("commit failed", "path", res.SourcePath, "error", err)
			summary.Failures = append(summary.Failures, types.FileFailure{SourcePath: res.SourcePath, Error: err.Error()})
			continue
		}
		if result.Skipped {
			summary.Unchanged++
			continue
		}
		summary.Changed++
		summary.ChunksAdded += len(result.Added)
	}

	if err := ctx.Err(); err != nil {
		n, cpErr := c.checkpoint(context.WithoutCancel(ctx))
		summary.OrphansRemoved = orphans + n
		summary.Duration = time.Since(start)
		if cpErr != nil {
			c.logger.Warn("checkpoint after cancellation failed", "error", cpErr)
		}
		return summary, err
	}

	removed, n, err := c.removeUnseen(ctx, prefix, seen)
	summary.SourcesRemoved = removed
	orphans += n
	if err != nil {
		summary.OrphansRemoved = orphans
		summary.Duration = time.Since(start)
		return summary, err
	}
	summary.OrphansRemoved = orphans

	if opts.Embed {
		report, err := c.ensureDirectoryEmbeddings(ctx, prefix)
		summary.Embeddings = &report
		if err != nil {
			if ctx.Err() != nil {
				summary.Duration = time.Since(start)
				return summary, ctx.Err()
			}
			summary.EmbeddingError = err.Error()
			c.logger.Warn("embedding phase failed", "error", err)
		}
	}

	summary.Duration = time.Since(start)
	c.logger.Info("directory reconciled",
		"dir", prefix,
		"files", summary.FilesScanned,
		"changed", summary.Changed,
		"unchanged", summary.Unchanged,
		"removed", summary.SourcesRemoved,
		"orphans", summary.OrphansRemoved,
		"failures", len(summary.Failures),
		"duration", summary.Duration,
	)
	return summary, nil
}

// commitFromPass commits one candidate and checkpoints every checkpointEvery commits
func (c *Cache) commitFromPass(ctx context.Context, cand Candidate) (int, types.ReconcileResult, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return 0, types.ReconcileResult{}, types.ErrCacheClosed
	}

	result, err := c.commitLocked(ctx, cand)
	if err != nil {
		return 0, result, err
	}
	if c.uncommitted < c.checkpointEvery {
		return 0, result, nil
	}
	deleted, err := c.checkpointLocked(ctx)
	return len(deleted), result, err
}

func (c *Cache) checkpoint(ctx context.Context) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	deleted, err := c.checkpointLocked(ctx)
	return len(deleted), err
}

// removeUnseen removes tracked sources under prefix that a completed scan did
// not find, then checkpoints
func (c *Cache) removeUnseen(ctx context.Context, prefix string, seen map[string]struct{}) (int, int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return 0, 0, types.ErrCacheClosed
	}

	removed := 0
	for _, p := range c.manifest.Paths() {
		if !underPrefix(p, prefix) {
			continue
		}
		if _, ok := seen[p]; ok {
			continue
		}
		// Manifest refs only; strays are left to Repair
		if _, err := c.removeSourceLocked(ctx, p, false); err != nil {
			return removed, 0, err
		}
		removed++
	}

	deleted, err := c.checkpointLocked(ctx)
	return removed, len(deleted), err
}
