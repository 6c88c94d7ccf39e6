package cache

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/dshills/doccache-mcp/internal/manifest"
	"github.com/dshills/doccache-mcp/internal/storage"
	"github.com/dshills/doccache-mcp/pkg/types"
)

// VerifyAndRepair restores the manifest/store invariant after abnormal
// termination or external damage:
//   - references to missing or unreadable records are dropped, and the entry's
//     digest is cleared so the next reconciliation rebuilds the file
//   - ids claimed by more than one entry stay with the first path in sorted order
//   - stored records no manifest entry references are deleted
//
// A second call with no damage in between returns an empty report.
func (c *Cache) VerifyAndRepair(ctx context.Context) (types.RepairReport, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return types.RepairReport{}, types.ErrCacheClosed
	}

	var report types.RepairReport
	claimed := make(map[types.ChunkID]string)
	changed := false

	for _, p := range c.manifest.Paths() {
		if err := ctx.Err(); err != nil {
			return report, err
		}
		entry, _ := c.manifest.Lookup(p)
		kept := make([]types.ChunkID, 0, len(entry.ChunkIDs))
		damaged := false

		for _, id := range entry.ChunkIDs {
			report.Checked++
			if owner, dup := claimed[id]; dup {
				report.DuplicateRefs = append(report.DuplicateRefs, types.DanglingRef{
					SourcePath: p,
					ChunkID:    id,
					Reason:     "already referenced by " + owner,
				})
				damaged = true
				continue
			}

			_, err := c.store.Get(ctx, id)
			switch {
			case err == nil:
				claimed[id] = p
				kept = append(kept, id)
			case storage.IsNotFound(err):
				report.DanglingRefs = append(report.DanglingRefs, types.DanglingRef{SourcePath: p, ChunkID: id, Reason: "missing"})
				damaged = true
			case errors.Is(err, types.ErrSchemaIncompatible):
				report.DanglingRefs = append(report.DanglingRefs, types.DanglingRef{SourcePath: p, ChunkID: id, Reason: err.Error()})
				if delErr := c.store.Delete(ctx, id); delErr != nil {
					return report, fmt.Errorf("failed to delete incompatible record %s: %w", id, delErr)
				}
				damaged = true
			default:
				return report, fmt.Errorf("failed to read chunk %s: %w", id, err)
			}
		}

		if damaged {
			c.logger.Warn("dropping damaged manifest references", "path", p, "kept", len(kept), "dropped", len(entry.ChunkIDs)-len(kept))
			c.manifest.Set(p, types.ManifestEntry{ChunkIDs: kept, UpdatedAt: time.Now().UTC()})
			changed = true
		}
	}

	if changed {
		if err := c.manifest.Save(c.dir); err != nil {
			return report, fmt.Errorf("failed to save manifest: %w", err)
		}
		c.uncommitted = 0
	}

	stored, err := c.store.ListIDs(ctx)
	if err != nil {
		return report, fmt.Errorf("failed to list chunks: %w", err)
	}
	for _, id := range stored {
		if _, ok := claimed[id]; ok {
			continue
		}
		if err := c.store.Delete(ctx, id); err != nil {
			return report, fmt.Errorf("failed to delete orphan %s: %w", id, err)
		}
		report.OrphansDeleted = append(report.OrphansDeleted, id)
	}
	clear(c.pendingOrphans)

	if len(report.OrphansDeleted) > 0 {
		c.logger.Warn("deleted orphan chunks", "count", len(report.OrphansDeleted))
	}
	if !report.Empty() {
		c.logger.Info("store repaired",
			"checked", report.Checked,
			"dangling", len(report.DanglingRefs),
			"duplicates", len(report.DuplicateRefs),
			"orphans", len(report.OrphansDeleted),
		)
	}
	return report, nil
}

// rebuildManifest reconstructs the manifest from stored records. Digests are
// left zero so every source is re-chunked on the next pass; ids that survive
// re-chunking keep their embeddings.
func (c *Cache) rebuildManifest(ctx context.Context) error {
	ids, err := c.store.ListIDs(ctx)
	if err != nil {
		return fmt.Errorf("failed to list chunks: %w", err)
	}

	bySource := make(map[string][]*types.Chunk)
	for _, id := range ids {
		chunk, err := c.store.Get(ctx, id)
		if err != nil {
			if storage.IsNotFound(err) || errors.Is(err, types.ErrSchemaIncompatible) {
				c.logger.Warn("discarding unreadable record during rebuild", "chunk_id", id, "error", err)
				_ = c.store.Delete(ctx, id)
				continue
			}
			return fmt.Errorf("failed to read chunk %s: %w", id, err)
		}
		bySource[chunk.SourcePath] = append(bySource[chunk.SourcePath], chunk)
	}

	m := manifest.New()
	now := time.Now().UTC()
	for p, chunks := range bySource {
		sort.Slice(chunks, func(i, j int) bool { return chunks[i].Ordinal < chunks[j].Ordinal })
		entryIDs := make([]types.ChunkID, len(chunks))
		for i, chunk := range chunks {
			entryIDs[i] = chunk.ID
		}
		m.Set(p, types.ManifestEntry{ChunkIDs: entryIDs, UpdatedAt: now})
	}

	if err := m.Save(c.dir); err != nil {
		return fmt.Errorf("failed to save rebuilt manifest: %w", err)
	}
	c.manifest = m
	c.logger.Info("manifest rebuilt", "sources", m.Len(), "chunks", m.ChunkCount())
	return nil
}
