package cache

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/dshills/doccache-mcp/internal/embedder"
	"github.com/dshills/doccache-mcp/internal/storage"
	"github.com/dshills/doccache-mcp/pkg/types"
)

// EnsureEmbeddings generates embeddings for every chunk in ids that lacks one
// from the configured model. Batches run concurrently, each wrapped in the
// retry policy. A batch that exhausts its retries marks its chunks failed
// without affecting other batches. An authentication failure stops the
// phase: remaining chunks are marked failed and the error is returned.
func (c *Cache) EnsureEmbeddings(ctx context.Context, ids []types.ChunkID) (types.EmbeddingReport, error) {
	var report types.EmbeddingReport
	if c.embedder == nil {
		return report, types.ErrEmbeddingUnavailable
	}
	model := c.embedder.Model()

	todo, err := c.embeddingCandidates(ctx, ids, model, &report)
	if err != nil {
		return report, err
	}
	if len(todo) == 0 {
		return report, nil
	}

	var (
		authErr  error
		authOnce sync.Once
		aborted  atomic.Bool
		calls    atomic.Int64
		mu       sync.Mutex // guards report.Generated and report.Failed
	)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(c.embedConcurrency)

	for start := 0; start < len(todo); start += c.batchSize {
		end := start + c.batchSize
		if end > len(todo) {
			end = len(todo)
		}
		batch := todo[start:end]

		g.Go(func() error {
			if aborted.Load() {
				failed := c.commitEmbeddingFailure(batch, "embedding phase aborted after authentication failure")
				mu.Lock()
				report.Failed = append(report.Failed, failed...)
				mu.Unlock()
				return nil
			}

			texts := make([]string, len(batch))
			for i, chunk := range batch {
				texts[i] = chunk.Content
			}

			resp, err := embedder.Retry(gctx, c.retry, func(callCtx context.Context) (*embedder.BatchEmbeddingResponse, error) {
				calls.Add(1)
				resp, err := c.embedder.GenerateBatch(callCtx, embedder.BatchEmbeddingRequest{Texts: texts})
				if err != nil {
					return nil, err
				}
				if len(resp.Embeddings) != len(texts) {
					return nil, embedder.NewTransportError(c.embedder.Provider(),
						fmt.Errorf("got %d embeddings for %d texts", len(resp.Embeddings), len(texts)))
				}
				return resp, nil
			})
			if err != nil {
				if ctx.Err() != nil {
					return ctx.Err()
				}
				if gctx.Err() != nil {
					// A sibling batch failed and its error is the one reported.
					// These chunks stay pending for the next pass.
					return nil
				}
				if embedder.IsAuthFailure(err) {
					aborted.Store(true)
					authOnce.Do(func() { authErr = err })
				}
				c.logger.Warn("embedding batch failed", "chunks", len(batch), "error", err)
				failed := c.commitEmbeddingFailure(batch, err.Error())
				mu.Lock()
				report.Failed = append(report.Failed, failed...)
				mu.Unlock()
				return nil
			}

			generated, err := c.commitEmbeddings(ctx, batch, resp, model)
			mu.Lock()
			report.Generated += generated
			mu.Unlock()
			return err
		})
	}

	err = g.Wait()
	report.ProviderCalls = int(calls.Load())
	report.AuthFailed = authErr != nil
	if err != nil {
		return report, err
	}
	if authErr != nil {
		return report, fmt.Errorf("embedding phase stopped: %w", authErr)
	}

	c.logger.Info("embeddings ensured",
		"requested", report.Requested,
		"generated", report.Generated,
		"present", report.AlreadyPresent,
		"failed", len(report.Failed),
		"calls", report.ProviderCalls,
	)
	return report, nil
}

// ensureDirectoryEmbeddings embeds every chunk tracked under prefix
func (c *Cache) ensureDirectoryEmbeddings(ctx context.Context, prefix string) (types.EmbeddingReport, error) {
	c.mu.RLock()
	var ids []types.ChunkID
	for _, p := range c.manifest.Paths() {
		if !underPrefix(p, prefix) {
			continue
		}
		entry, _ := c.manifest.Lookup(p)
		ids = append(ids, entry.ChunkIDs...)
	}
	c.mu.RUnlock()

	return c.EnsureEmbeddings(ctx, ids)
}

// embeddingCandidates loads the referenced chunks that need an embedding
func (c *Cache) embeddingCandidates(ctx context.Context, ids []types.ChunkID, model string, report *types.EmbeddingReport) ([]*types.Chunk, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed {
		return nil, types.ErrCacheClosed
	}

	seen := make(map[types.ChunkID]struct{}, len(ids))
	var todo []*types.Chunk
	for _, id := range ids {
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}

		chunk, err := c.store.Get(ctx, id)
		if err != nil {
			if storage.IsNotFound(err) || errors.Is(err, types.ErrSchemaIncompatible) {
				c.logger.Warn("cannot embed unreadable chunk", "chunk_id", id, "error", err)
				continue
			}
			return nil, err
		}

		report.Requested++
		switch {
		case chunk.Content == "":
			report.Skipped++
		case !chunk.NeedsEmbedding(model):
			report.AlreadyPresent++
		default:
			todo = append(todo, chunk)
		}
	}
	return todo, nil
}

// commitEmbeddings stores vectors for chunks that are still referenced.
// Chunks reconciled away while the provider was working are dropped.
func (c *Cache) commitEmbeddings(ctx context.Context, batch []*types.Chunk, resp *embedder.BatchEmbeddingResponse, model string) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return 0, types.ErrCacheClosed
	}

	refs := c.manifest.ChunkRefs()
	now := time.Now().UTC()
	generated := 0
	for i, chunk := range batch {
		if _, ok := refs[chunk.ID]; !ok {
			continue
		}
		current, err := c.store.Get(ctx, chunk.ID)
		if err != nil {
			if storage.IsNotFound(err) {
				continue
			}
			return generated, err
		}

		current.Embedding = append([]float32(nil), resp.Embeddings[i].Vector...)
		current.EmbeddingModel = model
		current.EmbeddingStatus = types.EmbeddingReady
		current.EmbeddingError = ""
		current.UpdatedAt = now
		if err := c.store.Put(ctx, current); err != nil {
			return generated, fmt.Errorf("failed to store embedding for %s: %w", chunk.ID, err)
		}
		generated++
	}
	return generated, nil
}

// commitEmbeddingFailure marks chunks failed. A failed chunk still needs an
// embedding and is retried by the next pass. A vector from an earlier model is
// kept; it is never used for searches under the current model.
func (c *Cache) commitEmbeddingFailure(batch []*types.Chunk, reason string) []types.ChunkID {
	c.mu.Lock()
	defer c.mu.Unlock()

	ids := make([]types.ChunkID, 0, len(batch))
	for _, chunk := range batch {
		ids = append(ids, chunk.ID)
	}
	if c.closed {
		return ids
	}

	ctx := context.Background()
	refs := c.manifest.ChunkRefs()
	now := time.Now().UTC()
	for _, chunk := range batch {
		if _, ok := refs[chunk.ID]; !ok {
			continue
		}
		current, err := c.store.Get(ctx, chunk.ID)
		if err != nil {
			continue
		}
		current.EmbeddingStatus = types.EmbeddingFailed
		current.EmbeddingError = reason
		current.UpdatedAt = now
		if err := c.store.Put(ctx, current); err != nil {
			c.logger.Warn("failed to record embedding failure", "chunk_id", chunk.ID, "error", err)
		}
	}
	return ids
}
