package cache

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dshills/doccache-mcp/internal/embedder"
	"github.com/dshills/doccache-mcp/internal/storage"
	"github.com/dshills/doccache-mcp/pkg/types"
)

func reconcileIDs(t *testing.T, c *Cache, rel string) []types.ChunkID {
	t.Helper()
	result, err := c.ReconcileFile(context.Background(), rel)
	require.NoError(t, err)
	return append(result.Added, result.Unchanged...)
}

func TestEnsureEmbeddings(t *testing.T) {
	env := newEnv(t)
	mock := newMockEmbedder("m1")
	env.embedder = mock
	env.write(t, "a.md", "# One\nalpha\n# Two\nbeta\n# Three\ngamma\n")
	c := env.open(t)
	ctx := context.Background()
	ids := reconcileIDs(t, c, "a.md")

	report, err := c.EnsureEmbeddings(ctx, ids)
	require.NoError(t, err)
	assert.Equal(t, 3, report.Requested)
	assert.Equal(t, 3, report.Generated)
	assert.Equal(t, 2, report.ProviderCalls, "batch size 2 needs two calls")
	assert.Empty(t, report.Failed)

	chunks, err := c.GetChunks(ctx, ids)
	require.NoError(t, err)
	for _, chunk := range chunks {
		assert.True(t, chunk.HasEmbedding())
		assert.Equal(t, "m1", chunk.EmbeddingModel)
		assert.Equal(t, types.EmbeddingReady, chunk.EmbeddingStatus)
		assert.Equal(t, vectorFor(chunk.Content), chunk.Embedding)
	}

	report, err = c.EnsureEmbeddings(ctx, ids)
	require.NoError(t, err)
	assert.Equal(t, 3, report.AlreadyPresent)
	assert.Equal(t, 0, report.ProviderCalls)
	assert.Equal(t, 2, mock.callCount())
}

func TestEnsureEmbeddings_DuplicateAndEmptyChunks(t *testing.T) {
	env := newEnv(t)
	env.embedder = newMockEmbedder("m1")
	env.write(t, "a.md", "# Empty\n# Full\ntext\n")
	c := env.open(t)
	ids := reconcileIDs(t, c, "a.md")

	report, err := c.EnsureEmbeddings(context.Background(), append(ids, ids...))
	require.NoError(t, err)
	assert.Equal(t, 2, report.Requested)
	assert.Equal(t, 1, report.Skipped)
	assert.Equal(t, 1, report.Generated)
}

func TestEnsureEmbeddings_RetryAfterRateLimit(t *testing.T) {
	env := newEnv(t)
	mock := newMockEmbedder("m1")
	mock.failures = []error{providerError(embedder.KindRateLimited)}
	env.embedder = mock
	env.write(t, "a.md", "# A\nalpha\n")
	c := env.open(t)
	ids := reconcileIDs(t, c, "a.md")

	report, err := c.EnsureEmbeddings(context.Background(), ids)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Generated)
	assert.Equal(t, 2, report.ProviderCalls)
	assert.Equal(t, 2, mock.callCount())

	chunks, err := c.GetChunks(context.Background(), ids)
	require.NoError(t, err)
	require.Len(t, chunks, 1)
	assert.NotNil(t, chunks[0].Embedding)
}

func TestEnsureEmbeddings_ExhaustedBatchMarkedFailed(t *testing.T) {
	env := newEnv(t)
	env.batchSize = 1
	mock := newMockEmbedder("m1")
	mock.failText = "bad"
	mock.failErr = providerError(embedder.KindTransient)
	env.embedder = mock
	env.write(t, "a.md", "# One\nalpha\n# Two\nbad apple\n# Three\ngamma\n")
	c := env.open(t)
	ctx := context.Background()
	ids := reconcileIDs(t, c, "a.md")

	report, err := c.EnsureEmbeddings(ctx, ids)
	require.NoError(t, err, "exhausted retries do not fail the phase")
	assert.Equal(t, 2, report.Generated)
	require.Len(t, report.Failed, 1)
	assert.Equal(t, ids[1], report.Failed[0])
	assert.Equal(t, 2+fastRetry.MaxAttempts, report.ProviderCalls)

	chunks, err := c.GetChunks(ctx, []types.ChunkID{ids[1]})
	require.NoError(t, err)
	assert.Equal(t, types.EmbeddingFailed, chunks[0].EmbeddingStatus)
	assert.NotEmpty(t, chunks[0].EmbeddingError)
	assert.False(t, chunks[0].HasEmbedding())

	mock.mu.Lock()
	mock.failText = ""
	mock.mu.Unlock()

	report, err = c.EnsureEmbeddings(ctx, ids)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Generated, "failed chunks are retried by the next pass")
	assert.Equal(t, 2, report.AlreadyPresent)
}

func TestEnsureEmbeddings_AuthFailureStopsPhase(t *testing.T) {
	env := newEnv(t)
	env.batchSize = 1
	mock := newMockEmbedder("m1")
	mock.failAll = providerError(embedder.KindAuthFailed)
	env.embedder = mock
	env.write(t, "a.md", "# One\nalpha\n# Two\nbeta\n# Three\ngamma\n")
	c := env.open(t)
	ids := reconcileIDs(t, c, "a.md")

	report, err := c.EnsureEmbeddings(context.Background(), ids)
	require.Error(t, err)
	assert.True(t, embedder.IsAuthFailure(err))
	assert.True(t, report.AuthFailed)
	assert.Len(t, report.Failed, 3)
	assert.Equal(t, 0, report.Generated)
	assert.LessOrEqual(t, report.ProviderCalls, 3, "auth failures are never retried")

	entry, ok := c.Lookup("a.md")
	require.True(t, ok, "chunking results survive the failed embedding phase")
	assert.Len(t, entry.ChunkIDs, 3)
}

func TestReconcileDirectory_EmbeddingFailureNotFatal(t *testing.T) {
	env := newEnv(t)
	mock := newMockEmbedder("m1")
	mock.failAll = providerError(embedder.KindAuthFailed)
	env.embedder = mock
	env.write(t, "a.md", "# A\nalpha\n")
	c := env.open(t)

	summary, err := c.ReconcileDirectory(context.Background(), "", PassOptions{Embed: true})
	require.NoError(t, err)
	assert.Equal(t, 1, summary.Changed)
	assert.NotEmpty(t, summary.EmbeddingError)
	require.NotNil(t, summary.Embeddings)
	assert.True(t, summary.Embeddings.AuthFailed)
	assertConsistent(t, c)
}

func TestEnsureEmbeddings_ModelChangeReembeds(t *testing.T) {
	env := newEnv(t)
	env.embedder = newMockEmbedder("m1")
	env.write(t, "a.md", "# A\nalpha\n# B\nbeta\n")
	c := env.open(t)
	ids := reconcileIDs(t, c, "a.md")
	_, err := c.EnsureEmbeddings(context.Background(), ids)
	require.NoError(t, err)
	require.NoError(t, c.Close())

	next := newMockEmbedder("m2")
	env.embedder = next
	c = env.open(t)
	report, err := c.EnsureEmbeddings(context.Background(), ids)
	require.NoError(t, err)
	assert.Equal(t, 2, report.Generated)
	assert.Equal(t, 0, report.AlreadyPresent)

	chunks, err := c.GetChunks(context.Background(), ids)
	require.NoError(t, err)
	for _, chunk := range chunks {
		assert.Equal(t, "m2", chunk.EmbeddingModel)
	}
}

func TestEnsureEmbeddings_NoProvider(t *testing.T) {
	env := newEnv(t)
	env.write(t, "a.md", "# A\nalpha\n")
	c := env.open(t)
	ids := reconcileIDs(t, c, "a.md")

	_, err := c.EnsureEmbeddings(context.Background(), ids)
	assert.ErrorIs(t, err, types.ErrEmbeddingUnavailable)

	summary, err := c.ReconcileDirectory(context.Background(), "", PassOptions{Embed: true})
	require.NoError(t, err)
	assert.Contains(t, summary.EmbeddingError, types.ErrEmbeddingUnavailable.Error())
}

func TestEnsureEmbeddings_SkipsUnreferencedChunks(t *testing.T) {
	env := newEnv(t)
	env.embedder = newMockEmbedder("m1")
	env.write(t, "a.md", "# A\nalpha\n")
	c := env.open(t)
	ids := reconcileIDs(t, c, "a.md")

	_, err := c.RemoveSource(context.Background(), "a.md")
	require.NoError(t, err)

	report, err := c.EnsureEmbeddings(context.Background(), ids)
	require.NoError(t, err)
	assert.Equal(t, 0, report.Requested)
	assert.Empty(t, storedIDs(t, c))
}

func TestEnsureEmbeddings_CommitFailureReportsCause(t *testing.T) {
	env := newEnv(t)
	env.batchSize = 1
	env.embedder = newMockEmbedder("m1")
	env.write(t, "a.md", "# One\nalpha\n# Two\nbeta\n# Three\ngamma\n# Four\ndelta\n")

	base, err := storage.NewFileStore(env.key.Dir(env.root))
	require.NoError(t, err)
	flaky := &flakyStore{ChunkStore: base, failAfter: -1}
	env.store = flaky
	c := env.open(t)
	ctx := context.Background()
	ids := reconcileIDs(t, c, "a.md")
	require.Len(t, ids, 4)

	flaky.failAfterPuts(0)
	report, err := c.EnsureEmbeddings(ctx, ids)
	require.ErrorIs(t, err, errDiskFull)
	assert.NotErrorIs(t, err, context.Canceled)
	assert.Empty(t, report.Failed, "batches cut short by a sibling failure stay pending")

	chunks, err := c.GetChunks(ctx, ids)
	require.NoError(t, err)
	for _, chunk := range chunks {
		assert.NotEqual(t, types.EmbeddingFailed, chunk.EmbeddingStatus)
		assert.Empty(t, chunk.EmbeddingError)
	}

	flaky.failAfterPuts(100)
	report, err = c.EnsureEmbeddings(ctx, ids)
	require.NoError(t, err)
	assert.Equal(t, 4, report.Generated)
}

func TestEnsureEmbeddings_FailedReembedKeepsPriorVector(t *testing.T) {
	env := newEnv(t)
	env.embedder = newMockEmbedder("m1")
	env.write(t, "a.md", "# A\nalpha\n")
	c := env.open(t)
	ctx := context.Background()
	ids := reconcileIDs(t, c, "a.md")
	_, err := c.EnsureEmbeddings(ctx, ids)
	require.NoError(t, err)
	require.NoError(t, c.Close())

	next := newMockEmbedder("m2")
	next.failAll = providerError(embedder.KindTransient)
	env.embedder = next
	c = env.open(t)

	report, err := c.EnsureEmbeddings(ctx, ids)
	require.NoError(t, err)
	require.Len(t, report.Failed, 1)

	chunks, err := c.GetChunks(ctx, ids)
	require.NoError(t, err)
	require.Len(t, chunks, 1)
	assert.Equal(t, types.EmbeddingFailed, chunks[0].EmbeddingStatus)
	assert.NotEmpty(t, chunks[0].EmbeddingError)
	assert.Equal(t, "m1", chunks[0].EmbeddingModel)
	assert.Equal(t, vectorFor(chunks[0].Content), chunks[0].Embedding)
	assert.True(t, chunks[0].NeedsEmbedding("m2"))

	next.mu.Lock()
	next.failAll = nil
	next.mu.Unlock()
	report, err = c.EnsureEmbeddings(ctx, ids)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Generated)

	chunks, err = c.GetChunks(ctx, ids)
	require.NoError(t, err)
	assert.Equal(t, "m2", chunks[0].EmbeddingModel)
	assert.Equal(t, types.EmbeddingReady, chunks[0].EmbeddingStatus)
}
