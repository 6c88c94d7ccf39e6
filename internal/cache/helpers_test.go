package cache

import (
	"context"
	"errors"
	"hash/fnv"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/dshills/doccache-mcp/internal/embedder"
	"github.com/dshills/doccache-mcp/internal/storage"
	"github.com/dshills/doccache-mcp/pkg/types"
)

var quietLogger = slog.New(slog.NewTextHandler(io.Discard, nil))

// fastRetry keeps retry tests quick
var fastRetry = embedder.RetryPolicy{
	MaxAttempts: 3,
	BaseDelay:   time.Millisecond,
	MaxDelay:    5 * time.Millisecond,
	Multiplier:  2,
}

type testEnv struct {
	root      string // cache root
	workDir   string
	key       StoreKey
	embedder  embedder.Embedder
	backend   storage.Backend
	store     storage.ChunkStore
	batchSize int
}

func newEnv(t *testing.T) *testEnv {
	t.Helper()
	workDir := t.TempDir()
	return &testEnv{
		root:      t.TempDir(),
		workDir:   workDir,
		key:       StoreKey{RepoID: "test", WorkDir: workDir},
		batchSize: 2,
	}
}

func (e *testEnv) open(t *testing.T) *Cache {
	t.Helper()
	c, err := Open(context.Background(), Options{
		CacheRoot: e.root,
		Key:       e.key,
		Backend:   e.backend,
		Store:     e.store,
		Embedder:  e.embedder,
		BatchSize: e.batchSize,
		Retry:     fastRetry,
		Logger:    quietLogger,
	})
	require.NoError(t, err)
	e.store = nil
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func (e *testEnv) write(t *testing.T, rel, content string) {
	t.Helper()
	full := filepath.Join(e.workDir, filepath.FromSlash(rel))
	require.NoError(t, os.MkdirAll(filepath.Dir(full), 0o755))
	require.NoError(t, os.WriteFile(full, []byte(content), 0o644))
}

func (e *testEnv) remove(t *testing.T, rel string) {
	t.Helper()
	require.NoError(t, os.Remove(filepath.Join(e.workDir, filepath.FromSlash(rel))))
}

func reconcileAll(t *testing.T, c *Cache) types.DirectorySummary {
	t.Helper()
	summary, err := c.ReconcileDirectory(context.Background(), "", PassOptions{})
	require.NoError(t, err)
	require.Empty(t, summary.Failures)
	return summary
}

func storedIDs(t *testing.T, c *Cache) []types.ChunkID {
	t.Helper()
	ids, err := c.store.ListIDs(context.Background())
	require.NoError(t, err)
	return ids
}

// assertConsistent checks that every manifest reference resolves and every
// stored record is referenced exactly once
func assertConsistent(t *testing.T, c *Cache) {
	t.Helper()
	ctx := context.Background()
	refs := c.manifest.ChunkRefs()
	for id, paths := range refs {
		require.Len(t, paths, 1, "chunk %s referenced by %v", id, paths)
		chunk, err := c.store.Get(ctx, id)
		require.NoError(t, err, "referenced chunk %s unreadable", id)
		require.Equal(t, paths[0], chunk.SourcePath)
	}
	for _, id := range storedIDs(t, c) {
		_, ok := refs[id]
		require.True(t, ok, "stored chunk %s is not referenced", id)
	}
}

// mockEmbedder returns deterministic vectors and can inject failures
type mockEmbedder struct {
	mu       sync.Mutex
	model    string
	calls    int
	texts    int
	failures []error // returned by the next calls, in order
	failText string  // any batch containing this text fails with failErr
	failErr  error
	failAll  error // every call fails with this error
}

func newMockEmbedder(model string) *mockEmbedder {
	return &mockEmbedder{model: model}
}

func (m *mockEmbedder) GenerateBatch(ctx context.Context, req embedder.BatchEmbeddingRequest) (*embedder.BatchEmbeddingResponse, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls++

	if m.failAll != nil {
		return nil, m.failAll
	}
	if len(m.failures) > 0 {
		err := m.failures[0]
		m.failures = m.failures[1:]
		return nil, err
	}
	for _, text := range req.Texts {
		if m.failText != "" && strings.Contains(text, m.failText) {
			return nil, m.failErr
		}
	}

	m.texts += len(req.Texts)
	out := make([]*embedder.Embedding, len(req.Texts))
	for i, text := range req.Texts {
		out[i] = &embedder.Embedding{Vector: vectorFor(text), Dimension: 4, Provider: "mock", Model: m.model}
	}
	return &embedder.BatchEmbeddingResponse{Embeddings: out, Provider: "mock", Model: m.model}, nil
}

func (m *mockEmbedder) Dimension() int   { return 4 }
func (m *mockEmbedder) Provider() string { return "mock" }
func (m *mockEmbedder) Model() string    { return m.model }
func (m *mockEmbedder) Close() error     { return nil }

func (m *mockEmbedder) callCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls
}

func vectorFor(text string) []float32 {
	h := fnv.New32a()
	_, _ = h.Write([]byte(text))
	sum := h.Sum32()
	return []float32{
		float32(sum&0xff) + 1,
		float32((sum>>8)&0xff) + 1,
		float32((sum>>16)&0xff) + 1,
		float32(len(text)) + 1,
	}
}

func providerError(kind embedder.ErrorKind) error {
	return &embedder.ProviderError{Kind: kind, Provider: "mock", Err: errors.New(string(kind))}
}

// flakyStore fails Put once the configured number of puts has succeeded
type flakyStore struct {
	storage.ChunkStore
	mu        sync.Mutex
	puts      int
	failAfter int // -1 disables
}

var errDiskFull = errors.New("disk full")

func (s *flakyStore) Put(ctx context.Context, chunk *types.Chunk) error {
	s.mu.Lock()
	if s.failAfter >= 0 && s.puts >= s.failAfter {
		s.mu.Unlock()
		return errDiskFull
	}
	s.puts++
	s.mu.Unlock()
	return s.ChunkStore.Put(ctx, chunk)
}

func (s *flakyStore) failAfterPuts(n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failAfter = s.puts + n
}

// batchStore adds DeleteBatch to any store and counts its use
type batchStore struct {
	storage.ChunkStore
	batches int
	deleted int
}

func (s *batchStore) DeleteBatch(ctx context.Context, ids []types.ChunkID) (int, error) {
	s.batches++
	for _, id := range ids {
		if err := s.ChunkStore.Delete(ctx, id); err != nil {
			return s.deleted, err
		}
		s.deleted++
	}
	return len(ids), nil
}

// listCountStore counts ListForSource calls
type listCountStore struct {
	storage.ChunkStore
	mu    sync.Mutex
	lists int
}

func (s *listCountStore) ListForSource(ctx context.Context, sourcePath string) ([]types.ChunkID, error) {
	s.mu.Lock()
	s.lists++
	s.mu.Unlock()
	return s.ChunkStore.ListForSource(ctx, sourcePath)
}

func (s *listCountStore) listCalls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lists
}
