package searcher

import (
	"context"
	"errors"
	"math"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dshills/doccache-mcp/internal/embedder"
	"github.com/dshills/doccache-mcp/pkg/types"
)

// mockEmbedder returns queryVector for every text
type mockEmbedder struct {
	mu          sync.Mutex
	model       string
	queryVector []float32
	calls       int
	failures    []error
}

func (m *mockEmbedder) GenerateBatch(ctx context.Context, req embedder.BatchEmbeddingRequest) (*embedder.BatchEmbeddingResponse, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls++
	if len(m.failures) > 0 {
		err := m.failures[0]
		m.failures = m.failures[1:]
		return nil, err
	}
	out := make([]*embedder.Embedding, len(req.Texts))
	for i := range req.Texts {
		out[i] = &embedder.Embedding{Vector: append([]float32(nil), m.queryVector...), Dimension: len(m.queryVector), Model: m.model}
	}
	return &embedder.BatchEmbeddingResponse{Embeddings: out, Model: m.model, Provider: "mock"}, nil
}

func (m *mockEmbedder) Dimension() int   { return len(m.queryVector) }
func (m *mockEmbedder) Provider() string { return "mock" }
func (m *mockEmbedder) Model() string    { return m.model }
func (m *mockEmbedder) Close() error     { return nil }

func (m *mockEmbedder) callCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls
}

// staticSource serves a fixed chunk list
type staticSource struct {
	chunks []*types.Chunk
	dirs   []string
	err    error
}

func (s *staticSource) GetChunksForDirectory(ctx context.Context, dir string) ([]*types.Chunk, error) {
	s.dirs = append(s.dirs, dir)
	return s.chunks, s.err
}

func chunk(path string, ordinal int, content, model string, vec ...float32) *types.Chunk {
	c := &types.Chunk{
		ID:          types.NewChunkID(path, ordinal, content),
		Content:     content,
		SourcePath:  path,
		HeadingPath: []string{"Heading"},
		Ordinal:     ordinal,
	}
	if len(vec) > 0 {
		c.Embedding = vec
		c.EmbeddingModel = model
		c.EmbeddingStatus = types.EmbeddingReady
	} else {
		c.ClearEmbedding()
	}
	return c
}

func testFixture() (*staticSource, *mockEmbedder) {
	source := &staticSource{chunks: []*types.Chunk{
		chunk("a.md", 0, "exact", "m1", 1, 0),
		chunk("a.md", 1, "close", "m1", 1, 1),
		chunk("b.md", 0, "opposite", "m1", -1, 0),
		chunk("b.md", 1, "pending", "m1"),
		chunk("c.md", 0, "old model", "m0", 1, 0),
	}}
	return source, &mockEmbedder{model: "m1", queryVector: []float32{1, 0}}
}

func TestSearch(t *testing.T) {
	source, emb := testFixture()
	s := New(source, emb)

	resp, err := s.Search(context.Background(), SearchRequest{Query: "find it", Directory: "docs"})
	require.NoError(t, err)

	assert.Equal(t, []string{"docs"}, source.dirs)
	assert.Equal(t, 5, resp.Candidates)
	assert.Equal(t, 3, resp.Embedded, "pending and other-model chunks are not candidates")
	require.Len(t, resp.Results, 3)
	assert.Equal(t, "exact", resp.Results[0].Content)
	assert.Equal(t, "close", resp.Results[1].Content)
	assert.Equal(t, "opposite", resp.Results[2].Content)
	for i, r := range resp.Results {
		assert.Equal(t, i+1, r.Rank)
		assert.NoError(t, r.Validate())
	}
	assert.InDelta(t, 1.0, resp.Results[0].Score, 1e-9)
	assert.Equal(t, "m1", resp.Model)
	assert.False(t, resp.CacheHit)
}

func TestSearch_LimitAndMinScore(t *testing.T) {
	source, emb := testFixture()
	s := New(source, emb)

	resp, err := s.Search(context.Background(), SearchRequest{Query: "q", Limit: 1})
	require.NoError(t, err)
	require.Len(t, resp.Results, 1)
	assert.Equal(t, "exact", resp.Results[0].Content)

	resp, err = s.Search(context.Background(), SearchRequest{Query: "q", MinScore: 0.5})
	require.NoError(t, err)
	assert.Len(t, resp.Results, 2)
}

func TestSearch_DropsNonFiniteScores(t *testing.T) {
	source, emb := testFixture()
	source.chunks = append(source.chunks, chunk("d.md", 0, "corrupt", "m1", float32(math.NaN()), 1))
	s := New(source, emb)

	resp, err := s.Search(context.Background(), SearchRequest{Query: "q"})
	require.NoError(t, err)
	assert.Equal(t, 4, resp.Embedded)
	require.Len(t, resp.Results, 3)
	for i, r := range resp.Results {
		assert.NotEqual(t, "corrupt", r.Content)
		assert.Equal(t, i+1, r.Rank)
		assert.NoError(t, r.Validate())
	}
}

func TestSearch_Deterministic(t *testing.T) {
	source := &staticSource{chunks: []*types.Chunk{
		chunk("b.md", 0, "tie b", "m1", 1, 0),
		chunk("a.md", 1, "tie a1", "m1", 1, 0),
		chunk("a.md", 0, "tie a0", "m1", 1, 0),
	}}
	s := New(source, &mockEmbedder{model: "m1", queryVector: []float32{1, 0}})

	first, err := s.Search(context.Background(), SearchRequest{Query: "q"})
	require.NoError(t, err)
	second, err := s.Search(context.Background(), SearchRequest{Query: "q"})
	require.NoError(t, err)

	assert.Equal(t, first.Results, second.Results)
	assert.Equal(t, "tie a0", first.Results[0].Content)
	assert.Equal(t, "tie b", first.Results[1].Content)
	assert.Equal(t, "tie a1", first.Results[2].Content)
}

func TestSearch_Validation(t *testing.T) {
	source, emb := testFixture()

	_, err := New(source, emb).Search(context.Background(), SearchRequest{Query: "   "})
	assert.ErrorIs(t, err, ErrEmptyQuery)

	_, err = New(source, nil).Search(context.Background(), SearchRequest{Query: "q"})
	assert.ErrorIs(t, err, types.ErrEmbeddingUnavailable)

	req := SearchRequest{Query: "q", Limit: 1000}
	require.NoError(t, validateRequest(&req))
	assert.Equal(t, MaxLimit, req.Limit)
	assert.Equal(t, DefaultCacheTTL, req.CacheTTL)
}

func TestSearch_SourceError(t *testing.T) {
	source, emb := testFixture()
	source.err = errors.New("store closed")

	_, err := New(source, emb).Search(context.Background(), SearchRequest{Query: "q"})
	assert.ErrorContains(t, err, "store closed")
}

func TestSearch_RetriesQueryEmbedding(t *testing.T) {
	source, emb := testFixture()
	emb.failures = []error{&embedder.ProviderError{Kind: embedder.KindTransient, Provider: "mock", Err: errors.New("timeout")}}
	s := NewWithRetry(source, emb, embedder.RetryPolicy{MaxAttempts: 2, BaseDelay: time.Millisecond})

	resp, err := s.Search(context.Background(), SearchRequest{Query: "q"})
	require.NoError(t, err)
	assert.Len(t, resp.Results, 3)
	assert.Equal(t, 2, emb.callCount())
}

func TestSearch_Cache(t *testing.T) {
	source, emb := testFixture()
	s := New(source, emb)
	ctx := context.Background()

	first, err := s.Search(ctx, SearchRequest{Query: "q", UseCache: true})
	require.NoError(t, err)
	assert.False(t, first.CacheHit)
	assert.Equal(t, 1, s.CacheLen())

	second, err := s.Search(ctx, SearchRequest{Query: "q", UseCache: true})
	require.NoError(t, err)
	assert.True(t, second.CacheHit)
	assert.Equal(t, first.Results, second.Results)
	assert.Equal(t, 1, emb.callCount())

	// Mutating a returned response does not affect the cache
	second.Results[0].HeadingPath[0] = "changed"
	third, err := s.Search(ctx, SearchRequest{Query: "q", UseCache: true})
	require.NoError(t, err)
	assert.Equal(t, "Heading", third.Results[0].HeadingPath[0])

	s.InvalidateCache()
	assert.Equal(t, 0, s.CacheLen())
	fourth, err := s.Search(ctx, SearchRequest{Query: "q", UseCache: true})
	require.NoError(t, err)
	assert.False(t, fourth.CacheHit)
}

func TestSearch_CacheExpires(t *testing.T) {
	source, emb := testFixture()
	s := New(source, emb)
	ctx := context.Background()

	_, err := s.Search(ctx, SearchRequest{Query: "q", UseCache: true, CacheTTL: time.Millisecond})
	require.NoError(t, err)
	time.Sleep(5 * time.Millisecond)

	resp, err := s.Search(ctx, SearchRequest{Query: "q", UseCache: true, CacheTTL: time.Millisecond})
	require.NoError(t, err)
	assert.False(t, resp.CacheHit)
}

func TestComputeQueryHash(t *testing.T) {
	base := SearchRequest{Query: "q", Directory: "docs", Limit: 10}
	other := base
	other.Directory = "notes"

	assert.Equal(t, computeQueryHash(base, "m1"), computeQueryHash(base, "m1"))
	assert.NotEqual(t, computeQueryHash(base, "m1"), computeQueryHash(other, "m1"))
	assert.NotEqual(t, computeQueryHash(base, "m1"), computeQueryHash(base, "m2"))
}
