package embedder

import (
	"context"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// countingEmbedder records every batch it receives
type countingEmbedder struct {
	*LocalProvider
	batches [][]string
}

func (c *countingEmbedder) GenerateBatch(ctx context.Context, req BatchEmbeddingRequest) (*BatchEmbeddingResponse, error) {
	c.batches = append(c.batches, append([]string(nil), req.Texts...))
	return c.LocalProvider.GenerateBatch(ctx, req)
}

func TestComputeHash(t *testing.T) {
	a := ComputeHash("hello")
	assert.Len(t, a, 64)
	assert.Equal(t, a, ComputeHash("hello"))
	assert.NotEqual(t, a, ComputeHash("hello!"))
}

func TestValidateBatchRequest(t *testing.T) {
	tests := []struct {
		name    string
		texts   []string
		wantErr bool
	}{
		{"valid", []string{"a", "b"}, false},
		{"empty batch", nil, true},
		{"empty text", []string{"a", ""}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateBatchRequest(BatchEmbeddingRequest{Texts: tt.texts})
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrInvalidInput)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestCache(t *testing.T) {
	cache := NewCache(2)

	cache.Set("a", &Embedding{Vector: []float32{1, 2}})
	got, ok := cache.Get("a")
	require.True(t, ok)
	got.Vector[0] = 99

	again, _ := cache.Get("a")
	assert.Equal(t, float32(1), again.Vector[0], "Get returns a copy")

	cache.Set("b", &Embedding{Vector: []float32{3}})
	cache.Set("c", &Embedding{Vector: []float32{4}})
	assert.Equal(t, 2, cache.Size())
	_, ok = cache.Get("b")
	assert.True(t, ok)

	cache.Clear()
	assert.Equal(t, 0, cache.Size())
}

func TestNewCache_DefaultSize(t *testing.T) {
	cache := NewCache(0)
	for i := 0; i < 5; i++ {
		cache.Set(ComputeHash(string(rune('a'+i))), &Embedding{})
	}
	assert.Equal(t, 5, cache.Size())
}

func TestCachedEmbedder_OnlyForwardsMisses(t *testing.T) {
	inner := &countingEmbedder{LocalProvider: NewLocalProvider()}
	emb := WithCache(inner, NewCache(10))
	ctx := context.Background()

	first, err := emb.GenerateBatch(ctx, BatchEmbeddingRequest{Texts: []string{"alpha", "beta"}})
	require.NoError(t, err)
	require.Len(t, first.Embeddings, 2)

	second, err := emb.GenerateBatch(ctx, BatchEmbeddingRequest{Texts: []string{"beta", "gamma", "alpha"}})
	require.NoError(t, err)
	require.Len(t, second.Embeddings, 3)

	require.Len(t, inner.batches, 2)
	assert.Equal(t, []string{"gamma"}, inner.batches[1])
	assert.Equal(t, first.Embeddings[1].Vector, second.Embeddings[0].Vector)
	assert.Equal(t, first.Embeddings[0].Vector, second.Embeddings[2].Vector)
	assert.Equal(t, DefaultLocalModel, second.Model)
}

func TestWithCache_Nil(t *testing.T) {
	local := NewLocalProvider()
	assert.Same(t, Embedder(local), WithCache(local, nil))
}

func TestEmbed(t *testing.T) {
	emb, err := Embed(context.Background(), NewLocalProvider(), "install the tool")
	require.NoError(t, err)
	assert.Len(t, emb.Vector, LocalDimension)

	_, err = Embed(context.Background(), NewLocalProvider(), "")
	assert.ErrorIs(t, err, ErrInvalidInput)
}

func TestLocalProvider(t *testing.T) {
	p := NewLocalProvider()
	ctx := context.Background()

	assert.Equal(t, ProviderLocal, p.Provider())
	assert.Equal(t, DefaultLocalModel, p.Model())
	assert.Equal(t, LocalDimension, p.Dimension())
	assert.NoError(t, p.Close())

	resp, err := p.GenerateBatch(ctx, BatchEmbeddingRequest{Texts: []string{
		"install the binary with go install",
		"go install puts the binary on your path",
		"quarterly revenue grew in europe",
	}})
	require.NoError(t, err)
	require.Len(t, resp.Embeddings, 3)

	var norm float64
	for _, v := range resp.Embeddings[0].Vector {
		norm += float64(v) * float64(v)
	}
	assert.InDelta(t, 1.0, math.Sqrt(norm), 1e-5)

	again, err := p.GenerateBatch(ctx, BatchEmbeddingRequest{Texts: []string{"install the binary with go install"}})
	require.NoError(t, err)
	assert.Equal(t, resp.Embeddings[0].Vector, again.Embeddings[0].Vector, "deterministic")

	dot := func(a, b []float32) float64 {
		var s float64
		for i := range a {
			s += float64(a[i]) * float64(b[i])
		}
		return s
	}
	related := dot(resp.Embeddings[0].Vector, resp.Embeddings[1].Vector)
	unrelated := dot(resp.Embeddings[0].Vector, resp.Embeddings[2].Vector)
	assert.Greater(t, related, unrelated)
}

func TestLocalProvider_BatchLimits(t *testing.T) {
	p := NewLocalProvider()
	texts := make([]string, MaxBatchSize+1)
	for i := range texts {
		texts[i] = "x"
	}
	_, err := p.GenerateBatch(context.Background(), BatchEmbeddingRequest{Texts: texts})
	assert.ErrorIs(t, err, ErrBatchTooLarge)
}

func TestLocalProvider_Cancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := NewLocalProvider().GenerateBatch(ctx, BatchEmbeddingRequest{Texts: []string{"a"}})
	assert.ErrorIs(t, err, context.Canceled)
}

func TestNormalizeVector(t *testing.T) {
	v := NormalizeVector([]float32{3, 4})
	assert.InDelta(t, 0.6, v[0], 1e-6)
	assert.InDelta(t, 0.8, v[1], 1e-6)

	zero := []float32{0, 0}
	assert.Equal(t, zero, NormalizeVector(zero))
}
