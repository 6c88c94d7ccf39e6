package ranker

import (
	"fmt"
	"math/rand/v2"
	"testing"

	"github.com/dshills/doccache-mcp/pkg/types"
)

func benchCandidates(n, dim int) ([]float32, []*types.Chunk) {
	r := rand.New(rand.NewPCG(1, 2))
	vec := func() []float32 {
		v := make([]float32, dim)
		for i := range v {
			v[i] = r.Float32()*2 - 1
		}
		return v
	}

	chunks := make([]*types.Chunk, n)
	for i := range chunks {
		chunks[i] = chunkWith(fmt.Sprintf("doc%04d.md", i/10), i%10, vec())
	}
	return vec(), chunks
}

func BenchmarkRank_1K(b *testing.B) {
	query, chunks := benchCandidates(1000, 384)

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		if got := Rank(query, chunks, 10); len(got) != 10 {
			b.Fatalf("got %d results", len(got))
		}
	}
}

func BenchmarkRank_10K(b *testing.B) {
	query, chunks := benchCandidates(10000, 1024)

	b.ReportAllocs()
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		Rank(query, chunks, 10)
	}
}

func BenchmarkCosineSimilarity(b *testing.B) {
	query, chunks := benchCandidates(1, 1536)

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		CosineSimilarity(query, chunks[0].Embedding)
	}
}
