// Package ranker orders chunks by cosine similarity to a query vector.
//
// Ranking is a pure function over the candidate snapshot the caller passes
// in. The output order is total: score descending, then ordinal ascending,
// then source path, then chunk id.
package ranker

import (
	"math"
	"sort"

	"github.com/dshills/doccache-mcp/pkg/types"
)

// Rank scores every candidate carrying an embedding of the query's dimension
// and returns the best k. k <= 0 or k larger than the scored set returns the
// full ranked set. Chunks without an embedding are excluded, never scored as zero.
func Rank(query []float32, candidates []*types.Chunk, k int) []types.ScoredChunk {
	if len(query) == 0 {
		return []types.ScoredChunk{}
	}

	scored := make([]types.ScoredChunk, 0, len(candidates))
	for _, chunk := range candidates {
		if chunk == nil || !chunk.HasEmbedding() {
			continue
		}
		if len(chunk.Embedding) != len(query) {
			continue // Dimension mismatch, skip
		}
		score := CosineSimilarity(query, chunk.Embedding)
		if math.IsNaN(score) {
			score = math.Inf(-1) // NaN would break the sort order; rank it last
		}
		scored = append(scored, types.ScoredChunk{Chunk: chunk, Score: score})
	}

	sortScored(scored)

	if k <= 0 || k > len(scored) {
		k = len(scored)
	}
	return scored[:k]
}

// sortScored applies the total order used for ranked output
func sortScored(scored []types.ScoredChunk) {
	sort.Slice(scored, func(i, j int) bool {
		a, b := scored[i], scored[j]
		if a.Score != b.Score {
			return a.Score > b.Score
		}
		if a.Chunk.Ordinal != b.Chunk.Ordinal {
			return a.Chunk.Ordinal < b.Chunk.Ordinal
		}
		if a.Chunk.SourcePath != b.Chunk.SourcePath {
			return a.Chunk.SourcePath < b.Chunk.SourcePath
		}
		return a.Chunk.ID < b.Chunk.ID
	})
}

// CosineSimilarity returns the cosine of the angle between a and b.
// Vectors of different length or zero magnitude score 0.
func CosineSimilarity(a, b []float32) float64 {
	if len(a) != len(b) {
		return 0
	}

	var dotProduct, normA, normB float64
	for i := range a {
		dotProduct += float64(a[i]) * float64(b[i])
		normA += float64(a[i]) * float64(a[i])
		normB += float64(b[i]) * float64(b[i])
	}

	if normA == 0 || normB == 0 {
		return 0
	}

	return dotProduct / (math.Sqrt(normA) * math.Sqrt(normB))
}
