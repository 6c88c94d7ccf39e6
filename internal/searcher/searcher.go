package searcher

import (
	"context"
	"crypto/sha256"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/dshills/doccache-mcp/internal/embedder"
	"github.com/dshills/doccache-mcp/internal/ranker"
	"github.com/dshills/doccache-mcp/pkg/types"
)

const (
	// DefaultLimit is the number of results returned when none is requested
	DefaultLimit = 10

	// MaxLimit caps the number of results per query
	MaxLimit = 100

	// DefaultCacheTTL is how long a cached response stays valid
	DefaultCacheTTL = 5 * time.Minute

	cacheSize = 1000
)

// ErrEmptyQuery is returned for blank queries
var ErrEmptyQuery = errors.New("query cannot be empty")

// Source is the read side of the cache the searcher ranks over
type Source interface {
	GetChunksForDirectory(ctx context.Context, dir string) ([]*types.Chunk, error)
}

// SearchRequest contains parameters for a search operation
type SearchRequest struct {
	Query     string
	Directory string  // Relative to the working directory, "" for all
	Limit     int     // Default 10, max 100
	MinScore  float64 // Results scoring below are dropped; 0 keeps everything
	UseCache  bool
	CacheTTL  time.Duration
}

// SearchResponse contains search results and metadata
type SearchResponse struct {
	Results      []types.SearchResult
	TotalResults int
	Candidates   int // Chunks under the directory
	Embedded     int // Candidates carrying an embedding from the current model
	Model        string
	Duration     time.Duration
	CacheHit     bool
}

// cacheEntry represents a cached search response with expiration time
type cacheEntry struct {
	response  *SearchResponse
	expiresAt time.Time
}

// Searcher embeds queries and ranks chunks from a Source
type Searcher struct {
	source   Source
	embedder embedder.Embedder
	retry    embedder.RetryPolicy
	cache    *lru.Cache[[32]byte, *cacheEntry]
	cacheMu  sync.RWMutex
}

// New creates a Searcher using the default retry policy for query embeddings
func New(source Source, emb embedder.Embedder) *Searcher {
	return NewWithRetry(source, emb, embedder.DefaultRetryPolicy())
}

// NewWithRetry creates a Searcher with an explicit retry policy
func NewWithRetry(source Source, emb embedder.Embedder, retry embedder.RetryPolicy) *Searcher {
	cache, err := lru.New[[32]byte, *cacheEntry](cacheSize)
	if err != nil {
		// This should never happen with valid size parameter
		panic(fmt.Sprintf("failed to create LRU cache: %v", err))
	}

	return &Searcher{
		source:   source,
		embedder: emb,
		retry:    retry,
		cache:    cache,
	}
}

// Search ranks the chunks under req.Directory against req.Query
func (s *Searcher) Search(ctx context.Context, req SearchRequest) (*SearchResponse, error) {
	startTime := time.Now()

	if s.embedder == nil {
		return nil, types.ErrEmbeddingUnavailable
	}
	if err := validateRequest(&req); err != nil {
		return nil, fmt.Errorf("invalid search request: %w", err)
	}

	model := s.embedder.Model()
	key := computeQueryHash(req, model)

	if req.UseCache {
		if cached, ok := s.checkCache(key); ok {
			cached.CacheHit = true
			cached.Duration = time.Since(startTime)
			return cached, nil
		}
	}

	query, err := embedder.Retry(ctx, s.retry, func(callCtx context.Context) (*embedder.Embedding, error) {
		return embedder.Embed(callCtx, s.embedder, req.Query)
	})
	if err != nil {
		return nil, fmt.Errorf("failed to generate query embedding: %w", err)
	}

	chunks, err := s.source.GetChunksForDirectory(ctx, req.Directory)
	if err != nil {
		return nil, fmt.Errorf("failed to load chunks: %w", err)
	}

	candidates := make([]*types.Chunk, 0, len(chunks))
	for _, chunk := range chunks {
		if chunk.HasEmbedding() && chunk.EmbeddingModel == model {
			candidates = append(candidates, chunk)
		}
	}

	scored := ranker.Rank(query.Vector, candidates, req.Limit)
	results := make([]types.SearchResult, 0, len(scored))
	for _, sc := range scored {
		if req.MinScore != 0 && sc.Score < req.MinScore {
			break // Sorted descending
		}
		result := toResult(sc, len(results)+1)
		if result.Validate() != nil {
			continue // Non-finite score from a corrupt vector
		}
		results = append(results, result)
	}

	response := &SearchResponse{
		Results:      results,
		TotalResults: len(results),
		Candidates:   len(chunks),
		Embedded:     len(candidates),
		Model:        model,
		Duration:     time.Since(startTime),
	}

	if req.UseCache && len(response.Results) > 0 {
		s.storeInCache(key, req.CacheTTL, response)
	}

	return response, nil
}

func toResult(sc types.ScoredChunk, rank int) types.SearchResult {
	headings := append([]string{}, sc.Chunk.HeadingPath...)
	score := sc.Score
	// Rounding can push the cosine of parallel vectors just past ±1
	if score > 1 && score < 1+1e-9 {
		score = 1
	} else if score < -1 && score > -1-1e-9 {
		score = -1
	}
	return types.SearchResult{
		ChunkID:     sc.Chunk.ID,
		Rank:        rank,
		Score:       score,
		SourcePath:  sc.Chunk.SourcePath,
		HeadingPath: headings,
		Ordinal:     sc.Chunk.Ordinal,
		Content:     sc.Chunk.Content,
	}
}

// validateRequest ensures search request is valid and fills defaults
func validateRequest(req *SearchRequest) error {
	req.Query = strings.TrimSpace(req.Query)
	if req.Query == "" {
		return ErrEmptyQuery
	}

	if req.Limit <= 0 {
		req.Limit = DefaultLimit
	}

	if req.Limit > MaxLimit {
		req.Limit = MaxLimit
	}

	if req.CacheTTL <= 0 {
		req.CacheTTL = DefaultCacheTTL
	}

	return nil
}

// checkCache looks up a cached response
func (s *Searcher) checkCache(key [32]byte) (*SearchResponse, bool) {
	now := time.Now()

	s.cacheMu.RLock()
	entry, found := s.cache.Get(key)
	if !found {
		s.cacheMu.RUnlock()
		return nil, false
	}

	if now.After(entry.expiresAt) {
		s.cacheMu.RUnlock()

		s.cacheMu.Lock()
		s.cache.Remove(key)
		s.cacheMu.Unlock()
		return nil, false
	}

	response := copySearchResponse(entry.response)
	s.cacheMu.RUnlock()

	return response, true
}

// storeInCache saves a deep copy of response
func (s *Searcher) storeInCache(key [32]byte, ttl time.Duration, response *SearchResponse) {
	entry := &cacheEntry{
		response:  copySearchResponse(response),
		expiresAt: time.Now().Add(ttl),
	}

	s.cacheMu.Lock()
	s.cache.Add(key, entry)
	s.cacheMu.Unlock()
}

// CacheLen returns the number of cached responses
func (s *Searcher) CacheLen() int {
	s.cacheMu.RLock()
	defer s.cacheMu.RUnlock()
	return s.cache.Len()
}

// InvalidateCache drops every cached response
func (s *Searcher) InvalidateCache() {
	s.cacheMu.Lock()
	s.cache.Purge()
	s.cacheMu.Unlock()
}

// copySearchResponse creates a deep copy of a SearchResponse
func copySearchResponse(src *SearchResponse) *SearchResponse {
	if src == nil {
		return nil
	}

	dst := *src
	dst.Results = make([]types.SearchResult, len(src.Results))
	for i, result := range src.Results {
		dst.Results[i] = result
		dst.Results[i].HeadingPath = append([]string{}, result.HeadingPath...)
	}
	return &dst
}

// computeQueryHash computes a unique hash for a search request
func computeQueryHash(req SearchRequest, model string) [32]byte {
	var data strings.Builder
	data.WriteString(req.Query)
	data.WriteString("|")
	data.WriteString(req.Directory)
	data.WriteString("|")
	data.WriteString(strconv.Itoa(req.Limit))
	data.WriteString("|")
	data.WriteString(strconv.FormatFloat(req.MinScore, 'f', 4, 64))
	data.WriteString("|")
	data.WriteString(model)

	return sha256.Sum256([]byte(data.String()))
}
