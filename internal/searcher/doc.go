// Package searcher answers natural-language queries over a store by
// embedding the query and ranking the store's chunks by cosine similarity.
//
// # Basic Usage
//
//	s := searcher.New(c, emb)
//
//	resp, err := s.Search(ctx, searcher.SearchRequest{
//	    Query:     "how are orphans reclaimed",
//	    Directory: "docs",
//	    Limit:     5,
//	})
//
//	for _, r := range resp.Results {
//	    fmt.Printf("[%d] %s %v (%.3f)\n", r.Rank, r.SourcePath, r.HeadingPath, r.Score)
//	}
//
// Only chunks embedded by the searcher's model are candidates; chunks
// without an embedding are never scored.
//
// # Caching
//
// Responses are kept in an LRU cache for CacheTTL (default five minutes).
// Call InvalidateCache after a reconciliation changes the store.
package searcher
