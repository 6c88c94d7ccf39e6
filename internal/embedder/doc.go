// Package embedder generates vector embeddings for chunk content.
//
// Three providers implement Embedder: Jina AI (HTTP), OpenAI (through
// github.com/sashabaranov/go-openai) and a local feature-hashing model for
// offline use. Providers make exactly one upstream call per GenerateBatch and
// never retry; every failure is a *ProviderError classified as rate_limited,
// auth_failed, transient or rejected.
//
// # Basic Usage
//
//	emb, err := embedder.New(embedder.Config{Provider: "jina", APIKey: key, CacheSize: 10000})
//	if err != nil {
//	    return err
//	}
//	defer emb.Close()
//
//	resp, err := embedder.Retry(ctx, embedder.DefaultRetryPolicy(),
//	    func(ctx context.Context) (*embedder.BatchEmbeddingResponse, error) {
//	        return emb.GenerateBatch(ctx, embedder.BatchEmbeddingRequest{Texts: texts})
//	    })
//
// # Provider Selection
//
// With an empty Config.Provider, or through NewFromEnv:
//
//  1. If DOCCACHE_EMBEDDING_PROVIDER is set → use specified provider
//  2. Else if JINA_API_KEY is set → use Jina AI
//  3. Else if OPENAI_API_KEY is set → use OpenAI
//  4. Else → fallback to local provider (offline mode)
//
// # Retry
//
// Retry applies a RetryPolicy: bounded attempts, exponential backoff with
// jitter capped at MaxDelay, a Retry-After hint when the server sends one, and
// an optional per-call timeout. Rate limited and transient failures are
// retried; auth failures and rejected requests are returned at once.
//
// # Caching
//
// WithCache wraps any provider in an LRU keyed by model and content hash, so
// only cache misses reach the network. HTTP providers can also be throttled
// client side with a golang.org/x/time/rate limiter (RequestsPerSecond).
package embedder
