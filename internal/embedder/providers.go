package embedder

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"time"
	"unicode"

	openai "github.com/sashabaranov/go-openai"
	"golang.org/x/time/rate"
)

// Provider configuration
const (
	ProviderJina   = "jina"
	ProviderOpenAI = "openai"
	ProviderLocal  = "local"

	// Environment variables
	EnvProvider     = "DOCCACHE_EMBEDDING_PROVIDER"
	EnvJinaAPIKey   = "JINA_API_KEY"
	EnvOpenAIAPIKey = "OPENAI_API_KEY"

	// Default models
	DefaultJinaModel   = "jina-embeddings-v3"
	DefaultOpenAIModel = "text-embedding-3-small"
	DefaultLocalModel  = "local-hash-v1"

	// Default endpoints
	DefaultJinaURL = "https://api.jina.ai/v1/embeddings"

	// Dimensions
	JinaDimension        = 1024
	OpenAIDimension      = 1536
	OpenAILargeDimension = 3072
	LocalDimension       = 384

	// Batch limits
	DefaultBatchSize = 50
	MaxBatchSize     = 100

	// Retry configuration
	MaxAttempts       = 3
	InitialBackoffMs  = 100
	MaxBackoffMs      = 5000
	BackoffMultiplier = 2.0

	DefaultCacheSize = 10000
)

// checkBatch enforces the request limits shared by all providers
func checkBatch(req BatchEmbeddingRequest) error {
	if err := ValidateBatchRequest(req); err != nil {
		return err
	}
	if len(req.Texts) > MaxBatchSize {
		return fmt.Errorf("%w: max %d texts allowed", ErrBatchTooLarge, MaxBatchSize)
	}
	return nil
}

// newLimiter returns nil when rps is not positive
func newLimiter(rps float64) *rate.Limiter {
	if rps <= 0 {
		return nil
	}
	burst := int(math.Ceil(rps))
	return rate.NewLimiter(rate.Limit(rps), burst)
}

// waitLimiter blocks until l admits one call. A wait the context deadline
// cannot cover is a transient provider error so the retry policy backs off.
func waitLimiter(ctx context.Context, l *rate.Limiter, provider string) error {
	if l == nil {
		return nil
	}
	if err := l.Wait(ctx); err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		return NewTransportError(provider, err)
	}
	return nil
}

// JinaProvider implements Embedder using Jina AI API
type JinaProvider struct {
	apiKey     string
	model      string
	url        string
	httpClient *http.Client
	limiter    *rate.Limiter
}

// JinaOptions configures a JinaProvider
type JinaOptions struct {
	APIKey            string
	Model             string
	BaseURL           string
	RequestsPerSecond float64
	HTTPTimeout       time.Duration
}

// NewJinaProvider creates a new Jina AI embedder
func NewJinaProvider(opts JinaOptions) (*JinaProvider, error) {
	if opts.APIKey == "" {
		return nil, fmt.Errorf("%w: %s not set", ErrNoProviderEnabled, EnvJinaAPIKey)
	}
	if opts.Model == "" {
		opts.Model = DefaultJinaModel
	}
	if opts.BaseURL == "" {
		opts.BaseURL = DefaultJinaURL
	}
	if opts.HTTPTimeout <= 0 {
		opts.HTTPTimeout = 30 * time.Second
	}

	return &JinaProvider{
		apiKey: opts.APIKey,
		model:  opts.Model,
		url:    opts.BaseURL,
		httpClient: &http.Client{
			Timeout: opts.HTTPTimeout,
		},
		limiter: newLimiter(opts.RequestsPerSecond),
	}, nil
}

// GenerateBatch makes one call to the Jina embeddings endpoint
func (j *JinaProvider) GenerateBatch(ctx context.Context, req BatchEmbeddingRequest) (*BatchEmbeddingResponse, error) {
	if err := checkBatch(req); err != nil {
		return nil, err
	}
	if err := waitLimiter(ctx, j.limiter, ProviderJina); err != nil {
		return nil, err
	}

	vectors, err := j.callAPI(ctx, req.Texts)
	if err != nil {
		return nil, err
	}

	embeddings := make([]*Embedding, len(vectors))
	for i, v := range vectors {
		embeddings[i] = &Embedding{
			Vector:    v,
			Dimension: len(v),
			Provider:  ProviderJina,
			Model:     j.model,
		}
	}

	return &BatchEmbeddingResponse{
		Embeddings: embeddings,
		Provider:   ProviderJina,
		Model:      j.model,
	}, nil
}

func (j *JinaProvider) callAPI(ctx context.Context, texts []string) ([][]float32, error) {
	reqBody := map[string]interface{}{
		"input": texts,
		"model": j.model,
	}

	body, err := json.Marshal(reqBody)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, j.url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+j.apiKey)

	resp, err := j.httpClient.Do(req)
	if err != nil {
		return nil, transportError(ctx, ProviderJina, fmt.Errorf("api call: %w", err))
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	if resp.StatusCode != http.StatusOK {
		bodyBytes, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		pe := NewStatusError(ProviderJina, resp.StatusCode, fmt.Errorf("api error: %s", strings.TrimSpace(string(bodyBytes))))
		pe.RetryAfter = parseRetryAfter(resp.Header.Get("Retry-After"))
		return nil, pe
	}

	var apiResp struct {
		Data []struct {
			Embedding []float32 `json:"embedding"`
			Index     int       `json:"index"`
		} `json:"data"`
		Model string `json:"model"`
	}

	if err := json.NewDecoder(resp.Body).Decode(&apiResp); err != nil {
		return nil, NewTransportError(ProviderJina, fmt.Errorf("decode response: %w", err))
	}
	if len(apiResp.Data) != len(texts) {
		return nil, NewTransportError(ProviderJina, fmt.Errorf("got %d embeddings for %d texts", len(apiResp.Data), len(texts)))
	}

	sort.Slice(apiResp.Data, func(a, b int) bool { return apiResp.Data[a].Index < apiResp.Data[b].Index })
	vectors := make([][]float32, len(apiResp.Data))
	for i, data := range apiResp.Data {
		vectors[i] = data.Embedding
	}
	return vectors, nil
}

func (j *JinaProvider) Dimension() int {
	return JinaDimension
}

func (j *JinaProvider) Provider() string {
	return ProviderJina
}

func (j *JinaProvider) Model() string {
	return j.model
}

func (j *JinaProvider) Close() error {
	j.httpClient.CloseIdleConnections()
	return nil
}

// parseRetryAfter reads a delay-seconds Retry-After header
func parseRetryAfter(v string) time.Duration {
	secs, err := strconv.Atoi(strings.TrimSpace(v))
	if err != nil || secs <= 0 {
		return 0
	}
	return time.Duration(secs) * time.Second
}

// OpenAIProvider implements Embedder with the go-openai client
type OpenAIProvider struct {
	client  *openai.Client
	model   string
	dim     int
	limiter *rate.Limiter
}

// OpenAIOptions configures an OpenAIProvider
type OpenAIOptions struct {
	APIKey            string
	Model             string
	BaseURL           string // Optional, for OpenAI compatible endpoints
	RequestsPerSecond float64
	HTTPTimeout       time.Duration
}

// NewOpenAIProvider creates a new OpenAI embedder
func NewOpenAIProvider(opts OpenAIOptions) (*OpenAIProvider, error) {
	if opts.APIKey == "" {
		return nil, fmt.Errorf("%w: %s not set", ErrNoProviderEnabled, EnvOpenAIAPIKey)
	}
	if opts.Model == "" {
		opts.Model = DefaultOpenAIModel
	}
	if opts.HTTPTimeout <= 0 {
		opts.HTTPTimeout = 30 * time.Second
	}

	config := openai.DefaultConfig(opts.APIKey)
	if opts.BaseURL != "" {
		config.BaseURL = opts.BaseURL
	}
	config.HTTPClient = &http.Client{Timeout: opts.HTTPTimeout}

	dim := OpenAIDimension
	if opts.Model == "text-embedding-3-large" {
		dim = OpenAILargeDimension
	}

	return &OpenAIProvider{
		client:  openai.NewClientWithConfig(config),
		model:   opts.Model,
		dim:     dim,
		limiter: newLimiter(opts.RequestsPerSecond),
	}, nil
}

// GenerateBatch makes one CreateEmbeddings call
func (o *OpenAIProvider) GenerateBatch(ctx context.Context, req BatchEmbeddingRequest) (*BatchEmbeddingResponse, error) {
	if err := checkBatch(req); err != nil {
		return nil, err
	}
	if err := waitLimiter(ctx, o.limiter, ProviderOpenAI); err != nil {
		return nil, err
	}

	resp, err := o.client.CreateEmbeddings(ctx, openai.EmbeddingRequest{
		Model: openai.EmbeddingModel(o.model),
		Input: req.Texts,
	})
	if err != nil {
		return nil, classifyOpenAIError(ctx, err)
	}
	if len(resp.Data) != len(req.Texts) {
		return nil, NewTransportError(ProviderOpenAI, fmt.Errorf("got %d embeddings for %d texts", len(resp.Data), len(req.Texts)))
	}

	embeddings := make([]*Embedding, len(resp.Data))
	for _, data := range resp.Data {
		if data.Index < 0 || data.Index >= len(embeddings) {
			return nil, NewTransportError(ProviderOpenAI, fmt.Errorf("embedding index %d out of range", data.Index))
		}
		v := make([]float32, len(data.Embedding))
		for i := range data.Embedding {
			v[i] = float32(data.Embedding[i])
		}
		embeddings[data.Index] = &Embedding{
			Vector:    v,
			Dimension: len(v),
			Provider:  ProviderOpenAI,
			Model:     o.model,
		}
	}
	for i, emb := range embeddings {
		if emb == nil {
			return nil, NewTransportError(ProviderOpenAI, fmt.Errorf("missing embedding for text %d", i))
		}
	}

	return &BatchEmbeddingResponse{
		Embeddings: embeddings,
		Provider:   ProviderOpenAI,
		Model:      o.model,
	}, nil
}

// classifyOpenAIError maps go-openai errors onto ProviderError kinds
func classifyOpenAIError(ctx context.Context, err error) error {
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		return NewStatusError(ProviderOpenAI, apiErr.HTTPStatusCode, err)
	}
	var reqErr *openai.RequestError
	if errors.As(err, &reqErr) {
		return NewStatusError(ProviderOpenAI, reqErr.HTTPStatusCode, err)
	}
	return transportError(ctx, ProviderOpenAI, err)
}

func (o *OpenAIProvider) Dimension() int {
	return o.dim
}

func (o *OpenAIProvider) Provider() string {
	return ProviderOpenAI
}

func (o *OpenAIProvider) Model() string {
	return o.model
}

func (o *OpenAIProvider) Close() error {
	return nil
}

// LocalProvider embeds text offline by hashing word features into a fixed
// size vector. Texts sharing words get similar vectors, which is enough for
// offline use and tests.
type LocalProvider struct {
	model string
	dim   int
}

// NewLocalProvider creates a new local embedder
func NewLocalProvider() *LocalProvider {
	return &LocalProvider{
		model: DefaultLocalModel,
		dim:   LocalDimension,
	}
}

// GenerateBatch embeds every text locally
func (l *LocalProvider) GenerateBatch(ctx context.Context, req BatchEmbeddingRequest) (*BatchEmbeddingResponse, error) {
	if err := checkBatch(req); err != nil {
		return nil, err
	}

	embeddings := make([]*Embedding, len(req.Texts))
	for i, text := range req.Texts {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		vector := l.vectorize(text)
		embeddings[i] = &Embedding{
			Vector:    vector,
			Dimension: len(vector),
			Provider:  ProviderLocal,
			Model:     l.model,
			Hash:      ComputeHash(text),
		}
	}

	return &BatchEmbeddingResponse{
		Embeddings: embeddings,
		Provider:   ProviderLocal,
		Model:      l.model,
	}, nil
}

// vectorize hashes lowercased word tokens into signed buckets
func (l *LocalProvider) vectorize(text string) []float32 {
	vector := make([]float32, l.dim)
	words := strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
	if len(words) == 0 {
		words = []string{text}
	}

	for _, w := range words {
		sum := sha256.Sum256([]byte(w))
		idx := binary.BigEndian.Uint32(sum[0:4]) % uint32(l.dim)
		if sum[4]&1 == 0 {
			vector[idx]++
		} else {
			vector[idx]--
		}
	}
	return NormalizeVector(vector)
}

func (l *LocalProvider) Dimension() int {
	return l.dim
}

func (l *LocalProvider) Provider() string {
	return ProviderLocal
}

func (l *LocalProvider) Model() string {
	return l.model
}

func (l *LocalProvider) Close() error {
	return nil
}

// NormalizeVector normalizes a vector to unit length (for cosine similarity)
func NormalizeVector(v []float32) []float32 {
	var sum float64
	for _, val := range v {
		sum += float64(val) * float64(val)
	}

	if sum == 0 {
		return v
	}

	norm := float32(math.Sqrt(sum))
	result := make([]float32, len(v))
	for i, val := range v {
		result[i] = val / norm
	}

	return result
}
