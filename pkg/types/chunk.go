package types

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strconv"
	"time"
)

// ChunkID is the stable identifier of a chunk within a store
type ChunkID string

// EmbeddingStatus tracks where a chunk is in the embedding lifecycle
type EmbeddingStatus string

const (
	EmbeddingPending EmbeddingStatus = "pending"
	EmbeddingReady   EmbeddingStatus = "ready"
	EmbeddingFailed  EmbeddingStatus = "failed"
	EmbeddingSkipped EmbeddingStatus = "skipped" // empty content, nothing to embed
)

// chunkIDLength is the number of hex characters kept from the id digest (128 bits)
const chunkIDLength = 32

// Chunk is a contiguous, heading-bounded slice of a source document
type Chunk struct {
	// Identification
	ID ChunkID

	// Content
	Content     string
	SourcePath  string   // Relative to the working directory, slash separated
	HeadingPath []string // Root-to-leaf headings, empty for root-level content
	Ordinal     int      // 0-based emission order within the source file

	// Document-level metadata, duplicated onto every chunk of a file
	FrontMatter map[string]any

	// Embedding
	Embedding       []float32
	EmbeddingModel  string
	EmbeddingStatus EmbeddingStatus
	EmbeddingError  string

	CreatedAt time.Time
	UpdatedAt time.Time
}

// NewChunkID derives a chunk id from its source path, ordinal position and content.
// Identical content at an identical position always yields the same id.
func NewChunkID(sourcePath string, ordinal int, content string) ChunkID {
	contentHash := sha256.Sum256([]byte(content))

	h := sha256.New()
	h.Write([]byte(sourcePath))
	h.Write([]byte{0})
	h.Write([]byte(strconv.Itoa(ordinal)))
	h.Write([]byte{0})
	h.Write([]byte(hex.EncodeToString(contentHash[:])))

	return ChunkID(hex.EncodeToString(h.Sum(nil))[:chunkIDLength])
}

// IsValidChunkID reports whether s has the shape of a chunk id
func IsValidChunkID(s string) bool {
	if len(s) != chunkIDLength {
		return false
	}
	for i := 0; i < len(s); i++ {
		c := s[i]
		if (c < '0' || c > '9') && (c < 'a' || c > 'f') {
			return false
		}
	}
	return true
}

// TokenCount estimates the number of tokens in the chunk
// Uses a simple heuristic: characters / 4
func (c *Chunk) TokenCount() int {
	return len(c.Content) / 4
}

// VerifyID checks that the id matches the chunk's path, ordinal and content
func (c *Chunk) VerifyID() error {
	if c.ID != NewChunkID(c.SourcePath, c.Ordinal, c.Content) {
		return ErrChunkIDMismatch
	}
	return nil
}

// HasEmbedding reports whether an embedding vector is present
func (c *Chunk) HasEmbedding() bool {
	return len(c.Embedding) > 0
}

// NeedsEmbedding reports whether the chunk lacks an embedding produced by model
func (c *Chunk) NeedsEmbedding(model string) bool {
	if c.Content == "" {
		return false
	}
	return !c.HasEmbedding() || c.EmbeddingModel != model
}

// ClearEmbedding drops the vector and resets the status to pending
func (c *Chunk) ClearEmbedding() {
	c.Embedding = nil
	c.EmbeddingModel = ""
	c.EmbeddingError = ""
	c.EmbeddingStatus = EmbeddingPending
	if c.Content == "" {
		c.EmbeddingStatus = EmbeddingSkipped
	}
}

// Validate performs validation of the chunk
func (c *Chunk) Validate() error {
	if c.ID == "" {
		return fmt.Errorf("%w: chunk id is required", ErrInvalidChunk)
	}
	if !IsValidChunkID(string(c.ID)) {
		return fmt.Errorf("%w: malformed chunk id", ErrInvalidChunk)
	}
	if c.SourcePath == "" {
		return fmt.Errorf("%w: source path is required", ErrInvalidChunk)
	}
	if c.Ordinal < 0 {
		return fmt.Errorf("%w: ordinal must be non-negative", ErrInvalidChunk)
	}
	if c.HasEmbedding() && c.EmbeddingModel == "" {
		return fmt.Errorf("%w: embedding model is required when an embedding is present", ErrInvalidChunk)
	}
	return nil
}

// Clone returns a deep copy of the chunk
func (c *Chunk) Clone() *Chunk {
	out := *c
	if c.HeadingPath != nil {
		out.HeadingPath = append([]string(nil), c.HeadingPath...)
	}
	if c.FrontMatter != nil {
		out.FrontMatter = make(map[string]any, len(c.FrontMatter))
		for k, v := range c.FrontMatter {
			out.FrontMatter[k] = v
		}
	}
	if c.Embedding != nil {
		out.Embedding = append([]float32(nil), c.Embedding...)
	}
	return &out
}
