package types

import (
	"math"
	"time"
)

// ManifestEntry is the manifest record for one source file
type ManifestEntry struct {
	Hash      Digest    `json:"hash"`
	ChunkIDs  []ChunkID `json:"chunk_ids"`
	UpdatedAt time.Time `json:"updated_at"`
}

// ReconcileResult describes the chunk id delta for one source file
type ReconcileResult struct {
	SourcePath string
	Skipped    bool // Digest matched the manifest, nothing was touched
	Added      []ChunkID
	Unchanged  []ChunkID
	Removed    []ChunkID
}

// Changed reports whether reconciliation altered the store
func (r ReconcileResult) Changed() bool {
	return len(r.Added) > 0 || len(r.Removed) > 0
}

// DanglingRef is a manifest reference to a chunk that could not be read
type DanglingRef struct {
	SourcePath string  `json:"source_path"`
	ChunkID    ChunkID `json:"chunk_id"`
	Reason     string  `json:"reason"`
}

// RepairReport summarises what verify-and-repair fixed
type RepairReport struct {
	DanglingRefs   []DanglingRef `json:"dangling_refs,omitempty"`
	OrphansDeleted []ChunkID     `json:"orphans_deleted,omitempty"`
	DuplicateRefs  []DanglingRef `json:"duplicate_refs,omitempty"`
	Checked        int           `json:"checked"`
}

// Empty reports whether the repair pass found nothing to fix
func (r RepairReport) Empty() bool {
	return len(r.DanglingRefs) == 0 && len(r.OrphansDeleted) == 0 && len(r.DuplicateRefs) == 0
}

// EmbeddingReport summarises an embedding pass
type EmbeddingReport struct {
	Requested      int       `json:"requested"`
	AlreadyPresent int       `json:"already_present"`
	Generated      int       `json:"generated"`
	Skipped        int       `json:"skipped"`
	Failed         []ChunkID `json:"failed,omitempty"`
	ProviderCalls  int       `json:"provider_calls"`
	AuthFailed     bool      `json:"auth_failed"`
}

// FileFailure records a per-file failure during a directory pass
type FileFailure struct {
	SourcePath string `json:"source_path"`
	Error      string `json:"error"`
}

// DirectorySummary summarises a reconcile-directory pass
type DirectorySummary struct {
	FilesScanned   int              `json:"files_scanned"`
	BytesScanned   int64            `json:"bytes_scanned"`
	Changed        int              `json:"changed"`
	Unchanged      int              `json:"unchanged"`
	SourcesRemoved int              `json:"sources_removed"`
	ChunksAdded    int              `json:"chunks_added"`
	OrphansRemoved int              `json:"orphans_removed"`
	Failures       []FileFailure    `json:"failures,omitempty"`
	Embeddings     *EmbeddingReport `json:"embeddings,omitempty"`
	EmbeddingError string           `json:"embedding_error,omitempty"`
	Duration       time.Duration    `json:"duration"`
}

// ScoredChunk pairs a chunk with its similarity score
type ScoredChunk struct {
	Chunk *Chunk
	Score float64
}

// SearchResult represents a single ranked chunk returned to callers
type SearchResult struct {
	ChunkID     ChunkID  `json:"chunk_id"`
	Rank        int      `json:"rank"` // Position in result set (1-based)
	Score       float64  `json:"score"`
	SourcePath  string   `json:"source_path"`
	HeadingPath []string `json:"heading_path"`
	Ordinal     int      `json:"ordinal"`
	Content     string   `json:"content"`
}

// Validate checks if the search result is valid
func (sr *SearchResult) Validate() error {
	if sr.ChunkID == "" {
		return ErrInvalidChunkID
	}
	if sr.Rank < 1 {
		return ErrInvalidRank
	}
	if math.IsNaN(sr.Score) || sr.Score < -1 || sr.Score > 1 {
		return ErrInvalidRelevanceScore
	}
	return nil
}
