package types

import "errors"

// Domain errors shared across the cache packages
var (
	// ErrNotFound is returned when a requested chunk or manifest entry doesn't exist
	ErrNotFound = errors.New("not found")

	// ErrInvalidChunk is returned when a chunk fails validation
	ErrInvalidChunk = errors.New("invalid chunk")

	// ErrChunkIDMismatch means a chunk id does not match its path, ordinal and content
	ErrChunkIDMismatch = errors.New("chunk id does not match content")

	// ErrHashMismatch means a source changed since it was last hashed.
	// Recoverable by reconciling again, never surfaced as a failure.
	ErrHashMismatch = errors.New("content hash mismatch")

	// ErrSchemaIncompatible means a persisted record cannot be read by this version.
	// The record is treated as absent and rebuilt on the next reconciliation.
	ErrSchemaIncompatible = errors.New("incompatible record schema")

	// ErrManifestCorrupt means manifest.json could not be parsed
	ErrManifestCorrupt = errors.New("manifest corrupt")

	// ErrEmbeddingUnavailable means no embedding provider is configured
	ErrEmbeddingUnavailable = errors.New("embedding provider unavailable")

	// ErrReconcileInProgress means another directory pass holds the store
	ErrReconcileInProgress = errors.New("reconciliation already in progress")

	// ErrCacheClosed is returned by operations on a closed cache
	ErrCacheClosed = errors.New("cache closed")

	// ErrNotDirectory means a directory pass was asked to scan a file
	ErrNotDirectory = errors.New("not a directory")
)

// Search result validation errors
var (
	ErrInvalidChunkID        = errors.New("invalid chunk ID")
	ErrInvalidRank           = errors.New("rank must be >= 1")
	ErrInvalidRelevanceScore = errors.New("relevance score must be between -1 and 1")
)
