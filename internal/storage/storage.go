package storage

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"

	"github.com/dshills/doccache-mcp/pkg/types"
)

// ErrNotFound is returned when a requested chunk doesn't exist
var ErrNotFound = types.ErrNotFound

// ChunkStore persists self-contained chunk records.
//
// Every record carries content, metadata and embedding together, and every
// write is atomic: a concurrent reader sees either the old or the new record.
type ChunkStore interface {
	// Put writes or replaces the record for chunk.ID
	Put(ctx context.Context, chunk *types.Chunk) error

	// Get returns the record for id. Missing records fail with ErrNotFound,
	// unreadable ones with types.ErrSchemaIncompatible.
	Get(ctx context.Context, id types.ChunkID) (*types.Chunk, error)

	// Delete removes the record for id. Deleting a missing id is a no-op.
	Delete(ctx context.Context, id types.ChunkID) error

	// ListForSource returns the ids of all records produced from sourcePath
	ListForSource(ctx context.Context, sourcePath string) ([]types.ChunkID, error)

	// ListIDs returns every stored id in sorted order
	ListIDs(ctx context.Context) ([]types.ChunkID, error)

	Close() error
}

// BatchDeleter is implemented by stores that remove many records at once
type BatchDeleter interface {
	// DeleteBatch removes ids and returns how many existed
	DeleteBatch(ctx context.Context, ids []types.ChunkID) (int, error)
}

// Resettable is implemented by stores that may discard their contents when opened
type Resettable interface {
	WasReset() bool
}

// Backend names a ChunkStore implementation
type Backend string

const (
	// BackendFile stores one JSON file per chunk next to manifest.json
	BackendFile Backend = "file"

	// BackendSQLite stores records as rows of a SQLite database in the store directory
	BackendSQLite Backend = "sqlite"
)

// SQLiteFileName is the database file used by the sqlite backend
const SQLiteFileName = "chunks.db"

// ParseBackend validates a backend name. The empty string selects BackendFile.
func ParseBackend(name string) (Backend, error) {
	switch Backend(name) {
	case "", BackendFile:
		return BackendFile, nil
	case BackendSQLite:
		return BackendSQLite, nil
	default:
		return "", fmt.Errorf("unknown storage backend %q", name)
	}
}

// Open creates the ChunkStore for backend rooted at dir
func Open(ctx context.Context, backend Backend, dir string) (ChunkStore, error) {
	switch backend {
	case "", BackendFile:
		return NewFileStore(dir)
	case BackendSQLite:
		return NewSQLiteStore(ctx, filepath.Join(dir, SQLiteFileName))
	default:
		return nil, fmt.Errorf("unknown storage backend %q", backend)
	}
}

// IsNotFound reports whether err means the record does not exist
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}
