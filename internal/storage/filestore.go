package storage

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/google/renameio/v2"

	"github.com/dshills/doccache-mcp/pkg/types"
)

const recordExt = ".json"

// FileStore keeps each chunk as <dir>/<chunk_id>.json
type FileStore struct {
	dir string
}

// NewFileStore creates a FileStore, creating dir if needed
func NewFileStore(dir string) (*FileStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create store directory: %w", err)
	}
	return &FileStore{dir: dir}, nil
}

// Dir returns the store directory
func (s *FileStore) Dir() string {
	return s.dir
}

func (s *FileStore) recordPath(id types.ChunkID) (string, error) {
	if !types.IsValidChunkID(string(id)) {
		return "", fmt.Errorf("%w: %q", types.ErrInvalidChunkID, id)
	}
	return filepath.Join(s.dir, string(id)+recordExt), nil
}

// Put writes the record through a temp file and rename
func (s *FileStore) Put(ctx context.Context, chunk *types.Chunk) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	path, err := s.recordPath(chunk.ID)
	if err != nil {
		return err
	}
	data, err := EncodeRecord(chunk)
	if err != nil {
		return err
	}
	if err := renameio.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("failed to write chunk %s: %w", chunk.ID, err)
	}
	return nil
}

// Get reads and decodes one record
func (s *FileStore) Get(ctx context.Context, id types.ChunkID) (*types.Chunk, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	path, err := s.recordPath(id)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("chunk %s: %w", id, ErrNotFound)
		}
		return nil, fmt.Errorf("failed to read chunk %s: %w", id, err)
	}

	chunk, err := DecodeRecord(data)
	if err != nil {
		return nil, fmt.Errorf("chunk %s: %w", id, err)
	}
	if chunk.ID != id {
		return nil, fmt.Errorf("chunk %s: %w: record holds id %s", id, types.ErrSchemaIncompatible, chunk.ID)
	}
	return chunk, nil
}

// Delete removes the record file
func (s *FileStore) Delete(ctx context.Context, id types.ChunkID) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	path, err := s.recordPath(id)
	if err != nil {
		return err
	}
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("failed to delete chunk %s: %w", id, err)
	}
	return nil
}

// ListIDs returns ids of every record file in the directory.
// Files whose names are not chunk ids (manifest.json, temp files) are ignored.
func (s *FileStore) ListIDs(ctx context.Context) ([]types.ChunkID, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, fmt.Errorf("failed to list store: %w", err)
	}

	ids := make([]types.ChunkID, 0, len(entries))
	for _, entry := range entries {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if entry.IsDir() {
			continue
		}
		name, ok := strings.CutSuffix(entry.Name(), recordExt)
		if !ok || !types.IsValidChunkID(name) {
			continue
		}
		ids = append(ids, types.ChunkID(name))
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids, nil
}

// ListForSource scans every record and returns those from sourcePath.
// Unreadable records are skipped.
func (s *FileStore) ListForSource(ctx context.Context, sourcePath string) ([]types.ChunkID, error) {
	ids, err := s.ListIDs(ctx)
	if err != nil {
		return nil, err
	}

	var matched []types.ChunkID
	for _, id := range ids {
		chunk, err := s.Get(ctx, id)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			continue
		}
		if chunk.SourcePath == sourcePath {
			matched = append(matched, id)
		}
	}
	return matched, nil
}

// Close is a no-op for the file backend
func (s *FileStore) Close() error {
	return nil
}
