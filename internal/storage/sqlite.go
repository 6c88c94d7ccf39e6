package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/dshills/doccache-mcp/pkg/types"
)

// SQLiteStore implements ChunkStore with one row per chunk.
// The record column holds the same self-contained JSON the file backend writes.
type SQLiteStore struct {
	db    *sql.DB
	reset bool
}

// openDatabase opens a SQLite database with appropriate settings
func openDatabase(dbPath string) (*sql.DB, error) {
	db, err := sql.Open(DriverName, dbPath)
	if err != nil {
		return nil, err
	}

	// Enable WAL mode for better concurrency
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}

	// SQLite benefits from a single writer
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	return db, nil
}

// NewSQLiteStore opens (creating if needed) the database at dbPath and applies migrations
func NewSQLiteStore(ctx context.Context, dbPath string) (*SQLiteStore, error) {
	if dbPath != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
			return nil, fmt.Errorf("failed to create store directory: %w", err)
		}
	}

	db, err := openDatabase(dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	reset, err := Migrate(ctx, db)
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to apply migrations: %w", err)
	}

	return &SQLiteStore{db: db, reset: reset}, nil
}

// WasReset reports whether opening discarded a database written under an
// incompatible schema major version
func (s *SQLiteStore) WasReset() bool {
	return s.reset
}

// Close closes the database connection
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// Put upserts the record for chunk.ID in a single statement
func (s *SQLiteStore) Put(ctx context.Context, chunk *types.Chunk) error {
	data, err := EncodeRecord(chunk)
	if err != nil {
		return err
	}

	query := `
		INSERT INTO chunks (id, source_path, ordinal, record, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			source_path = excluded.source_path,
			ordinal = excluded.ordinal,
			record = excluded.record,
			updated_at = excluded.updated_at
	`
	_, err = s.db.ExecContext(ctx, query,
		string(chunk.ID), chunk.SourcePath, chunk.Ordinal, string(data), time.Now().UTC())
	if err != nil {
		return fmt.Errorf("failed to upsert chunk %s: %w", chunk.ID, err)
	}
	return nil
}

// Get reads and decodes one record
func (s *SQLiteStore) Get(ctx context.Context, id types.ChunkID) (*types.Chunk, error) {
	var data string
	err := s.db.QueryRowContext(ctx, "SELECT record FROM chunks WHERE id = ?", string(id)).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("chunk %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get chunk %s: %w", id, err)
	}

	chunk, err := DecodeRecord([]byte(data))
	if err != nil {
		return nil, fmt.Errorf("chunk %s: %w", id, err)
	}
	if chunk.ID != id {
		return nil, fmt.Errorf("chunk %s: %w: record holds id %s", id, types.ErrSchemaIncompatible, chunk.ID)
	}
	return chunk, nil
}

// Delete removes the row for id
func (s *SQLiteStore) Delete(ctx context.Context, id types.ChunkID) error {
	if _, err := s.db.ExecContext(ctx, "DELETE FROM chunks WHERE id = ?", string(id)); err != nil {
		return fmt.Errorf("failed to delete chunk %s: %w", id, err)
	}
	return nil
}

// DeleteBatch removes many rows in one transaction and returns how many existed
func (s *SQLiteStore) DeleteBatch(ctx context.Context, ids []types.ChunkID) (int, error) {
	if len(ids) == 0 {
		return 0, nil
	}

	placeholders := make([]string, len(ids))
	args := make([]interface{}, len(ids))
	for i, id := range ids {
		placeholders[i] = "?"
		args[i] = string(id)
	}

	query := fmt.Sprintf("DELETE FROM chunks WHERE id IN (%s)", strings.Join(placeholders, ","))
	result, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, fmt.Errorf("failed to delete chunks: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return 0, err
	}
	return int(n), nil
}

// ListForSource returns ids for sourcePath ordered by ordinal
func (s *SQLiteStore) ListForSource(ctx context.Context, sourcePath string) ([]types.ChunkID, error) {
	return s.queryIDs(ctx, "SELECT id FROM chunks WHERE source_path = ? ORDER BY ordinal, id", sourcePath)
}

// ListIDs returns every stored id in sorted order
func (s *SQLiteStore) ListIDs(ctx context.Context) ([]types.ChunkID, error) {
	return s.queryIDs(ctx, "SELECT id FROM chunks ORDER BY id")
}

func (s *SQLiteStore) queryIDs(ctx context.Context, query string, args ...interface{}) ([]types.ChunkID, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list chunks: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var ids []types.ChunkID
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, types.ChunkID(id))
	}
	return ids, rows.Err()
}
