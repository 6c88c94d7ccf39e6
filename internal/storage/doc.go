// Package storage persists chunk records for one cache store.
//
// Each chunk is one self-contained record holding content, metadata and
// embedding together, so reading a chunk never joins separately written
// resources. Two backends implement ChunkStore:
//
//   - FileStore: <store-dir>/<chunk_id>.json, written through a temp file
//     and rename (github.com/google/renameio/v2)
//   - SQLiteStore: <store-dir>/chunks.db, one upserted row per chunk
//
// # Record Format
//
//	{
//	  "schema_version": "1.0.0",
//	  "id": "3f1c...",
//	  "content": "...",
//	  "source_path": "docs/guide.md",
//	  "heading_path": ["Guide", "Setup"],
//	  "ordinal": 2,
//	  "front_matter": {"title": "Guide"},
//	  "embedding": [0.1, ...] | null,
//	  "embedding_model": "jina-embeddings-v3" | null,
//	  "embedding_status": "ready",
//	  "created_at": "...",
//	  "updated_at": "..."
//	}
//
// DecodeRecord rejects records with a different major schema_version, records
// that fail the embedded JSON Schema, and records whose id does not match their
// path, ordinal and content. All of these fail with types.ErrSchemaIncompatible.
//
// # Build Modes
//
// The sqlite backend uses modernc.org/sqlite by default and
// github.com/mattn/go-sqlite3 when built with the sqlite_vec tag.
// Database schema changes go through semver-ordered migrations.
//
// # Basic Usage
//
//	store, err := storage.Open(ctx, storage.BackendFile, dir)
//	if err != nil {
//	    return err
//	}
//	defer store.Close()
//
//	if err := store.Put(ctx, chunk); err != nil {
//	    return err
//	}
//	got, err := store.Get(ctx, chunk.ID)
//	if storage.IsNotFound(err) {
//	    // chunk was never written or has been reclaimed
//	}
package storage
