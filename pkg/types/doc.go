// Package types provides shared type definitions for the doccache chunk index.
//
// This package defines the records that flow between the chunker, the chunk
// store, the manifest and the cache coordinator.
//
// # Core Types
//
// Chunk is a heading-bounded slice of a markdown document together with its
// metadata and optional embedding:
//
//	chunk := &types.Chunk{
//	    ID:          types.NewChunkID("docs/intro.md", 0, body),
//	    Content:     body,
//	    SourcePath:  "docs/intro.md",
//	    HeadingPath: []string{"Intro", "Install"},
//	    Ordinal:     0,
//	}
//
// Chunk ids are derived from (source path, ordinal, content hash). Identical
// content at an identical position always yields the same id, and any content
// change yields a new id. Records are replaced, never edited in place.
//
// Digest is the SHA-256 hash of a whole source file and is stored hex encoded
// in the manifest:
//
//	entry := types.ManifestEntry{
//	    Hash:     digest,
//	    ChunkIDs: []types.ChunkID{id},
//	}
//
// # Reports
//
// ReconcileResult, RepairReport, EmbeddingReport and DirectorySummary are the
// values returned by the cache coordinator. RepairReport.Empty is true when a
// verify pass found nothing to fix.
//
// # Errors
//
// Sentinel errors are matched with errors.Is:
//
//	if errors.Is(err, types.ErrSchemaIncompatible) {
//	    // treat the record as absent, it is rebuilt on the next reconcile
//	}
package types
