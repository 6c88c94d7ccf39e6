// Package chunker divides markdown documents into heading-bounded chunks for
// embedding and similarity search.
//
// # Basic Usage
//
//	c := chunker.New()
//	chunks, frontMatter, err := c.ChunkDocument(raw, "docs/guide.md")
//	if err != nil {
//	    log.Fatal(err)
//	}
//
//	for _, chunk := range chunks {
//	    fmt.Printf("%d %v: %d tokens\n", chunk.Ordinal, chunk.HeadingPath, chunk.TokenCount())
//	}
//
// # Chunking Strategy
//
// The chunker walks ATX headings ("#" through "######") top-down:
//   - Body text under a heading accumulates into one chunk until the next
//     heading or until the size limit is reached
//   - The active heading stack is recorded as the chunk's HeadingPath
//   - A heading with no body yields an empty chunk; it is never merged into a
//     sibling section
//   - Text before the first heading becomes a root chunk when non-blank
//   - Lines inside fenced code blocks are never treated as headings
//
// Documents without headings are split purely by size, on line boundaries.
// A single line longer than the limit is force-split at whitespace or, failing
// that, at a rune boundary.
//
// # Chunk Sizing
//
// The limit is expressed in tokens and converted with a chars/4 heuristic.
// The default is MaxTokensPerChunk.
//
// # Determinism
//
// Chunk ids are derived from (source path, ordinal, content), so chunking the
// same text twice yields byte-identical chunks and ids. This is what makes
// unchanged chunks keep their embeddings across runs.
//
// # Front Matter
//
// A leading YAML block delimited by "---" lines is parsed with yaml.v3 and
// copied onto every chunk of the file:
//
//	---
//	title: Guide
//	type: tutorial
//	---
package chunker
