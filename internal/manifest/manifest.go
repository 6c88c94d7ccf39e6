// Package manifest holds the authoritative source-file ledger of one store:
// source path to last-seen content digest and the chunk ids produced from it.
//
// A Manifest is not safe for concurrent mutation. The cache coordinator owns
// it and serialises every write.
package manifest

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/google/renameio/v2"

	"github.com/dshills/doccache-mcp/pkg/types"
)

// FileName is the manifest file name inside a store directory
const FileName = "manifest.json"

// Manifest maps source paths to their manifest entries
type Manifest struct {
	entries map[string]types.ManifestEntry
}

// New creates an empty manifest
func New() *Manifest {
	return &Manifest{entries: make(map[string]types.ManifestEntry)}
}

// Lookup returns the entry for sourcePath
func (m *Manifest) Lookup(sourcePath string) (types.ManifestEntry, bool) {
	entry, ok := m.entries[sourcePath]
	return entry, ok
}

// Set replaces the entry for sourcePath. The chunk id slice is copied.
func (m *Manifest) Set(sourcePath string, entry types.ManifestEntry) {
	entry.ChunkIDs = append([]types.ChunkID(nil), entry.ChunkIDs...)
	if entry.UpdatedAt.IsZero() {
		entry.UpdatedAt = time.Now().UTC()
	}
	m.entries[sourcePath] = entry
}

// Delete removes the entry for sourcePath and returns what it held
func (m *Manifest) Delete(sourcePath string) (types.ManifestEntry, bool) {
	entry, ok := m.entries[sourcePath]
	if ok {
		delete(m.entries, sourcePath)
	}
	return entry, ok
}

// Len returns the number of source files tracked
func (m *Manifest) Len() int {
	return len(m.entries)
}

// Paths returns every tracked source path in sorted order
func (m *Manifest) Paths() []string {
	paths := make([]string, 0, len(m.entries))
	for p := range m.entries {
		paths = append(paths, p)
	}
	sort.Strings(paths)
	return paths
}

// ChunkCount returns the total number of chunk references
func (m *Manifest) ChunkCount() int {
	n := 0
	for _, entry := range m.entries {
		n += len(entry.ChunkIDs)
	}
	return n
}

// ChunkRefs indexes every referenced chunk id to the source paths that list it.
// More than one path for an id means the manifest holds a duplicate reference.
func (m *Manifest) ChunkRefs() map[types.ChunkID][]string {
	refs := make(map[types.ChunkID][]string, len(m.entries))
	for _, p := range m.Paths() {
		for _, id := range m.entries[p].ChunkIDs {
			refs[id] = append(refs[id], p)
		}
	}
	return refs
}

// References reports whether any entry lists id
func (m *Manifest) References(id types.ChunkID) bool {
	for _, entry := range m.entries {
		for _, ref := range entry.ChunkIDs {
			if ref == id {
				return true
			}
		}
	}
	return false
}

// Clone returns a deep copy
func (m *Manifest) Clone() *Manifest {
	out := &Manifest{entries: make(map[string]types.ManifestEntry, len(m.entries))}
	for p, entry := range m.entries {
		entry.ChunkIDs = append([]types.ChunkID(nil), entry.ChunkIDs...)
		out.entries[p] = entry
	}
	return out
}

// MarshalJSON encodes the manifest as {source_path: entry}
func (m *Manifest) MarshalJSON() ([]byte, error) {
	return json.Marshal(m.entries)
}

// UnmarshalJSON decodes {source_path: entry}
func (m *Manifest) UnmarshalJSON(data []byte) error {
	entries := make(map[string]types.ManifestEntry)
	if err := json.Unmarshal(data, &entries); err != nil {
		return err
	}
	for p, entry := range entries {
		if p == "" {
			return fmt.Errorf("empty source path")
		}
		if entry.ChunkIDs == nil {
			entry.ChunkIDs = []types.ChunkID{}
			entries[p] = entry
		}
	}
	m.entries = entries
	return nil
}

// Load reads the manifest in dir. An absent file yields an empty manifest;
// an unparsable file yields types.ErrManifestCorrupt.
func Load(dir string) (*Manifest, error) {
	data, err := os.ReadFile(filepath.Join(dir, FileName))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return New(), nil
		}
		return nil, fmt.Errorf("failed to read manifest: %w", err)
	}

	m := New()
	if err := json.Unmarshal(data, m); err != nil {
		return nil, fmt.Errorf("%w: %v", types.ErrManifestCorrupt, err)
	}
	return m, nil
}

// Save atomically replaces the manifest file in dir
func (m *Manifest) Save(dir string) error {
	data, err := json.MarshalIndent(m.entries, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode manifest: %w", err)
	}
	if err := renameio.WriteFile(filepath.Join(dir, FileName), data, 0o644); err != nil {
		return fmt.Errorf("failed to write manifest: %w", err)
	}
	return nil
}
