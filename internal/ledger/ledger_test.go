package ledger

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dshills/doccache-mcp/pkg/types"
)

type mapLookup map[string]types.ManifestEntry

func (m mapLookup) Lookup(sourcePath string) (types.ManifestEntry, bool) {
	e, ok := m[sourcePath]
	return e, ok
}

func TestHash_Deterministic(t *testing.T) {
	a := Hash([]byte("# Title\nbody"))
	b := Hash([]byte("# Title\nbody"))
	c := Hash([]byte("# Title\nbody!"))

	assert.Equal(t, a, b)
	assert.NotEqual(t, a, c)
	assert.False(t, a.IsZero())
}

func TestReadFile(t *testing.T) {
	tmpDir := t.TempDir()
	path := filepath.Join(tmpDir, "doc.md")
	content := []byte("# Doc\n\ncontent\n")
	require.NoError(t, os.WriteFile(path, content, 0644))

	data, info, err := ReadFile(path, 0)
	require.NoError(t, err)
	assert.Equal(t, content, data)
	assert.Equal(t, Hash(content), info.Digest)
	assert.Equal(t, int64(len(content)), info.SizeBytes)
	assert.False(t, info.ModTime.IsZero())

	data, info, err = ReadFile(path, int64(len(content)))
	require.NoError(t, err, "a file exactly at the limit is accepted")
	assert.Equal(t, Hash(data), info.Digest)
}

func TestReadFile_TooLarge(t *testing.T) {
	path := filepath.Join(t.TempDir(), "big.md")
	require.NoError(t, os.WriteFile(path, []byte("0123456789"), 0644))

	_, _, err := ReadFile(path, 4)
	assert.ErrorIs(t, err, ErrFileTooLarge)
}

func TestReadFile_Missing(t *testing.T) {
	_, _, err := ReadFile(filepath.Join(t.TempDir(), "missing.md"), 0)
	assert.ErrorIs(t, err, os.ErrNotExist)
}

func TestNeedsUpdate(t *testing.T) {
	digest := Hash([]byte("v1"))
	manifest := mapLookup{"a.md": {Hash: digest}}

	tests := []struct {
		name    string
		path    string
		current types.Digest
		want    bool
	}{
		{"untracked file", "b.md", digest, true},
		{"unchanged file", "a.md", digest, false},
		{"changed file", "a.md", Hash([]byte("v2")), true},
		{"zero digest never matches", "a.md", types.Digest{}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, NeedsUpdate(tt.path, tt.current, manifest))
		})
	}
}

func TestNeedsUpdate_StableAcrossRescans(t *testing.T) {
	content := []byte("# A\n\nsame content")
	manifest := mapLookup{"a.md": {Hash: Hash(content)}}

	for i := 0; i < 5; i++ {
		assert.False(t, NeedsUpdate("a.md", Hash(content), manifest))
	}
}

func TestVerify(t *testing.T) {
	content := []byte("data")
	require.NoError(t, Verify(content, Hash(content)))

	err := Verify([]byte("other"), Hash(content))
	assert.ErrorIs(t, err, types.ErrHashMismatch)
}
