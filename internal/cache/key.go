package cache

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
)

// storeNamespace scopes the name-based UUIDs used for store directories
var storeNamespace = uuid.NewSHA1(uuid.NameSpaceURL, []byte("https://github.com/dshills/doccache-mcp/store"))

// LocalRepoID is used for working directories outside any repository
const LocalRepoID = "local"

// StoreKey identifies one logical store: a repository and a working directory
// inside it. Stores for different keys never share a directory.
type StoreKey struct {
	RepoID  string
	WorkDir string // Absolute, cleaned
}

// NewStoreKey resolves workDir and detects the repository that contains it
func NewStoreKey(workDir string) (StoreKey, error) {
	abs, err := filepath.Abs(workDir)
	if err != nil {
		return StoreKey{}, fmt.Errorf("failed to resolve working directory: %w", err)
	}
	info, err := os.Stat(abs)
	if err != nil {
		return StoreKey{}, fmt.Errorf("failed to stat working directory: %w", err)
	}
	if !info.IsDir() {
		return StoreKey{}, fmt.Errorf("working directory %s is not a directory", abs)
	}
	return StoreKey{RepoID: DetectRepoID(abs), WorkDir: filepath.Clean(abs)}, nil
}

// DetectRepoID walks up from dir looking for a .git entry. The id is the
// repository directory name plus a short hash of its absolute path.
func DetectRepoID(dir string) string {
	cur := filepath.Clean(dir)
	for {
		if _, err := os.Stat(filepath.Join(cur, ".git")); err == nil {
			id := uuid.NewSHA1(storeNamespace, []byte(cur)).String()
			return sanitizeSegment(filepath.Base(cur)) + "-" + id[:8]
		}
		parent := filepath.Dir(cur)
		if parent == cur {
			return LocalRepoID
		}
		cur = parent
	}
}

// WorkDirID derives a stable directory name from the working directory path
func (k StoreKey) WorkDirID() string {
	return uuid.NewSHA1(storeNamespace, []byte(filepath.Clean(k.WorkDir))).String()
}

// Dir returns the store directory under cacheRoot
func (k StoreKey) Dir(cacheRoot string) string {
	repo := sanitizeSegment(k.RepoID)
	if repo == "" {
		repo = LocalRepoID
	}
	return filepath.Join(cacheRoot, repo, k.WorkDirID())
}

func (k StoreKey) String() string {
	return k.RepoID + ":" + k.WorkDir
}

// sanitizeSegment keeps a path segment to [A-Za-z0-9._-]
func sanitizeSegment(s string) string {
	var b strings.Builder
	for _, r := range s {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
			b.WriteRune(r)
		case r == '.':
			if b.Len() > 0 {
				b.WriteRune(r)
			}
		default:
			b.WriteRune('_')
		}
	}
	return b.String()
}
