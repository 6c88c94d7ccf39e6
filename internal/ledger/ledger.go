// Package ledger computes and compares source file content hashes.
//
// Every function here is pure and safe to call from concurrent workers.
package ledger

import (
	"bytes"
	"crypto/sha256"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/dshills/doccache-mcp/pkg/types"
)

// Lookup is the read-only view of the manifest the ledger needs
type Lookup interface {
	Lookup(sourcePath string) (types.ManifestEntry, bool)
}

// FileInfo carries what ReadFile observed about a file
type FileInfo struct {
	Digest    types.Digest
	ModTime   time.Time
	SizeBytes int64
}

// ErrFileTooLarge is returned by ReadFile for content above the size limit
var ErrFileTooLarge = errors.New("file exceeds size limit")

// Hash computes the SHA-256 digest of content
func Hash(content []byte) types.Digest {
	return types.Digest(sha256.Sum256(content))
}

// ReadFile reads a file once, hashing it as it streams, so the digest always
// describes the returned bytes. maxSize > 0 rejects larger files, including
// ones that grow while being read.
func ReadFile(filePath string, maxSize int64) ([]byte, FileInfo, error) {
	file, err := os.Open(filePath)
	if err != nil {
		return nil, FileInfo{}, err
	}
	defer func() { _ = file.Close() }()

	stat, err := file.Stat()
	if err != nil {
		return nil, FileInfo{}, err
	}
	if maxSize > 0 && stat.Size() > maxSize {
		return nil, FileInfo{}, fmt.Errorf("%w: %d bytes", ErrFileTooLarge, stat.Size())
	}

	var r io.Reader = file
	if maxSize > 0 {
		r = io.LimitReader(file, maxSize+1)
	}
	hash := sha256.New()
	var buf bytes.Buffer
	buf.Grow(int(stat.Size()))
	n, err := io.Copy(&buf, io.TeeReader(r, hash))
	if err != nil {
		return nil, FileInfo{}, err
	}
	if maxSize > 0 && n > maxSize {
		return nil, FileInfo{}, fmt.Errorf("%w: more than %d bytes", ErrFileTooLarge, maxSize)
	}

	info := FileInfo{ModTime: stat.ModTime(), SizeBytes: n}
	copy(info.Digest[:], hash.Sum(nil))
	return buf.Bytes(), info, nil
}

// NeedsUpdate returns true if sourcePath is absent from the manifest or its
// stored digest differs from current
func NeedsUpdate(sourcePath string, current types.Digest, manifest Lookup) bool {
	entry, ok := manifest.Lookup(sourcePath)
	if !ok {
		return true
	}
	return entry.Hash != current
}

// Verify checks that content still hashes to expected
func Verify(content []byte, expected types.Digest) error {
	if actual := Hash(content); actual != expected {
		return fmt.Errorf("%w: expected %s, got %s", types.ErrHashMismatch, expected, actual)
	}
	return nil
}
