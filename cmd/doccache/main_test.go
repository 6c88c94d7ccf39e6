package main

import (
	"bytes"
	"encoding/json"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dshills/doccache-mcp/internal/config"
	"github.com/dshills/doccache-mcp/internal/embedder"
	"github.com/dshills/doccache-mcp/pkg/types"
)

// execute runs the root command with args against an isolated cache root
func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()

	buf := new(bytes.Buffer)
	rootCmd.SetOut(buf)
	rootCmd.SetErr(io.Discard)
	rootCmd.SetArgs(args)
	defer rootCmd.SetArgs(nil)

	err := rootCmd.Execute()
	return buf.String(), err
}

func isolate(t *testing.T) (workDir, root string) {
	t.Helper()

	t.Setenv(config.EnvConfigPath, filepath.Join(t.TempDir(), "absent.yaml"))
	t.Setenv(embedder.EnvProvider, embedder.ProviderLocal)

	workDir = t.TempDir()
	root = t.TempDir()
	files := map[string]string{
		"intro.md":      "# Intro\n\nGetting started with the widget service.\n",
		"ops/backup.md": "# Backups\n\nNightly snapshot backups are stored for thirty days.\n",
	}
	for name, content := range files {
		path := filepath.Join(workDir, filepath.FromSlash(name))
		require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
		require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	}
	return workDir, root
}

func TestVersionCmd_Executes(t *testing.T) {
	originalVersion := version
	version = "test-version-1.0.0"
	defer func() { version = originalVersion }()

	out, err := execute(t, "version")
	require.NoError(t, err)
	assert.Contains(t, out, "doccache version test-version-1.0.0")
}

func TestReconcileStatusSearchRepair(t *testing.T) {
	workDir, root := isolate(t)

	out, err := execute(t, "reconcile", workDir, "--cache-root", root, "--embed=true", "--json")
	require.NoError(t, err)

	var summary types.DirectorySummary
	require.NoError(t, json.Unmarshal([]byte(out), &summary))
	assert.Equal(t, 2, summary.FilesScanned)
	assert.Equal(t, 2, summary.Changed)
	require.NotNil(t, summary.Embeddings)
	assert.Equal(t, 2, summary.Embeddings.Generated)

	out, err = execute(t, "status", workDir, "--cache-root", root, "--json")
	require.NoError(t, err)
	var stats map[string]any
	require.NoError(t, json.Unmarshal([]byte(out), &stats))
	assert.EqualValues(t, 2, stats["sources"])
	assert.EqualValues(t, 2, stats["embedded"])

	out, err = execute(t, "search", "nightly snapshot backups", "--path", workDir, "--cache-root", root, "--json")
	require.NoError(t, err)
	var results []types.SearchResult
	require.NoError(t, json.Unmarshal([]byte(out), &results))
	require.NotEmpty(t, results)
	assert.Equal(t, "ops/backup.md", results[0].SourcePath)

	out, err = execute(t, "repair", workDir, "--cache-root", root, "--json")
	require.NoError(t, err)
	var report types.RepairReport
	require.NoError(t, json.Unmarshal([]byte(out), &report))
	assert.True(t, report.Empty())
	assert.Equal(t, 2, report.Checked)
}

func TestReconcileRemovesDeletedSources(t *testing.T) {
	workDir, root := isolate(t)

	_, err := execute(t, "reconcile", workDir, "--cache-root", root, "--embed=false", "--json")
	require.NoError(t, err)

	require.NoError(t, os.Remove(filepath.Join(workDir, "intro.md")))

	out, err := execute(t, "reconcile", workDir, "--cache-root", root, "--embed=false", "--json")
	require.NoError(t, err)

	var summary types.DirectorySummary
	require.NoError(t, json.Unmarshal([]byte(out), &summary))
	assert.Equal(t, 1, summary.SourcesRemoved)
	assert.Nil(t, summary.Embeddings)
}

func TestInvalidBackendRejected(t *testing.T) {
	workDir, root := isolate(t)

	_, err := execute(t, "status", workDir, "--cache-root", root, "--backend", "redis")
	assert.Error(t, err)

	// Reset the sticky persistent flag for later tests
	require.NoError(t, rootCmd.PersistentFlags().Set("backend", ""))
}

func TestSnippet(t *testing.T) {
	assert.Equal(t, "a b c", snippet("a\n  b\tc", 10))
	assert.Equal(t, "abc...", snippet("abcdef", 3))
}

func TestEmbedCheckLocal(t *testing.T) {
	isolate(t)

	out, err := execute(t, "embed-check")
	require.NoError(t, err)
	assert.Contains(t, out, "Provider: local")
	assert.Contains(t, out, "Dimension: 384")
	assert.Contains(t, out, "OK")
}
