package indexing

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/standardbeagle/symvead/internal/config"
	"github.com/standardbeagle/symvead/internal/extract"
	"github.com/standardbeagle/symvead/internal/graph"
)

// createTestIndexer builds an indexer over an empty temp workspace with
// watching disabled. Everything is closed when the test ends.
func createTestIndexer(t *testing.T) (*Indexer, string) {
	t.Helper()
	tempDir := t.TempDir()

	cfg := config.Default(tempDir)
	cfg.Index.WatchMode = false
	cfg.Index.WatchDebounceMs = 20
	cfg.Performance.ExtractWorkers = 2
	cfg.Performance.ScanWorkers = 2

	registry := extract.DefaultRegistry()
	ix := NewIndexer(cfg, graph.New(0), registry)
	t.Cleanup(func() {
		require.NoError(t, ix.Close())
		registry.Close()
	})
	return ix, tempDir
}

// writeTestFiles creates files relative to dir.
func writeTestFiles(t *testing.T, dir string, files map[string]string) {
	t.Helper()
	for name, content := range files {
		path := filepath.Join(dir, name)
		require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
		require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	}
}

func symbolNames(ix *Indexer, path string) []string {
	var out []string
	for _, s := range ix.Graph().CurrentSnapshot().SymbolsInFile(path) {
		out = append(out, s.QualifiedName)
	}
	return out
}
