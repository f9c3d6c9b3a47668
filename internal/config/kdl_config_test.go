package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestApplyKDL_Empty(t *testing.T) {
	cfg := Default(t.TempDir())
	before := *cfg

	require.NoError(t, applyKDL(cfg, ""))
	assert.Equal(t, before.Server, cfg.Server)
	assert.Equal(t, before.Index, cfg.Index)
}

func TestApplyKDL_AllSections(t *testing.T) {
	kdlContent := `
project {
    name "demo"
}
server {
    host "0.0.0.0"
    port 25000
    request_timeout_ms 2500
    max_in_flight 8
}
index {
    max_file_size "2MB"
    max_index_memory "1GB"
    follow_symlinks true
    respect_gitignore false
    watch_mode false
    watch_debounce_ms 50
}
performance {
    extract_workers 3
    scan_workers 5
    extract_queue 12
}
search {
    max_results 25
    enable_suggestions false
}
persist {
    path "/var/lib/symvead/index.db"
}
include "**/*.go" "**/*.rs"
exclude "**/testdata/**"
`
	cfg := Default(t.TempDir())
	require.NoError(t, applyKDL(cfg, kdlContent))

	assert.Equal(t, "demo", cfg.Project.Name)
	assert.Equal(t, "0.0.0.0", cfg.Server.Host)
	assert.Equal(t, 25000, cfg.Server.Port)
	assert.Equal(t, 2500, cfg.Server.RequestTimeoutMs)
	assert.Equal(t, 8, cfg.Server.MaxInFlight)
	assert.Equal(t, int64(2*1024*1024), cfg.Index.MaxFileSize)
	assert.Equal(t, int64(1024), cfg.Index.MaxIndexMemoryMB)
	assert.True(t, cfg.Index.FollowSymlinks)
	assert.False(t, cfg.Index.RespectGitignore)
	assert.False(t, cfg.Index.WatchMode)
	assert.Equal(t, 50, cfg.Index.WatchDebounceMs)
	assert.Equal(t, 3, cfg.Performance.ExtractWorkers)
	assert.Equal(t, 5, cfg.Performance.ScanWorkers)
	assert.Equal(t, 12, cfg.Performance.ExtractQueue)
	assert.Equal(t, 25, cfg.Search.MaxResults)
	assert.False(t, cfg.Search.EnableSuggestions)
	assert.Equal(t, "/var/lib/symvead/index.db", cfg.Persist.Path)
	assert.Equal(t, []string{"**/*.go", "**/*.rs"}, cfg.Include)
	assert.Contains(t, cfg.Exclude, "**/testdata/**")
	assert.Contains(t, cfg.Exclude, "**/node_modules/**", "default exclusions are kept")
}

func TestApplyKDL_MemoryAsMegabytes(t *testing.T) {
	cfg := Default(t.TempDir())
	require.NoError(t, applyKDL(cfg, "index {\n    max_index_memory 64\n}\n"))
	assert.Equal(t, int64(64), cfg.Index.MaxIndexMemoryMB)
}

func TestApplyKDL_ParseError(t *testing.T) {
	cfg := Default(t.TempDir())
	assert.Error(t, applyKDL(cfg, `server { port "unterminated }`))
}

func TestApplyKDLFile_RelativeRoot(t *testing.T) {
	dir := t.TempDir()
	sub := filepath.Join(dir, "src")
	require.NoError(t, os.MkdirAll(sub, 0755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, KDLFileName), []byte("project {\n    root \"src\"\n}\n"), 0644))

	cfg := Default(dir)
	require.NoError(t, applyKDLFile(cfg, filepath.Join(dir, KDLFileName)))
	assert.Equal(t, sub, cfg.Project.Root)
}

func TestApplyKDLFile_Missing(t *testing.T) {
	cfg := Default(t.TempDir())
	assert.NoError(t, applyKDLFile(cfg, filepath.Join(t.TempDir(), KDLFileName)))
}

func TestParseSize(t *testing.T) {
	tests := map[string]int64{
		"10":    10,
		"512B":  512,
		"4KB":   4 * 1024,
		"10mb":  10 * 1024 * 1024,
		" 1GB ": 1024 * 1024 * 1024,
	}
	for in, want := range tests {
		got, err := parseSize(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got, in)
	}

	_, err := parseSize("lots")
	assert.Error(t, err)
}
