package config

import (
	"fmt"
	"net"
	"os"
	"path/filepath"
	"runtime"
	"strconv"

	"github.com/standardbeagle/symvead/internal/types"
)

const (
	// KDLFileName is the project config file, read after the TOML file.
	KDLFileName = ".symvea.kdl"
	// TOMLFileName is the TOML config file. Top-level keys set the listen
	// address, workspace root and size limits; optional [server], [index],
	// [search], [performance] and [persist] tables refine them, and
	// include/exclude arrays add glob filters. `symvead generate-config`
	// writes it.
	TOMLFileName = "symvea.toml"

	// MinIndexMemoryMB is the smallest cap the validator accepts. Anything
	// lower cannot hold a useful workspace and is treated as misconfiguration.
	MinIndexMemoryMB = 16
)

type Config struct {
	Version     int
	Project     Project
	Server      Server
	Index       Index
	Performance Performance
	Search      Search
	Persist     Persist
	Include     []string
	Exclude     []string
}

type Project struct {
	Root string // workspaceRoot
	Name string
}

type Server struct {
	Host             string // Interface to bind (default 127.0.0.1)
	Port             int    // Listen port (default 24096)
	RequestTimeoutMs int    // Per-request deadline
	MaxInFlight      int    // Concurrent request cap, 0 = auto
}

type Index struct {
	MaxFileSize      int64
	MaxIndexMemoryMB int64 // Soft cap triggering LRU eviction of file entries
	FollowSymlinks   bool
	RespectGitignore bool // Add .gitignore patterns to the exclusions
	WatchMode        bool // Enable file system watching for automatic reindexing
	WatchDebounceMs  int  // Debounce time for file change events
}

type Performance struct {
	ExtractWorkers int // 0 = auto-detect (NumCPU-1)
	ScanWorkers    int // Parallel readers during the initial workspace walk
	ExtractQueue   int // Paths waiting for a worker; 0 = 4x ExtractWorkers
}

type Search struct {
	MaxResults        int  // Default result cap for searchSymbols
	EnableSuggestions bool // Fuzzy "did you mean" names when a search is empty
}

// Persist configures optional snapshot persistence. Empty Path disables it:
// the index lives only as long as the process by default.
type Persist struct {
	Path string
}

// ListenAddress returns host:port for the dispatcher.
func (c *Config) ListenAddress() string {
	return net.JoinHostPort(c.Server.Host, strconv.Itoa(c.Server.Port))
}

// MaxIndexMemoryBytes converts the configured cap to bytes.
func (c *Config) MaxIndexMemoryBytes() int64 {
	return c.Index.MaxIndexMemoryMB * 1024 * 1024
}

// Default returns the built-in configuration rooted at root.
func Default(root string) *Config {
	if root == "" {
		cwd, err := os.Getwd()
		if err != nil {
			cwd = "."
		}
		root = cwd
	}
	if abs, err := filepath.Abs(root); err == nil {
		root = abs
	}

	return &Config{
		Version: 1,
		Project: Project{
			Root: root,
			Name: filepath.Base(root),
		},
		Server: Server{
			Host:             "127.0.0.1",
			Port:             types.DefaultPort,
			RequestTimeoutMs: 10000,
			MaxInFlight:      0,
		},
		Index: Index{
			MaxFileSize:      types.DefaultMaxFileSize,
			MaxIndexMemoryMB: types.DefaultMaxIndexMemoryMB,
			FollowSymlinks:   false,
			RespectGitignore: true,
			WatchMode:        true,
			WatchDebounceMs:  200,
		},
		Performance: Performance{
			ExtractWorkers: 0,
			ScanWorkers:    runtime.NumCPU(),
		},
		Search: Search{
			MaxResults:        100,
			EnableSuggestions: true,
		},
		Include: []string{
			"**/*.go",
			"**/*.py", "**/*.pyi",
			"**/*.js", "**/*.jsx", "**/*.mjs", "**/*.cjs",
			"**/*.ts", "**/*.tsx", "**/*.mts", "**/*.cts",
			"**/*.rs",
			"**/*.java",
			"**/*.cs",
			"**/*.c", "**/*.h", "**/*.cc", "**/*.cpp", "**/*.cxx", "**/*.hh", "**/*.hpp", "**/*.hxx",
			"**/*.php", "**/*.phtml",
			"**/*.zig",
		},
		Exclude: getDefaultExclusions(),
	}
}

func getDefaultExclusions() []string {
	return []string{
		// Git metadata and hidden directories
		"**/.git/**",
		"**/.*/**",

		// Package managers & dependencies
		"**/node_modules/**",
		"**/vendor/**",
		"**/venv/**",
		"**/.venv/**",
		"**/__pycache__/**",

		// Build artifacts & output
		"**/dist/**",
		"**/build/**",
		"**/target/**",
		"**/obj/**",
		"**/zig-out/**",
		"**/zig-cache/**",
		"**/*.min.js",
		"**/*.bundle.js",
	}
}

// Load builds the configuration for rootDir: defaults, then symvea.toml, then
// .symvea.kdl, then build artifact and gitignore exclusions.
func Load(rootDir string) (*Config, error) {
	cfg := Default(rootDir)

	if err := applyTOMLFile(cfg, filepath.Join(cfg.Project.Root, TOMLFileName)); err != nil {
		return nil, err
	}
	if err := applyKDLFile(cfg, filepath.Join(cfg.Project.Root, KDLFileName)); err != nil {
		return nil, err
	}

	cfg.EnrichExclusions()
	return cfg, nil
}

// LoadFile loads an explicit config file, choosing the parser by extension.
func LoadFile(path, rootDir string) (*Config, error) {
	cfg := Default(rootDir)

	var err error
	switch filepath.Ext(path) {
	case ".toml":
		err = applyTOMLFile(cfg, path)
	case ".kdl":
		err = applyKDLFile(cfg, path)
	default:
		err = fmt.Errorf("unsupported config format %q", filepath.Ext(path))
	}
	if err != nil {
		return nil, err
	}

	cfg.EnrichExclusions()
	return cfg, nil
}

// EnrichExclusions adds build output directories and, when enabled, the
// workspace .gitignore patterns to the exclusion list.
func (c *Config) EnrichExclusions() {
	if c.Project.Root == "" {
		return
	}

	detector := NewBuildArtifactDetector(c.Project.Root)
	c.Exclude = append(c.Exclude, detector.DetectOutputDirectories()...)

	if c.Index.RespectGitignore {
		if patterns, err := LoadGitignorePatterns(c.Project.Root); err == nil {
			c.Exclude = append(c.Exclude, patterns...)
		}
	}

	c.Exclude = DeduplicatePatterns(c.Exclude)
}
