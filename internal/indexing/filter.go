package indexing

import (
	"path/filepath"
	"strings"

	"github.com/bmatcuk/doublestar/v4"

	"github.com/standardbeagle/symvead/internal/config"
	"github.com/standardbeagle/symvead/internal/extract"
)

// PathFilter decides which paths under the workspace root are indexed. The
// scanner and the watcher share one so both see the same file set.
type PathFilter struct {
	root        string
	include     []string
	exclude     []string
	maxFileSize int64
	registry    *extract.Registry
}

// NewPathFilter builds a filter from the config's globs. Patterns are matched
// against slash-separated paths relative to the project root.
func NewPathFilter(cfg *config.Config, registry *extract.Registry) *PathFilter {
	return &PathFilter{
		root:        cfg.Project.Root,
		include:     cfg.Include,
		exclude:     cfg.Exclude,
		maxFileSize: cfg.Index.MaxFileSize,
		registry:    registry,
	}
}

func (f *PathFilter) rel(path string) (string, bool) {
	if f.root == "" {
		return filepath.ToSlash(path), true
	}
	rel, err := filepath.Rel(f.root, path)
	if err != nil {
		return "", false
	}
	rel = filepath.ToSlash(rel)
	if rel == ".." || strings.HasPrefix(rel, "../") {
		return "", false
	}
	return rel, true
}

func (f *PathFilter) excluded(rel string) bool {
	for _, pattern := range f.exclude {
		if ok, _ := doublestar.Match(pattern, rel); ok {
			return true
		}
	}
	return false
}

// SkipDir reports whether a directory and everything below it is excluded.
// The root itself is never skipped.
func (f *PathFilter) SkipDir(path string) bool {
	rel, ok := f.rel(path)
	if !ok {
		return true
	}
	if rel == "." {
		return false
	}
	if f.excluded(rel) {
		return true
	}
	// "dist/**" style patterns need a child to match
	return f.excluded(rel + "/_")
}

// Match reports whether a file should be indexed: inside the root, not
// excluded, included by a glob and handled by some extractor.
func (f *PathFilter) Match(path string) bool {
	rel, ok := f.rel(path)
	if !ok || rel == "." || f.excluded(rel) {
		return false
	}
	if f.registry != nil && !f.registry.Supports(path) {
		return false
	}
	if len(f.include) == 0 {
		return true
	}
	for _, pattern := range f.include {
		if ok, _ := doublestar.Match(pattern, rel); ok {
			return true
		}
	}
	return false
}

// Inside reports whether path lies strictly under the workspace root.
func (f *PathFilter) Inside(path string) bool {
	rel, ok := f.rel(path)
	return ok && rel != "."
}

// Admits reports whether submitted content for path may be indexed. Content
// with an explicit language skips the include globs and the extension check,
// but never the root and exclude rules.
func (f *PathFilter) Admits(path, language string) bool {
	if language == "" {
		return f.Match(path)
	}
	rel, ok := f.rel(path)
	return ok && rel != "." && !f.excluded(rel)
}

// TooLarge reports whether size exceeds the configured per-file limit.
func (f *PathFilter) TooLarge(size int64) bool {
	return f.maxFileSize > 0 && size > f.maxFileSize
}
