// Package extract turns source files into symbol and reference records.
// Each language is an Extractor; the Registry picks one by extension or by
// an explicitly declared language.
package extract

import (
	"context"
	"path/filepath"
	"sort"
	"strings"

	"github.com/standardbeagle/symvead/internal/types"
)

// Result is everything extracted from one version of one file.
type Result struct {
	Language   string
	Symbols    []types.Symbol
	References []types.Reference
}

// Extractor produces symbols and references for one language. Implementations
// must be safe for concurrent use; Extract may be called from many workers.
type Extractor interface {
	Language() string
	Extensions() []string
	Extract(ctx context.Context, path string, content []byte) (*Result, error)
	Close()
}

// Registry maps extensions and language names to extractors.
type Registry struct {
	byExt  map[string]Extractor
	byLang map[string]Extractor
}

// NewRegistry builds a registry over the given extractors. Later extractors
// win when two claim the same extension.
func NewRegistry(extractors ...Extractor) *Registry {
	r := &Registry{
		byExt:  make(map[string]Extractor),
		byLang: make(map[string]Extractor),
	}
	for _, e := range extractors {
		r.Register(e)
	}
	return r
}

// DefaultRegistry returns the shipped tree-sitter adapters.
func DefaultRegistry() *Registry {
	return NewRegistry(
		NewGoExtractor(),
		NewPythonExtractor(),
		NewJavaScriptExtractor(),
		NewTypeScriptExtractor(),
		NewTSXExtractor(),
		NewRustExtractor(),
		NewJavaExtractor(),
		NewCSharpExtractor(),
		NewCppExtractor(),
		NewPHPExtractor(),
		NewZigExtractor(),
	)
}

// Register adds e under its language name and extensions.
func (r *Registry) Register(e Extractor) {
	r.byLang[e.Language()] = e
	for _, ext := range e.Extensions() {
		r.byExt[strings.ToLower(ext)] = e
	}
}

// ForPath selects the extractor for a file by extension.
func (r *Registry) ForPath(path string) (Extractor, bool) {
	e, ok := r.byExt[strings.ToLower(filepath.Ext(path))]
	return e, ok
}

// ForLanguage selects an extractor by declared language name.
func (r *Registry) ForLanguage(lang string) (Extractor, bool) {
	e, ok := r.byLang[strings.ToLower(lang)]
	return e, ok
}

// Resolve prefers a declared language and falls back to the extension.
func (r *Registry) Resolve(path, lang string) (Extractor, bool) {
	if lang != "" {
		if e, ok := r.ForLanguage(lang); ok {
			return e, true
		}
	}
	return r.ForPath(path)
}

// Supports reports whether any extractor handles path.
func (r *Registry) Supports(path string) bool {
	_, ok := r.ForPath(path)
	return ok
}

// Languages lists registered language names in sorted order.
func (r *Registry) Languages() []string {
	langs := make([]string, 0, len(r.byLang))
	for l := range r.byLang {
		langs = append(langs, l)
	}
	sort.Strings(langs)
	return langs
}

// Close releases parser resources held by every extractor.
func (r *Registry) Close() {
	seen := make(map[Extractor]bool)
	for _, e := range r.byLang {
		if !seen[e] {
			seen[e] = true
			e.Close()
		}
	}
}
