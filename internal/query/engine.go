// Package query answers code-intelligence requests. Every request loads the
// current graph snapshot once and does all of its lookups against that one
// snapshot, so a result never mixes two states of the graph.
package query

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"unicode"

	"github.com/hbollon/go-edlib"
	"github.com/surgebase/porter2"
	"golang.org/x/sync/singleflight"

	"github.com/standardbeagle/symvead/internal/debug"
	symerrors "github.com/standardbeagle/symvead/internal/errors"
	"github.com/standardbeagle/symvead/internal/graph"
	"github.com/standardbeagle/symvead/internal/types"
)

const (
	cancelCheckInterval = 1000

	maxSuggestions      = 5
	suggestionThreshold = 0.7

	// stemMatchScore ranks a shared word stem ("loading" vs ConfigLoad)
	// just below a near-identical spelling.
	stemMatchScore = 0.9
)

// Options tunes an Engine.
type Options struct {
	// MaxResults caps searches that do not set their own limit.
	MaxResults int
	// EnableSuggestions adds "did you mean" names to empty searches.
	EnableSuggestions bool
}

// Engine runs queries against a Graph. Safe for concurrent use.
type Engine struct {
	graph *graph.Graph
	opts  Options
	group singleflight.Group
}

// NewEngine creates an engine over g.
func NewEngine(g *graph.Graph, opts Options) *Engine {
	return &Engine{graph: g, opts: opts}
}

// SymbolResult is a symbol plus whether it comes from an older version of a
// file whose latest extraction failed.
type SymbolResult struct {
	types.Symbol
	Stale bool `json:"stale"`
}

// ReferenceResult is a reference with its resolution in the answering snapshot.
type ReferenceResult struct {
	types.Reference
	ResolvedID types.SymbolID `json:"resolved_id,omitempty"`
	Unresolved bool           `json:"unresolved"`
	Stale      bool           `json:"stale"`
}

// DefinitionQuery selects a definition by id, by cursor position or by name.
// The first populated selector wins.
type DefinitionQuery struct {
	SymbolID types.SymbolID `json:"symbol_id,omitempty"`
	Path     string         `json:"path,omitempty"`
	Line     int            `json:"line,omitempty"`
	Column   int            `json:"column,omitempty"`
	Name     string         `json:"name,omitempty"`
}

// DefinitionResult answers a DefinitionQuery. When the cursor sits on a
// reference, Reference describes it; Unresolved is set when it binds to
// nothing.
type DefinitionResult struct {
	Generation  uint64           `json:"generation"`
	Definitions []SymbolResult   `json:"definitions"`
	Reference   *ReferenceResult `json:"reference,omitempty"`
	Unresolved  bool             `json:"unresolved"`
}

// ReferencesResult lists the uses of one symbol.
type ReferencesResult struct {
	Generation uint64            `json:"generation"`
	Definition *SymbolResult     `json:"definition,omitempty"`
	References []ReferenceResult `json:"references"`
}

// SearchOptions narrows a search. Limit 0 uses the engine default.
type SearchOptions struct {
	Mode  graph.MatchMode
	Kinds []types.SymbolKind
	Limit int
}

// ParseKinds maps kind names such as "function" or "struct" to symbol kinds.
// Names that map to no kind other than "other" itself are rejected.
func ParseKinds(names []string) ([]types.SymbolKind, error) {
	var kinds []types.SymbolKind
	for _, k := range names {
		k = strings.TrimSpace(k)
		if k == "" {
			continue
		}
		kind := types.ParseSymbolKind(k)
		if kind == types.KindOther && !strings.EqualFold(k, "other") {
			return nil, fmt.Errorf("unknown symbol kind %q", k)
		}
		kinds = append(kinds, kind)
	}
	return kinds, nil
}

// SearchResult is a ranked list of matching symbols.
type SearchResult struct {
	Generation  uint64         `json:"generation"`
	Symbols     []SymbolResult `json:"symbols"`
	Suggestions []string       `json:"suggestions,omitempty"`
}

// DocumentResult lists one file's symbols in span order and, when asked,
// its references with their resolution.
type DocumentResult struct {
	Generation uint64            `json:"generation"`
	File       *types.FileEntry  `json:"file,omitempty"`
	Symbols    []SymbolResult    `json:"symbols"`
	References []ReferenceResult `json:"references,omitempty"`
}

func (e *Engine) symbolResult(snap *graph.Snapshot, s types.Symbol) SymbolResult {
	e.graph.Touch(s.Path)
	return SymbolResult{Symbol: s, Stale: snap.IsStale(s.Path)}
}

func referenceResult(snap *graph.Snapshot, r types.Reference) ReferenceResult {
	out := ReferenceResult{Reference: r, Stale: snap.IsStale(r.Path)}
	if id, ok := snap.Resolve(r); ok {
		out.ResolvedID = id
	} else {
		out.Unresolved = true
	}
	return out
}

// Definition finds the definitions selected by q.
func (e *Engine) Definition(ctx context.Context, q DefinitionQuery) (*DefinitionResult, error) {
	snap := e.graph.CurrentSnapshot()
	res := &DefinitionResult{Generation: snap.Generation, Definitions: []SymbolResult{}}

	switch {
	case q.SymbolID != "":
		if sym := snap.LookupDefinition(q.SymbolID); sym != nil {
			res.Definitions = append(res.Definitions, e.symbolResult(snap, *sym))
		}

	case q.Path != "":
		if q.Line <= 0 {
			return nil, symerrors.NewMalformedRequest("getDefinition", errors.New("line must be 1 or greater"))
		}
		pos := types.Position{Line: q.Line, Column: q.Column}
		if ref, ok := snap.ReferenceAt(q.Path, pos); ok {
			rr := referenceResult(snap, ref)
			res.Reference = &rr
			if rr.Unresolved {
				res.Unresolved = true
				break
			}
			if sym := snap.LookupDefinition(rr.ResolvedID); sym != nil {
				res.Definitions = append(res.Definitions, e.symbolResult(snap, *sym))
			}
			break
		}
		if sym, ok := snap.SymbolAt(q.Path, pos); ok {
			res.Definitions = append(res.Definitions, e.symbolResult(snap, sym))
		}

	case q.Name != "":
		syms := definitionsByName(snap, q.Name)
		for i, s := range syms {
			if i%cancelCheckInterval == 0 {
				if err := ctx.Err(); err != nil {
					return nil, err
				}
			}
			res.Definitions = append(res.Definitions, e.symbolResult(snap, s))
		}

	default:
		return nil, symerrors.NewMalformedRequest("getDefinition", errors.New("one of symbol_id, path and line, or name is required"))
	}

	debug.LogQuery("definition %+v -> %d results (generation %d)", q, len(res.Definitions), res.Generation)
	return res, nil
}

// definitionsByName matches a plain name exactly, or a dotted name against
// the tail of qualified names ("Server.Run" finds "app.Server.Run").
func definitionsByName(snap *graph.Snapshot, name string) []types.Symbol {
	short := name
	if i := strings.LastIndexByte(name, '.'); i >= 0 && i < len(name)-1 {
		short = name[i+1:]
	}
	syms := snap.SymbolsNamed(short)
	if short != name {
		kept := syms[:0]
		for _, s := range syms {
			if s.QualifiedName == name || strings.HasSuffix(s.QualifiedName, "."+name) {
				kept = append(kept, s)
			}
		}
		syms = kept
	}
	graph.SortSymbols(syms)
	return syms
}

// References lists every use of id, ordered by path then span.
func (e *Engine) References(ctx context.Context, id types.SymbolID, includeDefinition bool) (*ReferencesResult, error) {
	if id == "" {
		return nil, symerrors.NewMalformedRequest("getReferences", errors.New("symbol_id is required"))
	}
	snap := e.graph.CurrentSnapshot()
	res := &ReferencesResult{Generation: snap.Generation, References: []ReferenceResult{}}

	sym := snap.LookupDefinition(id)
	if sym == nil {
		return res, nil
	}
	if includeDefinition {
		sr := e.symbolResult(snap, *sym)
		res.Definition = &sr
	}

	refs, err := snap.FindReferences(ctx, id)
	if err != nil {
		return nil, err
	}
	for i, r := range refs {
		if i%cancelCheckInterval == 0 {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
		}
		res.References = append(res.References, ReferenceResult{
			Reference:  r,
			ResolvedID: id,
			Stale:      snap.IsStale(r.Path),
		})
	}
	debug.LogQuery("references %s -> %d (generation %d)", id, len(res.References), res.Generation)
	return res, nil
}

// Search ranks symbols whose names match pattern. Identical concurrent
// searches against the same generation share one scan.
func (e *Engine) Search(ctx context.Context, pattern string, opts SearchOptions) (*SearchResult, error) {
	if pattern == "" {
		return nil, symerrors.NewMalformedRequest("searchSymbols", errors.New("pattern is required"))
	}
	if opts.Limit <= 0 {
		opts.Limit = e.opts.MaxResults
	}
	snap := e.graph.CurrentSnapshot()

	key := fmt.Sprintf("%d\x00%s\x00%d\x00%v\x00%d", snap.Generation, pattern, opts.Mode, opts.Kinds, opts.Limit)
	v, err, shared := e.group.Do(key, func() (interface{}, error) {
		return e.search(ctx, snap, pattern, opts)
	})
	if err != nil && shared && ctx.Err() == nil && isContextErr(err) {
		// the caller that ran the shared scan went away; ours has not
		v, err = e.search(ctx, snap, pattern, opts)
	}
	if err != nil {
		return nil, err
	}
	shown := v.(*SearchResult)
	for _, s := range shown.Symbols {
		e.graph.Touch(s.Path)
	}
	return shown, nil
}

func isContextErr(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}

func (e *Engine) search(ctx context.Context, snap *graph.Snapshot, pattern string, opts SearchOptions) (*SearchResult, error) {
	syms, err := snap.Search(ctx, pattern, graph.SearchOptions{Mode: opts.Mode, Kinds: opts.Kinds, Limit: opts.Limit})
	if err != nil {
		return nil, err
	}
	res := &SearchResult{Generation: snap.Generation, Symbols: make([]SymbolResult, len(syms))}
	for i, s := range syms {
		res.Symbols[i] = SymbolResult{Symbol: s, Stale: snap.IsStale(s.Path)}
	}
	if len(syms) == 0 && e.opts.EnableSuggestions {
		if res.Suggestions, err = suggest(ctx, snap, pattern); err != nil {
			return nil, err
		}
	}
	debug.LogQuery("search %q -> %d results, %d suggestions (generation %d)",
		pattern, len(res.Symbols), len(res.Suggestions), res.Generation)
	return res, nil
}

type suggestion struct {
	name  string
	score float32
}

// suggest returns up to maxSuggestions names closest to pattern by
// Jaro-Winkler similarity, also accepting names that share a word stem with
// a single-word pattern.
func suggest(ctx context.Context, snap *graph.Snapshot, pattern string) ([]string, error) {
	lp := strings.ToLower(pattern)
	var stem string
	if words := splitWords(pattern); len(words) == 1 && len(words[0]) >= 4 {
		stem = porter2.Stem(words[0])
	}
	var best []suggestion
	n := 0
	var scanErr error
	snap.EachName(func(lower string, ids []types.SymbolID) bool {
		n++
		if n%cancelCheckInterval == 0 {
			if scanErr = ctx.Err(); scanErr != nil {
				return false
			}
		}
		score, err := edlib.StringsSimilarity(lp, lower, edlib.JaroWinkler)
		if err != nil {
			score = 0
		}
		name := lower
		if sym, ok := snap.Symbol(ids[0]); ok {
			name = sym.Name
		}
		if score < stemMatchScore && stem != "" && sharesStem(name, stem) {
			score = stemMatchScore
		}
		if score < suggestionThreshold {
			return true
		}
		best = append(best, suggestion{name: name, score: score})
		return true
	})
	if scanErr != nil {
		return nil, scanErr
	}
	sort.Slice(best, func(i, j int) bool {
		if best[i].score != best[j].score {
			return best[i].score > best[j].score
		}
		return best[i].name < best[j].name
	})
	if len(best) > maxSuggestions {
		best = best[:maxSuggestions]
	}
	out := make([]string, len(best))
	for i, s := range best {
		out[i] = s.name
	}
	return out, nil
}

// sharesStem reports whether any word of name stems to stem.
func sharesStem(name, stem string) bool {
	for _, w := range splitWords(name) {
		if len(w) >= 3 && porter2.Stem(w) == stem {
			return true
		}
	}
	return false
}

// splitWords breaks an identifier into lowercase words at case changes,
// digits and separators: parseHTTPRequest -> parse, http, request.
func splitWords(name string) []string {
	var words []string
	runes := []rune(name)
	start := -1
	flush := func(end int) {
		if start >= 0 && end > start {
			words = append(words, strings.ToLower(string(runes[start:end])))
		}
		start = -1
	}
	for i, r := range runes {
		if !unicode.IsLetter(r) {
			flush(i)
			continue
		}
		if start < 0 {
			start = i
			continue
		}
		prev := runes[i-1]
		nextLower := i+1 < len(runes) && unicode.IsLower(runes[i+1])
		if unicode.IsUpper(r) && (unicode.IsLower(prev) || (unicode.IsUpper(prev) && nextLower)) {
			flush(i)
			start = i
		}
	}
	flush(len(runes))
	return words
}

// DocumentSymbols lists the symbols of path in span order.
func (e *Engine) DocumentSymbols(ctx context.Context, path string, includeReferences bool) (*DocumentResult, error) {
	if path == "" {
		return nil, symerrors.NewMalformedRequest("documentSymbols", errors.New("path is required"))
	}
	snap := e.graph.CurrentSnapshot()
	res := &DocumentResult{Generation: snap.Generation, Symbols: []SymbolResult{}}

	entry, ok := snap.File(path)
	if !ok {
		return res, nil
	}
	res.File = &entry
	e.graph.Touch(path)
	stale := entry.ExtractionFailed
	for _, s := range snap.SymbolsInFile(path) {
		res.Symbols = append(res.Symbols, SymbolResult{Symbol: s, Stale: stale})
	}
	if includeReferences {
		for i, r := range snap.ReferencesInFile(path) {
			if i%cancelCheckInterval == 0 {
				if err := ctx.Err(); err != nil {
					return nil, err
				}
			}
			res.References = append(res.References, referenceResult(snap, r))
		}
	}
	return res, nil
}

// Status reports the graph counters of the current snapshot.
func (e *Engine) Status() graph.Stats {
	return e.graph.Stats()
}
