package graph

import (
	"context"
	"sort"
	"strings"

	"github.com/standardbeagle/symvead/internal/types"
)

// MatchMode selects how a search pattern is compared with symbol names.
type MatchMode int

const (
	// MatchSubstring matches names containing the pattern, ignoring case.
	MatchSubstring MatchMode = iota
	// MatchPrefix matches names starting with the pattern, ignoring case.
	MatchPrefix
)

// ParseMatchMode maps "prefix" to MatchPrefix and anything else to
// MatchSubstring.
func ParseMatchMode(s string) MatchMode {
	if strings.EqualFold(s, "prefix") {
		return MatchPrefix
	}
	return MatchSubstring
}

func (m MatchMode) String() string {
	if m == MatchPrefix {
		return "prefix"
	}
	return "substring"
}

// SearchOptions narrows a name search. A zero Limit means no limit.
type SearchOptions struct {
	Mode  MatchMode
	Kinds []types.SymbolKind
	Limit int
}

type ranked struct {
	sym  types.Symbol
	tier int
}

// Search returns the symbols whose name matches pattern, best first:
// exact case-sensitive name, then case-sensitive prefix, then every other
// case-insensitive match. Ties fall back to qualified name, path, span.
func (s *Snapshot) Search(ctx context.Context, pattern string, opts SearchOptions) ([]types.Symbol, error) {
	lp := strings.ToLower(pattern)
	var kinds map[types.SymbolKind]bool
	if len(opts.Kinds) > 0 {
		kinds = make(map[types.SymbolKind]bool, len(opts.Kinds))
		for _, k := range opts.Kinds {
			kinds[k] = true
		}
	}

	var hits []ranked
	n := 0
	var scanErr error
	s.EachName(func(lower string, ids []types.SymbolID) bool {
		n++
		if n%cancelCheckInterval == 0 {
			if scanErr = ctx.Err(); scanErr != nil {
				return false
			}
		}
		if opts.Mode == MatchPrefix {
			if !strings.HasPrefix(lower, lp) {
				return true
			}
		} else if !strings.Contains(lower, lp) {
			return true
		}
		for _, id := range ids {
			sym, ok := s.Symbol(id)
			if !ok || (kinds != nil && !kinds[sym.Kind]) {
				continue
			}
			hits = append(hits, ranked{sym: sym, tier: tierOf(sym.Name, pattern)})
		}
		return true
	})
	if scanErr != nil {
		return nil, scanErr
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	sort.Slice(hits, func(i, j int) bool {
		if hits[i].tier != hits[j].tier {
			return hits[i].tier < hits[j].tier
		}
		return less(hits[i].sym, hits[j].sym)
	})
	if opts.Limit > 0 && len(hits) > opts.Limit {
		hits = hits[:opts.Limit]
	}
	out := make([]types.Symbol, len(hits))
	for i := range hits {
		out[i] = hits[i].sym
	}
	return out, nil
}

func tierOf(name, pattern string) int {
	switch {
	case name == pattern:
		return 0
	case strings.HasPrefix(name, pattern):
		return 1
	default:
		return 2
	}
}
