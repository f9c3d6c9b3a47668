package graph

import (
	"context"
	"sort"
	"strings"

	"github.com/standardbeagle/symvead/internal/types"
)

// cancelCheckInterval is how many items a scan processes between context checks.
const cancelCheckInterval = 1000

// LookupDefinition returns the symbol with id, or nil when this snapshot has
// no such symbol.
func (s *Snapshot) LookupDefinition(id types.SymbolID) *types.Symbol {
	sym, ok := s.Symbol(id)
	if !ok {
		return nil
	}
	return &sym
}

// Resolve binds ref to a definition in this snapshot. Candidates share the
// reference's exact name and are tried in order: same file (innermost
// enclosing container first), qualified-name suffix match on the use-site
// qualifier, then the smallest qualified name anywhere.
func (s *Snapshot) Resolve(ref types.Reference) (types.SymbolID, bool) {
	cands := s.SymbolsNamed(ref.Target.Name)
	if len(cands) == 0 {
		return "", false
	}

	var local []types.Symbol
	for _, c := range cands {
		if c.Path == ref.Path {
			local = append(local, c)
		}
	}
	if len(local) > 0 {
		return pickLocal(local, ref.Container).ID, true
	}

	if q := ref.Target.Qualifier; q != "" {
		suffix := q + "." + ref.Target.Name
		var qualified []types.Symbol
		for _, c := range cands {
			if c.QualifiedName == suffix || strings.HasSuffix(c.QualifiedName, "."+suffix) {
				qualified = append(qualified, c)
			}
		}
		if len(qualified) > 0 {
			return smallest(qualified).ID, true
		}
	}
	return smallest(cands).ID, true
}

// pickLocal prefers the candidate declared in the nearest enclosing scope of
// the use site.
func pickLocal(cands []types.Symbol, container string) types.Symbol {
	best := -1
	for i, c := range cands {
		if !encloses(c.Container, container) {
			continue
		}
		if best < 0 || len(c.Container) > len(cands[best].Container) ||
			(len(c.Container) == len(cands[best].Container) && less(c, cands[best])) {
			best = i
		}
	}
	if best >= 0 {
		return cands[best]
	}
	return smallest(cands)
}

func encloses(outer, inner string) bool {
	return outer == "" || outer == inner || strings.HasPrefix(inner, outer+".")
}

func smallest(cands []types.Symbol) types.Symbol {
	best := cands[0]
	for _, c := range cands[1:] {
		if less(c, best) {
			best = c
		}
	}
	return best
}

// less orders symbols by qualified name, then path, then span start.
func less(a, b types.Symbol) bool {
	if a.QualifiedName != b.QualifiedName {
		return a.QualifiedName < b.QualifiedName
	}
	if a.Path != b.Path {
		return a.Path < b.Path
	}
	return a.Span.Start.Less(b.Span.Start)
}

// FindReferences returns every reference that resolves to id in this
// snapshot, ordered by path then span.
func (s *Snapshot) FindReferences(ctx context.Context, id types.SymbolID) ([]types.Reference, error) {
	target, ok := s.Symbol(id)
	if !ok {
		return nil, nil
	}
	lower := nameKey(target.Name)
	p, _ := s.refs.Get(lower)
	ids := flatten(p)

	var out []types.Reference
	for i, rid := range ids {
		if i%cancelCheckInterval == 0 {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
		}
		ref, ok := s.Reference(rid)
		if !ok || ref.Target.Name != target.Name {
			continue
		}
		if resolved, ok := s.Resolve(ref); ok && resolved == id {
			out = append(out, ref)
		}
	}
	sortReferences(out)
	return out, nil
}

func sortReferences(refs []types.Reference) {
	sort.Slice(refs, func(i, j int) bool {
		if refs[i].Path != refs[j].Path {
			return refs[i].Path < refs[j].Path
		}
		if refs[i].Span.Start != refs[j].Span.Start {
			return refs[i].Span.Start.Less(refs[j].Span.Start)
		}
		return refs[i].Span.End.Less(refs[j].Span.End)
	})
}

// SortSymbols orders symbols by qualified name, then path, then span start.
func SortSymbols(syms []types.Symbol) {
	sort.Slice(syms, func(i, j int) bool { return less(syms[i], syms[j]) })
}
