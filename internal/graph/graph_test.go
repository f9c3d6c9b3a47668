package graph

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	symerrors "github.com/standardbeagle/symvead/internal/errors"
	"github.com/standardbeagle/symvead/internal/types"
)

func span(line int) types.Span {
	return types.Span{Start: types.Position{Line: line}, End: types.Position{Line: line + 1}}
}

func sym(name, qname string, kind types.SymbolKind, line int) types.Symbol {
	return types.Symbol{
		Name:          name,
		QualifiedName: qname,
		Kind:          kind,
		Span:          span(line),
		NameSpan:      types.Span{Start: types.Position{Line: line, Column: 5}, End: types.Position{Line: line, Column: 5 + len(name)}},
	}
}

func ref(name, qualifier string, line int) types.Reference {
	return types.Reference{
		Target: types.Target{Name: name, Qualifier: qualifier},
		Kind:   types.RefCall,
		Span:   types.Span{Start: types.Position{Line: line, Column: 2}, End: types.Position{Line: line, Column: 2 + len(name)}},
	}
}

func names(syms []types.Symbol) []string {
	out := make([]string, len(syms))
	for i, s := range syms {
		out[i] = s.Name
	}
	return out
}

func TestApplyFileUpdate_Basic(t *testing.T) {
	g := New(0)
	snap, err := g.ApplyFileUpdate("a.go", 1,
		[]types.Symbol{sym("Run", "pkg.Run", types.KindFunction, 3)},
		[]types.Reference{ref("Run", "", 10)})
	require.NoError(t, err)
	require.Same(t, snap, g.CurrentSnapshot())
	assert.Equal(t, uint64(1), snap.Generation)

	syms := snap.SymbolsInFile("a.go")
	require.Len(t, syms, 1)
	run := syms[0]
	assert.Equal(t, types.NewSymbolID("a.go", "pkg.Run", types.KindFunction, span(3)), run.ID)
	assert.Equal(t, "a.go", run.Path)
	assert.Equal(t, uint64(1), run.FileVersion)

	got := snap.LookupDefinition(run.ID)
	require.NotNil(t, got)
	assert.Equal(t, run, *got)
	assert.Nil(t, snap.LookupDefinition("nope:1"))

	entry, ok := snap.File("a.go")
	require.True(t, ok)
	assert.Equal(t, uint64(1), entry.Version)
	assert.Equal(t, []types.SymbolID{run.ID}, entry.SymbolIDs)
	assert.Equal(t, []types.ReferenceID{types.NewReferenceID("a.go", 0)}, entry.ReferenceIDs)
	assert.Positive(t, entry.EstimatedBytes)

	stats := g.Stats()
	assert.Equal(t, 1, stats.Files)
	assert.Equal(t, 1, stats.Symbols)
	assert.Equal(t, 1, stats.References)
	assert.Equal(t, entry.EstimatedBytes, stats.EstimatedBytes)
}

func TestApplyFileUpdate_Convergence(t *testing.T) {
	g := New(0)
	for v := uint64(1); v <= 5; v++ {
		_, err := g.ApplyFileUpdate("a.go", v, []types.Symbol{
			sym(fmt.Sprintf("F%d", v), fmt.Sprintf("pkg.F%d", v), types.KindFunction, 1),
		}, nil)
		require.NoError(t, err)
	}

	snap := g.CurrentSnapshot()
	assert.Equal(t, []string{"F5"}, names(snap.SymbolsInFile("a.go")))
	for v := 1; v < 5; v++ {
		hits, err := snap.Search(context.Background(), fmt.Sprintf("F%d", v), SearchOptions{})
		require.NoError(t, err)
		assert.Empty(t, hits, "superseded version %d must not be searchable", v)
	}
	assert.Equal(t, 1, g.Stats().Symbols)
}

func TestApplyFileUpdate_StaleVersion(t *testing.T) {
	g := New(0)
	_, err := g.ApplyFileUpdate("a.go", 3, []types.Symbol{sym("Keep", "Keep", types.KindFunction, 1)}, nil)
	require.NoError(t, err)
	before := g.CurrentSnapshot()

	for _, v := range []uint64{0, 1, 3} {
		snap, err := g.ApplyFileUpdate("a.go", v, []types.Symbol{sym("Lost", "Lost", types.KindFunction, 1)}, nil)
		require.Error(t, err)
		assert.Nil(t, snap)
		assert.True(t, symerrors.IsStaleVersion(err))

		var stale *symerrors.StaleVersionError
		require.True(t, errors.As(err, &stale))
		assert.Equal(t, uint64(3), stale.Current)
	}
	assert.Same(t, before, g.CurrentSnapshot(), "rejected updates must not publish")
}

func TestMarkExtractionFailed_KeepsLastGood(t *testing.T) {
	g := New(0)
	_, err := g.ApplyFileUpdate("a.go", 1, []types.Symbol{sym("Run", "Run", types.KindFunction, 1)}, nil)
	require.NoError(t, err)

	cause := symerrors.NewExtractionError("a.go", "go", 2, errors.New("parse error"))
	snap, err := g.MarkExtractionFailed("a.go", 2, cause)
	require.NoError(t, err)

	assert.Equal(t, []string{"Run"}, names(snap.SymbolsInFile("a.go")))
	assert.True(t, snap.IsStale("a.go"))
	entry, _ := snap.File("a.go")
	assert.Equal(t, uint64(1), entry.Version)
	assert.Equal(t, uint64(2), entry.FailedVersion)
	assert.Equal(t, uint64(2), entry.LatestVersion())
	assert.Contains(t, entry.FailureMessage, "parse error")
	assert.Equal(t, 1, g.Stats().FailedFiles)

	_, err = g.ApplyFileUpdate("a.go", 2, nil, nil)
	assert.True(t, symerrors.IsStaleVersion(err), "a failed version still counts as seen")

	snap, err = g.ApplyFileUpdate("a.go", 3, []types.Symbol{sym("Walk", "Walk", types.KindFunction, 1)}, nil)
	require.NoError(t, err)
	assert.False(t, snap.IsStale("a.go"))
	assert.Equal(t, 0, g.Stats().FailedFiles)
	assert.Equal(t, []string{"Walk"}, names(snap.SymbolsInFile("a.go")))
}

func TestMarkExtractionFailed_UnknownFile(t *testing.T) {
	g := New(0)
	snap, err := g.MarkExtractionFailed("new.py", 1, errors.New("boom"))
	require.NoError(t, err)
	entry, ok := snap.File("new.py")
	require.True(t, ok)
	assert.True(t, entry.ExtractionFailed)
	assert.Empty(t, snap.SymbolsInFile("new.py"))
}

func TestRemoveFile(t *testing.T) {
	g := New(0)
	_, err := g.ApplyFileUpdate("a.go", 1,
		[]types.Symbol{sym("Run", "Run", types.KindFunction, 1)},
		[]types.Reference{ref("Run", "", 4)})
	require.NoError(t, err)
	held := g.CurrentSnapshot()

	snap, err := g.RemoveFile("a.go", 2)
	require.NoError(t, err)

	_, ok := snap.File("a.go")
	assert.False(t, ok)
	hits, err := snap.Search(context.Background(), "Run", SearchOptions{})
	require.NoError(t, err)
	assert.Empty(t, hits)
	assert.Equal(t, uint64(2), snap.LatestVersion("a.go"))

	// the old snapshot is unaffected
	assert.Equal(t, []string{"Run"}, names(held.SymbolsInFile("a.go")))

	// late result from before the delete
	_, err = g.ApplyFileUpdate("a.go", 1, []types.Symbol{sym("Run", "Run", types.KindFunction, 1)}, nil)
	assert.True(t, symerrors.IsStaleVersion(err))

	_, err = g.ApplyFileUpdate("a.go", 3, []types.Symbol{sym("Back", "Back", types.KindFunction, 1)}, nil)
	require.NoError(t, err)
	assert.Equal(t, 1, g.Stats().Files)
}

func TestSnapshotIsolation(t *testing.T) {
	g := New(0)
	_, err := g.ApplyFileUpdate("a.go", 1, []types.Symbol{sym("Old", "Old", types.KindFunction, 1)}, nil)
	require.NoError(t, err)
	held := g.CurrentSnapshot()

	_, err = g.ApplyFileUpdate("a.go", 2, []types.Symbol{sym("New", "New", types.KindFunction, 1)}, nil)
	require.NoError(t, err)
	_, err = g.ApplyFileUpdate("b.go", 1, []types.Symbol{sym("Other", "Other", types.KindFunction, 1)}, nil)
	require.NoError(t, err)

	assert.Equal(t, []string{"Old"}, names(held.SymbolsInFile("a.go")))
	assert.Empty(t, held.SymbolsInFile("b.go"))
	hits, err := held.Search(context.Background(), "New", SearchOptions{})
	require.NoError(t, err)
	assert.Empty(t, hits)

	cur := g.CurrentSnapshot()
	assert.Equal(t, []string{"New"}, names(cur.SymbolsInFile("a.go")))
	assert.Greater(t, cur.Generation, held.Generation)
}

func TestSearch_Ranking(t *testing.T) {
	g := New(0)
	_, err := g.ApplyFileUpdate("a.go", 1, []types.Symbol{
		sym("barfoo", "barfoo", types.KindFunction, 1),
		sym("Foo", "Foo", types.KindType, 2),
		sym("foobar", "foobar", types.KindFunction, 3),
		sym("unrelated", "unrelated", types.KindFunction, 4),
	}, nil)
	require.NoError(t, err)
	_, err = g.ApplyFileUpdate("b.go", 1, []types.Symbol{sym("foo", "foo", types.KindVariable, 1)}, nil)
	require.NoError(t, err)

	snap := g.CurrentSnapshot()
	hits, err := snap.Search(context.Background(), "foo", SearchOptions{})
	require.NoError(t, err)
	assert.Equal(t, []string{"foo", "foobar", "Foo", "barfoo"}, names(hits))

	hits, err = snap.Search(context.Background(), "foo", SearchOptions{Mode: MatchPrefix})
	require.NoError(t, err)
	assert.Equal(t, []string{"foo", "foobar", "Foo"}, names(hits))

	hits, err = snap.Search(context.Background(), "foo", SearchOptions{Kinds: []types.SymbolKind{types.KindFunction}})
	require.NoError(t, err)
	assert.Equal(t, []string{"foobar", "barfoo"}, names(hits))

	hits, err = snap.Search(context.Background(), "foo", SearchOptions{Limit: 2})
	require.NoError(t, err)
	assert.Equal(t, []string{"foo", "foobar"}, names(hits))
}

func TestSearch_TieBreaks(t *testing.T) {
	g := New(0)
	_, err := g.ApplyFileUpdate("b.go", 1, []types.Symbol{sym("Run", "pkg.Run", types.KindFunction, 1)}, nil)
	require.NoError(t, err)
	_, err = g.ApplyFileUpdate("a.go", 1, []types.Symbol{
		sym("Run", "pkg.Run", types.KindFunction, 9),
		sym("Run", "app.Run", types.KindFunction, 1),
	}, nil)
	require.NoError(t, err)

	hits, err := g.CurrentSnapshot().Search(context.Background(), "Run", SearchOptions{})
	require.NoError(t, err)
	require.Len(t, hits, 3)
	assert.Equal(t, "app.Run", hits[0].QualifiedName)
	assert.Equal(t, "a.go", hits[1].Path)
	assert.Equal(t, "b.go", hits[2].Path)
}

func TestSearch_Canceled(t *testing.T) {
	g := New(0)
	_, err := g.ApplyFileUpdate("a.go", 1, []types.Symbol{sym("x", "x", types.KindVariable, 1)}, nil)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = g.CurrentSnapshot().Search(ctx, "x", SearchOptions{})
	assert.ErrorIs(t, err, context.Canceled)
}

func TestResolve(t *testing.T) {
	g := New(0)
	_, err := g.ApplyFileUpdate("/ws/fmt/print.go", 1, []types.Symbol{
		sym("Println", "fmt.Println", types.KindFunction, 1),
	}, nil)
	require.NoError(t, err)
	_, err = g.ApplyFileUpdate("/ws/log/log.go", 1, []types.Symbol{
		sym("Println", "log.Println", types.KindFunction, 1),
	}, nil)
	require.NoError(t, err)

	local := sym("helper", "app.helper", types.KindFunction, 20)
	_, err = g.ApplyFileUpdate("/ws/app/main.go", 1, []types.Symbol{
		sym("main", "app.main", types.KindFunction, 1),
		local,
	}, []types.Reference{
		ref("Println", "fmt", 2),
		ref("helper", "", 3),
		ref("Println", "", 4),
		ref("missing", "", 5),
	})
	require.NoError(t, err)
	snap := g.CurrentSnapshot()
	refs := snap.ReferencesInFile("/ws/app/main.go")
	require.Len(t, refs, 4)

	id, ok := snap.Resolve(refs[0])
	require.True(t, ok)
	assert.Equal(t, "fmt.Println", snap.LookupDefinition(id).QualifiedName)

	id, ok = snap.Resolve(refs[1])
	require.True(t, ok)
	assert.Equal(t, "app.helper", snap.LookupDefinition(id).QualifiedName)

	id, ok = snap.Resolve(refs[2])
	require.True(t, ok)
	assert.Equal(t, "fmt.Println", snap.LookupDefinition(id).QualifiedName, "smallest qualified name wins")

	_, ok = snap.Resolve(refs[3])
	assert.False(t, ok)
}

func TestResolve_SameFilePrefersEnclosingScope(t *testing.T) {
	g := New(0)
	inner := sym("value", "pkg.Outer.value", types.KindVariable, 2)
	inner.Container = "pkg.Outer"
	outer := sym("value", "pkg.value", types.KindVariable, 10)
	outer.Container = "pkg"
	r := ref("value", "", 3)
	r.Container = "pkg.Outer.method"

	_, err := g.ApplyFileUpdate("a.go", 1, []types.Symbol{outer, inner}, []types.Reference{r})
	require.NoError(t, err)
	snap := g.CurrentSnapshot()
	id, ok := snap.Resolve(snap.ReferencesInFile("a.go")[0])
	require.True(t, ok)
	assert.Equal(t, "pkg.Outer.value", snap.LookupDefinition(id).QualifiedName)
}

func TestFindReferences(t *testing.T) {
	g := New(0)
	_, err := g.ApplyFileUpdate("lib.go", 1, []types.Symbol{sym("Do", "lib.Do", types.KindFunction, 1)}, nil)
	require.NoError(t, err)
	_, err = g.ApplyFileUpdate("b.go", 1, nil, []types.Reference{ref("Do", "lib", 7), ref("Do", "lib", 2)})
	require.NoError(t, err)
	_, err = g.ApplyFileUpdate("a.go", 1, nil, []types.Reference{ref("do", "", 1), ref("Do", "", 5)})
	require.NoError(t, err)

	snap := g.CurrentSnapshot()
	id := snap.SymbolsInFile("lib.go")[0].ID
	refs, err := snap.FindReferences(context.Background(), id)
	require.NoError(t, err)
	require.Len(t, refs, 3)
	assert.Equal(t, "a.go", refs[0].Path)
	assert.Equal(t, 5, refs[0].Span.Start.Line)
	assert.Equal(t, "b.go", refs[1].Path)
	assert.Equal(t, 2, refs[1].Span.Start.Line)
	assert.Equal(t, 7, refs[2].Span.Start.Line)

	// a cross-file reference re-resolves once the target moves
	_, err = g.RemoveFile("lib.go", 2)
	require.NoError(t, err)
	refs, err = g.CurrentSnapshot().FindReferences(context.Background(), id)
	require.NoError(t, err)
	assert.Empty(t, refs)
}

func TestSymbolAtAndReferenceAt(t *testing.T) {
	g := New(0)
	outer := types.Symbol{
		Name: "Server", QualifiedName: "Server", Kind: types.KindType,
		Span:     types.Span{Start: types.Position{Line: 1}, End: types.Position{Line: 20}},
		NameSpan: types.Span{Start: types.Position{Line: 1, Column: 5}, End: types.Position{Line: 1, Column: 11}},
	}
	inner := types.Symbol{
		Name: "Run", QualifiedName: "Server.Run", Kind: types.KindFunction,
		Span:     types.Span{Start: types.Position{Line: 5}, End: types.Position{Line: 9}},
		NameSpan: types.Span{Start: types.Position{Line: 5, Column: 5}, End: types.Position{Line: 5, Column: 8}},
	}
	_, err := g.ApplyFileUpdate("s.go", 1, []types.Symbol{outer, inner}, []types.Reference{ref("helper", "", 6)})
	require.NoError(t, err)
	snap := g.CurrentSnapshot()

	got, ok := snap.SymbolAt("s.go", types.Position{Line: 7, Column: 1})
	require.True(t, ok)
	assert.Equal(t, "Run", got.Name)

	got, ok = snap.SymbolAt("s.go", types.Position{Line: 1, Column: 6})
	require.True(t, ok)
	assert.Equal(t, "Server", got.Name)

	_, ok = snap.SymbolAt("s.go", types.Position{Line: 30})
	assert.False(t, ok)

	r, ok := snap.ReferenceAt("s.go", types.Position{Line: 6, Column: 3})
	require.True(t, ok)
	assert.Equal(t, "helper", r.Target.Name)
	_, ok = snap.ReferenceAt("s.go", types.Position{Line: 6, Column: 30})
	assert.False(t, ok)
}

func TestEviction(t *testing.T) {
	g := New(1)
	for i := 1; i <= 4; i++ {
		_, err := g.ApplyFileUpdate(fmt.Sprintf("f%d.go", i), 1, []types.Symbol{
			sym(fmt.Sprintf("F%d", i), fmt.Sprintf("F%d", i), types.KindFunction, 1),
		}, nil)
		require.NoError(t, err)
	}

	snap := g.CurrentSnapshot()
	stats := g.Stats()
	assert.Equal(t, 1, stats.Files, "only the most recently used file survives a tiny cap")
	assert.Equal(t, uint64(3), stats.Evictions)
	_, ok := snap.File("f4.go")
	assert.True(t, ok)
	assert.Equal(t, uint64(1), snap.LatestVersion("f1.go"), "evicted files keep their version")

	_, err := g.ApplyFileUpdate("f1.go", 1, nil, nil)
	assert.True(t, symerrors.IsStaleVersion(err))
}

func TestEviction_TouchProtectsRecentFiles(t *testing.T) {
	sizing := New(0)
	_, err := sizing.ApplyFileUpdate("a.go", 1, []types.Symbol{sym("A", "A", types.KindFunction, 1)}, nil)
	require.NoError(t, err)
	one := sizing.Stats().EstimatedBytes

	g := New(one*2 + one/2)
	for _, p := range []string{"a.go", "b.go"} {
		_, err := g.ApplyFileUpdate(p, 1, []types.Symbol{sym("A", "A", types.KindFunction, 1)}, nil)
		require.NoError(t, err)
	}
	g.Touch("a.go")
	_, err = g.ApplyFileUpdate("c.go", 1, []types.Symbol{sym("A", "A", types.KindFunction, 1)}, nil)
	require.NoError(t, err)

	snap := g.CurrentSnapshot()
	_, aok := snap.File("a.go")
	_, bok := snap.File("b.go")
	assert.True(t, aok)
	assert.False(t, bok)
}

func TestConcurrentUpdatesAndQueries(t *testing.T) {
	g := New(0)
	const versions = 200
	ctx := context.Background()

	var wg sync.WaitGroup
	for _, path := range []string{"a.go", "b.go"} {
		wg.Add(1)
		go func(path string) {
			defer wg.Done()
			for v := uint64(1); v <= versions; v++ {
				_, err := g.ApplyFileUpdate(path, v, []types.Symbol{
					sym("Shared", "Shared", types.KindFunction, int(v)),
					sym(fmt.Sprintf("V%d", v), path+".V", types.KindVariable, 1),
				}, []types.Reference{ref("Shared", "", 1)})
				assert.NoError(t, err)
			}
		}(path)
	}

	done := make(chan struct{})
	var readers sync.WaitGroup
	for i := 0; i < 4; i++ {
		readers.Add(1)
		go func() {
			defer readers.Done()
			for {
				select {
				case <-done:
					return
				default:
				}
				snap := g.CurrentSnapshot()
				for _, path := range []string{"a.go", "b.go"} {
					syms := snap.SymbolsInFile(path)
					if len(syms) == 0 {
						continue
					}
					// both symbols of a file always come from the same version
					assert.Len(t, syms, 2)
					assert.Equal(t, syms[0].FileVersion, syms[1].FileVersion)
				}
				hits, err := snap.Search(ctx, "Shared", SearchOptions{})
				assert.NoError(t, err)
				assert.LessOrEqual(t, len(hits), 2)
			}
		}()
	}

	wg.Wait()
	close(done)
	readers.Wait()

	snap := g.CurrentSnapshot()
	for _, path := range []string{"a.go", "b.go"} {
		entry, ok := snap.File(path)
		require.True(t, ok)
		assert.Equal(t, uint64(versions), entry.Version)
	}
	hits, err := snap.Search(ctx, "Shared", SearchOptions{})
	require.NoError(t, err)
	assert.Len(t, hits, 2)
	assert.Equal(t, uint64(2*versions), snap.Generation)
}
