package graph

import (
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/benbjohnson/immutable"
	"github.com/cespare/xxhash/v2"

	"github.com/standardbeagle/symvead/internal/types"
)

// fileData is the published, immutable state of one file.
type fileData struct {
	entry   types.FileEntry
	symbols []types.Symbol // sorted by span start
	byID    map[types.SymbolID]int
	refs    []types.Reference // index == reference ordinal
}

// postings maps a file to the ids it carries under one name.
type (
	symbolPostings = immutable.Map[types.FileKey, []types.SymbolID]
	refPostings    = immutable.Map[types.FileKey, []types.ReferenceID]
)

// Snapshot is an immutable view of the whole graph. It is never mutated after
// publication; holders keep a consistent view for as long as they keep it.
//
// Every index is a persistent hash map, so publishing a file update copies
// only the trie paths of the keys it touches and shares everything else with
// the previous snapshot.
type Snapshot struct {
	Generation uint64
	CreatedAt  time.Time

	files *immutable.Map[types.FileKey, *fileData]
	// versions holds the highest version ever presented per path. It
	// outlives deletes and evictions so late in-flight results stay rejected.
	versions *immutable.Map[string, uint64]
	// names and refs are keyed by lowercased name, then by file.
	names *immutable.Map[string, *symbolPostings]
	refs  *immutable.Map[string, *refPostings]

	fileCount   int
	symbolCount int
	refCount    int
	failedCount int
	totalBytes  int64
}

// keyHasher hashes string keys of the persistent maps with xxhash.
type keyHasher[K ~string] struct{}

func (keyHasher[K]) Hash(k K) uint32 {
	return uint32(xxhash.Sum64String(string(k)))
}

func (keyHasher[K]) Equal(a, b K) bool {
	return a == b
}

func emptySnapshot() *Snapshot {
	return &Snapshot{
		CreatedAt: time.Now(),
		files:     immutable.NewMap[types.FileKey, *fileData](keyHasher[types.FileKey]{}),
		versions:  immutable.NewMap[string, uint64](keyHasher[string]{}),
		names:     immutable.NewMap[string, *symbolPostings](keyHasher[string]{}),
		refs:      immutable.NewMap[string, *refPostings](keyHasher[string]{}),
	}
}

func nameKey(name string) string {
	return strings.ToLower(name)
}

// flatten concatenates every file's ids under one name.
func flatten[T any](p *immutable.Map[types.FileKey, []T]) []T {
	if p == nil {
		return nil
	}
	var out []T
	itr := p.Iterator()
	for !itr.Done() {
		_, ids, _ := itr.Next()
		out = append(out, ids...)
	}
	return out
}

func (s *Snapshot) fileByKey(key types.FileKey) *fileData {
	fd, _ := s.files.Get(key)
	return fd
}

func (s *Snapshot) fileByPath(path string) *fileData {
	return s.fileByKey(types.NewFileKey(path))
}

// LatestVersion is the highest version ever presented for path, including
// deleted and evicted files. Zero means never seen.
func (s *Snapshot) LatestVersion(path string) uint64 {
	v, _ := s.versions.Get(path)
	return v
}

// File returns the entry for path.
func (s *Snapshot) File(path string) (types.FileEntry, bool) {
	fd := s.fileByPath(path)
	if fd == nil {
		return types.FileEntry{}, false
	}
	return fd.entry, true
}

// Files returns every live file entry ordered by path.
func (s *Snapshot) Files() []types.FileEntry {
	out := make([]types.FileEntry, 0, s.fileCount)
	itr := s.files.Iterator()
	for !itr.Done() {
		_, fd, _ := itr.Next()
		out = append(out, fd.entry)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Path < out[j].Path })
	return out
}

// Symbol returns the definition with the given id.
func (s *Snapshot) Symbol(id types.SymbolID) (types.Symbol, bool) {
	fd := s.fileByKey(id.FileKey())
	if fd == nil {
		return types.Symbol{}, false
	}
	i, ok := fd.byID[id]
	if !ok {
		return types.Symbol{}, false
	}
	return fd.symbols[i], true
}

// Reference returns the reference with the given id.
func (s *Snapshot) Reference(id types.ReferenceID) (types.Reference, bool) {
	fd := s.fileByKey(id.FileKey())
	if fd == nil {
		return types.Reference{}, false
	}
	str := string(id)
	ord, err := strconv.Atoi(str[strings.IndexByte(str, ':')+1:])
	if err != nil || ord < 0 || ord >= len(fd.refs) {
		return types.Reference{}, false
	}
	return fd.refs[ord], true
}

// SymbolsInFile returns a file's definitions in span order.
func (s *Snapshot) SymbolsInFile(path string) []types.Symbol {
	fd := s.fileByPath(path)
	if fd == nil {
		return nil
	}
	return append([]types.Symbol(nil), fd.symbols...)
}

// ReferencesInFile returns a file's references in ordinal order.
func (s *Snapshot) ReferencesInFile(path string) []types.Reference {
	fd := s.fileByPath(path)
	if fd == nil {
		return nil
	}
	return append([]types.Reference(nil), fd.refs...)
}

// IsStale reports whether the newest extraction of the symbol's defining
// file failed, meaning the symbol comes from an older version.
func (s *Snapshot) IsStale(path string) bool {
	fd := s.fileByPath(path)
	return fd != nil && fd.entry.ExtractionFailed
}

// SymbolAt returns the innermost definition at pos. A hit on the
// definition's name wins over an enclosing body.
func (s *Snapshot) SymbolAt(path string, pos types.Position) (types.Symbol, bool) {
	fd := s.fileByPath(path)
	if fd == nil {
		return types.Symbol{}, false
	}
	best := -1
	for i := range fd.symbols {
		sym := &fd.symbols[i]
		if sym.NameSpan.Contains(pos) {
			return *sym, true
		}
		if sym.Span.Contains(pos) && (best < 0 || sym.Span.Width() < fd.symbols[best].Span.Width()) {
			best = i
		}
	}
	if best < 0 {
		return types.Symbol{}, false
	}
	return fd.symbols[best], true
}

// ReferenceAt returns the narrowest reference whose span contains pos.
func (s *Snapshot) ReferenceAt(path string, pos types.Position) (types.Reference, bool) {
	fd := s.fileByPath(path)
	if fd == nil {
		return types.Reference{}, false
	}
	best := -1
	for i := range fd.refs {
		if fd.refs[i].Span.Contains(pos) && (best < 0 || fd.refs[i].Span.Width() < fd.refs[best].Span.Width()) {
			best = i
		}
	}
	if best < 0 {
		return types.Reference{}, false
	}
	return fd.refs[best], true
}

// SymbolsNamed returns every definition whose name equals name exactly.
func (s *Snapshot) SymbolsNamed(name string) []types.Symbol {
	lower := nameKey(name)
	p, _ := s.names.Get(lower)
	ids := flatten(p)
	out := make([]types.Symbol, 0, len(ids))
	for _, id := range ids {
		if sym, ok := s.Symbol(id); ok && sym.Name == name {
			out = append(out, sym)
		}
	}
	return out
}

// EachName calls fn for every distinct lowercased definition name until fn
// returns false.
func (s *Snapshot) EachName(fn func(lower string, ids []types.SymbolID) bool) {
	itr := s.names.Iterator()
	for !itr.Done() {
		name, p, _ := itr.Next()
		if !fn(name, flatten(p)) {
			return
		}
	}
}

// Counts reports the totals carried by the snapshot.
func (s *Snapshot) Counts() (files, symbols, refs, failed int, bytes int64) {
	return s.fileCount, s.symbolCount, s.refCount, s.failedCount, s.totalBytes
}
