// Package graph holds the cross-file symbol graph. Every change publishes a
// new immutable Snapshot through a compare-and-swap on an atomic pointer, so
// readers never take a lock and never observe a half-applied file.
package graph

import (
	stderrors "errors"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/standardbeagle/symvead/internal/debug"
	symerrors "github.com/standardbeagle/symvead/internal/errors"
	"github.com/standardbeagle/symvead/internal/types"
)

// lruTrackerSize bounds the access-order tracker. It only records paths, so a
// generous bound costs little.
const lruTrackerSize = 1 << 22

// FileUpdate carries one successful extraction of one file version.
type FileUpdate struct {
	Path        string
	Version     uint64
	Language    string
	ContentHash uint64
	Symbols     []types.Symbol
	References  []types.Reference
}

// Stats summarises the current snapshot.
type Stats struct {
	Files          int    `json:"files"`
	Symbols        int    `json:"symbols"`
	References     int    `json:"references"`
	FailedFiles    int    `json:"failed_files"`
	Generation     uint64 `json:"generation"`
	EstimatedBytes int64  `json:"estimated_bytes"`
	MemoryCap      int64  `json:"memory_cap"`
	Evictions      uint64 `json:"evictions"`
}

// Graph owns the published snapshot. All methods are safe for concurrent use.
type Graph struct {
	current atomic.Pointer[Snapshot]

	memCap    int64
	access    *lru.Cache[string, struct{}]
	evictMu   sync.Mutex
	evictions atomic.Uint64
}

// New creates an empty graph. memCapBytes <= 0 disables eviction.
func New(memCapBytes int64) *Graph {
	access, err := lru.New[string, struct{}](lruTrackerSize)
	if err != nil {
		// only fails for a non-positive size
		panic(err)
	}
	g := &Graph{memCap: memCapBytes, access: access}
	g.current.Store(emptySnapshot())
	return g
}

// CurrentSnapshot returns the latest published snapshot. It never blocks.
func (g *Graph) CurrentSnapshot() *Snapshot {
	return g.current.Load()
}

// ApplyFileUpdate replaces everything known about path with the given
// symbols and references.
func (g *Graph) ApplyFileUpdate(path string, version uint64, symbols []types.Symbol, refs []types.Reference) (*Snapshot, error) {
	return g.Apply(FileUpdate{Path: path, Version: version, Symbols: symbols, References: refs})
}

// Apply publishes u atomically. It fails with a StaleVersionError, leaving
// the graph untouched, unless u.Version is greater than every version seen
// for the path so far.
func (g *Graph) Apply(u FileUpdate) (*Snapshot, error) {
	fd := prepare(u)
	for {
		base := g.current.Load()
		if latest := base.LatestVersion(u.Path); u.Version <= latest {
			return nil, symerrors.NewStaleVersionError(u.Path, u.Version, latest)
		}
		next := base.replace(u.Path, u.Version, fd, true)
		if g.current.CompareAndSwap(base, next) {
			g.access.Add(u.Path, struct{}{})
			debug.LogGraph("applied %s v%d: %d symbols, %d refs (generation %d)",
				u.Path, u.Version, len(fd.symbols), len(fd.refs), next.Generation)
			g.enforceCap()
			return next, nil
		}
	}
}

// MarkExtractionFailed records that version of path could not be extracted.
// The last good symbols stay visible and are flagged stale.
func (g *Graph) MarkExtractionFailed(path string, version uint64, cause error) (*Snapshot, error) {
	msg := "extraction failed"
	if cause != nil {
		msg = cause.Error()
	}
	var lang string
	var extErr *symerrors.ExtractionError
	if stderrors.As(cause, &extErr) {
		lang = extErr.Language
	}

	for {
		base := g.current.Load()
		if latest := base.LatestVersion(path); version <= latest {
			return nil, symerrors.NewStaleVersionError(path, version, latest)
		}

		var fd *fileData
		if old := base.fileByPath(path); old != nil {
			cp := *old
			fd = &cp
		} else {
			fd = &fileData{
				entry: types.FileEntry{Path: path, Key: types.NewFileKey(path), Language: lang, IndexedAt: time.Now()},
				byID:  map[types.SymbolID]int{},
			}
		}
		fd.entry.ExtractionFailed = true
		fd.entry.FailureMessage = msg
		fd.entry.FailedVersion = version

		next := base.replace(path, version, fd, false)
		if g.current.CompareAndSwap(base, next) {
			debug.LogGraph("marked %s v%d failed: %s", path, version, msg)
			return next, nil
		}
	}
}

// RemoveFile drops path from subsequent snapshots. The version is kept as a
// tombstone so older in-flight results are still rejected.
func (g *Graph) RemoveFile(path string, version uint64) (*Snapshot, error) {
	for {
		base := g.current.Load()
		if latest := base.LatestVersion(path); version <= latest {
			return nil, symerrors.NewStaleVersionError(path, version, latest)
		}
		next := base.replace(path, version, nil, true)
		if g.current.CompareAndSwap(base, next) {
			g.access.Remove(path)
			debug.LogGraph("removed %s at v%d (generation %d)", path, version, next.Generation)
			return next, nil
		}
	}
}

// Touch marks path as recently used so eviction prefers other files.
func (g *Graph) Touch(path string) {
	g.access.Get(path)
}

// enforceCap evicts least recently used files until the estimated footprint
// fits the memory cap. The most recently used file is never evicted.
func (g *Graph) enforceCap() {
	if g.memCap <= 0 || g.current.Load().totalBytes <= g.memCap {
		return
	}
	g.evictMu.Lock()
	defer g.evictMu.Unlock()

	for g.current.Load().totalBytes > g.memCap && g.access.Len() > 1 {
		path, _, ok := g.access.RemoveOldest()
		if !ok {
			return
		}
		if g.evict(path) {
			g.evictions.Add(1)
		}
	}
}

func (g *Graph) evict(path string) bool {
	for {
		base := g.current.Load()
		if base.fileByPath(path) == nil {
			return false
		}
		next := base.replace(path, base.LatestVersion(path), nil, true)
		if g.current.CompareAndSwap(base, next) {
			debug.LogGraph("evicted %s (estimated bytes now %d, cap %d)", path, next.totalBytes, g.memCap)
			return true
		}
	}
}

// Stats reports counts for the current snapshot.
func (g *Graph) Stats() Stats {
	s := g.current.Load()
	files, symbols, refs, failed, bytes := s.Counts()
	return Stats{
		Files:          files,
		Symbols:        symbols,
		References:     refs,
		FailedFiles:    failed,
		Generation:     s.Generation,
		EstimatedBytes: bytes,
		MemoryCap:      g.memCap,
		Evictions:      g.evictions.Load(),
	}
}

// prepare normalises an update into the immutable per-file form: ids are
// recomputed from identity, duplicates dropped, symbols ordered by span.
func prepare(u FileUpdate) *fileData {
	key := types.NewFileKey(u.Path)
	syms := make([]types.Symbol, 0, len(u.Symbols))
	seen := make(map[types.SymbolID]struct{}, len(u.Symbols))
	for _, s := range u.Symbols {
		s.Path = u.Path
		s.FileVersion = u.Version
		if s.Language == "" {
			s.Language = u.Language
		}
		if s.QualifiedName == "" {
			s.QualifiedName = s.Name
		}
		s.ID = types.NewSymbolID(u.Path, s.QualifiedName, s.Kind, s.Span)
		if _, dup := seen[s.ID]; dup {
			continue
		}
		seen[s.ID] = struct{}{}
		syms = append(syms, s)
	}
	sort.SliceStable(syms, func(i, j int) bool {
		a, b := syms[i].Span, syms[j].Span
		if a.Start != b.Start {
			return a.Start.Less(b.Start)
		}
		return a.Width() > b.Width()
	})

	byID := make(map[types.SymbolID]int, len(syms))
	ids := make([]types.SymbolID, len(syms))
	bytes := int64(256 + 2*len(u.Path))
	for i := range syms {
		byID[syms[i].ID] = i
		ids[i] = syms[i].ID
		bytes += symbolBytes(&syms[i])
	}

	refs := make([]types.Reference, len(u.References))
	refIDs := make([]types.ReferenceID, len(u.References))
	for i, r := range u.References {
		r.ID = types.NewReferenceID(u.Path, i)
		r.Path = u.Path
		r.FileVersion = u.Version
		refs[i] = r
		refIDs[i] = r.ID
		bytes += referenceBytes(&refs[i])
	}

	return &fileData{
		entry: types.FileEntry{
			Path:           u.Path,
			Key:            key,
			Language:       u.Language,
			Version:        u.Version,
			ContentHash:    u.ContentHash,
			IndexedAt:      time.Now(),
			SymbolIDs:      ids,
			ReferenceIDs:   refIDs,
			EstimatedBytes: bytes,
		},
		symbols: syms,
		byID:    byID,
		refs:    refs,
	}
}

func symbolBytes(s *types.Symbol) int64 {
	// struct, id, two index slots, plus the strings it retains
	return int64(240 + len(s.ID) + len(s.Name) + len(s.QualifiedName) + len(s.Container) + len(s.Signature))
}

func referenceBytes(r *types.Reference) int64 {
	return int64(160 + len(r.ID) + len(r.Target.Name) + len(r.Target.Qualifier) + len(r.Container))
}
