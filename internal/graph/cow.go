package graph

import (
	"time"

	"github.com/benbjohnson/immutable"

	"github.com/standardbeagle/symvead/internal/types"
)

// replace returns a copy of s in which path's data is fd (nil removes it)
// and path's recorded version is version. The cost is proportional to the
// names of the old and new data, not to the size of the graph.
// When reindex is false the name indexes are left alone, which is only valid
// when fd carries exactly the symbols and references of the old data.
func (s *Snapshot) replace(path string, version uint64, fd *fileData, reindex bool) *Snapshot {
	key := types.NewFileKey(path)
	next := *s
	next.Generation = s.Generation + 1
	next.CreatedAt = time.Now()

	old, _ := s.files.Get(key)
	next.versions = s.versions.Set(path, version)
	if fd == nil {
		next.files = s.files.Delete(key)
	} else {
		next.files = s.files.Set(key, fd)
	}

	if old != nil {
		next.fileCount--
		next.symbolCount -= len(old.symbols)
		next.refCount -= len(old.refs)
		next.totalBytes -= old.entry.EstimatedBytes
		if old.entry.ExtractionFailed {
			next.failedCount--
		}
	}
	if fd != nil {
		next.fileCount++
		next.symbolCount += len(fd.symbols)
		next.refCount += len(fd.refs)
		next.totalBytes += fd.entry.EstimatedBytes
		if fd.entry.ExtractionFailed {
			next.failedCount++
		}
	}

	if reindex {
		next.names = reindexNames(s.names, key, symbolsByName(old), symbolsByName(fd))
		next.refs = reindexNames(s.refs, key, refsByName(old), refsByName(fd))
	}
	return &next
}

// reindexNames moves one file's postings in a name index. Names the file no
// longer carries lose its entry; every name it carries now gets its new id
// list. Other files' postings are never read or copied.
func reindexNames[T any](
	index *immutable.Map[string, *immutable.Map[types.FileKey, []T]],
	key types.FileKey,
	before, after map[string][]T,
) *immutable.Map[string, *immutable.Map[types.FileKey, []T]] {
	for lower := range before {
		if _, kept := after[lower]; kept {
			continue
		}
		p, ok := index.Get(lower)
		if !ok {
			continue
		}
		if p = p.Delete(key); p.Len() == 0 {
			index = index.Delete(lower)
		} else {
			index = index.Set(lower, p)
		}
	}
	for lower, ids := range after {
		p, ok := index.Get(lower)
		if !ok {
			p = immutable.NewMap[types.FileKey, []T](keyHasher[types.FileKey]{})
		}
		index = index.Set(lower, p.Set(key, ids))
	}
	return index
}

func symbolsByName(fd *fileData) map[string][]types.SymbolID {
	if fd == nil {
		return nil
	}
	out := make(map[string][]types.SymbolID)
	for i := range fd.symbols {
		lower := nameKey(fd.symbols[i].Name)
		out[lower] = append(out[lower], fd.symbols[i].ID)
	}
	return out
}

func refsByName(fd *fileData) map[string][]types.ReferenceID {
	if fd == nil {
		return nil
	}
	out := make(map[string][]types.ReferenceID)
	for i := range fd.refs {
		lower := nameKey(fd.refs[i].Target.Name)
		out[lower] = append(out[lower], fd.refs[i].ID)
	}
	return out
}
