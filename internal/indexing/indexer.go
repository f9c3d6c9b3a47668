// Package indexing keeps the symbol graph in step with the workspace. Each
// file change gets the next version for its path, is extracted on a bounded
// worker pool and applied to the graph; results that lose the race to a newer
// version are discarded by the graph's stale-version check.
package indexing

import (
	"context"
	stderrors "errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"runtime"
	"sync"
	"sync/atomic"

	"github.com/cespare/xxhash/v2"
	"golang.org/x/sync/semaphore"

	"github.com/standardbeagle/symvead/internal/config"
	"github.com/standardbeagle/symvead/internal/debug"
	symerrors "github.com/standardbeagle/symvead/internal/errors"
	"github.com/standardbeagle/symvead/internal/extract"
	"github.com/standardbeagle/symvead/internal/graph"
)

// Change is one new version of one file's content.
type Change struct {
	Path string
	// Language overrides extension-based extractor selection when set.
	Language string
	Content  []byte
}

// Progress is a point-in-time view of indexing activity.
type Progress struct {
	Submitted  int64 `json:"submitted"`
	Applied    int64 `json:"applied"`
	Failed     int64 `json:"failed"`
	Unchanged  int64 `json:"unchanged"`
	Superseded int64 `json:"superseded"`
	Removed    int64 `json:"removed"`
	InFlight   int64 `json:"in_flight"`
	Scanning   bool  `json:"scanning"`
	Ready      bool  `json:"ready"`
}

// pendingChange is the newest queued content for one path. A later change
// to the same path overwrites it in place.
type pendingChange struct {
	ext     extract.Extractor
	version uint64
	hash    uint64
	content []byte
}

// Indexer turns file changes into graph updates.
type Indexer struct {
	cfg      *config.Config
	graph    *graph.Graph
	registry *extract.Registry
	filter   *PathFilter
	// sem bounds running workers, slots bounds paths waiting for one.
	sem   *semaphore.Weighted
	slots *semaphore.Weighted

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu       sync.Mutex
	versions map[string]uint64 // last version handed out per path
	queue    map[string]*pendingChange
	order    []string // FIFO of queued paths; entries missing from queue are skipped

	watcherMu sync.Mutex
	watcher   *FileWatcher

	submitted  atomic.Int64
	applied    atomic.Int64
	failed     atomic.Int64
	unchanged  atomic.Int64
	superseded atomic.Int64
	removed    atomic.Int64
	inFlight   atomic.Int64
	scanning   atomic.Bool
	ready      atomic.Bool
}

// NewIndexer wires an indexer to g. The registry is owned by the caller.
func NewIndexer(cfg *config.Config, g *graph.Graph, registry *extract.Registry) *Indexer {
	workers := cfg.Performance.ExtractWorkers
	if workers <= 0 {
		workers = max(1, runtime.NumCPU()-1)
	}
	depth := cfg.Performance.ExtractQueue
	if depth <= 0 {
		depth = 4 * workers
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Indexer{
		cfg:      cfg,
		graph:    g,
		registry: registry,
		filter:   NewPathFilter(cfg, registry),
		sem:      semaphore.NewWeighted(int64(workers)),
		slots:    semaphore.NewWeighted(int64(depth)),
		ctx:      ctx,
		cancel:   cancel,
		versions: make(map[string]uint64),
		queue:    make(map[string]*pendingChange),
	}
}

// Graph returns the graph this indexer feeds.
func (ix *Indexer) Graph() *graph.Graph {
	return ix.graph
}

// Filter returns the path filter shared by the scanner and the watcher.
func (ix *Indexer) Filter() *PathFilter {
	return ix.filter
}

func (ix *Indexer) normalize(path string) string {
	if !filepath.IsAbs(path) && ix.cfg.Project.Root != "" {
		path = filepath.Join(ix.cfg.Project.Root, path)
	}
	return filepath.Clean(path)
}

// OnFileChanged schedules re-extraction of path with newContent.
func (ix *Indexer) OnFileChanged(path string, newContent []byte) {
	ix.Submit(Change{Path: path, Content: newContent})
}

// Submit is SubmitContext bounded only by the indexer's lifetime.
func (ix *Indexer) Submit(c Change) (uint64, bool) {
	v, queued, _ := ix.SubmitContext(ix.ctx, c)
	return v, queued
}

// SubmitContext allocates the next version for the change's path and queues
// its extraction. It returns the version and whether work was queued;
// unchanged content, unsupported files and paths the filter rejects queue
// nothing. A change to a path that is already queued replaces the queued
// content. Otherwise it waits for a free queue slot until ctx ends.
func (ix *Indexer) SubmitContext(ctx context.Context, c Change) (uint64, bool, error) {
	if ix.ctx.Err() != nil {
		return 0, false, nil
	}
	path := ix.normalize(c.Path)
	if !ix.filter.Admits(path, c.Language) {
		debug.LogIndexing("%s is outside the root or excluded, ignoring", path)
		return 0, false, nil
	}
	ext, ok := ix.registry.Resolve(path, c.Language)
	if !ok {
		debug.LogIndexing("no extractor for %s, ignoring", path)
		return 0, false, nil
	}
	hash := xxhash.Sum64(c.Content)

	reserved := false
	for {
		ix.mu.Lock()
		snap := ix.graph.CurrentSnapshot()
		last := max(ix.versions[path], snap.LatestVersion(path))
		_, queued := ix.queue[path]
		if entry, ok := snap.File(path); ok && !queued && !entry.ExtractionFailed &&
			entry.ContentHash == hash && entry.Version == last {
			ix.mu.Unlock()
			if reserved {
				ix.slots.Release(1)
			}
			ix.unchanged.Add(1)
			debug.LogIndexing("%s unchanged at v%d, skipping", path, last)
			return last, false, nil
		}
		if queued || reserved {
			break
		}
		ix.mu.Unlock()
		if err := ix.acquireSlot(ctx); err != nil {
			return 0, false, err
		}
		reserved = true
	}
	defer ix.mu.Unlock()

	version := max(ix.versions[path], ix.graph.CurrentSnapshot().LatestVersion(path)) + 1
	ix.versions[path] = version
	ix.submitted.Add(1)

	if p, ok := ix.queue[path]; ok {
		if reserved {
			ix.slots.Release(1)
		}
		ix.superseded.Add(1)
		debug.LogIndexing("%s v%d replaces queued v%d", path, version, p.version)
		*p = pendingChange{ext: ext, version: version, hash: hash, content: c.Content}
		return version, true, nil
	}
	ix.queue[path] = &pendingChange{ext: ext, version: version, hash: hash, content: c.Content}
	ix.order = append(ix.order, path)
	ix.inFlight.Add(1)
	ix.startWorkerLocked()
	return version, true, nil
}

// acquireSlot waits for queue space until ctx ends or the indexer closes.
func (ix *Indexer) acquireSlot(ctx context.Context) error {
	if ix.slots.TryAcquire(1) {
		return nil
	}
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	stop := context.AfterFunc(ix.ctx, cancel)
	defer stop()
	return ix.slots.Acquire(ctx, 1)
}

// startWorkerLocked starts a worker when work is queued and a worker slot is
// free. Callers hold ix.mu; workers only exit under it too, so queued work is
// never left without a worker.
func (ix *Indexer) startWorkerLocked() {
	if len(ix.queue) == 0 || !ix.sem.TryAcquire(1) {
		return
	}
	ix.wg.Add(1)
	go ix.work()
}

// next pops the oldest queued change, or releases the worker slot and
// reports false when the queue is drained or the indexer is closing.
func (ix *Indexer) next() (string, *pendingChange, bool) {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	for len(ix.order) > 0 && ix.ctx.Err() == nil {
		path := ix.order[0]
		ix.order = ix.order[1:]
		if p, ok := ix.queue[path]; ok {
			delete(ix.queue, path)
			ix.slots.Release(1)
			return path, p, true
		}
	}
	ix.order = nil
	ix.sem.Release(1)
	return "", nil, false
}

func (ix *Indexer) work() {
	defer ix.wg.Done()
	for {
		path, p, ok := ix.next()
		if !ok {
			return
		}
		ix.run(p.ext, path, p.version, p.hash, p.content)
		ix.inFlight.Add(-1)
	}
}

func (ix *Indexer) latestSubmitted(path string) uint64 {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	return ix.versions[path]
}

func (ix *Indexer) run(ext extract.Extractor, path string, version, hash uint64, content []byte) {
	if ix.latestSubmitted(path) > version {
		ix.superseded.Add(1)
		debug.LogIndexing("%s v%d superseded before extraction", path, version)
		return
	}

	res, err := ext.Extract(ix.ctx, path, content)
	if err != nil {
		if ix.ctx.Err() != nil {
			return
		}
		var extErr *symerrors.ExtractionError
		if stderrors.As(err, &extErr) {
			extErr.Version = version
		} else {
			err = symerrors.NewExtractionError(path, ext.Language(), version, err)
		}
		ix.failed.Add(1)
		log.Printf("Extraction failed: %v", err)
		if _, markErr := ix.graph.MarkExtractionFailed(path, version, err); markErr != nil {
			ix.discard(path, version, markErr)
		}
		return
	}

	_, err = ix.graph.Apply(graph.FileUpdate{
		Path:        path,
		Version:     version,
		Language:    res.Language,
		ContentHash: hash,
		Symbols:     res.Symbols,
		References:  res.References,
	})
	if err != nil {
		ix.discard(path, version, err)
		return
	}
	ix.applied.Add(1)
}

func (ix *Indexer) discard(path string, version uint64, err error) {
	if symerrors.IsStaleVersion(err) {
		ix.superseded.Add(1)
		debug.LogIndexing("discarding %s v%d: %v", path, version, err)
		return
	}
	log.Printf("Failed to publish %s v%d: %v", path, version, err)
}

// OnFileDeleted removes path from subsequent snapshots. Any in-flight
// extraction of an older version is rejected when it completes.
func (ix *Indexer) OnFileDeleted(path string) {
	path = ix.normalize(path)

	ix.mu.Lock()
	snap := ix.graph.CurrentSnapshot()
	if _, ok := snap.File(path); !ok && ix.versions[path] == 0 {
		ix.mu.Unlock()
		return
	}
	version := max(ix.versions[path], snap.LatestVersion(path)) + 1
	// the graph keeps the tombstone; the next change starts from it
	delete(ix.versions, path)
	if _, ok := ix.queue[path]; ok {
		delete(ix.queue, path)
		ix.slots.Release(1)
		ix.inFlight.Add(-1)
		ix.superseded.Add(1)
	}
	_, err := ix.graph.RemoveFile(path, version)
	ix.mu.Unlock()

	if err != nil {
		ix.discard(path, version, err)
		return
	}
	ix.removed.Add(1)
}

// IndexFile reads path from disk and submits it if the filter accepts it.
func (ix *Indexer) IndexFile(path string) (uint64, bool, error) {
	path = ix.normalize(path)
	if !ix.filter.Match(path) {
		return 0, false, nil
	}
	info, err := os.Stat(path)
	if err != nil {
		return 0, false, fmt.Errorf("stat %s: %w", path, err)
	}
	if info.IsDir() || ix.filter.TooLarge(info.Size()) {
		debug.LogIndexing("skipping %s (dir or over size limit)", path)
		return 0, false, nil
	}
	content, err := os.ReadFile(path)
	if err != nil {
		return 0, false, fmt.Errorf("read %s: %w", path, err)
	}
	if looksBinary(content) {
		debug.LogIndexing("skipping binary file %s", path)
		return 0, false, nil
	}
	v, queued := ix.Submit(Change{Path: path, Content: content})
	return v, queued, nil
}

// Wait blocks until every queued extraction has finished. Changes still being
// submitted concurrently may not be covered.
func (ix *Indexer) Wait() {
	ix.wg.Wait()
}

// Ready reports whether the initial workspace scan has completed.
func (ix *Indexer) Ready() bool {
	return ix.ready.Load()
}

// MarkReady flags the index as serving without a scan, used after a restore.
func (ix *Indexer) MarkReady() {
	ix.ready.Store(true)
}

// Progress returns current counters.
func (ix *Indexer) Progress() Progress {
	return Progress{
		Submitted:  ix.submitted.Load(),
		Applied:    ix.applied.Load(),
		Failed:     ix.failed.Load(),
		Unchanged:  ix.unchanged.Load(),
		Superseded: ix.superseded.Load(),
		Removed:    ix.removed.Load(),
		InFlight:   ix.inFlight.Load(),
		Scanning:   ix.scanning.Load(),
		Ready:      ix.ready.Load(),
	}
}

// Start runs the file watcher when watch mode is enabled.
func (ix *Indexer) Start(ctx context.Context) error {
	if !ix.cfg.Index.WatchMode {
		log.Printf("File watching disabled in configuration")
		return nil
	}
	w, err := NewFileWatcher(ix.cfg, ix.filter, ix)
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	if err := w.Start(ctx, ix.cfg.Project.Root); err != nil {
		_ = w.Stop()
		return err
	}
	ix.watcherMu.Lock()
	ix.watcher = w
	ix.watcherMu.Unlock()
	return nil
}

// WatchStats returns watcher statistics, or false when no watcher runs.
func (ix *Indexer) WatchStats() (WatchStats, bool) {
	ix.watcherMu.Lock()
	defer ix.watcherMu.Unlock()
	if ix.watcher == nil {
		return WatchStats{}, false
	}
	return ix.watcher.Stats(), true
}

// Close stops the watcher, abandons queued work and waits for running
// extractions to return.
func (ix *Indexer) Close() error {
	ix.watcherMu.Lock()
	w := ix.watcher
	ix.watcher = nil
	ix.watcherMu.Unlock()

	var err error
	if w != nil {
		err = w.Stop()
	}
	ix.cancel()
	ix.wg.Wait()
	return err
}
