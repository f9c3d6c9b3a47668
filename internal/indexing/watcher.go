package indexing

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/standardbeagle/symvead/internal/config"
	"github.com/standardbeagle/symvead/internal/debug"
)

// changeSink receives debounced file events.
type changeSink interface {
	IndexFile(path string) (uint64, bool, error)
	OnFileDeleted(path string)
}

// FileEventType is the kind of the latest event seen for a path.
type FileEventType int

const (
	FileEventWrite FileEventType = iota
	FileEventRemove
)

// FileWatcher feeds file system changes under the project root to the
// indexer. Bursts of events for one path collapse into the latest one.
type FileWatcher struct {
	watcher   *fsnotify.Watcher
	filter    *PathFilter
	sink      changeSink
	debouncer *eventDebouncer
	cancel    context.CancelFunc
	wg        sync.WaitGroup
	stopOnce  sync.Once

	statsMu         sync.RWMutex
	eventsProcessed int64
	errorCount      int64
	lastEventTime   time.Time
	active          bool
}

// WatchStats contains statistics about file watching.
type WatchStats struct {
	EventsProcessed int64     `json:"events_processed"`
	ErrorCount      int64     `json:"error_count"`
	LastEventTime   time.Time `json:"last_event_time"`
	IsActive        bool      `json:"is_active"`
}

// NewFileWatcher creates a watcher delivering to sink.
func NewFileWatcher(cfg *config.Config, filter *PathFilter, sink changeSink) (*FileWatcher, error) {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	fw := &FileWatcher{watcher: w, filter: filter, sink: sink}
	fw.debouncer = newEventDebouncer(time.Duration(cfg.Index.WatchDebounceMs)*time.Millisecond, fw.deliver)
	return fw, nil
}

// Start adds watches for every non-excluded directory under root and begins
// processing events until ctx is done or Stop is called.
func (fw *FileWatcher) Start(ctx context.Context, root string) error {
	debug.LogIndexing("Starting file watcher for directory: %s", root)
	if err := fw.addWatches(root, false); err != nil {
		return fmt.Errorf("failed to add watches starting from %s: %w", root, err)
	}

	ctx, fw.cancel = context.WithCancel(ctx)
	fw.setActive(true)
	fw.wg.Add(1)
	go fw.processEvents(ctx)
	return nil
}

// Stop closes the watcher and waits for its goroutine. Pending debounced
// events are dropped.
func (fw *FileWatcher) Stop() error {
	var err error
	fw.stopOnce.Do(func() {
		if fw.cancel != nil {
			fw.cancel()
		}
		err = fw.watcher.Close()
		fw.wg.Wait()
		fw.debouncer.stop()
		fw.setActive(false)
		log.Printf("File watcher stopped")
	})
	return err
}

// addWatches watches root and its non-excluded subdirectories. With seed set,
// files already present are queued too; a directory created while the
// watcher runs may be populated before its watch exists.
func (fw *FileWatcher) addWatches(root string, seed bool) error {
	visited := make(map[string]bool)
	return filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if !d.IsDir() {
			if seed && fw.filter.Match(path) {
				fw.debouncer.add(path, FileEventWrite)
			}
			return nil
		}
		real, err := filepath.EvalSymlinks(path)
		if err != nil || visited[real] {
			return filepath.SkipDir
		}
		visited[real] = true
		if path != root && fw.filter.SkipDir(path) {
			return filepath.SkipDir
		}
		if err := fw.watcher.Add(path); err != nil {
			log.Printf("Warning: failed to add watch for %s: %v", path, err)
		}
		return nil
	})
}

func (fw *FileWatcher) processEvents(ctx context.Context) {
	defer fw.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-fw.watcher.Events:
			if !ok {
				return
			}
			fw.handleEvent(event)
		case err, ok := <-fw.watcher.Errors:
			if !ok {
				return
			}
			fw.incrementStats(0, 1)
			log.Printf("File watcher error: %v", err)
		}
	}
}

func (fw *FileWatcher) handleEvent(event fsnotify.Event) {
	path := event.Name
	debug.LogIndexing("FileWatcher: received event %v for path %s", event.Op, path)

	info, err := os.Stat(path)
	if err != nil {
		// removed, or renamed away
		if event.Op&(fsnotify.Remove|fsnotify.Rename) != 0 && fw.filter.Match(path) {
			fw.debouncer.add(path, FileEventRemove)
		}
		return
	}

	if info.IsDir() {
		if event.Op&fsnotify.Create != 0 && !fw.filter.SkipDir(path) {
			if err := fw.addWatches(path, true); err != nil {
				log.Printf("Warning: failed to add watch for new directory %s: %v", path, err)
			}
		}
		return
	}

	if event.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Rename) == 0 {
		return
	}
	if fw.filter.TooLarge(info.Size()) {
		debug.LogIndexing("FileWatcher: skipping oversized file %s (%d bytes)", path, info.Size())
		return
	}
	if !fw.filter.Match(path) {
		return
	}
	fw.debouncer.add(path, FileEventWrite)
}

func (fw *FileWatcher) deliver(events map[string]FileEventType) {
	log.Printf("Processing %d debounced file events", len(events))
	for path, kind := range events {
		switch kind {
		case FileEventRemove:
			fw.sink.OnFileDeleted(path)
			fw.incrementStats(1, 0)
		case FileEventWrite:
			if _, _, err := fw.sink.IndexFile(path); err != nil {
				if errors.Is(err, fs.ErrNotExist) {
					fw.sink.OnFileDeleted(path)
				} else {
					log.Printf("Failed to index %s: %v", path, err)
					fw.incrementStats(0, 1)
					continue
				}
			}
			fw.incrementStats(1, 0)
		}
	}
}

func (fw *FileWatcher) setActive(active bool) {
	fw.statsMu.Lock()
	fw.active = active
	fw.statsMu.Unlock()
}

func (fw *FileWatcher) incrementStats(events, errs int64) {
	fw.statsMu.Lock()
	defer fw.statsMu.Unlock()
	fw.eventsProcessed += events
	fw.errorCount += errs
	fw.lastEventTime = time.Now()
}

// Stats returns current watch statistics.
func (fw *FileWatcher) Stats() WatchStats {
	fw.statsMu.RLock()
	defer fw.statsMu.RUnlock()
	return WatchStats{
		EventsProcessed: fw.eventsProcessed,
		ErrorCount:      fw.errorCount,
		LastEventTime:   fw.lastEventTime,
		IsActive:        fw.active,
	}
}

// eventDebouncer keeps the latest event per path and flushes them together
// once no new event has arrived for the debounce interval.
type eventDebouncer struct {
	mu       sync.Mutex
	events   map[string]FileEventType
	debounce time.Duration
	timer    *time.Timer
	stopped  bool
	flushWG  sync.WaitGroup
	deliver  func(map[string]FileEventType)
}

func newEventDebouncer(debounce time.Duration, deliver func(map[string]FileEventType)) *eventDebouncer {
	return &eventDebouncer{
		events:   make(map[string]FileEventType),
		debounce: debounce,
		deliver:  deliver,
	}
}

func (d *eventDebouncer) add(path string, kind FileEventType) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.stopped {
		return
	}
	d.events[path] = kind
	if d.timer != nil && d.timer.Stop() {
		d.flushWG.Done()
	}
	d.flushWG.Add(1)
	d.timer = time.AfterFunc(d.debounce, func() {
		defer d.flushWG.Done()
		d.flush()
	})
}

func (d *eventDebouncer) flush() {
	d.mu.Lock()
	if d.stopped || len(d.events) == 0 {
		d.mu.Unlock()
		return
	}
	events := d.events
	d.events = make(map[string]FileEventType)
	d.mu.Unlock()
	d.deliver(events)
}

// stop drops pending events and waits for a flush already in progress.
func (d *eventDebouncer) stop() {
	d.mu.Lock()
	d.stopped = true
	if d.timer != nil && d.timer.Stop() {
		// the timer func will never run
		d.flushWG.Done()
	}
	d.events = make(map[string]FileEventType)
	d.mu.Unlock()
	d.flushWG.Wait()
}
