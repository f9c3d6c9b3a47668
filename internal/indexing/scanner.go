package indexing

import (
	"context"
	"fmt"
	"io/fs"
	"log"
	"os"
	"path/filepath"
	"runtime"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/standardbeagle/symvead/internal/debug"
	symerrors "github.com/standardbeagle/symvead/internal/errors"
)

// ScanResult summarises one workspace walk.
type ScanResult struct {
	Files    int           `json:"files"`
	Queued   int           `json:"queued"`
	Removed  int           `json:"removed"`
	Duration time.Duration `json:"duration"`
}

// IndexWorkspace walks the project root, submits every matching file and
// waits for the resulting extractions. Files present in the graph but gone
// from disk are removed. Per-file read errors are collected, not fatal.
func (ix *Indexer) IndexWorkspace(ctx context.Context) (ScanResult, error) {
	start := time.Now()
	root := ix.cfg.Project.Root
	ix.scanning.Store(true)
	defer ix.scanning.Store(false)

	paths, err := ix.collect(ctx, root)
	if err != nil {
		return ScanResult{}, err
	}
	debug.LogIndexing("scan of %s found %d candidate files", root, len(paths))

	workers := ix.cfg.Performance.ScanWorkers
	if workers <= 0 {
		workers = runtime.NumCPU()
	}
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(workers)

	var mu sync.Mutex
	var readErrs []error
	queued := 0
	for _, p := range paths {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			_, ok, err := ix.IndexFile(p)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				readErrs = append(readErrs, err)
			} else if ok {
				queued++
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return ScanResult{}, err
	}

	seen := make(map[string]struct{}, len(paths))
	for _, p := range paths {
		seen[ix.normalize(p)] = struct{}{}
	}
	removed := 0
	for _, entry := range ix.graph.CurrentSnapshot().Files() {
		if _, ok := seen[entry.Path]; ok {
			continue
		}
		if _, inRoot := ix.filter.rel(entry.Path); !inRoot {
			continue
		}
		if _, err := os.Stat(entry.Path); os.IsNotExist(err) {
			ix.OnFileDeleted(entry.Path)
			removed++
		}
	}

	ix.Wait()
	ix.ready.Store(true)

	res := ScanResult{Files: len(paths), Queued: queued, Removed: removed, Duration: time.Since(start)}
	log.Printf("Indexed %s: %d files, %d queued, %d removed in %v", root, res.Files, res.Queued, res.Removed, res.Duration)
	return res, symerrors.NewMultiError(readErrs).ErrOrNil()
}

// collect lists the files under root accepted by the filter.
func (ix *Indexer) collect(ctx context.Context, root string) ([]string, error) {
	info, err := os.Stat(root)
	if err != nil {
		return nil, fmt.Errorf("workspace root %s: %w", root, err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("workspace root %s is not a directory", root)
	}

	var paths []string
	visited := make(map[string]bool)
	var walk func(dir string) error
	walk = func(dir string) error {
		if real, err := filepath.EvalSymlinks(dir); err == nil {
			if visited[real] {
				return nil
			}
			visited[real] = true
		}
		return filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
			if err != nil {
				debug.LogIndexing("walk error at %s: %v", path, err)
				return nil
			}
			if err := ctx.Err(); err != nil {
				return err
			}
			if d.IsDir() {
				if path != dir && ix.filter.SkipDir(path) {
					return filepath.SkipDir
				}
				return nil
			}
			if d.Type()&fs.ModeSymlink != 0 {
				target, err := os.Stat(path)
				if err != nil {
					return nil
				}
				if target.IsDir() {
					if ix.cfg.Index.FollowSymlinks && !ix.filter.SkipDir(path) {
						// the trailing separator makes WalkDir resolve the link
						return walk(path + string(filepath.Separator))
					}
					return nil
				}
			}
			if ix.filter.Match(path) {
				paths = append(paths, path)
			}
			return nil
		})
	}
	if err := walk(filepath.Clean(root)); err != nil {
		return nil, err
	}
	return paths, nil
}
