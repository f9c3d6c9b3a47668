package indexing

import (
	"context"
	"fmt"
	"path/filepath"
	"runtime"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/standardbeagle/symvead/internal/config"
	"github.com/standardbeagle/symvead/internal/extract"
	"github.com/standardbeagle/symvead/internal/graph"
)

// gatedExtractor holds every extraction until release is closed.
type gatedExtractor struct {
	release chan struct{}
	running atomic.Int32
	peak    atomic.Int32
}

func (e *gatedExtractor) Language() string     { return "gated" }
func (e *gatedExtractor) Extensions() []string { return []string{".gated"} }
func (e *gatedExtractor) Close()               {}

func (e *gatedExtractor) Extract(ctx context.Context, path string, content []byte) (*extract.Result, error) {
	n := e.running.Add(1)
	defer e.running.Add(-1)
	for {
		p := e.peak.Load()
		if n <= p || e.peak.CompareAndSwap(p, n) {
			break
		}
	}
	select {
	case <-e.release:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	return &extract.Result{Language: "gated"}, nil
}

func createGatedIndexer(t *testing.T, workers, depth int) (*Indexer, *gatedExtractor, string) {
	t.Helper()
	dir := t.TempDir()
	cfg := config.Default(dir)
	cfg.Index.WatchMode = false
	cfg.Include = nil
	cfg.Performance.ExtractWorkers = workers
	cfg.Performance.ExtractQueue = depth

	gate := &gatedExtractor{release: make(chan struct{})}
	ix := NewIndexer(cfg, graph.New(0), extract.NewRegistry(gate))
	t.Cleanup(func() {
		require.NoError(t, ix.Close())
	})
	return ix, gate, dir
}

func TestSubmit_BoundsQueuedContent(t *testing.T) {
	const workers, depth, changes = 2, 8, 200
	ix, gate, dir := createGatedIndexer(t, workers, depth)

	baseline := runtime.NumGoroutine()
	done := make(chan struct{})
	go func() {
		defer close(done)
		content := make([]byte, 64<<10)
		for i := 0; i < changes; i++ {
			ix.Submit(Change{Path: filepath.Join(dir, fmt.Sprintf("f%d.gated", i)), Content: content})
		}
	}()

	require.Eventually(t, func() bool {
		return ix.Progress().InFlight == workers+depth
	}, 5*time.Second, 10*time.Millisecond)

	// the submitter is held back instead of piling up content
	time.Sleep(50 * time.Millisecond)
	p := ix.Progress()
	assert.Equal(t, int64(workers+depth), p.InFlight)
	assert.Equal(t, int64(workers+depth), p.Submitted)
	assert.LessOrEqual(t, runtime.NumGoroutine()-baseline, workers+2, "one goroutine per worker plus the submitter")
	assert.Equal(t, int32(workers), gate.peak.Load())

	close(gate.release)
	<-done
	ix.Wait()

	p = ix.Progress()
	assert.Equal(t, int64(changes), p.Submitted)
	assert.Equal(t, int64(changes), p.Applied)
	assert.Zero(t, p.InFlight)
	assert.Equal(t, changes, ix.Graph().Stats().Files)
}

func TestSubmit_QueuedChangeIsReplaced(t *testing.T) {
	ix, gate, dir := createGatedIndexer(t, 1, 4)
	path := filepath.Join(dir, "a.gated")

	_, queued := ix.Submit(Change{Path: path, Content: []byte("v1")})
	require.True(t, queued)
	require.Eventually(t, func() bool { return gate.running.Load() == 1 }, 5*time.Second, 10*time.Millisecond)

	var last uint64
	for i := 2; i <= 51; i++ {
		last, queued = ix.Submit(Change{Path: path, Content: []byte(fmt.Sprintf("v%d", i))})
		require.True(t, queued)
	}
	p := ix.Progress()
	assert.Equal(t, int64(2), p.InFlight, "one running, one queued")
	assert.Equal(t, int64(49), p.Superseded)

	close(gate.release)
	ix.Wait()

	entry, ok := ix.Graph().CurrentSnapshot().File(path)
	require.True(t, ok)
	assert.Equal(t, uint64(51), last)
	assert.Equal(t, last, entry.Version)
	p = ix.Progress()
	assert.Equal(t, int64(2), p.Applied)
	assert.Equal(t, p.Submitted, p.Applied+p.Superseded)
}

func TestSubmitContext_GivesUpWhenQueueStaysFull(t *testing.T) {
	ix, gate, dir := createGatedIndexer(t, 1, 1)
	defer close(gate.release)

	for i := 0; i < 2; i++ {
		_, queued := ix.Submit(Change{Path: filepath.Join(dir, fmt.Sprintf("f%d.gated", i)), Content: []byte("x")})
		require.True(t, queued)
	}
	require.Eventually(t, func() bool { return gate.running.Load() == 1 }, 5*time.Second, 10*time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	_, queued, err := ix.SubmitContext(ctx, Change{Path: filepath.Join(dir, "late.gated"), Content: []byte("x")})
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.False(t, queued)

	// a change to an already queued path never waits
	_, queued, err = ix.SubmitContext(ctx, Change{Path: filepath.Join(dir, "f1.gated"), Content: []byte("y")})
	require.NoError(t, err)
	assert.True(t, queued)
}

func TestOnFileDeleted_DropsQueuedChange(t *testing.T) {
	ix, gate, dir := createGatedIndexer(t, 1, 4)
	busy := filepath.Join(dir, "busy.gated")
	doomed := filepath.Join(dir, "doomed.gated")

	ix.Submit(Change{Path: busy, Content: []byte("x")})
	require.Eventually(t, func() bool { return gate.running.Load() == 1 }, 5*time.Second, 10*time.Millisecond)
	ix.Submit(Change{Path: doomed, Content: []byte("x")})
	assert.Equal(t, int64(2), ix.Progress().InFlight)

	ix.OnFileDeleted(doomed)
	assert.Equal(t, int64(1), ix.Progress().InFlight)

	close(gate.release)
	ix.Wait()
	_, ok := ix.Graph().CurrentSnapshot().File(doomed)
	assert.False(t, ok)
	assert.Equal(t, int64(1), ix.Progress().Applied)
}

func TestSubmit_RejectsPathsOutsideFilter(t *testing.T) {
	ix, dir := createTestIndexer(t)

	tests := []struct {
		name     string
		path     string
		language string
	}{
		{"outside root", filepath.Join("..", "other", "x.go"), ""},
		{"outside root with language", filepath.Join(filepath.Dir(dir), "elsewhere", "y"), "go"},
		{"excluded directory", filepath.Join("node_modules", "pkg", "index.go"), ""},
		{"excluded with language", filepath.Join(dir, "node_modules", "pkg", "tool"), "python"},
		{"root itself", dir, "go"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, queued := ix.Submit(Change{Path: tt.path, Language: tt.language, Content: []byte(serverV1)})
			assert.False(t, queued)
		})
	}
	ix.Wait()
	assert.Zero(t, ix.Graph().Stats().Files)
	assert.Zero(t, ix.Progress().Submitted)
}
