package server

import (
	"bytes"
	"context"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"io"
	"io/fs"
	"net"
	"net/http"
	"path/filepath"
	"runtime"
	rtdebug "runtime/debug"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"

	"github.com/standardbeagle/symvead/internal/config"
	"github.com/standardbeagle/symvead/internal/debug"
	symerrors "github.com/standardbeagle/symvead/internal/errors"
	"github.com/standardbeagle/symvead/internal/graph"
	"github.com/standardbeagle/symvead/internal/indexing"
	"github.com/standardbeagle/symvead/internal/persist"
	"github.com/standardbeagle/symvead/internal/query"
	"github.com/standardbeagle/symvead/internal/types"
	"github.com/standardbeagle/symvead/internal/version"
)

// maxBodyBytes bounds a request body; fileChanged may carry a whole file.
const maxBodyBytes = 32 << 20

type handlerFunc func(ctx context.Context, params json.RawMessage) (any, error)

type operation struct {
	handle handlerFunc
	// needsIndex operations answer not_ready until the initial scan is done.
	needsIndex bool
	// unlimited operations bypass the in-flight limit.
	unlimited bool
}

// IndexServer dispatches client operations to the query engine and indexer.
type IndexServer struct {
	cfg     *config.Config
	indexer *indexing.Indexer
	engine  *query.Engine
	store   *persist.Store
	ops     map[string]operation

	listener  net.Listener
	server    *http.Server
	startTime time.Time
	timeout   time.Duration

	inflight    *semaphore.Weighted
	maxInFlight int64
	active      atomic.Int64
	requests    atomic.Int64
	reindexing  atomic.Bool

	baseCtx      context.Context
	cancel       context.CancelFunc
	shutdownChan chan struct{}
	shutdownOnce sync.Once
	wg           sync.WaitGroup
	mu           sync.Mutex
	running      bool
}

// NewIndexServer creates a dispatcher over an indexer and its query engine.
func NewIndexServer(cfg *config.Config, ix *indexing.Indexer, engine *query.Engine) *IndexServer {
	maxInFlight := int64(cfg.Server.MaxInFlight)
	if maxInFlight <= 0 {
		maxInFlight = 64
	}
	timeout := time.Duration(cfg.Server.RequestTimeoutMs) * time.Millisecond
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	ctx, cancel := context.WithCancel(context.Background())

	s := &IndexServer{
		cfg:          cfg,
		indexer:      ix,
		engine:       engine,
		startTime:    time.Now(),
		timeout:      timeout,
		inflight:     semaphore.NewWeighted(maxInFlight),
		maxInFlight:  maxInFlight,
		baseCtx:      ctx,
		cancel:       cancel,
		shutdownChan: make(chan struct{}),
	}
	s.ops = map[string]operation{
		OpGetDefinition:   {s.handleDefinition, true, false},
		OpGetReferences:   {s.handleReferences, true, false},
		OpSearchSymbols:   {s.handleSearch, true, false},
		OpDocumentSymbols: {s.handleDocumentSymbols, true, false},
		OpFileChanged:     {s.handleFileChanged, false, false},
		OpFileDeleted:     {s.handleFileDeleted, false, false},
		OpReindex:         {s.handleReindex, false, false},
		OpStatus:          {s.handleStatus, false, true},
		OpStats:           {s.handleStats, false, true},
		OpPing:            {s.handlePing, false, true},
		OpShutdown:        {s.handleShutdown, false, true},
	}
	return s
}

// SetStore enables snapshot persistence after scans and on shutdown.
func (s *IndexServer) SetStore(store *persist.Store) {
	s.store = store
}

// Handler returns the HTTP handler serving /rpc and one route per operation.
func (s *IndexServer) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/rpc", s.handleRPC)
	for name := range s.ops {
		mux.HandleFunc("/"+name, s.handleRoute(name))
	}
	return mux
}

// Start begins listening on the configured address.
func (s *IndexServer) Start() error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return fmt.Errorf("server already running")
	}
	s.running = true
	s.mu.Unlock()

	addr := s.cfg.ListenAddress()
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		s.mu.Lock()
		s.running = false
		s.mu.Unlock()
		return fmt.Errorf("failed to listen on %s: %w", addr, err)
	}
	s.listener = listener
	s.server = &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if err := s.server.Serve(listener); err != nil && err != http.ErrServerClosed {
			debug.LogServer("Server error: %v", err)
		}
	}()

	debug.LogServer("Index server listening on %s", listener.Addr())
	return nil
}

// Addr returns the bound address, useful when the port was 0.
func (s *IndexServer) Addr() string {
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// Wait blocks until a shutdown operation is received.
func (s *IndexServer) Wait() {
	<-s.shutdownChan
}

// Done is closed when a shutdown operation is received.
func (s *IndexServer) Done() <-chan struct{} {
	return s.shutdownChan
}

// RequestShutdown asks Wait to return. Safe to call more than once.
func (s *IndexServer) RequestShutdown() {
	s.shutdownOnce.Do(func() { close(s.shutdownChan) })
}

// Shutdown stops accepting requests, lets in-flight ones finish, stops any
// background rescan and persists the final snapshot when a store is set.
func (s *IndexServer) Shutdown(ctx context.Context) error {
	s.RequestShutdown()
	s.cancel()

	s.mu.Lock()
	running := s.running
	s.running = false
	s.mu.Unlock()

	var errs []error
	if running && s.server != nil {
		if err := s.server.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("server shutdown error: %w", err))
		}
	}
	s.wg.Wait()

	if err := s.Persist(); err != nil {
		errs = append(errs, err)
	}
	debug.LogServer("Index server shut down")
	return symerrors.NewMultiError(errs).ErrOrNil()
}

// Persist saves the current snapshot when a store is configured.
func (s *IndexServer) Persist() error {
	if s.store == nil {
		return nil
	}
	if err := s.store.Save(s.indexer.Graph().CurrentSnapshot()); err != nil {
		return fmt.Errorf("persist snapshot: %w", err)
	}
	return nil
}

func (s *IndexServer) handleRPC(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", http.MethodPost)
		s.writeResponse(w, Request{ID: uuid.NewString()}, nil,
			symerrors.NewMalformedRequest("", fmt.Errorf("method %s not allowed", r.Method)))
		return
	}
	var req Request
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err := dec.Decode(&req); err != nil {
		s.writeResponse(w, Request{ID: uuid.NewString()}, nil, symerrors.NewMalformedRequest("", err))
		return
	}
	if req.ID == "" {
		req.ID = uuid.NewString()
	}
	if req.Op == "" {
		s.writeResponse(w, req, nil, symerrors.NewMalformedRequest("", fmt.Errorf("missing op")))
		return
	}
	s.serve(w, r, req)
}

// handleRoute serves POST /<op>, whose body is the params object itself.
func (s *IndexServer) handleRoute(name string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		req := Request{ID: r.Header.Get("X-Request-ID"), Op: name}
		if req.ID == "" {
			req.ID = uuid.NewString()
		}
		body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
		if err != nil {
			s.writeResponse(w, req, nil, symerrors.NewMalformedRequest(name, err))
			return
		}
		req.Params = body
		s.serve(w, r, req)
	}
}

func (s *IndexServer) serve(w http.ResponseWriter, r *http.Request, req Request) {
	s.requests.Add(1)
	ctx, cancel := context.WithTimeout(r.Context(), s.timeout)
	defer cancel()

	start := time.Now()
	result, err := s.dispatch(ctx, req.Op, req.Params)
	debug.LogServer("%s %s took %v (err=%v)", req.ID, req.Op, time.Since(start), err)
	s.writeResponse(w, req, result, err)
}

// dispatch runs one operation under the in-flight limit. A full server
// answers resource_exhausted at once instead of queueing. Handler panics are
// reported as internal errors.
func (s *IndexServer) dispatch(ctx context.Context, name string, params json.RawMessage) (result any, err error) {
	op, ok := s.ops[name]
	if !ok {
		return nil, symerrors.NewUnknownOperation(name)
	}
	if !op.unlimited {
		if !s.inflight.TryAcquire(1) {
			return nil, symerrors.NewResourceError("in-flight requests", s.maxInFlight, s.active.Load()+1)
		}
		defer s.inflight.Release(1)
	}
	s.active.Add(1)
	defer s.active.Add(-1)

	if op.needsIndex && !s.indexer.Ready() {
		return nil, symerrors.NewNotReady(name)
	}

	defer func() {
		if rec := recover(); rec != nil {
			debug.LogServer("panic in %s: %v\n%s", name, rec, rtdebug.Stack())
			result = nil
			err = symerrors.NewInternalError(name, fmt.Errorf("panic: %v", rec))
		}
	}()
	return op.handle(ctx, params)
}

func (s *IndexServer) writeResponse(w http.ResponseWriter, req Request, result any, err error) {
	resp := Response{ID: req.ID, Op: req.Op}
	status := http.StatusOK
	if err == nil {
		raw, merr := json.Marshal(result)
		if merr != nil {
			err = symerrors.NewInternalError(req.Op, merr)
		} else {
			resp.Result = raw
		}
	}
	if err != nil {
		status, resp.Error = errorBody(err)
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if encErr := json.NewEncoder(w).Encode(resp); encErr != nil {
		debug.LogServer("failed to write response %s: %v", req.ID, encErr)
	}
}

// errorBody maps err to its wire code and HTTP status.
func errorBody(err error) (int, *ErrorBody) {
	if stderrors.Is(err, context.DeadlineExceeded) {
		return http.StatusGatewayTimeout, &ErrorBody{Code: string(symerrors.ErrorTypeInternal), Message: "request timed out"}
	}
	code := symerrors.TypeOf(err)
	msg := err.Error()
	var reqErr *symerrors.RequestError
	if stderrors.As(err, &reqErr) {
		msg = reqErr.Message
	}

	status := http.StatusInternalServerError
	switch code {
	case symerrors.ErrorTypeMalformedRequest, symerrors.ErrorTypeUnknownOperation:
		status = http.StatusBadRequest
	case symerrors.ErrorTypeNotReady:
		status = http.StatusServiceUnavailable
	case symerrors.ErrorTypeResourceExhausted:
		status = http.StatusTooManyRequests
	}
	return status, &ErrorBody{Code: string(code), Message: msg}
}

// decodeParams strictly decodes params into T. Empty params decode to the
// zero value.
func decodeParams[T any](op string, params json.RawMessage) (T, error) {
	var v T
	trimmed := bytes.TrimSpace(params)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return v, nil
	}
	dec := json.NewDecoder(bytes.NewReader(trimmed))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&v); err != nil {
		return v, symerrors.NewMalformedRequest(op, fmt.Errorf("invalid params: %w", err))
	}
	return v, nil
}

// absPath resolves a client path against the workspace root, matching how
// the indexer stores file paths.
func (s *IndexServer) absPath(p string) string {
	if p == "" {
		return ""
	}
	if !filepath.IsAbs(p) {
		p = filepath.Join(s.cfg.Project.Root, p)
	}
	return filepath.Clean(p)
}

func (s *IndexServer) handleDefinition(ctx context.Context, params json.RawMessage) (any, error) {
	q, err := decodeParams[query.DefinitionQuery](OpGetDefinition, params)
	if err != nil {
		return nil, err
	}
	q.Path = s.absPath(q.Path)
	res, err := s.engine.Definition(ctx, q)
	return wrapQueryErr(OpGetDefinition, res, err)
}

func (s *IndexServer) handleReferences(ctx context.Context, params json.RawMessage) (any, error) {
	p, err := decodeParams[ReferencesParams](OpGetReferences, params)
	if err != nil {
		return nil, err
	}
	res, err := s.engine.References(ctx, types.SymbolID(p.SymbolID), p.IncludeDefinition)
	return wrapQueryErr(OpGetReferences, res, err)
}

func (s *IndexServer) handleSearch(ctx context.Context, params json.RawMessage) (any, error) {
	p, err := decodeParams[SearchParams](OpSearchSymbols, params)
	if err != nil {
		return nil, err
	}
	if p.Limit < 0 {
		return nil, symerrors.NewMalformedRequest(OpSearchSymbols, fmt.Errorf("limit cannot be negative"))
	}
	if p.Mode != "" && !strings.EqualFold(p.Mode, "prefix") && !strings.EqualFold(p.Mode, "substring") {
		return nil, symerrors.NewMalformedRequest(OpSearchSymbols, fmt.Errorf("unknown match mode %q", p.Mode))
	}
	kinds, err := query.ParseKinds(p.Kinds)
	if err != nil {
		return nil, symerrors.NewMalformedRequest(OpSearchSymbols, err)
	}
	opts := query.SearchOptions{Mode: graph.ParseMatchMode(p.Mode), Kinds: kinds, Limit: p.Limit}
	res, err := s.engine.Search(ctx, p.Pattern, opts)
	return wrapQueryErr(OpSearchSymbols, res, err)
}

func (s *IndexServer) handleDocumentSymbols(ctx context.Context, params json.RawMessage) (any, error) {
	p, err := decodeParams[DocumentParams](OpDocumentSymbols, params)
	if err != nil {
		return nil, err
	}
	if p.Path == "" {
		return nil, symerrors.NewMalformedRequest(OpDocumentSymbols, fmt.Errorf("path is required"))
	}
	res, err := s.engine.DocumentSymbols(ctx, s.absPath(p.Path), p.IncludeReferences)
	return wrapQueryErr(OpDocumentSymbols, res, err)
}

// wrapQueryErr keeps typed request errors and context errors as they are and
// turns anything else from the engine into an internal error.
func wrapQueryErr[T any](op string, res T, err error) (any, error) {
	if err == nil {
		return res, nil
	}
	var reqErr *symerrors.RequestError
	if stderrors.As(err, &reqErr) || stderrors.Is(err, context.DeadlineExceeded) {
		return nil, err
	}
	return nil, symerrors.NewInternalError(op, err)
}

func (s *IndexServer) handleFileChanged(ctx context.Context, params json.RawMessage) (any, error) {
	p, err := decodeParams[FileChangedParams](OpFileChanged, params)
	if err != nil {
		return nil, err
	}
	if p.Path == "" {
		return nil, symerrors.NewMalformedRequest(OpFileChanged, fmt.Errorf("path is required"))
	}
	path := s.absPath(p.Path)
	if !s.indexer.Filter().Inside(path) {
		return nil, symerrors.NewMalformedRequest(OpFileChanged, fmt.Errorf("path %s is outside the workspace root", path))
	}

	if p.Content != nil {
		v, queued, err := s.indexer.SubmitContext(ctx, indexing.Change{Path: path, Language: p.Language, Content: []byte(*p.Content)})
		if err != nil {
			return nil, err
		}
		return FileChangedResult{Path: path, Version: v, Queued: queued}, nil
	}

	v, queued, err := s.indexer.IndexFile(path)
	if stderrors.Is(err, fs.ErrNotExist) {
		s.indexer.OnFileDeleted(path)
		return FileChangedResult{Path: path}, nil
	}
	if err != nil {
		return nil, symerrors.NewMalformedRequest(OpFileChanged, err)
	}
	return FileChangedResult{Path: path, Version: v, Queued: queued}, nil
}

func (s *IndexServer) handleFileDeleted(ctx context.Context, params json.RawMessage) (any, error) {
	p, err := decodeParams[FileDeletedParams](OpFileDeleted, params)
	if err != nil {
		return nil, err
	}
	if p.Path == "" {
		return nil, symerrors.NewMalformedRequest(OpFileDeleted, fmt.Errorf("path is required"))
	}
	path := s.absPath(p.Path)
	s.indexer.OnFileDeleted(path)
	return FileChangedResult{Path: path}, nil
}

// handleReindex rescans the workspace. Without Wait the scan runs in the
// background and outlives the request; only one scan runs at a time.
func (s *IndexServer) handleReindex(ctx context.Context, params json.RawMessage) (any, error) {
	p, err := decodeParams[ReindexParams](OpReindex, params)
	if err != nil {
		return nil, err
	}
	if !s.reindexing.CompareAndSwap(false, true) {
		return ReindexResult{Started: false, Message: "re-indexing already in progress"}, nil
	}
	root := s.cfg.Project.Root

	if p.Wait {
		defer s.reindexing.Store(false)
		res, err := s.rescan(ctx)
		if err != nil && ctx.Err() != nil {
			return nil, ctx.Err()
		}
		out := ReindexResult{Started: true, Message: fmt.Sprintf("Re-indexed %s", root), Scan: &res}
		if err != nil {
			out.Message = fmt.Sprintf("Re-indexed %s with errors: %v", root, err)
		}
		return out, nil
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer s.reindexing.Store(false)
		if _, err := s.rescan(s.baseCtx); err != nil {
			debug.LogServer("Re-indexing error: %v", err)
		}
	}()
	return ReindexResult{Started: true, Message: fmt.Sprintf("Re-indexing started for %s", root)}, nil
}

func (s *IndexServer) rescan(ctx context.Context) (indexing.ScanResult, error) {
	debug.LogServer("Re-indexing %s...", s.cfg.Project.Root)
	res, err := s.indexer.IndexWorkspace(ctx)
	if ctx.Err() == nil {
		if perr := s.Persist(); perr != nil {
			debug.LogServer("%v", perr)
		}
	}
	return res, err
}

func (s *IndexServer) handleStatus(ctx context.Context, params json.RawMessage) (any, error) {
	st := s.engine.Status()
	return StatusResult{
		Ready:       s.indexer.Ready(),
		Root:        s.cfg.Project.Root,
		Generation:  st.Generation,
		Files:       st.Files,
		Symbols:     st.Symbols,
		References:  st.References,
		FailedFiles: st.FailedFiles,
		Progress:    s.indexer.Progress(),
	}, nil
}

func (s *IndexServer) handleStats(ctx context.Context, params json.RawMessage) (any, error) {
	var memStats runtime.MemStats
	runtime.ReadMemStats(&memStats)

	res := StatsResult{
		Graph:         s.engine.Status(),
		Progress:      s.indexer.Progress(),
		InFlight:      s.active.Load(),
		Requests:      s.requests.Load(),
		MemoryAllocMB: float64(memStats.Alloc) / 1024 / 1024,
		MemoryHeapMB:  float64(memStats.HeapAlloc) / 1024 / 1024,
		NumGoroutines: runtime.NumGoroutine(),
		UptimeSeconds: time.Since(s.startTime).Seconds(),
	}
	if ws, ok := s.indexer.WatchStats(); ok {
		res.Watch = &ws
	}
	return res, nil
}

func (s *IndexServer) handlePing(ctx context.Context, params json.RawMessage) (any, error) {
	return PingResult{
		Uptime:  time.Since(s.startTime).Seconds(),
		Version: version.Version,
		BuildID: version.BuildID(),
	}, nil
}

// handleShutdown answers first; the caller blocked in Wait then drains the
// server with Shutdown, which lets this response finish.
func (s *IndexServer) handleShutdown(ctx context.Context, params json.RawMessage) (any, error) {
	s.RequestShutdown()
	return ShutdownResult{Success: true, Message: "Server shutting down"}, nil
}
