package server

import (
	"encoding/json"

	"github.com/standardbeagle/symvead/internal/graph"
	"github.com/standardbeagle/symvead/internal/indexing"
)

// Operation names accepted by the dispatcher.
const (
	OpGetDefinition   = "getDefinition"
	OpGetReferences   = "getReferences"
	OpSearchSymbols   = "searchSymbols"
	OpDocumentSymbols = "documentSymbols"
	OpFileChanged     = "fileChanged"
	OpFileDeleted     = "fileDeleted"
	OpReindex         = "reindex"
	OpStatus          = "status"
	OpStats           = "stats"
	OpPing            = "ping"
	OpShutdown        = "shutdown"
)

// RPC request/response types for client-server communication

// Request is the envelope posted to /rpc.
type Request struct {
	ID     string          `json:"id,omitempty"`
	Op     string          `json:"op"`
	Params json.RawMessage `json:"params,omitempty"`
}

// Response is the envelope every endpoint answers with. Exactly one of
// Result and Error is set.
type Response struct {
	ID     string          `json:"id"`
	Op     string          `json:"op,omitempty"`
	Result json.RawMessage `json:"result,omitempty"`
	Error  *ErrorBody      `json:"error,omitempty"`
}

// ErrorBody is the structured error returned to callers.
type ErrorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// ReferencesParams are the getReferences parameters.
type ReferencesParams struct {
	SymbolID          string `json:"symbol_id"`
	IncludeDefinition bool   `json:"include_definition,omitempty"`
}

// SearchParams are the searchSymbols parameters. Mode is "substring"
// (default) or "prefix"; Kinds filters by symbol kind name.
type SearchParams struct {
	Pattern string   `json:"pattern"`
	Mode    string   `json:"mode,omitempty"`
	Kinds   []string `json:"kinds,omitempty"`
	Limit   int      `json:"limit,omitempty"`
}

// DocumentParams are the documentSymbols parameters.
type DocumentParams struct {
	Path              string `json:"path"`
	IncludeReferences bool   `json:"include_references,omitempty"`
}

// FileChangedParams report new content for a file. A nil Content makes the
// daemon read the file from disk.
type FileChangedParams struct {
	Path     string  `json:"path"`
	Content  *string `json:"content,omitempty"`
	Language string  `json:"language,omitempty"`
}

// FileChangedResult reports the version allocated to the change.
type FileChangedResult struct {
	Path    string `json:"path"`
	Version uint64 `json:"version"`
	Queued  bool   `json:"queued"`
}

// FileDeletedParams name a removed file.
type FileDeletedParams struct {
	Path string `json:"path"`
}

// ReindexParams trigger a workspace rescan. With Wait the response is sent
// once the scan completes.
type ReindexParams struct {
	Wait bool `json:"wait,omitempty"`
}

// ReindexResult confirms a rescan.
type ReindexResult struct {
	Started bool                 `json:"started"`
	Message string               `json:"message,omitempty"`
	Scan    *indexing.ScanResult `json:"scan,omitempty"`
}

// StatusResult represents the current status of the index
type StatusResult struct {
	Ready       bool              `json:"ready"`
	Root        string            `json:"root"`
	Generation  uint64            `json:"generation"`
	Files       int               `json:"files"`
	Symbols     int               `json:"symbols"`
	References  int               `json:"references"`
	FailedFiles int               `json:"failed_files"`
	Progress    indexing.Progress `json:"progress"`
}

// StatsResult contains index and process statistics
type StatsResult struct {
	Graph         graph.Stats          `json:"graph"`
	Progress      indexing.Progress    `json:"progress"`
	Watch         *indexing.WatchStats `json:"watch,omitempty"`
	InFlight      int64                `json:"in_flight_requests"`
	Requests      int64                `json:"requests"`
	MemoryAllocMB float64              `json:"memory_alloc_mb"`
	MemoryHeapMB  float64              `json:"memory_heap_mb"`
	NumGoroutines int                  `json:"num_goroutines"`
	UptimeSeconds float64              `json:"uptime_seconds"`
}

// PingResult confirms server is alive
type PingResult struct {
	Uptime  float64 `json:"uptime_seconds"`
	Version string  `json:"version"`
	BuildID string  `json:"build_id"`
}

// ShutdownResult confirms shutdown
type ShutdownResult struct {
	Success bool   `json:"success"`
	Message string `json:"message,omitempty"`
}
