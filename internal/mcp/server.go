// Package mcp exposes the symbol index to MCP clients over stdio.
package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	rtdebug "runtime/debug"
	"strings"

	"github.com/google/jsonschema-go/jsonschema"
	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/standardbeagle/symvead/internal/config"
	"github.com/standardbeagle/symvead/internal/debug"
	symerrors "github.com/standardbeagle/symvead/internal/errors"
	"github.com/standardbeagle/symvead/internal/graph"
	"github.com/standardbeagle/symvead/internal/indexing"
	"github.com/standardbeagle/symvead/internal/query"
	"github.com/standardbeagle/symvead/internal/types"
	"github.com/standardbeagle/symvead/internal/version"
)

// Tool names.
const (
	ToolSearchSymbols   = "search_symbols"
	ToolGetDefinition   = "get_definition"
	ToolGetReferences   = "get_references"
	ToolDocumentSymbols = "document_symbols"
	ToolIndexStatus     = "index_status"
)

type toolHandler = func(ctx context.Context, req *mcp.CallToolRequest) (*mcp.CallToolResult, error)

// Server serves index queries as MCP tools. The indexer and engine are
// owned by the caller.
type Server struct {
	cfg      *config.Config
	indexer  *indexing.Indexer
	engine   *query.Engine
	server   *mcp.Server
	handlers map[string]toolHandler
}

// NewServer registers the query tools over ix and engine.
func NewServer(cfg *config.Config, ix *indexing.Indexer, engine *query.Engine) *Server {
	s := &Server{
		cfg:      cfg,
		indexer:  ix,
		engine:   engine,
		handlers: make(map[string]toolHandler),
	}
	s.server = mcp.NewServer(&mcp.Implementation{
		Name:    "symvead",
		Version: version.Version,
	}, nil)
	s.registerTools()
	return s
}

// Run serves requests on stdin/stdout until ctx ends or the client
// disconnects.
func (s *Server) Run(ctx context.Context) error {
	debug.LogServer("starting MCP server on stdio for %s", s.cfg.Project.Root)
	return s.server.Run(ctx, &mcp.StdioTransport{})
}

// Handler returns the handler registered for a tool, or nil.
func (s *Server) Handler(name string) func(context.Context, *mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	return s.handlers[name]
}

func (s *Server) addTool(tool *mcp.Tool, h toolHandler) {
	wrapped := s.guard(tool.Name, h)
	s.handlers[tool.Name] = wrapped
	s.server.AddTool(tool, wrapped)
}

func (s *Server) registerTools() {
	s.addTool(&mcp.Tool{
		Name:        ToolSearchSymbols,
		Description: "Find symbol definitions whose name contains (or starts with) a pattern. Case-insensitive; exact matches rank first. Empty results may carry 'did you mean' suggestions.",
		InputSchema: &jsonschema.Schema{
			Type: "object",
			Properties: map[string]*jsonschema.Schema{
				"pattern": {
					Type:        "string",
					Description: "Name or name fragment to search for",
				},
				"prefix": {
					Type:        "boolean",
					Description: "Match names starting with the pattern instead of containing it",
				},
				"kinds": {
					Type:        "string",
					Description: "Comma-separated kinds to keep: function, type, variable, module, other. Aliases like method, struct, class, const are accepted.",
				},
				"max": {
					Type:        "integer",
					Description: "Maximum results",
				},
			},
			Required: []string{"pattern"},
		},
	}, s.handleSearch)

	s.addTool(&mcp.Tool{
		Name:        ToolGetDefinition,
		Description: "Find where a symbol is defined. Give a file position (path, 1-based line, 0-based column), a symbol id, or a plain name.",
		InputSchema: &jsonschema.Schema{
			Type: "object",
			Properties: map[string]*jsonschema.Schema{
				"path": {
					Type:        "string",
					Description: "File path, absolute or relative to the workspace root",
				},
				"line": {
					Type:        "integer",
					Description: "1-based line of the position",
				},
				"column": {
					Type:        "integer",
					Description: "0-based column of the position",
				},
				"symbol_id": {
					Type:        "string",
					Description: "Symbol id from a previous result",
				},
				"name": {
					Type:        "string",
					Description: "Plain or qualified symbol name",
				},
			},
		},
	}, s.handleDefinition)

	s.addTool(&mcp.Tool{
		Name:        ToolGetReferences,
		Description: "List the references that resolve to a symbol. Give a symbol id, or a name whose definitions are looked up first.",
		InputSchema: &jsonschema.Schema{
			Type: "object",
			Properties: map[string]*jsonschema.Schema{
				"symbol_id": {
					Type:        "string",
					Description: "Symbol id from a previous result",
				},
				"name": {
					Type:        "string",
					Description: "Symbol name, used when no id is given",
				},
				"include_definition": {
					Type:        "boolean",
					Description: "Include the definition itself in the result",
				},
			},
		},
	}, s.handleReferences)

	s.addTool(&mcp.Tool{
		Name:        ToolDocumentSymbols,
		Description: "List the symbols defined in one file in source order, optionally with the file's references.",
		InputSchema: &jsonschema.Schema{
			Type: "object",
			Properties: map[string]*jsonschema.Schema{
				"path": {
					Type:        "string",
					Description: "File path, absolute or relative to the workspace root",
				},
				"include_references": {
					Type:        "boolean",
					Description: "Also list references made from the file",
				},
			},
			Required: []string{"path"},
		},
	}, s.handleDocumentSymbols)

	s.addTool(&mcp.Tool{
		Name:        ToolIndexStatus,
		Description: "Report index readiness, generation and counts.",
		InputSchema: &jsonschema.Schema{Type: "object"},
	}, s.handleStatus)
}

// guard converts panics and errors into error results. Query tools fail
// with not_ready until the first scan or a restore completes.
func (s *Server) guard(name string, h toolHandler) toolHandler {
	return func(ctx context.Context, req *mcp.CallToolRequest) (result *mcp.CallToolResult, err error) {
		defer func() {
			if rec := recover(); rec != nil {
				debug.LogServer("panic in %s: %v\n%s", name, rec, rtdebug.Stack())
				result, err = createErrorResponse(name, symerrors.NewInternalError(name, fmt.Errorf("panic: %v", rec)))
			}
		}()
		if name != ToolIndexStatus && !s.indexer.Ready() {
			return createErrorResponse(name, symerrors.NewNotReady(name))
		}
		result, err = h(ctx, req)
		if err != nil {
			debug.LogServer("%s failed: %v", name, err)
			return createErrorResponse(name, err)
		}
		return result, nil
	}
}

func decodeArgs[T any](op string, req *mcp.CallToolRequest) (T, error) {
	var p T
	if req == nil || req.Params == nil || len(req.Params.Arguments) == 0 {
		return p, nil
	}
	if err := json.Unmarshal(req.Params.Arguments, &p); err != nil {
		return p, symerrors.NewMalformedRequest(op, fmt.Errorf("invalid arguments: %w", err))
	}
	return p, nil
}

// resolvePath makes path absolute against the workspace root, matching
// the keys the indexer stores.
func (s *Server) resolvePath(path string) string {
	if path == "" {
		return ""
	}
	if !filepath.IsAbs(path) {
		path = filepath.Join(s.cfg.Project.Root, path)
	}
	return filepath.Clean(path)
}

type searchArgs struct {
	Pattern string `json:"pattern"`
	Prefix  bool   `json:"prefix"`
	Kinds   string `json:"kinds"`
	Max     int    `json:"max"`
}

func (s *Server) handleSearch(ctx context.Context, req *mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	args, err := decodeArgs[searchArgs](ToolSearchSymbols, req)
	if err != nil {
		return nil, err
	}
	if args.Max < 0 {
		return nil, symerrors.NewMalformedRequest(ToolSearchSymbols, errors.New("max cannot be negative"))
	}
	kinds, err := query.ParseKinds(strings.Split(args.Kinds, ","))
	if err != nil {
		return nil, symerrors.NewMalformedRequest(ToolSearchSymbols, err)
	}
	opts := query.SearchOptions{Kinds: kinds, Limit: args.Max}
	if args.Prefix {
		opts.Mode = graph.MatchPrefix
	}
	res, err := s.engine.Search(ctx, args.Pattern, opts)
	if err != nil {
		return nil, err
	}
	return createJSONResponse(res)
}

type definitionArgs struct {
	Path     string `json:"path"`
	Line     int    `json:"line"`
	Column   int    `json:"column"`
	SymbolID string `json:"symbol_id"`
	Name     string `json:"name"`
}

func (s *Server) handleDefinition(ctx context.Context, req *mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	args, err := decodeArgs[definitionArgs](ToolGetDefinition, req)
	if err != nil {
		return nil, err
	}
	res, err := s.engine.Definition(ctx, query.DefinitionQuery{
		SymbolID: types.SymbolID(args.SymbolID),
		Path:     s.resolvePath(args.Path),
		Line:     args.Line,
		Column:   args.Column,
		Name:     args.Name,
	})
	if err != nil {
		return nil, err
	}
	return createJSONResponse(res)
}

type referencesArgs struct {
	SymbolID          string `json:"symbol_id"`
	Name              string `json:"name"`
	IncludeDefinition bool   `json:"include_definition"`
}

func (s *Server) handleReferences(ctx context.Context, req *mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	args, err := decodeArgs[referencesArgs](ToolGetReferences, req)
	if err != nil {
		return nil, err
	}

	var ids []types.SymbolID
	switch {
	case args.SymbolID != "":
		ids = append(ids, types.SymbolID(args.SymbolID))
	case args.Name != "":
		defs, err := s.engine.Definition(ctx, query.DefinitionQuery{Name: args.Name})
		if err != nil {
			return nil, err
		}
		for _, d := range defs.Definitions {
			ids = append(ids, d.ID)
		}
	default:
		return nil, symerrors.NewMalformedRequest(ToolGetReferences, errors.New("symbol_id or name is required"))
	}

	results := make([]*query.ReferencesResult, 0, len(ids))
	for _, id := range ids {
		res, err := s.engine.References(ctx, id, args.IncludeDefinition)
		if err != nil {
			return nil, err
		}
		results = append(results, res)
	}
	return createJSONResponse(results)
}

type documentArgs struct {
	Path              string `json:"path"`
	IncludeReferences bool   `json:"include_references"`
}

func (s *Server) handleDocumentSymbols(ctx context.Context, req *mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	args, err := decodeArgs[documentArgs](ToolDocumentSymbols, req)
	if err != nil {
		return nil, err
	}
	res, err := s.engine.DocumentSymbols(ctx, s.resolvePath(args.Path), args.IncludeReferences)
	if err != nil {
		return nil, err
	}
	return createJSONResponse(res)
}

type statusResponse struct {
	Root     string            `json:"root"`
	Version  string            `json:"version"`
	Ready    bool              `json:"ready"`
	Graph    graph.Stats       `json:"graph"`
	Progress indexing.Progress `json:"progress"`
}

func (s *Server) handleStatus(ctx context.Context, req *mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	return createJSONResponse(statusResponse{
		Root:     s.cfg.Project.Root,
		Version:  version.String(),
		Ready:    s.indexer.Ready(),
		Graph:    s.engine.Status(),
		Progress: s.indexer.Progress(),
	})
}
