package mcp

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/standardbeagle/symvead/internal/config"
	"github.com/standardbeagle/symvead/internal/extract"
	"github.com/standardbeagle/symvead/internal/graph"
	"github.com/standardbeagle/symvead/internal/indexing"
	"github.com/standardbeagle/symvead/internal/query"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

const libSource = `package lib

func Parse() int {
	return 1
}

type Token struct{}
`

const mainSource = `package main

import "example/lib"

func main() {
	lib.Parse()
}
`

// newTestServer indexes a two-file Go workspace. With scan false the index
// never becomes ready.
func newTestServer(t *testing.T, scan bool) (*Server, string) {
	t.Helper()
	root := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(root, "lib"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(root, "lib", "lib.go"), []byte(libSource), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(root, "main.go"), []byte(mainSource), 0o644))

	cfg := config.Default(root)
	cfg.Index.WatchMode = false
	cfg.Performance.ExtractWorkers = 2
	cfg.Performance.ScanWorkers = 2

	registry := extract.DefaultRegistry()
	g := graph.New(0)
	ix := indexing.NewIndexer(cfg, g, registry)
	t.Cleanup(func() {
		require.NoError(t, ix.Close())
		registry.Close()
	})
	if scan {
		_, err := ix.IndexWorkspace(context.Background())
		require.NoError(t, err)
	}
	engine := query.NewEngine(g, query.Options{MaxResults: 50, EnableSuggestions: true})
	return NewServer(cfg, ix, engine), root
}

func call(t *testing.T, s *Server, tool string, args any) *mcp.CallToolResult {
	t.Helper()
	h := s.Handler(tool)
	require.NotNil(t, h, "tool %s not registered", tool)

	raw, err := json.Marshal(args)
	require.NoError(t, err)
	result, err := h(context.Background(), &mcp.CallToolRequest{
		Params: &mcp.CallToolParamsRaw{Arguments: raw},
	})
	require.NoError(t, err)
	require.NotNil(t, result)
	require.Len(t, result.Content, 1)
	return result
}

func decode[T any](t *testing.T, result *mcp.CallToolResult) T {
	t.Helper()
	text, ok := result.Content[0].(*mcp.TextContent)
	require.True(t, ok, "expected text content, got %T", result.Content[0])
	var out T
	require.NoError(t, json.Unmarshal([]byte(text.Text), &out), text.Text)
	return out
}

func TestSearchSymbolsTool(t *testing.T) {
	s, _ := newTestServer(t, true)

	result := call(t, s, ToolSearchSymbols, map[string]any{"pattern": "pars"})
	assert.False(t, result.IsError)
	res := decode[query.SearchResult](t, result)
	require.Len(t, res.Symbols, 1)
	assert.Equal(t, "lib.Parse", res.Symbols[0].QualifiedName)

	result = call(t, s, ToolSearchSymbols, map[string]any{"pattern": "to", "prefix": true, "kinds": "struct"})
	res = decode[query.SearchResult](t, result)
	require.Len(t, res.Symbols, 1)
	assert.Equal(t, "Token", res.Symbols[0].Name)

	result = call(t, s, ToolSearchSymbols, map[string]any{"pattern": "Tokne"})
	res = decode[query.SearchResult](t, result)
	assert.Empty(t, res.Symbols)
	assert.Contains(t, res.Suggestions, "Token")
}

func TestSearchSymbolsTool_Errors(t *testing.T) {
	s, _ := newTestServer(t, true)

	tests := []struct {
		name string
		args map[string]any
		want string
	}{
		{"empty pattern", map[string]any{"pattern": ""}, "malformed_request"},
		{"unknown kind", map[string]any{"pattern": "x", "kinds": "gadget"}, "malformed_request"},
		{"negative max", map[string]any{"pattern": "x", "max": -1}, "malformed_request"},
		{"wrong type", map[string]any{"pattern": 7}, "malformed_request"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result := call(t, s, ToolSearchSymbols, tt.args)
			assert.True(t, result.IsError)
			body := decode[errorBody](t, result)
			assert.Equal(t, tt.want, body.Type)
			assert.Equal(t, ToolSearchSymbols, body.Operation)
		})
	}
}

func TestGetDefinitionTool(t *testing.T) {
	s, _ := newTestServer(t, true)

	// cursor inside "Parse" of lib.Parse()
	result := call(t, s, ToolGetDefinition, map[string]any{"path": "main.go", "line": 6, "column": 6})
	assert.False(t, result.IsError)
	res := decode[query.DefinitionResult](t, result)
	require.Len(t, res.Definitions, 1)
	assert.Equal(t, "lib.Parse", res.Definitions[0].QualifiedName)

	result = call(t, s, ToolGetDefinition, map[string]any{"name": "Token"})
	res = decode[query.DefinitionResult](t, result)
	require.Len(t, res.Definitions, 1)
	assert.Equal(t, "lib.Token", res.Definitions[0].QualifiedName)

	result = call(t, s, ToolGetDefinition, map[string]any{})
	assert.True(t, result.IsError)
}

func TestGetReferencesTool(t *testing.T) {
	s, root := newTestServer(t, true)

	result := call(t, s, ToolGetReferences, map[string]any{"name": "Parse", "include_definition": true})
	assert.False(t, result.IsError)
	res := decode[[]query.ReferencesResult](t, result)
	require.Len(t, res, 1)
	require.NotNil(t, res[0].Definition)
	assert.Equal(t, "lib.Parse", res[0].Definition.QualifiedName)
	require.Len(t, res[0].References, 1)
	assert.Equal(t, filepath.Join(root, "main.go"), res[0].References[0].Path)

	byID := call(t, s, ToolGetReferences, map[string]any{"symbol_id": string(res[0].Definition.ID)})
	idRes := decode[[]query.ReferencesResult](t, byID)
	require.Len(t, idRes, 1)
	assert.Len(t, idRes[0].References, 1)
	assert.Nil(t, idRes[0].Definition)

	result = call(t, s, ToolGetReferences, map[string]any{})
	assert.True(t, result.IsError)
}

func TestDocumentSymbolsTool(t *testing.T) {
	s, root := newTestServer(t, true)

	result := call(t, s, ToolDocumentSymbols, map[string]any{"path": filepath.Join("lib", "lib.go")})
	res := decode[query.DocumentResult](t, result)
	require.NotNil(t, res.File)
	var names []string
	for _, sym := range res.Symbols {
		names = append(names, sym.QualifiedName)
	}
	assert.Equal(t, []string{"lib.Parse", "lib.Token"}, names)

	result = call(t, s, ToolDocumentSymbols, map[string]any{"path": filepath.Join(root, "main.go"), "include_references": true})
	res = decode[query.DocumentResult](t, result)
	require.NotEmpty(t, res.References)

	result = call(t, s, ToolDocumentSymbols, map[string]any{"path": "missing.go"})
	res = decode[query.DocumentResult](t, result)
	assert.Nil(t, res.File)
	assert.Empty(t, res.Symbols)
}

func TestIndexStatusTool(t *testing.T) {
	s, root := newTestServer(t, true)

	res := decode[statusResponse](t, call(t, s, ToolIndexStatus, nil))
	assert.Equal(t, root, res.Root)
	assert.True(t, res.Ready)
	assert.Equal(t, 2, res.Graph.Files)
	assert.GreaterOrEqual(t, res.Graph.Symbols, 3)
}

func TestQueryToolsWaitForReadiness(t *testing.T) {
	s, _ := newTestServer(t, false)

	result := call(t, s, ToolSearchSymbols, map[string]any{"pattern": "Parse"})
	assert.True(t, result.IsError)
	assert.Equal(t, "not_ready", decode[errorBody](t, result).Type)

	status := call(t, s, ToolIndexStatus, nil)
	assert.False(t, status.IsError)
	assert.False(t, decode[statusResponse](t, status).Ready)
}
