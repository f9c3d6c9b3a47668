package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	symerrors "github.com/standardbeagle/symvead/internal/errors"
	"github.com/standardbeagle/symvead/internal/query"
	"github.com/standardbeagle/symvead/internal/types"
)

// Client connects to a running IndexServer over HTTP.
type Client struct {
	httpClient *http.Client
	baseURL    string
}

// NewClient creates a client for addr, given as host:port or a full URL.
func NewClient(addr string) *Client {
	return NewClientWithHTTP(addr, &http.Client{Timeout: 30 * time.Second})
}

// NewClientWithHTTP creates a client that sends requests through hc.
func NewClientWithHTTP(addr string, hc *http.Client) *Client {
	base := strings.TrimSuffix(addr, "/")
	if !strings.Contains(base, "://") {
		base = "http://" + base
	}
	return &Client{httpClient: hc, baseURL: base}
}

// Close drops idle keep-alive connections.
func (c *Client) Close() {
	c.httpClient.CloseIdleConnections()
}

// Call sends one operation through the /rpc envelope and decodes its result
// into out. Server-side failures come back as *errors.RequestError carrying
// the wire code.
func (c *Client) Call(ctx context.Context, op string, params, out any) error {
	req := Request{ID: uuid.NewString(), Op: op}
	if params != nil {
		raw, err := json.Marshal(params)
		if err != nil {
			return fmt.Errorf("failed to marshal params: %w", err)
		}
		req.Params = raw
	}
	body, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("failed to marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/rpc", bytes.NewReader(body))
	if err != nil {
		return err
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return fmt.Errorf("failed to call %s: %w", op, err)
	}
	defer resp.Body.Close()

	var envelope Response
	if err := json.NewDecoder(resp.Body).Decode(&envelope); err != nil {
		return fmt.Errorf("failed to decode %s response (status %d): %w", op, resp.StatusCode, err)
	}
	if envelope.Error != nil {
		return &symerrors.RequestError{
			Type:      symerrors.ErrorType(envelope.Error.Code),
			Operation: op,
			Message:   envelope.Error.Message,
		}
	}
	if out != nil && len(envelope.Result) > 0 {
		if err := json.Unmarshal(envelope.Result, out); err != nil {
			return fmt.Errorf("failed to decode %s result: %w", op, err)
		}
	}
	return nil
}

// IsServerRunning checks if the server is accessible
func (c *Client) IsServerRunning(ctx context.Context) bool {
	_, err := c.Ping(ctx)
	return err == nil
}

// Ping sends a health check to the server
func (c *Client) Ping(ctx context.Context) (*PingResult, error) {
	var out PingResult
	if err := c.Call(ctx, OpPing, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Status retrieves the current index status
func (c *Client) Status(ctx context.Context) (*StatusResult, error) {
	var out StatusResult
	if err := c.Call(ctx, OpStatus, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Stats retrieves index and process statistics
func (c *Client) Stats(ctx context.Context) (*StatsResult, error) {
	var out StatsResult
	if err := c.Call(ctx, OpStats, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Search runs a workspace symbol search
func (c *Client) Search(ctx context.Context, p SearchParams) (*query.SearchResult, error) {
	var out query.SearchResult
	if err := c.Call(ctx, OpSearchSymbols, p, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Definition finds definitions by id, position or name
func (c *Client) Definition(ctx context.Context, q query.DefinitionQuery) (*query.DefinitionResult, error) {
	var out query.DefinitionResult
	if err := c.Call(ctx, OpGetDefinition, q, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// References lists the uses of a symbol
func (c *Client) References(ctx context.Context, id types.SymbolID, includeDefinition bool) (*query.ReferencesResult, error) {
	var out query.ReferencesResult
	p := ReferencesParams{SymbolID: string(id), IncludeDefinition: includeDefinition}
	if err := c.Call(ctx, OpGetReferences, p, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// DocumentSymbols lists a file's symbols
func (c *Client) DocumentSymbols(ctx context.Context, path string, includeReferences bool) (*query.DocumentResult, error) {
	var out query.DocumentResult
	p := DocumentParams{Path: path, IncludeReferences: includeReferences}
	if err := c.Call(ctx, OpDocumentSymbols, p, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// FileChanged pushes new content for path. A nil content makes the server
// read the file itself.
func (c *Client) FileChanged(ctx context.Context, path string, content *string) (*FileChangedResult, error) {
	var out FileChangedResult
	if err := c.Call(ctx, OpFileChanged, FileChangedParams{Path: path, Content: content}, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// FileDeleted reports a removed file
func (c *Client) FileDeleted(ctx context.Context, path string) error {
	return c.Call(ctx, OpFileDeleted, FileDeletedParams{Path: path}, nil)
}

// Reindex triggers a workspace rescan, optionally waiting for it
func (c *Client) Reindex(ctx context.Context, wait bool) (*ReindexResult, error) {
	var out ReindexResult
	if err := c.Call(ctx, OpReindex, ReindexParams{Wait: wait}, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Shutdown requests the server to shut down
func (c *Client) Shutdown(ctx context.Context) error {
	var out ShutdownResult
	if err := c.Call(ctx, OpShutdown, nil, &out); err != nil {
		return err
	}
	if !out.Success {
		return fmt.Errorf("shutdown failed: %s", out.Message)
	}
	return nil
}
