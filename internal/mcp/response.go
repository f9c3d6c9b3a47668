package mcp

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	symerrors "github.com/standardbeagle/symvead/internal/errors"
)

// createJSONResponse wraps data as the single text content of a tool result.
func createJSONResponse(data any) (*mcp.CallToolResult, error) {
	content, err := json.Marshal(data)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal response data: %w", err)
	}
	return &mcp.CallToolResult{
		Content: []mcp.Content{
			&mcp.TextContent{Text: string(content)},
		},
	}, nil
}

// errorBody is the payload of a failed tool call.
type errorBody struct {
	Success   bool   `json:"success"`
	Operation string `json:"operation"`
	Type      string `json:"type"`
	Error     string `json:"error"`
}

// createErrorResponse reports err inside the result with IsError set, so
// the client model sees the failure instead of a protocol error.
func createErrorResponse(operation string, err error) (*mcp.CallToolResult, error) {
	body := errorBody{
		Operation: operation,
		Type:      string(symerrors.ErrorTypeInternal),
		Error:     err.Error(),
	}
	var reqErr *symerrors.RequestError
	if errors.As(err, &reqErr) {
		body.Type = string(reqErr.Type)
		body.Error = reqErr.Message
	}

	result, marshalErr := createJSONResponse(body)
	if marshalErr != nil {
		return nil, marshalErr
	}
	result.IsError = true
	return result, nil
}
