package types

import (
	"encoding/json"
	"fmt"

	"github.com/mark3labs/mcp-go/mcp"
)

// TextResult wraps a backend payload into a text envelope. Strings are
// passed through, everything else is encoded as JSON.
func TextResult(value any) *mcp.CallToolResult {
	switch v := value.(type) {
	case string:
		return mcp.NewToolResultText(v)
	case json.RawMessage:
		return mcp.NewToolResultText(string(v))
	case nil:
		return mcp.NewToolResultText("null")
	}
	data, err := json.Marshal(value)
	if err != nil {
		return mcp.NewToolResultText(fmt.Sprint(value))
	}
	return mcp.NewToolResultText(string(data))
}

// ErrorResult is the error envelope returned to callers.
func ErrorResult(format string, args ...any) *mcp.CallToolResult {
	return mcp.NewToolResultError("Error: " + fmt.Sprintf(format, args...))
}
