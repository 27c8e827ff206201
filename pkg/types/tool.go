package types

import (
	"context"
	"encoding/json"

	"github.com/edgeopslabs/blah/pkg/manifest"
	"github.com/mark3labs/mcp-go/mcp"
)

// Kind identifies the backend that produced a resolved tool.
type Kind string

const (
	KindDeclared Kind = "declared"
	KindMCP      Kind = "mcp"
	KindSlop     Kind = "slop"
	KindSource   Kind = "source"
	KindFlow     Kind = "flow"
	KindRemote   Kind = "remote"
)

// Origin is the provenance needed to route a call back to the exact
// backend instance that produced a tool.
type Origin struct {
	Kind         Kind   `json:"kind"`
	Parent       string `json:"parent,omitempty"`
	OriginalName string `json:"originalName,omitempty"`
	Command      string `json:"command,omitempty"`
	Provider     string `json:"provider,omitempty"`
	Endpoint     string `json:"endpoint,omitempty"`
	Flow         string `json:"flow,omitempty"`
	Extension    string `json:"extension,omitempty"`
}

// ResolvedTool is one entry of an aggregation pass. Values are never
// mutated after creation.
type ResolvedTool struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	InputSchema json.RawMessage `json:"inputSchema"`
	Origin      Origin          `json:"origin"`
}

var emptyObjectSchema = json.RawMessage(`{"type":"object","properties":{}}`)

// Schema returns the input schema, defaulting to an empty object schema.
func (t ResolvedTool) Schema() json.RawMessage {
	if len(t.InputSchema) == 0 || string(t.InputSchema) == "null" {
		return emptyObjectSchema
	}
	return t.InputSchema
}

// MCP converts the tool to its MCP wire form.
func (t ResolvedTool) MCP() mcp.Tool {
	return mcp.NewToolWithRawSchema(t.Name, t.Description, t.Schema())
}

// SchemaFromMap encodes a declared inputSchema, falling back to the empty
// object schema.
func SchemaFromMap(schema map[string]any) json.RawMessage {
	if len(schema) == 0 {
		return emptyObjectSchema
	}
	data, err := json.Marshal(schema)
	if err != nil {
		return emptyObjectSchema
	}
	return data
}

// Invoker runs calls against the backend that produced a tool.
type Invoker interface {
	Kind() Kind
	Invoke(ctx context.Context, m *manifest.Manifest, tool ResolvedTool, args map[string]any) (*mcp.CallToolResult, error)
}

// Backend is an Invoker that can also discover tools. Discover never
// fails: a broken source contributes zero tools.
type Backend interface {
	Invoker
	Discover(ctx context.Context, m *manifest.Manifest) []ResolvedTool
}

// Surveyor is a Backend that also reports whether every source it probed
// answered. complete is false when at least one source failed.
type Surveyor interface {
	Survey(ctx context.Context, m *manifest.Manifest) (tools []ResolvedTool, complete bool)
}
