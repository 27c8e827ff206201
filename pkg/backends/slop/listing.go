package slop

import (
	"bytes"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/edgeopslabs/blah/pkg/types"
	orderedmap "github.com/wk8/go-ordered-map/v2"
)

// Shape is the layout of a /tools response.
type Shape int

const (
	ShapeUnknown Shape = iota
	ShapeArray
	ShapeToolsWrapper
	ShapeToolWrapper
	ShapeRawMap
)

func (s Shape) String() string {
	switch s {
	case ShapeArray:
		return "array"
	case ShapeToolsWrapper:
		return "tools-wrapper"
	case ShapeToolWrapper:
		return "tool-wrapper"
	case ShapeRawMap:
		return "raw-map"
	default:
		return "unknown"
	}
}

// Argument is one entry of the flat SLOP argument list.
type Argument struct {
	Name        string `json:"name"`
	Type        string `json:"type,omitempty"`
	Description string `json:"description,omitempty"`
	Required    bool   `json:"required,omitempty"`
}

// RemoteTool is a tool advertised by a SLOP server.
type RemoteTool struct {
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	InputSchema map[string]any `json:"inputSchema,omitempty"`
	Arguments   []Argument     `json:"arguments,omitempty"`
}

// Listing is a parsed /tools response.
type Listing struct {
	Shape Shape
	Tools []RemoteTool
}

// Discriminate decides the shape of a /tools response body.
func Discriminate(data []byte) Shape {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 {
		return ShapeUnknown
	}
	switch trimmed[0] {
	case '[':
		return ShapeArray
	case '{':
	default:
		return ShapeUnknown
	}

	var fields map[string]json.RawMessage
	if err := json.Unmarshal(trimmed, &fields); err != nil {
		return ShapeUnknown
	}
	if raw, ok := fields["tools"]; ok {
		if isArray(raw) {
			return ShapeToolsWrapper
		}
		return ShapeUnknown
	}
	if raw, ok := fields["tool"]; ok {
		if isArray(raw) {
			return ShapeToolWrapper
		}
		return ShapeUnknown
	}
	return ShapeRawMap
}

func isArray(raw json.RawMessage) bool {
	trimmed := bytes.TrimSpace(raw)
	return len(trimmed) > 0 && trimmed[0] == '['
}

// ParseListing decodes a /tools response of any supported shape. Entries
// without a name, and entries that do not decode, are dropped; the rest
// of the listing is kept.
func ParseListing(data []byte) (Listing, error) {
	shape := Discriminate(data)
	listing := Listing{Shape: shape}

	var (
		entries []json.RawMessage
		tools   []RemoteTool
		err     error
	)
	switch shape {
	case ShapeArray:
		err = json.Unmarshal(data, &entries)
	case ShapeToolsWrapper:
		var wrapper struct {
			Tools []json.RawMessage `json:"tools"`
		}
		err = json.Unmarshal(data, &wrapper)
		entries = wrapper.Tools
	case ShapeToolWrapper:
		var wrapper struct {
			Tool []json.RawMessage `json:"tool"`
		}
		err = json.Unmarshal(data, &wrapper)
		entries = wrapper.Tool
	case ShapeRawMap:
		tools, err = parseRawMap(data)
	default:
		return listing, fmt.Errorf("unrecognized tool listing")
	}
	if err != nil {
		return listing, fmt.Errorf("decode %s listing: %w", shape, err)
	}

	for i, entry := range entries {
		var tool RemoteTool
		if err := json.Unmarshal(entry, &tool); err != nil {
			slog.Warn("skipping malformed slop tool entry", "shape", shape, "index", i, "error", err)
			continue
		}
		tools = append(tools, tool)
	}
	listing.Tools = named(tools)
	return listing, nil
}

func named(tools []RemoteTool) []RemoteTool {
	var out []RemoteTool
	for _, tool := range tools {
		if tool.Name != "" {
			out = append(out, tool)
		}
	}
	return out
}

// parseRawMap reads {"name": {...definition...}} pairs in document order.
// A string value is taken as the description.
func parseRawMap(data []byte) ([]RemoteTool, error) {
	entries := orderedmap.New[string, json.RawMessage]()
	if err := entries.UnmarshalJSON(data); err != nil {
		return nil, err
	}
	tools := make([]RemoteTool, 0, entries.Len())
	for pair := entries.Oldest(); pair != nil; pair = pair.Next() {
		var tool RemoteTool
		var description string
		switch {
		case json.Unmarshal(pair.Value, &description) == nil:
			tool.Description = description
		case json.Unmarshal(pair.Value, &tool) != nil:
			continue
		}
		if tool.Name == "" {
			tool.Name = pair.Key
		}
		tools = append(tools, tool)
	}
	return tools, nil
}

// Schema returns the tool's input schema, converting the flat argument
// list when no inputSchema is declared.
func (t RemoteTool) Schema() json.RawMessage {
	if len(t.InputSchema) > 0 {
		return types.SchemaFromMap(t.InputSchema)
	}
	properties := make(map[string]any, len(t.Arguments))
	var required []string
	for _, arg := range t.Arguments {
		if arg.Name == "" {
			continue
		}
		property := map[string]any{"type": jsonType(arg.Type)}
		if arg.Description != "" {
			property["description"] = arg.Description
		}
		properties[arg.Name] = property
		if arg.Required {
			required = append(required, arg.Name)
		}
	}
	schema := map[string]any{
		"type":       "object",
		"properties": properties,
	}
	if len(required) > 0 {
		schema["required"] = required
	}
	data, err := json.Marshal(schema)
	if err != nil {
		return types.SchemaFromMap(nil)
	}
	return data
}

func jsonType(slopType string) string {
	switch slopType {
	case "str", "":
		return "string"
	default:
		return slopType
	}
}
