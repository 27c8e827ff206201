package manifest

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/invopop/jsonschema"
	orderedmap "github.com/wk8/go-ordered-map/v2"
)

// FileName is the manifest looked up in the working directory when no
// reference is given.
const FileName = "blah.json"

const (
	DefaultName    = "default-empty-blah-config"
	DefaultVersion = "0.0.0"
)

type Manifest struct {
	Name        string            `json:"name"`
	Version     string            `json:"version"`
	Description string            `json:"description,omitempty"`
	Author      string            `json:"author,omitempty"`
	License     string            `json:"license,omitempty"`
	Repository  any               `json:"repository,omitempty"`
	Env         map[string]string `json:"env,omitempty"`
	Extends     *Extensions       `json:"extends,omitempty"`
	Tools       []Tool            `json:"tools"`
	Prompts     []any             `json:"prompts,omitempty"`
	Resources   []any             `json:"resources,omitempty"`
	Flows       []Flow            `json:"flows,omitempty"`
	Tags        []string          `json:"tags,omitempty"`
}

// Tool is a declared tool. At most one of Command, Slop/SlopURL and
// Source/SourceURL selects the backend; none means flow-only or
// unimplemented.
type Tool struct {
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	Command     string         `json:"command,omitempty"`
	Slop        string         `json:"slop,omitempty"`
	SlopURL     string         `json:"slopUrl,omitempty"`
	Source      string         `json:"source,omitempty"`
	SourceURL   string         `json:"sourceUrl,omitempty"`
	Provider    string         `json:"provider,omitempty"`
	Bridge      string         `json:"bridge,omitempty"`
	InputSchema map[string]any `json:"inputSchema,omitempty"`

	FromExtension string `json:"fromExtension,omitempty"`
	FromFlow      string `json:"fromFlow,omitempty"`
	OriginalName  string `json:"originalName,omitempty"`
}

// SlopEndpoint returns the SLOP base URL, preferring slop over slopUrl.
func (t Tool) SlopEndpoint() string {
	if t.Slop != "" {
		return t.Slop
	}
	return t.SlopURL
}

// SourceEndpoint returns the plain HTTP endpoint of the tool, if any.
func (t Tool) SourceEndpoint() string {
	if t.SourceURL != "" {
		return t.SourceURL
	}
	return t.Source
}

type Flow struct {
	Name        string     `json:"name"`
	Description string     `json:"description,omitempty"`
	Nodes       []FlowNode `json:"nodes"`
	Edges       []FlowEdge `json:"edges"`
}

type FlowNode struct {
	Name       string         `json:"name"`
	Type       string         `json:"type"`
	Category   string         `json:"category,omitempty"`
	Parameters map[string]any `json:"parameters,omitempty"`
	Text       string         `json:"text,omitempty"`
}

// Label is the display text of the node, falling back to its name.
func (n FlowNode) Label() string {
	if n.Text != "" {
		return n.Text
	}
	return n.Name
}

type FlowEdge struct {
	Name          string `json:"name,omitempty"`
	StartNodeName string `json:"startNodeName"`
	EndNodeName   string `json:"endNodeName"`
	Condition     string `json:"condition,omitempty"`
	If            string `json:"if,omitempty"`
	Value         any    `json:"value,omitempty"`
}

// Extensions maps extension names to manifest paths or URLs, keeping the
// order in which they were declared.
type Extensions struct {
	entries *orderedmap.OrderedMap[string, string]
}

func NewExtensions() *Extensions {
	return &Extensions{entries: orderedmap.New[string, string]()}
}

// Set adds or replaces an extension. Replacing keeps the original position.
func (e *Extensions) Set(name, ref string) {
	if e.entries == nil {
		e.entries = orderedmap.New[string, string]()
	}
	e.entries.Set(name, ref)
}

func (e *Extensions) Len() int {
	if e == nil || e.entries == nil {
		return 0
	}
	return e.entries.Len()
}

// Each visits the extensions in declaration order.
func (e *Extensions) Each(fn func(name, ref string)) {
	if e == nil || e.entries == nil {
		return
	}
	for pair := e.entries.Oldest(); pair != nil; pair = pair.Next() {
		fn(pair.Key, pair.Value)
	}
}

func (e *Extensions) UnmarshalJSON(data []byte) error {
	e.entries = nil
	trimmed := bytes.TrimSpace(data)
	// Anything other than an object disables extension merging rather than
	// failing the whole manifest.
	if len(trimmed) == 0 || trimmed[0] != '{' {
		return nil
	}
	raw := orderedmap.New[string, any]()
	if err := raw.UnmarshalJSON(trimmed); err != nil {
		return fmt.Errorf("decode extends: %w", err)
	}
	entries := orderedmap.New[string, string]()
	for pair := raw.Oldest(); pair != nil; pair = pair.Next() {
		if ref, ok := pair.Value.(string); ok {
			entries.Set(pair.Key, ref)
		}
	}
	e.entries = entries
	return nil
}

func (e *Extensions) MarshalJSON() ([]byte, error) {
	if e == nil || e.entries == nil {
		return []byte("{}"), nil
	}
	return e.entries.MarshalJSON()
}

// JSONSchema describes extends as a string-valued object.
func (Extensions) JSONSchema() *jsonschema.Schema {
	return &jsonschema.Schema{
		Type:                 "object",
		AdditionalProperties: &jsonschema.Schema{Type: "string"},
	}
}

// Default returns the empty manifest used whenever nothing usable could be
// loaded.
func Default() *Manifest {
	return &Manifest{
		Name:    DefaultName,
		Version: DefaultVersion,
		Tools:   []Tool{},
	}
}

// IsDefault reports whether m is the fallback manifest.
func (m *Manifest) IsDefault() bool {
	return m != nil && m.Name == DefaultName && len(m.Tools) == 0
}

// Clone returns a deep copy by round-tripping through JSON; manifests are
// plain JSON documents so nothing is lost.
func (m *Manifest) Clone() *Manifest {
	if m == nil {
		return nil
	}
	data, err := json.Marshal(m)
	if err != nil {
		cp := *m
		return &cp
	}
	var out Manifest
	if err := json.Unmarshal(data, &out); err != nil {
		cp := *m
		return &cp
	}
	return &out
}

// Tool returns the declared tool with the given name.
func (m *Manifest) Tool(name string) (Tool, bool) {
	for _, tool := range m.Tools {
		if tool.Name == name {
			return tool, true
		}
	}
	return Tool{}, false
}
