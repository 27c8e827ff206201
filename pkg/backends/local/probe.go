// Package local runs tools declared with a command: nested MCP servers
// reached over stdio or an SSE bridge, and plain shell commands.
package local

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"regexp"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/edgeopslabs/blah/pkg/manifest"
	"github.com/edgeopslabs/blah/pkg/types"
	"github.com/mark3labs/mcp-go/mcp"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"
)

const (
	DefaultListTimeout   = 10 * time.Second
	DefaultInvokeTimeout = 30 * time.Second
	DefaultConcurrency   = 4

	// ProviderPlaceholder is replaced by a tool's provider in the bridge URL.
	ProviderPlaceholder = "{provider}"
)

// DefaultLaunchers are command tokens that mark a command as an MCP server
// launcher.
var DefaultLaunchers = []string{"npx", "uvx", "bunx", "pipx", "pnpm dlx", "yarn dlx", "mcp-server"}

// Probe discovers and invokes tools of nested MCP servers.
type Probe struct {
	launchers     []string
	bridgeURL     string
	listTimeout   time.Duration
	invokeTimeout time.Duration
	concurrency   int64
	info          mcp.Implementation
}

type Option func(*Probe)

func WithLaunchers(launchers []string) Option {
	return func(p *Probe) {
		if len(launchers) > 0 {
			p.launchers = launchers
		}
	}
}

// WithBridgeURL sets the SSE endpoint used for tools with a provider. The
// URL may contain {provider}.
func WithBridgeURL(url string) Option {
	return func(p *Probe) { p.bridgeURL = url }
}

func WithTimeouts(list, invoke time.Duration) Option {
	return func(p *Probe) {
		if list > 0 {
			p.listTimeout = list
		}
		if invoke > 0 {
			p.invokeTimeout = invoke
		}
	}
}

func WithConcurrency(n int) Option {
	return func(p *Probe) {
		if n > 0 {
			p.concurrency = int64(n)
		}
	}
}

// WithClientInfo sets the implementation reported during initialize.
func WithClientInfo(name, version string) Option {
	return func(p *Probe) { p.info = mcp.Implementation{Name: name, Version: version} }
}

func NewProbe(opts ...Option) *Probe {
	p := &Probe{
		launchers:     DefaultLaunchers,
		listTimeout:   DefaultListTimeout,
		invokeTimeout: DefaultInvokeTimeout,
		concurrency:   DefaultConcurrency,
		info:          mcp.Implementation{Name: "blah", Version: "dev"},
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

func (p *Probe) Kind() types.Kind { return types.KindMCP }

// IsBridge reports whether tool is an MCP bridge point: an explicit
// bridge marker, or a command that looks like an MCP launcher.
func (p *Probe) IsBridge(tool manifest.Tool) bool {
	if tool.Command == "" || tool.SlopEndpoint() != "" {
		return false
	}
	if tool.Bridge == "mcp" {
		return true
	}
	return LooksLikeMCP(tool.Command, p.launchers)
}

// LooksLikeMCP matches command against launcher tokens. Tokens match whole
// words, so "npx" does not match "npxtool"; hyphenated tokens such as
// "mcp-server" also match inside a word.
func LooksLikeMCP(command string, launchers []string) bool {
	words := strings.Fields(command)
	for _, launcher := range launchers {
		want := strings.Fields(launcher)
		if len(want) == 0 {
			continue
		}
		for i := 0; i+len(want) <= len(words); i++ {
			if matchWords(words[i:i+len(want)], want) {
				return true
			}
		}
		if len(want) == 1 && strings.Contains(want[0], "-") && strings.Contains(command, want[0]) {
			return true
		}
	}
	return false
}

func matchWords(words, want []string) bool {
	for i := range want {
		word := words[i]
		if j := strings.LastIndexByte(word, '/'); j >= 0 {
			word = word[j+1:]
		}
		if word != want[i] {
			return false
		}
	}
	return true
}

// Target returns how to reach the nested server of tool.
func (p *Probe) Target(m *manifest.Manifest, tool manifest.Tool) Target {
	var env map[string]string
	if m != nil {
		env = m.Env
	}
	target := Target{Command: tool.Command, Env: Environ(env)}
	if tool.Provider != "" && p.bridgeURL != "" {
		target.URL = strings.ReplaceAll(p.bridgeURL, ProviderPlaceholder, tool.Provider)
	}
	return target
}

// Discover opens a session per bridge tool, lists its tools and closes it.
// Probes run concurrently; a failing probe contributes nothing.
func (p *Probe) Discover(ctx context.Context, m *manifest.Manifest) []types.ResolvedTool {
	tools, _ := p.Survey(ctx, m)
	return tools
}

// Survey is Discover that also reports whether every bridge answered.
func (p *Probe) Survey(ctx context.Context, m *manifest.Manifest) ([]types.ResolvedTool, bool) {
	if m == nil {
		return nil, true
	}
	var parents []manifest.Tool
	for _, tool := range m.Tools {
		if p.IsBridge(tool) {
			parents = append(parents, tool)
		}
	}
	if len(parents) == 0 {
		return nil, true
	}

	results := make([][]types.ResolvedTool, len(parents))
	sem := semaphore.NewWeighted(p.concurrency)
	var failed atomic.Bool
	var group errgroup.Group
	for i, parent := range parents {
		group.Go(func() error {
			if err := sem.Acquire(ctx, 1); err != nil {
				slog.Warn("mcp discovery skipped", "tool", parent.Name, "error", err)
				failed.Store(true)
				return nil
			}
			defer sem.Release(1)

			tools, err := p.List(ctx, m, parent)
			if err != nil {
				slog.Warn("mcp discovery failed", "tool", parent.Name, "command", parent.Command, "error", err)
				failed.Store(true)
				return nil
			}
			results[i] = tools
			return nil
		})
	}
	_ = group.Wait()

	var tools []types.ResolvedTool
	for _, batch := range results {
		tools = append(tools, batch...)
	}
	return tools, !failed.Load()
}

// List runs one open, list, close cycle against the nested server of
// parent. The child is killed when the list timeout expires.
func (p *Probe) List(ctx context.Context, m *manifest.Manifest, parent manifest.Tool) ([]types.ResolvedTool, error) {
	ctx, cancel := context.WithTimeout(ctx, p.listTimeout)
	defer cancel()

	target := p.Target(m, parent)
	session, err := Open(ctx, target, p.info)
	if err != nil {
		return nil, err
	}
	defer session.Close()

	nested, err := session.ListTools(ctx)
	if err != nil {
		return nil, err
	}
	tools := make([]types.ResolvedTool, 0, len(nested))
	for i, tool := range nested {
		if tool.Name == "" {
			continue
		}
		tools = append(tools, types.ResolvedTool{
			Name:        NestedName(parent.Name, i, tool.Name),
			Description: tool.Description,
			InputSchema: schemaOf(tool),
			Origin: types.Origin{
				Kind:         types.KindMCP,
				Parent:       parent.Name,
				OriginalName: tool.Name,
				Command:      parent.Command,
				Provider:     parent.Provider,
				Endpoint:     target.URL,
			},
		})
	}
	return tools, nil
}

func schemaOf(tool mcp.Tool) json.RawMessage {
	if len(tool.RawInputSchema) > 0 {
		return tool.RawInputSchema
	}
	if tool.InputSchema.Type == "" {
		return nil
	}
	data, err := json.Marshal(tool.InputSchema)
	if err != nil {
		return nil
	}
	return data
}

// NestedName is the collision-proof name of the index-th tool listed by
// parent.
func NestedName(parent string, index int, nested string) string {
	return strings.ToUpper(parent) + "_" + strconv.Itoa(index) + "_" + nested
}

var nestedPattern = regexp.MustCompile(`^_(\d+)_(.+)$`)

// MatchNested finds the bridge tool of m that produced name and returns
// it with the nested tool's original name. When several bridges match,
// the one with the longest name wins, so bridges "a" and "a_1" both
// resolve their own tools.
func (p *Probe) MatchNested(m *manifest.Manifest, name string) (manifest.Tool, string, bool) {
	if m == nil {
		return manifest.Tool{}, "", false
	}
	var (
		best     manifest.Tool
		original string
		found    bool
	)
	for _, tool := range m.Tools {
		if !p.IsBridge(tool) {
			continue
		}
		prefix := strings.ToUpper(tool.Name)
		if !strings.HasPrefix(name, prefix) || (found && len(prefix) <= len(best.Name)) {
			continue
		}
		if match := nestedPattern.FindStringSubmatch(name[len(prefix):]); match != nil {
			best, original, found = tool, match[2], true
		}
	}
	return best, original, found
}

// Invoke re-opens the session that listed tool and calls its original name.
// The session is closed whether or not the call succeeds.
func (p *Probe) Invoke(ctx context.Context, m *manifest.Manifest, tool types.ResolvedTool, args map[string]any) (*mcp.CallToolResult, error) {
	var parent manifest.Tool
	ok := false
	if m != nil {
		parent, ok = m.Tool(tool.Origin.Parent)
	}
	if !ok {
		if tool.Origin.Command == "" {
			return nil, fmt.Errorf("bridge tool %q not found", tool.Origin.Parent)
		}
		parent = manifest.Tool{Name: tool.Origin.Parent, Command: tool.Origin.Command, Provider: tool.Origin.Provider}
	}
	original := tool.Origin.OriginalName
	if original == "" {
		return nil, fmt.Errorf("tool %q has no nested name", tool.Name)
	}

	ctx, cancel := context.WithTimeout(ctx, p.invokeTimeout)
	defer cancel()

	session, err := Open(ctx, p.Target(m, parent), p.info)
	if err != nil {
		return nil, err
	}
	defer session.Close()
	return session.CallTool(ctx, original, args)
}

var (
	_ types.Backend  = (*Probe)(nil)
	_ types.Surveyor = (*Probe)(nil)
)
