// Package slop discovers and invokes tools served over the SLOP HTTP
// convention: GET {base}/tools to list, POST {base}/tools/{name} or
// POST {base}/run to call.
package slop

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
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
	DefaultTimeout     = 10 * time.Second
	DefaultConcurrency = 8

	maxResponseBytes = 4 << 20
)

type Backend struct {
	client          *http.Client
	concurrency     int64
	discoverTimeout time.Duration
	invokeTimeout   time.Duration
}

type Option func(*Backend)

func WithHTTPClient(client *http.Client) Option {
	return func(b *Backend) {
		if client != nil {
			b.client = client
		}
	}
}

// WithConcurrency bounds the number of endpoints probed at once.
func WithConcurrency(n int) Option {
	return func(b *Backend) {
		if n > 0 {
			b.concurrency = int64(n)
		}
	}
}

func WithTimeouts(discover, invoke time.Duration) Option {
	return func(b *Backend) {
		if discover > 0 {
			b.discoverTimeout = discover
		}
		if invoke > 0 {
			b.invokeTimeout = invoke
		}
	}
}

func New(opts ...Option) *Backend {
	b := &Backend{
		client:          &http.Client{},
		concurrency:     DefaultConcurrency,
		discoverTimeout: DefaultTimeout,
		invokeTimeout:   DefaultTimeout,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

func (b *Backend) Kind() types.Kind { return types.KindSlop }

// Discover lists the nested tools of every SLOP tool in m. Endpoints are
// probed concurrently; a failing endpoint contributes nothing. Results keep
// manifest order.
func (b *Backend) Discover(ctx context.Context, m *manifest.Manifest) []types.ResolvedTool {
	tools, _ := b.Survey(ctx, m)
	return tools
}

// Survey is Discover that also reports whether every endpoint answered.
func (b *Backend) Survey(ctx context.Context, m *manifest.Manifest) ([]types.ResolvedTool, bool) {
	if m == nil {
		return nil, true
	}
	var parents []manifest.Tool
	for _, tool := range m.Tools {
		if tool.SlopEndpoint() != "" {
			parents = append(parents, tool)
		}
	}
	if len(parents) == 0 {
		return nil, true
	}

	results := make([][]types.ResolvedTool, len(parents))
	sem := semaphore.NewWeighted(b.concurrency)
	var failed atomic.Bool
	var group errgroup.Group
	for i, parent := range parents {
		group.Go(func() error {
			if err := sem.Acquire(ctx, 1); err != nil {
				slog.Warn("slop discovery skipped", "tool", parent.Name, "error", err)
				failed.Store(true)
				return nil
			}
			defer sem.Release(1)

			tools, err := b.List(ctx, parent)
			if err != nil {
				slog.Warn("slop discovery failed", "tool", parent.Name, "endpoint", parent.SlopEndpoint(), "error", err)
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

// List fetches {base}/tools for one declared SLOP tool and names each nested
// tool <parent>_<nested>.
func (b *Backend) List(ctx context.Context, parent manifest.Tool) ([]types.ResolvedTool, error) {
	base := parent.SlopEndpoint()
	ctx, cancel := context.WithTimeout(ctx, b.discoverTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint(base, "tools"), nil)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := b.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("list tools: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, fmt.Errorf("read tools: %w", err)
	}
	if resp.StatusCode < http.StatusOK || resp.StatusCode >= http.StatusMultipleChoices {
		return nil, fmt.Errorf("list tools returned status %d", resp.StatusCode)
	}

	listing, err := ParseListing(body)
	if err != nil {
		return nil, err
	}
	slog.Debug("slop tools listed", "tool", parent.Name, "shape", listing.Shape, "count", len(listing.Tools))

	tools := make([]types.ResolvedTool, 0, len(listing.Tools))
	for _, remote := range listing.Tools {
		tools = append(tools, SubTool(parent, remote.Name, remote.Description, remote.Schema()))
	}
	return tools, nil
}

// SubTool is the resolved form of a nested tool of parent.
func SubTool(parent manifest.Tool, name, description string, schema json.RawMessage) types.ResolvedTool {
	return types.ResolvedTool{
		Name:        parent.Name + "_" + name,
		Description: description,
		InputSchema: schema,
		Origin: types.Origin{
			Kind:         types.KindSlop,
			Parent:       parent.Name,
			OriginalName: name,
			Endpoint:     parent.SlopEndpoint(),
		},
	}
}

// DirectTool is the resolved form of the declared SLOP tool itself, invoked
// through {base}/run.
func DirectTool(parent manifest.Tool) types.ResolvedTool {
	return types.ResolvedTool{
		Name:        parent.Name,
		Description: parent.Description,
		InputSchema: types.SchemaFromMap(parent.InputSchema),
		Origin: types.Origin{
			Kind:     types.KindSlop,
			Parent:   parent.Name,
			Endpoint: parent.SlopEndpoint(),
		},
	}
}

func (b *Backend) Invoke(ctx context.Context, m *manifest.Manifest, tool types.ResolvedTool, args map[string]any) (*mcp.CallToolResult, error) {
	base := tool.Origin.Endpoint
	if base == "" && m != nil {
		if parent, ok := m.Tool(tool.Origin.Parent); ok {
			base = parent.SlopEndpoint()
		}
	}
	if base == "" {
		return nil, fmt.Errorf("tool %q has no slop endpoint", tool.Name)
	}

	name := tool.Origin.OriginalName
	target := endpoint(base, "tools", name)
	if name == "" {
		name = tool.Name
		target = endpoint(base, "run")
	}
	ctx, cancel := context.WithTimeout(ctx, b.invokeTimeout)
	defer cancel()
	return Post(ctx, b.client, target, name, args)
}

// Post sends {name, arguments} and wraps the response. Non-2xx responses
// become error results carrying the upstream status and body.
func Post(ctx context.Context, client *http.Client, target, name string, args map[string]any) (*mcp.CallToolResult, error) {
	if args == nil {
		args = map[string]any{}
	}
	payload, err := json.Marshal(map[string]any{"name": name, "arguments": args})
	if err != nil {
		return nil, fmt.Errorf("encode arguments: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, target, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("call %s: %w", target, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	text := strings.TrimSpace(string(body))
	if resp.StatusCode < http.StatusOK || resp.StatusCode >= http.StatusMultipleChoices {
		return types.ErrorResult("%s returned status %d: %s", target, resp.StatusCode, text), nil
	}
	return mcp.NewToolResultText(text), nil
}

func endpoint(base string, parts ...string) string {
	escaped := make([]string, 0, len(parts)+1)
	escaped = append(escaped, strings.TrimRight(base, "/"))
	for _, part := range parts {
		escaped = append(escaped, url.PathEscape(part))
	}
	return strings.Join(escaped, "/")
}

var (
	_ types.Backend  = (*Backend)(nil)
	_ types.Surveyor = (*Backend)(nil)
)
