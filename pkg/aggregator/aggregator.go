// Package aggregator turns a manifest reference into the flat list of
// tools a client can call.
package aggregator

import (
	"context"
	"log/slog"
	"time"

	"github.com/edgeopslabs/blah/pkg/manifest"
	"github.com/edgeopslabs/blah/pkg/policy"
	"github.com/edgeopslabs/blah/pkg/registry"
	"github.com/edgeopslabs/blah/pkg/types"
	"golang.org/x/sync/errgroup"
)

// BridgeDetector reports whether a declared tool is an MCP bridge point.
// Bridge points are not listed; their nested tools are.
type BridgeDetector interface {
	IsBridge(tool manifest.Tool) bool
}

// Result is one aggregation pass. It is never modified once returned.
type Result struct {
	Ref         string
	Location    string
	Sources     []string
	Manifest    *manifest.Manifest
	Tools       []types.ResolvedTool
	Fingerprint string
	At          time.Time
	// Complete is false when the manifest fell back to the default or a
	// source failed during discovery. Incomplete results are not cached.
	Complete bool

	ref   manifest.Ref
	index map[string]int
}

// Tool finds a resolved tool by name.
func (r *Result) Tool(name string) (types.ResolvedTool, bool) {
	if r == nil {
		return types.ResolvedTool{}, false
	}
	i, ok := r.index[name]
	if !ok {
		return types.ResolvedTool{}, false
	}
	return r.Tools[i], true
}

// Reference is the manifest reference the result was resolved from.
func (r *Result) Reference() manifest.Ref {
	return r.ref
}

type Aggregator struct {
	loader   *manifest.Loader
	backends *registry.Registry
	policy   *policy.Policy
	cache    *Cache
	added    chan struct{}
}

type Option func(*Aggregator)

func WithPolicy(p *policy.Policy) Option {
	return func(a *Aggregator) { a.policy = p }
}

func WithCache(c *Cache) Option {
	return func(a *Aggregator) { a.cache = c }
}

func New(loader *manifest.Loader, backends *registry.Registry, opts ...Option) *Aggregator {
	if loader == nil {
		loader = manifest.NewLoader()
	}
	if backends == nil {
		backends = registry.New()
	}
	a := &Aggregator{
		loader:   loader,
		backends: backends,
		cache:    NewCache(),
		added:    make(chan struct{}, 1),
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

func (a *Aggregator) Loader() *manifest.Loader { return a.loader }

func (a *Aggregator) Cache() *Cache { return a.cache }

// GetTools returns the tools of ref. It never fails; broken sources
// contribute nothing.
func (a *Aggregator) GetTools(ctx context.Context, ref manifest.Ref) []types.ResolvedTool {
	return a.Resolve(ctx, ref).Tools
}

// Resolve returns the cached aggregation of ref, running a fresh pass
// when there is none or the cached one expired.
func (a *Aggregator) Resolve(ctx context.Context, ref manifest.Ref) *Result {
	if cached, ok := a.cache.Get(ref); ok {
		return cached
	}
	return a.Aggregate(ctx, ref)
}

// Aggregate runs a full pass and caches it when it is complete. Streams are
// concatenated in a fixed order: declared tools, nested MCP tools, SLOP
// tools, flow tools.
func (a *Aggregator) Aggregate(ctx context.Context, ref manifest.Ref) *Result {
	res := a.loader.ResolveSources(ctx, ref)
	m := res.Manifest
	if m == nil {
		m = manifest.Default()
	}

	declared := a.declared(m)

	var (
		nested, slop     []types.ResolvedTool
		nestedOK, slopOK bool
		group            errgroup.Group
	)
	group.Go(func() error {
		nested, nestedOK = a.discover(ctx, types.KindMCP, m)
		return nil
	})
	group.Go(func() error {
		slop, slopOK = a.discover(ctx, types.KindSlop, m)
		return nil
	})
	_ = group.Wait()
	flows, flowsOK := a.discover(ctx, types.KindFlow, m)

	all := make([]types.ResolvedTool, 0, len(declared)+len(nested)+len(slop)+len(flows))
	all = append(all, declared...)
	all = append(all, nested...)
	all = append(all, slop...)
	all = append(all, flows...)
	tools := a.policy.Filter(dedupe(all))

	result := newResult(ref, res, m, tools)
	result.Complete = !m.IsDefault() && nestedOK && slopOK && flowsOK
	if result.Complete {
		a.cache.Put(ref, result)
		a.notifyWatcher()
	}
	slog.Info("tools aggregated", "ref", result.Ref, "declared", len(declared), "mcp", len(nested), "slop", len(slop), "flows", len(flows), "total", len(tools), "cached", result.Complete)
	return result
}

func newResult(ref manifest.Ref, res manifest.Resolution, m *manifest.Manifest, tools []types.ResolvedTool) *Result {
	index := make(map[string]int, len(tools))
	for i, tool := range tools {
		index[tool.Name] = i
	}
	return &Result{
		Ref:         ref.String(),
		Location:    res.Location,
		Sources:     res.Sources,
		Manifest:    m,
		Tools:       tools,
		Fingerprint: Fingerprint(m),
		At:          time.Now(),
		ref:         ref,
		index:       index,
	}
}

// declared lists manifest tools that are neither SLOP tools nor MCP bridge
// points.
func (a *Aggregator) declared(m *manifest.Manifest) []types.ResolvedTool {
	var bridges BridgeDetector
	if backend, ok := a.backends.Get(types.KindMCP); ok {
		bridges, _ = backend.(BridgeDetector)
	}

	tools := make([]types.ResolvedTool, 0, len(m.Tools))
	for _, tool := range m.Tools {
		if tool.Name == "" || tool.SlopEndpoint() != "" {
			continue
		}
		if bridges != nil && bridges.IsBridge(tool) {
			continue
		}
		origin := types.Origin{
			Kind:      types.KindDeclared,
			Command:   tool.Command,
			Provider:  tool.Provider,
			Extension: tool.FromExtension,
		}
		if endpoint := tool.SourceEndpoint(); endpoint != "" && tool.Command == "" {
			origin.Kind = types.KindSource
			origin.Endpoint = endpoint
		}
		tools = append(tools, types.ResolvedTool{
			Name:        tool.Name,
			Description: tool.Description,
			InputSchema: types.SchemaFromMap(tool.InputSchema),
			Origin:      origin,
		})
	}
	return tools
}

// discover runs one backend. A panicking backend is logged and counted as
// a failed source contributing nothing.
func (a *Aggregator) discover(ctx context.Context, kind types.Kind, m *manifest.Manifest) (tools []types.ResolvedTool, complete bool) {
	backend, ok := a.backends.Backend(kind)
	if !ok {
		return nil, true
	}
	defer func() {
		if r := recover(); r != nil {
			slog.Error("tool discovery panicked", "kind", kind, "panic", r)
			tools, complete = nil, false
		}
	}()
	if surveyor, ok := backend.(types.Surveyor); ok {
		return surveyor.Survey(ctx, m)
	}
	return backend.Discover(ctx, m), true
}

// dedupe drops repeated names, keeping the first occurrence.
func dedupe(tools []types.ResolvedTool) []types.ResolvedTool {
	seen := make(map[string]bool, len(tools))
	out := make([]types.ResolvedTool, 0, len(tools))
	for _, tool := range tools {
		if seen[tool.Name] {
			slog.Warn("dropping duplicate tool", "tool", tool.Name, "kind", tool.Origin.Kind)
			continue
		}
		seen[tool.Name] = true
		out = append(out, tool)
	}
	return out
}
