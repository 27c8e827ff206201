// Package dispatch routes a tool call to the backend that produced the
// tool.
package dispatch

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/edgeopslabs/blah/pkg/aggregator"
	"github.com/edgeopslabs/blah/pkg/backends/slop"
	"github.com/edgeopslabs/blah/pkg/flow"
	"github.com/edgeopslabs/blah/pkg/manifest"
	"github.com/edgeopslabs/blah/pkg/policy"
	"github.com/edgeopslabs/blah/pkg/registry"
	"github.com/edgeopslabs/blah/pkg/types"
	"github.com/google/uuid"
	"github.com/mark3labs/mcp-go/mcp"
)

// URIResolver handles URI-style tool names that no manifest declares.
// handled is false when name is not one of its tools.
type URIResolver interface {
	CallURI(ctx context.Context, name string, args map[string]any) (result *mcp.CallToolResult, handled bool, err error)
}

// NestedMatcher maps a nested MCP tool name back to its bridge tool.
type NestedMatcher interface {
	MatchNested(m *manifest.Manifest, name string) (parent manifest.Tool, original string, ok bool)
}

type Dispatcher struct {
	agg      *aggregator.Aggregator
	backends *registry.Registry
	policy   *policy.Policy
	uri      URIResolver
}

type Option func(*Dispatcher)

func WithPolicy(p *policy.Policy) Option {
	return func(d *Dispatcher) { d.policy = p }
}

func WithURIResolver(r URIResolver) Option {
	return func(d *Dispatcher) { d.uri = r }
}

func New(agg *aggregator.Aggregator, backends *registry.Registry, opts ...Option) *Dispatcher {
	d := &Dispatcher{agg: agg, backends: backends}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// CallTool invokes name with args against the manifest ref points at.
// Every outcome, including routing failures, is returned as a result
// envelope.
func (d *Dispatcher) CallTool(ctx context.Context, name string, args map[string]any, ref manifest.Ref) *mcp.CallToolResult {
	callID := uuid.NewString()
	logger := slog.With("call_id", callID, "tool", name, "ref", ref.String())
	start := time.Now()

	result, err := d.route(ctx, logger, name, args, ref)
	if err != nil {
		logger.Warn("tool call failed", "error", err, "duration", time.Since(start))
		return types.ErrorResult("%v", err)
	}
	if result == nil {
		logger.Warn("tool call returned no result")
		return types.ErrorResult("tool %s returned no result", name)
	}
	logger.Info("tool call finished", "is_error", result.IsError, "duration", time.Since(start))
	return result
}

func (d *Dispatcher) route(ctx context.Context, logger *slog.Logger, name string, args map[string]any, ref manifest.Ref) (*mcp.CallToolResult, error) {
	var m *manifest.Manifest
	cached, ok := d.agg.Cache().Get(ref)
	if ok {
		m = cached.Manifest
		// Tools of a remote manifest only run here when they are SLOP
		// tools; everything else belongs to the remote compute host.
		if tool, ok := cached.Tool(name); ok && (!ref.IsURL() || tool.Origin.Kind == types.KindSlop) {
			logger.Debug("dispatching by provenance", "kind", tool.Origin.Kind)
			return d.invoke(ctx, m, tool, args)
		}
	} else {
		m = d.agg.Loader().Resolve(ctx, ref)
	}

	if declared, ok := m.Tool(name); ok && declared.SlopEndpoint() != "" {
		logger.Debug("dispatching to slop run endpoint")
		return d.invoke(ctx, m, slop.DirectTool(declared), args)
	}

	if parentName, rest, found := strings.Cut(name, "_"); found && parentName != "" && rest != "" {
		if parent, ok := m.Tool(parentName); ok && parent.SlopEndpoint() != "" {
			logger.Debug("dispatching to slop sub-tool", "parent", parentName)
			return d.invoke(ctx, m, slop.SubTool(parent, rest, "", nil), args)
		}
	}

	if ref.IsURL() {
		logger.Debug("forwarding to remote compute host")
		return d.invoke(ctx, m, types.ResolvedTool{
			Name:   name,
			Origin: types.Origin{Kind: types.KindRemote, Endpoint: ref.Location},
		}, args)
	}

	if d.uri != nil {
		result, handled, err := d.uri.CallURI(ctx, name, args)
		if handled {
			return result, err
		}
	}

	if strings.HasPrefix(name, flow.ToolPrefix) {
		if f, ok := flow.Find(m.Flows, name); ok {
			return d.invoke(ctx, m, types.ResolvedTool{
				Name:   name,
				Origin: types.Origin{Kind: types.KindFlow, Flow: f.Name},
			}, args)
		}
	}

	if matcher, ok := d.nested(); ok {
		if parent, original, ok := matcher.MatchNested(m, name); ok {
			return d.invoke(ctx, m, types.ResolvedTool{
				Name: name,
				Origin: types.Origin{
					Kind:         types.KindMCP,
					Parent:       parent.Name,
					OriginalName: original,
					Command:      parent.Command,
					Provider:     parent.Provider,
				},
			}, args)
		}
	}

	if declared, ok := m.Tool(name); ok {
		return d.declared(ctx, m, declared, args)
	}
	return nil, fmt.Errorf("no implementation available for tool %s", name)
}

func (d *Dispatcher) declared(ctx context.Context, m *manifest.Manifest, declared manifest.Tool, args map[string]any) (*mcp.CallToolResult, error) {
	switch {
	case declared.Command != "":
		if detector, ok := d.bridges(); ok && detector.IsBridge(declared) {
			return nil, fmt.Errorf("tool %s is an MCP bridge, call one of its nested tools", declared.Name)
		}
		return d.invoke(ctx, m, types.ResolvedTool{
			Name:   declared.Name,
			Origin: types.Origin{Kind: types.KindDeclared, Command: declared.Command},
		}, args)
	case declared.SourceEndpoint() != "":
		return d.invoke(ctx, m, types.ResolvedTool{
			Name:   declared.Name,
			Origin: types.Origin{Kind: types.KindSource, Endpoint: declared.SourceEndpoint()},
		}, args)
	default:
		return nil, fmt.Errorf("no implementation available for tool %s", declared.Name)
	}
}

func (d *Dispatcher) invoke(ctx context.Context, m *manifest.Manifest, tool types.ResolvedTool, args map[string]any) (*mcp.CallToolResult, error) {
	if d.policy.EvaluateTool(tool) == policy.Deny {
		return nil, fmt.Errorf("tool %s is blocked by policy", tool.Name)
	}
	if tool.Origin.Kind == types.KindDeclared && tool.Origin.Command == "" {
		return nil, fmt.Errorf("no implementation available for tool %s", tool.Name)
	}
	invoker, ok := d.backends.Get(tool.Origin.Kind)
	if !ok {
		return nil, fmt.Errorf("no %s backend available for tool %s", tool.Origin.Kind, tool.Name)
	}
	return invoker.Invoke(ctx, m, tool, args)
}

func (d *Dispatcher) nested() (NestedMatcher, bool) {
	invoker, ok := d.backends.Get(types.KindMCP)
	if !ok {
		return nil, false
	}
	matcher, ok := invoker.(NestedMatcher)
	return matcher, ok
}

func (d *Dispatcher) bridges() (aggregator.BridgeDetector, bool) {
	invoker, ok := d.backends.Get(types.KindMCP)
	if !ok {
		return nil, false
	}
	detector, ok := invoker.(aggregator.BridgeDetector)
	return detector, ok
}
