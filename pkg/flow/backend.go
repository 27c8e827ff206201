package flow

import (
	"context"
	"fmt"

	"github.com/edgeopslabs/blah/pkg/manifest"
	"github.com/edgeopslabs/blah/pkg/types"
	"github.com/mark3labs/mcp-go/mcp"
)

// Backend exposes manifest flows as tools.
type Backend struct {
	executor *Executor
}

func NewBackend(executor *Executor) *Backend {
	if executor == nil {
		executor = NewExecutor()
	}
	return &Backend{executor: executor}
}

func (b *Backend) Kind() types.Kind { return types.KindFlow }

func (b *Backend) Discover(_ context.Context, m *manifest.Manifest) []types.ResolvedTool {
	if m == nil {
		return nil
	}
	return Compile(m.Flows)
}

func (b *Backend) Invoke(ctx context.Context, m *manifest.Manifest, tool types.ResolvedTool, args map[string]any) (*mcp.CallToolResult, error) {
	f, ok := b.lookup(m, tool)
	if !ok {
		return nil, fmt.Errorf("flow for tool %q not found", tool.Name)
	}
	result, err := b.executor.Execute(ctx, f, args)
	if err != nil {
		return nil, err
	}
	return types.TextResult(result), nil
}

func (b *Backend) lookup(m *manifest.Manifest, tool types.ResolvedTool) (manifest.Flow, bool) {
	if m == nil {
		return manifest.Flow{}, false
	}
	if tool.Origin.Flow != "" {
		for _, f := range m.Flows {
			if f.Name == tool.Origin.Flow {
				return f, true
			}
		}
	}
	return Find(m.Flows, tool.Name)
}
