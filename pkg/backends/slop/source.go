package slop

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/edgeopslabs/blah/pkg/manifest"
	"github.com/edgeopslabs/blah/pkg/types"
	"github.com/mark3labs/mcp-go/mcp"
)

// Source invokes declared tools backed by a plain HTTP endpoint
// (source/sourceUrl): POST {sourceUrl} with {name, arguments}.
type Source struct {
	client  *http.Client
	timeout time.Duration
}

func NewSource(client *http.Client, timeout time.Duration) *Source {
	if client == nil {
		client = &http.Client{}
	}
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Source{client: client, timeout: timeout}
}

func (s *Source) Kind() types.Kind { return types.KindSource }

func (s *Source) Invoke(ctx context.Context, m *manifest.Manifest, tool types.ResolvedTool, args map[string]any) (*mcp.CallToolResult, error) {
	target := tool.Origin.Endpoint
	if target == "" && m != nil {
		if declared, ok := m.Tool(tool.Name); ok {
			target = declared.SourceEndpoint()
		}
	}
	if target == "" {
		return nil, fmt.Errorf("tool %q has no source endpoint", tool.Name)
	}
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	return Post(ctx, s.client, target, tool.Name, args)
}

var _ types.Invoker = (*Source)(nil)
