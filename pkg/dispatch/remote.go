package dispatch

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/edgeopslabs/blah/pkg/backends/slop"
	"github.com/edgeopslabs/blah/pkg/manifest"
	"github.com/edgeopslabs/blah/pkg/types"
	"github.com/mark3labs/mcp-go/mcp"
)

// Remote forwards calls against a remote manifest to its compute host:
// POST {host}/tools/{name} with {name, arguments}.
type Remote struct {
	client  *http.Client
	host    string
	timeout time.Duration
}

// NewRemote returns a forwarder. host overrides the compute host; when it
// is empty the origin of the manifest URL is used.
func NewRemote(client *http.Client, host string, timeout time.Duration) *Remote {
	if client == nil {
		client = &http.Client{}
	}
	if timeout <= 0 {
		timeout = slop.DefaultTimeout
	}
	return &Remote{client: client, host: strings.TrimRight(host, "/"), timeout: timeout}
}

func (r *Remote) Kind() types.Kind { return types.KindRemote }

func (r *Remote) Invoke(ctx context.Context, _ *manifest.Manifest, tool types.ResolvedTool, args map[string]any) (*mcp.CallToolResult, error) {
	host := r.host
	if host == "" {
		origin, err := ComputeHost(tool.Origin.Endpoint)
		if err != nil {
			return nil, err
		}
		host = origin
	}
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()
	return slop.Post(ctx, r.client, host+"/tools/"+url.PathEscape(tool.Name), tool.Name, args)
}

// ComputeHost returns scheme://host of a manifest URL.
func ComputeHost(manifestURL string) (string, error) {
	parsed, err := url.Parse(manifestURL)
	if err != nil {
		return "", fmt.Errorf("invalid manifest url: %w", err)
	}
	if parsed.Scheme == "" || parsed.Host == "" {
		return "", fmt.Errorf("manifest url %q must include scheme and host", manifestURL)
	}
	return parsed.Scheme + "://" + parsed.Host, nil
}

var _ types.Invoker = (*Remote)(nil)
