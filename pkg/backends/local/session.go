package local

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/google/shlex"
	"github.com/mark3labs/mcp-go/client"
	"github.com/mark3labs/mcp-go/client/transport"
	"github.com/mark3labs/mcp-go/mcp"
)

const maxListPages = 100

// Target describes how to reach one nested MCP server.
type Target struct {
	Command string
	// URL selects an SSE session instead of spawning Command.
	URL string
	Env []string
}

// Session is one open MCP client session. The caller owns it and must
// Close it.
type Session struct {
	target Target
	client *client.Client
}

// Open starts the nested server (or connects to the SSE bridge) and runs
// the MCP handshake. For stdio targets the child process is bound to ctx.
func Open(ctx context.Context, target Target, info mcp.Implementation) (*Session, error) {
	var (
		c   *client.Client
		err error
	)
	if target.URL != "" {
		c, err = client.NewSSEMCPClient(target.URL)
		if err != nil {
			return nil, fmt.Errorf("create sse client: %w", err)
		}
	} else {
		argv, err := shlex.Split(target.Command)
		if err != nil {
			return nil, fmt.Errorf("split command: %w", err)
		}
		if len(argv) == 0 {
			return nil, errors.New("empty command")
		}
		c = client.NewClient(transport.NewStdio(argv[0], target.Env, argv[1:]...))
	}

	if err := c.Start(ctx); err != nil {
		return nil, fmt.Errorf("start session: %w", err)
	}
	s := &Session{target: target, client: c}
	if target.URL == "" {
		s.drainStderr()
	}

	req := mcp.InitializeRequest{}
	req.Params.ProtocolVersion = mcp.LATEST_PROTOCOL_VERSION
	req.Params.ClientInfo = info
	if _, err := c.Initialize(ctx, req); err != nil {
		_ = s.Close()
		return nil, fmt.Errorf("initialize: %w", err)
	}
	return s, nil
}

func (s *Session) drainStderr() {
	stderr, ok := client.GetStderr(s.client)
	if !ok {
		return
	}
	command := s.target.Command
	go func() {
		scanner := bufio.NewScanner(stderr)
		for scanner.Scan() {
			slog.Debug("nested server stderr", "command", command, "line", scanner.Text())
		}
	}()
}

// ListTools pages through tools/list.
func (s *Session) ListTools(ctx context.Context) ([]mcp.Tool, error) {
	var tools []mcp.Tool
	req := mcp.ListToolsRequest{}
	for page := 0; page < maxListPages; page++ {
		res, err := s.client.ListTools(ctx, req)
		if err != nil {
			return nil, fmt.Errorf("tools/list: %w", err)
		}
		tools = append(tools, res.Tools...)
		if strings.TrimSpace(string(res.NextCursor)) == "" {
			return tools, nil
		}
		req.Params.Cursor = res.NextCursor
	}
	slog.Warn("tools/list page limit reached", "command", s.target.Command, "pages", maxListPages)
	return tools, nil
}

func (s *Session) CallTool(ctx context.Context, name string, args map[string]any) (*mcp.CallToolResult, error) {
	req := mcp.CallToolRequest{}
	req.Params.Name = name
	req.Params.Arguments = args
	res, err := s.client.CallTool(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("tools/call %s: %w", name, err)
	}
	return res, nil
}

// Close ends the session and, for stdio targets, stops the child process.
func (s *Session) Close() error {
	if s == nil || s.client == nil {
		return nil
	}
	return s.client.Close()
}
