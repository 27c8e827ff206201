package main

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/edgeopslabs/blah/pkg/aggregator"
	"github.com/edgeopslabs/blah/pkg/common"
	"github.com/edgeopslabs/blah/pkg/policy"
	"github.com/edgeopslabs/blah/pkg/types"
	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
	"github.com/spf13/cobra"
)

type serveOptions struct {
	transport string
	httpAddr  string
	baseURL   string
	basePath  string
}

func newServeCmd(opts *options) *cobra.Command {
	serve := &serveOptions{}
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the resolved tools as an MCP server",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runServe(cmd.Context(), opts.load(), serve)
		},
	}
	flags := cmd.Flags()
	flags.StringVar(&serve.transport, "transport", "stdio", "transport: stdio or sse")
	flags.StringVar(&serve.httpAddr, "http-addr", ":8080", "http listen address for sse transport")
	flags.StringVar(&serve.baseURL, "base-url", "", "base URL for sse endpoint (e.g. http://localhost:8080)")
	flags.StringVar(&serve.basePath, "base-path", "/mcp", "base path for sse endpoints")
	return cmd
}

func runServe(ctx context.Context, a *app, opts *serveOptions) error {
	common.PrintBanner(a.cfg.Server.Version)

	s := server.NewMCPServer(
		a.cfg.Server.Name,
		a.cfg.Server.Version,
		server.WithToolCapabilities(true),
		server.WithLogging(),
	)

	inventory := &toolInventory{
		Server:    a.cfg.Server.Name,
		Version:   a.cfg.Server.Version,
		Transport: strings.ToLower(opts.transport),
	}
	publish := func(result *aggregator.Result) {
		registerTools(s, a, result.Tools)
		inventory.set(collectToolSummaries(result.Tools, a.policy))
	}
	publish(a.aggregator.Resolve(ctx, a.ref))

	if a.cfg.Manifest.Watch {
		go func() {
			err := a.aggregator.Watch(ctx, func(stale *aggregator.Result) {
				publish(a.aggregator.Resolve(ctx, stale.Reference()))
			})
			if err != nil {
				slog.Warn("manifest watch stopped", "error", err)
			}
		}()
	}

	if inventory.Transport == "sse" {
		return startSSEServer(ctx, s, inventory, opts)
	}

	// Stdout is the MCP channel, everything else goes to stderr.
	fmt.Fprintln(os.Stderr, "blah is serving tools over stdio")
	if err := server.ServeStdio(s); err != nil {
		return fmt.Errorf("server error: %w", err)
	}
	return nil
}

// registerTools replaces the server's tool set with tools.
func registerTools(s *server.MCPServer, a *app, tools []types.ResolvedTool) {
	serverTools := make([]server.ServerTool, 0, len(tools))
	for _, tool := range tools {
		resolved := tool
		serverTools = append(serverTools, server.ServerTool{
			Tool: resolved.MCP(),
			Handler: func(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
				if a.policy.EvaluateTool(resolved) == policy.Confirm {
					if !confirmTool(string(resolved.Origin.Kind), resolved.Name) {
						return mcp.NewToolResultError("tool execution denied by user"), nil
					}
				}
				args, ok := request.Params.Arguments.(map[string]any)
				if !ok {
					args = make(map[string]any)
				}
				return a.dispatcher.CallTool(ctx, resolved.Name, args, a.ref), nil
			},
		})
	}
	s.SetTools(serverTools...)
	slog.Info("tools registered", "ref", a.ref.String(), "count", len(serverTools))
}

type toolSummary struct {
	Kind        string `json:"kind"`
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	Status      string `json:"status"`
}

type toolInventory struct {
	Server    string        `json:"server"`
	Version   string        `json:"version"`
	Transport string        `json:"transport"`
	Tools     []toolSummary `json:"tools"`

	mu sync.RWMutex
}

func (inv *toolInventory) set(tools []toolSummary) {
	inv.mu.Lock()
	defer inv.mu.Unlock()
	inv.Tools = tools
}

func (inv *toolInventory) ServeHTTP(w http.ResponseWriter, _ *http.Request) {
	inv.mu.RLock()
	defer inv.mu.RUnlock()
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(inv)
}

func collectToolSummaries(tools []types.ResolvedTool, toolPolicy *policy.Policy) []toolSummary {
	summaries := make([]toolSummary, 0, len(tools))
	for _, tool := range tools {
		status := "allowed"
		if toolPolicy.EvaluateTool(tool) == policy.Confirm {
			status = "confirm"
		}
		summaries = append(summaries, toolSummary{
			Kind:        string(tool.Origin.Kind),
			Name:        tool.Name,
			Description: tool.Description,
			Status:      status,
		})
	}
	return summaries
}

func newMux(sseServer *server.SSEServer, inventory http.Handler, basePath string) *http.ServeMux {
	mux := http.NewServeMux()
	mux.Handle(basePath+"/sse", sseServer.SSEHandler())
	mux.Handle(basePath+"/message", sseServer.MessageHandler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	mux.Handle("/tools", inventory)
	return mux
}

func startSSEServer(ctx context.Context, mcpServer *server.MCPServer, inventory *toolInventory, opts *serveOptions) error {
	baseURL := opts.baseURL
	if baseURL == "" {
		baseURL = "http://localhost" + opts.httpAddr
	}

	sseServer := server.NewSSEServer(
		mcpServer,
		server.WithBaseURL(baseURL),
		server.WithStaticBasePath(opts.basePath),
		server.WithSSEEndpoint("/sse"),
		server.WithMessageEndpoint("/message"),
		server.WithUseFullURLForMessageEndpoint(true),
		server.WithKeepAlive(true),
	)

	slog.Info("starting sse server", "addr", opts.httpAddr, "baseURL", baseURL, "basePath", opts.basePath)
	httpServer := &http.Server{
		Addr:              opts.httpAddr,
		Handler:           newMux(sseServer, inventory, opts.basePath),
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = httpServer.Shutdown(shutdownCtx)
	}()
	if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("sse server error: %w", err)
	}
	return nil
}

func confirmTool(kind, tool string) bool {
	tty, err := os.OpenFile(filepath.Clean("/dev/tty"), os.O_RDWR, 0)
	if err != nil {
		slog.Warn("confirmation unavailable; denying tool", "kind", kind, "tool", tool, "error", err)
		return false
	}
	defer tty.Close()

	_, _ = fmt.Fprintf(tty, "Confirm execution of %s/%s [y/N]: ", kind, tool)
	reader := bufio.NewReader(tty)
	line, _ := reader.ReadString('\n')
	response := strings.TrimSpace(strings.ToLower(line))
	return response == "y" || response == "yes"
}
