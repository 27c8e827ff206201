package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/edgeopslabs/blah/pkg/aggregator"
	"github.com/edgeopslabs/blah/pkg/backends/local"
	"github.com/edgeopslabs/blah/pkg/backends/slop"
	"github.com/edgeopslabs/blah/pkg/config"
	"github.com/edgeopslabs/blah/pkg/dispatch"
	"github.com/edgeopslabs/blah/pkg/flow"
	"github.com/edgeopslabs/blah/pkg/manifest"
	"github.com/edgeopslabs/blah/pkg/policy"
	"github.com/edgeopslabs/blah/pkg/registry"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
)

var errToolFailed = errors.New("tool call returned an error")

type options struct {
	configPath string
	manifest   string
	safeMode   bool
}

// app is everything a command needs, built once per invocation.
type app struct {
	cfg        *config.Config
	ref        manifest.Ref
	policy     *policy.Policy
	aggregator *aggregator.Aggregator
	dispatcher *dispatch.Dispatcher
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		if !errors.Is(err, errToolFailed) {
			fmt.Fprintln(os.Stderr, "Error:", err)
		}
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	opts := &options{}
	root := &cobra.Command{
		Use:           "blah",
		Short:         "Resolve BLAH manifests and serve their tools over MCP",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	addGlobalFlags(root.PersistentFlags(), opts)
	root.AddCommand(
		newServeCmd(opts),
		newToolsCmd(opts),
		newCallCmd(opts),
		newValidateCmd(opts),
		newSchemaCmd(),
	)
	return root
}

func addGlobalFlags(flags *pflag.FlagSet, opts *options) {
	flags.StringVar(&opts.configPath, "config", config.FileName, "path to blah configuration file")
	flags.StringVar(&opts.manifest, "manifest", "", "manifest path or URL (default: manifest.ref, then ./blah.json)")
	flags.BoolVar(&opts.safeMode, "safe-mode", false, "hide and block sensitive tools")
}

func (o *options) load() *app {
	cfg, err := config.LoadConfig(o.configPath)
	if o.safeMode {
		cfg.Server.SafeMode = true
	}
	configureLogging(cfg)
	if err != nil {
		if os.IsNotExist(err) {
			slog.Debug("config file not found, using defaults", "path", o.configPath)
		} else {
			slog.Warn("failed to load config, using defaults", "path", o.configPath, "error", err)
		}
	}
	if cfg.Server.SafeMode {
		slog.Warn("safe mode enabled")
	}

	location := o.manifest
	if location == "" {
		location = cfg.Manifest.Ref
	}

	backends := newRegistry(cfg)
	toolPolicy := policy.New(cfg.Policy, cfg.Server.SafeMode)
	loader := manifest.NewLoader(manifest.WithFetchTimeout(cfg.Timeouts.Fetch))
	agg := aggregator.New(loader, backends,
		aggregator.WithPolicy(toolPolicy),
		aggregator.WithCache(aggregator.NewCache(aggregator.WithRemoteTTL(cfg.Manifest.Refresh))),
	)
	return &app{
		cfg:        cfg,
		ref:        manifest.FromLocation(location),
		policy:     toolPolicy,
		aggregator: agg,
		dispatcher: dispatch.New(agg, backends, dispatch.WithPolicy(toolPolicy)),
	}
}

func newRegistry(cfg *config.Config) *registry.Registry {
	reg := registry.New()
	reg.Register(local.NewCommands(cfg.Timeouts.Invocation, cfg.Local.MaxOutputBytes))
	reg.Register(local.NewProbe(
		local.WithLaunchers(cfg.Local.Launchers),
		local.WithBridgeURL(cfg.Local.BridgeURL),
		local.WithTimeouts(cfg.Timeouts.List, cfg.Timeouts.Invocation),
		local.WithConcurrency(cfg.Local.Concurrency),
		local.WithClientInfo(cfg.Server.Name, cfg.Server.Version),
	))
	reg.Register(slop.New(
		slop.WithConcurrency(cfg.Slop.Concurrency),
		slop.WithTimeouts(cfg.Timeouts.Discovery, cfg.Timeouts.Invocation),
	))
	reg.Register(slop.NewSource(nil, cfg.Timeouts.Invocation))
	reg.Register(flow.NewBackend(nil))
	reg.Register(dispatch.NewRemote(nil, cfg.Dispatch.ComputeURL, cfg.Timeouts.Invocation))
	return reg
}

func configureLogging(cfg *config.Config) {
	level := parseLogLevel(cfg.Server.LogLevel)
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)
}

func parseLogLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func newToolsCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "tools",
		Short: "Print the resolved tool list as JSON",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a := opts.load()
			tools := a.aggregator.GetTools(cmd.Context(), a.ref)
			return writeJSON(cmd.OutOrStdout(), tools)
		},
	}
}

func newCallCmd(opts *options) *cobra.Command {
	var rawArgs string
	cmd := &cobra.Command{
		Use:   "call NAME",
		Short: "Invoke one tool and print the result envelope",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			toolArgs, err := parseToolArgs(rawArgs)
			if err != nil {
				return err
			}
			a := opts.load()
			result := a.dispatcher.CallTool(cmd.Context(), args[0], toolArgs, a.ref)
			if err := writeJSON(cmd.OutOrStdout(), result); err != nil {
				return err
			}
			if result.IsError {
				return errToolFailed
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&rawArgs, "args", "", "tool arguments as a JSON object")
	return cmd
}

func parseToolArgs(raw string) (map[string]any, error) {
	args := map[string]any{}
	if strings.TrimSpace(raw) == "" {
		return args, nil
	}
	if err := json.Unmarshal([]byte(raw), &args); err != nil {
		return nil, fmt.Errorf("--args must be a JSON object: %w", err)
	}
	if args == nil {
		args = map[string]any{}
	}
	return args, nil
}

func newValidateCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "validate [REF]",
		Short: "Report schema and structural issues of a manifest",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a := opts.load()
			location := a.ref.Location
			if len(args) == 1 {
				location = args[0]
			}
			if location == "" {
				location = manifest.FileName
			}
			data, err := readManifest(cmd.Context(), location, a.cfg)
			if err != nil {
				return err
			}
			_, issues, err := manifest.Parse(data)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if len(issues) == 0 {
				fmt.Fprintf(out, "%s: ok\n", location)
				return nil
			}
			for _, issue := range issues {
				fmt.Fprintf(out, "%s: %s\n", location, issue)
			}
			return fmt.Errorf("%s has %d issue(s)", location, len(issues))
		},
	}
}

func readManifest(ctx context.Context, location string, cfg *config.Config) ([]byte, error) {
	if !manifest.IsURL(location) {
		data, err := os.ReadFile(location)
		if err != nil {
			return nil, fmt.Errorf("read manifest: %w", err)
		}
		return data, nil
	}

	ctx, cancel := context.WithTimeout(ctx, cfg.Timeouts.Fetch)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, location, nil)
	if err != nil {
		return nil, fmt.Errorf("build manifest request: %w", err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch manifest: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("fetch manifest: %s returned status %d", location, resp.StatusCode)
	}
	return io.ReadAll(resp.Body)
}

func newSchemaCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "schema",
		Short: "Print the manifest JSON Schema",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			data, err := manifest.SchemaJSON()
			if err != nil {
				return err
			}
			_, err = fmt.Fprintln(cmd.OutOrStdout(), string(data))
			return err
		},
	}
}

func writeJSON(w io.Writer, value any) error {
	encoder := json.NewEncoder(w)
	encoder.SetIndent("", "  ")
	return encoder.Encode(value)
}
