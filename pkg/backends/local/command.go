package local

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"time"

	"github.com/edgeopslabs/blah/pkg/manifest"
	"github.com/edgeopslabs/blah/pkg/types"
	"github.com/mark3labs/mcp-go/mcp"
)

const (
	// ArgsEnv carries the JSON-encoded call arguments to plain commands.
	ArgsEnv = "BLAH_ARGS"

	DefaultMaxOutputBytes = 1 << 20

	// waitDelay bounds how long output pipes may stay open after the
	// command was killed.
	waitDelay = 2 * time.Second
)

// Commands runs declared tools whose command is not an MCP launcher. The
// command runs through sh -c and receives the arguments as JSON on stdin
// and in BLAH_ARGS.
type Commands struct {
	timeout  time.Duration
	maxBytes int
}

func NewCommands(timeout time.Duration, maxBytes int) *Commands {
	if timeout <= 0 {
		timeout = DefaultInvokeTimeout
	}
	if maxBytes == 0 {
		maxBytes = DefaultMaxOutputBytes
	}
	return &Commands{timeout: timeout, maxBytes: maxBytes}
}

func (c *Commands) Kind() types.Kind { return types.KindDeclared }

func (c *Commands) Invoke(ctx context.Context, m *manifest.Manifest, tool types.ResolvedTool, args map[string]any) (*mcp.CallToolResult, error) {
	command := tool.Origin.Command
	var env map[string]string
	if m != nil {
		env = m.Env
		if command == "" {
			if declared, ok := m.Tool(tool.Name); ok {
				command = declared.Command
			}
		}
	}
	if strings.TrimSpace(command) == "" {
		return nil, fmt.Errorf("tool %q has no command", tool.Name)
	}
	if args == nil {
		args = map[string]any{}
	}
	data, err := json.Marshal(args)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal command input: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, "sh", "-c", command)
	cmd.Env = append(Environ(env), ArgsEnv+"="+string(data))
	cmd.Stdin = strings.NewReader(string(data))
	cmd.WaitDelay = waitDelay
	groupProcess(cmd)

	output, err := cmd.CombinedOutput()
	if err != nil {
		text := trimOutput(strings.TrimSpace(string(output)), c.maxBytes)
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return types.ErrorResult("command timed out after %s: %s", c.timeout, text), nil
		}
		return types.ErrorResult("command failed: %v: %s", err, text), nil
	}
	return mcp.NewToolResultText(trimOutput(string(output), c.maxBytes)), nil
}

func trimOutput(output string, maxBytes int) string {
	if maxBytes <= 0 {
		return output
	}
	data := []byte(output)
	if len(data) <= maxBytes {
		return output
	}
	return string(data[:maxBytes]) + "\n... truncated"
}

var _ types.Invoker = (*Commands)(nil)
