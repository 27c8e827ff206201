package flow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"strings"
	"time"

	"github.com/dop251/goja"
	"github.com/edgeopslabs/blah/pkg/manifest"
	"github.com/spf13/cast"
)

// ErrCircularPath is returned when a node appears twice on one execution
// path. It aborts the whole run.
var ErrCircularPath = errors.New("circular path detected")

const (
	nodeManualTrigger     = "manual-trigger"
	nodeRandomNumber      = "random-number"
	nodeExecuteJavaScript = "execute-javascript"

	DefaultScriptTimeout = 10 * time.Second
)

var executableNodes = map[string]bool{
	nodeManualTrigger:     true,
	nodeRandomNumber:      true,
	nodeExecuteJavaScript: true,
}

type Executor struct {
	random        func(low, high int) int
	scriptTimeout time.Duration
}

type Option func(*Executor)

// WithRandom replaces the source of random-number draws. fn returns an
// integer in [low, high].
func WithRandom(fn func(low, high int) int) Option {
	return func(e *Executor) { e.random = fn }
}

func WithScriptTimeout(timeout time.Duration) Option {
	return func(e *Executor) {
		if timeout > 0 {
			e.scriptTimeout = timeout
		}
	}
}

func NewExecutor(opts ...Option) *Executor {
	e := &Executor{
		random: func(low, high int) int {
			return low + rand.IntN(high-low+1)
		},
		scriptTimeout: DefaultScriptTimeout,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// execution is the state of one flow run.
type execution struct {
	topology Topology
	nodes    map[string]manifest.FlowNode
	input    map[string]any
	outputs  map[string]any
	order    []string
	path     []string
}

// Execute runs f from its first start node and returns the output of the
// last node executed. When several outgoing edges match they are followed
// in declaration order and the last branch's result wins.
func (e *Executor) Execute(ctx context.Context, f manifest.Flow, input map[string]any) (any, error) {
	if len(f.Nodes) == 0 {
		return nil, fmt.Errorf("flow %q has no nodes", f.Name)
	}
	x := &execution{
		topology: Analyze(f),
		nodes:    nodeIndex(f),
		input:    input,
		outputs:  make(map[string]any, len(f.Nodes)),
	}
	start := f.Nodes[0]
	if len(x.topology.Starts) > 0 {
		start = x.topology.Starts[0]
	} else {
		slog.Warn("flow has no start node, starting at first node", "flow", f.Name, "node", start.Name)
	}

	result, err := e.visit(ctx, x, start.Name)
	if err != nil {
		return nil, fmt.Errorf("flow %q: %w", f.Name, err)
	}
	return result, nil
}

func (e *Executor) visit(ctx context.Context, x *execution, name string) (any, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	for _, visiting := range x.path {
		if visiting == name {
			trail := append(append([]string{}, x.path...), name)
			return nil, fmt.Errorf("%w: %s", ErrCircularPath, strings.Join(trail, " -> "))
		}
	}
	x.path = append(x.path, name)
	defer func() { x.path = x.path[:len(x.path)-1] }()

	node, ok := x.nodes[name]
	if !ok {
		return nil, fmt.Errorf("edge points at unknown node %q", name)
	}
	output, err := e.run(ctx, x, node)
	if err != nil {
		return nil, fmt.Errorf("node %q: %w", name, err)
	}
	x.outputs[name] = output
	x.order = append(x.order, name)

	edges := x.topology.Outgoing[name]
	if len(edges) == 0 {
		return output, nil
	}
	result := output
	for _, edge := range edges {
		if !Evaluate(edge, x.outputs) {
			continue
		}
		branch, err := e.visit(ctx, x, edge.EndNodeName)
		if err != nil {
			return nil, err
		}
		result = branch
	}
	return result, nil
}

// kind picks the executable node kind from type, then category.
func kind(node manifest.FlowNode) string {
	if executableNodes[node.Type] {
		return node.Type
	}
	if executableNodes[node.Category] {
		return node.Category
	}
	return node.Type
}

func (e *Executor) run(ctx context.Context, x *execution, node manifest.FlowNode) (any, error) {
	switch kind(node) {
	case nodeManualTrigger:
		return map[string]any{"triggered": true}, nil
	case nodeRandomNumber:
		return e.randomNumber(node)
	case nodeExecuteJavaScript:
		code := cast.ToString(node.Parameters["code"])
		return e.script(ctx, code, x.inputData())
	default:
		slog.Warn("unsupported flow node type, returning empty output", "node", node.Name, "type", node.Type)
		return map[string]any{}, nil
	}
}

func (e *Executor) randomNumber(node manifest.FlowNode) (any, error) {
	low, err := intParam(node.Parameters, "min", 0)
	if err != nil {
		return nil, err
	}
	high, err := intParam(node.Parameters, "max", 100)
	if err != nil {
		return nil, err
	}
	if low > high {
		low, high = high, low
	}
	return map[string]any{"randomNumber": e.random(low, high)}, nil
}

func intParam(params map[string]any, key string, def int) (int, error) {
	value, ok := params[key]
	if !ok || value == nil || value == "" {
		return def, nil
	}
	n, err := cast.ToFloat64E(value)
	if err != nil {
		return 0, fmt.Errorf("parameter %s: %q is not a number", key, cast.ToString(value))
	}
	return int(n), nil
}

// inputData is the original input merged with every prior node output,
// both nested under the node name and flattened at the top level.
func (x *execution) inputData() map[string]any {
	data := make(map[string]any, len(x.input)+len(x.order))
	for key, value := range x.input {
		data[key] = value
	}
	for _, name := range x.order {
		output := x.outputs[name]
		data[name] = output
		if fields, ok := output.(map[string]any); ok {
			for key, value := range fields {
				data[key] = value
			}
		}
	}
	return data
}

// script evaluates code as the body of function(inputData).
func (e *Executor) script(ctx context.Context, code string, inputData map[string]any) (any, error) {
	ctx, cancel := context.WithTimeout(ctx, e.scriptTimeout)
	defer cancel()

	vm := goja.New()
	stop := context.AfterFunc(ctx, func() { vm.Interrupt(ctx.Err()) })
	defer stop()

	console := vm.NewObject()
	_ = console.Set("log", func(call goja.FunctionCall) goja.Value {
		parts := make([]string, 0, len(call.Arguments))
		for _, arg := range call.Arguments {
			parts = append(parts, arg.String())
		}
		slog.Debug("flow script", "output", strings.Join(parts, " "))
		return goja.Undefined()
	})
	_ = vm.Set("console", console)

	value, err := vm.RunString("(function(inputData) {\n" + code + "\n})")
	if err != nil {
		return nil, fmt.Errorf("compile script: %w", err)
	}
	fn, ok := goja.AssertFunction(value)
	if !ok {
		return nil, fmt.Errorf("script did not evaluate to a function")
	}
	result, err := fn(goja.Undefined(), vm.ToValue(inputData))
	if err != nil {
		return nil, fmt.Errorf("run script: %w", err)
	}
	if goja.IsUndefined(result) || goja.IsNull(result) {
		return nil, nil
	}
	return result.Export(), nil
}
