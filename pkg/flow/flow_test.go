package flow

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/edgeopslabs/blah/pkg/manifest"
	"github.com/edgeopslabs/blah/pkg/types"
	"github.com/mark3labs/mcp-go/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func js(name, code string) manifest.FlowNode {
	return manifest.FlowNode{
		Name:       name,
		Type:       "execute-javascript",
		Category:   "utility",
		Parameters: map[string]any{"code": code},
	}
}

func edge(from, to string) manifest.FlowEdge {
	return manifest.FlowEdge{StartNodeName: from, EndNodeName: to}
}

func branchingFlow() manifest.Flow {
	return manifest.Flow{
		Name: "coin",
		Nodes: []manifest.FlowNode{
			{Name: "trigger", Type: "manual-trigger", Category: "trigger"},
			{Name: "rand", Type: "random-number", Parameters: map[string]any{"min": "1", "max": "100"}},
			js("high", `return { branch: "high", value: inputData.randomNumber };`),
			js("low", `return { branch: "low", value: inputData.randomNumber };`),
		},
		Edges: []manifest.FlowEdge{
			edge("trigger", "rand"),
			{StartNodeName: "rand", EndNodeName: "high", Condition: "greater_than", If: "{{rand.randomNumber}}", Value: float64(50)},
			{StartNodeName: "rand", EndNodeName: "low", Condition: "less_than_or_equal", If: "{{rand.randomNumber}}", Value: "50"},
		},
	}
}

func TestCompileSimpleFlow(t *testing.T) {
	tools := Compile([]manifest.Flow{{
		Name:  "simple",
		Nodes: []manifest.FlowNode{{Name: "start"}, {Name: "end"}},
		Edges: []manifest.FlowEdge{edge("start", "end")},
	}})
	require.Len(t, tools, 1)
	assert.Equal(t, "FLOW_start_end", tools[0].Name)
	assert.Equal(t, types.KindFlow, tools[0].Origin.Kind)
	assert.Equal(t, "simple", tools[0].Origin.Flow)
}

func TestCompileSkipsInvalidFlows(t *testing.T) {
	tools := Compile([]manifest.Flow{
		{Nodes: []manifest.FlowNode{{Name: "a"}}, Edges: []manifest.FlowEdge{edge("a", "a")}},
		{Name: "no-nodes", Edges: []manifest.FlowEdge{edge("a", "b")}},
		{Name: "no-edges", Nodes: []manifest.FlowNode{{Name: "a"}}},
		{Name: "loop", Nodes: []manifest.FlowNode{{Name: "a"}, {Name: "b"}}, Edges: []manifest.FlowEdge{edge("a", "b"), edge("b", "a")}},
	})
	assert.Empty(t, tools)
}

func TestCompileSanitizesNames(t *testing.T) {
	tools := Compile([]manifest.Flow{{
		Name:  "odd",
		Nodes: []manifest.FlowNode{{Name: "say hello"}, {Name: "done-now!"}},
		Edges: []manifest.FlowEdge{edge("say hello", "done-now!")},
	}})
	require.Len(t, tools, 1)
	assert.Equal(t, "FLOW_say_hello_done_now_", tools[0].Name)
}

func TestCompileDescriptionAndSchema(t *testing.T) {
	f := branchingFlow()
	f.Description = "Flip a coin"
	f.Nodes[0].Text = "Press start"
	f.Nodes[0].Parameters = map[string]any{"times": float64(3), "label": "x"}

	tools := Compile([]manifest.Flow{f})
	require.Len(t, tools, 1)
	desc := tools[0].Description
	assert.True(t, strings.HasPrefix(desc, "Flip a coin."))
	assert.Contains(t, desc, `"Press start"`)
	assert.Contains(t, desc, "conditional branching")
	assert.Contains(t, desc, "Can end in 2 ways")
	assert.Contains(t, desc, "Contains 4 nodes.")

	var schema struct {
		Properties map[string]struct {
			Type string `json:"type"`
		} `json:"properties"`
	}
	require.NoError(t, json.Unmarshal(tools[0].InputSchema, &schema))
	assert.Equal(t, "boolean", schema.Properties["trigger"].Type)
	assert.Equal(t, "number", schema.Properties["times"].Type)
	assert.Equal(t, "string", schema.Properties["label"].Type)
}

func TestExecuteDetectsCycle(t *testing.T) {
	f := manifest.Flow{
		Name:  "loop",
		Nodes: []manifest.FlowNode{{Name: "A", Type: "manual-trigger"}, {Name: "B", Type: "manual-trigger"}},
		Edges: []manifest.FlowEdge{edge("A", "B"), edge("B", "A")},
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	_, err := NewExecutor().Execute(ctx, f, nil)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrCircularPath))
	assert.Contains(t, err.Error(), "circular path detected")
	assert.Contains(t, err.Error(), "A -> B -> A")
}

func TestExecuteCycleBehindStartNode(t *testing.T) {
	f := manifest.Flow{
		Name:  "loop",
		Nodes: []manifest.FlowNode{{Name: "S"}, {Name: "A"}, {Name: "B"}},
		Edges: []manifest.FlowEdge{edge("S", "A"), edge("A", "B"), edge("B", "A")},
	}
	_, err := NewExecutor().Execute(context.Background(), f, nil)
	assert.ErrorIs(t, err, ErrCircularPath)
}

func TestExecuteRevisitThroughOtherPath(t *testing.T) {
	// Diamond: join is reached twice, but never as its own ancestor.
	f := manifest.Flow{
		Name:  "diamond",
		Nodes: []manifest.FlowNode{{Name: "s", Type: "manual-trigger"}, {Name: "l"}, {Name: "r"}, js("join", `return { done: true };`)},
		Edges: []manifest.FlowEdge{edge("s", "l"), edge("s", "r"), edge("l", "join"), edge("r", "join")},
	}
	result, err := NewExecutor().Execute(context.Background(), f, nil)
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"done": true}, result)
}

func TestExecuteConditionalBranching(t *testing.T) {
	for _, tc := range []struct {
		draw   int
		branch string
	}{{75, "high"}, {25, "low"}, {50, "low"}, {51, "high"}} {
		executor := NewExecutor(WithRandom(func(low, high int) int {
			assert.Equal(t, 1, low)
			assert.Equal(t, 100, high)
			return tc.draw
		}))
		result, err := executor.Execute(context.Background(), branchingFlow(), map[string]any{"trigger": true})
		require.NoError(t, err)
		output, ok := result.(map[string]any)
		require.True(t, ok, "result %T", result)
		assert.Equal(t, tc.branch, output["branch"], "draw %d", tc.draw)
	}
}

func TestExecuteThreadsData(t *testing.T) {
	f := manifest.Flow{
		Name: "greet",
		Nodes: []manifest.FlowNode{
			js("first", `return { passthrough: inputData.inputValue };`),
			js("second", `return { result: inputData.inputValue + " World" };`),
			js("third", `return { result: inputData.second.result + "!" };`),
		},
		Edges: []manifest.FlowEdge{edge("first", "second"), edge("second", "third")},
	}
	// first has no incoming edges, so it is the start node and runs too.
	result, err := NewExecutor().Execute(context.Background(), f, map[string]any{"inputValue": "Hello"})
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"result": "Hello World!"}, result)
}

func TestExecuteLastBranchWins(t *testing.T) {
	f := manifest.Flow{
		Name: "fanout",
		Nodes: []manifest.FlowNode{
			{Name: "start", Type: "manual-trigger"},
			js("first", `return { branch: "first" };`),
			js("second", `return { branch: "second" };`),
		},
		Edges: []manifest.FlowEdge{edge("start", "first"), edge("start", "second")},
	}
	result, err := NewExecutor().Execute(context.Background(), f, nil)
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"branch": "second"}, result)
}

func TestExecuteNoMatchingEdgeReturnsOwnOutput(t *testing.T) {
	f := manifest.Flow{
		Name:  "gate",
		Nodes: []manifest.FlowNode{{Name: "start", Type: "manual-trigger"}, js("never", `return 1;`)},
		Edges: []manifest.FlowEdge{{StartNodeName: "start", EndNodeName: "never", Condition: "false", If: "{{start.triggered}}"}},
	}
	result, err := NewExecutor().Execute(context.Background(), f, nil)
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"triggered": true}, result)
}

func TestExecuteUnknownNodeType(t *testing.T) {
	f := manifest.Flow{
		Name:  "agent",
		Nodes: []manifest.FlowNode{{Name: "start", Type: "manual-trigger"}, {Name: "think", Type: "ai_agent"}},
		Edges: []manifest.FlowEdge{edge("start", "think")},
	}
	result, err := NewExecutor().Execute(context.Background(), f, nil)
	require.NoError(t, err)
	assert.Equal(t, map[string]any{}, result)
}

func TestExecuteCategoryFallback(t *testing.T) {
	f := manifest.Flow{
		Name:  "cat",
		Nodes: []manifest.FlowNode{{Name: "go", Type: "trigger", Category: "manual-trigger"}},
	}
	result, err := NewExecutor().Execute(context.Background(), f, nil)
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"triggered": true}, result)
}

func TestExecuteRandomNumberParameters(t *testing.T) {
	f := manifest.Flow{
		Name:  "rand",
		Nodes: []manifest.FlowNode{{Name: "r", Type: "random-number", Parameters: map[string]any{"min": "7", "max": "7"}}},
	}
	result, err := NewExecutor().Execute(context.Background(), f, nil)
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"randomNumber": 7}, result)

	f.Nodes[0].Parameters["max"] = "lots"
	_, err = NewExecutor().Execute(context.Background(), f, nil)
	assert.Error(t, err)
}

func TestExecuteScriptTimeout(t *testing.T) {
	f := manifest.Flow{
		Name:  "spin",
		Nodes: []manifest.FlowNode{js("spin", `while (true) {}`)},
	}
	_, err := NewExecutor(WithScriptTimeout(50*time.Millisecond)).Execute(context.Background(), f, nil)
	assert.Error(t, err)
}

func TestEvaluateConditions(t *testing.T) {
	outputs := map[string]any{
		"n": map[string]any{"count": 10, "name": "blah tools", "tags": []any{"a", "b"}, "ok": true},
	}
	cases := []struct {
		condition string
		ifValue   string
		value     any
		want      bool
	}{
		{"equals", "{{n.count}}", "10", true},
		{"equals", "{{n.name}}", "blah tools", true},
		{"not_equals", "{{n.name}}", "other", true},
		{"greater_than", "{{n.count}}", float64(9), true},
		{"less_than", "{{n.count}}", float64(9), false},
		{"greater_than_or_equal", "{{n.count}}", "10", true},
		{"less_than_or_equal", "{{n.count}}", "{{n.count}}", true},
		{"contains", "{{n.name}}", "tools", true},
		{"contains", "{{n.tags}}", "b", true},
		{"contains", "{{n.tags}}", "c", false},
		{"true", "{{n.ok}}", nil, true},
		{"false", "{{n.ok}}", nil, false},
		{"greater_than", "{{n.name}}", float64(1), false},
		{"equals", "{{missing.prop}}", "{{missing.prop}}", true},
		{"bogus", "{{n.ok}}", nil, false},
	}
	for _, tc := range cases {
		e := manifest.FlowEdge{Condition: tc.condition, If: tc.ifValue, Value: tc.value}
		assert.Equal(t, tc.want, Evaluate(e, outputs), "%s %s %v", tc.ifValue, tc.condition, tc.value)
	}
	assert.True(t, Evaluate(manifest.FlowEdge{}, outputs))
}

func TestParseTemplate(t *testing.T) {
	path, ok := ParseTemplate("{{ node.prop.inner }}")
	require.True(t, ok)
	assert.Equal(t, Path{Node: "node", Prop: "prop.inner"}, path)

	path, ok = ParseTemplate("{{node}}")
	require.True(t, ok)
	assert.Equal(t, "{{node}}", path.String())

	_, ok = ParseTemplate("plain text")
	assert.False(t, ok)
	_, ok = ParseTemplate("{{a}} and {{b}}")
	assert.False(t, ok)

	value, ok := Path{Node: "n", Prop: "a.b"}.Lookup(map[string]any{"n": map[string]any{"a": map[string]any{"b": 2}}})
	require.True(t, ok)
	assert.Equal(t, 2, value)
}

func TestBackendInvoke(t *testing.T) {
	m := &manifest.Manifest{Name: "m", Version: "1.0.0", Flows: []manifest.Flow{branchingFlow()}}
	backend := NewBackend(NewExecutor(WithRandom(func(int, int) int { return 80 })))

	tools := backend.Discover(context.Background(), m)
	require.Len(t, tools, 1)
	assert.Equal(t, "FLOW_trigger_high", tools[0].Name)

	result, err := backend.Invoke(context.Background(), m, tools[0], map[string]any{"trigger": true})
	require.NoError(t, err)
	require.False(t, result.IsError)
	require.Len(t, result.Content, 1)
	text := result.Content[0].(mcp.TextContent).Text
	assert.JSONEq(t, `{"branch":"high","value":80}`, text)

	_, err = backend.Invoke(context.Background(), m, types.ResolvedTool{Name: "FLOW_nope_nope"}, nil)
	assert.Error(t, err)
}
