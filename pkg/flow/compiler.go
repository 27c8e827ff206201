package flow

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"regexp"
	"strings"

	"github.com/edgeopslabs/blah/pkg/manifest"
	"github.com/edgeopslabs/blah/pkg/types"
)

const ToolPrefix = "FLOW_"

var unsafeChars = regexp.MustCompile(`[^A-Za-z0-9_]`)

func sanitize(name string) string {
	return unsafeChars.ReplaceAllString(name, "_")
}

// ToolName is the synthetic tool name of a flow with the given first start
// and end nodes.
func ToolName(start, end string) string {
	return ToolPrefix + sanitize(start) + "_" + sanitize(end)
}

// Compile turns flows into tool entries. Flows without a name, nodes,
// edges, a start node or an end node are skipped.
func Compile(flows []manifest.Flow) []types.ResolvedTool {
	tools := make([]types.ResolvedTool, 0, len(flows))
	for _, f := range flows {
		tool, ok := compileOne(f)
		if ok {
			tools = append(tools, tool)
		}
	}
	return tools
}

// Find returns the flow whose compiled tool is named name.
func Find(flows []manifest.Flow, name string) (manifest.Flow, bool) {
	if !strings.HasPrefix(name, ToolPrefix) {
		return manifest.Flow{}, false
	}
	for _, f := range flows {
		if tool, ok := compileOne(f); ok && tool.Name == name {
			return f, true
		}
	}
	return manifest.Flow{}, false
}

func compileOne(f manifest.Flow) (types.ResolvedTool, bool) {
	switch {
	case f.Name == "":
		slog.Warn("skipping flow without a name")
		return types.ResolvedTool{}, false
	case len(f.Nodes) == 0:
		slog.Warn("skipping flow without nodes", "flow", f.Name)
		return types.ResolvedTool{}, false
	case len(f.Edges) == 0:
		slog.Warn("skipping flow without edges", "flow", f.Name)
		return types.ResolvedTool{}, false
	}

	topo := Analyze(f)
	if len(topo.Starts) == 0 || len(topo.Ends) == 0 {
		slog.Warn("skipping flow without start or end node", "flow", f.Name, "starts", len(topo.Starts), "ends", len(topo.Ends))
		return types.ResolvedTool{}, false
	}
	start, end := topo.Starts[0], topo.Ends[0]

	return types.ResolvedTool{
		Name:        ToolName(start.Name, end.Name),
		Description: describe(f, topo),
		InputSchema: inputSchema(start),
		Origin: types.Origin{
			Kind: types.KindFlow,
			Flow: f.Name,
		},
	}, true
}

func describe(f manifest.Flow, topo Topology) string {
	var parts []string
	if desc := strings.TrimSpace(f.Description); desc != "" {
		parts = append(parts, strings.TrimSuffix(desc, ".")+".")
	}
	parts = append(parts, fmt.Sprintf("Starts with %q.", topo.Starts[0].Label()))

	for _, edge := range f.Edges {
		if edge.Condition != "" {
			parts = append(parts, "Uses conditional branching to choose a path.")
			break
		}
	}

	if len(topo.Ends) == 1 {
		parts = append(parts, fmt.Sprintf("Ends with %q.", topo.Ends[0].Label()))
	} else {
		labels := make([]string, 0, len(topo.Ends))
		for _, node := range topo.Ends {
			labels = append(labels, fmt.Sprintf("%q", node.Label()))
		}
		parts = append(parts, fmt.Sprintf("Can end in %d ways: %s.", len(topo.Ends), strings.Join(labels, ", ")))
	}
	parts = append(parts, fmt.Sprintf("Contains %d nodes.", len(f.Nodes)))
	return strings.Join(parts, " ")
}

func inputSchema(start manifest.FlowNode) json.RawMessage {
	properties := map[string]any{
		"trigger": map[string]any{
			"type":        "boolean",
			"description": "Start the flow.",
		},
	}
	for key, value := range start.Parameters {
		kind := "string"
		switch value.(type) {
		case float64, float32, int, int64, int32, json.Number:
			kind = "number"
		}
		properties[key] = map[string]any{
			"type":        kind,
			"description": fmt.Sprintf("Parameter %s of %s.", key, start.Label()),
		}
	}
	data, err := json.Marshal(map[string]any{
		"type":       "object",
		"properties": properties,
	})
	if err != nil {
		return nil
	}
	return data
}
