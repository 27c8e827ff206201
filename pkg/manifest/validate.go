package manifest

import (
	"fmt"

	"github.com/Masterminds/semver/v3"
)

// Conditions is the closed set of edge comparison operators.
var Conditions = map[string]bool{
	"equals":                true,
	"not_equals":            true,
	"greater_than":          true,
	"less_than":             true,
	"greater_than_or_equal": true,
	"less_than_or_equal":    true,
	"contains":              true,
	"true":                  true,
	"false":                 true,
}

// Validate checks a manifest for structural issues the JSON schema cannot
// express. Returns human-readable issue descriptions; an empty list means
// the manifest is valid. Issues are reported, never enforced.
func Validate(m *Manifest) []string {
	var issues []string

	if m.Name == "" {
		issues = append(issues, "name is required")
	}
	if m.Version == "" {
		issues = append(issues, "version is required")
	} else if _, err := semver.NewVersion(m.Version); err != nil {
		issues = append(issues, fmt.Sprintf("version %q is not a semantic version: %v", m.Version, err))
	}

	seen := make(map[string]bool, len(m.Tools))
	for index, tool := range m.Tools {
		prefix := fmt.Sprintf("tools[%d]", index)
		if tool.Name == "" {
			issues = append(issues, fmt.Sprintf("%s: name is required", prefix))
		} else {
			prefix = fmt.Sprintf("tools[%d] %q", index, tool.Name)
			if seen[tool.Name] {
				issues = append(issues, fmt.Sprintf("%s: duplicate tool name (the first declaration wins)", prefix))
			}
			seen[tool.Name] = true
		}

		backends := 0
		if tool.Command != "" {
			backends++
		}
		if tool.SlopEndpoint() != "" {
			backends++
		}
		if tool.SourceEndpoint() != "" {
			backends++
		}
		if backends > 1 {
			issues = append(issues, fmt.Sprintf("%s: command, slop and source are mutually exclusive (set at most one)", prefix))
		}
		switch tool.Bridge {
		case "", "mcp", "slop":
		default:
			issues = append(issues, fmt.Sprintf("%s: unknown bridge %q (expected mcp or slop)", prefix, tool.Bridge))
		}
	}

	for index, flow := range m.Flows {
		issues = append(issues, validateFlow(index, flow)...)
	}
	return issues
}

func validateFlow(index int, flow Flow) []string {
	var issues []string
	prefix := fmt.Sprintf("flows[%d]", index)
	if flow.Name == "" {
		issues = append(issues, fmt.Sprintf("%s: name is required", prefix))
	} else {
		prefix = fmt.Sprintf("flows[%d] %q", index, flow.Name)
	}
	if len(flow.Nodes) == 0 {
		issues = append(issues, fmt.Sprintf("%s: at least one node is required", prefix))
	}

	nodes := make(map[string]bool, len(flow.Nodes))
	for nodeIndex, node := range flow.Nodes {
		if node.Name == "" {
			issues = append(issues, fmt.Sprintf("%s: nodes[%d]: name is required", prefix, nodeIndex))
			continue
		}
		if nodes[node.Name] {
			issues = append(issues, fmt.Sprintf("%s: nodes[%d]: duplicate node name %q", prefix, nodeIndex, node.Name))
		}
		nodes[node.Name] = true
	}

	for edgeIndex, edge := range flow.Edges {
		edgePrefix := fmt.Sprintf("%s: edges[%d]", prefix, edgeIndex)
		if !nodes[edge.StartNodeName] {
			issues = append(issues, fmt.Sprintf("%s: unknown start node %q", edgePrefix, edge.StartNodeName))
		}
		if !nodes[edge.EndNodeName] {
			issues = append(issues, fmt.Sprintf("%s: unknown end node %q", edgePrefix, edge.EndNodeName))
		}
		if edge.Condition != "" && !Conditions[edge.Condition] {
			issues = append(issues, fmt.Sprintf("%s: unknown condition %q", edgePrefix, edge.Condition))
		}
	}
	return issues
}
