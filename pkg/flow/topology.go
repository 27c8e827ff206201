// Package flow compiles manifest flows into tools and executes them.
//
// A flow is a node/edge graph. Execution starts at the first node with no
// incoming edges, runs each node, then follows the outgoing edges whose
// condition holds. The output of the last node executed is the result.
package flow

import "github.com/edgeopslabs/blah/pkg/manifest"

// Topology is the edge index of one flow.
type Topology struct {
	Incoming map[string][]manifest.FlowEdge
	Outgoing map[string][]manifest.FlowEdge
	Starts   []manifest.FlowNode
	Ends     []manifest.FlowNode
}

// Analyze builds the incoming/outgoing maps and finds start nodes (no
// incoming edges) and end nodes (no outgoing edges), in node order.
func Analyze(f manifest.Flow) Topology {
	topo := Topology{
		Incoming: make(map[string][]manifest.FlowEdge, len(f.Nodes)),
		Outgoing: make(map[string][]manifest.FlowEdge, len(f.Nodes)),
	}
	for _, edge := range f.Edges {
		topo.Outgoing[edge.StartNodeName] = append(topo.Outgoing[edge.StartNodeName], edge)
		topo.Incoming[edge.EndNodeName] = append(topo.Incoming[edge.EndNodeName], edge)
	}
	for _, node := range f.Nodes {
		if len(topo.Incoming[node.Name]) == 0 {
			topo.Starts = append(topo.Starts, node)
		}
		if len(topo.Outgoing[node.Name]) == 0 {
			topo.Ends = append(topo.Ends, node)
		}
	}
	return topo
}

func nodeIndex(f manifest.Flow) map[string]manifest.FlowNode {
	nodes := make(map[string]manifest.FlowNode, len(f.Nodes))
	for _, node := range f.Nodes {
		if _, exists := nodes[node.Name]; !exists {
			nodes[node.Name] = node
		}
	}
	return nodes
}
