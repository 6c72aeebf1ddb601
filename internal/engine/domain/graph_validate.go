package domain

import "fmt"

// ValidateGraph enforces the structural invariants a Graph must satisfy
// before a run is ever created from it: acyclic, entry node has no incoming
// success edge, every edge endpoint exists, no self-loops, every tool_call
// node carries a toolId, and every branch node carries a condition plus
// onTrue/onFalse targets naming existing nodes. A graph that fails here must
// never reach RUN_CREATED.
func ValidateGraph(g Graph) error {
	if g.EntryNodeID == "" {
		return fmt.Errorf("graph: entryNodeId is required")
	}
	nodes := make(map[string]Node, len(g.Nodes))
	for _, n := range g.Nodes {
		if n.ID == "" {
			return fmt.Errorf("graph: node with empty id")
		}
		if _, dup := nodes[n.ID]; dup {
			return fmt.Errorf("graph: duplicate node id %q", n.ID)
		}
		nodes[n.ID] = n
	}
	if _, ok := nodes[g.EntryNodeID]; !ok {
		return fmt.Errorf("graph: entryNodeId %q does not name a node", g.EntryNodeID)
	}

	adj := make(map[string][]string, len(g.Nodes))
	for _, e := range g.Edges {
		if e.From == e.To {
			return fmt.Errorf("graph: self-loop on node %q", e.From)
		}
		if _, ok := nodes[e.From]; !ok {
			return fmt.Errorf("graph: edge references unknown node %q", e.From)
		}
		if _, ok := nodes[e.To]; !ok {
			return fmt.Errorf("graph: edge references unknown node %q", e.To)
		}
		if e.Type == EdgeSuccess && e.To == g.EntryNodeID {
			return fmt.Errorf("graph: entry node %q has an incoming success edge", g.EntryNodeID)
		}
		adj[e.From] = append(adj[e.From], e.To)
	}
	for _, n := range g.Nodes {
		for _, dep := range n.DependsOn {
			if _, ok := nodes[dep]; !ok {
				return fmt.Errorf("graph: node %q dependsOn unknown node %q", n.ID, dep)
			}
			adj[dep] = append(adj[dep], n.ID)
		}
		if n.Type == NodeToolCall && n.ToolID == "" {
			return fmt.Errorf("graph: tool_call node %q missing toolId", n.ID)
		}
		if n.Type == NodeBranch {
			if n.Condition == "" {
				return fmt.Errorf("graph: branch node %q missing condition", n.ID)
			}
			for _, target := range []string{n.OnTrue, n.OnFalse} {
				if _, ok := nodes[target]; !ok {
					return fmt.Errorf("graph: branch node %q target %q does not name a node", n.ID, target)
				}
			}
		}
	}

	if cyc := findCycle(nodes, adj); cyc != "" {
		return fmt.Errorf("graph: cycle detected involving node %q", cyc)
	}
	return nil
}

// findCycle runs a standard three-color DFS and returns the id of a node
// found mid-recursion-stack (i.e. part of a cycle), or "" if acyclic.
func findCycle(nodes map[string]Node, adj map[string][]string) string {
	const (
		white = 0
		gray  = 1
		black = 2
	)
	color := make(map[string]int, len(nodes))
	var cyc string

	var visit func(id string) bool
	visit = func(id string) bool {
		color[id] = gray
		for _, next := range adj[id] {
			switch color[next] {
			case gray:
				cyc = next
				return true
			case white:
				if visit(next) {
					return true
				}
			}
		}
		color[id] = black
		return false
	}

	for id := range nodes {
		if color[id] == white {
			if visit(id) {
				return cyc
			}
		}
	}
	return ""
}

// IsReadyOnMaterialize reports whether a node should be materialized as
// StepQueued (true) or StepBlocked (false): the entry node, or any node with
// an empty DependsOn set and no incoming success edge.
func IsReadyOnMaterialize(g Graph, nodeID string) bool {
	if nodeID == g.EntryNodeID {
		return true
	}
	node, ok := nodeByID(g, nodeID)
	if !ok || len(node.DependsOn) > 0 {
		return false
	}
	for _, e := range g.Edges {
		if e.To == nodeID && e.Type == EdgeSuccess {
			return false
		}
	}
	return true
}

func nodeByID(g Graph, id string) (Node, bool) {
	for _, n := range g.Nodes {
		if n.ID == id {
			return n, true
		}
	}
	return Node{}, false
}

// Dependencies returns the full dependency set of a node: the union of
// incoming-success-edge sources and its explicit DependsOn list.
func Dependencies(g Graph, nodeID string) []string {
	seen := make(map[string]bool)
	var out []string
	for _, e := range g.Edges {
		if e.To == nodeID && e.Type == EdgeSuccess && !seen[e.From] {
			seen[e.From] = true
			out = append(out, e.From)
		}
	}
	if node, ok := nodeByID(g, nodeID); ok {
		for _, d := range node.DependsOn {
			if !seen[d] {
				seen[d] = true
				out = append(out, d)
			}
		}
	}
	return out
}

// Dependents returns the nodes that depend on nodeID: targets of a success
// edge from it, union nodes whose DependsOn contains it.
func Dependents(g Graph, nodeID string) []string {
	seen := make(map[string]bool)
	var out []string
	for _, e := range g.Edges {
		if e.From == nodeID && e.Type == EdgeSuccess && !seen[e.To] {
			seen[e.To] = true
			out = append(out, e.To)
		}
	}
	for _, n := range g.Nodes {
		for _, d := range n.DependsOn {
			if d == nodeID && !seen[n.ID] {
				seen[n.ID] = true
				out = append(out, n.ID)
			}
		}
	}
	return out
}
