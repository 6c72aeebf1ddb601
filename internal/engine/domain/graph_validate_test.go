package domain

import "testing"

func linearGraph() Graph {
	return Graph{
		EntryNodeID: "a",
		Nodes: []Node{
			{ID: "a", Type: NodeLLMReason},
			{ID: "b", Type: NodeFinalize},
		},
		Edges: []Edge{
			{From: "a", To: "b", Type: EdgeSuccess},
		},
	}
}

func TestValidateGraph_AcceptsLinearGraph(t *testing.T) {
	if err := ValidateGraph(linearGraph()); err != nil {
		t.Fatalf("expected valid graph, got %v", err)
	}
}

func TestValidateGraph_RejectsCycle(t *testing.T) {
	g := Graph{
		EntryNodeID: "a",
		Nodes: []Node{
			{ID: "a", Type: NodeLLMReason},
			{ID: "b", Type: NodeFinalize},
		},
		Edges: []Edge{
			{From: "a", To: "b", Type: EdgeSuccess},
			{From: "b", To: "a", Type: EdgeSuccess},
		},
	}
	if err := ValidateGraph(g); err == nil {
		t.Fatal("expected cycle to be rejected")
	}
}

func TestValidateGraph_RejectsSelfLoop(t *testing.T) {
	g := Graph{
		EntryNodeID: "a",
		Nodes:       []Node{{ID: "a", Type: NodeFinalize}},
		Edges:       []Edge{{From: "a", To: "a", Type: EdgeSuccess}},
	}
	if err := ValidateGraph(g); err == nil {
		t.Fatal("expected self-loop to be rejected")
	}
}

func TestValidateGraph_RejectsIncomingSuccessEdgeOnEntry(t *testing.T) {
	g := Graph{
		EntryNodeID: "a",
		Nodes: []Node{
			{ID: "a", Type: NodeFinalize},
			{ID: "b", Type: NodeFinalize},
		},
		Edges: []Edge{{From: "b", To: "a", Type: EdgeSuccess}},
	}
	if err := ValidateGraph(g); err == nil {
		t.Fatal("expected incoming success edge on entry node to be rejected")
	}
}

func TestValidateGraph_RejectsUnknownEdgeEndpoint(t *testing.T) {
	g := Graph{
		EntryNodeID: "a",
		Nodes:       []Node{{ID: "a", Type: NodeFinalize}},
		Edges:       []Edge{{From: "a", To: "ghost", Type: EdgeSuccess}},
	}
	if err := ValidateGraph(g); err == nil {
		t.Fatal("expected unknown edge endpoint to be rejected")
	}
}

func TestValidateGraph_RejectsToolCallWithoutToolID(t *testing.T) {
	g := Graph{
		EntryNodeID: "a",
		Nodes:       []Node{{ID: "a", Type: NodeToolCall}},
	}
	if err := ValidateGraph(g); err == nil {
		t.Fatal("expected tool_call node without toolId to be rejected")
	}
}

func TestValidateGraph_RejectsDuplicateNodeID(t *testing.T) {
	g := Graph{
		EntryNodeID: "a",
		Nodes: []Node{
			{ID: "a", Type: NodeFinalize},
			{ID: "a", Type: NodeFinalize},
		},
	}
	if err := ValidateGraph(g); err == nil {
		t.Fatal("expected duplicate node id to be rejected")
	}
}

func TestIsReadyOnMaterialize(t *testing.T) {
	g := Graph{
		EntryNodeID: "a",
		Nodes: []Node{
			{ID: "a", Type: NodeLLMReason},
			{ID: "b", Type: NodeFinalize},
			{ID: "c", Type: NodeFinalize, DependsOn: []string{"x"}},
		},
		Edges: []Edge{{From: "a", To: "b", Type: EdgeSuccess}},
	}
	if !IsReadyOnMaterialize(g, "a") {
		t.Error("entry node should be ready")
	}
	if IsReadyOnMaterialize(g, "b") {
		t.Error("node with incoming success edge should not be ready")
	}
	if IsReadyOnMaterialize(g, "c") {
		t.Error("node with explicit dependsOn should not be ready")
	}
}

func TestDependenciesAndDependents(t *testing.T) {
	g := Graph{
		EntryNodeID: "a",
		Nodes: []Node{
			{ID: "a", Type: NodeLLMReason},
			{ID: "b", Type: NodeFinalize, DependsOn: []string{"a"}},
			{ID: "c", Type: NodeFinalize},
		},
		Edges: []Edge{
			{From: "a", To: "c", Type: EdgeSuccess},
		},
	}
	deps := Dependencies(g, "b")
	if len(deps) != 1 || deps[0] != "a" {
		t.Errorf("expected b to depend on [a], got %v", deps)
	}
	dependents := Dependents(g, "a")
	if len(dependents) != 2 {
		t.Errorf("expected a to have two dependents (b via dependsOn, c via edge), got %v", dependents)
	}
}
