package engine

import (
	"strings"
	"testing"
	"time"
)

func makeUnit(id, resourceID string, deps ...string) PlanUnit {
	u := PlanUnit{
		ID:         id,
		ResourceID: resourceID,
		Operation:  OperationCreate,
		Status:     UnitStatusPending,
		Timeout:    time.Minute,
		MaxRetries: 3,
	}
	for _, d := range deps {
		u.Dependencies = append(u.Dependencies, Dependency{TargetID: d, Type: DependencyRequire})
	}
	return u
}

func TestGraphBuilder_EmptyUnits(t *testing.T) {
	builder := NewGraphBuilder()
	graph, err := builder.Build([]PlanUnit{})

	if err != nil {
		t.Fatalf("expected no error for empty units, got: %v", err)
	}
	if len(graph.Nodes) != 0 {
		t.Errorf("expected 0 nodes, got %d", len(graph.Nodes))
	}
	if graph.Depth != 0 {
		t.Errorf("expected depth 0, got %d", graph.Depth)
	}
}

func TestGraphBuilder_SingleUnit(t *testing.T) {
	builder := NewGraphBuilder()
	graph, err := builder.Build([]PlanUnit{makeUnit("u1", "vpc-main")})

	if err != nil {
		t.Fatalf("expected no error, got: %v", err)
	}
	if len(graph.Roots) != 1 || graph.Roots[0] != "u1" {
		t.Errorf("expected single root u1, got %v", graph.Roots)
	}
	if graph.Depth != 1 {
		t.Errorf("expected depth 1, got %d", graph.Depth)
	}
}

func TestGraphBuilder_LinearChain(t *testing.T) {
	units := []PlanUnit{
		makeUnit("u1", "vpc-main"),
		makeUnit("u2", "eks-cluster", "u1"),
		makeUnit("u3", "eks-nodes", "u2"),
	}

	builder := NewGraphBuilder()
	graph, err := builder.Build(units)
	if err != nil {
		t.Fatalf("expected no error, got: %v", err)
	}

	if graph.Depth != 3 {
		t.Errorf("expected depth 3, got %d", graph.Depth)
	}
	for i, want := range []int{0, 1, 2} {
		id := units[i].ID
		if graph.Nodes[id].Level != want {
			t.Errorf("unit %s: expected level %d, got %d", id, want, graph.Nodes[id].Level)
		}
	}
	if units[2].Level != 2 {
		t.Errorf("expected level stamped onto unit, got %d", units[2].Level)
	}
}

func TestGraphBuilder_Diamond(t *testing.T) {
	units := []PlanUnit{
		makeUnit("u1", "vpc-main"),
		makeUnit("u2", "sg-cluster", "u1"),
		makeUnit("u3", "sg-nodes", "u1"),
		makeUnit("u4", "eks-cluster", "u2", "u3"),
	}

	builder := NewGraphBuilder()
	graph, err := builder.Build(units)
	if err != nil {
		t.Fatalf("expected no error, got: %v", err)
	}

	if graph.Depth != 3 {
		t.Errorf("expected depth 3, got %d", graph.Depth)
	}
	if graph.Nodes["u2"].Level != 1 || graph.Nodes["u3"].Level != 1 {
		t.Errorf("expected u2 and u3 at level 1, got %d and %d",
			graph.Nodes["u2"].Level, graph.Nodes["u3"].Level)
	}
	if graph.Nodes["u4"].Level != 2 {
		t.Errorf("expected u4 at level 2, got %d", graph.Nodes["u4"].Level)
	}
	if len(graph.Edges) != 4 {
		t.Errorf("expected 4 edges, got %d", len(graph.Edges))
	}
}

func TestGraphBuilder_CycleDetection(t *testing.T) {
	units := []PlanUnit{
		makeUnit("u1", "sg-a", "u2"),
		makeUnit("u2", "sg-b", "u1"),
	}

	builder := NewGraphBuilder()
	_, err := builder.Build(units)
	if err == nil {
		t.Fatal("expected cycle error, got nil")
	}
	if !strings.Contains(err.Error(), "sg-a") || !strings.Contains(err.Error(), "sg-b") {
		t.Errorf("expected cycle error to name the resources, got: %v", err)
	}
}

func TestGraphBuilder_SelfCycle(t *testing.T) {
	builder := NewGraphBuilder()
	_, err := builder.Build([]PlanUnit{makeUnit("u1", "vpc-main", "u1")})
	if err == nil {
		t.Fatal("expected self-cycle error, got nil")
	}
}

func TestGraphBuilder_UnknownDependency(t *testing.T) {
	builder := NewGraphBuilder()
	_, err := builder.Build([]PlanUnit{makeUnit("u1", "eks-cluster", "missing")})
	if err == nil {
		t.Fatal("expected unknown dependency error, got nil")
	}
}

func TestGraphBuilder_DuplicateUnitID(t *testing.T) {
	builder := NewGraphBuilder()
	_, err := builder.Build([]PlanUnit{
		makeUnit("u1", "vpc-main"),
		makeUnit("u1", "vpc-other"),
	})
	if err == nil {
		t.Fatal("expected duplicate ID error, got nil")
	}
}

func TestGraphBuilder_DeterministicLevels(t *testing.T) {
	units := []PlanUnit{
		makeUnit("u3", "c"),
		makeUnit("u1", "a"),
		makeUnit("u2", "b"),
	}

	builder := NewGraphBuilder()
	if _, err := builder.Build(units); err != nil {
		t.Fatalf("expected no error, got: %v", err)
	}

	levels := builder.Levels()
	if len(levels) != 1 {
		t.Fatalf("expected 1 level, got %d", len(levels))
	}
	want := []string{"u1", "u2", "u3"}
	for i, id := range want {
		if levels[0][i] != id {
			t.Errorf("expected level order %v, got %v", want, levels[0])
			break
		}
	}
}

func TestGraphBuilder_Verify(t *testing.T) {
	units := []PlanUnit{
		makeUnit("u1", "vpc-main"),
		makeUnit("u2", "eks-cluster", "u1"),
	}

	builder := NewGraphBuilder()
	graph, err := builder.Build(units)
	if err != nil {
		t.Fatalf("expected no error, got: %v", err)
	}
	if err := builder.Verify(graph); err != nil {
		t.Errorf("expected valid graph, got: %v", err)
	}

	// Corrupt the levels: a dependent at or below its dependency.
	graph.Nodes["u2"].Level = 0
	if err := builder.Verify(graph); err == nil {
		t.Error("expected verification failure for corrupted levels")
	}
}

func TestGraphBuilder_ToDOT(t *testing.T) {
	units := []PlanUnit{
		makeUnit("u1", "vpc-main"),
		makeUnit("u2", "eks-cluster", "u1"),
	}

	builder := NewGraphBuilder()
	if _, err := builder.Build(units); err != nil {
		t.Fatalf("expected no error, got: %v", err)
	}

	dot := builder.ToDOT()
	if !strings.Contains(dot, "digraph") {
		t.Errorf("expected DOT output, got: %s", dot)
	}
	if !strings.Contains(dot, "vpc-main") || !strings.Contains(dot, "eks-cluster") {
		t.Errorf("expected resource IDs in DOT output, got: %s", dot)
	}
}
