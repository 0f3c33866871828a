package engine

import (
	"context"
	"encoding/json"
	"testing"
	"time"
)

func testRegistry(t *testing.T, providers ...*fakeProvider) *Registry {
	t.Helper()
	reg := NewRegistry()
	for _, p := range providers {
		if err := reg.Register(p); err != nil {
			t.Fatalf("failed to register provider %s: %v", p.name, err)
		}
	}
	return reg
}

func TestPlanner_ComputeDiff_CreateWhenNotInState(t *testing.T) {
	state := newMemState()
	planner := NewPlanner(testRegistry(t), state)

	config := &StackConfig{
		Name: "demo",
		Resources: []Resource{
			{ID: "vpc-main", Type: "aws.vpc", Config: json.RawMessage(`{"cidr_block":"10.0.0.0/16"}`)},
		},
	}

	diff, err := planner.ComputeDiff(context.Background(), config)
	if err != nil {
		t.Fatalf("expected no error, got: %v", err)
	}
	if diff.Summary.ToCreate != 1 {
		t.Errorf("expected 1 create, got %d", diff.Summary.ToCreate)
	}
	if diff.Resources[0].Operation != OperationCreate {
		t.Errorf("expected create operation, got %s", diff.Resources[0].Operation)
	}
}

func TestPlanner_ComputeDiff_NoopWhenUnchanged(t *testing.T) {
	state := newMemState()
	doc := json.RawMessage(`{"cidr_block":"10.0.0.0/16"}`)
	_ = state.SaveResource(context.Background(), &Resource{
		ID: "vpc-main", Type: "aws.vpc", Config: doc, State: doc,
	})

	planner := NewPlanner(testRegistry(t), state)
	config := &StackConfig{
		Name:      "demo",
		Resources: []Resource{{ID: "vpc-main", Type: "aws.vpc", Config: doc}},
	}

	diff, err := planner.ComputeDiff(context.Background(), config)
	if err != nil {
		t.Fatalf("expected no error, got: %v", err)
	}
	if diff.Summary.NoChange != 1 {
		t.Errorf("expected 1 noop, got %d", diff.Summary.NoChange)
	}
}

func TestPlanner_ComputeDiff_DelegatesToProvider(t *testing.T) {
	state := newMemState()
	_ = state.SaveResource(context.Background(), &Resource{
		ID: "eks-main", Type: "aws.eks_cluster",
		State: json.RawMessage(`{"version":"1.28"}`),
	})

	provider := &fakeProvider{
		name: "aws.eks_cluster",
		planFn: func(ctx context.Context, req PlanRequest) (*PlanResponse, error) {
			return &PlanResponse{
				Operation: OperationUpdate,
				Changes:   []Change{{Path: "version", Before: "1.28", After: "1.29", Action: ChangeActionModify}},
			}, nil
		},
	}

	planner := NewPlanner(testRegistry(t, provider), state)
	config := &StackConfig{
		Name: "demo",
		Resources: []Resource{
			{ID: "eks-main", Type: "aws.eks_cluster", Config: json.RawMessage(`{"version":"1.29"}`)},
		},
	}

	diff, err := planner.ComputeDiff(context.Background(), config)
	if err != nil {
		t.Fatalf("expected no error, got: %v", err)
	}
	if diff.Summary.ToUpdate != 1 {
		t.Errorf("expected 1 update, got %d", diff.Summary.ToUpdate)
	}
	if len(diff.Resources[0].Changes) != 1 || diff.Resources[0].Changes[0].Path != "version" {
		t.Errorf("expected version change, got %v", diff.Resources[0].Changes)
	}
}

func TestPlanner_ComputeDiff_OrphanDelete(t *testing.T) {
	state := newMemState()
	_ = state.SaveResource(context.Background(), &Resource{
		ID: "ecr-old", Type: "aws.ecr_repository",
		State: json.RawMessage(`{"name":"old"}`),
	})

	planner := NewPlanner(testRegistry(t), state)
	diff, err := planner.ComputeDiff(context.Background(), &StackConfig{Name: "demo"})
	if err != nil {
		t.Fatalf("expected no error, got: %v", err)
	}
	if diff.Summary.ToDelete != 1 {
		t.Errorf("expected 1 delete, got %d", diff.Summary.ToDelete)
	}
	if diff.Resources[0].ResourceID != "ecr-old" || diff.Resources[0].Operation != OperationDelete {
		t.Errorf("expected orphan delete for ecr-old, got %+v", diff.Resources[0])
	}
}

func TestPlanner_BuildPlan_Dependencies(t *testing.T) {
	state := newMemState()
	planner := NewPlanner(testRegistry(t), state)

	config := &StackConfig{
		Name: "demo",
		Resources: []Resource{
			{ID: "vpc-main", Type: "aws.vpc", Config: json.RawMessage(`{"cidr_block":"10.0.0.0/16"}`)},
			{
				ID: "eks-main", Type: "aws.eks_cluster",
				Config:    json.RawMessage(`{"vpc_id":"${vpc-main.vpc_id}"}`),
				DependsOn: []string{"vpc-main"},
			},
		},
	}

	diff, err := planner.ComputeDiff(context.Background(), config)
	if err != nil {
		t.Fatalf("diff failed: %v", err)
	}
	plan, err := planner.BuildPlan(context.Background(), config, diff)
	if err != nil {
		t.Fatalf("build plan failed: %v", err)
	}

	var vpcUnit, eksUnit *PlanUnit
	for i := range plan.Units {
		switch plan.Units[i].ResourceID {
		case "vpc-main":
			vpcUnit = &plan.Units[i]
		case "eks-main":
			eksUnit = &plan.Units[i]
		}
	}
	if vpcUnit == nil || eksUnit == nil {
		t.Fatalf("expected units for both resources, got %d units", len(plan.Units))
	}

	// Explicit depends_on and the implicit ${vpc-main.vpc_id} reference
	// collapse into one edge.
	if len(eksUnit.Dependencies) != 1 || eksUnit.Dependencies[0].TargetID != vpcUnit.ID {
		t.Errorf("expected eks-main to depend on vpc-main unit, got %v", eksUnit.Dependencies)
	}
	if len(vpcUnit.Dependencies) != 0 {
		t.Errorf("expected vpc-main to have no dependencies, got %v", vpcUnit.Dependencies)
	}
}

func TestPlanner_BuildPlan_UndeclaredReference(t *testing.T) {
	state := newMemState()
	planner := NewPlanner(testRegistry(t), state)

	config := &StackConfig{
		Name: "demo",
		Resources: []Resource{
			{
				ID: "eks-main", Type: "aws.eks_cluster",
				Config: json.RawMessage(`{"vpc_id":"${vpc-ghost.vpc_id}"}`),
			},
		},
	}

	diff, err := planner.ComputeDiff(context.Background(), config)
	if err != nil {
		t.Fatalf("diff failed: %v", err)
	}
	if _, err := planner.BuildPlan(context.Background(), config, diff); err == nil {
		t.Fatal("expected error for reference to undeclared resource")
	}
}

func TestPlanner_BuildPlan_SelfDependency(t *testing.T) {
	state := newMemState()
	planner := NewPlanner(testRegistry(t), state)

	config := &StackConfig{
		Name: "demo",
		Resources: []Resource{
			{
				ID: "vpc-main", Type: "aws.vpc",
				Config:    json.RawMessage(`{}`),
				DependsOn: []string{"vpc-main"},
			},
		},
	}

	diff, err := planner.ComputeDiff(context.Background(), config)
	if err != nil {
		t.Fatalf("diff failed: %v", err)
	}
	if _, err := planner.BuildPlan(context.Background(), config, diff); err == nil {
		t.Fatal("expected error for self-dependency")
	}
}

func TestPlanner_BuildPlan_DeleteOrderReversed(t *testing.T) {
	ctx := context.Background()
	state := newMemState()
	_ = state.SaveResource(ctx, &Resource{
		ID: "vpc-main", Type: "aws.vpc", State: json.RawMessage(`{}`),
	})
	_ = state.SaveResource(ctx, &Resource{
		ID: "eks-main", Type: "aws.eks_cluster", State: json.RawMessage(`{}`),
		DependsOn: []string{"vpc-main"},
	})

	planner := NewPlanner(testRegistry(t), state)

	// Empty config: both resources are orphans.
	diff, err := planner.ComputeDiff(ctx, &StackConfig{Name: "demo"})
	if err != nil {
		t.Fatalf("diff failed: %v", err)
	}
	plan, err := planner.BuildPlan(ctx, &StackConfig{Name: "demo"}, diff)
	if err != nil {
		t.Fatalf("build plan failed: %v", err)
	}
	if _, err := planner.BuildDAG(ctx, plan); err != nil {
		t.Fatalf("build dag failed: %v", err)
	}

	var vpcUnit, eksUnit *PlanUnit
	for i := range plan.Units {
		switch plan.Units[i].ResourceID {
		case "vpc-main":
			vpcUnit = &plan.Units[i]
		case "eks-main":
			eksUnit = &plan.Units[i]
		}
	}
	if vpcUnit == nil || eksUnit == nil {
		t.Fatal("expected delete units for both resources")
	}

	// The cluster created atop the VPC must be torn down first.
	if eksUnit.Level >= vpcUnit.Level {
		t.Errorf("expected eks-main (level %d) before vpc-main (level %d)",
			eksUnit.Level, vpcUnit.Level)
	}
}

func TestPlanner_BuildPlan_SkipsNoops(t *testing.T) {
	state := newMemState()
	doc := json.RawMessage(`{"cidr_block":"10.0.0.0/16"}`)
	_ = state.SaveResource(context.Background(), &Resource{
		ID: "vpc-main", Type: "aws.vpc", Config: doc, State: doc,
	})

	planner := NewPlanner(testRegistry(t), state)
	config := &StackConfig{
		Name:      "demo",
		Resources: []Resource{{ID: "vpc-main", Type: "aws.vpc", Config: doc}},
	}

	diff, err := planner.ComputeDiff(context.Background(), config)
	if err != nil {
		t.Fatalf("diff failed: %v", err)
	}
	plan, err := planner.BuildPlan(context.Background(), config, diff)
	if err != nil {
		t.Fatalf("build plan failed: %v", err)
	}
	if len(plan.Units) != 0 {
		t.Errorf("expected no units for an in-sync stack, got %d", len(plan.Units))
	}
}

func TestPlanner_BuildPlan_ProviderTimeout(t *testing.T) {
	state := newMemState()
	provider := &fakeProvider{name: "aws.vpc"}
	planner := NewPlanner(testRegistry(t, provider), state)

	config := &StackConfig{
		Name:      "demo",
		Resources: []Resource{{ID: "vpc-main", Type: "aws.vpc", Config: json.RawMessage(`{}`)}},
	}

	diff, err := planner.ComputeDiff(context.Background(), config)
	if err != nil {
		t.Fatalf("diff failed: %v", err)
	}
	plan, err := planner.BuildPlan(context.Background(), config, diff)
	if err != nil {
		t.Fatalf("build plan failed: %v", err)
	}
	if len(plan.Units) != 1 {
		t.Fatalf("expected 1 unit, got %d", len(plan.Units))
	}
	if plan.Units[0].Timeout != time.Minute {
		t.Errorf("expected provider default timeout, got %s", plan.Units[0].Timeout)
	}
}

func TestPlanner_ValidatePlan(t *testing.T) {
	planner := NewPlanner(testRegistry(t), newMemState())

	plan := &Plan{
		ID: "p1",
		Units: []PlanUnit{{
			ID:         "u1",
			ResourceID: "vpc-main",
			Operation:  OperationCreate,
			Status:     UnitStatusPending,
			Timeout:    time.Minute,
			MaxRetries: 3,
		}},
	}
	if err := planner.ValidatePlan(context.Background(), plan); err != nil {
		t.Errorf("expected valid plan, got: %v", err)
	}

	if err := planner.ValidatePlan(context.Background(), &Plan{ID: "p2"}); err == nil {
		t.Error("expected error for empty plan")
	}

	plan.Units[0].Timeout = 0
	if err := planner.ValidatePlan(context.Background(), plan); err == nil {
		t.Error("expected error for zero timeout")
	}
}
