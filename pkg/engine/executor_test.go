package engine

import (
	"context"
	"encoding/json"
	"strings"
	"testing"

	"github.com/rs/zerolog"
)

func TestExecutor_Create(t *testing.T) {
	ctx := context.Background()
	state := newMemState()
	provider := &fakeProvider{
		name: "aws.vpc",
		applyFn: func(ctx context.Context, req ApplyRequest) (*ApplyResponse, error) {
			return &ApplyResponse{
				NewState: req.DesiredState,
				Outputs:  map[string]string{"vpc_id": "vpc-0abc123"},
			}, nil
		},
	}
	executor := NewExecutor(testRegistry(t, provider), state, zerolog.Nop())

	unit := makeUnit("u1", "vpc-main")
	unit.ProviderName = "aws.vpc"
	unit.DesiredState = json.RawMessage(`{"cidr_block":"10.0.0.0/16"}`)

	result, err := executor.ExecuteUnit(ctx, &unit)
	if err != nil {
		t.Fatalf("expected no error, got: %v", err)
	}
	if result.Status != UnitStatusSucceeded {
		t.Errorf("expected succeeded, got %s", result.Status)
	}
	if result.Outputs["vpc_id"] != "vpc-0abc123" {
		t.Errorf("expected outputs, got %v", result.Outputs)
	}

	saved, err := state.GetResource(ctx, "vpc-main")
	if err != nil {
		t.Fatalf("expected resource persisted: %v", err)
	}
	if saved.Status != ResourceStatusReady {
		t.Errorf("expected ready status, got %s", saved.Status)
	}
	if saved.Outputs["vpc_id"] != "vpc-0abc123" {
		t.Errorf("expected persisted outputs, got %v", saved.Outputs)
	}
	if saved.Version != 1 {
		t.Errorf("expected version 1, got %d", saved.Version)
	}
}

func TestExecutor_ResolvesReferences(t *testing.T) {
	ctx := context.Background()
	state := newMemState()
	_ = state.SaveResource(ctx, &Resource{
		ID:      "vpc-main",
		Type:    "aws.vpc",
		Outputs: map[string]string{"vpc_id": "vpc-0abc123"},
	})

	var applied json.RawMessage
	provider := &fakeProvider{
		name: "aws.eks_cluster",
		applyFn: func(ctx context.Context, req ApplyRequest) (*ApplyResponse, error) {
			applied = req.DesiredState
			return &ApplyResponse{NewState: req.DesiredState}, nil
		},
	}
	executor := NewExecutor(testRegistry(t, provider), state, zerolog.Nop())

	unit := makeUnit("u1", "eks-main")
	unit.ProviderName = "aws.eks_cluster"
	unit.DesiredState = json.RawMessage(`{"vpc_id":"${vpc-main.vpc_id}"}`)

	if _, err := executor.ExecuteUnit(ctx, &unit); err != nil {
		t.Fatalf("expected no error, got: %v", err)
	}
	if !strings.Contains(string(applied), "vpc-0abc123") {
		t.Errorf("expected resolved reference in apply payload, got %s", applied)
	}
}

func TestExecutor_UnresolvedReferenceFails(t *testing.T) {
	state := newMemState()
	provider := &fakeProvider{name: "aws.eks_cluster"}
	executor := NewExecutor(testRegistry(t, provider), state, zerolog.Nop())

	unit := makeUnit("u1", "eks-main")
	unit.ProviderName = "aws.eks_cluster"
	unit.DesiredState = json.RawMessage(`{"vpc_id":"${vpc-main.vpc_id}"}`)

	_, err := executor.ExecuteUnit(context.Background(), &unit)
	if err == nil {
		t.Fatal("expected error for unresolved reference")
	}
	if provider.applyCount() != 0 {
		t.Error("expected no provider call when resolution fails")
	}
}

func TestExecutor_Delete(t *testing.T) {
	ctx := context.Background()
	state := newMemState()
	_ = state.SaveResource(ctx, &Resource{
		ID: "ecr-old", Type: "aws.ecr_repository",
		State: json.RawMessage(`{"name":"old"}`),
	})

	provider := &fakeProvider{name: "aws.ecr_repository"}
	executor := NewExecutor(testRegistry(t, provider), state, zerolog.Nop())

	unit := makeUnit("u1", "ecr-old")
	unit.Operation = OperationDelete
	unit.ProviderName = "aws.ecr_repository"
	unit.ActualState = json.RawMessage(`{"name":"old"}`)

	result, err := executor.ExecuteUnit(ctx, &unit)
	if err != nil {
		t.Fatalf("expected no error, got: %v", err)
	}
	if result.Status != UnitStatusSucceeded {
		t.Errorf("expected succeeded, got %s", result.Status)
	}
	if _, err := state.GetResource(ctx, "ecr-old"); err == nil {
		t.Error("expected resource removed from state")
	}
}

func TestExecutor_UnknownProvider(t *testing.T) {
	executor := NewExecutor(testRegistry(t), newMemState(), zerolog.Nop())

	unit := makeUnit("u1", "vpc-main")
	unit.ProviderName = "aws.vpc"

	result, err := executor.ExecuteUnit(context.Background(), &unit)
	if err == nil {
		t.Fatal("expected error for unknown provider")
	}
	if !IsPermanent(err) {
		t.Errorf("expected permanent error, got: %v", err)
	}
	if result == nil || result.Status != UnitStatusFailed {
		t.Errorf("expected failed result, got %+v", result)
	}
}

func TestExecutor_Recreate(t *testing.T) {
	ctx := context.Background()
	state := newMemState()
	_ = state.SaveResource(ctx, &Resource{
		ID: "ng-main", Type: "aws.node_group",
		State: json.RawMessage(`{"instance_types":["t3.large"]}`),
	})

	provider := &fakeProvider{name: "aws.node_group"}
	executor := NewExecutor(testRegistry(t, provider), state, zerolog.Nop())

	unit := makeUnit("u1", "ng-main")
	unit.Operation = OperationRecreate
	unit.ProviderName = "aws.node_group"
	unit.ActualState = json.RawMessage(`{"instance_types":["t3.large"]}`)
	unit.DesiredState = json.RawMessage(`{"instance_types":["m5.large"]}`)

	if _, err := executor.ExecuteUnit(ctx, &unit); err != nil {
		t.Fatalf("expected no error, got: %v", err)
	}
	if provider.destroys != 1 || provider.applyCount() != 1 {
		t.Errorf("expected destroy then apply, got destroys=%d applies=%d",
			provider.destroys, provider.applyCount())
	}
}

func TestExecutor_RecordsProviderCalls(t *testing.T) {
	ctx := context.Background()
	provider := &fakeProvider{name: "aws.vpc"}
	executor := NewExecutor(testRegistry(t, provider), newMemState(), zerolog.Nop())
	metrics := &fakeMetrics{}
	executor.SetMetrics(metrics)

	unit := makeUnit("u1", "vpc-main")
	unit.ProviderName = "aws.vpc"
	unit.DesiredState = json.RawMessage(`{"cidr_block":"10.0.0.0/16"}`)

	if _, err := executor.ExecuteUnit(ctx, &unit); err != nil {
		t.Fatalf("expected no error, got: %v", err)
	}
	if len(metrics.calls) != 1 || metrics.calls[0] != "aws.vpc/create" {
		t.Errorf("calls = %v, want one aws.vpc/create entry", metrics.calls)
	}
	if len(metrics.errors) != 0 {
		t.Errorf("errors = %v, want none", metrics.errors)
	}
}

func TestExecutor_RecordsProviderErrors(t *testing.T) {
	ctx := context.Background()
	provider := &fakeProvider{
		name: "aws.vpc",
		applyFn: func(ctx context.Context, req ApplyRequest) (*ApplyResponse, error) {
			return nil, NewThrottledError("rate exceeded", nil)
		},
	}
	executor := NewExecutor(testRegistry(t, provider), newMemState(), zerolog.Nop())
	metrics := &fakeMetrics{}
	executor.SetMetrics(metrics)

	unit := makeUnit("u1", "vpc-main")
	unit.ProviderName = "aws.vpc"
	unit.DesiredState = json.RawMessage(`{"cidr_block":"10.0.0.0/16"}`)

	if _, err := executor.ExecuteUnit(ctx, &unit); err == nil {
		t.Fatal("expected error")
	}
	if len(metrics.calls) != 1 {
		t.Errorf("calls = %v, want one entry", metrics.calls)
	}
	if len(metrics.errors) != 1 || metrics.errors[0] != "aws.vpc/throttled" {
		t.Errorf("errors = %v, want one aws.vpc/throttled entry", metrics.errors)
	}
}
