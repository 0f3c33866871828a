package policy

import (
	"context"
	"encoding/json"
	"strings"
	"testing"

	"github.com/rs/zerolog"

	"github.com/opentundra/opentundra/pkg/engine"
)

func newTestEngine(t *testing.T) *Engine {
	t.Helper()
	e, err := NewEngine(zerolog.Nop())
	if err != nil {
		t.Fatalf("NewEngine failed: %v", err)
	}
	return e
}

func resourceWith(t *testing.T, id, resType string, config map[string]interface{}) engine.Resource {
	t.Helper()
	raw, err := json.Marshal(config)
	if err != nil {
		t.Fatalf("marshal config: %v", err)
	}
	return engine.Resource{ID: id, Type: resType, Name: id, Config: raw}
}

func TestEngine_EvaluateConfig_Allowed(t *testing.T) {
	e := newTestEngine(t)

	cfg := &engine.StackConfig{
		Name:   "platform",
		Region: "eu-west-1",
		Resources: []engine.Resource{
			resourceWith(t, "ng-workers", "aws.node_group", map[string]interface{}{
				"capacity_type": "ON_DEMAND",
				"disk_type":     "gp3",
			}),
		},
	}

	result, err := e.EvaluateConfig(context.Background(), cfg)
	if err != nil {
		t.Fatalf("EvaluateConfig failed: %v", err)
	}
	if !result.Allowed {
		t.Errorf("expected allowed, got violations: %+v", result.Violations)
	}
}

func TestEngine_EvaluateConfig_Violations(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()

	tests := []struct {
		name       string
		resource   engine.Resource
		wantPolicy string
	}{
		{
			name: "invalid capacity type",
			resource: resourceWith(t, "ng-workers", "aws.node_group", map[string]interface{}{
				"capacity_type": "RESERVED",
			}),
			wantPolicy: "node-group-capacity",
		},
		{
			name: "invalid disk type",
			resource: resourceWith(t, "ng-workers", "aws.node_group", map[string]interface{}{
				"capacity_type": "SPOT",
				"disk_type":     "st1",
			}),
			wantPolicy: "node-group-disk",
		},
		{
			name: "adopted network without vpc id",
			resource: resourceWith(t, "vpc-main", "aws.vpc", map[string]interface{}{
				"create": false,
			}),
			wantPolicy: "network-adoption",
		},
		{
			name: "invalid storage class",
			resource: resourceWith(t, "bucket-archive", "aws.s3_bucket", map[string]interface{}{
				"bucket":        "archive",
				"block_public":  true,
				"storage_class": "DEEP_ARCHIVE",
			}),
			wantPolicy: "bucket-storage-class",
		},
		{
			name: "uppercase resource name",
			resource: func() engine.Resource {
				r := resourceWith(t, "bucket-logs", "aws.s3_bucket", map[string]interface{}{
					"bucket":       "logs",
					"block_public": true,
				})
				r.Name = "Logs-Bucket"
				return r
			}(),
			wantPolicy: "resource-naming",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := &engine.StackConfig{
				Name:      "platform",
				Region:    "eu-west-1",
				Resources: []engine.Resource{tt.resource},
			}
			result, err := e.EvaluateConfig(ctx, cfg)
			if err != nil {
				t.Fatalf("EvaluateConfig failed: %v", err)
			}
			if result.Allowed {
				t.Fatal("expected evaluation to block")
			}
			found := false
			for _, v := range result.Violations {
				if v.Policy == tt.wantPolicy {
					found = true
					if v.ResourceID != tt.resource.ID {
						t.Errorf("expected resource %s, got %s", tt.resource.ID, v.ResourceID)
					}
				}
			}
			if !found {
				t.Errorf("expected violation from %s, got %+v", tt.wantPolicy, result.Violations)
			}
		})
	}
}

func TestEngine_EvaluateConfig_WarningsDoNotBlock(t *testing.T) {
	e := newTestEngine(t)

	cfg := &engine.StackConfig{
		Name:   "platform",
		Region: "eu-west-1",
		Resources: []engine.Resource{
			resourceWith(t, "bucket-logs", "aws.s3_bucket", map[string]interface{}{
				"bucket": "logs",
			}),
		},
	}

	result, err := e.EvaluateConfig(context.Background(), cfg)
	if err != nil {
		t.Fatalf("EvaluateConfig failed: %v", err)
	}
	if !result.Allowed {
		t.Errorf("warnings must not block, got violations: %+v", result.Violations)
	}
	found := false
	for _, w := range result.Warnings {
		if strings.Contains(w, "bucket-public-access") {
			found = true
		}
	}
	if !found {
		t.Errorf("expected public access warning, got %v", result.Warnings)
	}
}

func TestEngine_EvaluatePlan_ProductionTeardown(t *testing.T) {
	e := newTestEngine(t)

	plan := &engine.Plan{
		ID:    "plan-1",
		Stack: "platform",
		Units: []engine.PlanUnit{{
			ID:           "u1",
			ResourceID:   "eks-main",
			Operation:    engine.OperationDelete,
			ProviderName: "aws.eks_cluster",
		}},
		Metadata: map[string]interface{}{"environment": "production"},
	}

	result, err := e.EvaluatePlan(context.Background(), plan)
	if err != nil {
		t.Fatalf("EvaluatePlan failed: %v", err)
	}
	if result.Allowed {
		t.Fatal("expected production teardown to be blocked")
	}
	if result.Violations[0].Policy != "production-teardown" {
		t.Errorf("unexpected policy: %+v", result.Violations[0])
	}

	// Same plan outside production passes.
	plan.Metadata["environment"] = "staging"
	result, err = e.EvaluatePlan(context.Background(), plan)
	if err != nil {
		t.Fatalf("EvaluatePlan failed: %v", err)
	}
	if !result.Allowed {
		t.Errorf("expected staging teardown to pass, got %+v", result.Violations)
	}
}

func TestEngine_SetEnabled(t *testing.T) {
	e := newTestEngine(t)

	if err := e.SetEnabled("node-group-capacity", false); err != nil {
		t.Fatalf("SetEnabled failed: %v", err)
	}

	cfg := &engine.StackConfig{
		Name:   "platform",
		Region: "eu-west-1",
		Resources: []engine.Resource{
			resourceWith(t, "ng-workers", "aws.node_group", map[string]interface{}{
				"capacity_type": "RESERVED",
			}),
		},
	}
	result, err := e.EvaluateConfig(context.Background(), cfg)
	if err != nil {
		t.Fatalf("EvaluateConfig failed: %v", err)
	}
	if !result.Allowed {
		t.Errorf("disabled policy must not fire: %+v", result.Violations)
	}

	if err := e.SetEnabled("no-such-policy", true); err == nil {
		t.Error("expected error for unknown policy")
	}
}

func TestEngine_ListPolicies(t *testing.T) {
	e := newTestEngine(t)

	policies := e.ListPolicies()
	if len(policies) != len(BuiltinPolicies()) {
		t.Fatalf("expected %d policies, got %d", len(BuiltinPolicies()), len(policies))
	}
	for i := 1; i < len(policies); i++ {
		if policies[i-1].Name > policies[i].Name {
			t.Errorf("policies not sorted: %s before %s", policies[i-1].Name, policies[i].Name)
		}
	}
}
