package config

import (
	"context"
	"strings"
	"testing"
	"time"
)

func TestStarlarkEvaluator_EvaluateFile(t *testing.T) {
	eval := NewStarlarkEvaluator(5 * time.Second)
	ctx := context.Background()

	script := `
count = 2

resources = [
    {
        "id": "bucket-%d" % i,
        "type": "aws.s3_bucket",
        "name": "bucket-%d" % i,
        "config": {"bucket": "data-%d" % i, "versioning": True},
    }
    for i in range(count)
]

variables = {"bucket_count": count}
`

	result, err := eval.EvaluateFile(ctx, "buckets.star", script)
	if err != nil {
		t.Fatalf("EvaluateFile returned error: %v", err)
	}
	if len(result.Resources) != 2 {
		t.Fatalf("expected 2 resources, got %d", len(result.Resources))
	}
	if result.Resources[0]["id"] != "bucket-0" {
		t.Errorf("expected bucket-0 first, got %v", result.Resources[0]["id"])
	}
	cfg, ok := result.Resources[1]["config"].(map[string]interface{})
	if !ok {
		t.Fatalf("config not converted to map: %T", result.Resources[1]["config"])
	}
	if cfg["versioning"] != true {
		t.Errorf("expected versioning true, got %v", cfg["versioning"])
	}
	if result.Variables["bucket_count"] != int64(2) {
		t.Errorf("expected bucket_count 2, got %v", result.Variables["bucket_count"])
	}
}

func TestStarlarkEvaluator_CIDRBuiltins(t *testing.T) {
	eval := NewStarlarkEvaluator(5 * time.Second)

	script := `
base = "10.0.0.0/16"

resources = [
    {
        "id": "vpc-main",
        "type": "aws.vpc",
        "name": "main",
        "config": {
            "cidr_block": base,
            "private_subnet_cidrs": [cidr_subnet(base, 8, n) for n in range(3)],
        },
    },
]

variables = {"dns_server": cidr_host(base, 2)}
`

	result, err := eval.EvaluateFile(context.Background(), "net.star", script)
	if err != nil {
		t.Fatalf("EvaluateFile returned error: %v", err)
	}
	cfg := result.Resources[0]["config"].(map[string]interface{})
	subnets, ok := cfg["private_subnet_cidrs"].([]interface{})
	if !ok || len(subnets) != 3 {
		t.Fatalf("expected 3 subnets, got %v", cfg["private_subnet_cidrs"])
	}
	want := []string{"10.0.0.0/24", "10.0.1.0/24", "10.0.2.0/24"}
	for i, w := range want {
		if subnets[i] != w {
			t.Errorf("subnet %d: expected %s, got %v", i, w, subnets[i])
		}
	}
	if result.Variables["dns_server"] != "10.0.0.2" {
		t.Errorf("expected 10.0.0.2, got %v", result.Variables["dns_server"])
	}
}

func TestStarlarkEvaluator_Errors(t *testing.T) {
	eval := NewStarlarkEvaluator(5 * time.Second)
	ctx := context.Background()

	tests := []struct {
		name    string
		script  string
		wantMsg string
	}{
		{
			name:    "syntax error",
			script:  `resources = [`,
			wantMsg: "starlark execution failed",
		},
		{
			name:    "resources not a list",
			script:  `resources = {"id": "x"}`,
			wantMsg: "must be a list",
		},
		{
			name:    "resource not a dict",
			script:  `resources = ["not-a-dict"]`,
			wantMsg: "must be a dict",
		},
		{
			name:    "cidr subnet out of range",
			script:  `resources = [{"id": cidr_subnet("10.0.0.0/16", 4, 99)}]`,
			wantMsg: "out of range",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := eval.EvaluateFile(ctx, "bad.star", tt.script)
			if err == nil {
				t.Fatal("expected error, got nil")
			}
			if !strings.Contains(err.Error(), tt.wantMsg) {
				t.Errorf("expected error containing %q, got %v", tt.wantMsg, err)
			}
		})
	}
}

func TestStarlarkEvaluator_Timeout(t *testing.T) {
	eval := NewStarlarkEvaluator(50 * time.Millisecond)

	script := `
def spin():
    n = 0
    for i in range(1000000000):
        n += i
    return n

x = spin()
`

	_, err := eval.EvaluateFile(context.Background(), "spin.star", script)
	if err == nil || !strings.Contains(err.Error(), "timeout") {
		t.Errorf("expected timeout error, got %v", err)
	}
}

func TestCIDRSubnet(t *testing.T) {
	got, err := cidrSubnet("172.16.0.0/12", 8, 5)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != "172.16.80.0/20" {
		t.Errorf("expected 172.16.80.0/20, got %s", got)
	}

	if _, err := cidrSubnet("not-a-cidr", 8, 0); err == nil {
		t.Error("expected error for invalid CIDR")
	}
	if _, err := cidrSubnet("10.0.0.0/30", 8, 0); err == nil {
		t.Error("expected error when prefix cannot be extended")
	}
}
