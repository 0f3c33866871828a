package policy

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"

	"github.com/opentundra/opentundra/pkg/engine"
)

const tagPolicy = `# description: Every resource must carry an owner label
# severity: warning
# tags: labels, governance
package opentundra.policies.owner_label

import rego.v1

deny contains violation if {
	input.resource
	not input.resource.labels.owner
	violation := {
		"message": sprintf("resource %s has no owner label", [input.resource.id]),
		"resource": input.resource.id,
		"severity": "warning",
	}
}
`

func TestLoader_LoadFromPaths(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "owner-label.rego")
	if err := os.WriteFile(path, []byte(tagPolicy), 0o644); err != nil {
		t.Fatalf("write policy: %v", err)
	}
	// Non-rego files are ignored.
	if err := os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("x"), 0o644); err != nil {
		t.Fatalf("write notes: %v", err)
	}

	loader := NewLoader(zerolog.Nop())
	policies, err := loader.LoadFromPaths(context.Background(), []string{dir})
	if err != nil {
		t.Fatalf("LoadFromPaths failed: %v", err)
	}
	if len(policies) != 1 {
		t.Fatalf("expected 1 policy, got %d", len(policies))
	}

	p := policies[0]
	if p.Name != "owner-label" {
		t.Errorf("expected name owner-label, got %s", p.Name)
	}
	if p.Severity != SeverityWarning {
		t.Errorf("expected warning severity, got %s", p.Severity)
	}
	if p.Description != "Every resource must carry an owner label" {
		t.Errorf("unexpected description: %q", p.Description)
	}
	if len(p.Tags) != 2 || p.Tags[0] != "labels" || p.Tags[1] != "governance" {
		t.Errorf("unexpected tags: %v", p.Tags)
	}
	if p.Source != path {
		t.Errorf("expected source %s, got %s", path, p.Source)
	}
}

func TestLoader_MissingPath(t *testing.T) {
	loader := NewLoader(zerolog.Nop())
	if _, err := loader.LoadFromPaths(context.Background(), []string{"/no/such/dir"}); err == nil {
		t.Error("expected error for missing path")
	}
}

func TestEngine_LoadedPolicyFires(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "owner-label.rego"), []byte(tagPolicy), 0o644); err != nil {
		t.Fatalf("write policy: %v", err)
	}

	e := newTestEngine(t)
	if err := e.LoadPolicies(context.Background(), []string{dir}); err != nil {
		t.Fatalf("LoadPolicies failed: %v", err)
	}

	raw, _ := json.Marshal(map[string]interface{}{"bucket": "logs", "block_public": true})
	cfg := &engine.StackConfig{
		Name:   "platform",
		Region: "eu-west-1",
		Resources: []engine.Resource{{
			ID: "bucket-logs", Type: "aws.s3_bucket", Name: "bucket-logs", Config: raw,
		}},
	}

	result, err := e.EvaluateConfig(context.Background(), cfg)
	if err != nil {
		t.Fatalf("EvaluateConfig failed: %v", err)
	}
	// The loaded policy is warning severity so it must not block.
	if !result.Allowed {
		t.Fatalf("expected allowed, got %+v", result.Violations)
	}
	found := false
	for _, w := range result.Warnings {
		if w == "owner-label: resource bucket-logs has no owner label" {
			found = true
		}
	}
	if !found {
		t.Errorf("expected owner label warning, got %v", result.Warnings)
	}
}
