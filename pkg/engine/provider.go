package engine

import (
	"context"
	"encoding/json"
	"time"
)

// Provider manages one resource type against a cloud control-plane API.
// Implementations parse their own Config payloads; the engine treats them
// as opaque JSON.
type Provider interface {
	// Read retrieves the current cloud-side state of a resource.
	Read(ctx context.Context, req ReadRequest) (*ReadResponse, error)

	// Plan computes the operation and attribute changes needed to reach
	// the desired state from the actual state.
	Plan(ctx context.Context, req PlanRequest) (*PlanResponse, error)

	// Apply executes create or update operations.
	Apply(ctx context.Context, req ApplyRequest) (*ApplyResponse, error)

	// Destroy removes the resource.
	Destroy(ctx context.Context, req DestroyRequest) (*DestroyResponse, error)

	// Validate checks a resource configuration before any API call is made.
	Validate(ctx context.Context, config json.RawMessage) error

	// Metadata describes the provider.
	Metadata() ProviderMetadata
}

// ProviderMetadata describes a registered provider.
type ProviderMetadata struct {
	// Name is the resource type this provider serves (e.g. "aws.vpc").
	Name string `json:"name"`

	Version     string `json:"version"`
	Description string `json:"description,omitempty"`

	// DefaultTimeout bounds a single operation; EKS control planes take
	// considerably longer than an SSM parameter write.
	DefaultTimeout time.Duration `json:"default_timeout,omitempty"`
}

// ReadRequest asks a provider for the current state of a resource.
type ReadRequest struct {
	ResourceID string          `json:"resource_id"`
	Config     json.RawMessage `json:"config"`

	// State is the last-applied state, carrying cloud identifiers the
	// provider needs to locate the resource (e.g. a VPC ID).
	State json.RawMessage `json:"state,omitempty"`
}

// ReadResponse carries the actual state of a resource.
type ReadResponse struct {
	State  json.RawMessage `json:"state"`
	Exists bool            `json:"exists"`
}

// PlanRequest asks a provider to diff desired against actual state.
type PlanRequest struct {
	ResourceID   string          `json:"resource_id"`
	DesiredState json.RawMessage `json:"desired_state"`
	ActualState  json.RawMessage `json:"actual_state,omitempty"`
}

// PlanResponse carries the provider's diff decision.
type PlanResponse struct {
	Operation OperationType `json:"operation"`
	Changes   []Change      `json:"changes"`

	// RequiresRecreate is set when a changed attribute cannot be updated
	// in place.
	RequiresRecreate bool `json:"requires_recreate"`

	Warnings []string `json:"warnings,omitempty"`
}

// ApplyRequest asks a provider to converge a resource to desired state.
type ApplyRequest struct {
	ResourceID   string          `json:"resource_id"`
	DesiredState json.RawMessage `json:"desired_state"`
	ActualState  json.RawMessage `json:"actual_state,omitempty"`
	Operation    OperationType   `json:"operation"`
}

// ApplyResponse carries the new state after a successful apply.
type ApplyResponse struct {
	NewState json.RawMessage `json:"new_state"`

	// Outputs are exported attributes for cross-resource references.
	Outputs map[string]string `json:"outputs,omitempty"`
}

// DestroyRequest asks a provider to remove a resource.
type DestroyRequest struct {
	ResourceID string          `json:"resource_id"`
	State      json.RawMessage `json:"state"`
}

// DestroyResponse confirms a destroy.
type DestroyResponse struct {
	Destroyed bool `json:"destroyed"`
}
