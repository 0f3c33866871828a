package engine

import (
	"encoding/json"
	"time"
)

// Resource is a single declared cloud object with typed attributes, for
// example a VPC, a managed node group, or a container registry.
type Resource struct {
	// ID uniquely identifies the resource within a stack (e.g. "platform_vpc").
	ID string `json:"id"`

	// Type selects the provider that manages this resource
	// (e.g. "aws.vpc", "aws.node_group", "k8s.helm_release").
	Type string `json:"type"`

	// Name is the cloud-side name of the resource.
	Name string `json:"name"`

	// Config is the desired attribute set, provider-specific.
	Config json.RawMessage `json:"config"`

	// State is the last-applied attribute set recorded after an apply.
	State json.RawMessage `json:"state,omitempty"`

	// Outputs are attributes exported for cross-resource references,
	// e.g. a VPC ID or an OIDC issuer URL.
	Outputs map[string]string `json:"outputs,omitempty"`

	Status ResourceStatus    `json:"status"`
	Labels map[string]string `json:"labels,omitempty"`

	// DependsOn lists resource IDs that must be applied before this one.
	// Implicit dependencies from ${ref} interpolation are merged in at
	// plan time.
	DependsOn []string `json:"depends_on,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`

	// Version increments on every state write, for optimistic locking.
	Version int64 `json:"version"`
}

// StackConfig is a fully evaluated stack: metadata plus the declared
// resource set, after CUE evaluation and variable resolution.
type StackConfig struct {
	// Name identifies the stack; it prefixes cloud resource names.
	Name string `json:"name"`

	// Region is the cloud region the stack targets.
	Region string `json:"region"`

	// Environment tags resources (e.g. "dev", "staging", "prod").
	Environment string `json:"environment,omitempty"`

	Source    string     `json:"source"`
	ParsedAt  time.Time  `json:"parsed_at"`
	Resources []Resource `json:"resources"`

	// Variables are stack-level inputs available to ${var.*} references.
	Variables map[string]interface{} `json:"variables,omitempty"`

	Metadata map[string]interface{} `json:"metadata,omitempty"`
}

// ResourceByID returns the declared resource with the given ID, or nil.
func (c *StackConfig) ResourceByID(id string) *Resource {
	for i := range c.Resources {
		if c.Resources[i].ID == id {
			return &c.Resources[i]
		}
	}
	return nil
}

// DependencyType is the kind of edge between two plan units.
type DependencyType string

const (
	// DependencyRequire is a hard edge: the target must succeed first.
	DependencyRequire DependencyType = "require"

	// DependencyOrder is ordering only: the target must finish, success
	// or failure, before this unit starts.
	DependencyOrder DependencyType = "order"
)

// Dependency is an edge in the execution DAG.
type Dependency struct {
	TargetID string         `json:"target_id"`
	Type     DependencyType `json:"type"`
}

// ChangeAction describes how a single attribute changes.
type ChangeAction string

const (
	ChangeActionAdd    ChangeAction = "add"
	ChangeActionRemove ChangeAction = "remove"
	ChangeActionModify ChangeAction = "modify"
)

// Change is a single attribute-level difference between desired and actual
// state, addressed by a dotted path (e.g. ".scaling.max_size").
type Change struct {
	Path   string       `json:"path"`
	Before interface{}  `json:"before,omitempty"`
	After  interface{}  `json:"after,omitempty"`
	Action ChangeAction `json:"action"`
}

// PlanUnit is one unit of work in the execution DAG: a single operation on
// a single resource.
type PlanUnit struct {
	ID         string        `json:"id"`
	ResourceID string        `json:"resource_id"`
	Operation  OperationType `json:"operation"`
	Status     UnitStatus    `json:"status"`

	Dependencies []Dependency `json:"dependencies,omitempty"`

	// DependsOn lists dependency resource IDs. Persisted with the
	// resource so orphan deletes keep their ordering after the
	// declaration is gone.
	DependsOn []string `json:"depends_on,omitempty"`

	DesiredState json.RawMessage `json:"desired_state,omitempty"`
	ActualState  json.RawMessage `json:"actual_state,omitempty"`
	Changes      []Change        `json:"changes,omitempty"`

	// ProviderName is the resource type that selects the provider.
	ProviderName string `json:"provider_name"`

	// Level is the topological depth assigned by the graph builder;
	// units at the same level carry no mutual dependencies.
	Level int `json:"level"`

	MaxRetries int           `json:"max_retries"`
	Timeout    time.Duration `json:"timeout"`

	Result *ExecutionResult `json:"result,omitempty"`
}

// ExecutionResult is the outcome of executing one plan unit.
type ExecutionResult struct {
	PlanUnitID  string          `json:"plan_unit_id"`
	Status      UnitStatus      `json:"status"`
	StartedAt   time.Time       `json:"started_at"`
	CompletedAt time.Time       `json:"completed_at"`
	Duration    time.Duration   `json:"duration"`
	Attempts    int             `json:"attempts"`
	NewState    json.RawMessage `json:"new_state,omitempty"`

	// Outputs are the attributes exported by the provider after apply.
	Outputs map[string]string `json:"outputs,omitempty"`

	Error *EngineError `json:"error,omitempty"`
}

// Plan is a complete ordered change set for a stack.
type Plan struct {
	ID        string     `json:"id"`
	Stack     string     `json:"stack"`
	CreatedAt time.Time  `json:"created_at"`
	Units     []PlanUnit `json:"units"`

	// Graph is the DAG over Units, attached by BuildDAG.
	Graph *ExecutionGraph `json:"graph,omitempty"`

	Summary  PlanSummary            `json:"summary"`
	Metadata map[string]interface{} `json:"metadata,omitempty"`
}

// PlanSummary is the headline statistics shown after `tundra plan`.
type PlanSummary struct {
	TotalResources int `json:"total_resources"`
	ToCreate       int `json:"to_create"`
	ToUpdate       int `json:"to_update"`
	ToDelete       int `json:"to_delete"`
	ToRecreate     int `json:"to_recreate"`
	NoChange       int `json:"no_change"`
}

// ExecutionGraph is the DAG over a plan's units.
type ExecutionGraph struct {
	Nodes map[string]*GraphNode `json:"nodes"`
	Edges []GraphEdge           `json:"edges"`

	// Roots are unit IDs with no dependencies (level 0).
	Roots []string `json:"roots"`

	// Depth is the number of topological levels.
	Depth int `json:"depth"`
}

// GraphNode is one unit in the execution graph.
type GraphNode struct {
	ID           string   `json:"id"`
	Level        int      `json:"level"`
	Dependencies []string `json:"dependencies"`
	Dependents   []string `json:"dependents"`
}

// GraphEdge is a dependency edge: From must finish before To starts.
type GraphEdge struct {
	From string         `json:"from"`
	To   string         `json:"to"`
	Type DependencyType `json:"type"`
}

// Run is one execution of a plan.
type Run struct {
	ID          string                 `json:"id"`
	PlanID      string                 `json:"plan_id"`
	Stack       string                 `json:"stack"`
	Status      RunStatus              `json:"status"`
	StartedAt   time.Time              `json:"started_at"`
	CompletedAt *time.Time             `json:"completed_at,omitempty"`
	Duration    time.Duration          `json:"duration"`
	User        string                 `json:"user,omitempty"`
	Summary     RunSummary             `json:"summary"`
	Metadata    map[string]interface{} `json:"metadata,omitempty"`
}

// RunSummary counts plan units by final status.
type RunSummary struct {
	Total     int `json:"total"`
	Succeeded int `json:"succeeded"`
	Failed    int `json:"failed"`
	Skipped   int `json:"skipped"`
	Pending   int `json:"pending"`
	Running   int `json:"running"`
}

// Event is a timeline entry emitted while planning or applying.
type Event struct {
	ID         string                 `json:"id"`
	Type       EventType              `json:"type"`
	Timestamp  time.Time              `json:"timestamp"`
	RunID      string                 `json:"run_id"`
	PlanUnitID string                 `json:"plan_unit_id,omitempty"`
	ResourceID string                 `json:"resource_id,omitempty"`
	Message    string                 `json:"message"`
	Details    map[string]interface{} `json:"details,omitempty"`
	Level      string                 `json:"level"`
}

// DriftReport is the drift detection result for one resource.
type DriftReport struct {
	ResourceID   string          `json:"resource_id"`
	Status       DriftStatus     `json:"status"`
	DetectedAt   time.Time       `json:"detected_at"`
	DesiredState json.RawMessage `json:"desired_state,omitempty"`
	ActualState  json.RawMessage `json:"actual_state,omitempty"`
	Drifts       []Change        `json:"drifts,omitempty"`
}
