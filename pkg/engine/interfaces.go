package engine

import (
	"context"
	"encoding/json"
	"time"
)

// Evaluator parses and validates stack configuration.
type Evaluator interface {
	// Evaluate parses configuration sources into a StackConfig.
	Evaluate(ctx context.Context, sources []string) (*StackConfig, error)

	// Validate checks a parsed configuration against schemas.
	Validate(ctx context.Context, config *StackConfig) error
}

// Planner computes differences and builds execution plans.
type Planner interface {
	// ComputeDiff compares desired configuration with stored state.
	ComputeDiff(ctx context.Context, desired *StackConfig) (*DiffResult, error)

	// BuildPlan creates an ordered change set from the diff.
	BuildPlan(ctx context.Context, config *StackConfig, diff *DiffResult) (*Plan, error)

	// BuildDAG constructs and attaches the dependency graph for a plan.
	BuildDAG(ctx context.Context, plan *Plan) (*ExecutionGraph, error)

	// ValidatePlan checks a plan for correctness before execution.
	ValidatePlan(ctx context.Context, plan *Plan) error
}

// DiffResult is the outcome of comparing desired and stored state.
type DiffResult struct {
	Resources []ResourceDiff `json:"resources"`
	Summary   DiffSummary    `json:"summary"`
	Timestamp time.Time      `json:"timestamp"`
}

// ResourceDiff is the planner's decision for a single resource.
type ResourceDiff struct {
	ResourceID       string          `json:"resource_id"`
	Operation        OperationType   `json:"operation"`
	DesiredState     json.RawMessage `json:"desired_state,omitempty"`
	ActualState      json.RawMessage `json:"actual_state,omitempty"`
	Changes          []Change        `json:"changes"`
	RequiresRecreate bool            `json:"requires_recreate"`
}

// DiffSummary counts resources per planned operation.
type DiffSummary struct {
	TotalResources int `json:"total_resources"`
	ToCreate       int `json:"to_create"`
	ToUpdate       int `json:"to_update"`
	ToDelete       int `json:"to_delete"`
	ToRecreate     int `json:"to_recreate"`
	NoChange       int `json:"no_change"`
}

// Executor executes individual plan units through providers.
type Executor interface {
	// ExecuteUnit runs one plan unit and persists the resulting state.
	ExecuteUnit(ctx context.Context, unit *PlanUnit) (*ExecutionResult, error)
}

// Scheduler runs plans: level-parallel, dependency-respecting.
type Scheduler interface {
	// Run executes a plan to completion and returns the finished run.
	Run(ctx context.Context, plan *Plan, opts RunOptions) (*Run, error)

	// Cancel cancels an active run.
	Cancel(ctx context.Context, runID string) error
}

// RunOptions control plan execution.
type RunOptions struct {
	// MaxParallel bounds concurrent plan units within a level.
	MaxParallel int `json:"max_parallel,omitempty"`

	// DryRun simulates execution without calling any provider Apply.
	DryRun bool `json:"dry_run,omitempty"`

	// FailFast aborts remaining levels after the first failure.
	FailFast bool `json:"fail_fast,omitempty"`

	User string `json:"user,omitempty"`
}

// StateManager persists resources, plans, runs and events.
type StateManager interface {
	GetResource(ctx context.Context, resourceID string) (*Resource, error)
	SaveResource(ctx context.Context, resource *Resource) error
	DeleteResource(ctx context.Context, resourceID string) error
	ListResources(ctx context.Context) ([]Resource, error)

	GetResourceState(ctx context.Context, resourceID string) (json.RawMessage, error)

	// Lock acquires the stack-wide advisory lock, failing with an
	// ErrCodeStateLocked error if another holder is active.
	Lock(ctx context.Context, stack, holder string) error
	Unlock(ctx context.Context, stack, holder string) error

	SavePlan(ctx context.Context, plan *Plan) error
	GetPlan(ctx context.Context, planID string) (*Plan, error)

	SaveRun(ctx context.Context, run *Run) error
	GetRun(ctx context.Context, runID string) (*Run, error)

	AppendEvent(ctx context.Context, event *Event) error
	GetEvents(ctx context.Context, runID string) ([]Event, error)
}

// DriftDetector compares actual cloud state against stored state.
type DriftDetector interface {
	// DetectDrift inspects one resource.
	DetectDrift(ctx context.Context, resourceID string) (*DriftReport, error)

	// DetectAll inspects every resource in state.
	DetectAll(ctx context.Context) ([]DriftReport, error)
}

// PolicyEngine enforces validation assertions before any API call.
type PolicyEngine interface {
	// EvaluateConfig evaluates policies against a parsed stack.
	EvaluateConfig(ctx context.Context, config *StackConfig) (*PolicyResult, error)

	// EvaluatePlan evaluates policies against a change set.
	EvaluatePlan(ctx context.Context, plan *Plan) (*PolicyResult, error)

	// LoadPolicies loads additional policy files.
	LoadPolicies(ctx context.Context, paths []string) error
}

// PolicyResult is the outcome of policy evaluation.
type PolicyResult struct {
	Allowed     bool              `json:"allowed"`
	Violations  []PolicyViolation `json:"violations,omitempty"`
	Warnings    []string          `json:"warnings,omitempty"`
	EvaluatedAt time.Time         `json:"evaluated_at"`
}

// PolicyViolation is a single failed assertion.
type PolicyViolation struct {
	Policy     string `json:"policy"`
	Message    string `json:"message"`
	Severity   string `json:"severity"`
	ResourceID string `json:"resource_id,omitempty"`
}

// ProviderRegistry resolves resource types to providers.
type ProviderRegistry interface {
	Register(provider Provider) error
	Get(name string) (Provider, error)
	List() []ProviderMetadata
}

// EventPublisher fans out timeline events to subscribers.
type EventPublisher interface {
	Publish(ctx context.Context, event *Event) error
	Subscribe(ctx context.Context, runID string) (<-chan Event, func(), error)
}
