package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"reflect"
	"sort"
	"time"

	"github.com/google/uuid"
)

// Operation timeouts applied when the provider does not declare its own.
// EKS control planes and node groups dominate the worst case.
const (
	defaultCreateTimeout = 30 * time.Minute
	defaultUpdateTimeout = 20 * time.Minute
	defaultDeleteTimeout = 15 * time.Minute
	defaultMaxRetries    = 3
)

// DefaultPlanner computes diffs between declared configuration and the
// state store, and assembles dependency-ordered plans.
type DefaultPlanner struct {
	providers ProviderRegistry
	state     StateManager
}

// NewPlanner creates a planner backed by the given registry and state store.
func NewPlanner(providers ProviderRegistry, state StateManager) *DefaultPlanner {
	return &DefaultPlanner{providers: providers, state: state}
}

// ComputeDiff compares every declared resource against stored state, and
// marks resources present in state but absent from configuration for
// deletion (orphans).
func (p *DefaultPlanner) ComputeDiff(ctx context.Context, desired *StackConfig) (*DiffResult, error) {
	if desired == nil {
		return nil, NewPermanentError("desired configuration is nil", nil).
			WithCode(ErrCodeValidation)
	}

	result := &DiffResult{
		Resources: make([]ResourceDiff, 0, len(desired.Resources)),
		Summary:   DiffSummary{TotalResources: len(desired.Resources)},
		Timestamp: time.Now(),
	}

	declared := make(map[string]struct{}, len(desired.Resources))
	for i := range desired.Resources {
		res := &desired.Resources[i]
		declared[res.ID] = struct{}{}

		diff, err := p.diffResource(ctx, res)
		if err != nil {
			return nil, fmt.Errorf("failed to compute diff for resource %s: %w", res.ID, err)
		}
		result.Resources = append(result.Resources, *diff)
		result.Summary.count(diff.Operation)
	}

	// Orphans: in state, no longer declared.
	stored, err := p.state.ListResources(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list stored resources: %w", err)
	}
	for i := range stored {
		res := &stored[i]
		if _, ok := declared[res.ID]; ok {
			continue
		}
		result.Resources = append(result.Resources, ResourceDiff{
			ResourceID:  res.ID,
			Operation:   OperationDelete,
			ActualState: res.State,
			Changes: []Change{{
				Path:   ".",
				Before: json.RawMessage(res.State),
				Action: ChangeActionRemove,
			}},
		})
		result.Summary.ToDelete++
	}

	return result, nil
}

func (s *DiffSummary) count(op OperationType) {
	switch op {
	case OperationCreate:
		s.ToCreate++
	case OperationUpdate:
		s.ToUpdate++
	case OperationDelete:
		s.ToDelete++
	case OperationRecreate:
		s.ToRecreate++
	case OperationNoop:
		s.NoChange++
	}
}

// diffResource decides the operation for a single declared resource.
func (p *DefaultPlanner) diffResource(ctx context.Context, res *Resource) (*ResourceDiff, error) {
	diff := &ResourceDiff{
		ResourceID:   res.ID,
		DesiredState: res.Config,
		Changes:      make([]Change, 0),
	}

	actual, err := p.state.GetResourceState(ctx, res.ID)
	if err != nil {
		// Not in state yet: create.
		diff.Operation = OperationCreate
		diff.Changes = append(diff.Changes, Change{
			Path:   ".",
			After:  json.RawMessage(res.Config),
			Action: ChangeActionAdd,
		})
		return diff, nil
	}
	diff.ActualState = actual

	provider, err := p.providers.Get(res.Type)
	if err != nil {
		// No provider loaded: fall back to a whole-document comparison.
		if jsonEqual(res.Config, actual) {
			diff.Operation = OperationNoop
			return diff, nil
		}
		diff.Operation = OperationUpdate
		diff.Changes = append(diff.Changes, Change{
			Path:   ".",
			Before: json.RawMessage(actual),
			After:  json.RawMessage(res.Config),
			Action: ChangeActionModify,
		})
		return diff, nil
	}

	resp, err := provider.Plan(ctx, PlanRequest{
		ResourceID:   res.ID,
		DesiredState: res.Config,
		ActualState:  actual,
	})
	if err != nil {
		return nil, fmt.Errorf("provider plan failed: %w", err)
	}

	diff.Operation = resp.Operation
	diff.Changes = resp.Changes
	diff.RequiresRecreate = resp.RequiresRecreate
	if resp.RequiresRecreate {
		diff.Operation = OperationRecreate
	}
	return diff, nil
}

// jsonEqual compares two JSON documents structurally.
func jsonEqual(a, b json.RawMessage) bool {
	var av, bv interface{}
	if err := json.Unmarshal(a, &av); err != nil {
		return false
	}
	if err := json.Unmarshal(b, &bv); err != nil {
		return false
	}
	return reflect.DeepEqual(av, bv)
}

// BuildPlan turns a diff into plan units with dependency edges. Explicit
// depends_on entries and implicit ${ref} references both become edges;
// delete units are ordered inverse to the create-time dependency direction
// so dependents are removed before what they depend on.
func (p *DefaultPlanner) BuildPlan(ctx context.Context, config *StackConfig, diff *DiffResult) (*Plan, error) {
	if diff == nil {
		return nil, NewPermanentError("diff result is nil", nil).
			WithCode(ErrCodeValidation)
	}

	plan := &Plan{
		ID:        uuid.New().String(),
		CreatedAt: time.Now(),
		Units:     make([]PlanUnit, 0, len(diff.Resources)),
		Summary: PlanSummary{
			TotalResources: diff.Summary.TotalResources,
			ToCreate:       diff.Summary.ToCreate,
			ToUpdate:       diff.Summary.ToUpdate,
			ToDelete:       diff.Summary.ToDelete,
			ToRecreate:     diff.Summary.ToRecreate,
			NoChange:       diff.Summary.NoChange,
		},
	}
	if config != nil {
		plan.Stack = config.Name
	}

	unitByResource := make(map[string]*PlanUnit)
	for _, rd := range diff.Resources {
		if rd.Operation == OperationNoop {
			continue
		}
		unit := PlanUnit{
			ID:           uuid.New().String(),
			ResourceID:   rd.ResourceID,
			Operation:    rd.Operation,
			Status:       UnitStatusPending,
			DesiredState: rd.DesiredState,
			ActualState:  rd.ActualState,
			Changes:      rd.Changes,
			MaxRetries:   defaultMaxRetries,
			Timeout:      operationTimeout(rd.Operation),
		}
		plan.Units = append(plan.Units, unit)
		unitByResource[rd.ResourceID] = &plan.Units[len(plan.Units)-1]
	}

	for i := range plan.Units {
		unit := &plan.Units[i]
		deps, providerName, err := p.resourceDependencies(ctx, config, unit)
		if err != nil {
			return nil, err
		}
		unit.ProviderName = providerName
		unit.DependsOn = deps
		if tm := p.providerTimeout(providerName); tm > 0 {
			unit.Timeout = tm
		}

		for _, depID := range deps {
			target, ok := unitByResource[depID]
			if !ok {
				continue // dependency has no pending change
			}
			if unit.Operation == OperationDelete {
				// Reverse the edge: delete the dependent first.
				if target.Operation == OperationDelete {
					target.Dependencies = appendDependency(target.Dependencies, unit.ID)
				}
				continue
			}
			unit.Dependencies = appendDependency(unit.Dependencies, target.ID)
		}
	}

	return plan, nil
}

func appendDependency(deps []Dependency, targetID string) []Dependency {
	for _, d := range deps {
		if d.TargetID == targetID {
			return deps
		}
	}
	return append(deps, Dependency{TargetID: targetID, Type: DependencyRequire})
}

// resourceDependencies returns the dependency resource IDs for a unit,
// merging explicit depends_on with implicit ${ref} references, and the
// provider name for the resource. Every dependency must name a declared
// resource or one held in state.
func (p *DefaultPlanner) resourceDependencies(ctx context.Context, config *StackConfig, unit *PlanUnit) ([]string, string, error) {
	var declared *Resource
	if config != nil {
		declared = config.ResourceByID(unit.ResourceID)
	}

	if declared == nil {
		// Orphan delete: dependency direction comes from stored metadata.
		stored, err := p.state.GetResource(ctx, unit.ResourceID)
		if err != nil {
			return nil, "", nil
		}
		return stored.DependsOn, stored.Type, nil
	}

	seen := make(map[string]struct{})
	deps := make([]string, 0, len(declared.DependsOn))
	add := func(id string) error {
		if id == unit.ResourceID {
			return NewPermanentError(
				fmt.Sprintf("resource %s depends on itself", id), nil).
				WithCode(ErrCodeValidation).WithResource(id)
		}
		if config.ResourceByID(id) == nil {
			return NewPermanentError(
				fmt.Sprintf("resource %s references undeclared resource %s", unit.ResourceID, id), nil).
				WithCode(ErrCodeValidation).WithResource(unit.ResourceID)
		}
		if _, ok := seen[id]; !ok {
			seen[id] = struct{}{}
			deps = append(deps, id)
		}
		return nil
	}

	for _, id := range declared.DependsOn {
		if err := add(id); err != nil {
			return nil, "", err
		}
	}

	refs, err := ExtractRefs(declared.Config)
	if err != nil {
		return nil, "", err
	}
	for _, ref := range refs {
		if err := add(ref.ResourceID); err != nil {
			return nil, "", err
		}
	}

	sort.Strings(deps)
	return deps, declared.Type, nil
}

func (p *DefaultPlanner) providerTimeout(providerName string) time.Duration {
	if providerName == "" {
		return 0
	}
	provider, err := p.providers.Get(providerName)
	if err != nil {
		return 0
	}
	return provider.Metadata().DefaultTimeout
}

func operationTimeout(op OperationType) time.Duration {
	switch op {
	case OperationCreate, OperationRecreate:
		return defaultCreateTimeout
	case OperationDelete:
		return defaultDeleteTimeout
	default:
		return defaultUpdateTimeout
	}
}

// BuildDAG constructs the dependency graph and attaches it to the plan.
func (p *DefaultPlanner) BuildDAG(ctx context.Context, plan *Plan) (*ExecutionGraph, error) {
	if plan == nil {
		return nil, NewPermanentError("plan is nil", nil).WithCode(ErrCodeValidation)
	}

	builder := NewGraphBuilder()
	graph, err := builder.Build(plan.Units)
	if err != nil {
		return nil, fmt.Errorf("failed to build execution graph: %w", err)
	}
	if err := builder.Verify(graph); err != nil {
		return nil, fmt.Errorf("graph verification failed: %w", err)
	}

	plan.Graph = graph
	return graph, nil
}

// ValidatePlan checks a plan for execution readiness.
func (p *DefaultPlanner) ValidatePlan(ctx context.Context, plan *Plan) error {
	if plan == nil {
		return NewPermanentError("plan is nil", nil).WithCode(ErrCodeValidation)
	}
	if len(plan.Units) == 0 {
		return NewPermanentError("plan has no units", nil).WithCode(ErrCodeValidation)
	}

	for i := range plan.Units {
		unit := &plan.Units[i]
		if unit.ID == "" {
			return NewPermanentError("plan unit has empty ID", nil).
				WithCode(ErrCodeValidation)
		}
		if unit.ResourceID == "" {
			return NewPermanentError("plan unit has empty resource ID", nil).
				WithCode(ErrCodeValidation).WithResource(unit.ID)
		}
		if err := unit.Operation.Validate(); err != nil {
			return err
		}
		if err := unit.Status.Validate(); err != nil {
			return err
		}
		if unit.Timeout <= 0 {
			return NewPermanentError("plan unit has invalid timeout", nil).
				WithCode(ErrCodeValidation).WithResource(unit.ResourceID)
		}
		if unit.MaxRetries < 0 {
			return NewPermanentError("plan unit has negative max retries", nil).
				WithCode(ErrCodeValidation).WithResource(unit.ResourceID)
		}
	}

	if plan.Graph != nil {
		builder := NewGraphBuilder()
		if _, err := builder.Build(plan.Units); err != nil {
			return fmt.Errorf("graph validation failed: %w", err)
		}
	}

	return nil
}
