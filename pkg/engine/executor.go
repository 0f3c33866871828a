package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/rs/zerolog"
)

// DefaultExecutor applies a single plan unit through its provider and
// persists the outcome. Cross-resource references in the desired state are
// resolved against the outputs of already-applied resources just before the
// provider call, so values produced earlier in the run (VPC IDs, cluster
// endpoints, role ARNs) flow into dependents.
type DefaultExecutor struct {
	providers ProviderRegistry
	state     StateManager
	log       zerolog.Logger
	metrics   MetricsSink
}

// NewExecutor creates an executor backed by the registry and state store.
func NewExecutor(providers ProviderRegistry, state StateManager, log zerolog.Logger) *DefaultExecutor {
	return &DefaultExecutor{
		providers: providers,
		state:     state,
		log:       log.With().Str("component", "executor").Logger(),
	}
}

// SetMetrics attaches a metrics sink for provider call accounting. A nil
// sink disables collection. Call before the first ExecuteUnit.
func (e *DefaultExecutor) SetMetrics(metrics MetricsSink) {
	e.metrics = metrics
}

// providerCall records one provider invocation and classifies its failure.
func (e *DefaultExecutor) providerCall(provider, operation string, err error) {
	if e.metrics == nil {
		return
	}
	e.metrics.ProviderCall(provider, operation)
	if err != nil {
		e.metrics.ProviderError(provider, string(ClassOf(err)))
	}
}

// ExecuteUnit runs one plan unit to completion and saves the resulting
// resource state.
func (e *DefaultExecutor) ExecuteUnit(ctx context.Context, unit *PlanUnit) (*ExecutionResult, error) {
	if unit == nil {
		return nil, NewPermanentError("plan unit is nil", nil).WithCode(ErrCodeValidation)
	}

	result := &ExecutionResult{
		PlanUnitID: unit.ID,
		StartedAt:  time.Now(),
	}
	finish := func(status UnitStatus) {
		result.Status = status
		result.CompletedAt = time.Now()
		result.Duration = result.CompletedAt.Sub(result.StartedAt)
	}

	provider, err := e.providers.Get(unit.ProviderName)
	if err != nil {
		finish(UnitStatusFailed)
		return result, NewPermanentError(
			fmt.Sprintf("no provider for resource type %s", unit.ProviderName), err).
			WithCode(ErrCodeProviderFailed).
			WithResource(unit.ResourceID).
			WithOperation(string(unit.Operation))
	}

	e.log.Debug().Str("resource_id", unit.ResourceID).
		Str("provider", unit.ProviderName).
		Str("operation", string(unit.Operation)).
		Msg("executing unit")

	switch unit.Operation {
	case OperationDelete:
		err = e.destroy(ctx, provider, unit, result)
	case OperationRecreate:
		if err = e.destroy(ctx, provider, unit, result); err == nil {
			err = e.apply(ctx, provider, unit, OperationCreate, result)
		}
	case OperationCreate, OperationUpdate:
		err = e.apply(ctx, provider, unit, unit.Operation, result)
	case OperationNoop:
		// Nothing to do.
	default:
		err = NewPermanentError(
			fmt.Sprintf("unsupported operation %s", unit.Operation), nil).
			WithCode(ErrCodeValidation).WithResource(unit.ResourceID)
	}

	if err != nil {
		finish(UnitStatusFailed)
		result.Error = asEngineError(err, unit)
		return result, err
	}

	finish(UnitStatusSucceeded)
	return result, nil
}

// apply resolves references, calls the provider, and persists new state.
func (e *DefaultExecutor) apply(
	ctx context.Context,
	provider Provider,
	unit *PlanUnit,
	op OperationType,
	result *ExecutionResult,
) error {
	desired, err := e.resolveReferences(ctx, unit.DesiredState)
	if err != nil {
		return NewPermanentError("failed to resolve references", err).
			WithCode(ErrCodeValidation).
			WithResource(unit.ResourceID).
			WithOperation(string(op))
	}

	resp, err := provider.Apply(ctx, ApplyRequest{
		ResourceID:   unit.ResourceID,
		DesiredState: desired,
		ActualState:  unit.ActualState,
		Operation:    op,
	})
	e.providerCall(unit.ProviderName, string(op), err)
	if err != nil {
		return err
	}

	result.NewState = resp.NewState
	result.Outputs = resp.Outputs

	if err := e.saveResource(ctx, unit, desired, resp); err != nil {
		return NewTransientError("failed to persist resource state", err).
			WithResource(unit.ResourceID).
			WithOperation(string(op))
	}
	return nil
}

func (e *DefaultExecutor) destroy(
	ctx context.Context,
	provider Provider,
	unit *PlanUnit,
	result *ExecutionResult,
) error {
	resp, err := provider.Destroy(ctx, DestroyRequest{
		ResourceID: unit.ResourceID,
		State:      unit.ActualState,
	})
	e.providerCall(unit.ProviderName, string(OperationDelete), err)
	if err != nil {
		return err
	}
	if !resp.Destroyed {
		e.log.Warn().Str("resource_id", unit.ResourceID).
			Msg("provider reported resource already gone")
	}

	if err := e.state.DeleteResource(ctx, unit.ResourceID); err != nil {
		return NewTransientError("failed to remove resource from state", err).
			WithResource(unit.ResourceID).
			WithOperation(string(OperationDelete))
	}
	result.NewState = nil
	return nil
}

// resolveReferences substitutes ${resource_id.output} placeholders with
// output values from the state store.
func (e *DefaultExecutor) resolveReferences(ctx context.Context, config json.RawMessage) (json.RawMessage, error) {
	if len(config) == 0 {
		return config, nil
	}
	return ResolveRefs(config, func(resourceID, output string) (string, bool) {
		res, err := e.state.GetResource(ctx, resourceID)
		if err != nil {
			return "", false
		}
		value, ok := res.Outputs[output]
		return value, ok
	})
}

func (e *DefaultExecutor) saveResource(
	ctx context.Context,
	unit *PlanUnit,
	desired json.RawMessage,
	resp *ApplyResponse,
) error {
	now := time.Now()

	res, err := e.state.GetResource(ctx, unit.ResourceID)
	if err != nil {
		res = &Resource{
			ID:        unit.ResourceID,
			Type:      unit.ProviderName,
			CreatedAt: now,
		}
	}

	res.Config = desired
	res.State = resp.NewState
	res.Outputs = resp.Outputs
	res.Status = ResourceStatusReady
	res.DependsOn = unit.DependsOn
	res.UpdatedAt = now
	res.Version++

	return e.state.SaveResource(ctx, res)
}
