package engine

import "fmt"

// RunStatus is the overall status of a plan execution run.
type RunStatus string

const (
	RunStatusPending   RunStatus = "pending"
	RunStatusRunning   RunStatus = "running"
	RunStatusSucceeded RunStatus = "succeeded"
	RunStatusFailed    RunStatus = "failed"
	RunStatusCancelled RunStatus = "cancelled"

	// RunStatusPartial means some plan units succeeded and others failed or
	// were skipped. The state store reflects the units that did apply.
	RunStatusPartial RunStatus = "partial"
)

// IsTerminal reports whether the run reached a final state.
func (s RunStatus) IsTerminal() bool {
	return s == RunStatusSucceeded || s == RunStatusFailed ||
		s == RunStatusCancelled || s == RunStatusPartial
}

// IsActive reports whether the run is pending or executing.
func (s RunStatus) IsActive() bool {
	return s == RunStatusPending || s == RunStatusRunning
}

// Validate checks that the run status is a known value.
func (s RunStatus) Validate() error {
	switch s {
	case RunStatusPending, RunStatusRunning, RunStatusSucceeded,
		RunStatusFailed, RunStatusCancelled, RunStatusPartial:
		return nil
	default:
		return fmt.Errorf("invalid run status: %s", s)
	}
}

// OperationType is the operation the planner decided for a resource.
type OperationType string

const (
	OperationCreate OperationType = "create"
	OperationUpdate OperationType = "update"
	OperationDelete OperationType = "delete"
	OperationNoop   OperationType = "noop"

	// OperationRead refreshes actual state without mutating anything.
	OperationRead OperationType = "read"

	// OperationRecreate destroys and recreates a resource whose changed
	// attributes cannot be updated in place (e.g. a VPC CIDR block).
	OperationRecreate OperationType = "recreate"
)

// IsDestructive reports whether the operation destroys cloud resources.
func (o OperationType) IsDestructive() bool {
	return o == OperationDelete || o == OperationRecreate
}

// IsMutating reports whether the operation changes cloud state.
func (o OperationType) IsMutating() bool {
	return o == OperationCreate || o == OperationUpdate ||
		o == OperationDelete || o == OperationRecreate
}

// Validate checks that the operation type is a known value.
func (o OperationType) Validate() error {
	switch o {
	case OperationCreate, OperationUpdate, OperationDelete,
		OperationNoop, OperationRead, OperationRecreate:
		return nil
	default:
		return fmt.Errorf("invalid operation type: %s", o)
	}
}

// ResourceStatus is the lifecycle status of a managed resource.
type ResourceStatus string

const (
	ResourceStatusUnknown  ResourceStatus = "unknown"
	ResourceStatusCreating ResourceStatus = "creating"
	ResourceStatusReady    ResourceStatus = "ready"
	ResourceStatusUpdating ResourceStatus = "updating"
	ResourceStatusDeleting ResourceStatus = "deleting"
	ResourceStatusError    ResourceStatus = "error"
	ResourceStatusDrifted  ResourceStatus = "drifted"
	ResourceStatusDeleted  ResourceStatus = "deleted"
)

// IsTransitional reports whether the resource is mid-operation.
func (s ResourceStatus) IsTransitional() bool {
	return s == ResourceStatusCreating || s == ResourceStatusUpdating ||
		s == ResourceStatusDeleting
}

// Validate checks that the resource status is a known value.
func (s ResourceStatus) Validate() error {
	switch s {
	case ResourceStatusUnknown, ResourceStatusCreating, ResourceStatusReady,
		ResourceStatusUpdating, ResourceStatusDeleting, ResourceStatusError,
		ResourceStatusDrifted, ResourceStatusDeleted:
		return nil
	default:
		return fmt.Errorf("invalid resource status: %s", s)
	}
}

// UnitStatus is the execution status of a single plan unit.
type UnitStatus string

const (
	UnitStatusPending   UnitStatus = "pending"
	UnitStatusBlocked   UnitStatus = "blocked"
	UnitStatusRunning   UnitStatus = "running"
	UnitStatusSucceeded UnitStatus = "succeeded"
	UnitStatusFailed    UnitStatus = "failed"
	UnitStatusSkipped   UnitStatus = "skipped"
	UnitStatusCancelled UnitStatus = "cancelled"
)

// IsTerminal reports whether the unit reached a final state.
func (s UnitStatus) IsTerminal() bool {
	return s == UnitStatusSucceeded || s == UnitStatusFailed ||
		s == UnitStatusSkipped || s == UnitStatusCancelled
}

// Validate checks that the unit status is a known value.
func (s UnitStatus) Validate() error {
	switch s {
	case UnitStatusPending, UnitStatusBlocked, UnitStatusRunning,
		UnitStatusSucceeded, UnitStatusFailed, UnitStatusSkipped, UnitStatusCancelled:
		return nil
	default:
		return fmt.Errorf("invalid unit status: %s", s)
	}
}

// DriftStatus is the result of comparing actual cloud state against the
// last-applied state for a resource.
type DriftStatus string

const (
	DriftStatusInSync  DriftStatus = "in_sync"
	DriftStatusDrifted DriftStatus = "drifted"
	DriftStatusGone    DriftStatus = "gone"
	DriftStatusUnknown DriftStatus = "unknown"
)

// EventType identifies a timeline event emitted during execution.
type EventType string

const (
	EventTypeRunStarted    EventType = "run_started"
	EventTypeRunCompleted  EventType = "run_completed"
	EventTypeRunFailed     EventType = "run_failed"
	EventTypeUnitStarted   EventType = "unit_started"
	EventTypeUnitCompleted EventType = "unit_completed"
	EventTypeUnitFailed    EventType = "unit_failed"
	EventTypeUnitSkipped   EventType = "unit_skipped"
	EventTypeDriftDetected EventType = "drift_detected"
	EventTypeWarning       EventType = "warning"
	EventTypeInfo          EventType = "info"
)

// Severity returns the log level for the event type.
func (e EventType) Severity() string {
	switch e {
	case EventTypeRunFailed, EventTypeUnitFailed:
		return "error"
	case EventTypeWarning, EventTypeUnitSkipped, EventTypeDriftDetected:
		return "warning"
	default:
		return "info"
	}
}
