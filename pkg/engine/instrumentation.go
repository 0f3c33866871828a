package engine

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/trace"
)

// MetricsSink receives execution counters and timings from the scheduler,
// executor and drift detector. Implementations must tolerate concurrent
// calls. A nil sink disables collection.
type MetricsSink interface {
	UnitExecuted(operation, status, resourceType string, duration time.Duration)
	UnitRetried(resourceType, errorClass string)
	ProviderCall(provider, operation string)
	ProviderError(provider, errorClass string)
	DriftDetected(resourceType, status string)
}

// UnitTracer opens a span around each unit execution.
type UnitTracer interface {
	StartUnit(ctx context.Context, resourceID, operation string) (context.Context, trace.Span)
}
