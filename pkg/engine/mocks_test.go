package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
)

// memState is an in-memory StateManager for tests.
type memState struct {
	mu        sync.Mutex
	resources map[string]*Resource
	plans     map[string]*Plan
	runs      map[string]*Run
	events    map[string][]Event
	locks     map[string]string
}

func newMemState() *memState {
	return &memState{
		resources: make(map[string]*Resource),
		plans:     make(map[string]*Plan),
		runs:      make(map[string]*Run),
		events:    make(map[string][]Event),
		locks:     make(map[string]string),
	}
}

func (m *memState) GetResource(ctx context.Context, resourceID string) (*Resource, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	res, ok := m.resources[resourceID]
	if !ok {
		return nil, fmt.Errorf("resource %s not found", resourceID)
	}
	cp := *res
	return &cp, nil
}

func (m *memState) SaveResource(ctx context.Context, resource *Resource) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *resource
	m.resources[resource.ID] = &cp
	return nil
}

func (m *memState) DeleteResource(ctx context.Context, resourceID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.resources, resourceID)
	return nil
}

func (m *memState) ListResources(ctx context.Context) ([]Resource, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Resource, 0, len(m.resources))
	for _, r := range m.resources {
		out = append(out, *r)
	}
	return out, nil
}

func (m *memState) GetResourceState(ctx context.Context, resourceID string) (json.RawMessage, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	res, ok := m.resources[resourceID]
	if !ok {
		return nil, fmt.Errorf("resource %s not found", resourceID)
	}
	return res.State, nil
}

func (m *memState) Lock(ctx context.Context, stack, holder string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if h, held := m.locks[stack]; held && h != holder {
		return NewConflictError("stack locked", nil).WithCode(ErrCodeStateLocked)
	}
	m.locks[stack] = holder
	return nil
}

func (m *memState) Unlock(ctx context.Context, stack, holder string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.locks, stack)
	return nil
}

func (m *memState) SavePlan(ctx context.Context, plan *Plan) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.plans[plan.ID] = plan
	return nil
}

func (m *memState) GetPlan(ctx context.Context, planID string) (*Plan, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.plans[planID]
	if !ok {
		return nil, fmt.Errorf("plan %s not found", planID)
	}
	return p, nil
}

func (m *memState) SaveRun(ctx context.Context, run *Run) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *run
	m.runs[run.ID] = &cp
	return nil
}

func (m *memState) GetRun(ctx context.Context, runID string) (*Run, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.runs[runID]
	if !ok {
		return nil, fmt.Errorf("run %s not found", runID)
	}
	cp := *r
	return &cp, nil
}

func (m *memState) AppendEvent(ctx context.Context, event *Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events[event.RunID] = append(m.events[event.RunID], *event)
	return nil
}

func (m *memState) GetEvents(ctx context.Context, runID string) ([]Event, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Event(nil), m.events[runID]...), nil
}

// fakeProvider is a scriptable Provider for tests.
type fakeProvider struct {
	name string

	readFn    func(ctx context.Context, req ReadRequest) (*ReadResponse, error)
	planFn    func(ctx context.Context, req PlanRequest) (*PlanResponse, error)
	applyFn   func(ctx context.Context, req ApplyRequest) (*ApplyResponse, error)
	destroyFn func(ctx context.Context, req DestroyRequest) (*DestroyResponse, error)

	mu       sync.Mutex
	applies  int
	destroys int
}

func (p *fakeProvider) Read(ctx context.Context, req ReadRequest) (*ReadResponse, error) {
	if p.readFn != nil {
		return p.readFn(ctx, req)
	}
	return &ReadResponse{State: req.State, Exists: true}, nil
}

func (p *fakeProvider) Plan(ctx context.Context, req PlanRequest) (*PlanResponse, error) {
	if p.planFn != nil {
		return p.planFn(ctx, req)
	}
	return &PlanResponse{Operation: OperationNoop}, nil
}

func (p *fakeProvider) Apply(ctx context.Context, req ApplyRequest) (*ApplyResponse, error) {
	p.mu.Lock()
	p.applies++
	p.mu.Unlock()
	if p.applyFn != nil {
		return p.applyFn(ctx, req)
	}
	return &ApplyResponse{NewState: req.DesiredState}, nil
}

func (p *fakeProvider) Destroy(ctx context.Context, req DestroyRequest) (*DestroyResponse, error) {
	p.mu.Lock()
	p.destroys++
	p.mu.Unlock()
	if p.destroyFn != nil {
		return p.destroyFn(ctx, req)
	}
	return &DestroyResponse{Destroyed: true}, nil
}

func (p *fakeProvider) Validate(ctx context.Context, config json.RawMessage) error {
	return nil
}

func (p *fakeProvider) Metadata() ProviderMetadata {
	return ProviderMetadata{Name: p.name, Version: "test", DefaultTimeout: time.Minute}
}

func (p *fakeProvider) applyCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.applies
}

// fakeMetrics records instrumentation calls as formatted strings.
type fakeMetrics struct {
	mu       sync.Mutex
	executed []string
	retried  []string
	calls    []string
	errors   []string
	drifts   []string
}

func (f *fakeMetrics) UnitExecuted(operation, status, resourceType string, _ time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.executed = append(f.executed, fmt.Sprintf("%s/%s/%s", operation, status, resourceType))
}

func (f *fakeMetrics) UnitRetried(resourceType, errorClass string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.retried = append(f.retried, fmt.Sprintf("%s/%s", resourceType, errorClass))
}

func (f *fakeMetrics) ProviderCall(provider, operation string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, fmt.Sprintf("%s/%s", provider, operation))
}

func (f *fakeMetrics) ProviderError(provider, errorClass string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.errors = append(f.errors, fmt.Sprintf("%s/%s", provider, errorClass))
}

func (f *fakeMetrics) DriftDetected(resourceType, status string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.drifts = append(f.drifts, fmt.Sprintf("%s/%s", resourceType, status))
}

// fakeTracer records StartUnit calls and hands back inert spans.
type fakeTracer struct {
	mu    sync.Mutex
	spans []string
}

func (f *fakeTracer) StartUnit(ctx context.Context, resourceID, operation string) (context.Context, trace.Span) {
	f.mu.Lock()
	f.spans = append(f.spans, fmt.Sprintf("%s/%s", resourceID, operation))
	f.mu.Unlock()
	return noop.NewTracerProvider().Tracer("test").Start(ctx, "unit")
}

// mockExecutor returns scripted results per resource ID.
type mockExecutor struct {
	mu       sync.Mutex
	executed []string
	failFor  map[string]error
	attempts map[string]int
}

func newMockExecutor() *mockExecutor {
	return &mockExecutor{
		failFor:  make(map[string]error),
		attempts: make(map[string]int),
	}
}

func (m *mockExecutor) ExecuteUnit(ctx context.Context, unit *PlanUnit) (*ExecutionResult, error) {
	m.mu.Lock()
	m.executed = append(m.executed, unit.ResourceID)
	m.attempts[unit.ResourceID]++
	err := m.failFor[unit.ResourceID]
	m.mu.Unlock()

	now := time.Now()
	result := &ExecutionResult{
		PlanUnitID:  unit.ID,
		StartedAt:   now,
		CompletedAt: now,
	}
	if err != nil {
		result.Status = UnitStatusFailed
		return result, err
	}
	result.Status = UnitStatusSucceeded
	result.NewState = unit.DesiredState
	return result, nil
}

func (m *mockExecutor) executionCount(resourceID string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.attempts[resourceID]
}

func (m *mockExecutor) executionOrder() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.executed...)
}
