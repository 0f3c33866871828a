package engine

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func buildTestPlan(t *testing.T, units []PlanUnit) *Plan {
	t.Helper()
	plan := &Plan{ID: "plan-1", Stack: "demo", Units: units}
	graph, err := NewGraphBuilder().Build(plan.Units)
	if err != nil {
		t.Fatalf("failed to build graph: %v", err)
	}
	plan.Graph = graph
	return plan
}

func TestScheduler_RunSucceeds(t *testing.T) {
	executor := newMockExecutor()
	state := newMemState()
	scheduler := NewParallelScheduler(4, executor, nil, state, zerolog.Nop())

	plan := buildTestPlan(t, []PlanUnit{
		makeUnit("u1", "vpc-main"),
		makeUnit("u2", "eks-cluster", "u1"),
		makeUnit("u3", "eks-nodes", "u2"),
	})

	run, err := scheduler.Run(context.Background(), plan, RunOptions{})
	if err != nil {
		t.Fatalf("expected no error, got: %v", err)
	}
	if run.Status != RunStatusSucceeded {
		t.Errorf("expected succeeded, got %s", run.Status)
	}
	if run.Summary.Succeeded != 3 {
		t.Errorf("expected 3 succeeded, got %+v", run.Summary)
	}

	order := executor.executionOrder()
	if len(order) != 3 {
		t.Fatalf("expected 3 executions, got %d", len(order))
	}
	if order[0] != "vpc-main" || order[2] != "eks-nodes" {
		t.Errorf("expected dependency order, got %v", order)
	}

	saved, err := state.GetRun(context.Background(), run.ID)
	if err != nil {
		t.Fatalf("expected run persisted: %v", err)
	}
	if saved.Status != RunStatusSucceeded {
		t.Errorf("expected persisted status succeeded, got %s", saved.Status)
	}
}

func TestScheduler_DependentSkippedOnFailure(t *testing.T) {
	executor := newMockExecutor()
	executor.failFor["vpc-main"] = NewPermanentError("invalid CIDR", nil)

	scheduler := NewParallelScheduler(4, executor, nil, newMemState(), zerolog.Nop())
	plan := buildTestPlan(t, []PlanUnit{
		makeUnit("u1", "vpc-main"),
		makeUnit("u2", "eks-cluster", "u1"),
		makeUnit("u3", "s3-artifacts"),
	})

	run, err := scheduler.Run(context.Background(), plan, RunOptions{})
	if err == nil {
		t.Fatal("expected run error")
	}
	if run.Status != RunStatusPartial {
		t.Errorf("expected partial status, got %s", run.Status)
	}
	if run.Summary.Failed != 1 || run.Summary.Skipped != 1 || run.Summary.Succeeded != 1 {
		t.Errorf("unexpected summary: %+v", run.Summary)
	}
	if executor.executionCount("eks-cluster") != 0 {
		t.Error("expected eks-cluster to be skipped, but it executed")
	}
}

func TestScheduler_RetriesTransientErrors(t *testing.T) {
	calls := 0
	executor := executeFunc(func(ctx context.Context, unit *PlanUnit) (*ExecutionResult, error) {
		calls++
		if calls < 3 {
			return nil, NewTransientError("api timeout", nil)
		}
		now := time.Now()
		return &ExecutionResult{
			PlanUnitID:  unit.ID,
			Status:      UnitStatusSucceeded,
			StartedAt:   now,
			CompletedAt: now,
		}, nil
	})

	scheduler := NewParallelScheduler(1, executor, nil, newMemState(), zerolog.Nop())
	unit := makeUnit("u1", "vpc-main")
	unit.MaxRetries = 3
	plan := buildTestPlan(t, []PlanUnit{unit})

	run, err := scheduler.Run(context.Background(), plan, RunOptions{})
	if err != nil {
		t.Fatalf("expected run to recover, got: %v", err)
	}
	if run.Status != RunStatusSucceeded {
		t.Errorf("expected succeeded after retries, got %s", run.Status)
	}
	if calls != 3 {
		t.Errorf("expected 3 attempts, got %d", calls)
	}
}

func TestScheduler_NoRetryOnPermanentError(t *testing.T) {
	executor := newMockExecutor()
	executor.failFor["vpc-main"] = NewPermanentError("access denied", nil).
		WithCode(ErrCodePermissionDenied)

	scheduler := NewParallelScheduler(1, executor, nil, newMemState(), zerolog.Nop())
	unit := makeUnit("u1", "vpc-main")
	unit.MaxRetries = 5
	plan := buildTestPlan(t, []PlanUnit{unit})

	if _, err := scheduler.Run(context.Background(), plan, RunOptions{}); err == nil {
		t.Fatal("expected run error")
	}
	if executor.executionCount("vpc-main") != 1 {
		t.Errorf("expected 1 attempt for permanent error, got %d",
			executor.executionCount("vpc-main"))
	}
}

func TestScheduler_DryRunSkipsExecutor(t *testing.T) {
	executor := newMockExecutor()
	scheduler := NewParallelScheduler(4, executor, nil, newMemState(), zerolog.Nop())

	unit := makeUnit("u1", "vpc-main")
	unit.DesiredState = json.RawMessage(`{"cidr_block":"10.0.0.0/16"}`)
	plan := buildTestPlan(t, []PlanUnit{unit})

	run, err := scheduler.Run(context.Background(), plan, RunOptions{DryRun: true})
	if err != nil {
		t.Fatalf("expected no error, got: %v", err)
	}
	if run.Status != RunStatusSucceeded {
		t.Errorf("expected succeeded, got %s", run.Status)
	}
	if len(executor.executionOrder()) != 0 {
		t.Error("expected no executor calls in dry run")
	}
}

func TestScheduler_FailFastSkipsLaterLevels(t *testing.T) {
	executor := newMockExecutor()
	executor.failFor["vpc-main"] = NewPermanentError("boom", nil)

	scheduler := NewParallelScheduler(4, executor, nil, newMemState(), zerolog.Nop())
	plan := buildTestPlan(t, []PlanUnit{
		makeUnit("u1", "vpc-main"),
		makeUnit("u2", "eks-cluster", "u1"),
	})

	run, err := scheduler.Run(context.Background(), plan, RunOptions{FailFast: true})
	if err == nil {
		t.Fatal("expected run error")
	}
	if run.Status != RunStatusFailed {
		t.Errorf("expected failed, got %s", run.Status)
	}
	if executor.executionCount("eks-cluster") != 0 {
		t.Error("expected eks-cluster not to execute under fail-fast")
	}
}

func TestScheduler_PublishesEvents(t *testing.T) {
	executor := newMockExecutor()
	state := newMemState()
	events := NewMemoryPublisher(state)
	scheduler := NewParallelScheduler(4, executor, events, state, zerolog.Nop())

	plan := buildTestPlan(t, []PlanUnit{makeUnit("u1", "vpc-main")})
	run, err := scheduler.Run(context.Background(), plan, RunOptions{})
	if err != nil {
		t.Fatalf("expected no error, got: %v", err)
	}

	timeline, err := state.GetEvents(context.Background(), run.ID)
	if err != nil {
		t.Fatalf("failed to load events: %v", err)
	}

	var started, completed bool
	for _, ev := range timeline {
		switch ev.Type {
		case EventTypeRunStarted:
			started = true
		case EventTypeRunCompleted:
			completed = true
		}
	}
	if !started || !completed {
		t.Errorf("expected run start and completion events, got %d events", len(timeline))
	}
}

func TestScheduler_CancelActiveRun(t *testing.T) {
	release := make(chan struct{})
	executor := executeFunc(func(ctx context.Context, unit *PlanUnit) (*ExecutionResult, error) {
		select {
		case <-release:
		case <-ctx.Done():
			return nil, NewPermanentError("cancelled", ctx.Err()).WithCode(ErrCodeCancelled)
		}
		now := time.Now()
		return &ExecutionResult{PlanUnitID: unit.ID, Status: UnitStatusSucceeded, StartedAt: now, CompletedAt: now}, nil
	})

	state := newMemState()
	scheduler := NewParallelScheduler(1, executor, nil, state, zerolog.Nop())
	plan := buildTestPlan(t, []PlanUnit{
		makeUnit("u1", "vpc-main"),
		makeUnit("u2", "eks-cluster", "u1"),
	})

	done := make(chan *Run, 1)
	go func() {
		run, _ := scheduler.Run(context.Background(), plan, RunOptions{})
		done <- run
	}()

	// Wait for the run to be registered, then cancel it.
	var runID string
	deadline := time.After(5 * time.Second)
	for runID == "" {
		select {
		case <-deadline:
			t.Fatal("run never registered")
		default:
		}
		scheduler.mu.Lock()
		for id := range scheduler.cancels {
			runID = id
		}
		scheduler.mu.Unlock()
		time.Sleep(5 * time.Millisecond)
	}
	if err := scheduler.Cancel(context.Background(), runID); err != nil {
		t.Fatalf("cancel failed: %v", err)
	}

	select {
	case run := <-done:
		if run.Status != RunStatusCancelled {
			t.Errorf("expected cancelled, got %s", run.Status)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("run did not finish after cancel")
	}
}

// executeFunc adapts a function to the Executor interface.
type executeFunc func(ctx context.Context, unit *PlanUnit) (*ExecutionResult, error)

func (f executeFunc) ExecuteUnit(ctx context.Context, unit *PlanUnit) (*ExecutionResult, error) {
	return f(ctx, unit)
}

func TestScheduler_RecordsUnitInstrumentation(t *testing.T) {
	calls := 0
	executor := executeFunc(func(ctx context.Context, unit *PlanUnit) (*ExecutionResult, error) {
		calls++
		if calls == 1 {
			return nil, NewTransientError("api timeout", nil)
		}
		now := time.Now()
		return &ExecutionResult{
			PlanUnitID:  unit.ID,
			Status:      UnitStatusSucceeded,
			StartedAt:   now,
			CompletedAt: now,
		}, nil
	})

	metrics := &fakeMetrics{}
	tracer := &fakeTracer{}
	scheduler := NewParallelScheduler(1, executor, nil, newMemState(), zerolog.Nop())
	scheduler.SetInstrumentation(metrics, tracer)

	unit := makeUnit("u1", "vpc-main")
	unit.ProviderName = "aws.vpc"
	unit.MaxRetries = 2
	plan := buildTestPlan(t, []PlanUnit{unit})

	run, err := scheduler.Run(context.Background(), plan, RunOptions{})
	if err != nil {
		t.Fatalf("expected run to recover, got: %v", err)
	}
	if run.Status != RunStatusSucceeded {
		t.Errorf("expected succeeded, got %s", run.Status)
	}

	if len(metrics.retried) != 1 || metrics.retried[0] != "aws.vpc/transient" {
		t.Errorf("retried = %v, want one aws.vpc/transient entry", metrics.retried)
	}
	if len(metrics.executed) != 1 || metrics.executed[0] != "create/succeeded/aws.vpc" {
		t.Errorf("executed = %v, want one create/succeeded/aws.vpc entry", metrics.executed)
	}
	if len(tracer.spans) != 1 || tracer.spans[0] != "vpc-main/create" {
		t.Errorf("spans = %v, want one vpc-main/create span", tracer.spans)
	}
}

func TestScheduler_RecordsFailedUnitMetric(t *testing.T) {
	executor := newMockExecutor()
	executor.failFor["vpc-main"] = NewPermanentError("invalid CIDR", nil)

	metrics := &fakeMetrics{}
	scheduler := NewParallelScheduler(1, executor, nil, newMemState(), zerolog.Nop())
	scheduler.SetInstrumentation(metrics, nil)

	unit := makeUnit("u1", "vpc-main")
	unit.ProviderName = "aws.vpc"
	plan := buildTestPlan(t, []PlanUnit{unit})

	if _, err := scheduler.Run(context.Background(), plan, RunOptions{}); err == nil {
		t.Fatal("expected run error")
	}
	if len(metrics.executed) != 1 || metrics.executed[0] != "create/failed/aws.vpc" {
		t.Errorf("executed = %v, want one create/failed/aws.vpc entry", metrics.executed)
	}
	if len(metrics.retried) != 0 {
		t.Errorf("retried = %v, want none for a permanent error", metrics.retried)
	}
}

func TestBackoffDelayJitterVaries(t *testing.T) {
	base := 1 * time.Second
	seen := make(map[time.Duration]struct{})
	for i := 0; i < 20; i++ {
		d := backoffDelay(0, nil)
		if d < base || d > base+base/4 {
			t.Fatalf("delay %v outside [%v, %v]", d, base, base+base/4)
		}
		seen[d] = struct{}{}
	}
	if len(seen) < 2 {
		t.Errorf("expected jitter to vary across samples, saw %d distinct delays", len(seen))
	}
}
