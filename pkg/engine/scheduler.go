package engine

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/trace"
)

// ParallelScheduler executes plans level by level, running independent
// units in parallel within each level.
type ParallelScheduler struct {
	maxParallel int
	executor    Executor
	events      EventPublisher
	state       StateManager
	log         zerolog.Logger
	metrics     MetricsSink
	tracer      UnitTracer

	mu      sync.Mutex
	cancels map[string]context.CancelFunc
}

// NewParallelScheduler creates a scheduler with the given default worker
// bound. A non-positive bound defaults to 10.
func NewParallelScheduler(
	maxParallel int,
	executor Executor,
	events EventPublisher,
	state StateManager,
	log zerolog.Logger,
) *ParallelScheduler {
	if maxParallel <= 0 {
		maxParallel = 10
	}
	return &ParallelScheduler{
		maxParallel: maxParallel,
		executor:    executor,
		events:      events,
		state:       state,
		log:         log.With().Str("component", "scheduler").Logger(),
		cancels:     make(map[string]context.CancelFunc),
	}
}

// SetInstrumentation attaches a metrics sink and tracer. Either may be nil.
// Call before Run; the scheduler reads both without locking.
func (s *ParallelScheduler) SetInstrumentation(metrics MetricsSink, tracer UnitTracer) {
	s.metrics = metrics
	s.tracer = tracer
}

// runState tracks per-run unit statuses so concurrent runs do not share
// bookkeeping.
type runState struct {
	mu      sync.RWMutex
	status  map[string]UnitStatus
	results map[string]*ExecutionResult
}

func newRunState(units []PlanUnit) *runState {
	rs := &runState{
		status:  make(map[string]UnitStatus, len(units)),
		results: make(map[string]*ExecutionResult, len(units)),
	}
	for _, u := range units {
		rs.status[u.ID] = UnitStatusPending
	}
	return rs
}

func (rs *runState) set(unitID string, status UnitStatus) {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	rs.status[unitID] = status
}

func (rs *runState) store(unitID string, result *ExecutionResult) {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	rs.results[unitID] = result
}

// Run executes the plan to completion and returns the finished run.
func (s *ParallelScheduler) Run(ctx context.Context, plan *Plan, opts RunOptions) (*Run, error) {
	if plan == nil {
		return nil, NewPermanentError("plan is nil", nil).WithCode(ErrCodeValidation)
	}
	if plan.Graph == nil {
		return nil, NewPermanentError("plan has no execution graph", nil).
			WithCode(ErrCodeValidation)
	}

	run := &Run{
		ID:        uuid.New().String(),
		PlanID:    plan.ID,
		Stack:     plan.Stack,
		Status:    RunStatusRunning,
		StartedAt: time.Now(),
		User:      opts.User,
		Summary: RunSummary{
			Total:   len(plan.Units),
			Pending: len(plan.Units),
		},
		Metadata: map[string]interface{}{"dry_run": opts.DryRun},
	}
	if err := s.state.SaveRun(ctx, run); err != nil {
		return nil, fmt.Errorf("failed to save run: %w", err)
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	s.mu.Lock()
	s.cancels[run.ID] = cancel
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		delete(s.cancels, run.ID)
		s.mu.Unlock()
	}()

	s.publishEvent(ctx, run.ID, "", "", EventTypeRunStarted, "run started")
	s.log.Info().Str("run_id", run.ID).Str("plan_id", plan.ID).
		Int("units", len(plan.Units)).Bool("dry_run", opts.DryRun).
		Msg("starting run")

	rs := newRunState(plan.Units)
	execErr := s.executeLevels(runCtx, run, plan, rs, opts)

	rs.mu.RLock()
	run.Summary = summarize(plan.Units, rs.status)
	rs.mu.RUnlock()

	completedAt := time.Now()
	run.CompletedAt = &completedAt
	run.Duration = completedAt.Sub(run.StartedAt)
	run.Status = finalStatus(runCtx, run.Summary, execErr)

	if err := s.state.SaveRun(ctx, run); err != nil {
		return run, fmt.Errorf("failed to save final run state: %w", err)
	}

	if run.Status == RunStatusSucceeded {
		s.publishEvent(ctx, run.ID, "", "", EventTypeRunCompleted, "run completed")
	} else {
		s.publishEvent(ctx, run.ID, "", "", EventTypeRunFailed,
			fmt.Sprintf("run finished with status %s", run.Status))
	}
	s.log.Info().Str("run_id", run.ID).Str("status", string(run.Status)).
		Dur("duration", run.Duration).Msg("run finished")

	return run, execErr
}

func finalStatus(ctx context.Context, summary RunSummary, execErr error) RunStatus {
	if ctx.Err() != nil {
		return RunStatusCancelled
	}
	switch {
	case summary.Failed == 0 && summary.Skipped == 0 && execErr == nil:
		return RunStatusSucceeded
	case summary.Succeeded > 0:
		return RunStatusPartial
	default:
		return RunStatusFailed
	}
}

func summarize(units []PlanUnit, status map[string]UnitStatus) RunSummary {
	summary := RunSummary{Total: len(units)}
	for _, unit := range units {
		switch status[unit.ID] {
		case UnitStatusSucceeded:
			summary.Succeeded++
		case UnitStatusFailed:
			summary.Failed++
		case UnitStatusSkipped, UnitStatusCancelled:
			summary.Skipped++
		case UnitStatusRunning:
			summary.Running++
		default:
			summary.Pending++
		}
	}
	return summary
}

// executeLevels walks the graph depth-first by level. A failed level only
// stops the run under FailFast; otherwise later levels still run and units
// with failed dependencies are skipped individually.
func (s *ParallelScheduler) executeLevels(
	ctx context.Context,
	run *Run,
	plan *Plan,
	rs *runState,
	opts RunOptions,
) error {
	unitMap := make(map[string]*PlanUnit, len(plan.Units))
	for i := range plan.Units {
		unitMap[plan.Units[i].ID] = &plan.Units[i]
	}

	var firstErr error
	for level := 0; level < plan.Graph.Depth; level++ {
		units := unitsAtLevel(plan.Graph, level, unitMap)
		if len(units) == 0 {
			continue
		}

		if err := s.executeLevel(ctx, run, units, rs, opts); err != nil {
			if firstErr == nil {
				firstErr = err
			}
			if opts.FailFast {
				s.skipRemaining(ctx, run, plan, rs, level+1, unitMap)
				return fmt.Errorf("level %d failed: %w", level, err)
			}
		}

		select {
		case <-ctx.Done():
			s.markCancelled(plan, rs)
			return NewPermanentError("run cancelled", ctx.Err()).WithCode(ErrCodeCancelled)
		default:
		}
	}
	return firstErr
}

func unitsAtLevel(graph *ExecutionGraph, level int, unitMap map[string]*PlanUnit) []*PlanUnit {
	units := make([]*PlanUnit, 0)
	for _, node := range graph.Nodes {
		if node.Level != level {
			continue
		}
		if unit, ok := unitMap[node.ID]; ok {
			units = append(units, unit)
		}
	}
	return units
}

func (s *ParallelScheduler) executeLevel(
	ctx context.Context,
	run *Run,
	units []*PlanUnit,
	rs *runState,
	opts RunOptions,
) error {
	workers := s.maxParallel
	if opts.MaxParallel > 0 && opts.MaxParallel < workers {
		workers = opts.MaxParallel
	}
	if len(units) < workers {
		workers = len(units)
	}

	queue := make(chan *PlanUnit, len(units))
	for _, unit := range units {
		queue <- unit
	}
	close(queue)

	var wg sync.WaitGroup
	errChan := make(chan error, len(units))

	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for unit := range queue {
				if ctx.Err() != nil {
					return
				}
				if !s.dependenciesMet(unit, rs) {
					s.skipUnit(ctx, run, unit, rs, "dependency failed")
					continue
				}
				if err := s.executeUnit(ctx, run, unit, rs, opts); err != nil {
					errChan <- fmt.Errorf("unit %s failed: %w", unit.ResourceID, err)
				}
			}
		}()
	}

	wg.Wait()
	close(errChan)

	var firstErr error
	for err := range errChan {
		if firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// executeUnit runs one unit with retries. Transient, throttled and conflict
// errors retry with exponential backoff; permanent errors fail immediately.
func (s *ParallelScheduler) executeUnit(
	ctx context.Context,
	run *Run,
	unit *PlanUnit,
	rs *runState,
	opts RunOptions,
) error {
	rs.set(unit.ID, UnitStatusRunning)
	s.publishEvent(ctx, run.ID, unit.ID, unit.ResourceID, EventTypeUnitStarted,
		fmt.Sprintf("%s %s", unit.Operation, unit.ResourceID))

	if s.tracer != nil {
		var span trace.Span
		ctx, span = s.tracer.StartUnit(ctx, unit.ResourceID, string(unit.Operation))
		defer span.End()
	}

	startTime := time.Now()

	var result *ExecutionResult
	var err error
	for attempt := 0; attempt <= unit.MaxRetries; attempt++ {
		execCtx, cancel := context.WithTimeout(ctx, unit.Timeout)
		if opts.DryRun {
			result, err = s.simulateUnit(unit), nil
		} else {
			result, err = s.executor.ExecuteUnit(execCtx, unit)
		}
		cancel()

		if err == nil && result != nil && result.Status == UnitStatusSucceeded {
			result.Attempts = attempt + 1
			break
		}
		if err != nil && !IsRetryable(err) {
			break
		}
		if attempt >= unit.MaxRetries {
			break
		}

		if s.metrics != nil {
			s.metrics.UnitRetried(unit.ProviderName, string(ClassOf(err)))
		}
		backoff := backoffDelay(attempt, err)
		s.publishEvent(ctx, run.ID, unit.ID, unit.ResourceID, EventTypeWarning,
			fmt.Sprintf("retrying %s in %s (attempt %d/%d)",
				unit.ResourceID, backoff.Round(time.Millisecond), attempt+1, unit.MaxRetries+1))
		s.log.Warn().Str("resource_id", unit.ResourceID).Int("attempt", attempt+1).
			Dur("backoff", backoff).Err(err).Msg("retrying unit")

		select {
		case <-time.After(backoff):
		case <-ctx.Done():
			rs.set(unit.ID, UnitStatusCancelled)
			return ctx.Err()
		}
	}

	if result == nil {
		result = &ExecutionResult{
			PlanUnitID:  unit.ID,
			Status:      UnitStatusFailed,
			StartedAt:   startTime,
			CompletedAt: time.Now(),
			Duration:    time.Since(startTime),
		}
	}
	if err != nil {
		result.Status = UnitStatusFailed
		result.Error = asEngineError(err, unit)
	}

	rs.store(unit.ID, result)
	unit.Result = result
	unit.Status = result.Status

	if s.metrics != nil {
		s.metrics.UnitExecuted(string(unit.Operation), string(result.Status),
			unit.ProviderName, time.Since(startTime))
	}

	if result.Status == UnitStatusSucceeded {
		rs.set(unit.ID, UnitStatusSucceeded)
		s.publishEvent(ctx, run.ID, unit.ID, unit.ResourceID, EventTypeUnitCompleted,
			fmt.Sprintf("%s %s succeeded", unit.Operation, unit.ResourceID))
		return nil
	}

	rs.set(unit.ID, UnitStatusFailed)
	s.publishEvent(ctx, run.ID, unit.ID, unit.ResourceID, EventTypeUnitFailed,
		fmt.Sprintf("%s %s failed: %v", unit.Operation, unit.ResourceID, err))
	if err == nil && result.Error != nil {
		err = result.Error
	}
	return err
}

// dependenciesMet reports whether the unit may run given its dependency
// statuses: require edges demand success, order edges any terminal state.
func (s *ParallelScheduler) dependenciesMet(unit *PlanUnit, rs *runState) bool {
	rs.mu.RLock()
	defer rs.mu.RUnlock()

	for _, dep := range unit.Dependencies {
		status, ok := rs.status[dep.TargetID]
		if !ok {
			return false
		}
		switch dep.Type {
		case DependencyOrder:
			if !status.IsTerminal() {
				return false
			}
		default:
			if status != UnitStatusSucceeded {
				return false
			}
		}
	}
	return true
}

func (s *ParallelScheduler) skipUnit(ctx context.Context, run *Run, unit *PlanUnit, rs *runState, reason string) {
	rs.set(unit.ID, UnitStatusSkipped)
	result := &ExecutionResult{
		PlanUnitID:  unit.ID,
		Status:      UnitStatusSkipped,
		StartedAt:   time.Now(),
		CompletedAt: time.Now(),
		Error: NewPermanentError(reason, nil).
			WithCode(ErrCodeDependencyFailed).
			WithResource(unit.ResourceID),
	}
	rs.store(unit.ID, result)
	unit.Result = result
	unit.Status = UnitStatusSkipped

	s.publishEvent(ctx, run.ID, unit.ID, unit.ResourceID, EventTypeUnitSkipped,
		fmt.Sprintf("skipping %s: %s", unit.ResourceID, reason))
}

func (s *ParallelScheduler) skipRemaining(
	ctx context.Context,
	run *Run,
	plan *Plan,
	rs *runState,
	fromLevel int,
	unitMap map[string]*PlanUnit,
) {
	for level := fromLevel; level < plan.Graph.Depth; level++ {
		for _, unit := range unitsAtLevel(plan.Graph, level, unitMap) {
			s.skipUnit(ctx, run, unit, rs, "earlier level failed")
		}
	}
}

func (s *ParallelScheduler) markCancelled(plan *Plan, rs *runState) {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	for _, unit := range plan.Units {
		status := rs.status[unit.ID]
		if status == UnitStatusPending || status == UnitStatusBlocked {
			rs.status[unit.ID] = UnitStatusCancelled
		}
	}
}

// simulateUnit produces the result a unit would have in a dry run.
func (s *ParallelScheduler) simulateUnit(unit *PlanUnit) *ExecutionResult {
	now := time.Now()
	return &ExecutionResult{
		PlanUnitID:  unit.ID,
		Status:      UnitStatusSucceeded,
		StartedAt:   now,
		CompletedAt: now,
		NewState:    unit.DesiredState,
	}
}

func asEngineError(err error, unit *PlanUnit) *EngineError {
	var engErr *EngineError
	if errors.As(err, &engErr) {
		return engErr
	}
	return NewPermanentError("execution failed", err).
		WithCode(ErrCodeProviderFailed).
		WithResource(unit.ResourceID)
}

// backoffDelay computes exponential backoff with jitter. Throttled errors
// start from a longer base so rate limits have room to reset.
func backoffDelay(attempt int, err error) time.Duration {
	baseDelay := 1 * time.Second
	if IsThrottled(err) {
		baseDelay = 5 * time.Second
	} else if IsConflict(err) {
		baseDelay = 2 * time.Second
	}

	delay := baseDelay * time.Duration(math.Pow(2, float64(attempt)))
	if delay > time.Minute {
		delay = time.Minute
	}

	// Up to 25% random jitter so retries from parallel units spread out
	// instead of hammering the API in lockstep.
	jitter := time.Duration(rand.Float64() * 0.25 * float64(delay))
	return delay + jitter
}

func (s *ParallelScheduler) publishEvent(
	ctx context.Context,
	runID, planUnitID, resourceID string,
	eventType EventType,
	message string,
) {
	if s.events == nil {
		return
	}
	event := &Event{
		ID:         uuid.New().String(),
		Type:       eventType,
		Timestamp:  time.Now(),
		RunID:      runID,
		PlanUnitID: planUnitID,
		ResourceID: resourceID,
		Message:    message,
		Level:      eventType.Severity(),
	}
	if err := s.events.Publish(ctx, event); err != nil {
		s.log.Debug().Err(err).Str("event_type", string(eventType)).Msg("event publish failed")
	}
}

// Cancel cancels an active run. The run's own goroutines observe the
// cancellation through their contexts.
func (s *ParallelScheduler) Cancel(ctx context.Context, runID string) error {
	s.mu.Lock()
	cancel, active := s.cancels[runID]
	s.mu.Unlock()

	if active {
		cancel()
		return nil
	}

	run, err := s.state.GetRun(ctx, runID)
	if err != nil {
		return fmt.Errorf("failed to get run: %w", err)
	}
	if !run.Status.IsActive() {
		return NewPermanentError("run is not active", nil).WithCode(ErrCodeValidation)
	}

	run.Status = RunStatusCancelled
	completedAt := time.Now()
	run.CompletedAt = &completedAt
	run.Duration = completedAt.Sub(run.StartedAt)
	if err := s.state.SaveRun(ctx, run); err != nil {
		return fmt.Errorf("failed to save cancelled run: %w", err)
	}
	return nil
}
