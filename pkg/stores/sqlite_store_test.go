package stores

import (
	"context"
	"encoding/json"
	"path/filepath"
	"testing"
	"time"

	"github.com/opentundra/opentundra/pkg/engine"
)

func newTestStore(t *testing.T) *SQLiteStore {
	t.Helper()

	store, err := NewSQLiteStore(Config{Path: filepath.Join(t.TempDir(), "state.db")})
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}

	ctx := context.Background()
	if err := store.Init(ctx); err != nil {
		t.Fatalf("failed to init store: %v", err)
	}
	if err := store.Migrate(ctx); err != nil {
		t.Fatalf("failed to migrate store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func TestSQLiteStore_ResourceRoundTrip(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	res := &engine.Resource{
		ID:        "vpc-main",
		Type:      "aws.vpc",
		Name:      "main",
		Config:    json.RawMessage(`{"cidr_block":"10.0.0.0/16"}`),
		State:     json.RawMessage(`{"vpc_id":"vpc-0abc123"}`),
		Outputs:   map[string]string{"vpc_id": "vpc-0abc123"},
		Status:    engine.ResourceStatusReady,
		Labels:    map[string]string{"environment": "dev"},
		DependsOn: []string{},
		Version:   1,
	}
	if err := store.SaveResource(ctx, res); err != nil {
		t.Fatalf("save failed: %v", err)
	}

	got, err := store.GetResource(ctx, "vpc-main")
	if err != nil {
		t.Fatalf("get failed: %v", err)
	}
	if got.Type != "aws.vpc" || got.Name != "main" {
		t.Errorf("unexpected resource: %+v", got)
	}
	if got.Outputs["vpc_id"] != "vpc-0abc123" {
		t.Errorf("expected outputs round-trip, got %v", got.Outputs)
	}
	if got.Labels["environment"] != "dev" {
		t.Errorf("expected labels round-trip, got %v", got.Labels)
	}
	if got.Status != engine.ResourceStatusReady {
		t.Errorf("expected ready status, got %s", got.Status)
	}

	state, err := store.GetResourceState(ctx, "vpc-main")
	if err != nil {
		t.Fatalf("get state failed: %v", err)
	}
	if string(state) != `{"vpc_id":"vpc-0abc123"}` {
		t.Errorf("unexpected state: %s", state)
	}
}

func TestSQLiteStore_SaveResourceUpserts(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	res := &engine.Resource{ID: "eks-main", Type: "aws.eks_cluster", Version: 1}
	if err := store.SaveResource(ctx, res); err != nil {
		t.Fatalf("save failed: %v", err)
	}

	res.Version = 2
	res.State = json.RawMessage(`{"status":"ACTIVE"}`)
	if err := store.SaveResource(ctx, res); err != nil {
		t.Fatalf("second save failed: %v", err)
	}

	got, err := store.GetResource(ctx, "eks-main")
	if err != nil {
		t.Fatalf("get failed: %v", err)
	}
	if got.Version != 2 {
		t.Errorf("expected version 2, got %d", got.Version)
	}
}

func TestSQLiteStore_GetResourceNotFound(t *testing.T) {
	store := newTestStore(t)

	_, err := store.GetResource(context.Background(), "missing")
	if err == nil {
		t.Fatal("expected not found error")
	}
	if !engine.IsPermanent(err) {
		t.Errorf("expected permanent error, got: %v", err)
	}
}

func TestSQLiteStore_DeleteResource(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	res := &engine.Resource{ID: "ecr-app", Type: "aws.ecr_repository"}
	if err := store.SaveResource(ctx, res); err != nil {
		t.Fatalf("save failed: %v", err)
	}
	if err := store.DeleteResource(ctx, "ecr-app"); err != nil {
		t.Fatalf("delete failed: %v", err)
	}
	if err := store.DeleteResource(ctx, "ecr-app"); err == nil {
		t.Error("expected error deleting missing resource")
	}
}

func TestSQLiteStore_ListResources(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	for _, id := range []string{"vpc-main", "eks-main", "s3-artifacts"} {
		if err := store.SaveResource(ctx, &engine.Resource{ID: id, Type: "aws.test"}); err != nil {
			t.Fatalf("save %s failed: %v", id, err)
		}
	}

	resources, err := store.ListResources(ctx)
	if err != nil {
		t.Fatalf("list failed: %v", err)
	}
	if len(resources) != 3 {
		t.Fatalf("expected 3 resources, got %d", len(resources))
	}
	// Ordered by ID.
	if resources[0].ID != "eks-main" || resources[2].ID != "vpc-main" {
		t.Errorf("unexpected order: %s, %s, %s",
			resources[0].ID, resources[1].ID, resources[2].ID)
	}
}

func TestSQLiteStore_Lock(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	if err := store.Lock(ctx, "demo", "runner-a"); err != nil {
		t.Fatalf("lock failed: %v", err)
	}

	// Another holder is rejected while the lock is live.
	err := store.Lock(ctx, "demo", "runner-b")
	if err == nil {
		t.Fatal("expected lock conflict")
	}
	if !engine.IsConflict(err) {
		t.Errorf("expected conflict error, got: %v", err)
	}

	// Same holder refreshes.
	if err := store.Lock(ctx, "demo", "runner-a"); err != nil {
		t.Errorf("expected re-acquisition by holder, got: %v", err)
	}

	if err := store.Unlock(ctx, "demo", "runner-b"); err == nil {
		t.Error("expected unlock by non-holder to fail")
	}
	if err := store.Unlock(ctx, "demo", "runner-a"); err != nil {
		t.Errorf("unlock failed: %v", err)
	}

	// Released lock is free for anyone.
	if err := store.Lock(ctx, "demo", "runner-b"); err != nil {
		t.Errorf("expected lock after release, got: %v", err)
	}
}

func TestSQLiteStore_PlanRoundTrip(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	plan := &engine.Plan{
		ID:        "plan-1",
		Stack:     "demo",
		CreatedAt: time.Now(),
		Units: []engine.PlanUnit{{
			ID:         "u1",
			ResourceID: "vpc-main",
			Operation:  engine.OperationCreate,
			Status:     engine.UnitStatusPending,
			Timeout:    time.Minute,
		}},
		Summary: engine.PlanSummary{TotalResources: 1, ToCreate: 1},
	}
	if err := store.SavePlan(ctx, plan); err != nil {
		t.Fatalf("save plan failed: %v", err)
	}

	got, err := store.GetPlan(ctx, "plan-1")
	if err != nil {
		t.Fatalf("get plan failed: %v", err)
	}
	if len(got.Units) != 1 || got.Units[0].ResourceID != "vpc-main" {
		t.Errorf("unexpected plan: %+v", got)
	}
	if got.Summary.ToCreate != 1 {
		t.Errorf("expected summary round-trip, got %+v", got.Summary)
	}
}

func TestSQLiteStore_RunRoundTrip(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	run := &engine.Run{
		ID:        "run-1",
		PlanID:    "plan-1",
		Stack:     "demo",
		Status:    engine.RunStatusRunning,
		StartedAt: time.Now(),
		Summary:   engine.RunSummary{Total: 2, Pending: 2},
	}
	if err := store.SaveRun(ctx, run); err != nil {
		t.Fatalf("save run failed: %v", err)
	}

	run.Status = engine.RunStatusSucceeded
	completed := time.Now()
	run.CompletedAt = &completed
	run.Summary = engine.RunSummary{Total: 2, Succeeded: 2}
	if err := store.SaveRun(ctx, run); err != nil {
		t.Fatalf("update run failed: %v", err)
	}

	got, err := store.GetRun(ctx, "run-1")
	if err != nil {
		t.Fatalf("get run failed: %v", err)
	}
	if got.Status != engine.RunStatusSucceeded {
		t.Errorf("expected succeeded, got %s", got.Status)
	}
	if got.Summary.Succeeded != 2 {
		t.Errorf("expected summary update, got %+v", got.Summary)
	}

	runs, err := store.ListRuns(ctx, 10, 0)
	if err != nil {
		t.Fatalf("list runs failed: %v", err)
	}
	if len(runs) != 1 {
		t.Errorf("expected 1 run, got %d", len(runs))
	}
}

func TestSQLiteStore_EventTimeline(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	for i, typ := range []engine.EventType{
		engine.EventTypeRunStarted,
		engine.EventTypeUnitStarted,
		engine.EventTypeUnitCompleted,
		engine.EventTypeRunCompleted,
	} {
		ev := &engine.Event{
			ID:        string(rune('a' + i)),
			Type:      typ,
			RunID:     "run-1",
			Message:   string(typ),
			Level:     typ.Severity(),
			Timestamp: time.Now(),
		}
		if err := store.AppendEvent(ctx, ev); err != nil {
			t.Fatalf("append failed: %v", err)
		}
	}

	events, err := store.GetEvents(ctx, "run-1")
	if err != nil {
		t.Fatalf("get events failed: %v", err)
	}
	if len(events) != 4 {
		t.Fatalf("expected 4 events, got %d", len(events))
	}
	if events[0].Type != engine.EventTypeRunStarted ||
		events[3].Type != engine.EventTypeRunCompleted {
		t.Errorf("expected append order preserved, got %s ... %s",
			events[0].Type, events[3].Type)
	}
}
