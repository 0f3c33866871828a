package engine

import (
	"context"
	"testing"
	"time"
)

func TestRegistry_RegisterAndGet(t *testing.T) {
	reg := NewRegistry()
	if err := reg.Register(&fakeProvider{name: "aws.vpc"}); err != nil {
		t.Fatalf("expected no error, got: %v", err)
	}

	p, err := reg.Get("aws.vpc")
	if err != nil {
		t.Fatalf("expected provider, got: %v", err)
	}
	if p.Metadata().Name != "aws.vpc" {
		t.Errorf("expected aws.vpc, got %s", p.Metadata().Name)
	}

	if _, err := reg.Get("aws.unknown"); err == nil {
		t.Error("expected error for unknown provider")
	}
}

func TestRegistry_DuplicateRegistration(t *testing.T) {
	reg := NewRegistry()
	if err := reg.Register(&fakeProvider{name: "aws.vpc"}); err != nil {
		t.Fatalf("expected no error, got: %v", err)
	}
	if err := reg.Register(&fakeProvider{name: "aws.vpc"}); err == nil {
		t.Error("expected error for duplicate registration")
	}
}

func TestRegistry_ListSorted(t *testing.T) {
	reg := NewRegistry()
	for _, name := range []string{"aws.vpc", "aws.eks_cluster", "k8s.helm_release"} {
		if err := reg.Register(&fakeProvider{name: name}); err != nil {
			t.Fatalf("failed to register %s: %v", name, err)
		}
	}

	list := reg.List()
	want := []string{"aws.eks_cluster", "aws.vpc", "k8s.helm_release"}
	if len(list) != len(want) {
		t.Fatalf("expected %d providers, got %d", len(want), len(list))
	}
	for i, w := range want {
		if list[i].Name != w {
			t.Errorf("position %d: expected %s, got %s", i, w, list[i].Name)
		}
	}
}

func TestMemoryPublisher_SubscribeByRun(t *testing.T) {
	pub := NewMemoryPublisher(nil)
	ctx := context.Background()

	ch, unsubscribe, err := pub.Subscribe(ctx, "run-1")
	if err != nil {
		t.Fatalf("subscribe failed: %v", err)
	}
	defer unsubscribe()

	_ = pub.Publish(ctx, &Event{Type: EventTypeUnitStarted, RunID: "run-1", Message: "a"})
	_ = pub.Publish(ctx, &Event{Type: EventTypeUnitStarted, RunID: "run-2", Message: "b"})

	select {
	case ev := <-ch:
		if ev.RunID != "run-1" {
			t.Errorf("expected run-1 event, got %s", ev.RunID)
		}
		if ev.ID == "" || ev.Timestamp.IsZero() {
			t.Error("expected ID and timestamp to be stamped")
		}
	case <-time.After(time.Second):
		t.Fatal("expected an event")
	}

	select {
	case ev := <-ch:
		t.Errorf("expected no further events, got %+v", ev)
	default:
	}
}

func TestMemoryPublisher_PersistsEvents(t *testing.T) {
	state := newMemState()
	pub := NewMemoryPublisher(state)
	ctx := context.Background()

	_ = pub.Publish(ctx, &Event{Type: EventTypeRunStarted, RunID: "run-1"})

	events, err := state.GetEvents(ctx, "run-1")
	if err != nil {
		t.Fatalf("failed to load events: %v", err)
	}
	if len(events) != 1 {
		t.Errorf("expected 1 persisted event, got %d", len(events))
	}
}
