package system

import (
	"context"
	"fmt"
	"testing"
)

type fakeService struct {
	name     string
	startErr error
	stopErr  error
	events   *[]string
}

func (f *fakeService) Name() string { return f.name }

func (f *fakeService) Start(_ context.Context) error {
	*f.events = append(*f.events, "start:"+f.name)
	return f.startErr
}

func (f *fakeService) Stop(_ context.Context) error {
	*f.events = append(*f.events, "stop:"+f.name)
	return f.stopErr
}

func TestManagerStartStopOrder(t *testing.T) {
	ctx := context.Background()
	m := NewManager()
	var events []string

	for _, name := range []string{"a", "b", "c"} {
		if err := m.Register(&fakeService{name: name, events: &events}); err != nil {
			t.Fatalf("register %s: %v", name, err)
		}
	}

	if err := m.StartAll(ctx); err != nil {
		t.Fatalf("start all: %v", err)
	}
	if err := m.StopAll(ctx); err != nil {
		t.Fatalf("stop all: %v", err)
	}

	want := []string{"start:a", "start:b", "start:c", "stop:c", "stop:b", "stop:a"}
	if len(events) != len(want) {
		t.Fatalf("expected %d events, got %v", len(want), events)
	}
	for i, e := range want {
		if events[i] != e {
			t.Fatalf("event %d: expected %s, got %s", i, e, events[i])
		}
	}
}

func TestManagerStartFailureRollsBack(t *testing.T) {
	ctx := context.Background()
	m := NewManager()
	var events []string

	if err := m.Register(&fakeService{name: "a", events: &events}); err != nil {
		t.Fatalf("register a: %v", err)
	}
	if err := m.Register(&fakeService{name: "b", startErr: fmt.Errorf("boom"), events: &events}); err != nil {
		t.Fatalf("register b: %v", err)
	}

	if err := m.StartAll(ctx); err == nil {
		t.Fatal("expected start failure")
	}

	want := []string{"start:a", "start:b", "stop:a"}
	if len(events) != len(want) {
		t.Fatalf("expected rollback events %v, got %v", want, events)
	}
}

func TestManagerRejectsBadRegistrations(t *testing.T) {
	m := NewManager()
	var events []string

	if err := m.Register(nil); err == nil {
		t.Fatal("expected error for nil service")
	}
	if err := m.Register(NoopService{}); err == nil {
		t.Fatal("expected error for empty name")
	}
	if err := m.Register(&fakeService{name: "a", events: &events}); err != nil {
		t.Fatalf("register a: %v", err)
	}
	if err := m.Register(&fakeService{name: "a", events: &events}); err == nil {
		t.Fatal("expected duplicate name rejection")
	}

	if err := m.StartAll(context.Background()); err != nil {
		t.Fatalf("start all: %v", err)
	}
	if err := m.Register(&fakeService{name: "late", events: &events}); err == nil {
		t.Fatal("expected rejection after start")
	}
}
