package system

import (
	"context"
	"errors"
	"testing"
)

type recordingService struct {
	name     string
	failOn   bool
	events   *[]string
}

func (s recordingService) Name() string { return s.name }

func (s recordingService) Start(_ context.Context) error {
	if s.failOn {
		return errors.New("boom")
	}
	*s.events = append(*s.events, "start:"+s.name)
	return nil
}

func (s recordingService) Stop(_ context.Context) error {
	*s.events = append(*s.events, "stop:"+s.name)
	return nil
}

func TestManagerStartStopOrder(t *testing.T) {
	var events []string
	m := NewManager()
	for _, name := range []string{"a", "b", "c"} {
		if err := m.Register(recordingService{name: name, events: &events}); err != nil {
			t.Fatalf("Register(%s) error: %v", name, err)
		}
	}

	ctx := context.Background()
	if err := m.Start(ctx); err != nil {
		t.Fatalf("Start() error: %v", err)
	}
	if err := m.Stop(ctx); err != nil {
		t.Fatalf("Stop() error: %v", err)
	}

	want := []string{"start:a", "start:b", "start:c", "stop:c", "stop:b", "stop:a"}
	if len(events) != len(want) {
		t.Fatalf("events = %v, want %v", events, want)
	}
	for i := range want {
		if events[i] != want[i] {
			t.Errorf("events[%d] = %s, want %s", i, events[i], want[i])
		}
	}
}

func TestManagerStartFailureUnwindsStartedServices(t *testing.T) {
	var events []string
	m := NewManager()
	_ = m.Register(recordingService{name: "a", events: &events})
	_ = m.Register(recordingService{name: "bad", failOn: true, events: &events})
	_ = m.Register(recordingService{name: "c", events: &events})

	err := m.Start(context.Background())
	if err == nil {
		t.Fatal("Start() should fail when a service fails")
	}

	want := []string{"start:a", "stop:a"}
	if len(events) != len(want) || events[0] != want[0] || events[1] != want[1] {
		t.Errorf("events = %v, want %v", events, want)
	}
}

func TestManagerRejectsDuplicateNames(t *testing.T) {
	var events []string
	m := NewManager()
	if err := m.Register(recordingService{name: "a", events: &events}); err != nil {
		t.Fatalf("first Register error: %v", err)
	}
	if err := m.Register(recordingService{name: "a", events: &events}); err == nil {
		t.Fatal("duplicate Register should fail")
	}
}

func TestManagerRejectsRegistrationAfterStart(t *testing.T) {
	var events []string
	m := NewManager()
	_ = m.Register(recordingService{name: "a", events: &events})
	if err := m.Start(context.Background()); err != nil {
		t.Fatalf("Start() error: %v", err)
	}
	if err := m.Register(recordingService{name: "late", events: &events}); err == nil {
		t.Fatal("Register after Start should fail")
	}
}
