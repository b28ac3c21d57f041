package system

import (
	"context"
	"errors"
	"testing"
)

type recordingService struct {
	name    string
	started bool
	stopped bool
	failure error
	order   *[]string
}

func (s *recordingService) Name() string { return s.name }

func (s *recordingService) Start(context.Context) error {
	if s.failure != nil {
		return s.failure
	}
	s.started = true
	*s.order = append(*s.order, "start:"+s.name)
	return nil
}

func (s *recordingService) Stop(context.Context) error {
	s.stopped = true
	*s.order = append(*s.order, "stop:"+s.name)
	return nil
}

func TestManagerStartStopOrder(t *testing.T) {
	var order []string
	a := &recordingService{name: "a", order: &order}
	b := &recordingService{name: "b", order: &order}

	m := NewManager()
	for _, svc := range []Service{a, b} {
		if err := m.Register(svc); err != nil {
			t.Fatalf("register: %v", err)
		}
	}
	if err := m.Register(&recordingService{name: "a", order: &order}); err == nil {
		t.Fatal("duplicate name should be rejected")
	}

	ctx := context.Background()
	if err := m.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}
	if err := m.Stop(ctx); err != nil {
		t.Fatalf("stop: %v", err)
	}

	want := []string{"start:a", "start:b", "stop:b", "stop:a"}
	if len(order) != len(want) {
		t.Fatalf("order = %v, want %v", order, want)
	}
	for i := range want {
		if order[i] != want[i] {
			t.Fatalf("order = %v, want %v", order, want)
		}
	}
}

func TestManagerFailedStartUnwinds(t *testing.T) {
	var order []string
	boom := errors.New("boom")
	a := &recordingService{name: "a", order: &order}
	b := &recordingService{name: "b", order: &order, failure: boom}

	m := NewManager()
	_ = m.Register(a)
	_ = m.Register(b)

	if err := m.Start(context.Background()); !errors.Is(err, boom) {
		t.Fatalf("expected start failure, got %v", err)
	}
	if !a.stopped {
		t.Fatal("already-started service was not stopped")
	}
}
