package supervisor_test

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"botcore/internal/eventbus"
	"botcore/internal/logger"
	"botcore/internal/supervisor"
)

type stubWorker struct {
	started  chan struct{}
	run      func(ctx context.Context) error
	healthy  atomic.Bool
}

func newStubWorker(run func(ctx context.Context) error) *stubWorker {
	w := &stubWorker{started: make(chan struct{}, 1), run: run}
	w.healthy.Store(true)
	return w
}

func (w *stubWorker) Run(ctx context.Context) error {
	select {
	case w.started <- struct{}{}:
	default:
	}
	return w.run(ctx)
}

func (w *stubWorker) Health(ctx context.Context) error {
	if w.healthy.Load() {
		return nil
	}
	return context.DeadlineExceeded
}

func newTestSupervisor() *supervisor.Supervisor {
	log := logger.NewLogger("test", nil)
	bus := eventbus.New(log)
	return supervisor.New(bus, log, nil)
}

func TestRegister_RejectsEmptyName(t *testing.T) {
	s := newTestSupervisor()
	w := newStubWorker(func(ctx context.Context) error { <-ctx.Done(); return nil })
	if err := s.Register(w, supervisor.ComponentConfig{}); err == nil {
		t.Fatal("expected an error for an empty component name")
	}
}

func TestRegister_RejectsDuplicateName(t *testing.T) {
	s := newTestSupervisor()
	w := newStubWorker(func(ctx context.Context) error { <-ctx.Done(); return nil })
	if err := s.Register(w, supervisor.ComponentConfig{Name: "dup"}); err != nil {
		t.Fatalf("first Register failed: %v", err)
	}
	if err := s.Register(w, supervisor.ComponentConfig{Name: "dup"}); err == nil {
		t.Fatal("expected an error registering the same name twice")
	}
}

func TestStart_RunsComponentsToRunning(t *testing.T) {
	s := newTestSupervisor()
	w := newStubWorker(func(ctx context.Context) error { <-ctx.Done(); return nil })
	if err := s.Register(w, supervisor.ComponentConfig{Name: "solo"}); err != nil {
		t.Fatalf("Register failed: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := s.Start(ctx); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	select {
	case <-w.started:
	case <-time.After(time.Second):
		t.Fatal("worker never started")
	}

	time.Sleep(20 * time.Millisecond)
	if got := s.Status()["solo"]; got != "running" {
		t.Errorf("got status %q, want running", got)
	}
}

func TestStart_WaitsForDependencies(t *testing.T) {
	s := newTestSupervisor()

	release := make(chan struct{})
	var depStartedFirst atomic.Bool

	dep := newStubWorker(func(ctx context.Context) error {
		<-release
		<-ctx.Done()
		return nil
	})
	var depDone atomic.Bool
	dependent := newStubWorker(func(ctx context.Context) error {
		depStartedFirst.Store(depDone.Load())
		<-ctx.Done()
		return nil
	})

	if err := s.Register(dep, supervisor.ComponentConfig{Name: "dep"}); err != nil {
		t.Fatalf("Register dep failed: %v", err)
	}
	if err := s.Register(dependent, supervisor.ComponentConfig{Name: "dependent", Dependencies: []string{"dep"}}); err != nil {
		t.Fatalf("Register dependent failed: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := s.Start(ctx); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	// dependent must not have started while dep is blocked pre-Running.
	select {
	case <-dependent.started:
		t.Fatal("dependent started before its dependency reached running")
	case <-time.After(100 * time.Millisecond):
	}

	depDone.Store(true)
	close(release)

	select {
	case <-dependent.started:
	case <-time.After(time.Second):
		t.Fatal("dependent never started after its dependency became running")
	}
}

func TestStart_RejectsCyclicDependencies(t *testing.T) {
	s := newTestSupervisor()
	a := newStubWorker(func(ctx context.Context) error { <-ctx.Done(); return nil })
	b := newStubWorker(func(ctx context.Context) error { <-ctx.Done(); return nil })

	if err := s.Register(a, supervisor.ComponentConfig{Name: "a", Dependencies: []string{"b"}}); err != nil {
		t.Fatalf("Register a failed: %v", err)
	}
	if err := s.Register(b, supervisor.ComponentConfig{Name: "b", Dependencies: []string{"a"}}); err != nil {
		t.Fatalf("Register b failed: %v", err)
	}

	if err := s.Start(context.Background()); err == nil {
		t.Fatal("expected Start to reject a cyclic dependency graph")
	}
}

func TestShutdown_StopsComponents(t *testing.T) {
	s := newTestSupervisor()
	w := newStubWorker(func(ctx context.Context) error { <-ctx.Done(); return nil })
	if err := s.Register(w, supervisor.ComponentConfig{Name: "solo", GracePeriod: 200 * time.Millisecond}); err != nil {
		t.Fatalf("Register failed: %v", err)
	}

	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	<-w.started
	time.Sleep(20 * time.Millisecond)

	s.Shutdown()

	if got := s.Status()["solo"]; got != "stopped" {
		t.Errorf("got status %q after Shutdown, want stopped", got)
	}
}
