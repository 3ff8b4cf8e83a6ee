package engine

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"autopanel/internal/eventbus"
	logx "autopanel/pkg/logx"
)

func startEngine(t *testing.T, cfg Config) *Service {
	t.Helper()
	cfg.Enabled = true
	s := New(cfg, logx.Nop(), nil)
	s.Start(context.Background())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		s.Stop(ctx)
	})
	return s
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestEnqueueRejectsBusyKey(t *testing.T) {
	s := startEngine(t, Config{Workers: 2, QueueSize: 4})

	release := make(chan struct{})
	started := make(chan struct{})
	err := s.Enqueue(Job{Key: "group:1", Name: "nightly", Run: func(ctx context.Context) error {
		close(started)
		<-release
		return nil
	}})
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	<-started

	if err := s.Enqueue(Job{Key: "group:1", Name: "nightly", Run: func(context.Context) error { return nil }}); !errors.Is(err, ErrBusy) {
		t.Fatalf("expected ErrBusy, got %v", err)
	}
	// Other keys are unaffected.
	if err := s.Enqueue(Job{Key: "group:2", Name: "weekly", Run: func(context.Context) error { return nil }}); err != nil {
		t.Fatalf("Enqueue other key: %v", err)
	}

	close(release)
	waitFor(t, "key release", func() bool { return !s.Busy("group:1") })
	if err := s.Enqueue(Job{Key: "group:1", Name: "nightly", Run: func(context.Context) error { return nil }}); err != nil {
		t.Fatalf("Enqueue after release: %v", err)
	}
}

func TestEnqueueQueueFull(t *testing.T) {
	s := startEngine(t, Config{Workers: 1, QueueSize: 1})

	release := make(chan struct{})
	started := make(chan struct{})
	block := func(ctx context.Context) error { <-release; return nil }
	if err := s.Enqueue(Job{Key: "a", Name: "a", Run: func(ctx context.Context) error { close(started); return block(ctx) }}); err != nil {
		t.Fatalf("Enqueue a: %v", err)
	}
	<-started
	if err := s.Enqueue(Job{Key: "b", Name: "b", Run: block}); err != nil {
		t.Fatalf("Enqueue b: %v", err)
	}
	if err := s.Enqueue(Job{Key: "c", Name: "c", Run: block}); !errors.Is(err, ErrQueueFull) {
		t.Fatalf("expected ErrQueueFull, got %v", err)
	}
	// A rejected job must not leave its key busy.
	if s.Busy("c") {
		t.Fatal("key c still busy after queue-full rejection")
	}
	close(release)
	if got := s.Snapshot().Dropped; got != 1 {
		t.Fatalf("dropped=%d", got)
	}
}

// fillQueue occupies the single worker and the single queue slot.
func fillQueue(t *testing.T, s *Service) chan struct{} {
	t.Helper()
	release := make(chan struct{})
	started := make(chan struct{})
	if err := s.Enqueue(Job{Key: "a", Name: "a", Run: func(context.Context) error { close(started); <-release; return nil }}); err != nil {
		t.Fatalf("Enqueue a: %v", err)
	}
	<-started
	if err := s.Enqueue(Job{Key: "b", Name: "b", Run: func(context.Context) error { return nil }}); err != nil {
		t.Fatalf("Enqueue b: %v", err)
	}
	return release
}

func TestSubmitGivesUpAtDeadline(t *testing.T) {
	s := startEngine(t, Config{Workers: 1, QueueSize: 1})
	release := fillQueue(t, s)
	defer close(release)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	begin := time.Now()
	err := s.Submit(ctx, Job{Key: "c", Name: "c", Run: func(context.Context) error { return nil }})
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected DeadlineExceeded, got %v", err)
	}
	if time.Since(begin) < 40*time.Millisecond {
		t.Fatal("Submit returned before its deadline")
	}
	if s.Busy("c") {
		t.Fatal("key c still busy after Submit gave up")
	}
	if got := s.Snapshot().Dropped; got != 0 {
		t.Fatalf("dropped=%d, Submit must not count as a drop", got)
	}
}

func TestSubmitAcceptedWhenRoomFrees(t *testing.T) {
	s := startEngine(t, Config{Workers: 1, QueueSize: 1})
	release := fillQueue(t, s)

	var ran atomic.Bool
	errc := make(chan error, 1)
	go func() {
		errc <- s.Submit(context.Background(), Job{Key: "c", Name: "c", Run: func(context.Context) error { ran.Store(true); return nil }})
	}()
	select {
	case err := <-errc:
		t.Fatalf("Submit returned while the queue was full: %v", err)
	case <-time.After(30 * time.Millisecond):
	}

	close(release)
	select {
	case err := <-errc:
		if err != nil {
			t.Fatalf("Submit: %v", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("Submit still blocked after room freed")
	}
	waitFor(t, "submitted job", ran.Load)
}

func TestSubmitReleasedByStop(t *testing.T) {
	s := New(Config{Enabled: true, Workers: 1, QueueSize: 1}, logx.Nop(), nil)
	s.Start(context.Background())
	release := fillQueue(t, s)

	errc := make(chan error, 1)
	go func() {
		errc <- s.Submit(context.Background(), Job{Key: "c", Name: "c", Run: func(context.Context) error { return nil }})
	}()
	waitFor(t, "submit to block", func() bool { return s.Busy("c") })

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	s.Stop(ctx)
	select {
	case err := <-errc:
		if !errors.Is(err, ErrStopping) {
			t.Fatalf("expected ErrStopping, got %v", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("Submit still blocked after Stop")
	}
	if s.Busy("c") {
		t.Fatal("key c still busy after Stop released Submit")
	}
	close(release)
	waitFor(t, "engine drain", func() bool { return !s.Busy("a") && !s.Busy("b") })
}

func TestPanicIsRecordedAsFailure(t *testing.T) {
	bus := eventbus.New()
	events, unsub := bus.Subscribe(8, eventbus.JobFailed)
	defer unsub()

	s := New(Config{Enabled: true, Workers: 1}, logx.Nop(), bus)
	s.Start(context.Background())
	defer s.Stop(context.Background())

	if err := s.Enqueue(Job{Key: "task:9", Name: "boom", Run: func(context.Context) error { panic("kaboom") }}); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	select {
	case ev := <-events:
		je, ok := ev.Data.(JobEvent)
		if !ok || je.Key != "task:9" || je.Error == "" {
			t.Fatalf("unexpected event %+v", ev)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("no task.failed event")
	}

	// The worker survives and keeps serving jobs.
	var ran atomic.Bool
	waitFor(t, "key release", func() bool { return !s.Busy("task:9") })
	if err := s.Enqueue(Job{Key: "task:9", Name: "ok", Run: func(context.Context) error { ran.Store(true); return nil }}); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	waitFor(t, "second job", ran.Load)
}

func TestHistoryIsBounded(t *testing.T) {
	s := startEngine(t, Config{Workers: 1, QueueSize: 8, HistorySize: 3})
	for i := 0; i < 5; i++ {
		var done atomic.Bool
		if err := s.Enqueue(Job{Key: "k", Name: "job", Run: func(context.Context) error { done.Store(true); return nil }}); err != nil {
			t.Fatalf("Enqueue %d: %v", i, err)
		}
		waitFor(t, "job", func() bool { return done.Load() && !s.Busy("k") })
	}
	if got := len(s.Snapshot().History); got != 3 {
		t.Fatalf("history len=%d, want 3", got)
	}
}

func TestDefaultTimeoutApplies(t *testing.T) {
	s := startEngine(t, Config{Workers: 1, DefaultTimeout: 20 * time.Millisecond})
	errCh := make(chan error, 1)
	if err := s.Enqueue(Job{Name: "slow", Run: func(ctx context.Context) error {
		<-ctx.Done()
		errCh <- ctx.Err()
		return ctx.Err()
	}}); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	select {
	case err := <-errCh:
		if !errors.Is(err, context.DeadlineExceeded) {
			t.Fatalf("err=%v", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("timeout was not applied")
	}
}

func TestStopLetsInFlightJobFinish(t *testing.T) {
	s := New(Config{Enabled: true, Workers: 1}, logx.Nop(), nil)
	s.Start(context.Background())

	started := make(chan struct{})
	var finished atomic.Bool
	var sawCancel atomic.Bool
	if err := s.Enqueue(Job{Key: "group:1", Name: "long", Run: func(ctx context.Context) error {
		close(started)
		select {
		case <-ctx.Done():
			sawCancel.Store(true)
		case <-time.After(100 * time.Millisecond):
		}
		finished.Store(true)
		return nil
	}}); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	<-started

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	s.Stop(ctx)

	if !finished.Load() {
		t.Fatal("Stop returned before in-flight job finished")
	}
	if sawCancel.Load() {
		t.Fatal("in-flight job context was canceled by Stop")
	}
	if err := s.Enqueue(Job{Name: "late", Run: func(context.Context) error { return nil }}); !errors.Is(err, ErrStopped) {
		t.Fatalf("expected ErrStopped after Stop, got %v", err)
	}
}

func TestStopDetachesOnDeadline(t *testing.T) {
	s := New(Config{Enabled: true, Workers: 1}, logx.Nop(), nil)
	s.Start(context.Background())

	release := make(chan struct{})
	started := make(chan struct{})
	if err := s.Enqueue(Job{Name: "stuck", Run: func(context.Context) error { close(started); <-release; return nil }}); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	<-started

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	begin := time.Now()
	s.Stop(ctx)
	if time.Since(begin) > time.Second {
		t.Fatal("Stop did not detach at the deadline")
	}
	if err := s.Enqueue(Job{Name: "late", Run: func(context.Context) error { return nil }}); !errors.Is(err, ErrStopping) {
		t.Fatalf("expected ErrStopping while detached job runs, got %v", err)
	}
	close(release)
}

func TestDisabledEngine(t *testing.T) {
	s := New(Config{}, logx.Nop(), nil)
	s.Start(context.Background())
	if err := s.Enqueue(Job{Name: "x", Run: func(context.Context) error { return nil }}); !errors.Is(err, ErrDisabled) {
		t.Fatalf("expected ErrDisabled, got %v", err)
	}
}
