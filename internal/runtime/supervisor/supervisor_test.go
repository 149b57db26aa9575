package supervisor

import (
	"context"
	"errors"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	logx "twsignals/pkg/logx"
)

func waitFor(t *testing.T, timeout time.Duration, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(2 * time.Millisecond)
	}
}

func TestGoCleanExit(t *testing.T) {
	t.Parallel()

	s := NewSupervisor(context.Background())
	s.Go("worker", func(ctx context.Context) error { return nil })

	if err := s.Stop(context.Background()); err != nil {
		t.Fatalf("Stop() error = %v", err)
	}
	c := s.Counters()
	if c.Started != 1 || c.Active != 0 {
		t.Fatalf("Counters = %+v, want started 1 active 0", c)
	}
}

func TestGoNilFuncIsNoop(t *testing.T) {
	t.Parallel()

	s := NewSupervisor(context.Background())
	s.Go("noop", nil)
	s.Go0("noop0", nil)
	if c := s.Counters(); c.Started != 0 {
		t.Fatalf("Counters.Started = %d, want 0", c.Started)
	}
	if err := s.Stop(context.Background()); err != nil {
		t.Fatalf("Stop() error = %v", err)
	}
}

func TestGoErrorCancelsSiblings(t *testing.T) {
	t.Parallel()

	s := NewSupervisor(context.Background(), WithLogger(logx.Nop()), WithCancelOnError(true))

	released := make(chan struct{})
	s.Go("sibling", func(ctx context.Context) error {
		<-ctx.Done()
		close(released)
		return ctx.Err()
	})
	s.Go("failing", func(ctx context.Context) error { return errors.New("boom") })

	select {
	case <-released:
	case <-time.After(2 * time.Second):
		t.Fatalf("sibling goroutine was not cancelled after the first error")
	}
	if err := s.Wait(context.Background()); err == nil || !strings.Contains(err.Error(), "boom") {
		t.Fatalf("Wait() error = %v, want the first error", err)
	}
	if err := s.Err(); err == nil || !strings.Contains(err.Error(), "failing") {
		t.Fatalf("Err() = %v, want it to name the failing goroutine", err)
	}
}

func TestGoErrorWithoutCancelKeepsRunning(t *testing.T) {
	t.Parallel()

	s := NewSupervisor(context.Background())
	s.Go("failing", func(ctx context.Context) error { return errors.New("boom") })

	waitFor(t, 2*time.Second, "error to surface", func() bool { return s.Err() != nil })
	if s.Context().Err() != nil {
		t.Fatalf("Context cancelled = %v, want it alive without WithCancelOnError", s.Context().Err())
	}
	s.Cancel()
	if err := s.Wait(context.Background()); err == nil {
		t.Fatalf("Wait() error = nil, want the recorded error")
	}
}

func TestGoContextCanceledIsClean(t *testing.T) {
	t.Parallel()

	s := NewSupervisor(context.Background())
	s.Go("loop", func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	})
	s.Cancel()
	if err := s.Wait(context.Background()); err != nil {
		t.Fatalf("Wait() error = %v, want nil for a context.Canceled return", err)
	}
}

func TestGoPanicIsRecovered(t *testing.T) {
	t.Parallel()

	s := NewSupervisor(context.Background(), WithCancelOnError(true))
	s.Go("exploding", func(ctx context.Context) error { panic("kaput") })

	err := s.Wait(context.Background())
	if err == nil || !strings.Contains(err.Error(), "panic in exploding") {
		t.Fatalf("Wait() error = %v, want the recovered panic", err)
	}

	snap := s.Snapshot()
	found := false
	for _, g := range snap.Goroutines {
		if g.Name == "exploding" {
			found = true
			if g.Panics != 1 || g.Active != 0 {
				t.Fatalf("stats = %+v, want one panic and no active runs", g)
			}
		}
	}
	if !found {
		t.Fatalf("Snapshot is missing the exploding goroutine: %+v", snap.Goroutines)
	}
}

func TestGoRestartRetriesWithBackoff(t *testing.T) {
	t.Parallel()

	s := NewSupervisor(context.Background())
	var runs atomic.Int64
	s.GoRestart("flaky", func(ctx context.Context) error {
		runs.Add(1)
		return errors.New("still broken")
	},
		WithRestartBackoff(time.Millisecond, 2*time.Millisecond),
		WithPublishFirstError(true),
	)

	waitFor(t, 5*time.Second, "three restart attempts", func() bool { return runs.Load() >= 3 })
	if err := s.Err(); err == nil || !strings.Contains(err.Error(), "flaky") {
		t.Fatalf("Err() = %v, want the published first error", err)
	}

	s.Cancel()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := s.Wait(ctx); err == nil {
		t.Fatalf("Wait() error = nil, want the published error to stick")
	}
}

func TestGoRestartStopsOnCleanExit(t *testing.T) {
	t.Parallel()

	s := NewSupervisor(context.Background())
	var runs atomic.Int64
	s.GoRestart("oneshot", func(ctx context.Context) error {
		runs.Add(1)
		return nil
	}, WithRestartBackoff(time.Millisecond, time.Millisecond))

	waitFor(t, 2*time.Second, "the first run", func() bool { return runs.Load() >= 1 })
	time.Sleep(30 * time.Millisecond)
	if got := runs.Load(); got != 1 {
		t.Fatalf("runs = %d, want exactly 1 after a clean exit", got)
	}
	if err := s.Stop(context.Background()); err != nil {
		t.Fatalf("Stop() error = %v", err)
	}
}

func TestGoRestartTreatsCancelAsClean(t *testing.T) {
	t.Parallel()

	s := NewSupervisor(context.Background())
	started := make(chan struct{})
	var once atomic.Bool
	s.GoRestart("looping", func(ctx context.Context) error {
		if once.CompareAndSwap(false, true) {
			close(started)
		}
		<-ctx.Done()
		return ctx.Err()
	}, WithPublishFirstError(true))

	<-started
	s.Cancel()
	if err := s.Wait(context.Background()); err != nil {
		t.Fatalf("Wait() error = %v, want nil on shutdown", err)
	}
}

func TestWaitHonorsDeadline(t *testing.T) {
	t.Parallel()

	s := NewSupervisor(context.Background())
	block := make(chan struct{})
	s.Go("stuck", func(ctx context.Context) error {
		<-block
		return nil
	})

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if err := s.Wait(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("Wait() error = %v, want deadline exceeded", err)
	}

	close(block)
	if err := s.Wait(context.Background()); err != nil {
		t.Fatalf("Wait() after release error = %v", err)
	}
}

func TestSnapshotAggregatesByName(t *testing.T) {
	t.Parallel()

	s := NewSupervisor(context.Background())
	for i := 0; i < 3; i++ {
		s.Go("batch", func(ctx context.Context) error { return nil })
	}
	if err := s.Stop(context.Background()); err != nil {
		t.Fatalf("Stop() error = %v", err)
	}

	snap := s.Snapshot()
	if len(snap.Goroutines) != 1 {
		t.Fatalf("Snapshot has %d entries, want 1 aggregated by name", len(snap.Goroutines))
	}
	g := snap.Goroutines[0]
	if g.Name != "batch" || g.Started != 3 || g.Active != 0 {
		t.Fatalf("stats = %+v, want batch started 3 active 0", g)
	}
}
