package supervisor

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"
)

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met within deadline")
}

func TestGoRestartGivesUpAfterMaxRestarts(t *testing.T) {
	t.Parallel()

	s := NewSupervisor(context.Background())
	var runs int64
	s.GoRestart("flaky", func(ctx context.Context) error {
		atomic.AddInt64(&runs, 1)
		return errors.New("boom")
	}, WithMaxRestarts(2), WithRestartBackoff(time.Millisecond, 2*time.Millisecond))

	// Initial run plus two restarts, then the loop gives up.
	waitCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.Wait(waitCtx); err != nil {
		t.Fatalf("Wait() = %v", err)
	}
	if got := atomic.LoadInt64(&runs); got != 3 {
		t.Fatalf("runs = %d, want 3", got)
	}
}

func TestGoRestartStopsOnCleanExit(t *testing.T) {
	t.Parallel()

	s := NewSupervisor(context.Background())
	var runs int64
	s.GoRestart("once", func(ctx context.Context) error {
		atomic.AddInt64(&runs, 1)
		return nil
	}, WithRestartBackoff(time.Millisecond, 2*time.Millisecond))

	waitCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.Wait(waitCtx); err != nil {
		t.Fatalf("Wait() = %v", err)
	}
	if got := atomic.LoadInt64(&runs); got != 1 {
		t.Fatalf("runs = %d, want 1", got)
	}
}

func TestCountersTrackGoroutineLifecycle(t *testing.T) {
	t.Parallel()

	s := NewSupervisor(context.Background())
	for i := 0; i < 2; i++ {
		s.Go("blocker", func(ctx context.Context) error {
			<-ctx.Done()
			return nil
		})
	}

	waitFor(t, func() bool {
		c := s.Counters()
		return c.Started == 2 && c.Active == 2
	})

	stopCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.Stop(stopCtx); err != nil {
		t.Fatalf("Stop() = %v", err)
	}

	c := s.Counters()
	if c.Started != 2 || c.Active != 0 {
		t.Fatalf("counters after stop = %+v, want Started=2 Active=0", c)
	}
}
