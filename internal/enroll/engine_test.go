package enroll

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"enrollbot/pkg/logx"
)

// fakeClock advances instantly on Sleep and records every sleep duration.
type fakeClock struct {
	mu     sync.Mutex
	now    time.Time
	sleeps []time.Duration
}

func newFakeClock(at time.Time) *fakeClock { return &fakeClock{now: at} }

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Sleep(ctx context.Context, d time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if d > 0 {
		c.now = c.now.Add(d)
	}
	c.sleeps = append(c.sleeps, d)
	return nil
}

func (c *fakeClock) sleepCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.sleeps)
}

// scriptDriver returns canned register statuses in order, repeating the last
// one when the script runs out.
type scriptDriver struct {
	mu        sync.Mutex
	verifyOK  bool
	verifyErr error
	script    []RegisterStatus
	attempts  int
	verifies  int

	// onAttempt runs before each register attempt (for clock manipulation).
	onAttempt func(n int)
}

func (d *scriptDriver) ResolveSession(ctx context.Context, ref string) (Session, error) {
	return Session{Ref: ref}, nil
}

func (d *scriptDriver) VerifyCredentials(ctx context.Context, creds Credentials) (bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.verifies++
	return d.verifyOK, d.verifyErr
}

func (d *scriptDriver) AttemptRegister(ctx context.Context, sess Session, creds Credentials) (RegisterStatus, error) {
	d.mu.Lock()
	n := d.attempts
	d.attempts++
	var st RegisterStatus
	if len(d.script) == 0 {
		st = RegisterEnrolled
	} else if n < len(d.script) {
		st = d.script[n]
	} else {
		st = d.script[len(d.script)-1]
	}
	cb := d.onAttempt
	d.mu.Unlock()
	if cb != nil {
		cb(n)
	}
	return st, nil
}

func (d *scriptDriver) attemptCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.attempts
}

func (d *scriptDriver) verifyCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.verifies
}

func testSession(open, start time.Time) Session {
	return Session{
		Ref:              "https://schalter.example.org/tn/lessons/12345",
		Title:            "Cycling",
		Location:         "Hall A",
		LessonStart:      start,
		RegistrationOpen: open,
	}
}

func TestExecuteEnrollsImmediately(t *testing.T) {
	t.Parallel()
	now := time.Date(2026, 3, 2, 12, 0, 0, 0, time.UTC)
	clock := newFakeClock(now)
	drv := &scriptDriver{verifyOK: true, script: []RegisterStatus{RegisterEnrolled}}
	eng := NewEngine(Config{}, drv, clock, logx.Nop())

	out, err := eng.Execute(context.Background(), testSession(now.Add(-time.Hour), now.Add(time.Hour)), testCreds())
	if err != nil {
		t.Fatalf("Execute error: %v", err)
	}
	if out.Kind != OutcomeEnrolled {
		t.Fatalf("Kind = %s, want %s", out.Kind, OutcomeEnrolled)
	}
	if got := drv.attemptCount(); got != 1 {
		t.Fatalf("attempts = %d, want 1", got)
	}
	if clock.sleepCount() != 0 {
		t.Fatalf("slept %d times for an already-open window", clock.sleepCount())
	}
}

func TestExecuteRejectedCredentials(t *testing.T) {
	t.Parallel()
	now := time.Date(2026, 3, 2, 12, 0, 0, 0, time.UTC)
	drv := &scriptDriver{verifyOK: false}
	eng := NewEngine(Config{}, drv, newFakeClock(now), logx.Nop())

	out, err := eng.Execute(context.Background(), testSession(now.Add(-time.Hour), now.Add(time.Hour)), testCreds())
	if err != nil {
		t.Fatalf("Execute error: %v", err)
	}
	if out.Kind != OutcomeCredentialsInvalid {
		t.Fatalf("Kind = %s, want %s", out.Kind, OutcomeCredentialsInvalid)
	}
	if got := drv.attemptCount(); got != 0 {
		t.Fatalf("attempts = %d, want 0 after rejected login", got)
	}
}

func TestExecuteWaitsForRegistrationWindow(t *testing.T) {
	t.Parallel()
	now := time.Date(2026, 3, 2, 12, 0, 0, 0, time.UTC)
	open := now.Add(10 * time.Minute)
	clock := newFakeClock(now)
	drv := &scriptDriver{verifyOK: true, script: []RegisterStatus{RegisterEnrolled}}
	drv.onAttempt = func(int) {
		if clock.Now().Before(open) {
			t.Errorf("register attempted at %v, before window opens at %v", clock.Now(), open)
		}
	}
	eng := NewEngine(Config{EarlyLoginWindow: 59 * time.Second}, drv, clock, logx.Nop())

	out, err := eng.Execute(context.Background(), testSession(open, open.Add(time.Hour)), testCreds())
	if err != nil {
		t.Fatalf("Execute error: %v", err)
	}
	if out.Kind != OutcomeEnrolled {
		t.Fatalf("Kind = %s, want %s", out.Kind, OutcomeEnrolled)
	}
	// One sleep to the early-login wake, one for the remaining 59s, and a
	// login warmup in between.
	if clock.sleepCount() != 2 {
		t.Fatalf("sleeps = %d, want 2", clock.sleepCount())
	}
	if got := drv.verifyCount(); got != 2 {
		t.Fatalf("verifies = %d, want 2 (pre-flight + warmup)", got)
	}
}

func TestExecutePollsWhileBookedOut(t *testing.T) {
	t.Parallel()
	now := time.Date(2026, 3, 2, 12, 0, 0, 0, time.UTC)
	clock := newFakeClock(now)
	drv := &scriptDriver{verifyOK: true, script: []RegisterStatus{
		RegisterNoCapacity, RegisterNoCapacity, RegisterNoCapacity, RegisterEnrolled,
	}}
	eng := NewEngine(Config{PollInterval: 30 * time.Second}, drv, clock, logx.Nop())

	out, err := eng.Execute(context.Background(), testSession(now.Add(-time.Minute), now.Add(time.Hour)), testCreds())
	if err != nil {
		t.Fatalf("Execute error: %v", err)
	}
	if out.Kind != OutcomeEnrolled {
		t.Fatalf("Kind = %s, want %s", out.Kind, OutcomeEnrolled)
	}
	if got := drv.attemptCount(); got != 4 {
		t.Fatalf("attempts = %d, want 4", got)
	}
	if clock.sleepCount() != 3 {
		t.Fatalf("sleeps = %d, want 3 poll waits", clock.sleepCount())
	}
}

func TestExecuteStopsWhenLessonStarts(t *testing.T) {
	t.Parallel()
	now := time.Date(2026, 3, 2, 12, 0, 0, 0, time.UTC)
	clock := newFakeClock(now)
	drv := &scriptDriver{verifyOK: true, script: []RegisterStatus{RegisterNoCapacity}}
	eng := NewEngine(Config{PollInterval: 30 * time.Second}, drv, clock, logx.Nop())

	// Lesson starts one minute in: the loop polls a couple of times, then the
	// deadline check fires.
	out, err := eng.Execute(context.Background(), testSession(now.Add(-time.Minute), now.Add(time.Minute)), testCreds())
	if err != nil {
		t.Fatalf("Execute error: %v", err)
	}
	if out.Kind != OutcomeSessionStarted {
		t.Fatalf("Kind = %s, want %s", out.Kind, OutcomeSessionStarted)
	}
	if got := drv.attemptCount(); got < 2 {
		t.Fatalf("attempts = %d, want at least 2 before the deadline", got)
	}
}

func TestExecuteSlotTakenRechecksImmediately(t *testing.T) {
	t.Parallel()
	now := time.Date(2026, 3, 2, 12, 0, 0, 0, time.UTC)
	clock := newFakeClock(now)
	drv := &scriptDriver{verifyOK: true, script: []RegisterStatus{RegisterSlotTaken, RegisterEnrolled}}
	eng := NewEngine(Config{}, drv, clock, logx.Nop())

	out, err := eng.Execute(context.Background(), testSession(now.Add(-time.Minute), now.Add(time.Hour)), testCreds())
	if err != nil {
		t.Fatalf("Execute error: %v", err)
	}
	if out.Kind != OutcomeEnrolled {
		t.Fatalf("Kind = %s, want %s", out.Kind, OutcomeEnrolled)
	}
	if clock.sleepCount() != 0 {
		t.Fatalf("sleeps = %d, want 0 (slot-taken recheck must not wait)", clock.sleepCount())
	}
}

func TestExecuteLoginExpiredRetriesOnce(t *testing.T) {
	t.Parallel()
	now := time.Date(2026, 3, 2, 12, 0, 0, 0, time.UTC)

	t.Run("retry succeeds", func(t *testing.T) {
		t.Parallel()
		drv := &scriptDriver{verifyOK: true, script: []RegisterStatus{RegisterLoginExpired, RegisterEnrolled}}
		eng := NewEngine(Config{}, drv, newFakeClock(now), logx.Nop())
		out, err := eng.Execute(context.Background(), testSession(now.Add(-time.Minute), now.Add(time.Hour)), testCreds())
		if err != nil {
			t.Fatalf("Execute error: %v", err)
		}
		if out.Kind != OutcomeEnrolled {
			t.Fatalf("Kind = %s, want %s", out.Kind, OutcomeEnrolled)
		}
	})

	t.Run("second expiry is terminal", func(t *testing.T) {
		t.Parallel()
		drv := &scriptDriver{verifyOK: true, script: []RegisterStatus{RegisterLoginExpired, RegisterLoginExpired}}
		eng := NewEngine(Config{}, drv, newFakeClock(now), logx.Nop())
		out, err := eng.Execute(context.Background(), testSession(now.Add(-time.Minute), now.Add(time.Hour)), testCreds())
		if err != nil {
			t.Fatalf("Execute error: %v", err)
		}
		if out.Kind != OutcomeCredentialsInvalid {
			t.Fatalf("Kind = %s, want %s", out.Kind, OutcomeCredentialsInvalid)
		}
	})
}

func TestExecuteCancelledReturnsError(t *testing.T) {
	t.Parallel()
	now := time.Date(2026, 3, 2, 12, 0, 0, 0, time.UTC)
	drv := &scriptDriver{verifyOK: true, script: []RegisterStatus{RegisterEnrolled}}
	eng := NewEngine(Config{}, drv, newFakeClock(now), logx.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := eng.Execute(ctx, testSession(now.Add(time.Hour), now.Add(2*time.Hour)), testCreds())
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v, want context.Canceled", err)
	}
}

func testCreds() Credentials {
	return Credentials{Organisation: "ETH", Username: "nmueller", Secret: "hunter2"}
}
