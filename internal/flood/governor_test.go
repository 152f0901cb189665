package flood

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/sablecrm/telebridge/internal/wire"
)

// fakeClock records sleeps instead of performing them.
type fakeClock struct {
	now    time.Time
	slept  []time.Duration
	sleepE error
}

func (f *fakeClock) Now() time.Time { return f.now }

func (f *fakeClock) Sleep(ctx context.Context, d time.Duration) error {
	f.slept = append(f.slept, d)
	if f.sleepE != nil {
		return f.sleepE
	}
	f.now = f.now.Add(d)
	return nil
}

func floodErr(seconds int) error {
	return &wire.Error{Code: wire.CodeFloodWait, Message: "slow down", RetryAfterSec: seconds}
}

func TestInteractiveConvertsFloodWait(t *testing.T) {
	g := NewGovernor()
	calls := 0
	err := g.Interactive(context.Background(), func(ctx context.Context) error {
		calls++
		return floodErr(17)
	})

	var rl *RateLimitedError
	if !errors.As(err, &rl) {
		t.Fatalf("expected RateLimitedError, got %v", err)
	}
	if rl.RetryAfter != 17*time.Second {
		t.Errorf("RetryAfter = %s, want 17s", rl.RetryAfter)
	}
	if calls != 1 {
		t.Errorf("op called %d times, interactive ops must never be retried", calls)
	}
}

func TestInteractivePassesOtherErrors(t *testing.T) {
	g := NewGovernor()
	want := errors.New("boom")
	err := g.Interactive(context.Background(), func(ctx context.Context) error { return want })
	if !errors.Is(err, want) {
		t.Fatalf("got %v, want %v", err, want)
	}

	if err := g.Interactive(context.Background(), func(ctx context.Context) error { return nil }); err != nil {
		t.Fatalf("success should pass through, got %v", err)
	}
}

func TestPollingSleepsWaitPlusBuffer(t *testing.T) {
	clock := &fakeClock{now: time.Unix(1000, 0)}
	g := NewGovernor(WithClock(clock))

	err := g.Polling(context.Background(), "sess-1", func(ctx context.Context) error {
		return floodErr(30)
	})
	if err != nil {
		t.Fatalf("flood wait should be absorbed, got %v", err)
	}
	if len(clock.slept) != 1 {
		t.Fatalf("expected exactly one sleep, got %d", len(clock.slept))
	}
	if want := 30*time.Second + ResumeBuffer; clock.slept[0] != want {
		t.Errorf("slept %s, want %s", clock.slept[0], want)
	}
}

func TestPollingCustomBuffer(t *testing.T) {
	clock := &fakeClock{now: time.Unix(1000, 0)}
	g := NewGovernor(WithClock(clock), WithResumeBuffer(5*time.Second))

	if err := g.Polling(context.Background(), "s", func(ctx context.Context) error {
		return floodErr(10)
	}); err != nil {
		t.Fatal(err)
	}
	if want := 15 * time.Second; clock.slept[0] != want {
		t.Errorf("slept %s, want %s", clock.slept[0], want)
	}
}

func TestPollingReturnsOtherErrors(t *testing.T) {
	clock := &fakeClock{now: time.Unix(1000, 0)}
	g := NewGovernor(WithClock(clock))

	want := errors.New("transient")
	err := g.Polling(context.Background(), "s", func(ctx context.Context) error { return want })
	if !errors.Is(err, want) {
		t.Fatalf("got %v, want %v", err, want)
	}
	if len(clock.slept) != 0 {
		t.Errorf("non-flood errors must not sleep, slept %v", clock.slept)
	}
}

func TestPollingSleepCancelled(t *testing.T) {
	clock := &fakeClock{now: time.Unix(1000, 0), sleepE: context.Canceled}
	g := NewGovernor(WithClock(clock))

	err := g.Polling(context.Background(), "s", func(ctx context.Context) error {
		return floodErr(60)
	})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("cancelled sleep should surface, got %v", err)
	}
}
