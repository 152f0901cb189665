// Package flood converts the network's flood-control signal into
// cooperative backoff. Interactive callers get a typed RateLimitedError and
// decide for themselves; polling loops are paused for the mandated wait
// plus a small buffer and then resume on their own.
package flood

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/sablecrm/telebridge/internal/wire"
)

// ResumeBuffer is added on top of the network's mandated wait before a
// suspended poll loop resumes.
const ResumeBuffer = 2 * time.Second

// RateLimitedError is surfaced to interactive callers hit by flood control.
type RateLimitedError struct {
	RetryAfter time.Duration
}

func (e *RateLimitedError) Error() string {
	return fmt.Sprintf("rate limited by network, retry after %s", e.RetryAfter)
}

// Clock abstracts time for deterministic tests.
type Clock interface {
	Now() time.Time
	// Sleep blocks for d or until ctx is done.
	Sleep(ctx context.Context, d time.Duration) error
}

type realClock struct{}

func (realClock) Now() time.Time { return time.Now() }

func (realClock) Sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Governor gates calls against the network per session.
type Governor struct {
	clock  Clock
	buffer time.Duration
}

// Option configures a Governor.
type Option func(*Governor)

// WithClock injects a clock (tests).
func WithClock(c Clock) Option {
	return func(g *Governor) { g.clock = c }
}

// WithResumeBuffer overrides the post-wait buffer.
func WithResumeBuffer(d time.Duration) Option {
	return func(g *Governor) { g.buffer = d }
}

// NewGovernor creates a governor with the default clock and buffer.
func NewGovernor(opts ...Option) *Governor {
	g := &Governor{clock: realClock{}, buffer: ResumeBuffer}
	for _, o := range opts {
		o(g)
	}
	return g
}

// Interactive runs op once. A flood-control failure is converted to
// *RateLimitedError and never retried here; the caller decides.
func (g *Governor) Interactive(ctx context.Context, op func(ctx context.Context) error) error {
	err := op(ctx)
	if err == nil {
		return nil
	}
	if seconds, ok := wire.FloodWait(err); ok {
		return &RateLimitedError{RetryAfter: time.Duration(seconds) * time.Second}
	}
	return err
}

// Polling runs op once. A flood-control failure suspends the caller for
// wait+buffer and is then absorbed (the loop resumes on its next tick);
// any other failure is returned for the loop to log and continue.
func (g *Governor) Polling(ctx context.Context, session string, op func(ctx context.Context) error) error {
	err := op(ctx)
	if err == nil {
		return nil
	}
	if seconds, ok := wire.FloodWait(err); ok {
		wait := time.Duration(seconds)*time.Second + g.buffer
		slog.Warn("flood wait during polling, suspending",
			"session", session, "wait", wait)
		if serr := g.clock.Sleep(ctx, wait); serr != nil {
			return serr
		}
		slog.Info("flood wait elapsed, polling resumes", "session", session)
		return nil
	}
	return err
}
