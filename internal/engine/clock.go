package engine

import (
	"context"
	"time"
)

// Clock owns the engine's perceived time.
type Clock interface {
	// Now returns the perceived current time.
	Now() time.Time
	// Advance moves time forward to the next loop iteration and reports
	// whether the run continues.
	Advance(ctx context.Context) bool
	// End returns the time the run stops at, or zero when open-ended.
	End() time.Time
}

// Sleeper is a Clock that can skip ahead to a wake-up time.
type Sleeper interface {
	// SleepUntil blocks until t and reports whether the wait completed.
	SleepUntil(ctx context.Context, t time.Time) bool
}

// Compile-time interface checks.
var _ Clock = (*SimClock)(nil)
var _ Clock = (*WallClock)(nil)
var _ Sleeper = (*WallClock)(nil)

// ---------------------------------------------------------------------------
// SimClock
// ---------------------------------------------------------------------------

// SimClock steps through [start, end] in fixed increments without sleeping.
// The last step is clamped to end.
type SimClock struct {
	now  time.Time
	end  time.Time
	step time.Duration
}

// NewSimClock creates a simulated clock positioned at start.
func NewSimClock(start, end time.Time, step time.Duration) *SimClock {
	if step <= 0 {
		step = time.Minute
	}
	return &SimClock{now: start, end: end, step: step}
}

// Now returns the simulated time.
func (c *SimClock) Now() time.Time { return c.now }

// End returns the last simulated instant.
func (c *SimClock) End() time.Time { return c.end }

// Advance moves one step forward, clamped to End. It returns false once End
// has been reached or ctx is done.
func (c *SimClock) Advance(ctx context.Context) bool {
	if ctx.Err() != nil || !c.now.Before(c.end) {
		return false
	}
	c.now = c.now.Add(c.step)
	if c.now.After(c.end) {
		c.now = c.end
	}
	return true
}

// ---------------------------------------------------------------------------
// WallClock
// ---------------------------------------------------------------------------

// WallClock follows real time, sleeping one poll interval per iteration.
type WallClock struct {
	poll  time.Duration
	end   time.Time
	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error
}

// NewWallClock creates a wall clock that polls every poll interval and
// stops after runFor. A non-positive runFor runs until cancelled.
func NewWallClock(poll, runFor time.Duration) *WallClock {
	c := &WallClock{poll: poll, now: time.Now, sleep: sleepCtx}
	if c.poll <= 0 {
		c.poll = time.Second
	}
	if runFor > 0 {
		c.end = c.now().Add(runFor)
	}
	return c
}

// Now returns the current wall time.
func (c *WallClock) Now() time.Time { return c.now() }

// End returns when the run stops, or zero for an open-ended run.
func (c *WallClock) End() time.Time { return c.end }

// Advance sleeps one poll interval. It returns false once End has passed or
// ctx is cancelled during the sleep.
func (c *WallClock) Advance(ctx context.Context) bool {
	if !c.end.IsZero() && !c.now().Before(c.end) {
		return false
	}
	return c.sleep(ctx, c.poll) == nil
}

// SleepUntil blocks until t, or until End when that comes first.
func (c *WallClock) SleepUntil(ctx context.Context, t time.Time) bool {
	if !c.end.IsZero() && t.After(c.end) {
		t = c.end
	}
	d := t.Sub(c.now())
	if d <= 0 {
		return true
	}
	return c.sleep(ctx, d) == nil
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
