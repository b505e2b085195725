// Package clock provides an injectable time source so that retry waits and
// refresh timers can be driven deterministically in tests.
//
// Production code uses Real(). Tests use NewFake and move time forward with
// Advance; WaitForTimers blocks until a goroutine has registered the timer
// it is about to wait on.
package clock

import "time"

// Clock abstracts the time operations used by the dashboard core.
type Clock interface {
	// Now returns the current time.
	Now() time.Time

	// After returns a channel that receives the current time once d has
	// elapsed. If d <= 0 the channel is ready immediately.
	After(d time.Duration) <-chan time.Time

	// AfterFunc arranges for f to run once d has elapsed and returns a
	// Timer that cancels the call. The real clock calls f in its own
	// goroutine; FakeClock calls f synchronously from Advance, or in a new
	// goroutine when d <= 0.
	AfterFunc(d time.Duration, f func()) *Timer
}

// Timer is a pending AfterFunc call.
type Timer struct {
	stopFunc func() bool
}

// Stop prevents the Timer from firing. It returns false if the timer has
// already fired or been stopped.
func (t *Timer) Stop() bool {
	if t == nil || t.stopFunc == nil {
		return false
	}
	return t.stopFunc()
}

// Real returns a Clock backed by the time package.
func Real() Clock { return realClock{} }

type realClock struct{}

func (realClock) Now() time.Time { return time.Now() }

func (realClock) After(d time.Duration) <-chan time.Time { return time.After(d) }

func (realClock) AfterFunc(d time.Duration, f func()) *Timer {
	t := time.AfterFunc(d, f)
	return &Timer{stopFunc: t.Stop}
}
