package conntab

import "time"

// Clock schedules expiry callbacks. The standard implementation is backed by
// time.AfterFunc. Flush waits for callbacks to run, so a clock that only fires
// on demand has to be driven while Flush is blocked.
type Clock interface {
	AfterFunc(d time.Duration, f func()) Timer
}

// Timer is a rearmable one-shot callback. *time.Timer implements it.
type Timer interface {
	// Stop cancels the timer. It reports whether the timer was pending.
	Stop() bool
	// Reset reschedules the timer to fire after d. It reports whether the
	// timer was pending.
	Reset(d time.Duration) bool
}

// StdClock implements Clock with the time package.
type StdClock struct{}

var _ Clock = StdClock{}

func (StdClock) AfterFunc(d time.Duration, f func()) Timer {
	return time.AfterFunc(d, f)
}
