package conntab

import (
	"sync"
	"time"
)

// manualClock only advances through Advance. Due callbacks run on the
// goroutine calling Advance, in deadline order.
type manualClock struct {
	mu     sync.Mutex
	now    time.Duration
	timers []*manualTimer
}

type manualTimer struct {
	clock *manualClock
	f     func()
	when  time.Duration
	armed bool
}

var _ Clock = (*manualClock)(nil)

func newManualClock() *manualClock {
	return &manualClock{}
}

func (mc *manualClock) AfterFunc(d time.Duration, f func()) Timer {
	mc.mu.Lock()
	defer mc.mu.Unlock()
	t := &manualTimer{clock: mc, f: f, when: mc.now + d, armed: true}
	mc.timers = append(mc.timers, t)
	return t
}

func (mc *manualClock) Advance(d time.Duration) {
	mc.mu.Lock()
	until := mc.now + d
	for {
		var next *manualTimer
		for _, t := range mc.timers {
			if t.armed && t.when <= until && (next == nil || t.when < next.when) {
				next = t
			}
		}
		if next == nil {
			break
		}
		if next.when > mc.now {
			mc.now = next.when
		}
		next.armed = false
		mc.mu.Unlock()
		next.f()
		mc.mu.Lock()
	}
	mc.now = until
	mc.mu.Unlock()
}

func (t *manualTimer) Stop() bool {
	t.clock.mu.Lock()
	defer t.clock.mu.Unlock()
	was := t.armed
	t.armed = false
	return was
}

func (t *manualTimer) Reset(d time.Duration) bool {
	t.clock.mu.Lock()
	defer t.clock.mu.Unlock()
	was := t.armed
	t.armed = true
	t.when = t.clock.now + d
	return was
}
