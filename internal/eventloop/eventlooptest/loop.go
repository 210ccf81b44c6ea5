// Package eventlooptest provides a manually driven, virtual-time event loop
// for deterministic tests of code built on eventloop.Scheduler.
package eventlooptest

import (
	"sync"
	"time"

	"github.com/Hiestaa/RLViz/internal/eventloop"
)

// Loop is an eventloop.Scheduler whose clock only moves when Advance is
// called. Posted callbacks run on RunPending or Advance, in the caller's
// goroutine.
type Loop struct {
	mu     sync.Mutex
	now    time.Duration
	seq    int
	queue  []func()
	timers []*timer
}

type timer struct {
	loop    *Loop
	at      time.Duration
	seq     int
	fn      func()
	stopped bool
	fired   bool
}

// Stop cancels the timer. It reports whether the timer was still pending.
func (t *timer) Stop() bool {
	t.loop.mu.Lock()
	defer t.loop.mu.Unlock()
	if t.stopped || t.fired {
		return false
	}
	t.stopped = true
	return true
}

// New creates a loop at virtual time zero.
func New() *Loop {
	return &Loop{}
}

// Post queues fn.
func (l *Loop) Post(fn func()) {
	l.mu.Lock()
	l.queue = append(l.queue, fn)
	l.mu.Unlock()
}

// AfterFunc schedules fn at Now()+d.
func (l *Loop) AfterFunc(d time.Duration, fn func()) eventloop.Timer {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.seq++
	t := &timer{loop: l, at: l.now + d, seq: l.seq, fn: fn}
	l.timers = append(l.timers, t)
	return t
}

// Now returns the elapsed virtual time.
func (l *Loop) Now() time.Duration {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.now
}

// Pending returns the number of timers that have not fired or been stopped.
func (l *Loop) Pending() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	n := 0
	for _, t := range l.timers {
		if !t.stopped && !t.fired {
			n++
		}
	}
	return n
}

// RunPending runs queued callbacks, including ones queued while running,
// until the queue is empty.
func (l *Loop) RunPending() {
	for {
		l.mu.Lock()
		if len(l.queue) == 0 {
			l.mu.Unlock()
			return
		}
		fn := l.queue[0]
		l.queue = l.queue[1:]
		l.mu.Unlock()
		fn()
	}
}

// Advance moves the clock forward by d, firing due timers in deadline order
// and draining the queue after each one.
func (l *Loop) Advance(d time.Duration) {
	l.mu.Lock()
	target := l.now + d
	l.mu.Unlock()

	l.RunPending()
	for {
		t := l.nextDue(target)
		if t == nil {
			break
		}
		t.fn()
		l.RunPending()
	}

	l.mu.Lock()
	l.now = target
	l.mu.Unlock()
}

// nextDue pops the earliest live timer due at or before target and moves the
// clock to its deadline.
func (l *Loop) nextDue(target time.Duration) *timer {
	l.mu.Lock()
	defer l.mu.Unlock()

	var next *timer
	live := l.timers[:0]
	for _, t := range l.timers {
		if t.stopped || t.fired {
			continue
		}
		live = append(live, t)
		if t.at > target {
			continue
		}
		if next == nil || t.at < next.at || (t.at == next.at && t.seq < next.seq) {
			next = t
		}
	}
	l.timers = live
	if next == nil {
		return nil
	}
	next.fired = true
	l.now = next.at
	return next
}
