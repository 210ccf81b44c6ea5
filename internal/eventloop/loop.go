// Package eventloop provides the single logical actor the training client
// runs on. Transport events, reconnect timers and retry timers are all posted
// onto one loop and each callback runs to completion before the next starts,
// so component state never needs its own locking.
package eventloop

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Timer is a pending callback that can be cancelled before it fires.
type Timer interface {
	Stop() bool
}

// Scheduler runs callbacks on a single logical actor.
type Scheduler interface {
	// Post queues fn to run on the loop.
	Post(fn func())
	// AfterFunc queues fn to run on the loop once d has elapsed.
	AfterFunc(d time.Duration, fn func()) Timer
}

// ErrStopped is returned by Do once the loop has stopped.
var ErrStopped = errors.New("event loop stopped")

// Loop is a goroutine-backed Scheduler with an unbounded FIFO queue.
type Loop struct {
	log zerolog.Logger

	mu      sync.Mutex
	queue   []func()
	running bool
	stopped bool
	wake    chan struct{}
	done    chan struct{}
}

// New creates a loop. Callbacks are only executed while Run is active.
func New(log zerolog.Logger) *Loop {
	return &Loop{
		log:  log.With().Str("component", "eventloop").Logger(),
		wake: make(chan struct{}, 1),
		done: make(chan struct{}),
	}
}

// Post queues fn. It never blocks and is safe to call from any goroutine,
// including from a callback already running on the loop.
func (l *Loop) Post(fn func()) {
	l.mu.Lock()
	if l.stopped {
		l.mu.Unlock()
		return
	}
	l.queue = append(l.queue, fn)
	l.mu.Unlock()

	select {
	case l.wake <- struct{}{}:
	default:
	}
}

// AfterFunc queues fn once d has elapsed.
func (l *Loop) AfterFunc(d time.Duration, fn func()) Timer {
	return time.AfterFunc(d, func() { l.Post(fn) })
}

// Do runs fn on the loop and waits for it to finish. It must not be called
// from the loop itself.
func (l *Loop) Do(ctx context.Context, fn func()) error {
	finished := make(chan struct{})
	l.Post(func() {
		defer close(finished)
		fn()
	})
	select {
	case <-finished:
		return nil
	case <-l.done:
		return ErrStopped
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Run executes queued callbacks until ctx is cancelled. A loop runs once:
// Run returns immediately if the loop is already running or has stopped.
func (l *Loop) Run(ctx context.Context) {
	l.mu.Lock()
	if l.running || l.stopped {
		l.mu.Unlock()
		return
	}
	l.running = true
	l.mu.Unlock()
	defer l.stop()

	for {
		select {
		case <-ctx.Done():
			l.log.Debug().Msg("context cancelled, stopping")
			return
		case <-l.wake:
		}

		for {
			if ctx.Err() != nil {
				return
			}
			fn, ok := l.next()
			if !ok {
				break
			}
			fn()
		}
	}
}

// Done is closed once Run has returned.
func (l *Loop) Done() <-chan struct{} {
	return l.done
}

func (l *Loop) next() (func(), bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.queue) == 0 {
		return nil, false
	}
	fn := l.queue[0]
	l.queue[0] = nil
	l.queue = l.queue[1:]
	return fn, true
}

func (l *Loop) stop() {
	l.mu.Lock()
	l.stopped = true
	dropped := len(l.queue)
	l.queue = nil
	l.mu.Unlock()
	if dropped > 0 {
		l.log.Debug().Int("dropped", dropped).Msg("discarded pending callbacks")
	}
	close(l.done)
}
