// Package loop provides the single-threaded event loop that owns all session,
// pool and scheduler state.
//
// Transport callbacks, worker completions and timers never touch that state
// directly: they Post closures which the loop runs one at a time, in order.
// This mirrors the select loop in the signaling hub, generalised to arbitrary
// closures so that every component can share one serialised control flow.
package loop

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// Loop runs posted closures sequentially on a single goroutine.
type Loop struct {
	clock Clock

	mu     sync.Mutex
	queue  []func()
	closed bool

	wake chan struct{}
	stop chan struct{}
	once sync.Once
}

// New creates a loop driven by the given clock. A nil clock selects the
// system clock.
func New(clock Clock) *Loop {
	if clock == nil {
		clock = SystemClock
	}
	return &Loop{
		clock: clock,
		wake:  make(chan struct{}, 1),
		stop:  make(chan struct{}),
	}
}

// Clock returns the clock used for timers.
func (l *Loop) Clock() Clock {
	return l.clock
}

// Now returns the loop clock's current time.
func (l *Loop) Now() time.Time {
	return l.clock.Now()
}

// Post queues fn to run on the loop. It reports false once the loop is stopped.
func (l *Loop) Post(fn func()) bool {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return false
	}
	l.queue = append(l.queue, fn)
	l.mu.Unlock()

	select {
	case l.wake <- struct{}{}:
	default:
	}
	return true
}

// Await posts fn and blocks until it has run, the loop stops or ctx is done.
func (l *Loop) Await(ctx context.Context, fn func()) error {
	done := make(chan struct{})
	if !l.Post(func() {
		defer close(done)
		fn()
	}) {
		return ErrStopped
	}

	select {
	case <-done:
		return nil
	case <-l.stop:
		return ErrStopped
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Run processes posted closures until ctx is cancelled or Stop is called.
func (l *Loop) Run(ctx context.Context) error {
	for {
		if l.RunPending() > 0 {
			continue
		}

		select {
		case <-ctx.Done():
			l.Stop()
			return ctx.Err()
		case <-l.stop:
			return nil
		case <-l.wake:
		}
	}
}

// RunPending runs everything queued so far, including closures queued while
// draining, on the calling goroutine. It returns how many closures ran.
// Tests use it to step the loop deterministically.
func (l *Loop) RunPending() int {
	ran := 0
	for {
		l.mu.Lock()
		batch := l.queue
		l.queue = nil
		l.mu.Unlock()

		if len(batch) == 0 {
			return ran
		}
		for _, fn := range batch {
			l.safeCall(fn)
			ran++
		}
	}
}

func (l *Loop) safeCall(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("loop: handler panicked", "panic", r)
		}
	}()
	fn()
}

// Stop prevents further posts and releases Run. Queued closures are dropped.
func (l *Loop) Stop() {
	l.once.Do(func() {
		l.mu.Lock()
		l.closed = true
		l.queue = nil
		l.mu.Unlock()
		close(l.stop)
	})
}

// Done is closed once the loop is stopped.
func (l *Loop) Done() <-chan struct{} {
	return l.stop
}

// Task is a cancellable handle for a scheduled closure.
type Task struct {
	mu        sync.Mutex
	timer     Timer
	cancelled atomic.Bool
}

// Cancel revokes the task. A callback that already fired but has not yet run
// on the loop is skipped.
func (t *Task) Cancel() {
	if t == nil {
		return
	}
	t.cancelled.Store(true)
	t.mu.Lock()
	if t.timer != nil {
		t.timer.Stop()
	}
	t.mu.Unlock()
}

// Cancelled reports whether Cancel was called.
func (t *Task) Cancelled() bool {
	return t != nil && t.cancelled.Load()
}

func (t *Task) setTimer(timer Timer) {
	t.mu.Lock()
	t.timer = timer
	t.mu.Unlock()
	if t.cancelled.Load() {
		timer.Stop()
	}
}

// After runs fn on the loop once d has elapsed.
func (l *Loop) After(d time.Duration, fn func()) *Task {
	t := &Task{}
	t.setTimer(l.clock.AfterFunc(d, func() {
		l.Post(func() {
			if t.Cancelled() {
				return
			}
			fn()
		})
	}))
	return t
}

// Every runs fn on the loop every d until the task is cancelled. The next run
// is armed only after fn returns, so runs never overlap.
func (l *Loop) Every(d time.Duration, fn func()) *Task {
	t := &Task{}
	var arm func()
	arm = func() {
		t.setTimer(l.clock.AfterFunc(d, func() {
			l.Post(func() {
				if t.Cancelled() {
					return
				}
				fn()
				if !t.Cancelled() {
					arm()
				}
			})
		}))
	}
	arm()
	return t
}
