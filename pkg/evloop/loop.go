// Package evloop provides the single-threaded event loop each cache worker
// runs. All process-local cache state is touched only from loop callbacks,
// so it needs no locking. Other goroutines (I/O completions, timers) hand
// work to the loop with [Loop.Post].
package evloop

import (
	"context"
	"errors"
	"sync"
	"time"
)

// ErrTimeout is returned by [Loop.RunUntil] when the condition did not
// become true in time.
var ErrTimeout = errors.New("evloop: timeout")

// Loop is a FIFO of callbacks executed one at a time by the goroutine that
// calls Run, RunOnce or RunUntil.
type Loop struct {
	mu       sync.Mutex
	queue    []func()
	wake     chan struct{}
	inflight sync.WaitGroup
}

// New returns an empty loop.
func New() *Loop {
	return &Loop{wake: make(chan struct{}, 1)}
}

// Post schedules fn to run on the loop. Safe for concurrent use.
func (l *Loop) Post(fn func()) {
	if fn == nil {
		panic("evloop: Post(nil)")
	}

	l.mu.Lock()
	l.queue = append(l.queue, fn)
	l.mu.Unlock()

	select {
	case l.wake <- struct{}{}:
	default:
	}
}

// Go runs work on its own goroutine and posts done(err) to the loop when
// it returns. It is how blocking I/O is kept off the loop.
func (l *Loop) Go(work func() error, done func(error)) {
	l.inflight.Add(1)

	go func() {
		err := work()

		l.Post(func() { done(err) })
		l.inflight.Done()
	}()
}

// Timer is a cancellable [Loop.AfterFunc] event.
type Timer struct {
	t *time.Timer
}

// Stop cancels the timer. It returns false if fn was already posted.
func (t *Timer) Stop() bool { return t.t.Stop() }

// AfterFunc posts fn to the loop after d.
func (l *Loop) AfterFunc(d time.Duration, fn func()) *Timer {
	return &Timer{t: time.AfterFunc(d, func() { l.Post(fn) })}
}

// Pending returns the number of queued callbacks.
func (l *Loop) Pending() int {
	l.mu.Lock()
	defer l.mu.Unlock()

	return len(l.queue)
}

// RunOnce runs the callbacks queued at the time of the call, plus any they
// queue themselves, until the queue is empty. It returns how many ran.
func (l *Loop) RunOnce() int {
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
			fn()
		}

		ran += len(batch)
	}
}

// Run processes callbacks until ctx is done.
func (l *Loop) Run(ctx context.Context) error {
	for {
		l.RunOnce()

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-l.wake:
		}
	}
}

// RunUntil processes callbacks until cond returns true, checking it after
// every batch. It returns [ErrTimeout] after timeout.
func (l *Loop) RunUntil(cond func() bool, timeout time.Duration) error {
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()

	for {
		l.RunOnce()

		if cond() {
			return nil
		}

		select {
		case <-deadline.C:
			return ErrTimeout
		case <-l.wake:
		}
	}
}

// Drain waits for all work started with [Loop.Go] and runs the loop until
// it is idle.
func (l *Loop) Drain() {
	for {
		l.RunOnce()
		l.inflight.Wait()

		if l.RunOnce() == 0 && l.Pending() == 0 {
			return
		}
	}
}
