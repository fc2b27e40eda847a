// Package scheduler provides the default protocol.Scheduler implementation:
// one-shot tasks on time.AfterFunc timers and periodic tasks on tickers,
// each periodic task with its own goroutine, grounded on the
// ticker-plus-stop-channel shape used for background cleanup loops
// elsewhere in this stack.
package scheduler

import (
	"sync"
	"time"

	"github.com/kjellberg/loxone/protocol"
)

// Timer is a timed executor. Scheduled work never runs on the caller's
// goroutine: a one-shot fn runs on the goroutine of its time.AfterFunc
// timer, and a periodic fn on a goroutine owned by that task. Tasks are not
// serialised against each other; two tasks that come due together may run
// concurrently.
type Timer struct {
	mu      sync.Mutex
	stopped bool
	tasks   map[*task]struct{}
}

// New creates a ready-to-use Timer.
func New() *Timer {
	return &Timer{tasks: make(map[*task]struct{})}
}

type task struct {
	mu        sync.Mutex
	timer     *time.Timer
	ticker    *time.Ticker
	cancelled bool
	done      chan struct{}
}

// Cancel stops the task. Safe to call more than once, and safe to call from
// inside the task's own fn.
func (t *task) Cancel() {
	t.mu.Lock()
	if t.cancelled {
		t.mu.Unlock()
		return
	}
	t.cancelled = true
	if t.timer != nil {
		t.timer.Stop()
	}
	if t.ticker != nil {
		t.ticker.Stop()
	}
	t.mu.Unlock()
	close(t.done)
}

func (t *task) isCancelled() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.cancelled
}

// Schedule runs fn once after delay elapses.
func (s *Timer) Schedule(delay time.Duration, fn func()) protocol.ScheduledTask {
	return s.schedule(delay, fn)
}

func (s *Timer) schedule(delay time.Duration, fn func()) *task {
	t := &task{done: make(chan struct{})}
	t.timer = time.AfterFunc(delay, func() {
		if t.isCancelled() {
			return
		}
		fn()
		s.forget(t)
	})
	s.track(t)
	return t
}

// SchedulePeriodic runs fn repeatedly every interval, starting after interval.
func (s *Timer) SchedulePeriodic(interval time.Duration, fn func()) protocol.ScheduledTask {
	t := &task{done: make(chan struct{})}
	t.ticker = time.NewTicker(interval)
	go func() {
		for {
			select {
			case <-t.ticker.C:
				if t.isCancelled() {
					return
				}
				fn()
			case <-t.done:
				return
			}
		}
	}()
	s.track(t)
	return t
}

// Stop cancels every pending and periodic task. The Timer is unusable
// after Stop; scheduling on a stopped Timer is a silent no-op, matching the
// behavior callers expect from a controller that has already torn down.
func (s *Timer) Stop() {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return
	}
	s.stopped = true
	tasks := make([]*task, 0, len(s.tasks))
	for t := range s.tasks {
		tasks = append(tasks, t)
	}
	s.tasks = nil
	s.mu.Unlock()

	for _, t := range tasks {
		t.Cancel()
	}
}

func (s *Timer) track(t *task) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		t.Cancel()
		return
	}
	s.tasks[t] = struct{}{}
}

func (s *Timer) forget(t *task) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.tasks, t)
}
