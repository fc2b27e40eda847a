package loxone

import (
	"context"
	"sync"
	"time"

	"github.com/kjellberg/loxone/protocol"
)

// latch is the single-shot count-down gate an auth cycle signals once,
// either with nil (success) or an error. A fresh latch replaces the
// previous one under the connection slot's writer lock whenever a new auth
// cycle begins; a nil latch means no cycle is active.
type latch struct {
	done chan struct{}
	once sync.Once
	err  error
}

func newLatch() *latch {
	return &latch{done: make(chan struct{})}
}

func (l *latch) signal(err error) {
	l.once.Do(func() {
		l.err = err
		close(l.done)
	})
}

// wait blocks until the latch signals, the timeout elapses, or ctx is
// cancelled. A timeout or cancellation both report ErrConnectionFailure to
// the caller; only Close propagates interruption as such.
func (l *latch) wait(ctx context.Context, timeout time.Duration) error {
	select {
	case <-l.done:
		return l.err
	case <-time.After(timeout):
		return protocol.ErrConnectionFailure
	case <-ctx.Done():
		return protocol.ErrConnectionFailure
	}
}

// completed reports whether the latch has already signalled, without blocking.
func (l *latch) completed() bool {
	select {
	case <-l.done:
		return true
	default:
		return false
	}
}

// failed reports whether the latch has already signalled with a non-nil
// error, without blocking. A latch that completed successfully still gates
// future waiters instantly (wait returns nil immediately), so callers that
// hold a reusable auth/visu cycle should only replace it once it has failed,
// not merely once it has completed.
func (l *latch) failed() bool {
	select {
	case <-l.done:
		return l.err != nil
	default:
		return false
	}
}
