// Package registry implements the command registry (C2): the FIFO of
// in-flight commands awaiting a correlated response. It is a concurrent
// FIFO guarded by a single mutex, the same shape as the teacher's
// session queue, minus the capacity-wait machinery that solves a
// different problem.
package registry

import (
	"errors"
	"sync"

	"github.com/kjellberg/loxone/protocol"
)

// ErrEmpty is returned by Pop when no command is awaiting a response.
// Per spec, an inbound response that arrives with nothing queued is an
// orphan: callers log it and drop the frame rather than treating this as
// a fault.
var ErrEmpty = errors.New("registry: no command awaiting response")

// Registry is the FIFO of commands submitted over the wire and not yet
// answered. Submit is safe to call from multiple sender goroutines; Pop is
// intended to be called from a single inbound pump goroutine, matching the
// "multiple senders, one receiver" discipline spec §4.2 requires.
type Registry struct {
	mu    sync.Mutex
	queue []protocol.Command
}

// New creates an empty command registry.
func New() *Registry {
	return &Registry{}
}

// Submit enqueues cmd iff its response category is not ResponseCategoryNone.
// KEEP_ALIVE and other fire-and-forget commands are sent but never enqueued.
func (r *Registry) Submit(cmd protocol.Command) {
	if cmd.Category == protocol.ResponseCategoryNone {
		return
	}
	r.mu.Lock()
	r.queue = append(r.queue, cmd)
	r.mu.Unlock()
}

// Pop retrieves the command at the head of the FIFO — the command the next
// inbound response is presumed to answer — and removes it. Responses are
// consumed strictly in arrival order: one response pops exactly one command.
func (r *Registry) Pop() (protocol.Command, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.queue) == 0 {
		return protocol.Command{}, ErrEmpty
	}
	cmd := r.queue[0]
	r.queue = r.queue[1:]
	return cmd, nil
}

// Len reports the current queue depth.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.queue)
}

// Drain clears the queue. Called on socket close (wsClosed) so no stale
// correlation survives into the next connection.
func (r *Registry) Drain() {
	r.mu.Lock()
	r.queue = nil
	r.mu.Unlock()
}
