package protocol

import (
	"context"
	"time"
)

// HTTPFetcher performs the synchronous HTTP fetches the auth engine needs
// before a WebSocket session exists: the miniserver's API info and its RSA
// public key. It is the one collaborator that never touches the socket.
type HTTPFetcher interface {
	Get(ctx context.Context, command string) (*LoxoneMessage, error)
}

// TransportController is the set of callbacks a WebSocketTransport invokes
// on its owner as frames and lifecycle events arrive. The session
// controller implements this; it is declared here, not on the session
// controller's own package, so transport implementations never need to
// import the root package.
type TransportController interface {
	ConnectionOpened()
	ProcessMessage(text string)
	ProcessEvents(header MessageHeader, payload []byte)
	ConnectionClosed(code int, remote bool)
	WSClosed()
}

// WebSocketTransport is the abstract socket. A fresh one is constructed for
// every connection attempt; it is never reused across reconnects.
type WebSocketTransport interface {
	Connect(ctx context.Context) error
	IsOpen() bool
	Send(text string) error
	CloseBlocking() error
}

// TransportFactory builds a new WebSocketTransport bound to controller and uri.
type TransportFactory func(controller TransportController, uri string) WebSocketTransport

// CommandResponseListener receives parsed command responses. Accepts is
// consulted by the auth engine to claim the categories its handshake is
// waiting on; ordinary application listeners typically accept every
// category and filter on Command.ControlFragment themselves.
type CommandResponseListener interface {
	Accepts(category ResponseCategory) bool
	OnCommand(cmd Command, msg any) ResponseState
}

// LoxoneEventListener receives parsed binary events (ValueEvent, TextEvent).
type LoxoneEventListener interface {
	OnEvent(event Event)
}

// LoxoneWebSocketListener observes raw connection lifecycle, independent of
// authentication state.
type LoxoneWebSocketListener interface {
	Opened()
	LocalClosed()
	RemoteClosed()
}

// AuthListener observes completion of the two handshakes the auth engine drives.
type AuthListener interface {
	AuthCompleted()
	VisuAuthCompleted()
}

// ScheduledTask is a handle to a pending or repeating scheduled invocation.
type ScheduledTask interface {
	Cancel()
}

// Scheduler is the timed executor shared by the auth engine
// (token refresh) and the session controller (auto-restart, asynchronous
// post-open authentication kickoff). Implementations must never let
// scheduled work spawn additional unmanaged goroutines of their own.
type Scheduler interface {
	// Schedule runs fn once after delay elapses.
	Schedule(delay time.Duration, fn func()) ScheduledTask
	// SchedulePeriodic runs fn repeatedly every interval, starting after interval.
	SchedulePeriodic(interval time.Duration, fn func()) ScheduledTask
	// Stop cancels all pending and periodic work. The scheduler is unusable after Stop.
	Stop()
}
