// Package loxone is the session controller (C4): it owns the socket
// lifecycle, sequences "ensure connection → wait for auth → send", and
// implements retries and auto-restart over the auth engine, command
// registry, and event dispatcher it wires together.
package loxone

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/kjellberg/loxone/internal/auth"
	"github.com/kjellberg/loxone/internal/dispatch"
	"github.com/kjellberg/loxone/internal/registry"
	"github.com/kjellberg/loxone/protocol"
	"github.com/kjellberg/loxone/wire"
)

// Session is the session controller (C4), and this module's only exported
// entry point. It implements protocol.TransportController (callbacks from
// the transport) and protocol.AuthListener (completion signals from the
// auth engine it owns).
type Session struct {
	uri              string
	transportFactory protocol.TransportFactory
	scheduler        protocol.Scheduler
	log              *slog.Logger

	authEngine *auth.Engine
	registry   *registry.Registry
	dispatcher *dispatch.Dispatcher

	tuningMu    sync.RWMutex
	authTimeout time.Duration
	visuTimeout time.Duration
	retries     int
	autoRestart bool

	connMu    sync.RWMutex
	transport protocol.WebSocketTransport
	authLatch *latch
	visuLatch *latch

	stateMu sync.Mutex
	state   State

	wsListenersMu sync.RWMutex
	wsListeners   []protocol.LoxoneWebSocketListener

	restartMu      sync.Mutex
	restartTask    protocol.ScheduledTask
	restartLimiter *rate.Limiter

	closeOnce sync.Once
}

// New constructs a Session for the miniserver at uri (its WebSocket
// endpoint) authenticating with the given identity. httpBaseURL is the
// miniserver's HTTP origin, used only for the pre-WebSocket auth bootstrap.
func New(uri, httpBaseURL string, authCfg auth.Config, opts ...Option) *Session {
	cfg := defaultConfig(httpBaseURL)
	for _, opt := range opts {
		opt(&cfg)
	}

	s := &Session{
		uri:              uri,
		transportFactory: cfg.transportFactory,
		scheduler:        cfg.scheduler,
		log:              cfg.logger,
		registry:         registry.New(),
		authTimeout:      cfg.authTimeout,
		visuTimeout:      cfg.visuTimeout,
		retries:          cfg.retries,
		autoRestart:      cfg.autoRestart,
		state:            StateDisconnected,
		// A reconnect storm (several remote-close notifications in close
		// succession) must not arm more than one periodic restart task at a
		// rate tighter than the auto-restart cadence itself allows.
		restartLimiter: rate.NewLimiter(rate.Every(time.Second), 1),
	}
	s.dispatcher = dispatch.New(s.registry, s.log)
	s.authEngine = auth.New(authCfg, cfg.httpFetcher, cfg.scheduler, s.submitAuthCommand, s.log)
	s.authEngine.SetListener(s)
	s.dispatcher.RegisterCommandResponseListener(s.authEngine)
	return s
}

// SetAuthTimeoutSeconds overrides the primary auth latch timeout.
func (s *Session) SetAuthTimeoutSeconds(n int) {
	s.tuningMu.Lock()
	s.authTimeout = time.Duration(n) * time.Second
	s.tuningMu.Unlock()
}

// SetVisuTimeoutSeconds overrides the visualisation auth latch timeout.
func (s *Session) SetVisuTimeoutSeconds(n int) {
	s.tuningMu.Lock()
	s.visuTimeout = time.Duration(n) * time.Second
	s.tuningMu.Unlock()
}

// SetRetries overrides the send-path retry count.
func (s *Session) SetRetries(n int) {
	s.tuningMu.Lock()
	s.retries = n
	s.tuningMu.Unlock()
}

// SetAutoRestart enables or disables automatic reconnection on remote close.
func (s *Session) SetAutoRestart(enabled bool) {
	s.tuningMu.Lock()
	s.autoRestart = enabled
	s.tuningMu.Unlock()
}

func (s *Session) tuning() (authTimeout, visuTimeout time.Duration, retries int, autoRestart bool) {
	s.tuningMu.RLock()
	defer s.tuningMu.RUnlock()
	return s.authTimeout, s.visuTimeout, s.retries, s.autoRestart
}

// RegisterCommandResponseListener adds l to the dispatcher's listener walk.
func (s *Session) RegisterCommandResponseListener(l protocol.CommandResponseListener) {
	s.dispatcher.RegisterCommandResponseListener(l)
}

// RegisterEventListener adds l to the dispatcher's event fan-out.
func (s *Session) RegisterEventListener(l protocol.LoxoneEventListener) {
	s.dispatcher.RegisterEventListener(l)
}

// RegisterWebSocketListener adds l to the raw connection lifecycle fan-out.
func (s *Session) RegisterWebSocketListener(l protocol.LoxoneWebSocketListener) {
	s.wsListenersMu.Lock()
	s.wsListeners = append(s.wsListeners, l)
	s.wsListenersMu.Unlock()
}

func (s *Session) setState(next State) {
	s.stateMu.Lock()
	s.state = next
	s.stateMu.Unlock()
}

// State reports the controller's current lifecycle state.
func (s *Session) State() State {
	s.stateMu.Lock()
	defer s.stateMu.Unlock()
	return s.state
}

// ensureConnection establishes or reuses a connection, per spec §4.4.
func (s *Session) ensureConnection(ctx context.Context) error {
	if s.authEngine.State() == auth.StateUninitialised {
		if err := s.authEngine.Initialise(ctx); err != nil {
			return fmt.Errorf("%w: %v", protocol.ErrConnectionFailure, err)
		}
	}

	s.connMu.RLock()
	needsTransport := s.transport == nil || !s.transport.IsOpen()
	s.connMu.RUnlock()

	if needsTransport {
		return s.openTransport(ctx)
	}

	if !s.authUsable() {
		s.connMu.Lock()
		if s.authLatch == nil || s.authLatch.completed() {
			s.authLatch = newLatch()
		}
		l := s.authLatch
		s.connMu.Unlock()
		if err := s.authEngine.StartAuthentication(ctx); err != nil {
			l.signal(fmt.Errorf("%w: %v", protocol.ErrConnectionFailure, err))
		}
	}
	return nil
}

// authUsable reports whether the current token can still authenticate a
// send without waiting on a fresh handshake. StateRefreshing counts as
// usable: the old token remains valid right up until the refreshed one
// replaces it, so a send racing a scheduled refresh must not be made to
// wait for it or trigger a redundant full re-authentication.
func (s *Session) authUsable() bool {
	switch s.authEngine.State() {
	case auth.StateTokenIssued, auth.StateRefreshing:
		return true
	default:
		return false
	}
}

// openTransport wins or loses the race to (re)create the connection slot.
// Only the winner actually dials; losers proceed straight to the wait
// phase, exactly as spec requires ("only one writer wins; losers proceed
// to the wait phase").
func (s *Session) openTransport(ctx context.Context) error {
	s.connMu.Lock()
	if s.transport != nil && s.transport.IsOpen() {
		s.connMu.Unlock()
		return nil
	}
	if s.authLatch != nil && !s.authLatch.completed() {
		// Another writer already has a connect attempt in flight; this
		// caller loses the race and proceeds straight to the wait phase.
		s.connMu.Unlock()
		return nil
	}
	s.authLatch = newLatch()
	t := s.transportFactory(s, s.uri)
	s.transport = t
	s.connMu.Unlock()

	if err := t.Connect(ctx); err != nil {
		s.connMu.Lock()
		if s.authLatch != nil {
			s.authLatch.signal(err)
		}
		s.connMu.Unlock()
		return fmt.Errorf("%w: %v", protocol.ErrConnectionFailure, err)
	}
	return nil
}

// SendCommand submits cmd and blocks until it has been written to the
// wire, or all retries are exhausted.
func (s *Session) SendCommand(ctx context.Context, cmd protocol.Command) error {
	_, _, retries, _ := s.tuning()
	return s.sendWithRetry(ctx, cmd, retries)
}

// sendWithRetry implements spec §4.4's sendWithRetry.
func (s *Session) sendWithRetry(ctx context.Context, cmd protocol.Command, retriesLeft int) error {
	if !cmd.SupportsWebSocket {
		return fmt.Errorf("loxone: command %q does not support the WebSocket transport", cmd.Text)
	}

	if err := s.ensureConnection(ctx); err != nil {
		return s.retryOrFail(ctx, cmd, retriesLeft, err, s.sendWithRetry)
	}

	authTimeout, _, _, _ := s.tuning()
	err := s.withReaderLock(func() error {
		l := s.currentAuthLatch()
		if l == nil {
			return fmt.Errorf("%w: no auth cycle active", protocol.ErrInvariantViolation)
		}
		if waitErr := l.wait(ctx, authTimeout); waitErr != nil {
			return waitErr
		}
		return s.enqueueAndSend(cmd)
	})
	if err != nil {
		if closeErr := s.closeTransportOnAuthTimeout(); closeErr != nil {
			s.log.Warn("closing transport after auth timeout failed", "error", closeErr)
		}
		return s.retryOrFail(ctx, cmd, retriesLeft, err, s.sendWithRetry)
	}
	return nil
}

// SendSecureCommand submits a control command wrapped under the current
// visualisation hash, triggering the visu handshake on first use.
func (s *Session) SendSecureCommand(ctx context.Context, inner protocol.Command) error {
	_, _, retries, _ := s.tuning()
	return s.sendSecureWithRetry(ctx, inner, retries)
}

func (s *Session) sendSecureWithRetry(ctx context.Context, inner protocol.Command, retriesLeft int) error {
	if !inner.SupportsWebSocket {
		return fmt.Errorf("loxone: command %q does not support the WebSocket transport", inner.Text)
	}

	if err := s.ensureConnection(ctx); err != nil {
		return s.retryOrFail(ctx, inner, retriesLeft, err, s.sendSecureWithRetry)
	}

	authTimeout, visuTimeout, _, _ := s.tuning()
	err := s.withReaderLock(func() error {
		l := s.currentAuthLatch()
		if l == nil {
			return fmt.Errorf("%w: no auth cycle active", protocol.ErrInvariantViolation)
		}
		if waitErr := l.wait(ctx, authTimeout); waitErr != nil {
			return waitErr
		}

		visu := s.ensureVisuLatch(ctx)
		if waitErr := visu.wait(ctx, visuTimeout); waitErr != nil {
			// Only the secure path failed; the socket stays open.
			return fmt.Errorf("%w: visu auth: %v", protocol.ErrConnectionFailure, waitErr)
		}

		hash, hashErr := s.authEngine.ComputeVisuHash()
		if hashErr != nil {
			return fmt.Errorf("%w: %v", protocol.ErrConnectionFailure, hashErr)
		}
		secured := protocol.NewSecuredCommand(inner, hash)
		return s.enqueueAndSend(secured)
	})
	if err != nil {
		return s.retryOrFail(ctx, inner, retriesLeft, err, s.sendSecureWithRetry)
	}
	return nil
}

// ensureVisuLatch returns the latch gating secure sends, starting the visu
// handshake only the first time or after a prior attempt failed. A latch
// that already completed successfully is reused as-is: StartVisuAuthentication
// is a no-op once VisuAuthenticated (spec §4.3 holds the visu hash until
// session end or rotation), so replacing a succeeded latch here would wait
// on a cycle nothing will ever signal.
func (s *Session) ensureVisuLatch(ctx context.Context) *latch {
	s.connMu.Lock()
	if s.visuLatch == nil || s.visuLatch.failed() {
		s.visuLatch = newLatch()
		l := s.visuLatch
		s.connMu.Unlock()
		if err := s.authEngine.StartVisuAuthentication(ctx); err != nil {
			l.signal(fmt.Errorf("%w: %v", protocol.ErrConnectionFailure, err))
		}
		return l
	}
	l := s.visuLatch
	s.connMu.Unlock()
	return l
}

func (s *Session) currentAuthLatch() *latch {
	s.connMu.RLock()
	defer s.connMu.RUnlock()
	return s.authLatch
}

// withReaderLock holds the connection slot's read side for the duration of
// fn, so no sender races a reconnection that would replace the transport
// out from under it.
func (s *Session) withReaderLock(fn func() error) error {
	s.connMu.RLock()
	defer s.connMu.RUnlock()
	return fn()
}

// enqueueAndSend enqueues cmd before writing to the wire, closing the C2
// race spec §4.2/§9 flags rather than merely tolerating it.
func (s *Session) enqueueAndSend(cmd any) error {
	switch c := cmd.(type) {
	case protocol.Command:
		s.registry.Submit(c)
	case protocol.SecuredCommand:
		s.registry.Submit(c.Command())
	}

	text, err := wire.EncodeCommand(cmd)
	if err != nil {
		return fmt.Errorf("%w: %v", protocol.ErrConnectionFailure, err)
	}

	if s.transport == nil || !s.transport.IsOpen() {
		return fmt.Errorf("%w: transport not open", protocol.ErrConnectionFailure)
	}
	if err := s.transport.Send(text); err != nil {
		return fmt.Errorf("%w: %v", protocol.ErrConnectionFailure, err)
	}
	return nil
}

// submitAuthCommand is the auth engine's CommandSender: it enqueues and
// writes directly, bypassing the latch wait the ordinary send path
// performs, since the auth engine is precisely what the latch is waiting on.
func (s *Session) submitAuthCommand(ctx context.Context, cmd protocol.Command) error {
	return s.withReaderLock(func() error {
		return s.enqueueAndSend(cmd)
	})
}

func (s *Session) closeTransportOnAuthTimeout() error {
	s.connMu.RLock()
	t := s.transport
	s.connMu.RUnlock()
	if t == nil {
		return nil
	}
	return t.CloseBlocking()
}

// retryOrFail implements the back-off-and-recurse tail of sendWithRetry /
// sendSecureWithRetry.
func (s *Session) retryOrFail(ctx context.Context, cmd protocol.Command, retriesLeft int, cause error, retry func(context.Context, protocol.Command, int) error) error {
	if retriesLeft <= 0 {
		return fmt.Errorf("%w: %v", protocol.ErrAuthTimeoutExceeded, cause)
	}
	select {
	case <-time.After(DefaultRetryBackoff):
	case <-ctx.Done():
		return fmt.Errorf("%w: %v", protocol.ErrInterrupted, ctx.Err())
	}
	return retry(ctx, cmd, retriesLeft-1)
}

// ConnectionOpened implements protocol.TransportController. Authentication
// is always driven asynchronously, off the transport's own I/O goroutine.
func (s *Session) ConnectionOpened() {
	s.cancelAutoRestart()
	s.setState(StateAuthenticating)
	s.scheduler.Schedule(0, func() {
		ctx := context.Background()
		if err := s.authEngine.StartAuthentication(ctx); err != nil {
			s.log.Warn("post-open authentication failed to start", "error", err)
		}
	})
	s.notifyWSListeners(func(l protocol.LoxoneWebSocketListener) { l.Opened() })
}

// ProcessMessage implements protocol.TransportController.
func (s *Session) ProcessMessage(text string) {
	s.dispatcher.ProcessText(context.Background(), text)
}

// ProcessEvents implements protocol.TransportController.
func (s *Session) ProcessEvents(header protocol.MessageHeader, payload []byte) {
	s.dispatcher.ProcessBinary(header, payload)
}

// ConnectionClosed implements protocol.TransportController.
func (s *Session) ConnectionClosed(code int, remote bool) {
	s.setState(StateDisconnected)
	if remote {
		s.notifyWSListeners(func(l protocol.LoxoneWebSocketListener) { l.RemoteClosed() })
		_, _, _, autoRestart := s.tuning()
		if autoRestart {
			s.armAutoRestart()
		}
	} else {
		s.notifyWSListeners(func(l protocol.LoxoneWebSocketListener) { l.LocalClosed() })
	}
}

// WSClosed implements protocol.TransportController: drain C2, reset C3, and
// fail any latch nothing will ever signal again.
func (s *Session) WSClosed() {
	s.registry.Drain()
	s.authEngine.WSClosed()

	s.connMu.Lock()
	if s.authLatch != nil {
		s.authLatch.signal(protocol.ErrConnectionFailure)
	}
	if s.visuLatch != nil {
		s.visuLatch.signal(protocol.ErrConnectionFailure)
	}
	s.authLatch = nil
	s.visuLatch = nil
	s.transport = nil
	s.connMu.Unlock()
}

// AuthCompleted implements protocol.AuthListener.
func (s *Session) AuthCompleted() {
	s.setState(StateReady)
	s.connMu.RLock()
	l := s.authLatch
	s.connMu.RUnlock()
	if l == nil {
		s.log.Error("auth completed with no active latch", "error", protocol.ErrInvariantViolation)
		return
	}
	l.signal(nil)
}

// VisuAuthCompleted implements protocol.AuthListener.
func (s *Session) VisuAuthCompleted() {
	s.connMu.RLock()
	l := s.visuLatch
	s.connMu.RUnlock()
	if l == nil {
		s.log.Error("visu auth completed with no active latch", "error", protocol.ErrInvariantViolation)
		return
	}
	l.signal(nil)
}

func (s *Session) notifyWSListeners(fn func(protocol.LoxoneWebSocketListener)) {
	s.wsListenersMu.RLock()
	listeners := make([]protocol.LoxoneWebSocketListener, len(s.wsListeners))
	copy(listeners, s.wsListeners)
	s.wsListenersMu.RUnlock()
	for _, l := range listeners {
		fn(l)
	}
}

// armAutoRestart schedules a periodic ensureConnection at the cadence spec
// §4.4 defines: (retries+1)*authTimeoutSeconds + 1 seconds. It is
// idempotent — a restart already armed is left alone — and rate-limited so
// a burst of remote-close notifications can never arm more than one.
func (s *Session) armAutoRestart() {
	if !s.restartLimiter.Allow() {
		return
	}
	s.restartMu.Lock()
	defer s.restartMu.Unlock()
	if s.restartTask != nil {
		return
	}
	authTimeout, _, retries, _ := s.tuning()
	interval := time.Duration(retries+1)*authTimeout + time.Second
	s.restartTask = s.scheduler.SchedulePeriodic(interval, func() {
		if err := s.ensureConnection(context.Background()); err != nil {
			s.log.Warn("auto-restart ensureConnection failed", "error", err)
		}
	})
}

// cancelAutoRestart is invoked from connectionOpened: the moment a
// connection is re-established, any pending periodic restart is cancelled.
func (s *Session) cancelAutoRestart() {
	s.restartMu.Lock()
	defer s.restartMu.Unlock()
	if s.restartTask != nil {
		s.restartTask.Cancel()
		s.restartTask = nil
	}
}

// Close shuts down the scheduler and closes the transport blocking-style.
// Interruption is propagated, never swallowed, per spec §5/§7.
func (s *Session) Close() error {
	var closeErr error
	s.closeOnce.Do(func() {
		s.setState(StateClosing)
		s.cancelAutoRestart()
		s.scheduler.Stop()

		s.connMu.RLock()
		t := s.transport
		s.connMu.RUnlock()
		if t != nil {
			if err := t.CloseBlocking(); err != nil {
				closeErr = fmt.Errorf("%w: %v", protocol.ErrInterrupted, err)
			}
		}
	})
	return closeErr
}
