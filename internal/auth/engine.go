// Package auth implements the authentication engine (C3): the primary
// token handshake (key-exchange, getkey2, gettoken, scheduled refresh) and
// the secondary visualisation handshake (getvisusalt, authwithvisuhash)
// that gates SecuredCommand delivery. The engine never touches a socket
// directly; it is driven by a CommandSender callback the session controller
// supplies, and it registers itself as a protocol.CommandResponseListener
// so the dispatcher routes handshake responses straight back to it.
package auth

import (
	"context"
	"crypto/rsa"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/kjellberg/loxone/protocol"
)

// refreshFraction is how far into a token's validity window the engine
// schedules its renewal (spec §4.3 step 5: "at roughly 80% of validity").
const refreshFraction = 0.8

// CommandSender submits cmd for delivery over the active session. The
// engine never blocks on a reply; correlation happens later, through
// OnCommand, once the dispatcher pairs the response with this command.
type CommandSender func(ctx context.Context, cmd protocol.Command) error

// Config is the per-session identity the engine authenticates with.
type Config struct {
	User     string
	Password string

	VisuUser     string
	VisuPassword string

	// TokenPermission is the LL permission level requested in gettoken (2
	// for a web app, 4 for a standalone app).
	TokenPermission int
	ClientUUID      string
	ClientInfo      string
}

// Engine is the auth engine (C3).
type Engine struct {
	cfg         Config
	httpFetcher protocol.HTTPFetcher
	scheduler   protocol.Scheduler
	send        CommandSender
	log         *slog.Logger

	mu          sync.Mutex
	state       State
	visuState   VisuState
	publicKey   *rsa.PublicKey
	pendingKey  sessionKey
	activeKey   sessionKey
	token       string
	tokenExpiry time.Time
	visuHash    string
	refreshTask protocol.ScheduledTask
	listener    protocol.AuthListener
}

// New creates an auth engine. SetListener should be called before the
// first StartAuthentication so AuthCompleted/VisuAuthCompleted are not missed.
func New(cfg Config, httpFetcher protocol.HTTPFetcher, scheduler protocol.Scheduler, sender CommandSender, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{
		cfg:         cfg,
		httpFetcher: httpFetcher,
		scheduler:   scheduler,
		send:        sender,
		log:         logger,
		state:       StateUninitialised,
		visuState:   VisuUninitialised,
	}
}

// SetListener registers the session controller's AuthListener.
func (e *Engine) SetListener(l protocol.AuthListener) {
	e.mu.Lock()
	e.listener = l
	e.mu.Unlock()
}

// State reports the engine's current primary handshake state.
func (e *Engine) State() State {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

// VisuState reports the engine's current visualisation handshake state.
func (e *Engine) VisuState() VisuState {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.visuState
}

// Accepts claims every response category the handshakes produce.
func (e *Engine) Accepts(category protocol.ResponseCategory) bool {
	switch category {
	case protocol.ResponseCategoryMessage,
		protocol.ResponseCategorySalt,
		protocol.ResponseCategoryToken,
		protocol.ResponseCategoryVisuSalt,
		protocol.ResponseCategoryVisuAuth:
		return true
	default:
		return false
	}
}

// OnCommand routes a delivered handshake response to its handler. A
// Message-category response is only ours if it is the key-exchange ack;
// everything else under that category belongs to ordinary application
// listeners and is left Ignored.
func (e *Engine) OnCommand(cmd protocol.Command, msg any) protocol.ResponseState {
	switch cmd.Category {
	case protocol.ResponseCategoryMessage:
		if cmd.ControlFragment != "keyexchange" {
			return protocol.Ignored
		}
		e.handleKeyExchangeAck(msg)
		return protocol.Consumed
	case protocol.ResponseCategorySalt:
		e.handleSalt(msg)
		return protocol.Consumed
	case protocol.ResponseCategoryToken:
		e.handleToken(msg)
		return protocol.Consumed
	case protocol.ResponseCategoryVisuSalt:
		e.handleVisuSalt(msg)
		return protocol.Consumed
	case protocol.ResponseCategoryVisuAuth:
		e.handleVisuAuth(msg)
		return protocol.Consumed
	default:
		return protocol.Ignored
	}
}

// Initialise performs the HTTP bootstrap: it fetches API info (logged,
// never fatal) and the miniserver's RSA public key, which every later
// key-exchange attempt reuses. It is idempotent; calling it again simply
// re-fetches the key, which is harmless and occasionally necessary after a
// miniserver firmware update rotates it.
func (e *Engine) Initialise(ctx context.Context) error {
	if _, err := e.httpFetcher.Get(ctx, "jdev/cfg/apiinfo"); err != nil {
		e.log.Warn("api info fetch failed, continuing without it", "error", err)
	}

	msg, err := e.httpFetcher.Get(ctx, "jdev/sys/getPublicKey")
	if err != nil {
		return fmt.Errorf("auth: fetching public key: %w", err)
	}
	pemText, ok := msg.Value.(string)
	if !ok {
		return fmt.Errorf("auth: public key response: %w: expected string value, got %T", protocol.ErrBadMessage, msg.Value)
	}
	pub, err := parsePublicKeyPEM(pemText)
	if err != nil {
		return err
	}

	e.mu.Lock()
	e.publicKey = pub
	e.mu.Unlock()
	return nil
}

// StartAuthentication (re)starts the primary handshake. It is a no-op if a
// valid token is already held; from StateFailed it restarts from scratch.
func (e *Engine) StartAuthentication(ctx context.Context) error {
	e.mu.Lock()
	if e.state == StateTokenIssued && time.Now().Before(e.tokenExpiry) {
		e.mu.Unlock()
		return nil
	}
	if e.state == StateFailed {
		e.state = StateUninitialised
	}
	e.mu.Unlock()

	return e.beginKeyExchange(ctx)
}

func (e *Engine) beginKeyExchange(ctx context.Context) error {
	e.mu.Lock()
	pub := e.publicKey
	e.mu.Unlock()
	if pub == nil {
		return fmt.Errorf("auth: public key not available; Initialise must run first")
	}

	sk, err := newSessionKey()
	if err != nil {
		return err
	}
	cipherHex, err := sk.encryptForKeyExchange(pub)
	if err != nil {
		return err
	}

	e.mu.Lock()
	e.pendingKey = sk
	e.mu.Unlock()

	cmd := protocol.Command{
		Text:              fmt.Sprintf("jdev/sys/keyexchange/%s", cipherHex),
		Category:          protocol.ResponseCategoryMessage,
		ControlFragment:   "keyexchange",
		SupportsWebSocket: true,
	}
	return e.send(ctx, cmd)
}

func (e *Engine) handleKeyExchangeAck(msg any) {
	if err, isErr := msg.(error); isErr {
		e.log.Warn("key exchange failed", "error", err)
		e.fail()
		return
	}

	e.mu.Lock()
	e.activeKey = e.pendingKey
	e.state = StateKeyExchanged
	e.mu.Unlock()

	cmd := protocol.Command{
		Text:              fmt.Sprintf("jdev/sys/getkey2/%s", e.cfg.User),
		Category:          protocol.ResponseCategorySalt,
		SupportsWebSocket: true,
	}
	if err := e.send(context.Background(), cmd); err != nil {
		e.log.Warn("sending getkey2 failed", "error", err)
		e.fail()
	}
}

func (e *Engine) handleSalt(msg any) {
	if err, isErr := msg.(error); isErr {
		e.log.Warn("getkey2 failed", "error", err)
		e.fail()
		return
	}
	salt, ok := msg.(protocol.SaltResponse)
	if !ok {
		e.log.Warn("getkey2: unexpected response type", "type", fmt.Sprintf("%T", msg))
		e.fail()
		return
	}

	hash, err := userHash(salt.HashAlg, e.cfg.Password, salt.Salt, salt.Key)
	if err != nil {
		e.log.Warn("computing user hash failed", "error", err)
		e.fail()
		return
	}

	e.mu.Lock()
	e.state = StateChallenged
	e.mu.Unlock()

	cmd := protocol.Command{
		Text: fmt.Sprintf("jdev/sys/gettoken/%s/%s/%d/%s/%s",
			hash, e.cfg.User, e.cfg.TokenPermission, e.cfg.ClientUUID, e.cfg.ClientInfo),
		Category:          protocol.ResponseCategoryToken,
		SupportsWebSocket: true,
	}
	if err := e.send(context.Background(), cmd); err != nil {
		e.log.Warn("sending gettoken failed", "error", err)
		e.fail()
	}
}

func (e *Engine) handleToken(msg any) {
	if err, isErr := msg.(error); isErr {
		e.log.Warn("gettoken failed", "error", err)
		e.fail()
		return
	}
	tok, ok := msg.(protocol.TokenResponse)
	if !ok {
		e.log.Warn("gettoken: unexpected response type", "type", fmt.Sprintf("%T", msg))
		e.fail()
		return
	}

	e.mu.Lock()
	wasIssued := e.state == StateTokenIssued || e.state == StateRefreshing
	e.token = tok.Token
	e.tokenExpiry = time.Now().Add(tok.ValidFor())
	e.state = StateTokenIssued
	if e.refreshTask != nil {
		e.refreshTask.Cancel()
	}
	delay := time.Duration(float64(tok.ValidFor()) * refreshFraction)
	e.refreshTask = e.scheduler.Schedule(delay, e.refreshToken)
	listener := e.listener
	e.mu.Unlock()

	if !wasIssued && listener != nil {
		listener.AuthCompleted()
	}
}

// refreshToken re-requests a token before the current one expires. It reuses
// the already-issued token rather than repeating the getkey2 challenge;
// the miniserver's refreshtoken command accepts the current token as proof
// of identity for its own renewal.
func (e *Engine) refreshToken() {
	e.mu.Lock()
	e.state = StateRefreshing
	token := e.token
	e.mu.Unlock()

	cmd := protocol.Command{
		Text:              fmt.Sprintf("jdev/sys/refreshtoken/%s/%s", token, e.cfg.User),
		Category:          protocol.ResponseCategoryToken,
		SupportsWebSocket: true,
	}
	if sendErr := e.send(context.Background(), cmd); sendErr != nil {
		e.log.Warn("sending refreshtoken failed", "error", sendErr)
		e.fail()
	}
}

// StartVisuAuthentication (re)starts the secondary visualisation handshake.
// It is a no-op once authenticated; from VisuFailed it restarts from scratch.
func (e *Engine) StartVisuAuthentication(ctx context.Context) error {
	e.mu.Lock()
	if e.visuState == VisuAuthenticated {
		e.mu.Unlock()
		return nil
	}
	if e.visuState == VisuFailed {
		e.visuState = VisuUninitialised
	}
	e.visuState = VisuSaltRequested
	e.mu.Unlock()

	cmd := protocol.Command{
		Text:              fmt.Sprintf("jdev/sys/getvisusalt/%s", e.cfg.VisuUser),
		Category:          protocol.ResponseCategoryVisuSalt,
		SupportsWebSocket: true,
	}
	return e.send(ctx, cmd)
}

func (e *Engine) handleVisuSalt(msg any) {
	if err, isErr := msg.(error); isErr {
		e.log.Warn("getvisusalt failed", "error", err)
		e.failVisu()
		return
	}
	salt, ok := msg.(protocol.VisuSaltResponse)
	if !ok {
		e.log.Warn("getvisusalt: unexpected response type", "type", fmt.Sprintf("%T", msg))
		e.failVisu()
		return
	}

	hash, err := userHash("", e.cfg.VisuPassword, salt.Salt, salt.Key)
	if err != nil {
		e.log.Warn("computing visu hash failed", "error", err)
		e.failVisu()
		return
	}

	e.mu.Lock()
	e.visuHash = hash
	e.mu.Unlock()

	cmd := protocol.Command{
		Text:              fmt.Sprintf("jdev/sys/authwithvisuhash/%s/%s", hash, e.cfg.VisuUser),
		Category:          protocol.ResponseCategoryVisuAuth,
		SupportsWebSocket: true,
	}
	if err := e.send(context.Background(), cmd); err != nil {
		e.log.Warn("sending authwithvisuhash failed", "error", err)
		e.failVisu()
	}
}

func (e *Engine) handleVisuAuth(msg any) {
	if err, isErr := msg.(error); isErr {
		e.log.Warn("authwithvisuhash failed", "error", err)
		e.failVisu()
		return
	}

	e.mu.Lock()
	e.visuState = VisuAuthenticated
	listener := e.listener
	e.mu.Unlock()

	if listener != nil {
		listener.VisuAuthCompleted()
	}
}

// ComputeVisuHash returns the wire-ready hash a SecuredCommand needs. It is
// only valid once VisuState is VisuAuthenticated; callers (the session
// controller) are expected to gate on the visu latch before ever calling it.
func (e *Engine) ComputeVisuHash() (string, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.visuState != VisuAuthenticated {
		return "", fmt.Errorf("auth: visu hash requested before visu authentication completed")
	}
	return e.visuHash, nil
}

// WSClosed resets the engine to its pre-handshake state. A new WebSocket
// session always starts from a fresh key-exchange; nothing from a previous
// connection's session key, token, or visu hash survives.
func (e *Engine) WSClosed() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.refreshTask != nil {
		e.refreshTask.Cancel()
		e.refreshTask = nil
	}
	e.state = StateUninitialised
	e.visuState = VisuUninitialised
	e.pendingKey = sessionKey{}
	e.activeKey = sessionKey{}
	e.token = ""
	e.visuHash = ""
}

func (e *Engine) fail() {
	e.mu.Lock()
	e.state = StateFailed
	if e.refreshTask != nil {
		e.refreshTask.Cancel()
		e.refreshTask = nil
	}
	e.mu.Unlock()
}

func (e *Engine) failVisu() {
	e.mu.Lock()
	e.visuState = VisuFailed
	e.mu.Unlock()
}
