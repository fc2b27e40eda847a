package loxone_test

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/hex"
	"encoding/pem"
	"encoding/binary"
	"fmt"
	"math"
	"regexp"
	"strings"
	"sync"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/google/uuid"
	"github.com/kjellberg/loxone"
	"github.com/kjellberg/loxone/internal/auth"
	"github.com/kjellberg/loxone/protocol"
)

// fakeHTTPFetcher serves the HTTP bootstrap (API info + public key) an auth
// engine needs before its first key-exchange attempt.
type fakeHTTPFetcher struct {
	publicKeyPEM string
}

func (f *fakeHTTPFetcher) Get(ctx context.Context, command string) (*protocol.LoxoneMessage, error) {
	switch command {
	case "jdev/cfg/apiinfo":
		return &protocol.LoxoneMessage{Code: protocol.CodeOK, Value: "12.0.0"}, nil
	case "jdev/sys/getPublicKey":
		return &protocol.LoxoneMessage{Code: protocol.CodeOK, Value: f.publicKeyPEM}, nil
	default:
		return nil, fmt.Errorf("fakeHTTPFetcher: unexpected command %q", command)
	}
}

func newFakeHTTPFetcher() *fakeHTTPFetcher {
	priv, err := rsa.GenerateKey(rand.Reader, 2048)
	Expect(err).NotTo(HaveOccurred())
	der, err := x509.MarshalPKIXPublicKey(&priv.PublicKey)
	Expect(err).NotTo(HaveOccurred())
	pemText := string(pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: der}))
	return &fakeHTTPFetcher{publicKeyPEM: pemText}
}

// fakeServer stands in for the miniserver: it answers the auth handshake
// (optionally injecting failures) and dispatches every other command to a
// test-supplied hook.
type fakeServer struct {
	mu sync.Mutex

	authAttempts  int
	failAuthUntil int // attempts 1..N get 401 on gettoken; attempt N+1 onward succeeds
	visuFail      bool

	onAppCommand func(text string) (control string, code int)
}

func newFakeServer() *fakeServer {
	return &fakeServer{
		onAppCommand: func(text string) (string, int) { return text, protocol.CodeOK },
	}
}

// handle simulates the miniserver's reply to one outbound wire command,
// invoking the appropriate controller callback asynchronously, the way a
// real transport's read pump would.
func (s *fakeServer) handle(tr *fakeTransport, text string) {
	switch {
	case strings.HasPrefix(text, "jdev/sys/keyexchange/"):
		s.mu.Lock()
		s.authAttempts++
		s.mu.Unlock()
		tr.deliver(`{"control":"jdev/sys/keyexchange/x","code":200,"value":true}`)

	case strings.HasPrefix(text, "jdev/sys/getkey2/"):
		tr.deliver(`{"control":"jdev/sys/getkey2/x","code":200,"value":{"Salt":"saltvalue","Key":"` +
			hex.EncodeToString([]byte("serverkeybytes12")) + `","HashAlg":"SHA1"}}`)

	case strings.HasPrefix(text, "jdev/sys/gettoken/"), strings.HasPrefix(text, "jdev/sys/refreshtoken/"):
		s.mu.Lock()
		fail := s.authAttempts <= s.failAuthUntil
		s.mu.Unlock()
		if fail {
			tr.deliver(`{"control":"jdev/sys/gettoken/x","code":401,"value":null}`)
			return
		}
		tr.deliver(`{"control":"jdev/sys/gettoken/x","code":200,"value":{"Token":"tok-abc","ValiditySeconds":3600,"KeyExchanged":true}}`)

	case strings.HasPrefix(text, "jdev/sys/getvisusalt/"):
		tr.deliver(`{"control":"jdev/sys/getvisusalt/x","code":200,"value":{"Salt":"visusalt","Key":"` +
			hex.EncodeToString([]byte("serverkeybytes12")) + `"}}`)

	case strings.HasPrefix(text, "jdev/sys/authwithvisuhash/"):
		s.mu.Lock()
		fail := s.visuFail
		s.mu.Unlock()
		if fail {
			tr.deliver(`{"control":"jdev/sys/authwithvisuhash/x","code":500,"value":null}`)
			return
		}
		tr.deliver(`{"control":"jdev/sys/authwithvisuhash/x","code":200,"value":null}`)

	default:
		control, code := s.onAppCommand(text)
		tr.deliver(fmt.Sprintf(`{"control":%q,"code":%d,"value":"1"}`, control, code))
	}
}

// fakeTransport is an in-memory protocol.WebSocketTransport standing in for
// the real gorilla/websocket one: Send hands off to the fake server, which
// replies asynchronously through the same controller callbacks a live
// readPump would use.
type fakeTransport struct {
	controller protocol.TransportController
	server     *fakeServer

	mu        sync.Mutex
	open      bool
	closed    bool
	sentTexts []string
}

func (t *fakeTransport) Connect(ctx context.Context) error {
	t.mu.Lock()
	t.open = true
	t.closed = false
	t.mu.Unlock()
	t.controller.ConnectionOpened()
	return nil
}

func (t *fakeTransport) IsOpen() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.open && !t.closed
}

func (t *fakeTransport) Send(text string) error {
	t.mu.Lock()
	if !t.open || t.closed {
		t.mu.Unlock()
		return fmt.Errorf("%w: send on closed fake transport", protocol.ErrConnectionFailure)
	}
	t.sentTexts = append(t.sentTexts, text)
	t.mu.Unlock()

	go t.server.handle(t, text)
	return nil
}

func (t *fakeTransport) deliver(text string) {
	t.mu.Lock()
	closed := t.closed
	t.mu.Unlock()
	if closed {
		return
	}
	t.controller.ProcessMessage(text)
}

func (t *fakeTransport) deliverBinary(header protocol.MessageHeader, payload []byte) {
	t.controller.ProcessEvents(header, payload)
}

func (t *fakeTransport) CloseBlocking() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	t.mu.Unlock()
	go func() {
		t.controller.ConnectionClosed(1000, false)
		t.controller.WSClosed()
	}()
	return nil
}

// simulateRemoteClose mimics the miniserver dropping the connection (e.g. a
// server restart), distinct from a client-initiated CloseBlocking.
func (t *fakeTransport) simulateRemoteClose() {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return
	}
	t.closed = true
	t.mu.Unlock()
	t.controller.ConnectionClosed(1006, true)
	t.controller.WSClosed()
}

func (t *fakeTransport) snapshotSent() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]string, len(t.sentTexts))
	copy(out, t.sentTexts)
	return out
}

// transportFactoryState tracks every fakeTransport a test's factory builds,
// in creation order, so a scenario can reach into a past connection (e.g.
// to force a remote close) after the session has already moved on.
type transportFactoryState struct {
	mu      sync.Mutex
	server  *fakeServer
	created []*fakeTransport
}

func newTransportFactory(server *fakeServer) (protocol.TransportFactory, *transportFactoryState) {
	state := &transportFactoryState{server: server}
	factory := func(controller protocol.TransportController, uri string) protocol.WebSocketTransport {
		tr := &fakeTransport{controller: controller, server: server}
		state.mu.Lock()
		state.created = append(state.created, tr)
		state.mu.Unlock()
		return tr
	}
	return factory, state
}

func (s *transportFactoryState) latest() *fakeTransport {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.created[len(s.created)-1]
}

func (s *transportFactoryState) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.created)
}

func newTestSession(server *fakeServer, opts ...loxone.Option) (*loxone.Session, *transportFactoryState) {
	factory, state := newTransportFactory(server)
	baseOpts := []loxone.Option{
		loxone.WithHTTPFetcher(newFakeHTTPFetcher()),
		loxone.WithTransportFactory(factory),
		loxone.WithAuthTimeout(80 * time.Millisecond),
		loxone.WithVisuTimeout(80 * time.Millisecond),
	}
	baseOpts = append(baseOpts, opts...)
	cfg := auth.Config{
		User:            "user",
		Password:        "pass",
		VisuUser:        "visu",
		VisuPassword:    "visupass",
		TokenPermission: 2,
		ClientUUID:      "11111111-1111-1111-1111-111111111111",
		ClientInfo:      "test-client",
	}
	s := loxone.New("ws://fake-miniserver/ws", "http://fake-miniserver", cfg, baseOpts...)
	return s, state
}

func encodeValueEventPayload(id uuid.UUID, value float64) []byte {
	buf := make([]byte, 24)
	copy(buf, id[:])
	binary.LittleEndian.PutUint64(buf[16:], math.Float64bits(value))
	return buf
}

var _ = Describe("Session controller", func() {

	// S1 — simple command.
	It("sends a plain command once the auth handshake completes", func() {
		server := newFakeServer()
		session, factory := newTestSession(server, loxone.WithRetries(0))
		defer session.Close()

		cmd := protocol.Command{Text: "testCmd", Category: protocol.ResponseCategoryMessage, ControlFragment: "testCmd", SupportsWebSocket: true}
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()

		Expect(session.SendCommand(ctx, cmd)).To(Succeed())

		Eventually(func() []string { return factory.latest().snapshotSent() }, time.Second).Should(ContainElement("testCmd"))
	})

	// S2 — bad credentials, retries=0.
	It("surfaces AuthTimeoutExceeded when the server always rejects the handshake", func() {
		server := newFakeServer()
		server.failAuthUntil = 1000 // never succeeds
		session, _ := newTestSession(server, loxone.WithRetries(0))
		defer session.Close()

		cmd := protocol.Command{Text: "baf", Category: protocol.ResponseCategoryMessage, ControlFragment: "baf", SupportsWebSocket: true}
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()

		err := session.SendCommand(ctx, cmd)
		Expect(err).To(HaveOccurred())
		Expect(err).To(MatchError(protocol.ErrAuthTimeoutExceeded))
	})

	// S3 — retry on bad credentials.
	It("succeeds on the attempt after four injected 401s, with retries=5", func() {
		server := newFakeServer()
		server.failAuthUntil = 4
		session, factory := newTestSession(server, loxone.WithRetries(5))
		defer session.Close()

		cmd := protocol.Command{Text: "baf", Category: protocol.ResponseCategoryMessage, ControlFragment: "baf", SupportsWebSocket: true}
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		Expect(session.SendCommand(ctx, cmd)).To(Succeed())
		Eventually(func() []string { return factory.latest().snapshotSent() }, time.Second).Should(ContainElement("baf"))
		Expect(factory.count()).To(BeNumerically(">=", 5))
	})

	// S4 — server restart.
	It("reconnects and re-authenticates after the server drops the connection", func() {
		server := newFakeServer()
		session, factory := newTestSession(server, loxone.WithRetries(3))
		defer session.Close()

		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()

		before := protocol.Command{Text: "beforeRestart", Category: protocol.ResponseCategoryMessage, ControlFragment: "beforeRestart", SupportsWebSocket: true}
		Expect(session.SendCommand(ctx, before)).To(Succeed())

		firstTransport := factory.latest()
		firstTransport.simulateRemoteClose()

		Eventually(func() bool { return !firstTransport.IsOpen() }, time.Second).Should(BeTrue())

		after := protocol.Command{Text: "afterRestart", Category: protocol.ResponseCategoryMessage, ControlFragment: "afterRestart", SupportsWebSocket: true}
		ctx2, cancel2 := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel2()
		Expect(session.SendCommand(ctx2, after)).To(Succeed())

		Expect(factory.count()).To(BeNumerically(">=", 2))
		secondTransport := factory.latest()
		Expect(secondTransport).NotTo(BeIdenticalTo(firstTransport))
		Eventually(func() []string { return secondTransport.snapshotSent() }, time.Second).Should(ContainElement("afterRestart"))
	})

	// S5 — secure command.
	It("triggers the visu handshake and sends the secured wire form", func() {
		server := newFakeServer()
		session, factory := newTestSession(server, loxone.WithRetries(0))
		defer session.Close()

		inner := protocol.Command{Text: "jdev/sps/io/abc/on", Category: protocol.ResponseCategoryMessage, ControlFragment: "abc", SupportsWebSocket: true}
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()

		Expect(session.SendSecureCommand(ctx, inner)).To(Succeed())

		var securedForm string
		Eventually(func() string {
			for _, text := range factory.latest().snapshotSent() {
				if strings.HasPrefix(text, "jdev/sps/ios/") {
					securedForm = text
					return text
				}
			}
			return ""
		}, time.Second).ShouldNot(BeEmpty())

		Expect(regexp.MustCompile(`^jdev/sps/ios/[0-9A-Fa-f]+/jdev/sps/io/abc/on$`).MatchString(securedForm)).To(BeTrue())
	})

	// S6 — binary value event.
	It("delivers a parsed ValueEvent from an EVENT_VALUE frame to every listener", func() {
		server := newFakeServer()
		session, factory := newTestSession(server, loxone.WithRetries(0))
		defer session.Close()

		type capture struct {
			mu     sync.Mutex
			events []protocol.Event
		}
		var cap1, cap2 capture
		session.RegisterEventListener(eventListenerFunc(func(e protocol.Event) {
			cap1.mu.Lock()
			cap1.events = append(cap1.events, e)
			cap1.mu.Unlock()
		}))
		session.RegisterEventListener(eventListenerFunc(func(e protocol.Event) {
			cap2.mu.Lock()
			cap2.events = append(cap2.events, e)
			cap2.mu.Unlock()
		}))

		// Prime a connection so a transport exists to push the binary frame through.
		cmd := protocol.Command{Text: "prime", Category: protocol.ResponseCategoryMessage, ControlFragment: "prime", SupportsWebSocket: true}
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		Expect(session.SendCommand(ctx, cmd)).To(Succeed())

		id := uuid.New()
		payload := encodeValueEventPayload(id, 21.5)
		factory.latest().deliverBinary(protocol.MessageHeader{Kind: protocol.FrameEventValue, PayloadLength: uint32(len(payload))}, payload)

		Eventually(func() int {
			cap1.mu.Lock()
			defer cap1.mu.Unlock()
			return len(cap1.events)
		}, time.Second).Should(Equal(1))
		Eventually(func() int {
			cap2.mu.Lock()
			defer cap2.mu.Unlock()
			return len(cap2.events)
		}, time.Second).Should(Equal(1))

		cap1.mu.Lock()
		ev, ok := cap1.events[0].(protocol.ValueEvent)
		cap1.mu.Unlock()
		Expect(ok).To(BeTrue())
		Expect(ev.UUID).To(Equal(id))
		Expect(ev.Value).To(Equal(21.5))
	})
})

type eventListenerFunc func(protocol.Event)

func (f eventListenerFunc) OnEvent(e protocol.Event) { f(e) }
