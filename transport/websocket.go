// Package transport provides the default protocol.WebSocketTransport and
// protocol.HTTPFetcher implementations, built on gorilla/websocket and
// net/http the same way the dial/read-pump/close-classification pattern is
// used elsewhere in this stack's WebSocket plumbing.
package transport

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"

	"github.com/gorilla/websocket"

	"github.com/kjellberg/loxone/protocol"
)

// WSTransport is a gorilla/websocket-backed protocol.WebSocketTransport. A
// fresh WSTransport is constructed for every connection attempt; Connect
// dials once and starts a read pump that feeds the owning controller until
// the socket closes.
type WSTransport struct {
	controller protocol.TransportController
	uri        string
	dialer     *websocket.Dialer

	mu     sync.Mutex
	conn   *websocket.Conn
	closed bool
}

// NewFactory returns a protocol.TransportFactory that builds WSTransports.
func NewFactory() protocol.TransportFactory {
	return func(controller protocol.TransportController, uri string) protocol.WebSocketTransport {
		return &WSTransport{
			controller: controller,
			uri:        uri,
			dialer: &websocket.Dialer{
				ReadBufferSize:  4096,
				WriteBufferSize: 4096,
			},
		}
	}
}

// Connect dials the miniserver and starts the read pump. It returns once
// the handshake completes; frame delivery happens asynchronously via the
// controller callbacks.
func (t *WSTransport) Connect(ctx context.Context) error {
	conn, _, err := t.dialer.DialContext(ctx, t.uri, nil)
	if err != nil {
		return fmt.Errorf("%w: dialing %s: %v", protocol.ErrConnectionFailure, t.uri, err)
	}

	t.mu.Lock()
	t.conn = conn
	t.closed = false
	t.mu.Unlock()

	t.controller.ConnectionOpened()
	go t.readPump()
	return nil
}

// IsOpen reports whether the socket is currently connected.
func (t *WSTransport) IsOpen() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.conn != nil && !t.closed
}

// Send writes a TEXT frame. Safe for concurrent use with readPump, per
// gorilla/websocket's one-writer/one-reader-goroutine contract — writes are
// serialized by this mutex, and there is exactly one reader goroutine.
func (t *WSTransport) Send(text string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.conn == nil || t.closed {
		return fmt.Errorf("%w: send on closed transport", protocol.ErrConnectionFailure)
	}
	if err := t.conn.WriteMessage(websocket.TextMessage, []byte(text)); err != nil {
		return fmt.Errorf("%w: %v", protocol.ErrConnectionFailure, err)
	}
	return nil
}

// CloseBlocking marks the transport closed and closes the socket. It returns
// as soon as the socket is closed; it does not wait for the read pump, which
// reports the local close to the controller once its pending read fails.
func (t *WSTransport) CloseBlocking() error {
	t.mu.Lock()
	conn := t.conn
	t.closed = true
	t.mu.Unlock()
	if conn == nil {
		return nil
	}
	return conn.Close()
}

func (t *WSTransport) readPump() {
	for {
		t.mu.Lock()
		conn := t.conn
		t.mu.Unlock()
		if conn == nil {
			return
		}

		messageType, payload, err := conn.ReadMessage()
		if err != nil {
			t.mu.Lock()
			remote := !t.closed
			t.closed = true
			t.mu.Unlock()
			code := websocket.CloseNoStatusReceived
			if ce, ok := err.(*websocket.CloseError); ok {
				code = ce.Code
			}
			t.controller.ConnectionClosed(code, remote)
			t.controller.WSClosed()
			return
		}

		switch messageType {
		case websocket.TextMessage:
			t.controller.ProcessMessage(string(payload))
		case websocket.BinaryMessage:
			t.dispatchBinary(payload)
		}
	}
}

func (t *WSTransport) dispatchBinary(payload []byte) {
	header, err := parseHeaderOrDrop(payload)
	if err != nil {
		return
	}
	t.controller.ProcessEvents(header, payload[headerLen:])
}

const headerLen = 8

func parseHeaderOrDrop(b []byte) (protocol.MessageHeader, error) {
	if len(b) < headerLen {
		return protocol.MessageHeader{}, io.ErrUnexpectedEOF
	}
	return protocol.MessageHeader{
		Kind:          protocol.FrameKind(b[1]),
		Flags:         b[2],
		PayloadLength: uint32(len(b) - headerLen),
	}, nil
}

// HTTPFetcher is the default protocol.HTTPFetcher: a plain net/http GET
// against the miniserver's LL command endpoint, used only for the
// pre-WebSocket auth bootstrap (API info, public key).
type HTTPFetcher struct {
	BaseURL string
	Client  *http.Client
}

// NewHTTPFetcher creates an HTTPFetcher rooted at baseURL (e.g. "http://miniserver").
func NewHTTPFetcher(baseURL string) *HTTPFetcher {
	return &HTTPFetcher{BaseURL: baseURL, Client: http.DefaultClient}
}

// Get issues command as an HTTP GET and parses the JSON envelope.
func (f *HTTPFetcher) Get(ctx context.Context, command string) (*protocol.LoxoneMessage, error) {
	url := fmt.Sprintf("%s/%s", f.BaseURL, command)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: building request: %v", protocol.ErrConnectionFailure, err)
	}

	resp, err := f.Client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", protocol.ErrConnectionFailure, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("%w: reading body: %v", protocol.ErrConnectionFailure, err)
	}

	var msg protocol.LoxoneMessage
	if err := json.Unmarshal(body, &msg); err != nil {
		return nil, fmt.Errorf("%w: %v", protocol.ErrBadMessage, err)
	}
	return &msg, nil
}
