package syncengine

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// Transport is the bidirectional channel to the sync peer.
type Transport interface {
	Connect(ctx context.Context) error
	Send(msg WireMessage) error
	Receive() <-chan WireMessage
	Connected() bool
	Close() error
}

const (
	wsWriteWait  = 10 * time.Second
	wsPongWait   = 60 * time.Second
	wsPingPeriod = 30 * time.Second
)

// WebSocketTransport speaks the sync protocol over a websocket, with
// ping/pong keepalive.
type WebSocketTransport struct {
	url     string
	token   string
	mu      sync.Mutex
	conn    *websocket.Conn
	inbox   chan WireMessage
	closed  bool
	stopPng chan struct{}
}

// NewWebSocketTransport creates a transport for the given ws:// URL.
// token is presented in the auth message after connect.
func NewWebSocketTransport(url, token string) *WebSocketTransport {
	return &WebSocketTransport{
		url:   url,
		token: token,
		inbox: make(chan WireMessage, 64),
	}
}

// Connect dials the peer and starts the read and keepalive loops.
func (t *WebSocketTransport) Connect(ctx context.Context) error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return fmt.Errorf("syncengine: transport closed")
	}
	if t.conn != nil {
		t.mu.Unlock()
		return nil
	}
	t.mu.Unlock()

	dialer := websocket.Dialer{HandshakeTimeout: 5 * time.Second}
	conn, resp, err := dialer.DialContext(ctx, t.url, nil)
	if err != nil {
		return fmt.Errorf("syncengine: dial %s: %w", t.url, err)
	}
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}

	t.mu.Lock()
	t.conn = conn
	t.stopPng = make(chan struct{})
	t.mu.Unlock()

	_ = conn.SetReadDeadline(time.Now().Add(wsPongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(wsPongWait))
	})

	go t.pingLoop(conn)
	go t.readLoop(conn)

	auth, err := json.Marshal(map[string]string{"token": t.token})
	if err != nil {
		return err
	}
	return t.Send(WireMessage{Kind: KindAuth, Payload: auth})
}

func (t *WebSocketTransport) pingLoop(conn *websocket.Conn) {
	ticker := time.NewTicker(wsPingPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			_ = conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-t.stopPng:
			return
		}
	}
}

func (t *WebSocketTransport) readLoop(conn *websocket.Conn) {
	defer t.dropConn(conn)
	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			return
		}
		msg, err := ParseWireMessage(raw)
		if err != nil {
			continue // malformed frames are dropped, not fatal
		}
		select {
		case t.inbox <- msg:
		default:
			// Inbox full: drop the oldest to keep the link live.
			select {
			case <-t.inbox:
			default:
			}
			t.inbox <- msg
		}
	}
}

func (t *WebSocketTransport) dropConn(conn *websocket.Conn) {
	t.mu.Lock()
	if t.conn == conn {
		t.conn = nil
		close(t.stopPng)
	}
	t.mu.Unlock()
	_ = conn.Close()
}

// Send writes one frame. Fails when disconnected.
func (t *WebSocketTransport) Send(msg WireMessage) error {
	t.mu.Lock()
	conn := t.conn
	t.mu.Unlock()
	if conn == nil {
		return fmt.Errorf("syncengine: not connected")
	}
	raw, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	_ = conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
	return conn.WriteMessage(websocket.TextMessage, raw)
}

// Receive returns the inbound message channel.
func (t *WebSocketTransport) Receive() <-chan WireMessage { return t.inbox }

// Connected reports whether a live connection exists.
func (t *WebSocketTransport) Connected() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.conn != nil
}

// Close shuts the transport down permanently.
func (t *WebSocketTransport) Close() error {
	t.mu.Lock()
	t.closed = true
	conn := t.conn
	t.conn = nil
	if conn != nil {
		close(t.stopPng)
	}
	t.mu.Unlock()
	if conn != nil {
		return conn.Close()
	}
	return nil
}

// ServerTransport is the gateway side of the sync channel: inbound
// websocket peers attach to it, one active peer at a time (the newest
// connection wins). It satisfies Transport, so the same engine drives
// both roles.
type ServerTransport struct {
	authenticate func(token string) bool
	mu           sync.Mutex
	conn         *websocket.Conn
	inbox        chan WireMessage
}

// NewServerTransport creates a server transport. authenticate gates the
// in-band auth message; nil accepts every peer (loopback deployments).
func NewServerTransport(authenticate func(token string) bool) *ServerTransport {
	return &ServerTransport{
		authenticate: authenticate,
		inbox:        make(chan WireMessage, 256),
	}
}

// ServeHTTP upgrades an inbound request and pumps its frames. The first
// frame must be an auth message when an authenticator is configured.
func (t *ServerTransport) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	upgrader := websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		// The gateway is loopback/LAN-bound; token auth happens in-band.
		CheckOrigin: func(*http.Request) bool { return true },
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}

	if t.authenticate != nil {
		_ = conn.SetReadDeadline(time.Now().Add(wsWriteWait))
		_, raw, err := conn.ReadMessage()
		if err != nil {
			_ = conn.Close()
			return
		}
		msg, err := ParseWireMessage(raw)
		if err != nil || msg.Kind != KindAuth {
			_ = conn.Close()
			return
		}
		var auth struct {
			Token string `json:"token"`
		}
		if err := json.Unmarshal(msg.Payload, &auth); err != nil || !t.authenticate(auth.Token) {
			_ = conn.Close()
			return
		}
		_ = conn.SetReadDeadline(time.Time{})
	}

	t.mu.Lock()
	old := t.conn
	t.conn = conn
	t.mu.Unlock()
	if old != nil {
		_ = old.Close()
	}

	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			break
		}
		msg, err := ParseWireMessage(raw)
		if err != nil {
			continue
		}
		select {
		case t.inbox <- msg:
		default:
		}
	}

	t.mu.Lock()
	if t.conn == conn {
		t.conn = nil
	}
	t.mu.Unlock()
	_ = conn.Close()
}

// Connect is a no-op: peers dial in.
func (t *ServerTransport) Connect(context.Context) error { return nil }

// Send writes to the active peer.
func (t *ServerTransport) Send(msg WireMessage) error {
	t.mu.Lock()
	conn := t.conn
	t.mu.Unlock()
	if conn == nil {
		return fmt.Errorf("syncengine: no peer attached")
	}
	raw, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	_ = conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
	return conn.WriteMessage(websocket.TextMessage, raw)
}

// Receive returns the inbound frame channel.
func (t *ServerTransport) Receive() <-chan WireMessage { return t.inbox }

// Connected reports whether a peer is attached.
func (t *ServerTransport) Connected() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.conn != nil
}

// Close drops the active peer.
func (t *ServerTransport) Close() error {
	t.mu.Lock()
	conn := t.conn
	t.conn = nil
	t.mu.Unlock()
	if conn != nil {
		return conn.Close()
	}
	return nil
}

// PipeTransport is an in-memory transport pair for tests and same-process
// peers.
type PipeTransport struct {
	mu        sync.Mutex
	peer      *PipeTransport
	inbox     chan WireMessage
	connected bool
}

// NewPipe creates a connected transport pair.
func NewPipe() (*PipeTransport, *PipeTransport) {
	a := &PipeTransport{inbox: make(chan WireMessage, 256)}
	b := &PipeTransport{inbox: make(chan WireMessage, 256)}
	a.peer, b.peer = b, a
	return a, b
}

func (p *PipeTransport) Connect(context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.connected = true
	return nil
}

// SetConnected toggles the link, simulating outages.
func (p *PipeTransport) SetConnected(up bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.connected = up
}

func (p *PipeTransport) Send(msg WireMessage) error {
	p.mu.Lock()
	up := p.connected
	p.mu.Unlock()
	if !up {
		return fmt.Errorf("syncengine: pipe down")
	}
	p.peer.inbox <- msg
	return nil
}

func (p *PipeTransport) Receive() <-chan WireMessage { return p.inbox }

func (p *PipeTransport) Connected() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.connected
}

func (p *PipeTransport) Close() error {
	p.SetConnected(false)
	return nil
}
