package wsduplex

import (
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/0xlynett/piercer/pkg/rpc"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// Acceptor is a server-mode rpc.Transport multiplexing many inbound
// WebSocket connections, each addressed by the connID handed to Accept.
type Acceptor struct {
	inbound   chan rpc.InboundMessage
	lifecycle chan rpc.LifecycleEvent

	mu      sync.RWMutex
	clients map[string]*Conn
}

// Conn is one accepted connection. A new connection for an already-known
// connID displaces the old one in the Acceptor's routing table, but the old
// Conn value stays valid, so callers holding it (e.g. an eviction path) can
// still close that specific connection.
type Conn struct {
	id     string
	conn   *websocket.Conn
	sendMu sync.Mutex
}

// CloseWith writes a close frame with code/reason on this specific
// connection and tears it down.
func (c *Conn) CloseWith(code int, reason string) error {
	c.sendMu.Lock()
	msg := websocket.FormatCloseMessage(code, reason)
	c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	_ = c.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeWait))
	c.sendMu.Unlock()
	return c.conn.Close()
}

// NewAcceptor creates an empty Acceptor. Accept registers new connections
// as they arrive.
func NewAcceptor() *Acceptor {
	return &Acceptor{
		inbound:   make(chan rpc.InboundMessage, 256),
		lifecycle: make(chan rpc.LifecycleEvent, 64),
		clients:   make(map[string]*Conn),
	}
}

func (a *Acceptor) Inbound() <-chan rpc.InboundMessage   { return a.inbound }
func (a *Acceptor) Lifecycle() <-chan rpc.LifecycleEvent { return a.lifecycle }

// Send writes data to the current connection for connID.
func (a *Acceptor) Send(connID string, data []byte) error {
	a.mu.RLock()
	c, ok := a.clients[connID]
	a.mu.RUnlock()
	if !ok {
		return websocket.ErrCloseSent
	}
	c.sendMu.Lock()
	defer c.sendMu.Unlock()
	c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return c.conn.WriteMessage(websocket.TextMessage, data)
}

// Close closes connID's current connection with the given close
// code/reason.
func (a *Acceptor) Close(connID string, code int, reason string) error {
	a.mu.RLock()
	c, ok := a.clients[connID]
	a.mu.RUnlock()
	if !ok {
		return nil
	}
	return c.CloseWith(code, reason)
}

// Reject upgrades r just long enough to write a close frame with
// code/reason and tear the connection down, without registering it as a
// live connection. Used for auth failures: the handshake must
// complete before a WebSocket close code can be sent at all, so rejection
// happens post-upgrade rather than as a plain HTTP error.
func (a *Acceptor) Reject(w http.ResponseWriter, r *http.Request, code int, reason string) error {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return err
	}
	msg := websocket.FormatCloseMessage(code, reason)
	conn.SetWriteDeadline(time.Now().Add(writeWait))
	_ = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeWait))
	return conn.Close()
}

// Accept upgrades r to a WebSocket and registers it under connID, so the
// connection is reachable through Send before the caller does anything
// else with it (e.g. registering the agent for dispatch). The returned
// Conn must then be handed to ReadLoop.
func (a *Acceptor) Accept(w http.ResponseWriter, r *http.Request, connID string) (*Conn, error) {
	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return nil, err
	}

	c := &Conn{id: connID, conn: ws}
	a.mu.Lock()
	a.clients[connID] = c
	a.mu.Unlock()

	ws.SetReadLimit(maxMessageSize)
	ws.SetReadDeadline(time.Now().Add(pongWait))
	ws.SetPongHandler(func(string) error {
		ws.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	a.lifecycle <- rpc.LifecycleEvent{Kind: rpc.EventOpen, ConnID: connID}
	return c, nil
}

// ReadLoop runs c's read pump until the connection closes. Blocks until
// then, so callers run it once per accepted connection (the controller's
// HTTP handler does this). The routing-table entry is only removed if c is
// still the current connection for its id: a displaced duplicate tearing
// down must not unroute its replacement.
func (a *Acceptor) ReadLoop(c *Conn) error {
	done := make(chan struct{})
	go a.pingLoop(c, done)

	defer func() {
		close(done)
		a.mu.Lock()
		if cur, ok := a.clients[c.id]; ok && cur == c {
			delete(a.clients, c.id)
		}
		a.mu.Unlock()
		c.conn.Close()
	}()

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			code, reason := closeInfoFromError(err)
			a.lifecycle <- rpc.LifecycleEvent{Kind: rpc.EventClose, ConnID: c.id, CloseCode: code, Reason: reason, Err: err}
			return nil
		}
		a.inbound <- rpc.InboundMessage{ConnID: c.id, Data: data}
	}
}

func (a *Acceptor) pingLoop(c *Conn, done chan struct{}) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			c.sendMu.Lock()
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			err := c.conn.WriteMessage(websocket.PingMessage, nil)
			c.sendMu.Unlock()
			if err != nil {
				return
			}
		}
	}
}
