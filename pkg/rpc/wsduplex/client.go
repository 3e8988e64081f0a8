// Package wsduplex implements pkg/rpc.Transport over
// github.com/gorilla/websocket, in both connect-out (Dial, used by the
// agent) and accept-in (Acceptor, used by the controller) modes.
//
// Framing is one UTF-8 JSON document per WebSocket text frame, no length
// prefix.
package wsduplex

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/0xlynett/piercer/pkg/rpc"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 1 << 20 // 1MiB: completion chunks can be large
)

// ClientTransport is a connect-out, single-connection rpc.Transport. connID
// is always "" since there is exactly one remote peer.
type ClientTransport struct {
	conn      *websocket.Conn
	inbound   chan rpc.InboundMessage
	lifecycle chan rpc.LifecycleEvent
	done      chan struct{}
	sendMu    sync.Mutex
	closeOnce sync.Once
}

// Dial connects out to url (ws:// or wss://) carrying header on the
// upgrade request, and returns an rpc.Transport wrapping the connection.
// Reconnection is not this function's concern; callers (the agent
// supervisor) redial on failure.
func Dial(ctx context.Context, url string, header http.Header) (*ClientTransport, error) {
	dialer := websocket.Dialer{HandshakeTimeout: 15 * time.Second}
	conn, _, err := dialer.DialContext(ctx, url, header)
	if err != nil {
		return nil, err
	}

	t := &ClientTransport{
		conn:      conn,
		inbound:   make(chan rpc.InboundMessage, 64),
		lifecycle: make(chan rpc.LifecycleEvent, 8),
		done:      make(chan struct{}),
	}

	conn.SetReadLimit(maxMessageSize)
	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	go t.readLoop()
	go t.pingLoop()

	t.lifecycle <- rpc.LifecycleEvent{Kind: rpc.EventOpen}

	return t, nil
}

func (t *ClientTransport) Inbound() <-chan rpc.InboundMessage   { return t.inbound }
func (t *ClientTransport) Lifecycle() <-chan rpc.LifecycleEvent { return t.lifecycle }

func (t *ClientTransport) Send(_ string, data []byte) error {
	t.sendMu.Lock()
	defer t.sendMu.Unlock()
	t.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return t.conn.WriteMessage(websocket.TextMessage, data)
}

// Close sends a close frame with code/reason and tears down the
// connection. connID is ignored: a client transport has one connection.
func (t *ClientTransport) Close(_ string, code int, reason string) error {
	var err error
	t.closeOnce.Do(func() {
		t.sendMu.Lock()
		msg := websocket.FormatCloseMessage(code, reason)
		t.conn.SetWriteDeadline(time.Now().Add(writeWait))
		_ = t.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeWait))
		t.sendMu.Unlock()
		err = t.conn.Close()
	})
	return err
}

func (t *ClientTransport) readLoop() {
	defer close(t.done)
	defer close(t.inbound)
	defer close(t.lifecycle)
	for {
		_, data, err := t.conn.ReadMessage()
		if err != nil {
			code, reason := closeInfoFromError(err)
			t.lifecycle <- rpc.LifecycleEvent{Kind: rpc.EventClose, CloseCode: code, Reason: reason, Err: err}
			return
		}
		t.inbound <- rpc.InboundMessage{Data: data}
	}
}

func (t *ClientTransport) pingLoop() {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-t.done:
			return
		case <-ticker.C:
			t.sendMu.Lock()
			t.conn.SetWriteDeadline(time.Now().Add(writeWait))
			err := t.conn.WriteMessage(websocket.PingMessage, nil)
			t.sendMu.Unlock()
			if err != nil {
				return
			}
		}
	}
}

func closeInfoFromError(err error) (code int, reason string) {
	if ce, ok := err.(*websocket.CloseError); ok {
		return ce.Code, ce.Text
	}
	return websocket.CloseAbnormalClosure, err.Error()
}
