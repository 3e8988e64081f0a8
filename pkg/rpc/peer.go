// Package rpc implements a symmetric, transport-agnostic JSON-RPC 2.0 peer.
//
// Both endpoints of a connection are peers: "client" and "server" only
// describe who dialed. A Peer lets callers register server-side methods
// (Register), obtain a typed remote-method caller for a given connection
// (Remote), and observe connection lifecycle over a channel (Events).
//
// Streaming is implemented by convention, not by protocol extension: a
// long-running method returns immediately and the remote side later issues
// ordinary requests back (e.g. receiveCompletion) whose params carry one
// chunk each.
package rpc

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/uuid"
)

// JSON-RPC 2.0 error codes this peer produces. Only these three are part of
// the peer's wire contract.
const (
	CodeParseError     = -32700
	CodeMethodNotFound = -32601
	CodeInternal       = -32000
)

type wireRequest struct {
	JSONRPC string          `json:"jsonrpc"`
	Method  string          `json:"method,omitempty"`
	Params  json.RawMessage `json:"params,omitempty"`
	ID      string          `json:"id,omitempty"`
	// Result/Error are only populated when this envelope is actually a
	// response; Peer decides which shape it is by presence of Method.
	Result json.RawMessage `json:"result,omitempty"`
	Error  *Error          `json:"error,omitempty"`
}

// Error is a JSON-RPC 2.0 error object.
type Error struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (e *Error) Error() string { return fmt.Sprintf("rpc error %d: %s", e.Code, e.Message) }

// Handler implements one server-side RPC method. connID is "" on a
// client-mode transport. A returned error becomes a CodeInternal error
// response carrying err.Error() as its message.
type Handler func(ctx context.Context, connID string, params json.RawMessage) (any, error)

type pendingCall struct {
	result chan json.RawMessage
	err    chan *Error
}

// Peer is one endpoint of a bidirectional JSON-RPC 2.0 connection (or, on a
// server-mode transport, the endpoint shared by many multiplexed
// connections, disambiguated by connID).
type Peer struct {
	transport Transport
	log       *slog.Logger

	methodsMu sync.RWMutex
	methods   map[string]Handler

	pendingMu sync.Mutex
	pending   map[string]*pendingCall // key: connID + "\x00" + id

	events chan LifecycleEvent

	// OnRPCError, if set, is invoked every time the peer sends a JSON-RPC
	// error response, carrying the error code sent. Optional; the
	// controller binary wires it to its rpc-error counter. nil is a no-op,
	// so an agent-side peer (which has no such metric) need not set it.
	OnRPCError func(code int)
}

// New creates a Peer bound to transport. Call Serve to start its dispatch
// loop.
func New(transport Transport, log *slog.Logger) *Peer {
	if log == nil {
		log = slog.Default()
	}
	return &Peer{
		transport: transport,
		log:       log,
		methods:   make(map[string]Handler),
		pending:   make(map[string]*pendingCall),
		events:    make(chan LifecycleEvent, 16),
	}
}

// Register installs a server-side method. Safe to call before or after
// Serve starts.
func (p *Peer) Register(method string, h Handler) {
	p.methodsMu.Lock()
	defer p.methodsMu.Unlock()
	p.methods[method] = h
}

// Events returns the peer's lifecycle event channel. Closed once the
// transport's Inbound channel closes and all in-flight dispatch has
// drained.
func (p *Peer) Events() <-chan LifecycleEvent {
	return p.events
}

// Remote returns a typed-call helper addressed at connID ("" for a
// client-mode transport).
func (p *Peer) Remote(connID string) *RemoteProxy {
	return &RemoteProxy{peer: p, connID: connID}
}

// Close closes connID with the given code/reason.
func (p *Peer) Close(connID string, code int, reason string) error {
	return p.transport.Close(connID, code, reason)
}

// Serve runs the peer's single decoder loop until ctx is canceled or the
// transport's Inbound channel closes. Method handlers may run concurrently
// with each other; responses for one connection are still serialized
// because Transport.Send is required to serialize writes internally.
func (p *Peer) Serve(ctx context.Context) error {
	defer p.failAllPending("transport closed")
	defer close(p.events)

	var wg sync.WaitGroup
	defer wg.Wait()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case evt, ok := <-p.transport.Lifecycle():
			if !ok {
				return nil
			}
			p.forwardLifecycle(evt)

		case msg, ok := <-p.transport.Inbound():
			if !ok {
				p.drainLifecycle()
				return nil
			}
			wg.Add(1)
			go func(m InboundMessage) {
				defer wg.Done()
				p.handleInbound(ctx, m)
			}(msg)
		}
	}
}

func (p *Peer) forwardLifecycle(evt LifecycleEvent) {
	select {
	case p.events <- evt:
	default:
		p.log.Warn("rpc: lifecycle event dropped, events channel full", "kind", evt.Kind)
	}
	if evt.Kind == EventClose {
		p.failPendingForConn(evt.ConnID, "transport closed")
	}
}

// drainLifecycle forwards any lifecycle events still buffered on the
// transport once its Inbound channel has closed. The terminal close event
// and the Inbound close race into the same select; without this drain the
// close code could be lost, and a deliberate eviction or auth failure
// would be misread as a transient disconnect.
func (p *Peer) drainLifecycle() {
	for {
		select {
		case evt, ok := <-p.transport.Lifecycle():
			if !ok {
				return
			}
			p.forwardLifecycle(evt)
		default:
			return
		}
	}
}

func (p *Peer) handleInbound(ctx context.Context, msg InboundMessage) {
	var env wireRequest
	if err := json.Unmarshal(msg.Data, &env); err != nil {
		p.sendError(msg.ConnID, "", CodeParseError, "parse error")
		return
	}

	// A response (no method) routes to a pending caller.
	if env.Method == "" {
		if env.ID == "" {
			return // notification: reserved, ignored gracefully
		}
		p.resolvePending(msg.ConnID, env.ID, env.Result, env.Error)
		return
	}

	// A request dispatches to a registered handler.
	p.methodsMu.RLock()
	h, ok := p.methods[env.Method]
	p.methodsMu.RUnlock()
	if !ok {
		if env.ID != "" {
			p.sendError(msg.ConnID, env.ID, CodeMethodNotFound, "method not found: "+env.Method)
		}
		return
	}

	result, err := h(ctx, msg.ConnID, env.Params)
	if env.ID == "" {
		return // notification-style request: no response expected
	}
	if err != nil {
		p.sendError(msg.ConnID, env.ID, CodeInternal, err.Error())
		return
	}
	p.sendResult(msg.ConnID, env.ID, result)
}

func (p *Peer) sendResult(connID, id string, result any) {
	payload, err := json.Marshal(result)
	if err != nil {
		p.sendError(connID, id, CodeInternal, "failed to marshal result: "+err.Error())
		return
	}
	env := wireRequest{JSONRPC: "2.0", ID: id, Result: payload}
	p.send(connID, env)
}

func (p *Peer) sendError(connID, id string, code int, message string) {
	if p.OnRPCError != nil {
		p.OnRPCError(code)
	}
	env := wireRequest{JSONRPC: "2.0", ID: id, Error: &Error{Code: code, Message: message}}
	p.send(connID, env)
}

func (p *Peer) send(connID string, env wireRequest) {
	data, err := json.Marshal(env)
	if err != nil {
		p.log.Error("rpc: failed to marshal envelope", "error", err)
		return
	}
	if err := p.transport.Send(connID, data); err != nil {
		p.log.Warn("rpc: send failed", "conn_id", connID, "error", err)
	}
}

func pendingKey(connID, id string) string { return connID + "\x00" + id }

func (p *Peer) call(ctx context.Context, connID, method string, params any) (json.RawMessage, error) {
	paramsJSON, err := json.Marshal(params)
	if err != nil {
		return nil, fmt.Errorf("rpc: marshal params: %w", err)
	}
	id := uuid.NewString()

	pc := &pendingCall{result: make(chan json.RawMessage, 1), err: make(chan *Error, 1)}
	key := pendingKey(connID, id)
	p.pendingMu.Lock()
	p.pending[key] = pc
	p.pendingMu.Unlock()
	defer func() {
		p.pendingMu.Lock()
		delete(p.pending, key)
		p.pendingMu.Unlock()
	}()

	env := wireRequest{JSONRPC: "2.0", Method: method, Params: paramsJSON, ID: id}
	data, err := json.Marshal(env)
	if err != nil {
		return nil, fmt.Errorf("rpc: marshal request: %w", err)
	}
	if err := p.transport.Send(connID, data); err != nil {
		return nil, fmt.Errorf("rpc: send: %w", err)
	}

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case result := <-pc.result:
		return result, nil
	case rpcErr := <-pc.err:
		return nil, rpcErr
	}
}

func (p *Peer) resolvePending(connID, id string, result json.RawMessage, rpcErr *Error) {
	key := pendingKey(connID, id)
	p.pendingMu.Lock()
	pc, ok := p.pending[key]
	p.pendingMu.Unlock()
	if !ok {
		return
	}
	if rpcErr != nil {
		pc.err <- rpcErr
		return
	}
	pc.result <- result
}

func (p *Peer) failPendingForConn(connID, reason string) {
	prefix := connID + "\x00"
	p.pendingMu.Lock()
	var keys []string
	for k := range p.pending {
		if len(k) >= len(prefix) && k[:len(prefix)] == prefix {
			keys = append(keys, k)
		}
	}
	p.pendingMu.Unlock()
	for _, k := range keys {
		p.pendingMu.Lock()
		pc, ok := p.pending[k]
		delete(p.pending, k)
		p.pendingMu.Unlock()
		if ok {
			pc.err <- &Error{Code: CodeInternal, Message: reason}
		}
	}
}

func (p *Peer) failAllPending(reason string) {
	p.pendingMu.Lock()
	pending := p.pending
	p.pending = make(map[string]*pendingCall)
	p.pendingMu.Unlock()
	for _, pc := range pending {
		pc.err <- &Error{Code: CodeInternal, Message: reason}
	}
}

// RemoteProxy addresses calls at one connection: one generic Call method,
// with typed wrappers layered on top (see the agent/controller client
// types in pkg/piercer).
type RemoteProxy struct {
	peer   *Peer
	connID string
}

// Call invokes method on the remote peer with params and waits for its
// response. Tolerates responses arriving out of order relative to other
// in-flight calls on the same peer.
func (r *RemoteProxy) Call(ctx context.Context, method string, params any) (json.RawMessage, error) {
	return r.peer.call(ctx, r.connID, method, params)
}

// Close closes the underlying connection for this remote (or the sole
// connection, for a client-mode peer).
func (r *RemoteProxy) Close(code int, reason string) error {
	return r.peer.Close(r.connID, code, reason)
}
