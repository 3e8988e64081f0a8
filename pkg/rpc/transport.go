package rpc

// Transport is the abstract duplex message channel a Peer runs over. One
// Send/inbound delivery is one JSON document; framing (length-prefixed,
// WebSocket text frame, in-memory channel, ...) is entirely up to the
// implementation. See pkg/rpc/wsduplex for the WebSocket implementation and
// this package's internal fake used by peer tests.
//
// A server-side transport that multiplexes many connections over one
// Transport value tags each inbound message and each lifecycle event with a
// connection id; a client-side transport (exactly one remote peer) always
// uses the empty connection id.
type Transport interface {
	// Send writes one JSON-encoded message addressed to connID ("" for a
	// client-mode transport). Implementations must serialize concurrent
	// Sends internally so frames on one underlying connection never
	// interleave.
	Send(connID string, data []byte) error

	// Inbound returns the channel of incoming messages. The channel is
	// closed when the transport is done delivering (after a final Close
	// lifecycle event has been emitted).
	Inbound() <-chan InboundMessage

	// Lifecycle returns the channel of connection lifecycle events.
	Lifecycle() <-chan LifecycleEvent

	// Close closes connID with the given close code and reason. For a
	// client-mode transport connID is ignored (there is only one
	// connection). code/reason follow the WebSocket close-code space:
	// 1001 = deliberate eviction, 1008 = auth failure, anything else is
	// transient.
	Close(connID string, code int, reason string) error
}

// InboundMessage is one decoded JSON document arriving on a transport.
type InboundMessage struct {
	ConnID string
	Data   []byte
}

// LifecycleKind tags a LifecycleEvent.
type LifecycleKind int

const (
	// EventOpen fires once a connection (or the sole client connection)
	// is ready to send/receive.
	EventOpen LifecycleKind = iota
	// EventClose fires when a connection goes away, carrying the close
	// code and reason.
	EventClose
	// EventError fires on a transport-level error that does not by
	// itself close the connection (e.g. a malformed frame).
	EventError
)

// LifecycleEvent is the typed-channel replacement for an event-emitter
// open/close/message/error API.
type LifecycleEvent struct {
	Kind      LifecycleKind
	ConnID    string
	CloseCode int
	Reason    string
	Err       error
}

// Well-known close codes used across the system.
const (
	CloseEvicted  = 1001 // deliberate eviction: do not reconnect, exit
	CloseAuthFail = 1008 // authentication failure: do not reconnect, exit
)
