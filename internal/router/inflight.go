package router

import (
	"context"
	"encoding/json"
	"sync"
	"time"
)

// InFlight is the controller-side record linking one accepted HTTP request
// to the agent handling it. Created when the router accepts a request and
// destroyed once a terminal event reaches Sink.
type InFlight struct {
	RequestID   string
	PublicModel string
	AgentID     string
	Sink        Sink
	StartedAt   time.Time

	// Cancel is a hook for propagating client-disconnect cancellation to
	// the agent. Router.Shutdown calls it; the client-disconnect path does
	// not, and chunks for a gone client are dropped instead.
	Cancel context.CancelFunc

	mu     sync.Mutex
	closed bool
}

// deliverChunk writes a non-terminal chunk unless the record is already
// closed (client gone, or terminal event already delivered). Returns false
// if the delivery was dropped.
func (f *InFlight) deliverChunk(data json.RawMessage) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return false
	}
	if err := f.Sink.WriteChunk(data); err != nil {
		f.closed = true
		return false
	}
	return true
}

// finish delivers the terminal event (errMsg == "" for "[DONE]") and marks
// the record closed. Safe to call more than once; only the first call has
// an effect.
func (f *InFlight) finish(errMsg string) {
	f.mu.Lock()
	if f.closed {
		f.mu.Unlock()
		return
	}
	f.closed = true
	f.mu.Unlock()
	f.Sink.Finish(errMsg)
}

// markClientGone marks the record closed without writing a terminal event,
// for the client-disconnect path: further chunks are dropped and the agent
// call is left running.
func (f *InFlight) markClientGone() {
	f.mu.Lock()
	f.closed = true
	f.mu.Unlock()
}

// InFlightTable is the shared mutable map of request_id -> *InFlight.
type InFlightTable struct {
	mu    sync.Mutex
	items map[string]*InFlight
}

// NewInFlightTable creates an empty table.
func NewInFlightTable() *InFlightTable {
	return &InFlightTable{items: make(map[string]*InFlight)}
}

// Register inserts f, keyed by f.RequestID.
func (t *InFlightTable) Register(f *InFlight) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.items[f.RequestID] = f
}

// Get returns the in-flight record for requestID, if any.
func (t *InFlightTable) Get(requestID string) (*InFlight, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	f, ok := t.items[requestID]
	return f, ok
}

// Remove deletes requestID from the table.
func (t *InFlightTable) Remove(requestID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.items, requestID)
}

// Pop atomically removes and returns requestID's record, so concurrent
// terminal-delivery paths (an agent's receiveCompletion/error callback
// racing an HTTP client disconnect) decrement bookkeeping exactly once.
func (t *InFlightTable) Pop(requestID string) (*InFlight, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	f, ok := t.items[requestID]
	if ok {
		delete(t.items, requestID)
	}
	return f, ok
}

// AbortForAgent removes and returns every in-flight request bound to
// agentID, e.g. on agent disconnect. The caller is responsible for calling
// finish on each with an error message.
func (t *InFlightTable) AbortForAgent(agentID string) []*InFlight {
	t.mu.Lock()
	var aborted []*InFlight
	for id, f := range t.items {
		if f.AgentID == agentID {
			aborted = append(aborted, f)
			delete(t.items, id)
		}
	}
	t.mu.Unlock()
	return aborted
}

// Snapshot returns every currently tracked in-flight record, e.g. for
// controller shutdown.
func (t *InFlightTable) Snapshot() []*InFlight {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]*InFlight, 0, len(t.items))
	for _, f := range t.items {
		out = append(out, f)
	}
	return out
}
