package router

import (
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
)

// Sink is what the router's receiveCompletion/error handlers write
// terminal and non-terminal inference events into. It abstracts the
// difference between a client that asked for stream:true (httpSSESink,
// forwarding each chunk as its own SSE frame) and one that asked for
// stream:false (bufferSink, accumulating choices[*].delta.content until
// the terminal event and then producing one JSON response).
type Sink interface {
	// WriteChunk delivers one non-terminal chunk. data is the opaque JSON
	// payload the agent sent (never parsed here except by bufferSink,
	// which needs delta.content to aggregate).
	WriteChunk(data json.RawMessage) error
	// Finish delivers the terminal event: errMsg == "" is a normal
	// "[DONE]", non-empty is an agent-reported error. Finish is called at
	// most once.
	Finish(errMsg string)
}

// httpSSESink implements Sink over a real http.ResponseWriter, flushing
// one SSE frame per chunk.
type httpSSESink struct {
	flusher http.Flusher
	w       http.ResponseWriter

	mu   sync.Mutex
	done chan struct{}
	once sync.Once
}

// newHTTPSSESink writes the SSE response headers and returns a sink ready
// for WriteChunk/Finish calls. Returns an error if w does not support
// flushing.
func newHTTPSSESink(w http.ResponseWriter) (*httpSSESink, error) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		return nil, fmt.Errorf("router: response writer does not support flushing")
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()
	return &httpSSESink{w: w, flusher: flusher, done: make(chan struct{})}, nil
}

func (s *httpSSESink) WriteChunk(data json.RawMessage) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.writeFrame(data)
}

func (s *httpSSESink) writeFrame(payload []byte) error {
	if _, err := s.w.Write([]byte("data: ")); err != nil {
		return err
	}
	if _, err := s.w.Write(payload); err != nil {
		return err
	}
	if _, err := s.w.Write([]byte("\n\n")); err != nil {
		return err
	}
	s.flusher.Flush()
	return nil
}

func (s *httpSSESink) Finish(errMsg string) {
	s.mu.Lock()
	if errMsg == "" {
		// The terminal frame is the literal `data: [DONE]`, not a
		// JSON-quoted string. Distinct from the RPC-level sentinel, which
		// the agent sends as the JSON string "[DONE]" inside
		// receiveCompletion's data field.
		_ = s.writeFrame([]byte(doneSentinel))
	} else {
		payload, _ := json.Marshal(map[string]string{"error": errMsg})
		_ = s.writeFrame(payload)
	}
	s.mu.Unlock()
	s.once.Do(func() { close(s.done) })
}

// Done returns a channel closed once Finish has been called, so the HTTP
// handler goroutine that owns the ResponseWriter knows when to return.
func (s *httpSSESink) Done() <-chan struct{} { return s.done }

// doneSentinel is the literal string marking end-of-stream at the JSON-RPC
// level: the agent sends it as the `data` field's value, marshaled as the
// JSON string "[DONE]", never as an empty object or null.
const doneSentinel = "[DONE]"

// isDoneSentinel reports whether raw is exactly the JSON-encoded string
// "[DONE]" and not, say, a chunk object that happens to contain that text.
func isDoneSentinel(raw json.RawMessage) bool {
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return false
	}
	return s == doneSentinel
}
