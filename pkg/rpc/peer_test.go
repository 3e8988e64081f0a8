package rpc

import (
	"context"
	"encoding/json"
	"testing"
	"time"
)

// fakeTransport connects two in-process Peers back to back without any
// network, for fast deterministic round-trip tests.
type fakeTransport struct {
	out       chan []byte
	in        chan InboundMessage
	lifecycle chan LifecycleEvent
}

func newFakePair() (*fakeTransport, *fakeTransport) {
	aToB := make(chan []byte, 16)
	bToA := make(chan []byte, 16)

	a := &fakeTransport{out: aToB, in: make(chan InboundMessage, 16), lifecycle: make(chan LifecycleEvent, 4)}
	b := &fakeTransport{out: bToA, in: make(chan InboundMessage, 16), lifecycle: make(chan LifecycleEvent, 4)}

	go func() {
		for data := range bToA {
			a.in <- InboundMessage{Data: data}
		}
	}()
	go func() {
		for data := range aToB {
			b.in <- InboundMessage{Data: data}
		}
	}()

	return a, b
}

func (f *fakeTransport) Send(_ string, data []byte) error {
	f.out <- data
	return nil
}
func (f *fakeTransport) Inbound() <-chan InboundMessage   { return f.in }
func (f *fakeTransport) Lifecycle() <-chan LifecycleEvent { return f.lifecycle }
func (f *fakeTransport) Close(_ string, _ int, _ string) error {
	close(f.out)
	return nil
}

func TestPeer_RoundTripEchoesID(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	serverT, clientT := newFakePair()
	server := New(serverT, nil)
	client := New(clientT, nil)

	server.Register("echo", func(ctx context.Context, connID string, params json.RawMessage) (any, error) {
		var s string
		if err := json.Unmarshal(params, &s); err != nil {
			return nil, err
		}
		return s, nil
	})

	go server.Serve(ctx)
	go client.Serve(ctx)

	result, err := client.Remote("").Call(ctx, "echo", "hello")
	if err != nil {
		t.Fatalf("call failed: %v", err)
	}
	var got string
	if err := json.Unmarshal(result, &got); err != nil {
		t.Fatalf("unmarshal result: %v", err)
	}
	if got != "hello" {
		t.Errorf("got %q, want %q", got, "hello")
	}
}

func TestPeer_UnknownMethod(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	serverT, clientT := newFakePair()
	server := New(serverT, nil)
	client := New(clientT, nil)

	go server.Serve(ctx)
	go client.Serve(ctx)

	_, err := client.Remote("").Call(ctx, "nonexistent", nil)
	if err == nil {
		t.Fatal("expected error for unknown method")
	}
	rpcErr, ok := err.(*Error)
	if !ok {
		t.Fatalf("expected *Error, got %T: %v", err, err)
	}
	if rpcErr.Code != CodeMethodNotFound {
		t.Errorf("got code %d, want %d", rpcErr.Code, CodeMethodNotFound)
	}
}

func TestPeer_HandlerErrorBecomesInternalCode(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	serverT, clientT := newFakePair()
	server := New(serverT, nil)
	client := New(clientT, nil)

	server.Register("boom", func(ctx context.Context, connID string, params json.RawMessage) (any, error) {
		return nil, errBoom
	})

	go server.Serve(ctx)
	go client.Serve(ctx)

	_, err := client.Remote("").Call(ctx, "boom", nil)
	rpcErr, ok := err.(*Error)
	if !ok {
		t.Fatalf("expected *Error, got %T: %v", err, err)
	}
	if rpcErr.Code != CodeInternal {
		t.Errorf("got code %d, want %d", rpcErr.Code, CodeInternal)
	}
	if rpcErr.Message != errBoom.Error() {
		t.Errorf("got message %q, want %q", rpcErr.Message, errBoom.Error())
	}
}

func TestPeer_OutOfOrderResponsesCorrelateByID(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	serverT, clientT := newFakePair()
	server := New(serverT, nil)
	client := New(clientT, nil)

	release := make(chan struct{})
	server.Register("slow", func(ctx context.Context, connID string, params json.RawMessage) (any, error) {
		<-release
		return "slow-done", nil
	})
	server.Register("fast", func(ctx context.Context, connID string, params json.RawMessage) (any, error) {
		return "fast-done", nil
	})

	go server.Serve(ctx)
	go client.Serve(ctx)

	slowDone := make(chan string, 1)
	go func() {
		result, err := client.Remote("").Call(ctx, "slow", nil)
		if err != nil {
			t.Errorf("slow call failed: %v", err)
			return
		}
		var s string
		json.Unmarshal(result, &s)
		slowDone <- s
	}()

	time.Sleep(20 * time.Millisecond) // let "slow" dispatch and block first
	fastResult, err := client.Remote("").Call(ctx, "fast", nil)
	if err != nil {
		t.Fatalf("fast call failed: %v", err)
	}
	var fastStr string
	json.Unmarshal(fastResult, &fastStr)
	if fastStr != "fast-done" {
		t.Errorf("got %q, want fast-done", fastStr)
	}

	close(release)
	select {
	case s := <-slowDone:
		if s != "slow-done" {
			t.Errorf("got %q, want slow-done", s)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for slow call")
	}
}

func TestPeer_ForwardsCloseEventWhenInboundClosesFirst(t *testing.T) {
	// A transport delivering its terminal close event and then closing both
	// channels, the way the client transport's read loop does. The close
	// code must reach Events() regardless of which closed channel the serve
	// loop's select observes first.
	tr := &fakeTransport{
		out:       make(chan []byte, 1),
		in:        make(chan InboundMessage),
		lifecycle: make(chan LifecycleEvent, 4),
	}
	tr.lifecycle <- LifecycleEvent{Kind: EventClose, CloseCode: 1001, Reason: "replaced by new connection"}
	close(tr.lifecycle)
	close(tr.in)

	p := New(tr, nil)
	go p.Serve(context.Background())

	var closes []LifecycleEvent
	for evt := range p.Events() {
		if evt.Kind == EventClose {
			closes = append(closes, evt)
		}
	}
	if len(closes) != 1 {
		t.Fatalf("got %d close events, want 1", len(closes))
	}
	if closes[0].CloseCode != 1001 {
		t.Errorf("got close code %d, want 1001", closes[0].CloseCode)
	}
}

var errBoom = boomError{}

type boomError struct{}

func (boomError) Error() string { return "boom" }
