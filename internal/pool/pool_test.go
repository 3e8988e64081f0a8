package pool

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/0xlynett/piercer/internal/metrics"
)

// writeFakeWorker writes a small shell script that speaks the worker
// line-delimited-JSON protocol well enough to exercise Pool: it answers
// "load" with "ready", "completion" with a chunk then a complete, "chat"
// with an error, and exits on "shutdown".
func writeFakeWorker(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "fake-worker.sh")
	script := `#!/bin/sh
while IFS= read -r line; do
  case "$line" in
    *'"type":"load"'*)
      echo '{"type":"ready"}'
      ;;
    *'"type":"completion"'*)
      id=$(echo "$line" | sed -n 's/.*"request_id":"\([^"]*\)".*/\1/p')
      echo "{\"type\":\"chunk\",\"request_id\":\"$id\",\"data\":\"one\"}"
      echo "{\"type\":\"complete\",\"request_id\":\"$id\"}"
      ;;
    *'"type":"chat"'*)
      id=$(echo "$line" | sed -n 's/.*"request_id":"\([^"]*\)".*/\1/p')
      echo "{\"type\":\"error\",\"request_id\":\"$id\",\"error\":\"boom\"}"
      ;;
    *'"type":"shutdown"'*)
      exit 0
      ;;
  esac
done
`
	if err := os.WriteFile(path, []byte(script), 0o755); err != nil {
		t.Fatalf("write fake worker: %v", err)
	}
	return path
}

type fakeCallbacks struct {
	mu       sync.Mutex
	chunks   []string
	complete []string
	errs     []string
	done     chan struct{}
}

func newFakeCallbacks() *fakeCallbacks {
	return &fakeCallbacks{done: make(chan struct{}, 16)}
}

func (f *fakeCallbacks) ReceiveChunk(requestID string, data json.RawMessage) {
	f.mu.Lock()
	f.chunks = append(f.chunks, requestID)
	f.mu.Unlock()
}

func (f *fakeCallbacks) ReceiveComplete(requestID string, data json.RawMessage) {
	f.mu.Lock()
	f.complete = append(f.complete, requestID)
	f.mu.Unlock()
	f.done <- struct{}{}
}

func (f *fakeCallbacks) ReceiveError(requestID, errMsg string) {
	f.mu.Lock()
	f.errs = append(f.errs, errMsg)
	f.mu.Unlock()
	f.done <- struct{}{}
}

func newTestPool(t *testing.T, cb Callbacks) *Pool {
	t.Helper()
	return New(Config{
		WorkerCommand: writeFakeWorker(t),
		MaxConcurrent: 2,
		LoadTimeout:   5 * time.Second,
		Callbacks:     cb,
	})
}

func TestPool_LoadModelBecomesReady(t *testing.T) {
	p := newTestPool(t, newFakeCallbacks())
	defer p.Shutdown(time.Second)

	if err := p.LoadModel(context.Background(), "/models/a.gguf", "model-a"); err != nil {
		t.Fatalf("LoadModel: %v", err)
	}
	if p.State("model-a") != StateReady {
		t.Errorf("got state %s, want ready", p.State("model-a"))
	}
}

func TestPool_RecordsWorkerStateMetrics(t *testing.T) {
	m := metrics.NewAgent()
	p := New(Config{
		WorkerCommand: writeFakeWorker(t),
		MaxConcurrent: 2,
		LoadTimeout:   5 * time.Second,
		Callbacks:     newFakeCallbacks(),
		Metrics:       m,
	})
	defer p.Shutdown(time.Second)

	vec := m.WorkerStateVec()
	if err := p.LoadModel(context.Background(), "/models/a.gguf", "model-a"); err != nil {
		t.Fatalf("LoadModel: %v", err)
	}

	if got := testutil.ToFloat64(vec.WithLabelValues("model-a", "ready")); got != 1 {
		t.Errorf("got piercer_worker_state{model_name=model-a,state=ready}=%v, want 1", got)
	}
	if got := testutil.ToFloat64(vec.WithLabelValues("model-a", "loading")); got != 0 {
		t.Errorf("got piercer_worker_state{model_name=model-a,state=loading}=%v, want 0", got)
	}

	p.UnloadModel("model-a")
	if err := waitFor(func() bool { return testutil.ToFloat64(vec.WithLabelValues("model-a", "dead")) == 1 }, time.Second); err != nil {
		t.Error(err)
	}
}

func waitFor(cond func() bool, timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return nil
		}
		time.Sleep(10 * time.Millisecond)
	}
	if cond() {
		return nil
	}
	return errWaitTimeout
}

var errWaitTimeout = errWaitTimeoutType("pool: condition not met before timeout")

type errWaitTimeoutType string

func (e errWaitTimeoutType) Error() string { return string(e) }

func TestPool_LoadModelIdempotent(t *testing.T) {
	p := newTestPool(t, newFakeCallbacks())
	defer p.Shutdown(time.Second)

	if err := p.LoadModel(context.Background(), "/models/a.gguf", "model-a"); err != nil {
		t.Fatalf("first LoadModel: %v", err)
	}
	if err := p.LoadModel(context.Background(), "/models/a.gguf", "model-a"); err != nil {
		t.Fatalf("second LoadModel: %v", err)
	}
	if len(p.Loaded()) != 1 {
		t.Errorf("got %d loaded models, want 1", len(p.Loaded()))
	}
}

func TestPool_RespectsMaxConcurrent(t *testing.T) {
	p := newTestPool(t, newFakeCallbacks())
	defer p.Shutdown(time.Second)

	if err := p.LoadModel(context.Background(), "/models/a.gguf", "model-a"); err != nil {
		t.Fatalf("load a: %v", err)
	}
	if err := p.LoadModel(context.Background(), "/models/b.gguf", "model-b"); err != nil {
		t.Fatalf("load b: %v", err)
	}
	if err := p.LoadModel(context.Background(), "/models/c.gguf", "model-c"); err != ErrPoolFull {
		t.Errorf("got %v, want ErrPoolFull", err)
	}
}

func TestPool_RunCompletionForwardsChunksAndComplete(t *testing.T) {
	cb := newFakeCallbacks()
	p := newTestPool(t, cb)
	defer p.Shutdown(time.Second)

	if err := p.LoadModel(context.Background(), "/models/a.gguf", "model-a"); err != nil {
		t.Fatalf("LoadModel: %v", err)
	}
	if err := p.RunCompletion("model-a", "req-1", json.RawMessage(`{"prompt":"hi"}`)); err != nil {
		t.Fatalf("RunCompletion: %v", err)
	}

	select {
	case <-cb.done:
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for completion callback")
	}

	cb.mu.Lock()
	defer cb.mu.Unlock()
	if len(cb.chunks) != 1 || cb.chunks[0] != "req-1" {
		t.Errorf("got chunks %v, want [req-1]", cb.chunks)
	}
	if len(cb.complete) != 1 || cb.complete[0] != "req-1" {
		t.Errorf("got complete %v, want [req-1]", cb.complete)
	}
}

func TestPool_RunChatForwardsError(t *testing.T) {
	cb := newFakeCallbacks()
	p := newTestPool(t, cb)
	defer p.Shutdown(time.Second)

	if err := p.LoadModel(context.Background(), "/models/a.gguf", "model-a"); err != nil {
		t.Fatalf("LoadModel: %v", err)
	}
	if err := p.RunChat("model-a", "req-2", json.RawMessage(`{}`)); err != nil {
		t.Fatalf("RunChat: %v", err)
	}

	select {
	case <-cb.done:
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for error callback")
	}

	cb.mu.Lock()
	defer cb.mu.Unlock()
	if len(cb.errs) != 1 || cb.errs[0] != "boom" {
		t.Errorf("got errs %v, want [boom]", cb.errs)
	}
}

func TestPool_RunCompletionNotReadyForUnloadedModel(t *testing.T) {
	p := newTestPool(t, newFakeCallbacks())
	defer p.Shutdown(time.Second)

	if err := p.RunCompletion("missing-model", "req-3", json.RawMessage(`{}`)); err == nil {
		t.Fatal("expected error for unloaded model")
	}
}

func TestPool_UnloadModelTerminatesWorker(t *testing.T) {
	p := newTestPool(t, newFakeCallbacks())
	defer p.Shutdown(time.Second)

	if err := p.LoadModel(context.Background(), "/models/a.gguf", "model-a"); err != nil {
		t.Fatalf("LoadModel: %v", err)
	}
	p.UnloadModel("model-a")

	if p.State("model-a") != StateDead {
		t.Errorf("got state %s, want dead", p.State("model-a"))
	}
}
