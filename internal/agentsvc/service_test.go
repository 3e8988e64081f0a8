package agentsvc

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/0xlynett/piercer/pkg/piercer"
)

type fakeRemote struct {
	calls []call
}

type call struct {
	method string
	params any
}

func (f *fakeRemote) Call(ctx context.Context, method string, params any) (json.RawMessage, error) {
	f.calls = append(f.calls, call{method: method, params: params})
	return json.RawMessage(`{}`), nil
}

func (f *fakeRemote) Close(code int, reason string) error { return nil }

func newTestService(t *testing.T, remote piercer.RemoteCaller) (*Service, string) {
	t.Helper()
	dir := t.TempDir()
	s := New(nil, dir, "agent-1", nil, nil)
	if remote != nil {
		s.mu.Lock()
		s.controller = piercer.NewControllerClient(remote)
		s.mu.Unlock()
	}
	return s, dir
}

func TestListInstalledModels_FiltersByExtensionAndSorts(t *testing.T) {
	s, dir := newTestService(t, nil)
	for _, name := range []string{"zeta.gguf", "alpha.ggml", "notes.txt", "beta.GGUF"} {
		if err := os.WriteFile(filepath.Join(dir, name), []byte("x"), 0o644); err != nil {
			t.Fatalf("write %s: %v", name, err)
		}
	}

	got, err := s.listInstalledModels()
	if err != nil {
		t.Fatalf("listInstalledModels: %v", err)
	}
	want := []string{"alpha.ggml", "beta.GGUF", "zeta.gguf"}
	if len(got) != len(want) {
		t.Fatalf("got %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("got %v, want %v", got, want)
		}
	}
}

func TestReceiveChunk_ForwardsRawDataVerbatim(t *testing.T) {
	remote := &fakeRemote{}
	s, _ := newTestService(t, remote)

	s.ReceiveChunk("req-1", json.RawMessage(`{"choices":[{"delta":{"content":"hi"}}]}`))

	if len(remote.calls) != 1 || remote.calls[0].method != piercer.MethodReceiveCompletion {
		t.Fatalf("got %v, want one receiveCompletion call", remote.calls)
	}
	params, ok := remote.calls[0].params.(piercer.ReceiveCompletionParams)
	if !ok {
		t.Fatalf("got %T, want piercer.ReceiveCompletionParams", remote.calls[0].params)
	}
	if params.RequestID != "req-1" || params.AgentID != "agent-1" {
		t.Fatalf("got %+v", params)
	}
}

func TestReceiveComplete_SendsFinalChunkThenDoneSentinel(t *testing.T) {
	remote := &fakeRemote{}
	s, _ := newTestService(t, remote)

	s.ReceiveComplete("req-1", json.RawMessage(`{"choices":[{"delta":{"content":"!"}}]}`))

	if len(remote.calls) != 2 {
		t.Fatalf("got %d calls, want 2", len(remote.calls))
	}
	last := remote.calls[1].params.(piercer.ReceiveCompletionParams)
	if string(last.Data) != doneSentinel {
		t.Fatalf("got %s, want %s", last.Data, doneSentinel)
	}
}

func TestReceiveComplete_WithNoFinalData_SendsOnlyDoneSentinel(t *testing.T) {
	remote := &fakeRemote{}
	s, _ := newTestService(t, remote)

	s.ReceiveComplete("req-1", nil)

	if len(remote.calls) != 1 {
		t.Fatalf("got %d calls, want 1", len(remote.calls))
	}
	params := remote.calls[0].params.(piercer.ReceiveCompletionParams)
	if string(params.Data) != doneSentinel {
		t.Fatalf("got %s, want %s", params.Data, doneSentinel)
	}
}

func TestReceiveError_ForwardsErrorWithRequestContext(t *testing.T) {
	remote := &fakeRemote{}
	s, _ := newTestService(t, remote)

	s.ReceiveError("req-1", "worker crashed")

	if len(remote.calls) != 1 || remote.calls[0].method != piercer.MethodError {
		t.Fatalf("got %v, want one error call", remote.calls)
	}
	params := remote.calls[0].params.(piercer.ErrorParams)
	if params.Error != "worker crashed" || params.Context.RequestID != "req-1" {
		t.Fatalf("got %+v", params)
	}
}

func TestForward_WithNoControllerConnection_DropsSilently(t *testing.T) {
	s, _ := newTestService(t, nil)
	s.ReceiveChunk("req-1", json.RawMessage(`{}`))
}
