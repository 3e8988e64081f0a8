package router

import (
	"encoding/json"
	"testing"
)

func TestBufferSink_AggregatesContentAcrossChunks(t *testing.T) {
	b := newBufferSink()
	chunks := []string{"Hello", " ", "World", "!"}
	for _, c := range chunks {
		payload, _ := json.Marshal(map[string]any{
			"choices": []map[string]any{
				{"index": 0, "delta": map[string]string{"content": c}},
			},
		})
		if err := b.WriteChunk(payload); err != nil {
			t.Fatalf("WriteChunk: %v", err)
		}
	}
	b.Finish("")

	contents, errMsg := b.Wait()
	if errMsg != "" {
		t.Fatalf("got errMsg %q, want empty", errMsg)
	}
	if len(contents) != 1 || contents[0] != "Hello World!" {
		t.Fatalf("got %v, want [\"Hello World!\"]", contents)
	}
}

func TestBufferSink_PropagatesTerminalError(t *testing.T) {
	b := newBufferSink()
	b.Finish("agent disconnected")
	_, errMsg := b.Wait()
	if errMsg != "agent disconnected" {
		t.Fatalf("got %q, want %q", errMsg, "agent disconnected")
	}
}

func TestIsDoneSentinel(t *testing.T) {
	if !isDoneSentinel(json.RawMessage(`"[DONE]"`)) {
		t.Error("expected literal \"[DONE]\" to be recognized as the sentinel")
	}
	if isDoneSentinel(json.RawMessage(`{}`)) {
		t.Error("empty object must never be conflated with the [DONE] sentinel")
	}
	if isDoneSentinel(json.RawMessage(`"partial [DONE] text"`)) {
		t.Error("a string merely containing the sentinel text is not the sentinel")
	}
}
