package router

import (
	"encoding/json"
	"sort"
	"strings"
	"sync"
)

// bufferSink implements Sink for a stream:false request: it
// accumulates choices[*].delta.content across chunks, keyed by choice
// index, until the terminal event arrives, then Wait returns the
// concatenated content per choice.
type bufferSink struct {
	mu      sync.Mutex
	content map[int]*strings.Builder
	done    chan struct{}
	errMsg  string
}

type streamChunk struct {
	Choices []struct {
		Index int `json:"index"`
		Delta struct {
			Content string `json:"content"`
		} `json:"delta"`
	} `json:"choices"`
}

func newBufferSink() *bufferSink {
	return &bufferSink{
		content: make(map[int]*strings.Builder),
		done:    make(chan struct{}),
	}
}

func (b *bufferSink) WriteChunk(data json.RawMessage) error {
	var chunk streamChunk
	if err := json.Unmarshal(data, &chunk); err != nil {
		// Not every forwarded chunk need parse as the OpenAI chat shape
		// (e.g. a legacy /v1/completions chunk uses choices[*].text); the
		// router only aggregates what it can read, passing everything
		// else through untouched in the streaming case.
		return nil
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, c := range chunk.Choices {
		sb, ok := b.content[c.Index]
		if !ok {
			sb = &strings.Builder{}
			b.content[c.Index] = sb
		}
		sb.WriteString(c.Delta.Content)
	}
	return nil
}

func (b *bufferSink) Finish(errMsg string) {
	b.mu.Lock()
	b.errMsg = errMsg
	b.mu.Unlock()
	close(b.done)
}

// Wait blocks until Finish has been called and returns the aggregated
// content per choice index (sorted) plus any terminal error message.
func (b *bufferSink) Wait() (contents []string, errMsg string) {
	<-b.done
	b.mu.Lock()
	defer b.mu.Unlock()
	indices := make([]int, 0, len(b.content))
	for i := range b.content {
		indices = append(indices, i)
	}
	sort.Ints(indices)
	out := make([]string, 0, len(indices))
	for _, i := range indices {
		out = append(out, b.content[i].String())
	}
	return out, b.errMsg
}

// Done lets callers select on completion alongside request cancellation.
func (b *bufferSink) Done() <-chan struct{} { return b.done }
