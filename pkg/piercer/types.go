// Package piercer holds the wire and domain types shared by the controller
// and the agent: the OpenAI-compatible request/response shapes, the agent
// registry record, and the RPC method payloads that cross the controller <->
// agent boundary.
package piercer

import (
	"context"
	"encoding/json"
	"time"
)

// RawJSON is the common alias for opaque forwarded JSON values.
type RawJSON = json.RawMessage

// Agent is the controller's view of one connected agent. Created on
// successful WebSocket upgrade + auth, mutated only by the registry, and
// destroyed on disconnect or eviction.
type Agent struct {
	ID                  string
	Name                string
	Socket              RemoteCaller
	InstalledModels     []string
	LoadedModels        []string
	PendingRequestCount int64
	LastMetrics         *HardwareSnapshot
	RegisteredAt        time.Time
}

// RemoteCaller is the subset of *rpc.Peer the registry and router need:
// a way to call a named RPC method on the agent's connection. Kept as an
// interface so registry/router tests don't need a live rpc.Peer.
type RemoteCaller interface {
	Call(ctx context.Context, method string, params any) (RawJSON, error)
	Close(code int, reason string) error
}

// HardwareSnapshot is the most recent metrics sample an agent reported.
type HardwareSnapshot struct {
	CPUPercent    float64   `json:"cpu_percent"`
	MemoryUsedMB  uint64    `json:"memory_used_mb"`
	MemoryTotalMB uint64    `json:"memory_total_mb"`
	GPUPercent    *float64  `json:"gpu_percent,omitempty"`
	SampledAt     time.Time `json:"sampled_at"`
}

// ModelMapping is a public_name -> filename record.
type ModelMapping struct {
	PublicName   string `json:"public_name"`
	InternalName string `json:"internal_name"`
}

// CompletionParams is the payload sent to an agent's completion/chat
// methods. Body carries the OpenAI request fields verbatim as opaque JSON;
// RequestID and Model are mutated in by the router before dispatch.
type CompletionParams struct {
	RequestID string  `json:"request_id"`
	Model     string  `json:"model"`
	Body      RawBody `json:"body"`
}

// RawBody forwards an OpenAI chat/completion request body end to end
// without the router ever parsing its contents.
type RawBody = MapAny

// MapAny is a JSON object forwarded opaquely.
type MapAny map[string]any

// ReceiveCompletionParams is the payload of the agent -> controller
// receiveCompletion callback carrying one streamed chunk.
type ReceiveCompletionParams struct {
	AgentID   string  `json:"agent_id"`
	RequestID string  `json:"request_id"`
	Data      RawData `json:"data"`
}

// RawData carries either a chunk object or the literal string "[DONE]".
// Kept as json.RawMessage-backed so the sentinel and a structured chunk are
// never conflated.
type RawData = RawJSON

// ErrorParams is the payload of the agent -> controller error callback.
type ErrorParams struct {
	Error   string       `json:"error"`
	AgentID string       `json:"agent_id"`
	Context ErrorContext `json:"context"`
}

// ErrorContext names the in-flight request an error callback terminates.
type ErrorContext struct {
	RequestID string `json:"request_id"`
}

// UpdateModelsParams is the payload of the agent -> controller
// updateModels callback.
type UpdateModelsParams struct {
	AgentID string   `json:"agent_id"`
	Models  []string `json:"models"`
}

// DownloadModelParams is the payload of the controller -> agent
// downloadModel call.
type DownloadModelParams struct {
	ModelURL string `json:"model_url"`
	Filename string `json:"filename"`
}

// StartModelParams is the payload of the controller -> agent startModel
// call.
type StartModelParams struct {
	Model string `json:"model"`
}

// StatusResult is the result of the agent-side status() call.
type StatusResult struct {
	Status          string            `json:"status"`
	InstalledModels []string          `json:"installed_models"`
	LoadedModels    []string          `json:"loaded_models"`
	Metrics         *HardwareSnapshot `json:"metrics,omitempty"`
}
