package piercer

import (
	"context"
	"encoding/json"
	"fmt"
)

// AgentClient is the explicit remote-method caller the controller uses to
// invoke methods on one agent's connection, one named Go method per RPC
// method. It wraps whatever RemoteCaller the registry handed out (normally
// an *rpc.Peer.Remote(connID) proxy; a fake in tests).
type AgentClient struct {
	remote RemoteCaller
}

// NewAgentClient wraps remote as an AgentClient.
func NewAgentClient(remote RemoteCaller) *AgentClient {
	return &AgentClient{remote: remote}
}

// Completion invokes the agent's completion method. The call returns
// almost immediately ({}); the actual stream arrives later via a sequence
// of receiveCompletion callbacks, not as this call's result.
func (c *AgentClient) Completion(ctx context.Context, params CompletionParams) error {
	_, err := c.remote.Call(ctx, MethodCompletion, params)
	return err
}

// Chat invokes the agent's chat method. Same streaming contract as
// Completion.
func (c *AgentClient) Chat(ctx context.Context, params CompletionParams) error {
	_, err := c.remote.Call(ctx, MethodChat, params)
	return err
}

// ListModels asks the agent which model filenames it has installed.
func (c *AgentClient) ListModels(ctx context.Context) ([]string, error) {
	raw, err := c.remote.Call(ctx, MethodListModels, []any{})
	if err != nil {
		return nil, err
	}
	var models []string
	if err := json.Unmarshal(raw, &models); err != nil {
		return nil, fmt.Errorf("piercer: unmarshal listModels result: %w", err)
	}
	return models, nil
}

// CurrentModels asks the agent which model filenames are currently loaded.
func (c *AgentClient) CurrentModels(ctx context.Context) ([]string, error) {
	raw, err := c.remote.Call(ctx, MethodCurrentModels, []any{})
	if err != nil {
		return nil, err
	}
	var models []string
	if err := json.Unmarshal(raw, &models); err != nil {
		return nil, fmt.Errorf("piercer: unmarshal currentModels result: %w", err)
	}
	return models, nil
}

// StartModel asks the agent to load a model ahead of the first request
// targeting it.
func (c *AgentClient) StartModel(ctx context.Context, model string) error {
	_, err := c.remote.Call(ctx, MethodStartModel, StartModelParams{Model: model})
	return err
}

// DownloadModel forwards a management-triggered model download to the
// agent.
func (c *AgentClient) DownloadModel(ctx context.Context, params DownloadModelParams) error {
	_, err := c.remote.Call(ctx, MethodDownloadModel, params)
	return err
}

// Status asks the agent for its current installed/loaded models and latest
// hardware snapshot.
func (c *AgentClient) Status(ctx context.Context) (StatusResult, error) {
	raw, err := c.remote.Call(ctx, MethodStatus, []any{})
	if err != nil {
		return StatusResult{}, err
	}
	var result StatusResult
	if err := json.Unmarshal(raw, &result); err != nil {
		return StatusResult{}, fmt.Errorf("piercer: unmarshal status result: %w", err)
	}
	return result, nil
}

// ControllerClient is the agent-side counterpart: the explicit caller an
// agent uses to report back to the controller (receiveCompletion, error,
// updateModels).
type ControllerClient struct {
	remote RemoteCaller
}

// NewControllerClient wraps remote as a ControllerClient.
func NewControllerClient(remote RemoteCaller) *ControllerClient {
	return &ControllerClient{remote: remote}
}

// ReceiveCompletion forwards one streamed chunk (or the "[DONE]" sentinel)
// to the controller. No buffering: called once per chunk, as the chunk
// arrives.
func (c *ControllerClient) ReceiveCompletion(ctx context.Context, params ReceiveCompletionParams) error {
	_, err := c.remote.Call(ctx, MethodReceiveCompletion, params)
	return err
}

// UpdateModels reports the agent's current installed-model set to the
// controller, e.g. after a download completes.
func (c *ControllerClient) UpdateModels(ctx context.Context, params UpdateModelsParams) error {
	_, err := c.remote.Call(ctx, MethodUpdateModels, params)
	return err
}

// Error reports an inference failure for a specific request_id.
func (c *ControllerClient) Error(ctx context.Context, params ErrorParams) error {
	_, err := c.remote.Call(ctx, MethodError, params)
	return err
}
