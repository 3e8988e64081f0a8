package router

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/0xlynett/piercer/pkg/piercer"
)

// handleChatCompletions implements POST /v1/chat/completions.
func (rt *Router) handleChatCompletions(w http.ResponseWriter, r *http.Request) {
	rt.handleCompletionPipeline(w, r, piercer.MethodChat)
}

// handleCompletions implements POST /v1/completions.
func (rt *Router) handleCompletions(w http.ResponseWriter, r *http.Request) {
	rt.handleCompletionPipeline(w, r, piercer.MethodCompletion)
}

// handleCompletionPipeline runs the dispatch pipeline shared by both
// OpenAI-compatible endpoints; method selects which agent RPC method
// carries the request (chat vs completion).
func (rt *Router) handleCompletionPipeline(w http.ResponseWriter, r *http.Request, method string) {
	var body piercer.MapAny
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	publicModel, _ := body["model"].(string)
	if publicModel == "" {
		writeJSONError(w, http.StatusBadRequest, "model is required")
		return
	}
	stream, _ := body["stream"].(bool)

	// Step 1: resolve model.
	internalName, ok := rt.Mappings.Get(publicModel)
	if !ok {
		rt.Metrics.CompletionRequests.WithLabelValues("not_found").Inc()
		writeJSONError(w, http.StatusNotFound, "unknown model: "+publicModel)
		return
	}

	// Step 2: select agent.
	candidates := rt.Registry.FindForModel(internalName)
	agent := selectAgent(candidates, internalName)
	if agent == nil {
		rt.Metrics.CompletionRequests.WithLabelValues("no_agent").Inc()
		writeJSONError(w, http.StatusServiceUnavailable, "no agent available for model: "+publicModel)
		return
	}

	// Step 3: mint request_id.
	requestID := newRequestID()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	if stream {
		rt.runStreaming(w, r, ctx, cancel, method, agent, publicModel, internalName, requestID, body)
		return
	}
	rt.runBuffered(w, r, ctx, cancel, method, agent, publicModel, internalName, requestID, body)
}

func (rt *Router) runStreaming(w http.ResponseWriter, r *http.Request, ctx context.Context, cancel context.CancelFunc, method string, agent *piercer.Agent, publicModel, internalName, requestID string, body piercer.MapAny) {
	sink, err := newHTTPSSESink(w)
	if err != nil {
		writeJSONError(w, http.StatusInternalServerError, err.Error())
		return
	}

	f := &InFlight{
		RequestID:   requestID,
		PublicModel: publicModel,
		AgentID:     agent.ID,
		Sink:        sink,
		StartedAt:   time.Now(),
		Cancel:      cancel,
	}
	rt.registerInFlight(f, agent)

	if err := rt.invokeAgent(ctx, method, agent, requestID, internalName, body); err != nil {
		rt.Log.Warn("router: agent call failed", "agent_id", agent.ID, "request_id", requestID, "error", err)
		if popped, ok := rt.InFlight.Pop(requestID); ok {
			rt.finishAndAccount(popped, agent.ID, err.Error())
		}
		return
	}
	// Acknowledgment means the agent's worker accepted the request, so the
	// model is now loaded there; future dispatch can prefer this agent.
	rt.Registry.MarkLoaded(agent.ID, internalName)

	select {
	case <-sink.Done():
	case <-r.Context().Done():
		// Client disconnected: drop further chunks. The agent's in-flight
		// work is left running; f.Cancel is the hook if that ever changes.
		f.markClientGone()
		if _, ok := rt.InFlight.Pop(requestID); ok {
			rt.Registry.IncrementPending(agent.ID, -1)
			rt.Metrics.InflightRequests.WithLabelValues(agent.ID).Dec()
		}
	}
}

func (rt *Router) runBuffered(w http.ResponseWriter, r *http.Request, ctx context.Context, cancel context.CancelFunc, method string, agent *piercer.Agent, publicModel, internalName, requestID string, body piercer.MapAny) {
	sink := newBufferSink()

	f := &InFlight{
		RequestID:   requestID,
		PublicModel: publicModel,
		AgentID:     agent.ID,
		Sink:        sink,
		StartedAt:   time.Now(),
		Cancel:      cancel,
	}
	rt.registerInFlight(f, agent)

	if err := rt.invokeAgent(ctx, method, agent, requestID, internalName, body); err != nil {
		rt.InFlight.Remove(requestID)
		rt.Registry.IncrementPending(agent.ID, -1)
		rt.Metrics.InflightRequests.WithLabelValues(agent.ID).Dec()
		rt.Metrics.CompletionRequests.WithLabelValues("error").Inc()
		status := http.StatusBadGateway
		if strings.Contains(err.Error(), "pool full") {
			status = http.StatusServiceUnavailable
		}
		writeJSONError(w, status, err.Error())
		return
	}
	rt.Registry.MarkLoaded(agent.ID, internalName)

	select {
	case <-sink.Done():
		contents, errMsg := sink.Wait()
		if errMsg != "" {
			writeJSONError(w, http.StatusBadGateway, errMsg)
			return
		}
		writeJSON(w, http.StatusOK, buildAggregateResponse(requestID, publicModel, contents))

	case <-r.Context().Done():
		f.markClientGone()
		if _, ok := rt.InFlight.Pop(requestID); ok {
			rt.Registry.IncrementPending(agent.ID, -1)
			rt.Metrics.InflightRequests.WithLabelValues(agent.ID).Dec()
		}
	}
}

func (rt *Router) registerInFlight(f *InFlight, agent *piercer.Agent) {
	rt.InFlight.Register(f)
	rt.Registry.IncrementPending(agent.ID, 1)
	rt.Metrics.InflightRequests.WithLabelValues(agent.ID).Inc()
}

func (rt *Router) finishAndAccount(f *InFlight, agentID, errMsg string) {
	f.finish(errMsg)
	rt.Registry.IncrementPending(agentID, -1)
	rt.Metrics.InflightRequests.WithLabelValues(agentID).Dec()
	rt.Metrics.CompletionRequests.WithLabelValues("error").Inc()
}

func (rt *Router) invokeAgent(ctx context.Context, method string, agent *piercer.Agent, requestID, internalName string, body piercer.MapAny) error {
	client := piercer.NewAgentClient(agent.Socket)
	params := piercer.CompletionParams{RequestID: requestID, Model: internalName, Body: body}
	if method == piercer.MethodChat {
		return client.Chat(ctx, params)
	}
	return client.Completion(ctx, params)
}

// buildAggregateResponse assembles the non-streaming OpenAI-compatible
// response body from the per-choice concatenated content.
func buildAggregateResponse(requestID, model string, contents []string) piercer.MapAny {
	choices := make([]piercer.MapAny, 0, len(contents))
	for i, content := range contents {
		choices = append(choices, piercer.MapAny{
			"index": i,
			"message": piercer.MapAny{
				"role":    "assistant",
				"content": content,
			},
			"finish_reason": "stop",
		})
	}
	return piercer.MapAny{
		"id":      requestID,
		"object":  "chat.completion",
		"created": time.Now().Unix(),
		"model":   model,
		"choices": choices,
	}
}
