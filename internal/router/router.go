// Package router implements the controller's request router and streaming
// proxy: the pipeline from an accepted HTTP completion/chat request through
// agent selection, RPC dispatch, and chunk correlation back to an SSE (or
// buffered, non-streaming) sink. It also owns the controller-side RPC
// methods agents call back into (receiveCompletion, updateModels, error)
// and the WebSocket accept path that wires a new connection into the agent
// registry.
package router

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/0xlynett/piercer/internal/mapping"
	"github.com/0xlynett/piercer/internal/metrics"
	"github.com/0xlynett/piercer/internal/registry"
	"github.com/0xlynett/piercer/pkg/piercer"
	"github.com/0xlynett/piercer/pkg/rpc"
	"github.com/0xlynett/piercer/pkg/rpc/wsduplex"
)

// Router wires the agent registry, model mapping store, in-flight table,
// and the shared RPC peer into the controller's HTTP and WebSocket
// surface.
type Router struct {
	Registry *registry.Registry
	Mappings *mapping.Store
	InFlight *InFlightTable
	Metrics  *metrics.Controller

	Peer        *rpc.Peer
	Acceptor    *wsduplex.Acceptor
	AgentSecret string
	APIKey      string // optional; empty means /v1/* is unauthenticated

	Log *slog.Logger
}

// New creates a Router and registers its controller-side RPC methods
// (receiveCompletion, updateModels, error) on peer.
func New(peer *rpc.Peer, acceptor *wsduplex.Acceptor, reg *registry.Registry, mappings *mapping.Store, m *metrics.Controller, agentSecret, apiKey string, log *slog.Logger) *Router {
	if log == nil {
		log = slog.Default()
	}
	rt := &Router{
		Registry:    reg,
		Mappings:    mappings,
		InFlight:    NewInFlightTable(),
		Metrics:     m,
		Peer:        peer,
		Acceptor:    acceptor,
		AgentSecret: agentSecret,
		APIKey:      apiKey,
		Log:         log,
	}
	rt.registerRPCMethods()
	return rt
}

func (rt *Router) registerRPCMethods() {
	rt.Peer.Register(piercer.MethodReceiveCompletion, rt.handleReceiveCompletion)
	rt.Peer.Register(piercer.MethodUpdateModels, rt.handleUpdateModels)
	rt.Peer.Register(piercer.MethodError, rt.handleError)
}

// Mount registers the controller's HTTP routes onto r.
func (rt *Router) Mount(r chi.Router) {
	r.Get("/health", rt.handleHealth)
	r.Get("/api/info", rt.handleInfo)
	r.Get("/ws", rt.handleAgentWS)

	r.Get("/management/agents", rt.handleListAgents)
	r.Get("/management/mappings", rt.handleListMappings)
	r.Post("/management/mappings", rt.handleCreateMapping)
	r.Delete("/management/mappings/{publicName}", rt.handleDeleteMapping)
	r.Post("/management/agents/{id}/models/download", rt.handleDownloadModel)

	r.Get("/metrics", rt.Metrics.Handler().ServeHTTP)

	r.Group(func(v1 chi.Router) {
		v1.Use(rt.apiKeyMiddleware)
		v1.Post("/v1/chat/completions", rt.handleChatCompletions)
		v1.Post("/v1/completions", rt.handleCompletions)
	})
}

func (rt *Router) apiKeyMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if rt.APIKey == "" {
			next.ServeHTTP(w, r)
			return
		}
		token := bearerToken(r.Header.Get("Authorization"))
		if subtle.ConstantTimeCompare([]byte(token), []byte(rt.APIKey)) != 1 {
			writeJSONError(w, http.StatusUnauthorized, "invalid API key")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func bearerToken(header string) string {
	const prefix = "Bearer "
	if strings.HasPrefix(header, prefix) {
		return strings.TrimPrefix(header, prefix)
	}
	return ""
}

func (rt *Router) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
}

func (rt *Router) handleInfo(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"name":    "piercer-controller",
		"version": Version,
	})
}

// Version is set by cmd/piercer-controller at build time (or left at its
// default for dev builds).
var Version = "dev"

// --- WebSocket accept path ---

func (rt *Router) handleAgentWS(w http.ResponseWriter, r *http.Request) {
	agentID := r.Header.Get("agent-id")
	agentName := r.Header.Get("agent-name")
	if agentID == "" {
		writeJSONError(w, http.StatusBadRequest, "agent-id header required")
		return
	}

	token := bearerToken(r.Header.Get("authorization"))
	if subtle.ConstantTimeCompare([]byte(token), []byte(rt.AgentSecret)) != 1 {
		rt.Log.Warn("router: agent auth failed", "agent_id", agentID)
		if err := rt.Acceptor.Reject(w, r, rpc.CloseAuthFail, "authentication failed"); err != nil {
			rt.Log.Warn("router: reject failed", "agent_id", agentID, "error", err)
		}
		return
	}

	installed := parseModelsHeader(r.Header.Get("agent-installed-models"))

	// Accept before registering so the connection is routable the moment
	// dispatch can see the agent.
	conn, err := rt.Acceptor.Accept(w, r, agentID)
	if err != nil {
		rt.Log.Warn("router: ws upgrade failed", "agent_id", agentID, "error", err)
		return
	}

	socket := agentSocket{RemoteProxy: rt.Peer.Remote(agentID), conn: conn}
	agent := rt.Registry.Register(agentID, agentName, installed, socket)
	rt.Log.Info("router: agent connected", "agent_id", agentID, "name", agentName, "installed_models", installed)
	rt.Metrics.AgentsConnected.Set(float64(len(rt.Registry.List())))

	if err := rt.Acceptor.ReadLoop(conn); err != nil {
		rt.Log.Warn("router: ws connection ended with error", "agent_id", agentID, "error", err)
	}

	// Only tear down the registry entry if we are still the current
	// holder of agentID: a duplicate registration from a newer connection
	// may have already evicted and replaced us, in which case that
	// connection's own handleAgentWS call owns deregistration when it, in
	// turn, closes.
	if current, ok := rt.Registry.Get(agentID); ok && current == agent {
		rt.Registry.Deregister(agentID)
		rt.Log.Info("router: agent disconnected", "agent_id", agentID)
		rt.Metrics.AgentsConnected.Set(float64(len(rt.Registry.List())))
		rt.abortInFlightForAgent(agentID)
	}
}

func (rt *Router) abortInFlightForAgent(agentID string) {
	for _, f := range rt.InFlight.AbortForAgent(agentID) {
		f.finish("agent disconnected")
		rt.Metrics.InflightRequests.WithLabelValues(agentID).Dec()
		rt.Metrics.CompletionRequests.WithLabelValues("error").Inc()
	}
}

// Shutdown terminates every tracked in-flight request with reason, so
// their SSE streams close instead of hanging until the process exits. It
// calls finish directly rather than only canceling each request's context:
// the streaming/buffered handlers block on sink.Done()/r.Context().Done()
// and never observe the per-request context.
func (rt *Router) Shutdown(reason string) {
	for _, f := range rt.InFlight.Snapshot() {
		popped, ok := rt.InFlight.Pop(f.RequestID)
		if !ok {
			continue
		}
		popped.Cancel()
		rt.finishAndAccount(popped, popped.AgentID, reason)
	}
}

// agentSocket addresses calls at the agent id's current connection but
// closes the specific connection it was created with: evicting a duplicate
// id must tear down the displaced connection, never its replacement.
type agentSocket struct {
	*rpc.RemoteProxy
	conn *wsduplex.Conn
}

func (s agentSocket) Close(code int, reason string) error {
	return s.conn.CloseWith(code, reason)
}

func parseModelsHeader(v string) []string {
	if v == "" {
		return nil
	}
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}

// --- Controller-side RPC methods, callable by agents ---

func decodeParams(raw json.RawMessage, target any) error {
	return json.Unmarshal(raw, target)
}

func (rt *Router) handleReceiveCompletion(ctx context.Context, connID string, raw json.RawMessage) (any, error) {
	var params piercer.ReceiveCompletionParams
	if err := decodeParams(raw, &params); err != nil {
		return nil, err
	}

	f, ok := rt.InFlight.Get(params.RequestID)
	if !ok {
		return struct{}{}, nil // unknown or already-terminated request_id: drop silently
	}

	if isDoneSentinel(params.Data) {
		if popped, ok := rt.InFlight.Pop(params.RequestID); ok {
			popped.finish("")
			rt.Registry.IncrementPending(connID, -1)
			rt.Metrics.InflightRequests.WithLabelValues(connID).Dec()
			rt.Metrics.CompletionRequests.WithLabelValues("ok").Inc()
		}
		return struct{}{}, nil
	}

	f.deliverChunk(params.Data)
	return struct{}{}, nil
}

func (rt *Router) handleUpdateModels(ctx context.Context, connID string, raw json.RawMessage) (any, error) {
	var params piercer.UpdateModelsParams
	if err := decodeParams(raw, &params); err != nil {
		return nil, err
	}
	rt.Registry.UpdateModels(connID, params.Models)
	return struct{}{}, nil
}

func (rt *Router) handleError(ctx context.Context, connID string, raw json.RawMessage) (any, error) {
	var params piercer.ErrorParams
	if err := decodeParams(raw, &params); err != nil {
		return nil, err
	}

	if popped, ok := rt.InFlight.Pop(params.Context.RequestID); ok {
		popped.finish(params.Error)
		rt.Registry.IncrementPending(connID, -1)
		rt.Metrics.InflightRequests.WithLabelValues(connID).Dec()
		rt.Metrics.CompletionRequests.WithLabelValues("error").Inc()
		rt.Log.Warn("router: agent reported inference error", "agent_id", connID, "request_id", params.Context.RequestID, "error", params.Error)
	}
	return struct{}{}, nil
}

// newRequestID mints a UUID unique within this controller process.
func newRequestID() string { return uuid.NewString() }
