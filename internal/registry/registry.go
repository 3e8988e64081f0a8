// Package registry implements the controller's agent registry: the set of
// connected agents keyed by agent id, duplicate-id eviction, and the
// per-agent model index the router uses for dispatch.
package registry

import (
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/0xlynett/piercer/pkg/piercer"
)

// EventKind tags a registry change event.
type EventKind int

const (
	EventAgentConnected EventKind = iota
	EventAgentUpdated
	EventAgentDisconnected
)

// Event is delivered to every registered listener on a registry change.
type Event struct {
	Kind    EventKind
	AgentID string
}

// Registry is the controller's live set of connected agents. All mutation
// goes through its methods; a *piercer.Agent returned by a read method must
// not be mutated by the caller.
type Registry struct {
	mu     sync.RWMutex
	agents map[string]*entry
	log    *slog.Logger

	listenersMu sync.Mutex
	listeners   []chan Event
}

type entry struct {
	agent *piercer.Agent
	// pendingRequestCount is advisory: incremented on dispatch,
	// decremented on terminal delivery, and rendered moot on disconnect
	// since the whole entry is dropped.
	pendingRequestCount int64
}

// New creates an empty Registry.
func New(log *slog.Logger) *Registry {
	if log == nil {
		log = slog.Default()
	}
	return &Registry{agents: make(map[string]*entry), log: log}
}

// Subscribe returns a channel of future registry events. The channel has a
// small buffer; a slow consumer can miss events rather than stall the
// registry.
func (r *Registry) Subscribe() <-chan Event {
	ch := make(chan Event, 32)
	r.listenersMu.Lock()
	r.listeners = append(r.listeners, ch)
	r.listenersMu.Unlock()
	return ch
}

func (r *Registry) fire(evt Event) {
	r.listenersMu.Lock()
	defer r.listenersMu.Unlock()
	for _, ch := range r.listeners {
		select {
		case ch <- evt:
		default:
			r.log.Warn("registry: listener channel full, event dropped", "kind", evt.Kind, "agent_id", evt.AgentID)
		}
	}
}

// Register installs a new agent record. If agent_id already exists, the
// prior holder's socket is closed with code 1001 (deliberate eviction)
// before the new record replaces it.
func (r *Registry) Register(id, name string, installedModels []string, socket piercer.RemoteCaller) *piercer.Agent {
	r.mu.Lock()
	prior, existed := r.agents[id]
	agent := &piercer.Agent{
		ID:              id,
		Name:            name,
		Socket:          socket,
		InstalledModels: dedupOrdered(installedModels),
		RegisteredAt:    time.Now(),
	}
	r.agents[id] = &entry{agent: agent}
	r.mu.Unlock()

	if existed {
		r.log.Info("registry: evicting prior connection for duplicate agent id", "agent_id", id)
		if err := prior.agent.Socket.Close(1001, "replaced by new connection"); err != nil {
			r.log.Warn("registry: error closing evicted socket", "agent_id", id, "error", err)
		}
	}

	r.fire(Event{Kind: EventAgentConnected, AgentID: id})
	return agent
}

// UpdateModels replaces an agent's installed-model set, keeping only the
// loaded models that remain installed: a loaded model must always
// correspond to an installed filename.
func (r *Registry) UpdateModels(id string, installedModels []string) {
	r.mu.Lock()
	e, ok := r.agents[id]
	if !ok {
		r.mu.Unlock()
		return
	}
	installed := dedupOrdered(installedModels)
	installedSet := toSet(installed)
	e.agent.InstalledModels = installed
	e.agent.LoadedModels = filterInSet(e.agent.LoadedModels, installedSet)
	r.mu.Unlock()

	r.fire(Event{Kind: EventAgentUpdated, AgentID: id})
}

// UpdateLoaded replaces an agent's loaded-model set.
func (r *Registry) UpdateLoaded(id string, loadedModels []string) {
	r.mu.Lock()
	e, ok := r.agents[id]
	if !ok {
		r.mu.Unlock()
		return
	}
	e.agent.LoadedModels = dedupOrdered(loadedModels)
	r.mu.Unlock()

	r.fire(Event{Kind: EventAgentUpdated, AgentID: id})
}

// MarkLoaded records that id now has internalName loaded, e.g. once the
// agent has acknowledged an inference request for it. No-op if it is
// already marked.
func (r *Registry) MarkLoaded(id, internalName string) {
	r.mu.Lock()
	e, ok := r.agents[id]
	changed := ok && !contains(e.agent.LoadedModels, internalName)
	if changed {
		e.agent.LoadedModels = append(e.agent.LoadedModels, internalName)
	}
	r.mu.Unlock()

	if changed {
		r.fire(Event{Kind: EventAgentUpdated, AgentID: id})
	}
}

// UpdateMetrics records an agent's most recent hardware snapshot.
func (r *Registry) UpdateMetrics(id string, snapshot *piercer.HardwareSnapshot) {
	r.mu.Lock()
	if e, ok := r.agents[id]; ok {
		e.agent.LastMetrics = snapshot
	}
	r.mu.Unlock()
}

// IncrementPending bumps id's advisory pending-request count by delta
// (positive on dispatch, negative on terminal delivery) and stores it on
// the agent record for the router's dispatch policy to read.
func (r *Registry) IncrementPending(id string, delta int64) {
	r.mu.RLock()
	e, ok := r.agents[id]
	r.mu.RUnlock()
	if !ok {
		return
	}
	atomic.AddInt64(&e.pendingRequestCount, delta)
	atomic.StoreInt64(&e.agent.PendingRequestCount, atomic.LoadInt64(&e.pendingRequestCount))
}

// Deregister removes id's record, e.g. on transport close. Returns the
// removed agent, or nil if it was not present. The caller (the controller's
// connection handler) is responsible for aborting in-flight requests bound
// to this agent; the registry only owns the connected-agent set.
func (r *Registry) Deregister(id string) *piercer.Agent {
	r.mu.Lock()
	e, ok := r.agents[id]
	if ok {
		delete(r.agents, id)
	}
	r.mu.Unlock()

	if !ok {
		return nil
	}
	r.fire(Event{Kind: EventAgentDisconnected, AgentID: id})
	return e.agent
}

// List returns all registered agents in stable registration order.
func (r *Registry) List() []*piercer.Agent {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*piercer.Agent, 0, len(r.agents))
	for _, e := range r.agents {
		out = append(out, e.agent)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].RegisteredAt.Before(out[j].RegisteredAt) })
	return out
}

// FindForModel returns, in stable registration order, every agent whose
// InstalledModels contains internalName.
func (r *Registry) FindForModel(internalName string) []*piercer.Agent {
	all := r.List()
	out := make([]*piercer.Agent, 0, len(all))
	for _, a := range all {
		if contains(a.InstalledModels, internalName) {
			out = append(out, a)
		}
	}
	return out
}

// Get returns the agent for id, if connected.
func (r *Registry) Get(id string) (*piercer.Agent, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.agents[id]
	if !ok {
		return nil, false
	}
	return e.agent, true
}

func dedupOrdered(in []string) []string {
	seen := make(map[string]struct{}, len(in))
	out := make([]string, 0, len(in))
	for _, v := range in {
		if _, ok := seen[v]; ok {
			continue
		}
		seen[v] = struct{}{}
		out = append(out, v)
	}
	return out
}

func toSet(in []string) map[string]struct{} {
	s := make(map[string]struct{}, len(in))
	for _, v := range in {
		s[v] = struct{}{}
	}
	return s
}

func filterInSet(in []string, set map[string]struct{}) []string {
	out := make([]string, 0, len(in))
	for _, v := range in {
		if _, ok := set[v]; ok {
			out = append(out, v)
		}
	}
	return out
}

func contains(in []string, v string) bool {
	for _, x := range in {
		if x == v {
			return true
		}
	}
	return false
}
