// Package metrics exposes the controller and agent's Prometheus metrics,
// each registered on its own private registry and served from GET /metrics.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Controller holds the controller process's metrics.
type Controller struct {
	registry *prometheus.Registry

	AgentsConnected    prometheus.Gauge
	InflightRequests   *prometheus.GaugeVec
	CompletionRequests *prometheus.CounterVec
	RPCErrors          *prometheus.CounterVec
}

// NewController creates and registers the controller's metrics on a fresh
// registry.
func NewController() *Controller {
	reg := prometheus.NewRegistry()
	c := &Controller{
		registry: reg,
		AgentsConnected: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "piercer_agents_connected",
			Help: "Number of agents currently connected to the controller.",
		}),
		InflightRequests: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "piercer_inflight_requests",
			Help: "Number of in-flight completion requests, by agent id.",
		}, []string{"agent_id"}),
		CompletionRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "piercer_completion_requests_total",
			Help: "Total completion/chat requests handled, by terminal status.",
		}, []string{"status"}),
		RPCErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "piercer_rpc_errors_total",
			Help: "Total JSON-RPC error responses sent, by error code.",
		}, []string{"code"}),
	}
	reg.MustRegister(c.AgentsConnected, c.InflightRequests, c.CompletionRequests, c.RPCErrors)
	return c
}

// Handler returns the promhttp handler to mount at GET /metrics.
func (c *Controller) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}

// Agent holds the agent process's metrics (process pool worker states).
type Agent struct {
	registry       *prometheus.Registry
	workerStateVec *prometheus.GaugeVec
}

// NewAgent creates and registers the agent's metrics on a fresh registry.
func NewAgent() *Agent {
	reg := prometheus.NewRegistry()
	a := &Agent{
		registry: reg,
		workerStateVec: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "piercer_worker_state",
			Help: "1 if a model worker is currently in the labeled state, else 0.",
		}, []string{"model_name", "state"}),
	}
	reg.MustRegister(a.workerStateVec)
	return a
}

// Handler returns the promhttp handler to mount at GET /metrics.
func (a *Agent) Handler() http.Handler {
	return promhttp.HandlerFor(a.registry, promhttp.HandlerOpts{})
}

// WorkerStateVec returns the piercer_worker_state{model_name,state} gauge,
// set to 1 for the worker's current state and 0 otherwise by the pool each
// time it transitions.
func (a *Agent) WorkerStateVec() *prometheus.GaugeVec {
	return a.workerStateVec
}
