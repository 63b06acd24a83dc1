// Package metrics exposes Prometheus metrics for logins, tool servers and tool
// invocations.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/chukul/cloudchat/internal/supervisor"
	"github.com/chukul/cloudchat/internal/toolclient"
)

var serverStates = []supervisor.State{
	supervisor.StateStopped,
	supervisor.StateStarting,
	supervisor.StateReady,
	supervisor.StateDegraded,
	supervisor.StateCrashed,
}

// Collector implements the observer interfaces of the sso, supervisor and
// toolclient packages.
type Collector struct {
	logins      *prometheus.CounterVec
	serverState *prometheus.GaugeVec
	restarts    *prometheus.CounterVec
	invocations *prometheus.CounterVec
	latency     *prometheus.HistogramVec
}

// NewCollector creates a Collector and registers its metrics with reg.
func NewCollector(reg prometheus.Registerer) *Collector {
	c := &Collector{
		logins: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "cloudchat_logins_total",
			Help: "SSO login attempts by outcome.",
		}, []string{"profile", "outcome"}),
		serverState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "cloudchat_tool_server_state",
			Help: "1 for the current state of each tool server, 0 otherwise.",
		}, []string{"server", "state"}),
		restarts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "cloudchat_tool_server_restarts_total",
			Help: "Automatic tool server restarts.",
		}, []string{"server"}),
		invocations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "cloudchat_tool_invocations_total",
			Help: "Tool invocations by outcome.",
		}, []string{"server", "operation", "outcome"}),
		latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "cloudchat_tool_invocation_seconds",
			Help:    "Tool invocation latency in seconds.",
			Buckets: prometheus.DefBuckets,
		}, []string{"server"}),
	}

	reg.MustRegister(
		c.logins,
		c.serverState,
		c.restarts,
		c.invocations,
		c.latency,
	)
	return c
}

func (c *Collector) RecordLogin(profileName, outcome string) {
	c.logins.WithLabelValues(profileName, outcome).Inc()
}

func (c *Collector) ServerState(server string, state supervisor.State) {
	for _, s := range serverStates {
		v := 0.0
		if s == state {
			v = 1
		}
		c.serverState.WithLabelValues(server, string(s)).Set(v)
	}
}

func (c *Collector) ServerRestarted(server string) {
	c.restarts.WithLabelValues(server).Inc()
}

func (c *Collector) InvocationFinished(server, operation string, outcome toolclient.Outcome, d time.Duration) {
	c.invocations.WithLabelValues(server, operation, string(outcome)).Inc()
	if d > 0 {
		c.latency.WithLabelValues(server).Observe(d.Seconds())
	}
}

// Handler serves /metrics from gatherer.
func Handler(gatherer prometheus.Gatherer) http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
	return mux
}
