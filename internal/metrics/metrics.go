// Package metrics exposes Prometheus instruments for the coordination layer.
// All methods are safe on a nil *Collector so components can run without
// metrics wired in.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "synodos"

type Collector struct {
	registry *prometheus.Registry

	invocationsTotal   *prometheus.CounterVec
	invocationDuration *prometheus.HistogramVec

	graphRunsTotal  *prometheus.CounterVec
	graphStepsTotal *prometheus.CounterVec
	graphDuration   *prometheus.HistogramVec

	delegationsTotal *prometheus.CounterVec

	handoffTransitions *prometheus.CounterVec
	handoffConflicts   prometheus.Counter

	routesTotal *prometheus.CounterVec

	janitorRemoved *prometheus.CounterVec
}

// New builds a collector on its own registry, so tests can create as many
// as they like.
func New() *Collector {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	f := promauto.With(reg)

	return &Collector{
		registry: reg,
		invocationsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "agent_invocations_total",
			Help:      "Agent invocations by outcome (ok, error, timeout, cancelled).",
		}, []string{"agent", "outcome"}),
		invocationDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "agent_invocation_duration_seconds",
			Help:      "Agent invocation latency.",
			Buckets:   []float64{0.05, 0.1, 0.5, 1, 2, 5, 10, 30, 60},
		}, []string{"agent"}),
		graphRunsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "graph_runs_total",
			Help:      "Task graph executions by mode and final status.",
		}, []string{"mode", "status"}),
		graphStepsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "graph_steps_total",
			Help:      "Task graph steps by outcome (succeeded, failed, skipped).",
		}, []string{"outcome"}),
		graphDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "graph_duration_seconds",
			Help:      "Task graph execution latency.",
			Buckets:   prometheus.ExponentialBuckets(0.1, 2, 12),
		}, []string{"mode"}),
		delegationsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "delegations_total",
			Help:      "Fan-out delegations by strategy.",
		}, []string{"strategy"}),
		handoffTransitions: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "handoff_transitions_total",
			Help:      "Handoff state transitions.",
		}, []string{"from", "to"}),
		handoffConflicts: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "handoff_conflicts_total",
			Help:      "Handoff initiations rejected because the thread already had one.",
		}),
		routesTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "router_routes_total",
			Help:      "Inbound messages by routing path.",
		}, []string{"path"}),
		janitorRemoved: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "janitor_removed_total",
			Help:      "Records removed by the janitor, by kind.",
		}, []string{"kind"}),
	}
}

func (c *Collector) Registry() *prometheus.Registry {
	if c == nil {
		return nil
	}
	return c.registry
}

// Handler serves the collector's registry in the Prometheus text format.
func (c *Collector) Handler() http.Handler {
	if c == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}

func (c *Collector) RecordInvocation(agentID, outcome string, d time.Duration) {
	if c == nil {
		return
	}
	c.invocationsTotal.WithLabelValues(agentID, outcome).Inc()
	c.invocationDuration.WithLabelValues(agentID).Observe(d.Seconds())
}

func (c *Collector) RecordGraph(mode, status string, d time.Duration) {
	if c == nil {
		return
	}
	c.graphRunsTotal.WithLabelValues(mode, status).Inc()
	c.graphDuration.WithLabelValues(mode).Observe(d.Seconds())
}

func (c *Collector) RecordStep(outcome string) {
	if c == nil {
		return
	}
	c.graphStepsTotal.WithLabelValues(outcome).Inc()
}

func (c *Collector) RecordDelegation(strategy string) {
	if c == nil {
		return
	}
	c.delegationsTotal.WithLabelValues(strategy).Inc()
}

func (c *Collector) RecordHandoffTransition(from, to string) {
	if c == nil {
		return
	}
	c.handoffTransitions.WithLabelValues(from, to).Inc()
}

func (c *Collector) RecordHandoffConflict() {
	if c == nil {
		return
	}
	c.handoffConflicts.Inc()
}

func (c *Collector) RecordRoute(path string) {
	if c == nil {
		return
	}
	c.routesTotal.WithLabelValues(path).Inc()
}

func (c *Collector) RecordJanitor(kind string, n int) {
	if c == nil || n <= 0 {
		return
	}
	c.janitorRemoved.WithLabelValues(kind).Add(float64(n))
}
