// Package metrics exposes Prometheus instrumentation for the agent
// runtime. All metrics use the odyssey_ namespace.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the runtime's Prometheus collectors.
type Metrics struct {
	registry *prometheus.Registry

	PermissionDecisions *prometheus.CounterVec
	ApprovalsTotal      *prometheus.CounterVec
	CacheHitsTotal      prometheus.Counter
	ToolCallsTotal      *prometheus.CounterVec
	ExecDuration        *prometheus.HistogramVec
	SandboxFailures     *prometheus.CounterVec
	EventsDroppedTotal  prometheus.Counter
	ActiveToolCalls     prometheus.Gauge
}

// New creates and registers all runtime metrics on a fresh registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()

	m := &Metrics{
		registry: reg,

		PermissionDecisions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "odyssey",
			Subsystem: "permission",
			Name:      "decisions_total",
			Help:      "Permission decisions by source (cache, hook, rule, mode, approval) and outcome.",
		}, []string{"source", "outcome"}),

		ApprovalsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "odyssey",
			Subsystem: "permission",
			Name:      "approvals_total",
			Help:      "Escalated approval requests by decision.",
		}, []string{"decision"}),

		CacheHitsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "odyssey",
			Subsystem: "permission",
			Name:      "cache_hits_total",
			Help:      "Permission requests answered from the decision cache.",
		}),

		ToolCallsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "odyssey",
			Subsystem: "tool",
			Name:      "calls_total",
			Help:      "Tool calls by tool name and final state.",
		}, []string{"tool", "state"}),

		ExecDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "odyssey",
			Subsystem: "sandbox",
			Name:      "exec_duration_seconds",
			Help:      "Sandboxed command duration in seconds by provider.",
			Buckets:   []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60, 300},
		}, []string{"provider"}),

		SandboxFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "odyssey",
			Subsystem: "sandbox",
			Name:      "failures_total",
			Help:      "Sandbox provisioning and execution failures by provider.",
		}, []string{"provider"}),

		EventsDroppedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "odyssey",
			Subsystem: "events",
			Name:      "dropped_total",
			Help:      "Events dropped because a subscriber buffer was full.",
		}),

		ActiveToolCalls: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "odyssey",
			Subsystem: "tool",
			Name:      "active_calls",
			Help:      "Number of tool calls currently in flight.",
		}),
	}

	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.PermissionDecisions,
		m.ApprovalsTotal,
		m.CacheHitsTotal,
		m.ToolCallsTotal,
		m.ExecDuration,
		m.SandboxFailures,
		m.EventsDroppedTotal,
		m.ActiveToolCalls,
	)

	return m
}

// Handler returns the HTTP handler serving the /metrics exposition.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Serve starts a blocking HTTP server exposing /metrics on addr.
func (m *Metrics) Serve(addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", m.Handler())
	return http.ListenAndServe(addr, mux)
}
