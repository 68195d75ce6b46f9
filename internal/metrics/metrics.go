// Package metrics is the fabric's Prometheus metrics surface (C11): one
// registry, constructed at the composition root instead of a package-level
// global. The composition root hands the underlying registry to
// internal/bus, whose own counters register against it; the Registry's
// vectors are registered and exposed on /metrics, but no component is
// handed them and nothing increments them. Grounded on internal/bus's own Metrics struct (CounterVec per
// concern) and on 99souls-ariadne's telemetry/metrics/prometheus.go, which
// shows the same "register once, reuse a typed wrapper everywhere" idiom
// the teacher's dependency (github.com/prometheus/client_golang) is built
// for.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Registry bundles every metrics vector the fabric's components observe.
type Registry struct {
	reg *prometheus.Registry

	ConnectorStateTransitions *prometheus.CounterVec
	ConnectorReconnects       *prometheus.CounterVec
	EventsPublished           *prometheus.CounterVec
	RulesEvaluated            *prometheus.CounterVec
	RulesThrottled            *prometheus.CounterVec
	ActionsDispatched         *prometheus.CounterVec
	ActionsRetried            *prometheus.CounterVec
	ActionDispatchLatency     *prometheus.HistogramVec
	CorrelationSpeedSamples   *prometheus.CounterVec
	CorrelationAlerts         *prometheus.CounterVec
}

// New constructs and registers every fabric metric against a fresh
// registry.
func New() *Registry {
	reg := prometheus.NewRegistry()

	r := &Registry{
		reg: reg,
		ConnectorStateTransitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "fabric_connector_state_transitions_total",
			Help: "Connector runtime state transitions, by connector and resulting state.",
		}, []string{"connector_id", "state"}),
		ConnectorReconnects: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "fabric_connector_reconnect_attempts_total",
			Help: "Reconnection attempts scheduled by the connector runtime.",
		}, []string{"connector_id"}),
		EventsPublished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "fabric_events_published_total",
			Help: "Events published to the event bus, by type.",
		}, []string{"type"}),
		RulesEvaluated: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "fabric_rules_evaluated_total",
			Help: "Rule evaluations, by rule id and match outcome.",
		}, []string{"rule_id", "matched"}),
		RulesThrottled: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "fabric_rules_throttled_total",
			Help: "Rule firings suppressed by the throttle window.",
		}, []string{"rule_id"}),
		ActionsDispatched: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "fabric_actions_dispatched_total",
			Help: "Action invocations dispatched, by connector and outcome.",
		}, []string{"connector_id", "outcome"}),
		ActionsRetried: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "fabric_actions_retried_total",
			Help: "Action invocation retry attempts, by connector.",
		}, []string{"connector_id"}),
		ActionDispatchLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "fabric_action_dispatch_seconds",
			Help:    "Time from submission to terminal outcome for an action invocation.",
			Buckets: prometheus.DefBuckets,
		}, []string{"connector_id"}),
		CorrelationSpeedSamples: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "fabric_correlation_speed_samples_total",
			Help: "Qualifying transit-speed samples computed by the correlation core.",
		}, []string{}),
		CorrelationAlerts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "fabric_correlation_speed_alerts_total",
			Help: "Transit-speed samples that exceeded a detection point's speed limit.",
		}, []string{}),
	}

	reg.MustRegister(
		r.ConnectorStateTransitions,
		r.ConnectorReconnects,
		r.EventsPublished,
		r.RulesEvaluated,
		r.RulesThrottled,
		r.ActionsDispatched,
		r.ActionsRetried,
		r.ActionDispatchLatency,
		r.CorrelationSpeedSamples,
		r.CorrelationAlerts,
	)

	return r
}

// Handler exposes the registry over the standard Prometheus text format.
func (r *Registry) Handler() http.Handler {
	return promhttp.HandlerFor(r.reg, promhttp.HandlerOpts{})
}

// Prometheus exposes the underlying registry so components that build
// their own vectors (e.g. internal/bus's overflow counters) can register
// against the same registry instead of a second, disconnected one.
func (r *Registry) Prometheus() *prometheus.Registry {
	return r.reg
}
