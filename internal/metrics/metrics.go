// Package metrics defines the Prometheus instruments for the governance
// engine. A nil *Metrics is valid and records nothing.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds every collector, registered on its own registry.
type Metrics struct {
	registry *prometheus.Registry

	attempts     *prometheus.CounterVec
	charged      *prometheus.CounterVec
	escalations  *prometheus.CounterVec
	adminActions *prometheus.CounterVec
	latency      *prometheus.HistogramVec
}

// New creates and registers the collectors.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	f := promauto.With(reg)

	return &Metrics{
		registry: reg,
		attempts: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "toolgate",
			Name:      "attempts_total",
			Help:      "Tool invocation attempts by outcome and reason.",
		}, []string{"module", "tool", "outcome", "reason"}),
		charged: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "toolgate",
			Name:      "credits_charged_total",
			Help:      "Credits debited for allowed attempts.",
		}, []string{"module", "tool"}),
		escalations: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "toolgate",
			Name:      "escalations_total",
			Help:      "Automatic escalations applied.",
		}, []string{"type"}),
		adminActions: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "toolgate",
			Name:      "admin_actions_total",
			Help:      "Admin override calls by action and whether they changed state.",
		}, []string{"action", "changed"}),
		latency: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "toolgate",
			Name:      "authorize_duration_seconds",
			Help:      "Time to decide and persist one attempt.",
			Buckets:   []float64{.001, .0025, .005, .01, .025, .05, .1, .25, .5, 1, 2.5},
		}, []string{"module"}),
	}
}

// Attempt counts one decided attempt.
func (m *Metrics) Attempt(module, tool string, allowed bool, reason string, credits int64, elapsed time.Duration) {
	if m == nil {
		return
	}
	outcome := "denied"
	if allowed {
		outcome = "allowed"
		m.charged.WithLabelValues(module, tool).Add(float64(credits))
	}
	m.attempts.WithLabelValues(module, tool, outcome, reason).Inc()
	m.latency.WithLabelValues(module).Observe(elapsed.Seconds())
}

// Escalation counts one applied escalation.
func (m *Metrics) Escalation(kind string) {
	if m == nil {
		return
	}
	m.escalations.WithLabelValues(kind).Inc()
}

// AdminAction counts one admin call.
func (m *Metrics) AdminAction(action string, changed bool) {
	if m == nil {
		return
	}
	c := "false"
	if changed {
		c = "true"
	}
	m.adminActions.WithLabelValues(action, c).Inc()
}

// Registry exposes the underlying registry for tests.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}
