// Package metrics defines the Prometheus instruments for the session lifecycle.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "artifact_viewer"

// Metrics holds the lifecycle instruments. A nil *Metrics is valid and records nothing.
type Metrics struct {
	registry *prometheus.Registry

	statusPolls      *prometheus.CounterVec
	tokenRefreshes   *prometheus.CounterVec
	stageTransitions *prometheus.CounterVec
	rendererErrors   *prometheus.CounterVec
}

// New creates a Metrics bound to its own registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	m := &Metrics{
		registry: reg,
		statusPolls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "status_polls_total",
			Help:      "Status queries issued to the processing service, by observed outcome.",
		}, []string{"outcome"}),
		tokenRefreshes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "token_refreshes_total",
			Help:      "Access token refresh attempts, by trigger and outcome.",
		}, []string{"trigger", "outcome"}),
		stageTransitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "stage_transitions_total",
			Help:      "Lifecycle stage entries.",
		}, []string{"stage"}),
		rendererErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "renderer_errors_total",
			Help:      "Failure codes reported by the renderer, split by whether they are authentication failures.",
		}, []string{"class"}),
	}
	reg.MustRegister(m.statusPolls, m.tokenRefreshes, m.stageTransitions, m.rendererErrors)
	return m
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// StatusPoll counts one status query.
func (m *Metrics) StatusPoll(outcome string) {
	if m == nil {
		return
	}
	m.statusPolls.WithLabelValues(outcome).Inc()
}

// TokenRefresh counts one refresh attempt.
func (m *Metrics) TokenRefresh(trigger, outcome string) {
	if m == nil {
		return
	}
	m.tokenRefreshes.WithLabelValues(trigger, outcome).Inc()
}

// StageEntered counts one lifecycle stage entry.
func (m *Metrics) StageEntered(stage string) {
	if m == nil {
		return
	}
	m.stageTransitions.WithLabelValues(stage).Inc()
}

// RendererError counts one renderer failure report.
func (m *Metrics) RendererError(auth bool) {
	if m == nil {
		return
	}
	class := "other"
	if auth {
		class = "auth"
	}
	m.rendererErrors.WithLabelValues(class).Inc()
}
