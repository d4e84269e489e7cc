// Package metrics holds the Prometheus collectors shared by the hub and the
// daemon. A nil *Metrics is valid and records nothing.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics owns a private registry so tests and multiple components in one
// process never collide on registration.
type Metrics struct {
	registry *prometheus.Registry

	routed    *prometheus.CounterVec
	approvals *prometheus.CounterVec
	missions  *prometheus.CounterVec
	running   prometheus.Gauge
	polls     *prometheus.CounterVec

	httpRequests *prometheus.CounterVec
	httpDuration *prometheus.HistogramVec
}

// New creates and registers every collector.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		routed: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "intercom_routed_messages_total",
				Help: "Messages routed by the hub, by result status.",
			},
			[]string{"status"},
		),
		approvals: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "intercom_approval_requests_total",
				Help: "Interactive approval requests, by outcome.",
			},
			[]string{"outcome"},
		),
		missions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "intercom_missions_total",
				Help: "Missions that reached a terminal status on this node.",
			},
			[]string{"status"},
		),
		running: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "intercom_missions_running",
			Help: "Agent processes currently supervised on this node.",
		}),
		polls: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "intercom_tracker_polls_total",
				Help: "Mission status polls issued by the hub tracker, by result.",
			},
			[]string{"result"},
		),
		httpRequests: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "intercom_http_requests_total",
				Help: "HTTP requests served by the hub or daemon API.",
			},
			[]string{"component", "method", "path", "status"},
		),
		httpDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "intercom_http_request_duration_seconds",
				Help:    "HTTP request latency.",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"component", "method", "path"},
		),
	}
	m.registry.MustRegister(
		m.routed,
		m.approvals,
		m.missions,
		m.running,
		m.polls,
		m.httpRequests,
		m.httpDuration,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Registry exposes the underlying registry, mainly for tests.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

func (m *Metrics) Routed(status string) {
	if m == nil {
		return
	}
	m.routed.WithLabelValues(status).Inc()
}

func (m *Metrics) ApprovalRequested(outcome string) {
	if m == nil {
		return
	}
	m.approvals.WithLabelValues(outcome).Inc()
}

func (m *Metrics) MissionStarted() {
	if m == nil {
		return
	}
	m.running.Inc()
}

// MissionFinished counts a terminal mission. running reports whether the
// mission had been counted by MissionStarted.
func (m *Metrics) MissionFinished(status string, running bool) {
	if m == nil {
		return
	}
	m.missions.WithLabelValues(status).Inc()
	if running {
		m.running.Dec()
	}
}

func (m *Metrics) TrackerPoll(result string) {
	if m == nil {
		return
	}
	m.polls.WithLabelValues(result).Inc()
}

// HTTPRequest records one served request. path should be the route
// template, not the raw URL, to keep label cardinality bounded.
func (m *Metrics) HTTPRequest(component, method, path string, status int, d time.Duration) {
	if m == nil {
		return
	}
	m.httpRequests.WithLabelValues(component, method, path, strconv.Itoa(status)).Inc()
	m.httpDuration.WithLabelValues(component, method, path).Observe(d.Seconds())
}
