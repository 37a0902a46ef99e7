// Package metrics exposes the server's Prometheus collectors: HTTP request
// counters, queue depth gauges, claim latency, and service-iteration
// counters.
package metrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds every collector the server registers.
type Metrics struct {
	RequestsTotal   *prometheus.CounterVec
	RequestDuration *prometheus.HistogramVec

	TasksClaimedTotal  *prometheus.CounterVec
	TasksReturnedTotal *prometheus.CounterVec
	ClaimLatency       prometheus.Histogram
	TaskQueueDepth     *prometheus.GaugeVec

	ServiceIterationsTotal *prometheus.CounterVec
	ServiceQueueDepth      prometheus.Gauge

	ManagersLostTotal prometheus.Counter

	registry *prometheus.Registry
}

// New builds and registers every collector on a private registry, so tests
// can construct Metrics repeatedly without double-registration panics.
func New() *Metrics {
	registry := prometheus.NewRegistry()
	m := &Metrics{
		RequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "qcfractal_http_requests_total",
				Help: "Total HTTP requests by method, route, and status",
			},
			[]string{"method", "route", "status"},
		),
		RequestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "qcfractal_http_request_duration_seconds",
				Help:    "HTTP request duration in seconds",
				Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5},
			},
			[]string{"method", "route"},
		),
		TasksClaimedTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "qcfractal_tasks_claimed_total",
				Help: "Tasks handed to managers, by tag",
			},
			[]string{"tag"},
		),
		TasksReturnedTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "qcfractal_tasks_returned_total",
				Help: "Task results ingested, by outcome",
			},
			[]string{"outcome"},
		),
		ClaimLatency: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "qcfractal_task_claim_duration_seconds",
				Help:    "Wall-clock duration of the claim query",
				Buckets: []float64{.001, .005, .01, .05, .1, .5, 1},
			},
		),
		TaskQueueDepth: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "qcfractal_task_queue_depth",
				Help: "Tasks currently in the queue, by claim state",
			},
			[]string{"state"},
		),
		ServiceIterationsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "qcfractal_service_iterations_total",
				Help: "Service iteration steps taken, by decision",
			},
			[]string{"decision"},
		),
		ServiceQueueDepth: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "qcfractal_service_queue_depth",
				Help: "Service records currently live in the service queue",
			},
		),
		ManagersLostTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "qcfractal_managers_lost_total",
				Help: "Managers declared lost by the heartbeat reaper",
			},
		),
		registry: registry,
	}

	registry.MustRegister(
		m.RequestsTotal, m.RequestDuration,
		m.TasksClaimedTotal, m.TasksReturnedTotal, m.ClaimLatency, m.TaskQueueDepth,
		m.ServiceIterationsTotal, m.ServiceQueueDepth,
		m.ManagersLostTotal,
	)
	return m
}

// Registry returns the private registry for the /metrics handler.
func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

// ObserveRequest records one completed HTTP request.
func (m *Metrics) ObserveRequest(method, route string, status int, duration time.Duration) {
	m.RequestsTotal.WithLabelValues(method, route, strconv.Itoa(status)).Inc()
	m.RequestDuration.WithLabelValues(method, route).Observe(duration.Seconds())
}
