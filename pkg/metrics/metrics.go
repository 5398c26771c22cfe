// Package metrics defines the Prometheus instrumentation of the RPC
// runtime. All helper methods are nil-safe so instrumentation stays
// optional in tests and embedded setups.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// RPCMetrics bundles every collector the server runtime updates.
type RPCMetrics struct {
	RequestsReceived   *prometheus.CounterVec
	TasksInFlight      prometheus.Gauge
	TaskDuration       *prometheus.HistogramVec
	ResponsesPublished prometheus.Counter
	ResponsesDropped   prometheus.Counter
	WireErrors         *prometheus.CounterVec
	Reconnects         *prometheus.CounterVec
}

// New registers the RPC collectors with reg and returns them.
func New(reg prometheus.Registerer) *RPCMetrics {
	factory := promauto.With(reg)
	return &RPCMetrics{
		RequestsReceived: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "mtrpc",
			Name:      "requests_received_total",
			Help:      "Requests consumed from AMQP, per queue.",
		}, []string{"queue"}),
		TasksInFlight: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "mtrpc",
			Name:      "tasks_in_flight",
			Help:      "Tasks recorded but not yet responded to.",
		}),
		TaskDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "mtrpc",
			Name:      "task_duration_seconds",
			Help:      "Wall time from task creation to result enqueue.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method"}),
		ResponsesPublished: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "mtrpc",
			Name:      "responses_published_total",
			Help:      "Responses successfully published to the response exchange.",
		}),
		ResponsesDropped: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "mtrpc",
			Name:      "responses_dropped_total",
			Help:      "Responses dropped because the responder stopped forcibly.",
		}),
		WireErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "mtrpc",
			Name:      "wire_errors_total",
			Help:      "Error responses sent, per wire error name.",
		}, []string{"name"}),
		Reconnects: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "mtrpc",
			Name:      "amqp_reconnects_total",
			Help:      "AMQP reconnection attempts, per actor.",
		}, []string{"actor"}),
	}
}

// RequestReceived counts one consumed request.
func (m *RPCMetrics) RequestReceived(queue string) {
	if m == nil {
		return
	}
	m.RequestsReceived.WithLabelValues(queue).Inc()
}

// TaskStarted tracks a newly recorded task.
func (m *RPCMetrics) TaskStarted() {
	if m == nil {
		return
	}
	m.TasksInFlight.Inc()
}

// TaskFinished tracks a task leaving the in-flight set.
func (m *RPCMetrics) TaskFinished() {
	if m == nil {
		return
	}
	m.TasksInFlight.Dec()
}

// TaskObserved records the duration of one completed task.
func (m *RPCMetrics) TaskObserved(method string, seconds float64) {
	if m == nil {
		return
	}
	m.TaskDuration.WithLabelValues(method).Observe(seconds)
}

// ResponsePublished counts one published response.
func (m *RPCMetrics) ResponsePublished() {
	if m == nil {
		return
	}
	m.ResponsesPublished.Inc()
}

// ResponseDropped counts one response dropped during a forced stop.
func (m *RPCMetrics) ResponseDropped() {
	if m == nil {
		return
	}
	m.ResponsesDropped.Inc()
}

// WireError counts one error response by wire name.
func (m *RPCMetrics) WireError(name string) {
	if m == nil {
		return
	}
	m.WireErrors.WithLabelValues(name).Inc()
}

// Reconnect counts one reconnection attempt by the named actor.
func (m *RPCMetrics) Reconnect(actor string) {
	if m == nil {
		return
	}
	m.Reconnects.WithLabelValues(actor).Inc()
}
