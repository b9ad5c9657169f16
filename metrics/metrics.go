// Package metrics provides Prometheus instrumentation for the gateway client.
// Collectors are registered on the Registerer passed to New. A nil *Metrics is
// valid and records nothing.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "gateway_client"

// Metrics holds every collector used by the client packages.
type Metrics struct {
	// RequestsTotal counts completed HTTP requests by endpoint, method and status code.
	RequestsTotal *prometheus.CounterVec
	// RequestDuration observes HTTP request latency in seconds, retries included.
	RequestDuration *prometheus.HistogramVec
	// RetryTotal counts retry attempts by endpoint.
	RetryTotal *prometheus.CounterVec
	// BreakerState is 0 closed, 1 half-open, 2 open, by endpoint.
	BreakerState *prometheus.GaugeVec
	// BreakerRejections counts calls rejected by an open circuit.
	BreakerRejections *prometheus.CounterVec
	// GatewayConnected is 1 while the gateway socket is connected.
	GatewayConnected prometheus.Gauge
	// GatewayCalls counts RPC calls by method and outcome.
	GatewayCalls *prometheus.CounterVec
	// GatewayCallDuration observes RPC round trip latency in seconds.
	GatewayCallDuration *prometheus.HistogramVec
	// GatewayPending tracks calls awaiting a response.
	GatewayPending prometheus.Gauge
	// GatewayEvents counts received event frames by event name.
	GatewayEvents *prometheus.CounterVec
	// ErrorsLogged counts errors recorded by the error logger by severity.
	ErrorsLogged *prometheus.CounterVec
	// SinkFailures counts failed remote error reports by sink.
	SinkFailures *prometheus.CounterVec
	// BoundaryErrors counts errors caught by error boundaries by level.
	BoundaryErrors *prometheus.CounterVec
}

// New creates the collectors and registers them with reg. A nil reg leaves
// them unregistered.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		RequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "requests_total",
			Help:      "Total HTTP requests completed",
		}, []string{"endpoint", "method", "status"}),
		RequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "request_duration_seconds",
			Help:      "HTTP request latency in seconds including retries",
			Buckets:   prometheus.DefBuckets,
		}, []string{"endpoint", "method"}),
		RetryTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "retries_total",
			Help:      "Total retry attempts",
		}, []string{"endpoint"}),
		BreakerState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "circuit_breaker_state",
			Help:      "Circuit breaker state (0 closed, 1 half-open, 2 open)",
		}, []string{"endpoint"}),
		BreakerRejections: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "circuit_breaker_rejections_total",
			Help:      "Total calls rejected by an open circuit",
		}, []string{"endpoint"}),
		GatewayConnected: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "gateway_connected",
			Help:      "Whether the gateway websocket is connected",
		}),
		GatewayCalls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "gateway_calls_total",
			Help:      "Total gateway RPC calls by outcome",
		}, []string{"method", "outcome"}),
		GatewayCallDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "gateway_call_duration_seconds",
			Help:      "Gateway RPC latency in seconds",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method"}),
		GatewayPending: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "gateway_pending_calls",
			Help:      "Gateway RPC calls awaiting a response",
		}),
		GatewayEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "gateway_events_total",
			Help:      "Total gateway event frames received",
		}, []string{"event"}),
		ErrorsLogged: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "errors_logged_total",
			Help:      "Total errors recorded by the error logger",
		}, []string{"severity"}),
		SinkFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "error_sink_failures_total",
			Help:      "Total failed remote error reports",
		}, []string{"sink"}),
		BoundaryErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "boundary_errors_total",
			Help:      "Total errors caught by error boundaries",
		}, []string{"level"}),
	}
	if reg != nil {
		reg.MustRegister(m.collectors()...)
	}
	return m
}

func (m *Metrics) collectors() []prometheus.Collector {
	return []prometheus.Collector{
		m.RequestsTotal,
		m.RequestDuration,
		m.RetryTotal,
		m.BreakerState,
		m.BreakerRejections,
		m.GatewayConnected,
		m.GatewayCalls,
		m.GatewayCallDuration,
		m.GatewayPending,
		m.GatewayEvents,
		m.ErrorsLogged,
		m.SinkFailures,
		m.BoundaryErrors,
	}
}

// ObserveRequest records a finished HTTP request. status 0 means no response.
func (m *Metrics) ObserveRequest(endpoint, method string, status int, d time.Duration) {
	if m == nil {
		return
	}
	code := "error"
	if status > 0 {
		code = strconv.Itoa(status)
	}
	m.RequestsTotal.WithLabelValues(endpoint, method, code).Inc()
	m.RequestDuration.WithLabelValues(endpoint, method).Observe(d.Seconds())
}

func (m *Metrics) IncRetry(endpoint string) {
	if m == nil {
		return
	}
	m.RetryTotal.WithLabelValues(endpoint).Inc()
}

func (m *Metrics) SetBreakerState(endpoint string, state int) {
	if m == nil {
		return
	}
	m.BreakerState.WithLabelValues(endpoint).Set(float64(state))
}

func (m *Metrics) IncBreakerRejection(endpoint string) {
	if m == nil {
		return
	}
	m.BreakerRejections.WithLabelValues(endpoint).Inc()
}

func (m *Metrics) SetGatewayConnected(connected bool) {
	if m == nil {
		return
	}
	if connected {
		m.GatewayConnected.Set(1)
	} else {
		m.GatewayConnected.Set(0)
	}
}

// ObserveCall records a finished RPC. outcome is ok, error, timeout or closed.
func (m *Metrics) ObserveCall(method, outcome string, d time.Duration) {
	if m == nil {
		return
	}
	m.GatewayCalls.WithLabelValues(method, outcome).Inc()
	m.GatewayCallDuration.WithLabelValues(method).Observe(d.Seconds())
}

func (m *Metrics) SetPending(n int) {
	if m == nil {
		return
	}
	m.GatewayPending.Set(float64(n))
}

func (m *Metrics) IncEvent(event string) {
	if m == nil {
		return
	}
	m.GatewayEvents.WithLabelValues(event).Inc()
}

func (m *Metrics) IncErrorLogged(severity string) {
	if m == nil {
		return
	}
	m.ErrorsLogged.WithLabelValues(severity).Inc()
}

func (m *Metrics) IncSinkFailure(sink string) {
	if m == nil {
		return
	}
	m.SinkFailures.WithLabelValues(sink).Inc()
}

func (m *Metrics) IncBoundaryError(level string) {
	if m == nil {
		return
	}
	m.BoundaryErrors.WithLabelValues(level).Inc()
}

// Handler returns an http.Handler that serves the metrics gathered by g.
func Handler(g prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}
