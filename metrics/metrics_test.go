package metrics

import (
	"io"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew_RegistersMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg)

	m.ObserveRequest("GET /users", "GET", 200, 120*time.Millisecond)
	m.SetGatewayConnected(true)

	families, err := reg.Gather()
	require.NoError(t, err)
	assert.NotEmpty(t, families)

	// registering twice on the same registry panics
	assert.Panics(t, func() { New(reg) })
}

func TestObserveRequest(t *testing.T) {
	m := New(prometheus.NewRegistry())
	m.ObserveRequest("GET /users", "GET", 200, time.Millisecond)
	m.ObserveRequest("GET /users", "GET", 200, time.Millisecond)
	m.ObserveRequest("GET /users", "GET", 0, time.Millisecond)

	assert.Equal(t, float64(2), testutil.ToFloat64(m.RequestsTotal.WithLabelValues("GET /users", "GET", "200")))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.RequestsTotal.WithLabelValues("GET /users", "GET", "error")))
	assert.Equal(t, 1, testutil.CollectAndCount(m.RequestDuration))
}

func TestGatewayMetrics(t *testing.T) {
	m := New(nil)
	m.SetGatewayConnected(true)
	assert.Equal(t, float64(1), testutil.ToFloat64(m.GatewayConnected))
	m.SetGatewayConnected(false)
	assert.Equal(t, float64(0), testutil.ToFloat64(m.GatewayConnected))

	m.SetPending(3)
	assert.Equal(t, float64(3), testutil.ToFloat64(m.GatewayPending))

	m.ObserveCall("health", "ok", time.Millisecond)
	m.ObserveCall("health", "timeout", time.Second)
	assert.Equal(t, float64(1), testutil.ToFloat64(m.GatewayCalls.WithLabelValues("health", "timeout")))

	m.IncEvent("chat")
	assert.Equal(t, float64(1), testutil.ToFloat64(m.GatewayEvents.WithLabelValues("chat")))
}

func TestResilienceAndErrorMetrics(t *testing.T) {
	m := New(nil)
	m.IncRetry("GET /users")
	m.SetBreakerState("GET /users", 2)
	m.IncBreakerRejection("GET /users")
	m.IncErrorLogged("HIGH")
	m.IncSinkFailure("sentry")
	m.IncBoundaryError("page")

	assert.Equal(t, float64(1), testutil.ToFloat64(m.RetryTotal.WithLabelValues("GET /users")))
	assert.Equal(t, float64(2), testutil.ToFloat64(m.BreakerState.WithLabelValues("GET /users")))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.BreakerRejections.WithLabelValues("GET /users")))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.ErrorsLogged.WithLabelValues("HIGH")))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.SinkFailures.WithLabelValues("sentry")))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.BoundaryErrors.WithLabelValues("page")))
}

func TestNilMetricsIsNoop(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.ObserveRequest("x", "GET", 500, time.Second)
		m.IncRetry("x")
		m.SetBreakerState("x", 1)
		m.IncBreakerRejection("x")
		m.SetGatewayConnected(true)
		m.ObserveCall("x", "ok", time.Second)
		m.SetPending(1)
		m.IncEvent("x")
		m.IncErrorLogged("LOW")
		m.IncSinkFailure("otlp")
		m.IncBoundaryError("app")
	})
}

func TestHandler(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg)
	m.IncRetry("POST /chat")

	srv := httptest.NewServer(Handler(reg))
	defer srv.Close()

	resp, err := srv.Client().Get(srv.URL)
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), `gateway_client_retries_total{endpoint="POST /chat"} 1`)
}
