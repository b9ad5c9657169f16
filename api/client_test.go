package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/agentuity/go-gateway/errorlog"
	"github.com/agentuity/go-gateway/logger"
	"github.com/agentuity/go-gateway/metrics"
	"github.com/agentuity/go-gateway/resilience"
	"github.com/agentuity/go-gateway/storage"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type reported struct {
	err      error
	severity errorlog.Severity
	ctx      *errorlog.Context
}

type recordingReporter struct {
	mu      sync.Mutex
	reports []reported
}

func (r *recordingReporter) LogError(ctx context.Context, err error, severity errorlog.Severity, ectx *errorlog.Context) string {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.reports = append(r.reports, reported{err, severity, ectx})
	return "err_test"
}

func (r *recordingReporter) Reports() []reported {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]reported(nil), r.reports...)
}

func fastRetry() resilience.RetryConfig {
	return resilience.RetryConfig{
		MaxAttempts:  3,
		InitialDelay: time.Millisecond,
		MaxDelay:     5 * time.Millisecond,
		Timeout:      time.Second,
	}
}

func newTestClient(t *testing.T, handler http.HandlerFunc, opts ...Option) (*Client, *httptest.Server) {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	opts = append([]Option{
		WithBaseURL(srv.URL),
		WithHTTPClient(srv.Client()),
		WithRetryConfig(fastRetry()),
		WithLogger(logger.NewTestLogger()),
	}, opts...)
	return New(opts...), srv
}

func TestRequestDecodesJSON(t *testing.T) {
	var got http.Header
	client, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		got = r.Header.Clone()
		assert.Equal(t, "/users", r.URL.Path)
		assert.Equal(t, "limit=10", r.URL.RawQuery)
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`[{"id":1,"name":"Ada"}]`))
	}, WithHeaders(map[string]string{"X-Client": "gatewayctl"}), WithUserAgent("test-agent"))

	var users []struct {
		ID   int    `json:"id"`
		Name string `json:"name"`
	}
	err := client.Get(context.Background(), "/users?limit=10", &users, Header("X-Request-Id", "abc"))
	require.NoError(t, err)
	require.Len(t, users, 1)
	assert.Equal(t, "Ada", users[0].Name)

	assert.Equal(t, "application/json", got.Get("Content-Type"))
	assert.Equal(t, "test-agent", got.Get("User-Agent"))
	assert.Equal(t, "gatewayctl", got.Get("X-Client"))
	assert.Equal(t, "abc", got.Get("X-Request-Id"))
	assert.Empty(t, got.Get("Authorization"))
}

func TestRequestInjectsTokenFromStore(t *testing.T) {
	var auth atomic.Value
	store := storage.NewMemory()
	client, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		auth.Store(r.Header.Get("Authorization"))
		w.WriteHeader(http.StatusNoContent)
	}, WithTokenStore(store))

	ctx := context.Background()
	require.NoError(t, client.SetToken(ctx, "t0k3n"))
	require.NoError(t, client.Get(ctx, "/me", nil))
	assert.Equal(t, "Bearer t0k3n", auth.Load())

	// caller supplied header wins
	require.NoError(t, client.Get(ctx, "/me", nil, Header("Authorization", "Basic xyz")))
	assert.Equal(t, "Basic xyz", auth.Load())

	require.NoError(t, client.ClearToken(ctx))
	require.NoError(t, client.Get(ctx, "/me", nil))
	assert.Equal(t, "", auth.Load())
}

func TestSetTokenConcurrentWithRequests(t *testing.T) {
	var mu sync.Mutex
	seen := make(map[string]bool)
	client, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		seen[r.Header.Get("Authorization")] = true
		mu.Unlock()
		w.WriteHeader(http.StatusNoContent)
	})

	ctx := context.Background()
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(2)
		go func(i int) {
			defer wg.Done()
			assert.NoError(t, client.SetToken(ctx, "tok"+strconv.Itoa(i)))
		}(i)
		go func() {
			defer wg.Done()
			assert.NoError(t, client.Request(ctx, http.MethodGet, "/me", nil, nil))
		}()
	}
	wg.Wait()

	require.NoError(t, client.SetToken(ctx, "final"))
	require.NoError(t, client.Get(ctx, "/me", nil))
	mu.Lock()
	defer mu.Unlock()
	assert.True(t, seen["Bearer final"])
}

func TestRequestRetriesRetryableStatus(t *testing.T) {
	for _, status := range []int{http.StatusTooManyRequests, http.StatusServiceUnavailable} {
		t.Run(strconv.Itoa(status), func(t *testing.T) {
			var calls atomic.Int32
			m := metrics.New(nil)
			client, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
				if calls.Add(1) < 3 {
					w.WriteHeader(status)
					return
				}
				w.Write([]byte(`[{"id":1}]`))
			}, WithMetrics(m))

			var retried []int
			var out []map[string]int
			err := client.Request(context.Background(), "get", "/users", &RequestOptions{
				OnRetry: func(attempt int, err error) { retried = append(retried, attempt) },
			}, &out)
			require.NoError(t, err)
			assert.Equal(t, []map[string]int{{"id": 1}}, out)
			assert.Equal(t, int32(3), calls.Load())
			assert.Equal(t, []int{1, 2}, retried)
			assert.Equal(t, float64(2), testutil.ToFloat64(m.RetryTotal.WithLabelValues("GET /users")))
			assert.Equal(t, float64(1), testutil.ToFloat64(m.RequestsTotal.WithLabelValues("GET /users", "GET", "200")))
		})
	}
}

// A 404 with a JSON body fails on the first attempt with the status and the
// parsed body attached.
func TestRequestNotFoundIsNotRetried(t *testing.T) {
	var calls atomic.Int32
	reporter := &recordingReporter{}
	client, srv := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusNotFound)
		w.Write([]byte(`{"success":false,"message":"user not found","code":"NOT_FOUND"}`))
	}, WithErrorReporter(reporter))

	err := client.Get(context.Background(), "/users/42", nil)
	require.Error(t, err)
	assert.Equal(t, int32(1), calls.Load())
	assert.False(t, errors.Is(err, resilience.ErrRetriesExhausted))

	var apiErr *Error
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusNotFound, apiErr.Status)
	assert.Equal(t, http.StatusNotFound, apiErr.StatusCode())
	assert.Equal(t, "user not found", apiErr.Error())
	assert.Equal(t, 1, apiErr.Attempt)
	assert.Equal(t, http.MethodGet, apiErr.Method)
	assert.Equal(t, srv.URL+"/users/42", apiErr.URL)
	body, ok := apiErr.Body.(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "NOT_FOUND", body["code"])

	reports := reporter.Reports()
	require.Len(t, reports, 1)
	assert.Equal(t, errorlog.SeverityHigh, reports[0].severity)
	assert.Equal(t, "ApiClient", reports[0].ctx.Component)
	assert.Equal(t, "request", reports[0].ctx.Action)
	assert.Equal(t, srv.URL+"/users/42", reports[0].ctx.Metadata["url"])
	assert.Equal(t, "GET", reports[0].ctx.Metadata["method"])
	assert.Equal(t, "/users/42", reports[0].ctx.Metadata["path"])
}

func TestRequestValidationIssues(t *testing.T) {
	client, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusBadRequest)
		w.Write([]byte(`{"success":false,"error":{"issues":[{"code":"too_small","message":"name is required","path":["user","name"]}]}}`))
	})
	err := client.Post(context.Background(), "/users", map[string]string{}, nil)
	require.Error(t, err)
	assert.Equal(t, "name is required (too_small) user.name", err.Error())
}

func TestRequestNonJSONErrorBody(t *testing.T) {
	client, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "forbidden", http.StatusForbidden)
	})
	err := client.Get(context.Background(), "/secret", nil)
	var apiErr *Error
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, "forbidden\n", apiErr.Body)
	assert.Contains(t, apiErr.Error(), "403")
}

func TestRequestRetriesExhausted(t *testing.T) {
	var calls atomic.Int32
	client, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.Header().Set("traceparent", "00-abc-def-01")
		w.WriteHeader(http.StatusInternalServerError)
	})

	err := client.Get(context.Background(), "/broken", nil)
	require.Error(t, err)
	assert.Equal(t, int32(3), calls.Load())
	assert.ErrorIs(t, err, resilience.ErrRetriesExhausted)

	var re *resilience.RetryError
	require.ErrorAs(t, err, &re)
	assert.Equal(t, 3, re.Attempts)

	var apiErr *Error
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusInternalServerError, apiErr.Status)
	assert.Equal(t, 3, apiErr.Attempt)
	assert.Equal(t, "00-abc-def-01", apiErr.TraceID)
	assert.Contains(t, err.Error(), "3 attempts")
}

func TestRequestTimeout(t *testing.T) {
	release := make(chan struct{})
	client, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	})
	defer close(release)

	err := client.Get(context.Background(), "/slow", nil, Timeout(20*time.Millisecond), NoRetry())
	require.Error(t, err)
	var apiErr *Error
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, 0, apiErr.Status)
	assert.Equal(t, "request timeout after 20ms", apiErr.Message)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestRequestNetworkFailureIsRetried(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	url := srv.URL
	srv.Close()

	var retries int
	client := New(WithBaseURL(url), WithRetryConfig(fastRetry()))
	err := client.Get(context.Background(), "/down", nil, OnRetry(func(int, error) { retries++ }))
	require.Error(t, err)
	assert.Equal(t, 2, retries)
	assert.ErrorIs(t, err, resilience.ErrRetriesExhausted)
	var apiErr *Error
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, 0, apiErr.Status)
	assert.Contains(t, apiErr.Error(), "error sending request")
}

func TestRequestAbsoluteURL(t *testing.T) {
	other := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("other"))
	}))
	defer other.Close()

	client, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("base"))
	})

	var out string
	require.NoError(t, client.Get(context.Background(), other.URL+"/x", &out))
	assert.Equal(t, "other", out)
	require.NoError(t, client.Get(context.Background(), "x", &out))
	assert.Equal(t, "base", out)
}

func TestRequestBodyEncoding(t *testing.T) {
	var mu sync.Mutex
	var bodies []string
	client, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		b, _ := io.ReadAll(r.Body)
		mu.Lock()
		bodies = append(bodies, r.Method+" "+string(b))
		mu.Unlock()
		w.WriteHeader(http.StatusCreated)
	})
	ctx := context.Background()

	require.NoError(t, client.Post(ctx, "/a", map[string]int{"n": 1}, nil))
	require.NoError(t, client.Put(ctx, "/a", "raw text", nil))
	require.NoError(t, client.Patch(ctx, "/a", json.RawMessage(`{"p":true}`), nil))
	require.NoError(t, client.Delete(ctx, "/a", nil))

	assert.Equal(t, []string{`POST {"n":1}`, "PUT raw text", `PATCH {"p":true}`, "DELETE "}, bodies)
}

func TestRequestBodyReplayedOnRetry(t *testing.T) {
	var mu sync.Mutex
	var bodies []string
	client, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		b, _ := io.ReadAll(r.Body)
		mu.Lock()
		bodies = append(bodies, string(b))
		n := len(bodies)
		mu.Unlock()
		if n == 1 {
			w.WriteHeader(http.StatusBadGateway)
		}
	})
	require.NoError(t, client.Post(context.Background(), "/replay", map[string]string{"k": "v"}, nil))
	assert.Equal(t, []string{`{"k":"v"}`, `{"k":"v"}`}, bodies)
}

func TestCircuitBreakerPerEndpoint(t *testing.T) {
	var usersCalls, ordersCalls atomic.Int32
	reporter := &recordingReporter{}
	m := metrics.New(nil)
	client, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/users":
			usersCalls.Add(1)
			w.WriteHeader(http.StatusInternalServerError)
		default:
			ordersCalls.Add(1)
			w.Write([]byte("[]"))
		}
	},
		WithCircuitBreaker(resilience.CircuitBreakerConfig{Threshold: 2, Timeout: time.Hour, HalfOpenRequests: 1}),
		WithErrorReporter(reporter),
		WithMetrics(m),
	)
	ctx := context.Background()

	require.Error(t, client.Get(ctx, "/users?page=1", nil, NoRetry()))
	require.Error(t, client.Get(ctx, "/users?page=2", nil, NoRetry()))

	err := client.Get(ctx, "/users", nil, NoRetry())
	assert.ErrorIs(t, err, resilience.ErrCircuitOpen)
	assert.Equal(t, "Circuit breaker is OPEN", err.Error())
	assert.Equal(t, int32(2), usersCalls.Load())

	require.NoError(t, client.Get(ctx, "/orders", nil))
	assert.Equal(t, int32(1), ordersCalls.Load())

	snap := client.Breakers().Snapshot()
	assert.Equal(t, resilience.StateOpen, snap["GET /users"].State)
	assert.Equal(t, resilience.StateClosed, snap["GET /orders"].State)
	assert.Equal(t, float64(2), testutil.ToFloat64(m.BreakerState.WithLabelValues("GET /users")))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.BreakerRejections.WithLabelValues("GET /users")))
	assert.Len(t, reporter.Reports(), 3)

	assert.True(t, client.Breakers().Reset("GET /users"))
	require.Error(t, client.Get(ctx, "/users", nil, NoRetry()))
	assert.Equal(t, int32(3), usersCalls.Load())
}

func TestBreakersDisabledByDefault(t *testing.T) {
	client := New()
	assert.Nil(t, client.Breakers())
}

func TestHealthCheck(t *testing.T) {
	var healthy atomic.Bool
	healthy.Store(true)
	var calls atomic.Int32
	reporter := &recordingReporter{}
	client, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		assert.Equal(t, "/health", r.URL.Path)
		if !healthy.Load() {
			w.WriteHeader(http.StatusServiceUnavailable)
		}
	}, WithErrorReporter(reporter))

	assert.True(t, client.HealthCheck(context.Background()))
	healthy.Store(false)
	assert.False(t, client.HealthCheck(context.Background()))
	assert.Equal(t, int32(2), calls.Load())
	assert.Empty(t, reporter.Reports())
}

func TestCancelledRequestIsNotReported(t *testing.T) {
	reporter := &recordingReporter{}
	client, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		<-r.Context().Done()
	}, WithErrorReporter(reporter))

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()
	err := client.Get(ctx, "/hang", nil)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Empty(t, reporter.Reports())
}

func TestDecodeFailure(t *testing.T) {
	client, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("not json"))
	})
	var out map[string]any
	err := client.Get(context.Background(), "/bad", &out)
	var apiErr *Error
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusOK, apiErr.Status)
	assert.Contains(t, apiErr.Error(), "error JSON decoding response")
}

func TestEndpointKey(t *testing.T) {
	assert.Equal(t, "GET /users", endpointKey("get", "/users?x=1"))
	assert.Equal(t, "POST /a/b", endpointKey("POST", "/a/b#frag"))
}

func TestBodyPreview(t *testing.T) {
	assert.Equal(t, "hello", bodyPreview([]byte("hello"), "text/plain; charset=utf-8", 0))
	assert.Equal(t, "{}", bodyPreview([]byte("{}"), "", 0))
	assert.Equal(t, `{"ok":1}`, bodyPreview([]byte(`{"ok":1}`), "application/problem+json", 0))
	assert.Contains(t, bodyPreview([]byte("abc"), "image/png", 0), "<image/png: 3 bytes, sha256=")
	assert.Contains(t, bodyPreview([]byte("abc"), "Application/X-Custom", 0), "<application/x-custom: 3 bytes")
	assert.Equal(t, "abc... (6 bytes)", bodyPreview([]byte("abcdef"), "application/json", 3))
	assert.Equal(t, "hé... (6 bytes)", bodyPreview([]byte("héllo"), "text/plain", 2))
	assert.NotContains(t, bodyPreview([]byte(`{"email":"ada@example.com"}`), "application/json", 0), "ada@example.com")
}
