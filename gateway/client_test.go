package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/agentuity/go-gateway/errorlog"
	"github.com/agentuity/go-gateway/logger"
	"github.com/agentuity/go-gateway/metrics"
	"github.com/agentuity/go-gateway/resilience"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type session struct {
	conn *websocket.Conn
	mu   sync.Mutex
}

func (s *session) send(v any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.conn.WriteJSON(v)
}

func (s *session) sendRaw(data string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.conn.WriteMessage(websocket.TextMessage, []byte(data))
}

func (s *session) respond(id string, payload any) {
	raw, _ := json.Marshal(payload)
	s.send(ResponseFrame{ID: id, OK: true, Payload: raw})
}

func (s *session) fail(id string, code int, message string) {
	s.send(ResponseFrame{ID: id, Error: &ErrorShape{Code: code, Message: message}})
}

func (s *session) emit(event string, payload any) {
	raw, _ := json.Marshal(payload)
	s.send(EventFrame{Event: event, Payload: raw})
}

// fakeGateway speaks the gateway protocol over httptest. The connect
// handshake is answered by the fake; every other request goes to handler.
type fakeGateway struct {
	srv            *httptest.Server
	upgrader       websocket.Upgrader
	handler        func(s *session, req *RequestFrame)
	reject         string
	handshakeDelay time.Duration
	refuse         atomic.Int32
	dropHandshake  atomic.Bool
	connects       atomic.Int32

	mu       sync.Mutex
	sessions []*session
	params   []connectParams
}

func newFakeGateway(t *testing.T, handler func(s *session, req *RequestFrame)) *fakeGateway {
	t.Helper()
	g := &fakeGateway{handler: handler}
	g.srv = httptest.NewServer(http.HandlerFunc(g.serve))
	t.Cleanup(g.srv.Close)
	t.Cleanup(g.closeAll)
	return g
}

func (g *fakeGateway) URL() string {
	return "ws" + strings.TrimPrefix(g.srv.URL, "http")
}

func (g *fakeGateway) serve(w http.ResponseWriter, r *http.Request) {
	if g.refuse.Load() > 0 {
		g.refuse.Add(-1)
		http.Error(w, "unavailable", http.StatusServiceUnavailable)
		return
	}
	conn, err := g.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	s := &session{conn: conn}
	g.mu.Lock()
	g.sessions = append(g.sessions, s)
	g.mu.Unlock()
	defer conn.Close()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		frame, err := Decode(data)
		if err != nil {
			continue
		}
		req, ok := frame.(*RequestFrame)
		if !ok {
			continue
		}
		if req.Method == "connect" {
			g.connects.Add(1)
			var p connectParams
			if raw, ok := req.Params.(json.RawMessage); ok {
				json.Unmarshal(raw, &p)
			}
			g.mu.Lock()
			g.params = append(g.params, p)
			g.mu.Unlock()
			time.Sleep(g.handshakeDelay)
			if g.reject != "" {
				s.fail(req.ID, 401, g.reject)
				continue
			}
			s.respond(req.ID, map[string]any{"protocol": 3, "server": "fake"})
			if g.dropHandshake.Load() {
				return
			}
			continue
		}
		if g.handler != nil {
			g.handler(s, req)
		}
	}
}

func (g *fakeGateway) session(i int) *session {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.sessions[i]
}

func (g *fakeGateway) closeAll() {
	g.mu.Lock()
	defer g.mu.Unlock()
	for _, s := range g.sessions {
		s.conn.Close()
	}
}

type recordingReporter struct {
	mu      sync.Mutex
	actions []string
}

func (r *recordingReporter) LogError(ctx context.Context, err error, severity errorlog.Severity, ectx *errorlog.Context) string {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.actions = append(r.actions, ectx.Component+":"+ectx.Action)
	return "err_test"
}

func (r *recordingReporter) Actions() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.actions...)
}

func echoHandler(s *session, req *RequestFrame) {
	s.respond(req.ID, req.Params)
}

func connect(t *testing.T, g *fakeGateway, opts ...Option) *Client {
	t.Helper()
	opts = append([]Option{WithURL(g.URL()), WithLogger(logger.NewTestLogger())}, opts...)
	c := New(opts...)
	require.NoError(t, c.Connect(context.Background()))
	t.Cleanup(func() { c.Disconnect() })
	return c
}

func TestConnectHandshake(t *testing.T) {
	g := newFakeGateway(t, echoHandler)
	m := metrics.New(nil)
	c := New(WithURL(g.URL()), WithToken("secret"), WithProtocol(2, 3), WithMetrics(m))
	assert.Equal(t, StateDisconnected, c.State())

	require.NoError(t, c.Connect(context.Background()))
	defer c.Disconnect()

	assert.Equal(t, StateConnected, c.State())
	assert.True(t, c.IsConnected())
	assert.JSONEq(t, `{"protocol":3,"server":"fake"}`, string(c.Hello()))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.GatewayConnected))

	g.mu.Lock()
	params := g.params
	g.mu.Unlock()
	require.Len(t, params, 1)
	assert.Equal(t, connectParams{MinProtocol: 2, MaxProtocol: 3, Token: "secret"}, params[0])

	// already connected
	require.NoError(t, c.Connect(context.Background()))
	assert.Equal(t, int32(1), g.connects.Load())
}

func TestConnectConcurrentCallersShareOneAttempt(t *testing.T) {
	g := newFakeGateway(t, echoHandler)
	g.handshakeDelay = 50 * time.Millisecond
	c := New(WithURL(g.URL()))
	defer c.Disconnect()

	var wg sync.WaitGroup
	errs := make(chan error, 10)
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs <- c.Connect(context.Background())
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		assert.NoError(t, err)
	}
	assert.Equal(t, int32(1), g.connects.Load())
	assert.True(t, c.IsConnected())
}

func TestConnectCallerCanStopWaiting(t *testing.T) {
	g := newFakeGateway(t, echoHandler)
	g.handshakeDelay = 100 * time.Millisecond
	c := New(WithURL(g.URL()))
	defer c.Disconnect()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, c.Connect(ctx), context.DeadlineExceeded)

	// the shared attempt keeps going
	require.NoError(t, c.Connect(context.Background()))
	assert.Equal(t, int32(1), g.connects.Load())
}

func TestHandshakeRejected(t *testing.T) {
	g := newFakeGateway(t, echoHandler)
	g.reject = "invalid token"
	reporter := &recordingReporter{}
	c := New(WithURL(g.URL()), WithErrorReporter(reporter))

	err := c.Connect(context.Background())
	var he *HandshakeError
	require.ErrorAs(t, err, &he)
	assert.Equal(t, "invalid token", he.Reason)
	assert.Equal(t, 401, he.Code)
	assert.Equal(t, "gateway handshake rejected: invalid token", err.Error())
	assert.Equal(t, StateDisconnected, c.State())
	assert.Equal(t, []string{"GatewayClient:connect"}, reporter.Actions())
}

func TestConnectDroppedAfterHandshake(t *testing.T) {
	g := newFakeGateway(t, echoHandler)
	g.dropHandshake.Store(true)
	m := metrics.New(nil)
	c := New(WithURL(g.URL()), WithMetrics(m), WithLogger(logger.NewTestLogger()))
	defer c.Disconnect()

	for i := 0; i < 30; i++ {
		err := c.Connect(context.Background())
		if err != nil {
			assert.ErrorIs(t, err, ErrConnectionClosed)
		}
		require.Eventually(t, func() bool {
			return c.State() == StateDisconnected && testutil.ToFloat64(m.GatewayConnected) == 0
		}, time.Second, time.Millisecond, "iteration %d", i)
		assert.False(t, c.IsConnected())
	}

	g.dropHandshake.Store(false)
	require.NoError(t, c.Connect(context.Background()))
	assert.Equal(t, StateConnected, c.State())
	assert.Equal(t, float64(1), testutil.ToFloat64(m.GatewayConnected))
}

func TestConnectDialFailure(t *testing.T) {
	c := New(WithURL("ws://127.0.0.1:1"), WithConnectTimeout(time.Second))
	err := c.Connect(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "error dialing gateway")
	assert.Equal(t, StateDisconnected, c.State())
}

func TestConnectWithRetry(t *testing.T) {
	g := newFakeGateway(t, echoHandler)
	g.refuse.Store(2)
	c := New(WithURL(g.URL()))
	defer c.Disconnect()

	err := c.ConnectWithRetry(context.Background(), resilience.RetryConfig{
		MaxAttempts:  3,
		InitialDelay: time.Millisecond,
		MaxDelay:     5 * time.Millisecond,
	})
	require.NoError(t, err)
	assert.True(t, c.IsConnected())
}

func TestConnectWithRetryStopsOnHandshakeRejection(t *testing.T) {
	g := newFakeGateway(t, echoHandler)
	g.reject = "nope"
	c := New(WithURL(g.URL()))

	err := c.ConnectWithRetry(context.Background(), resilience.RetryConfig{MaxAttempts: 5, InitialDelay: time.Millisecond})
	var he *HandshakeError
	require.ErrorAs(t, err, &he)
	assert.Equal(t, int32(1), g.connects.Load())
}

func TestCallNotConnected(t *testing.T) {
	reporter := &recordingReporter{}
	c := New(WithErrorReporter(reporter))
	_, err := c.Call(context.Background(), "health", nil)
	assert.ErrorIs(t, err, ErrNotConnected)
	assert.Equal(t, []string{"GatewayClient:health"}, reporter.Actions())
}

func TestCallEcho(t *testing.T) {
	g := newFakeGateway(t, echoHandler)
	c := connect(t, g)

	payload, err := c.Call(context.Background(), "echo", map[string]int{"n": 7})
	require.NoError(t, err)
	assert.JSONEq(t, `{"n":7}`, string(payload))

	out, err := CallInto[map[string]int](context.Background(), c, "echo", map[string]int{"n": 8})
	require.NoError(t, err)
	assert.Equal(t, 8, out["n"])
	assert.Equal(t, 0, c.pending.len())
}

// Responses are matched by id, not by arrival order.
func TestCallLogsResponseLatency(t *testing.T) {
	g := newFakeGateway(t, echoHandler)
	log := logger.NewTestLogger()
	c := connect(t, g, WithLogger(log))

	_, err := c.Call(context.Background(), "echo", nil)
	require.NoError(t, err)
	assert.True(t, log.Contains("TRACE", "(echo) after"))
}

func TestCallResponsesOutOfOrder(t *testing.T) {
	var mu sync.Mutex
	var held []*RequestFrame
	g := newFakeGateway(t, func(s *session, req *RequestFrame) {
		mu.Lock()
		held = append(held, req)
		ready := len(held) == 2
		reqs := append([]*RequestFrame(nil), held...)
		mu.Unlock()
		if ready {
			s.respond(reqs[1].ID, map[string]string{"method": reqs[1].Method})
			s.respond(reqs[0].ID, map[string]string{"method": reqs[0].Method})
		}
	})
	c := connect(t, g)

	var wg sync.WaitGroup
	results := make(map[string]string)
	var rmu sync.Mutex
	for i, method := range []string{"a", "b"} {
		wg.Add(1)
		go func() {
			defer wg.Done()
			out, err := CallInto[map[string]string](context.Background(), c, method, nil)
			assert.NoError(t, err)
			rmu.Lock()
			results[method] = out["method"]
			rmu.Unlock()
		}()
		if i == 0 {
			// make sure "a" is sent first
			require.Eventually(t, func() bool { return c.pending.len() == 1 }, time.Second, time.Millisecond)
		}
	}
	wg.Wait()
	assert.Equal(t, map[string]string{"a": "a", "b": "b"}, results)
}

func TestConcurrentCallsResolveWithOwnPayload(t *testing.T) {
	const n = 50
	var mu sync.Mutex
	var held []*RequestFrame
	g := newFakeGateway(t, func(s *session, req *RequestFrame) {
		mu.Lock()
		held = append(held, req)
		if len(held) < n {
			mu.Unlock()
			return
		}
		reqs := held
		held = nil
		mu.Unlock()
		for i := len(reqs) - 1; i >= 0; i-- {
			s.respond(reqs[i].ID, reqs[i].Params)
		}
	})
	c := connect(t, g)

	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			out, err := CallInto[map[string]int](context.Background(), c, "echo", map[string]int{"i": i})
			if assert.NoError(t, err) {
				assert.Equal(t, i, out["i"])
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 0, c.pending.len())
}

func TestCallTimeoutRemovesPendingEntry(t *testing.T) {
	var lateID atomic.Value
	var sess atomic.Pointer[session]
	g := newFakeGateway(t, func(s *session, req *RequestFrame) {
		switch req.Method {
		case "slow":
			lateID.Store(req.ID)
			sess.Store(s)
		default:
			echoHandler(s, req)
		}
	})
	m := metrics.New(nil)
	c := connect(t, g, WithCallTimeout(50*time.Millisecond), WithMetrics(m))

	started := time.Now()
	_, err := c.Call(context.Background(), "slow", nil)
	assert.ErrorIs(t, err, ErrCallTimeout)
	assert.Contains(t, err.Error(), "slow after 50ms")
	assert.GreaterOrEqual(t, time.Since(started), 50*time.Millisecond)

	id := lateID.Load().(string)
	assert.False(t, c.pending.has(id))
	assert.Equal(t, 0, c.pending.len())
	assert.Equal(t, float64(1), testutil.ToFloat64(m.GatewayCalls.WithLabelValues("slow", "timeout")))

	// a late response for the expired id is dropped
	sess.Load().respond(id, map[string]string{"late": "true"})
	out, err := CallInto[map[string]string](context.Background(), c, "echo", map[string]string{"ok": "yes"})
	require.NoError(t, err)
	assert.Equal(t, "yes", out["ok"])
}

func TestCallRPCError(t *testing.T) {
	g := newFakeGateway(t, func(s *session, req *RequestFrame) {
		if req.Method == "boom" {
			s.fail(req.ID, 500, "agent crashed")
			return
		}
		echoHandler(s, req)
	})
	reporter := &recordingReporter{}
	c := connect(t, g, WithErrorReporter(reporter))

	_, err := c.Call(context.Background(), "boom", nil)
	var rpcErr *RPCError
	require.ErrorAs(t, err, &rpcErr)
	assert.Equal(t, "boom", rpcErr.Method)
	assert.Equal(t, 500, rpcErr.Code)
	assert.Equal(t, "agent crashed", rpcErr.Message)
	assert.Equal(t, []string{"GatewayClient:boom"}, reporter.Actions())

	// other calls are unaffected
	_, err = c.Call(context.Background(), "echo", nil)
	assert.NoError(t, err)
	assert.True(t, c.IsConnected())
}

func TestCallContextCancelled(t *testing.T) {
	g := newFakeGateway(t, func(s *session, req *RequestFrame) {})
	reporter := &recordingReporter{}
	c := connect(t, g, WithErrorReporter(reporter))

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()
	_, err := c.Call(ctx, "never", nil)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 0, c.pending.len())
	assert.Empty(t, reporter.Actions())
}

func TestDisconnectRejectsAllPending(t *testing.T) {
	const k = 5
	var received atomic.Int32
	g := newFakeGateway(t, func(s *session, req *RequestFrame) {
		received.Add(1)
	})
	c := connect(t, g)

	var wg sync.WaitGroup
	errs := make([]error, k)
	for i := 0; i < k; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, errs[i] = c.Call(context.Background(), "hang", nil)
		}()
	}
	require.Eventually(t, func() bool { return received.Load() == k }, time.Second, time.Millisecond)

	require.NoError(t, c.Disconnect())
	wg.Wait()
	for _, err := range errs {
		assert.ErrorIs(t, err, ErrConnectionClosed)
	}
	assert.Equal(t, 0, c.pending.len())
	assert.Equal(t, StateDisconnected, c.State())

	_, err := c.Call(context.Background(), "hang", nil)
	assert.ErrorIs(t, err, ErrNotConnected)
}

func TestServerCloseRejectsPendingAndKeepsListeners(t *testing.T) {
	g := newFakeGateway(t, func(s *session, req *RequestFrame) {
		switch req.Method {
		case "hang":
		case "ping":
			s.emit("tick", map[string]int{"n": 1})
			s.respond(req.ID, nil)
		}
	})
	c := connect(t, g)

	var ticks atomic.Int32
	c.On("tick", func(Event) { ticks.Add(1) })

	done := make(chan error, 1)
	go func() {
		_, err := c.Call(context.Background(), "hang", nil)
		done <- err
	}()
	require.Eventually(t, func() bool { return c.pending.len() == 1 }, time.Second, time.Millisecond)

	g.session(0).conn.Close()
	select {
	case err := <-done:
		assert.ErrorIs(t, err, ErrConnectionClosed)
	case <-time.After(2 * time.Second):
		t.Fatal("pending call was not rejected")
	}
	require.Eventually(t, func() bool { return c.State() == StateDisconnected }, time.Second, time.Millisecond)

	// no automatic reconnect; listeners survive an explicit one
	require.NoError(t, c.Connect(context.Background()))
	_, err := c.Call(context.Background(), "ping", nil)
	require.NoError(t, err)
	assert.Equal(t, int32(1), ticks.Load())
	assert.Equal(t, int32(2), g.connects.Load())
}

func TestEventFanOutOrder(t *testing.T) {
	g := newFakeGateway(t, func(s *session, req *RequestFrame) {
		s.emit("x", map[string]string{"hello": "world"})
		s.emit("y", nil)
		s.respond(req.ID, nil)
	})
	m := metrics.New(nil)
	log := logger.NewTestLogger()
	c := connect(t, g, WithMetrics(m), WithLogger(log))

	var order []string
	c.On("x", func(e Event) {
		assert.Equal(t, "x", e.Name)
		assert.JSONEq(t, `{"hello":"world"}`, string(e.Payload))
		order = append(order, "L1")
	})
	c.On("x", func(Event) {
		order = append(order, "L2")
		panic("listener bug")
	})
	c.On("x", func(Event) { order = append(order, "L3") })

	_, err := c.Call(context.Background(), "trigger", nil)
	require.NoError(t, err)
	assert.Equal(t, []string{"L1", "L2", "L3"}, order)
	assert.True(t, log.Contains("ERROR", "panicked"))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.GatewayEvents.WithLabelValues("x")))
}

func TestEventUnsubscribe(t *testing.T) {
	g := newFakeGateway(t, func(s *session, req *RequestFrame) {
		s.emit("x", nil)
		s.respond(req.ID, nil)
	})
	c := connect(t, g)

	var a, b int
	offA := c.On("x", func(Event) { a++ })
	c.On("x", func(Event) { b++ })

	_, err := c.Call(context.Background(), "trigger", nil)
	require.NoError(t, err)
	offA()
	_, err = c.Call(context.Background(), "trigger", nil)
	require.NoError(t, err)
	assert.Equal(t, 1, a)
	assert.Equal(t, 2, b)
}

func TestMalformedFramesAreDropped(t *testing.T) {
	g := newFakeGateway(t, func(s *session, req *RequestFrame) {
		s.sendRaw(`not json`)
		s.sendRaw(`{"type":"res","ok":true}`)
		s.sendRaw(`{"type":"mystery","id":"` + req.ID + `"}`)
		s.respond(req.ID, "fine")
	})
	c := connect(t, g)

	out, err := CallInto[string](context.Background(), c, "echo", nil)
	require.NoError(t, err)
	assert.Equal(t, "fine", out)
	assert.True(t, c.IsConnected())
}

func TestStateString(t *testing.T) {
	assert.Equal(t, "DISCONNECTED", StateDisconnected.String())
	assert.Equal(t, "CONNECTING", StateConnecting.String())
	assert.Equal(t, "CONNECTED", StateConnected.String())
	assert.Equal(t, "UNKNOWN", State(9).String())
}

func TestOutcome(t *testing.T) {
	assert.Equal(t, "ok", outcome(nil))
	assert.Equal(t, "timeout", outcome(fmt.Errorf("%w: x", ErrCallTimeout)))
	assert.Equal(t, "closed", outcome(ErrConnectionClosed))
	assert.Equal(t, "rpc_error", outcome(&RPCError{}))
	assert.Equal(t, "error", outcome(errors.New("x")))
}
