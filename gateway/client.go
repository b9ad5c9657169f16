// Package gateway is a client for the agent gateway's WebSocket RPC protocol:
// correlated request/response calls plus server pushed events over a single
// connection.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/agentuity/go-gateway/errorlog"
	"github.com/agentuity/go-gateway/logger"
	"github.com/agentuity/go-gateway/metrics"
	"github.com/agentuity/go-gateway/resilience"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/singleflight"
)

const (
	DefaultURL            = "ws://localhost:18789"
	DefaultProtocol       = 3
	DefaultConnectTimeout = 10 * time.Second
	DefaultCallTimeout    = 30 * time.Second

	writeTimeout = 10 * time.Second
)

var (
	ErrNotConnected     = errors.New("gateway not connected")
	ErrConnectionClosed = errors.New("gateway connection closed")
	ErrCallTimeout      = errors.New("gateway call timed out")
)

// HandshakeError is returned by Connect when the server rejects the connect
// request.
type HandshakeError struct {
	Code   int
	Reason string
}

func (e *HandshakeError) Error() string {
	return fmt.Sprintf("gateway handshake rejected: %s", e.Reason)
}

// RPCError is a failed response to a call.
type RPCError struct {
	Method  string
	Code    int
	Message string
}

func (e *RPCError) Error() string {
	return fmt.Sprintf("%s failed: %s (code %d)", e.Method, e.Message, e.Code)
}

type State int32

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "DISCONNECTED"
	case StateConnecting:
		return "CONNECTING"
	case StateConnected:
		return "CONNECTED"
	default:
		return "UNKNOWN"
	}
}

// Client is a gateway RPC client. It never reconnects on its own: after the
// connection drops callers call Connect or ConnectWithRetry again.
type Client struct {
	url            string
	token          string
	minProtocol    int
	maxProtocol    int
	connectTimeout time.Duration
	callTimeout    time.Duration
	dialer         *websocket.Dialer
	header         http.Header
	logger         logger.Logger
	reporter       errorlog.Reporter
	metrics        *metrics.Metrics
	fallbackAgents []Agent

	connecting singleflight.Group
	pending    *pendingTable
	listeners  *listenerRegistry
	writeMu    sync.Mutex
	gaugeMu    sync.Mutex

	mu    sync.Mutex
	state State
	conn  *websocket.Conn
	done  chan struct{}
	hello json.RawMessage
}

type Option func(*Client)

func WithURL(u string) Option {
	return func(c *Client) { c.url = u }
}

// WithToken sets the token sent in the connect handshake.
func WithToken(token string) Option {
	return func(c *Client) { c.token = token }
}

// WithProtocol sets the protocol version bounds offered in the handshake.
func WithProtocol(minVersion, maxVersion int) Option {
	return func(c *Client) {
		c.minProtocol = minVersion
		c.maxProtocol = maxVersion
	}
}

// WithConnectTimeout bounds dialing plus the handshake.
func WithConnectTimeout(d time.Duration) Option {
	return func(c *Client) { c.connectTimeout = d }
}

// WithCallTimeout bounds every Call.
func WithCallTimeout(d time.Duration) Option {
	return func(c *Client) { c.callTimeout = d }
}

func WithDialer(d *websocket.Dialer) Option {
	return func(c *Client) { c.dialer = d }
}

// WithHeader sets HTTP headers sent on the upgrade request.
func WithHeader(h http.Header) Option {
	return func(c *Client) { c.header = h.Clone() }
}

func WithLogger(l logger.Logger) Option {
	return func(c *Client) { c.logger = l }
}

func WithErrorReporter(r errorlog.Reporter) Option {
	return func(c *Client) { c.reporter = r }
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(c *Client) { c.metrics = m }
}

// WithFallbackAgents replaces the list ListAgents returns when agents.list fails.
func WithFallbackAgents(agents []Agent) Option {
	return func(c *Client) { c.fallbackAgents = agents }
}

func New(opts ...Option) *Client {
	c := &Client{
		url:            DefaultURL,
		minProtocol:    DefaultProtocol,
		maxProtocol:    DefaultProtocol,
		connectTimeout: DefaultConnectTimeout,
		callTimeout:    DefaultCallTimeout,
		dialer:         websocket.DefaultDialer,
		logger:         logger.NewNop(),
		reporter:       errorlog.Discard,
		fallbackAgents: DefaultAgents,
		pending:        newPendingTable(),
		listeners:      newListenerRegistry(),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.logger = c.logger.WithPrefix("[gateway]")
	return c
}

// URL returns the gateway URL.
func (c *Client) URL() string {
	return c.url
}

func (c *Client) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *Client) IsConnected() bool {
	return c.State() == StateConnected
}

// Hello returns the payload of the last successful handshake.
func (c *Client) Hello() json.RawMessage {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.hello
}

func (c *Client) setState(s State) {
	c.mu.Lock()
	prev := c.state
	c.state = s
	c.mu.Unlock()
	c.stateChanged(prev, s)
}

// stateChanged logs a transition made under c.mu. The gauge is synced from
// the current state so a late caller cannot leave a stale value behind.
func (c *Client) stateChanged(prev, s State) {
	if prev == s {
		return
	}
	c.logger.Debug("state changed from %s to %s", prev, s)
	c.gaugeMu.Lock()
	c.metrics.SetGatewayConnected(c.IsConnected())
	c.gaugeMu.Unlock()
}

func (c *Client) report(ctx context.Context, err error, action string, metadata map[string]any) error {
	if errors.Is(err, context.Canceled) {
		return err
	}
	if metadata == nil {
		metadata = make(map[string]any)
	}
	metadata["url"] = c.url
	c.reporter.LogError(ctx, err, errorlog.SeverityHigh, &errorlog.Context{
		Component: "GatewayClient",
		Action:    action,
		Metadata:  metadata,
	})
	return err
}

// Connect dials the gateway and performs the handshake. It returns at once if
// already connected. Concurrent callers share one attempt; each may stop
// waiting through its own ctx without aborting the attempt.
func (c *Client) Connect(ctx context.Context) error {
	if c.IsConnected() {
		return nil
	}
	// detached so one caller giving up does not fail the others
	actx := context.WithoutCancel(ctx)
	ch := c.connecting.DoChan("connect", func() (any, error) {
		return nil, c.connect(actx)
	})
	select {
	case res := <-ch:
		if res.Err != nil {
			return c.report(ctx, res.Err, "connect", nil)
		}
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

type connectParams struct {
	MinProtocol int    `json:"minProtocol"`
	MaxProtocol int    `json:"maxProtocol"`
	Token       string `json:"token,omitempty"`
}

func (c *Client) connect(ctx context.Context) error {
	if c.IsConnected() {
		return nil
	}
	ctx, cancel := context.WithTimeout(ctx, c.connectTimeout)
	defer cancel()

	c.setState(StateConnecting)
	c.logger.Debug("connecting to %s", c.url)
	conn, _, err := c.dialer.DialContext(ctx, c.url, c.header)
	if err != nil {
		c.setState(StateDisconnected)
		return fmt.Errorf("error dialing gateway: %w", err)
	}

	done := make(chan struct{})
	c.mu.Lock()
	c.conn = conn
	c.done = done
	c.mu.Unlock()
	go c.readLoop(conn, done)

	payload, err := c.call(ctx, conn, "connect", connectParams{
		MinProtocol: c.minProtocol,
		MaxProtocol: c.maxProtocol,
		Token:       c.token,
	}, c.connectTimeout)
	if err != nil {
		conn.Close()
		<-done
		var rpcErr *RPCError
		if errors.As(err, &rpcErr) {
			return &HandshakeError{Code: rpcErr.Code, Reason: rpcErr.Message}
		}
		return fmt.Errorf("error during gateway handshake: %w", err)
	}

	c.mu.Lock()
	if c.conn != conn {
		// dropped between the handshake response and here
		c.mu.Unlock()
		return ErrConnectionClosed
	}
	c.hello = payload
	prev := c.state
	c.state = StateConnected
	c.mu.Unlock()
	c.stateChanged(prev, StateConnected)
	c.logger.Info("connected to %s", c.url)
	return nil
}

// ConnectWithRetry calls Connect with cfg's backoff. A rejected handshake is
// not retried.
func (c *Client) ConnectWithRetry(ctx context.Context, cfg resilience.RetryConfig) error {
	return resilience.Retry(ctx, cfg, func(ctx context.Context, attempt int) error {
		return c.Connect(ctx)
	}, resilience.WithClassifier(func(err error, _ resilience.RetryConfig) bool {
		var he *HandshakeError
		if errors.As(err, &he) || errors.Is(err, context.Canceled) {
			return false
		}
		return true
	}), resilience.WithOnRetry(func(attempt int, err error) {
		c.logger.Warn("connect attempt %d/%d failed, retrying: %s", attempt, cfg.MaxAttempts, err)
	}))
}

// Disconnect closes the connection and waits for pending calls to be
// rejected. Event listeners are kept.
func (c *Client) Disconnect() error {
	c.mu.Lock()
	conn, done := c.conn, c.done
	c.mu.Unlock()
	if conn == nil {
		return nil
	}
	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
	if err := conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second)); err != nil {
		c.logger.Debug("error sending close frame: %s", err)
	}
	err := conn.Close()
	<-done
	if err != nil && !errors.Is(err, net.ErrClosed) {
		return err
	}
	return nil
}

func (c *Client) readLoop(conn *websocket.Conn, done chan struct{}) {
	defer close(done)
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			c.closed(conn, err)
			return
		}
		frame, err := Decode(data)
		if err != nil {
			c.logger.Debug("dropping frame: %s", err)
			continue
		}
		c.dispatch(frame)
	}
}

// closed tears down state for conn after its read loop stopped.
func (c *Client) closed(conn *websocket.Conn, cause error) {
	c.mu.Lock()
	current := c.conn == conn
	prev := c.state
	if current {
		c.conn = nil
		c.done = nil
		c.state = StateDisconnected
	}
	c.mu.Unlock()
	if !current {
		return
	}
	conn.Close()
	if websocket.IsCloseError(cause, websocket.CloseNormalClosure) {
		c.logger.Debug("connection closed")
	} else {
		c.logger.Debug("connection closed: %s", cause)
	}
	c.stateChanged(prev, StateDisconnected)
	calls := c.pending.drain()
	for _, call := range calls {
		call.settle(nil, ErrConnectionClosed)
	}
	c.metrics.SetPending(0)
	if len(calls) > 0 {
		c.logger.Warn("rejected %d pending calls after the connection closed", len(calls))
	}
}

func (c *Client) dispatch(frame Frame) {
	switch f := frame.(type) {
	case *ResponseFrame:
		call, ok := c.pending.take(f.ID)
		if !ok {
			c.logger.Debug("dropping response for unknown id %s", f.ID)
			return
		}
		c.metrics.SetPending(c.pending.len())
		c.logger.Trace("response for %s (%s) after %v", f.ID, call.method, time.Since(call.started))
		if f.OK {
			call.settle(f.Payload, nil)
			return
		}
		call.settle(nil, &RPCError{Method: call.method, Code: f.Error.Code, Message: f.Error.Message})
	case *EventFrame:
		c.metrics.IncEvent(f.Event)
		c.emit(Event{Name: f.Event, Payload: f.Payload})
	case *RequestFrame:
		c.logger.Debug("dropping server request %s (%s)", f.ID, f.Method)
	}
}

func (c *Client) emit(ev Event) {
	for _, l := range c.listeners.snapshot(ev.Name) {
		c.invoke(l.fn, ev)
	}
}

func (c *Client) invoke(fn EventHandler, ev Event) {
	defer func() {
		if r := recover(); r != nil {
			c.logger.Error("event listener for %s panicked: %v", ev.Name, r)
		}
	}()
	fn(ev)
}

// On registers fn for event and returns a function that removes it.
// Listeners are called in registration order and survive reconnects.
func (c *Client) On(event string, fn EventHandler) func() {
	return c.listeners.add(event, fn)
}

func (c *Client) write(conn *websocket.Conn, v any) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := conn.SetWriteDeadline(time.Now().Add(writeTimeout)); err != nil {
		return err
	}
	return conn.WriteJSON(v)
}

func newID() string {
	return uuid.Must(uuid.NewV7()).String()
}

// Call invokes method and returns the response payload. It fails with
// ErrNotConnected, ErrCallTimeout, ErrConnectionClosed or an *RPCError.
func (c *Client) Call(ctx context.Context, method string, params any) (json.RawMessage, error) {
	c.mu.Lock()
	conn, state := c.conn, c.state
	c.mu.Unlock()
	if state != StateConnected || conn == nil {
		return nil, c.report(ctx, ErrNotConnected, method, nil)
	}

	ctx, span := tracer.Start(ctx, method,
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			attribute.String("rpc.system", "gateway"),
			attribute.String("rpc.method", method),
		),
	)
	defer span.End()

	started := time.Now()
	payload, err := c.call(ctx, conn, method, params, c.callTimeout)
	result := outcome(err)
	c.metrics.ObserveCall(method, result, time.Since(started))
	span.SetAttributes(attribute.String("rpc.outcome", result))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, c.report(ctx, err, method, map[string]any{"method": method})
	}
	return payload, nil
}

func outcome(err error) string {
	var rpcErr *RPCError
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, ErrCallTimeout):
		return "timeout"
	case errors.Is(err, ErrConnectionClosed):
		return "closed"
	case errors.As(err, &rpcErr):
		return "rpc_error"
	default:
		return "error"
	}
}

func (c *Client) call(ctx context.Context, conn *websocket.Conn, method string, params any, timeout time.Duration) (json.RawMessage, error) {
	id := newID()
	call := c.pending.add(id, method)
	c.metrics.SetPending(c.pending.len())

	if err := c.write(conn, RequestFrame{ID: id, Method: method, Params: params}); err != nil {
		if _, ok := c.pending.take(id); ok {
			c.metrics.SetPending(c.pending.len())
			return nil, fmt.Errorf("error sending %s request: %w", method, err)
		}
		// already rejected by the read loop
		res := <-call.ch
		return res.payload, res.err
	}
	c.logger.Trace("sent %s request %s", method, id)

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case res := <-call.ch:
		return res.payload, res.err
	case <-timer.C:
		if _, ok := c.pending.take(id); ok {
			c.metrics.SetPending(c.pending.len())
			return nil, fmt.Errorf("%w: %s after %s", ErrCallTimeout, method, timeout)
		}
	case <-ctx.Done():
		if _, ok := c.pending.take(id); ok {
			c.metrics.SetPending(c.pending.len())
			return nil, ctx.Err()
		}
	}
	// the response won the race for the entry
	res := <-call.ch
	return res.payload, res.err
}

// CallInto invokes method and decodes the payload into T.
func CallInto[T any](ctx context.Context, c *Client, method string, params any) (T, error) {
	var out T
	payload, err := c.Call(ctx, method, params)
	if err != nil {
		return out, err
	}
	if len(payload) == 0 {
		return out, nil
	}
	if err := json.Unmarshal(payload, &out); err != nil {
		return out, fmt.Errorf("error decoding %s response: %w", method, err)
	}
	return out, nil
}
