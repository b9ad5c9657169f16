package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"maps"
	"net/http"
	"runtime/debug"
	"strings"
	"time"

	"github.com/agentuity/go-gateway/errorlog"
	"github.com/agentuity/go-gateway/logger"
	"github.com/agentuity/go-gateway/metrics"
	"github.com/agentuity/go-gateway/resilience"
	"github.com/agentuity/go-gateway/storage"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
)

var (
	Version = "dev"
	Commit  = "unknown"
)

// TokenKey is the store key holding the bearer token.
const TokenKey = "auth_token"

// DefaultBaseURL is used when no base URL is configured.
const DefaultBaseURL = "http://localhost:3000"

// HealthTimeout bounds HealthCheck.
const HealthTimeout = 5 * time.Second

// Client is an HTTP client that adds retries, per-endpoint circuit breakers,
// bearer authentication and error reporting to every request.
type Client struct {
	baseURL   string
	headers   map[string]string
	client    *http.Client
	tokens    storage.Store
	retry     resilience.RetryConfig
	breakerCf *resilience.CircuitBreakerConfig
	breakers  *resilience.Breakers
	reporter  errorlog.Reporter
	logger    logger.Logger
	metrics   *metrics.Metrics
	userAgent string
}

// Option configures a Client.
type Option func(*Client)

func WithBaseURL(u string) Option {
	return func(c *Client) { c.baseURL = strings.TrimRight(u, "/") }
}

// WithHeaders sets headers sent with every request.
func WithHeaders(h map[string]string) Option {
	return func(c *Client) { maps.Copy(c.headers, h) }
}

func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.client = hc }
}

// WithTokenStore reads the bearer token from s under TokenKey on every request.
func WithTokenStore(s storage.Store) Option {
	return func(c *Client) { c.tokens = s }
}

// WithCircuitBreaker enables one breaker per "METHOD path" endpoint.
func WithCircuitBreaker(cfg resilience.CircuitBreakerConfig) Option {
	return func(c *Client) { c.breakerCf = &cfg }
}

// WithRetryConfig overrides the default retry policy for every request.
func WithRetryConfig(cfg resilience.RetryConfig) Option {
	return func(c *Client) { c.retry = resilience.DefaultRetryConfig().Merge(cfg) }
}

func WithErrorReporter(r errorlog.Reporter) Option {
	return func(c *Client) { c.reporter = r }
}

func WithLogger(l logger.Logger) Option {
	return func(c *Client) { c.logger = l }
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(c *Client) { c.metrics = m }
}

func WithUserAgent(ua string) Option {
	return func(c *Client) { c.userAgent = ua }
}

// UserAgent returns the default User-Agent including the VCS revision.
func UserAgent() string {
	gitSHA := Commit
	if info, ok := debug.ReadBuildInfo(); ok {
		for _, setting := range info.Settings {
			if setting.Key == "vcs.revision" {
				gitSHA = setting.Value
			}
		}
	}
	return "Gateway API Client/" + Version + " (" + gitSHA + ")"
}

// New returns a Client. Without WithCircuitBreaker requests are not guarded
// by a breaker. Without WithTokenStore tokens are kept in memory.
func New(opts ...Option) *Client {
	c := &Client{
		baseURL:   DefaultBaseURL,
		headers:   make(map[string]string),
		client:    http.DefaultClient,
		retry:     resilience.DefaultRetryConfig(),
		reporter:  errorlog.Discard,
		logger:    logger.NewNop(),
		userAgent: UserAgent(),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.logger = c.logger.WithPrefix("[api]")
	if c.tokens == nil {
		c.tokens = storage.NewMemory()
	}
	if c.breakerCf != nil {
		cfg := *c.breakerCf
		onChange := cfg.OnStateChange
		cfg.OnStateChange = func(endpoint string, from, to resilience.CircuitBreakerState) {
			c.logger.Warn("circuit breaker for %s changed from %s to %s", endpoint, from, to)
			c.metrics.SetBreakerState(endpoint, int(to))
			if onChange != nil {
				onChange(endpoint, from, to)
			}
		}
		c.breakers = resilience.NewBreakers(cfg)
	}
	return c
}

// Breakers returns the per-endpoint breaker registry, or nil when breakers
// are disabled.
func (c *Client) Breakers() *resilience.Breakers {
	return c.breakers
}

// BaseURL returns the configured base URL.
func (c *Client) BaseURL() string {
	return c.baseURL
}

// SetToken stores the bearer token used by subsequent requests.
func (c *Client) SetToken(ctx context.Context, token string) error {
	return c.tokens.Set(ctx, TokenKey, token)
}

// ClearToken removes the stored bearer token.
func (c *Client) ClearToken(ctx context.Context) error {
	if c.tokens == nil {
		return nil
	}
	_, err := c.tokens.Delete(ctx, TokenKey)
	return err
}

func (c *Client) token(ctx context.Context) string {
	if c.tokens == nil {
		return ""
	}
	_, token, err := storage.Get[string](ctx, c.tokens, TokenKey)
	if err != nil {
		c.logger.Debug("failed to read token: %s", err)
		return ""
	}
	return token
}

// RequestOptions customizes a single request.
type RequestOptions struct {
	Headers map[string]string
	Body    any
	// Retry fields that are set override the client policy.
	Retry   resilience.RetryConfig
	NoRetry bool
	Timeout time.Duration
	OnRetry func(attempt int, err error)
}

// RequestOption mutates RequestOptions for the verb helpers.
type RequestOption func(*RequestOptions)

func Header(key, value string) RequestOption {
	return func(o *RequestOptions) {
		if o.Headers == nil {
			o.Headers = make(map[string]string)
		}
		o.Headers[key] = value
	}
}

func Timeout(d time.Duration) RequestOption {
	return func(o *RequestOptions) { o.Timeout = d }
}

func NoRetry() RequestOption {
	return func(o *RequestOptions) { o.NoRetry = true }
}

func Retry(cfg resilience.RetryConfig) RequestOption {
	return func(o *RequestOptions) { o.Retry = cfg }
}

func OnRetry(fn func(attempt int, err error)) RequestOption {
	return func(o *RequestOptions) { o.OnRetry = fn }
}

func isAbsolute(path string) bool {
	return strings.HasPrefix(path, "http://") || strings.HasPrefix(path, "https://")
}

func (c *Client) resolveURL(path string) string {
	if isAbsolute(path) {
		return path
	}
	if path == "" {
		return c.baseURL
	}
	if !strings.HasPrefix(path, "/") && !strings.HasPrefix(path, "?") {
		path = "/" + path
	}
	return c.baseURL + path
}

// endpointKey is the breaker key for method and path: "METHOD path" without the query.
func endpointKey(method, path string) string {
	if i := strings.IndexAny(path, "?#"); i != -1 {
		path = path[:i]
	}
	return strings.ToUpper(method) + " " + path
}

func encodeBody(body any) ([]byte, error) {
	switch b := body.(type) {
	case nil:
		return nil, nil
	case string:
		return []byte(b), nil
	case []byte:
		return b, nil
	case json.RawMessage:
		return b, nil
	case io.Reader:
		return io.ReadAll(b)
	default:
		return json.Marshal(body)
	}
}

func (c *Client) requestConfig(opts *RequestOptions) resilience.RetryConfig {
	cfg := c.retry.Merge(opts.Retry)
	if opts.NoRetry {
		cfg.MaxAttempts = 1
	}
	if opts.Timeout > 0 {
		cfg.Timeout = opts.Timeout
	}
	return cfg
}

// Request performs method on path and decodes a 2xx JSON body into out when
// out is non-nil. *[]byte and *string receive the raw body.
func (c *Client) Request(ctx context.Context, method, path string, opts *RequestOptions, out any) error {
	if opts == nil {
		opts = &RequestOptions{}
	}
	method = strings.ToUpper(method)
	u := c.resolveURL(path)
	endpoint := endpointKey(method, path)

	ctx, span := tracer.Start(ctx, endpoint,
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			attribute.String("http.request.method", method),
			attribute.String("url.full", u),
		),
	)
	defer span.End()

	body, err := encodeBody(opts.Body)
	if err != nil {
		err = &Error{Message: fmt.Sprintf("error marshalling payload: %s", err), URL: u, Method: method, Err: err}
		return c.fail(ctx, err, u, method, path)
	}

	header := make(http.Header)
	header.Set("Content-Type", "application/json")
	header.Set("User-Agent", c.userAgent)
	for k, v := range c.headers {
		header.Set(k, v)
	}
	for k, v := range opts.Headers {
		header.Set(k, v)
	}
	if header.Get("Authorization") == "" {
		if token := c.token(ctx); token != "" {
			header.Set("Authorization", "Bearer "+token)
		}
	}
	if header.Get("traceparent") == "" {
		propagator.Inject(ctx, propagation.HeaderCarrier(header))
	}

	cfg := c.requestConfig(opts)
	onRetry := resilience.WithOnRetry(func(attempt int, err error) {
		c.logger.Debug("%s failed on attempt %d/%d, retrying: %s", endpoint, attempt, cfg.MaxAttempts, err)
		c.metrics.IncRetry(endpoint)
		if opts.OnRetry != nil {
			opts.OnRetry(attempt, err)
		}
	})
	req := FetchRequest{Method: method, URL: u, Header: header, Body: body}

	c.logger.Trace("sending request: %s %s", method, u)
	started := time.Now()
	var resp *FetchResponse
	run := func(ctx context.Context) error {
		r, err := Fetch(ctx, c.client, req, cfg, onRetry)
		resp = r
		return err
	}
	if c.breakers != nil {
		err = c.breakers.Get(endpoint).Execute(ctx, run)
		if errors.Is(err, resilience.ErrCircuitOpen) {
			c.metrics.IncBreakerRejection(endpoint)
		}
	} else {
		err = run(ctx)
	}

	status := 0
	if resp != nil {
		status = resp.Status
	} else {
		var apiErr *Error
		if errors.As(err, &apiErr) {
			status = apiErr.Status
		}
	}
	c.metrics.ObserveRequest(endpoint, method, status, time.Since(started))
	if status > 0 {
		span.SetAttributes(attribute.Int("http.response.status_code", status))
	}

	if err != nil {
		return c.fail(ctx, err, u, method, path)
	}

	contentType := resp.Header.Get("Content-Type")
	c.logger.Debug("response status: %d, body: %s, content-type: %s", resp.Status, bodyPreview(resp.Body, contentType, 200), contentType)
	if err := decodeInto(resp, out); err != nil {
		err = &Error{
			Message: fmt.Sprintf("error JSON decoding response: %s", err),
			URL:     u,
			Method:  method,
			Status:  resp.Status,
			RawBody: string(resp.Body),
			Attempt: resp.Attempt,
			Err:     err,
		}
		return c.fail(ctx, err, u, method, path)
	}
	return nil
}

func decodeInto(resp *FetchResponse, out any) error {
	switch v := out.(type) {
	case nil:
		return nil
	case *[]byte:
		*v = resp.Body
		return nil
	case *string:
		*v = string(resp.Body)
		return nil
	}
	if len(bytes.TrimSpace(resp.Body)) == 0 {
		return nil
	}
	return json.Unmarshal(resp.Body, out)
}

func (c *Client) fail(ctx context.Context, err error, u, method, path string) error {
	span := trace.SpanFromContext(ctx)
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	if errors.Is(err, context.Canceled) {
		return err
	}
	c.logger.Debug("%s %s failed: %s", method, u, err)
	c.reporter.LogError(ctx, err, errorlog.SeverityHigh, &errorlog.Context{
		Component: "ApiClient",
		Action:    "request",
		Metadata: map[string]any{
			"url":    u,
			"method": method,
			"path":   path,
		},
	})
	return err
}

func applyOptions(opts []RequestOption) *RequestOptions {
	o := &RequestOptions{}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

func (c *Client) Get(ctx context.Context, path string, out any, opts ...RequestOption) error {
	return c.Request(ctx, http.MethodGet, path, applyOptions(opts), out)
}

func (c *Client) Delete(ctx context.Context, path string, out any, opts ...RequestOption) error {
	return c.Request(ctx, http.MethodDelete, path, applyOptions(opts), out)
}

func (c *Client) Post(ctx context.Context, path string, body any, out any, opts ...RequestOption) error {
	o := applyOptions(opts)
	o.Body = body
	return c.Request(ctx, http.MethodPost, path, o, out)
}

func (c *Client) Put(ctx context.Context, path string, body any, out any, opts ...RequestOption) error {
	o := applyOptions(opts)
	o.Body = body
	return c.Request(ctx, http.MethodPut, path, o, out)
}

func (c *Client) Patch(ctx context.Context, path string, body any, out any, opts ...RequestOption) error {
	o := applyOptions(opts)
	o.Body = body
	return c.Request(ctx, http.MethodPatch, path, o, out)
}

// HealthCheck reports whether GET /health succeeds within HealthTimeout on a
// single attempt. Failures are not reported and do not trip breakers.
func (c *Client) HealthCheck(ctx context.Context) bool {
	header := make(http.Header)
	header.Set("User-Agent", c.userAgent)
	cfg := c.retry.Merge(resilience.RetryConfig{MaxAttempts: 1, Timeout: HealthTimeout})
	cfg.MaxAttempts = 1
	_, err := Fetch(ctx, c.client, FetchRequest{
		Method: http.MethodGet,
		URL:    c.resolveURL("/health"),
		Header: header,
	}, cfg)
	if err != nil {
		c.logger.Debug("health check failed: %s", err)
		return false
	}
	return true
}
