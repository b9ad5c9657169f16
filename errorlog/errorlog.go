// Package errorlog records client errors locally and forwards them to remote
// error tracking sinks.
//
// A Logger is usable before Init: entries are kept in the local ring buffer and
// remote reports are queued until a sink is attached.
package errorlog

import (
	"context"
	"fmt"
	"io"
	"os"
	"slices"
	"sync"
	"time"

	"github.com/agentuity/go-gateway/logger"
	"github.com/agentuity/go-gateway/metrics"
	"github.com/agentuity/go-gateway/storage"
	"github.com/agentuity/go-gateway/tui"
	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
)

// StorageKey is the store key holding the local ring buffer.
const StorageKey = "error_logs"

// DefaultCapacity is the number of entries kept locally and queued before Init.
const DefaultCapacity = 50

type Severity string

const (
	SeverityLow      Severity = "LOW"
	SeverityMedium   Severity = "MEDIUM"
	SeverityHigh     Severity = "HIGH"
	SeverityCritical Severity = "CRITICAL"
)

// Context describes where an error happened.
type Context struct {
	Component string         `json:"component,omitempty" msgpack:"component,omitempty"`
	Action    string         `json:"action,omitempty" msgpack:"action,omitempty"`
	Metadata  map[string]any `json:"metadata,omitempty" msgpack:"metadata,omitempty"`
}

func (c *Context) clone() *Context {
	if c == nil {
		return nil
	}
	out := *c
	if c.Metadata != nil {
		out.Metadata = make(map[string]any, len(c.Metadata))
		for k, v := range c.Metadata {
			out.Metadata[k] = v
		}
	}
	return &out
}

// Entry is a single recorded error.
type Entry struct {
	ID        string    `json:"id" msgpack:"id"`
	Timestamp time.Time `json:"timestamp" msgpack:"timestamp"`
	Message   string    `json:"message" msgpack:"message"`
	Stack     string    `json:"stack,omitempty" msgpack:"stack,omitempty"`
	Severity  Severity  `json:"severity" msgpack:"severity"`
	Context   *Context  `json:"context,omitempty" msgpack:"context,omitempty"`
}

// Report is what remote sinks receive: the entry plus the original error.
type Report struct {
	Entry
	Err error
}

// Reporter records an error and returns its entry id.
type Reporter interface {
	LogError(ctx context.Context, err error, severity Severity, ectx *Context) string
}

type discard struct{}

func (discard) LogError(context.Context, error, Severity, *Context) string { return "" }

// Discard is a Reporter that records nothing.
var Discard Reporter = discard{}

// RemoteSink forwards reports to an external error tracker.
type RemoteSink interface {
	Capture(ctx context.Context, r Report) error
	Flush(ctx context.Context) error
}

// Config is passed to Init.
type Config struct {
	Sinks []RemoteSink
}

// Logger is the error logging service.
type Logger struct {
	store       storage.Store
	capacity    int
	development bool
	console     io.Writer
	log         logger.Logger
	metrics     *metrics.Metrics
	now         func() time.Time

	mu          sync.Mutex
	sinks       []RemoteSink
	queue       []Report
	initialized bool
}

var _ Reporter = (*Logger)(nil)

// Option configures a Logger.
type Option func(*Logger)

// WithStore sets the store holding the local ring buffer. Defaults to memory.
func WithStore(s storage.Store) Option {
	return func(l *Logger) { l.store = s }
}

// WithCapacity bounds the ring buffer and the pre-init queue.
func WithCapacity(n int) Option {
	return func(l *Logger) {
		if n > 0 {
			l.capacity = n
		}
	}
}

// WithDevelopment enables the human readable console report.
func WithDevelopment(dev bool) Option {
	return func(l *Logger) { l.development = dev }
}

// WithConsole sets where development reports are written. Defaults to stderr.
func WithConsole(w io.Writer) Option {
	return func(l *Logger) { l.console = w }
}

func WithLogger(log logger.Logger) Option {
	return func(l *Logger) { l.log = log }
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(l *Logger) { l.metrics = m }
}

// New returns a Logger in the pre-init state.
func New(opts ...Option) *Logger {
	l := &Logger{
		capacity: DefaultCapacity,
		console:  os.Stderr,
		log:      logger.NewNop(),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(l)
	}
	if l.store == nil {
		l.store = storage.NewMemory()
	}
	l.log = l.log.WithPrefix("[errorlog]")
	return l
}

// Init attaches the remote sinks and flushes reports queued before Init.
func (l *Logger) Init(ctx context.Context, cfg Config) {
	l.mu.Lock()
	l.sinks = slices.Clone(cfg.Sinks)
	l.initialized = true
	queued := l.queue
	l.queue = nil
	l.mu.Unlock()

	for _, r := range queued {
		l.capture(ctx, r)
	}
}

// Teardown flushes the sinks and returns the Logger to the pre-init state.
func (l *Logger) Teardown(ctx context.Context) {
	l.mu.Lock()
	sinks := l.sinks
	l.sinks = nil
	l.initialized = false
	l.mu.Unlock()

	for _, sink := range sinks {
		if err := sink.Flush(ctx); err != nil {
			l.log.Debug("failed to flush %T: %s", sink, err)
		}
	}
}

// Initialized reports whether Init has been called since the last Teardown.
func (l *Logger) Initialized() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.initialized
}

// Queued returns the number of reports waiting for Init.
func (l *Logger) Queued() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.queue)
}

// LogError records err and returns the new entry id. It never panics and
// never fails: storage and sink errors are logged at debug level and dropped.
func (l *Logger) LogError(ctx context.Context, err error, severity Severity, ectx *Context) (id string) {
	defer func() {
		if r := recover(); r != nil {
			l.log.Debug("recovered while logging error: %v", r)
		}
	}()
	if err == nil {
		err = errors.NewWithDepth(1, "unknown error")
	}
	if severity == "" {
		severity = SeverityMedium
	}
	entry := Entry{
		ID:        newID(),
		Timestamp: l.now().UTC(),
		Message:   err.Error(),
		Stack:     Stack(err),
		Severity:  severity,
		Context:   ectx.clone(),
	}
	id = entry.ID
	l.metrics.IncErrorLogged(string(severity))

	l.persist(ctx, entry)
	l.forward(ctx, Report{Entry: entry, Err: err})
	if l.development {
		fmt.Fprintln(l.console, tui.RenderErrorReport(entry.View()))
	}
	return id
}

func newID() string {
	id, err := uuid.NewV7()
	if err != nil {
		return "err_" + uuid.NewString()
	}
	return "err_" + id.String()
}

func (l *Logger) load(ctx context.Context) ([]Entry, error) {
	_, entries, err := storage.Get[[]Entry](ctx, l.store, StorageKey)
	return entries, err
}

func (l *Logger) persist(ctx context.Context, entry Entry) {
	l.mu.Lock()
	defer l.mu.Unlock()
	entries, err := l.load(ctx)
	if err != nil {
		l.log.Debug("discarding unreadable error log: %s", err)
		entries = nil
	}
	entries = append(slices.Clone(entries), entry)
	if len(entries) > l.capacity {
		entries = entries[len(entries)-l.capacity:]
	}
	if err := l.store.Set(ctx, StorageKey, entries); err != nil {
		l.log.Debug("failed to persist error log: %s", err)
	}
}

func (l *Logger) forward(ctx context.Context, r Report) {
	l.mu.Lock()
	if !l.initialized {
		l.queue = append(l.queue, r)
		if len(l.queue) > l.capacity {
			l.queue = l.queue[len(l.queue)-l.capacity:]
		}
		l.mu.Unlock()
		return
	}
	l.mu.Unlock()
	l.capture(ctx, r)
}

func (l *Logger) capture(ctx context.Context, r Report) {
	l.mu.Lock()
	sinks := l.sinks
	l.mu.Unlock()
	scrubbed := ScrubReport(r)
	for _, sink := range sinks {
		if err := sink.Capture(ctx, scrubbed); err != nil {
			l.metrics.IncSinkFailure(sinkName(sink))
			l.log.Debug("failed to send error %s to %T: %s", r.ID, sink, err)
		}
	}
}

// Entries returns the locally stored entries, oldest first.
func (l *Logger) Entries(ctx context.Context) ([]Entry, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	entries, err := l.load(ctx)
	if err != nil {
		return nil, err
	}
	return slices.Clone(entries), nil
}

// Clear removes every locally stored entry.
func (l *Logger) Clear(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	_, err := l.store.Delete(ctx, StorageKey)
	return err
}

// View converts e for tui.RenderErrorReport.
func (e Entry) View() tui.ErrorReport {
	r := tui.ErrorReport{
		ID:        e.ID,
		Severity:  string(e.Severity),
		Message:   e.Message,
		Timestamp: e.Timestamp,
		Stack:     e.Stack,
	}
	if e.Context != nil {
		r.Component = e.Context.Component
		r.Action = e.Context.Action
		r.Metadata = e.Context.Metadata
	}
	return r
}

func sinkName(sink RemoteSink) string {
	switch sink.(type) {
	case *SentrySink:
		return "sentry"
	case *OTLPSink:
		return "otlp"
	default:
		return fmt.Sprintf("%T", sink)
	}
}
