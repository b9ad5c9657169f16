// Package boundary supervises render functions: it catches their failures,
// reports them and decides between automatic recovery and a terminal state
// that only a reload clears.
package boundary

import (
	"context"
	"reflect"
	"slices"
	"sync"
	"time"

	"github.com/agentuity/go-gateway/errorlog"
	"github.com/agentuity/go-gateway/logger"
	"github.com/agentuity/go-gateway/metrics"
	"github.com/cockroachdb/errors"
)

const (
	DefaultMaxErrorCount = 3
	DefaultResetWindow   = 5 * time.Second
)

// ErrShowingFallback is returned by Render while the boundary is in error state.
var ErrShowingFallback = errors.New("boundary is showing its fallback")

type Level string

const (
	LevelApp       Level = "app"
	LevelPage      Level = "page"
	LevelComponent Level = "component"
)

// Severity maps the level to the severity errors are reported with.
func (l Level) Severity() errorlog.Severity {
	switch l {
	case LevelApp:
		return errorlog.SeverityCritical
	case LevelPage:
		return errorlog.SeverityHigh
	default:
		return errorlog.SeverityMedium
	}
}

type Config struct {
	Name  string
	Level Level
	// MaxErrorCount errors inside one rolling window make the boundary permanent.
	MaxErrorCount int
	// ResetWindow is both the auto reset delay and the quiet period after
	// which the rolling count restarts.
	ResetWindow           time.Duration
	ResetKeys             []any
	ResetOnChildrenChange bool
	Development           bool
	// OnReset is called after the boundary leaves the error state.
	OnReset func()
}

// State is a snapshot of the boundary.
type State struct {
	HasError       bool
	ErrorCount     int
	LastErrorTime  time.Time
	Permanent      bool
	Err            error
	ErrorID        string
	ComponentStack string
}

type Boundary struct {
	config   Config
	reporter errorlog.Reporter
	logger   logger.Logger
	metrics  *metrics.Metrics
	now      func() time.Time

	mu         sync.Mutex
	state      State
	timer      *time.Timer
	generation uint64
	catches    uint64
	children   string
	resetKeys  []any
	closed     bool
}

type Option func(*Boundary)

func WithReporter(r errorlog.Reporter) Option {
	return func(b *Boundary) { b.reporter = r }
}

func WithLogger(l logger.Logger) Option {
	return func(b *Boundary) { b.logger = l }
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(b *Boundary) { b.metrics = m }
}

// New returns a boundary in the clean state.
func New(cfg Config, opts ...Option) *Boundary {
	if cfg.Name == "" {
		cfg.Name = "ErrorBoundary"
	}
	if cfg.Level == "" {
		cfg.Level = LevelComponent
	}
	if cfg.MaxErrorCount <= 0 {
		cfg.MaxErrorCount = DefaultMaxErrorCount
	}
	if cfg.ResetWindow <= 0 {
		cfg.ResetWindow = DefaultResetWindow
	}
	b := &Boundary{
		config:    cfg,
		reporter:  errorlog.Discard,
		logger:    logger.NewNop(),
		now:       time.Now,
		resetKeys: slices.Clone(cfg.ResetKeys),
	}
	for _, opt := range opts {
		opt(b)
	}
	b.logger = b.logger.WithPrefix("[" + cfg.Name + "]")
	return b
}

func (b *Boundary) Config() Config {
	return b.config
}

// Render runs fn unless the boundary is showing its fallback. A panic in fn
// is recovered and caught like a returned error.
func (b *Boundary) Render(ctx context.Context, fn func(ctx context.Context) error) (err error) {
	b.mu.Lock()
	hasError := b.state.HasError
	b.mu.Unlock()
	if hasError {
		return ErrShowingFallback
	}

	var stack string
	func() {
		defer func() {
			if r := recover(); r != nil {
				if perr, ok := r.(error); ok {
					err = errors.Wrap(perr, "render panic")
				} else {
					err = errors.Newf("render panic: %v", r)
				}
				stack = errorlog.Stack(err)
			}
		}()
		err = fn(ctx)
	}()
	if err != nil {
		b.Catch(ctx, err, stack)
	}
	return err
}

// Catch records a failure escaping the subtree and returns the reported error id.
func (b *Boundary) Catch(ctx context.Context, err error, componentStack string) string {
	if err == nil {
		err = errors.New("unknown render error")
	}
	now := b.now()

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return ""
	}
	s := &b.state
	if !s.LastErrorTime.IsZero() && now.Sub(s.LastErrorTime) > b.config.ResetWindow {
		s.ErrorCount = 0
	}
	s.ErrorCount++
	s.LastErrorTime = now
	s.HasError = true
	s.Err = err
	s.ComponentStack = componentStack
	b.catches++
	catch := b.catches
	b.stopTimer()
	if s.ErrorCount >= b.config.MaxErrorCount {
		s.Permanent = true
	} else if !s.Permanent {
		gen := b.generation
		b.timer = time.AfterFunc(b.config.ResetWindow, func() { b.autoReset(gen) })
	}
	count, permanent := s.ErrorCount, s.Permanent
	b.mu.Unlock()

	b.metrics.IncBoundaryError(string(b.config.Level))
	id := b.reporter.LogError(ctx, err, b.config.Level.Severity(), &errorlog.Context{
		Component: b.config.Name,
		Action:    "render",
		Metadata: map[string]any{
			"level":          string(b.config.Level),
			"errorCount":     count,
			"permanent":      permanent,
			"componentStack": componentStack,
		},
	})
	if permanent {
		b.logger.Error("caught error %d/%d, giving up until reload: %s", count, b.config.MaxErrorCount, err)
	} else {
		b.logger.Warn("caught error %d/%d, resetting in %s: %s", count, b.config.MaxErrorCount, b.config.ResetWindow, err)
	}

	b.mu.Lock()
	if b.catches == catch && b.state.HasError {
		b.state.ErrorID = id
	}
	b.mu.Unlock()
	return id
}

// stopTimer must be called with mu held.
func (b *Boundary) stopTimer() {
	b.generation++
	if b.timer != nil {
		b.timer.Stop()
		b.timer = nil
	}
}

func (b *Boundary) autoReset(gen uint64) {
	b.mu.Lock()
	if gen != b.generation || b.closed || b.state.Permanent || !b.state.HasError {
		b.mu.Unlock()
		return
	}
	b.timer = nil
	b.clearError()
	b.mu.Unlock()
	b.logger.Debug("auto reset")
	b.resetDone()
}

// clearError must be called with mu held. The rolling count is kept.
func (b *Boundary) clearError() {
	b.state.HasError = false
	b.state.Err = nil
	b.state.ErrorID = ""
	b.state.ComponentStack = ""
}

func (b *Boundary) clearAll() {
	b.stopTimer()
	b.state = State{}
}

func (b *Boundary) resetDone() {
	if b.config.OnReset != nil {
		b.config.OnReset()
	}
}

// Reset is the retry action: it leaves the error state but keeps the rolling
// count. It does nothing once the boundary is permanent.
func (b *Boundary) Reset() bool {
	b.mu.Lock()
	if !b.state.HasError || b.state.Permanent {
		b.mu.Unlock()
		return false
	}
	b.stopTimer()
	b.clearError()
	b.mu.Unlock()
	b.resetDone()
	return true
}

// Reload clears everything including permanence.
func (b *Boundary) Reload() {
	b.mu.Lock()
	hadError := b.state.HasError
	b.clearAll()
	b.mu.Unlock()
	if hadError {
		b.resetDone()
	}
}

// Update reports the current children identity and reset keys. A change in
// either, when configured, clears the boundary including permanence.
func (b *Boundary) Update(children string, resetKeys []any) bool {
	b.mu.Lock()
	changed := b.config.ResetOnChildrenChange && children != b.children
	if !reflect.DeepEqual(b.resetKeys, resetKeys) && (len(b.resetKeys) > 0 || len(resetKeys) > 0) {
		changed = true
	}
	b.children = children
	b.resetKeys = slices.Clone(resetKeys)
	hadError := b.state.HasError
	if !changed || (!hadError && b.state.ErrorCount == 0) {
		b.mu.Unlock()
		return false
	}
	b.clearAll()
	b.mu.Unlock()
	b.logger.Debug("reset after children or reset keys changed")
	if hadError {
		b.resetDone()
	}
	return true
}

// Close stops pending timers. Later catches are ignored.
func (b *Boundary) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	b.stopTimer()
}

func (b *Boundary) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}
