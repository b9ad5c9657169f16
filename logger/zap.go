package logger

import (
	"context"
	"fmt"
	"os"
	"strings"
	"sync"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// zapSink is shared by every clone so SetSink redirects all of them.
type zapSink struct {
	mu     sync.RWMutex
	logger *zap.Logger
}

func (s *zapSink) get() *zap.Logger {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.logger
}

func (s *zapSink) set(w Sink) {
	z := newZap(w)
	s.mu.Lock()
	s.logger = z
	s.mu.Unlock()
}

func newZap(w Sink) *zap.Logger {
	enc := zap.NewProductionEncoderConfig()
	enc.TimeKey = "timestamp"
	enc.MessageKey = "message"
	enc.LevelKey = "severity"
	enc.EncodeTime = zapcore.RFC3339NanoTimeEncoder
	enc.EncodeLevel = zapcore.CapitalLevelEncoder
	// level filtering happens in zapLogger so trace can map onto debug
	core := zapcore.NewCore(zapcore.NewJSONEncoder(enc), zapcore.AddSync(w), zapcore.DebugLevel)
	return zap.New(core)
}

type zapLogger struct {
	sink      *zapSink
	metadata  map[string]interface{}
	component string
	logLevel  LogLevel
	child     Logger
}

var _ SinkLogger = (*zapLogger)(nil)

func (c *zapLogger) clone() *zapLogger {
	metadata := make(map[string]interface{}, len(c.metadata))
	for k, v := range c.metadata {
		metadata[k] = v
	}
	return &zapLogger{
		sink:      c.sink,
		metadata:  metadata,
		component: c.component,
		logLevel:  c.logLevel,
		child:     c.child,
	}
}

func (c *zapLogger) SetSink(sink Sink, level LogLevel) {
	c.sink.set(sink)
	c.logLevel = level
}

func (c *zapLogger) WithContext(ctx context.Context) Logger {
	clone := c.clone()
	if clone.child != nil {
		clone.child = clone.child.WithContext(ctx)
	}
	return clone
}

func (c *zapLogger) WithPrefix(prefix string) Logger {
	clone := c.clone()
	if clone.component == "" {
		clone.component = prefix
	} else if !strings.Contains(clone.component, prefix) {
		clone.component = clone.component + " " + prefix
	}
	if clone.child != nil {
		clone.child = clone.child.WithPrefix(prefix)
	}
	return clone
}

func (c *zapLogger) With(newFields map[string]interface{}) Logger {
	clone := c.clone()
	for k, v := range newFields {
		clone.metadata[k] = v
	}
	if comp, ok := clone.metadata["component"].(string); ok {
		clone.component = comp
		delete(clone.metadata, "component")
	}
	if clone.child != nil {
		clone.child = clone.child.With(newFields)
	}
	return clone
}

func (c *zapLogger) IsLevelEnabled(level LogLevel) bool {
	return level >= c.logLevel
}

func (c *zapLogger) log(level LogLevel, msg string, args ...interface{}) {
	if !c.IsLevelEnabled(level) {
		return
	}
	text := msg
	if len(args) > 0 {
		text = fmt.Sprintf(msg, args...)
	}
	text = ansiColorStripper.ReplaceAllString(text, "")
	fields := make([]zap.Field, 0, len(c.metadata)+1)
	if c.component != "" {
		fields = append(fields, zap.String("component", c.component))
	}
	for k, v := range c.metadata {
		fields = append(fields, zap.Any(k, v))
	}
	z := c.sink.get()
	switch level {
	case LevelTrace, LevelDebug:
		z.Debug(text, fields...)
	case LevelInfo:
		z.Info(text, fields...)
	case LevelWarn:
		z.Warn(text, fields...)
	default:
		z.Error(text, fields...)
	}
}

func (c *zapLogger) Trace(msg string, args ...interface{}) {
	c.log(LevelTrace, msg, args...)
	if c.child != nil {
		c.child.Trace(msg, args...)
	}
}

func (c *zapLogger) Debug(msg string, args ...interface{}) {
	c.log(LevelDebug, msg, args...)
	if c.child != nil {
		c.child.Debug(msg, args...)
	}
}

func (c *zapLogger) Info(msg string, args ...interface{}) {
	c.log(LevelInfo, msg, args...)
	if c.child != nil {
		c.child.Info(msg, args...)
	}
}

func (c *zapLogger) Warn(msg string, args ...interface{}) {
	c.log(LevelWarn, msg, args...)
	if c.child != nil {
		c.child.Warn(msg, args...)
	}
}

func (c *zapLogger) Error(msg string, args ...interface{}) {
	c.log(LevelError, msg, args...)
	if c.child != nil {
		c.child.Error(msg, args...)
	}
}

func (c *zapLogger) Stack(next Logger) Logger {
	clone := c.clone()
	clone.child = next
	return clone
}

// NewZapLogger returns a Logger that encodes entries with zap's production
// JSON encoder on stderr.
func NewZapLogger(levels ...LogLevel) SinkLogger {
	level := GetLevelFromEnv()
	if len(levels) > 0 {
		level = levels[0]
	}
	return &zapLogger{
		sink:     &zapSink{logger: newZap(os.Stderr)},
		metadata: map[string]interface{}{},
		logLevel: level,
	}
}
