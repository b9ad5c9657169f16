package errorlog

import (
	"context"
	"fmt"
	"net/url"
	"time"

	"github.com/cockroachdb/errors"
	"go.opentelemetry.io/otel/exporters/otlp/otlplog/otlploghttp"
	"go.opentelemetry.io/otel/log"
	sdklog "go.opentelemetry.io/otel/sdk/log"
	"go.opentelemetry.io/otel/sdk/resource"
	semconv "go.opentelemetry.io/otel/semconv/v1.27.0"
)

// OTLPConfig configures NewOTLPSink.
type OTLPConfig struct {
	// Endpoint is the collector base URL; the path is replaced with /v1/logs
	// or /v1/traces.
	Endpoint    string
	Headers     map[string]string
	ServiceName string
	Insecure    bool
}

// OTLPSink emits reports as OpenTelemetry log records.
type OTLPSink struct {
	logger   log.Logger
	provider *sdklog.LoggerProvider
}

var _ RemoteSink = (*OTLPSink)(nil)

// NewOTLPSinkFromLogger wraps an existing OpenTelemetry logger.
func NewOTLPSinkFromLogger(l log.Logger) *OTLPSink {
	return &OTLPSink{logger: l}
}

// NewOTLPSink builds an OTLP/HTTP log exporter and batch processing provider.
func NewOTLPSink(ctx context.Context, cfg OTLPConfig) (*OTLPSink, error) {
	u, err := otlpURL(cfg, "/v1/logs")
	if err != nil {
		return nil, err
	}
	serviceName := cfg.serviceName()
	res, err := otlpResource(ctx, serviceName)
	if err != nil {
		return nil, err
	}

	opts := []otlploghttp.Option{
		otlploghttp.WithEndpointURL(u.String()),
		otlploghttp.WithHeaders(cfg.Headers),
		otlploghttp.WithTimeout(10 * time.Second),
		otlploghttp.WithCompression(otlploghttp.GzipCompression),
	}
	if cfg.Insecure || u.Scheme == "http" {
		opts = append(opts, otlploghttp.WithInsecure())
	}
	exporter, err := otlploghttp.New(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("error creating log exporter: %w", err)
	}

	provider := sdklog.NewLoggerProvider(
		sdklog.WithResource(res),
		sdklog.WithProcessor(sdklog.NewBatchProcessor(exporter)),
	)
	return &OTLPSink{
		logger:   provider.Logger(serviceName),
		provider: provider,
	}, nil
}

func (c OTLPConfig) serviceName() string {
	if c.ServiceName == "" {
		return "gateway-client"
	}
	return c.ServiceName
}

func otlpURL(cfg OTLPConfig, path string) (*url.URL, error) {
	u, err := url.Parse(cfg.Endpoint)
	if err != nil {
		return nil, fmt.Errorf("error parsing otlp endpoint: %w", err)
	}
	u.Path = path
	return u, nil
}

func otlpResource(ctx context.Context, serviceName string) (*resource.Resource, error) {
	res, err := resource.New(ctx,
		resource.WithFromEnv(),
		resource.WithTelemetrySDK(),
		resource.WithAttributes(semconv.ServiceName(serviceName)),
	)
	if errors.Is(err, resource.ErrPartialResource) || errors.Is(err, resource.ErrSchemaURLConflict) {
		err = nil
	}
	if err != nil {
		return nil, fmt.Errorf("error creating resource: %w", err)
	}
	return res, nil
}

func otelSeverity(s Severity) log.Severity {
	switch s {
	case SeverityLow:
		return log.SeverityInfo
	case SeverityMedium:
		return log.SeverityWarn
	case SeverityCritical:
		return log.SeverityFatal
	default:
		return log.SeverityError
	}
}

func toLogValue(unknown any) log.Value {
	switch v := unknown.(type) {
	case string:
		return log.StringValue(v)
	case int:
		return log.IntValue(v)
	case int64:
		return log.Int64Value(v)
	case bool:
		return log.BoolValue(v)
	case float64:
		return log.Float64Value(v)
	case []byte:
		return log.BytesValue(v)
	case []any:
		values := make([]log.Value, 0, len(v))
		for _, item := range v {
			values = append(values, toLogValue(item))
		}
		return log.SliceValue(values...)
	case map[string]any:
		values := make([]log.KeyValue, 0, len(v))
		for k, item := range v {
			values = append(values, log.KeyValue{Key: k, Value: toLogValue(item)})
		}
		return log.MapValue(values...)
	default:
		return log.StringValue(fmt.Sprintf("%v", v))
	}
}

func (s *OTLPSink) Capture(ctx context.Context, r Report) error {
	var record log.Record
	record.SetTimestamp(r.Timestamp)
	record.SetObservedTimestamp(time.Now())
	record.SetBody(log.StringValue(r.Message))
	record.SetSeverity(otelSeverity(r.Severity))
	record.SetSeverityText(string(r.Severity))
	record.AddAttributes(
		log.String("error.id", r.ID),
		log.String("exception.message", r.Message),
	)
	if r.Stack != "" {
		record.AddAttributes(log.String("exception.stacktrace", r.Stack))
	}
	if r.Context != nil {
		if r.Context.Component != "" {
			record.AddAttributes(log.String("component", r.Context.Component))
		}
		if r.Context.Action != "" {
			record.AddAttributes(log.String("action", r.Context.Action))
		}
		for k, v := range r.Context.Metadata {
			record.AddAttributes(log.KeyValue{Key: "metadata." + k, Value: toLogValue(v)})
		}
	}
	s.logger.Emit(ctx, record)
	return nil
}

func (s *OTLPSink) Flush(ctx context.Context) error {
	if s.provider == nil {
		return nil
	}
	return s.provider.ForceFlush(ctx)
}

// Shutdown flushes and stops the exporter.
func (s *OTLPSink) Shutdown(ctx context.Context) error {
	if s.provider == nil {
		return nil
	}
	return s.provider.Shutdown(ctx)
}
