// Package config loads gateway client settings from YAML with environment
// variable overrides.
package config

import (
	"fmt"
	"net/url"
	"os"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/agentuity/go-gateway/env"
	"github.com/agentuity/go-gateway/errorlog"
	"github.com/agentuity/go-gateway/gateway"
	"github.com/agentuity/go-gateway/logger"
	"github.com/agentuity/go-gateway/resilience"
	"github.com/agentuity/go-gateway/storage"
	"github.com/xhit/go-str2duration/v2"
	"gopkg.in/yaml.v3"
)

// Environment variables applied over the file.
const (
	EnvAPIURL    = "GATEWAY_API_URL"
	EnvURL       = "GATEWAY_URL"
	EnvToken     = "GATEWAY_TOKEN"
	EnvSentryDSN = "GATEWAY_SENTRY_DSN"
	EnvDev       = "GATEWAY_DEV"
	EnvLogLevel  = logger.EnvLogLevel
)

// Duration accepts Go durations plus days and weeks ("1d", "2w3d").
type Duration time.Duration

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	if s == "" {
		*d = 0
		return nil
	}
	parsed, err := str2duration.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	*d = Duration(parsed)
	return nil
}

func (d Duration) MarshalYAML() (any, error) {
	return str2duration.String(time.Duration(d)), nil
}

func (d Duration) Duration() time.Duration {
	return time.Duration(d)
}

type Config struct {
	API         APIConfig      `yaml:"api"`
	Gateway     GatewayConfig  `yaml:"gateway"`
	Storage     storage.Config `yaml:"storage"`
	Errors      ErrorsConfig   `yaml:"errors"`
	Development bool           `yaml:"development"`
	LogLevel    string         `yaml:"log_level"`
	MetricsAddr string         `yaml:"metrics_addr"`
}

type APIConfig struct {
	BaseURL        string            `yaml:"base_url"`
	Headers        map[string]string `yaml:"headers"`
	Retry          RetryConfig       `yaml:"retry"`
	CircuitBreaker BreakerConfig     `yaml:"circuit_breaker"`
}

type RetryConfig struct {
	MaxAttempts       int      `yaml:"max_attempts"`
	InitialDelay      Duration `yaml:"initial_delay"`
	MaxDelay          Duration `yaml:"max_delay"`
	BackoffMultiplier float64  `yaml:"backoff_multiplier"`
	RetryableStatuses []int    `yaml:"retryable_statuses"`
	Timeout           Duration `yaml:"timeout"`
}

// Resilience returns the policy with unset fields taken from the defaults.
func (r RetryConfig) Resilience() resilience.RetryConfig {
	return resilience.DefaultRetryConfig().Merge(resilience.RetryConfig{
		MaxAttempts:       r.MaxAttempts,
		InitialDelay:      r.InitialDelay.Duration(),
		MaxDelay:          r.MaxDelay.Duration(),
		BackoffMultiplier: r.BackoffMultiplier,
		RetryableStatuses: r.RetryableStatuses,
		Timeout:           r.Timeout.Duration(),
	})
}

type BreakerConfig struct {
	Enabled          bool     `yaml:"enabled"`
	Threshold        int      `yaml:"threshold"`
	Timeout          Duration `yaml:"timeout"`
	HalfOpenRequests int      `yaml:"half_open_requests"`
	// HalfOpenPolicy is "reopen" (default) or "accumulate".
	HalfOpenPolicy string `yaml:"half_open_policy"`
}

func (b BreakerConfig) Resilience() resilience.CircuitBreakerConfig {
	cfg := resilience.DefaultCircuitBreakerConfig()
	if b.Threshold > 0 {
		cfg.Threshold = b.Threshold
	}
	if b.Timeout > 0 {
		cfg.Timeout = b.Timeout.Duration()
	}
	if b.HalfOpenRequests > 0 {
		cfg.HalfOpenRequests = b.HalfOpenRequests
	}
	if strings.EqualFold(b.HalfOpenPolicy, "accumulate") {
		cfg.HalfOpenPolicy = resilience.AccumulateToThreshold
	}
	return cfg
}

type GatewayConfig struct {
	URL            string   `yaml:"url"`
	Token          string   `yaml:"token"`
	MinProtocol    int      `yaml:"min_protocol"`
	MaxProtocol    int      `yaml:"max_protocol"`
	ConnectTimeout Duration `yaml:"connect_timeout"`
	CallTimeout    Duration `yaml:"call_timeout"`
}

type ErrorsConfig struct {
	Capacity int          `yaml:"capacity"`
	Sentry   SentryConfig `yaml:"sentry"`
	OTLP     OTLPConfig   `yaml:"otlp"`
}

type SentryConfig struct {
	DSN         string `yaml:"dsn"`
	Environment string `yaml:"environment"`
	Release     string `yaml:"release"`
}

func (s SentryConfig) Errorlog(debug bool) errorlog.SentryConfig {
	return errorlog.SentryConfig{
		DSN:         s.DSN,
		Environment: s.Environment,
		Release:     s.Release,
		Debug:       debug,
	}
}

type OTLPConfig struct {
	Endpoint    string            `yaml:"endpoint"`
	Headers     map[string]string `yaml:"headers"`
	ServiceName string            `yaml:"service_name"`
	Insecure    bool              `yaml:"insecure"`
}

func (o OTLPConfig) Errorlog() errorlog.OTLPConfig {
	return errorlog.OTLPConfig{
		Endpoint:    o.Endpoint,
		Headers:     o.Headers,
		ServiceName: o.ServiceName,
		Insecure:    o.Insecure,
	}
}

// Default returns the configuration used when nothing is set.
func Default() *Config {
	retry := resilience.DefaultRetryConfig()
	breaker := resilience.DefaultCircuitBreakerConfig()
	return &Config{
		API: APIConfig{
			BaseURL: "http://localhost:3000",
			Retry: RetryConfig{
				MaxAttempts:       retry.MaxAttempts,
				InitialDelay:      Duration(retry.InitialDelay),
				MaxDelay:          Duration(retry.MaxDelay),
				BackoffMultiplier: retry.BackoffMultiplier,
				RetryableStatuses: retry.RetryableStatuses,
				Timeout:           Duration(retry.Timeout),
			},
			CircuitBreaker: BreakerConfig{
				Enabled:          true,
				Threshold:        breaker.Threshold,
				Timeout:          Duration(breaker.Timeout),
				HalfOpenRequests: breaker.HalfOpenRequests,
				HalfOpenPolicy:   "reopen",
			},
		},
		Gateway: GatewayConfig{
			URL:            gateway.DefaultURL,
			MinProtocol:    gateway.DefaultProtocol,
			MaxProtocol:    gateway.DefaultProtocol,
			ConnectTimeout: Duration(gateway.DefaultConnectTimeout),
			CallTimeout:    Duration(gateway.DefaultCallTimeout),
		},
		Storage: storage.Config{Driver: "memory"},
		Errors: ErrorsConfig{
			Capacity: errorlog.DefaultCapacity,
			OTLP:     OTLPConfig{ServiceName: "gatewayctl"},
		},
		LogLevel: "info",
	}
}

// Load reads the YAML file at path over the defaults, then applies the
// environment. An empty path skips the file.
func Load(path string) (*Config, error) {
	var data []byte
	if path != "" {
		var err error
		data, err = os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("reading config file: %w", err)
		}
	}
	return LoadFromBytes(data, os.LookupEnv)
}

// LoadFromBytes parses YAML over the defaults. ${NAME} references in the
// document are expanded with lookup before parsing.
func LoadFromBytes(data []byte, lookup func(string) (string, bool)) (*Config, error) {
	cfg := Default()
	if len(data) > 0 {
		expanded := env.Expand(string(data), lookup)
		if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
			return nil, fmt.Errorf("parsing config: %w", err)
		}
	}
	if err := cfg.ApplyEnv(lookup); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}
	return cfg, nil
}

// ApplyEnv overrides settings from the GATEWAY_* variables that are set.
func (c *Config) ApplyEnv(lookup func(string) (string, bool)) error {
	if lookup == nil {
		return nil
	}
	if v, ok := lookup(EnvAPIURL); ok && v != "" {
		c.API.BaseURL = v
	}
	if v, ok := lookup(EnvURL); ok && v != "" {
		c.Gateway.URL = v
	}
	if v, ok := lookup(EnvToken); ok && v != "" {
		c.Gateway.Token = v
	}
	if v, ok := lookup(EnvSentryDSN); ok && v != "" {
		c.Errors.Sentry.DSN = v
	}
	if v, ok := lookup(EnvLogLevel); ok && v != "" {
		c.LogLevel = v
	}
	if v, ok := lookup(EnvDev); ok && v != "" {
		dev, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("%s must be a boolean, got %q", EnvDev, v)
		}
		c.Development = dev
	}
	return nil
}

func checkURL(field, raw string, schemes ...string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("%s: invalid URL %q: %w", field, raw, err)
	}
	if !slices.Contains(schemes, u.Scheme) || u.Host == "" {
		return fmt.Errorf("%s must be a %s URL, got %q", field, strings.Join(schemes, " or "), raw)
	}
	return nil
}

// Validate returns the first problem found.
func (c *Config) Validate() error {
	if err := checkURL("api.base_url", c.API.BaseURL, "http", "https"); err != nil {
		return err
	}
	if err := checkURL("gateway.url", c.Gateway.URL, "ws", "wss"); err != nil {
		return err
	}
	r := c.API.Retry
	if r.MaxAttempts < 1 {
		return fmt.Errorf("api.retry.max_attempts must be at least 1, got %d", r.MaxAttempts)
	}
	if r.InitialDelay < 0 || r.MaxDelay < 0 || r.Timeout < 0 {
		return fmt.Errorf("api.retry delays must be non-negative")
	}
	if r.MaxDelay > 0 && r.InitialDelay > r.MaxDelay {
		return fmt.Errorf("api.retry.initial_delay must not exceed max_delay")
	}
	if r.BackoffMultiplier != 0 && r.BackoffMultiplier < 1 {
		return fmt.Errorf("api.retry.backoff_multiplier must be at least 1, got %g", r.BackoffMultiplier)
	}
	for _, s := range r.RetryableStatuses {
		if s < 100 || s > 599 {
			return fmt.Errorf("api.retry.retryable_statuses: invalid HTTP status %d", s)
		}
	}
	b := c.API.CircuitBreaker
	if b.Threshold < 0 || b.HalfOpenRequests < 0 || b.Timeout < 0 {
		return fmt.Errorf("api.circuit_breaker values must be non-negative")
	}
	switch strings.ToLower(b.HalfOpenPolicy) {
	case "", "reopen", "accumulate":
	default:
		return fmt.Errorf("api.circuit_breaker.half_open_policy must be \"reopen\" or \"accumulate\", got %q", b.HalfOpenPolicy)
	}
	g := c.Gateway
	if g.MinProtocol < 1 || g.MaxProtocol < g.MinProtocol {
		return fmt.Errorf("gateway protocol range %d-%d is invalid", g.MinProtocol, g.MaxProtocol)
	}
	if g.ConnectTimeout <= 0 || g.CallTimeout <= 0 {
		return fmt.Errorf("gateway timeouts must be positive")
	}
	switch strings.ToLower(c.Storage.Driver) {
	case "", "memory":
	case "sqlite":
		if c.Storage.Path == "" {
			return fmt.Errorf("storage.path is required for the sqlite driver")
		}
	case "redis":
		if c.Storage.URL == "" {
			return fmt.Errorf("storage.url is required for the redis driver")
		}
	default:
		return fmt.Errorf("storage.driver must be memory, sqlite or redis, got %q", c.Storage.Driver)
	}
	if c.Errors.Capacity < 1 {
		return fmt.Errorf("errors.capacity must be at least 1, got %d", c.Errors.Capacity)
	}
	return nil
}
