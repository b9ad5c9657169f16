package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/agentuity/go-gateway/api"
	"github.com/agentuity/go-gateway/boundary"
	"github.com/agentuity/go-gateway/config"
	"github.com/agentuity/go-gateway/env"
	"github.com/agentuity/go-gateway/errorlog"
	"github.com/agentuity/go-gateway/gateway"
	"github.com/agentuity/go-gateway/logger"
	"github.com/agentuity/go-gateway/metrics"
	"github.com/agentuity/go-gateway/storage"
	"github.com/agentuity/go-gateway/tui"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"go.opentelemetry.io/otel"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
)

// app holds everything a command needs. It is built once per invocation in
// the root PersistentPreRunE.
type app struct {
	cfg      *config.Config
	log      logger.Logger
	metrics  *metrics.Metrics
	store    storage.Store
	errors   *errorlog.Logger
	api      *api.Client
	gateway  *gateway.Client
	boundary *boundary.Boundary
	server   *http.Server
	tracing  *sdktrace.TracerProvider
}

func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	if fn, _ := cmd.Flags().GetString("env-file"); fn != "" {
		if err := env.Load(fn); err != nil {
			return nil, fmt.Errorf("error loading env file: %w", err)
		}
	}
	path := env.FlagOrEnv(cmd, "config", "GATEWAY_CONFIG", "")
	cfg, err := config.Load(path)
	if err != nil {
		return nil, err
	}
	if v, _ := cmd.Flags().GetString("api-url"); cmd.Flags().Changed("api-url") {
		cfg.API.BaseURL = v
	}
	if v, _ := cmd.Flags().GetString("gateway-url"); cmd.Flags().Changed("gateway-url") {
		cfg.Gateway.URL = v
	}
	if v, _ := cmd.Flags().GetString("token"); cmd.Flags().Changed("token") {
		cfg.Gateway.Token = v
	}
	if v, _ := cmd.Flags().GetString("metrics-addr"); cmd.Flags().Changed("metrics-addr") {
		cfg.MetricsAddr = v
	}
	cfg.Development = env.BoolFlagOrEnv(cmd, "dev", config.EnvDev, cfg.Development)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func newApp(cmd *cobra.Command) (*app, error) {
	ctx := cmd.Context()
	cfg, err := loadConfig(cmd)
	if err != nil {
		return nil, err
	}
	if !cmd.Flags().Changed("log-level") {
		_ = cmd.Flags().Set("log-level", cfg.LogLevel)
	}
	log := env.NewLogger(cmd)

	reg := prometheus.NewRegistry()
	m := metrics.New(reg)

	store, err := storage.Open(ctx, cfg.Storage)
	if err != nil {
		return nil, fmt.Errorf("error opening storage: %w", err)
	}

	errs := errorlog.New(
		errorlog.WithStore(store),
		errorlog.WithCapacity(cfg.Errors.Capacity),
		errorlog.WithDevelopment(cfg.Development),
		errorlog.WithConsole(os.Stderr),
		errorlog.WithLogger(log),
		errorlog.WithMetrics(m),
	)
	var sinks []errorlog.RemoteSink
	if cfg.Errors.Sentry.DSN != "" {
		sink, err := errorlog.NewSentrySink(cfg.Errors.Sentry.Errorlog(cfg.Development))
		if err != nil {
			log.Warn("sentry disabled: %s", err)
		} else {
			sinks = append(sinks, sink)
		}
	}
	if cfg.Errors.OTLP.Endpoint != "" {
		sink, err := errorlog.NewOTLPSink(ctx, cfg.Errors.OTLP.Errorlog())
		if err != nil {
			log.Warn("otlp disabled: %s", err)
		} else {
			sinks = append(sinks, sink)
		}
	}
	errs.Init(ctx, errorlog.Config{Sinks: sinks})

	var tracing *sdktrace.TracerProvider
	if cfg.Errors.OTLP.Endpoint != "" {
		tracing, err = errorlog.NewTracerProvider(ctx, cfg.Errors.OTLP.Errorlog())
		if err != nil {
			log.Warn("tracing disabled: %s", err)
		} else {
			otel.SetTracerProvider(tracing)
		}
	}

	opts := []api.Option{
		api.WithBaseURL(cfg.API.BaseURL),
		api.WithHeaders(cfg.API.Headers),
		api.WithRetryConfig(cfg.API.Retry.Resilience()),
		api.WithTokenStore(store),
		api.WithErrorReporter(errs),
		api.WithLogger(log),
		api.WithMetrics(m),
	}
	if cfg.API.CircuitBreaker.Enabled {
		opts = append(opts, api.WithCircuitBreaker(cfg.API.CircuitBreaker.Resilience()))
	}

	a := &app{
		cfg:     cfg,
		log:     log,
		metrics: m,
		tracing: tracing,
		store:   store,
		errors:  errs,
		api:     api.New(opts...),
		gateway: gateway.New(
			gateway.WithURL(cfg.Gateway.URL),
			gateway.WithToken(cfg.Gateway.Token),
			gateway.WithProtocol(cfg.Gateway.MinProtocol, cfg.Gateway.MaxProtocol),
			gateway.WithConnectTimeout(cfg.Gateway.ConnectTimeout.Duration()),
			gateway.WithCallTimeout(cfg.Gateway.CallTimeout.Duration()),
			gateway.WithLogger(log),
			gateway.WithErrorReporter(errs),
			gateway.WithMetrics(m),
		),
		boundary: boundary.New(boundary.Config{
			Name:        "gatewayctl",
			Level:       boundary.LevelApp,
			Development: cfg.Development,
		}, boundary.WithReporter(errs), boundary.WithLogger(log), boundary.WithMetrics(m)),
	}

	if cfg.MetricsAddr != "" {
		a.server = &http.Server{
			Addr:              cfg.MetricsAddr,
			Handler:           metrics.Handler(reg),
			ReadHeaderTimeout: 5 * time.Second,
		}
		go func() {
			if err := a.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.Error("metrics server failed: %s", err)
			}
		}()
		log.Debug("serving metrics on %s", cfg.MetricsAddr)
	}
	return a, nil
}

func (a *app) close() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if a.gateway.IsConnected() {
		if err := a.gateway.Disconnect(); err != nil {
			a.log.Debug("error disconnecting: %s", err)
		}
	}
	a.boundary.Close()
	a.errors.Teardown(ctx)
	if a.tracing != nil {
		if err := a.tracing.Shutdown(ctx); err != nil {
			a.log.Debug("error shutting down tracing: %s", err)
		}
	}
	if a.server != nil {
		_ = a.server.Shutdown(ctx)
	}
	if err := a.store.Close(); err != nil {
		a.log.Debug("error closing storage: %s", err)
	}
}

// render runs fn inside the app boundary. A caught failure prints the
// fallback view instead of the raw error.
func (a *app) render(ctx context.Context, fn func(ctx context.Context) error) error {
	err := a.boundary.Render(ctx, fn)
	if err == nil {
		return nil
	}
	if f, ok := a.boundary.Fallback(); ok {
		fmt.Fprintln(os.Stderr, f.Render())
	}
	return err
}

// connect dials the gateway with the API retry policy unless already connected.
func (a *app) connect(ctx context.Context) error {
	if a.gateway.IsConnected() {
		return nil
	}
	return tui.Spin(ctx, "Connecting to "+a.gateway.URL(), func(ctx context.Context) error {
		return a.gateway.ConnectWithRetry(ctx, a.cfg.API.Retry.Resilience())
	})
}

type appKey struct{}

func fromCmd(cmd *cobra.Command) *app {
	return cmd.Context().Value(appKey{}).(*app)
}

// newRootCmd returns the command tree and a cleanup func that releases the
// app built for the invocation, if any. Cleanup runs even when the command
// fails.
func newRootCmd() (*cobra.Command, func()) {
	var current *app
	root := &cobra.Command{
		Use:           "gatewayctl",
		Short:         "Talk to the agent gateway and its HTTP API",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(cmd)
			if err != nil {
				return err
			}
			current = a
			cmd.SetContext(context.WithValue(cmd.Context(), appKey{}, a))
			return nil
		},
	}
	flags := root.PersistentFlags()
	flags.String("config", "", "path to a YAML config file")
	flags.String("env-file", "", "load environment variables from this file")
	flags.String("log-level", "info", "log level (trace, debug, info, warn, error)")
	flags.String("log-format", "text", "log format (text, json or zap)")
	flags.String("api-url", "", "API base URL")
	flags.String("gateway-url", "", "gateway WebSocket URL")
	flags.String("token", "", "gateway auth token")
	flags.Bool("dev", false, "development mode: verbose errors and reports on stderr")
	flags.String("metrics-addr", "", "serve Prometheus metrics on this address")

	root.AddCommand(
		newHealthCmd(),
		newAgentsCmd(),
		newIdentityCmd(),
		newCallCmd(),
		newChatCmd(),
		newRequestCmd(),
		newLoginCmd(),
		newErrorsCmd(),
	)
	return root, func() {
		if current != nil {
			current.close()
		}
	}
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	root, cleanup := newRootCmd()
	err := root.ExecuteContext(ctx)
	cleanup()
	if err != nil {
		tui.ShowError("%s", err)
		stop()
		os.Exit(1)
	}
}
