package cli

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"

	"github.com/ppiankov/callwarden/internal/audit"
	"github.com/ppiankov/callwarden/internal/config"
	"github.com/ppiankov/callwarden/internal/pipeline"
	"github.com/ppiankov/callwarden/internal/session"
	"github.com/ppiankov/callwarden/internal/telemetry"
)

// runtime is the long-running stack shared by serve and mcp.
type runtime struct {
	cfg     *config.Config
	logger  *slog.Logger
	pipe    *pipeline.Pipeline
	metrics *telemetry.Metrics
	emitter *audit.AsyncEmitter
	backend session.Backend
	tp      *sdktrace.TracerProvider
}

// newRuntime wires the pipeline from cfg. The caller must Close it.
func newRuntime(cfg *config.Config, logger *slog.Logger) (*runtime, error) {
	b, err := cfg.LoadBundle()
	if err != nil {
		return nil, loadError(fmt.Errorf("load bundle: %w", err))
	}
	redactor, err := cfg.Redactor()
	if err != nil {
		return nil, err
	}

	rt := &runtime{
		cfg:     cfg,
		logger:  logger,
		metrics: telemetry.NewMetrics(prometheus.NewRegistry()),
	}

	rt.backend, err = cfg.OpenBackend(logger)
	if err != nil {
		return nil, fmt.Errorf("open session backend: %w", err)
	}
	sink, err := cfg.OpenSink(logger)
	if err != nil {
		_ = rt.backend.Close()
		return nil, fmt.Errorf("open audit sink: %w", err)
	}
	rt.emitter = audit.NewAsyncEmitter(sink,
		audit.WithRedactor(redactor),
		audit.WithLogger(logger),
		audit.WithQueueSize(cfg.Audit.QueueSize),
		audit.WithDropHook(rt.metrics.AuditDropped),
		audit.WithErrorHook(rt.metrics.AuditError),
	)

	opts := []pipeline.Option{
		pipeline.WithBackend(rt.backend),
		pipeline.WithEmitter(rt.emitter),
		pipeline.WithToolRegistry(cfg.ToolRegistry()),
		pipeline.WithLogger(logger),
	}
	if cfg.Tracing.Enabled {
		rt.tp = telemetry.NewTracerProvider(telemetry.TracingConfig{SampleRate: cfg.Tracing.SampleRate})
		opts = append(opts, pipeline.WithObserver(telemetry.NewObserver(rt.tp, rt.metrics)))
	} else {
		opts = append(opts, pipeline.WithObserver(telemetry.NewObserver(nil, rt.metrics)))
	}

	rt.pipe, err = pipeline.New(b, opts...)
	if err != nil {
		_ = rt.Close(context.Background())
		return nil, err
	}
	logger.Info("bundle loaded", "name", b.Name, "version", b.Version, "contracts", len(b.Contracts))
	return rt, nil
}

// Close drains the audit queue, then closes the backend and tracer.
func (rt *runtime) Close(ctx context.Context) error {
	var errs []error
	if rt.emitter != nil {
		errs = append(errs, rt.emitter.Close(ctx))
	}
	if rt.backend != nil {
		errs = append(errs, rt.backend.Close())
	}
	if rt.tp != nil {
		errs = append(errs, telemetry.Shutdown(ctx, rt.tp))
	}
	return errors.Join(errs...)
}

// loadConfig reads the config file and applies flag overrides.
func loadConfig(cmd *cobra.Command, path, bundle string) (*config.Config, *slog.Logger, error) {
	cfg, err := config.Load(path)
	if err != nil {
		return nil, nil, exitWith(exitBadFile, err)
	}
	if bundle != "" {
		cfg.Bundle = bundle
	}
	if cfg.Bundle == "" {
		return nil, nil, usageError(cmd, errors.New("no bundle: pass --bundle or set bundle in the config"))
	}
	level := cfg.LogLevel
	if f := cmd.Flags().Lookup("log-level"); f != nil && f.Changed {
		level = logLevel
	}
	format := cfg.LogFormat
	if f := cmd.Flags().Lookup("log-format"); f != nil && f.Changed {
		format = logFormat
	}
	logger := config.NewLogger(cmd.ErrOrStderr(), level, format)
	slog.SetDefault(logger)
	return cfg, logger, nil
}
