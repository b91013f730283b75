package cli

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/ppiankov/callwarden/internal/server"
)

var (
	serveConfig        string
	serveBundle        string
	serveListen        string
	serveMetricsListen string
	serveWatch         bool
)

func init() {
	rootCmd.AddCommand(serveCmd)
	serveCmd.Flags().StringVarP(&serveConfig, "config", "c", "", "Config file (default: $CALLWARDEN_CONFIG or ~/.callwarden/config.yaml)")
	serveCmd.Flags().StringVarP(&serveBundle, "bundle", "b", "", "Bundle file or template:<name> (overrides config)")
	serveCmd.Flags().StringVar(&serveListen, "listen", "", "gRPC listen address (overrides config)")
	serveCmd.Flags().StringVar(&serveMetricsListen, "metrics-listen", "", "Metrics listen address, \"off\" to disable (overrides config)")
	serveCmd.Flags().BoolVar(&serveWatch, "watch", false, "Reload the bundle when the file changes")
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the governance gRPC server",
	Long: "Starts a gRPC server exposing PreExecute, PostExecute and Check so agents in\n" +
		"any language can be governed by one shared bundle and session store.\n" +
		"Prometheus metrics are served on /metrics. SIGINT or SIGTERM shuts down after\n" +
		"in-flight calls finish and the audit queue drains.",
	Args: exactArgs(0),
	RunE: runServe,
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, logger, err := loadConfig(cmd, serveConfig, serveBundle)
	if err != nil {
		return err
	}
	if serveListen != "" {
		cfg.Listen = serveListen
	}
	if serveMetricsListen != "" {
		cfg.MetricsListen = serveMetricsListen
	}
	if serveWatch {
		cfg.Watch = true
	}

	rt, err := newRuntime(cfg, logger)
	if err != nil {
		return err
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := rt.Close(ctx); err != nil {
			logger.Warn("shutdown incomplete", "error", err)
		}
	}()

	srv, err := server.New(rt.pipe, server.Config{
		Listen:       cfg.Listen,
		BundlePath:   cfg.BundleFile(),
		Validator:    server.NewJWTValidator(cfg.JWTSecret(), cfg.Auth.Issuer, cfg.Auth.Audience),
		AuthRequired: cfg.Auth.Required,
		Metrics:      rt.metrics,
		Logger:       logger,
	})
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if cfg.Watch {
		if path := cfg.BundleFile(); path != "" {
			r, err := server.NewReloader(srv, []string{path})
			if err != nil {
				return err
			}
			go func() {
				if err := r.Run(ctx); err != nil {
					logger.Error("bundle watcher stopped", "error", err)
				}
			}()
		} else {
			logger.Warn("--watch ignored for built-in templates")
		}
	}

	var metricsSrv *http.Server
	if cfg.MetricsListen != "" && cfg.MetricsListen != "off" {
		metricsSrv = server.NewMetricsServer(cfg.MetricsListen, rt.metrics)
		go func() {
			logger.Info("metrics listening", "addr", cfg.MetricsListen)
			if err := metricsSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error("metrics server failed", "error", err)
			}
		}()
	}

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Serve() }()

	select {
	case err = <-errCh:
	case <-ctx.Done():
		logger.Info("shutting down")
		srv.GracefulStop()
		err = nil
	}
	_ = srv.Close()
	if metricsSrv != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		_ = metricsSrv.Shutdown(shutdownCtx)
		cancel()
	}
	return err
}
