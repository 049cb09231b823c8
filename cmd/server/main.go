// Command server starts the proxyforge controller HTTP service.
package main

import (
	"context"
	"errors"
	"io/fs"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"proxyforge/internal/api"
	"proxyforge/internal/app"
	"proxyforge/internal/config"
	"proxyforge/internal/observability/logging"
	"proxyforge/internal/observability/metrics"
	"proxyforge/internal/server"
	"proxyforge/internal/serverutil"
)

const shutdownTimeout = 15 * time.Second

func main() {
	if err := loadDotEnv(".env"); err != nil {
		slog.Error("failed to read .env", "error", err)
		os.Exit(1)
	}

	cfg, err := config.Load("server", os.Args[1:], os.Getenv)
	if err != nil {
		slog.Error("invalid configuration", "error", err)
		os.Exit(2)
	}

	logger := logging.Init(logging.Config{Level: cfg.LogLevel, Format: cfg.LogFormat, Service: "proxyforge"})
	recorder := metrics.Default()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	components, err := app.Build(ctx, cfg, logger, recorder)
	if err != nil {
		logger.Error("failed to build components", "error", err)
		os.Exit(1)
	}

	handler := api.NewHandler(components.Manager, components.Resolver, components.Sweeper, cfg.AuthSecret)
	handler.Probes = components.Probes
	handler.Logger = logging.WithComponent(logger, "api")

	srv, err := server.New(handler, server.Config{
		Addr:        cfg.Addr,
		TLS:         server.TLSConfig{CertFile: cfg.TLSCertFile, KeyFile: cfg.TLSKeyFile},
		Logger:      logger,
		AuditLogger: logging.WithComponent(logger, "audit"),
		Metrics:     recorder,
	})
	if err != nil {
		logger.Error("failed to initialise server", "error", err)
		closeComponents(logger, components)
		os.Exit(1)
	}

	if err := components.Queue.Start(); err != nil {
		logger.Error("failed to start task queue", "error", err)
		closeComponents(logger, components)
		os.Exit(1)
	}

	sweepStop := startSweepWorker(ctx, logging.WithComponent(logger, "sweeper"), components.Sweeper, cfg.Retention.Interval)

	tlsCfg := srv.TLS()
	err = serverutil.Run(ctx, serverutil.Config{
		Server:          srv.HTTPServer(),
		TLS:             serverutil.TLSConfig{CertFile: tlsCfg.CertFile, KeyFile: tlsCfg.KeyFile},
		ShutdownTimeout: shutdownTimeout,
		Logger:          logger,
		OnListen: func(addr net.Addr) {
			logger.Info("proxyforge controller listening",
				"addr", addr.String(),
				"callback_base", app.PublicBaseURL(cfg),
				"cache", cfg.Cache.Driver,
				"durable", cfg.Durable.Driver,
				"objects", cfg.ObjectStore.Driver,
				"compute", cfg.Compute.Driver,
				"tasks", cfg.Tasks.Driver,
				"sweep_interval", cfg.Retention.Interval,
			)
		},
		Drain: []serverutil.DrainFunc{
			func(context.Context) error {
				sweepStop()
				return nil
			},
			components.Close,
		},
	})
	if err != nil {
		logger.Error("server error", "error", err)
		sweepStop()
		closeComponents(logger, components)
		os.Exit(1)
	}
	logger.Info("server stopped")
}

// loadDotEnv reads path into the environment without overriding variables
// that are already set. A missing file is not an error.
func loadDotEnv(path string) error {
	err := godotenv.Load(path)
	if err == nil || errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	return err
}

func closeComponents(logger *slog.Logger, components *app.App) {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := components.Close(ctx); err != nil {
		logger.Warn("failed to close components", "error", err)
	}
}
