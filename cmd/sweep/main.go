// Command sweep runs one retention pass against the configured stores and
// prints its statistics as JSON.
package main

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"proxyforge/internal/app"
	"proxyforge/internal/config"
	"proxyforge/internal/observability/logging"
	"proxyforge/internal/observability/metrics"
	"proxyforge/internal/retention"
)

func main() {
	os.Exit(run(os.Args[1:], os.Getenv, os.Stdout, os.Stderr))
}

func run(args []string, getenv config.Getenv, stdout, stderr io.Writer) int {
	cfg, err := config.Load("sweep", args, getenv)
	if err != nil {
		slog.New(slog.NewTextHandler(stderr, nil)).Error("invalid configuration", "error", err)
		return 2
	}
	logger := logging.New(logging.Config{Level: cfg.LogLevel, Format: cfg.LogFormat, Service: "proxyforge", Writer: stderr})

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	components, err := app.Build(ctx, cfg, logger, metrics.New())
	if err != nil {
		logger.Error("failed to build components", "error", err)
		return 1
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := components.Close(closeCtx); err != nil {
			logger.Warn("failed to close components", "error", err)
		}
	}()
	if runsLocalWorkers(cfg.Tasks) {
		if err := components.Queue.Start(); err != nil {
			logger.Error("failed to start task queue", "error", err)
			return 1
		}
	} else {
		logger.Info("leaving queued tasks to the controller", "tasks", cfg.Tasks.Driver)
	}

	stats := components.Sweeper.Run(ctx, retention.TriggerCLI)
	if err := writeStats(stdout, stats); err != nil {
		logger.Error("failed to write stats", "error", err)
		return 1
	}
	if stats.Errors > 0 {
		return 1
	}
	return 0
}

// runsLocalWorkers reports whether tasks submitted during the sweep can only
// be executed by this process. Shared queues are consumed by the controller.
func runsLocalWorkers(cfg config.TasksConfig) bool {
	switch strings.ToLower(cfg.Driver) {
	case "", "memory":
		return true
	default:
		return false
	}
}

func writeStats(w io.Writer, stats retention.Stats) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(stats)
}
