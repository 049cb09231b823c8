package main

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"proxyforge/internal/retention"
)

type sweepRunner interface {
	Run(ctx context.Context, trigger string) retention.Stats
}

type sweepTicker interface {
	C() <-chan time.Time
	Stop()
}

type timeTicker struct {
	ticker *time.Ticker
}

func (t timeTicker) C() <-chan time.Time {
	return t.ticker.C
}

func (t timeTicker) Stop() {
	t.ticker.Stop()
}

type tickerFactory func(time.Duration) sweepTicker

func startSweepWorker(ctx context.Context, logger *slog.Logger, sweeper sweepRunner, interval time.Duration) func() {
	return startSweepWorkerWithTicker(ctx, logger, sweeper, interval, func(d time.Duration) sweepTicker {
		return timeTicker{ticker: time.NewTicker(d)}
	})
}

// startSweepWorkerWithTicker runs one scheduled sweep per tick until ctx ends
// or the returned stop function is called. Ticks that arrive while a sweep is
// still running are dropped by the ticker.
func startSweepWorkerWithTicker(
	ctx context.Context,
	logger *slog.Logger,
	sweeper sweepRunner,
	interval time.Duration,
	newTicker tickerFactory,
) func() {
	if sweeper == nil || interval <= 0 {
		return func() {}
	}
	if logger == nil {
		logger = slog.Default()
	}
	workerCtx, cancel := context.WithCancel(ctx)
	ticker := newTicker(interval)
	done := make(chan struct{})
	go func() {
		defer func() {
			ticker.Stop()
			close(done)
		}()
		for {
			select {
			case <-workerCtx.Done():
				return
			case <-ticker.C():
				stats := sweeper.Run(workerCtx, retention.TriggerSchedule)
				if stats.Errors > 0 {
					logger.Warn("scheduled sweep finished with errors", "errors", stats.Errors, "deleted", stats.Deleted, "instances_deleted", stats.InstancesDeleted)
				}
			}
		}
	}()

	var once sync.Once
	return func() {
		once.Do(func() {
			cancel()
			<-done
		})
	}
}
