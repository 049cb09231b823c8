package main

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"proxyforge/internal/retention"
)

type fakeSweeper struct {
	calls chan string
	stats retention.Stats
}

func newFakeSweeper() *fakeSweeper {
	return &fakeSweeper{calls: make(chan string, 1)}
}

func (f *fakeSweeper) Run(ctx context.Context, trigger string) retention.Stats {
	select {
	case f.calls <- trigger:
	default:
	}
	return f.stats
}

type manualTicker struct {
	c       chan time.Time
	stopped chan struct{}
}

func newManualTicker() *manualTicker {
	return &manualTicker{
		c:       make(chan time.Time, 1),
		stopped: make(chan struct{}),
	}
}

func (m *manualTicker) C() <-chan time.Time {
	return m.c
}

func (m *manualTicker) Stop() {
	select {
	case <-m.stopped:
		return
	default:
		close(m.stopped)
	}
}

func (m *manualTicker) Tick() {
	select {
	case m.c <- time.Now():
	default:
	}
}

func TestStartSweepWorker(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ticker := newManualTicker()
	sweeper := newFakeSweeper()
	sweeper.stats = retention.Stats{Errors: 1}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	var requested time.Duration
	stop := startSweepWorkerWithTicker(ctx, logger, sweeper, 15*time.Minute, func(d time.Duration) sweepTicker {
		requested = d
		return ticker
	})
	if requested != 15*time.Minute {
		t.Fatalf("expected ticker interval 15m, got %s", requested)
	}

	ticker.Tick()
	select {
	case trigger := <-sweeper.calls:
		if trigger != retention.TriggerSchedule {
			t.Fatalf("expected schedule trigger, got %q", trigger)
		}
	case <-time.After(time.Second):
		t.Fatal("expected sweep to be invoked")
	}

	cancel()
	stop()

	select {
	case <-ticker.stopped:
	case <-time.After(time.Second):
		t.Fatal("expected ticker to stop after context cancellation")
	}
}

func TestStartSweepWorkerDisabled(t *testing.T) {
	called := false
	stop := startSweepWorkerWithTicker(context.Background(), nil, newFakeSweeper(), 0, func(time.Duration) sweepTicker {
		called = true
		return newManualTicker()
	})
	stop()
	if called {
		t.Fatal("expected no ticker when the interval is zero")
	}
}

func TestStopIsIdempotent(t *testing.T) {
	ticker := newManualTicker()
	stop := startSweepWorkerWithTicker(context.Background(), nil, newFakeSweeper(), time.Minute, func(time.Duration) sweepTicker {
		return ticker
	})
	stop()
	stop()
	select {
	case <-ticker.stopped:
	default:
		t.Fatal("expected ticker to be stopped")
	}
}
