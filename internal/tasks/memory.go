package tasks

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"proxyforge/internal/observability/logging"
	"proxyforge/internal/observability/metrics"
)

const (
	defaultWorkers     = 4
	defaultQueueSize   = 256
	defaultTaskTimeout = 2 * time.Minute
)

// MemoryConfig configures a MemoryQueue.
type MemoryConfig struct {
	Workers   int
	QueueSize int
	Timeout   time.Duration
	Logger    *slog.Logger
	Metrics   *metrics.Recorder
}

type task struct {
	kind    string
	payload []byte
}

// MemoryQueue is a bounded in-process queue drained by a fixed worker pool.
// Submit never blocks: a full queue drops the task.
type MemoryQueue struct {
	workers int
	timeout time.Duration
	logger  *slog.Logger
	metrics *metrics.Recorder

	ctx    context.Context
	cancel context.CancelFunc
	queue  chan task
	wg     sync.WaitGroup

	mu       sync.RWMutex
	handlers map[string]Handler
	started  bool
}

// NewMemoryQueue constructs a queue; call Start to launch workers.
func NewMemoryQueue(cfg MemoryConfig) *MemoryQueue {
	workers := cfg.Workers
	if workers <= 0 {
		workers = defaultWorkers
	}
	queueSize := cfg.QueueSize
	if queueSize <= 0 {
		queueSize = defaultQueueSize
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultTaskTimeout
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &MemoryQueue{
		workers:  workers,
		timeout:  timeout,
		logger:   logging.WithComponent(logger, "tasks"),
		metrics:  cfg.Metrics,
		ctx:      ctx,
		cancel:   cancel,
		queue:    make(chan task, queueSize),
		handlers: make(map[string]Handler),
	}
}

func (q *MemoryQueue) Register(kind string, handler Handler) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.handlers[kind] = handler
}

func (q *MemoryQueue) Submit(ctx context.Context, kind string, payload []byte) error {
	select {
	case <-q.ctx.Done():
		return fmt.Errorf("tasks: queue stopped")
	default:
	}
	q.mu.RLock()
	_, ok := q.handlers[kind]
	q.mu.RUnlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownKind, kind)
	}
	select {
	case q.queue <- task{kind: kind, payload: payload}:
		q.metrics.TaskResult(kind, "submitted")
		return nil
	default:
		q.metrics.TaskResult(kind, "dropped")
		q.logger.Warn("dropping background task", "kind", kind)
		return ErrQueueFull
	}
}

func (q *MemoryQueue) Start() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.started {
		return nil
	}
	q.started = true
	for i := 0; i < q.workers; i++ {
		q.wg.Add(1)
		go q.worker()
	}
	return nil
}

// Shutdown stops accepting work and waits for running handlers. Tasks still
// queued when the workers exit are abandoned.
func (q *MemoryQueue) Shutdown(ctx context.Context) error {
	q.cancel()
	done := make(chan struct{})
	go func() {
		q.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (q *MemoryQueue) worker() {
	defer q.wg.Done()
	for {
		select {
		case <-q.ctx.Done():
			return
		case t := <-q.queue:
			q.run(t)
		}
	}
}

func (q *MemoryQueue) run(t task) {
	q.mu.RLock()
	handler := q.handlers[t.kind]
	q.mu.RUnlock()

	ctx, cancel := context.WithTimeout(context.Background(), q.timeout)
	defer cancel()
	defer func() {
		if r := recover(); r != nil {
			q.metrics.TaskResult(t.kind, "failed")
			q.logger.Error("background task panicked", "kind", t.kind, "panic", r)
		}
	}()
	if err := handler(ctx, t.payload); err != nil {
		q.metrics.TaskResult(t.kind, "failed")
		q.logger.Warn("background task failed", "kind", t.kind, "error", err)
		return
	}
	q.metrics.TaskResult(t.kind, "succeeded")
}
