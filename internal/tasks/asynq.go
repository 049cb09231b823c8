package tasks

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/hibiken/asynq"

	"proxyforge/internal/observability/logging"
	"proxyforge/internal/observability/metrics"
)

const asynqQueueName = "proxyforge"

// AsynqConfig configures an AsynqQueue.
type AsynqConfig struct {
	RedisURL    string
	Concurrency int
	Timeout     time.Duration
	Logger      *slog.Logger
	Metrics     *metrics.Recorder
}

// AsynqQueue runs tasks through Redis so any replica may execute them.
// Tasks are enqueued without retries; a failed task is simply lost.
type AsynqQueue struct {
	client  *asynq.Client
	server  *asynq.Server
	mux     *asynq.ServeMux
	timeout time.Duration
	logger  *slog.Logger
	metrics *metrics.Recorder

	mu    sync.Mutex
	kinds map[string]struct{}
}

// NewAsynqQueue connects to the Redis instance named by cfg.RedisURL.
func NewAsynqQueue(cfg AsynqConfig) (*AsynqQueue, error) {
	opt, err := asynq.ParseRedisURI(cfg.RedisURL)
	if err != nil {
		return nil, fmt.Errorf("parse task queue redis url: %w", err)
	}
	concurrency := cfg.Concurrency
	if concurrency <= 0 {
		concurrency = defaultWorkers
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultTaskTimeout
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logging.WithComponent(logger, "tasks")
	server := asynq.NewServer(opt, asynq.Config{
		Concurrency: concurrency,
		Queues:      map[string]int{asynqQueueName: 1},
		ErrorHandler: asynq.ErrorHandlerFunc(func(ctx context.Context, task *asynq.Task, err error) {
			cfg.Metrics.TaskResult(task.Type(), "failed")
			logger.Warn("background task failed", "kind", task.Type(), "error", err)
		}),
	})
	return &AsynqQueue{
		client:  asynq.NewClient(opt),
		server:  server,
		mux:     asynq.NewServeMux(),
		timeout: timeout,
		logger:  logger,
		metrics: cfg.Metrics,
		kinds:   make(map[string]struct{}),
	}, nil
}

func (q *AsynqQueue) Register(kind string, handler Handler) {
	q.mu.Lock()
	q.kinds[kind] = struct{}{}
	q.mu.Unlock()
	q.mux.HandleFunc(kind, func(ctx context.Context, task *asynq.Task) error {
		if err := handler(ctx, task.Payload()); err != nil {
			return err
		}
		q.metrics.TaskResult(kind, "succeeded")
		return nil
	})
}

func (q *AsynqQueue) Submit(ctx context.Context, kind string, payload []byte) error {
	q.mu.Lock()
	_, ok := q.kinds[kind]
	q.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownKind, kind)
	}
	task := asynq.NewTask(kind, payload, asynq.Queue(asynqQueueName))
	if _, err := q.client.EnqueueContext(ctx, task, asynq.MaxRetry(0), asynq.Timeout(q.timeout)); err != nil {
		q.metrics.TaskResult(kind, "dropped")
		return fmt.Errorf("enqueue %s: %w", kind, err)
	}
	q.metrics.TaskResult(kind, "submitted")
	return nil
}

// Start launches the asynq workers without blocking.
func (q *AsynqQueue) Start() error {
	if err := q.server.Start(q.mux); err != nil && !errors.Is(err, asynq.ErrServerClosed) {
		return fmt.Errorf("start task server: %w", err)
	}
	return nil
}

func (q *AsynqQueue) Shutdown(ctx context.Context) error {
	q.server.Shutdown()
	return q.client.Close()
}
