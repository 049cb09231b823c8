// Package app assembles the controller's components from configuration.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strings"
	"time"

	"proxyforge/internal/api"
	"proxyforge/internal/cache"
	"proxyforge/internal/compute"
	"proxyforge/internal/config"
	"proxyforge/internal/events"
	"proxyforge/internal/jobstore"
	"proxyforge/internal/lifecycle"
	"proxyforge/internal/objectstore"
	"proxyforge/internal/observability/logging"
	"proxyforge/internal/observability/metrics"
	"proxyforge/internal/proxy"
	"proxyforge/internal/retention"
	"proxyforge/internal/tasks"
)

const (
	memoryBucket      = "proxyforge"
	taskTimeout       = 2 * time.Minute
	migrationDeadline = 30 * time.Second
)

// App holds every wired component. Close releases them in reverse order of
// construction.
type App struct {
	Cache    cache.Cache
	Durable  jobstore.Durable
	Jobs     *jobstore.Store
	Objects  objectstore.Store
	Provider compute.Provider
	Queue    tasks.Queue
	Events   events.Publisher
	Manager  *lifecycle.Manager
	Resolver *proxy.Resolver
	Sweeper  *retention.Sweeper
	Probes   []api.Probe

	logger  *slog.Logger
	closers []func(context.Context) error
}

// Build constructs the component graph described by cfg. The task queue is
// registered but not started.
func Build(ctx context.Context, cfg config.Config, logger *slog.Logger, recorder *metrics.Recorder) (*App, error) {
	if logger == nil {
		logger = slog.Default()
	}
	a := &App{logger: logger}
	if err := a.build(ctx, cfg, recorder); err != nil {
		closeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if closeErr := a.Close(closeCtx); closeErr != nil {
			logger.Warn("failed to release partially built components", "error", closeErr)
		}
		return nil, err
	}
	return a, nil
}

func (a *App) build(ctx context.Context, cfg config.Config, recorder *metrics.Recorder) error {
	var err error
	if a.Cache, err = configureCache(cfg.Cache); err != nil {
		return err
	}
	a.onClose(func(context.Context) error { return a.Cache.Close() })

	if a.Objects, err = configureObjectStore(ctx, cfg.ObjectStore); err != nil {
		return err
	}

	if a.Durable, err = configureDurable(ctx, cfg.Durable, a.Objects); err != nil {
		return err
	}
	a.onClose(a.Durable.Close)

	a.Jobs = jobstore.New(a.Cache, a.Durable, jobstore.Options{
		JobTTL:       cfg.Cache.JobTTL,
		FileIndexTTL: cfg.Cache.FileIndexTTL,
		Logger:       logging.WithComponent(a.logger, "jobstore"),
	})

	if a.Provider, err = configureCompute(cfg.Compute, logging.WithComponent(a.logger, "compute")); err != nil {
		return err
	}

	if a.Queue, err = configureTasks(cfg.Tasks, logging.WithComponent(a.logger, "tasks"), recorder); err != nil {
		return err
	}
	a.onClose(a.Queue.Shutdown)

	if a.Events, err = configureEvents(cfg.Events); err != nil {
		return err
	}
	a.onClose(func(context.Context) error { return a.Events.Close() })

	scripts, err := compute.NewBootstrapBuilder(compute.BootstrapConfig{
		PublicBaseURL: PublicBaseURL(cfg),
		CallbackToken: cfg.AuthSecret,
		AuthorizedKey: cfg.Compute.AuthorizedKey,
	})
	if err != nil {
		return err
	}

	a.Manager, err = lifecycle.New(lifecycle.Config{
		Store:         a.Jobs,
		Objects:       a.Objects,
		Provider:      a.Provider,
		Scripts:       scripts,
		Tasks:         a.Queue,
		Events:        a.Events,
		Metrics:       recorder,
		Logger:        logging.WithComponent(a.logger, "lifecycle"),
		LockTTL:       cfg.Cache.LockTTL,
		PresignExpiry: cfg.ObjectStore.PresignExpiry,
	})
	if err != nil {
		return err
	}

	a.Resolver = proxy.NewResolver(proxy.Config{
		Index:   a.Jobs,
		Objects: a.Objects,
		Tasks:   a.Queue,
		Policy:  cfg.Retention.Policy,
		Metrics: recorder,
		Logger:  logging.WithComponent(a.logger, "proxy"),
	})

	a.Sweeper, err = retention.New(retention.Config{
		Objects:     a.Objects,
		Provider:    a.Provider,
		Jobs:        a.Manager,
		Events:      a.Events,
		Policy:      cfg.Retention.Policy,
		SoftBudget:  cfg.Retention.SoftBudget,
		HardBudget:  cfg.Retention.HardBudget,
		Concurrency: cfg.Retention.Concurrency,
		Metrics:     recorder,
		Logger:      logging.WithComponent(a.logger, "retention"),
	})
	if err != nil {
		return err
	}

	a.Probes = []api.Probe{
		{Name: "cache", Check: a.Jobs.PingCache},
		{Name: "durable", Check: a.Jobs.PingDurable},
		{Name: "object_store", Check: a.Objects.Ping},
		{Name: "compute", Check: a.Provider.Ping},
	}
	return nil
}

func (a *App) onClose(fn func(context.Context) error) {
	a.closers = append(a.closers, fn)
}

// Close shuts every component down and joins their errors.
func (a *App) Close(ctx context.Context) error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](ctx); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}

// PublicBaseURL returns the callback base for instances, falling back to the
// local listen address when none is configured.
func PublicBaseURL(cfg config.Config) string {
	if cfg.PublicBaseURL != "" {
		return cfg.PublicBaseURL
	}
	host, port, err := net.SplitHostPort(cfg.Addr)
	if err != nil {
		return "http://localhost"
	}
	if host == "" || host == "0.0.0.0" || host == "::" {
		host = "localhost"
	}
	scheme := "http"
	if cfg.TLSCertFile != "" && cfg.TLSKeyFile != "" {
		scheme = "https"
	}
	return scheme + "://" + net.JoinHostPort(host, port)
}

func configureCache(cfg config.CacheConfig) (cache.Cache, error) {
	switch strings.ToLower(cfg.Driver) {
	case "", "memory":
		return cache.NewMemoryCache(), nil
	case "redis":
		return cache.NewRedisCache(cfg.Redis)
	default:
		return nil, fmt.Errorf("unsupported cache driver %q", cfg.Driver)
	}
}

func configureObjectStore(ctx context.Context, cfg config.ObjectStoreConfig) (objectstore.Store, error) {
	switch strings.ToLower(cfg.Driver) {
	case "", "memory":
		return objectstore.NewMemoryStore(memoryBucket), nil
	case "minio":
		store, err := objectstore.NewMinioStore(cfg)
		if err != nil {
			return nil, err
		}
		if err := store.EnsureBucket(ctx); err != nil {
			return nil, fmt.Errorf("ensure bucket %s: %w", cfg.Bucket, err)
		}
		return store, nil
	default:
		return nil, fmt.Errorf("unsupported object store driver %q", cfg.Driver)
	}
}

func configureDurable(ctx context.Context, cfg config.DurableConfig, objects objectstore.Store) (jobstore.Durable, error) {
	switch strings.ToLower(cfg.Driver) {
	case "", "objectstore":
		return jobstore.NewObjectDurable(objects, cfg.ScanLimit), nil
	case "postgres":
		durable, err := jobstore.NewPostgresDurable(ctx, cfg.Postgres)
		if err != nil {
			return nil, err
		}
		migrateCtx, cancel := context.WithTimeout(ctx, migrationDeadline)
		defer cancel()
		if err := durable.Migrate(migrateCtx); err != nil {
			closeErr := durable.Close(context.Background())
			return nil, errors.Join(fmt.Errorf("migrate job schema: %w", err), closeErr)
		}
		return durable, nil
	default:
		return nil, fmt.Errorf("unsupported durable driver %q", cfg.Driver)
	}
}

func configureCompute(cfg config.ComputeConfig, logger *slog.Logger) (compute.Provider, error) {
	switch strings.ToLower(cfg.Driver) {
	case "", "memory":
		return compute.NewMemoryProvider(), nil
	case "rest":
		return compute.NewRESTProvider(cfg, compute.WithLogger(logger))
	default:
		return nil, fmt.Errorf("unsupported compute driver %q", cfg.Driver)
	}
}

func configureTasks(cfg config.TasksConfig, logger *slog.Logger, recorder *metrics.Recorder) (tasks.Queue, error) {
	switch strings.ToLower(cfg.Driver) {
	case "", "memory":
		return tasks.NewMemoryQueue(tasks.MemoryConfig{
			Workers:   cfg.Workers,
			QueueSize: cfg.QueueSize,
			Timeout:   taskTimeout,
			Logger:    logger,
			Metrics:   recorder,
		}), nil
	case "asynq":
		return tasks.NewAsynqQueue(tasks.AsynqConfig{
			RedisURL:    cfg.RedisURL,
			Concurrency: cfg.Workers,
			Timeout:     taskTimeout,
			Logger:      logger,
			Metrics:     recorder,
		})
	default:
		return nil, fmt.Errorf("unsupported tasks driver %q", cfg.Driver)
	}
}

func configureEvents(cfg config.EventsConfig) (events.Publisher, error) {
	switch strings.ToLower(cfg.Driver) {
	case "", "none":
		return events.Noop{}, nil
	case "kafka":
		return events.NewKafkaPublisher(cfg)
	default:
		return nil, fmt.Errorf("unsupported events driver %q", cfg.Driver)
	}
}
