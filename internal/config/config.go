// Package config loads the controller configuration from command-line flags
// with environment variable fallbacks. The resulting Config is passed by value
// into every component constructor; nothing in the module reads configuration
// from globals.
package config

import (
	"errors"
	"flag"
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"proxyforge/internal/models"
)

const envPrefix = "PROXYFORGE_"

// RedisTLSConfig describes optional TLS material for Redis connections.
type RedisTLSConfig struct {
	CAFile             string
	CertFile           string
	KeyFile            string
	ServerName         string
	InsecureSkipVerify bool
}

// RedisConfig configures the Redis client shared by the cache driver.
type RedisConfig struct {
	Addr       string
	Addrs      []string
	Username   string
	Password   string
	MasterName string
	PoolSize   int
	Timeout    time.Duration
	TLS        RedisTLSConfig
}

// CacheConfig selects the key-value cache and its TTLs.
type CacheConfig struct {
	Driver       string
	Redis        RedisConfig
	JobTTL       time.Duration
	FileIndexTTL time.Duration
	LockTTL      time.Duration
}

// PostgresConfig configures the pgx pool used by the durable job store.
type PostgresConfig struct {
	DSN            string
	MaxConns       int
	MinConns       int
	AcquireTimeout time.Duration
	AppName        string
}

// DurableConfig selects the durable job store backend.
type DurableConfig struct {
	Driver    string
	Postgres  PostgresConfig
	ScanLimit int
}

// ObjectStoreConfig configures the proxy object store.
type ObjectStoreConfig struct {
	Driver        string
	Endpoint      string
	Region        string
	AccessKey     string
	SecretKey     string
	Bucket        string
	UseSSL        bool
	PresignExpiry time.Duration
}

// ComputeConfig configures the ephemeral compute provider.
type ComputeConfig struct {
	Driver        string
	BaseURL       string
	APIKey        string
	Region        string
	Plan          string
	Image         string
	SSHKeyID      string
	AuthorizedKey string
	Timeout       time.Duration
}

// TasksConfig configures the best-effort background task queue.
type TasksConfig struct {
	Driver    string
	Workers   int
	QueueSize int
	RedisURL  string
}

// EventsConfig configures lifecycle event publication.
type EventsConfig struct {
	Driver  string
	Brokers []string
	Topic   string
}

// RetentionConfig configures the sweeper.
type RetentionConfig struct {
	Policy      models.RetentionPolicy
	Interval    time.Duration
	SoftBudget  time.Duration
	HardBudget  time.Duration
	Concurrency int
}

// Config is the full controller configuration.
type Config struct {
	Addr          string
	TLSCertFile   string
	TLSKeyFile    string
	LogLevel      string
	LogFormat     string
	AuthSecret    string
	PublicBaseURL string

	Cache       CacheConfig
	Durable     DurableConfig
	ObjectStore ObjectStoreConfig
	Compute     ComputeConfig
	Tasks       TasksConfig
	Events      EventsConfig
	Retention   RetentionConfig
}

// Defaults applied when neither a flag nor an environment variable is set.
const (
	DefaultAddr             = ":8080"
	DefaultJobTTL           = 7 * 24 * time.Hour
	DefaultFileIndexTTL     = 30 * 24 * time.Hour
	DefaultLockTTL          = 2 * time.Minute
	DefaultScanLimit        = 1000
	DefaultPresignExpiry    = 6 * time.Hour
	DefaultComputeTimeout   = 30 * time.Second
	DefaultTaskWorkers      = 4
	DefaultTaskQueueSize    = 256
	DefaultEventsTopic      = "proxyforge.jobs"
	DefaultSweepInterval    = 15 * time.Minute
	DefaultSoftBudget       = 2 * time.Hour
	DefaultHardBudget       = 4 * time.Hour
	DefaultSweepConcurrency = 8
	DefaultRedisTimeout     = 2 * time.Second
)

// Getenv resolves environment variables. os.Getenv satisfies it.
type Getenv func(string) string

// Load parses args (without the program name) and resolves every setting with
// the flag taking precedence over PROXYFORGE_* environment variables.
func Load(name string, args []string, getenv Getenv) (Config, error) {
	if getenv == nil {
		getenv = os.Getenv
	}
	env := resolver{getenv: getenv}

	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	addr := fs.String("addr", "", "HTTP listen address")
	tlsCert := fs.String("tls-cert", "", "path to TLS certificate file")
	tlsKey := fs.String("tls-key", "", "path to TLS private key file")
	logLevel := fs.String("log-level", "", "log level (debug, info, warn, error)")
	logFormat := fs.String("log-format", "", "log format (json or text)")
	authSecret := fs.String("auth-secret", "", "shared bearer secret for privileged routes")
	publicURL := fs.String("public-url", "", "externally reachable base URL used for instance callbacks")

	cacheDriver := fs.String("cache-driver", "", "cache driver (memory or redis)")
	redisAddr := fs.String("redis-addr", "", "Redis address")
	redisAddrs := fs.String("redis-addrs", "", "comma separated Redis addresses")
	redisUsername := fs.String("redis-username", "", "Redis username")
	redisPassword := fs.String("redis-password", "", "Redis password")
	redisMaster := fs.String("redis-sentinel-master", "", "Redis sentinel master name")
	redisPoolSize := fs.Int("redis-pool-size", 0, "maximum Redis connections")
	redisTimeout := fs.Duration("redis-timeout", 0, "timeout for Redis operations")
	redisTLSCA := fs.String("redis-tls-ca", "", "path to Redis TLS CA certificate")
	redisTLSCert := fs.String("redis-tls-cert", "", "path to Redis TLS client certificate")
	redisTLSKey := fs.String("redis-tls-key", "", "path to Redis TLS client key")
	redisTLSServerName := fs.String("redis-tls-server-name", "", "override Redis TLS server name")
	redisTLSSkipVerify := fs.Bool("redis-tls-skip-verify", false, "skip Redis TLS verification")
	jobTTL := fs.Duration("cache-job-ttl", 0, "TTL for cached job records")
	fileIndexTTL := fs.Duration("cache-file-index-ttl", 0, "TTL for cached fileId to jobId entries")
	lockTTL := fs.Duration("cache-lock-ttl", 0, "TTL for per-file creation locks")

	durableDriver := fs.String("durable-driver", "", "durable job store driver (objectstore or postgres)")
	postgresDSN := fs.String("postgres-dsn", "", "Postgres connection string")
	postgresMaxConns := fs.Int("postgres-max-conns", 0, "maximum connections in the Postgres pool")
	postgresMinConns := fs.Int("postgres-min-conns", 0, "minimum idle connections in the Postgres pool")
	postgresAcquire := fs.Duration("postgres-acquire-timeout", 0, "timeout for Postgres operations")
	postgresAppName := fs.String("postgres-app-name", "", "application_name reported to Postgres")
	scanLimit := fs.Int("durable-scan-limit", 0, "maximum records examined when scanning by fileId")

	objectDriver := fs.String("object-driver", "", "object store driver (memory or minio)")
	objectEndpoint := fs.String("object-endpoint", "", "object storage endpoint host:port")
	objectRegion := fs.String("object-region", "", "object storage region")
	objectAccessKey := fs.String("object-access-key", "", "object storage access key")
	objectSecretKey := fs.String("object-secret-key", "", "object storage secret key")
	objectBucket := fs.String("object-bucket", "", "object storage bucket name")
	objectUseSSL := fs.Bool("object-use-ssl", false, "enable TLS for object storage requests")
	presignExpiry := fs.Duration("object-presign-expiry", 0, "lifetime of presigned upload URLs handed to instances")

	computeDriver := fs.String("compute-driver", "", "compute provider driver (memory or rest)")
	computeURL := fs.String("compute-base-url", "", "compute provider API base URL")
	computeKey := fs.String("compute-api-key", "", "compute provider API key")
	computeRegion := fs.String("compute-region", "", "compute region")
	computePlan := fs.String("compute-plan", "", "compute plan identifier")
	computeImage := fs.String("compute-image", "", "compute image identifier")
	computeSSHKeyID := fs.String("compute-ssh-key-id", "", "provider SSH key identifier")
	computeAuthorizedKey := fs.String("compute-authorized-key", "", "SSH public key installed on instances")
	computeTimeout := fs.Duration("compute-timeout", 0, "timeout for compute provider requests")

	tasksDriver := fs.String("tasks-driver", "", "background task driver (memory or asynq)")
	tasksWorkers := fs.Int("tasks-workers", 0, "background task worker count")
	tasksQueueSize := fs.Int("tasks-queue-size", 0, "background task queue capacity")
	tasksRedisURL := fs.String("tasks-redis-url", "", "Redis URI for the asynq task driver")

	eventsDriver := fs.String("events-driver", "", "lifecycle event driver (none or kafka)")
	eventsBrokers := fs.String("events-kafka-brokers", "", "comma separated Kafka brokers")
	eventsTopic := fs.String("events-kafka-topic", "", "Kafka topic for job lifecycle events")

	retentionLow := fs.Duration("retention-low", 0, "retention window for low-tier proxies")
	retentionMid := fs.Duration("retention-mid", 0, "retention window for mid-tier proxies")
	retentionHigh := fs.Duration("retention-high", 0, "retention window for high-tier proxies")
	sweepInterval := fs.Duration("sweep-interval", 0, "interval between scheduled sweeps (0 uses default)")
	softBudget := fs.Duration("compute-soft-budget", 0, "age after which an instance is presumed stalled")
	hardBudget := fs.Duration("compute-hard-budget", 0, "age after which an instance is always reclaimed")
	sweepConcurrency := fs.Int("sweep-concurrency", 0, "maximum concurrent sweeper operations")

	if err := fs.Parse(args); err != nil {
		return Config{}, err
	}

	cfg := Config{
		Addr:          firstNonEmpty(*addr, env.get("ADDR"), DefaultAddr),
		TLSCertFile:   firstNonEmpty(*tlsCert, env.get("TLS_CERT")),
		TLSKeyFile:    firstNonEmpty(*tlsKey, env.get("TLS_KEY")),
		LogLevel:      firstNonEmpty(*logLevel, env.get("LOG_LEVEL"), "info"),
		LogFormat:     firstNonEmpty(*logFormat, env.get("LOG_FORMAT"), "json"),
		AuthSecret:    firstNonEmpty(*authSecret, env.get("AUTH_SECRET")),
		PublicBaseURL: strings.TrimRight(firstNonEmpty(*publicURL, env.get("PUBLIC_URL")), "/"),
		Cache: CacheConfig{
			Driver: strings.ToLower(firstNonEmpty(*cacheDriver, env.get("CACHE_DRIVER"), "memory")),
			Redis: RedisConfig{
				Addr:       firstNonEmpty(*redisAddr, env.get("REDIS_ADDR")),
				Addrs:      splitAndTrim(firstNonEmpty(*redisAddrs, env.get("REDIS_ADDRS"))),
				Username:   firstNonEmpty(*redisUsername, env.get("REDIS_USERNAME")),
				Password:   firstNonEmpty(*redisPassword, env.get("REDIS_PASSWORD")),
				MasterName: firstNonEmpty(*redisMaster, env.get("REDIS_SENTINEL_MASTER")),
				PoolSize:   env.resolveInt(*redisPoolSize, "REDIS_POOL_SIZE", 0),
				Timeout:    env.resolveDuration(*redisTimeout, "REDIS_TIMEOUT", DefaultRedisTimeout),
				TLS: RedisTLSConfig{
					CAFile:             firstNonEmpty(*redisTLSCA, env.get("REDIS_TLS_CA")),
					CertFile:           firstNonEmpty(*redisTLSCert, env.get("REDIS_TLS_CERT")),
					KeyFile:            firstNonEmpty(*redisTLSKey, env.get("REDIS_TLS_KEY")),
					ServerName:         firstNonEmpty(*redisTLSServerName, env.get("REDIS_TLS_SERVER_NAME")),
					InsecureSkipVerify: env.resolveBool(*redisTLSSkipVerify, "REDIS_TLS_SKIP_VERIFY"),
				},
			},
			JobTTL:       env.resolveDuration(*jobTTL, "CACHE_JOB_TTL", DefaultJobTTL),
			FileIndexTTL: env.resolveDuration(*fileIndexTTL, "CACHE_FILE_INDEX_TTL", DefaultFileIndexTTL),
			LockTTL:      env.resolveDuration(*lockTTL, "CACHE_LOCK_TTL", DefaultLockTTL),
		},
		Durable: DurableConfig{
			Driver: strings.ToLower(firstNonEmpty(*durableDriver, env.get("DURABLE_DRIVER"), "objectstore")),
			Postgres: PostgresConfig{
				DSN:            firstNonEmpty(*postgresDSN, env.get("POSTGRES_DSN")),
				MaxConns:       env.resolveInt(*postgresMaxConns, "POSTGRES_MAX_CONNS", 0),
				MinConns:       env.resolveInt(*postgresMinConns, "POSTGRES_MIN_CONNS", 0),
				AcquireTimeout: env.resolveDuration(*postgresAcquire, "POSTGRES_ACQUIRE_TIMEOUT", 5*time.Second),
				AppName:        firstNonEmpty(*postgresAppName, env.get("POSTGRES_APP_NAME"), "proxyforge"),
			},
			ScanLimit: env.resolveInt(*scanLimit, "DURABLE_SCAN_LIMIT", DefaultScanLimit),
		},
		ObjectStore: ObjectStoreConfig{
			Driver:        strings.ToLower(firstNonEmpty(*objectDriver, env.get("OBJECT_DRIVER"), "memory")),
			Endpoint:      firstNonEmpty(*objectEndpoint, env.get("OBJECT_ENDPOINT")),
			Region:        firstNonEmpty(*objectRegion, env.get("OBJECT_REGION")),
			AccessKey:     firstNonEmpty(*objectAccessKey, env.get("OBJECT_ACCESS_KEY")),
			SecretKey:     firstNonEmpty(*objectSecretKey, env.get("OBJECT_SECRET_KEY")),
			Bucket:        firstNonEmpty(*objectBucket, env.get("OBJECT_BUCKET")),
			UseSSL:        env.resolveBool(*objectUseSSL, "OBJECT_USE_SSL"),
			PresignExpiry: env.resolveDuration(*presignExpiry, "OBJECT_PRESIGN_EXPIRY", DefaultPresignExpiry),
		},
		Compute: ComputeConfig{
			Driver:        strings.ToLower(firstNonEmpty(*computeDriver, env.get("COMPUTE_DRIVER"), "memory")),
			BaseURL:       strings.TrimRight(firstNonEmpty(*computeURL, env.get("COMPUTE_BASE_URL")), "/"),
			APIKey:        firstNonEmpty(*computeKey, env.get("COMPUTE_API_KEY")),
			Region:        firstNonEmpty(*computeRegion, env.get("COMPUTE_REGION")),
			Plan:          firstNonEmpty(*computePlan, env.get("COMPUTE_PLAN")),
			Image:         firstNonEmpty(*computeImage, env.get("COMPUTE_IMAGE")),
			SSHKeyID:      firstNonEmpty(*computeSSHKeyID, env.get("COMPUTE_SSH_KEY_ID")),
			AuthorizedKey: firstNonEmpty(*computeAuthorizedKey, env.get("COMPUTE_AUTHORIZED_KEY")),
			Timeout:       env.resolveDuration(*computeTimeout, "COMPUTE_TIMEOUT", DefaultComputeTimeout),
		},
		Tasks: TasksConfig{
			Driver:    strings.ToLower(firstNonEmpty(*tasksDriver, env.get("TASKS_DRIVER"), "memory")),
			Workers:   env.resolveInt(*tasksWorkers, "TASKS_WORKERS", DefaultTaskWorkers),
			QueueSize: env.resolveInt(*tasksQueueSize, "TASKS_QUEUE_SIZE", DefaultTaskQueueSize),
			RedisURL:  firstNonEmpty(*tasksRedisURL, env.get("TASKS_REDIS_URL")),
		},
		Events: EventsConfig{
			Driver:  strings.ToLower(firstNonEmpty(*eventsDriver, env.get("EVENTS_DRIVER"), "none")),
			Brokers: splitAndTrim(firstNonEmpty(*eventsBrokers, env.get("EVENTS_KAFKA_BROKERS"))),
			Topic:   firstNonEmpty(*eventsTopic, env.get("EVENTS_KAFKA_TOPIC"), DefaultEventsTopic),
		},
		Retention: RetentionConfig{
			Policy: models.RetentionPolicy{
				Low:  env.resolveDuration(*retentionLow, "RETENTION_LOW", 0),
				Mid:  env.resolveDuration(*retentionMid, "RETENTION_MID", 0),
				High: env.resolveDuration(*retentionHigh, "RETENTION_HIGH", 0),
			},
			Interval:    env.resolveDuration(*sweepInterval, "SWEEP_INTERVAL", DefaultSweepInterval),
			SoftBudget:  env.resolveDuration(*softBudget, "COMPUTE_SOFT_BUDGET", DefaultSoftBudget),
			HardBudget:  env.resolveDuration(*hardBudget, "COMPUTE_HARD_BUDGET", DefaultHardBudget),
			Concurrency: env.resolveInt(*sweepConcurrency, "SWEEP_CONCURRENCY", DefaultSweepConcurrency),
		},
	}
	defaults := models.DefaultRetentionPolicy()
	if cfg.Retention.Policy.Low == 0 {
		cfg.Retention.Policy.Low = defaults.Low
	}
	if cfg.Retention.Policy.Mid == 0 {
		cfg.Retention.Policy.Mid = defaults.Mid
	}
	if cfg.Retention.Policy.High == 0 {
		cfg.Retention.Policy.High = defaults.High
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks driver selections and the settings each driver requires.
func (c Config) Validate() error {
	var errs []error
	if strings.TrimSpace(c.AuthSecret) == "" {
		errs = append(errs, errors.New("auth secret is required"))
	}
	if c.PublicBaseURL != "" {
		if u, err := url.Parse(c.PublicBaseURL); err != nil || u.Host == "" || (u.Scheme != "http" && u.Scheme != "https") {
			errs = append(errs, fmt.Errorf("public url %q must be an absolute http(s) URL", c.PublicBaseURL))
		}
	}
	if (c.TLSCertFile == "") != (c.TLSKeyFile == "") {
		errs = append(errs, errors.New("both TLS cert file and key file must be provided"))
	}

	switch c.Cache.Driver {
	case "memory":
	case "redis":
		if c.Cache.Redis.Addr == "" && len(c.Cache.Redis.Addrs) == 0 {
			errs = append(errs, errors.New("redis cache requires an address"))
		}
	default:
		errs = append(errs, fmt.Errorf("unsupported cache driver %q", c.Cache.Driver))
	}

	switch c.Durable.Driver {
	case "objectstore":
	case "postgres":
		if c.Durable.Postgres.DSN == "" {
			errs = append(errs, errors.New("postgres durable store requires a DSN"))
		}
	default:
		errs = append(errs, fmt.Errorf("unsupported durable driver %q", c.Durable.Driver))
	}

	switch c.ObjectStore.Driver {
	case "memory":
	case "minio":
		if c.ObjectStore.Endpoint == "" || c.ObjectStore.Bucket == "" {
			errs = append(errs, errors.New("minio object store requires endpoint and bucket"))
		}
	default:
		errs = append(errs, fmt.Errorf("unsupported object driver %q", c.ObjectStore.Driver))
	}

	switch c.Compute.Driver {
	case "memory":
	case "rest":
		if c.Compute.BaseURL == "" || c.Compute.APIKey == "" {
			errs = append(errs, errors.New("rest compute provider requires base url and api key"))
		}
		if c.PublicBaseURL == "" {
			errs = append(errs, errors.New("rest compute provider requires a public url for callbacks"))
		}
	default:
		errs = append(errs, fmt.Errorf("unsupported compute driver %q", c.Compute.Driver))
	}

	switch c.Tasks.Driver {
	case "memory":
	case "asynq":
		if c.Tasks.RedisURL == "" {
			errs = append(errs, errors.New("asynq task driver requires a redis url"))
		}
	default:
		errs = append(errs, fmt.Errorf("unsupported tasks driver %q", c.Tasks.Driver))
	}

	switch c.Events.Driver {
	case "none":
	case "kafka":
		if len(c.Events.Brokers) == 0 {
			errs = append(errs, errors.New("kafka events require at least one broker"))
		}
	default:
		errs = append(errs, fmt.Errorf("unsupported events driver %q", c.Events.Driver))
	}

	if c.Retention.SoftBudget > c.Retention.HardBudget {
		errs = append(errs, fmt.Errorf("compute soft budget %s exceeds hard budget %s", c.Retention.SoftBudget, c.Retention.HardBudget))
	}
	return errors.Join(errs...)
}

type resolver struct {
	getenv Getenv
}

func (r resolver) get(key string) string {
	return strings.TrimSpace(r.getenv(envPrefix + key))
}

func (r resolver) resolveInt(flagValue int, key string, fallback int) int {
	if flagValue > 0 {
		return flagValue
	}
	if env := r.get(key); env != "" {
		if value, err := strconv.Atoi(env); err == nil {
			return value
		}
	}
	return fallback
}

func (r resolver) resolveDuration(flagValue time.Duration, key string, fallback time.Duration) time.Duration {
	if flagValue > 0 {
		return flagValue
	}
	if env := r.get(key); env != "" {
		if value, err := time.ParseDuration(env); err == nil {
			return value
		}
	}
	return fallback
}

func (r resolver) resolveBool(flagValue bool, key string) bool {
	if flagValue {
		return true
	}
	if env := r.get(key); env != "" {
		if value, err := strconv.ParseBool(env); err == nil {
			return value
		}
	}
	return false
}

func firstNonEmpty(values ...string) string {
	for _, value := range values {
		trimmed := strings.TrimSpace(value)
		if trimmed != "" {
			return trimmed
		}
	}
	return ""
}

func splitAndTrim(raw string) []string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, part := range parts {
		trimmed := strings.TrimSpace(part)
		if trimmed != "" {
			out = append(out, trimmed)
		}
	}
	if len(out) == 0 {
		return nil
	}
	return out
}
