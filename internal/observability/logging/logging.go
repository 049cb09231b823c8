package logging

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"time"

	"proxyforge/internal/observability/metrics"
)

// Config selects the handler for New. Service, when set, is attached to
// every record.
type Config struct {
	Level   string
	Format  string
	Service string
	Writer  io.Writer
}

type LogFormat string

const (
	FormatJSON LogFormat = "json"
	FormatText LogFormat = "text"
)

// Init builds a logger with New and installs it as the slog default.
func Init(cfg Config) *slog.Logger {
	logger := New(cfg)
	slog.SetDefault(logger)
	return logger
}

func New(cfg Config) *slog.Logger {
	writer := cfg.Writer
	if writer == nil {
		writer = os.Stdout
	}
	level := parseLevel(cfg.Level)
	options := &slog.HandlerOptions{Level: level, AddSource: level == slog.LevelDebug}

	var handler slog.Handler
	if LogFormat(strings.ToLower(strings.TrimSpace(cfg.Format))) == FormatText {
		handler = slog.NewTextHandler(writer, options)
	} else {
		handler = slog.NewJSONHandler(writer, options)
	}
	logger := slog.New(handler)
	if cfg.Service != "" {
		logger = logger.With("service", cfg.Service)
	}
	return logger
}

// parseLevel accepts slog level names plus "warning"; anything else is info.
func parseLevel(raw string) slog.Level {
	name := strings.ToLower(strings.TrimSpace(raw))
	if name == "warning" {
		name = "warn"
	}
	var level slog.Level
	if err := level.UnmarshalText([]byte(name)); err != nil {
		return slog.LevelInfo
	}
	return level
}

func WithComponent(logger *slog.Logger, component string) *slog.Logger {
	if logger == nil {
		return nil
	}
	return logger.With("component", component)
}

type fieldsKey struct{}

// fields is the per-request logging state carried on a context. Setters copy
// it so a derived context never changes its parent.
type fields struct {
	requestID string
	jobID     string
	logger    *slog.Logger
}

func fieldsFrom(ctx context.Context) fields {
	if ctx == nil {
		return fields{}
	}
	f, _ := ctx.Value(fieldsKey{}).(fields)
	return f
}

func withFields(ctx context.Context, mutate func(*fields)) context.Context {
	f := fieldsFrom(ctx)
	mutate(&f)
	return context.WithValue(ctx, fieldsKey{}, f)
}

// ContextWithRequestID is a no-op for blank ids.
func ContextWithRequestID(ctx context.Context, id string) context.Context {
	id = strings.TrimSpace(id)
	if id == "" {
		return ctx
	}
	return withFields(ctx, func(f *fields) { f.requestID = id })
}

func RequestIDFromContext(ctx context.Context) (string, bool) {
	id := fieldsFrom(ctx).requestID
	return id, id != ""
}

// ContextWithJobID tags the context with the transcode job being handled.
func ContextWithJobID(ctx context.Context, id string) context.Context {
	id = strings.TrimSpace(id)
	if id == "" {
		return ctx
	}
	return withFields(ctx, func(f *fields) { f.jobID = id })
}

func JobIDFromContext(ctx context.Context) (string, bool) {
	id := fieldsFrom(ctx).jobID
	return id, id != ""
}

func ContextWithLogger(ctx context.Context, logger *slog.Logger) context.Context {
	if logger == nil {
		return ctx
	}
	return withFields(ctx, func(f *fields) { f.logger = logger })
}

// LoggerFromContext returns nil when no logger was attached.
func LoggerFromContext(ctx context.Context) *slog.Logger {
	return fieldsFrom(ctx).logger
}

// WithContext annotates logger with the request and job ids held in ctx.
func WithContext(ctx context.Context, logger *slog.Logger) *slog.Logger {
	if logger == nil {
		return nil
	}
	f := fieldsFrom(ctx)
	if f.requestID != "" {
		logger = logger.With("request_id", f.requestID)
	}
	if f.jobID != "" {
		logger = logger.With("job_id", f.jobID)
	}
	return logger
}

// RequestLoggerConfig configures the HTTP request logging middleware.
type RequestLoggerConfig struct {
	Logger            *slog.Logger
	DisableRemoteAddr bool
	QuietPathPrefix   string
	AdditionalFields  func(*http.Request, int, time.Duration) []any
}

// RequestLogger logs each request after it completes. Successful requests
// under QuietPathPrefix log at debug and server errors log at warn.
func RequestLogger(cfg RequestLoggerConfig) func(http.Handler) http.Handler {
	baseLogger := cfg.Logger
	if baseLogger == nil {
		baseLogger = slog.Default()
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			recorder := metrics.NewResponseRecorder(w)
			start := time.Now()
			next.ServeHTTP(recorder, r)

			duration := time.Since(start)
			requestLogger := WithContext(r.Context(), baseLogger)
			if requestLogger == nil {
				return
			}

			attrs := []any{
				"method", r.Method,
				"path", r.URL.Path,
				"status", recorder.Status(),
				"duration_ms", duration.Milliseconds(),
				"bytes", recorder.BytesWritten(),
			}

			if !cfg.DisableRemoteAddr {
				attrs = append(attrs, "remote_addr", r.RemoteAddr)
			}

			if cfg.AdditionalFields != nil {
				attrs = append(attrs, cfg.AdditionalFields(r, recorder.Status(), duration)...)
			}

			level := slog.LevelInfo
			switch status := recorder.Status(); {
			case status >= http.StatusInternalServerError:
				level = slog.LevelWarn
			case status < http.StatusBadRequest && cfg.QuietPathPrefix != "" && strings.HasPrefix(r.URL.Path, cfg.QuietPathPrefix):
				level = slog.LevelDebug
			}
			requestLogger.Log(r.Context(), level, "request completed", attrs...)
		})
	}
}
