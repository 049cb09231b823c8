package server

import (
	"context"
	"crypto/tls"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/mux"

	"proxyforge/internal/api"
	"proxyforge/internal/observability/logging"
	"proxyforge/internal/observability/metrics"
)

type TLSConfig struct {
	CertFile string
	KeyFile  string
}

type Config struct {
	Addr        string
	TLS         TLSConfig
	Security    SecurityConfig
	Logger      *slog.Logger
	AuditLogger *slog.Logger
	Metrics     *metrics.Recorder
}

type Server struct {
	httpServer  *http.Server
	logger      *slog.Logger
	metrics     *metrics.Recorder
	tlsCertFile string
	tlsKeyFile  string
}

func New(handler *api.Handler, cfg Config) (*Server, error) {
	if handler == nil {
		return nil, fmt.Errorf("api handler is required")
	}
	recorder := cfg.Metrics
	if recorder == nil {
		recorder = metrics.Default()
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	router := NewRouter(handler, recorder)

	handlerChain := http.Handler(router)
	handlerChain = auditMiddleware(cfg.AuditLogger, handlerChain)
	handlerChain = logging.RequestLogger(logging.RequestLoggerConfig{
		Logger:          logger,
		QuietPathPrefix: "/proxy/",
		AdditionalFields: func(r *http.Request, _ int, _ time.Duration) []any {
			return []any{"remote_ip", extractClientIP(r)}
		},
		DisableRemoteAddr: true,
	})(handlerChain)
	handlerChain = securityHeadersMiddleware(cfg.Security, handlerChain)
	handlerChain = requestIDMiddleware(logger, handlerChain)

	httpServer := &http.Server{
		Addr:              cfg.Addr,
		Handler:           handlerChain,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		IdleTimeout:       60 * time.Second,
		ErrorLog:          slog.NewLogLogger(logger.Handler(), slog.LevelWarn),
	}

	srv := &Server{
		httpServer:  httpServer,
		logger:      logger,
		metrics:     recorder,
		tlsCertFile: strings.TrimSpace(cfg.TLS.CertFile),
		tlsKeyFile:  strings.TrimSpace(cfg.TLS.KeyFile),
	}
	if srv.tlsCertFile != "" && srv.tlsKeyFile != "" {
		httpServer.TLSConfig = &tls.Config{MinVersion: tls.VersionTLS12}
	}
	return srv, nil
}

// NewRouter registers every controller route on a fresh router.
func NewRouter(handler *api.Handler, recorder *metrics.Recorder) *mux.Router {
	router := mux.NewRouter()
	router.Use(metrics.HTTPMiddleware(recorder, metrics.DefaultMiddlewareConfig()))

	router.HandleFunc("/health", handler.Health).Methods(http.MethodGet, http.MethodHead)
	router.Handle("/metrics", recorder.Handler()).Methods(http.MethodGet)
	router.HandleFunc("/status/{jobId}", handler.Status).Methods(http.MethodGet)
	router.HandleFunc("/proxy/{fileId}/{quality}", handler.Proxy).Methods(http.MethodGet, http.MethodHead)
	router.Handle("/transcode", handler.RequireAuth(handler.Transcode)).Methods(http.MethodPost)
	router.Handle("/webhook", handler.RequireAuth(handler.Webhook)).Methods(http.MethodPost)
	router.Handle("/lifecycle", handler.RequireAuth(handler.Lifecycle)).Methods(http.MethodPost)

	router.NotFoundHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		api.WriteError(w, http.StatusNotFound, "not_found", fmt.Sprintf("no route for %s", r.URL.Path))
	})
	router.MethodNotAllowedHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		api.WriteError(w, http.StatusMethodNotAllowed, "method_not_allowed", fmt.Sprintf("method %s not allowed", r.Method))
	})
	return router
}

// HTTPServer exposes the configured server for serverutil.Run.
func (s *Server) HTTPServer() *http.Server {
	return s.httpServer
}

// Handler returns the full middleware chain.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

func (s *Server) TLS() TLSConfig {
	return TLSConfig{CertFile: s.tlsCertFile, KeyFile: s.tlsKeyFile}
}

func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Shutdown(ctx)
}

func auditMiddleware(logger *slog.Logger, next http.Handler) http.Handler {
	if logger == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		sr := metrics.NewResponseRecorder(w)
		start := time.Now()
		next.ServeHTTP(sr, r)
		if !shouldAudit(r) {
			return
		}
		logger.Info("audit",
			"method", r.Method,
			"path", r.URL.Path,
			"status", sr.Status(),
			"duration_ms", time.Since(start).Milliseconds(),
			"remote_ip", extractClientIP(r),
		)
	})
}

// shouldAudit selects the privileged mutations.
func shouldAudit(r *http.Request) bool {
	if r.Method != http.MethodPost {
		return false
	}
	switch r.URL.Path {
	case "/transcode", "/webhook", "/lifecycle":
		return true
	default:
		return false
	}
}

func extractClientIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		parts := strings.Split(xff, ",")
		if len(parts) > 0 {
			return strings.TrimSpace(parts[0])
		}
	}
	if xrip := r.Header.Get("X-Real-IP"); xrip != "" {
		return strings.TrimSpace(xrip)
	}
	return clientIP(r.RemoteAddr)
}

func clientIP(remoteAddr string) string {
	if remoteAddr == "" {
		return ""
	}
	host, _, err := net.SplitHostPort(remoteAddr)
	if err != nil {
		return remoteAddr
	}
	return host
}
