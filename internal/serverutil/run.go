// Package serverutil runs an HTTP server until its context ends and then
// drains it together with any background components that outlive requests.
package serverutil

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"
)

type TLSConfig struct {
	CertFile string
	KeyFile  string
}

func (t TLSConfig) enabled() bool {
	return t.CertFile != "" && t.KeyFile != ""
}

// DrainFunc stops a component once the server has stopped taking requests.
type DrainFunc func(ctx context.Context) error

type Config struct {
	Server          *http.Server
	TLS             TLSConfig
	ShutdownTimeout time.Duration
	Logger          *slog.Logger
	// OnListen is called with the bound address before the first request is
	// accepted.
	OnListen func(addr net.Addr)
	// Drain hooks run in order after the HTTP server has shut down and share
	// its shutdown deadline.
	Drain []DrainFunc
}

const DefaultShutdownTimeout = 10 * time.Second

// Run serves until ctx is cancelled or the listener fails. A listener failure
// is returned without running the drain hooks.
func Run(ctx context.Context, cfg Config) error {
	if cfg.Server == nil {
		return errors.New("serverutil: server is required")
	}
	if (cfg.TLS.CertFile == "") != (cfg.TLS.KeyFile == "") {
		return errors.New("serverutil: TLS needs both a cert file and a key file")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	timeout := cfg.ShutdownTimeout
	if timeout <= 0 {
		timeout = DefaultShutdownTimeout
	}

	ln, err := listen(cfg)
	if err != nil {
		return err
	}
	logger.Info("http server listening", "addr", ln.Addr().String(), "tls", cfg.TLS.enabled())
	if cfg.OnListen != nil {
		cfg.OnListen(ln.Addr())
	}

	serveErr := make(chan error, 1)
	go func() {
		serveErr <- cfg.Server.Serve(ln)
	}()

	select {
	case err := <-serveErr:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	logger.Info("shutting down http server", "timeout", timeout)
	shutdownCtx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	errs := []error{cfg.Server.Shutdown(shutdownCtx)}
	if err := <-serveErr; err != nil && !errors.Is(err, http.ErrServerClosed) {
		errs = append(errs, err)
	}
	for i, drain := range cfg.Drain {
		if err := drain(shutdownCtx); err != nil {
			logger.Warn("drain hook failed", "index", i, "error", err)
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func listen(cfg Config) (net.Listener, error) {
	ln, err := net.Listen("tcp", cfg.Server.Addr)
	if err != nil {
		return nil, err
	}
	if !cfg.TLS.enabled() {
		return ln, nil
	}
	cert, err := tls.LoadX509KeyPair(cfg.TLS.CertFile, cfg.TLS.KeyFile)
	if err != nil {
		ln.Close()
		return nil, fmt.Errorf("load TLS key pair: %w", err)
	}
	tlsCfg := &tls.Config{MinVersion: tls.VersionTLS12}
	if cfg.Server.TLSConfig != nil {
		tlsCfg = cfg.Server.TLSConfig.Clone()
	}
	tlsCfg.Certificates = append([]tls.Certificate{cert}, tlsCfg.Certificates...)
	cfg.Server.TLSConfig = tlsCfg
	return tls.NewListener(ln, tlsCfg), nil
}
