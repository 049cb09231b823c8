package metrics

import (
	"bufio"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/mux"
)

// ResponseRecorder captures the status code and body size written through an
// http.ResponseWriter. Flusher, Hijacker and ReaderFrom pass through.
type ResponseRecorder struct {
	http.ResponseWriter
	status      int
	wroteHeader bool
	bytes       int64
}

// NewResponseRecorder reports 200 until the handler writes a header.
func NewResponseRecorder(w http.ResponseWriter) *ResponseRecorder {
	return &ResponseRecorder{ResponseWriter: w, status: http.StatusOK}
}

func (rr *ResponseRecorder) Status() int {
	return rr.status
}

// BytesWritten counts body bytes accepted by the underlying writer.
func (rr *ResponseRecorder) BytesWritten() int64 {
	return rr.bytes
}

func (rr *ResponseRecorder) WriteHeader(status int) {
	if !rr.wroteHeader {
		rr.status = status
		rr.wroteHeader = true
	}
	rr.ResponseWriter.WriteHeader(status)
}

func (rr *ResponseRecorder) Write(p []byte) (int, error) {
	rr.wroteHeader = true
	n, err := rr.ResponseWriter.Write(p)
	rr.bytes += int64(n)
	return n, err
}

func (rr *ResponseRecorder) Flush() {
	if flusher, ok := rr.ResponseWriter.(http.Flusher); ok {
		flusher.Flush()
	}
}

func (rr *ResponseRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	if hijacker, ok := rr.ResponseWriter.(http.Hijacker); ok {
		return hijacker.Hijack()
	}
	return nil, nil, http.ErrNotSupported
}

// ReadFrom keeps the sendfile path open for proxy bodies.
func (rr *ResponseRecorder) ReadFrom(r io.Reader) (int64, error) {
	rr.wroteHeader = true
	var (
		n   int64
		err error
	)
	if readerFrom, ok := rr.ResponseWriter.(io.ReaderFrom); ok {
		n, err = readerFrom.ReadFrom(r)
	} else {
		n, err = io.Copy(writerOnly{rr.ResponseWriter}, r)
	}
	rr.bytes += n
	return n, err
}

// writerOnly hides ReadFrom so io.Copy cannot recurse into the recorder.
type writerOnly struct {
	io.Writer
}

// Unwrap lets http.ResponseController reach the underlying writer.
func (rr *ResponseRecorder) Unwrap() http.ResponseWriter {
	return rr.ResponseWriter
}

// MiddlewareConfig tunes HTTPMiddleware.
type MiddlewareConfig struct {
	// SkipPaths are excluded from request metrics, matched by prefix.
	SkipPaths []string
}

// DefaultMiddlewareConfig skips the scrape and health endpoints.
func DefaultMiddlewareConfig() MiddlewareConfig {
	return MiddlewareConfig{SkipPaths: []string{"/metrics", "/health"}}
}

// HTTPMiddleware records request metrics around next. The path label uses
// the matched gorilla/mux route template when available so it can be
// installed with Router.Use; otherwise the raw path is normalized.
func HTTPMiddleware(recorder *Recorder, cfg MiddlewareConfig) mux.MiddlewareFunc {
	rec := recorder
	if rec == nil {
		rec = Default()
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			for _, prefix := range cfg.SkipPaths {
				if strings.HasPrefix(r.URL.Path, prefix) {
					next.ServeHTTP(w, r)
					return
				}
			}
			rec.httpInFlight.Inc()
			defer rec.httpInFlight.Dec()

			rr := NewResponseRecorder(w)
			start := time.Now()
			next.ServeHTTP(rr, r)
			rec.ObserveRequest(r.Method, routeLabel(r), rr.Status(), time.Since(start))
		})
	}
}

func routeLabel(r *http.Request) string {
	if route := mux.CurrentRoute(r); route != nil {
		if template, err := route.GetPathTemplate(); err == nil && template != "" {
			return template
		}
	}
	return NormalizePath(r.URL.Path)
}
