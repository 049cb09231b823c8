package metrics

import (
	"net/http"
	"strings"
	"net/http/httptest"
	"testing"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestHTTPMiddlewareUsesRouteTemplate(t *testing.T) {
	recorder := New()
	router := mux.NewRouter()
	router.Use(HTTPMiddleware(recorder, DefaultMiddlewareConfig()))
	router.HandleFunc("/proxy/{fileId}/{quality}", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusTeapot)
		w.WriteHeader(http.StatusOK)
	})

	router.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/proxy/file-1/low-tier", nil))

	got := testutil.ToFloat64(recorder.httpRequests.WithLabelValues("GET", "/proxy/{fileId}/{quality}", "418"))
	if got != 1 {
		t.Fatalf("expected one request labelled by template, got %v", got)
	}
	if inFlight := testutil.ToFloat64(recorder.httpInFlight); inFlight != 0 {
		t.Fatalf("expected in-flight gauge back at zero, got %v", inFlight)
	}
}

func TestHTTPMiddlewareFallsBackToNormalizedPath(t *testing.T) {
	recorder := New()
	handler := HTTPMiddleware(recorder, MiddlewareConfig{})(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))

	handler.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/status/job42", nil))

	if got := testutil.ToFloat64(recorder.httpRequests.WithLabelValues("GET", "/status/:id", "404")); got != 1 {
		t.Fatalf("expected normalized path label, got %v", got)
	}
}

func TestHTTPMiddlewareSkipsConfiguredPaths(t *testing.T) {
	recorder := New()
	handler := HTTPMiddleware(recorder, DefaultMiddlewareConfig())(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	handler.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/health", nil))

	if count := testutil.CollectAndCount(recorder.httpRequests); count != 0 {
		t.Fatalf("expected no request series for skipped path, got %d", count)
	}
}

func TestResponseRecorderKeepsFirstStatus(t *testing.T) {
	rr := NewResponseRecorder(httptest.NewRecorder())
	if rr.Status() != http.StatusOK {
		t.Fatalf("expected default 200, got %d", rr.Status())
	}
	rr.WriteHeader(http.StatusCreated)
	rr.WriteHeader(http.StatusInternalServerError)
	if rr.Status() != http.StatusCreated {
		t.Fatalf("expected first status to stick, got %d", rr.Status())
	}
}

func TestResponseRecorderCountsBodyBytes(t *testing.T) {
	target := httptest.NewRecorder()
	rr := NewResponseRecorder(target)
	if _, err := rr.Write([]byte("head")); err != nil {
		t.Fatalf("write: %v", err)
	}
	if _, err := rr.ReadFrom(strings.NewReader("proxy-bytes")); err != nil {
		t.Fatalf("read from: %v", err)
	}
	if rr.BytesWritten() != int64(len("head")+len("proxy-bytes")) {
		t.Fatalf("unexpected byte count %d", rr.BytesWritten())
	}
	if target.Body.String() != "headproxy-bytes" {
		t.Fatalf("unexpected body %q", target.Body.String())
	}
	rr.WriteHeader(http.StatusTeapot)
	if rr.Status() != http.StatusOK {
		t.Fatalf("expected implicit 200 after body write, got %d", rr.Status())
	}
}
