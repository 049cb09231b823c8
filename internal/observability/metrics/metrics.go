// Package metrics exposes Prometheus collectors for the HTTP surface, job
// lifecycle transitions, proxy resolution, background tasks, and sweeps.
package metrics

import (
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "proxyforge"

// Recorder owns a registry and the collectors registered on it. Components
// receive a *Recorder; a nil *Recorder is valid and records nothing.
type Recorder struct {
	registry *prometheus.Registry

	httpRequests       *prometheus.CounterVec
	httpDuration       *prometheus.HistogramVec
	httpInFlight       prometheus.Gauge
	jobTransitions     *prometheus.CounterVec
	provisionOutcomes  *prometheus.CounterVec
	deprovisionResults *prometheus.CounterVec
	proxyResolutions   *prometheus.CounterVec
	tasks              *prometheus.CounterVec
	sweepRuns          *prometheus.CounterVec
	sweepObjects       *prometheus.CounterVec
	sweepInstances     *prometheus.CounterVec
	sweepDuration      prometheus.Histogram
	sweepLastRun       prometheus.Gauge
}

// New constructs a Recorder with its own registry, including Go runtime and
// process collectors.
func New() *Recorder {
	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	factory := promauto.With(registry)
	return &Recorder{
		registry: registry,
		httpRequests: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "Total number of HTTP requests",
		}, []string{"method", "path", "status"}),
		httpDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request duration in seconds",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "path"}),
		httpInFlight: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "http_requests_in_flight",
			Help:      "Number of HTTP requests currently being processed",
		}),
		jobTransitions: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "job_transitions_total",
			Help:      "Job status transitions by job kind and resulting status",
		}, []string{"kind", "status"}),
		provisionOutcomes: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "compute_provision_total",
			Help:      "Compute provisioning attempts by outcome",
		}, []string{"outcome"}),
		deprovisionResults: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "compute_deprovision_total",
			Help:      "Compute deprovisioning attempts by reason and outcome",
		}, []string{"reason", "outcome"}),
		proxyResolutions: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "proxy_resolutions_total",
			Help:      "Proxy resolutions by requested tier and outcome",
		}, []string{"quality", "outcome"}),
		tasks: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "background_tasks_total",
			Help:      "Best-effort background tasks by kind and result",
		}, []string{"kind", "result"}),
		sweepRuns: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sweep_runs_total",
			Help:      "Retention sweeps by trigger",
		}, []string{"trigger"}),
		sweepObjects: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sweep_proxy_objects_total",
			Help:      "Proxy objects handled by the sweeper by action",
		}, []string{"action"}),
		sweepInstances: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sweep_compute_instances_total",
			Help:      "Compute instances handled by the sweeper by action",
		}, []string{"action"}),
		sweepDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "sweep_duration_seconds",
			Help:      "Duration of retention sweeps in seconds",
			Buckets:   []float64{0.1, 0.5, 1, 5, 15, 30, 60, 300},
		}),
		sweepLastRun: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "sweep_last_run_timestamp_seconds",
			Help:      "Unix timestamp of the last completed sweep",
		}),
	}
}

var (
	defaultOnce     sync.Once
	defaultRecorder *Recorder
)

// Default returns the process-wide recorder.
func Default() *Recorder {
	defaultOnce.Do(func() {
		defaultRecorder = New()
	})
	return defaultRecorder
}

// Registry exposes the underlying registry for tests and custom exporters.
func (r *Recorder) Registry() *prometheus.Registry {
	if r == nil {
		return nil
	}
	return r.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (r *Recorder) Handler() http.Handler {
	if r == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(r.registry, promhttp.HandlerOpts{Registry: r.registry})
}

// ObserveRequest records one completed HTTP request.
func (r *Recorder) ObserveRequest(method, path string, status int, duration time.Duration) {
	if r == nil {
		return
	}
	method = strings.ToUpper(method)
	r.httpRequests.WithLabelValues(method, path, strconv.Itoa(status)).Inc()
	r.httpDuration.WithLabelValues(method, path).Observe(duration.Seconds())
}

// JobTransition counts a job entering status. kind is "original" or "upgrade".
func (r *Recorder) JobTransition(kind, status string) {
	if r == nil {
		return
	}
	r.jobTransitions.WithLabelValues(normalizeName(kind), normalizeName(status)).Inc()
}

// ProvisionOutcome counts a provisioning attempt.
func (r *Recorder) ProvisionOutcome(success bool) {
	if r == nil {
		return
	}
	r.provisionOutcomes.WithLabelValues(outcome(success)).Inc()
}

// DeprovisionOutcome counts a deprovisioning attempt. reason is "completed",
// "failed", or "sweeper".
func (r *Recorder) DeprovisionOutcome(reason string, success bool) {
	if r == nil {
		return
	}
	r.deprovisionResults.WithLabelValues(normalizeName(reason), outcome(success)).Inc()
}

// ProxyResolution counts a resolver outcome: "exact", "fallback",
// "job_not_found", "no_renditions", or "error".
func (r *Recorder) ProxyResolution(quality, result string) {
	if r == nil {
		return
	}
	r.proxyResolutions.WithLabelValues(normalizeName(quality), normalizeName(result)).Inc()
}

// TaskResult counts a background task event: "submitted", "dropped",
// "succeeded", or "failed".
func (r *Recorder) TaskResult(kind, result string) {
	if r == nil {
		return
	}
	r.tasks.WithLabelValues(normalizeName(kind), normalizeName(result)).Inc()
}

// SweepSummary carries the counts reported by one sweep.
type SweepSummary struct {
	Trigger          string
	Deleted          int
	Retained         int
	Stamped          int
	Errors           int
	InstancesDeleted int
	InstancesKept    int
	Duration         time.Duration
	FinishedAt       time.Time
}

// ObserveSweep records the result of a sweep run.
func (r *Recorder) ObserveSweep(summary SweepSummary) {
	if r == nil {
		return
	}
	r.sweepRuns.WithLabelValues(normalizeName(summary.Trigger)).Inc()
	r.sweepObjects.WithLabelValues("deleted").Add(float64(summary.Deleted))
	r.sweepObjects.WithLabelValues("retained").Add(float64(summary.Retained))
	r.sweepObjects.WithLabelValues("stamped").Add(float64(summary.Stamped))
	r.sweepObjects.WithLabelValues("error").Add(float64(summary.Errors))
	r.sweepInstances.WithLabelValues("deleted").Add(float64(summary.InstancesDeleted))
	r.sweepInstances.WithLabelValues("kept").Add(float64(summary.InstancesKept))
	r.sweepDuration.Observe(summary.Duration.Seconds())
	if !summary.FinishedAt.IsZero() {
		r.sweepLastRun.Set(float64(summary.FinishedAt.Unix()))
	}
}

func outcome(success bool) string {
	if success {
		return "success"
	}
	return "error"
}

func normalizeName(name string) string {
	normalized := strings.ToLower(strings.TrimSpace(name))
	if normalized == "" {
		return "unknown"
	}
	return normalized
}

// NormalizePath collapses identifier-like path segments to ":id" so raw
// request paths can be used as low-cardinality labels.
func NormalizePath(path string) string {
	if path == "" || path == "/" {
		return "/"
	}
	segments := strings.Split(strings.Trim(path, "/"), "/")
	for i, segment := range segments {
		if looksLikeIdentifier(segment) {
			segments[i] = ":id"
		}
	}
	return "/" + strings.Join(segments, "/")
}

func looksLikeIdentifier(segment string) bool {
	if segment == "" {
		return false
	}
	if len(segment) >= 16 {
		return true
	}
	for _, r := range segment {
		if r >= '0' && r <= '9' {
			return true
		}
	}
	return false
}
