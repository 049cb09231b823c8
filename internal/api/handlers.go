package api

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"

	"proxyforge/internal/lifecycle"
	"proxyforge/internal/models"
	"proxyforge/internal/observability/logging"
	"proxyforge/internal/proxy"
	"proxyforge/internal/retention"
)

const (
	serviceName        = "proxyforge"
	cacheExact         = "public, max-age=3600"
	cacheFallback      = "public, max-age=60"
	busyRetryAfterSecs = "1"
)

// JobService is the lifecycle surface used by the handlers.
type JobService interface {
	CreateJob(ctx context.Context, req lifecycle.CreateJobRequest) (string, error)
	GetStatus(ctx context.Context, jobID string) (lifecycle.StatusView, error)
	HandleWebhook(ctx context.Context, payload lifecycle.WebhookPayload) (models.Job, error)
}

// ProxyResolver serves renditions.
type ProxyResolver interface {
	Resolve(ctx context.Context, fileID string, tier models.QualityTier) (proxy.Result, error)
}

// Sweeper runs a retention pass on demand.
type Sweeper interface {
	Run(ctx context.Context, trigger string) retention.Stats
}

type Handler struct {
	Jobs    JobService
	Proxies ProxyResolver
	Sweeper Sweeper
	Probes  []Probe
	Secret  string
	Logger  *slog.Logger
	Now     func() time.Time
}

func NewHandler(jobs JobService, proxies ProxyResolver, sweeper Sweeper, secret string) *Handler {
	return &Handler{Jobs: jobs, Proxies: proxies, Sweeper: sweeper, Secret: secret}
}

func (h *Handler) logger(r *http.Request) *slog.Logger {
	base := h.Logger
	if base == nil {
		base = slog.Default()
	}
	if ctxLogger := logging.LoggerFromContext(r.Context()); ctxLogger != nil {
		return ctxLogger
	}
	return logging.WithContext(r.Context(), base)
}

func (h *Handler) now() time.Time {
	if h.Now != nil {
		return h.Now()
	}
	return time.Now()
}

type transcodeRequest struct {
	FileID     string   `json:"fileId"`
	SourceURL  string   `json:"sourceUrl"`
	Qualities  []string `json:"qualities"`
	WebhookURL string   `json:"webhookUrl,omitempty"`
}

type transcodeResponse struct {
	JobID string `json:"jobId"`
}

// Transcode handles POST /transcode.
func (h *Handler) Transcode(w http.ResponseWriter, r *http.Request) {
	var req transcodeRequest
	if err := decodeJSON(w, r, &req, strictFields); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	jobID, err := h.Jobs.CreateJob(r.Context(), lifecycle.CreateJobRequest{
		FileID:     req.FileID,
		SourceURL:  req.SourceURL,
		Qualities:  req.Qualities,
		WebhookURL: req.WebhookURL,
	})
	if err != nil && jobID == "" {
		h.writeServiceError(w, r, err)
		return
	}
	if err != nil {
		h.logger(r).Warn("job created but launch did not settle", "job_id", jobID, "error", err)
	}
	writeJSON(w, http.StatusAccepted, transcodeResponse{JobID: jobID})
}

type statusResponse struct {
	JobID              string               `json:"jobId"`
	FileID             string               `json:"fileId"`
	Status             models.JobStatus     `json:"status"`
	Progress           *int                 `json:"progress,omitempty"`
	RequestedQualities []models.QualityTier `json:"requestedQualities"`
	CompletedQualities []models.QualityTier `json:"completedQualities,omitempty"`
	AvailableQualities []models.QualityTier `json:"availableQualities,omitempty"`
	Error              string               `json:"error,omitempty"`
	IsUpgrade          bool                 `json:"isUpgrade"`
	OriginalJobID      string               `json:"originalJobId,omitempty"`
	CreatedAt          time.Time            `json:"createdAt"`
	UpdatedAt          time.Time            `json:"updatedAt"`
	CompletedAt        *time.Time           `json:"completedAt,omitempty"`
	FailedAt           *time.Time           `json:"failedAt,omitempty"`
	ComputeInstanceID  string               `json:"computeInstanceId,omitempty"`
}

func newStatusResponse(view lifecycle.StatusView) statusResponse {
	job := view.Job
	resp := statusResponse{
		JobID:              job.ID,
		FileID:             job.FileID,
		Status:             job.Status,
		RequestedQualities: job.RequestedQualities,
		CompletedQualities: job.CompletedQualities,
		AvailableQualities: view.Available,
		Error:              job.Error,
		IsUpgrade:          job.IsUpgrade,
		OriginalJobID:      job.OriginalJobID,
		CreatedAt:          job.CreatedAt,
		UpdatedAt:          job.UpdatedAt,
		CompletedAt:        job.CompletedAt,
		FailedAt:           job.FailedAt,
		ComputeInstanceID:  job.ComputeInstanceID,
	}
	if job.Status == models.JobProcessing || job.Status == models.JobCompleted {
		progress := view.Progress
		resp.Progress = &progress
	}
	return resp
}

// Status handles GET /status/{jobId}.
func (h *Handler) Status(w http.ResponseWriter, r *http.Request) {
	jobID := mux.Vars(r)["jobId"]
	view, err := h.Jobs.GetStatus(r.Context(), jobID)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, newStatusResponse(view))
}

// Proxy handles GET /proxy/{fileId}/{quality}.
func (h *Handler) Proxy(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	tier, err := models.ParseQualityTier(vars["quality"])
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_quality", err.Error())
		return
	}
	result, err := h.Proxies.Resolve(r.Context(), vars["fileId"], tier)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	defer result.Body.Close()

	header := w.Header()
	header.Set("Content-Type", result.ContentType)
	if result.Size > 0 {
		header.Set("Content-Length", strconv.FormatInt(result.Size, 10))
	}
	if result.Fallback() {
		header.Set("Cache-Control", cacheFallback)
	} else {
		header.Set("Cache-Control", cacheExact)
	}
	header.Set("X-Proxy-Quality", string(result.ActualQuality))
	header.Set("X-Requested-Quality", string(result.RequestedQuality))
	header.Set("X-Upgrade-Scheduled", strconv.FormatBool(result.UpgradeScheduled))
	w.WriteHeader(http.StatusOK)
	if r.Method == http.MethodHead {
		return
	}
	if _, err := io.Copy(w, result.Body); err != nil {
		h.logger(r).Debug("proxy stream interrupted", "file_id", vars["fileId"], "quality", result.ActualQuality, "error", err)
	}
}

type webhookRequest struct {
	JobID     string   `json:"jobId"`
	Status    string   `json:"status"`
	Qualities []string `json:"qualities"`
	Error     string   `json:"error,omitempty"`
}

type webhookResponse struct {
	Success bool             `json:"success"`
	JobID   string           `json:"jobId"`
	Status  models.JobStatus `json:"status"`
}

// Webhook handles POST /webhook from compute instances.
func (h *Handler) Webhook(w http.ResponseWriter, r *http.Request) {
	var req webhookRequest
	if err := decodeJSON(w, r, &req, lenientFields); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	ctx := logging.ContextWithJobID(r.Context(), req.JobID)
	job, err := h.Jobs.HandleWebhook(ctx, lifecycle.WebhookPayload{
		JobID:     req.JobID,
		Status:    req.Status,
		Qualities: req.Qualities,
		Error:     req.Error,
	})
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, webhookResponse{Success: true, JobID: job.ID, Status: job.Status})
}

// Lifecycle handles POST /lifecycle by running a sweep synchronously.
func (h *Handler) Lifecycle(w http.ResponseWriter, r *http.Request) {
	stats := h.Sweeper.Run(r.Context(), retention.TriggerManual)
	writeJSON(w, http.StatusOK, stats)
}

type healthResponse struct {
	Status     string            `json:"status"`
	Service    string            `json:"service"`
	Time       time.Time         `json:"time"`
	Components []componentStatus `json:"components,omitempty"`
}

// Health handles GET /health. Dependency detail is only reported to
// authorized callers.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	resp := healthResponse{Status: "ok", Service: serviceName, Time: h.now().UTC()}
	status := http.StatusOK
	if h.Authorized(r) {
		resp.Components, resp.Status, status = h.componentHealth(r.Context())
	}
	writeJSON(w, status, resp)
}

func (h *Handler) writeServiceError(w http.ResponseWriter, r *http.Request, err error) {
	var (
		validation *lifecycle.ValidationError
		notFound   *proxy.NotFoundError
	)
	switch {
	case errors.As(err, &validation):
		writeError(w, http.StatusBadRequest, "validation_error", validation.Error())
	case errors.As(err, &notFound):
		writeError(w, http.StatusNotFound, notFound.Reason, notFound.Error())
	case errors.Is(err, lifecycle.ErrNotFound):
		writeError(w, http.StatusNotFound, "job_not_found", "job not found")
	case errors.Is(err, lifecycle.ErrJobInProgress):
		writeError(w, http.StatusConflict, "job_in_progress", "another transcode request for this file is being created")
	case errors.Is(err, lifecycle.ErrJobBusy):
		w.Header().Set("Retry-After", busyRetryAfterSecs)
		writeError(w, http.StatusServiceUnavailable, "busy", "job is being updated, retry shortly")
	case errors.Is(err, context.Canceled):
		writeError(w, http.StatusServiceUnavailable, "canceled", "request canceled")
	default:
		h.logger(r).Error("request failed", "path", r.URL.Path, "error", err)
		writeError(w, http.StatusInternalServerError, "internal_error", "internal error")
	}
}
