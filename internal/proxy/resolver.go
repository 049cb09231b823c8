// Package proxy serves proxy renditions for a file, falling back to lower
// tiers when the requested one is missing and scheduling its backfill.
package proxy

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"proxyforge/internal/jobstore"
	"proxyforge/internal/models"
	"proxyforge/internal/objectstore"
	"proxyforge/internal/observability/logging"
	"proxyforge/internal/observability/metrics"
	"proxyforge/internal/tasks"
)

// Not-found reasons.
const (
	ReasonJobNotFound  = "job_not_found"
	ReasonNoRenditions = "no_renditions"
)

const defaultContentType = "video/mp4"

// NotFoundError reports that no rendition could be served.
type NotFoundError struct {
	FileID  string
	Quality models.QualityTier
	Reason  string
}

func (e *NotFoundError) Error() string {
	switch e.Reason {
	case ReasonJobNotFound:
		return fmt.Sprintf("no transcode job recorded for file %s", e.FileID)
	default:
		return fmt.Sprintf("no %s or lower rendition available for file %s", e.Quality, e.FileID)
	}
}

// JobIndex maps a file to its newest original job.
type JobIndex interface {
	LatestForFile(ctx context.Context, fileID string) (string, error)
}

// Result is a resolved rendition. The caller must close Body.
type Result struct {
	Body             io.ReadCloser
	Size             int64
	ContentType      string
	JobID            string
	RequestedQuality models.QualityTier
	ActualQuality    models.QualityTier
	UpgradeScheduled bool
}

// Fallback reports whether a lower tier was served.
func (r Result) Fallback() bool {
	return r.ActualQuality != r.RequestedQuality
}

// Config wires a Resolver.
type Config struct {
	Index   JobIndex
	Objects objectstore.Store
	Tasks   tasks.Queue
	Policy  models.RetentionPolicy
	Metrics *metrics.Recorder
	Logger  *slog.Logger
	Now     func() time.Time
}

// Resolver resolves proxy requests.
type Resolver struct {
	index   JobIndex
	objects objectstore.Store
	tasks   tasks.Queue
	policy  models.RetentionPolicy
	metrics *metrics.Recorder
	logger  *slog.Logger
	now     func() time.Time
}

// NewResolver constructs a Resolver and registers the access-refresh task
// handler on cfg.Tasks.
func NewResolver(cfg Config) *Resolver {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	r := &Resolver{
		index:   cfg.Index,
		objects: cfg.Objects,
		tasks:   cfg.Tasks,
		policy:  cfg.Policy,
		metrics: cfg.Metrics,
		logger:  logging.WithComponent(logger, "proxy"),
		now:     now,
	}
	if r.tasks != nil {
		r.tasks.Register(tasks.KindTouchProxy, r.handleTouchTask)
	}
	return r
}

// Resolve returns the requested tier for fileID, or the nearest lower tier
// when it is missing. A higher tier is never returned. Serving a fallback
// schedules an upgrade for the requested tier without waiting on it.
func (r *Resolver) Resolve(ctx context.Context, fileID string, tier models.QualityTier) (Result, error) {
	if !tier.Valid() {
		return Result{}, fmt.Errorf("unsupported quality tier %q", tier)
	}
	jobID, err := r.index.LatestForFile(ctx, fileID)
	if errors.Is(err, jobstore.ErrNotFound) {
		r.metrics.ProxyResolution(string(tier), "not_found")
		return Result{}, &NotFoundError{FileID: fileID, Quality: tier, Reason: ReasonJobNotFound}
	}
	if err != nil {
		return Result{}, fmt.Errorf("lookup job for file %s: %w", fileID, err)
	}

	candidates := append([]models.QualityTier{tier}, tier.Lower()...)
	for _, candidate := range candidates {
		key := models.ProxyKey(jobID, candidate)
		body, info, err := r.objects.Get(ctx, key)
		if errors.Is(err, objectstore.ErrNotFound) {
			continue
		}
		if err != nil {
			return Result{}, fmt.Errorf("fetch %s: %w", key, err)
		}

		result := Result{
			Body:             body,
			Size:             info.Size,
			ContentType:      info.ContentType,
			JobID:            jobID,
			RequestedQuality: tier,
			ActualQuality:    candidate,
		}
		if result.ContentType == "" {
			result.ContentType = defaultContentType
		}
		r.submit(ctx, tasks.KindTouchProxy, tasks.TouchPayload{Key: key, Quality: string(candidate)})
		if result.Fallback() {
			result.UpgradeScheduled = r.submit(ctx, tasks.KindUpgrade, tasks.UpgradePayload{OriginalJobID: jobID, Quality: string(tier)})
			r.metrics.ProxyResolution(string(tier), "fallback")
			r.logger.Info("serving fallback rendition", "file_id", fileID, "job_id", jobID, "requested", tier, "served", candidate, "upgrade_scheduled", result.UpgradeScheduled)
		} else {
			r.metrics.ProxyResolution(string(tier), "exact")
		}
		return result, nil
	}

	r.metrics.ProxyResolution(string(tier), "not_found")
	return Result{}, &NotFoundError{FileID: fileID, Quality: tier, Reason: ReasonNoRenditions}
}

// Touch refreshes an object's access stamp and expiry.
func (r *Resolver) Touch(ctx context.Context, key string, tier models.QualityTier) error {
	info, err := r.objects.Head(ctx, key)
	if err != nil {
		return err
	}
	return r.objects.ReplaceMetadata(ctx, key, AccessMetadata(info.Metadata, tier, r.policy, r.now()))
}

func (r *Resolver) handleTouchTask(ctx context.Context, raw []byte) error {
	var payload tasks.TouchPayload
	if err := tasks.DecodeJSON(raw, &payload); err != nil {
		return err
	}
	tier, err := models.ParseQualityTier(payload.Quality)
	if err != nil {
		return err
	}
	err = r.Touch(ctx, payload.Key, tier)
	if errors.Is(err, objectstore.ErrNotFound) {
		return nil
	}
	return err
}

func (r *Resolver) submit(ctx context.Context, kind string, payload any) bool {
	if r.tasks == nil {
		return false
	}
	if err := tasks.SubmitJSON(context.WithoutCancel(ctx), r.tasks, kind, payload); err != nil {
		r.logger.Warn("background task not queued", "kind", kind, "error", err)
		return false
	}
	return true
}
