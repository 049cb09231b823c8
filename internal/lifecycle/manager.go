// Package lifecycle owns the transcode job state machine: creating jobs,
// launching their compute, reporting status, and applying completion
// callbacks and timeouts.
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"proxyforge/internal/compute"
	"proxyforge/internal/config"
	"proxyforge/internal/events"
	"proxyforge/internal/jobstore"
	"proxyforge/internal/models"
	"proxyforge/internal/objectstore"
	"proxyforge/internal/observability/logging"
	"proxyforge/internal/observability/metrics"
	"proxyforge/internal/tasks"
)

const (
	jobLockTTL        = 30 * time.Second
	jobLockAttempts   = 20
	jobLockRetry      = 50 * time.Millisecond
	publishTimeout    = 2 * time.Second
	defaultUpgradeTTL = 30 * time.Minute
	proxyContentType  = "video/mp4"
)

// JobStore is the persistence the manager needs.
type JobStore interface {
	Put(ctx context.Context, job models.Job) error
	Get(ctx context.Context, jobID string) (models.Job, error)
	LatestForFile(ctx context.Context, fileID string) (string, error)
	AcquireLock(ctx context.Context, key string, ttl time.Duration) (func(), bool, error)
	ClearLock(ctx context.Context, key string) error
}

// ScriptBuilder renders instance bootstrap payloads.
type ScriptBuilder interface {
	Build(spec compute.BootstrapSpec) ([]byte, error)
}

// Config wires a Manager.
type Config struct {
	Store         JobStore
	Objects       objectstore.Store
	Provider      compute.Provider
	Scripts       ScriptBuilder
	Tasks         tasks.Queue
	Events        events.Publisher
	Metrics       *metrics.Recorder
	Logger        *slog.Logger
	HTTPClient    *http.Client
	LockTTL       time.Duration
	UpgradeTTL    time.Duration
	PresignExpiry time.Duration
	Now           func() time.Time
	NewID         func() string
}

// Manager implements the job lifecycle.
type Manager struct {
	store         JobStore
	objects       objectstore.Store
	provider      compute.Provider
	scripts       ScriptBuilder
	tasks         tasks.Queue
	events        events.Publisher
	metrics       *metrics.Recorder
	logger        *slog.Logger
	httpClient    *http.Client
	lockTTL       time.Duration
	upgradeTTL    time.Duration
	presignExpiry time.Duration
	now           func() time.Time
	newID         func() string
}

// New constructs a Manager and registers its task handlers on cfg.Tasks.
func New(cfg Config) (*Manager, error) {
	if cfg.Store == nil || cfg.Objects == nil || cfg.Provider == nil || cfg.Scripts == nil {
		return nil, errors.New("lifecycle: store, objects, provider and scripts are required")
	}
	m := &Manager{
		store:         cfg.Store,
		objects:       cfg.Objects,
		provider:      cfg.Provider,
		scripts:       cfg.Scripts,
		tasks:         cfg.Tasks,
		events:        cfg.Events,
		metrics:       cfg.Metrics,
		httpClient:    cfg.HTTPClient,
		lockTTL:       cfg.LockTTL,
		upgradeTTL:    cfg.UpgradeTTL,
		presignExpiry: cfg.PresignExpiry,
		now:           cfg.Now,
		newID:         cfg.NewID,
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	m.logger = logging.WithComponent(logger, "lifecycle")
	if m.events == nil {
		m.events = events.Noop{}
	}
	if m.httpClient == nil {
		m.httpClient = &http.Client{Timeout: 10 * time.Second}
	}
	if m.lockTTL <= 0 {
		m.lockTTL = config.DefaultLockTTL
	}
	if m.upgradeTTL <= 0 {
		m.upgradeTTL = defaultUpgradeTTL
	}
	if m.presignExpiry <= 0 {
		m.presignExpiry = config.DefaultPresignExpiry
	}
	if m.now == nil {
		m.now = time.Now
	}
	if m.newID == nil {
		m.newID = uuid.NewString
	}
	if m.tasks != nil {
		m.tasks.Register(tasks.KindNotify, m.handleNotifyTask)
		m.tasks.Register(tasks.KindUpgrade, m.handleUpgradeTask)
	}
	return m, nil
}

// CreateJobRequest is the input to CreateJob.
type CreateJobRequest struct {
	FileID     string
	SourceURL  string
	Qualities  []string
	WebhookURL string
}

// CreateJob validates req, persists a new job, and launches its compute. The
// job id is returned whether or not provisioning succeeded; provisioning
// failures are recorded on the job.
func (m *Manager) CreateJob(ctx context.Context, req CreateJobRequest) (string, error) {
	fileID := strings.TrimSpace(req.FileID)
	if fileID == "" {
		return "", invalid("fileId", "is required")
	}
	if err := validateHTTPURL(req.SourceURL); err != nil {
		return "", invalid("sourceUrl", err.Error())
	}
	qualities, err := parseQualities(req.Qualities)
	if err != nil {
		return "", err
	}
	if len(qualities) == 0 {
		return "", invalid("qualities", "at least one quality tier is required")
	}
	webhookURL := strings.TrimSpace(req.WebhookURL)
	if webhookURL != "" {
		if err := validateHTTPURL(webhookURL); err != nil {
			return "", invalid("webhookUrl", err.Error())
		}
	}

	release, ok, err := m.store.AcquireLock(ctx, "create:"+fileID, m.lockTTL)
	switch {
	case err != nil:
		m.logger.Warn("create lock unavailable, continuing without it", "file_id", fileID, "error", err)
	case !ok:
		return "", ErrJobInProgress
	default:
		defer release()
	}

	now := m.now().UTC()
	job := models.Job{
		ID:                 m.newID(),
		FileID:             fileID,
		SourceURL:          strings.TrimSpace(req.SourceURL),
		RequestedQualities: qualities,
		CompletedQualities: []models.QualityTier{},
		Status:             models.JobInitializing,
		CreatedAt:          now,
		UpdatedAt:          now,
		WebhookURL:         webhookURL,
	}
	if err := m.store.Put(ctx, job); err != nil {
		return "", fmt.Errorf("persist job: %w", err)
	}
	m.recordTransition(ctx, job, events.TypeJobCreated)
	if _, err := m.launch(ctx, job); err != nil {
		return job.ID, err
	}
	return job.ID, nil
}

// CreateUpgradeJob backfills tier for originalJobID. Output lands under the
// original job's key prefix. Concurrent requests for the same file and tier
// are collapsed by a dedupe lock held for the upgrade TTL.
func (m *Manager) CreateUpgradeJob(ctx context.Context, originalJobID string, tier models.QualityTier) (string, error) {
	if !tier.Valid() {
		return "", invalid("quality", fmt.Sprintf("unsupported quality tier %q", tier))
	}
	original, err := m.getJob(ctx, originalJobID)
	if err != nil {
		return "", err
	}
	if original.IsUpgrade {
		return "", invalid("originalJobId", "upgrades must reference an original job")
	}
	if !original.Status.Terminal() && models.ContainsQuality(original.RequestedQualities, tier) {
		return "", ErrUpgradeNotNeeded
	}

	release, ok, err := m.store.AcquireLock(ctx, upgradeLockKey(original.FileID, tier), m.upgradeTTL)
	if err != nil {
		return "", fmt.Errorf("acquire upgrade lock: %w", err)
	}
	if !ok {
		return "", ErrUpgradeNotNeeded
	}

	now := m.now().UTC()
	job := models.Job{
		ID:                 m.newID(),
		FileID:             original.FileID,
		SourceURL:          original.SourceURL,
		RequestedQualities: []models.QualityTier{tier},
		CompletedQualities: []models.QualityTier{},
		Status:             models.JobInitializing,
		CreatedAt:          now,
		UpdatedAt:          now,
		IsUpgrade:          true,
		OriginalJobID:      original.ID,
	}
	if err := m.store.Put(ctx, job); err != nil {
		release()
		return "", fmt.Errorf("persist upgrade job: %w", err)
	}
	m.recordTransition(ctx, job, events.TypeJobCreated)
	launched, err := m.launch(ctx, job)
	if err != nil || launched.Status == models.JobFailed {
		release()
	}
	return job.ID, err
}

func upgradeLockKey(fileID string, tier models.QualityTier) string {
	return "upgrade:" + fileID + ":" + string(tier)
}

// releaseUpgrade lets a failed upgrade's missing tiers be requested again
// before the dedupe TTL runs out.
func (m *Manager) releaseUpgrade(ctx context.Context, job models.Job) {
	if !job.IsUpgrade || job.Status != models.JobFailed {
		return
	}
	for _, tier := range missingTiers(job.RequestedQualities, job.CompletedQualities) {
		if err := m.store.ClearLock(ctx, upgradeLockKey(job.FileID, tier)); err != nil {
			m.logger.Warn("release upgrade lock failed", "job_id", job.ID, "quality", tier, "error", err)
		}
	}
}

// launch provisions compute for an initializing job and records the outcome.
// Provisioning failures are recorded on the returned job, not returned as
// errors.
func (m *Manager) launch(ctx context.Context, job models.Job) (models.Job, error) {
	instance, provisionErr := m.provision(ctx, job)
	m.metrics.ProvisionOutcome(provisionErr == nil)

	var (
		orphan string
		final  models.Job
	)
	err := m.withJobLock(ctx, job.ID, func() error {
		current, err := m.getJob(ctx, job.ID)
		if err != nil {
			return err
		}
		if current.Status.Terminal() {
			orphan = instance.ID
			final = current
			return nil
		}
		now := m.now().UTC()
		current.UpdatedAt = now
		if provisionErr != nil {
			current.Status = models.JobFailed
			current.Error = "provisioning failed: " + provisionErr.Error()
			current.FailedAt = &now
			current.ComputeInstanceID = ""
		} else {
			current.Status = models.JobProcessing
			current.ComputeInstanceID = instance.ID
		}
		if err := m.store.Put(ctx, current); err != nil {
			return fmt.Errorf("persist provisioning outcome: %w", err)
		}
		if provisionErr != nil {
			m.logger.Warn("provisioning failed", "job_id", job.ID, "file_id", job.FileID, "error", provisionErr)
			m.recordTransition(ctx, current, events.TypeJobFailed)
			m.notify(ctx, current)
		} else {
			m.logger.Info("job processing", "job_id", job.ID, "instance_id", instance.ID, "qualities", current.RequestedQualities)
			m.recordTransition(ctx, current, events.TypeJobProcessing)
		}
		final = current
		return nil
	})
	if err != nil && provisionErr == nil {
		orphan = instance.ID
	}
	if orphan != "" {
		m.deprovision(ctx, orphan, "orphaned")
	}
	return final, err
}

func (m *Manager) provision(ctx context.Context, job models.Job) (models.ComputeInstance, error) {
	outputID := job.OutputJobID()
	spec := compute.BootstrapSpec{JobID: job.ID, SourceURL: job.SourceURL}
	for _, tier := range job.RequestedQualities {
		key := models.ProxyKey(outputID, tier)
		metadata := map[string]string{
			models.MetaJobID:     outputID,
			models.MetaFileID:    job.FileID,
			models.MetaQuality:   string(tier),
			models.MetaIsUpgrade: strconv.FormatBool(job.IsUpgrade),
		}
		uploadURL, headers, err := m.objects.PresignPut(ctx, key, m.presignExpiry, metadata)
		if err != nil {
			return models.ComputeInstance{}, fmt.Errorf("presign %s: %w", key, err)
		}
		signed := make(map[string]string, len(headers)+1)
		for name, value := range headers {
			signed[name] = value
		}
		signed["Content-Type"] = proxyContentType
		spec.Outputs = append(spec.Outputs, compute.BootstrapOutput{Quality: tier, UploadURL: uploadURL, Headers: signed})
	}
	script, err := m.scripts.Build(spec)
	if err != nil {
		return models.ComputeInstance{}, err
	}
	return m.provider.Provision(ctx, compute.ProvisionRequest{
		JobID:    job.ID,
		FileID:   job.FileID,
		Label:    "proxyforge-" + job.ID,
		UserData: script,
	})
}

// withJobLock serializes read-modify-write cycles on one job record. A cache
// outage degrades to running fn unlocked.
func (m *Manager) withJobLock(ctx context.Context, jobID string, fn func() error) error {
	for attempt := 1; ; attempt++ {
		release, ok, err := m.store.AcquireLock(ctx, "job:"+jobID, jobLockTTL)
		if err != nil {
			m.logger.Warn("job lock unavailable, continuing without it", "job_id", jobID, "error", err)
			return fn()
		}
		if ok {
			defer release()
			return fn()
		}
		if attempt >= jobLockAttempts {
			return ErrJobBusy
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(jobLockRetry):
		}
	}
}

func (m *Manager) getJob(ctx context.Context, jobID string) (models.Job, error) {
	job, err := m.store.Get(ctx, jobID)
	if errors.Is(err, jobstore.ErrNotFound) {
		return models.Job{}, ErrNotFound
	}
	return job, err
}

// deprovision releases an instance. Failures are logged and swallowed.
func (m *Manager) deprovision(ctx context.Context, instanceID, reason string) {
	if instanceID == "" {
		return
	}
	err := m.provider.Deprovision(context.WithoutCancel(ctx), instanceID)
	m.metrics.DeprovisionOutcome(reason, err == nil)
	if err != nil {
		m.logger.Warn("deprovision failed", "instance_id", instanceID, "reason", reason, "error", err)
	}
}

func (m *Manager) recordTransition(ctx context.Context, job models.Job, eventType string) {
	kind := "original"
	if job.IsUpgrade {
		kind = "upgrade"
	}
	m.metrics.JobTransition(kind, string(job.Status))
	publishCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), publishTimeout)
	defer cancel()
	if err := m.events.Publish(publishCtx, events.JobEvent(eventType, job, m.now())); err != nil {
		m.logger.Warn("publish lifecycle event failed", "job_id", job.ID, "type", eventType, "error", err)
	}
}

func validateHTTPURL(raw string) error {
	parsed, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return fmt.Errorf("must be a valid URL")
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return fmt.Errorf("must use http or https")
	}
	if parsed.Host == "" {
		return fmt.Errorf("must include a host")
	}
	return nil
}

func parseQualities(values []string) ([]models.QualityTier, error) {
	tiers := make([]models.QualityTier, 0, len(values))
	for _, value := range values {
		tier, err := models.ParseQualityTier(value)
		if err != nil {
			return nil, invalid("qualities", err.Error())
		}
		tiers = append(tiers, tier)
	}
	return models.NormalizeQualities(tiers), nil
}
