package lifecycle

import (
	"context"
	"fmt"
	"strings"

	"proxyforge/internal/events"
	"proxyforge/internal/models"
)

// WebhookPayload is the completion callback sent by an instance.
type WebhookPayload struct {
	JobID     string
	Status    string
	Qualities []string
	Error     string
}

// HandleWebhook applies a completion callback. Callbacks for jobs that are
// already terminal leave the record untouched, so redelivery is harmless.
func (m *Manager) HandleWebhook(ctx context.Context, payload WebhookPayload) (models.Job, error) {
	jobID := strings.TrimSpace(payload.JobID)
	if jobID == "" {
		return models.Job{}, invalid("jobId", "is required")
	}
	status := models.JobStatus(strings.ToLower(strings.TrimSpace(payload.Status)))
	if status != models.JobCompleted && status != models.JobFailed {
		return models.Job{}, invalid("status", fmt.Sprintf("unsupported status %q", payload.Status))
	}
	reported, err := parseQualities(payload.Qualities)
	if err != nil {
		return models.Job{}, err
	}

	var (
		result     models.Job
		instanceID string
		changed    bool
	)
	err = m.withJobLock(ctx, jobID, func() error {
		job, err := m.getJob(ctx, jobID)
		if err != nil {
			return err
		}
		if job.Status.Terminal() {
			if job.Status != status {
				m.logger.Info("ignoring late webhook for terminal job", "job_id", jobID, "status", job.Status, "reported", status)
			}
			result = job
			return nil
		}

		now := m.now().UTC()
		instanceID = job.ComputeInstanceID
		produced := models.IntersectQualities(reported, job.RequestedQualities)
		job.CompletedQualities = produced
		job.ComputeInstanceID = ""
		job.UpdatedAt = now

		missing := missingTiers(job.RequestedQualities, produced)
		switch {
		case status == models.JobCompleted && len(missing) == 0:
			job.Status = models.JobCompleted
			job.CompletedAt = &now
			job.Error = ""
		case status == models.JobCompleted:
			job.Status = models.JobFailed
			job.FailedAt = &now
			job.Error = "incomplete renditions: missing " + joinTiers(missing)
		default:
			job.Status = models.JobFailed
			job.FailedAt = &now
			job.Error = strings.TrimSpace(payload.Error)
			if job.Error == "" {
				job.Error = "transcode failed"
			}
		}

		if job.IsUpgrade && len(produced) > 0 {
			if err := m.mergeIntoOriginal(ctx, job, produced); err != nil {
				return err
			}
		}
		if err := m.store.Put(ctx, job); err != nil {
			return fmt.Errorf("persist webhook outcome: %w", err)
		}
		result = job
		changed = true
		return nil
	})
	if err != nil {
		return models.Job{}, err
	}
	if !changed {
		return result, nil
	}

	m.logger.Info("job finished", "job_id", result.ID, "status", result.Status, "qualities", result.CompletedQualities, "error", result.Error)
	eventType := events.TypeJobCompleted
	if result.Status == models.JobFailed {
		eventType = events.TypeJobFailed
	}
	m.recordTransition(ctx, result, eventType)
	m.releaseUpgrade(ctx, result)
	m.deprovision(ctx, instanceID, string(result.Status))
	m.notify(ctx, result)
	return result, nil
}

// mergeIntoOriginal adds tiers produced by an upgrade job to its original
// job so the resolver finds them under the original identity.
func (m *Manager) mergeIntoOriginal(ctx context.Context, upgrade models.Job, produced []models.QualityTier) error {
	return m.withJobLock(ctx, upgrade.OriginalJobID, func() error {
		original, err := m.getJob(ctx, upgrade.OriginalJobID)
		if err != nil {
			return fmt.Errorf("load original job %s: %w", upgrade.OriginalJobID, err)
		}
		if models.SubsetQualities(produced, original.CompletedQualities) {
			return nil
		}
		original.RequestedQualities = models.UnionQualities(original.RequestedQualities, produced)
		original.CompletedQualities = models.UnionQualities(original.CompletedQualities, produced)
		original.UpdatedAt = m.now().UTC()
		if err := m.store.Put(ctx, original); err != nil {
			return fmt.Errorf("merge upgrade into %s: %w", original.ID, err)
		}
		m.logger.Info("merged upgrade tiers", "job_id", original.ID, "upgrade_job_id", upgrade.ID, "qualities", produced)
		m.recordTransition(ctx, original, events.TypeQualityMerged)
		return nil
	})
}

// FailTimedOut marks a job whose compute never called back as failed. It
// reports whether the job changed. The caller owns deprovisioning.
func (m *Manager) FailTimedOut(ctx context.Context, jobID, reason string) (bool, error) {
	var (
		failed  models.Job
		changed bool
	)
	err := m.withJobLock(ctx, jobID, func() error {
		job, err := m.getJob(ctx, jobID)
		if err != nil {
			return err
		}
		if job.Status.Terminal() {
			return nil
		}
		now := m.now().UTC()
		job.Status = models.JobFailed
		job.Error = reason
		job.FailedAt = &now
		job.UpdatedAt = now
		job.ComputeInstanceID = ""
		if err := m.store.Put(ctx, job); err != nil {
			return fmt.Errorf("persist timeout: %w", err)
		}
		failed = job
		changed = true
		return nil
	})
	if err != nil || !changed {
		return false, err
	}
	m.logger.Warn("job timed out", "job_id", jobID, "reason", reason)
	m.recordTransition(ctx, failed, events.TypeJobFailed)
	m.releaseUpgrade(ctx, failed)
	m.notify(ctx, failed)
	return true, nil
}

func missingTiers(requested, produced []models.QualityTier) []models.QualityTier {
	var missing []models.QualityTier
	for _, tier := range requested {
		if !models.ContainsQuality(produced, tier) {
			missing = append(missing, tier)
		}
	}
	return missing
}

func joinTiers(tiers []models.QualityTier) string {
	names := make([]string, len(tiers))
	for i, tier := range tiers {
		names[i] = string(tier)
	}
	return strings.Join(names, ", ")
}
