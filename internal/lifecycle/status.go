package lifecycle

import (
	"context"
	"errors"
	"time"

	"proxyforge/internal/models"
	"proxyforge/internal/objectstore"
)

// StatusView is a job plus its derived progress.
type StatusView struct {
	Job      models.Job
	Progress int
	// Available lists requested tiers already present in the object store.
	// It is only populated while the job is processing.
	Available []models.QualityTier
}

// GetStatus returns the job and its progress. Processing jobs are reconciled
// against the object store to report partial progress; reconciliation never
// changes the job's state.
func (m *Manager) GetStatus(ctx context.Context, jobID string) (StatusView, error) {
	job, err := m.getJob(ctx, jobID)
	if err != nil {
		return StatusView{}, err
	}
	view := StatusView{Job: job}
	switch job.Status {
	case models.JobCompleted:
		view.Progress = 100
	case models.JobProcessing:
		view.Available = m.availableTiers(ctx, job)
		if requested := len(job.RequestedQualities); requested > 0 {
			view.Progress = len(view.Available) * 100 / requested
		}
		if view.Progress > 99 {
			view.Progress = 99
		}
	}
	return view, nil
}

// StartedAt returns when jobID was created.
func (m *Manager) StartedAt(ctx context.Context, jobID string) (time.Time, error) {
	job, err := m.getJob(ctx, jobID)
	if err != nil {
		return time.Time{}, err
	}
	return job.CreatedAt, nil
}

func (m *Manager) availableTiers(ctx context.Context, job models.Job) []models.QualityTier {
	found := make([]models.QualityTier, 0, len(job.RequestedQualities))
	for _, tier := range job.RequestedQualities {
		key := models.ProxyKey(job.OutputJobID(), tier)
		if _, err := m.objects.Head(ctx, key); err != nil {
			if !errors.Is(err, objectstore.ErrNotFound) {
				m.logger.Debug("progress probe failed", "job_id", job.ID, "key", key, "error", err)
			}
			continue
		}
		found = append(found, tier)
	}
	return found
}
