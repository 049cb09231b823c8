package lifecycle

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"

	"proxyforge/internal/models"
	"proxyforge/internal/tasks"
)

type clientNotification struct {
	JobID              string               `json:"jobId"`
	FileID             string               `json:"fileId"`
	Status             models.JobStatus     `json:"status"`
	CompletedQualities []models.QualityTier `json:"completedQualities"`
	Error              string               `json:"error,omitempty"`
}

// notify queues a best-effort callback to the client's webhook URL.
func (m *Manager) notify(ctx context.Context, job models.Job) {
	if job.WebhookURL == "" || m.tasks == nil {
		return
	}
	body, err := json.Marshal(clientNotification{
		JobID:              job.ID,
		FileID:             job.FileID,
		Status:             job.Status,
		CompletedQualities: job.CompletedQualities,
		Error:              job.Error,
	})
	if err != nil {
		return
	}
	payload := tasks.NotifyPayload{URL: job.WebhookURL, Body: body}
	if err := tasks.SubmitJSON(ctx, m.tasks, tasks.KindNotify, payload); err != nil {
		m.logger.Warn("client notification not queued", "job_id", job.ID, "error", err)
	}
}

func (m *Manager) handleNotifyTask(ctx context.Context, raw []byte) error {
	var payload tasks.NotifyPayload
	if err := tasks.DecodeJSON(raw, &payload); err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, payload.URL, bytes.NewReader(payload.Body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := m.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("client webhook %s: %s", payload.URL, resp.Status)
	}
	return nil
}

func (m *Manager) handleUpgradeTask(ctx context.Context, raw []byte) error {
	var payload tasks.UpgradePayload
	if err := tasks.DecodeJSON(raw, &payload); err != nil {
		return err
	}
	tier, err := models.ParseQualityTier(payload.Quality)
	if err != nil {
		return err
	}
	jobID, err := m.CreateUpgradeJob(ctx, payload.OriginalJobID, tier)
	if errors.Is(err, ErrUpgradeNotNeeded) {
		m.logger.Debug("upgrade skipped", "job_id", payload.OriginalJobID, "quality", tier)
		return nil
	}
	if err != nil {
		return err
	}
	m.logger.Info("upgrade job created", "job_id", jobID, "original_job_id", payload.OriginalJobID, "quality", tier)
	return nil
}
