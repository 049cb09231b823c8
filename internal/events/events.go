// Package events publishes job lifecycle transitions for downstream
// consumers. Publication is best-effort and never blocks a transition.
package events

import (
	"context"
	"time"

	"proxyforge/internal/models"
)

// Event types.
const (
	TypeJobCreated     = "job.created"
	TypeJobProcessing  = "job.processing"
	TypeJobCompleted   = "job.completed"
	TypeJobFailed      = "job.failed"
	TypeQualityMerged  = "job.quality_merged"
	TypeProxyDeleted   = "proxy.deleted"
	TypeInstanceReaped = "instance.reaped"
)

// Event is one lifecycle notification.
type Event struct {
	Type          string               `json:"type"`
	JobID         string               `json:"jobId,omitempty"`
	FileID        string               `json:"fileId,omitempty"`
	Status        models.JobStatus     `json:"status,omitempty"`
	Qualities     []models.QualityTier `json:"qualities,omitempty"`
	IsUpgrade     bool                 `json:"isUpgrade,omitempty"`
	OriginalJobID string               `json:"originalJobId,omitempty"`
	InstanceID    string               `json:"instanceId,omitempty"`
	Error         string               `json:"error,omitempty"`
	OccurredAt    time.Time            `json:"occurredAt"`
}

// JobEvent builds an event describing job.
func JobEvent(eventType string, job models.Job, at time.Time) Event {
	return Event{
		Type:          eventType,
		JobID:         job.ID,
		FileID:        job.FileID,
		Status:        job.Status,
		Qualities:     append([]models.QualityTier(nil), job.CompletedQualities...),
		IsUpgrade:     job.IsUpgrade,
		OriginalJobID: job.OriginalJobID,
		InstanceID:    job.ComputeInstanceID,
		Error:         job.Error,
		OccurredAt:    at.UTC(),
	}
}

// Publisher delivers events.
type Publisher interface {
	Publish(ctx context.Context, event Event) error
	Close() error
}

// Noop discards every event.
type Noop struct{}

func (Noop) Publish(context.Context, Event) error { return nil }

func (Noop) Close() error { return nil }
