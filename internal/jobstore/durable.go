package jobstore

import (
	"context"
	"errors"

	"proxyforge/internal/models"
)

// ErrNotFound reports that no job record exists.
var ErrNotFound = errors.New("jobstore: job not found")

// Durable is the source-of-truth job persistence layer.
type Durable interface {
	Save(ctx context.Context, job models.Job) error
	Load(ctx context.Context, jobID string) (models.Job, error)
	// LatestForFile returns the most recently created non-upgrade job for
	// fileID, or ErrNotFound.
	LatestForFile(ctx context.Context, fileID string) (models.Job, error)
	Ping(ctx context.Context) error
	Close(ctx context.Context) error
}
