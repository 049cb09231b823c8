package jobstore

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/url"
	"strconv"
	"strings"
	"time"

	"proxyforge/internal/models"
	"proxyforge/internal/objectstore"
)

const (
	jobPrefix      = "jobs/"
	filePrefix     = "jobs-by-file/"
	jobExtension   = ".json"
	metaCreatedAt  = "created-at"
	jobContentType = "application/json"
)

// ObjectDurable stores each job as a JSON document in the object store. Every
// non-upgrade job also gets an empty marker under jobs-by-file/{fileId}/ so a
// fileId lookup lists only that file's jobs.
type ObjectDurable struct {
	store     objectstore.Store
	scanLimit int
}

// NewObjectDurable wraps store. scanLimit bounds how many candidate records
// of one file a lookup examines; zero or less means unbounded.
func NewObjectDurable(store objectstore.Store, scanLimit int) *ObjectDurable {
	return &ObjectDurable{store: store, scanLimit: scanLimit}
}

func jobKey(jobID string) string {
	return jobPrefix + jobID + jobExtension
}

func fileMarkerPrefix(fileID string) string {
	return filePrefix + url.PathEscape(fileID) + "/"
}

func fileIndexKey(fileID, jobID string) string {
	return fileMarkerPrefix(fileID) + jobID
}

// Save writes the job document and its side metadata.
func (d *ObjectDurable) Save(ctx context.Context, job models.Job) error {
	payload, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("encode job %s: %w", job.ID, err)
	}
	metadata := map[string]string{
		models.MetaJobID:     job.ID,
		models.MetaFileID:    job.FileID,
		models.MetaStatus:    string(job.Status),
		models.MetaIsUpgrade: strconv.FormatBool(job.IsUpgrade),
		metaCreatedAt:        job.CreatedAt.UTC().Format(time.RFC3339Nano),
	}
	opts := objectstore.PutOptions{ContentType: jobContentType, Metadata: metadata}
	if err := d.store.Put(ctx, jobKey(job.ID), bytes.NewReader(payload), int64(len(payload)), opts); err != nil {
		return fmt.Errorf("put job %s: %w", job.ID, err)
	}
	if job.IsUpgrade {
		return nil
	}
	marker := objectstore.PutOptions{ContentType: jobContentType, Metadata: metadata}
	if err := d.store.Put(ctx, fileIndexKey(job.FileID, job.ID), bytes.NewReader(nil), 0, marker); err != nil {
		return fmt.Errorf("index job %s under file %s: %w", job.ID, job.FileID, err)
	}
	return nil
}

// Load reads a job document.
func (d *ObjectDurable) Load(ctx context.Context, jobID string) (models.Job, error) {
	body, _, err := d.store.Get(ctx, jobKey(jobID))
	if err != nil {
		if errors.Is(err, objectstore.ErrNotFound) {
			return models.Job{}, ErrNotFound
		}
		return models.Job{}, fmt.Errorf("get job %s: %w", jobID, err)
	}
	defer body.Close()
	payload, err := io.ReadAll(body)
	if err != nil {
		return models.Job{}, fmt.Errorf("read job %s: %w", jobID, err)
	}
	var job models.Job
	if err := json.Unmarshal(payload, &job); err != nil {
		return models.Job{}, fmt.Errorf("decode job %s: %w", jobID, err)
	}
	return job, nil
}

// LatestForFile returns the newest non-upgrade job of fileID from its marker
// index. Records written without markers are found by scanning every job
// document.
func (d *ObjectDurable) LatestForFile(ctx context.Context, fileID string) (models.Job, error) {
	markers, err := d.store.List(ctx, fileMarkerPrefix(fileID))
	if err != nil {
		return models.Job{}, fmt.Errorf("list jobs of file %s: %w", fileID, err)
	}
	jobID := d.newest(markers, fileID, func(obj objectstore.ObjectInfo) string {
		return strings.TrimPrefix(obj.Key, fileMarkerPrefix(fileID))
	})
	if jobID == "" {
		objects, err := d.store.List(ctx, jobPrefix)
		if err != nil {
			return models.Job{}, fmt.Errorf("list jobs: %w", err)
		}
		jobID = d.newest(objects, fileID, func(obj objectstore.ObjectInfo) string {
			return strings.TrimSuffix(strings.TrimPrefix(obj.Key, jobPrefix), jobExtension)
		})
	}
	if jobID == "" {
		return models.Job{}, ErrNotFound
	}
	return d.Load(ctx, jobID)
}

// newest picks the latest non-upgrade record of fileID among objects. The
// scan limit counts matching records only.
func (d *ObjectDurable) newest(objects []objectstore.ObjectInfo, fileID string, idFromKey func(objectstore.ObjectInfo) string) string {
	var (
		bestID      string
		bestCreated time.Time
		matched     int
	)
	for _, obj := range objects {
		if obj.Metadata[models.MetaFileID] != fileID {
			continue
		}
		if upgrade, _ := strconv.ParseBool(obj.Metadata[models.MetaIsUpgrade]); upgrade {
			continue
		}
		if d.scanLimit > 0 && matched >= d.scanLimit {
			break
		}
		matched++
		jobID := obj.Metadata[models.MetaJobID]
		if jobID == "" {
			jobID = idFromKey(obj)
		}
		created, err := time.Parse(time.RFC3339Nano, obj.Metadata[metaCreatedAt])
		if err != nil {
			created = obj.LastModified
		}
		if bestID == "" || created.After(bestCreated) {
			bestID, bestCreated = jobID, created
		}
	}
	return bestID
}

// Ping checks the underlying bucket.
func (d *ObjectDurable) Ping(ctx context.Context) error {
	return d.store.Ping(ctx)
}

// Close is a no-op; the object store client is owned by the caller.
func (d *ObjectDurable) Close(context.Context) error {
	return nil
}
