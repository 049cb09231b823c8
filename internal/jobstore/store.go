// Package jobstore persists transcode jobs in two tiers: a durable source of
// truth and a TTL cache in front of it. The cache also holds the fileId index
// and the short-lived locks that serialize job creation per file.
package jobstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/singleflight"

	"proxyforge/internal/cache"
	"proxyforge/internal/config"
	"proxyforge/internal/models"
	"proxyforge/internal/observability/logging"
)

const (
	jobCachePrefix  = "job:"
	fileIndexPrefix = "file:"
	lockPrefix      = "lock:"
	releaseTimeout  = 2 * time.Second
)

// Options tunes a Store.
type Options struct {
	JobTTL       time.Duration
	FileIndexTTL time.Duration
	Logger       *slog.Logger
}

// Store is the two-tier job store.
type Store struct {
	cache        cache.Cache
	durable      Durable
	jobTTL       time.Duration
	fileIndexTTL time.Duration
	logger       *slog.Logger
	loads        singleflight.Group
}

type fileIndexEntry struct {
	JobID     string    `json:"jobId"`
	CreatedAt time.Time `json:"createdAt"`
}

// New constructs a Store over c and durable.
func New(c cache.Cache, durable Durable, opts Options) *Store {
	if opts.JobTTL <= 0 {
		opts.JobTTL = config.DefaultJobTTL
	}
	if opts.FileIndexTTL <= 0 {
		opts.FileIndexTTL = config.DefaultFileIndexTTL
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{
		cache:        c,
		durable:      durable,
		jobTTL:       opts.JobTTL,
		fileIndexTTL: opts.FileIndexTTL,
		logger:       logging.WithComponent(logger, "jobstore"),
	}
}

// Put writes job durably and then refreshes the cache. Cache failures are
// logged and do not fail the write.
func (s *Store) Put(ctx context.Context, job models.Job) error {
	if job.ID == "" {
		return fmt.Errorf("job id required")
	}
	if err := s.durable.Save(ctx, job); err != nil {
		return err
	}
	s.cacheJob(ctx, job)
	if !job.IsUpgrade {
		s.indexFile(ctx, job.FileID, job.ID, job.CreatedAt)
	}
	return nil
}

// Get returns the job, consulting the cache before the durable store.
func (s *Store) Get(ctx context.Context, jobID string) (models.Job, error) {
	if jobID == "" {
		return models.Job{}, ErrNotFound
	}
	raw, err := s.cache.Get(ctx, jobCachePrefix+jobID)
	switch {
	case err == nil:
		var job models.Job
		if decodeErr := json.Unmarshal(raw, &job); decodeErr == nil {
			return job, nil
		}
		s.logger.Warn("discarding undecodable cached job", "job_id", jobID)
	case !errors.Is(err, cache.ErrMiss):
		s.logger.Warn("job cache read failed", "job_id", jobID, "error", err)
	}

	value, err, _ := s.loads.Do(jobID, func() (interface{}, error) {
		job, err := s.durable.Load(ctx, jobID)
		if err != nil {
			return models.Job{}, err
		}
		s.cacheJob(ctx, job)
		return job, nil
	})
	if err != nil {
		return models.Job{}, err
	}
	return value.(models.Job).Clone(), nil
}

// LatestForFile returns the id of the most recent non-upgrade job for fileID.
func (s *Store) LatestForFile(ctx context.Context, fileID string) (string, error) {
	if fileID == "" {
		return "", ErrNotFound
	}
	if entry, ok := s.lookupFileIndex(ctx, fileID); ok {
		return entry.JobID, nil
	}
	value, err, _ := s.loads.Do(fileIndexPrefix+fileID, func() (interface{}, error) {
		job, err := s.durable.LatestForFile(ctx, fileID)
		if err != nil {
			return "", err
		}
		s.indexFile(ctx, fileID, job.ID, job.CreatedAt)
		return job.ID, nil
	})
	if err != nil {
		return "", err
	}
	return value.(string), nil
}

// AcquireLock takes a cache lock on key for ttl. When ok is true the caller
// must invoke release; release only removes the lock while this holder still
// owns it.
func (s *Store) AcquireLock(ctx context.Context, key string, ttl time.Duration) (release func(), ok bool, err error) {
	if ttl <= 0 {
		ttl = config.DefaultLockTTL
	}
	token := []byte(uuid.NewString())
	lockKey := lockPrefix + key
	acquired, err := s.cache.SetNX(ctx, lockKey, token, ttl)
	if err != nil {
		return nil, false, fmt.Errorf("acquire lock %s: %w", key, err)
	}
	if !acquired {
		return nil, false, nil
	}
	release = func() {
		releaseCtx, cancel := context.WithTimeout(context.Background(), releaseTimeout)
		defer cancel()
		if _, err := s.cache.CompareAndDelete(releaseCtx, lockKey, token); err != nil {
			s.logger.Warn("release lock failed", "lock", key, "error", err)
		}
	}
	return release, true, nil
}

// ClearLock drops key regardless of holder.
func (s *Store) ClearLock(ctx context.Context, key string) error {
	if err := s.cache.Delete(ctx, lockPrefix+key); err != nil {
		return fmt.Errorf("clear lock %s: %w", key, err)
	}
	return nil
}

// PingCache checks the cache tier.
func (s *Store) PingCache(ctx context.Context) error {
	return s.cache.Ping(ctx)
}

// PingDurable checks the durable tier.
func (s *Store) PingDurable(ctx context.Context) error {
	return s.durable.Ping(ctx)
}

func (s *Store) cacheJob(ctx context.Context, job models.Job) {
	payload, err := json.Marshal(job)
	if err != nil {
		s.logger.Warn("encode job for cache failed", "job_id", job.ID, "error", err)
		return
	}
	if err := s.cache.Set(ctx, jobCachePrefix+job.ID, payload, s.jobTTL); err != nil {
		s.logger.Warn("job cache write failed", "job_id", job.ID, "error", err)
	}
}

func (s *Store) lookupFileIndex(ctx context.Context, fileID string) (fileIndexEntry, bool) {
	raw, err := s.cache.Get(ctx, fileIndexPrefix+fileID)
	if err != nil {
		if !errors.Is(err, cache.ErrMiss) {
			s.logger.Warn("file index read failed", "file_id", fileID, "error", err)
		}
		return fileIndexEntry{}, false
	}
	var entry fileIndexEntry
	if err := json.Unmarshal(raw, &entry); err != nil || entry.JobID == "" {
		return fileIndexEntry{}, false
	}
	return entry, true
}

// indexFile points fileID at jobID unless the index already references a
// newer job.
func (s *Store) indexFile(ctx context.Context, fileID, jobID string, createdAt time.Time) {
	if fileID == "" {
		return
	}
	if current, ok := s.lookupFileIndex(ctx, fileID); ok && current.JobID != jobID && current.CreatedAt.After(createdAt) {
		return
	}
	payload, err := json.Marshal(fileIndexEntry{JobID: jobID, CreatedAt: createdAt.UTC()})
	if err != nil {
		return
	}
	if err := s.cache.Set(ctx, fileIndexPrefix+fileID, payload, s.fileIndexTTL); err != nil {
		s.logger.Warn("file index write failed", "file_id", fileID, "error", err)
	}
}
