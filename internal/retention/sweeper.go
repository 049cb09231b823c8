// Package retention enforces proxy expiry and reclaims compute instances
// whose jobs never reported back.
package retention

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"proxyforge/internal/compute"
	"proxyforge/internal/config"
	"proxyforge/internal/events"
	"proxyforge/internal/lifecycle"
	"proxyforge/internal/models"
	"proxyforge/internal/objectstore"
	"proxyforge/internal/observability/logging"
	"proxyforge/internal/observability/metrics"
	"proxyforge/internal/proxy"
)

// Sweep triggers.
const (
	TriggerSchedule = "schedule"
	TriggerManual   = "manual"
	TriggerCLI      = "cli"
)

const publishTimeout = 2 * time.Second

// JobTimer fails jobs whose compute exceeded its budget.
type JobTimer interface {
	FailTimedOut(ctx context.Context, jobID, reason string) (bool, error)
	StartedAt(ctx context.Context, jobID string) (time.Time, error)
}

// Stats summarizes one sweep.
type Stats struct {
	Scanned          int `json:"scanned"`
	Deleted          int `json:"deleted"`
	Retained         int `json:"retained"`
	Stamped          int `json:"stamped"`
	Errors           int `json:"errors"`
	InstancesDeleted int `json:"instancesDeleted"`
	InstancesKept    int `json:"instancesKept"`
	JobsTimedOut     int `json:"jobsTimedOut"`
}

// Config wires a Sweeper.
type Config struct {
	Objects     objectstore.Store
	Provider    compute.Provider
	Jobs        JobTimer
	Events      events.Publisher
	Policy      models.RetentionPolicy
	SoftBudget  time.Duration
	HardBudget  time.Duration
	Concurrency int
	Metrics     *metrics.Recorder
	Logger      *slog.Logger
	Now         func() time.Time
}

// Sweeper runs retention passes. Overlapping runs are safe; the only state
// shared between runs is when undated instances were first listed.
type Sweeper struct {
	objects     objectstore.Store
	provider    compute.Provider
	jobs        JobTimer
	events      events.Publisher
	policy      models.RetentionPolicy
	softBudget  time.Duration
	hardBudget  time.Duration
	concurrency int64
	metrics     *metrics.Recorder
	logger      *slog.Logger
	now         func() time.Time

	seenMu    sync.Mutex
	firstSeen map[string]time.Time
}

// New constructs a Sweeper.
func New(cfg Config) (*Sweeper, error) {
	if cfg.Objects == nil || cfg.Provider == nil || cfg.Jobs == nil {
		return nil, errors.New("retention: objects, provider and jobs are required")
	}
	s := &Sweeper{
		objects:     cfg.Objects,
		provider:    cfg.Provider,
		jobs:        cfg.Jobs,
		events:      cfg.Events,
		policy:      cfg.Policy,
		softBudget:  cfg.SoftBudget,
		hardBudget:  cfg.HardBudget,
		concurrency: int64(cfg.Concurrency),
		metrics:     cfg.Metrics,
		now:         cfg.Now,
		firstSeen:   make(map[string]time.Time),
	}
	if s.events == nil {
		s.events = events.Noop{}
	}
	if s.softBudget <= 0 {
		s.softBudget = config.DefaultSoftBudget
	}
	if s.hardBudget <= 0 {
		s.hardBudget = config.DefaultHardBudget
	}
	if s.hardBudget < s.softBudget {
		return nil, fmt.Errorf("retention: soft budget %s exceeds hard budget %s", s.softBudget, s.hardBudget)
	}
	if s.concurrency <= 0 {
		s.concurrency = config.DefaultSweepConcurrency
	}
	if s.now == nil {
		s.now = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	s.logger = logging.WithComponent(logger, "retention")
	return s, nil
}

type tally struct {
	mu    sync.Mutex
	stats Stats
}

func (t *tally) add(fn func(*Stats)) {
	t.mu.Lock()
	fn(&t.stats)
	t.mu.Unlock()
}

// Run performs the proxy expiry and compute reclamation passes concurrently.
// Individual failures are counted in Errors and never abort the run.
func (s *Sweeper) Run(ctx context.Context, trigger string) Stats {
	started := s.now()
	var t tally

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return s.sweepProxies(gctx, started, &t) })
	g.Go(func() error { return s.sweepInstances(gctx, started, &t) })
	if err := g.Wait(); err != nil {
		s.logger.Warn("sweep interrupted", "trigger", trigger, "error", err)
		t.add(func(st *Stats) { st.Errors++ })
	}

	stats := t.stats
	duration := s.now().Sub(started)
	s.metrics.ObserveSweep(metrics.SweepSummary{
		Trigger:          trigger,
		Deleted:          stats.Deleted,
		Retained:         stats.Retained,
		Stamped:          stats.Stamped,
		Errors:           stats.Errors,
		InstancesDeleted: stats.InstancesDeleted,
		InstancesKept:    stats.InstancesKept,
		Duration:         duration,
		FinishedAt:       s.now(),
	})
	s.logger.Info("sweep finished",
		"trigger", trigger,
		"scanned", stats.Scanned,
		"deleted", stats.Deleted,
		"retained", stats.Retained,
		"stamped", stats.Stamped,
		"errors", stats.Errors,
		"instances_deleted", stats.InstancesDeleted,
		"instances_kept", stats.InstancesKept,
		"jobs_timed_out", stats.JobsTimedOut,
		"duration", duration,
	)
	return stats
}

type candidate struct {
	info objectstore.ObjectInfo
	obj  models.ProxyObject
}

func (s *Sweeper) sweepProxies(ctx context.Context, now time.Time, t *tally) error {
	listed, err := s.objects.List(ctx, models.ProxyPrefix)
	if err != nil {
		s.logger.Warn("list proxies failed, retaining everything", "error", err)
		t.add(func(st *Stats) { st.Errors++ })
		return nil
	}

	groups := make(map[string][]candidate)
	for _, info := range listed {
		obj, ok := proxy.Describe(info)
		if !ok {
			continue
		}
		groups[obj.JobID] = append(groups[obj.JobID], candidate{info: info, obj: obj})
	}
	t.add(func(st *Stats) {
		for _, group := range groups {
			st.Scanned += len(group)
		}
	})

	sem := semaphore.NewWeighted(s.concurrency)
	var wg sync.WaitGroup
	for _, group := range groups {
		if err := sem.Acquire(ctx, 1); err != nil {
			wg.Wait()
			return err
		}
		wg.Add(1)
		go func(group []candidate) {
			defer wg.Done()
			defer sem.Release(1)
			s.sweepJob(ctx, now, group, t)
		}(group)
	}
	wg.Wait()
	return ctx.Err()
}

// sweepJob applies expiry to one job's renditions. Expired renditions are
// deleted only while an unexpired sibling remains; when none does, the
// highest tier is kept and its expiry refreshed. The listing may be stale, so
// each delete first re-reads the candidate and a surviving sibling.
func (s *Sweeper) sweepJob(ctx context.Context, now time.Time, group []candidate, t *tally) {
	sort.Slice(group, func(i, j int) bool { return group[i].obj.Quality.Rank() > group[j].obj.Quality.Rank() })

	var survivors, expired []candidate
	for _, c := range group {
		if !c.obj.HasExpiry() {
			stamped, err := s.stamp(ctx, c, now)
			if err != nil {
				s.logger.Warn("stamp expiry failed", "key", c.obj.Key, "error", err)
				t.add(func(st *Stats) { st.Errors++; st.Retained++ })
				survivors = append(survivors, c)
				continue
			}
			t.add(func(st *Stats) { st.Stamped++ })
			c = stamped
		}
		if c.obj.Expired(now) {
			expired = append(expired, c)
			continue
		}
		t.add(func(st *Stats) { st.Retained++ })
		survivors = append(survivors, c)
	}
	if len(expired) == 0 {
		return
	}

	if len(survivors) == 0 {
		keep := expired[0]
		expired = expired[1:]
		refreshed, err := s.writeExpiry(ctx, keep, now.Add(s.policy.Window(keep.obj.Quality)))
		if err != nil {
			s.logger.Warn("refresh last rendition failed", "key", keep.obj.Key, "error", err)
			t.add(func(st *Stats) { st.Errors++ })
		} else {
			keep = refreshed
		}
		t.add(func(st *Stats) { st.Retained++ })
		survivors = append(survivors, keep)
		s.logger.Debug("keeping last rendition", "key", keep.obj.Key, "job_id", keep.obj.JobID)
	}

	for _, c := range expired {
		if !s.stillExpired(ctx, c, now) || !s.anySurvivor(ctx, survivors, now) {
			s.logger.Debug("rendition changed since listing, retaining", "key", c.obj.Key, "job_id", c.obj.JobID)
			t.add(func(st *Stats) { st.Retained++ })
			continue
		}
		if err := s.objects.Delete(ctx, c.obj.Key); err != nil {
			s.logger.Warn("delete expired proxy failed", "key", c.obj.Key, "error", err)
			t.add(func(st *Stats) { st.Errors++; st.Retained++ })
			continue
		}
		t.add(func(st *Stats) { st.Deleted++ })
		s.publish(ctx, events.Event{
			Type:       events.TypeProxyDeleted,
			JobID:      c.obj.JobID,
			FileID:     c.obj.FileID,
			Qualities:  []models.QualityTier{c.obj.Quality},
			OccurredAt: now,
		})
	}
}

// current re-reads a listed rendition.
func (s *Sweeper) current(ctx context.Context, c candidate) (models.ProxyObject, bool) {
	info, err := s.objects.Head(ctx, c.obj.Key)
	if err != nil {
		if !errors.Is(err, objectstore.ErrNotFound) {
			s.logger.Warn("recheck proxy failed", "key", c.obj.Key, "error", err)
		}
		return models.ProxyObject{}, false
	}
	return proxy.Describe(info)
}

func (s *Sweeper) stillExpired(ctx context.Context, c candidate, now time.Time) bool {
	obj, ok := s.current(ctx, c)
	return ok && obj.Expired(now)
}

func (s *Sweeper) anySurvivor(ctx context.Context, survivors []candidate, now time.Time) bool {
	for _, c := range survivors {
		if obj, ok := s.current(ctx, c); ok && !obj.Expired(now) {
			return true
		}
	}
	return false
}

// stamp gives an undated rendition an expiry counted from its last access,
// or from now when it was never accessed.
func (s *Sweeper) stamp(ctx context.Context, c candidate, now time.Time) (candidate, error) {
	base := c.obj.LastAccessedAt
	if base.IsZero() {
		base = now
	}
	return s.writeExpiry(ctx, c, base.Add(s.policy.Window(c.obj.Quality)))
}

func (s *Sweeper) writeExpiry(ctx context.Context, c candidate, expiresAt time.Time) (candidate, error) {
	expiresAt = expiresAt.UTC().Truncate(time.Second)
	metadata := make(map[string]string, len(c.info.Metadata)+1)
	for key, value := range c.info.Metadata {
		metadata[key] = value
	}
	metadata[models.MetaExpiresAt] = expiresAt.Format(time.RFC3339)
	if err := s.objects.ReplaceMetadata(ctx, c.obj.Key, metadata); err != nil {
		return c, err
	}
	c.info.Metadata = metadata
	c.obj.ExpiresAt = expiresAt
	return c, nil
}

// sweepInstances reclaims tagged instances past the soft budget. Between the
// soft and hard budgets an instance whose job cannot be checked is kept; past
// the hard budget it is reclaimed regardless.
func (s *Sweeper) sweepInstances(ctx context.Context, now time.Time, t *tally) error {
	instances, err := s.provider.ListInstances(ctx, models.InstanceTag)
	if err != nil {
		s.logger.Warn("list instances failed", "error", err)
		t.add(func(st *Stats) { st.Errors++ })
		return nil
	}

	listed := make(map[string]struct{}, len(instances))
	for _, instance := range instances {
		if err := ctx.Err(); err != nil {
			return err
		}
		listed[instance.ID] = struct{}{}
		instance.CreatedAt = s.createdAt(ctx, instance, now, t)
		age := instance.Age(now)
		if age < s.softBudget {
			t.add(func(st *Stats) { st.InstancesKept++ })
			continue
		}
		hard := age >= s.hardBudget

		if instance.JobID != "" {
			reason := fmt.Sprintf("compute timed out after %s without reporting", age.Truncate(time.Minute))
			changed, err := s.jobs.FailTimedOut(ctx, instance.JobID, reason)
			switch {
			case err == nil:
				if changed {
					t.add(func(st *Stats) { st.JobsTimedOut++ })
				}
			case errors.Is(err, lifecycle.ErrNotFound):
				// no job record; the instance is an orphan
			default:
				s.logger.Warn("fail timed-out job failed", "job_id", instance.JobID, "instance_id", instance.ID, "error", err)
				t.add(func(st *Stats) { st.Errors++ })
				if !hard {
					t.add(func(st *Stats) { st.InstancesKept++ })
					continue
				}
			}
		}

		err := s.provider.Deprovision(ctx, instance.ID)
		s.metrics.DeprovisionOutcome("sweeper", err == nil)
		if err != nil {
			s.logger.Warn("reclaim instance failed", "instance_id", instance.ID, "error", err)
			t.add(func(st *Stats) { st.Errors++; st.InstancesKept++ })
			continue
		}
		s.logger.Info("reclaimed instance", "instance_id", instance.ID, "job_id", instance.JobID, "age", age, "hard_budget", hard)
		t.add(func(st *Stats) { st.InstancesDeleted++ })
		s.forget(instance.ID)
		s.publish(ctx, events.Event{
			Type:       events.TypeInstanceReaped,
			JobID:      instance.JobID,
			FileID:     instance.FileID,
			InstanceID: instance.ID,
			OccurredAt: now,
		})
	}
	s.pruneSeen(listed)
	return nil
}

// createdAt dates an instance. Providers that omit the creation time fall
// back to the tagged job's creation, then to the first sweep that listed the
// instance.
func (s *Sweeper) createdAt(ctx context.Context, instance models.ComputeInstance, now time.Time, t *tally) time.Time {
	if !instance.CreatedAt.IsZero() {
		return instance.CreatedAt
	}
	if instance.JobID != "" {
		started, err := s.jobs.StartedAt(ctx, instance.JobID)
		switch {
		case err == nil && !started.IsZero():
			return started
		case err != nil && !errors.Is(err, lifecycle.ErrNotFound):
			s.logger.Warn("look up job of undated instance failed", "job_id", instance.JobID, "instance_id", instance.ID, "error", err)
			t.add(func(st *Stats) { st.Errors++ })
		}
	}
	s.seenMu.Lock()
	defer s.seenMu.Unlock()
	seen, ok := s.firstSeen[instance.ID]
	if !ok {
		seen = now
		s.firstSeen[instance.ID] = seen
	}
	return seen
}

func (s *Sweeper) forget(instanceID string) {
	s.seenMu.Lock()
	delete(s.firstSeen, instanceID)
	s.seenMu.Unlock()
}

func (s *Sweeper) pruneSeen(listed map[string]struct{}) {
	s.seenMu.Lock()
	defer s.seenMu.Unlock()
	for id := range s.firstSeen {
		if _, ok := listed[id]; !ok {
			delete(s.firstSeen, id)
		}
	}
}

func (s *Sweeper) publish(ctx context.Context, event events.Event) {
	publishCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), publishTimeout)
	defer cancel()
	if err := s.events.Publish(publishCtx, event); err != nil {
		s.logger.Warn("publish sweep event failed", "type", event.Type, "error", err)
	}
}
