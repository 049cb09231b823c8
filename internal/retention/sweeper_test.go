package retention

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"proxyforge/internal/cache"
	"proxyforge/internal/compute"
	"proxyforge/internal/jobstore"
	"proxyforge/internal/lifecycle"
	"proxyforge/internal/models"
	"proxyforge/internal/objectstore"
	"proxyforge/internal/observability/metrics"
	"proxyforge/internal/proxy"
)

var sweepNow = time.Date(2026, 6, 1, 0, 0, 0, 0, time.UTC)

type fakeJobs struct {
	mu      sync.Mutex
	failed  map[string]string
	started map[string]time.Time
	unknown map[string]bool
	err     error
}

func newFakeJobs() *fakeJobs {
	return &fakeJobs{failed: make(map[string]string), started: make(map[string]time.Time), unknown: make(map[string]bool)}
}

func (f *fakeJobs) StartedAt(_ context.Context, jobID string) (time.Time, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return time.Time{}, f.err
	}
	if f.unknown[jobID] {
		return time.Time{}, lifecycle.ErrNotFound
	}
	return f.started[jobID], nil
}

func (f *fakeJobs) FailTimedOut(_ context.Context, jobID, reason string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return false, f.err
	}
	if f.unknown[jobID] {
		return false, lifecycle.ErrNotFound
	}
	if _, ok := f.failed[jobID]; ok {
		return false, nil
	}
	f.failed[jobID] = reason
	return true, nil
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type fixture struct {
	objects  *objectstore.MemoryStore
	provider *compute.MemoryProvider
	jobs     *fakeJobs
	recorder *metrics.Recorder
	sweeper  *Sweeper
	clock    time.Time
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		objects:  objectstore.NewMemoryStore("proxies"),
		provider: compute.NewMemoryProvider(),
		jobs:     newFakeJobs(),
		recorder: metrics.New(),
		clock:    sweepNow,
	}
	f.sweeper = f.sweeperOver(t, f.objects)
	return f
}

// sweeperOver builds a sweeper sharing the fixture's provider and jobs but
// reading proxies through objects.
func (f *fixture) sweeperOver(t *testing.T, objects objectstore.Store) *Sweeper {
	t.Helper()
	sweeper, err := New(Config{
		Objects:     objects,
		Provider:    f.provider,
		Jobs:        f.jobs,
		Policy:      models.DefaultRetentionPolicy(),
		Concurrency: 2,
		Metrics:     f.recorder,
		Logger:      quietLogger(),
		Now:         func() time.Time { return f.clock },
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return sweeper
}

func (f *fixture) putProxy(t *testing.T, jobID string, tier models.QualityTier, expiresAt time.Time) string {
	t.Helper()
	extra := map[string]string{}
	if !expiresAt.IsZero() {
		extra[models.MetaExpiresAt] = expiresAt.Format(time.RFC3339)
	}
	return f.putProxyWithMetadata(t, jobID, tier, extra)
}

func (f *fixture) putProxyWithMetadata(t *testing.T, jobID string, tier models.QualityTier, extra map[string]string) string {
	t.Helper()
	key := models.ProxyKey(jobID, tier)
	metadata := map[string]string{models.MetaJobID: jobID, models.MetaQuality: string(tier)}
	for k, v := range extra {
		metadata[k] = v
	}
	body := []byte("data")
	if err := f.objects.Put(context.Background(), key, bytes.NewReader(body), int64(len(body)), objectstore.PutOptions{ContentType: "video/mp4", Metadata: metadata}); err != nil {
		t.Fatalf("put: %v", err)
	}
	return key
}

func (f *fixture) expiry(t *testing.T, key string) time.Time {
	t.Helper()
	info, err := f.objects.Head(context.Background(), key)
	if err != nil {
		t.Fatalf("Head %s: %v", key, err)
	}
	obj, _ := proxy.Describe(info)
	return obj.ExpiresAt
}

func (f *fixture) exists(key string) bool {
	_, err := f.objects.Head(context.Background(), key)
	return err == nil
}

func (f *fixture) setExpiry(t *testing.T, key string, expiresAt time.Time) {
	t.Helper()
	info, err := f.objects.Head(context.Background(), key)
	if err != nil {
		t.Fatalf("Head %s: %v", key, err)
	}
	metadata := make(map[string]string, len(info.Metadata))
	for k, v := range info.Metadata {
		metadata[k] = v
	}
	metadata[models.MetaExpiresAt] = expiresAt.Format(time.RFC3339)
	if err := f.objects.ReplaceMetadata(context.Background(), key, metadata); err != nil {
		t.Fatalf("ReplaceMetadata %s: %v", key, err)
	}
}

// staleListing serves a fixed listing while reads and writes hit the live
// store.
type staleListing struct {
	*objectstore.MemoryStore
	listing []objectstore.ObjectInfo
}

func (s staleListing) List(context.Context, string) ([]objectstore.ObjectInfo, error) {
	return s.listing, nil
}

func TestSweepDeletesExpiredWhenSiblingSurvives(t *testing.T) {
	f := newFixture(t)
	expiredHigh := f.putProxy(t, "job-1", models.QualityHigh, sweepNow.Add(-time.Hour))
	freshLow := f.putProxy(t, "job-1", models.QualityLow, sweepNow.Add(24*time.Hour))

	stats := f.sweeper.Run(context.Background(), TriggerManual)
	if stats.Scanned != 2 || stats.Deleted != 1 || stats.Retained != 1 || stats.Errors != 0 {
		t.Fatalf("unexpected stats %+v", stats)
	}
	if f.exists(expiredHigh) || !f.exists(freshLow) {
		t.Fatal("expected only the expired rendition to be deleted")
	}
}

func TestSweepKeepsHighestTierWhenAllExpired(t *testing.T) {
	f := newFixture(t)
	low := f.putProxy(t, "job-1", models.QualityLow, sweepNow.Add(-time.Hour))
	mid := f.putProxy(t, "job-1", models.QualityMid, sweepNow.Add(-2*time.Hour))
	high := f.putProxy(t, "job-1", models.QualityHigh, sweepNow.Add(-3*time.Hour))

	stats := f.sweeper.Run(context.Background(), TriggerManual)
	if stats.Deleted != 2 || stats.Retained != 1 {
		t.Fatalf("unexpected stats %+v", stats)
	}
	if f.exists(low) || f.exists(mid) || !f.exists(high) {
		t.Fatal("expected the high-tier rendition to be kept")
	}
	if got := f.expiry(t, high); !got.Equal(sweepNow.Add(7 * 24 * time.Hour)) {
		t.Fatalf("expected refreshed expiry, got %s", got)
	}
}

func TestSweepKeepsLoneExpiredRendition(t *testing.T) {
	f := newFixture(t)
	only := f.putProxy(t, "job-1", models.QualityMid, sweepNow.Add(-time.Minute))

	stats := f.sweeper.Run(context.Background(), TriggerManual)
	if stats.Deleted != 0 || !f.exists(only) {
		t.Fatalf("a job must never lose its last rendition: %+v", stats)
	}
}

func TestSweepStampsMissingExpiry(t *testing.T) {
	f := newFixture(t)
	key := f.putProxy(t, "job-1", models.QualityLow, time.Time{})

	stats := f.sweeper.Run(context.Background(), TriggerSchedule)
	if stats.Stamped != 1 || stats.Retained != 1 {
		t.Fatalf("unexpected stats %+v", stats)
	}
	if got := f.expiry(t, key); !got.Equal(sweepNow.Add(30 * 24 * time.Hour)) {
		t.Fatalf("expected low-tier window, got %s", got)
	}
}

func TestSweepStampsFromLastAccess(t *testing.T) {
	f := newFixture(t)
	accessed := map[string]string{models.MetaLastAccessedAt: sweepNow.Add(-20 * 24 * time.Hour).Format(time.RFC3339)}
	low := f.putProxyWithMetadata(t, "job-1", models.QualityLow, accessed)
	mid := f.putProxyWithMetadata(t, "job-1", models.QualityMid, accessed)

	stats := f.sweeper.Run(context.Background(), TriggerSchedule)
	if stats.Stamped != 2 || stats.Deleted != 1 || stats.Retained != 1 {
		t.Fatalf("unexpected stats %+v", stats)
	}
	if got := f.expiry(t, low); !got.Equal(sweepNow.Add(10 * 24 * time.Hour)) {
		t.Fatalf("expected low-tier expiry counted from last access, got %s", got)
	}
	if f.exists(mid) {
		t.Fatal("expected mid tier idle past its window to be deleted")
	}
}

func TestOverlappingSweepsKeepLastRendition(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	low := f.putProxy(t, "job-1", models.QualityLow, sweepNow.Add(-time.Hour))
	mid := f.putProxy(t, "job-1", models.QualityMid, sweepNow.Add(time.Hour))
	listing, err := f.objects.List(ctx, models.ProxyPrefix)
	if err != nil {
		t.Fatalf("List: %v", err)
	}

	// low is played again while mid lapses.
	f.setExpiry(t, low, sweepNow.Add(24*time.Hour))
	f.setExpiry(t, mid, sweepNow.Add(-time.Minute))

	current := f.sweeper.Run(ctx, TriggerSchedule)
	if current.Deleted != 1 || f.exists(mid) {
		t.Fatalf("expected the lapsed mid tier to be deleted, got %+v", current)
	}
	stale := f.sweeperOver(t, staleListing{MemoryStore: f.objects, listing: listing}).Run(ctx, TriggerManual)
	if stale.Deleted != 0 || stale.Retained != 2 {
		t.Fatalf("a sweep on an old listing must not delete, got %+v", stale)
	}
	if !f.exists(low) {
		t.Fatal("job lost its last rendition")
	}
}

func TestSweepRetainsWhenListedSiblingIsGone(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	low := f.putProxy(t, "job-1", models.QualityLow, sweepNow.Add(-time.Hour))
	mid := f.putProxy(t, "job-1", models.QualityMid, sweepNow.Add(time.Hour))
	listing, err := f.objects.List(ctx, models.ProxyPrefix)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if err := f.objects.Delete(ctx, mid); err != nil {
		t.Fatalf("Delete: %v", err)
	}

	stats := f.sweeperOver(t, staleListing{MemoryStore: f.objects, listing: listing}).Run(ctx, TriggerManual)
	if stats.Deleted != 0 || !f.exists(low) {
		t.Fatalf("expected the only remaining rendition to be kept, got %+v", stats)
	}
}

func TestSweepRetainsWhenRecheckFails(t *testing.T) {
	f := newFixture(t)
	high := f.putProxy(t, "job-1", models.QualityHigh, sweepNow.Add(-time.Hour))
	f.putProxy(t, "job-1", models.QualityLow, sweepNow.Add(time.Hour))
	f.objects.FailOperation("head", errors.New("throttled"))

	stats := f.sweeper.Run(context.Background(), TriggerManual)
	f.objects.FailOperation("head", nil)
	if stats.Deleted != 0 || stats.Retained != 2 || !f.exists(high) {
		t.Fatalf("expected nothing deleted when renditions cannot be rechecked, got %+v", stats)
	}
}

func TestSweepRetainsOnListFailure(t *testing.T) {
	f := newFixture(t)
	key := f.putProxy(t, "job-1", models.QualityLow, sweepNow.Add(-time.Hour))
	f.putProxy(t, "job-1", models.QualityMid, sweepNow.Add(time.Hour))
	f.objects.FailOperation("list", errors.New("listing unavailable"))

	stats := f.sweeper.Run(context.Background(), TriggerManual)
	if stats.Errors != 1 || stats.Deleted != 0 || !f.exists(key) {
		t.Fatalf("expected nothing deleted on listing failure, got %+v", stats)
	}
}

func TestSweepCountsDeleteFailures(t *testing.T) {
	f := newFixture(t)
	f.putProxy(t, "job-1", models.QualityHigh, sweepNow.Add(-time.Hour))
	f.putProxy(t, "job-1", models.QualityLow, sweepNow.Add(time.Hour))
	f.objects.FailOperation("delete", errors.New("access denied"))

	stats := f.sweeper.Run(context.Background(), TriggerManual)
	if stats.Errors != 1 || stats.Deleted != 0 || stats.Retained != 2 {
		t.Fatalf("unexpected stats %+v", stats)
	}
}

func TestSweepHandlesManyJobsConcurrently(t *testing.T) {
	f := newFixture(t)
	for i := 0; i < 10; i++ {
		jobID := fmt.Sprintf("job-%d", i)
		f.putProxy(t, jobID, models.QualityLow, sweepNow.Add(-time.Hour))
		f.putProxy(t, jobID, models.QualityMid, sweepNow.Add(-time.Hour))
	}
	stats := f.sweeper.Run(context.Background(), TriggerManual)
	if stats.Scanned != 20 || stats.Deleted != 10 || stats.Retained != 10 {
		t.Fatalf("unexpected stats %+v", stats)
	}
	if got := len(f.objects.Keys()); got != 10 {
		t.Fatalf("expected one rendition left per job, got %d objects", got)
	}
}

func (f *fixture) addInstance(id, jobID string, age time.Duration) {
	instance := models.ComputeInstance{ID: id, Status: "active", CreatedAt: sweepNow.Add(-age)}
	instance.ApplyTags(models.InstanceTags(jobID, "f-"+jobID))
	f.provider.Add(instance)
}

func (f *fixture) addUndatedInstance(id, jobID string) {
	instance := models.ComputeInstance{ID: id, Status: "active"}
	instance.ApplyTags(models.InstanceTags(jobID, "f-"+jobID))
	f.provider.Add(instance)
}

func TestSweepDatesUndatedInstanceFromItsJob(t *testing.T) {
	f := newFixture(t)
	f.addUndatedInstance("undated", "job-undated")
	f.jobs.started["job-undated"] = sweepNow.Add(-3 * time.Hour)

	stats := f.sweeper.Run(context.Background(), TriggerManual)
	if stats.InstancesDeleted != 1 || stats.JobsTimedOut != 1 {
		t.Fatalf("unexpected stats %+v", stats)
	}
	if _, ok := f.jobs.failed["job-undated"]; !ok {
		t.Fatal("expected the undated instance's job to be failed")
	}
}

func TestSweepReclaimsUndatedOrphanAfterSoftBudget(t *testing.T) {
	f := newFixture(t)
	f.addUndatedInstance("orphan", "job-gone")
	f.jobs.unknown["job-gone"] = true

	first := f.sweeper.Run(context.Background(), TriggerSchedule)
	if first.InstancesKept != 1 || first.InstancesDeleted != 0 {
		t.Fatalf("expected first sighting to be kept, got %+v", first)
	}
	f.clock = sweepNow.Add(2*time.Hour + time.Minute)
	second := f.sweeper.Run(context.Background(), TriggerSchedule)
	if second.InstancesDeleted != 1 || f.provider.Count() != 0 {
		t.Fatalf("expected orphan reclaimed once past the soft budget, got %+v", second)
	}
}

func TestSweepReclaimsInstancesPastSoftBudget(t *testing.T) {
	f := newFixture(t)
	f.addInstance("young", "job-young", 30*time.Minute)
	f.addInstance("stalled", "job-stalled", 2*time.Hour+time.Minute)
	f.addInstance("ancient", "job-ancient", 5*time.Hour)
	f.jobs.unknown["job-ancient"] = true

	stats := f.sweeper.Run(context.Background(), TriggerManual)
	if stats.InstancesDeleted != 2 || stats.InstancesKept != 1 || stats.JobsTimedOut != 1 {
		t.Fatalf("unexpected stats %+v", stats)
	}
	if _, ok := f.jobs.failed["job-stalled"]; !ok {
		t.Fatal("expected stalled job to be failed before reclaiming")
	}
	if f.provider.Count() != 1 {
		t.Fatalf("expected only the young instance to remain, got %d", f.provider.Count())
	}
	count, err := testutil.GatherAndCount(f.recorder.Registry(), "proxyforge_compute_deprovision_total")
	if err != nil || count != 1 {
		t.Fatalf("expected one sweeper deprovision series, got %d (%v)", count, err)
	}
}

func TestSweepKeepsUncertainInstanceUntilHardBudget(t *testing.T) {
	f := newFixture(t)
	f.jobs.err = errors.New("cache and durable store unavailable")
	f.addInstance("soft", "job-soft", 3*time.Hour)
	f.addInstance("hard", "job-hard", 4*time.Hour+time.Minute)

	stats := f.sweeper.Run(context.Background(), TriggerManual)
	if stats.InstancesDeleted != 1 || stats.InstancesKept != 1 || stats.Errors != 2 {
		t.Fatalf("unexpected stats %+v", stats)
	}
	if deprovisioned := f.provider.Deprovisioned(); len(deprovisioned) != 1 || deprovisioned[0] != "hard" {
		t.Fatalf("expected only the hard-budget instance reclaimed, got %v", deprovisioned)
	}
}

func TestSweepCountsDeprovisionFailures(t *testing.T) {
	f := newFixture(t)
	f.addInstance("stalled", "job-stalled", 3*time.Hour)
	f.provider.FailDeprovision(errors.New("provider down"))

	stats := f.sweeper.Run(context.Background(), TriggerManual)
	if stats.Errors != 1 || stats.InstancesKept != 1 || stats.InstancesDeleted != 0 {
		t.Fatalf("unexpected stats %+v", stats)
	}
}

func TestNewRejectsInvertedBudgets(t *testing.T) {
	_, err := New(Config{
		Objects:    objectstore.NewMemoryStore("b"),
		Provider:   compute.NewMemoryProvider(),
		Jobs:       newFakeJobs(),
		SoftBudget: 5 * time.Hour,
		HardBudget: time.Hour,
	})
	if err == nil {
		t.Fatal("expected budget validation error")
	}
}

func TestStalledJobIsFailedAndReclaimed(t *testing.T) {
	ctx := context.Background()
	launched := sweepNow.Add(-2*time.Hour - 5*time.Minute)
	objects := objectstore.NewMemoryStore("proxies")
	provider := compute.NewMemoryProvider()
	provider.SetClock(func() time.Time { return launched })
	store := jobstore.New(cache.NewMemoryCache(), jobstore.NewObjectDurable(objectstore.NewMemoryStore("jobs"), 0), jobstore.Options{Logger: quietLogger()})
	builder, err := compute.NewBootstrapBuilder(compute.BootstrapConfig{PublicBaseURL: "https://controller.example.com", CallbackToken: "secret"})
	if err != nil {
		t.Fatalf("NewBootstrapBuilder: %v", err)
	}
	manager, err := lifecycle.New(lifecycle.Config{
		Store:    store,
		Objects:  objects,
		Provider: provider,
		Scripts:  builder,
		Logger:   quietLogger(),
		Now:      func() time.Time { return launched },
	})
	if err != nil {
		t.Fatalf("lifecycle.New: %v", err)
	}
	jobID, err := manager.CreateJob(ctx, lifecycle.CreateJobRequest{FileID: "f1", SourceURL: "https://x/a.mp4", Qualities: []string{"low-tier"}})
	if err != nil {
		t.Fatalf("CreateJob: %v", err)
	}

	sweeper, err := New(Config{
		Objects:  objects,
		Provider: provider,
		Jobs:     manager,
		Logger:   quietLogger(),
		Now:      func() time.Time { return sweepNow },
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	stats := sweeper.Run(ctx, TriggerManual)
	if stats.JobsTimedOut != 1 || stats.InstancesDeleted != 1 {
		t.Fatalf("unexpected stats %+v", stats)
	}
	job, err := store.Get(ctx, jobID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if job.Status != models.JobFailed || job.ComputeInstanceID != "" || job.Error == "" {
		t.Fatalf("expected timed-out failure, got %+v", job)
	}
	if provider.Count() != 0 {
		t.Fatal("expected the stalled instance to be deprovisioned")
	}

	late, err := manager.HandleWebhook(ctx, lifecycle.WebhookPayload{JobID: jobID, Status: "completed", Qualities: []string{"low-tier"}})
	if err != nil || late.Status != models.JobFailed {
		t.Fatalf("late callback must not revive a timed-out job: %+v %v", late, err)
	}
}
