package models

import (
	"fmt"
	"sort"
	"strings"
	"time"
)

// QualityTier names an encoding profile class. Tiers are ordered
// low < mid < high and drive both encoding parameters and retention.
type QualityTier string

const (
	QualityLow  QualityTier = "low-tier"
	QualityMid  QualityTier = "mid-tier"
	QualityHigh QualityTier = "high-tier"
)

var qualityOrder = []QualityTier{QualityLow, QualityMid, QualityHigh}

// AllQualityTiers returns every known tier from lowest to highest.
func AllQualityTiers() []QualityTier {
	out := make([]QualityTier, len(qualityOrder))
	copy(out, qualityOrder)
	return out
}

// ParseQualityTier validates a tier name.
func ParseQualityTier(value string) (QualityTier, error) {
	tier := QualityTier(strings.ToLower(strings.TrimSpace(value)))
	if !tier.Valid() {
		return "", fmt.Errorf("unsupported quality tier %q", value)
	}
	return tier, nil
}

// Valid reports whether the tier is one of the known tiers.
func (q QualityTier) Valid() bool {
	return q.Rank() >= 0
}

// Rank returns the tier position from lowest (0) to highest, or -1 when unknown.
func (q QualityTier) Rank() int {
	for i, tier := range qualityOrder {
		if tier == q {
			return i
		}
	}
	return -1
}

// Lower lists the tiers strictly below q, nearest first.
func (q QualityTier) Lower() []QualityTier {
	rank := q.Rank()
	if rank <= 0 {
		return nil
	}
	out := make([]QualityTier, 0, rank)
	for i := rank - 1; i >= 0; i-- {
		out = append(out, qualityOrder[i])
	}
	return out
}

// NormalizeQualities deduplicates and sorts tiers from lowest to highest.
// Unknown tiers are dropped.
func NormalizeQualities(tiers []QualityTier) []QualityTier {
	seen := make(map[QualityTier]struct{}, len(tiers))
	out := make([]QualityTier, 0, len(tiers))
	for _, tier := range tiers {
		if !tier.Valid() {
			continue
		}
		if _, ok := seen[tier]; ok {
			continue
		}
		seen[tier] = struct{}{}
		out = append(out, tier)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Rank() < out[j].Rank() })
	return out
}

// UnionQualities returns the normalized set union of a and b.
func UnionQualities(a, b []QualityTier) []QualityTier {
	merged := make([]QualityTier, 0, len(a)+len(b))
	merged = append(merged, a...)
	merged = append(merged, b...)
	return NormalizeQualities(merged)
}

// IntersectQualities returns the normalized tiers present in both a and b.
func IntersectQualities(a, b []QualityTier) []QualityTier {
	out := make([]QualityTier, 0, len(a))
	for _, tier := range a {
		if ContainsQuality(b, tier) {
			out = append(out, tier)
		}
	}
	return NormalizeQualities(out)
}

// ContainsQuality reports whether tier is present in tiers.
func ContainsQuality(tiers []QualityTier, tier QualityTier) bool {
	for _, candidate := range tiers {
		if candidate == tier {
			return true
		}
	}
	return false
}

// SubsetQualities reports whether every tier in sub also appears in set.
func SubsetQualities(sub, set []QualityTier) bool {
	for _, tier := range sub {
		if !ContainsQuality(set, tier) {
			return false
		}
	}
	return true
}

// EqualQualities compares two tier sets ignoring order and duplicates.
func EqualQualities(a, b []QualityTier) bool {
	na, nb := NormalizeQualities(a), NormalizeQualities(b)
	if len(na) != len(nb) {
		return false
	}
	for i := range na {
		if na[i] != nb[i] {
			return false
		}
	}
	return true
}

// JobStatus is the lifecycle state of a transcode job.
type JobStatus string

const (
	JobInitializing JobStatus = "initializing"
	JobProcessing   JobStatus = "processing"
	JobCompleted    JobStatus = "completed"
	JobFailed       JobStatus = "failed"
)

// Terminal reports whether the status is absorbing.
func (s JobStatus) Terminal() bool {
	return s == JobCompleted || s == JobFailed
}

// Job is one transcode request and its tracked lifecycle.
type Job struct {
	ID                 string        `json:"jobId"`
	FileID             string        `json:"fileId"`
	SourceURL          string        `json:"sourceUrl"`
	RequestedQualities []QualityTier `json:"requestedQualities"`
	CompletedQualities []QualityTier `json:"completedQualities"`
	Status             JobStatus     `json:"status"`
	ComputeInstanceID  string        `json:"computeInstanceId,omitempty"`
	CreatedAt          time.Time     `json:"createdAt"`
	UpdatedAt          time.Time     `json:"updatedAt"`
	CompletedAt        *time.Time    `json:"completedAt,omitempty"`
	FailedAt           *time.Time    `json:"failedAt,omitempty"`
	Error              string        `json:"error,omitempty"`
	IsUpgrade          bool          `json:"isUpgrade"`
	OriginalJobID      string        `json:"originalJobId,omitempty"`
	WebhookURL         string        `json:"webhookUrl,omitempty"`
}

// OutputJobID is the job identity under which proxy objects are stored.
// Upgrade jobs write into their original job's key space so the resolver
// finds new tiers without consulting the upgrade record.
func (j Job) OutputJobID() string {
	if j.IsUpgrade && j.OriginalJobID != "" {
		return j.OriginalJobID
	}
	return j.ID
}

// Clone returns a deep copy safe to mutate independently.
func (j Job) Clone() Job {
	out := j
	out.RequestedQualities = append([]QualityTier(nil), j.RequestedQualities...)
	out.CompletedQualities = append([]QualityTier(nil), j.CompletedQualities...)
	if j.CompletedAt != nil {
		t := *j.CompletedAt
		out.CompletedAt = &t
	}
	if j.FailedAt != nil {
		t := *j.FailedAt
		out.FailedAt = &t
	}
	return out
}

// Object metadata keys carried by proxy objects and durable job records.
const (
	MetaJobID          = "job-id"
	MetaFileID         = "file-id"
	MetaQuality        = "quality"
	MetaLastAccessedAt = "last-accessed-at"
	MetaExpiresAt      = "expires-at"
	MetaStatus         = "status"
	MetaIsUpgrade      = "is-upgrade"
)

// ProxyPrefix is the object-store prefix under which all proxies live.
const ProxyPrefix = "proxies/"

const proxyExtension = ".mp4"

// ProxyKey builds the object key for a rendition.
func ProxyKey(jobID string, tier QualityTier) string {
	return ProxyPrefix + jobID + "/" + string(tier) + proxyExtension
}

// ParseProxyKey extracts the job id and tier from a proxy object key.
func ParseProxyKey(key string) (string, QualityTier, bool) {
	rest, ok := strings.CutPrefix(key, ProxyPrefix)
	if !ok {
		return "", "", false
	}
	jobID, name, ok := strings.Cut(rest, "/")
	if !ok || jobID == "" || strings.Contains(name, "/") {
		return "", "", false
	}
	tier := QualityTier(strings.TrimSuffix(name, proxyExtension))
	if !tier.Valid() {
		return "", "", false
	}
	return jobID, tier, true
}

// ProxyObject is one encoded rendition stored in the object store.
type ProxyObject struct {
	Key            string
	JobID          string
	FileID         string
	Quality        QualityTier
	SizeBytes      int64
	ContentType    string
	LastAccessedAt time.Time
	ExpiresAt      time.Time
}

// HasExpiry reports whether an expiry has been stamped on the object.
func (p ProxyObject) HasExpiry() bool {
	return !p.ExpiresAt.IsZero()
}

// Expired reports whether the object is past its expiry at now.
func (p ProxyObject) Expired(now time.Time) bool {
	return p.HasExpiry() && !now.Before(p.ExpiresAt)
}

// RetentionPolicy maps each tier to its retention window measured from the
// last access.
type RetentionPolicy struct {
	Low  time.Duration
	Mid  time.Duration
	High time.Duration
}

// DefaultRetentionPolicy keeps low tiers longest and high tiers shortest.
func DefaultRetentionPolicy() RetentionPolicy {
	return RetentionPolicy{
		Low:  30 * 24 * time.Hour,
		Mid:  14 * 24 * time.Hour,
		High: 7 * 24 * time.Hour,
	}
}

// Window returns the retention window for tier, falling back to defaults for
// unset values.
func (p RetentionPolicy) Window(tier QualityTier) time.Duration {
	defaults := DefaultRetentionPolicy()
	switch tier {
	case QualityLow:
		if p.Low > 0 {
			return p.Low
		}
		return defaults.Low
	case QualityMid:
		if p.Mid > 0 {
			return p.Mid
		}
		return defaults.Mid
	default:
		if p.High > 0 {
			return p.High
		}
		return defaults.High
	}
}

// Instance tags applied to every provisioned compute instance.
const (
	InstanceTag   = "proxyforge"
	jobTagPrefix  = "job:"
	fileTagPrefix = "file:"
)

// InstanceTags returns the provider tags for a job's compute instance.
func InstanceTags(jobID, fileID string) []string {
	return []string{InstanceTag, jobTagPrefix + jobID, fileTagPrefix + fileID}
}

// ComputeInstance is a provider-provisioned execution unit normalized from the
// vendor's representation.
type ComputeInstance struct {
	ID        string
	Label     string
	Status    string
	Region    string
	CreatedAt time.Time
	Tags      []string
	JobID     string
	FileID    string
}

// ApplyTags sets Tags and derives JobID and FileID from them.
func (c *ComputeInstance) ApplyTags(tags []string) {
	c.Tags = append([]string(nil), tags...)
	for _, tag := range tags {
		switch {
		case strings.HasPrefix(tag, jobTagPrefix):
			c.JobID = strings.TrimPrefix(tag, jobTagPrefix)
		case strings.HasPrefix(tag, fileTagPrefix):
			c.FileID = strings.TrimPrefix(tag, fileTagPrefix)
		}
	}
}

// HasTag reports whether the instance carries tag.
func (c ComputeInstance) HasTag(tag string) bool {
	for _, candidate := range c.Tags {
		if candidate == tag {
			return true
		}
	}
	return false
}

// Age returns how long the instance has existed at now.
func (c ComputeInstance) Age(now time.Time) time.Duration {
	if c.CreatedAt.IsZero() {
		return 0
	}
	return now.Sub(c.CreatedAt)
}
