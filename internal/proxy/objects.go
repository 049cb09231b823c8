package proxy

import (
	"time"

	"proxyforge/internal/models"
	"proxyforge/internal/objectstore"
)

// Describe converts a listed object into a ProxyObject. It reports false for
// keys outside the proxy layout. Unparseable timestamps are left zero.
func Describe(info objectstore.ObjectInfo) (models.ProxyObject, bool) {
	jobID, tier, ok := models.ParseProxyKey(info.Key)
	if !ok {
		return models.ProxyObject{}, false
	}
	obj := models.ProxyObject{
		Key:         info.Key,
		JobID:       jobID,
		FileID:      info.Metadata[models.MetaFileID],
		Quality:     tier,
		SizeBytes:   info.Size,
		ContentType: info.ContentType,
	}
	obj.LastAccessedAt = parseTime(info.Metadata[models.MetaLastAccessedAt])
	obj.ExpiresAt = parseTime(info.Metadata[models.MetaExpiresAt])
	return obj, true
}

// AccessMetadata returns a copy of current with the access stamp set to now
// and the expiry pushed out by the tier's retention window.
func AccessMetadata(current map[string]string, tier models.QualityTier, policy models.RetentionPolicy, now time.Time) map[string]string {
	out := make(map[string]string, len(current)+2)
	for key, value := range current {
		out[key] = value
	}
	now = now.UTC()
	out[models.MetaLastAccessedAt] = now.Format(time.RFC3339)
	out[models.MetaExpiresAt] = now.Add(policy.Window(tier)).Format(time.RFC3339)
	return out
}

func parseTime(value string) time.Time {
	if value == "" {
		return time.Time{}
	}
	for _, layout := range []string{time.RFC3339Nano, time.RFC3339} {
		if parsed, err := time.Parse(layout, value); err == nil {
			return parsed.UTC()
		}
	}
	return time.Time{}
}
