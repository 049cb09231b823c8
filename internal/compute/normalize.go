package compute

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"proxyforge/internal/models"
)

// Field aliases seen across provider API versions, in preference order.
var (
	idFields      = []string{"id", "instance_id", "ID"}
	labelFields   = []string{"label", "name", "hostname"}
	statusFields  = []string{"status", "power_status", "state"}
	regionFields  = []string{"region", "zone", "location"}
	createdFields = []string{"date_created", "created_at", "createdAt"}
	tagFields     = []string{"tags", "labels"}
)

// normalizeInstance maps a raw provider object onto models.ComputeInstance.
// It is the only place that knows about vendor field naming.
func normalizeInstance(raw map[string]any) (models.ComputeInstance, error) {
	var instance models.ComputeInstance
	instance.ID = firstString(raw, idFields)
	if instance.ID == "" {
		return models.ComputeInstance{}, fmt.Errorf("instance payload missing id")
	}
	instance.Label = firstString(raw, labelFields)
	instance.Status = strings.ToLower(firstString(raw, statusFields))
	instance.Region = firstString(raw, regionFields)
	if created := firstString(raw, createdFields); created != "" {
		instance.CreatedAt = parseProviderTime(created)
	}
	instance.ApplyTags(firstStrings(raw, tagFields))
	return instance, nil
}

func firstString(raw map[string]any, fields []string) string {
	for _, field := range fields {
		value, ok := raw[field]
		if !ok || value == nil {
			continue
		}
		switch v := value.(type) {
		case string:
			if strings.TrimSpace(v) != "" {
				return strings.TrimSpace(v)
			}
		case float64:
			return strconv.FormatFloat(v, 'f', -1, 64)
		case bool:
			return strconv.FormatBool(v)
		}
	}
	return ""
}

// firstStrings reads a tag list that may be an array of strings, an array of
// {key,value} objects, or a key/value map.
func firstStrings(raw map[string]any, fields []string) []string {
	for _, field := range fields {
		switch v := raw[field].(type) {
		case []any:
			out := make([]string, 0, len(v))
			for _, item := range v {
				switch tag := item.(type) {
				case string:
					out = append(out, tag)
				case map[string]any:
					if joined := joinTag(firstString(tag, []string{"key", "name"}), firstString(tag, []string{"value"})); joined != "" {
						out = append(out, joined)
					}
				}
			}
			return out
		case map[string]any:
			out := make([]string, 0, len(v))
			for key, value := range v {
				str, _ := value.(string)
				if joined := joinTag(key, str); joined != "" {
					out = append(out, joined)
				}
			}
			return out
		}
	}
	return nil
}

// joinTag renders a key/value label as "key:value", or the bare key when the
// value is empty.
func joinTag(key, value string) string {
	key = strings.TrimSpace(key)
	if key == "" {
		return ""
	}
	if value == "" {
		return key
	}
	return key + ":" + value
}

func parseProviderTime(value string) time.Time {
	for _, layout := range []string{time.RFC3339Nano, time.RFC3339, "2006-01-02T15:04:05-0700", "2006-01-02 15:04:05"} {
		if parsed, err := time.Parse(layout, value); err == nil {
			return parsed.UTC()
		}
	}
	if seconds, err := strconv.ParseInt(value, 10, 64); err == nil {
		return time.Unix(seconds, 0).UTC()
	}
	return time.Time{}
}
