package compute

import (
	"encoding/json"
	"sort"
	"testing"
	"time"
)

func decodeRaw(t *testing.T, payload string) map[string]any {
	t.Helper()
	var raw map[string]any
	if err := json.Unmarshal([]byte(payload), &raw); err != nil {
		t.Fatalf("decode: %v", err)
	}
	return raw
}

func TestNormalizeInstanceFieldAliases(t *testing.T) {
	cases := []struct {
		name    string
		payload string
		id      string
		status  string
		created time.Time
	}{
		{
			name:    "canonical",
			payload: `{"id":"abc","status":"Active","date_created":"2026-02-01T10:00:00+00:00","tags":["proxyforge","job:j1","file:f1"]}`,
			id:      "abc",
			status:  "active",
			created: time.Date(2026, 2, 1, 10, 0, 0, 0, time.UTC),
		},
		{
			name:    "alternate names",
			payload: `{"instance_id":"def","power_status":"running","created_at":"2026-02-01T11:00:00Z","labels":{"proxyforge":"","job":"j1","file":"f1"}}`,
			id:      "def",
			status:  "running",
			created: time.Date(2026, 2, 1, 11, 0, 0, 0, time.UTC),
		},
		{
			name:    "numeric id and key value tags",
			payload: `{"ID":12345,"state":"pending","created_at":"1767225600","tags":[{"key":"proxyforge"},{"key":"job","value":"j1"},{"key":"file","value":"f1"}]}`,
			id:      "12345",
			status:  "pending",
			created: time.Unix(1767225600, 0).UTC(),
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			instance, err := normalizeInstance(decodeRaw(t, tc.payload))
			if err != nil {
				t.Fatalf("normalizeInstance: %v", err)
			}
			if instance.ID != tc.id || instance.Status != tc.status {
				t.Fatalf("unexpected instance %+v", instance)
			}
			if !instance.CreatedAt.Equal(tc.created) {
				t.Fatalf("expected created %s, got %s", tc.created, instance.CreatedAt)
			}
			if instance.JobID != "j1" || instance.FileID != "f1" || !instance.HasTag("proxyforge") {
				t.Fatalf("tags not applied: %+v", instance)
			}
			tags := append([]string(nil), instance.Tags...)
			sort.Strings(tags)
			if len(tags) != 3 {
				t.Fatalf("expected three tags, got %v", tags)
			}
		})
	}
}

func TestNormalizeInstanceRequiresID(t *testing.T) {
	if _, err := normalizeInstance(decodeRaw(t, `{"status":"active"}`)); err == nil {
		t.Fatal("expected error for payload without id")
	}
}
