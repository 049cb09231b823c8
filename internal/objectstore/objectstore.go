// Package objectstore abstracts the bucket that holds proxy renditions and,
// when selected, durable job records. Keys are flat strings grouped by prefix
// and every object carries lower-cased custom metadata.
package objectstore

import (
	"context"
	"errors"
	"io"
	"strings"
	"time"
)

// ErrNotFound reports that no object exists at the key.
var ErrNotFound = errors.New("objectstore: object not found")

// ObjectInfo describes a stored object.
type ObjectInfo struct {
	Key          string
	Size         int64
	ContentType  string
	LastModified time.Time
	Metadata     map[string]string
}

// PutOptions carries the content type and custom metadata for an upload.
type PutOptions struct {
	ContentType string
	Metadata    map[string]string
}

// Store is the object-store contract consumed by the job store, resolver, and
// sweeper.
type Store interface {
	Put(ctx context.Context, key string, body io.Reader, size int64, opts PutOptions) error
	Get(ctx context.Context, key string) (io.ReadCloser, ObjectInfo, error)
	Head(ctx context.Context, key string) (ObjectInfo, error)
	Delete(ctx context.Context, key string) error
	// List returns every object under prefix including its metadata.
	List(ctx context.Context, prefix string) ([]ObjectInfo, error)
	// ReplaceMetadata rewrites an object's custom metadata in place.
	ReplaceMetadata(ctx context.Context, key string, metadata map[string]string) error
	// PresignPut returns a URL an external worker can PUT to. Headers lists
	// the request headers the worker must send unchanged.
	PresignPut(ctx context.Context, key string, expiry time.Duration, metadata map[string]string) (string, map[string]string, error)
	Ping(ctx context.Context) error
}

const metaHeaderPrefix = "x-amz-meta-"

// NormalizeMetadata lower-cases keys and strips any transport prefix.
func NormalizeMetadata(in map[string]string) map[string]string {
	out := make(map[string]string, len(in))
	for key, value := range in {
		normalized := strings.ToLower(strings.TrimSpace(key))
		normalized = strings.TrimPrefix(normalized, metaHeaderPrefix)
		if normalized == "" {
			continue
		}
		out[normalized] = value
	}
	return out
}

// MergeMetadata returns base overlaid with updates.
func MergeMetadata(base, updates map[string]string) map[string]string {
	out := make(map[string]string, len(base)+len(updates))
	for key, value := range NormalizeMetadata(base) {
		out[key] = value
	}
	for key, value := range NormalizeMetadata(updates) {
		out[key] = value
	}
	return out
}
