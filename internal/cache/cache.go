// Package cache provides the low-latency key-value layer used for job record
// caching, the fileId index, and short-lived coordination locks.
package cache

import (
	"context"
	"errors"
	"time"
)

// ErrMiss reports that a key is absent or expired.
var ErrMiss = errors.New("cache: miss")

// Cache is a key-value store with per-key TTLs.
type Cache interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	// SetNX stores value only when key is absent and reports whether it did.
	SetNX(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, error)
	// CompareAndDelete removes key only while it still holds value.
	CompareAndDelete(ctx context.Context, key string, value []byte) (bool, error)
	Delete(ctx context.Context, key string) error
	Ping(ctx context.Context) error
	Close() error
}
