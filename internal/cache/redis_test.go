package cache

import (
	"context"
	"errors"
	"testing"
	"time"

	"proxyforge/internal/config"
	"proxyforge/internal/testsupport/redisstub"
)

func startRedisCache(t *testing.T) (*RedisCache, *redisstub.Server) {
	t.Helper()
	srv, err := redisstub.Start(redisstub.Options{Password: "secret"})
	if err != nil {
		t.Fatalf("failed to start redis stub: %v", err)
	}
	t.Cleanup(func() { _ = srv.Close() })

	cache, err := NewRedisCache(config.RedisConfig{Addr: srv.Addr(), Password: "secret", Timeout: time.Second})
	if err != nil {
		t.Fatalf("NewRedisCache: %v", err)
	}
	t.Cleanup(func() { _ = cache.Close() })
	return cache, srv
}

func TestRedisCacheRoundTrip(t *testing.T) {
	cache, srv := startRedisCache(t)
	ctx := context.Background()

	if err := cache.Ping(ctx); err != nil {
		t.Fatalf("Ping: %v", err)
	}
	if _, err := cache.Get(ctx, "job:missing"); !errors.Is(err, ErrMiss) {
		t.Fatalf("expected ErrMiss, got %v", err)
	}
	if err := cache.Set(ctx, "job:1", []byte(`{"jobId":"1"}`), time.Hour); err != nil {
		t.Fatalf("Set: %v", err)
	}
	value, err := cache.Get(ctx, "job:1")
	if err != nil || string(value) != `{"jobId":"1"}` {
		t.Fatalf("Get = %q, %v", value, err)
	}

	srv.Advance(2 * time.Hour)
	if _, err := cache.Get(ctx, "job:1"); !errors.Is(err, ErrMiss) {
		t.Fatalf("expected ErrMiss after ttl, got %v", err)
	}
}

func TestRedisCacheSetNX(t *testing.T) {
	cache, srv := startRedisCache(t)
	ctx := context.Background()

	ok, err := cache.SetNX(ctx, "lock:create:f1", []byte("token"), time.Minute)
	if err != nil || !ok {
		t.Fatalf("first SetNX = %v, %v", ok, err)
	}
	ok, err = cache.SetNX(ctx, "lock:create:f1", []byte("other"), time.Minute)
	if err != nil || ok {
		t.Fatalf("second SetNX = %v, %v", ok, err)
	}
	if value, _ := srv.Value("lock:create:f1"); value != "token" {
		t.Fatalf("expected original token to remain, got %q", value)
	}

	if err := cache.Delete(ctx, "lock:create:f1"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if _, ok := srv.Value("lock:create:f1"); ok {
		t.Fatal("expected key to be deleted")
	}
}

func TestNewRedisCacheRequiresAddress(t *testing.T) {
	if _, err := NewRedisCache(config.RedisConfig{}); err == nil {
		t.Fatal("expected error when no address is configured")
	}
}
