package objectstore

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/url"
	"sort"
	"strings"
	"sync"
	"time"
)

type memoryObject struct {
	data         []byte
	contentType  string
	metadata     map[string]string
	lastModified time.Time
}

// MemoryStore keeps objects in process. It backs development mode and the
// package tests of every consumer.
type MemoryStore struct {
	mu      sync.RWMutex
	bucket  string
	objects map[string]memoryObject
	now     func() time.Time
	failOn  map[string]error
}

// NewMemoryStore constructs an empty MemoryStore.
func NewMemoryStore(bucket string) *MemoryStore {
	if bucket == "" {
		bucket = "proxyforge"
	}
	return &MemoryStore{
		bucket:  bucket,
		objects: make(map[string]memoryObject),
		now:     time.Now,
		failOn:  make(map[string]error),
	}
}

// SetClock overrides the time source used for LastModified.
func (s *MemoryStore) SetClock(now func() time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if now == nil {
		now = time.Now
	}
	s.now = now
}

// FailOperation makes every call of op ("put", "get", "head", "delete",
// "list", "metadata") return err until cleared with a nil err.
func (s *MemoryStore) FailOperation(op string, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err == nil {
		delete(s.failOn, op)
		return
	}
	s.failOn[op] = err
}

func (s *MemoryStore) failure(op string) error {
	return s.failOn[op]
}

func (s *MemoryStore) Put(ctx context.Context, key string, body io.Reader, size int64, opts PutOptions) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	data, err := io.ReadAll(body)
	if err != nil {
		return fmt.Errorf("read object body: %w", err)
	}
	if size >= 0 && int64(len(data)) != size {
		return fmt.Errorf("object %s: expected %d bytes, got %d", key, size, len(data))
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.failure("put"); err != nil {
		return err
	}
	s.objects[key] = memoryObject{
		data:         data,
		contentType:  opts.ContentType,
		metadata:     NormalizeMetadata(opts.Metadata),
		lastModified: s.now(),
	}
	return nil
}

func (s *MemoryStore) info(key string, obj memoryObject) ObjectInfo {
	metadata := make(map[string]string, len(obj.metadata))
	for k, v := range obj.metadata {
		metadata[k] = v
	}
	return ObjectInfo{
		Key:          key,
		Size:         int64(len(obj.data)),
		ContentType:  obj.contentType,
		LastModified: obj.lastModified,
		Metadata:     metadata,
	}
}

func (s *MemoryStore) Get(ctx context.Context, key string) (io.ReadCloser, ObjectInfo, error) {
	if err := ctx.Err(); err != nil {
		return nil, ObjectInfo{}, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.failure("get"); err != nil {
		return nil, ObjectInfo{}, err
	}
	obj, ok := s.objects[key]
	if !ok {
		return nil, ObjectInfo{}, ErrNotFound
	}
	return io.NopCloser(bytes.NewReader(append([]byte(nil), obj.data...))), s.info(key, obj), nil
}

func (s *MemoryStore) Head(ctx context.Context, key string) (ObjectInfo, error) {
	if err := ctx.Err(); err != nil {
		return ObjectInfo{}, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.failure("head"); err != nil {
		return ObjectInfo{}, err
	}
	obj, ok := s.objects[key]
	if !ok {
		return ObjectInfo{}, ErrNotFound
	}
	return s.info(key, obj), nil
}

func (s *MemoryStore) Delete(ctx context.Context, key string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.failure("delete"); err != nil {
		return err
	}
	delete(s.objects, key)
	return nil
}

func (s *MemoryStore) List(ctx context.Context, prefix string) ([]ObjectInfo, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.failure("list"); err != nil {
		return nil, err
	}
	out := make([]ObjectInfo, 0)
	for key, obj := range s.objects {
		if strings.HasPrefix(key, prefix) {
			out = append(out, s.info(key, obj))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out, nil
}

func (s *MemoryStore) ReplaceMetadata(ctx context.Context, key string, metadata map[string]string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.failure("metadata"); err != nil {
		return err
	}
	obj, ok := s.objects[key]
	if !ok {
		return ErrNotFound
	}
	obj.metadata = NormalizeMetadata(metadata)
	s.objects[key] = obj
	return nil
}

func (s *MemoryStore) PresignPut(ctx context.Context, key string, expiry time.Duration, metadata map[string]string) (string, map[string]string, error) {
	if err := ctx.Err(); err != nil {
		return "", nil, err
	}
	headers := make(map[string]string, len(metadata))
	for k, v := range NormalizeMetadata(metadata) {
		headers[metaHeaderPrefix+k] = v
	}
	target := url.URL{Scheme: "memory", Host: s.bucket, Path: "/" + key}
	query := target.Query()
	query.Set("expires", s.now().Add(expiry).UTC().Format(time.RFC3339))
	target.RawQuery = query.Encode()
	return target.String(), headers, nil
}

func (s *MemoryStore) Ping(ctx context.Context) error {
	return ctx.Err()
}

// Keys lists every stored key in order.
func (s *MemoryStore) Keys() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	keys := make([]string, 0, len(s.objects))
	for key := range s.objects {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}
