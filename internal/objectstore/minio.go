package objectstore

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"proxyforge/internal/config"
)

// MinioStore implements Store against any S3-compatible endpoint.
type MinioStore struct {
	client *minio.Client
	bucket string
	region string
}

// MinioOption customizes the underlying client.
type MinioOption func(*minio.Options)

// WithTransport replaces the HTTP transport, typically in tests.
func WithTransport(transport http.RoundTripper) MinioOption {
	return func(opts *minio.Options) {
		opts.Transport = transport
	}
}

// NewMinioStore builds a client for cfg. It does not contact the endpoint;
// call EnsureBucket during startup.
func NewMinioStore(cfg config.ObjectStoreConfig, options ...MinioOption) (*MinioStore, error) {
	endpoint := strings.TrimSpace(cfg.Endpoint)
	if strings.Contains(endpoint, "://") {
		if parsed, err := url.Parse(endpoint); err == nil {
			endpoint = parsed.Host
		}
	}
	bucket := strings.TrimSpace(cfg.Bucket)
	if endpoint == "" || bucket == "" {
		return nil, fmt.Errorf("object store endpoint and bucket are required")
	}
	opts := &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
		Region: cfg.Region,
	}
	for _, option := range options {
		option(opts)
	}
	client, err := minio.New(endpoint, opts)
	if err != nil {
		return nil, fmt.Errorf("initialise object store client: %w", err)
	}
	return &MinioStore{client: client, bucket: bucket, region: cfg.Region}, nil
}

// EnsureBucket creates the bucket when it does not exist yet.
func (s *MinioStore) EnsureBucket(ctx context.Context) error {
	exists, err := s.client.BucketExists(ctx, s.bucket)
	if err != nil {
		return fmt.Errorf("check bucket %s: %w", s.bucket, err)
	}
	if exists {
		return nil
	}
	if err := s.client.MakeBucket(ctx, s.bucket, minio.MakeBucketOptions{Region: s.region}); err != nil {
		return fmt.Errorf("create bucket %s: %w", s.bucket, err)
	}
	return nil
}

func (s *MinioStore) Put(ctx context.Context, key string, body io.Reader, size int64, opts PutOptions) error {
	_, err := s.client.PutObject(ctx, s.bucket, key, body, size, minio.PutObjectOptions{
		ContentType:  opts.ContentType,
		UserMetadata: NormalizeMetadata(opts.Metadata),
	})
	if err != nil {
		return fmt.Errorf("put object %s: %w", key, err)
	}
	return nil
}

func (s *MinioStore) Get(ctx context.Context, key string) (io.ReadCloser, ObjectInfo, error) {
	info, err := s.Head(ctx, key)
	if err != nil {
		return nil, ObjectInfo{}, err
	}
	object, err := s.client.GetObject(ctx, s.bucket, key, minio.GetObjectOptions{})
	if err != nil {
		return nil, ObjectInfo{}, translateError(key, err)
	}
	return object, info, nil
}

func (s *MinioStore) Head(ctx context.Context, key string) (ObjectInfo, error) {
	stat, err := s.client.StatObject(ctx, s.bucket, key, minio.StatObjectOptions{})
	if err != nil {
		return ObjectInfo{}, translateError(key, err)
	}
	return toObjectInfo(stat), nil
}

func (s *MinioStore) Delete(ctx context.Context, key string) error {
	if err := s.client.RemoveObject(ctx, s.bucket, key, minio.RemoveObjectOptions{}); err != nil {
		if errors.Is(translateError(key, err), ErrNotFound) {
			return nil
		}
		return fmt.Errorf("delete object %s: %w", key, err)
	}
	return nil
}

func (s *MinioStore) List(ctx context.Context, prefix string) ([]ObjectInfo, error) {
	objects := s.client.ListObjects(ctx, s.bucket, minio.ListObjectsOptions{
		Prefix:       prefix,
		Recursive:    true,
		WithMetadata: true,
	})
	out := make([]ObjectInfo, 0)
	for object := range objects {
		if object.Err != nil {
			return nil, fmt.Errorf("list objects under %s: %w", prefix, object.Err)
		}
		info := toObjectInfo(object)
		if len(info.Metadata) == 0 {
			// Listings from S3 proper omit user metadata.
			stat, err := s.Head(ctx, object.Key)
			if errors.Is(err, ErrNotFound) {
				continue
			}
			if err != nil {
				return nil, err
			}
			info = stat
		}
		out = append(out, info)
	}
	return out, nil
}

func (s *MinioStore) ReplaceMetadata(ctx context.Context, key string, metadata map[string]string) error {
	current, err := s.Head(ctx, key)
	if err != nil {
		return err
	}
	replacement := NormalizeMetadata(metadata)
	if current.ContentType != "" {
		replacement["Content-Type"] = current.ContentType
	}
	_, err = s.client.CopyObject(ctx,
		minio.CopyDestOptions{
			Bucket:          s.bucket,
			Object:          key,
			ReplaceMetadata: true,
			UserMetadata:    replacement,
		},
		minio.CopySrcOptions{Bucket: s.bucket, Object: key},
	)
	if err != nil {
		return translateError(key, err)
	}
	return nil
}

func (s *MinioStore) PresignPut(ctx context.Context, key string, expiry time.Duration, metadata map[string]string) (string, map[string]string, error) {
	headers := make(http.Header)
	signed := make(map[string]string, len(metadata))
	for k, v := range NormalizeMetadata(metadata) {
		name := metaHeaderPrefix + k
		headers.Set(name, v)
		signed[name] = v
	}
	target, err := s.client.PresignHeader(ctx, http.MethodPut, s.bucket, key, expiry, url.Values{}, headers)
	if err != nil {
		return "", nil, fmt.Errorf("presign upload %s: %w", key, err)
	}
	return target.String(), signed, nil
}

func (s *MinioStore) Ping(ctx context.Context) error {
	exists, err := s.client.BucketExists(ctx, s.bucket)
	if err != nil {
		return err
	}
	if !exists {
		return fmt.Errorf("bucket %s does not exist", s.bucket)
	}
	return nil
}

func toObjectInfo(object minio.ObjectInfo) ObjectInfo {
	metadata := NormalizeMetadata(object.UserMetadata)
	delete(metadata, "content-type")
	return ObjectInfo{
		Key:          object.Key,
		Size:         object.Size,
		ContentType:  object.ContentType,
		LastModified: object.LastModified,
		Metadata:     metadata,
	}
}

func translateError(key string, err error) error {
	response := minio.ToErrorResponse(err)
	if response.Code == "NoSuchKey" || response.StatusCode == http.StatusNotFound {
		return ErrNotFound
	}
	return fmt.Errorf("object %s: %w", key, err)
}
