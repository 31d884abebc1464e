package artifacts

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/cordum/remotecache/core/infra/backend"
	"github.com/cordum/remotecache/core/infra/config"
	"github.com/minio/minio-go/v7"
	miniocreds "github.com/minio/minio-go/v7/pkg/credentials"
)

type minioAPI interface {
	PutObject(ctx context.Context, bucket, object string, reader io.Reader, size int64, opts minio.PutObjectOptions) (minio.UploadInfo, error)
	GetObject(ctx context.Context, bucket, object string, opts minio.GetObjectOptions) (*minio.Object, error)
	StatObject(ctx context.Context, bucket, object string, opts minio.StatObjectOptions) (minio.ObjectInfo, error)
	BucketExists(ctx context.Context, bucket string) (bool, error)
	PresignedGetObject(ctx context.Context, bucket, object string, expires time.Duration, reqParams url.Values) (*url.URL, error)
	PresignHeader(ctx context.Context, method, bucket, object string, expires time.Duration, reqParams url.Values, extraHeaders http.Header) (*url.URL, error)
}

// MinioStore stores artifacts in any S3-compatible server through minio-go.
type MinioStore struct {
	client minioAPI
	bucket string
}

// NewMinioStore connects to cfg.Endpoint with static credentials.
func NewMinioStore(cfg config.StoreConfig) (*MinioStore, error) {
	if cfg.Bucket == "" {
		return nil, errors.New("minio bucket is required")
	}
	endpoint := strings.TrimSpace(cfg.Endpoint)
	secure := cfg.UseSSL
	if u, err := url.Parse(endpoint); err == nil && u.Host != "" {
		endpoint = u.Host
		secure = u.Scheme == "https"
	}
	if endpoint == "" {
		return nil, errors.New("minio endpoint is required")
	}
	opts := &minio.Options{
		Creds:  miniocreds.NewStaticV4(cfg.AccessKey, cfg.SecretKey, cfg.SessionToken),
		Secure: secure,
		Region: cfg.Region,
	}
	if cfg.UsePathStyle {
		opts.BucketLookup = minio.BucketLookupPath
	}
	client, err := minio.New(endpoint, opts)
	if err != nil {
		return nil, fmt.Errorf("init minio client: %w", err)
	}
	return &MinioStore{client: client, bucket: cfg.Bucket}, nil
}

func (s *MinioStore) Put(ctx context.Context, key string, body io.Reader, size int64, contentType string, meta Metadata) error {
	if contentType == "" {
		contentType = DefaultContentType
	}
	_, err := s.client.PutObject(ctx, s.bucket, key, body, size, minio.PutObjectOptions{
		ContentType:  contentType,
		UserMetadata: NormalizeMetadata(meta),
	})
	if err != nil {
		return classifyMinio("put", err)
	}
	return nil
}

// Get opens the object. minio fetches lazily, so Stat forces the request and
// surfaces a missing key here rather than on first read.
func (s *MinioStore) Get(ctx context.Context, key string) (*Object, error) {
	obj, err := s.client.GetObject(ctx, s.bucket, key, minio.GetObjectOptions{})
	if err != nil {
		return nil, classifyMinio("get", err)
	}
	stat, err := obj.Stat()
	if err != nil {
		_ = obj.Close()
		return nil, classifyMinio("get", err)
	}
	return &Object{Info: minioInfo(key, stat), Body: obj}, nil
}

func (s *MinioStore) Head(ctx context.Context, key string) (*Info, error) {
	stat, err := s.client.StatObject(ctx, s.bucket, key, minio.StatObjectOptions{})
	if err != nil {
		return nil, classifyMinio("head", err)
	}
	info := minioInfo(key, stat)
	return &info, nil
}

func (s *MinioStore) Ping(ctx context.Context) error {
	ok, err := s.client.BucketExists(ctx, s.bucket)
	if err != nil {
		return classifyMinio("bucket exists", err)
	}
	if !ok {
		return fmt.Errorf("minio bucket %s: %w", s.bucket, backend.ErrNotFound)
	}
	return nil
}

func (s *MinioStore) PresignGet(ctx context.Context, key string, expiry time.Duration) (string, error) {
	u, err := s.client.PresignedGetObject(ctx, s.bucket, key, expiry, nil)
	if err != nil {
		return "", fmt.Errorf("presign get: %w", err)
	}
	return u.String(), nil
}

func (s *MinioStore) PresignRequest(ctx context.Context, method, key string, headers http.Header, expiry time.Duration) (string, error) {
	if method != http.MethodGet && method != http.MethodPut {
		return "", fmt.Errorf("presign: unsupported method %q", method)
	}
	u, err := s.client.PresignHeader(ctx, method, s.bucket, key, expiry, nil, SignableHeaders(headers))
	if err != nil {
		return "", fmt.Errorf("presign %s: %w", method, err)
	}
	return u.String(), nil
}

func minioInfo(key string, stat minio.ObjectInfo) Info {
	etag := stat.ETag
	if etag != "" && !strings.HasPrefix(etag, `"`) {
		etag = `"` + etag + `"`
	}
	return Info{
		Key:          key,
		Size:         stat.Size,
		ContentType:  stat.ContentType,
		ETag:         etag,
		LastModified: stat.LastModified,
		Metadata:     NormalizeMetadata(stat.UserMetadata),
	}
}

func classifyMinio(op string, err error) error {
	resp := minio.ToErrorResponse(err)
	switch resp.Code {
	case "NoSuchKey", "NoSuchBucket", "NotFound":
		return fmt.Errorf("minio %s: %w", op, backend.ErrNotFound)
	case "AccessDenied", "InvalidAccessKeyId", "SignatureDoesNotMatch":
		return fmt.Errorf("minio %s: %w", op, backend.ErrForbidden)
	case "SlowDown", "XMinioServerNotInitialized", "ServiceUnavailable":
		return backend.Unavailable("minio "+op, err)
	}
	switch resp.StatusCode {
	case http.StatusNotFound:
		return fmt.Errorf("minio %s: %w", op, backend.ErrNotFound)
	case http.StatusForbidden:
		return fmt.Errorf("minio %s: %w", op, backend.ErrForbidden)
	}
	if backend.IsUnavailable(err) {
		return backend.Unavailable("minio "+op, err)
	}
	return fmt.Errorf("minio %s: %w", op, err)
}
