package artifacts

import (
	"bytes"
	"context"
	"crypto/md5" // #nosec G501 -- S3-compatible ETag, not a security boundary.
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/cordum/remotecache/core/infra/backend"
	"github.com/redis/go-redis/v9"
)

// RedisStore keeps artifacts in Redis with a TTL equal to the retention
// window. Bodies are held in memory, so it suits development and small caches.
type RedisStore struct {
	client    redis.UniversalClient
	retention time.Duration
	now       func() time.Time
}

type redisMeta struct {
	Size         int64             `json:"size"`
	ContentType  string            `json:"content_type,omitempty"`
	ETag         string            `json:"etag"`
	LastModified time.Time         `json:"last_modified"`
	Metadata     map[string]string `json:"metadata"`
}

// NewRedisStore constructs an artifact store backed by Redis.
func NewRedisStore(client redis.UniversalClient, retention time.Duration) (*RedisStore, error) {
	if client == nil {
		return nil, errors.New("redis client required")
	}
	if retention <= 0 {
		return nil, errors.New("retention must be positive")
	}
	return &RedisStore{client: client, retention: retention, now: time.Now}, nil
}

// Put stores content and metadata under key, replacing any previous value.
func (s *RedisStore) Put(ctx context.Context, key string, body io.Reader, size int64, contentType string, meta Metadata) error {
	content, err := io.ReadAll(body)
	if err != nil {
		return fmt.Errorf("read artifact body: %w", err)
	}
	if size >= 0 && int64(len(content)) != size {
		return fmt.Errorf("artifact body length %d does not match declared size %d", len(content), size)
	}
	sum := md5.Sum(content) // #nosec G401
	payload, err := json.Marshal(redisMeta{
		Size:         int64(len(content)),
		ContentType:  contentType,
		ETag:         `"` + hex.EncodeToString(sum[:]) + `"`,
		LastModified: s.now().UTC().Truncate(time.Second),
		Metadata:     NormalizeMetadata(meta),
	})
	if err != nil {
		return fmt.Errorf("marshal metadata: %w", err)
	}
	pipe := s.client.TxPipeline()
	pipe.Set(ctx, contentKey(key), content, s.retention)
	pipe.Set(ctx, metaKey(key), payload, s.retention)
	if _, err := pipe.Exec(ctx); err != nil {
		return classifyRedis("put", err)
	}
	return nil
}

// Get returns artifact content and metadata for key.
func (s *RedisStore) Get(ctx context.Context, key string) (*Object, error) {
	pipe := s.client.Pipeline()
	contentCmd := pipe.Get(ctx, contentKey(key))
	metaCmd := pipe.Get(ctx, metaKey(key))
	_, _ = pipe.Exec(ctx)

	content, err := contentCmd.Bytes()
	if err != nil {
		return nil, classifyRedis("get", err)
	}
	info, err := decodeMeta(key, metaCmd)
	if err != nil {
		return nil, err
	}
	info.Size = int64(len(content))
	return &Object{Info: *info, Body: io.NopCloser(bytes.NewReader(content))}, nil
}

// Head returns metadata for key without reading the body.
func (s *RedisStore) Head(ctx context.Context, key string) (*Info, error) {
	return decodeMeta(key, s.client.Get(ctx, metaKey(key)))
}

// Ping checks that Redis answers.
func (s *RedisStore) Ping(ctx context.Context) error {
	if err := s.client.Ping(ctx).Err(); err != nil {
		return backend.Unavailable("ping", err)
	}
	return nil
}

func decodeMeta(key string, cmd *redis.StringCmd) (*Info, error) {
	data, err := cmd.Bytes()
	if err != nil {
		return nil, classifyRedis("head", err)
	}
	var meta redisMeta
	if err := json.Unmarshal(data, &meta); err != nil {
		return nil, fmt.Errorf("decode artifact metadata: %w", err)
	}
	return &Info{
		Key:          key,
		Size:         meta.Size,
		ContentType:  meta.ContentType,
		ETag:         meta.ETag,
		LastModified: meta.LastModified,
		Metadata:     NormalizeMetadata(meta.Metadata),
	}, nil
}

func classifyRedis(op string, err error) error {
	switch {
	case errors.Is(err, redis.Nil):
		return backend.ErrNotFound
	case backend.IsUnavailable(err):
		return backend.Unavailable(op, err)
	default:
		return fmt.Errorf("redis %s: %w", op, err)
	}
}

func contentKey(key string) string {
	return "art:" + key
}

func metaKey(key string) string {
	return "art:meta:" + key
}
