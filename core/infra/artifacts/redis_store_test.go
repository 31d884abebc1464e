package artifacts

import (
	"context"
	"errors"
	"io"
	"strings"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/cordum/remotecache/core/infra/backend"
	"github.com/redis/go-redis/v9"
)

func newTestRedisStore(t *testing.T) (*RedisStore, *miniredis.Miniredis) {
	t.Helper()
	srv, err := miniredis.Run()
	if err != nil {
		t.Skipf("miniredis unavailable: %v", err)
	}
	t.Cleanup(srv.Close)
	client := redis.NewClient(&redis.Options{Addr: srv.Addr()})
	store, err := NewRedisStore(client, time.Hour)
	if err != nil {
		t.Fatalf("create redis store: %v", err)
	}
	t.Cleanup(func() { _ = client.Close() })
	return store, srv
}

func TestRedisStorePutGet(t *testing.T) {
	store, _ := newTestRedisStore(t)
	ctx := context.Background()
	content := "hello"
	meta := NewMetadata("250", "sig-1", "github", "false")
	if err := store.Put(ctx, Key("team_a", "abc"), strings.NewReader(content), int64(len(content)), "", meta); err != nil {
		t.Fatalf("put: %v", err)
	}

	obj, err := store.Get(ctx, Key("team_a", "abc"))
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer obj.Body.Close()
	got, _ := io.ReadAll(obj.Body)
	if string(got) != content {
		t.Fatalf("unexpected content: %s", got)
	}
	if obj.Size != int64(len(content)) || obj.Metadata.Tag() != "sig-1" || obj.Metadata.DurationMs() != 250 {
		t.Fatalf("unexpected info: %+v", obj.Info)
	}
	if obj.ETag == "" || obj.LastModified.IsZero() {
		t.Fatalf("expected etag and last-modified")
	}

	info, err := store.Head(ctx, Key("team_a", "abc"))
	if err != nil {
		t.Fatalf("head: %v", err)
	}
	if info.Size != int64(len(content)) || info.ETag != obj.ETag {
		t.Fatalf("head disagrees with get: %+v vs %+v", info, obj.Info)
	}
}

func TestRedisStoreLastWriteWins(t *testing.T) {
	store, _ := newTestRedisStore(t)
	ctx := context.Background()
	key := Key("team_a", "abc")
	for _, body := range []string{"first", "second-version"} {
		if err := store.Put(ctx, key, strings.NewReader(body), int64(len(body)), "", NewMetadata("", "", "", "")); err != nil {
			t.Fatalf("put %s: %v", body, err)
		}
	}
	obj, err := store.Get(ctx, key)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	got, _ := io.ReadAll(obj.Body)
	if string(got) != "second-version" {
		t.Fatalf("expected latest upload, got %s", got)
	}
}

func TestRedisStoreNotFoundAndScopes(t *testing.T) {
	store, _ := newTestRedisStore(t)
	ctx := context.Background()
	if err := store.Put(ctx, Key("team_a", "abc"), strings.NewReader("x"), 1, "", nil); err != nil {
		t.Fatalf("put: %v", err)
	}
	if _, err := store.Head(ctx, Key("team_b", "abc")); !errors.Is(err, backend.ErrNotFound) {
		t.Fatalf("expected not found in other scope, got %v", err)
	}
	if _, err := store.Get(ctx, Key("team_a", "missing")); !errors.Is(err, backend.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestRedisStoreRetention(t *testing.T) {
	store, srv := newTestRedisStore(t)
	ctx := context.Background()
	key := Key("team_a", "abc")
	if err := store.Put(ctx, key, strings.NewReader("x"), 1, "", nil); err != nil {
		t.Fatalf("put: %v", err)
	}
	srv.FastForward(2 * time.Hour)
	if _, err := store.Head(ctx, key); !errors.Is(err, backend.ErrNotFound) {
		t.Fatalf("expected artifact to expire, got %v", err)
	}
}

func TestRedisStoreSizeMismatch(t *testing.T) {
	store, _ := newTestRedisStore(t)
	if err := store.Put(context.Background(), Key("team_a", "abc"), strings.NewReader("abc"), 10, "", nil); err == nil {
		t.Fatalf("expected size mismatch error")
	}
}

func TestRedisStorePing(t *testing.T) {
	store, srv := newTestRedisStore(t)
	if err := store.Ping(context.Background()); err != nil {
		t.Fatalf("ping: %v", err)
	}
	srv.Close()
	err := store.Ping(context.Background())
	if !backend.IsUnavailable(err) {
		t.Fatalf("expected unavailable after shutdown, got %v", err)
	}
}
