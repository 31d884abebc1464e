package events

import (
	"context"
	"errors"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/cordum/remotecache/core/infra/backend"
	"github.com/redis/go-redis/v9"
)

func newTestRedisStore(t *testing.T, clock *time.Time) (*RedisStore, *miniredis.Miniredis) {
	t.Helper()
	srv, err := miniredis.Run()
	if err != nil {
		t.Skipf("miniredis unavailable: %v", err)
	}
	t.Cleanup(srv.Close)
	client := redis.NewClient(&redis.Options{Addr: srv.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	store, err := NewRedisStore(client, 30*24*time.Hour)
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	store.now = func() time.Time { return *clock }
	return store, srv
}

func TestRedisStoreRecordAndLatest(t *testing.T) {
	clock := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	store, _ := newTestRedisStore(t, &clock)
	ctx := context.Background()

	if err := store.Record(ctx, "team_a", []CacheEvent{{SessionID: "s1", Source: SourceLocal, Event: OutcomeMiss, Hash: "abc"}}); err != nil {
		t.Fatalf("record: %v", err)
	}
	got, err := store.Latest(ctx, "team_a", "abc")
	if err != nil {
		t.Fatalf("latest: %v", err)
	}
	if got.SessionID != "s1" || got.Source != SourceLocal || got.Event != OutcomeMiss || got.Hash != "abc" {
		t.Fatalf("unexpected event: %+v", got)
	}

	clock = clock.Add(time.Minute)
	dur := int64(99)
	if err := store.Record(ctx, "team_a", []CacheEvent{{SessionID: "s2", Source: SourceRemote, Event: OutcomeHit, Hash: "abc", Duration: &dur}}); err != nil {
		t.Fatalf("record: %v", err)
	}
	got, err = store.Latest(ctx, "team_a", "abc")
	if err != nil {
		t.Fatalf("latest: %v", err)
	}
	if got.SessionID != "s2" || got.DurationMs() != 99 {
		t.Fatalf("expected most recent event, got %+v", got)
	}
}

func TestRedisStoreIdenticalEventsKeptApart(t *testing.T) {
	clock := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	store, srv := newTestRedisStore(t, &clock)
	ev := CacheEvent{SessionID: "s1", Source: SourceLocal, Event: OutcomeMiss, Hash: "abc"}
	if err := store.Record(context.Background(), "team_a", []CacheEvent{ev, ev}); err != nil {
		t.Fatalf("record: %v", err)
	}
	members, err := srv.ZMembers(eventsKey("team_a", "abc"))
	if err != nil {
		t.Fatalf("members: %v", err)
	}
	if len(members) != 2 {
		t.Fatalf("expected two members, got %d", len(members))
	}
}

func TestRedisStoreExpiry(t *testing.T) {
	clock := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	store, srv := newTestRedisStore(t, &clock)
	ctx := context.Background()
	if err := store.Record(ctx, "team_a", []CacheEvent{{SessionID: "s1", Source: SourceLocal, Event: OutcomeMiss, Hash: "abc"}}); err != nil {
		t.Fatalf("record: %v", err)
	}
	if ttl := srv.TTL(eventsKey("team_a", "abc")); ttl != 30*24*time.Hour {
		t.Fatalf("expected key ttl of 30 days, got %s", ttl)
	}

	clock = clock.Add(30*24*time.Hour + time.Second)
	if _, err := store.Latest(ctx, "team_a", "abc"); !errors.Is(err, backend.ErrNotFound) {
		t.Fatalf("expected expired event to be hidden, got %v", err)
	}

	srv.FastForward(31 * 24 * time.Hour)
	if srv.Exists(eventsKey("team_a", "abc")) {
		t.Fatalf("expected key to be purged by redis")
	}
}

func TestRedisStoreScopesIsolated(t *testing.T) {
	clock := time.Now()
	store, _ := newTestRedisStore(t, &clock)
	ctx := context.Background()
	if err := store.Record(ctx, "team_a", []CacheEvent{{SessionID: "s1", Source: SourceLocal, Event: OutcomeMiss, Hash: "abc"}}); err != nil {
		t.Fatalf("record: %v", err)
	}
	if _, err := store.Latest(ctx, "team_b", "abc"); !errors.Is(err, backend.ErrNotFound) {
		t.Fatalf("expected not found in other scope, got %v", err)
	}
}

func TestRedisStoreUnavailable(t *testing.T) {
	clock := time.Now()
	store, srv := newTestRedisStore(t, &clock)
	srv.Close()
	_, err := store.Latest(context.Background(), "team_a", "abc")
	if !backend.IsUnavailable(err) {
		t.Fatalf("expected unavailable, got %v", err)
	}
}

func TestRedisStoreLastEventInBatchIsLatest(t *testing.T) {
	clock := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	store, _ := newTestRedisStore(t, &clock)
	ctx := context.Background()

	batch := []CacheEvent{
		{SessionID: "s1", Source: SourceLocal, Event: OutcomeMiss, Hash: "abc"},
		{SessionID: "s1", Source: SourceRemote, Event: OutcomeMiss, Hash: "abc"},
		{SessionID: "s1", Source: SourceRemote, Event: OutcomeHit, Hash: "abc"},
	}
	for round := 0; round < 5; round++ {
		if err := store.Record(ctx, "team_a", append([]CacheEvent(nil), batch...)); err != nil {
			t.Fatalf("record: %v", err)
		}
		got, err := store.Latest(ctx, "team_a", "abc")
		if err != nil {
			t.Fatalf("latest: %v", err)
		}
		if got.Source != SourceRemote || got.Event != OutcomeHit {
			t.Fatalf("round %d: expected the last event of the batch, got %+v", round, got)
		}
		clock = clock.Add(time.Second)
	}
}
