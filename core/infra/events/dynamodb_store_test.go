package events

import (
	"context"
	"errors"
	"sort"
	"strconv"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	dbtypes "github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/cordum/remotecache/core/infra/backend"
)

// fakeDynamo mimics a hash+range table: Query sorts by the range key, applies
// Limit, then the ttl filter.
type fakeDynamo struct {
	items    map[string][]map[string]dbtypes.AttributeValue
	putErr   error
	queryErr error
	puts     int
}

func newFakeDynamo() *fakeDynamo {
	return &fakeDynamo{items: map[string][]map[string]dbtypes.AttributeValue{}}
}

func (f *fakeDynamo) PutItem(_ context.Context, in *dynamodb.PutItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error) {
	if f.putErr != nil {
		return nil, f.putErr
	}
	f.puts++
	key := in.Item[attrKey].(*dbtypes.AttributeValueMemberS).Value
	f.items[key] = append(f.items[key], in.Item)
	return &dynamodb.PutItemOutput{}, nil
}

func (f *fakeDynamo) Query(_ context.Context, in *dynamodb.QueryInput, _ ...func(*dynamodb.Options)) (*dynamodb.QueryOutput, error) {
	if f.queryErr != nil {
		return nil, f.queryErr
	}
	key := in.ExpressionAttributeValues[":k"].(*dbtypes.AttributeValueMemberS).Value
	now, _ := strconv.ParseInt(in.ExpressionAttributeValues[":now"].(*dbtypes.AttributeValueMemberN).Value, 10, 64)
	rows := append([]map[string]dbtypes.AttributeValue(nil), f.items[key]...)
	sort.Slice(rows, func(i, j int) bool {
		a := rows[i][attrTimestamp].(*dbtypes.AttributeValueMemberS).Value
		b := rows[j][attrTimestamp].(*dbtypes.AttributeValueMemberS).Value
		if aws.ToBool(in.ScanIndexForward) {
			return a < b
		}
		return a > b
	})
	if in.Limit != nil && int(*in.Limit) < len(rows) {
		rows = rows[:*in.Limit]
	}
	var out []map[string]dbtypes.AttributeValue
	for _, row := range rows {
		ttl, _ := strconv.ParseInt(row[attrTTL].(*dbtypes.AttributeValueMemberN).Value, 10, 64)
		if ttl > now {
			out = append(out, row)
		}
	}
	return &dynamodb.QueryOutput{Items: out}, nil
}

func newTestDynamoStore(t *testing.T, fake *fakeDynamo, clock *time.Time) *DynamoStore {
	t.Helper()
	store, err := NewDynamoStoreWithClient(fake, "cache-events", 30*24*time.Hour)
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	store.now = func() time.Time { return *clock }
	return store
}

func TestDynamoStoreRecordAndLatest(t *testing.T) {
	clock := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	fake := newFakeDynamo()
	store := newTestDynamoStore(t, fake, &clock)
	ctx := context.Background()

	events := []CacheEvent{{SessionID: "s1", Source: SourceLocal, Event: OutcomeMiss, Hash: "abc"}}
	if err := store.Record(ctx, "team_a", events); err != nil {
		t.Fatalf("record: %v", err)
	}
	if events[0].Scope != "team_a" || events[0].ExpiresAt != clock.Add(30*24*time.Hour).Unix() {
		t.Fatalf("expected event to be stamped: %+v", events[0])
	}

	clock = clock.Add(time.Second)
	dur := int64(420)
	size := int64(2048)
	later := []CacheEvent{{SessionID: "s2", Source: SourceRemote, Event: OutcomeHit, Hash: "abc", Duration: &dur, Size: &size, Tag: "sig"}}
	if err := store.Record(ctx, "team_a", later); err != nil {
		t.Fatalf("record: %v", err)
	}

	got, err := store.Latest(ctx, "team_a", "abc")
	if err != nil {
		t.Fatalf("latest: %v", err)
	}
	if got.SessionID != "s2" || got.Event != OutcomeHit || got.DurationMs() != 420 || got.SizeBytes() != 2048 || got.Tag != "sig" {
		t.Fatalf("unexpected latest: %+v", got)
	}
	if !got.Timestamp.Equal(clock) {
		t.Fatalf("unexpected timestamp %s", got.Timestamp)
	}

	if _, err := store.Latest(ctx, "team_b", "abc"); !errors.Is(err, backend.ErrNotFound) {
		t.Fatalf("expected scopes to be isolated, got %v", err)
	}
}

func TestDynamoStoreLastEventInBatchIsLatest(t *testing.T) {
	clock := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	fake := newFakeDynamo()
	store := newTestDynamoStore(t, fake, &clock)

	batch := []CacheEvent{
		{SessionID: "s1", Source: SourceLocal, Event: OutcomeMiss, Hash: "abc"},
		{SessionID: "s1", Source: SourceRemote, Event: OutcomeHit, Hash: "abc"},
	}
	if err := store.Record(context.Background(), "team_a", batch); err != nil {
		t.Fatalf("record: %v", err)
	}
	if !batch[1].Timestamp.After(batch[0].Timestamp) {
		t.Fatalf("batch events share a sort key: %s %s", batch[0].Timestamp, batch[1].Timestamp)
	}
	got, err := store.Latest(context.Background(), "team_a", "abc")
	if err != nil {
		t.Fatalf("latest: %v", err)
	}
	if got.Event != OutcomeHit {
		t.Fatalf("expected the last event of the batch, got %+v", got)
	}
}

func TestDynamoStoreLatestAfterTTL(t *testing.T) {
	clock := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	store := newTestDynamoStore(t, newFakeDynamo(), &clock)
	ctx := context.Background()
	if err := store.Record(ctx, "team_a", []CacheEvent{{SessionID: "s1", Source: SourceLocal, Event: OutcomeMiss, Hash: "abc"}}); err != nil {
		t.Fatalf("record: %v", err)
	}
	clock = clock.Add(31 * 24 * time.Hour)
	if _, err := store.Latest(ctx, "team_a", "abc"); !errors.Is(err, backend.ErrNotFound) {
		t.Fatalf("expected expired event to be hidden, got %v", err)
	}
}

func TestDynamoStoreFailures(t *testing.T) {
	clock := time.Now()
	fake := newFakeDynamo()
	store := newTestDynamoStore(t, fake, &clock)
	ctx := context.Background()

	fake.putErr = &dbtypes.ResourceNotFoundException{Message: aws.String("no table")}
	err := store.Record(ctx, "team_a", []CacheEvent{{SessionID: "s1", Source: SourceLocal, Event: OutcomeMiss, Hash: "abc"}})
	if !backend.IsUnavailable(err) {
		t.Fatalf("expected missing table to be unavailable, got %v", err)
	}

	fake.queryErr = &dbtypes.ProvisionedThroughputExceededException{Message: aws.String("slow down")}
	if _, err := store.Latest(ctx, "team_a", "abc"); !backend.IsUnavailable(err) || errors.Is(err, backend.ErrNotFound) {
		t.Fatalf("expected throttling to be unavailable, got %v", err)
	}
}

func TestDynamoStoreRecordStopsOnFailure(t *testing.T) {
	clock := time.Now()
	fake := newFakeDynamo()
	store := newTestDynamoStore(t, fake, &clock)
	fake.putErr = errors.New("validation")
	events := []CacheEvent{
		{SessionID: "s1", Source: SourceLocal, Event: OutcomeMiss, Hash: "a"},
		{SessionID: "s1", Source: SourceLocal, Event: OutcomeMiss, Hash: "b"},
	}
	if err := store.Record(context.Background(), "team_a", events); err == nil {
		t.Fatalf("expected record failure")
	}
	if fake.puts != 0 {
		t.Fatalf("expected no successful puts, got %d", fake.puts)
	}
}

func TestTimestampLayoutSortsLexically(t *testing.T) {
	a := time.Date(2026, 1, 1, 0, 0, 5, 100000000, time.UTC).Format(timestampLayout)
	b := time.Date(2026, 1, 1, 0, 0, 5, 120000000, time.UTC).Format(timestampLayout)
	if !(a < b) {
		t.Fatalf("expected %s < %s", a, b)
	}
}

func TestNewDynamoStoreValidation(t *testing.T) {
	if _, err := NewDynamoStoreWithClient(newFakeDynamo(), "", time.Hour); err == nil {
		t.Fatalf("expected table error")
	}
	if _, err := NewDynamoStoreWithClient(nil, "t", time.Hour); err == nil {
		t.Fatalf("expected client error")
	}
}
