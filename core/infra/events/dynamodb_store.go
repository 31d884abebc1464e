package events

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	dbtypes "github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/aws/smithy-go"
	"github.com/cordum/remotecache/core/infra/backend"
	"github.com/cordum/remotecache/core/infra/config"
)

// Table layout: partition key "hash" holds "{scope}/{hash}", sort key
// "timestamp" is a fixed-width UTC string so lexical order is time order, and
// "ttl" drives DynamoDB's native expiry.
const (
	attrKey       = "hash"
	attrTimestamp = "timestamp"
	attrTTL       = "ttl"

	timestampLayout = "2006-01-02T15:04:05.000000000Z"
)

// DynamoAPI is the subset of the DynamoDB client used by DynamoStore.
type DynamoAPI interface {
	PutItem(ctx context.Context, in *dynamodb.PutItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
	Query(ctx context.Context, in *dynamodb.QueryInput, optFns ...func(*dynamodb.Options)) (*dynamodb.QueryOutput, error)
}

// DynamoStore keeps events in a DynamoDB table with TTL enabled on "ttl".
type DynamoStore struct {
	client    DynamoAPI
	table     string
	retention time.Duration
	now       func() time.Time
}

// NewDynamoStore builds a client from the default AWS credential chain.
func NewDynamoStore(ctx context.Context, cfg config.EventsConfig, retention time.Duration) (*DynamoStore, error) {
	var opts []func(*awsconfig.LoadOptions) error
	if cfg.Region != "" {
		opts = append(opts, awsconfig.WithRegion(cfg.Region))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	client := dynamodb.NewFromConfig(awsCfg, func(o *dynamodb.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
	})
	return NewDynamoStoreWithClient(client, cfg.Table, retention)
}

// NewDynamoStoreWithClient wraps an existing client.
func NewDynamoStoreWithClient(client DynamoAPI, table string, retention time.Duration) (*DynamoStore, error) {
	if client == nil {
		return nil, errors.New("dynamodb client required")
	}
	if table == "" {
		return nil, errors.New("events table is required")
	}
	if retention <= 0 {
		return nil, errors.New("retention must be positive")
	}
	return &DynamoStore{client: client, table: table, retention: retention, now: time.Now}, nil
}

func (s *DynamoStore) Record(ctx context.Context, scope string, events []CacheEvent) error {
	now := s.now()
	for i := range events {
		stamp(&events[i], scope, batchTime(now, i), s.retention)
		_, err := s.client.PutItem(ctx, &dynamodb.PutItemInput{
			TableName: aws.String(s.table),
			Item:      marshalItem(&events[i]),
		})
		if err != nil {
			return classifyDynamo("put item", err)
		}
	}
	return nil
}

func (s *DynamoStore) Latest(ctx context.Context, scope, hash string) (*CacheEvent, error) {
	out, err := s.client.Query(ctx, &dynamodb.QueryInput{
		TableName:              aws.String(s.table),
		KeyConditionExpression: aws.String("#k = :k"),
		FilterExpression:       aws.String("#ttl > :now"),
		ExpressionAttributeNames: map[string]string{
			"#k":   attrKey,
			"#ttl": attrTTL,
		},
		ExpressionAttributeValues: map[string]dbtypes.AttributeValue{
			":k":   &dbtypes.AttributeValueMemberS{Value: partitionKey(scope, hash)},
			":now": &dbtypes.AttributeValueMemberN{Value: strconv.FormatInt(s.now().Unix(), 10)},
		},
		ScanIndexForward: aws.Bool(false),
		Limit:            aws.Int32(1),
	})
	if err != nil {
		return nil, classifyDynamo("query", err)
	}
	// Limit applies before the filter. If the newest item is expired every
	// older one is too, so an empty page means no live event.
	if len(out.Items) == 0 {
		return nil, backend.ErrNotFound
	}
	return unmarshalItem(out.Items[0])
}

func partitionKey(scope, hash string) string {
	return scope + "/" + hash
}

func marshalItem(ev *CacheEvent) map[string]dbtypes.AttributeValue {
	item := map[string]dbtypes.AttributeValue{
		attrKey:        &dbtypes.AttributeValueMemberS{Value: partitionKey(ev.Scope, ev.Hash)},
		attrTimestamp:  &dbtypes.AttributeValueMemberS{Value: ev.Timestamp.UTC().Format(timestampLayout)},
		attrTTL:        &dbtypes.AttributeValueMemberN{Value: strconv.FormatInt(ev.ExpiresAt, 10)},
		"scope":        &dbtypes.AttributeValueMemberS{Value: ev.Scope},
		"artifactHash": &dbtypes.AttributeValueMemberS{Value: ev.Hash},
		"sessionId":    &dbtypes.AttributeValueMemberS{Value: ev.SessionID},
		"source":       &dbtypes.AttributeValueMemberS{Value: string(ev.Source)},
		"event":        &dbtypes.AttributeValueMemberS{Value: string(ev.Event)},
	}
	if ev.Duration != nil {
		item["duration"] = &dbtypes.AttributeValueMemberN{Value: strconv.FormatInt(*ev.Duration, 10)}
	}
	if ev.Size != nil {
		item["size"] = &dbtypes.AttributeValueMemberN{Value: strconv.FormatInt(*ev.Size, 10)}
	}
	if ev.Tag != "" {
		item["tag"] = &dbtypes.AttributeValueMemberS{Value: ev.Tag}
	}
	return item
}

func unmarshalItem(item map[string]dbtypes.AttributeValue) (*CacheEvent, error) {
	ev := &CacheEvent{
		Scope:     stringAttr(item, "scope"),
		Hash:      stringAttr(item, "artifactHash"),
		SessionID: stringAttr(item, "sessionId"),
		Source:    Source(stringAttr(item, "source")),
		Event:     Outcome(stringAttr(item, "event")),
		Tag:       stringAttr(item, "tag"),
	}
	ts, err := time.Parse(timestampLayout, stringAttr(item, attrTimestamp))
	if err != nil {
		return nil, fmt.Errorf("decode event timestamp: %w", err)
	}
	ev.Timestamp = ts
	if n, ok, err := numberAttr(item, attrTTL); err != nil {
		return nil, err
	} else if ok {
		ev.ExpiresAt = n
	}
	if n, ok, err := numberAttr(item, "duration"); err != nil {
		return nil, err
	} else if ok {
		ev.Duration = &n
	}
	if n, ok, err := numberAttr(item, "size"); err != nil {
		return nil, err
	} else if ok {
		ev.Size = &n
	}
	return ev, nil
}

func stringAttr(item map[string]dbtypes.AttributeValue, name string) string {
	if v, ok := item[name].(*dbtypes.AttributeValueMemberS); ok {
		return v.Value
	}
	return ""
}

func numberAttr(item map[string]dbtypes.AttributeValue, name string) (int64, bool, error) {
	v, ok := item[name].(*dbtypes.AttributeValueMemberN)
	if !ok {
		return 0, false, nil
	}
	n, err := strconv.ParseInt(v.Value, 10, 64)
	if err != nil {
		f, ferr := strconv.ParseFloat(v.Value, 64)
		if ferr != nil {
			return 0, false, fmt.Errorf("decode %s: %w", name, err)
		}
		n = int64(f)
	}
	return n, true, nil
}

// A missing table, throttling and denied credentials all mean the event store
// cannot answer; none of them may read as "no event".
func classifyDynamo(op string, err error) error {
	var missing *dbtypes.ResourceNotFoundException
	if errors.As(err, &missing) {
		return backend.Unavailable("dynamodb "+op, err)
	}
	var throughput *dbtypes.ProvisionedThroughputExceededException
	if errors.As(err, &throughput) {
		return backend.Unavailable("dynamodb "+op, err)
	}
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "ThrottlingException", "RequestLimitExceeded", "AccessDeniedException",
			"UnrecognizedClientException", "ServiceUnavailable", "InternalServerError":
			return backend.Unavailable("dynamodb "+op, err)
		}
	}
	if backend.IsUnavailable(err) {
		return backend.Unavailable("dynamodb "+op, err)
	}
	return fmt.Errorf("dynamodb %s: %w", op, err)
}
