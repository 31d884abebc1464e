package events

import (
	"context"
	"encoding/json"

	"github.com/cordum/remotecache/core/infra/logging"
)

// Publisher delivers encoded events to a message bus.
type Publisher interface {
	Publish(ctx context.Context, subject string, data []byte) error
}

// PublishingStore fans recorded events out to a bus after they are durably
// stored. Publishing is best effort, bounded by the Record context, and never
// fails Record.
type PublishingStore struct {
	Store
	pub     Publisher
	subject string
}

// NewPublishingStore wraps store so every recorded event is published on
// "{subject}.{scope}".
func NewPublishingStore(store Store, pub Publisher, subject string) *PublishingStore {
	return &PublishingStore{Store: store, pub: pub, subject: subject}
}

func (p *PublishingStore) Record(ctx context.Context, scope string, events []CacheEvent) error {
	if err := p.Store.Record(ctx, scope, events); err != nil {
		return err
	}
	subject := p.subject + "." + scope
	for i := range events {
		if ctx.Err() != nil {
			logging.Warn("events", "publish abandoned", "subject", subject, "unpublished", len(events)-i, "error", ctx.Err())
			return nil
		}
		data, err := json.Marshal(events[i])
		if err != nil {
			logging.Warn("events", "encode event for publish failed", "scope", scope, "hash", events[i].Hash, "error", err)
			continue
		}
		if err := p.pub.Publish(ctx, subject, data); err != nil {
			logging.Warn("events", "publish event failed", "subject", subject, "hash", events[i].Hash, "error", err)
		}
	}
	return nil
}
