package bus

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/cordum/remotecache/core/infra/logging"
	"github.com/nats-io/nats.go"
)

const (
	streamEvents  = "REMOTECACHE_EVENTS"
	defaultMaxAge = 7 * 24 * time.Hour
)

var (
	errNilBus     = errors.New("nats bus not initialized")
	errEmptyTopic = errors.New("empty subject")

	// JetStream publishes wait for an ack, so they fail fast while offline.
	errDisconnected = errors.New("nats disconnected")
)

// NatsBus is a thin publisher over a NATS connection.
type NatsBus struct {
	nc        *nats.Conn
	js        nats.JetStreamContext
	jsEnabled bool
}

// Options tune the connection.
type Options struct {
	Name string
	// JetStream persists published subjects matching StreamSubjects.
	JetStream      bool
	StreamSubjects []string
	MaxAge         time.Duration
}

// NewNatsBus dials NATS at the provided URL.
func NewNatsBus(url string, opts Options) (*NatsBus, error) {
	name := opts.Name
	if name == "" {
		name = "remotecache-bus"
	}
	nc, err := nats.Connect(url,
		nats.Name(name),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(nc *nats.Conn, err error) {
			logging.Warn("bus", "disconnected from nats", "error", err)
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logging.Info("bus", "reconnected to nats", "url", nc.ConnectedUrl())
		}),
		nats.ClosedHandler(func(nc *nats.Conn) {
			logging.Info("bus", "connection closed")
		}),
	)
	if err != nil {
		return nil, err
	}
	b := &NatsBus{nc: nc}
	if opts.JetStream {
		b.initJetStream(opts)
	}
	return b, nil
}

// Close shuts down the underlying NATS connection.
func (b *NatsBus) Close() {
	if b != nil && b.nc != nil {
		b.nc.Close()
	}
}

// Publish sends data on subject. With JetStream enabled it waits for the
// stream ack, bounded by ctx.
func (b *NatsBus) Publish(ctx context.Context, subject string, data []byte) error {
	if b == nil || b.nc == nil {
		return errNilBus
	}
	if strings.TrimSpace(subject) == "" {
		return errEmptyTopic
	}
	if b.jsEnabled {
		if !b.nc.IsConnected() {
			return errDisconnected
		}
		_, err := b.js.Publish(subject, data, nats.Context(ctx))
		return err
	}
	return b.nc.Publish(subject, data)
}

func (b *NatsBus) initJetStream(opts Options) {
	maxAge := opts.MaxAge
	if maxAge <= 0 {
		maxAge = defaultMaxAge
	}
	js, err := b.nc.JetStream()
	if err != nil {
		logging.Warn("bus", "jetstream init failed", "error", err)
		return
	}
	if _, err := js.AccountInfo(); err != nil {
		logging.Warn("bus", "jetstream not available", "error", err)
		return
	}
	_, err = js.AddStream(&nats.StreamConfig{
		Name:      streamEvents,
		Subjects:  opts.StreamSubjects,
		Retention: nats.LimitsPolicy,
		Storage:   nats.FileStorage,
		MaxAge:    maxAge,
	})
	if err != nil {
		// The stream may already exist.
		if _, infoErr := js.StreamInfo(streamEvents); infoErr != nil {
			logging.Warn("bus", "jetstream ensure stream failed", "stream", streamEvents, "error", err)
			return
		}
	}
	b.js = js
	b.jsEnabled = true
	logging.Info("bus", "jetstream enabled", "stream", streamEvents, "max_age", maxAge)
}
