package broker

import (
	"context"
	"sync/atomic"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"

	"notifyrelay/internal/notification"
	logx "notifyrelay/pkg/logx"
)

// channelPublisher is the slice of Manager the publisher needs.
type channelPublisher interface {
	Publish(ctx context.Context, pub amqp.Publishing, routingKey string) error
}

// Publisher serializes resolved messages and hands them to the connection
// manager for durable publish.
type Publisher struct {
	mgr        channelPublisher
	defaultKey string
	log        logx.Logger

	published atomic.Uint64
	failed    atomic.Uint64
}

// PublisherStats is a point-in-time counter snapshot.
type PublisherStats struct {
	Published uint64
	Failed    uint64
}

func NewPublisher(mgr channelPublisher, defaultRoutingKey string, log logx.Logger) *Publisher {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Publisher{mgr: mgr, defaultKey: defaultRoutingKey, log: log}
}

// Publish encodes msg and publishes it persistently with the given routing
// key (or the configured default when empty). Failures are returned to the
// caller, never swallowed: the boundary decides how to surface them.
func (p *Publisher) Publish(ctx context.Context, msg notification.Message, routingKey string) error {
	body, err := msg.Encode()
	if err != nil {
		p.failed.Add(1)
		return err
	}

	key := routingKey
	if key == "" {
		key = p.defaultKey
	}

	pub := amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		MessageId:    uuid.NewString(),
		Timestamp:    msg.CreatedAt,
		// Headers let downstream filter/observe without decoding the body.
		Headers: amqp.Table{
			"event_type": msg.EventType,
			"source":     msg.Source,
		},
		Body: body,
	}

	if err := p.mgr.Publish(ctx, pub, key); err != nil {
		p.failed.Add(1)
		return err
	}

	p.published.Add(1)
	p.log.Debug("notification published",
		logx.String("event_type", msg.EventType),
		logx.String("routing_key", key))
	return nil
}

func (p *Publisher) Stats() PublisherStats {
	return PublisherStats{
		Published: p.published.Load(),
		Failed:    p.failed.Load(),
	}
}
