// Package broker owns the AMQP side of the pipeline: one self-healing
// connection/channel pair, durable topology, publishing, and the
// consuming state machine.
package broker

import (
	"context"
	"errors"
	"fmt"
	"sync"

	amqp "github.com/rabbitmq/amqp091-go"

	logx "notifyrelay/pkg/logx"
)

// Config is the broker surface read once at startup.
type Config struct {
	URL          string
	Exchange     string
	ExchangeType string // "direct", "topic" or "fanout"
	Queue        string
	BindingKey   string
	Prefetch     int
}

func (c *Config) applyDefaults() {
	if c.ExchangeType == "" {
		c.ExchangeType = "topic"
	}
	// The prefetch bound is the backpressure control; zero would mean
	// "unlimited unacked deliveries", which is never wanted here.
	if c.Prefetch < 1 {
		c.Prefetch = 1
	}
}

// Manager owns one logical connection, one channel, one durable exchange
// and one durable queue bound to it.
//
// All handle mutation happens under mu so concurrent first-callers cannot
// race to declare duplicate topology or open duplicate channels. Handles
// are liveness-checked before reuse: after an unexpected connection loss
// the next call re-establishes state transparently.
type Manager struct {
	mu  sync.Mutex
	cfg Config
	log logx.Logger

	conn *amqp.Connection
	ch   *amqp.Channel

	exchangeDeclared bool
	queueDeclared    bool
}

func NewManager(cfg Config, log logx.Logger) *Manager {
	if log.IsZero() {
		log = logx.Nop()
	}
	cfg.applyDefaults()
	return &Manager{cfg: cfg, log: log}
}

// Connect returns the live connection, dialing if needed. Idempotent.
func (m *Manager) Connect() (*amqp.Connection, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.connectLocked()
}

func (m *Manager) connectLocked() (*amqp.Connection, error) {
	if m.conn != nil && !m.conn.IsClosed() {
		return m.conn, nil
	}

	m.log.Info("connecting to broker", logx.String("url", m.cfg.URL))
	conn, err := amqp.Dial(m.cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("broker dial: %w", err)
	}

	// A dead connection invalidates everything built on top of it.
	m.conn = conn
	m.ch = nil
	m.exchangeDeclared = false
	m.queueDeclared = false

	// Unexpected closure is logged, never fatal: the next call through
	// the manager re-establishes state.
	go func(closed <-chan *amqp.Error) {
		if err, ok := <-closed; ok && err != nil {
			m.log.Error("broker connection closed unexpectedly", logx.Err(err))
			return
		}
		m.log.Info("broker connection closed")
	}(conn.NotifyClose(make(chan *amqp.Error, 1)))

	return conn, nil
}

func (m *Manager) channelLocked() (*amqp.Channel, error) {
	if m.ch != nil && !m.ch.IsClosed() {
		return m.ch, nil
	}

	conn, err := m.connectLocked()
	if err != nil {
		return nil, err
	}
	ch, err := conn.Channel()
	if err != nil {
		return nil, fmt.Errorf("broker channel: %w", err)
	}
	if err := ch.Qos(m.cfg.Prefetch, 0, false); err != nil {
		_ = ch.Close()
		return nil, fmt.Errorf("broker qos: %w", err)
	}

	m.ch = ch
	m.exchangeDeclared = false
	m.queueDeclared = false
	m.log.Info("broker channel created", logx.Int("prefetch", m.cfg.Prefetch))
	return ch, nil
}

// topologyLocked idempotently declares the durable exchange and queue and
// binds them. Redeclaring existing topology is a no-op on the broker side.
func (m *Manager) topologyLocked() (*amqp.Channel, error) {
	ch, err := m.channelLocked()
	if err != nil {
		return nil, err
	}

	if !m.exchangeDeclared {
		if err := ch.ExchangeDeclare(m.cfg.Exchange, m.cfg.ExchangeType, true, false, false, false, nil); err != nil {
			return nil, fmt.Errorf("declare exchange %q: %w", m.cfg.Exchange, err)
		}
		m.exchangeDeclared = true
		m.log.Info("exchange declared",
			logx.String("exchange", m.cfg.Exchange), logx.String("type", m.cfg.ExchangeType))
	}

	if !m.queueDeclared {
		if _, err := ch.QueueDeclare(m.cfg.Queue, true, false, false, false, nil); err != nil {
			return nil, fmt.Errorf("declare queue %q: %w", m.cfg.Queue, err)
		}
		if err := ch.QueueBind(m.cfg.Queue, m.cfg.BindingKey, m.cfg.Exchange, false, nil); err != nil {
			return nil, fmt.Errorf("bind queue %q: %w", m.cfg.Queue, err)
		}
		m.queueDeclared = true
		m.log.Info("queue declared and bound",
			logx.String("queue", m.cfg.Queue),
			logx.String("exchange", m.cfg.Exchange),
			logx.String("binding_key", m.cfg.BindingKey))
	}

	return ch, nil
}

// Declare makes sure connection, channel, exchange, queue and binding all
// exist. Used at startup so the first publish/consume doesn't pay for it.
func (m *Manager) Declare() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, err := m.topologyLocked()
	return err
}

// Publish sends a persistent message through the declared exchange.
//
// The channel handle is snapshotted under the lock; the network write
// itself happens outside it, the client is safe for concurrent publish.
func (m *Manager) Publish(ctx context.Context, pub amqp.Publishing, routingKey string) error {
	m.mu.Lock()
	ch, err := m.topologyLocked()
	exchange := m.cfg.Exchange
	m.mu.Unlock()
	if err != nil {
		return err
	}

	if err := ch.PublishWithContext(ctx, exchange, routingKey, false, false, pub); err != nil {
		return fmt.Errorf("publish to %q (key %q): %w", exchange, routingKey, err)
	}
	return nil
}

// Consume registers a manual-ack subscription on the bound queue.
func (m *Manager) Consume(tag string) (<-chan amqp.Delivery, error) {
	m.mu.Lock()
	ch, err := m.topologyLocked()
	queue := m.cfg.Queue
	m.mu.Unlock()
	if err != nil {
		return nil, err
	}

	deliveries, err := ch.Consume(queue, tag, false, false, false, false, nil)
	if err != nil {
		return nil, fmt.Errorf("consume from %q: %w", queue, err)
	}
	return deliveries, nil
}

// CancelConsumer stops delivery to the given consumer tag. The broker
// closes the delivery channel once pending messages are flushed.
func (m *Manager) CancelConsumer(tag string) error {
	m.mu.Lock()
	ch := m.ch
	m.mu.Unlock()
	if ch == nil || ch.IsClosed() {
		return nil
	}
	if err := ch.Cancel(tag, false); err != nil {
		return fmt.Errorf("cancel consumer %q: %w", tag, err)
	}
	return nil
}

// Close releases the channel then the connection, in that order. Safe to
// call multiple times and concurrently with in-flight operations; those
// fail with a closed-connection error rather than being aborted forcibly.
func (m *Manager) Close() error {
	m.mu.Lock()
	ch := m.ch
	conn := m.conn
	m.ch = nil
	m.conn = nil
	m.exchangeDeclared = false
	m.queueDeclared = false
	m.mu.Unlock()

	var errs []error
	if ch != nil && !ch.IsClosed() {
		if err := ch.Close(); err != nil && !errors.Is(err, amqp.ErrClosed) {
			errs = append(errs, err)
		}
	}
	if conn != nil && !conn.IsClosed() {
		if err := conn.Close(); err != nil && !errors.Is(err, amqp.ErrClosed) {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
