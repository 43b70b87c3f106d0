package broker

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"notifyrelay/internal/notification"
	"notifyrelay/internal/runtime/supervisor"
	logx "notifyrelay/pkg/logx"
)

// consumeSource is the slice of Manager the consumer needs.
type consumeSource interface {
	Consume(tag string) (<-chan amqp.Delivery, error)
	CancelConsumer(tag string) error
	Close() error
}

// Dispatcher fans one notification out to its channels. An error means
// the delivery as a whole failed and should be redelivered.
type Dispatcher interface {
	Dispatch(ctx context.Context, msg notification.Message) error
}

// ConsumerConfig controls subscription and failure behavior.
type ConsumerConfig struct {
	// Tag identifies this subscription to the broker.
	Tag string
	// RequeueOnError controls whether failed (not malformed) deliveries
	// are returned to the queue for redelivery.
	RequeueOnError bool
	// StopGrace bounds how long Stop waits for in-flight handling before
	// cancelling it. Zero means 30s.
	StopGrace time.Duration
}

// Consumer subscribes to the bound queue and drives each delivery to
// exactly one terminal outcome: ack, requeue, or reject.
//
// Lifecycle: stopped -> starting -> running -> stopping -> stopped.
// Start is a no-op while running, Stop is a no-op while stopped, and both
// are safe to call concurrently.
//
// Processing is at-least-once: a requeued message will be handled again
// in full, so dispatch side effects must tolerate duplicate delivery.
type Consumer struct {
	mu sync.Mutex

	cfg  ConsumerConfig
	src  consumeSource
	disp Dispatcher
	log  logx.Logger

	running  bool
	stopDone chan struct{} // non-nil while stopping
	sup      *supervisor.Supervisor

	consumed atomic.Uint64
	acked    atomic.Uint64
	requeued atomic.Uint64
	rejected atomic.Uint64
}

// ConsumerStats is a point-in-time counter snapshot. Requeued counts
// deliveries returned to the queue; Rejected counts deliveries dropped
// without requeue (malformed, or failed with requeueing disabled).
type ConsumerStats struct {
	Consumed uint64
	Acked    uint64
	Requeued uint64
	Rejected uint64
}

func NewConsumer(cfg ConsumerConfig, src consumeSource, disp Dispatcher, log logx.Logger) *Consumer {
	if log.IsZero() {
		log = logx.Nop()
	}
	if cfg.Tag == "" {
		cfg.Tag = "notifyrelay.consumer"
	}
	if cfg.StopGrace <= 0 {
		cfg.StopGrace = 30 * time.Second
	}
	return &Consumer{cfg: cfg, src: src, disp: disp, log: log}
}

// Start obtains the queue subscription and begins processing. Idempotent.
func (c *Consumer) Start(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}

	c.mu.Lock()
	// A restart during shutdown waits for the previous stop to finish.
	if c.stopDone != nil {
		done := c.stopDone
		c.mu.Unlock()
		select {
		case <-done:
		case <-ctx.Done():
			return ctx.Err()
		}
		c.mu.Lock()
	}
	if c.running {
		c.mu.Unlock()
		return nil
	}

	deliveries, err := c.src.Consume(c.cfg.Tag)
	if err != nil {
		c.mu.Unlock()
		return fmt.Errorf("consumer start: %w", err)
	}

	// The handling context is detached from the start context on purpose:
	// shutdown must drain in-flight deliveries (Stop cancels explicitly
	// after the grace period), not abort them the moment the process
	// context is signalled.
	c.sup = supervisor.New(context.WithoutCancel(ctx),
		supervisor.WithLogger(c.log.With(logx.String("comp", "consumer"))))
	sup := c.sup
	c.running = true
	c.mu.Unlock()

	sup.Go("consume."+c.cfg.Tag, func(runCtx context.Context) error {
		// The broker closes this channel after Cancel or connection loss;
		// draining it first preserves the ack/nack state of in-flight
		// deliveries.
		for d := range deliveries {
			c.handle(runCtx, d)
		}
		return nil
	})

	c.log.Info("consumer started", logx.String("tag", c.cfg.Tag))
	return nil
}

// Stop cancels the subscription, lets in-flight handling finish within the
// grace period, then closes the broker resources. Idempotent.
func (c *Consumer) Stop(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}

	c.mu.Lock()
	if !c.running {
		// Already stopping: wait for that stop instead of racing it.
		if c.stopDone != nil {
			done := c.stopDone
			c.mu.Unlock()
			select {
			case <-done:
				return nil
			case <-ctx.Done():
				return ctx.Err()
			}
		}
		c.mu.Unlock()
		return nil
	}

	done := make(chan struct{})
	c.stopDone = done
	c.running = false
	sup := c.sup
	c.sup = nil
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		c.stopDone = nil
		c.mu.Unlock()
		close(done)
	}()

	if err := c.src.CancelConsumer(c.cfg.Tag); err != nil {
		c.log.Warn("consumer cancel failed", logx.Err(err))
	}

	if sup != nil {
		grace, cancel := context.WithTimeout(ctx, c.cfg.StopGrace)
		defer cancel()
		if !sup.Wait(grace) {
			c.log.Warn("consumer stop grace exceeded, cancelling in-flight handling")
			sup.Cancel()
		}
	}

	err := c.src.Close()
	c.log.Info("consumer stopped", logx.String("tag", c.cfg.Tag))
	return err
}

// handle drives one delivery to exactly one terminal outcome.
func (c *Consumer) handle(ctx context.Context, d amqp.Delivery) {
	c.consumed.Add(1)

	msg, err := notification.DecodeMessage(d.Body)
	if err != nil {
		// Malformed data will never become valid on retry: reject without
		// requeue. This is the deliberate exception to the requeue policy.
		c.rejected.Add(1)
		c.log.Error("rejecting malformed delivery", logx.Err(err))
		if nackErr := d.Nack(false, false); nackErr != nil {
			c.log.Error("nack failed", logx.Err(nackErr))
		}
		return
	}

	if err := c.dispatch(ctx, msg); err != nil {
		// A nack only counts as a requeue when the message actually goes
		// back to the queue; with requeueing disabled it is dropped.
		if c.cfg.RequeueOnError {
			c.requeued.Add(1)
		} else {
			c.rejected.Add(1)
		}
		c.log.Error("dispatch failed",
			logx.String("event_type", msg.EventType),
			logx.Bool("requeue", c.cfg.RequeueOnError),
			logx.Err(err))
		if nackErr := d.Nack(false, c.cfg.RequeueOnError); nackErr != nil {
			c.log.Error("nack failed", logx.Err(nackErr))
		}
		return
	}

	c.acked.Add(1)
	if ackErr := d.Ack(false); ackErr != nil {
		c.log.Error("ack failed", logx.Err(ackErr))
		return
	}
	c.log.Debug("notification processed", logx.String("event_type", msg.EventType))
}

// dispatch converts dispatcher panics into errors so a delivery can never
// end up neither acked nor nacked.
func (c *Consumer) dispatch(ctx context.Context, msg notification.Message) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("dispatch panicked: %v", r)
		}
	}()
	return c.disp.Dispatch(ctx, msg)
}

func (c *Consumer) Stats() ConsumerStats {
	return ConsumerStats{
		Consumed: c.consumed.Load(),
		Acked:    c.acked.Load(),
		Requeued: c.requeued.Load(),
		Rejected: c.rejected.Load(),
	}
}
