// Package dispatch fans resolved notifications out to their delivery
// channels under a global concurrency bound.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"golang.org/x/time/rate"

	"notifyrelay/internal/notification"
	logx "notifyrelay/pkg/logx"
)

// Config controls fan-out behavior.
type Config struct {
	// Concurrency caps channel sends in flight across ALL notifications
	// in the process, not per message. It protects downstream providers
	// under burst load.
	Concurrency int
	// SendRatePerSec, when > 0, additionally rate-limits sends per
	// channel (token bucket, burst = rate).
	SendRatePerSec int
}

// Dispatcher fans a single notification out to all its channels
// concurrently and waits for every send to finish.
//
// Failure is all-or-nothing: if any channel send fails, Dispatch fails and
// the whole message is requeued, so channels that already succeeded may
// send again on redelivery. Known tradeoff; senders must be
// duplicate-tolerant.
type Dispatcher struct {
	reg *Registry
	sem *semaphore
	log logx.Logger

	// limiters is built once at construction and read-only afterwards.
	limiters map[notification.Channel]*rate.Limiter

	dispatched atomic.Uint64
	sends      atomic.Uint64
	sendErrs   atomic.Uint64
}

// DispatcherStats is a point-in-time counter snapshot.
type DispatcherStats struct {
	Dispatched uint64
	Sends      uint64
	SendErrors uint64
	InFlight   int
}

func New(cfg Config, reg *Registry, log logx.Logger) *Dispatcher {
	if log.IsZero() {
		log = logx.Nop()
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 4
	}

	var limiters map[notification.Channel]*rate.Limiter
	if cfg.SendRatePerSec > 0 {
		limiters = make(map[notification.Channel]*rate.Limiter, len(notification.Channels))
		for _, ch := range notification.Channels {
			limiters[ch] = rate.NewLimiter(rate.Limit(cfg.SendRatePerSec), cfg.SendRatePerSec)
		}
	}

	return &Dispatcher{
		reg:      reg,
		sem:      newSemaphore(cfg.Concurrency),
		log:      log,
		limiters: limiters,
	}
}

// Dispatch sends msg over each of its channels concurrently and returns
// the combined error of every failed send (nil when all succeeded).
func (d *Dispatcher) Dispatch(ctx context.Context, msg notification.Message) error {
	channels := msg.Channels
	// Unreachable for messages built by the policy layer, but a delivery
	// must never be dropped on the floor for lack of a channel list.
	if len(channels) == 0 {
		channels = []notification.Channel{notification.ChannelEmail}
	}

	d.dispatched.Add(1)

	var (
		mu   sync.Mutex
		errs []error
		wg   sync.WaitGroup
	)
	for _, ch := range channels {
		wg.Add(1)
		go func(ch notification.Channel) {
			defer wg.Done()
			if err := d.send(ctx, msg, ch); err != nil {
				mu.Lock()
				errs = append(errs, err)
				mu.Unlock()
			}
		}(ch)
	}
	wg.Wait()

	return errors.Join(errs...)
}

func (d *Dispatcher) send(ctx context.Context, msg notification.Message, channel notification.Channel) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("channel %s: sender panicked: %v", channel, r)
		}
		if err != nil {
			d.sendErrs.Add(1)
		}
	}()

	sender, err := d.reg.Sender(channel)
	if err != nil {
		return err
	}

	if err := d.sem.acquire(ctx); err != nil {
		return fmt.Errorf("channel %s: %w", channel, err)
	}
	defer d.sem.release()

	if lim := d.limiters[channel]; lim != nil {
		if err := lim.Wait(ctx); err != nil {
			return fmt.Errorf("channel %s: %w", channel, err)
		}
	}

	d.sends.Add(1)
	if err := sender.Send(ctx, msg, channel); err != nil {
		return fmt.Errorf("channel %s: %w", channel, err)
	}

	d.log.Debug("notification sent",
		logx.String("channel", channel.String()),
		logx.String("event_type", msg.EventType))
	return nil
}

func (d *Dispatcher) Stats() DispatcherStats {
	return DispatcherStats{
		Dispatched: d.dispatched.Load(),
		Sends:      d.sends.Load(),
		SendErrors: d.sendErrs.Load(),
		InFlight:   d.sem.inUse(),
	}
}
