package broker

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"notifyrelay/internal/dispatch"
	"notifyrelay/internal/notification"
	logx "notifyrelay/pkg/logx"
)

// fakeAcker records the terminal outcome of one delivery.
type fakeAcker struct {
	mu       sync.Mutex
	acks     int
	nacks    int
	rejects  int
	requeues []bool
}

func (a *fakeAcker) Ack(_ uint64, _ bool) error {
	a.mu.Lock()
	a.acks++
	a.mu.Unlock()
	return nil
}

func (a *fakeAcker) Nack(_ uint64, _ bool, requeue bool) error {
	a.mu.Lock()
	a.nacks++
	a.requeues = append(a.requeues, requeue)
	a.mu.Unlock()
	return nil
}

func (a *fakeAcker) Reject(_ uint64, requeue bool) error {
	a.mu.Lock()
	a.rejects++
	a.requeues = append(a.requeues, requeue)
	a.mu.Unlock()
	return nil
}

func (a *fakeAcker) outcomes() (acks, nacks int, requeues []bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.acks, a.nacks, append([]bool(nil), a.requeues...)
}

// fakeSource feeds deliveries into the consumer without a broker.
type fakeSource struct {
	mu         sync.Mutex
	deliveries chan amqp.Delivery
	cancelled  bool
	closed     bool
}

func newFakeSource(buffer int) *fakeSource {
	return &fakeSource{deliveries: make(chan amqp.Delivery, buffer)}
}

func (s *fakeSource) Consume(string) (<-chan amqp.Delivery, error) {
	return s.deliveries, nil
}

func (s *fakeSource) CancelConsumer(string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.cancelled {
		s.cancelled = true
		close(s.deliveries)
	}
	return nil
}

func (s *fakeSource) Close() error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	return nil
}

type fakeDispatcher struct {
	mu    sync.Mutex
	calls int
	err   error
	panic bool
}

func (d *fakeDispatcher) Dispatch(_ context.Context, _ notification.Message) error {
	d.mu.Lock()
	d.calls++
	d.mu.Unlock()
	if d.panic {
		panic("dispatcher exploded")
	}
	return d.err
}

func (d *fakeDispatcher) callCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.calls
}

func validWireMessage(t *testing.T) []byte {
	t.Helper()
	msg := notification.Message{
		EventType:      "credential.issued",
		Source:         "test",
		ActorRole:      notification.RoleIssuer,
		RecipientRoles: []notification.Role{notification.RoleLearner},
		Recipients:     []string{"u1"},
		Channels:       []notification.Channel{notification.ChannelEmail},
		CreatedAt:      time.Now().UTC(),
	}
	b, err := msg.Encode()
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	return b
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not reached in time")
}

func TestConsumerAcksSuccessfulDelivery(t *testing.T) {
	t.Parallel()

	src := newFakeSource(1)
	disp := &fakeDispatcher{}
	c := NewConsumer(ConsumerConfig{RequeueOnError: true}, src, disp, logx.Nop())

	if err := c.Start(context.Background()); err != nil {
		t.Fatalf("Start() error: %v", err)
	}
	defer c.Stop(context.Background())

	acker := &fakeAcker{}
	src.deliveries <- amqp.Delivery{Acknowledger: acker, DeliveryTag: 1, Body: validWireMessage(t)}

	waitFor(t, func() bool { acks, _, _ := acker.outcomes(); return acks == 1 })

	acks, nacks, _ := acker.outcomes()
	if acks != 1 || nacks != 0 {
		t.Fatalf("outcomes = %d acks, %d nacks; want exactly one ack", acks, nacks)
	}
	if disp.callCount() != 1 {
		t.Fatalf("dispatcher called %d times, want 1", disp.callCount())
	}
}

func TestConsumerDispatchesChannelLessDeliveryOverEmail(t *testing.T) {
	t.Parallel()

	// A wire message without channels is valid; it goes out over the
	// dispatcher's default channel (email) and is acked.
	var (
		mu       sync.Mutex
		sentOver []notification.Channel
	)
	reg := dispatch.NewRegistry()
	reg.Register(notification.ChannelEmail, dispatch.SenderFunc(
		func(_ context.Context, _ notification.Message, ch notification.Channel) error {
			mu.Lock()
			sentOver = append(sentOver, ch)
			mu.Unlock()
			return nil
		}))
	disp := dispatch.New(dispatch.Config{}, reg, logx.Nop())

	src := newFakeSource(1)
	c := NewConsumer(ConsumerConfig{RequeueOnError: true}, src, disp, logx.Nop())
	if err := c.Start(context.Background()); err != nil {
		t.Fatalf("Start() error: %v", err)
	}
	defer c.Stop(context.Background())

	body := []byte(`{
		"event_type": "credential.issued",
		"source": "test",
		"actor_role": "issuer",
		"recipient_roles": ["learner"],
		"recipients": ["u1"]
	}`)
	acker := &fakeAcker{}
	src.deliveries <- amqp.Delivery{Acknowledger: acker, DeliveryTag: 1, Body: body}

	waitFor(t, func() bool { acks, _, _ := acker.outcomes(); return acks == 1 })

	acks, nacks, _ := acker.outcomes()
	if acks != 1 || nacks != 0 {
		t.Fatalf("outcomes = %d acks, %d nacks; want exactly one ack", acks, nacks)
	}
	mu.Lock()
	defer mu.Unlock()
	if len(sentOver) != 1 || sentOver[0] != notification.ChannelEmail {
		t.Fatalf("sent over %v, want [email]", sentOver)
	}
}

func TestConsumerRejectsMalformedWithoutRequeue(t *testing.T) {
	t.Parallel()

	src := newFakeSource(1)
	disp := &fakeDispatcher{}
	c := NewConsumer(ConsumerConfig{RequeueOnError: true}, src, disp, logx.Nop())

	if err := c.Start(context.Background()); err != nil {
		t.Fatalf("Start() error: %v", err)
	}
	defer c.Stop(context.Background())

	acker := &fakeAcker{}
	src.deliveries <- amqp.Delivery{Acknowledger: acker, DeliveryTag: 1, Body: []byte("not json at all")}

	waitFor(t, func() bool { _, nacks, _ := acker.outcomes(); return nacks == 1 })

	acks, nacks, requeues := acker.outcomes()
	if acks != 0 || nacks != 1 {
		t.Fatalf("outcomes = %d acks, %d nacks; want exactly one nack", acks, nacks)
	}
	if len(requeues) != 1 || requeues[0] {
		t.Fatalf("requeue = %v, want [false]: malformed data never becomes valid", requeues)
	}
	if disp.callCount() != 0 {
		t.Fatalf("dispatcher called %d times for malformed payload, want 0", disp.callCount())
	}
}

func TestConsumerRejectsSchemaViolationWithoutRequeue(t *testing.T) {
	t.Parallel()

	src := newFakeSource(1)
	disp := &fakeDispatcher{}
	c := NewConsumer(ConsumerConfig{RequeueOnError: true}, src, disp, logx.Nop())

	if err := c.Start(context.Background()); err != nil {
		t.Fatalf("Start() error: %v", err)
	}
	defer c.Stop(context.Background())

	// Valid JSON, invalid message: empty recipient_roles.
	body := []byte(`{"event_type":"e","source":"s","actor_role":"issuer","recipient_roles":[],"recipients":["u1"],"channels":["email"]}`)
	acker := &fakeAcker{}
	src.deliveries <- amqp.Delivery{Acknowledger: acker, DeliveryTag: 1, Body: body}

	waitFor(t, func() bool { _, nacks, _ := acker.outcomes(); return nacks == 1 })

	_, _, requeues := acker.outcomes()
	if len(requeues) != 1 || requeues[0] {
		t.Fatalf("requeue = %v, want [false]", requeues)
	}
	if disp.callCount() != 0 {
		t.Fatal("dispatcher invoked for invalid message")
	}
}

func TestConsumerRequeuesOnDispatchFailure(t *testing.T) {
	t.Parallel()

	src := newFakeSource(1)
	disp := &fakeDispatcher{err: errors.New("channel send failed")}
	c := NewConsumer(ConsumerConfig{RequeueOnError: true}, src, disp, logx.Nop())

	if err := c.Start(context.Background()); err != nil {
		t.Fatalf("Start() error: %v", err)
	}
	defer c.Stop(context.Background())

	acker := &fakeAcker{}
	src.deliveries <- amqp.Delivery{Acknowledger: acker, DeliveryTag: 1, Body: validWireMessage(t)}

	waitFor(t, func() bool { _, nacks, _ := acker.outcomes(); return nacks == 1 })

	acks, nacks, requeues := acker.outcomes()
	if acks != 0 || nacks != 1 {
		t.Fatalf("outcomes = %d acks, %d nacks; want exactly one nack", acks, nacks)
	}
	if len(requeues) != 1 || !requeues[0] {
		t.Fatalf("requeue = %v, want [true]", requeues)
	}
	if stats := c.Stats(); stats.Requeued != 1 || stats.Rejected != 0 {
		t.Fatalf("stats = %+v, want Requeued=1 Rejected=0", stats)
	}
}

func TestConsumerHonorsRequeueFlagDisabled(t *testing.T) {
	t.Parallel()

	src := newFakeSource(1)
	disp := &fakeDispatcher{err: errors.New("send failed")}
	c := NewConsumer(ConsumerConfig{RequeueOnError: false}, src, disp, logx.Nop())

	if err := c.Start(context.Background()); err != nil {
		t.Fatalf("Start() error: %v", err)
	}
	defer c.Stop(context.Background())

	acker := &fakeAcker{}
	src.deliveries <- amqp.Delivery{Acknowledger: acker, DeliveryTag: 1, Body: validWireMessage(t)}

	waitFor(t, func() bool { _, nacks, _ := acker.outcomes(); return nacks == 1 })

	_, _, requeues := acker.outcomes()
	if len(requeues) != 1 || requeues[0] {
		t.Fatalf("requeue = %v, want [false]", requeues)
	}
	// The message was dropped, not requeued; the counters must say so.
	if stats := c.Stats(); stats.Requeued != 0 || stats.Rejected != 1 {
		t.Fatalf("stats = %+v, want Requeued=0 Rejected=1", stats)
	}
}

func TestConsumerNacksWhenDispatcherPanics(t *testing.T) {
	t.Parallel()

	src := newFakeSource(1)
	disp := &fakeDispatcher{panic: true}
	c := NewConsumer(ConsumerConfig{RequeueOnError: true}, src, disp, logx.Nop())

	if err := c.Start(context.Background()); err != nil {
		t.Fatalf("Start() error: %v", err)
	}
	defer c.Stop(context.Background())

	acker := &fakeAcker{}
	src.deliveries <- amqp.Delivery{Acknowledger: acker, DeliveryTag: 1, Body: validWireMessage(t)}

	// The panic must still produce exactly one terminal outcome.
	waitFor(t, func() bool { _, nacks, _ := acker.outcomes(); return nacks == 1 })

	acks, nacks, requeues := acker.outcomes()
	if acks != 0 || nacks != 1 {
		t.Fatalf("outcomes = %d acks, %d nacks; want exactly one nack", acks, nacks)
	}
	if len(requeues) != 1 || !requeues[0] {
		t.Fatalf("requeue = %v, want [true]", requeues)
	}
}

func TestConsumerStartStopIdempotent(t *testing.T) {
	t.Parallel()

	src := newFakeSource(1)
	c := NewConsumer(ConsumerConfig{}, src, &fakeDispatcher{}, logx.Nop())

	ctx := context.Background()
	if err := c.Start(ctx); err != nil {
		t.Fatalf("Start() error: %v", err)
	}
	// Second start is a no-op.
	if err := c.Start(ctx); err != nil {
		t.Fatalf("second Start() error: %v", err)
	}

	if err := c.Stop(ctx); err != nil {
		t.Fatalf("Stop() error: %v", err)
	}
	// Second stop is a no-op.
	if err := c.Stop(ctx); err != nil {
		t.Fatalf("second Stop() error: %v", err)
	}

	src.mu.Lock()
	closed := src.closed
	src.mu.Unlock()
	if !closed {
		t.Fatal("Stop() did not close the broker resources")
	}
}

func TestConsumerStopDrainsInFlight(t *testing.T) {
	t.Parallel()

	src := newFakeSource(4)
	started := make(chan struct{})
	release := make(chan struct{})
	var dispatched atomic.Int32

	disp := dispatcherFunc(func(ctx context.Context, _ notification.Message) error {
		close(started)
		<-release
		dispatched.Add(1)
		return nil
	})

	c := NewConsumer(ConsumerConfig{StopGrace: 5 * time.Second}, src, disp, logx.Nop())
	if err := c.Start(context.Background()); err != nil {
		t.Fatalf("Start() error: %v", err)
	}

	acker := &fakeAcker{}
	src.deliveries <- amqp.Delivery{Acknowledger: acker, DeliveryTag: 1, Body: validWireMessage(t)}
	<-started

	stopDone := make(chan error, 1)
	go func() { stopDone <- c.Stop(context.Background()) }()

	// Stop must wait for the in-flight delivery, not abandon it.
	select {
	case <-stopDone:
		t.Fatal("Stop() returned while a delivery was still being handled")
	case <-time.After(50 * time.Millisecond):
	}

	close(release)
	select {
	case err := <-stopDone:
		if err != nil {
			t.Fatalf("Stop() error: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Stop() did not return after in-flight delivery finished")
	}

	if dispatched.Load() != 1 {
		t.Fatalf("dispatched = %d, want 1", dispatched.Load())
	}
	acks, _, _ := acker.outcomes()
	if acks != 1 {
		t.Fatalf("acks = %d, want 1: ack state must survive shutdown", acks)
	}
}

type dispatcherFunc func(ctx context.Context, msg notification.Message) error

func (f dispatcherFunc) Dispatch(ctx context.Context, msg notification.Message) error {
	return f(ctx, msg)
}
