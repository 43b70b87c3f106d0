package dispatch

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"notifyrelay/internal/notification"
	logx "notifyrelay/pkg/logx"
)

type recordingSender struct {
	mu    sync.Mutex
	calls []notification.Channel
	fail  map[notification.Channel]error
}

func (s *recordingSender) Send(_ context.Context, _ notification.Message, ch notification.Channel) error {
	s.mu.Lock()
	s.calls = append(s.calls, ch)
	s.mu.Unlock()
	if s.fail != nil {
		return s.fail[ch]
	}
	return nil
}

func (s *recordingSender) channels() []notification.Channel {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]notification.Channel(nil), s.calls...)
}

func testMessage(channels ...notification.Channel) notification.Message {
	return notification.Message{
		EventType:      "credential.issued",
		Source:         "test",
		ActorRole:      notification.RoleIssuer,
		RecipientRoles: []notification.Role{notification.RoleLearner},
		Recipients:     []string{"u1"},
		Channels:       channels,
		CreatedAt:      time.Now().UTC(),
	}
}

func newTestDispatcher(cfg Config, sender Sender) *Dispatcher {
	reg := NewRegistry()
	for _, ch := range notification.Channels {
		reg.Register(ch, sender)
	}
	return New(cfg, reg, logx.Nop())
}

func TestDispatchSendsEveryChannel(t *testing.T) {
	t.Parallel()

	sender := &recordingSender{}
	d := newTestDispatcher(Config{Concurrency: 4}, sender)

	err := d.Dispatch(context.Background(), testMessage(notification.ChannelEmail, notification.ChannelSMS, notification.ChannelPush))
	if err != nil {
		t.Fatalf("Dispatch() error: %v", err)
	}

	got := sender.channels()
	if len(got) != 3 {
		t.Fatalf("sent to %d channels, want 3: %v", len(got), got)
	}
	seen := map[notification.Channel]bool{}
	for _, ch := range got {
		seen[ch] = true
	}
	for _, want := range []notification.Channel{notification.ChannelEmail, notification.ChannelSMS, notification.ChannelPush} {
		if !seen[want] {
			t.Errorf("channel %s never sent", want)
		}
	}
}

func TestDispatchFailsWhenAnyChannelFails(t *testing.T) {
	t.Parallel()

	sendErr := errors.New("smtp unavailable")
	sender := &recordingSender{fail: map[notification.Channel]error{notification.ChannelEmail: sendErr}}
	d := newTestDispatcher(Config{Concurrency: 4}, sender)

	err := d.Dispatch(context.Background(), testMessage(notification.ChannelEmail, notification.ChannelInApp))
	if !errors.Is(err, sendErr) {
		t.Fatalf("Dispatch() error = %v, want wrapped %v", err, sendErr)
	}

	// All-or-nothing signal, but every channel is still attempted.
	if got := sender.channels(); len(got) != 2 {
		t.Fatalf("sent to %d channels, want 2 (both attempted): %v", len(got), got)
	}
}

func TestDispatchDefaultsToEmailWhenChannelsEmpty(t *testing.T) {
	t.Parallel()

	sender := &recordingSender{}
	d := newTestDispatcher(Config{Concurrency: 1}, sender)

	if err := d.Dispatch(context.Background(), testMessage()); err != nil {
		t.Fatalf("Dispatch() error: %v", err)
	}
	got := sender.channels()
	if len(got) != 1 || got[0] != notification.ChannelEmail {
		t.Fatalf("channels = %v, want [email]", got)
	}
}

func TestDispatchFailsForUnregisteredChannel(t *testing.T) {
	t.Parallel()

	d := New(Config{Concurrency: 1}, NewRegistry(), logx.Nop())
	if err := d.Dispatch(context.Background(), testMessage(notification.ChannelEmail)); err == nil {
		t.Fatal("Dispatch() succeeded with empty registry, want error")
	}
}

func TestDispatchRecoversSenderPanic(t *testing.T) {
	t.Parallel()

	reg := NewRegistry()
	reg.Register(notification.ChannelEmail, SenderFunc(func(context.Context, notification.Message, notification.Channel) error {
		panic("provider blew up")
	}))
	d := New(Config{Concurrency: 1}, reg, logx.Nop())

	if err := d.Dispatch(context.Background(), testMessage(notification.ChannelEmail)); err == nil {
		t.Fatal("Dispatch() succeeded despite sender panic, want error")
	}
}

func TestDispatchHonorsGlobalConcurrencyBound(t *testing.T) {
	t.Parallel()

	const limit = 2

	var inFlight, peak atomic.Int64
	block := make(chan struct{})
	reg := NewRegistry()
	for _, ch := range notification.Channels {
		reg.Register(ch, SenderFunc(func(context.Context, notification.Message, notification.Channel) error {
			n := inFlight.Add(1)
			for {
				p := peak.Load()
				if n <= p || peak.CompareAndSwap(p, n) {
					break
				}
			}
			<-block
			inFlight.Add(-1)
			return nil
		}))
	}
	d := New(Config{Concurrency: limit}, reg, logx.Nop())

	// Two messages with two channels each: 4 sends contending for 2 slots.
	var wg sync.WaitGroup
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = d.Dispatch(context.Background(), testMessage(notification.ChannelEmail, notification.ChannelSMS))
		}()
	}

	// Let sends reach the semaphore.
	time.Sleep(50 * time.Millisecond)
	close(block)
	wg.Wait()

	if got := peak.Load(); got > limit {
		t.Fatalf("peak concurrent sends = %d, want <= %d", got, limit)
	}
}

func TestDispatchRespectsContextCancellation(t *testing.T) {
	t.Parallel()

	block := make(chan struct{})
	defer close(block)

	reg := NewRegistry()
	for _, ch := range notification.Channels {
		reg.Register(ch, SenderFunc(func(ctx context.Context, _ notification.Message, _ notification.Channel) error {
			select {
			case <-block:
				return nil
			case <-ctx.Done():
				return ctx.Err()
			}
		}))
	}
	d := New(Config{Concurrency: 1}, reg, logx.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		// Two channels, concurrency 1: the second send waits on the
		// semaphore until ctx is cancelled.
		done <- d.Dispatch(ctx, testMessage(notification.ChannelEmail, notification.ChannelSMS))
	}()

	time.Sleep(20 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		if err == nil {
			t.Fatal("Dispatch() succeeded after cancellation, want error")
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Dispatch() did not return after cancellation")
	}
}
