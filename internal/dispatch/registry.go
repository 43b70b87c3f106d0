package dispatch

import (
	"context"
	"fmt"
	"sync"

	"notifyrelay/internal/notification"
)

// Sender delivers one notification over one channel. Implementations are
// external collaborators (email/SMS/push providers); the dispatcher treats
// them as opaque. Senders must tolerate duplicate deliveries: a requeued
// message re-runs every channel, including ones that already succeeded.
type Sender interface {
	Send(ctx context.Context, msg notification.Message, channel notification.Channel) error
}

// SenderFunc adapts a function to the Sender interface.
type SenderFunc func(ctx context.Context, msg notification.Message, channel notification.Channel) error

func (f SenderFunc) Send(ctx context.Context, msg notification.Message, channel notification.Channel) error {
	return f(ctx, msg, channel)
}

// Registry maps channels to their senders. Entries are registered at
// startup; replacing a sender later (e.g. in tests) is allowed.
type Registry struct {
	mu      sync.RWMutex
	senders map[notification.Channel]Sender
}

func NewRegistry() *Registry {
	return &Registry{senders: make(map[notification.Channel]Sender)}
}

// Register installs the sender for a channel, replacing any previous one.
func (r *Registry) Register(channel notification.Channel, s Sender) {
	r.mu.Lock()
	r.senders[channel] = s
	r.mu.Unlock()
}

// Sender resolves the sender for a channel.
func (r *Registry) Sender(channel notification.Channel) (Sender, error) {
	r.mu.RLock()
	s, ok := r.senders[channel]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("no sender registered for channel %q", channel)
	}
	return s, nil
}
